package store

/* This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/. */

import (
	"fmt"

	"github.com/pkg/errors"
)

// Request and response bodies of the KMIP operations API
// (POST /api/v1/kmip-operations/{get,create,delete}).

// remoteObject is returned by get; Value is the base64 key material
type remoteObject struct {
	ID        string `json:"id"`
	Value     string `json:"value"`
	Algorithm string `json:"algorithm"`
}

// remoteObjectRef is the body of get and delete, and the response of
// create and delete
type remoteObjectRef struct {
	ID string `json:"id"`
}

type remoteCreateRequest struct {
	Algorithm string `json:"algorithm"`
}

func remoteAlgorithm(length int) string {
	return fmt.Sprintf("aes-%d-gcm", length)
}

// remoteKeyLength maps an API algorithm name back to the AES key length
func remoteKeyLength(algorithm string) (int, error) {
	switch algorithm {
	case "aes-256-gcm":
		return 256, nil
	case "aes-128-gcm":
		return 128, nil
	}
	return 0, errors.Errorf("unsupported algorithm %q", algorithm)
}
