package store

/* This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/. */

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gemalto/kmip-go/kmip14"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// RemoteStore resolves managed objects through the Infisical KMIP
// operations API. Keys held remotely are always active symmetric AES keys
// usable for encryption and decryption; the remote side authorizes each
// call using the session token forwarded in X-Kmip-Jwt.
type RemoteStore struct {
	// Base URL of the Infisical API
	BaseURL string

	// Serial number of the KMIP server certificate, sent along with every call
	CertificateSerialNumber string

	// Optional machine identity access token, sent as a bearer token
	AccessToken string

	client *resty.Client
}

// NewRemoteStore creates a store talking to baseURL.
func NewRemoteStore(baseURL, certificateSerialNumber string) *RemoteStore {
	return &RemoteStore{
		BaseURL:                 strings.TrimRight(baseURL, "/"),
		CertificateSerialNumber: certificateSerialNumber,
		client:                  resty.New(),
	}
}

func (s *RemoteStore) post(ctx context.Context, operation string, payload, result interface{}) error {
	_, token := ClientFromContext(ctx)

	r := s.client.R()
	if s.AccessToken != "" {
		r.SetAuthToken(s.AccessToken)
	}

	apiResp, err := r.
		SetContext(ctx).
		SetHeader("X-Kmip-Jwt", token).
		SetHeader("X-Server-Certificate-Serial-Number", s.CertificateSerialNumber).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(fmt.Sprintf("%s/api/v1/kmip-operations/%s", s.BaseURL, operation))
	if err != nil {
		return errors.Wrap(err, "failed to make POST request")
	}

	switch apiResp.StatusCode() {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return errors.Errorf("unexpected status code: %d", apiResp.StatusCode())
	}

	if err := json.Unmarshal(apiResp.Body(), result); err != nil {
		return errors.Wrap(err, "failed to decode response")
	}
	return nil
}

// Get implements ObjectStore.
func (s *RemoteStore) Get(ctx context.Context, id string) (*ManagedObject, error) {
	var result remoteObject
	if err := s.post(ctx, "get", remoteObjectRef{ID: id}, &result); err != nil {
		return nil, errors.Wrapf(err, "object %q", id)
	}

	value, err := base64.StdEncoding.DecodeString(result.Value)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode base64 value")
	}

	obj := &ManagedObject{
		ID:         result.ID,
		ObjectType: kmip14.ObjectTypeSymmetricKey,
		State:      kmip14.StateActive,
		UsageMask:  kmip14.CryptographicUsageMaskEncrypt | kmip14.CryptographicUsageMaskDecrypt,
		Algorithm:  kmip14.CryptographicAlgorithmAES,
		Value:      value,
		PolicyName: DefaultPolicyName,
	}
	obj.Owner, _ = ClientFromContext(ctx)

	if obj.Length, err = remoteKeyLength(result.Algorithm); err != nil {
		return nil, err
	}

	return obj, nil
}

// Create implements ObjectStore. Only AES keys of 128 or 256 bits can be created.
func (s *RemoteStore) Create(ctx context.Context, obj *ManagedObject) (string, error) {
	if obj.ObjectType != kmip14.ObjectTypeSymmetricKey || obj.Algorithm != kmip14.CryptographicAlgorithmAES {
		return "", errors.Wrap(ErrUnsupported, "only AES symmetric keys can be created remotely")
	}

	length := obj.Length
	if length == 0 {
		length = 256
	}
	if length != 128 && length != 256 {
		return "", errors.Wrapf(ErrUnsupported, "AES key length %d", length)
	}

	var result remoteObjectRef
	if err := s.post(ctx, "create", remoteCreateRequest{Algorithm: remoteAlgorithm(length)}, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}

// SelfManaged implements SelfManaged: the remote side generates the keys
// and hands them out already active.
func (s *RemoteStore) SelfManaged() {}

// SetState implements ObjectStore. Remote keys are activated on creation,
// so only a request for the active state is accepted, and it is a no-op.
func (s *RemoteStore) SetState(ctx context.Context, id string, state kmip14.State) error {
	if state != kmip14.StateActive {
		return errors.Wrapf(ErrUnsupported, "state transition to %v", state)
	}
	_, err := s.Get(ctx, id)
	return err
}

// Destroy implements ObjectStore.
func (s *RemoteStore) Destroy(ctx context.Context, id string) error {
	var result remoteObjectRef
	return s.post(ctx, "delete", remoteObjectRef{ID: id}, &result)
}
