package kmip

/* This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/. */

import (
	"github.com/gemalto/kmip-go/kmip14"
	"github.com/pkg/errors"

	"github.com/infisical/kmip-engine/store"
)

// Error kinds reported by the server. Use errors.Is to match them.
var (
	ErrObjectNotFound        = errors.New("object not found")
	ErrPermissionDenied      = errors.New("permission denied")
	ErrMissingParameters     = errors.New("cryptographic parameters are required")
	ErrCryptographicFailure  = errors.New("cryptographic failure")
	ErrNetworking            = errors.New("networking error")
	ErrInvalidField          = errors.New("invalid field")
	ErrInvalidMessage        = errors.New("invalid message")
	ErrOperationNotSupported = errors.New("operation not supported")

	// ErrServerClosed is returned by Server.Start after Shutdown
	ErrServerClosed = errors.New("server closed")
)

var sentinelReasons = []struct {
	err    error
	reason kmip14.ResultReason
}{
	{ErrObjectNotFound, kmip14.ResultReasonItemNotFound},
	{store.ErrNotFound, kmip14.ResultReasonItemNotFound},
	{ErrPermissionDenied, kmip14.ResultReasonPermissionDenied},
	{ErrMissingParameters, kmip14.ResultReasonMissingData},
	{ErrCryptographicFailure, kmip14.ResultReasonCryptographicFailure},
	{ErrInvalidField, kmip14.ResultReasonInvalidField},
	{ErrInvalidMessage, kmip14.ResultReasonInvalidMessage},
	{ErrOperationNotSupported, kmip14.ResultReasonOperationNotSupported},
	{store.ErrUnsupported, kmip14.ResultReasonOperationNotSupported},
}

// Error enhances error with "Result Reason" field
//
// Any Error instance returned back to the server is reported in the
// response batch item with the given result reason.
type Error interface {
	error
	ResultReason() kmip14.ResultReason
}

type protocolError struct {
	error
	resultReason kmip14.ResultReason
}

func (e protocolError) ResultReason() kmip14.ResultReason {
	return e.resultReason
}

func (e protocolError) Unwrap() error {
	return e.error
}

func wrapError(err error, resultReason kmip14.ResultReason) protocolError {
	return protocolError{error: err, resultReason: resultReason}
}

// ResultReasonOf maps err to the result reason reported to the client.
//
// Explicitly wrapped protocol errors win, then the error kinds above;
// anything else is a general failure.
func ResultReasonOf(err error) kmip14.ResultReason {
	var protoErr Error
	if errors.As(err, &protoErr) {
		return protoErr.ResultReason()
	}

	for _, s := range sentinelReasons {
		if errors.Is(err, s.err) {
			return s.reason
		}
	}

	return kmip14.ResultReasonGeneralFailure
}
