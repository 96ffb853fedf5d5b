package kmip

/* This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/. */

import (
	"context"
	"io"
	"log"

	"github.com/gemalto/kmip-go/kmip14"
	"github.com/pkg/errors"

	"github.com/infisical/kmip-engine/store"
)

// Engine services Encrypt and Decrypt requests.
//
// Checks run in a fixed order and the first failure wins:
//
//  1. the object is resolved through the Guard for the GET operation
//  2. missing cryptographic parameters are replaced with the defaults
//  3. the object must be a symmetric key
//  4. the object must be in the Active state
//  5. the usage mask must allow the requested operation
//
// Requests without cryptographic parameters get DefaultCryptographicParameters
// for both Encrypt and Decrypt, so a client omitting them on both sides
// always round-trips. ErrMissingParameters is never returned by Engine.
type Engine struct {
	Guard  *Guard
	Crypto CryptographyEngine

	// Log destination (if not set, log is discarded)
	Log *log.Logger
}

// NewEngine creates an engine using the standard cipher implementation
func NewEngine(guard *Guard, l *log.Logger) *Engine {
	if l == nil {
		l = log.New(io.Discard, "", log.LstdFlags)
	}
	return &Engine{
		Guard:  guard,
		Crypto: StandardCryptographyEngine{},
		Log:    l,
	}
}

func (e *Engine) prepare(ctx context.Context, session *SessionContext, id string, params *CryptographicParameters, mask kmip14.CryptographicUsageMask) (*store.ManagedObject, *CryptographicParameters, error) {
	obj, err := e.Guard.ResolveForAccess(ctx, session, id, kmip14.OperationGet)
	if err != nil {
		return nil, nil, err
	}

	if params == nil {
		params = DefaultCryptographicParameters()
	}

	if obj.ObjectType != kmip14.ObjectTypeSymmetricKey {
		return nil, nil, errors.Wrapf(ErrPermissionDenied, "object %q is not a symmetric key", obj.ID)
	}

	if obj.State != kmip14.StateActive {
		return nil, nil, errors.Wrapf(ErrPermissionDenied, "object %q is not active", obj.ID)
	}

	if !obj.Permits(mask) {
		return nil, nil, errors.Wrapf(ErrPermissionDenied, "object %q usage mask does not allow %s", obj.ID, maskName(mask))
	}

	return obj, params, nil
}

// Encrypt encrypts request data with the resolved symmetric key
func (e *Engine) Encrypt(ctx context.Context, session *SessionContext, req *EncryptRequestPayload) (*EncryptResponsePayload, error) {
	obj, params, err := e.prepare(ctx, session, req.UniqueIdentifier, req.CryptographicParameters, kmip14.CryptographicUsageMaskEncrypt)
	if err != nil {
		return nil, err
	}

	result, err := e.Crypto.Encrypt(CipherRequest{
		Algorithm: params.CryptographicAlgorithm,
		Mode:      params.BlockCipherMode,
		Padding:   params.PaddingMethod,
		Key:       obj.Value,
		IV:        req.IVCounterNonce,
		AAD:       req.AuthenticatedEncryptionAdditionalData,
		TagLength: params.TagLength,
		Data:      req.Data,
	})
	if err != nil {
		return nil, err
	}

	e.Log.Printf("[DEBUG] [%s] Encrypted %d bytes with object %s", session.SessionID, len(req.Data), obj.ID)

	return &EncryptResponsePayload{
		UniqueIdentifier:           obj.ID,
		Data:                       result.Data,
		IVCounterNonce:             result.IV,
		AuthenticatedEncryptionTag: result.Tag,
	}, nil
}

// Decrypt decrypts request data with the resolved symmetric key
func (e *Engine) Decrypt(ctx context.Context, session *SessionContext, req *DecryptRequestPayload) (*DecryptResponsePayload, error) {
	obj, params, err := e.prepare(ctx, session, req.UniqueIdentifier, req.CryptographicParameters, kmip14.CryptographicUsageMaskDecrypt)
	if err != nil {
		return nil, err
	}

	result, err := e.Crypto.Decrypt(CipherRequest{
		Algorithm: params.CryptographicAlgorithm,
		Mode:      params.BlockCipherMode,
		Padding:   params.PaddingMethod,
		Key:       obj.Value,
		IV:        req.IVCounterNonce,
		AAD:       req.AuthenticatedEncryptionAdditionalData,
		TagLength: params.TagLength,
		Tag:       req.AuthenticatedEncryptionTag,
		Data:      req.Data,
	})
	if err != nil {
		return nil, err
	}

	e.Log.Printf("[DEBUG] [%s] Decrypted %d bytes with object %s", session.SessionID, len(req.Data), obj.ID)

	return &DecryptResponsePayload{
		UniqueIdentifier: obj.ID,
		Data:             result.Data,
	}, nil
}

func maskName(mask kmip14.CryptographicUsageMask) string {
	switch mask {
	case kmip14.CryptographicUsageMaskEncrypt:
		return "ENCRYPT"
	case kmip14.CryptographicUsageMaskDecrypt:
		return "DECRYPT"
	}
	return "requested usage"
}
