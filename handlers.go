package kmip

/* This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/. */

import (
	"context"
	"crypto/rand"

	gkmip "github.com/gemalto/kmip-go"
	"github.com/gemalto/kmip-go/kmip14"
	"github.com/pkg/errors"

	"github.com/infisical/kmip-engine/store"
)

func (s *Server) handleDiscoverVersions(ctx context.Context, req *RequestContext) (resp interface{}, err error) {
	response := DiscoverVersionsResponsePayload{}

	var request DiscoverVersionsRequestPayload
	// an empty payload asks for every supported version
	if len(req.payload) > 0 {
		if err = req.DecodePayload(&request); err != nil {
			return
		}
	}

	if len(request.ProtocolVersion) == 0 {
		// return all the versions
		response.ProtocolVersion = append([]gkmip.ProtocolVersion(nil), s.SupportedVersions...)
	} else {
		// find matching versions
		for _, version := range request.ProtocolVersion {
			if ContainsVersion(s.SupportedVersions, version) {
				response.ProtocolVersion = append(response.ProtocolVersion, version)
			}
		}
	}

	resp = response
	return
}

/* Only symmetric keys can be created */
func (s *Server) handleCreate(ctx context.Context, req *RequestContext) (resp interface{}, err error) {
	var request CreateRequestPayload
	if err = req.DecodePayload(&request); err != nil {
		return nil, err
	}

	if request.ObjectType != kmip14.ObjectTypeSymmetricKey {
		return nil, wrapError(errors.Wrapf(ErrInvalidField, "cannot create object type %v with the Create operation", request.ObjectType),
			kmip14.ResultReasonInvalidField)
	}

	attrs := request.TemplateAttribute

	algorithmValue, ok := attributeInt(attrs.Get(AttributeCryptographicAlgorithm))
	if !ok {
		return nil, wrapError(errors.Wrap(ErrInvalidField, "cryptographic algorithm is required"), kmip14.ResultReasonInvalidField)
	}
	algorithm := kmip14.CryptographicAlgorithm(algorithmValue)

	length := 256
	if v := attrs.Get(AttributeCryptographicLength); v != nil {
		lengthValue, ok := attributeInt(v)
		if !ok {
			return nil, wrapError(errors.Wrap(ErrInvalidField, "invalid cryptographic length type"), kmip14.ResultReasonInvalidField)
		}
		length = int(lengthValue)
	}

	switch algorithm {
	case kmip14.CryptographicAlgorithmAES:
		if length != 128 && length != 192 && length != 256 {
			return nil, wrapError(errors.Wrapf(ErrInvalidField, "invalid AES key length %d", length), kmip14.ResultReasonInvalidField)
		}
	case kmip14.CryptographicAlgorithmChaCha20Poly1305:
		if length != 256 {
			return nil, wrapError(errors.Wrapf(ErrInvalidField, "invalid ChaCha20-Poly1305 key length %d", length), kmip14.ResultReasonInvalidField)
		}
	default:
		return nil, wrapError(errors.Wrapf(ErrInvalidField, "unsupported cryptographic algorithm %v", algorithm), kmip14.ResultReasonInvalidField)
	}

	usageMask := kmip14.CryptographicUsageMaskEncrypt | kmip14.CryptographicUsageMaskDecrypt
	if v := attrs.Get(AttributeCryptographicUsageMask); v != nil {
		maskValue, ok := attributeInt(v)
		if !ok {
			return nil, wrapError(errors.Wrap(ErrInvalidField, "invalid cryptographic usage mask type"), kmip14.ResultReasonInvalidField)
		}
		usageMask = kmip14.CryptographicUsageMask(maskValue)
	}

	policyName := store.DefaultPolicyName
	if v := attrs.Get(AttributeOperationPolicyName); v != nil {
		name, ok := attributeString(v)
		if !ok {
			return nil, wrapError(errors.Wrap(ErrInvalidField, "invalid operation policy name type"), kmip14.ResultReasonInvalidField)
		}
		if name != "" {
			policyName = name
		}
	}

	// self managed stores generate the key themselves
	var key []byte
	if !store.IsSelfManaged(s.Objects) {
		key = make([]byte, length/8)
		if _, err = rand.Read(key); err != nil {
			return nil, errors.Wrap(err, "error generating key material")
		}
	}

	id, err := s.Objects.Create(req.Context(ctx), &store.ManagedObject{
		ObjectType: kmip14.ObjectTypeSymmetricKey,
		State:      kmip14.StatePreActive,
		UsageMask:  usageMask,
		Algorithm:  algorithm,
		Length:     length,
		Value:      key,
		Owner:      req.SessionAuth.Identity,
		PolicyName: policyName,
	})
	if err != nil {
		return nil, err
	}

	req.IDPlaceholder = id

	return CreateResponsePayload{
		ObjectType:       kmip14.ObjectTypeSymmetricKey,
		UniqueIdentifier: id,
	}, nil
}

func (s *Server) handleActivate(ctx context.Context, req *RequestContext) (resp interface{}, err error) {
	var request ActivateRequestPayload
	if len(req.payload) > 0 {
		if err = req.DecodePayload(&request); err != nil {
			return nil, err
		}
	}

	obj, err := s.Guard.ResolveForAccess(ctx, req.SessionContext, request.UniqueIdentifier, kmip14.OperationActivate)
	if err != nil {
		return nil, err
	}

	// keys of a self managed store are active from creation on
	if obj.State == kmip14.StateActive && store.IsSelfManaged(s.Objects) {
		return ActivateResponsePayload{UniqueIdentifier: obj.ID}, nil
	}

	if obj.State != kmip14.StatePreActive {
		return nil, errors.Wrapf(ErrPermissionDenied, "object %q is not pre-active", obj.ID)
	}

	if err = s.Objects.SetState(req.Context(ctx), obj.ID, kmip14.StateActive); err != nil {
		return nil, err
	}

	return ActivateResponsePayload{UniqueIdentifier: obj.ID}, nil
}

// Revoke deactivates an active object. Reporting a key compromise moves an
// object of any state to compromised.
func (s *Server) handleRevoke(ctx context.Context, req *RequestContext) (resp interface{}, err error) {
	var request RevokeRequestPayload
	if err = req.DecodePayload(&request); err != nil {
		return nil, err
	}

	if request.RevocationReason.RevocationReasonCode == 0 {
		return nil, wrapError(errors.Wrap(ErrInvalidField, "revocation reason is required"), kmip14.ResultReasonInvalidField)
	}

	obj, err := s.Guard.ResolveForAccess(ctx, req.SessionContext, request.UniqueIdentifier, kmip14.OperationRevoke)
	if err != nil {
		return nil, err
	}

	state := kmip14.StateDeactivated
	switch {
	case request.RevocationReason.RevocationReasonCode == kmip14.RevocationReasonCodeKeyCompromise:
		state = kmip14.StateCompromised
	case obj.State != kmip14.StateActive:
		return nil, errors.Wrapf(ErrPermissionDenied, "object %q is not active and can only be revoked as compromised", obj.ID)
	}

	if err = s.Objects.SetState(req.Context(ctx), obj.ID, state); err != nil {
		return nil, err
	}

	return RevokeResponsePayload{UniqueIdentifier: obj.ID}, nil
}

func (s *Server) handleDestroy(ctx context.Context, req *RequestContext) (resp interface{}, err error) {
	var request DestroyRequestPayload
	if len(req.payload) > 0 {
		if err = req.DecodePayload(&request); err != nil {
			return nil, err
		}
	}

	obj, err := s.Guard.ResolveForAccess(ctx, req.SessionContext, request.UniqueIdentifier, kmip14.OperationDestroy)
	if err != nil {
		return nil, err
	}

	if obj.State == kmip14.StateActive && !store.IsSelfManaged(s.Objects) {
		return nil, errors.Wrapf(ErrPermissionDenied, "object %q is active and must be revoked first", obj.ID)
	}

	if err = s.Objects.Destroy(req.Context(ctx), obj.ID); err != nil {
		return nil, err
	}

	if req.IDPlaceholder == obj.ID {
		req.IDPlaceholder = ""
	}

	return DestroyResponsePayload{UniqueIdentifier: obj.ID}, nil
}

// Get never resolves through a placeholder left over from earlier requests:
// the placeholder is cleared first and then set to the object returned.
func (s *Server) handleGet(ctx context.Context, req *RequestContext) (resp interface{}, err error) {
	req.IDPlaceholder = ""

	var request GetRequestPayload
	if len(req.payload) > 0 {
		if err = req.DecodePayload(&request); err != nil {
			return nil, err
		}
	}

	if request.KeyCompressionType != 0 {
		return nil, wrapError(errors.Wrap(ErrInvalidField, "key compression is not supported"), kmip14.ResultReasonInvalidField)
	}

	if request.KeyFormatType != 0 && request.KeyFormatType != kmip14.KeyFormatTypeRaw {
		return nil, wrapError(errors.Wrapf(ErrInvalidField, "key format type %v is not supported", request.KeyFormatType), kmip14.ResultReasonInvalidField)
	}

	obj, err := s.Guard.ResolveForAccess(ctx, req.SessionContext, request.UniqueIdentifier, kmip14.OperationGet)
	if err != nil {
		return nil, err
	}

	if obj.ObjectType != kmip14.ObjectTypeSymmetricKey {
		return nil, errors.Wrapf(ErrOperationNotSupported, "get of object type %v", obj.ObjectType)
	}

	req.IDPlaceholder = obj.ID

	return GetResponsePayload{
		ObjectType:       obj.ObjectType,
		UniqueIdentifier: obj.ID,
		SymmetricKey: &SymmetricKey{
			KeyBlock: KeyBlock{
				KeyFormatType:          kmip14.KeyFormatTypeRaw,
				KeyValue:               &KeyValue{KeyMaterial: obj.Value},
				CryptographicAlgorithm: obj.Algorithm,
				CryptographicLength:    obj.Length,
			},
		},
	}, nil
}

func (s *Server) handleGetAttributes(ctx context.Context, req *RequestContext) (resp interface{}, err error) {
	req.IDPlaceholder = ""

	var request GetAttributesRequestPayload
	if len(req.payload) > 0 {
		if err = req.DecodePayload(&request); err != nil {
			return nil, err
		}
	}

	obj, err := s.Guard.ResolveForAccess(ctx, req.SessionContext, request.UniqueIdentifier, kmip14.OperationGetAttributes)
	if err != nil {
		return nil, err
	}

	all := []Attribute{
		{AttributeName: AttributeUniqueIdentifier, AttributeValue: obj.ID},
		{AttributeName: AttributeObjectType, AttributeValue: obj.ObjectType},
		{AttributeName: AttributeState, AttributeValue: obj.State},
		{AttributeName: AttributeCryptographicUsageMask, AttributeValue: obj.UsageMask},
		{AttributeName: AttributeOperationPolicyName, AttributeValue: obj.PolicyName},
	}
	if obj.Algorithm != 0 {
		all = append(all,
			Attribute{AttributeName: AttributeCryptographicAlgorithm, AttributeValue: obj.Algorithm},
			Attribute{AttributeName: AttributeCryptographicLength, AttributeValue: int32(obj.Length)},
		)
	}
	if !obj.CreatedAt.IsZero() {
		all = append(all, Attribute{AttributeName: AttributeInitialDate, AttributeValue: obj.CreatedAt})
	}

	response := GetAttributesResponsePayload{UniqueIdentifier: obj.ID}
	for _, attr := range all {
		if len(request.AttributeName) == 0 || ContainsString(request.AttributeName, attr.AttributeName) {
			response.Attribute = append(response.Attribute, attr)
		}
	}

	req.IDPlaceholder = obj.ID

	return response, nil
}

func (s *Server) handleEncrypt(ctx context.Context, req *RequestContext) (resp interface{}, err error) {
	var request EncryptRequestPayload
	if err = req.DecodePayload(&request); err != nil {
		return nil, err
	}

	return s.Engine.Encrypt(ctx, req.SessionContext, &request)
}

func (s *Server) handleDecrypt(ctx context.Context, req *RequestContext) (resp interface{}, err error) {
	var request DecryptRequestPayload
	if err = req.DecodePayload(&request); err != nil {
		return nil, err
	}

	return s.Engine.Decrypt(ctx, req.SessionContext, &request)
}
