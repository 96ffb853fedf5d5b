package kmip

/* This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/. */

import (
	"reflect"
	"time"

	gkmip "github.com/gemalto/kmip-go"
	"github.com/gemalto/kmip-go/kmip14"
	"github.com/gemalto/kmip-go/ttlv"
)

// Request and response payloads. TTLV tags are inferred from field names.

// CryptographicParameters selects the cipher used by Encrypt and Decrypt
type CryptographicParameters struct {
	BlockCipherMode           kmip14.BlockCipherMode           `ttlv:",omitempty"`
	PaddingMethod             kmip14.PaddingMethod             `ttlv:",omitempty"`
	HashingAlgorithm          kmip14.HashingAlgorithm          `ttlv:",omitempty"`
	KeyRoleType               kmip14.KeyRoleType               `ttlv:",omitempty"`
	DigitalSignatureAlgorithm kmip14.DigitalSignatureAlgorithm `ttlv:",omitempty"`
	CryptographicAlgorithm    kmip14.CryptographicAlgorithm    `ttlv:",omitempty"`
	RandomIV                  bool                             `ttlv:",omitempty"`
	IVLength                  int                              `ttlv:",omitempty"`
	TagLength                 int                              `ttlv:",omitempty"`
}

// DefaultCryptographicParameters are used by Encrypt and Decrypt when a
// request carries no cryptographic parameters: AES in CBC mode with PKCS#5
// padding.
func DefaultCryptographicParameters() *CryptographicParameters {
	return &CryptographicParameters{
		CryptographicAlgorithm: kmip14.CryptographicAlgorithmAES,
		BlockCipherMode:        kmip14.BlockCipherModeCBC,
		PaddingMethod:          kmip14.PaddingMethodPKCS5,
	}
}

type EncryptRequestPayload struct {
	UniqueIdentifier                      string `ttlv:",omitempty"`
	CryptographicParameters               *CryptographicParameters
	Data                                  []byte
	IVCounterNonce                        []byte `ttlv:",omitempty"`
	AuthenticatedEncryptionAdditionalData []byte `ttlv:",omitempty"`
}

type EncryptResponsePayload struct {
	UniqueIdentifier           string
	Data                       []byte
	IVCounterNonce             []byte `ttlv:",omitempty"`
	AuthenticatedEncryptionTag []byte `ttlv:",omitempty"`
}

type DecryptRequestPayload struct {
	UniqueIdentifier                      string `ttlv:",omitempty"`
	CryptographicParameters               *CryptographicParameters
	Data                                  []byte
	IVCounterNonce                        []byte `ttlv:",omitempty"`
	AuthenticatedEncryptionAdditionalData []byte `ttlv:",omitempty"`
	AuthenticatedEncryptionTag            []byte `ttlv:",omitempty"`
}

type DecryptResponsePayload struct {
	UniqueIdentifier string
	Data             []byte
}

type DiscoverVersionsRequestPayload struct {
	ProtocolVersion []gkmip.ProtocolVersion `ttlv:",omitempty"`
}

type DiscoverVersionsResponsePayload struct {
	ProtocolVersion []gkmip.ProtocolVersion `ttlv:",omitempty"`
}

// Attribute is a single named attribute value
//
// Decoded attribute values are left as raw ttlv.TTLV.
type Attribute struct {
	AttributeName  string
	AttributeIndex int `ttlv:",omitempty"`
	AttributeValue interface{}
}

type TemplateAttribute struct {
	Attribute []Attribute
}

// Get returns the attribute with given name, or nil
func (t TemplateAttribute) Get(name string) interface{} {
	for _, a := range t.Attribute {
		if a.AttributeName == name {
			return a.AttributeValue
		}
	}
	return nil
}

type CreateRequestPayload struct {
	ObjectType        kmip14.ObjectType
	TemplateAttribute TemplateAttribute
}

type CreateResponsePayload struct {
	ObjectType       kmip14.ObjectType
	UniqueIdentifier string
}

type ActivateRequestPayload struct {
	UniqueIdentifier string `ttlv:",omitempty"`
}

type ActivateResponsePayload struct {
	UniqueIdentifier string
}

// RevocationReason explains a Revoke request
type RevocationReason struct {
	RevocationReasonCode kmip14.RevocationReasonCode
	RevocationMessage    string `ttlv:",omitempty"`
}

type RevokeRequestPayload struct {
	UniqueIdentifier         string `ttlv:",omitempty"`
	RevocationReason         RevocationReason
	CompromiseOccurrenceDate time.Time `ttlv:",omitempty"`
}

type RevokeResponsePayload struct {
	UniqueIdentifier string
}

type DestroyRequestPayload struct {
	UniqueIdentifier string `ttlv:",omitempty"`
}

type DestroyResponsePayload struct {
	UniqueIdentifier string
}

type GetRequestPayload struct {
	UniqueIdentifier   string                    `ttlv:",omitempty"`
	KeyFormatType      kmip14.KeyFormatType      `ttlv:",omitempty"`
	KeyCompressionType kmip14.KeyCompressionType `ttlv:",omitempty"`
}

type GetResponsePayload struct {
	ObjectType       kmip14.ObjectType
	UniqueIdentifier string
	SymmetricKey     *SymmetricKey
}

type SymmetricKey struct {
	KeyBlock KeyBlock
}

type KeyBlock struct {
	KeyFormatType          kmip14.KeyFormatType
	KeyValue               *KeyValue                     `ttlv:",omitempty"`
	CryptographicAlgorithm kmip14.CryptographicAlgorithm `ttlv:",omitempty"`
	CryptographicLength    int                           `ttlv:",omitempty"`
}

type KeyValue struct {
	KeyMaterial []byte
}

type GetAttributesRequestPayload struct {
	UniqueIdentifier string   `ttlv:",omitempty"`
	AttributeName    []string `ttlv:",omitempty"`
}

type GetAttributesResponsePayload struct {
	UniqueIdentifier string
	Attribute        []Attribute
}

// Attribute names as defined by KMIP 1.x
const (
	AttributeUniqueIdentifier       = "Unique Identifier"
	AttributeObjectType             = "Object Type"
	AttributeState                  = "State"
	AttributeCryptographicAlgorithm = "Cryptographic Algorithm"
	AttributeCryptographicLength    = "Cryptographic Length"
	AttributeCryptographicUsageMask = "Cryptographic Usage Mask"
	AttributeOperationPolicyName    = "Operation Policy Name"
	AttributeInitialDate            = "Initial Date"
)

// attributeInt converts a decoded integer or enumeration attribute value
func attributeInt(v interface{}) (int64, bool) {
	if tv, ok := v.(ttlv.TTLV); ok {
		if len(tv) == 0 {
			return 0, false
		}
		v = tv.Value()
	}

	if v == nil {
		return 0, false
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), true
	}
	return 0, false
}

// attributeString converts a decoded text string attribute value
func attributeString(v interface{}) (string, bool) {
	if tv, ok := v.(ttlv.TTLV); ok {
		if len(tv) == 0 {
			return "", false
		}
		v = tv.Value()
	}

	s, ok := v.(string)
	return s, ok
}
