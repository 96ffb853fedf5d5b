package kmip

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/gemalto/kmip-go/kmip14"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// NIST SP 800-38A, F.1.1 and F.2.1, first block
func TestStandardCryptographyEngineKnownAnswers(t *testing.T) {
	engine := StandardCryptographyEngine{}

	key := mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c")
	plaintext := mustHex(t, "6bc1bee22e409f96e93d7e117393172a")

	result, err := engine.Encrypt(CipherRequest{
		Algorithm: kmip14.CryptographicAlgorithmAES,
		Mode:      kmip14.BlockCipherModeCBC,
		Padding:   kmip14.PaddingMethodNone,
		Key:       key,
		IV:        mustHex(t, "000102030405060708090a0b0c0d0e0f"),
		Data:      plaintext,
	})
	require.NoError(t, err)
	assert.Equal(t, mustHex(t, "7649abac8119b246cee98e9b12e9197d"), result.Data)
	assert.Nil(t, result.IV, "IV was supplied")

	result, err = engine.Encrypt(CipherRequest{
		Algorithm: kmip14.CryptographicAlgorithmAES,
		Mode:      kmip14.BlockCipherModeECB,
		Key:       key,
		Data:      plaintext,
	})
	require.NoError(t, err)
	assert.Equal(t, mustHex(t, "3ad77bb40d7a3660a89ecaf32466ef97"), result.Data)
}

func TestStandardCryptographyEngineRoundTrip(t *testing.T) {
	engine := StandardCryptographyEngine{}
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	testCases := map[string]CipherRequest{
		"AES-128-CBC-PKCS5": {Algorithm: kmip14.CryptographicAlgorithmAES, Mode: kmip14.BlockCipherModeCBC, Padding: kmip14.PaddingMethodPKCS5, Key: randomBytes(t, 16)},
		"AES-256-CBC-PKCS5": {Algorithm: kmip14.CryptographicAlgorithmAES, Mode: kmip14.BlockCipherModeCBC, Padding: kmip14.PaddingMethodPKCS5, Key: randomBytes(t, 32)},
		"AES-192-ECB-PKCS5": {Algorithm: kmip14.CryptographicAlgorithmAES, Mode: kmip14.BlockCipherModeECB, Padding: kmip14.PaddingMethodPKCS5, Key: randomBytes(t, 24)},
		"AES-256-CTR":       {Algorithm: kmip14.CryptographicAlgorithmAES, Mode: kmip14.BlockCipherModeCTR, Key: randomBytes(t, 32)},
		"AES-256-GCM":       {Algorithm: kmip14.CryptographicAlgorithmAES, Mode: kmip14.BlockCipherModeGCM, Key: randomBytes(t, 32), AAD: []byte("header")},
		"AES-128-GCM-tag12": {Algorithm: kmip14.CryptographicAlgorithmAES, Mode: kmip14.BlockCipherModeGCM, Key: randomBytes(t, 16), TagLength: 12},
		"ChaCha20Poly1305":  {Algorithm: kmip14.CryptographicAlgorithmChaCha20Poly1305, Key: randomBytes(t, 32), AAD: []byte("header")},
	}

	for name, req := range testCases {
		t.Run(name, func(t *testing.T) {
			req.Data = plaintext

			encrypted, err := engine.Encrypt(req)
			require.NoError(t, err)
			assert.NotEqual(t, plaintext, encrypted.Data)

			if req.Mode != kmip14.BlockCipherModeECB {
				assert.NotEmpty(t, encrypted.IV, "IV is generated")
			}
			if req.Mode == kmip14.BlockCipherModeGCM || req.Algorithm == kmip14.CryptographicAlgorithmChaCha20Poly1305 {
				expected := req.TagLength
				if expected == 0 {
					expected = 16
				}
				assert.Len(t, encrypted.Tag, expected)
			}

			dec := req
			dec.Data = encrypted.Data
			dec.IV = encrypted.IV
			dec.Tag = encrypted.Tag

			decrypted, err := engine.Decrypt(dec)
			require.NoError(t, err)
			assert.Equal(t, plaintext, decrypted.Data)
		})
	}
}

func TestStandardCryptographyEngineCryptographicFailures(t *testing.T) {
	engine := StandardCryptographyEngine{}
	key := randomBytes(t, 32)
	iv := randomBytes(t, 16)

	// a zero final byte is never valid PKCS#5 padding
	zeros, err := engine.Encrypt(CipherRequest{
		Algorithm: kmip14.CryptographicAlgorithmAES,
		Mode:      kmip14.BlockCipherModeCBC,
		Padding:   kmip14.PaddingMethodNone,
		Key:       key,
		IV:        iv,
		Data:      make([]byte, 32),
	})
	require.NoError(t, err)

	_, err = engine.Decrypt(CipherRequest{
		Algorithm: kmip14.CryptographicAlgorithmAES,
		Mode:      kmip14.BlockCipherModeCBC,
		Padding:   kmip14.PaddingMethodPKCS5,
		Key:       key,
		IV:        iv,
		Data:      zeros.Data,
	})
	assert.True(t, errors.Is(err, ErrCryptographicFailure), "bad padding: %v", err)

	_, err = engine.Decrypt(CipherRequest{
		Algorithm: kmip14.CryptographicAlgorithmAES,
		Mode:      kmip14.BlockCipherModeCBC,
		Padding:   kmip14.PaddingMethodPKCS5,
		Key:       key,
		IV:        iv,
		Data:      zeros.Data[:20],
	})
	assert.True(t, errors.Is(err, ErrCryptographicFailure), "misaligned ciphertext: %v", err)

	_, err = engine.Encrypt(CipherRequest{
		Algorithm: kmip14.CryptographicAlgorithmAES,
		Mode:      kmip14.BlockCipherModeCBC,
		Padding:   kmip14.PaddingMethodNone,
		Key:       key,
		Data:      []byte("not aligned"),
	})
	assert.True(t, errors.Is(err, ErrCryptographicFailure), "unpadded misaligned plaintext: %v", err)

	sealed, err := engine.Encrypt(CipherRequest{
		Algorithm: kmip14.CryptographicAlgorithmAES,
		Mode:      kmip14.BlockCipherModeGCM,
		Key:       key,
		AAD:       []byte("header"),
		Data:      []byte("secret"),
	})
	require.NoError(t, err)

	tampered := bytes.Clone(sealed.Tag)
	tampered[0] ^= 0xff

	_, err = engine.Decrypt(CipherRequest{
		Algorithm: kmip14.CryptographicAlgorithmAES,
		Mode:      kmip14.BlockCipherModeGCM,
		Key:       key,
		IV:        sealed.IV,
		AAD:       []byte("header"),
		Tag:       tampered,
		Data:      sealed.Data,
	})
	assert.True(t, errors.Is(err, ErrCryptographicFailure), "tampered tag: %v", err)

	_, err = engine.Decrypt(CipherRequest{
		Algorithm: kmip14.CryptographicAlgorithmAES,
		Mode:      kmip14.BlockCipherModeGCM,
		Key:       key,
		IV:        sealed.IV,
		AAD:       []byte("other header"),
		Tag:       sealed.Tag,
		Data:      sealed.Data,
	})
	assert.True(t, errors.Is(err, ErrCryptographicFailure), "wrong AAD: %v", err)
}

func TestStandardCryptographyEngineInvalidFields(t *testing.T) {
	engine := StandardCryptographyEngine{}
	key := randomBytes(t, 32)

	testCases := map[string]struct {
		req     CipherRequest
		decrypt bool
	}{
		"short AES key": {
			req: CipherRequest{Algorithm: kmip14.CryptographicAlgorithmAES, Mode: kmip14.BlockCipherModeCBC, Padding: kmip14.PaddingMethodPKCS5, Key: randomBytes(t, 10), Data: []byte("x")},
		},
		"short ChaCha key": {
			req: CipherRequest{Algorithm: kmip14.CryptographicAlgorithmChaCha20Poly1305, Key: randomBytes(t, 16), Data: []byte("x")},
		},
		"unsupported algorithm": {
			req: CipherRequest{Algorithm: kmip14.CryptographicAlgorithmRSA, Key: key, Data: []byte("x")},
		},
		"unsupported mode": {
			req: CipherRequest{Algorithm: kmip14.CryptographicAlgorithmAES, Mode: kmip14.BlockCipherMode(0x7f), Key: key, Data: []byte("x")},
		},
		"wrong IV length": {
			req: CipherRequest{Algorithm: kmip14.CryptographicAlgorithmAES, Mode: kmip14.BlockCipherModeCBC, Padding: kmip14.PaddingMethodPKCS5, Key: key, IV: randomBytes(t, 8), Data: []byte("x")},
		},
		"wrong GCM nonce length": {
			req: CipherRequest{Algorithm: kmip14.CryptographicAlgorithmAES, Mode: kmip14.BlockCipherModeGCM, Key: key, IV: randomBytes(t, 16), Data: []byte("x")},
		},
		"missing CBC IV on decrypt": {
			req:     CipherRequest{Algorithm: kmip14.CryptographicAlgorithmAES, Mode: kmip14.BlockCipherModeCBC, Padding: kmip14.PaddingMethodPKCS5, Key: key, Data: make([]byte, 16)},
			decrypt: true,
		},
		"missing CTR IV on decrypt": {
			req:     CipherRequest{Algorithm: kmip14.CryptographicAlgorithmAES, Mode: kmip14.BlockCipherModeCTR, Key: key, Data: make([]byte, 16)},
			decrypt: true,
		},
		"missing GCM tag on decrypt": {
			req:     CipherRequest{Algorithm: kmip14.CryptographicAlgorithmAES, Mode: kmip14.BlockCipherModeGCM, Key: key, IV: randomBytes(t, 12), TagLength: 16, Data: make([]byte, 16)},
			decrypt: true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			var err error
			if tc.decrypt {
				_, err = engine.Decrypt(tc.req)
			} else {
				_, err = engine.Encrypt(tc.req)
			}
			assert.True(t, errors.Is(err, ErrInvalidField), "got %v", err)
		})
	}
}
