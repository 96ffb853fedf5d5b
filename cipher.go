package kmip

/* This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/. */

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"

	"github.com/gemalto/kmip-go/kmip14"
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// CipherRequest is the input of a single symmetric cipher invocation
type CipherRequest struct {
	Algorithm kmip14.CryptographicAlgorithm
	Mode      kmip14.BlockCipherMode
	Padding   kmip14.PaddingMethod

	Key []byte
	// IV, counter or nonce. Generated on encryption if empty.
	IV []byte
	// Additional authenticated data (AEAD modes only)
	AAD []byte
	// Authentication tag length in bytes (AEAD modes only, defaults to 16)
	TagLength int
	// Authentication tag, decryption only
	Tag []byte

	Data []byte
}

// CipherResult is the output of a cipher invocation
type CipherResult struct {
	Data []byte
	// IV used for encryption, set when it was generated by the engine
	IV  []byte
	Tag []byte
}

// CryptographyEngine performs symmetric encryption and decryption
type CryptographyEngine interface {
	Encrypt(req CipherRequest) (*CipherResult, error)
	Decrypt(req CipherRequest) (*CipherResult, error)
}

// StandardCryptographyEngine implements AES (CBC, ECB, CTR, GCM) and
// ChaCha20-Poly1305.
//
// Malformed inputs (key or IV sizes, unsupported modes) are reported as
// ErrInvalidField, failures of the cipher itself (bad padding, tag mismatch)
// as ErrCryptographicFailure.
type StandardCryptographyEngine struct{}

const defaultTagLength = 16

func (StandardCryptographyEngine) Encrypt(req CipherRequest) (*CipherResult, error) {
	switch req.Algorithm {
	case kmip14.CryptographicAlgorithmAES:
		block, err := aes.NewCipher(req.Key)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidField, "AES key of %d bytes: %s", len(req.Key), err)
		}
		return encryptBlock(block, req)
	case kmip14.CryptographicAlgorithmChaCha20Poly1305:
		aead, err := chacha20poly1305.New(req.Key)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidField, "ChaCha20-Poly1305 key of %d bytes: %s", len(req.Key), err)
		}
		return sealAEAD(aead, req)
	default:
		return nil, errors.Wrapf(ErrInvalidField, "unsupported cryptographic algorithm %v", req.Algorithm)
	}
}

func (StandardCryptographyEngine) Decrypt(req CipherRequest) (*CipherResult, error) {
	switch req.Algorithm {
	case kmip14.CryptographicAlgorithmAES:
		block, err := aes.NewCipher(req.Key)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidField, "AES key of %d bytes: %s", len(req.Key), err)
		}
		return decryptBlock(block, req)
	case kmip14.CryptographicAlgorithmChaCha20Poly1305:
		aead, err := chacha20poly1305.New(req.Key)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidField, "ChaCha20-Poly1305 key of %d bytes: %s", len(req.Key), err)
		}
		return openAEAD(aead, req)
	default:
		return nil, errors.Wrapf(ErrInvalidField, "unsupported cryptographic algorithm %v", req.Algorithm)
	}
}

func encryptBlock(block cipher.Block, req CipherRequest) (*CipherResult, error) {
	bs := block.BlockSize()

	switch req.Mode {
	case kmip14.BlockCipherModeCBC:
		iv, generated, err := ivOrRandom(req.IV, bs)
		if err != nil {
			return nil, err
		}
		data, err := pad(req.Data, bs, req.Padding)
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(data))
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
		return &CipherResult{Data: out, IV: generated}, nil

	case kmip14.BlockCipherModeECB:
		data, err := pad(req.Data, bs, req.Padding)
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(data))
		for i := 0; i < len(data); i += bs {
			block.Encrypt(out[i:i+bs], data[i:i+bs])
		}
		return &CipherResult{Data: out}, nil

	case kmip14.BlockCipherModeCTR:
		iv, generated, err := ivOrRandom(req.IV, bs)
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(req.Data))
		cipher.NewCTR(block, iv).XORKeyStream(out, req.Data)
		return &CipherResult{Data: out, IV: generated}, nil

	case kmip14.BlockCipherModeGCM:
		aead, err := newGCM(block, req.TagLength)
		if err != nil {
			return nil, err
		}
		return sealAEAD(aead, req)

	default:
		return nil, errors.Wrapf(ErrInvalidField, "unsupported block cipher mode %v", req.Mode)
	}
}

func decryptBlock(block cipher.Block, req CipherRequest) (*CipherResult, error) {
	bs := block.BlockSize()

	switch req.Mode {
	case kmip14.BlockCipherModeCBC:
		if len(req.IV) != bs {
			return nil, errors.Wrapf(ErrInvalidField, "IV must be %d bytes, got %d", bs, len(req.IV))
		}
		if len(req.Data)%bs != 0 {
			return nil, errors.Wrap(ErrCryptographicFailure, "ciphertext is not a multiple of the block size")
		}
		out := make([]byte, len(req.Data))
		cipher.NewCBCDecrypter(block, req.IV).CryptBlocks(out, req.Data)
		data, err := unpad(out, bs, req.Padding)
		if err != nil {
			return nil, err
		}
		return &CipherResult{Data: data}, nil

	case kmip14.BlockCipherModeECB:
		if len(req.Data)%bs != 0 {
			return nil, errors.Wrap(ErrCryptographicFailure, "ciphertext is not a multiple of the block size")
		}
		out := make([]byte, len(req.Data))
		for i := 0; i < len(out); i += bs {
			block.Decrypt(out[i:i+bs], req.Data[i:i+bs])
		}
		data, err := unpad(out, bs, req.Padding)
		if err != nil {
			return nil, err
		}
		return &CipherResult{Data: data}, nil

	case kmip14.BlockCipherModeCTR:
		if len(req.IV) != bs {
			return nil, errors.Wrapf(ErrInvalidField, "IV must be %d bytes, got %d", bs, len(req.IV))
		}
		out := make([]byte, len(req.Data))
		cipher.NewCTR(block, req.IV).XORKeyStream(out, req.Data)
		return &CipherResult{Data: out}, nil

	case kmip14.BlockCipherModeGCM:
		tagLength := req.TagLength
		if tagLength == 0 {
			tagLength = len(req.Tag)
		}
		aead, err := newGCM(block, tagLength)
		if err != nil {
			return nil, err
		}
		return openAEAD(aead, req)

	default:
		return nil, errors.Wrapf(ErrInvalidField, "unsupported block cipher mode %v", req.Mode)
	}
}

func newGCM(block cipher.Block, tagLength int) (cipher.AEAD, error) {
	if tagLength == 0 {
		tagLength = defaultTagLength
	}
	aead, err := cipher.NewGCMWithTagSize(block, tagLength)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidField, "tag length %d: %s", tagLength, err)
	}
	return aead, nil
}

func sealAEAD(aead cipher.AEAD, req CipherRequest) (*CipherResult, error) {
	nonce, generated, err := ivOrRandom(req.IV, aead.NonceSize())
	if err != nil {
		return nil, err
	}

	sealed := aead.Seal(nil, nonce, req.Data, req.AAD)
	split := len(sealed) - aead.Overhead()

	return &CipherResult{
		Data: sealed[:split],
		IV:   generated,
		Tag:  sealed[split:],
	}, nil
}

func openAEAD(aead cipher.AEAD, req CipherRequest) (*CipherResult, error) {
	if len(req.IV) != aead.NonceSize() {
		return nil, errors.Wrapf(ErrInvalidField, "nonce must be %d bytes, got %d", aead.NonceSize(), len(req.IV))
	}
	if len(req.Tag) != aead.Overhead() {
		return nil, errors.Wrapf(ErrInvalidField, "authentication tag must be %d bytes, got %d", aead.Overhead(), len(req.Tag))
	}

	sealed := make([]byte, 0, len(req.Data)+len(req.Tag))
	sealed = append(sealed, req.Data...)
	sealed = append(sealed, req.Tag...)

	out, err := aead.Open(nil, req.IV, sealed, req.AAD)
	if err != nil {
		return nil, errors.Wrap(ErrCryptographicFailure, "authentication failed")
	}
	return &CipherResult{Data: out}, nil
}

// ivOrRandom validates iv, or generates a random one of the given size.
// The generated IV is returned separately so that it can be sent back.
func ivOrRandom(iv []byte, size int) (used, generated []byte, err error) {
	if len(iv) == 0 {
		generated = make([]byte, size)
		if _, err = rand.Read(generated); err != nil {
			return nil, nil, errors.Wrap(ErrCryptographicFailure, err.Error())
		}
		return generated, generated, nil
	}

	if len(iv) != size {
		return nil, nil, errors.Wrapf(ErrInvalidField, "IV/counter/nonce must be %d bytes, got %d", size, len(iv))
	}
	return iv, nil, nil
}

func pad(data []byte, bs int, method kmip14.PaddingMethod) ([]byte, error) {
	switch method {
	case kmip14.PaddingMethodPKCS5:
		n := bs - len(data)%bs
		return append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(n)}, n)...), nil
	case 0, kmip14.PaddingMethodNone:
		if len(data)%bs != 0 {
			return nil, errors.Wrap(ErrCryptographicFailure, "data is not a multiple of the block size and no padding was requested")
		}
		return data, nil
	default:
		return nil, errors.Wrapf(ErrInvalidField, "unsupported padding method %v", method)
	}
}

func unpad(data []byte, bs int, method kmip14.PaddingMethod) ([]byte, error) {
	switch method {
	case kmip14.PaddingMethodPKCS5:
		if len(data) == 0 {
			return nil, errors.Wrap(ErrCryptographicFailure, "invalid padding")
		}
		n := int(data[len(data)-1])
		if n == 0 || n > bs || n > len(data) {
			return nil, errors.Wrap(ErrCryptographicFailure, "invalid padding")
		}
		if subtle.ConstantTimeCompare(data[len(data)-n:], bytes.Repeat([]byte{byte(n)}, n)) != 1 {
			return nil, errors.Wrap(ErrCryptographicFailure, "invalid padding")
		}
		return data[:len(data)-n], nil
	case 0, kmip14.PaddingMethodNone:
		return data, nil
	default:
		return nil, errors.Wrapf(ErrInvalidField, "unsupported padding method %v", method)
	}
}
