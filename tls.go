package kmip

/* This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/. */

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"log"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Auth suites select the TLS protocol versions and cipher suites offered
// by the listener.
const (
	AuthSuiteBasic = "Basic"
	AuthSuiteTLS12 = "TLS1.2"
)

var basicCipherSuites = []uint16{
	tls.TLS_RSA_WITH_AES_128_CBC_SHA,
	tls.TLS_RSA_WITH_AES_256_CBC_SHA,
	tls.TLS_RSA_WITH_AES_128_CBC_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
	tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
	tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256,
}

var tls12CipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_RSA_WITH_AES_128_CBC_SHA256,
}

type authSuite struct {
	minVersion   uint16
	cipherSuites []uint16
}

var authSuites = map[string]authSuite{
	AuthSuiteBasic: {minVersion: tls.VersionTLS10, cipherSuites: basicCipherSuites},
	AuthSuiteTLS12: {minVersion: tls.VersionTLS12, cipherSuites: tls12CipherSuites},
}

// IsAuthSuite reports whether name is a known auth suite
func IsAuthSuite(name string) bool {
	_, ok := authSuites[name]
	return ok
}

// CipherSuites resolves the cipher suite list for an auth suite.
//
// If names is not empty, only the suites both named and allowed by the
// auth suite are kept, in auth suite order. Unknown names are ignored. When
// nothing remains, the full auth suite list is returned.
func CipherSuites(suite string, names []string, l *log.Logger) ([]uint16, error) {
	if l == nil {
		l = log.New(io.Discard, "", log.LstdFlags)
	}

	as, ok := authSuites[suite]
	if !ok {
		return nil, errors.Errorf("unknown auth suite %q", suite)
	}

	if len(names) == 0 {
		return append([]uint16(nil), as.cipherSuites...), nil
	}

	byName := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		byName[cs.Name] = cs.ID
	}
	for _, cs := range tls.InsecureCipherSuites() {
		byName[cs.Name] = cs.ID
	}

	requested := make(map[uint16]bool, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		id, ok := byName[name]
		if !ok {
			l.Printf("[WARN] Unknown TLS cipher suite %q ignored", name)
			continue
		}
		requested[id] = true
	}

	var result []uint16
	for _, id := range as.cipherSuites {
		if requested[id] {
			result = append(result, id)
		}
	}

	if len(result) == 0 {
		l.Printf("[WARN] None of the configured TLS cipher suites are allowed by auth suite %s, using the auth suite defaults", suite)
		return append([]uint16(nil), as.cipherSuites...), nil
	}

	return result, nil
}

// TLSOptions configures the listener TLS layer
type TLSOptions struct {
	AuthSuite    string
	CipherSuites []string
}

// NewTLSConfig builds the server TLS configuration: client certificates are
// required and verified against the CA pool, protocol versions and ciphers
// come from the auth suite.
//
// The maximum version is pinned to TLS 1.2 since TLS 1.3 cipher suites are
// not configurable.
func NewTLSConfig(certs *CertificateSet, opts TLSOptions, l *log.Logger) (*tls.Config, error) {
	suite := opts.AuthSuite
	if suite == "" {
		suite = AuthSuiteBasic
	}

	cipherSuites, err := CipherSuites(suite, opts.CipherSuites, l)
	if err != nil {
		return nil, err
	}

	chain := make([][]byte, 0, 1+len(certs.ServerChain))
	chain = append(chain, certs.ServerCert.Raw)
	for _, cert := range certs.ServerChain {
		chain = append(chain, cert.Raw)
	}

	return &tls.Config{
		MinVersion:   authSuites[suite].minVersion,
		MaxVersion:   tls.VersionTLS12,
		CipherSuites: cipherSuites,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    certs.ServerCAPool,
		Certificates: []tls.Certificate{
			{
				Certificate: chain,
				PrivateKey:  certs.ServerKey,
				Leaf:        certs.ServerCert,
			},
		},
	}, nil
}

// CertificateSet holds the server identity and the CA pool used to verify clients
type CertificateSet struct {
	ServerKey    crypto.PrivateKey
	ServerCert   *x509.Certificate
	ServerChain  []*x509.Certificate
	ServerCAPool *x509.CertPool
}

// Load reads PEM encoded server certificate (optionally followed by its
// chain), server private key and client CA certificates.
func (set *CertificateSet) Load(certificatePath, keyPath, caPath string) error {
	keyPemBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return errors.Wrapf(err, "error reading server key PEM file")
	}

	if set.ServerKey, err = parsePrivateKey(keyPemBytes); err != nil {
		return err
	}

	certPemBytes, err := os.ReadFile(certificatePath)
	if err != nil {
		return errors.Wrapf(err, "error reading server cert PEM file")
	}

	certs, err := parseCertificates(certPemBytes)
	if err != nil {
		return errors.Wrapf(err, "error parsing server cert")
	}
	if len(certs) == 0 {
		return errors.New("failed to decode PEM block containing server certificate")
	}
	set.ServerCert, set.ServerChain = certs[0], certs[1:]

	caPemBytes, err := os.ReadFile(caPath)
	if err != nil {
		return errors.Wrapf(err, "error reading CA certificate PEM file")
	}

	caCerts, err := parseCertificates(caPemBytes)
	if err != nil {
		return errors.Wrapf(err, "error parsing certificate in CA chain")
	}
	if len(caCerts) == 0 {
		return errors.New("no CA certificates found")
	}

	set.ServerCAPool = x509.NewCertPool()
	for _, cert := range caCerts {
		set.ServerCAPool.AddCert(cert)
	}

	return nil
}

// parsePrivateKey returns the first private key in pemBytes. Other blocks,
// such as the certificate of a combined key and certificate file, are
// skipped.
func parsePrivateKey(pemBytes []byte) (crypto.PrivateKey, error) {
	var (
		key   interface{}
		err   error
		found bool
	)

	for !found {
		block, rest := pem.Decode(pemBytes)
		if block == nil {
			return nil, errors.New("failed to decode PEM block containing server private key")
		}
		pemBytes = rest

		found = true
		switch block.Type {
		case "PRIVATE KEY":
			key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			key, err = x509.ParseECPrivateKey(block.Bytes)
		case "RSA PRIVATE KEY":
			key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		default:
			found = false
		}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error parsing server private key")
	}

	switch key := key.(type) {
	case *ecdsa.PrivateKey:
		return key, nil
	case *rsa.PrivateKey:
		return key, nil
	default:
		return nil, errors.New("server private key is not of a supported type (ECDSA or RSA)")
	}
}

func parseCertificates(pemBytes []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate

	for {
		block, rest := pem.Decode(pemBytes)
		if block == nil {
			break
		}
		pemBytes = rest

		if block.Type != "CERTIFICATE" {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}

	return certs, nil
}
