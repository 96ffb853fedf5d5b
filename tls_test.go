package kmip

/* This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/. */

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPKI is a throwaway CA with a server certificate, written to disk in
// the layout expected by CertificateSet.Load
type testPKI struct {
	CAKey  *ecdsa.PrivateKey
	CACert *x509.Certificate

	ServerKey  *ecdsa.PrivateKey
	ServerCert *x509.Certificate

	CertPath string
	KeyPath  string
	CAPath   string

	serial int64
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()

	p := &testPKI{serial: 1}

	var err error
	p.CAKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(p.serial),
		Subject:               pkix.Name{CommonName: "KMIP Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &p.CAKey.PublicKey, p.CAKey)
	require.NoError(t, err)
	p.CACert, err = x509.ParseCertificate(der)
	require.NoError(t, err)

	p.ServerKey, p.ServerCert = p.issue(t, &x509.Certificate{
		Subject:     pkix.Name{CommonName: "localhost"},
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})

	dir := t.TempDir()
	p.CertPath = filepath.Join(dir, "server-cert.pem")
	p.KeyPath = filepath.Join(dir, "server-private-key.pem")
	p.CAPath = filepath.Join(dir, "ca.pem")

	keyDer, err := x509.MarshalPKCS8PrivateKey(p.ServerKey)
	require.NoError(t, err)

	writePEM(t, p.CertPath, "CERTIFICATE", p.ServerCert.Raw)
	writePEM(t, p.KeyPath, "PRIVATE KEY", keyDer)
	writePEM(t, p.CAPath, "CERTIFICATE", p.CACert.Raw)

	return p
}

func (p *testPKI) issue(t *testing.T, template *x509.Certificate) (*ecdsa.PrivateKey, *x509.Certificate) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	p.serial++
	template.SerialNumber = big.NewInt(p.serial)
	template.NotBefore = time.Now().Add(-time.Hour)
	template.NotAfter = time.Now().Add(time.Hour)
	template.KeyUsage = x509.KeyUsageDigitalSignature

	der, err := x509.CreateCertificate(rand.Reader, template, p.CACert, &key.PublicKey, p.CAKey)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return key, cert
}

// clientCertificate issues a client certificate; usage nil leaves the
// extended key usage extension out
func (p *testPKI) clientCertificate(t *testing.T, cn string, ou []string, usage []x509.ExtKeyUsage) tls.Certificate {
	t.Helper()

	key, cert := p.issue(t, &x509.Certificate{
		Subject:     pkix.Name{CommonName: cn, OrganizationalUnit: ou},
		ExtKeyUsage: usage,
	})

	return tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  key,
		Leaf:        cert,
	}
}

func (p *testPKI) clientTLSConfig(cert tls.Certificate) *tls.Config {
	roots := x509.NewCertPool()
	roots.AddCert(p.CACert)

	return &tls.Config{
		ServerName:   "localhost",
		RootCAs:      roots,
		Certificates: []tls.Certificate{cert},
	}
}

func writePEM(t *testing.T, path, blockType string, der []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), 0o600))
}

func TestCertificateSetLoad(t *testing.T) {
	pki := newTestPKI(t)

	var certs CertificateSet
	require.NoError(t, certs.Load(pki.CertPath, pki.KeyPath, pki.CAPath))

	assert.Equal(t, "localhost", certs.ServerCert.Subject.CommonName)
	assert.Empty(t, certs.ServerChain)
	assert.IsType(t, &ecdsa.PrivateKey{}, certs.ServerKey)

	_, err := certs.ServerCert.Verify(x509.VerifyOptions{
		Roots:     certs.ServerCAPool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	assert.NoError(t, err)

	// certificate and key in one file, certificate first
	keyDer, err := x509.MarshalECPrivateKey(pki.ServerKey)
	require.NoError(t, err)

	combined := filepath.Join(t.TempDir(), "tls-localhost.pem")
	data := append(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: pki.ServerCert.Raw}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDer})...,
	)
	require.NoError(t, os.WriteFile(combined, data, 0o600))

	var fromCombined CertificateSet
	require.NoError(t, fromCombined.Load(combined, combined, pki.CAPath))
	assert.Equal(t, pki.ServerCert.Raw, fromCombined.ServerCert.Raw)
	assert.Empty(t, fromCombined.ServerChain)
	assert.True(t, pki.ServerKey.Equal(fromCombined.ServerKey))
}

func TestCertificateSetLoadChain(t *testing.T) {
	pki := newTestPKI(t)

	chainPath := filepath.Join(t.TempDir(), "chain.pem")
	data := append(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: pki.ServerCert.Raw}),
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: pki.CACert.Raw})...,
	)
	require.NoError(t, os.WriteFile(chainPath, data, 0o600))

	var certs CertificateSet
	require.NoError(t, certs.Load(chainPath, pki.KeyPath, pki.CAPath))
	require.Len(t, certs.ServerChain, 1)
	assert.Equal(t, "KMIP Test CA", certs.ServerChain[0].Subject.CommonName)

	tlsConfig, err := NewTLSConfig(&certs, TLSOptions{AuthSuite: AuthSuiteTLS12}, nil)
	require.NoError(t, err)
	assert.Len(t, tlsConfig.Certificates[0].Certificate, 2)
}

func TestCertificateSetLoadErrors(t *testing.T) {
	pki := newTestPKI(t)

	garbage := filepath.Join(t.TempDir(), "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a pem file"), 0o600))

	missing := filepath.Join(t.TempDir(), "missing.pem")

	testCases := map[string][3]string{
		"missing cert": {missing, pki.KeyPath, pki.CAPath},
		"missing key":  {pki.CertPath, missing, pki.CAPath},
		"missing ca":   {pki.CertPath, pki.KeyPath, missing},
		"bad cert":     {garbage, pki.KeyPath, pki.CAPath},
		"bad key":      {pki.CertPath, garbage, pki.CAPath},
		"bad ca":       {pki.CertPath, pki.KeyPath, garbage},
		"key as cert":  {pki.KeyPath, pki.KeyPath, pki.CAPath},
	}

	for name, paths := range testCases {
		t.Run(name, func(t *testing.T) {
			var certs CertificateSet
			assert.Error(t, certs.Load(paths[0], paths[1], paths[2]))
		})
	}
}

func TestParsePrivateKeyFormats(t *testing.T) {
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	ecDer, err := x509.MarshalECPrivateKey(ecKey)
	require.NoError(t, err)

	key, err := parsePrivateKey(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: ecDer}))
	require.NoError(t, err)
	assert.IsType(t, &ecdsa.PrivateKey{}, key)

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err = parsePrivateKey(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaKey)}))
	require.NoError(t, err)
	assert.IsType(t, &rsa.PrivateKey{}, key)

	_, err = parsePrivateKey(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{1, 2, 3}}))
	assert.Error(t, err)
}

func TestCipherSuites(t *testing.T) {
	suites, err := CipherSuites(AuthSuiteTLS12, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, tls12CipherSuites, suites)

	suites, err = CipherSuites(AuthSuiteBasic, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, basicCipherSuites, suites)

	// filtered, in auth suite order
	suites, err = CipherSuites(AuthSuiteTLS12, []string{
		"TLS_RSA_WITH_AES_128_CBC_SHA256",
		"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384",
		"TLS_NOT_A_SUITE",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint16{tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384, tls.TLS_RSA_WITH_AES_128_CBC_SHA256}, suites)

	// nothing allowed remains: fall back to the auth suite
	suites, err = CipherSuites(AuthSuiteTLS12, []string{"TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA"}, nil)
	require.NoError(t, err)
	assert.Equal(t, tls12CipherSuites, suites)

	_, err = CipherSuites("SSLv3", nil, nil)
	assert.Error(t, err)
}

func TestNewTLSConfig(t *testing.T) {
	pki := newTestPKI(t)

	var certs CertificateSet
	require.NoError(t, certs.Load(pki.CertPath, pki.KeyPath, pki.CAPath))

	cfg, err := NewTLSConfig(&certs, TLSOptions{AuthSuite: AuthSuiteTLS12}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, tls.VersionTLS12, cfg.MinVersion)
	assert.EqualValues(t, tls.VersionTLS12, cfg.MaxVersion)
	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
	assert.Equal(t, tls12CipherSuites, cfg.CipherSuites)

	cfg, err = NewTLSConfig(&certs, TLSOptions{}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, tls.VersionTLS10, cfg.MinVersion)
	assert.Equal(t, basicCipherSuites, cfg.CipherSuites)

	_, err = NewTLSConfig(&certs, TLSOptions{AuthSuite: "bogus"}, nil)
	assert.Error(t, err)

	assert.True(t, IsAuthSuite(AuthSuiteBasic))
	assert.False(t, IsAuthSuite("bogus"))
}
