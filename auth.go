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
	"net"
	"sort"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/pkg/errors"
)

// SessionTokenTTL is the lifetime of the session token issued on connect
const SessionTokenTTL = 5 * time.Minute

// NewSessionAuthHandler returns a Server.SessionAuthHandler deriving the
// session identity from the verified client certificate: the common name
// is the identity, the organizational units are the roles.
//
// DER sorts the organizational units, so the issuing order is lost; roles
// are kept sorted and the policy of each object picks among them.
//
// A session token signed with signingKey is issued for the remote object
// store. If requireClientAuthUsage is set, client certificates must carry
// the TLS client authentication extended key usage explicitly.
func NewSessionAuthHandler(signingKey crypto.PrivateKey, requireClientAuthUsage bool) func(conn net.Conn) (SessionAuth, error) {
	return func(conn net.Conn) (sessionAuth SessionAuth, err error) {
		tlsConn, ok := conn.(*tls.Conn)
		if !ok {
			return SessionAuth{}, errors.New("connection is not a TLS connection")
		}

		state := tlsConn.ConnectionState()
		if len(state.PeerCertificates) == 0 {
			return SessionAuth{}, errors.New("no client certificate provided")
		}

		clientCert := state.PeerCertificates[0]

		if requireClientAuthUsage && !hasExtKeyUsage(clientCert, x509.ExtKeyUsageClientAuth) {
			return SessionAuth{}, errors.New("client certificate is not valid for TLS client authentication")
		}

		identity := clientCert.Subject.CommonName
		if identity == "" {
			return SessionAuth{}, errors.New("client certificate has no common name")
		}

		var roles []string
		for _, ou := range clientCert.Subject.OrganizationalUnit {
			if ou != "" {
				roles = append(roles, ou)
			}
		}
		sort.Strings(roles)

		tokenString, err := signSessionToken(signingKey, identity, roles)
		if err != nil {
			return SessionAuth{}, err
		}

		return SessionAuth{
			Identity:                      identity,
			Roles:                         roles,
			ClientJwt:                     tokenString,
			ClientCertificateSerialNumber: clientCert.SerialNumber.String(),
		}, nil
	}
}

func hasExtKeyUsage(cert *x509.Certificate, usage x509.ExtKeyUsage) bool {
	for _, u := range cert.ExtKeyUsage {
		if u == usage {
			return true
		}
	}
	return false
}

func signingMethodFor(key crypto.PrivateKey) (jwt.SigningMethod, error) {
	switch privKey := key.(type) {
	case *rsa.PrivateKey:
		// Get RSA key size in bits
		keySize := privKey.Size() * 8
		switch keySize {
		case 2048:
			return jwt.SigningMethodRS256, nil
		case 3072:
			return jwt.SigningMethodRS384, nil
		case 4096:
			return jwt.SigningMethodRS512, nil
		default:
			return nil, errors.Errorf("unsupported RSA key size: %d", keySize)
		}
	case *ecdsa.PrivateKey:
		// Check curve type
		switch privKey.Curve.Params().Name {
		case "P-256":
			return jwt.SigningMethodES256, nil
		case "P-384":
			return jwt.SigningMethodES384, nil
		case "P-521":
			return jwt.SigningMethodES512, nil
		default:
			return nil, errors.Errorf("unsupported elliptic curve: %s", privKey.Curve.Params().Name)
		}
	default:
		return nil, errors.New("unsupported private key type (only RSA or ECDSA allowed)")
	}
}

// The project claim is only set for certificates naming a single role.
func signSessionToken(key crypto.PrivateKey, identity string, roles []string) (string, error) {
	signingMethod, err := signingMethodFor(key)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"clientId": identity,
		"exp":      now.Add(SessionTokenTTL).Unix(),
		"iat":      now.Unix(),
	}
	if len(roles) == 1 {
		claims["projectId"] = roles[0]
	}

	return jwt.NewWithClaims(signingMethod, claims).SignedString(key)
}
