// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package challenge provides the material and the responder contract
// for ACME challenges: key authorizations, the DNS-01 TXT value, the
// TLS-ALPN-01 validation certificate, and an HTTP-01 responder that
// serves tokens from the store's CHALLENGES group.
package challenge

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"math/big"
	"time"

	"github.com/mkauf/mod-md/acme"
)

// Type names an ACME challenge type.
type Type string

// The challenge types this package can respond to.
const (
	HTTP01    Type = "http-01"
	TLSALPN01 Type = "tls-alpn-01"
	DNS01     Type = "dns-01"
)

// DefaultPreference is the order in which challenge types are chosen
// when an MD does not configure its own.
var DefaultPreference = []Type{TLSALPN01, HTTP01, DNS01}

// ACMETLS1Protocol is the ALPN protocol name of TLS-ALPN-01 handshakes
// (RFC 8737).
const ACMETLS1Protocol = "acme-tls/1"

// idPEACMEIdentifier is the X.509 extension that carries the
// authorization digest in a TLS-ALPN-01 validation certificate.
var idPEACMEIdentifier = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 31}

// KeyAuthorization computes token || "." || base64url(thumbprint) for
// the given account key.
func KeyAuthorization(token string, accountKey crypto.Signer) (string, error) {
	thumb, err := acme.Thumbprint(accountKey)
	if err != nil {
		return "", err
	}
	return token + "." + thumb, nil
}

// DNS01TXT returns the TXT record value for a DNS-01 challenge:
// base64url(SHA-256(keyAuthz)).
func DNS01TXT(keyAuthz string) string {
	sum := sha256.Sum256([]byte(keyAuthz))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// TLSALPN01Cert mints the self-signed validation certificate for a
// TLS-ALPN-01 handshake: SAN = domain, critical acmeIdentifier
// extension = DER octet string of SHA-256(keyAuthz).
func TLSALPN01Cert(domain, keyAuthz string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	sum := sha256.Sum256([]byte(keyAuthz))
	digest, err := asn1.Marshal(sum[:])
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: domain},
		DNSNames:     []string{domain},
		NotBefore:    time.Now().Add(-1 * time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		ExtraExtensions: []pkix.Extension{{
			Id:       idPEACMEIdentifier,
			Critical: true,
			Value:    digest,
		}},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}

// Responder installs and removes challenge response material. The
// driver calls Install before telling the CA a challenge is ready and
// always calls Remove when the authorization terminates, no matter
// how.
type Responder interface {
	// Install provisions the response for one challenge. An error
	// means the challenge type cannot be responded to here.
	Install(ctx context.Context, typ Type, domain, token, keyAuthz string) error

	// Remove tears the response down. Removing material that was
	// never installed is not an error.
	Remove(ctx context.Context, typ Type, domain, token string) error
}

// Prober is implemented by responders that can locally confirm a
// response is reachable before the CA is signaled.
type Prober interface {
	// Probe checks that the installed response for token would be
	// served correctly.
	Probe(ctx context.Context, domain, token string) error
}

// ErrUnsupported is wrapped by responders refusing a challenge type.
var ErrUnsupported = fmt.Errorf("challenge type not supported by this responder")
