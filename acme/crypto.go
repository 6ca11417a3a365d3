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

package acme

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	md "github.com/mkauf/mod-md"
)

// clockSkew is tolerated when checking certificate validity windows,
// so a chain minted a moment ago by a CA with a slightly fast clock
// still passes.
const clockSkew = 5 * time.Minute

// GenerateKey materializes a private key per the MD's key spec.
func GenerateKey(spec md.KeySpec) (crypto.Signer, error) {
	if spec == "" {
		spec = md.DefaultKeySpec
	}
	switch spec {
	case md.ECP256:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case md.ECP384:
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case md.RSA2048, md.RSA3072, md.RSA4096:
		return rsa.GenerateKey(rand.Reader, spec.RSABits())
	}
	return nil, md.Errorf(md.KindFatal, "", "unsupported key spec %q", string(spec))
}

// EncodePrivateKeyPEM serializes a private key the way certificates
// tooling expects it on disk.
func EncodePrivateKeyPEM(key crypto.Signer) ([]byte, error) {
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		der, err := x509.MarshalECPrivateKey(k)
		if err != nil {
			return nil, err
		}
		return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
	case *rsa.PrivateKey:
		der := x509.MarshalPKCS1PrivateKey(k)
		return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}), nil
	}
	return nil, fmt.Errorf("unknown private key type %T", key)
}

// ParsePrivateKeyPEM loads a PEM-encoded EC or RSA private key.
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block in private key data")
	}
	switch block.Type {
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unusable private key type %T", key)
		}
		return signer, nil
	}
	return nil, fmt.Errorf("unknown private key block type %q", block.Type)
}

// CreateCSR builds a certificate signing request with subject CN set
// to the first name and all names in the SAN set, returning DER bytes.
func CreateCSR(key crypto.Signer, names []string) ([]byte, error) {
	if len(names) == 0 {
		return nil, errors.New("no names for CSR")
	}
	tmpl := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: names[0]},
		DNSNames: names,
	}
	return x509.CreateCertificateRequest(rand.Reader, tmpl, key)
}

// ParseChainPEM parses a PEM-concatenated certificate chain, leaf
// first.
func ParseChainPEM(data []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	for len(data) > 0 {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate: %v", err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, errors.New("no certificates in chain")
	}
	return chain, nil
}

// EncodeChainPEM serializes a chain leaf-first, PEM-concatenated.
func EncodeChainPEM(chain []*x509.Certificate) []byte {
	var out []byte
	for _, cert := range chain {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}
	return out
}

// VerifyChain checks a downloaded chain against the order's key and
// name set: the leaf's public key must match key, every certificate's
// validity window must contain now (with skew), and the leaf's SAN set
// must cover all names. Any mismatch is a CertMismatch.
func VerifyChain(chain []*x509.Certificate, key crypto.Signer, names []string, now time.Time) error {
	if len(chain) == 0 {
		return md.Errorf(md.KindCertMismatch, "", "empty certificate chain")
	}
	leaf := chain[0]

	if !publicKeysEqual(leaf.PublicKey, key.Public()) {
		return md.Errorf(md.KindCertMismatch, "", "certificate public key does not match private key")
	}
	for i, cert := range chain {
		if now.Add(clockSkew).Before(cert.NotBefore) {
			return md.Errorf(md.KindCertMismatch, "", "certificate %d not yet valid (notBefore %s)", i, cert.NotBefore)
		}
		if now.Add(-clockSkew).After(cert.NotAfter) {
			return md.Errorf(md.KindCertMismatch, "", "certificate %d expired (notAfter %s)", i, cert.NotAfter)
		}
	}

	san := make(map[string]bool, len(leaf.DNSNames))
	for _, n := range leaf.DNSNames {
		san[strings.ToLower(n)] = true
	}
	for _, n := range names {
		if !san[strings.ToLower(n)] {
			return md.Errorf(md.KindCertMismatch, "", "certificate does not cover %s", n)
		}
	}
	return nil
}

// publicKeysEqual compares two public keys for identity.
func publicKeysEqual(a, b crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	if ae, ok := a.(equaler); ok {
		return ae.Equal(b)
	}
	return false
}
