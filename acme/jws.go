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
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
)

// base64url without padding, as required throughout RFC 8555.
var b64 = base64.RawURLEncoding

// jwk is a JSON Web Key public-key representation. Field order in the
// struct matches the lexicographic member order RFC 7638 requires for
// thumbprints, so marshaling a jwk produces the canonical form.
type jwk struct {
	Crv string `json:"crv,omitempty"`
	E   string `json:"e,omitempty"`
	Kty string `json:"kty"`
	N   string `json:"n,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

// jwkFor builds the JWK for the public half of key.
func jwkFor(key crypto.Signer) (jwk, error) {
	switch pub := key.Public().(type) {
	case *ecdsa.PublicKey:
		size := (pub.Curve.Params().BitSize + 7) / 8
		return jwk{
			Crv: pub.Curve.Params().Name,
			Kty: "EC",
			X:   b64.EncodeToString(pub.X.FillBytes(make([]byte, size))),
			Y:   b64.EncodeToString(pub.Y.FillBytes(make([]byte, size))),
		}, nil
	case *rsa.PublicKey:
		e := big.NewInt(int64(pub.E))
		return jwk{
			E:   b64.EncodeToString(e.Bytes()),
			Kty: "RSA",
			N:   b64.EncodeToString(pub.N.Bytes()),
		}, nil
	}
	return jwk{}, fmt.Errorf("unsupported account key type %T", key.Public())
}

// algFor names the JWS signature algorithm for key.
func algFor(key crypto.Signer) (string, error) {
	switch pub := key.Public().(type) {
	case *ecdsa.PublicKey:
		switch pub.Curve {
		case elliptic.P256():
			return "ES256", nil
		case elliptic.P384():
			return "ES384", nil
		}
		return "", fmt.Errorf("unsupported curve %s", pub.Curve.Params().Name)
	case *rsa.PublicKey:
		return "RS256", nil
	}
	return "", fmt.Errorf("unsupported account key type %T", key.Public())
}

// Thumbprint computes the RFC 7638 SHA-256 thumbprint of key's public
// half, base64url-encoded. It is the account-key part of every key
// authorization.
func Thumbprint(key crypto.Signer) (string, error) {
	k, err := jwkFor(key)
	if err != nil {
		return "", err
	}
	canonical, err := json.Marshal(k)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return b64.EncodeToString(sum[:]), nil
}

// protectedHeader is the JWS protected header of an ACME request. It
// carries either the full JWK (account creation) or the account URL as
// kid, never both.
type protectedHeader struct {
	Alg   string `json:"alg"`
	Nonce string `json:"nonce,omitempty"`
	URL   string `json:"url"`
	JWK   *jwk   `json:"jwk,omitempty"`
	KID   string `json:"kid,omitempty"`
}

// signJWS produces the flattened JSON serialization of a signed ACME
// request body. payload may be nil for POST-as-GET, in which case the
// encoded payload is the empty string.
func signJWS(key crypto.Signer, header protectedHeader, payload []byte) ([]byte, error) {
	protected, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	encProtected := b64.EncodeToString(protected)
	encPayload := ""
	if payload != nil {
		encPayload = b64.EncodeToString(payload)
	}

	signingInput := []byte(encProtected + "." + encPayload)
	var hashed []byte
	var opts crypto.SignerOpts = crypto.SHA256
	if header.Alg == "ES384" {
		sum := sha512.Sum384(signingInput)
		hashed = sum[:]
		opts = crypto.SHA384
	} else {
		sum := sha256.Sum256(signingInput)
		hashed = sum[:]
	}

	var sig []byte
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		r, s, err := ecdsa.Sign(rand.Reader, k, hashed)
		if err != nil {
			return nil, err
		}
		size := (k.Curve.Params().BitSize + 7) / 8
		sig = append(r.FillBytes(make([]byte, size)), s.FillBytes(make([]byte, size))...)
	case *rsa.PrivateKey:
		sig, err = rsa.SignPKCS1v15(rand.Reader, k, opts.HashFunc(), hashed)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported account key type %T", key)
	}

	body := struct {
		Protected string `json:"protected"`
		Payload   string `json:"payload"`
		Signature string `json:"signature"`
	}{
		Protected: encProtected,
		Payload:   encPayload,
		Signature: b64.EncodeToString(sig),
	}
	return json.Marshal(body)
}

// signEAB produces the externalAccountBinding object for newAccount:
// a JWS over the account JWK, MAC'd with the CA-issued HMAC key.
func signEAB(accountKey crypto.Signer, keyID string, hmacKey []byte, url string) (json.RawMessage, error) {
	k, err := jwkFor(accountKey)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(k)
	if err != nil {
		return nil, err
	}
	protected, err := json.Marshal(struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
		URL string `json:"url"`
	}{Alg: "HS256", Kid: keyID, URL: url})
	if err != nil {
		return nil, err
	}

	encProtected := b64.EncodeToString(protected)
	encPayload := b64.EncodeToString(payload)
	mac := hmac.New(sha256.New, hmacKey)
	mac.Write([]byte(encProtected + "." + encPayload))

	return json.Marshal(struct {
		Protected string `json:"protected"`
		Payload   string `json:"payload"`
		Signature string `json:"signature"`
	}{
		Protected: encProtected,
		Payload:   encPayload,
		Signature: b64.EncodeToString(mac.Sum(nil)),
	})
}
