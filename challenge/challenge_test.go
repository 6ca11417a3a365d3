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

package challenge

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkauf/mod-md/acme"
	"github.com/mkauf/mod-md/store"
)

func TestKeyAuthorization(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	keyAuthz, err := KeyAuthorization("some-token", key)
	require.NoError(t, err)

	thumb, err := acme.Thumbprint(key)
	require.NoError(t, err)
	assert.Equal(t, "some-token."+thumb, keyAuthz)
}

func TestDNS01TXT(t *testing.T) {
	keyAuthz := "token.thumbprint"
	sum := sha256.Sum256([]byte(keyAuthz))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), DNS01TXT(keyAuthz))
}

func TestTLSALPN01Cert(t *testing.T) {
	cert, err := TLSALPN01Cert("a.test", "token.thumb")
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"a.test"}, parsed.DNSNames)

	// the acmeIdentifier extension carries the keyAuthz digest
	var found bool
	for _, ext := range parsed.Extensions {
		if ext.Id.Equal(idPEACMEIdentifier) {
			found = true
			assert.True(t, ext.Critical)
			var digest []byte
			_, err := asn1.Unmarshal(ext.Value, &digest)
			require.NoError(t, err)
			sum := sha256.Sum256([]byte("token.thumb"))
			assert.Equal(t, sum[:], digest)
		}
	}
	assert.True(t, found, "acmeIdentifier extension missing")
}

func TestHTTPResponderServesToken(t *testing.T) {
	st := store.NewMemoryStore()
	responder := NewHTTPResponder(st, nil)
	ctx := context.Background()

	require.NoError(t, responder.Install(ctx, HTTP01, "a.test", "tok123", "tok123.thumb"))

	req := httptest.NewRequest(http.MethodGet, ChallengeBasePath+"/tok123", nil)
	req.Host = "a.test"
	rec := httptest.NewRecorder()
	responder.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tok123.thumb", rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))

	// probe agrees
	assert.NoError(t, responder.Probe(ctx, "a.test", "tok123"))

	// after removal nothing is served
	require.NoError(t, responder.Remove(ctx, HTTP01, "a.test", "tok123"))
	rec = httptest.NewRecorder()
	responder.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Error(t, responder.Probe(ctx, "a.test", "tok123"))

	// removing twice is fine
	assert.NoError(t, responder.Remove(ctx, HTTP01, "a.test", "tok123"))
}

func TestHTTPResponderHostWithPort(t *testing.T) {
	st := store.NewMemoryStore()
	responder := NewHTTPResponder(st, nil)
	require.NoError(t, responder.Install(context.Background(), HTTP01, "a.test", "tok", "tok.thumb"))

	req := httptest.NewRequest(http.MethodGet, ChallengeBasePath+"/tok", nil)
	req.Host = "a.test:8080"
	rec := httptest.NewRecorder()
	responder.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTPResponderRefusesOtherTypes(t *testing.T) {
	responder := NewHTTPResponder(store.NewMemoryStore(), nil)
	err := responder.Install(context.Background(), DNS01, "a.test", "tok", "ka")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestMemoryResponder(t *testing.T) {
	m := NewMemoryResponder()
	ctx := context.Background()

	require.NoError(t, m.Install(ctx, HTTP01, "a.test", "tok", "ka"))
	assert.Equal(t, 1, m.InstalledCount())
	assert.Equal(t, "ka", m.KeyAuth(HTTP01, "a.test", "tok"))

	require.NoError(t, m.Remove(ctx, HTTP01, "a.test", "tok"))
	assert.Equal(t, 0, m.InstalledCount())
	assert.Equal(t, []string{
		"install http-01|a.test|tok",
		"remove http-01|a.test|tok",
	}, m.History())

	m.Refuse = true
	assert.Error(t, m.Install(ctx, HTTP01, "a.test", "tok", "ka"))
}
