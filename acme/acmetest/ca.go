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

// Package acmetest is an in-process fake ACME CA for driver tests. It
// implements just enough of RFC 8555 to carry an order through its
// lifecycle, with knobs for the failure scenarios the renewal driver
// must survive.
package acmetest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// CA is a fake ACME server. Zero-value knobs give the happy path; set
// them before the driver runs to simulate failures.
type CA struct {
	// ValidateChallenge, when set, is consulted when the client
	// signals challenge readiness; an error fails the authorization
	// with the error text as detail.
	ValidateChallenge func(domain, token string) error

	// FailAuthzDetail fails every authorization with this detail.
	FailAuthzDetail string

	// FailAuthzType is the problem type used with FailAuthzDetail
	// (default urn:ietf:params:acme:error:incorrectResponse).
	FailAuthzType string

	// RateLimitNewOrder makes newOrder respond 429 with this many
	// seconds of Retry-After.
	RateLimitNewOrder int

	// UnauthorizedOnce makes the next newOrder fail with an
	// unauthorized problem, as a CA does when it no longer accepts
	// the account.
	UnauthorizedOnce bool

	// BadNonceOnce makes the next signed POST fail with badNonce.
	BadNonceOnce bool

	// LeafDNSNames overrides the SAN set of issued leaves, for
	// mismatch scenarios.
	LeafDNSNames []string

	// FinalizeDelayPolls keeps the order in "processing" for this
	// many order polls after finalize.
	FinalizeDelayPolls int

	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	nextID   int
	orders   map[string]*caOrder
	authzs   map[string]*caAuthz
	requests map[string]int

	rootKey  *ecdsa.PrivateKey
	rootCert *x509.Certificate
}

type caOrder struct {
	id          string
	status      string
	identifiers []string
	authzIDs    []string
	certID      string
	chainPEM    []byte
	pollsLeft   int
}

type caAuthz struct {
	id      string
	orderID string
	domain  string
	status  string
	token   string
	problem *problemDoc
}

type problemDoc struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
	Status int    `json:"status,omitempty"`
}

// New starts a fake CA; it shuts down with the test.
func New(t *testing.T) *CA {
	ca := &CA{
		t:        t,
		orders:   make(map[string]*caOrder),
		authzs:   make(map[string]*caAuthz),
		requests: make(map[string]int),
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	ca.rootKey = key

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "mod-md test root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	ca.rootCert, err = x509.ParseCertificate(rootDER)
	require.NoError(t, err)

	ca.srv = httptest.NewServer(http.HandlerFunc(ca.handle))
	t.Cleanup(ca.srv.Close)
	return ca
}

// DirectoryURL is what clients configure as ca_url.
func (ca *CA) DirectoryURL() string { return ca.srv.URL + "/directory" }

// Requests counts requests whose path starts with prefix ("" counts
// everything).
func (ca *CA) Requests(prefix string) int {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	n := 0
	for path, count := range ca.requests {
		if strings.HasPrefix(path, prefix) {
			n += count
		}
	}
	return n
}

// CompleteProcessing flips every processing order to valid, as if the
// CA finished issuance while the client was away.
func (ca *CA) CompleteProcessing() {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	for _, order := range ca.orders {
		if order.status == "processing" {
			order.status = "valid"
			order.pollsLeft = 0
		}
	}
}

// ResetRequests clears the request counters.
func (ca *CA) ResetRequests() {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.requests = make(map[string]int)
}

func (ca *CA) allocID() string {
	ca.nextID++
	return strconv.Itoa(ca.nextID)
}

func (ca *CA) handle(w http.ResponseWriter, r *http.Request) {
	ca.mu.Lock()
	ca.requests[r.URL.Path]++
	ca.mu.Unlock()

	w.Header().Set("Replay-Nonce", fmt.Sprintf("nonce-%d", time.Now().UnixNano()))

	switch {
	case r.URL.Path == "/directory":
		ca.writeJSON(w, http.StatusOK, map[string]any{
			"newNonce":   ca.srv.URL + "/new-nonce",
			"newAccount": ca.srv.URL + "/new-account",
			"newOrder":   ca.srv.URL + "/new-order",
			"meta":       map[string]any{"termsOfService": ca.srv.URL + "/terms"},
		})
	case r.URL.Path == "/new-nonce":
		w.WriteHeader(http.StatusOK)
	case r.URL.Path == "/new-account":
		ca.handleNewAccount(w, r)
	case r.URL.Path == "/new-order":
		ca.handleNewOrder(w, r)
	case strings.HasPrefix(r.URL.Path, "/authz/"):
		ca.handleAuthz(w, r)
	case strings.HasPrefix(r.URL.Path, "/chall/"):
		ca.handleChallenge(w, r)
	case strings.HasSuffix(r.URL.Path, "/finalize"):
		ca.handleFinalize(w, r)
	case strings.HasPrefix(r.URL.Path, "/order/"):
		ca.handleOrder(w, r)
	case strings.HasPrefix(r.URL.Path, "/cert/"):
		ca.handleCert(w, r)
	default:
		http.NotFound(w, r)
	}
}

// payload decodes the JWS body of a signed request; it returns nil
// for POST-as-GET. badNonce injection happens here, since every
// signed request passes through.
func (ca *CA) payload(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	require.NoError(ca.t, err)

	ca.mu.Lock()
	badNonce := ca.BadNonceOnce
	ca.BadNonceOnce = false
	ca.mu.Unlock()
	if badNonce {
		ca.writeProblem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:badNonce", "nonce is stale")
		return nil, false
	}

	var jws struct {
		Protected string `json:"protected"`
		Payload   string `json:"payload"`
	}
	require.NoError(ca.t, json.Unmarshal(body, &jws))
	if jws.Payload == "" {
		return nil, true
	}
	decoded, err := base64.RawURLEncoding.DecodeString(jws.Payload)
	require.NoError(ca.t, err)
	return decoded, true
}

func (ca *CA) handleNewAccount(w http.ResponseWriter, r *http.Request) {
	if _, ok := ca.payload(w, r); !ok {
		return
	}
	ca.mu.Lock()
	id := ca.allocID()
	ca.mu.Unlock()
	w.Header().Set("Location", ca.srv.URL+"/acct/"+id)
	ca.writeJSON(w, http.StatusCreated, map[string]any{"status": "valid"})
}

func (ca *CA) handleNewOrder(w http.ResponseWriter, r *http.Request) {
	payload, ok := ca.payload(w, r)
	if !ok {
		return
	}

	if ca.RateLimitNewOrder > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ca.RateLimitNewOrder))
		ca.writeProblem(w, http.StatusTooManyRequests,
			"urn:ietf:params:acme:error:rateLimited", "too many new orders")
		return
	}

	ca.mu.Lock()
	unauthorized := ca.UnauthorizedOnce
	ca.UnauthorizedOnce = false
	ca.mu.Unlock()
	if unauthorized {
		ca.writeProblem(w, http.StatusForbidden,
			"urn:ietf:params:acme:error:unauthorized", "account is not authorized")
		return
	}

	var req struct {
		Identifiers []struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"identifiers"`
	}
	require.NoError(ca.t, json.Unmarshal(payload, &req))
	require.NotEmpty(ca.t, req.Identifiers)

	ca.mu.Lock()
	order := &caOrder{id: ca.allocID(), status: "pending"}
	for _, ident := range req.Identifiers {
		authz := &caAuthz{
			id:      ca.allocID(),
			orderID: order.id,
			domain:  ident.Value,
			status:  "pending",
			token:   "token-" + ca.allocID(),
		}
		ca.authzs[authz.id] = authz
		order.authzIDs = append(order.authzIDs, authz.id)
		order.identifiers = append(order.identifiers, ident.Value)
	}
	ca.orders[order.id] = order
	ca.mu.Unlock()

	w.Header().Set("Location", ca.srv.URL+"/order/"+order.id)
	ca.writeJSON(w, http.StatusCreated, ca.orderJSON(order))
}

func (ca *CA) handleAuthz(w http.ResponseWriter, r *http.Request) {
	if _, ok := ca.payload(w, r); !ok {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/authz/")
	ca.mu.Lock()
	authz := ca.authzs[id]
	ca.mu.Unlock()
	if authz == nil {
		ca.writeProblem(w, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such authorization")
		return
	}
	ca.writeJSON(w, http.StatusOK, ca.authzJSON(authz))
}

func (ca *CA) handleChallenge(w http.ResponseWriter, r *http.Request) {
	if _, ok := ca.payload(w, r); !ok {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/chall/")
	ca.mu.Lock()
	authz := ca.authzs[id]
	ca.mu.Unlock()
	if authz == nil {
		ca.writeProblem(w, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such challenge")
		return
	}

	fail := func(typ, detail string) {
		ca.mu.Lock()
		authz.status = "invalid"
		authz.problem = &problemDoc{Type: typ, Detail: detail, Status: http.StatusForbidden}
		order := ca.orders[authz.orderID]
		if order != nil {
			order.status = "invalid"
		}
		ca.mu.Unlock()
	}

	switch {
	case ca.FailAuthzDetail != "":
		typ := ca.FailAuthzType
		if typ == "" {
			typ = "urn:ietf:params:acme:error:incorrectResponse"
		}
		fail(typ, ca.FailAuthzDetail)
	case ca.ValidateChallenge != nil:
		if err := ca.ValidateChallenge(authz.domain, authz.token); err != nil {
			fail("urn:ietf:params:acme:error:incorrectResponse", err.Error())
			break
		}
		ca.markValid(authz)
	default:
		ca.markValid(authz)
	}

	ca.writeJSON(w, http.StatusOK, ca.challengeJSON(authz))
}

func (ca *CA) markValid(authz *caAuthz) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	authz.status = "valid"
	order := ca.orders[authz.orderID]
	if order == nil {
		return
	}
	allValid := true
	for _, aid := range order.authzIDs {
		if ca.authzs[aid].status != "valid" {
			allValid = false
		}
	}
	if allValid && order.status == "pending" {
		order.status = "ready"
	}
}

func (ca *CA) handleOrder(w http.ResponseWriter, r *http.Request) {
	if _, ok := ca.payload(w, r); !ok {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/order/")
	ca.mu.Lock()
	order := ca.orders[id]
	if order != nil && order.status == "processing" {
		if order.pollsLeft > 0 {
			order.pollsLeft--
		} else {
			order.status = "valid"
		}
	}
	ca.mu.Unlock()
	if order == nil {
		ca.writeProblem(w, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such order")
		return
	}
	ca.writeJSON(w, http.StatusOK, ca.orderJSON(order))
}

func (ca *CA) handleFinalize(w http.ResponseWriter, r *http.Request) {
	payload, ok := ca.payload(w, r)
	if !ok {
		return
	}
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/order/"), "/finalize")
	ca.mu.Lock()
	order := ca.orders[id]
	ca.mu.Unlock()
	if order == nil {
		ca.writeProblem(w, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such order")
		return
	}
	if order.status != "ready" {
		ca.writeProblem(w, http.StatusForbidden, "urn:ietf:params:acme:error:orderNotReady", "order is "+order.status)
		return
	}

	var req struct {
		CSR string `json:"csr"`
	}
	require.NoError(ca.t, json.Unmarshal(payload, &req))
	der, err := base64.RawURLEncoding.DecodeString(req.CSR)
	require.NoError(ca.t, err)
	csr, err := x509.ParseCertificateRequest(der)
	require.NoError(ca.t, err)

	ca.issue(order, csr)

	ca.mu.Lock()
	if ca.FinalizeDelayPolls > 0 {
		order.status = "processing"
		order.pollsLeft = ca.FinalizeDelayPolls
	} else {
		order.status = "valid"
	}
	ca.mu.Unlock()

	ca.writeJSON(w, http.StatusOK, ca.orderJSON(order))
}

// issue signs a leaf for the CSR's key and records the two-cert chain.
func (ca *CA) issue(order *caOrder, csr *x509.CertificateRequest) {
	names := csr.DNSNames
	if len(ca.LeafDNSNames) > 0 {
		names = ca.LeafDNSNames
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(ca.t, err)
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		DNSNames:     names,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, tmpl, ca.rootCert, csr.PublicKey, ca.rootKey)
	require.NoError(ca.t, err)

	var chain []byte
	chain = append(chain, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDER})...)
	chain = append(chain, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.rootCert.Raw})...)

	ca.mu.Lock()
	order.certID = ca.allocID()
	order.chainPEM = chain
	ca.mu.Unlock()
}

func (ca *CA) handleCert(w http.ResponseWriter, r *http.Request) {
	if _, ok := ca.payload(w, r); !ok {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/cert/")
	ca.mu.Lock()
	var chain []byte
	for _, order := range ca.orders {
		if order.certID == id {
			chain = order.chainPEM
		}
	}
	ca.mu.Unlock()
	if chain == nil {
		ca.writeProblem(w, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such certificate")
		return
	}
	w.Header().Set("Content-Type", "application/pem-certificate-chain")
	w.WriteHeader(http.StatusOK)
	w.Write(chain)
}

func (ca *CA) orderJSON(order *caOrder) map[string]any {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	var authzURLs []string
	for _, aid := range order.authzIDs {
		authzURLs = append(authzURLs, ca.srv.URL+"/authz/"+aid)
	}
	var identifiers []map[string]string
	for _, ident := range order.identifiers {
		identifiers = append(identifiers, map[string]string{"type": "dns", "value": ident})
	}
	out := map[string]any{
		"status":         order.status,
		"identifiers":    identifiers,
		"authorizations": authzURLs,
		"finalize":       ca.srv.URL + "/order/" + order.id + "/finalize",
		"expires":        time.Now().Add(24 * time.Hour).Format(time.RFC3339),
	}
	if order.status == "valid" && order.certID != "" {
		out["certificate"] = ca.srv.URL + "/cert/" + order.certID
	}
	return out
}

func (ca *CA) authzJSON(authz *caAuthz) map[string]any {
	out := map[string]any{
		"identifier": map[string]string{"type": "dns", "value": authz.domain},
		"status":     authz.status,
		"expires":    time.Now().Add(24 * time.Hour).Format(time.RFC3339),
		"challenges": []map[string]any{ca.challengeJSON(authz)},
	}
	return out
}

func (ca *CA) challengeJSON(authz *caAuthz) map[string]any {
	out := map[string]any{
		"type":   "http-01",
		"url":    ca.srv.URL + "/chall/" + authz.id,
		"token":  authz.token,
		"status": authz.status,
	}
	if authz.problem != nil {
		out["error"] = authz.problem
	}
	return out
}

func (ca *CA) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(ca.t, json.NewEncoder(w).Encode(v))
}

func (ca *CA) writeProblem(w http.ResponseWriter, status int, typ, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(problemDoc{Type: typ, Detail: detail, Status: status})
}
