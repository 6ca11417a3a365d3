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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mkauf/mod-md/store"
)

// ChallengeBasePath is where HTTP-01 responses are served.
const ChallengeBasePath = "/.well-known/acme-challenge"

// tokenInfo is the stored form of one installed HTTP-01 response, kept
// in the CHALLENGES store group so that a restarted process can still
// serve and clean up tokens.
type tokenInfo struct {
	Domain  string `json:"domain"`
	Token   string `json:"token"`
	KeyAuth string `json:"key_auth"`
}

// HTTPResponder serves HTTP-01 challenge responses out of the store.
// It implements Responder for http-01 (only) and Prober for the local
// reachability check the driver performs before signaling the CA.
type HTTPResponder struct {
	Store  store.Store
	Logger *zap.Logger
}

// NewHTTPResponder creates an HTTP-01 responder backed by s.
func NewHTTPResponder(s store.Store, logger *zap.Logger) *HTTPResponder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPResponder{Store: s, Logger: logger}
}

// Install implements Responder.
func (h *HTTPResponder) Install(ctx context.Context, typ Type, domain, token, keyAuthz string) error {
	if typ != HTTP01 {
		return fmt.Errorf("%w: %s", ErrUnsupported, typ)
	}
	info := tokenInfo{Domain: domain, Token: token, KeyAuth: keyAuthz}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := h.Store.Save(store.Challenges, domain, token+".json", data, false); err != nil {
		return err
	}
	h.Logger.Debug("installed http-01 response",
		zap.String("domain", domain), zap.String("token", token))
	return nil
}

// Remove implements Responder.
func (h *HTTPResponder) Remove(ctx context.Context, typ Type, domain, token string) error {
	if typ != HTTP01 {
		return nil
	}
	err := h.Store.Remove(store.Challenges, domain, token+".json")
	if err != nil && !store.IsNotExist(err) {
		return err
	}
	return nil
}

// Probe implements Prober by running a synthetic request through the
// handler, confirming the token would be served before the CA is told
// to try.
func (h *HTTPResponder) Probe(ctx context.Context, domain, token string) error {
	req := httptest.NewRequest(http.MethodGet, ChallengeBasePath+"/"+token, nil)
	req.Host = domain
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		return fmt.Errorf("challenge response for %s not servable (HTTP %d)", domain, rec.Code)
	}
	return nil
}

// Handler returns the HTTP handler serving challenge responses. Mount
// it on the port-80 server (or hand it the whole listener when nothing
// else serves plain HTTP).
func (h *HTTPResponder) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get(ChallengeBasePath+"/{token}", func(w http.ResponseWriter, req *http.Request) {
		token := chi.URLParam(req, "token")
		domain := req.Host
		if i := strings.IndexByte(domain, ':'); i >= 0 {
			domain = domain[:i]
		}

		data, err := h.Store.Load(store.Challenges, domain, token+".json")
		if err != nil {
			http.NotFound(w, req)
			return
		}
		var info tokenInfo
		if err := json.Unmarshal(data, &info); err != nil || info.Token != token {
			http.NotFound(w, req)
			return
		}

		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(info.KeyAuth))
		h.Logger.Info("served key authorization",
			zap.String("domain", info.Domain), zap.String("token", token))
	})
	return r
}
