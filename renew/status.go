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

package renew

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	md "github.com/mkauf/mod-md"
	"github.com/mkauf/mod-md/store"
)

// Status is the read-only projection of one MD's renewal state. It
// never carries key material.
type Status struct {
	Name        string    `json:"name"`
	State       md.State  `json:"state"`
	Domains     []string  `json:"domains"`
	CertExpires time.Time `json:"cert_expires,omitempty"`
	CertIssuer  string    `json:"cert_issuer,omitempty"`
	ExpiresIn   string    `json:"expires_in,omitempty"`
	Staged      bool      `json:"staged,omitempty"`
	LastRun     time.Time `json:"last_run,omitempty"`
	LastOutcome string    `json:"last_outcome,omitempty"`
	LastDetail  string    `json:"last_detail,omitempty"`
	NextCheck   time.Time `json:"next_check,omitempty"`
	Phase       string    `json:"phase,omitempty"`
	NeedRestart bool      `json:"need_restart,omitempty"`
}

// Status reports all configured MDs. It only reads.
func (s *Supervisor) Status() []Status {
	mds := s.MDs()
	out := make([]Status, 0, len(mds))
	for _, m := range mds {
		out = append(out, s.statusOf(m))
	}
	return out
}

// StatusOf reports one MD by name.
func (s *Supervisor) StatusOf(name string) (Status, bool) {
	s.mu.Lock()
	m, ok := s.mds[name]
	s.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return s.statusOf(m), true
}

func (s *Supervisor) statusOf(m *md.MD) Status {
	job := s.jobFor(m.Name)
	st := Status{
		Name:        m.Name,
		State:       m.State,
		Domains:     m.Domains,
		LastRun:     job.LastRun,
		LastOutcome: job.LastRV,
		LastDetail:  job.LastDetail,
		NextCheck:   job.NextCheck,
		NeedRestart: job.NeedRestart && !job.RestartProcessed,
	}

	if exp, issuer, err := s.certInfo(store.Domains, m.Name); err == nil {
		st.CertExpires = exp
		st.CertIssuer = issuer
		st.ExpiresIn = humanize.Time(exp)
	}
	if _, err := s.Store.Load(store.Staging, m.Name, "pubcert.pem"); err == nil {
		st.Staged = true
	}

	s.mu.Lock()
	if d, ok := s.drivers[m.Name]; ok {
		st.Phase = d.Phase()
	}
	s.mu.Unlock()
	return st
}

// StatusHandler serves the status view as JSON: the full list at /,
// one MD at /{name}. Mount it wherever the host exposes operational
// endpoints; it never mutates state.
func (s *Supervisor) StatusHandler() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, s.Status())
	})
	r.Get("/{name}", func(w http.ResponseWriter, req *http.Request) {
		st, ok := s.StatusOf(chi.URLParam(req, "name"))
		if !ok {
			http.NotFound(w, req)
			return
		}
		writeJSON(w, st)
	})
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
