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
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	md "github.com/mkauf/mod-md"
	"github.com/mkauf/mod-md/acme"
	"github.com/mkauf/mod-md/acme/acmetest"
	"github.com/mkauf/mod-md/challenge"
	"github.com/mkauf/mod-md/store"
)

type supEnv struct {
	ca      *acmetest.CA
	st      *store.FileStore
	base    string
	resp    *challenge.HTTPResponder
	sup     *Supervisor
	reloads atomic.Int32
}

func newSupEnv(t *testing.T, domains ...string) *supEnv {
	t.Helper()
	if len(domains) == 0 {
		domains = []string{"a.test"}
	}
	e := &supEnv{ca: acmetest.New(t), base: t.TempDir()}

	var err error
	e.st, err = store.NewFileStore(e.base, nil)
	require.NoError(t, err)
	e.resp = challenge.NewHTTPResponder(e.st, nil)

	// the fake CA validates a challenge the way a real one would:
	// by asking the responder for the token
	e.ca.ValidateChallenge = func(domain, token string) error {
		return e.resp.Probe(context.Background(), domain, token)
	}

	e.sup = NewSupervisor(e.st, e.resp, Config{
		CAURL:       e.ca.DirectoryURL(),
		Contacts:    []string{"mailto:x@a.test"},
		TOSAccepted: true,
		PoolSize:    2,
	}, nil)
	e.sup.Reload = func() { e.reloads.Add(1) }

	require.NoError(t, e.sup.SetMDs([]*md.MD{{
		Name:           domains[0],
		Domains:        domains,
		ChallengeTypes: []string{"http-01"},
		KeySpec:        md.ECP256,
		State:          md.StateIncomplete,
	}}))
	return e
}

func (e *supEnv) domainsPath(parts ...string) string {
	return filepath.Join(append([]string{e.base, "domains"}, parts...)...)
}

// A tick over a certificate-less MD obtains, verifies, and promotes
// a certificate.
func TestTickObtainsAndPromotes(t *testing.T) {
	e := newSupEnv(t)
	require.NoError(t, e.sup.Tick(context.Background()))

	// DOMAINS holds the full artifact set
	chainPEM, err := os.ReadFile(e.domainsPath("a.test", "pubcert.pem"))
	require.NoError(t, err)
	chain, err := acme.ParseChainPEM(chainPEM)
	require.NoError(t, err)
	assert.Len(t, chain, 2)
	assert.Equal(t, []string{"a.test"}, chain[0].DNSNames)

	keyPEM, err := os.ReadFile(e.domainsPath("a.test", "privkey.pem"))
	require.NoError(t, err)
	key, err := acme.ParsePrivateKeyPEM(keyPEM)
	require.NoError(t, err)
	assert.NoError(t, acme.VerifyChain(chain, key, []string{"a.test"}, time.Now()))

	m, err := store.LoadJSON[*md.MD](e.st, store.Domains, "a.test", "md.json", md.FromJSON)
	require.NoError(t, err)
	assert.Equal(t, md.StateComplete, m.State)

	// nothing is left under STAGING
	entries, err := os.ReadDir(filepath.Join(e.base, "staging", "a.test"))
	if err == nil {
		assert.Empty(t, entries)
	} else {
		assert.True(t, os.IsNotExist(err))
	}

	// the host was asked to reload, once
	assert.Equal(t, int32(1), e.reloads.Load())
	assert.True(t, e.sup.NeedRestart())

	job := e.sup.jobFor("a.test")
	assert.Equal(t, "ok", job.LastRV)
	assert.True(t, job.NeedRestart)
	assert.True(t, job.Renewed)
	// the next look lands inside the renewal window of the new cert
	assert.True(t, job.NextCheck.After(time.Now().Add(24*time.Hour)))
	assert.True(t, job.NextCheck.Before(chain[0].NotAfter))
}

// A second tick on a complete MD performs no network requests.
func TestTickIdempotentWhenComplete(t *testing.T) {
	e := newSupEnv(t)
	require.NoError(t, e.sup.Tick(context.Background()))

	before := e.ca.Requests("")
	require.NoError(t, e.sup.Tick(context.Background()))
	assert.Equal(t, before, e.ca.Requests(""), "no network traffic for a complete MD")
}

// A failed authorization backs off quadratically and leaves DOMAINS
// alone.
func TestTickChallengeFailedBackoff(t *testing.T) {
	e := newSupEnv(t)
	e.ca.FailAuthzDetail = "Fetching http://a.test/.well-known/acme-challenge/x: Timeout"

	start := time.Now()
	require.NoError(t, e.sup.Tick(context.Background()))

	job := e.sup.jobFor("a.test")
	assert.Equal(t, string(md.KindChallengeFailed), job.LastRV)
	assert.Contains(t, job.LastDetail, "Timeout")
	assert.Equal(t, 1, job.ErrorRuns)
	assert.WithinDuration(t, start.Add(time.Minute), job.NextCheck, 10*time.Second)

	_, err := os.Stat(e.domainsPath("a.test", "pubcert.pem"))
	assert.True(t, os.IsNotExist(err), "DOMAINS unchanged")

	// before next_check, a tick is a no-op
	before := e.ca.Requests("")
	require.NoError(t, e.sup.Tick(context.Background()))
	assert.Equal(t, before, e.ca.Requests(""))
}

// A rate-limited CA defers the MD by Retry-After.
func TestTickRateLimitedDefers(t *testing.T) {
	e := newSupEnv(t)
	e.ca.RateLimitNewOrder = 600

	start := time.Now()
	require.NoError(t, e.sup.Tick(context.Background()))

	job := e.sup.jobFor("a.test")
	assert.Equal(t, string(md.KindRateLimited), job.LastRV)
	assert.WithinDuration(t, start.Add(600*time.Second), job.NextCheck, 10*time.Second)

	_, err := e.st.Load(store.Staging, "a.test", "order.json")
	assert.True(t, store.IsNotExist(err), "no order staged")

	before := e.ca.Requests("")
	require.NoError(t, e.sup.Tick(context.Background()))
	assert.Equal(t, before, e.ca.Requests(""), "tick before the deadline is a no-op")
}

// A mismatching SAN set purges staging and records the failure.
func TestTickCertMismatch(t *testing.T) {
	e := newSupEnv(t, "a.test", "b.test")
	e.ca.LeafDNSNames = []string{"a.test"}

	require.NoError(t, e.sup.Tick(context.Background()))

	job := e.sup.jobFor("a.test")
	assert.Equal(t, string(md.KindCertMismatch), job.LastRV)
	_, err := os.Stat(e.domainsPath("a.test", "pubcert.pem"))
	assert.True(t, os.IsNotExist(err))
	_, err = e.st.Load(store.Staging, "a.test", "pubcert.pem")
	assert.True(t, store.IsNotExist(err))
}

// a renewal after failure succeeds and resets the error bookkeeping.
func TestTickRecoversAfterFailure(t *testing.T) {
	e := newSupEnv(t)
	e.ca.FailAuthzDetail = "transient validation trouble"
	require.NoError(t, e.sup.Tick(context.Background()))
	job := e.sup.jobFor("a.test")
	require.Equal(t, 1, job.ErrorRuns)

	e.ca.FailAuthzDetail = ""
	job.NextCheck = time.Time{} // due immediately
	require.NoError(t, e.sup.Tick(context.Background()))

	job = e.sup.jobFor("a.test")
	assert.Equal(t, "ok", job.LastRV)
	assert.Equal(t, 0, job.ErrorRuns)
	_, err := os.Stat(e.domainsPath("a.test", "pubcert.pem"))
	assert.NoError(t, err)
}

// A CA that rejects the account as unauthorized gets a freshly
// registered one, and the renewal still completes in the same run.
func TestTickRecreatesRejectedAccount(t *testing.T) {
	e := newSupEnv(t)
	e.ca.UnauthorizedOnce = true

	require.NoError(t, e.sup.Tick(context.Background()))

	assert.Equal(t, 2, e.ca.Requests("/new-account"), "a replacement account is registered")
	job := e.sup.jobFor("a.test")
	assert.Equal(t, "ok", job.LastRV)
	_, err := os.Stat(e.domainsPath("a.test", "pubcert.pem"))
	assert.NoError(t, err)
}

func TestRestartProcessed(t *testing.T) {
	e := newSupEnv(t)
	require.NoError(t, e.sup.Tick(context.Background()))
	require.True(t, e.sup.NeedRestart())

	e.sup.RestartProcessed()
	assert.False(t, e.sup.NeedRestart())

	job := e.sup.jobFor("a.test")
	assert.True(t, job.RestartProcessed)
	assert.True(t, job.RenewalNotified)
}

func TestSetMDsRejectsInvalid(t *testing.T) {
	e := newSupEnv(t)
	err := e.sup.SetMDs([]*md.MD{{Name: "bad"}})
	assert.Error(t, err, "an MD without names must be rejected")
}

func TestSetMDsAppliesDefaults(t *testing.T) {
	e := newSupEnv(t)
	require.NoError(t, e.sup.SetMDs([]*md.MD{{Name: "x.test", Domains: []string{"x.test"}}}))
	mds := e.sup.MDs()
	require.Len(t, mds, 1)
	assert.Equal(t, e.ca.DirectoryURL(), mds[0].CAURL)
	assert.Equal(t, []string{"mailto:x@a.test"}, mds[0].Contacts)
}

func TestStatusView(t *testing.T) {
	e := newSupEnv(t)
	require.NoError(t, e.sup.Tick(context.Background()))

	st, ok := e.sup.StatusOf("a.test")
	require.True(t, ok)
	assert.Equal(t, md.StateComplete, st.State)
	assert.Equal(t, "ok", st.LastOutcome)
	assert.False(t, st.CertExpires.IsZero())
	assert.NotEmpty(t, st.ExpiresIn)
	assert.NotEmpty(t, st.CertIssuer)
	assert.False(t, st.Staged, "staging was promoted away")
	assert.True(t, st.NeedRestart)

	_, ok = e.sup.StatusOf("nope")
	assert.False(t, ok)

	all := e.sup.Status()
	require.Len(t, all, 1)
	assert.Equal(t, "a.test", all[0].Name)
}
