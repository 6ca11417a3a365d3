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

package driver

import (
	"context"
	"encoding/json"
	"strings"
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

type env struct {
	ca   *acmetest.CA
	st   *store.MemoryStore
	resp *challenge.MemoryResponder
	m    *md.MD
	acct *acme.Account
}

func newEnv(t *testing.T, domains ...string) *env {
	t.Helper()
	if len(domains) == 0 {
		domains = []string{"a.test"}
	}
	e := &env{
		ca:   acmetest.New(t),
		st:   store.NewMemoryStore(),
		resp: challenge.NewMemoryResponder(),
		m: &md.MD{
			Name:           domains[0],
			Domains:        domains,
			Contacts:       []string{"mailto:x@a.test"},
			ChallengeTypes: []string{"http-01"},
			KeySpec:        md.ECP256,
			State:          md.StateIncomplete,
		},
	}
	e.m.CAURL = e.ca.DirectoryURL()

	am := &acme.AccountManager{Store: e.st}
	acct, err := am.SelectOrCreate(context.Background(), e.m.CAURL, e.m.Contacts, true, nil)
	require.NoError(t, err)
	e.acct = acct
	return e
}

func (e *env) newDriver(t *testing.T, timeout time.Duration) *Driver {
	t.Helper()
	client := acme.NewClient(e.m.CAURL, e.acct.Key(), nil)
	client.KID = e.acct.URL

	d := New(e.m, e.acct, client, e.st, e.resp, nil)
	d.MonitorTimeout = timeout
	// polls resolve immediately against the fake CA
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	return d
}

func (e *env) stagedChain(t *testing.T) []byte {
	t.Helper()
	chain, err := e.st.Load(store.Staging, e.m.Name, "pubcert.pem")
	require.NoError(t, err)
	return chain
}

// The happy path: a single-name order driven end to end over
// HTTP-01, leaving a verified artifact set staged.
func TestRunHappyPath(t *testing.T) {
	e := newEnv(t)
	d := e.newDriver(t, time.Minute)

	require.NoError(t, Run(context.Background(), d))

	// staged artifact set is complete
	chainPEM := e.stagedChain(t)
	chain, err := acme.ParseChainPEM(chainPEM)
	require.NoError(t, err)
	assert.Len(t, chain, 2, "leaf plus issuer")
	assert.Equal(t, []string{"a.test"}, chain[0].DNSNames)

	keyPEM, err := e.st.Load(store.Staging, e.m.Name, "privkey.pem")
	require.NoError(t, err)
	key, err := acme.ParsePrivateKeyPEM(keyPEM)
	require.NoError(t, err)
	assert.NoError(t, acme.VerifyChain(chain, key, e.m.Domains, time.Now()))

	var staged md.MD
	data, err := e.st.Load(store.Staging, e.m.Name, "md.json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &staged))
	assert.Equal(t, md.StateComplete, staged.State)

	// the completed order's bookkeeping is gone
	_, err = e.st.Load(store.Staging, e.m.Name, "order.json")
	assert.True(t, store.IsNotExist(err))
	_, err = e.st.Load(store.Staging, e.m.Name, "csr.der")
	assert.True(t, store.IsNotExist(err))

	// responder cleanup invariant
	assert.Equal(t, 0, e.resp.InstalledCount())
}

// A process that dies after finalize but before the certificate
// download resumes from disk with the same key.
func TestRunResumesAfterCrashMidFinalize(t *testing.T) {
	e := newEnv(t)
	e.ca.FinalizeDelayPolls = 1 << 30

	d := e.newDriver(t, 2*time.Second)
	err := Run(context.Background(), d)
	require.Error(t, err)
	assert.True(t, md.IsKind(err, md.KindTimeout), "got %v", err)

	// on-disk state: order processing, certificate not yet known
	order, err := store.LoadJSON[*acme.Order](e.st, store.Staging, e.m.Name, "order.json", acme.OrderFromJSON)
	require.NoError(t, err)
	assert.Equal(t, acme.StatusProcessing, order.Status)
	assert.Empty(t, order.Certificate)

	keyBefore, err := e.st.Load(store.Staging, e.m.Name, "privkey.pem")
	require.NoError(t, err)

	// "restart": CA finished in the meantime, fresh driver resumes
	e.ca.CompleteProcessing()
	d2 := e.newDriver(t, time.Minute)
	require.NoError(t, Run(context.Background(), d2))

	keyAfter, err := e.st.Load(store.Staging, e.m.Name, "privkey.pem")
	require.NoError(t, err)
	assert.Equal(t, keyBefore, keyAfter, "the key must survive the crash")

	chain, err := acme.ParseChainPEM(e.stagedChain(t))
	require.NoError(t, err)
	key, err := acme.ParsePrivateKeyPEM(keyAfter)
	require.NoError(t, err)
	assert.NoError(t, acme.VerifyChain(chain, key, e.m.Domains, time.Now()))
	assert.Equal(t, 0, e.resp.InstalledCount())
}

// A badNonce rejection costs exactly one extra transport attempt.
func TestRunRetriesBadNonce(t *testing.T) {
	e := newEnv(t)
	e.ca.BadNonceOnce = true

	d := e.newDriver(t, time.Minute)
	require.NoError(t, Run(context.Background(), d))

	assert.Equal(t, 2, e.ca.Requests("/new-order"), "one badNonce failure, one retry")
	_, err := e.st.Load(store.Staging, e.m.Name, "pubcert.pem")
	assert.NoError(t, err)
}

// An authorization that goes invalid purges the order and surfaces
// the CA's detail verbatim.
func TestRunAuthorizationInvalid(t *testing.T) {
	e := newEnv(t)
	e.ca.FailAuthzDetail = "Fetching http://a.test/.well-known/acme-challenge/x: Timeout"

	d := e.newDriver(t, time.Minute)
	err := Run(context.Background(), d)
	require.Error(t, err)
	assert.True(t, md.IsKind(err, md.KindChallengeFailed), "got %v", err)
	assert.Contains(t, err.Error(), "Timeout")
	assert.Contains(t, err.Error(), "a.test")

	// STAGING holds no order, no key, no csr
	for _, artifact := range []string{"order.json", "privkey.pem", "csr.der"} {
		_, err := e.st.Load(store.Staging, e.m.Name, artifact)
		assert.True(t, store.IsNotExist(err), artifact)
	}
	assert.Equal(t, 0, e.resp.InstalledCount())
}

// A rate-limited newOrder stages nothing and surfaces Retry-After.
func TestRunRateLimited(t *testing.T) {
	e := newEnv(t)
	e.ca.RateLimitNewOrder = 600

	d := e.newDriver(t, time.Minute)
	err := Run(context.Background(), d)
	require.Error(t, err)
	assert.True(t, md.IsKind(err, md.KindRateLimited))
	assert.Equal(t, 600*time.Second, md.RetryAfterOf(err))
	assert.Equal(t, 1, e.ca.Requests("/new-order"), "no immediate retry")

	_, err = e.st.Load(store.Staging, e.m.Name, "order.json")
	assert.True(t, store.IsNotExist(err))
}

// An issued chain whose SAN set does not cover the MD is rejected.
func TestRunCertMismatch(t *testing.T) {
	e := newEnv(t, "a.test", "b.test")
	e.ca.LeafDNSNames = []string{"a.test"} // b.test missing

	d := e.newDriver(t, time.Minute)
	err := Run(context.Background(), d)
	require.Error(t, err)
	assert.True(t, md.IsKind(err, md.KindCertMismatch), "got %v", err)

	_, err = e.st.Load(store.Staging, e.m.Name, "order.json")
	assert.True(t, store.IsNotExist(err), "staging purged")
	_, err = e.st.Load(store.Staging, e.m.Name, "pubcert.pem")
	assert.True(t, store.IsNotExist(err))
	assert.Equal(t, 0, e.resp.InstalledCount())
}

// the responder-refuses path fails the run but keeps the order.
func TestRunChallengeSetupFailure(t *testing.T) {
	e := newEnv(t)
	e.resp.Refuse = true

	d := e.newDriver(t, time.Minute)
	err := Run(context.Background(), d)
	require.Error(t, err)
	assert.True(t, md.IsKind(err, md.KindChallengeSetup), "got %v", err)

	// order stays for the next tick
	_, err = e.st.Load(store.Staging, e.m.Name, "order.json")
	assert.NoError(t, err)
	assert.Equal(t, 0, e.resp.InstalledCount())
}

// a staged order the CA no longer knows is purged and replaced.
func TestRunReplacesForgottenOrder(t *testing.T) {
	e := newEnv(t)

	base := strings.TrimSuffix(e.ca.DirectoryURL(), "/directory")
	stale := &acme.Order{URL: base + "/order/999", Status: acme.StatusPending}
	data, err := stale.ToJSON()
	require.NoError(t, err)
	require.NoError(t, e.st.Save(store.Staging, e.m.Name, "order.json", data, false))

	d := e.newDriver(t, time.Minute)
	require.NoError(t, Run(context.Background(), d))
	_, err = e.st.Load(store.Staging, e.m.Name, "pubcert.pem")
	assert.NoError(t, err)
}

// a corrupt staged order means abandon and restart, not an error.
func TestRunPurgesCorruptOrder(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.st.Save(store.Staging, e.m.Name, "order.json", []byte("not json"), false))

	d := e.newDriver(t, time.Minute)
	require.NoError(t, Run(context.Background(), d))
	_, err := e.st.Load(store.Staging, e.m.Name, "pubcert.pem")
	assert.NoError(t, err)
}

// deterministic identifier ordering: the same name set always yields
// the same newOrder payload bytes.
func TestNewOrderPayloadDeterministic(t *testing.T) {
	payloadFor := func(domains []string) []byte {
		m := &md.MD{Name: "x", Domains: domains}
		names := m.SortedDomains()
		identifiers := make([]acme.Identifier, len(names))
		for i, name := range names {
			identifiers[i] = acme.Identifier{Type: "dns", Value: name}
		}
		data, err := json.Marshal(struct {
			Identifiers []acme.Identifier `json:"identifiers"`
		}{identifiers})
		require.NoError(t, err)
		return data
	}

	a := payloadFor([]string{"b.test", "a.test", "C.test"})
	b := payloadFor([]string{"c.test", "B.test", "a.test"})
	assert.Equal(t, string(a), string(b))
}

func TestPhaseLabels(t *testing.T) {
	e := newEnv(t)
	d := e.newDriver(t, time.Minute)

	assert.Empty(t, d.Phase())
	require.NoError(t, Run(context.Background(), d))
	assert.Equal(t, PhaseGetCertificate, d.Phase())
}
