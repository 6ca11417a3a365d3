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

package md

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMDRoundTrip(t *testing.T) {
	m := &MD{
		Name:           "a.test",
		Domains:        []string{"a.test", "www.a.test"},
		CAURL:          "https://acme-staging-v02.api.letsencrypt.org/directory",
		Contacts:       []string{"mailto:x@a.test"},
		RenewWindow:    RenewWindow{Duration: 720 * time.Hour},
		ChallengeTypes: []string{"http-01"},
		KeySpec:        ECP256,
		State:          StateIncomplete,
	}
	data, err := m.ToJSON()
	require.NoError(t, err)

	parsed, err := FromJSON(data)
	require.NoError(t, err)

	again, err := parsed.ToJSON()
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again), "parse-then-serialize must be byte-stable")
	assert.Equal(t, m, parsed)
}

func TestSortedDomains(t *testing.T) {
	m := &MD{Name: "x", Domains: []string{"Z.test", "a.test", "m.test"}}
	assert.Equal(t, []string{"a.test", "m.test", "z.test"}, m.SortedDomains())
	// input untouched
	assert.Equal(t, []string{"Z.test", "a.test", "m.test"}, m.Domains)
}

func TestCovers(t *testing.T) {
	m := &MD{Domains: []string{"a.test", "b.test"}}
	assert.True(t, m.Covers([]string{"A.test"}))
	assert.True(t, m.Covers([]string{"a.test", "b.test"}))
	assert.False(t, m.Covers([]string{"a.test", "c.test"}))
}

func TestParseRenewWindow(t *testing.T) {
	rw, err := ParseRenewWindow("720h")
	require.NoError(t, err)
	assert.Equal(t, 720*time.Hour, rw.Duration)

	rw, err = ParseRenewWindow("33%")
	require.NoError(t, err)
	assert.InDelta(t, 0.33, rw.Fraction, 0.001)

	_, err = ParseRenewWindow("150%")
	assert.Error(t, err)
	_, err = ParseRenewWindow("soon")
	assert.Error(t, err)
}

func TestRenewWindowBefore(t *testing.T) {
	notBefore := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	notAfter := notBefore.Add(90 * 24 * time.Hour)

	abs := RenewWindow{Duration: 30 * 24 * time.Hour}
	assert.Equal(t, 30*24*time.Hour, abs.Before(notBefore, notAfter))

	frac := RenewWindow{Fraction: 1.0 / 3.0}
	assert.Equal(t, 30*24*time.Hour, frac.Before(notBefore, notAfter))

	// zero value falls back to the default window
	var zero RenewWindow
	assert.Equal(t, 30*24*time.Hour, zero.Before(notBefore, notAfter))
}

func TestKeySpecValidate(t *testing.T) {
	for _, ks := range []KeySpec{"", RSA2048, RSA3072, RSA4096, ECP256, ECP384} {
		assert.NoError(t, ks.Validate(), string(ks))
	}
	assert.Error(t, KeySpec("dsa-1024").Validate())
	assert.Equal(t, 3072, RSA3072.RSABits())
	assert.Equal(t, 0, ECP384.RSABits())
}

func TestJobBackoff(t *testing.T) {
	j := &Job{}
	assert.Equal(t, time.Duration(0), j.ErrorBackoff())

	now := time.Now()
	j.RecordFailure(now, KindChallengeFailed, "Fetching http://…: Timeout")
	assert.Equal(t, 1, j.ErrorRuns)
	assert.Equal(t, time.Minute, j.ErrorBackoff())

	j.RecordFailure(now, KindChallengeFailed, "again")
	assert.Equal(t, 4*time.Minute, j.ErrorBackoff())

	j.ErrorRuns = 100
	assert.Equal(t, 24*time.Hour, j.ErrorBackoff())

	j.RecordSuccess(now)
	assert.Equal(t, 0, j.ErrorRuns)
	assert.Equal(t, "ok", j.LastRV)
	assert.True(t, j.Renewed)
}

func TestErrorKinds(t *testing.T) {
	err := Errorf(KindCertMismatch, "get certificate", "leaf does not cover %s", "b.test")
	assert.True(t, IsKind(err, KindCertMismatch))
	assert.Contains(t, err.Error(), "get certificate")
	assert.Contains(t, err.Error(), "b.test")

	rl := &Error{Kind: KindRateLimited, RetryAfter: 600 * time.Second}
	assert.Equal(t, 600*time.Second, RetryAfterOf(rl))
	assert.Equal(t, time.Duration(0), RetryAfterOf(err))

	// unknown errors count as transient
	assert.Equal(t, KindTransient, KindOf(assert.AnError))
}
