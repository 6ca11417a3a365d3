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

// Package driver runs one ACME order for one managed domain from
// "needs certificate" to "certificate staged for activation". Every
// state transition is durable in the STAGING store group before the
// next network call, so a process restart re-enters the machine at
// the same logical position.
package driver

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	md "github.com/mkauf/mod-md"
	"github.com/mkauf/mod-md/acme"
	"github.com/mkauf/mod-md/challenge"
	"github.com/mkauf/mod-md/store"
)

// Artifact names in STAGING/<md>.
const (
	artifactOrder = "order.json"
	artifactKey   = "privkey.pem"
	artifactCSR   = "csr.der"
	artifactChain = "pubcert.pem"
	artifactMD    = "md.json"
)

// The driver's coarse activity labels, surfaced by the status view.
const (
	PhaseSetupOrder        = "setup order"
	PhaseStartChallenges   = "start challenges"
	PhaseMonitorChallenges = "monitor challenges"
	PhaseFinalizeOrder     = "finalize order"
	PhaseGetCertificate    = "get certificate"
)

// DefaultMonitorTimeout bounds one driver run when the caller does not
// configure a deadline.
const DefaultMonitorTimeout = 10 * time.Minute

// pollStart and pollCap set the authorization/order polling schedule:
// starting delay, doubling, capped.
const (
	pollStart = 1 * time.Second
	pollCap   = 8 * time.Second
)

// Driver advances one MD through a single ACME order. It is not safe
// for concurrent use; the supervisor guarantees per-MD exclusivity via
// the store lock.
type Driver struct {
	MD        *md.MD
	Account   *acme.Account
	Client    *acme.Client
	Store     store.Store
	Responder challenge.Responder
	Logger    *zap.Logger

	// MonitorTimeout is the absolute deadline for one Run; polling
	// loops stop when it passes and the on-disk state stays
	// resumable.
	MonitorTimeout time.Duration

	// now and sleep are swapped by tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	phase string
}

// New builds a driver for one MD. client must already be bound to the
// account (KID set).
func New(m *md.MD, acct *acme.Account, client *acme.Client, s store.Store, responder challenge.Responder, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		MD:             m,
		Account:        acct,
		Client:         client,
		Store:          s,
		Responder:      responder,
		Logger:         logger.With(zap.String("md", m.Name)),
		MonitorTimeout: DefaultMonitorTimeout,
	}
}

// Phase returns the driver's current activity label.
func (d *Driver) Phase() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

func (d *Driver) setPhase(phase string) {
	d.mu.Lock()
	d.phase = phase
	d.mu.Unlock()
	d.Logger.Debug("phase", zap.String("phase", phase))
}

func (d *Driver) timeNow() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now()
}

func (d *Driver) wait(ctx context.Context, dur time.Duration) error {
	if d.sleep != nil {
		return d.sleep(ctx, dur)
	}
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// phaseErr labels err with the current phase and converts context
// expiry into the resumable Timeout kind.
func (d *Driver) phaseErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &md.Error{Kind: md.KindTimeout, Phase: d.Phase(), Err: err}
	}
	var e *md.Error
	if errors.As(err, &e) {
		return e.WithPhase(d.Phase())
	}
	return &md.Error{Kind: md.KindTransient, Phase: d.Phase(), Err: err}
}
