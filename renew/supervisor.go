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

// Package renew supervises managed domains: it decides when each MD
// needs work, runs the order driver with per-MD exclusivity, promotes
// staged artifacts, and asks the host for a graceful reload when new
// certificates become available.
package renew

import (
	"context"
	"crypto"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	md "github.com/mkauf/mod-md"
	"github.com/mkauf/mod-md/acme"
	"github.com/mkauf/mod-md/challenge"
	"github.com/mkauf/mod-md/driver"
	"github.com/mkauf/mod-md/store"
)

// DefaultCheckInterval is how often the supervisor scans MDs when the
// caller does not configure a tick interval.
const DefaultCheckInterval = 12 * time.Hour

// farFuture is the next_check of a stalled MD; it only moves again
// when the configuration changes.
var farFuture = time.Unix(1<<40, 0)

// Config carries the recognized renewal options shared by MDs that do
// not override them.
type Config struct {
	CAURL          string
	Contacts       []string
	TOSAccepted    bool
	RenewWindow    md.RenewWindow
	ChallengeTypes []string
	KeySpec        md.KeySpec
	MonitorTimeout time.Duration
	EAB            *acme.EAB

	// PoolSize bounds how many MDs are driven in parallel.
	PoolSize int
}

// Supervisor runs the periodic renewal tick over a set of MDs.
type Supervisor struct {
	Store     store.Store
	Responder challenge.Responder
	Config    Config
	Logger    *zap.Logger

	// Reload is called (coalesced) when a renewed certificate has
	// been promoted and the host should gracefully reload.
	Reload func()

	// Metrics, when set, records renewal outcomes and expiries.
	Metrics *Metrics

	// ClientFor builds the ACME transport; tests override it.
	ClientFor func(caURL string, key crypto.Signer) *acme.Client

	// now is swapped by tests.
	now func() time.Time

	mu      sync.Mutex
	mds     map[string]*md.MD
	jobs    map[string]*md.Job
	drivers map[string]*driver.Driver
	pending bool // a restart request not yet passed to Reload
}

// NewSupervisor creates a supervisor over the given store and
// responder.
func NewSupervisor(s store.Store, responder challenge.Responder, cfg Config, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	return &Supervisor{
		Store:     s,
		Responder: responder,
		Config:    cfg,
		Logger:    logger,
		mds:       make(map[string]*md.MD),
		jobs:      make(map[string]*md.Job),
		drivers:   make(map[string]*driver.Driver),
	}
}

func (s *Supervisor) timeNow() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// SetMDs installs the configured MD set, replacing the previous one.
// The host integration calls this at startup and after each reload.
func (s *Supervisor) SetMDs(mds []*md.MD) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mds = make(map[string]*md.MD, len(mds))
	for _, m := range mds {
		m := m.Clone()
		if m.CAURL == "" {
			m.CAURL = s.Config.CAURL
		}
		if len(m.Contacts) == 0 {
			m.Contacts = s.Config.Contacts
		}
		if len(m.ChallengeTypes) == 0 {
			m.ChallengeTypes = s.Config.ChallengeTypes
		}
		if m.KeySpec == "" {
			m.KeySpec = s.Config.KeySpec
		}
		if m.RenewWindow.IsZero() {
			m.RenewWindow = s.Config.RenewWindow
		}
		if err := m.Validate(); err != nil {
			return err
		}
		s.mds[m.Name] = m
		// a fresh definition un-stalls the job
		if j, ok := s.jobs[m.Name]; ok && j.Stalled {
			j.Stalled = false
			j.NextCheck = time.Time{}
		}
	}
	return nil
}

// MDs returns the configured MDs sorted by name.
func (s *Supervisor) MDs() []*md.MD {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*md.MD, 0, len(s.mds))
	for _, m := range s.mds {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run ticks until the context is done.
func (s *Supervisor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// one pass right away, so certificates missing at startup are
	// obtained without waiting a full interval
	if err := s.Tick(ctx); err != nil {
		s.Logger.Error("renewal tick", zap.Error(err))
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				s.Logger.Error("renewal tick", zap.Error(err))
			}
		}
	}
}

// Tick scans every MD once and drives those that are due, at most
// PoolSize in parallel. It returns only the context's error: per-MD
// failures, store failures included, are recorded in their jobs or
// logged, and do not stop the other MDs of the tick.
func (s *Supervisor) Tick(ctx context.Context) error {
	now := s.timeNow()

	var due []*md.MD
	for _, m := range s.MDs() {
		job := s.jobFor(m.Name)
		if job.Stalled {
			continue
		}
		if !job.NextCheck.IsZero() && now.Before(job.NextCheck) {
			continue
		}
		needed, state := s.needsWork(m, now)
		s.updateState(m, state)
		if !needed {
			job.NextCheck = s.renewAt(m)
			s.saveJob(m.Name, job)
			continue
		}
		due = append(due, m)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Config.PoolSize)
	for _, m := range due {
		m := m
		g.Go(func() error {
			s.renewOne(gctx, m)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.mu.Lock()
	fire := s.pending && s.Reload != nil
	if fire {
		s.pending = false
	}
	reload := s.Reload
	s.mu.Unlock()
	if fire {
		// coalesced: many MDs may have renewed during this tick
		reload()
	}
	return ctx.Err()
}

// renewOne drives a single MD under its store lock.
func (s *Supervisor) renewOne(ctx context.Context, m *md.MD) {
	logger := s.Logger.With(zap.String("md", m.Name))

	if err := s.Store.TryLock(m.Name); err != nil {
		if errors.Is(err, store.ErrLocked) {
			logger.Debug("already being driven elsewhere; skipping")
			return
		}
		logger.Error("acquiring md lock", zap.Error(err))
		return
	}
	defer func() {
		if err := s.Store.Unlock(m.Name); err != nil {
			logger.Error("releasing md lock", zap.Error(err))
		}
	}()

	s.updateState(m, md.StateRenewing)

	err := s.driveWithAccount(ctx, m)
	now := s.timeNow()
	job := s.jobFor(m.Name)

	if err != nil {
		kind := md.KindOf(err)
		job.RecordFailure(now, kind, err.Error())
		job.NextCheck = s.nextCheckAfterFailure(job, err, now)
		s.saveJob(m.Name, job)
		s.updateState(m, md.StateError)
		if s.Metrics != nil {
			s.Metrics.RecordRenewal(m.Name, string(kind))
		}
		logger.Error("renewal failed",
			zap.String("kind", string(kind)),
			zap.Time("next_check", job.NextCheck),
			zap.Error(err))
		return
	}

	job.RecordSuccess(now)
	job.NeedRestart = true
	job.RestartAt = now
	// the renewal window of the staged certificate sets the next look
	if exp, notBefore, werr := s.certWindow(store.Staging, m.Name); werr == nil {
		job.NextCheck = exp.Add(-m.RenewWindow.Before(notBefore, exp))
	}
	// saved into STAGING so the bookkeeping promotes together with
	// the artifacts it describes
	s.saveJobIn(store.Staging, m.Name, job)

	if err := s.promote(m); err != nil {
		job.RecordFailure(now, md.KindStoreIO, err.Error())
		job.NextCheck = now.Add(job.ErrorBackoff())
		s.saveJob(m.Name, job)
		logger.Error("promoting staged certificate", zap.Error(err))
		return
	}
	s.updateState(m, md.StateComplete)

	s.mu.Lock()
	s.pending = true
	s.mu.Unlock()

	if s.Metrics != nil {
		s.Metrics.RecordRenewal(m.Name, "ok")
		if exp, _, err := s.certInfo(store.Domains, m.Name); err == nil {
			s.Metrics.SetExpiry(m.Name, exp)
		}
	}
	logger.Info("certificate renewed and promoted",
		zap.Time("next_check", job.NextCheck))
}

// driveWithAccount selects the account and runs the order driver,
// recreating the account once when the CA rejects it.
func (s *Supervisor) driveWithAccount(ctx context.Context, m *md.MD) error {
	am := &acme.AccountManager{Store: s.Store, Logger: s.Logger, ClientFor: s.ClientFor}

	for attempt := 0; ; attempt++ {
		acct, err := am.SelectOrCreate(ctx, m.CAURL, m.Contacts, s.Config.TOSAccepted, s.Config.EAB)
		if err != nil {
			return err
		}
		m.AccountID = acct.ID

		client := s.clientFor(m.CAURL, acct.Key())
		client.KID = acct.URL

		d := driver.New(m, acct, client, s.Store, s.Responder, s.Logger)
		if s.Config.MonitorTimeout > 0 {
			d.MonitorTimeout = s.Config.MonitorTimeout
		}
		s.mu.Lock()
		s.drivers[m.Name] = d
		s.mu.Unlock()

		err = driver.Run(ctx, d)
		if (md.IsKind(err, md.KindBadAccount) || md.IsKind(err, md.KindUnauthorized)) && attempt == 0 {
			// the account is gone at the CA or no longer accepted:
			// invalidate, register fresh, and retry once
			s.Logger.Warn("account rejected by CA; registering a new one",
				zap.String("md", m.Name),
				zap.String("kind", string(md.KindOf(err))))
			am.Invalidate(acct)
			continue
		}
		return err
	}
}

func (s *Supervisor) clientFor(caURL string, key crypto.Signer) *acme.Client {
	if s.ClientFor != nil {
		return s.ClientFor(caURL, key)
	}
	return acme.NewClient(caURL, key, s.Logger)
}

// promote moves the staged artifact set into DOMAINS, all or nothing.
func (s *Supervisor) promote(m *md.MD) error {
	return s.Store.Move(store.Staging, store.Domains, m.Name)
}

// nextCheckAfterFailure applies the §7 policies: honor Retry-After,
// stall on fatal, quadratic back-off otherwise.
func (s *Supervisor) nextCheckAfterFailure(job *md.Job, err error, now time.Time) time.Time {
	if md.IsKind(err, md.KindFatal) {
		return farFuture
	}
	if ra := md.RetryAfterOf(err); ra > 0 {
		return now.Add(ra)
	}
	return now.Add(job.ErrorBackoff())
}

// renewAt computes when the MD's current certificate enters its
// renewal window; zero when there is no certificate.
func (s *Supervisor) renewAt(m *md.MD) time.Time {
	exp, notBefore, err := s.certWindow(store.Domains, m.Name)
	if err != nil {
		return time.Time{}
	}
	return exp.Add(-m.RenewWindow.Before(notBefore, exp))
}

// needsWork decides whether the MD must be driven now and what state
// tag describes it.
func (s *Supervisor) needsWork(m *md.MD, now time.Time) (bool, md.State) {
	chainPEM, err := s.Store.Load(store.Domains, m.Name, "pubcert.pem")
	if err != nil {
		return true, md.StateIncomplete
	}
	keyPEM, err := s.Store.Load(store.Domains, m.Name, "privkey.pem")
	if err != nil {
		return true, md.StateIncomplete
	}
	chain, err := acme.ParseChainPEM(chainPEM)
	if err != nil {
		return true, md.StateIncomplete
	}
	key, err := acme.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return true, md.StateIncomplete
	}
	leaf := chain[0]

	if err := acme.VerifyChain(chain, key, m.Domains, now); err != nil {
		if now.After(leaf.NotAfter) {
			return true, md.StateExpired
		}
		// covers configuration changes: the name set no longer fits
		return true, md.StateIncomplete
	}
	if now.After(leaf.NotAfter.Add(-m.RenewWindow.Before(leaf.NotBefore, leaf.NotAfter))) {
		return true, md.StateComplete
	}
	return false, md.StateComplete
}

// updateState tracks the MD's state tag, persisting it only when the
// MD already has a promoted record to update.
func (s *Supervisor) updateState(m *md.MD, state md.State) {
	if m.State == state {
		return
	}
	m.State = state
	if _, err := s.Store.Load(store.Domains, m.Name, "md.json"); err != nil {
		return
	}
	data, err := m.ToJSON()
	if err != nil {
		return
	}
	if err := s.Store.Save(store.Domains, m.Name, "md.json", data, false); err != nil {
		s.Logger.Debug("persisting md state", zap.String("md", m.Name), zap.Error(err))
	}
}

// certWindow loads the stored chain's validity window.
func (s *Supervisor) certWindow(group store.Group, name string) (notAfter, notBefore time.Time, err error) {
	chainPEM, err := s.Store.Load(group, name, "pubcert.pem")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	chain, err := acme.ParseChainPEM(chainPEM)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return chain[0].NotAfter, chain[0].NotBefore, nil
}

// certInfo loads the stored leaf's expiry and issuer.
func (s *Supervisor) certInfo(group store.Group, name string) (time.Time, string, error) {
	chainPEM, err := s.Store.Load(group, name, "pubcert.pem")
	if err != nil {
		return time.Time{}, "", err
	}
	chain, err := acme.ParseChainPEM(chainPEM)
	if err != nil {
		return time.Time{}, "", err
	}
	return chain[0].NotAfter, chain[0].Issuer.CommonName, nil
}

// jobFor returns the MD's job, loading it from the store on first
// use: staging first (an in-progress renewal), then domains (where
// promotion put it).
func (s *Supervisor) jobFor(name string) *md.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[name]; ok {
		return job
	}
	for _, group := range []store.Group{store.Staging, store.Domains} {
		job, err := store.LoadJSON(s.Store, group, name, "job.json", md.JobFromJSON)
		if err == nil {
			s.jobs[name] = job
			return job
		}
	}
	job := new(md.Job)
	s.jobs[name] = job
	return job
}

// saveJob persists the job next to the MD's current artifact set:
// STAGING while a renewal is in flight (or nothing is promoted yet),
// DOMAINS once the MD lives there.
func (s *Supervisor) saveJob(name string, job *md.Job) {
	group := store.Staging
	if _, err := s.Store.Load(store.Staging, name, "order.json"); err != nil {
		if _, derr := s.Store.Load(store.Domains, name, "md.json"); derr == nil {
			group = store.Domains
		}
	}
	s.saveJobIn(group, name, job)
}

func (s *Supervisor) saveJobIn(group store.Group, name string, job *md.Job) {
	s.mu.Lock()
	s.jobs[name] = job
	s.mu.Unlock()
	data, err := job.ToJSON()
	if err != nil {
		return
	}
	if err := s.Store.Save(group, name, "job.json", data, false); err != nil {
		s.Logger.Error("persisting job", zap.String("md", name), zap.Error(err))
	}
}

// NeedRestart reports whether any MD has requested a host reload that
// has not been processed yet.
func (s *Supervisor) NeedRestart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.NeedRestart && !job.RestartProcessed {
			return true
		}
	}
	return false
}

// RestartProcessed marks all pending restart requests as handled; the
// host integration calls it after a successful reload.
func (s *Supervisor) RestartProcessed() {
	s.mu.Lock()
	names := make([]string, 0, len(s.jobs))
	for name, job := range s.jobs {
		if job.NeedRestart && !job.RestartProcessed {
			job.RestartProcessed = true
			job.RenewalNotified = true
			names = append(names, name)
		}
	}
	s.mu.Unlock()
	for _, name := range names {
		s.saveJob(name, s.jobFor(name))
	}
}
