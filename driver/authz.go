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
	"errors"
	"fmt"

	"go.uber.org/zap"

	md "github.com/mkauf/mod-md"
	"github.com/mkauf/mod-md/acme"
	"github.com/mkauf/mod-md/challenge"
	"github.com/mkauf/mod-md/store"
)

// startChallenges runs the authorization sub-driver for every
// authorization of the order that is not already valid.
func (d *Driver) startChallenges(ctx context.Context, order *acme.Order) error {
	d.setPhase(PhaseStartChallenges)
	for _, authzURL := range order.Authorizations {
		if err := d.solveAuthz(ctx, authzURL); err != nil {
			return err
		}
	}
	return nil
}

// solveAuthz drives one authorization: pick a challenge, provision the
// response, signal readiness, poll to a terminal state. Response
// material is removed on every exit path.
func (d *Driver) solveAuthz(ctx context.Context, authzURL string) error {
	authz := new(acme.Authorization)
	if _, err := d.Client.PostAsGet(ctx, authzURL, authz); err != nil {
		return err
	}
	authz.URL = authzURL

	// keep a transient snapshot for debugging; the CA stays the
	// source of truth and success removes it again
	d.saveAuthz(authz)
	defer func() {
		d.Store.Remove(store.Staging, d.MD.Name, authzArtifact(authz))
	}()

	if authz.Status == acme.StatusValid {
		return nil
	}
	if authz.Status != acme.StatusPending {
		return md.Errorf(md.KindChallengeFailed, "", "authorization for %s is %s",
			authz.Identifier.Value, authz.Status)
	}

	// a CA connection hiccup during validation gets one more try
	err := d.attemptAuthz(ctx, authz)
	if err != nil && isConnectionProblem(err) {
		d.Logger.Info("retrying authorization after connection problem",
			zap.String("identifier", authz.Identifier.Value), zap.Error(err))
		refreshed := new(acme.Authorization)
		if _, rerr := d.Client.PostAsGet(ctx, authzURL, refreshed); rerr != nil {
			return rerr
		}
		refreshed.URL = authzURL
		if refreshed.Status == acme.StatusValid {
			return nil
		}
		if refreshed.Status == acme.StatusPending {
			return d.attemptAuthz(ctx, refreshed)
		}
	}
	return err
}

// attemptAuthz performs one provisioning + readiness + polling pass
// over a pending authorization.
func (d *Driver) attemptAuthz(ctx context.Context, authz *acme.Authorization) error {
	chal, typ, err := d.chooseChallenge(authz)
	if err != nil {
		return err
	}
	domain := authz.Identifier.Value

	keyAuthz, err := challenge.KeyAuthorization(chal.Token, d.Account.Key())
	if err != nil {
		return err
	}

	if err := d.Responder.Install(ctx, typ, domain, chal.Token, keyAuthz); err != nil {
		return md.NewError(md.KindChallengeSetup, d.Phase(),
			fmt.Errorf("installing %s response for %s: %v", typ, domain, err))
	}
	// material never outlives the authorization, regardless of outcome
	defer func() {
		if rerr := d.Responder.Remove(context.WithoutCancel(ctx), typ, domain, chal.Token); rerr != nil {
			d.Logger.Error("removing challenge response",
				zap.String("domain", domain), zap.Error(rerr))
		}
	}()

	if prober, ok := d.Responder.(challenge.Prober); ok && typ == challenge.HTTP01 {
		if err := prober.Probe(ctx, domain, chal.Token); err != nil {
			return md.NewError(md.KindChallengeSetup, d.Phase(), err)
		}
	}

	// empty JSON object signals readiness (RFC 8555 §7.5.1)
	if _, err := d.Client.PostJSON(ctx, chal.URL, struct{}{}, nil); err != nil {
		return err
	}

	return d.pollAuthz(ctx, authz)
}

// chooseChallenge intersects the MD's allowed challenge types with the
// CA's offer, in preference order.
func (d *Driver) chooseChallenge(authz *acme.Authorization) (*acme.Challenge, challenge.Type, error) {
	preference := make([]challenge.Type, 0, len(d.MD.ChallengeTypes))
	for _, t := range d.MD.ChallengeTypes {
		preference = append(preference, challenge.Type(t))
	}
	if len(preference) == 0 {
		preference = challenge.DefaultPreference
	}

	for _, typ := range preference {
		for i := range authz.Challenges {
			chal := &authz.Challenges[i]
			if challenge.Type(chal.Type) != typ {
				continue
			}
			if chal.Status != "" && chal.Status != acme.StatusPending && chal.Status != acme.StatusProcessing {
				continue
			}
			return chal, typ, nil
		}
	}
	offered := make([]string, len(authz.Challenges))
	for i, c := range authz.Challenges {
		offered[i] = c.Type
	}
	return nil, "", md.Errorf(md.KindChallengeSetup, d.Phase(),
		"no usable challenge type for %s (offered: %v)", authz.Identifier.Value, offered)
}

// pollAuthz polls the authorization with back-off until it is valid
// or invalid, or the deadline passes.
func (d *Driver) pollAuthz(ctx context.Context, authz *acme.Authorization) error {
	delay := pollStart
	for {
		refreshed := new(acme.Authorization)
		if _, err := d.Client.PostAsGet(ctx, authz.URL, refreshed); err != nil {
			return err
		}
		refreshed.URL = authz.URL

		switch refreshed.Status {
		case acme.StatusValid:
			d.Logger.Info("authorization valid",
				zap.String("identifier", refreshed.Identifier.Value))
			return nil
		case acme.StatusInvalid:
			*authz = *refreshed
			return authzFailure(refreshed)
		}

		if err := d.wait(ctx, delay); err != nil {
			return err
		}
		if delay *= 2; delay > pollCap {
			delay = pollCap
		}
	}
}

// authzArtifact names the staging snapshot of one authorization.
func authzArtifact(authz *acme.Authorization) string {
	return "authz-" + authz.Identifier.Value + ".json"
}

// saveAuthz stores a snapshot of the authorization; failures here are
// not fatal to the run.
func (d *Driver) saveAuthz(authz *acme.Authorization) {
	data, err := json.Marshal(authz)
	if err != nil {
		return
	}
	if err := d.Store.Save(store.Staging, d.MD.Name, authzArtifact(authz), data, false); err != nil {
		d.Logger.Debug("saving authorization snapshot", zap.Error(err))
	}
}

// authzFailure builds the ChallengeFailed error naming the failed
// identifier and the CA's problem document verbatim.
func authzFailure(authz *acme.Authorization) error {
	detail := "authorization failed"
	problemType := ""
	for _, chal := range authz.Challenges {
		if chal.Error != nil {
			detail = chal.Error.Detail
			problemType = chal.Error.Type
			break
		}
	}
	return &md.Error{
		Kind:        md.KindChallengeFailed,
		ProblemType: problemType,
		Detail:      fmt.Sprintf("%s: %s", authz.Identifier.Value, detail),
	}
}

// isConnectionProblem reports whether the authorization failed because
// the CA could not reach the responder.
func isConnectionProblem(err error) bool {
	var e *md.Error
	if !errors.As(err, &e) {
		return false
	}
	return e.ProblemType == "urn:ietf:params:acme:error:connection"
}
