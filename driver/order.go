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
	"crypto"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	md "github.com/mkauf/mod-md"
	"github.com/mkauf/mod-md/acme"
	"github.com/mkauf/mod-md/store"
)

// Run carries the MD's order from whatever state is on disk to a
// certificate staged in STAGING, or returns a classified error. It is
// resumable: every transition is saved before the next network call.
func Run(ctx context.Context, d *Driver) error {
	if d.MonitorTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.MonitorTimeout)
		defer cancel()
	}
	return d.phaseErr(d.run(ctx))
}

func (d *Driver) run(ctx context.Context) error {
	d.setPhase(PhaseSetupOrder)

	order, err := d.setupOrder(ctx)
	if err != nil {
		return err
	}

	// one restart is allowed within a run, for the case where the
	// stored order turns out to be unusable (CA forgot it, or its
	// key material is gone)
	restarted := false
	for {
		switch order.Status {
		case acme.StatusPending:
			if err := d.startChallenges(ctx, order); err != nil {
				if md.IsKind(err, md.KindChallengeFailed) {
					// the order is lost; reclaim its key budget
					if perr := d.purgeOrder(); perr != nil {
						return perr
					}
				}
				return err
			}
			d.setPhase(PhaseMonitorChallenges)
			if err := d.pollOrder(ctx, order, acme.StatusReady, acme.StatusValid); err != nil {
				return err
			}

		case acme.StatusReady:
			d.setPhase(PhaseFinalizeOrder)
			if err := d.finalize(ctx, order); err != nil {
				return err
			}

		case acme.StatusProcessing:
			d.setPhase(PhaseFinalizeOrder)
			if err := d.pollOrder(ctx, order, acme.StatusValid); err != nil {
				return err
			}

		case acme.StatusValid:
			d.setPhase(PhaseGetCertificate)
			err := d.downloadCertificate(ctx, order)
			if err == nil {
				return nil
			}
			if isMissingKey(err) && !restarted {
				// a valid order whose key material is gone cannot
				// be completed; abandon it and start over
				restarted = true
				d.Logger.Warn("stored order is valid but key material is missing; restarting order")
				if perr := d.purgeOrder(); perr != nil {
					return perr
				}
				d.setPhase(PhaseSetupOrder)
				order, err = d.newOrder(ctx)
				if err != nil {
					return err
				}
				continue
			}
			return err

		case acme.StatusInvalid:
			detail := "order invalid"
			if order.Error != nil {
				detail = order.Error.Detail
			}
			if perr := d.purgeOrder(); perr != nil {
				return perr
			}
			return md.Errorf(md.KindChallengeFailed, d.Phase(), "%s", detail)

		default:
			return md.Errorf(md.KindTransient, d.Phase(), "order %s has unknown status %q", order.URL, order.Status)
		}
	}
}

// setupOrder loads the stored order or registers a new one, then
// refreshes it from the CA. A stored order that cannot be loaded, is
// unknown at the CA, or refreshes to INVALID is purged and replaced.
func (d *Driver) setupOrder(ctx context.Context) (*acme.Order, error) {
	order, err := d.loadOrder()
	if err != nil {
		if !store.IsNotExist(err) {
			// anything but a clean "absent" means: abandon and restart
			d.Logger.Warn("purging unreadable staged order", zap.Error(err))
			if perr := d.purgeOrder(); perr != nil {
				return nil, perr
			}
		}
		order = nil
	}

	if order != nil {
		refreshed, err := d.refreshOrder(ctx, order)
		switch {
		case err == nil && refreshed.Status != acme.StatusInvalid:
			return refreshed, nil
		case err == nil || isNotFoundAtCA(err):
			// CA no longer honors this order
			d.Logger.Info("staged order no longer usable at CA; starting over",
				zap.String("order", order.URL))
			if perr := d.purgeOrder(); perr != nil {
				return nil, perr
			}
		default:
			return nil, err
		}
	}

	return d.newOrder(ctx)
}

// newOrder registers an order for the MD's names. The identifier list
// is sorted so identical name sets always produce identical payloads.
func (d *Driver) newOrder(ctx context.Context) (*acme.Order, error) {
	dir, err := d.Client.Directory(ctx)
	if err != nil {
		return nil, err
	}

	names := d.MD.SortedDomains()
	identifiers := make([]acme.Identifier, len(names))
	for i, name := range names {
		identifiers[i] = acme.Identifier{Type: "dns", Value: name}
	}
	payload := struct {
		Identifiers []acme.Identifier `json:"identifiers"`
	}{identifiers}

	order := new(acme.Order)
	res, err := d.Client.PostJSON(ctx, dir.NewOrder, payload, order)
	if err != nil {
		return nil, err
	}
	if res.Location == "" {
		return nil, md.Errorf(md.KindTransient, "", "newOrder response without Location")
	}
	order.URL = res.Location

	d.Logger.Info("registered order",
		zap.String("order", order.URL),
		zap.Strings("names", names))
	if err := d.saveOrder(order); err != nil {
		return nil, err
	}
	return order, nil
}

// refreshOrder re-reads the order from the CA and persists the result.
func (d *Driver) refreshOrder(ctx context.Context, order *acme.Order) (*acme.Order, error) {
	refreshed := new(acme.Order)
	if _, err := d.Client.PostAsGet(ctx, order.URL, refreshed); err != nil {
		return nil, err
	}
	refreshed.URL = order.URL
	if err := d.saveOrder(refreshed); err != nil {
		return nil, err
	}
	return refreshed, nil
}

// finalize submits the CSR. The same key and CSR are reused across
// restarts; generating fresh ones for a live order would waste the
// CA's rate-limit budget.
func (d *Driver) finalize(ctx context.Context, order *acme.Order) error {
	_, csr, err := d.ensureKeyAndCSR(ctx)
	if err != nil {
		return err
	}
	payload := struct {
		CSR string `json:"csr"`
	}{base64.RawURLEncoding.EncodeToString(csr)}

	updated := new(acme.Order)
	if _, err := d.Client.PostJSON(ctx, order.Finalize, payload, updated); err != nil {
		return err
	}
	updated.URL = order.URL
	*order = *updated
	d.Logger.Info("finalized order", zap.String("order", order.URL), zap.String("status", order.Status))
	return d.saveOrder(order)
}

// downloadCertificate fetches and verifies the issued chain, stages
// it, and clears the completed order artifacts.
func (d *Driver) downloadCertificate(ctx context.Context, order *acme.Order) error {
	if order.Certificate == "" {
		return md.Errorf(md.KindTransient, "", "order %s valid, but certificate url is missing", order.URL)
	}

	key, _, err := d.loadKeyAndCSR()
	if err != nil {
		return err
	}

	res, err := d.Client.PostAsGet(ctx, order.Certificate, nil)
	if err != nil {
		return err
	}
	chain, err := acme.ParseChainPEM(res.Body)
	if err != nil {
		if perr := d.purgeOrder(); perr != nil {
			return perr
		}
		return md.Errorf(md.KindCertMismatch, "", "downloaded chain unparseable: %v", err)
	}
	if err := acme.VerifyChain(chain, key, d.MD.Domains, d.timeNow()); err != nil {
		if perr := d.purgeOrder(); perr != nil {
			return perr
		}
		return err
	}

	if err := d.Store.Save(store.Staging, d.MD.Name, artifactChain, acme.EncodeChainPEM(chain), false); err != nil {
		return storeErr(err)
	}

	staged := d.MD.Clone()
	staged.State = md.StateComplete
	data, err := staged.ToJSON()
	if err != nil {
		return err
	}
	if err := d.Store.Save(store.Staging, d.MD.Name, artifactMD, data, false); err != nil {
		return storeErr(err)
	}

	// the order is complete; only the artifact set to promote remains
	d.Store.Remove(store.Staging, d.MD.Name, artifactOrder)
	d.Store.Remove(store.Staging, d.MD.Name, artifactCSR)

	d.Logger.Info("certificate staged",
		zap.String("order", order.URL),
		zap.Int("chain_length", len(chain)),
		zap.Time("not_after", chain[0].NotAfter))
	return nil
}

// ensureKeyAndCSR returns the order's key and CSR, creating them once
// per order. A fresh key is materialized in TMP first, then kept in
// STAGING together with the CSR.
func (d *Driver) ensureKeyAndCSR(ctx context.Context) (crypto.Signer, []byte, error) {
	key, csr, err := d.loadKeyAndCSR()
	if err == nil {
		return key, csr, nil
	}
	if !store.IsNotExist(err) {
		return nil, nil, err
	}

	key, err = acme.GenerateKey(d.MD.KeySpec)
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err := acme.EncodePrivateKeyPEM(key)
	if err != nil {
		return nil, nil, err
	}
	if err := d.Store.Save(store.Temp, d.MD.Name, artifactKey, keyPEM, false); err != nil {
		return nil, nil, storeErr(err)
	}

	csr, err = acme.CreateCSR(key, d.MD.Domains)
	if err != nil {
		return nil, nil, err
	}
	if err := d.Store.Save(store.Staging, d.MD.Name, artifactKey, keyPEM, false); err != nil {
		return nil, nil, storeErr(err)
	}
	if err := d.Store.Save(store.Staging, d.MD.Name, artifactCSR, csr, false); err != nil {
		return nil, nil, storeErr(err)
	}
	d.Store.Purge(store.Temp, d.MD.Name)

	d.Logger.Info("generated certificate key and csr",
		zap.String("key_spec", string(d.MD.KeySpec)))
	return key, csr, nil
}

// loadKeyAndCSR loads the order's staged key and CSR.
func (d *Driver) loadKeyAndCSR() (crypto.Signer, []byte, error) {
	keyPEM, err := d.Store.Load(store.Staging, d.MD.Name, artifactKey)
	if err != nil {
		return nil, nil, err
	}
	key, err := acme.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: staged key: %v", store.ErrCorrupt, err)
	}
	csr, err := d.Store.Load(store.Staging, d.MD.Name, artifactCSR)
	if err != nil {
		return nil, nil, err
	}
	return key, csr, nil
}

// pollOrder refreshes the order with back-off until it reaches one of
// the wanted statuses, goes INVALID, or the deadline passes.
func (d *Driver) pollOrder(ctx context.Context, order *acme.Order, wanted ...string) error {
	delay := pollStart
	for {
		refreshed, err := d.refreshOrder(ctx, order)
		if err != nil {
			return err
		}
		*order = *refreshed

		for _, w := range wanted {
			if order.Status == w {
				return nil
			}
		}
		if order.Status == acme.StatusInvalid {
			// handled by the state loop
			return nil
		}

		if err := d.wait(ctx, delay); err != nil {
			return err
		}
		if delay *= 2; delay > pollCap {
			delay = pollCap
		}
	}
}

// loadOrder reads the staged order.
func (d *Driver) loadOrder() (*acme.Order, error) {
	return store.LoadJSON(d.Store, store.Staging, d.MD.Name, artifactOrder, acme.OrderFromJSON)
}

// saveOrder makes the order state durable. This happens after every
// transition, before the next network call.
func (d *Driver) saveOrder(order *acme.Order) error {
	data, err := order.ToJSON()
	if err != nil {
		return err
	}
	if err := d.Store.Save(store.Staging, d.MD.Name, artifactOrder, data, false); err != nil {
		return storeErr(err)
	}
	return nil
}

// purgeOrder discards the staged order together with its key and CSR.
func (d *Driver) purgeOrder() error {
	if err := d.Store.Purge(store.Staging, d.MD.Name); err != nil {
		return storeErr(err)
	}
	return nil
}

// storeErr classifies store failures for the supervisor.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrCorrupt) {
		return md.NewError(md.KindCorrupt, "", err)
	}
	return md.NewError(md.KindStoreIO, "", err)
}

// isNotFoundAtCA reports whether err is the CA saying it does not
// know the resource.
func isNotFoundAtCA(err error) bool {
	var p *acme.Problem
	if errors.As(err, &p) {
		return p.Status == http.StatusNotFound || p.ACMEType() == "malformed"
	}
	return false
}

// isMissingKey reports whether err means the staged key or CSR is
// absent.
func isMissingKey(err error) bool {
	return store.IsNotExist(err)
}
