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
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ocsp"

	"github.com/mkauf/mod-md/acme"
	"github.com/mkauf/mod-md/store"
)

// stapleArtifact is the cached OCSP response per MD in the OCSP group.
const stapleArtifact = "staple.der"

// UpdateOCSPStaples refreshes the cached OCSP response of every
// promoted certificate that is past the half-life of its current
// staple, and prunes staples whose MD is gone.
func (s *Supervisor) UpdateOCSPStaples(ctx context.Context) {
	now := s.timeNow()

	for _, m := range s.MDs() {
		logger := s.Logger.With(zap.String("md", m.Name))

		chainPEM, err := s.Store.Load(store.Domains, m.Name, "pubcert.pem")
		if err != nil {
			continue
		}
		chain, err := acme.ParseChainPEM(chainPEM)
		if err != nil || len(chain) < 2 {
			// no issuer available; cannot build a request
			continue
		}
		leaf, issuer := chain[0], chain[1]
		if now.After(leaf.NotAfter) {
			continue
		}

		if cached, err := s.Store.Load(store.OCSP, m.Name, stapleArtifact); err == nil {
			if resp, err := ocsp.ParseResponseForCert(cached, leaf, issuer); err == nil && stapleFresh(resp, now) {
				continue
			}
		}

		raw, resp, err := fetchOCSP(ctx, s.httpClient(), leaf, issuer)
		if err != nil {
			if s.Metrics != nil {
				s.Metrics.RecordOCSP("error")
			}
			logger.Debug("fetching ocsp staple", zap.Error(err))
			continue
		}
		if err := s.Store.Save(store.OCSP, m.Name, stapleArtifact, raw, false); err != nil {
			logger.Error("caching ocsp staple", zap.Error(err))
			continue
		}
		if s.Metrics != nil {
			s.Metrics.RecordOCSP("ok")
		}
		logger.Info("ocsp staple updated",
			zap.Time("this_update", resp.ThisUpdate),
			zap.Time("next_update", resp.NextUpdate))
	}

	s.pruneStaples(now)
}

// pruneStaples drops cached staples for MDs that no longer exist or
// whose response has expired.
func (s *Supervisor) pruneStaples(now time.Time) {
	configured := make(map[string]bool)
	for _, m := range s.MDs() {
		configured[m.Name] = true
	}
	s.Store.Iterate(store.OCSP, "*", func(name string) error {
		if !configured[name] {
			s.Store.Purge(store.OCSP, name)
			return nil
		}
		cached, err := s.Store.Load(store.OCSP, name, stapleArtifact)
		if err != nil {
			return nil
		}
		resp, err := ocsp.ParseResponse(cached, nil)
		if err != nil || now.After(resp.NextUpdate) {
			s.Store.Purge(store.OCSP, name)
		}
		return nil
	})
}

func (s *Supervisor) httpClient() *http.Client {
	return http.DefaultClient
}

// fetchOCSP asks the leaf's OCSP responder for a fresh response.
func fetchOCSP(ctx context.Context, client *http.Client, leaf, issuer *x509.Certificate) ([]byte, *ocsp.Response, error) {
	if len(leaf.OCSPServer) == 0 {
		return nil, nil, fmt.Errorf("certificate for %s has no OCSP responder", leaf.Subject.CommonName)
	}
	reqDER, err := ocsp.CreateRequest(leaf, issuer, nil)
	if err != nil {
		return nil, nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, leaf.OCSPServer[0], bytes.NewReader(reqDER))
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/ocsp-request")

	res, err := client.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("ocsp responder returned HTTP %d", res.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, nil, err
	}
	resp, err := ocsp.ParseResponseForCert(raw, leaf, issuer)
	if err != nil {
		return nil, nil, err
	}
	return raw, resp, nil
}

// stapleFresh applies the half-life rule: start refreshing once the
// staple is halfway through its validity.
func stapleFresh(resp *ocsp.Response, now time.Time) bool {
	nextUpdate := resp.NextUpdate
	if resp.Certificate != nil && resp.Certificate.NotAfter.Before(nextUpdate) {
		nextUpdate = resp.Certificate.NotAfter
	}
	refreshAt := resp.ThisUpdate.Add(nextUpdate.Sub(resp.ThisUpdate) / 2)
	return now.Before(refreshAt)
}
