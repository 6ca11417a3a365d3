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
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes renewal outcomes and certificate expiries for
// scraping.
type Metrics struct {
	renewals   *prometheus.CounterVec
	certExpiry *prometheus.GaugeVec
	ocspFetch  *prometheus.CounterVec
}

// NewMetrics registers the renewal collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mdrenew",
			Name:      "renewals_total",
			Help:      "Renewal driver runs by managed domain and result kind.",
		}, []string{"md", "result"}),
		certExpiry: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mdrenew",
			Name:      "certificate_expiry_seconds",
			Help:      "Unix time at which the managed domain's certificate expires.",
		}, []string{"md"}),
		ocspFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mdrenew",
			Name:      "ocsp_fetches_total",
			Help:      "OCSP staple fetches by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.renewals, m.certExpiry, m.ocspFetch)
	return m
}

// RecordRenewal counts one driver run outcome ("ok" or a failure
// kind).
func (m *Metrics) RecordRenewal(name, result string) {
	m.renewals.WithLabelValues(name, result).Inc()
}

// SetExpiry publishes the MD's certificate expiry.
func (m *Metrics) SetExpiry(name string, notAfter time.Time) {
	m.certExpiry.WithLabelValues(name).Set(float64(notAfter.Unix()))
}

// RecordOCSP counts one staple fetch outcome.
func (m *Metrics) RecordOCSP(result string) {
	m.ocspFetch.WithLabelValues(result).Inc()
}
