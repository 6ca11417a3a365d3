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
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordRenewal("a.test", "ok")
	m.RecordRenewal("a.test", "ok")
	m.RecordRenewal("a.test", "challenge-failed")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.renewals.WithLabelValues("a.test", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.renewals.WithLabelValues("a.test", "challenge-failed")))

	exp := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	m.SetExpiry("a.test", exp)
	assert.Equal(t, float64(exp.Unix()), testutil.ToFloat64(m.certExpiry.WithLabelValues("a.test")))

	m.RecordOCSP("ok")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ocspFetch.WithLabelValues("ok")))
}
