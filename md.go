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

// Package md defines the data model for managed domains: named sets of
// DNS identities that share one certificate, one key, and one renewal
// policy. The surrounding packages (store, acme, driver, renew) operate
// on these types.
package md

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// State describes where a managed domain is in its lifecycle.
type State string

// The possible lifecycle states of a managed domain.
const (
	// StateIncomplete means the MD has no usable certificate yet.
	StateIncomplete State = "incomplete"
	// StateExpired means the MD has a certificate, but it is past notAfter.
	StateExpired State = "expired"
	// StateError means the last renewal attempt failed.
	StateError State = "error"
	// StateRenewing means a renewal is in progress.
	StateRenewing State = "renewing"
	// StateComplete means the MD has a valid certificate covering all names.
	StateComplete State = "complete"
)

// MD is a managed domain: one or more DNS names sharing a certificate
// and key. The first name is the certificate subject CN. MDs are keyed
// uniquely by Name.
type MD struct {
	Name           string      `json:"name"`
	Domains        []string    `json:"domains"`
	CAURL          string      `json:"ca_url,omitempty"`
	AccountID      string      `json:"account,omitempty"`
	Contacts       []string    `json:"contacts,omitempty"`
	RenewWindow    RenewWindow `json:"renew_window,omitempty"`
	ChallengeTypes []string    `json:"challenges,omitempty"`
	KeySpec        KeySpec     `json:"key_spec,omitempty"`
	RequireHTTPS   string      `json:"require_https,omitempty"`
	State          State       `json:"state,omitempty"`

	// DefnName marks where this MD was defined (config file, etc.);
	// it is informational only.
	DefnName string `json:"defn_name,omitempty"`
}

// Clone returns a deep copy of m.
func (m *MD) Clone() *MD {
	clone := *m
	clone.Domains = append([]string(nil), m.Domains...)
	clone.Contacts = append([]string(nil), m.Contacts...)
	clone.ChallengeTypes = append([]string(nil), m.ChallengeTypes...)
	return &clone
}

// Covers reports whether the given names are all part of this MD.
func (m *MD) Covers(names []string) bool {
	have := make(map[string]bool, len(m.Domains))
	for _, d := range m.Domains {
		have[strings.ToLower(d)] = true
	}
	for _, n := range names {
		if !have[strings.ToLower(n)] {
			return false
		}
	}
	return true
}

// SortedDomains returns the MD's names sorted lexicographically. Orders
// submitted to the CA use this ordering so that repeated submissions of
// the same name set produce identical payloads.
func (m *MD) SortedDomains() []string {
	names := append([]string(nil), m.Domains...)
	for i := range names {
		names[i] = strings.ToLower(names[i])
	}
	sort.Strings(names)
	return names
}

// Validate checks that the MD is well-formed enough to drive.
func (m *MD) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("managed domain has no name")
	}
	if len(m.Domains) == 0 {
		return fmt.Errorf("%s: managed domain has no DNS names", m.Name)
	}
	if err := m.KeySpec.Validate(); err != nil {
		return fmt.Errorf("%s: %v", m.Name, err)
	}
	return nil
}

// FromJSON parses a managed domain from its stored representation.
func FromJSON(data []byte) (*MD, error) {
	m := new(MD)
	if err := json.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

// ToJSON serializes m. The field order is fixed by the struct
// definition, so serializing a parsed MD reproduces the stored bytes.
func (m *MD) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// KeySpec names a private key algorithm and size for certificate keys.
// The zero value means DefaultKeySpec.
type KeySpec string

// Supported key specs.
const (
	RSA2048 KeySpec = "rsa-2048"
	RSA3072 KeySpec = "rsa-3072"
	RSA4096 KeySpec = "rsa-4096"
	ECP256  KeySpec = "ec-p256"
	ECP384  KeySpec = "ec-p384"

	// DefaultKeySpec is used when an MD does not configure one.
	DefaultKeySpec = ECP256
)

// Validate reports whether the key spec names a supported algorithm.
func (ks KeySpec) Validate() error {
	switch ks {
	case "", RSA2048, RSA3072, RSA4096, ECP256, ECP384:
		return nil
	}
	return fmt.Errorf("unsupported key spec %q", string(ks))
}

// RSABits returns the modulus size for RSA specs, or 0 for EC specs.
func (ks KeySpec) RSABits() int {
	switch ks {
	case RSA2048:
		return 2048
	case RSA3072:
		return 3072
	case RSA4096:
		return 4096
	}
	return 0
}

// RenewWindow says how long before certificate expiry renewal should
// begin, either as an absolute duration ("720h") or as a fraction of the
// certificate's validity ("33%").
type RenewWindow struct {
	Duration time.Duration
	Fraction float64
}

// DefaultRenewWindow renews in the final third of the validity period,
// which is the recommendation of Let's Encrypt for 90-day certificates.
var DefaultRenewWindow = RenewWindow{Fraction: 1.0 / 3.0}

// IsZero reports whether rw is unset.
func (rw RenewWindow) IsZero() bool {
	return rw.Duration == 0 && rw.Fraction == 0
}

// Before computes the renewal lead time for a certificate valid from
// notBefore to notAfter.
func (rw RenewWindow) Before(notBefore, notAfter time.Time) time.Duration {
	if rw.IsZero() {
		rw = DefaultRenewWindow
	}
	if rw.Duration > 0 {
		return rw.Duration
	}
	valid := notAfter.Sub(notBefore)
	return time.Duration(float64(valid) * rw.Fraction)
}

// ParseRenewWindow parses "720h" or "33%" forms.
func ParseRenewWindow(s string) (RenewWindow, error) {
	var rw RenewWindow
	if s == "" {
		return rw, nil
	}
	if strings.HasSuffix(s, "%") {
		pct, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil || pct <= 0 || pct >= 100 {
			return rw, fmt.Errorf("invalid renew window %q", s)
		}
		rw.Fraction = pct / 100
		return rw, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return rw, fmt.Errorf("invalid renew window %q", s)
	}
	rw.Duration = d
	return rw, nil
}

// String formats the window in the form ParseRenewWindow accepts.
func (rw RenewWindow) String() string {
	if rw.Duration > 0 {
		return rw.Duration.String()
	}
	if rw.Fraction > 0 {
		return strconv.FormatFloat(rw.Fraction*100, 'f', -1, 64) + "%"
	}
	return ""
}

// MarshalJSON implements json.Marshaler.
func (rw RenewWindow) MarshalJSON() ([]byte, error) {
	return json.Marshal(rw.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (rw *RenewWindow) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseRenewWindow(s)
	if err != nil {
		return err
	}
	*rw = parsed
	return nil
}
