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

package acme

import (
	"encoding/json"
	"time"
)

// Directory is the ACME server's resource index (RFC 8555 §7.1.1).
type Directory struct {
	NewNonce   string `json:"newNonce"`
	NewAccount string `json:"newAccount"`
	NewOrder   string `json:"newOrder"`
	NewAuthz   string `json:"newAuthz,omitempty"`
	RevokeCert string `json:"revokeCert,omitempty"`
	KeyChange  string `json:"keyChange,omitempty"`
	Meta       struct {
		TermsOfService          string `json:"termsOfService,omitempty"`
		Website                 string `json:"website,omitempty"`
		ExternalAccountRequired bool   `json:"externalAccountRequired,omitempty"`
	} `json:"meta,omitempty"`
}

// Identifier names one subject of an order or authorization; only
// type "dns" is used here.
type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Resource statuses as defined by RFC 8555.
const (
	StatusPending     = "pending"
	StatusReady       = "ready"
	StatusProcessing  = "processing"
	StatusValid       = "valid"
	StatusInvalid     = "invalid"
	StatusDeactivated = "deactivated"
	StatusExpired     = "expired"
	StatusRevoked     = "revoked"
)

// Order is the CA's order resource plus its URL (which arrives in the
// Location header, not the body). The driver persists this verbatim in
// STAGING/<md>/order.json after every transition.
type Order struct {
	URL            string       `json:"url"`
	Status         string       `json:"status"`
	Expires        time.Time    `json:"expires,omitempty"`
	Identifiers    []Identifier `json:"identifiers,omitempty"`
	Authorizations []string     `json:"authorizations,omitempty"`
	Finalize       string       `json:"finalize,omitempty"`
	Certificate    string       `json:"certificate,omitempty"`
	Error          *Problem     `json:"error,omitempty"`
}

// OrderFromJSON parses a stored order.
func OrderFromJSON(data []byte) (*Order, error) {
	o := new(Order)
	if err := json.Unmarshal(data, o); err != nil {
		return nil, err
	}
	return o, nil
}

// ToJSON serializes the order for storage.
func (o *Order) ToJSON() ([]byte, error) {
	return json.Marshal(o)
}

// Authorization is the CA's authorization resource for one identifier.
// The CA is the source of truth; local copies are transient.
type Authorization struct {
	URL        string      `json:"url,omitempty"`
	Identifier Identifier  `json:"identifier"`
	Status     string      `json:"status"`
	Expires    time.Time   `json:"expires,omitempty"`
	Challenges []Challenge `json:"challenges,omitempty"`
	Wildcard   bool        `json:"wildcard,omitempty"`
}

// Challenge is one way to prove control of an identifier.
type Challenge struct {
	Type      string   `json:"type"`
	URL       string   `json:"url"`
	Token     string   `json:"token"`
	Status    string   `json:"status,omitempty"`
	Validated string   `json:"validated,omitempty"`
	Error     *Problem `json:"error,omitempty"`
}
