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
	"fmt"
	"strings"

	md "github.com/mkauf/mod-md"
)

// errorPrefix is the URN namespace of ACME error types (RFC 8555 §6.7).
const errorPrefix = "urn:ietf:params:acme:error:"

// Problem is an RFC 7807 problem document as returned by ACME servers
// with content type application/problem+json.
type Problem struct {
	Type        string       `json:"type,omitempty"`
	Detail      string       `json:"detail,omitempty"`
	Status      int          `json:"status,omitempty"`
	Instance    string       `json:"instance,omitempty"`
	Subproblems []Subproblem `json:"subproblems,omitempty"`
}

// Subproblem pins a problem to one identifier of an order.
type Subproblem struct {
	Type       string     `json:"type,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	Identifier Identifier `json:"identifier,omitempty"`
}

func (p *Problem) Error() string {
	typ := strings.TrimPrefix(p.Type, errorPrefix)
	if p.Detail != "" {
		return fmt.Sprintf("%s: %s", typ, p.Detail)
	}
	return typ
}

// ACMEType returns the bare error name ("badNonce", "rateLimited", …)
// or "" when the type is not in the ACME namespace.
func (p *Problem) ACMEType() string {
	if !strings.HasPrefix(p.Type, errorPrefix) {
		return ""
	}
	return strings.TrimPrefix(p.Type, errorPrefix)
}

// IsBadNonce reports whether this problem asks for a nonce refresh.
func (p *Problem) IsBadNonce() bool {
	return p.ACMEType() == "badNonce"
}

// Kind maps the problem onto the renewal error taxonomy.
func (p *Problem) Kind() md.Kind {
	switch p.ACMEType() {
	case "rateLimited":
		return md.KindRateLimited
	case "unauthorized":
		return md.KindUnauthorized
	case "accountDoesNotExist":
		return md.KindBadAccount
	case "caa", "rejectedIdentifier":
		return md.KindCAAProblem
	case "dns":
		return md.KindDNSProblem
	case "connection", "tls", "incorrectResponse":
		return md.KindChallengeFailed
	case "badNonce", "serverInternal":
		return md.KindTransient
	case "userActionRequired", "agreementRequired", "externalAccountRequired":
		return md.KindFatal
	}
	if p.Status >= 500 {
		return md.KindTransient
	}
	// malformed, badCSR, badPublicKey and the rest: not retryable
	// without a change on our side
	return md.KindFatal
}

// toError converts the problem into the typed renewal error.
func (p *Problem) toError() *md.Error {
	return &md.Error{
		Kind:        p.Kind(),
		ProblemType: p.Type,
		Detail:      p.Detail,
		Err:         p,
	}
}
