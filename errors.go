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

package md

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a renewal failure so the supervisor can pick the
// right retry policy. Kinds are coarse on purpose; the wrapped error
// and problem detail carry the specifics.
type Kind string

// The failure kinds, with their retry policies:
const (
	// KindTransient: network errors, 5xx without Retry-After, nonce
	// trouble. Retried inside the transport; surfacing one means the
	// retries ran out.
	KindTransient Kind = "transient"
	// KindRateLimited: the CA said to slow down; honor Retry-After.
	KindRateLimited Kind = "rate-limited"
	// KindChallengeSetup: the responder refused to install a challenge
	// response. The order is kept and retried on the next tick.
	KindChallengeSetup Kind = "challenge-setup"
	// KindChallengeFailed: the CA declared an authorization invalid.
	// The order is purged and the problem detail surfaced.
	KindChallengeFailed Kind = "challenge-failed"
	// KindUnauthorized: the account is not accepted by the CA.
	KindUnauthorized Kind = "unauthorized"
	// KindBadAccount: the stored account is gone or deactivated at the
	// CA; a fresh account is created and the order retried once.
	KindBadAccount Kind = "bad-account"
	// KindCAAProblem: CAA records forbid issuance. Operator must act.
	KindCAAProblem Kind = "caa"
	// KindDNSProblem: the CA could not resolve an identifier.
	KindDNSProblem Kind = "dns"
	// KindCertMismatch: the downloaded chain does not match the key or
	// the name set. Staging is purged and the order restarted.
	KindCertMismatch Kind = "cert-mismatch"
	// KindStoreIO: the store failed; the tick is aborted.
	KindStoreIO Kind = "store-io"
	// KindCorrupt: stored bytes were present but unparseable.
	KindCorrupt Kind = "corrupt"
	// KindTimeout: the monitor deadline passed; on-disk state is
	// resumable on the next tick.
	KindTimeout Kind = "timeout"
	// KindFatal: configuration prevents driving this MD at all
	// (ToS not accepted, unsupported key spec).
	KindFatal Kind = "fatal"
)

// Error is a classified renewal failure. Phase is the driver's coarse
// activity label at the time of failure; ProblemType and Detail carry
// the CA's problem document when one was returned.
type Error struct {
	Kind        Kind
	Phase       string
	ProblemType string
	Detail      string
	RetryAfter  time.Duration
	Err         error
}

// NewError builds an Error of the given kind wrapping err.
func NewError(kind Kind, phase string, err error) *Error {
	return &Error{Kind: kind, Phase: phase, Err: err}
}

// Errorf builds an Error of the given kind with a formatted detail.
func Errorf(kind Kind, phase, format string, args ...any) *Error {
	return &Error{Kind: kind, Phase: phase, Detail: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Phase != "" {
		msg += " during " + e.Phase
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error { return e.Err }

// WithPhase returns a copy of e labeled with the given phase, unless a
// phase is already set.
func (e *Error) WithPhase(phase string) *Error {
	if e.Phase != "" {
		return e
	}
	clone := *e
	clone.Phase = phase
	return &clone
}

// KindOf classifies an arbitrary error. Errors that are not *Error
// (or wrap one) count as transient: they come from I/O the transport
// already retried.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// RetryAfterOf extracts the CA-advised retry delay, or 0.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
