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
	"encoding/json"
	"time"
)

// Job is the supervisor's per-MD bookkeeping. It is persisted so that
// error back-off and restart requests survive process restarts.
type Job struct {
	// Stalled is set when a fatal configuration problem stops the
	// supervisor from driving this MD until its definition changes.
	Stalled bool `json:"stalled,omitempty"`

	// Renewed is set by a successful driver run, once a renewed
	// certificate sits in staging or has been promoted. It is not
	// cleared when the host is told; RenewalNotified records that.
	Renewed bool `json:"renewed,omitempty"`

	// RenewalNotified is set once the host integration reports the
	// reload for the current renewal as processed.
	RenewalNotified bool `json:"renewal_notified,omitempty"`

	// RestartAt is when the host restart was requested.
	RestartAt time.Time `json:"restart_at,omitempty"`

	// NeedRestart asks the host for a graceful reload so the renewed
	// certificate is picked up.
	NeedRestart bool `json:"need_restart,omitempty"`

	// RestartProcessed is set by the host integration once the reload
	// has happened.
	RestartProcessed bool `json:"restart_processed,omitempty"`

	// LastRV records the outcome of the last driver run: "" or "ok" on
	// success, otherwise the failure kind.
	LastRV string `json:"last_rv,omitempty"`

	// LastDetail carries the failure detail verbatim for reporting.
	LastDetail string `json:"last_detail,omitempty"`

	// LastRun is when the driver last ran for this MD.
	LastRun time.Time `json:"last_run,omitempty"`

	// NextCheck is the earliest time the supervisor will look at this
	// MD again.
	NextCheck time.Time `json:"next_check,omitempty"`

	// ErrorRuns counts consecutive failed driver runs; it feeds the
	// quadratic back-off and resets on success.
	ErrorRuns int `json:"error_runs,omitempty"`
}

// JobFromJSON parses a stored job.
func JobFromJSON(data []byte) (*Job, error) {
	j := new(Job)
	if err := json.Unmarshal(data, j); err != nil {
		return nil, err
	}
	return j, nil
}

// ToJSON serializes the job for storage.
func (j *Job) ToJSON() ([]byte, error) {
	return json.Marshal(j)
}

// RecordSuccess resets error bookkeeping after a successful driver run.
func (j *Job) RecordSuccess(now time.Time) {
	j.LastRV = "ok"
	j.LastDetail = ""
	j.LastRun = now
	j.ErrorRuns = 0
	j.Renewed = true
	j.RenewalNotified = false
	j.Stalled = false
}

// RecordFailure updates error bookkeeping after a failed driver run.
func (j *Job) RecordFailure(now time.Time, kind Kind, detail string) {
	j.LastRV = string(kind)
	j.LastDetail = detail
	j.LastRun = now
	j.ErrorRuns++
	if kind == KindFatal {
		j.Stalled = true
	}
}

// ErrorBackoff returns the supervisor's quadratic back-off delay:
// error_runs squared minutes, capped at 24 hours.
func (j *Job) ErrorBackoff() time.Duration {
	runs := j.ErrorRuns
	if runs <= 0 {
		return 0
	}
	d := time.Duration(runs*runs) * time.Minute
	if d > 24*time.Hour {
		d = 24 * time.Hour
	}
	return d
}
