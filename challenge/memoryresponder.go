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

package challenge

import (
	"context"
	"fmt"
	"sync"
)

// MemoryResponder records installs and removes in memory. Tests use it
// to assert the responder-cleanup invariant; it accepts every
// challenge type unless Refuse is set.
type MemoryResponder struct {
	// Refuse makes Install fail, simulating a responder that cannot
	// serve the challenge.
	Refuse bool

	mu        sync.Mutex
	installed map[string]string // "<type>|<domain>|<token>" -> keyAuthz
	history   []string
}

// NewMemoryResponder creates an empty in-memory responder.
func NewMemoryResponder() *MemoryResponder {
	return &MemoryResponder{installed: make(map[string]string)}
}

func respKey(typ Type, domain, token string) string {
	return fmt.Sprintf("%s|%s|%s", typ, domain, token)
}

// Install implements Responder.
func (m *MemoryResponder) Install(ctx context.Context, typ Type, domain, token, keyAuthz string) error {
	if m.Refuse {
		return fmt.Errorf("%w: refusing %s for %s", ErrUnsupported, typ, domain)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.installed[respKey(typ, domain, token)] = keyAuthz
	m.history = append(m.history, "install "+respKey(typ, domain, token))
	return nil
}

// Remove implements Responder.
func (m *MemoryResponder) Remove(ctx context.Context, typ Type, domain, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.installed, respKey(typ, domain, token))
	m.history = append(m.history, "remove "+respKey(typ, domain, token))
	return nil
}

// KeyAuth returns the installed key authorization for a token, or "".
func (m *MemoryResponder) KeyAuth(typ Type, domain, token string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installed[respKey(typ, domain, token)]
}

// InstalledCount returns how many responses are currently installed.
func (m *MemoryResponder) InstalledCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.installed)
}

// History returns the install/remove operations in order.
func (m *MemoryResponder) History() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.history...)
}
