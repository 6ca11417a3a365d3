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

package store

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store used by tests. It implements the
// same contract as FileStore, including lock semantics.
type MemoryStore struct {
	mu    sync.Mutex
	data  map[Group]map[string]map[string][]byte
	locks map[string]bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[Group]map[string]map[string][]byte),
		locks: make(map[string]bool),
	}
}

func (s *MemoryStore) subtree(group Group, name string, create bool) map[string][]byte {
	name = strings.ToLower(name)
	names := s.data[group]
	if names == nil {
		if !create {
			return nil
		}
		names = make(map[string]map[string][]byte)
		s.data[group] = names
	}
	artifacts := names[name]
	if artifacts == nil && create {
		artifacts = make(map[string][]byte)
		names[name] = artifacts
	}
	return artifacts
}

// Load implements Store.Load.
func (s *MemoryStore) Load(group Group, name, artifact string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	artifacts := s.subtree(group, name, false)
	data, ok := artifacts[artifact]
	if !ok {
		return nil, fmt.Errorf("%s/%s/%s: %w", group, name, artifact, ErrNotExist)
	}
	return append([]byte(nil), data...), nil
}

// Save implements Store.Save.
func (s *MemoryStore) Save(group Group, name, artifact string, data []byte, createOnly bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	artifacts := s.subtree(group, name, true)
	if createOnly {
		if _, ok := artifacts[artifact]; ok {
			return fmt.Errorf("%s/%s/%s: %w", group, name, artifact, ErrExist)
		}
	}
	artifacts[artifact] = append([]byte(nil), data...)
	return nil
}

// Remove implements Store.Remove.
func (s *MemoryStore) Remove(group Group, name, artifact string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	artifacts := s.subtree(group, name, false)
	if _, ok := artifacts[artifact]; !ok {
		return fmt.Errorf("%s/%s/%s: %w", group, name, artifact, ErrNotExist)
	}
	delete(artifacts, artifact)
	return nil
}

// Purge implements Store.Purge.
func (s *MemoryStore) Purge(group Group, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if names := s.data[group]; names != nil {
		delete(names, strings.ToLower(name))
	}
	return nil
}

// Move implements Store.Move.
func (s *MemoryStore) Move(from, to Group, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lower := strings.ToLower(name)
	src := s.subtree(from, lower, false)
	if src == nil {
		return fmt.Errorf("%s/%s: %w", from, name, ErrNotExist)
	}
	if s.data[to] == nil {
		s.data[to] = make(map[string]map[string][]byte)
	}
	s.data[to][lower] = src
	delete(s.data[from], lower)
	return nil
}

// Iterate implements Store.Iterate. Names are visited in sorted order
// for determinism.
func (s *MemoryStore) Iterate(group Group, pattern string, fn func(name string) error) error {
	s.mu.Lock()
	var names []string
	for name := range s.data[group] {
		ok, err := filepath.Match(pattern, name)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		if ok {
			names = append(names, name)
		}
	}
	s.mu.Unlock()

	sort.Strings(names)
	for _, name := range names {
		if err := fn(name); err != nil {
			return err
		}
	}
	return nil
}

// TryLock implements Locker.
func (s *MemoryStore) TryLock(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name = strings.ToLower(name)
	if s.locks[name] {
		return ErrLocked
	}
	s.locks[name] = true
	return nil
}

// Unlock implements Locker.
func (s *MemoryStore) Unlock(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name = strings.ToLower(name)
	if !s.locks[name] {
		return fmt.Errorf("no lock held for %s", name)
	}
	delete(s.locks, name)
	return nil
}
