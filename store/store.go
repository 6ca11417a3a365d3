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

// Package store provides grouped persistence for managed-domain
// artifacts. Everything the renewal machinery keeps between runs
// (domains, staged orders, challenge tokens, accounts, OCSP staples)
// goes through a Store, so tests can swap the filesystem backend for
// an in-memory one.
package store

import (
	"errors"
	"fmt"
	"io/fs"
)

// Group partitions the store. Each group holds per-name subtrees of
// artifacts.
type Group string

// The store groups.
const (
	// Domains holds activated certificates, keys and MD definitions.
	Domains Group = "domains"
	// Staging holds in-progress renewal artifacts until promotion.
	Staging Group = "staging"
	// Challenges holds installed challenge response material.
	Challenges Group = "challenges"
	// Accounts holds ACME account registrations and keys.
	Accounts Group = "accounts"
	// Temp holds short-lived artifacts reclaimable at any time.
	Temp Group = "tmp"
	// OCSP holds cached OCSP staples.
	OCSP Group = "ocsp"
)

// Groups lists all groups, for enumeration and purging.
var Groups = []Group{Domains, Staging, Challenges, Accounts, Temp, OCSP}

// Store is the persistence contract of the renewal machinery.
//
// Save must be atomic against concurrent readers. Move promotes the
// entire per-name subtree from one group to another and either fully
// succeeds or leaves both sides as they were.
type Store interface {
	// Load reads one artifact. It returns ErrNotExist when the
	// artifact is absent.
	Load(group Group, name, artifact string) ([]byte, error)

	// Save writes one artifact atomically. With createOnly, an
	// existing artifact makes Save fail with ErrExist.
	Save(group Group, name, artifact string, data []byte, createOnly bool) error

	// Remove deletes one artifact. Removing an absent artifact
	// returns ErrNotExist.
	Remove(group Group, name, artifact string) error

	// Purge deletes the entire subtree for name in group. Purging an
	// absent name is not an error.
	Purge(group Group, name string) error

	// Move promotes the subtree for name from one group to another,
	// replacing any existing subtree at the destination.
	Move(from, to Group, name string) error

	// Iterate calls fn for each name in group matching pattern
	// (filepath.Match syntax). Returning an error from fn stops the
	// iteration and is returned by Iterate.
	Iterate(group Group, pattern string, fn func(name string) error) error

	Locker
}

// Locker provides per-name mutual exclusion on top of the store, so
// that no two workers (in this process or another sharing the store)
// drive the same MD at once.
type Locker interface {
	// TryLock attempts to acquire the advisory lock for name. It
	// returns ErrLocked without blocking when another holder has it.
	TryLock(name string) error

	// Unlock releases the lock for name. Only a successful TryLock
	// caller may unlock.
	Unlock(name string) error
}

// Sentinel errors of the store contract. Backends wrap these so that
// errors.Is works across implementations.
var (
	// ErrNotExist: the requested artifact or name is absent.
	ErrNotExist = fs.ErrNotExist
	// ErrExist: createOnly save hit an existing artifact.
	ErrExist = fs.ErrExist
	// ErrPermission: the backend denied access.
	ErrPermission = fs.ErrPermission
	// ErrCorrupt: bytes were present but unparseable.
	ErrCorrupt = errors.New("stored data is corrupt")
	// ErrLocked: the per-name advisory lock is held elsewhere.
	ErrLocked = errors.New("name is locked")
)

// IsNotExist reports whether err means the artifact was absent.
func IsNotExist(err error) bool { return errors.Is(err, ErrNotExist) }

// IsExist reports whether err means the artifact already existed.
func IsExist(err error) bool { return errors.Is(err, ErrExist) }

// LoadJSON loads an artifact and unmarshals it via parse. A present
// but unparseable artifact is reported as ErrCorrupt.
func LoadJSON[T any](s Store, group Group, name, artifact string, parse func([]byte) (T, error)) (T, error) {
	var zero T
	data, err := s.Load(group, name, artifact)
	if err != nil {
		return zero, err
	}
	v, err := parse(data)
	if err != nil {
		return zero, fmt.Errorf("%w: %s/%s/%s: %v", ErrCorrupt, group, name, artifact, err)
	}
	return v, nil
}
