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
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// both backends must satisfy the same contract
func stores(t *testing.T) map[string]Store {
	fileStore, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	return map[string]Store{
		"file":   fileStore,
		"memory": NewMemoryStore(),
	}
}

func TestSaveLoadRemove(t *testing.T) {
	for backend, s := range stores(t) {
		t.Run(backend, func(t *testing.T) {
			_, err := s.Load(Domains, "a.test", "md.json")
			assert.True(t, IsNotExist(err))

			require.NoError(t, s.Save(Domains, "a.test", "md.json", []byte(`{"name":"a.test"}`), false))
			data, err := s.Load(Domains, "a.test", "md.json")
			require.NoError(t, err)
			assert.JSONEq(t, `{"name":"a.test"}`, string(data))

			// overwrite is allowed without createOnly
			require.NoError(t, s.Save(Domains, "a.test", "md.json", []byte(`{"name":"a.test","state":"complete"}`), false))

			// createOnly refuses to replace
			err = s.Save(Domains, "a.test", "md.json", []byte("x"), true)
			assert.True(t, IsExist(err))

			require.NoError(t, s.Remove(Domains, "a.test", "md.json"))
			err = s.Remove(Domains, "a.test", "md.json")
			assert.True(t, IsNotExist(err))
		})
	}
}

func TestPurge(t *testing.T) {
	for backend, s := range stores(t) {
		t.Run(backend, func(t *testing.T) {
			require.NoError(t, s.Save(Staging, "a.test", "order.json", []byte("{}"), false))
			require.NoError(t, s.Save(Staging, "a.test", "privkey.pem", []byte("key"), false))
			require.NoError(t, s.Purge(Staging, "a.test"))

			_, err := s.Load(Staging, "a.test", "order.json")
			assert.True(t, IsNotExist(err))

			// purging an absent name is fine
			assert.NoError(t, s.Purge(Staging, "never-existed"))
		})
	}
}

func TestMovePromotesSubtree(t *testing.T) {
	for backend, s := range stores(t) {
		t.Run(backend, func(t *testing.T) {
			require.NoError(t, s.Save(Staging, "a.test", "md.json", []byte("new-md"), false))
			require.NoError(t, s.Save(Staging, "a.test", "privkey.pem", []byte("new-key"), false))
			require.NoError(t, s.Save(Staging, "a.test", "pubcert.pem", []byte("new-chain"), false))

			// pre-existing artifacts at the destination are replaced wholesale
			require.NoError(t, s.Save(Domains, "a.test", "md.json", []byte("old-md"), false))
			require.NoError(t, s.Save(Domains, "a.test", "stale.pem", []byte("stale"), false))

			require.NoError(t, s.Move(Staging, Domains, "a.test"))

			data, err := s.Load(Domains, "a.test", "privkey.pem")
			require.NoError(t, err)
			assert.Equal(t, "new-key", string(data))

			_, err = s.Load(Domains, "a.test", "stale.pem")
			assert.True(t, IsNotExist(err), "old subtree must be replaced, not merged")

			_, err = s.Load(Staging, "a.test", "md.json")
			assert.True(t, IsNotExist(err), "source subtree must be gone")

			err = s.Move(Staging, Domains, "a.test")
			assert.Error(t, err, "moving an absent subtree fails")
		})
	}
}

func TestIterate(t *testing.T) {
	for backend, s := range stores(t) {
		t.Run(backend, func(t *testing.T) {
			require.NoError(t, s.Save(Domains, "a.test", "md.json", []byte("{}"), false))
			require.NoError(t, s.Save(Domains, "b.test", "md.json", []byte("{}"), false))
			require.NoError(t, s.Save(Domains, "c.example", "md.json", []byte("{}"), false))

			var seen []string
			require.NoError(t, s.Iterate(Domains, "*.test", func(name string) error {
				seen = append(seen, name)
				return nil
			}))
			assert.ElementsMatch(t, []string{"a.test", "b.test"}, seen)

			// iterating an empty group is a no-op
			require.NoError(t, s.Iterate(OCSP, "*", func(string) error {
				t.Fatal("unexpected callback")
				return nil
			}))
		})
	}
}

func TestLocking(t *testing.T) {
	for backend, s := range stores(t) {
		t.Run(backend, func(t *testing.T) {
			require.NoError(t, s.TryLock("a.test"))
			assert.ErrorIs(t, s.TryLock("a.test"), ErrLocked)

			// distinct names are independent
			require.NoError(t, s.TryLock("b.test"))
			require.NoError(t, s.Unlock("b.test"))

			require.NoError(t, s.Unlock("a.test"))
			require.NoError(t, s.TryLock("a.test"))
			require.NoError(t, s.Unlock("a.test"))

			assert.Error(t, s.Unlock("a.test"), "double unlock must fail")
		})
	}
}

func TestFileStorePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not meaningful on windows")
	}
	base := t.TempDir()
	s, err := NewFileStore(base, nil)
	require.NoError(t, err)
	require.NoError(t, s.Save(Domains, "a.test", "privkey.pem", []byte("secret"), false))

	info, err := os.Stat(filepath.Join(base, "domains", "a.test", "privkey.pem"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	info, err = os.Stat(filepath.Join(base, "domains", "a.test"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestFileStoreMoveDropsLockfile(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, s.TryLock("a.test"))
	require.NoError(t, s.Save(Staging, "a.test", "md.json", []byte("{}"), false))
	require.NoError(t, s.Move(Staging, Domains, "a.test"))

	_, err = s.Load(Domains, "a.test", "lock")
	assert.True(t, IsNotExist(err), "lockfile must not be promoted")
	require.NoError(t, s.Unlock("a.test"))
}

func TestLoadJSON(t *testing.T) {
	s := NewMemoryStore()
	type payload struct {
		N int `json:"n"`
	}
	parse := func(b []byte) (*payload, error) {
		p := new(payload)
		return p, json.Unmarshal(b, p)
	}

	require.NoError(t, s.Save(Staging, "a.test", "order.json", []byte(`{"n":7}`), false))
	p, err := LoadJSON(s, Staging, "a.test", "order.json", parse)
	require.NoError(t, err)
	assert.Equal(t, 7, p.N)

	require.NoError(t, s.Save(Staging, "a.test", "order.json", []byte("not json"), false))
	_, err = LoadJSON(s, Staging, "a.test", "order.json", parse)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = LoadJSON(s, Staging, "b.test", "order.json", parse)
	assert.True(t, IsNotExist(err))
}
