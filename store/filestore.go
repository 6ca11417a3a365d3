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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Permissions for store contents. Key material must be unreadable to
// other users, and the directories themselves are owner-only.
const (
	dirPerm  = 0o700
	filePerm = 0o600
)

// lockStaleAfter is when another process's lockfile is considered
// abandoned and may be broken.
const lockStaleAfter = 2 * time.Hour

// FileStore is the canonical Store backed by the local filesystem,
// rooted at a base directory. Layout: <base>/<group>/<name>/<artifact>.
type FileStore struct {
	base   string
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*os.File
}

// NewFileStore creates a file-backed store rooted at base, creating
// the base directory if needed. A nil logger disables logging.
func NewFileStore(base string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(base, dirPerm); err != nil {
		return nil, fmt.Errorf("creating store base: %v", err)
	}
	return &FileStore{
		base:   base,
		logger: logger,
		locks:  make(map[string]*os.File),
	}, nil
}

func (s *FileStore) groupDir(group Group) string {
	return filepath.Join(s.base, string(group))
}

func (s *FileStore) nameDir(group Group, name string) string {
	return filepath.Join(s.groupDir(group), strings.ToLower(name))
}

func (s *FileStore) artifactPath(group Group, name, artifact string) string {
	return filepath.Join(s.nameDir(group, name), artifact)
}

// Load implements Store.Load.
func (s *FileStore) Load(group Group, name, artifact string) ([]byte, error) {
	data, err := os.ReadFile(s.artifactPath(group, name, artifact))
	if err != nil {
		// os errors already wrap fs.ErrNotExist / fs.ErrPermission
		return nil, err
	}
	return data, nil
}

// Save implements Store.Save: write-to-temp in the same directory,
// then rename over the destination, so readers never observe a
// partial artifact.
func (s *FileStore) Save(group Group, name, artifact string, data []byte, createOnly bool) error {
	dir := s.nameDir(group, name)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	dst := filepath.Join(dir, artifact)
	if createOnly {
		if _, err := os.Stat(dst); err == nil {
			return fmt.Errorf("%s/%s/%s: %w", group, name, artifact, ErrExist)
		}
	}

	tmp, err := os.CreateTemp(dir, "."+artifact+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(filePerm); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dst)
}

// Remove implements Store.Remove.
func (s *FileStore) Remove(group Group, name, artifact string) error {
	return os.Remove(s.artifactPath(group, name, artifact))
}

// Purge implements Store.Purge.
func (s *FileStore) Purge(group Group, name string) error {
	return os.RemoveAll(s.nameDir(group, name))
}

// Move implements Store.Move. An existing destination subtree is
// parked in the Temp group first; if moving the source fails, the
// parked subtree is restored, so observers see either the old state
// or the new one, never a mix.
func (s *FileStore) Move(from, to Group, name string) error {
	src := s.nameDir(from, name)
	dst := s.nameDir(to, name)

	if _, err := os.Stat(src); err != nil {
		return err
	}
	if err := os.MkdirAll(s.groupDir(to), dirPerm); err != nil {
		return err
	}

	park := ""
	if _, err := os.Stat(dst); err == nil {
		park = filepath.Join(s.groupDir(Temp), strings.ToLower(name)+".replaced")
		os.RemoveAll(park)
		if err := os.MkdirAll(s.groupDir(Temp), dirPerm); err != nil {
			return err
		}
		if err := os.Rename(dst, park); err != nil {
			return fmt.Errorf("parking %s: %w", dst, err)
		}
	}

	if err := os.Rename(src, dst); err != nil {
		if park != "" {
			if rerr := os.Rename(park, dst); rerr != nil {
				s.logger.Error("restoring parked subtree",
					zap.String("name", name), zap.Error(rerr))
			}
		}
		return fmt.Errorf("moving %s from %s to %s: %w", name, from, to, err)
	}
	if park != "" {
		os.RemoveAll(park)
	}
	if from == Staging {
		// the advisory lockfile belongs to staging, not to the
		// promoted artifact set
		os.Remove(filepath.Join(dst, "lock"))
	}
	s.logger.Debug("moved subtree",
		zap.String("name", name),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return nil
}

// Iterate implements Store.Iterate.
func (s *FileStore) Iterate(group Group, pattern string, fn func(name string) error) error {
	entries, err := os.ReadDir(s.groupDir(group))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ok, err := filepath.Match(pattern, entry.Name())
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := fn(entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

// TryLock implements Locker by creating a lockfile with exclusive
// create semantics under STAGING/<name>/lock. The file records PID and
// timestamp so stale locks from crashed processes can be broken.
func (s *FileStore) TryLock(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.locks[name]; held {
		return ErrLocked
	}

	dir := s.nameDir(Staging, name)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return err
	}
	lockPath := filepath.Join(dir, "lock")

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if os.IsExist(err) {
		if !s.lockIsStale(lockPath) {
			return ErrLocked
		}
		s.logger.Warn("breaking stale lock", zap.String("name", name))
		os.Remove(lockPath)
		f, err = os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	s.locks[name] = f
	return nil
}

// Unlock implements Locker.
func (s *FileStore) Unlock(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, held := s.locks[name]
	if !held {
		return fmt.Errorf("no lock held for %s", name)
	}
	delete(s.locks, name)
	f.Close()
	err := os.Remove(filepath.Join(s.nameDir(Staging, name), "lock"))
	if err != nil && !os.IsNotExist(err) {
		// promotion may have cleaned up the staging subtree already
		return err
	}
	return nil
}

// lockIsStale reports whether the lockfile at path is old enough to be
// considered abandoned.
func (s *FileStore) lockIsStale(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		// gone in the meantime counts as stale
		return os.IsNotExist(err)
	}
	return time.Since(info.ModTime()) > lockStaleAfter
}
