// Package resilience persists request-guard state across qry
// invocations: a per-host circuit breaker, rate-limit cooldowns, and
// in-flight slot tracking, coordinated through an advisory-locked
// state file so concurrent invocations share one view of API health.
package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/gofrs/flock"
)

const (
	// StateFileName is the state file name inside the cache directory.
	StateFileName = "resilience.json"

	// LockTimeout bounds how long an invocation waits for the advisory
	// lock. Past it, operations proceed unlocked: a brief racy window
	// beats a hung CLI, and every guard tolerates stale state.
	LockTimeout = 100 * time.Millisecond
)

// Store reads and writes guard state with advisory file locking.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir. Empty dir falls back to the
// user cache directory.
func NewStore(dir string) *Store {
	if dir == "" {
		dir = defaultStateDir()
	}
	return &Store{dir: dir}
}

func defaultStateDir() string {
	if cacheDir := os.Getenv("XDG_CACHE_HOME"); cacheDir != "" {
		return filepath.Join(cacheDir, "quarry")
	}
	if cacheDir, err := os.UserCacheDir(); err == nil && cacheDir != "" {
		return filepath.Join(cacheDir, "quarry")
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".cache", "quarry")
	}
	return filepath.Join(os.TempDir(), "quarry")
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the full path of the state file.
func (s *Store) Path() string {
	return filepath.Join(s.dir, StateFileName)
}

func (s *Store) lockPath() string {
	return s.Path() + ".lock"
}

type fileLock struct {
	flock *flock.Flock
}

// acquireLock obtains the advisory lock, or nil after LockTimeout.
// A nil lock is not an error; callers proceed unlocked (fail-open).
func (s *Store) acquireLock() (*fileLock, error) {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return nil, err
	}

	fl := flock.New(s.lockPath())

	ctx, cancel := context.WithTimeout(context.Background(), LockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, nil
		}
		return nil, err
	}
	if !locked {
		return nil, nil
	}

	return &fileLock{flock: fl}, nil
}

func (fl *fileLock) release() error {
	if fl == nil || fl.flock == nil {
		return nil
	}
	return fl.flock.Unlock()
}

// Load reads the state, returning an empty state when the file is
// missing or undecodable. Corruption is never fatal.
func (s *Store) Load() (*State, error) {
	lock, err := s.acquireLock()
	if err != nil {
		return nil, err
	}
	if lock != nil {
		defer func() { _ = lock.release() }()
	}

	return s.loadUnsafe()
}

func (s *Store) loadUnsafe() (*State, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return NewState(), nil
		}
		return nil, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return NewState(), nil
	}

	return &state, nil
}

// Save writes the state atomically under the advisory lock.
func (s *Store) Save(state *State) error {
	lock, err := s.acquireLock()
	if err != nil {
		return err
	}
	if lock != nil {
		defer func() { _ = lock.release() }()
	}

	return s.saveUnsafe(state)
}

func (s *Store) saveUnsafe(state *State) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return err
	}

	state.Version = StateVersion

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	// The temp name carries PID and nanos so unlocked writers cannot
	// collide on the same temp file.
	tmpPath := fmt.Sprintf("%s.%d.%d.tmp", s.Path(), os.Getpid(), time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}

	// Windows refuses to rename over an existing file.
	if runtime.GOOS == "windows" {
		_ = os.Remove(s.Path())
	}

	if err := os.Rename(tmpPath, s.Path()); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	return nil
}

// Update runs fn over the current state and saves the result, holding
// the lock across the whole read-modify-write cycle.
func (s *Store) Update(fn func(*State) error) error {
	lock, err := s.acquireLock()
	if err != nil {
		return err
	}
	if lock != nil {
		defer func() { _ = lock.release() }()
	}

	state, err := s.loadUnsafe()
	if err != nil {
		return err
	}

	if err := fn(state); err != nil {
		return err
	}

	return s.saveUnsafe(state)
}

// Clear removes the state file.
func (s *Store) Clear() error {
	lock, err := s.acquireLock()
	if err != nil {
		return err
	}
	if lock != nil {
		defer func() { _ = lock.release() }()
	}

	err = os.Remove(s.Path())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Exists reports whether a state file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.Path())
	return err == nil
}
