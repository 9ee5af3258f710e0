// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package lock provides OS-level advisory file locks for the store, the
// Cellar, and the database, so that cross-process mutation is serialized the
// way spec §5 requires: per-digest for CAS ingest, per-name for Cellar
// mutation, process-global for DB writes. These are real file locks (gofrs/
// flock), not in-process mutexes — concurrent zb/zbx processes need exactly
// the same protection concurrent goroutines do.
//
// Callers are expected to acquire locks in the fixed order db -> digest ->
// cellar to avoid deadlock (§5); Manager doesn't enforce this itself since it
// has no visibility into what a caller intends to do with the lock next.
package lock

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/zerobrew/zerobrew/pkg/zbrew"
)

// DefaultRetryDelay is how often Acquire polls for the lock while waiting.
const DefaultRetryDelay = 25 * time.Millisecond

// Manager hands out locks rooted under a Layout's locks/ directory. Lock
// files are never deleted during normal operation; only reset() removes
// them, matching §9's design note.
type Manager struct {
	dir string
}

// NewManager returns a Manager rooted at locksDir (typically Layout.LocksRoot()).
func NewManager(locksDir string) *Manager {
	return &Manager{dir: locksDir}
}

// Unlocker releases a held lock.
type Unlocker interface {
	Unlock() error
}

// Acquire takes an exclusive lock on key, blocking until ctx is done or the
// lock is obtained. A context deadline exceeded surfaces as LockTimeout.
func (m *Manager) Acquire(ctx context.Context, key string) (Unlocker, error) {
	return m.acquire(ctx, key, true)
}

// AcquireShared takes a shared (read) lock on key.
func (m *Manager) AcquireShared(ctx context.Context, key string) (Unlocker, error) {
	return m.acquire(ctx, key, false)
}

func (m *Manager) acquire(ctx context.Context, key string, exclusive bool) (Unlocker, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating locks dir")
	}
	path := filepath.Join(m.dir, key+".lock")
	fl := flock.New(path)
	tryLock := fl.TryLockContext
	if !exclusive {
		tryLock = fl.TryRLockContext
	}
	ok, err := tryLock(ctx, DefaultRetryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, zbrew.NewError(zbrew.LockTimeout, key, err)
		}
		return nil, errors.Wrapf(err, "locking %s", path)
	}
	if !ok {
		return nil, zbrew.NewError(zbrew.LockTimeout, key, errors.New("could not acquire lock"))
	}
	return fl, nil
}

// StoreKey is the lock key for CAS ingest of digest (§4.4).
func StoreKey(digest zbrew.Digest) string { return "store-" + digest.String() }

// CellarKey is the lock key for Cellar mutation of a named package (§4.6).
func CellarKey(name string) string { return "cellar-" + name }

// DBKey is the process-wide lock key guarding database writes (§4.8).
const DBKey = "db"
