// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package store implements the content-addressable Store (CAS): the
// immutable, digest-keyed tree every installed package's materialized copy
// is ultimately cloned from. Entries are ingested by atomically renaming a
// fully-prepared staging directory into place and dropping a ".ready"
// sentinel, so a reader never observes a partially-written entry and a
// crash mid-ingest never corrupts the store.
package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zerobrew/zerobrew/internal/lock"
	"github.com/zerobrew/zerobrew/pkg/zbrew"
)

// Store is the CAS rooted at a Layout's store/ directory.
type Store struct {
	Layout *zbrew.Layout
	Locks  *lock.Manager

	mu   sync.Mutex
	pins map[zbrew.Digest]int
}

// New returns a Store using locks for per-digest ingest locking.
func New(layout *zbrew.Layout, locks *lock.Manager) *Store {
	return &Store{
		Layout: layout,
		Locks:  locks,
		pins:   make(map[zbrew.Digest]int),
	}
}

// Has reports whether digest is fully ingested (its .ready sentinel exists).
func (s *Store) Has(digest zbrew.Digest) bool {
	_, err := os.Stat(s.Layout.StoreEntrySentinel(digest))
	return err == nil
}

// Path returns the on-disk path of digest's entry. It does not check
// existence; callers should use Has first when that matters.
func (s *Store) Path(digest zbrew.Digest) string {
	return s.Layout.StoreEntry(digest)
}

// StageDir returns a fresh scratch directory under store/.tmp for a caller
// (typically the Extractor) to populate before calling Ingest. The caller
// owns cleanup if it abandons the stage without ingesting.
func (s *Store) StageDir() (string, error) {
	if err := os.MkdirAll(s.Layout.StoreTmpRoot(), 0o755); err != nil {
		return "", errors.Wrap(err, "creating store staging root")
	}
	dir := s.Layout.StoreTmpEntry(uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "creating stage dir")
	}
	return dir, nil
}

// Ingest moves a fully-prepared staging directory (from StageDir) into the
// store under digest, atomically. If digest is already present, stageDir is
// discarded and Ingest returns nil: the Extractor may have raced another
// ingest of the same content, which is expected and not an error.
func (s *Store) Ingest(ctx context.Context, digest zbrew.Digest, kind zbrew.EntryKind, size int64, stageDir string) error {
	unlock, err := s.Locks.Acquire(ctx, lock.StoreKey(digest))
	if err != nil {
		return err
	}
	defer unlock.Unlock()

	if s.Has(digest) {
		return os.RemoveAll(stageDir)
	}
	if err := os.MkdirAll(s.Layout.StoreRoot(), 0o755); err != nil {
		return errors.Wrap(err, "creating store root")
	}
	entryDir := s.Layout.StoreEntry(digest)
	if err := os.RemoveAll(entryDir); err != nil {
		return errors.Wrap(err, "clearing stale entry dir")
	}
	if err := os.Rename(stageDir, entryDir); err != nil {
		return errors.Wrapf(err, "ingesting %s", digest.Short())
	}
	sentinel := s.Layout.StoreEntrySentinel(digest)
	meta := []byte(kind.String() + "\n")
	if err := os.WriteFile(sentinel, meta, 0o644); err != nil {
		return errors.Wrap(err, "writing ready sentinel")
	}
	_ = size // not recorded, here or in the database
	return nil
}

// Entry returns the StoreEntry metadata for digest, or an error if it is not present.
func (s *Store) Entry(digest zbrew.Digest) (zbrew.StoreEntry, error) {
	info, err := os.Stat(s.Layout.StoreEntrySentinel(digest))
	if err != nil {
		return zbrew.StoreEntry{}, errors.Wrapf(err, "entry %s not ready", digest.Short())
	}
	kind := UnknownKindFromSentinel(s.Layout.StoreEntrySentinel(digest))
	size, _ := dirSize(s.Layout.StoreEntry(digest))
	return zbrew.StoreEntry{Digest: digest, Kind: kind, Size: size, IngestTime: info.ModTime()}, nil
}

// List returns the digests of every fully-ingested store entry.
func (s *Store) List() ([]zbrew.Digest, error) {
	entries, err := os.ReadDir(s.Layout.StoreRoot())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []zbrew.Digest
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		const suffix = ".ready"
		if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
			continue
		}
		hex := name[:len(name)-len(suffix)]
		d, err := zbrew.ParseDigest(hex)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Remove deletes digest's entry and sentinel. Callers must ensure digest is
// unreferenced by the database and unpinned before calling this (the GC
// planner's job, not the Store's).
func (s *Store) Remove(ctx context.Context, digest zbrew.Digest) error {
	if s.Pinned(digest) {
		return errors.Errorf("refusing to remove pinned entry %s", digest.Short())
	}
	unlock, err := s.Locks.Acquire(ctx, lock.StoreKey(digest))
	if err != nil {
		return err
	}
	defer unlock.Unlock()
	if err := os.RemoveAll(s.Layout.StoreEntry(digest)); err != nil {
		return err
	}
	return os.Remove(s.Layout.StoreEntrySentinel(digest))
}

// Pin marks digest as in-use by an ephemeral run() so GC will not reclaim it
// even though no installed package references it. Pins are reference
// counted and process-local; they do not survive a restart.
func (s *Store) Pin(digest zbrew.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[digest]++
}

// Unpin releases one reference taken by Pin.
func (s *Store) Unpin(digest zbrew.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pins[digest] <= 1 {
		delete(s.pins, digest)
		return
	}
	s.pins[digest]--
}

// Pinned reports whether digest currently has at least one pin.
func (s *Store) Pinned(digest zbrew.Digest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pins[digest] > 0
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// UnknownKindFromSentinel reads the kind recorded in a .ready sentinel,
// defaulting to UnknownKind if it cannot be parsed (e.g. entries ingested
// before this field existed).
func UnknownKindFromSentinel(path string) zbrew.EntryKind {
	b, err := os.ReadFile(path)
	if err != nil || len(b) == 0 {
		return zbrew.UnknownKind
	}
	if string(b) == zbrew.BottleTreeKind.String()+"\n" {
		return zbrew.BottleTreeKind
	}
	return zbrew.UnknownKind
}
