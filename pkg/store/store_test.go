// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zerobrew/zerobrew/internal/lock"
	"github.com/zerobrew/zerobrew/pkg/zbrew"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	layout := zbrew.NewLayout(t.TempDir())
	return New(layout, lock.NewManager(layout.LocksRoot()))
}

func testDigest(t *testing.T, content string) zbrew.Digest {
	t.Helper()
	d, _, err := zbrew.SumReader(strings.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestIngestThenHas(t *testing.T) {
	s := newTestStore(t)
	d := testDigest(t, "jq-1.7.1-tree")

	if s.Has(d) {
		t.Fatal("Has reported true before ingest")
	}
	stage, err := s.StageDir()
	if err != nil {
		t.Fatalf("StageDir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(stage, "bin-jq"), []byte("#!/bin/sh"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := s.Ingest(context.Background(), d, zbrew.BottleTreeKind, 9, stage); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !s.Has(d) {
		t.Fatal("Has reported false after ingest")
	}
	if _, err := os.Stat(filepath.Join(s.Path(d), "bin-jq")); err != nil {
		t.Fatalf("ingested file missing: %v", err)
	}
}

func TestIngestIdempotentOnDuplicateDigest(t *testing.T) {
	s := newTestStore(t)
	d := testDigest(t, "same-content")

	stage1, _ := s.StageDir()
	if err := s.Ingest(context.Background(), d, zbrew.BottleTreeKind, 0, stage1); err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	stage2, _ := s.StageDir()
	if err := s.Ingest(context.Background(), d, zbrew.BottleTreeKind, 0, stage2); err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if _, err := os.Stat(stage2); !os.IsNotExist(err) {
		t.Fatal("second stage dir should have been discarded")
	}
}

func TestListReturnsIngestedDigests(t *testing.T) {
	s := newTestStore(t)
	d1 := testDigest(t, "one")
	d2 := testDigest(t, "two")
	for _, d := range []zbrew.Digest{d1, d2} {
		stage, _ := s.StageDir()
		if err := s.Ingest(context.Background(), d, zbrew.BottleTreeKind, 0, stage); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(got))
	}
}

func TestRemoveRefusesPinnedEntry(t *testing.T) {
	s := newTestStore(t)
	d := testDigest(t, "pinned-content")
	stage, _ := s.StageDir()
	if err := s.Ingest(context.Background(), d, zbrew.BottleTreeKind, 0, stage); err != nil {
		t.Fatal(err)
	}
	s.Pin(d)
	if err := s.Remove(context.Background(), d); err == nil {
		t.Fatal("expected Remove to refuse a pinned entry")
	}
	s.Unpin(d)
	if err := s.Remove(context.Background(), d); err != nil {
		t.Fatalf("Remove after Unpin: %v", err)
	}
	if s.Has(d) {
		t.Fatal("entry still present after Remove")
	}
}

func TestPinRefcounting(t *testing.T) {
	s := newTestStore(t)
	d := testDigest(t, "refcounted")
	s.Pin(d)
	s.Pin(d)
	s.Unpin(d)
	if !s.Pinned(d) {
		t.Fatal("expected still pinned after one Unpin of two Pins")
	}
	s.Unpin(d)
	if s.Pinned(d) {
		t.Fatal("expected unpinned after matching Unpins")
	}
}
