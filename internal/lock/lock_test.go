// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/zerobrew/zerobrew/pkg/zbrew"
)

func TestAcquireExclusiveBlocksSecondHolder(t *testing.T) {
	dir := t.TempDir()
	m1 := NewManager(dir)
	m2 := NewManager(dir)

	unlock, err := m1.Acquire(context.Background(), "digest-abc")
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := m2.Acquire(ctx, "digest-abc"); err == nil {
		t.Fatal("expected second Acquire to fail while held")
	} else if zbrew.KindOf(err) != zbrew.LockTimeout {
		t.Fatalf("KindOf(err) = %v, want LockTimeout", zbrew.KindOf(err))
	}

	if err := unlock.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if _, err := m2.Acquire(ctx2, "digest-abc"); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}

func TestAcquireSharedAllowsMultipleReaders(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	u1, err := m.AcquireShared(context.Background(), "cellar-jq")
	if err != nil {
		t.Fatalf("first AcquireShared: %v", err)
	}
	defer u1.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	u2, err := m.AcquireShared(ctx, "cellar-jq")
	if err != nil {
		t.Fatalf("second AcquireShared: %v", err)
	}
	defer u2.Unlock()
}

func TestKeyHelpers(t *testing.T) {
	if got := CellarKey("jq"); got != "cellar-jq" {
		t.Fatalf("CellarKey = %q", got)
	}
	if DBKey != "db" {
		t.Fatalf("DBKey = %q", DBKey)
	}
}
