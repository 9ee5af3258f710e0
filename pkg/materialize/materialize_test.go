// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package materialize

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zerobrew/zerobrew/pkg/zbrew"
)

func writeStoreTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "lib"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "lib", "jq.pc"), []byte("prefix=@@HOMEBREW_PREFIX@@\nlibdir=@@HOMEBREW_PREFIX@@/lib\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestMaterializeCopiesAndRelocatesText(t *testing.T) {
	src := writeStoreTree(t)
	dst := filepath.Join(t.TempDir(), "jq", "1.7.1")
	m := New("/opt/zerobrew/prefix")
	if err := m.Materialize(src, dst); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dst, "lib", "jq.pc"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.Contains(string(got), PlaceholderPrefix) {
		t.Fatalf("placeholder prefix survived relocation: %q", got)
	}
	if !strings.Contains(string(got), "/opt/zerobrew/prefix") {
		t.Fatalf("expected real prefix in relocated file: %q", got)
	}
}

func TestMaterializeRefusesExistingDestination(t *testing.T) {
	src := writeStoreTree(t)
	dst := t.TempDir()
	m := New("/opt/zerobrew/prefix")
	err := m.Materialize(src, dst)
	if zbrew.KindOf(err) != zbrew.MaterializeConflict {
		t.Fatalf("KindOf(err) = %v, want MaterializeConflict", zbrew.KindOf(err))
	}
}

func TestHardlinkTreePreservesSymlinks(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "real"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("real", filepath.Join(src, "link")); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(t.TempDir(), "out")
	if err := hardlinkTree(src, dst); err != nil {
		t.Fatalf("hardlinkTree: %v", err)
	}
	target, err := os.Readlink(filepath.Join(dst, "link"))
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != "real" {
		t.Fatalf("link target = %q, want %q", target, "real")
	}
}
