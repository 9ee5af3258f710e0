// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zerobrew/zerobrew/pkg/zbrew"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "zerobrew.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func testPackage(name string, digestSeed string, deps ...string) zbrew.Package {
	digest, _, _ := zbrew.SumReader(strings.NewReader(digestSeed))
	return zbrew.Package{
		Name:        name,
		Version:     "1.0.0",
		StoreDigest: digest,
		InstalledAt: time.Now(),
		Explicit:    true,
		DependsOn:   deps,
	}
}

func TestCommitAndLoadPackage(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	pkg := testPackage("jq", "jq-digest", "oniguruma")
	if err := d.CommitPackage(ctx, pkg); err != nil {
		t.Fatalf("CommitPackage: %v", err)
	}
	got, err := d.Package(ctx, "jq")
	if err != nil {
		t.Fatalf("Package: %v", err)
	}
	if got == nil {
		t.Fatal("Package returned nil")
	}
	if got.Version != "1.0.0" || len(got.DependsOn) != 1 || got.DependsOn[0] != "oniguruma" {
		t.Fatalf("Package() = %+v", got)
	}
}

func TestCommitPackageTracksStoreRefs(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	pkg := testPackage("jq", "shared-digest")
	if err := d.CommitPackage(ctx, pkg); err != nil {
		t.Fatalf("CommitPackage: %v", err)
	}
	unref, err := d.UnreferencedDigests(ctx)
	if err != nil {
		t.Fatalf("UnreferencedDigests: %v", err)
	}
	if len(unref) != 0 {
		t.Fatalf("expected no unreferenced digests while jq is installed, got %v", unref)
	}
	if err := d.RemovePackage(ctx, "jq"); err != nil {
		t.Fatalf("RemovePackage: %v", err)
	}
	unref, err = d.UnreferencedDigests(ctx)
	if err != nil {
		t.Fatalf("UnreferencedDigests: %v", err)
	}
	if len(unref) != 1 || !unref[0].Equal(pkg.StoreDigest) {
		t.Fatalf("UnreferencedDigests() = %v, want [%v]", unref, pkg.StoreDigest)
	}
}

func TestCommitPackageReinstallSwapsStoreRef(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	if err := d.CommitPackage(ctx, testPackage("jq", "jq-digest-v1")); err != nil {
		t.Fatalf("CommitPackage v1: %v", err)
	}
	v1 := testPackage("jq", "jq-digest-v1")
	v2 := testPackage("jq", "jq-digest-v2")
	if err := d.CommitPackage(ctx, v2); err != nil {
		t.Fatalf("CommitPackage v2: %v", err)
	}
	unref, err := d.UnreferencedDigests(ctx)
	if err != nil {
		t.Fatalf("UnreferencedDigests: %v", err)
	}
	if len(unref) != 1 || !unref[0].Equal(v1.StoreDigest) {
		t.Fatalf("UnreferencedDigests() = %v, want [%v] (the superseded digest)", unref, v1.StoreDigest)
	}
	for _, digest := range unref {
		if digest.Equal(v2.StoreDigest) {
			t.Fatal("current store digest was reported as unreferenced")
		}
	}
}

func TestDependents(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	if err := d.CommitPackage(ctx, testPackage("oniguruma", "oniguruma-digest")); err != nil {
		t.Fatal(err)
	}
	if err := d.CommitPackage(ctx, testPackage("jq", "jq-digest", "oniguruma")); err != nil {
		t.Fatal(err)
	}
	deps, err := d.Dependents(ctx, "oniguruma")
	if err != nil {
		t.Fatalf("Dependents: %v", err)
	}
	if len(deps) != 1 || deps[0] != "jq" {
		t.Fatalf("Dependents() = %v, want [jq]", deps)
	}
}

func TestListPackages(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	if err := d.CommitPackage(ctx, testPackage("a", "a-digest")); err != nil {
		t.Fatal(err)
	}
	if err := d.CommitPackage(ctx, testPackage("b", "b-digest")); err != nil {
		t.Fatal(err)
	}
	pkgs, err := d.ListPackages(ctx)
	if err != nil {
		t.Fatalf("ListPackages: %v", err)
	}
	if len(pkgs) != 2 {
		t.Fatalf("ListPackages() returned %d packages, want 2", len(pkgs))
	}
}
