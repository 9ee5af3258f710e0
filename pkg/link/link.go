// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package link is the Linker: it populates bin/, opt/, and share/man with
// symlinks pointing into a package's Cellar entry, the visible surface a
// user actually invokes. Conflicting links from a different package are
// rejected rather than silently overwritten; links from the same package
// (a reinstall or relink) are replaced idempotently.
package link

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/zerobrew/zerobrew/pkg/zbrew"
)

// Linker populates a Layout's prefix directories with links into the Cellar.
type Linker struct {
	Layout *zbrew.Layout
}

// New returns a Linker operating on layout.
func New(layout *zbrew.Layout) *Linker {
	return &Linker{Layout: layout}
}

// LinkPackage symlinks the files under cellarDir's bin/ and share/man/ into
// the prefix and creates the opt/<name> pointer; lib/ and the rest of share/
// are not linked. It is idempotent for the
// same package and returns LinkConflict if a link already points elsewhere.
func (l *Linker) LinkPackage(name, version, cellarDir string) error {
	optLink := l.Layout.OptLink(name)
	if err := l.replaceSelfLink(optLink, cellarDir, name); err != nil {
		return err
	}

	for _, sub := range []struct {
		cellarSub string
		prefixDir string
	}{
		{"bin", l.Layout.BinDir()},
		{"share/man", l.Layout.ManDir()},
	} {
		srcDir := filepath.Join(cellarDir, sub.cellarSub)
		if _, err := os.Stat(srcDir); os.IsNotExist(err) {
			continue
		}
		if err := l.linkDirContents(name, srcDir, sub.prefixDir); err != nil {
			return err
		}
	}
	return nil
}

// linkDirContents symlinks each top-level entry in srcDir into prefixDir,
// recursing into subdirectories (e.g. share/man/man1) so each leaf file
// gets its own link rather than linking whole directories, which would
// prevent two packages from both contributing files to share/man/man1.
func (l *Linker) linkDirContents(owner, srcDir, prefixDir string) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return errors.Wrapf(err, "reading %s", srcDir)
	}
	for _, e := range entries {
		srcPath := filepath.Join(srcDir, e.Name())
		dstPath := filepath.Join(prefixDir, e.Name())
		if e.IsDir() {
			if err := os.MkdirAll(dstPath, 0o755); err != nil {
				return errors.Wrapf(err, "creating %s", dstPath)
			}
			if err := l.linkDirContents(owner, srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := l.linkFile(owner, srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}

func (l *Linker) linkFile(owner, srcPath, dstPath string) error {
	rel, err := filepath.Rel(filepath.Dir(dstPath), srcPath)
	if err != nil {
		return errors.Wrapf(err, "computing relative link for %s", dstPath)
	}
	if err := l.reclaimDangling(dstPath); err != nil {
		return err
	}
	existing, err := os.Readlink(dstPath)
	if err == nil {
		if existing == rel {
			return nil // already linked to this exact target
		}
		if ownedBySamePackage(existing, rel) {
			if err := os.Remove(dstPath); err != nil {
				return err
			}
		} else {
			return zbrew.NewError(zbrew.LinkConflict, dstPath, errors.Errorf("already linked to %s", existing))
		}
	} else if !os.IsNotExist(err) {
		if _, statErr := os.Stat(dstPath); statErr == nil {
			return zbrew.NewError(zbrew.LinkConflict, dstPath, errors.New("exists and is not a symlink"))
		}
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return err
	}
	return os.Symlink(rel, dstPath)
}

// replaceSelfLink manages the opt/<name> pointer, which always targets
// exactly one Cellar version and so is always safe to overwrite.
func (l *Linker) replaceSelfLink(optLink, cellarDir, name string) error {
	rel, err := filepath.Rel(filepath.Dir(optLink), cellarDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(optLink), 0o755); err != nil {
		return err
	}
	if existing, err := os.Readlink(optLink); err == nil && existing == rel {
		return nil
	}
	if err := os.RemoveAll(optLink); err != nil {
		return errors.Wrapf(err, "removing stale opt link for %s", name)
	}
	return os.Symlink(rel, optLink)
}

// reclaimDangling removes dstPath if it is a symlink pointing at a
// nonexistent target, treating orphaned links from a prior failed or
// partially-uninstalled package as clutter rather than a conflict.
func (l *Linker) reclaimDangling(dstPath string) error {
	info, err := os.Lstat(dstPath)
	if err != nil {
		return nil
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return nil
	}
	if _, err := os.Stat(dstPath); os.IsNotExist(err) {
		return os.Remove(dstPath)
	}
	return nil
}

// ownedBySamePackage reports whether two relative symlink targets refer to
// the same package, i.e. name the same <name> segment after Cellar/; the
// <version> segment is not compared.
func ownedBySamePackage(a, b string) bool {
	return packageOf(a) == packageOf(b) && packageOf(a) != ""
}

// PackageOf extracts the owning package name from a relative symlink target
// of the form ../../Cellar/<name>/<version>/..., or "" if it doesn't look
// like a Cellar-rooted link. Exported so other components (e.g. a verify
// pass) can attribute a bin/share/man link without duplicating the parse.
func PackageOf(relTarget string) string { return packageOf(relTarget) }

func packageOf(relTarget string) string {
	// relTarget looks like ../../Cellar/<name>/<version>/bin/<tool>; walk
	// past the leading ".." segments to find the Cellar/name/version triple.
	segs := splitClean(relTarget)
	for i, s := range segs {
		if s == "Cellar" && i+1 < len(segs) {
			return segs[i+1]
		}
	}
	return ""
}

func splitClean(path string) []string {
	path = filepath.ToSlash(filepath.Clean(path))
	var out []string
	for _, s := range filepathSplit(path) {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func filepathSplit(path string) []string {
	var out []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			out = append(out, path[start:i])
			start = i + 1
		}
	}
	out = append(out, path[start:])
	return out
}

// UnlinkPackage removes name's opt pointer and every bin/man link whose
// target resolves into name's Cellar tree.
func (l *Linker) UnlinkPackage(name string) error {
	if err := os.RemoveAll(l.Layout.OptLink(name)); err != nil {
		return errors.Wrapf(err, "removing opt link for %s", name)
	}
	for _, dir := range []string{l.Layout.BinDir(), l.Layout.ManDir()} {
		if err := l.unlinkOwnedIn(name, dir); err != nil {
			return err
		}
	}
	return nil
}

func (l *Linker) unlinkOwnedIn(name, dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return nil
		}
		target, err := os.Readlink(path)
		if err != nil {
			return nil
		}
		if packageOf(target) == name {
			return os.Remove(path)
		}
		return nil
	})
}
