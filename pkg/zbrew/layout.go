// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package zbrew

import (
	"os"
	"path/filepath"
	"runtime"
)

// Layout is the single source of truth for the on-disk tree described in
// spec §3. Every other package takes a *Layout rather than re-deriving
// paths, the way pkg/rebuild/rebuild.Target derives asset paths in the
// teacher.
type Layout struct {
	Root string
	// Prefix overrides PrefixRoot() when non-empty (ZEROBREW_PREFIX), so
	// the installed tree (bin/opt/share/Cellar) can live apart from the
	// root that holds store/db/cache/locks.
	Prefix string
}

// DefaultRoot returns the default root directory: macOS uses /opt/zerobrew,
// everything else falls back to $XDG_DATA_HOME/zerobrew (so the Extractor,
// Materializer, and DB code can be exercised in tests on non-darwin CI).
func DefaultRoot() string {
	if runtime.GOOS == "darwin" {
		return "/opt/zerobrew"
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "zerobrew")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "share", "zerobrew")
}

// NewLayout returns a Layout rooted at root, or DefaultRoot() if root is "".
func NewLayout(root string) *Layout {
	if root == "" {
		root = DefaultRoot()
	}
	return &Layout{Root: root}
}

func (l *Layout) StoreRoot() string   { return filepath.Join(l.Root, "store") }
func (l *Layout) StoreTmpRoot() string { return filepath.Join(l.StoreRoot(), ".tmp") }
func (l *Layout) StoreEntry(d Digest) string {
	return filepath.Join(l.StoreRoot(), d.String())
}
func (l *Layout) StoreEntrySentinel(d Digest) string {
	return filepath.Join(l.StoreRoot(), d.String()+".ready")
}
func (l *Layout) StoreTmpEntry(uuid string) string {
	return filepath.Join(l.StoreTmpRoot(), uuid)
}

func (l *Layout) PrefixRoot() string {
	if l.Prefix != "" {
		return l.Prefix
	}
	return filepath.Join(l.Root, "prefix")
}
func (l *Layout) CellarRoot() string { return filepath.Join(l.PrefixRoot(), "Cellar") }
func (l *Layout) Cellar(name, version string) string {
	return filepath.Join(l.CellarRoot(), name, version)
}
func (l *Layout) BinDir() string      { return filepath.Join(l.PrefixRoot(), "bin") }
func (l *Layout) OptDir() string      { return filepath.Join(l.PrefixRoot(), "opt") }
func (l *Layout) OptLink(name string) string { return filepath.Join(l.OptDir(), name) }
func (l *Layout) ShareDir() string    { return filepath.Join(l.PrefixRoot(), "share") }
func (l *Layout) ManDir() string      { return filepath.Join(l.ShareDir(), "man") }

func (l *Layout) CacheRoot() string { return filepath.Join(l.Root, "cache") }
func (l *Layout) CacheFile(d Digest) string {
	return filepath.Join(l.CacheRoot(), d.String()+".tar.gz")
}

func (l *Layout) DBDir() string  { return filepath.Join(l.Root, "db") }
func (l *Layout) DBPath() string { return filepath.Join(l.DBDir(), "zerobrew.sqlite") }

func (l *Layout) LocksRoot() string { return filepath.Join(l.Root, "locks") }
func (l *Layout) LockPath(key string) string {
	return filepath.Join(l.LocksRoot(), key+".lock")
}

// EnsureDirs creates the top-level directories (store, prefix subtrees,
// cache, db, locks) if they do not already exist.
func (l *Layout) EnsureDirs() error {
	dirs := []string{
		l.StoreRoot(), l.StoreTmpRoot(),
		l.CellarRoot(), l.BinDir(), l.OptDir(), l.ManDir(),
		l.CacheRoot(), l.DBDir(), l.LocksRoot(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}
