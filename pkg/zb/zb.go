// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package zb is zerobrew's top-level API: install, uninstall, list, gc,
// reset, and the ephemeral run path, each built on the component packages
// (catalog, fetch, store, extract, materialize, link, db, install) the way
// cmd/oss-rebuild/main.go's command handlers are themselves thin wrappers
// over pkg/rebuild/rebuild's actual logic. This is the surface a CLI (or
// any other collaborator) drives; it owns no flag parsing or output
// formatting itself.
package zb

import (
	"context"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/zerobrew/zerobrew/internal/lock"
	"github.com/zerobrew/zerobrew/pkg/db"
	"github.com/zerobrew/zerobrew/pkg/extract"
	"github.com/zerobrew/zerobrew/pkg/install"
	"github.com/zerobrew/zerobrew/pkg/link"
	"github.com/zerobrew/zerobrew/pkg/materialize"
	"github.com/zerobrew/zerobrew/pkg/store"
	"github.com/zerobrew/zerobrew/pkg/zbrew"
)

// Client is the entry point for every zerobrew operation, bound to a single
// on-disk Layout and its open database.
type Client struct {
	Layout  *zbrew.Layout
	Locks   *lock.Manager
	DB      *db.DB
	Store   *store.Store
	Linker  *link.Linker
	Planner *install.Planner
	Logger  *log.Logger
}

// Open resolves cfg into a Client, creating the on-disk layout and opening
// the database if needed.
func Open(cfg zbrew.Config) (*Client, error) {
	layout := cfg.Layout()
	if err := layout.EnsureDirs(); err != nil {
		return nil, errors.Wrap(err, "creating layout")
	}
	locks := lock.NewManager(layout.LocksRoot())
	d, err := db.Open(layout.DBPath())
	if err != nil {
		return nil, err
	}
	st := store.New(layout, locks)
	planner := install.New(layout, locks, d)
	logger := log.New(io.Discard, "", 0)
	planner.Logger = logger
	return &Client{
		Layout:  layout,
		Locks:   locks,
		DB:      d,
		Store:   st,
		Linker:  link.New(layout),
		Planner: planner,
		Logger:  logger,
	}, nil
}

// Close releases the database handle.
func (c *Client) Close() error { return c.DB.Close() }

// Install resolves names (and their transitive dependencies) and installs
// whatever isn't already present at the resolved version, recording
// explicit on every name in names directly (dependencies pulled in along
// the way are recorded non-explicit).
func (c *Client) Install(ctx context.Context, names []string, explicit bool) (install.Result, error) {
	return c.Planner.Plan(ctx, names, explicit)
}

// Uninstall removes name's links, database row, and dependency edges. It
// refuses with a Required error if another installed package still depends
// on name, unless force is set. The CAS entry is left as an orphan for a
// later GC, matching install's own "never implicitly GC" decision.
func (c *Client) Uninstall(ctx context.Context, names []string, force bool) error {
	for _, name := range names {
		if err := c.uninstallOne(ctx, name, force); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) uninstallOne(ctx context.Context, name string, force bool) error {
	if !force {
		dependents, err := c.DB.Dependents(ctx, name)
		if err != nil {
			return err
		}
		if len(dependents) > 0 {
			return zbrew.NewError(zbrew.Required, name, errors.Errorf("still required by %v", dependents))
		}
	}
	// Locks are acquired in the fixed db -> digest -> cellar order (internal/
	// lock's documented invariant), even though the DB row is the last thing
	// actually mutated here.
	dbUnlock, err := c.Locks.Acquire(ctx, lock.DBKey)
	if err != nil {
		return err
	}
	defer dbUnlock.Unlock()

	unlock, err := c.Locks.Acquire(ctx, lock.CellarKey(name))
	if err != nil {
		return err
	}
	defer unlock.Unlock()

	if err := c.Linker.UnlinkPackage(name); err != nil {
		return err
	}
	pkg, err := c.DB.Package(ctx, name)
	if err != nil {
		return err
	}
	if err := c.DB.RemovePackage(ctx, name); err != nil {
		return err
	}
	if pkg != nil {
		if err := os.RemoveAll(c.Layout.Cellar(name, pkg.Version)); err != nil {
			return errors.Wrapf(err, "removing cellar entry for %s", name)
		}
	}
	return nil
}

// List returns every installed package. If explicitOnly is set, only
// packages installed directly by the user (not pulled in as a dependency)
// are returned.
func (c *Client) List(ctx context.Context, explicitOnly bool) ([]zbrew.Package, error) {
	pkgs, err := c.DB.ListPackages(ctx)
	if err != nil {
		return nil, err
	}
	if !explicitOnly {
		return pkgs, nil
	}
	out := pkgs[:0]
	for _, p := range pkgs {
		if p.Explicit {
			out = append(out, p)
		}
	}
	return out, nil
}

// GC reclaims every store entry with a zero refcount that isn't currently
// pinned by an in-flight Run, returning the digests it removed.
func (c *Client) GC(ctx context.Context) ([]zbrew.Digest, error) {
	unref, err := c.DB.UnreferencedDigests(ctx)
	if err != nil {
		return nil, err
	}
	var removed []zbrew.Digest
	for _, digest := range unref {
		if c.Store.Pinned(digest) {
			continue
		}
		if err := c.Store.Remove(ctx, digest); err != nil {
			if os.IsNotExist(errors.Cause(err)) {
				_ = c.DB.ForgetDigest(ctx, digest)
				continue
			}
			return removed, err
		}
		if err := c.DB.ForgetDigest(ctx, digest); err != nil {
			return removed, err
		}
		removed = append(removed, digest)
	}
	return removed, nil
}

// Reset wipes the entire on-disk tree, including lock files (the one
// operation permitted to remove them, per lock.Manager's own design note).
// Any process holding a lock at the time loses it; callers are expected to
// ensure no install/uninstall/gc is concurrently running.
func (c *Client) Reset(ctx context.Context) error {
	if err := c.DB.Close(); err != nil {
		return err
	}
	if err := os.RemoveAll(c.Layout.Root); err != nil {
		return errors.Wrap(err, "removing root")
	}
	if c.Layout.Prefix != "" {
		if err := os.RemoveAll(c.Layout.Prefix); err != nil {
			return errors.Wrap(err, "removing prefix")
		}
	}
	fresh, err := Open(zbrew.Config{Root: c.Layout.Root, Prefix: c.Layout.Prefix})
	if err != nil {
		return err
	}
	*c = *fresh
	return nil
}

// Run materializes name's store entry into a scratch directory (without
// linking it into the shared prefix) and execs its named binary with args,
// streaming stdio through. The store entry is pinned for the duration so a
// GC in this process cannot reclaim it mid-run; pins live in this process's
// memory, so a gc run by another process does not see them.
func (c *Client) Run(ctx context.Context, name string, args []string) error {
	bottle, err := c.Planner.Resolver.Resolve(ctx, name)
	if err != nil {
		return err
	}
	if !c.Store.Has(bottle.SHA256) {
		archivePath, err := c.Planner.Fetcher.Fetch(ctx, bottle)
		if err != nil {
			return err
		}
		stageDir, err := c.Store.StageDir()
		if err != nil {
			return err
		}
		if err := extract.Extract(archivePath, stageDir); err != nil {
			return err
		}
		if err := c.Store.Ingest(ctx, bottle.SHA256, zbrew.BottleTreeKind, 0, stageDir); err != nil {
			return err
		}
	}

	c.Store.Pin(bottle.SHA256)
	defer c.Store.Unpin(bottle.SHA256)

	runDir, err := os.MkdirTemp("", "zerobrew-run-*")
	if err != nil {
		return errors.Wrap(err, "creating run scratch dir")
	}
	defer os.RemoveAll(runDir)

	storeDir := filepath.Join(c.Store.Path(bottle.SHA256), name, bottle.AnnotatedVersion())
	m := materialize.New(c.Layout.PrefixRoot())
	if err := m.Materialize(storeDir, filepath.Join(runDir, "tree")); err != nil {
		return err
	}

	bin := filepath.Join(runDir, "tree", "bin", name)
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
