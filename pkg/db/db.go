// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package db is the Database: the SQLite-backed record of what's installed,
// what depends on what, and which store entries are referenced, so the
// Install Planner can diff a desired set of packages against reality and the
// GC pass can tell a live store entry from an orphan. Schema and access
// pattern (an exec'd schema string, a single *sql.DB guarded by an
// in-process RWMutex) follow internal/northstar.Store.
package db

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/zerobrew/zerobrew/pkg/zbrew"
)

const schema = `
CREATE TABLE IF NOT EXISTS packages (
	name TEXT PRIMARY KEY,
	version TEXT NOT NULL,
	revision INTEGER NOT NULL DEFAULT 0,
	store_digest TEXT NOT NULL,
	installed_at DATETIME NOT NULL,
	explicit INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS dependencies (
	package TEXT NOT NULL,
	depends_on TEXT NOT NULL,
	PRIMARY KEY (package, depends_on),
	FOREIGN KEY (package) REFERENCES packages(name) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_dependencies_depends_on ON dependencies(depends_on);

CREATE TABLE IF NOT EXISTS store_refs (
	digest TEXT PRIMARY KEY,
	refcount INTEGER NOT NULL DEFAULT 0
);

-- store_refs.refcount is maintained entirely by these triggers, not by
-- application code, so it can never drift from what packages actually
-- references regardless of which path mutates the table.
CREATE TRIGGER IF NOT EXISTS trg_packages_insert AFTER INSERT ON packages BEGIN
	INSERT INTO store_refs (digest, refcount) VALUES (NEW.store_digest, 1)
	ON CONFLICT(digest) DO UPDATE SET refcount = refcount + 1;
END;

CREATE TRIGGER IF NOT EXISTS trg_packages_update_digest
AFTER UPDATE OF store_digest ON packages
WHEN NEW.store_digest != OLD.store_digest
BEGIN
	UPDATE store_refs SET refcount = MAX(0, refcount - 1) WHERE digest = OLD.store_digest;
	INSERT INTO store_refs (digest, refcount) VALUES (NEW.store_digest, 1)
	ON CONFLICT(digest) DO UPDATE SET refcount = refcount + 1;
END;

CREATE TRIGGER IF NOT EXISTS trg_packages_delete AFTER DELETE ON packages BEGIN
	UPDATE store_refs SET refcount = MAX(0, refcount - 1) WHERE digest = OLD.store_digest;
END;
`

// DB is the local install database.
type DB struct {
	sqlDB *sql.DB
	path  string
	mu    sync.RWMutex
}

// Open creates or opens the database at path, creating its parent directory
// and initializing the schema if needed.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "creating db directory")
	}
	sqlDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, zbrew.NewError(zbrew.DbError, "", errors.Wrap(err, "opening database"))
	}
	d := &DB{sqlDB: sqlDB, path: path}
	if _, err := d.sqlDB.Exec(schema); err != nil {
		sqlDB.Close()
		return nil, zbrew.NewError(zbrew.DbError, "", errors.Wrap(err, "initializing schema"))
	}
	return d, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error { return d.sqlDB.Close() }

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// CommitPackage records a package as installed (or reinstalled), replacing
// its dependency edges. store_refs is kept in sync by the schema's own
// triggers, not by this method. The whole operation runs in a single
// transaction so a crash mid-commit never leaves the dependency table out
// of sync with packages.
func (d *DB) CommitPackage(ctx context.Context, pkg zbrew.Package) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return zbrew.NewError(zbrew.DbError, pkg.Name, err)
	}
	defer tx.Rollback()

	explicit := 0
	if pkg.Explicit {
		explicit = 1
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO packages (name, version, revision, store_digest, installed_at, explicit)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			version = excluded.version,
			revision = excluded.revision,
			store_digest = excluded.store_digest,
			installed_at = excluded.installed_at,
			explicit = MAX(packages.explicit, excluded.explicit)
	`, pkg.Name, pkg.Version, pkg.Revision, pkg.StoreDigest.String(), pkg.InstalledAt, explicit); err != nil {
		return zbrew.NewError(zbrew.DbError, pkg.Name, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM dependencies WHERE package = ?`, pkg.Name); err != nil {
		return zbrew.NewError(zbrew.DbError, pkg.Name, err)
	}
	for _, dep := range pkg.DependsOn {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO dependencies (package, depends_on) VALUES (?, ?)`, pkg.Name, dep); err != nil {
			return zbrew.NewError(zbrew.DbError, pkg.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return zbrew.NewError(zbrew.DbError, pkg.Name, err)
	}
	return nil
}

// RemovePackage deletes pkg's row and its dependency edges. store_refs is
// decremented by the schema's own trigger on the packages delete.
func (d *DB) RemovePackage(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.sqlDB.ExecContext(ctx, `DELETE FROM packages WHERE name = ?`, name); err != nil {
		return zbrew.NewError(zbrew.DbError, name, err)
	}
	return nil
}

// Package returns the installed package record for name, or nil if absent.
func (d *DB) Package(ctx context.Context, name string) (*zbrew.Package, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, deps, err := d.loadPackage(ctx, name)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	p.DependsOn = deps
	return p, nil
}

func (d *DB) loadPackage(ctx context.Context, name string) (*zbrew.Package, []string, error) {
	var p zbrew.Package
	var digestHex string
	var explicit int
	err := d.sqlDB.QueryRowContext(ctx, `
		SELECT name, version, revision, store_digest, installed_at, explicit
		FROM packages WHERE name = ?
	`, name).Scan(&p.Name, &p.Version, &p.Revision, &digestHex, &p.InstalledAt, &explicit)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, zbrew.NewError(zbrew.DbError, name, err)
	}
	p.Explicit = explicit != 0
	digest, err := zbrew.ParseDigest(digestHex)
	if err != nil {
		return nil, nil, zbrew.NewError(zbrew.DbError, name, err)
	}
	p.StoreDigest = digest

	rows, err := d.sqlDB.QueryContext(ctx, `SELECT depends_on FROM dependencies WHERE package = ?`, name)
	if err != nil {
		return nil, nil, zbrew.NewError(zbrew.DbError, name, err)
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, nil, zbrew.NewError(zbrew.DbError, name, err)
		}
		deps = append(deps, dep)
	}
	return &p, deps, nil
}

// ListPackages returns every installed package, with its dependency edges.
func (d *DB) ListPackages(ctx context.Context) ([]zbrew.Package, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.sqlDB.QueryContext(ctx, `SELECT name FROM packages ORDER BY name`)
	if err != nil {
		return nil, zbrew.NewError(zbrew.DbError, "", err)
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return nil, zbrew.NewError(zbrew.DbError, "", err)
		}
		names = append(names, n)
	}
	rows.Close()

	out := make([]zbrew.Package, 0, len(names))
	for _, n := range names {
		p, deps, err := d.loadPackage(ctx, n)
		if err != nil {
			return nil, err
		}
		if p == nil {
			continue
		}
		p.DependsOn = deps
		out = append(out, *p)
	}
	return out, nil
}

// Dependents returns the names of installed packages that directly depend on name.
func (d *DB) Dependents(ctx context.Context, name string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.sqlDB.QueryContext(ctx, `SELECT package FROM dependencies WHERE depends_on = ?`, name)
	if err != nil {
		return nil, zbrew.NewError(zbrew.DbError, name, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, zbrew.NewError(zbrew.DbError, name, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// UnreferencedDigests returns store digests with a zero refcount: the
// candidate set for GC to reclaim.
func (d *DB) UnreferencedDigests(ctx context.Context) ([]zbrew.Digest, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.sqlDB.QueryContext(ctx, `SELECT digest FROM store_refs WHERE refcount <= 0`)
	if err != nil {
		return nil, zbrew.NewError(zbrew.DbError, "", err)
	}
	defer rows.Close()
	var out []zbrew.Digest
	for rows.Next() {
		var hex string
		if err := rows.Scan(&hex); err != nil {
			return nil, zbrew.NewError(zbrew.DbError, "", err)
		}
		d, err := zbrew.ParseDigest(hex)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// ForgetDigest removes digest's store_refs row entirely, once GC has
// reclaimed the store entry itself.
func (d *DB) ForgetDigest(ctx context.Context, digest zbrew.Digest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sqlDB.ExecContext(ctx, `DELETE FROM store_refs WHERE digest = ?`, digest.String())
	if err != nil {
		return zbrew.NewError(zbrew.DbError, "", err)
	}
	return nil
}
