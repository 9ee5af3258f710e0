// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package install is the Install Planner: it resolves a requested package
// (and its transitive dependencies) against the Formula Resolver, diffs the
// result against the local database, and drives each new node through the
// Acquire (fetch, verify, ingest) then Emit (materialize, link, commit)
// stages. Acquisition is unordered and runs with bounded fan-out; Emit
// respects dependency order so a package is never linked before what it
// depends on is already present in the Cellar. This two-stage split and its
// per-node handle bookkeeping follow pkg/build/local.DockerBuildExecutor;
// the overall resolve-then-fan-out-then-fan-in shape follows brewery's
// InstallParallel2, generalized here to respect dependency order at the
// Emit boundary instead of treating the whole batch as one flat stage.
package install

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/zerobrew/zerobrew/internal/lock"
	"github.com/zerobrew/zerobrew/pkg/catalog"
	"github.com/zerobrew/zerobrew/pkg/db"
	"github.com/zerobrew/zerobrew/pkg/extract"
	"github.com/zerobrew/zerobrew/pkg/fetch"
	"github.com/zerobrew/zerobrew/pkg/link"
	"github.com/zerobrew/zerobrew/pkg/materialize"
	"github.com/zerobrew/zerobrew/pkg/store"
	"github.com/zerobrew/zerobrew/pkg/zbrew"
)

// DefaultMaxParallel bounds the number of nodes acquired concurrently.
const DefaultMaxParallel = 4

// Planner wires the Formula Resolver, Fetcher, Store, Extractor,
// Materializer, Linker and Database into the install pipeline.
type Planner struct {
	Layout      *zbrew.Layout
	Resolver    *catalog.Resolver
	Fetcher     *fetch.Fetcher
	Store       *store.Store
	Materialize *materialize.Materializer
	Linker      *link.Linker
	DB          *db.DB
	Locks       *lock.Manager

	MaxParallel int
	Logger      *log.Logger
}

// New returns a Planner built from layout's on-disk tree. Callers that need
// a custom HTTP client or a non-default prefix should construct the
// collaborators themselves and assign them to the returned Planner's fields.
func New(layout *zbrew.Layout, locks *lock.Manager, d *db.DB) *Planner {
	st := store.New(layout, locks)
	return &Planner{
		Layout:      layout,
		Resolver:    catalog.NewResolver(nil),
		Fetcher:     fetch.NewFetcher(nil, layout),
		Store:       st,
		Materialize: materialize.New(layout.PrefixRoot()),
		Linker:      link.New(layout),
		DB:          d,
		Locks:       locks,
		MaxParallel: DefaultMaxParallel,
		Logger:      log.New(io.Discard, "", 0),
	}
}

// node tracks one package's progress through the pipeline.
type node struct {
	mu      sync.Mutex
	name    string
	bottle  zbrew.Bottle
	state   zbrew.NodeState
	err     error
	emitted chan struct{} // closed once this node's Emit stage completes (success or failure)
}

func (n *node) setState(s zbrew.NodeState) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

func (n *node) fail(err error) {
	n.mu.Lock()
	n.state = zbrew.StateFailed
	n.err = err
	n.mu.Unlock()
}

func (n *node) snapshot() (zbrew.NodeState, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state, n.err
}

// Result is the outcome of planning and running an install for one or more
// requested packages.
type Result struct {
	Installed []string
	Failed    map[string]error
}

// Plan resolves names and their transitive dependencies, then installs every
// node not already present in the database at the resolved version. names
// that are already installed at the resolved version are left untouched but
// still counted as Installed (idempotent request).
func (p *Planner) Plan(ctx context.Context, names []string, explicit bool) (Result, error) {
	resolved, order, err := p.resolveClosure(ctx, names)
	if err != nil {
		return Result{}, err
	}
	for _, name := range names {
		if n, ok := resolved[name]; ok {
			n.explicit = explicit
		}
	}
	return p.run(ctx, resolved, order)
}

type resolvedNode struct {
	bottle   zbrew.Bottle
	explicit bool
}

// resolveClosure resolves every name and its transitive DependsOn edges,
// returning the full node set and a dependency-respecting emit order
// (dependencies before dependents, i.e. a topological sort).
func (p *Planner) resolveClosure(ctx context.Context, names []string) (map[string]*resolvedNode, []string, error) {
	resolved := make(map[string]*resolvedNode)
	var order []string
	visiting := make(map[string]bool)

	var visit func(name string) error
	visit = func(name string) error {
		if _, ok := resolved[name]; ok {
			return nil
		}
		if visiting[name] {
			return errors.Errorf("dependency cycle detected at %s", name)
		}
		visiting[name] = true
		b, err := p.Resolver.Resolve(ctx, name)
		if err != nil {
			return err
		}
		for _, dep := range b.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		resolved[name] = &resolvedNode{bottle: b}
		order = append(order, name)
		visiting[name] = false
		return nil
	}
	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, nil, err
		}
	}
	return resolved, order, nil
}

// run acquires every resolved node with bounded concurrency and emits them
// in dependency order, skipping nodes already installed at the resolved
// version and revision.
func (p *Planner) run(ctx context.Context, resolved map[string]*resolvedNode, order []string) (Result, error) {
	nodes := make(map[string]*node, len(resolved))
	for name, rn := range resolved {
		nodes[name] = &node{name: name, bottle: rn.bottle, state: zbrew.StateResolved, emitted: make(chan struct{})}
	}

	toInstall := make([]string, 0, len(order))
	for _, name := range order {
		existing, err := p.DB.Package(ctx, name)
		if err != nil {
			return Result{}, err
		}
		n := nodes[name]
		if existing != nil && existing.Version == n.bottle.Version && existing.Revision == n.bottle.Revision {
			n.setState(zbrew.StateCommitted)
			close(n.emitted)
			continue
		}
		toInstall = append(toInstall, name)
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, p.maxParallel())
	for _, name := range toInstall {
		name := name
		n := nodes[name]
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			p.acquire(gctx, n)
			return nil // acquisition failures are per-node, not fatal to the group
		})
	}
	_ = g.Wait()

	result := Result{Failed: make(map[string]error)}
	for _, name := range order {
		n := nodes[name]
		if st, _ := n.snapshot(); st == zbrew.StateFailed || st == zbrew.StateCommitted {
			if st == zbrew.StateFailed {
				close(n.emitted) // let dependents see the failure; committed nodes were closed above
			}
			continue // already-failed acquisition, or already installed and skipped above
		}
		p.emit(ctx, nodes, name, resolved[name].explicit)
	}
	for _, name := range order {
		n := nodes[name]
		st, err := n.snapshot()
		if st == zbrew.StateCommitted {
			result.Installed = append(result.Installed, name)
		} else if err != nil {
			result.Failed[name] = err
		}
	}
	return result, nil
}

func (p *Planner) maxParallel() int {
	if p.MaxParallel <= 0 {
		return DefaultMaxParallel
	}
	return p.MaxParallel
}

// acquire runs the Fetch -> Extract -> Ingest sequence for a single node.
// It is safe to run concurrently across nodes; it does not touch the Cellar
// or database.
func (p *Planner) acquire(ctx context.Context, n *node) {
	n.setState(zbrew.StateAcquiring)
	if p.Store.Has(n.bottle.SHA256) {
		n.setState(zbrew.StateReady)
		return
	}
	p.Logger.Printf("fetching %s %s", n.name, n.bottle.AnnotatedVersion())
	archivePath, err := p.Fetcher.Fetch(ctx, n.bottle)
	if err != nil {
		n.fail(err)
		return
	}
	n.setState(zbrew.StateIngesting)
	stageDir, err := p.Store.StageDir()
	if err != nil {
		n.fail(err)
		return
	}
	if err := extract.Extract(archivePath, stageDir); err != nil {
		n.fail(err)
		return
	}
	if err := p.Store.Ingest(ctx, n.bottle.SHA256, zbrew.BottleTreeKind, 0, stageDir); err != nil {
		n.fail(err)
		return
	}
	n.setState(zbrew.StateReady)
}

// emit runs the Materialize -> Link -> Commit sequence for a single node,
// in dependency order, so by the time a dependent is emitted every package
// it depends on is already linked into the prefix.
func (p *Planner) emit(ctx context.Context, nodes map[string]*node, name string, explicit bool) {
	n := nodes[name]
	defer close(n.emitted)

	st, _ := n.snapshot()
	if st != zbrew.StateReady {
		return
	}
	for _, dep := range n.bottle.DependsOn {
		if depNode, ok := nodes[dep]; ok {
			<-depNode.emitted
			if depSt, _ := depNode.snapshot(); depSt == zbrew.StateFailed {
				n.fail(errors.Errorf("dependency %s failed", dep))
				return
			}
		}
	}

	// Locks are acquired in the fixed db -> digest -> cellar order (internal/
	// lock's documented invariant), so the DB lock is taken before the Cellar
	// lock even though the commit itself happens last.
	dbUnlock, err := p.Locks.Acquire(ctx, lock.DBKey)
	if err != nil {
		n.fail(err)
		return
	}
	defer dbUnlock.Unlock()

	unlock, err := p.Locks.Acquire(ctx, lock.CellarKey(name))
	if err != nil {
		n.fail(err)
		return
	}
	defer unlock.Unlock()

	n.setState(zbrew.StateMaterializing)
	cellarDir := p.Layout.Cellar(name, n.bottle.AnnotatedVersion())
	// Bottle archives nest their payload under <name>/<version>/ (the real
	// Homebrew convention), so the CAS entry holds that same nesting; only
	// the inner directory is what gets cloned into the Cellar.
	storeDir := filepath.Join(p.Store.Path(n.bottle.SHA256), name, n.bottle.AnnotatedVersion())
	if err := p.Materialize.Materialize(storeDir, cellarDir); err != nil && zbrew.KindOf(err) != zbrew.MaterializeConflict {
		n.fail(err)
		return
	}

	n.setState(zbrew.StateLinking)
	if err := p.Linker.LinkPackage(name, n.bottle.AnnotatedVersion(), cellarDir); err != nil {
		n.fail(err)
		return
	}

	pkg := zbrew.Package{
		Name:        name,
		Version:     n.bottle.Version,
		Revision:    n.bottle.Revision,
		StoreDigest: n.bottle.SHA256,
		InstalledAt: time.Now(),
		Explicit:    explicit,
		DependsOn:   n.bottle.DependsOn,
	}
	if err := p.DB.CommitPackage(ctx, pkg); err != nil {
		n.fail(err)
		return
	}
	n.setState(zbrew.StateCommitted)
	p.Logger.Printf("installed %s %s", name, n.bottle.AnnotatedVersion())
}
