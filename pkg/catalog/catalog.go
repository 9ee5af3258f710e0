// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package catalog is the Formula Resolver: it turns a package name into a
// concrete Bottle for the current platform by talking to a Homebrew-style
// JSON formula API, the same way pkg/registry/npm.HTTPRegistry turns an npm
// package name into release metadata. Responses are cached in memory with a
// TTL so a multi-node install doesn't refetch the same formula once per
// dependency edge.
package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/zerobrew/zerobrew/internal/httpx"
	"github.com/zerobrew/zerobrew/pkg/zbrew"
)

// DefaultTTL is how long a resolved formula is trusted before Resolve
// refetches it (Open Question: catalog freshness).
const DefaultTTL = 5 * time.Minute

var defaultAPIRoot = mustParseURL("https://formulae.brew.sh/api/")

func mustParseURL(s string) *url.URL {
	u, err := url.Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

// formulaJSON mirrors the subset of formulae.brew.sh's per-formula JSON
// document zerobrew depends on.
type formulaJSON struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Versions struct {
		Stable string `json:"stable"`
	} `json:"versions"`
	Revision int `json:"revision"`
	Bottle   struct {
		Stable struct {
			Rebuild int    `json:"rebuild"`
			RootURL string `json:"root_url"`
			Files   map[string]struct {
				URL    string `json:"url"`
				Sha256 string `json:"sha256"`
			} `json:"files"`
		} `json:"stable"`
	} `json:"bottle"`
	Dependencies []string `json:"dependencies"`
}

// Resolver is a Registry-style client for formula metadata (grounded on
// pkg/registry/npm.HTTPRegistry): a thin HTTP+JSON layer over formula
// metadata with an in-memory TTL cache.
type Resolver struct {
	Client  httpx.BasicClient
	APIRoot *url.URL
	TTL     time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
	group   singleflight.Group
}

type cacheEntry struct {
	bottle  zbrew.Bottle
	expires time.Time
}

// NewResolver returns a Resolver using client for transport. A nil client
// defaults to http.DefaultClient wrapped with a zerobrew User-Agent.
func NewResolver(client httpx.BasicClient) *Resolver {
	if client == nil {
		client = &httpx.WithUserAgent{BasicClient: http.DefaultClient, UserAgent: "zerobrew/0 (+https://github.com/zerobrew/zerobrew)"}
	}
	return &Resolver{
		Client:  client,
		APIRoot: defaultAPIRoot,
		TTL:     DefaultTTL,
		entries: make(map[string]cacheEntry),
	}
}

// Resolve returns the Bottle for name on the current platform, serving from
// cache when the entry is younger than r.TTL.
func (r *Resolver) Resolve(ctx context.Context, name string) (zbrew.Bottle, error) {
	if b, ok := r.cached(name); ok {
		return b, nil
	}
	v, err, _ := r.group.Do(name, func() (interface{}, error) {
		b, err := r.fetch(ctx, name)
		if err != nil {
			return zbrew.Bottle{}, err
		}
		r.mu.Lock()
		r.entries[name] = cacheEntry{bottle: b, expires: time.Now().Add(r.ttl())}
		r.mu.Unlock()
		return b, nil
	})
	if err != nil {
		return zbrew.Bottle{}, err
	}
	return v.(zbrew.Bottle), nil
}

func (r *Resolver) ttl() time.Duration {
	if r.TTL <= 0 {
		return DefaultTTL
	}
	return r.TTL
}

func (r *Resolver) cached(name string) (zbrew.Bottle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok || time.Now().After(e.expires) {
		return zbrew.Bottle{}, false
	}
	return e.bottle, true
}

// Invalidate drops any cached entry for name, forcing the next Resolve to refetch.
func (r *Resolver) Invalidate(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

func (r *Resolver) fetch(ctx context.Context, name string) (zbrew.Bottle, error) {
	pathURL, err := url.Parse(path.Join("formula", name+".json"))
	if err != nil {
		return zbrew.Bottle{}, errors.Wrap(err, "building formula url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.APIRoot.ResolveReference(pathURL).String(), nil)
	if err != nil {
		return zbrew.Bottle{}, errors.Wrap(err, "building formula request")
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return zbrew.Bottle{}, zbrew.NewError(zbrew.UnknownFormula, name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return zbrew.Bottle{}, zbrew.NewError(zbrew.UnknownFormula, name, errors.Errorf("no such formula: %s", name))
	}
	if resp.StatusCode != http.StatusOK {
		return zbrew.Bottle{}, zbrew.NewError(zbrew.UnknownFormula, name, errors.Errorf("formula API status %s", resp.Status))
	}
	var f formulaJSON
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return zbrew.Bottle{}, errors.Wrap(err, "decoding formula json")
	}
	return bottleFromJSON(f)
}

func bottleFromJSON(f formulaJSON) (zbrew.Bottle, error) {
	tag := CurrentPlatformTag()
	file, ok := f.Bottle.Stable.Files[tag]
	if !ok {
		return zbrew.Bottle{}, zbrew.NewError(zbrew.NoBottle, f.Name, errors.Errorf("no bottle for platform %s", tag))
	}
	digest, err := zbrew.ParseDigest(file.Sha256)
	if err != nil {
		return zbrew.Bottle{}, errors.Wrapf(err, "parsing sha256 for %s", f.Name)
	}
	name := f.Name
	if name == "" {
		name = f.FullName
	}
	return zbrew.Bottle{
		Name:        name,
		Version:     f.Versions.Stable,
		Revision:    f.Revision,
		Rebuild:     f.Bottle.Stable.Rebuild,
		PlatformTag: tag,
		URL:         file.URL,
		SHA256:      digest,
		DependsOn:   dedupDeps(f.Dependencies),
	}, nil
}

func dedupDeps(deps []string) []string {
	if len(deps) == 0 {
		return nil
	}
	out := make([]string, 0, len(deps))
	seen := make(map[string]bool, len(deps))
	for _, d := range deps {
		d = strings.TrimSpace(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}
