// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package fetch is the Fetcher: it downloads a Bottle's archive into the
// on-disk cache, verifying its digest as it streams, with bounded global and
// per-host concurrency and exponential backoff on transient failures. It
// never inspects archive contents; that's the Extractor's job once the
// archive is cached.
package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zerobrew/zerobrew/internal/cache"
	"github.com/zerobrew/zerobrew/internal/httpx"
	"github.com/zerobrew/zerobrew/internal/ratex"
	"github.com/zerobrew/zerobrew/internal/syncx"
	"github.com/zerobrew/zerobrew/pkg/zbrew"
)

const (
	// DefaultGlobalConcurrency bounds total in-flight downloads.
	DefaultGlobalConcurrency = 8
	// DefaultHostConcurrency bounds in-flight downloads to a single host.
	DefaultHostConcurrency = 4
	// DefaultAttempts is the number of tries before giving up on a download.
	DefaultAttempts = 3
	// DefaultBackoffMinimum is the starting per-host backoff period.
	DefaultBackoffMinimum = 200 * time.Millisecond
)

// Fetcher downloads and caches bottle archives.
type Fetcher struct {
	Client   httpx.BasicClient
	Layout   *zbrew.Layout
	Attempts int

	globalSem chan struct{}

	hostSems syncx.Map[string, chan struct{}]
	backoffs syncx.Map[string, *ratex.BackoffLimiter]

	inflight cache.Cache
}

// NewFetcher returns a Fetcher writing into layout's cache directory.
func NewFetcher(client httpx.BasicClient, layout *zbrew.Layout) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{
		Client:    client,
		Layout:    layout,
		Attempts:  DefaultAttempts,
		globalSem: make(chan struct{}, DefaultGlobalConcurrency),
		inflight:  &cache.CoalescingMemoryCache{},
	}
}

// Fetch downloads b's archive into the cache directory (if not already
// present) and returns its path. Concurrent Fetch calls for the same digest
// are coalesced into a single download.
func (f *Fetcher) Fetch(ctx context.Context, b zbrew.Bottle) (string, error) {
	dest := f.Layout.CacheFile(b.SHA256)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}
	v, err := f.inflight.GetOrSet(b.SHA256.String(), func() (any, error) {
		return dest, f.download(ctx, b, dest)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (f *Fetcher) download(ctx context.Context, b zbrew.Bottle, dest string) error {
	host := hostOf(b.URL)
	hostSem := f.hostSem(host)
	limiter := f.backoffLimiter(host)

	attempts := f.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := limiter.Wait(ctx); err != nil {
				return zbrew.NewFetchError(b.Name, zbrew.FetchTimeout, err)
			}
		}
		f.globalSem <- struct{}{}
		hostSem <- struct{}{}
		retry, err := f.attempt(ctx, b, dest)
		<-hostSem
		<-f.globalSem
		if err == nil {
			limiter.Success()
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
		limiter.Backoff()
	}
	return lastErr
}

// attempt runs a single download try. The returned bool reports whether a
// subsequent attempt is worth making (transport errors, 5xx, 408, 429);
// digest mismatches and other 4xx responses are not retried.
func (f *Fetcher) attempt(ctx context.Context, b zbrew.Bottle, dest string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.URL, nil)
	if err != nil {
		return false, zbrew.NewFetchError(b.Name, zbrew.FetchTransport, err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return true, zbrew.NewFetchError(b.Name, zbrew.FetchTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := zbrew.NewFetchError(b.Name, zbrew.FetchStatus, errors.Errorf("status %s", resp.Status))
		return retryableStatus(resp.StatusCode), err
	}

	if err := os.MkdirAll(f.Layout.CacheRoot(), 0o755); err != nil {
		return false, errors.Wrap(err, "creating cache dir")
	}
	tmp := filepath.Join(f.Layout.CacheRoot(), ".tmp-"+uuid.NewString())
	out, err := os.Create(tmp)
	if err != nil {
		return false, errors.Wrap(err, "creating temp download file")
	}
	defer os.Remove(tmp)

	hash := newDigestWriter()
	if _, err := io.Copy(out, io.TeeReader(resp.Body, hash)); err != nil {
		out.Close()
		return true, zbrew.NewFetchError(b.Name, zbrew.FetchTransport, err)
	}
	if err := out.Close(); err != nil {
		return false, errors.Wrap(err, "closing temp download file")
	}
	got := hash.Digest()
	if !got.Equal(b.SHA256) {
		return false, zbrew.NewError(zbrew.DigestMismatch, b.Name, errors.Errorf("got %s, want %s", got.Short(), b.SHA256.Short()))
	}
	if err := os.Rename(tmp, dest); err != nil {
		return false, errors.Wrap(err, "installing cached download")
	}
	return false, nil
}

// retryableStatus reports whether an HTTP status code is worth retrying.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	default:
		return code >= 500
	}
}

func (f *Fetcher) hostSem(host string) chan struct{} {
	if s, ok := f.hostSems.Load(host); ok {
		return s
	}
	s, _ := f.hostSems.LoadOrStore(host, make(chan struct{}, DefaultHostConcurrency))
	return s
}

func (f *Fetcher) backoffLimiter(host string) *ratex.BackoffLimiter {
	if l, ok := f.backoffs.Load(host); ok {
		return l
	}
	l, _ := f.backoffs.LoadOrStore(host, ratex.NewBackoffLimiter(DefaultBackoffMinimum))
	return l
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}

