// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/zerobrew/zerobrew/pkg/zbrew"
)

type fakeHTTPClient struct {
	calls  int
	DoFunc func(*http.Request) (*http.Response, error)
}

func (c *fakeHTTPClient) Do(req *http.Request) (*http.Response, error) {
	c.calls++
	return c.DoFunc(req)
}

func jsonBody(s string) io.ReadCloser {
	return io.NopCloser(bytes.NewReader([]byte(s)))
}

func formulaDoc(tag string) string {
	return fmt.Sprintf(`{
		"name": "jq",
		"versions": {"stable": "1.7.1"},
		"revision": 0,
		"bottle": {"stable": {"rebuild": 0, "root_url": "https://ghcr.io/v2/homebrew/core/jq", "files": {
			%q: {"url": "https://ghcr.io/v2/homebrew/core/jq/blobs/sha256:deadbeef", "sha256": "%s"}
		}}},
		"dependencies": ["oniguruma", "oniguruma"]
	}`, tag, "00000000000000000000000000000000000000000000000000000000000000aa")
}

func TestResolveParsesBottle(t *testing.T) {
	tag := CurrentPlatformTag()
	client := &fakeHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK, Body: jsonBody(formulaDoc(tag))}, nil
	}}
	r := NewResolver(client)
	b, err := r.Resolve(context.Background(), "jq")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := zbrew.Bottle{
		Name:        "jq",
		Version:     "1.7.1",
		PlatformTag: tag,
		URL:         "https://ghcr.io/v2/homebrew/core/jq/blobs/sha256:deadbeef",
		SHA256:      zbrew.MustParseDigest("00000000000000000000000000000000000000000000000000000000000000aa"),
		DependsOn:   []string{"oniguruma"},
	}
	if diff := cmp.Diff(want, b, cmp.AllowUnexported(zbrew.Digest{})); diff != "" {
		t.Fatalf("Resolve() mismatch (-want +got):\n%s", diff)
	}
	if client.calls != 1 {
		t.Fatalf("calls = %d, want 1", client.calls)
	}
}

func TestResolveCachesWithinTTL(t *testing.T) {
	tag := CurrentPlatformTag()
	client := &fakeHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK, Body: jsonBody(formulaDoc(tag))}, nil
	}}
	r := NewResolver(client)
	ctx := context.Background()
	if _, err := r.Resolve(ctx, "jq"); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	if _, err := r.Resolve(ctx, "jq"); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if client.calls != 1 {
		t.Fatalf("calls = %d, want 1 (second call should hit cache)", client.calls)
	}
	r.Invalidate("jq")
	if _, err := r.Resolve(ctx, "jq"); err != nil {
		t.Fatalf("third Resolve: %v", err)
	}
	if client.calls != 2 {
		t.Fatalf("calls = %d, want 2 (after Invalidate)", client.calls)
	}
}

func TestResolveMissingPlatform(t *testing.T) {
	client := &fakeHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK, Body: jsonBody(formulaDoc("some_other_platform"))}, nil
	}}
	r := NewResolver(client)
	_, err := r.Resolve(context.Background(), "jq")
	if zbrew.KindOf(err) != zbrew.NoBottle {
		t.Fatalf("KindOf(err) = %v, want NoBottle", zbrew.KindOf(err))
	}
}

func TestResolveNotFound(t *testing.T) {
	client := &fakeHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusNotFound, Body: jsonBody(`{}`)}, nil
	}}
	r := NewResolver(client)
	_, err := r.Resolve(context.Background(), "nonexistent")
	if zbrew.KindOf(err) != zbrew.UnknownFormula {
		t.Fatalf("KindOf(err) = %v, want UnknownFormula", zbrew.KindOf(err))
	}
}
