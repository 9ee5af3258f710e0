// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package zbrew

import (
	"strings"
	"testing"
)

func TestParseDigestRoundTrip(t *testing.T) {
	d, n, err := SumReader(strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("SumReader: %v", err)
	}
	if n != 11 {
		t.Fatalf("n = %d, want 11", n)
	}
	parsed, err := ParseDigest(d.String())
	if err != nil {
		t.Fatalf("ParseDigest: %v", err)
	}
	if !parsed.Equal(d) {
		t.Fatalf("parsed digest %v != original %v", parsed, d)
	}
}

func TestParseDigestInvalidLength(t *testing.T) {
	if _, err := ParseDigest("deadbeef"); err == nil {
		t.Fatal("expected error for short digest")
	}
}

func TestDigestIsZero(t *testing.T) {
	var d Digest
	if !d.IsZero() {
		t.Fatal("zero value Digest should be IsZero")
	}
	d2, _, _ := SumReader(strings.NewReader("x"))
	if d2.IsZero() {
		t.Fatal("non-zero digest reported IsZero")
	}
}

func TestBottleAnnotatedVersion(t *testing.T) {
	cases := []struct {
		b    Bottle
		want string
	}{
		{Bottle{Version: "1.2.3"}, "1.2.3"},
		{Bottle{Version: "1.2.3", Revision: 1}, "1.2.3_1"},
		{Bottle{Version: "1.2.3", Rebuild: 2}, "1.2.3-2"},
		{Bottle{Version: "1.2.3", Revision: 1, Rebuild: 2}, "1.2.3_1-2"},
	}
	for _, c := range cases {
		if got := c.b.AnnotatedVersion(); got != c.want {
			t.Errorf("AnnotatedVersion(%+v) = %q, want %q", c.b, got, c.want)
		}
	}
}
