// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package zbrew

import (
	"testing"

	"github.com/pkg/errors"
)

func TestErrorKindOfWrapped(t *testing.T) {
	base := NewError(DigestMismatch, "jq", errors.New("sha mismatch"))
	wrapped := errors.Wrap(base, "ingest")
	if KindOf(wrapped) != DigestMismatch {
		t.Fatalf("KindOf(wrapped) = %v, want DigestMismatch", KindOf(wrapped))
	}
	if !Is(wrapped, DigestMismatch) {
		t.Fatal("Is(wrapped, DigestMismatch) = false")
	}
	if Is(wrapped, NoBottle) {
		t.Fatal("Is(wrapped, NoBottle) = true, want false")
	}
}

func TestErrorMessage(t *testing.T) {
	e := NewFetchError("wget", FetchTimeout, errors.New("deadline exceeded"))
	want := "FetchFailed[wget] (timeout): deadline exceeded"
	if e.Error() != want {
		t.Fatalf("Error() = %q, want %q", e.Error(), want)
	}
}
