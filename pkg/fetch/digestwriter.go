// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"crypto"
	"crypto/sha256"

	"github.com/zerobrew/zerobrew/internal/hashext"
	"github.com/zerobrew/zerobrew/pkg/zbrew"
)

// digestWriter is an io.Writer that accumulates a running SHA-256 sum, used
// to verify a download's digest in the same pass that writes it to disk.
type digestWriter struct {
	h hashext.TypedHash
}

func newDigestWriter() *digestWriter {
	return &digestWriter{h: hashext.NewTypedHash(crypto.SHA256)}
}

func (d *digestWriter) Write(p []byte) (int, error) {
	return d.h.Write(p)
}

func (d *digestWriter) Digest() zbrew.Digest {
	var sum [sha256.Size]byte
	copy(sum[:], d.h.Sum(nil))
	return zbrew.DigestFromSum(sum)
}
