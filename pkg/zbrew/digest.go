// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package zbrew holds the vocabulary shared across the zerobrew install
// pipeline: digests, bottles, packages, and the on-disk layout that every
// other package derives its paths from.
package zbrew

import (
	"crypto"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/pkg/errors"

	"github.com/zerobrew/zerobrew/internal/hashext"
)

// Digest is a 32-byte SHA-256 sum, the identity used throughout the store,
// cache, and database.
type Digest struct {
	sum [sha256.Size]byte
}

// ParseDigest parses the lowercase hex form of a Digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if len(s) != sha256.Size*2 {
		return d, errors.Errorf("digest %q: want %d hex chars, got %d", s, sha256.Size*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, errors.Wrapf(err, "parsing digest %q", s)
	}
	copy(d.sum[:], b)
	return d, nil
}

// MustParseDigest is ParseDigest but panics on error, for use with constants.
func MustParseDigest(s string) Digest {
	d, err := ParseDigest(s)
	if err != nil {
		panic(err)
	}
	return d
}

// DigestFromSum wraps a raw 32-byte SHA-256 sum.
func DigestFromSum(sum [sha256.Size]byte) Digest {
	return Digest{sum: sum}
}

// SumReader computes the Digest of r by streaming it to sha256, returning
// the number of bytes consumed.
func SumReader(r io.Reader) (Digest, int64, error) {
	h := hashext.NewTypedHash(crypto.SHA256)
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, n, errors.Wrap(err, "hashing stream")
	}
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return Digest{sum: sum}, n, nil
}

// String returns the lowercase hex form of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d.sum[:])
}

// Short returns the first 12 hex characters, for log lines.
func (d Digest) Short() string {
	s := d.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// IsZero reports whether d is the zero digest (never a valid content digest).
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Equal reports whether two digests are identical.
func (d Digest) Equal(o Digest) bool {
	return d.sum == o.sum
}
