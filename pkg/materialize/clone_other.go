// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

//go:build !darwin

package materialize

import "github.com/pkg/errors"

// cloneTree has no non-APFS equivalent; callers fall back to hardlinkTree.
func cloneTree(src, dst string) error {
	return errors.New("clonefile unsupported on this platform")
}
