// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

//go:build darwin

package materialize

import "golang.org/x/sys/unix"

// cloneTree attempts an APFS copy-on-write clone of the src directory tree
// to dst in a single syscall. APFS clonefile(2) recurses through
// directories natively, so this is one call rather than a walk.
func cloneTree(src, dst string) error {
	return unix.Clonefile(src, dst, unix.CLONE_NOFOLLOW)
}
