// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

//go:build !darwin

package catalog

import "runtime"

// CurrentPlatformTag on non-darwin platforms reports a generic Linux tag so
// the resolver and its tests can run on any CI runner; zerobrew only ships
// on macOS, but the Formula Resolver itself has no macOS-only dependency.
func CurrentPlatformTag() string {
	if runtime.GOARCH == "arm64" {
		return "arm64_linux"
	}
	return "x86_64_linux"
}
