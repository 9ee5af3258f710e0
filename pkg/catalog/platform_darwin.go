// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

//go:build darwin

package catalog

import (
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// macOSCodenames maps a macOS major version to the bottle-tag codename
// Homebrew publishes formula.json files under.
var macOSCodenames = map[int]string{
	26: "tahoe",
	15: "sequoia",
	14: "sonoma",
	13: "ventura",
	12: "monterey",
	11: "big_sur",
}

// CurrentPlatformTag returns the bottle file key for this machine, e.g.
// "arm64_sonoma" or "sonoma" for Intel. Unrecognized macOS versions fall back
// to the arch-only tag so callers get a clear NoBottle error instead of a
// silent mismatch.
func CurrentPlatformTag() string {
	major := majorOSVersion()
	codename, ok := macOSCodenames[major]
	if !ok {
		codename = "unknown_macos_" + strconv.Itoa(major)
	}
	if runtime.GOARCH == "arm64" {
		return "arm64_" + codename
	}
	return codename
}

func majorOSVersion() int {
	release, err := unix.Sysctl("kern.osrelease")
	if err != nil {
		return 0
	}
	// kern.osrelease is the Darwin kernel version, e.g. "23.1.0" for macOS 14.
	// Darwin major = macOS major + 9 from Darwin 20 (macOS 11) through
	// Darwin 24 (macOS 15); Darwin 25 is macOS 26, after which macOS major =
	// Darwin major + 1.
	parts := strings.SplitN(release, ".", 2)
	darwinMajor, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0
	}
	if darwinMajor >= 25 {
		return darwinMajor + 1
	}
	return darwinMajor - 9
}
