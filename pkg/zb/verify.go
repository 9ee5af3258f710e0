// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package zb

import (
	"context"
	"os"
	"path/filepath"

	"github.com/zerobrew/zerobrew/pkg/link"
	"github.com/zerobrew/zerobrew/pkg/zbrew"
)

// Problem is a single invariant violation found by Verify.
type Problem struct {
	Package string
	Detail  string
}

// Report is the outcome of a Verify pass: a read-only walk of the installed
// set checking the invariants spec.md's Testable Properties describe
// (I1: every package's store_digest names a ready CAS entry; I2: every
// bin/opt symlink resolves into a recorded Cellar entry), returned as data
// rather than acted on. Repair is left to gc/reset/reinstall, not Verify.
type Report struct {
	Problems []Problem
}

// OK reports whether the pass found no problems.
func (r Report) OK() bool { return len(r.Problems) == 0 }

// Verify walks every installed package and confirms its store entry is
// ready, then walks bin/, opt/ and share/man checking every symlink resolves to
// an installed package's Cellar tree. It mutates nothing.
func (c *Client) Verify(ctx context.Context) (Report, error) {
	var report Report

	pkgs, err := c.DB.ListPackages(ctx)
	if err != nil {
		return report, err
	}
	installed := make(map[string]zbrew.Package, len(pkgs))
	for _, p := range pkgs {
		installed[p.Name] = p
		if !c.Store.Has(p.StoreDigest) {
			report.Problems = append(report.Problems, Problem{
				Package: p.Name,
				Detail:  "store_digest " + p.StoreDigest.Short() + " has no ready CAS entry",
			})
			continue
		}
		if _, err := os.Stat(c.Layout.Cellar(p.Name, p.Version)); os.IsNotExist(err) {
			report.Problems = append(report.Problems, Problem{
				Package: p.Name,
				Detail:  "Cellar entry missing for installed version " + p.Version,
			})
		}
	}

	for _, dir := range []string{c.Layout.BinDir(), c.Layout.OptDir(), c.Layout.ManDir()} {
		c.verifyLinksIn(dir, installed, &report)
	}
	return report, nil
}

func (c *Client) verifyLinksIn(dir string, installed map[string]zbrew.Package, report *Report) {
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return nil
		}
		target, err := os.Readlink(path)
		if err != nil {
			return nil
		}
		if _, err := os.Stat(filepath.Join(filepath.Dir(path), target)); os.IsNotExist(err) {
			report.Problems = append(report.Problems, Problem{Detail: "dangling link " + path})
			return nil
		}
		name := link.PackageOf(target)
		if name == "" {
			return nil
		}
		if _, ok := installed[name]; !ok {
			report.Problems = append(report.Problems, Problem{Package: name, Detail: "link " + path + " points at an uninstalled package"})
		}
		return nil
	})
}
