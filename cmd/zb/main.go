// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Command zb is a thin CLI over pkg/zb, following cmd/oss-rebuild/main.go's
// cobra root-command-plus-subcommands shape. It owns argument parsing and
// exit-code mapping; every operation itself lives in pkg/zb.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zerobrew/zerobrew/pkg/zb"
	"github.com/zerobrew/zerobrew/pkg/zbrew"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitUsage       = 2
	exitLockTimeout = 3
)

var rootCmd = &cobra.Command{
	Use:   "zb [subcommand]",
	Short: "zerobrew: a content-addressable package manager core",
}

func openClient() (*zb.Client, error) {
	return zb.Open(zbrew.LoadConfig())
}

var installCmd = &cobra.Command{
	Use:   "install <formula>...",
	Short: "Install one or more formulae and their dependencies",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c, err := openClient()
		if err != nil {
			fail(err)
		}
		defer c.Close()
		result, err := c.Install(cmd.Context(), args, true)
		if err != nil {
			fail(err)
		}
		for _, name := range result.Installed {
			fmt.Fprintf(cmd.OutOrStdout(), "installed %s\n", name)
		}
		for name, failErr := range result.Failed {
			fmt.Fprintf(cmd.ErrOrStderr(), "failed %s: %v\n", name, failErr)
		}
		if len(result.Failed) > 0 {
			os.Exit(exitFailure)
		}
	},
}

var forceUninstall bool

var uninstallCmd = &cobra.Command{
	Use:   "uninstall <formula>...",
	Short: "Uninstall one or more formulae",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c, err := openClient()
		if err != nil {
			fail(err)
		}
		defer c.Close()
		if err := c.Uninstall(cmd.Context(), args, forceUninstall); err != nil {
			fail(err)
		}
	},
}

var listExplicitOnly bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed formulae",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		c, err := openClient()
		if err != nil {
			fail(err)
		}
		defer c.Close()
		pkgs, err := c.List(cmd.Context(), listExplicitOnly)
		if err != nil {
			fail(err)
		}
		for _, p := range pkgs {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", p.Name, p.Version)
		}
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Reclaim unreferenced store entries",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		c, err := openClient()
		if err != nil {
			fail(err)
		}
		defer c.Close()
		removed, err := c.GC(cmd.Context())
		if err != nil {
			fail(err)
		}
		for _, d := range removed {
			fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %s\n", d.Short())
		}
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Wipe the entire zerobrew tree",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		c, err := openClient()
		if err != nil {
			fail(err)
		}
		if err := c.Reset(cmd.Context()); err != nil {
			fail(err)
		}
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check installed-tree invariants without repairing anything",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		c, err := openClient()
		if err != nil {
			fail(err)
		}
		defer c.Close()
		report, err := c.Verify(cmd.Context())
		if err != nil {
			fail(err)
		}
		for _, p := range report.Problems {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", p.Package, p.Detail)
		}
		if !report.OK() {
			os.Exit(exitFailure)
		}
	},
}

var runCmd = &cobra.Command{
	Use:                "run <formula> [args...]",
	Short:              "Materialize a formula ephemerally and execute it",
	Args:               cobra.MinimumNArgs(1),
	DisableFlagParsing: true,
	Run: func(cmd *cobra.Command, args []string) {
		c, err := openClient()
		if err != nil {
			fail(err)
		}
		defer c.Close()
		if err := c.Run(context.Background(), args[0], args[1:]); err != nil {
			fail(err)
		}
	},
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	switch zbrew.KindOf(err) {
	case zbrew.LockTimeout:
		os.Exit(exitLockTimeout)
	default:
		os.Exit(exitFailure)
	}
}

func init() {
	uninstallCmd.Flags().BoolVar(&forceUninstall, "force", false, "uninstall even if other packages still depend on it")
	listCmd.Flags().BoolVar(&listExplicitOnly, "explicit", false, "list only explicitly-installed packages")

	rootCmd.AddCommand(installCmd, uninstallCmd, listCmd, gcCmd, resetCmd, verifyCmd, runCmd)
}

func main() {
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
}
