// Package main provides the entry point for the Fetchguard CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for Fetchguard.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetchguard",
		Short: "Resilient fetcher for CAPTCHA-protected web pages",
		Long: `Fetchguard fetches protected web pages through a resilience layer.

It resolves CAPTCHA challenges via a pluggable solver service, rotates
requests across a proxy pool with health tracking, retries transient
failures with exponential backoff and per-host circuit breakers, and
enforces rate and spend ceilings so a bad run cannot burn the solver
balance.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags that apply to all commands
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")

	// Add subcommands
	cmd.AddCommand(NewFetchCmd())
	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
