// Package main is the entry point for the appforge engine CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var (
	configPath string
	verbose    bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "appforge",
		Short: "Generation orchestration and sandbox execution engine",
		Long: `AppForge turns a natural-language requirement into a working
application: it coordinates role agents through a dependency-ordered
plan, validates and versions their artifacts, and can boot the result
in an isolated sandbox with a live preview.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose output")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newGenerateCmd())

	return root
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
