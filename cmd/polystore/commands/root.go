package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/polystore/polystore/pkg/config"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polystore",
		Short: "Polystore - database-agnostic data access service",
		Long: `Polystore is a database-agnostic data access layer that unifies
repositories, caching, transactions, and multi-database coordination
behind one service.

Features:
  - Composable query specifications compiled to SQL and document filters
  - Repository pattern with pluggable storage backends
  - Cache decorator with configurable strategies
  - Unit-of-work transactions with compensation actions
  - Cross-database coordination (2PC, saga, best-effort)`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newHealthCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}

// loadSettings loads the configured settings file, falling back to defaults
// when no path is given.
func loadSettings() (*config.Settings, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}
