// Package cli wires the query sandbox into cobra commands.
package cli

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Version    string
}

// NewRootCommand creates the root command for the query sandbox CLI.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{Version: version}

	cmd := &cobra.Command{
		Use:     "query-sandbox",
		Short:   "Run stored read-only user queries inside a sandbox",
		Version: version,
		Long: `Stores parameterized SELECT queries over the users table, validates them
against the safety rules and executes them in read-only, time-bounded
transactions, preferring a read replica when one is configured.`,
		SilenceUsage: true,
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to config.yaml (default ./config.yaml, env overrides)")

	// Add subcommands
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewValidateCommand())
	cmd.AddCommand(NewExecuteCommand(opts))
	cmd.AddCommand(NewEstimateCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))

	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
