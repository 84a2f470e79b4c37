// Package cli wires the service's components into runnable Cobra
// subcommands (renamed from the teacher's spec-compiler CLI to a
// service CLI, per SPEC_FULL.md's AMBIENT STACK "CLI" section).
// Grounded on internal/cli/root.go's RootOptions/PersistentFlags
// pattern.
package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions holds the flags shared by every subcommand.
type RootOptions struct {
	ConfigPath string
	LogFormat  string // "json" | "text"
}

// NewRootCommand builds the kpncd root command with its serve/migrate
// subcommands.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "kpncd",
		Short: "kpncd - imageboard watch push-notification daemon",
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to an env file (accepted, but not read by serve or migrate; configuration comes from the process environment)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "override KPNC_ENV's log format (json|text)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	return cmd
}
