package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kpnc/server/internal/config"
	"github.com/kpnc/server/internal/store"
)

// newMigrateCommand runs the versioned migration sequence and exits
// (SPEC_FULL.md CLI section). store.Open already runs RunMigrations,
// so this subcommand's entire job is to open and immediately close the
// database, surfacing a checksum-guard failure as a nonzero exit.
func newMigrateCommand(_ *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "migrate",
		Short:         "Apply pending database migrations and exit",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context())
		},
	}
}

func runMigrate(ctx context.Context) error {
	env, err := config.LoadEnv()
	if err != nil {
		return fmt.Errorf("kpncd migrate: %w", err)
	}

	s, err := store.Open(ctx, env.DatabaseConnectionString)
	if err != nil {
		return fmt.Errorf("kpncd migrate: %w", err)
	}
	return s.Close()
}
