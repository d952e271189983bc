package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/memfs/internal/logging"
	"github.com/fruitsalade/memfs/internal/memfs"
	"github.com/fruitsalade/memfs/internal/snapshot"
)

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an empty snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logging.Sync()

			ctx := cmd.Context()
			backend, loc, err := openBackend(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer backend.Close()

			if !force {
				exists, err := backend.ObjectExists(ctx, loc.Key)
				if err != nil {
					return err
				}
				if exists {
					return fmt.Errorf("snapshot %s already exists (use --force to overwrite)", loc)
				}
			}

			mgr := snapshot.NewManager(memfs.New(memfs.Config{Capacity: cfg.Capacity}), backend, snapshotOptions(cfg, loc))
			if err := mgr.Save(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized empty snapshot at %s\n", loc)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing snapshot")
	return cmd
}
