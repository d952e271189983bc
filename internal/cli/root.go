// Package cli implements the memfs command line.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/memfs/internal/config"
	"github.com/fruitsalade/memfs/internal/logging"
	"github.com/fruitsalade/memfs/internal/retry"
	"github.com/fruitsalade/memfs/internal/snapshot"
	"github.com/fruitsalade/memfs/internal/storage"
	"github.com/fruitsalade/memfs/internal/storage/postgres"
	s3backend "github.com/fruitsalade/memfs/internal/storage/s3"
)

// Build information, set with -ldflags at release time.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memfs",
		Short: "In-memory filesystem mounted through FUSE",
		Long: `memfs keeps a small directory tree entirely in memory and exposes it
through FUSE. Its contents are restored from a snapshot at mount time and
written back on unmount, after every change, or on an interval.

Snapshot locations:
  ./path/to/file         local file
  s3://bucket/key        S3 or MinIO object (MEMFS_S3_* settings)
  postgres[:name]        PostgreSQL table (MEMFS_DATABASE_URL)`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", "", "YAML config file")
	cmd.PersistentFlags().String("snapshot", "", "snapshot location")
	cmd.PersistentFlags().Int("capacity", 0, "maximum number of entries")
	cmd.PersistentFlags().String("compression", "", "snapshot compression on save: none, lz4 or zstd")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newMountCmd(), newInitCmd(), newInspectCmd(), newVersionCmd())
	return cmd
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// loadConfig merges the config file, the environment and any flags that
// were set explicitly, then initializes logging.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("snapshot") {
		cfg.Snapshot, _ = flags.GetString("snapshot")
	}
	if flags.Changed("capacity") {
		cfg.Capacity, _ = flags.GetInt("capacity")
	}
	if flags.Changed("compression") {
		cfg.Compression, _ = flags.GetString("compression")
	}
	if v, _ := flags.GetBool("verbose"); v {
		cfg.LogLevel = "debug"
	}
	if flags.Lookup("bridge") != nil && flags.Changed("bridge") {
		cfg.Bridge, _ = flags.GetString("bridge")
	}
	if flags.Lookup("persist") != nil && flags.Changed("persist") {
		cfg.Persist, _ = flags.GetString("persist")
	}
	if flags.Lookup("autosave") != nil && flags.Changed("autosave") {
		cfg.Autosave, _ = flags.GetDuration("autosave")
	}
	if flags.Lookup("metrics-addr") != nil && flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Lookup("allow-other") != nil && flags.Changed("allow-other") {
		cfg.AllowOther, _ = flags.GetBool("allow-other")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	return cfg, nil
}

// openBackend resolves the snapshot location and opens its backend.
func openBackend(ctx context.Context, cfg *config.Config, createDirs bool) (storage.Backend, storage.Location, error) {
	loc, err := storage.ParseLocation(cfg.Snapshot)
	if err != nil {
		return nil, loc, err
	}
	backend, err := storage.NewBackend(ctx, loc, storage.Options{
		CreateDirs: createDirs,
		S3: s3backend.BackendConfig{
			Endpoint:     cfg.S3Endpoint,
			Region:       cfg.S3Region,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			CreateBucket: cfg.S3CreateBucket,
		},
		Postgres: postgres.Config{
			DatabaseURL: cfg.DatabaseURL,
			Retain:      cfg.PgRetain,
		},
	})
	if err != nil {
		return nil, loc, fmt.Errorf("open %s backend: %w", loc.Type, err)
	}
	return backend, loc, nil
}

func snapshotOptions(cfg *config.Config, loc storage.Location) snapshot.Options {
	// Validate has already accepted the name.
	comp, _ := snapshot.ParseCompression(cfg.Compression)
	return snapshot.Options{
		Key:             loc.Key,
		Compression:     comp,
		RequireSnapshot: cfg.RequireSnapshot,
		Retry:           retry.DefaultPolicy(),
	}
}
