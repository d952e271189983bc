package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/memfs/internal/config"
	"github.com/fruitsalade/memfs/internal/logging"
	"github.com/fruitsalade/memfs/internal/memfs"
	"github.com/fruitsalade/memfs/internal/metrics"
	"github.com/fruitsalade/memfs/internal/mount"
	"github.com/fruitsalade/memfs/internal/snapshot"
)

const shutdownTimeout = 30 * time.Second

func newMountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mount <mountpoint>",
		Short: "Load the snapshot and mount the filesystem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logging.Sync()
			return runMount(cmd.Context(), cfg, args[0])
		},
	}

	cmd.Flags().String("bridge", "gofuse", "FUSE bridge: gofuse or cgofuse")
	cmd.Flags().String("persist", config.PersistShutdown, "when to save: shutdown, mutation or interval")
	cmd.Flags().Duration("autosave", 30*time.Second, "save interval for persist=interval")
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().Bool("allow-other", false, "allow other users to access the mount")
	return cmd
}

func runMount(parent context.Context, cfg *config.Config, mountPoint string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fsys := memfs.New(memfs.Config{Capacity: cfg.Capacity, MaxFileSize: cfg.MaxFileSize})

	backend, loc, err := openBackend(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer backend.Close()

	mgr := snapshot.NewManager(fsys, backend, snapshotOptions(cfg, loc))
	n, err := mgr.Load(ctx)
	if err != nil {
		return err
	}
	logging.Info("filesystem ready",
		zap.String("snapshot", loc.String()),
		zap.Int("entries", n),
		zap.Int("capacity", cfg.Capacity))

	bridge, err := mount.New(fsys, mount.Options{
		Bridge:     cfg.Bridge,
		MountPoint: mountPoint,
		AllowOther: cfg.AllowOther,
		Debug:      cfg.Debug,
	})
	if err != nil {
		return err
	}

	saveCtx := context.WithoutCancel(ctx)
	switch cfg.Persist {
	case config.PersistMutation:
		fsys.SetMutationHook(func() {
			if err := mgr.Save(saveCtx); err != nil {
				logging.Error("save after mutation failed", zap.Error(err))
			}
		})
	default:
		fsys.SetMutationHook(mgr.MarkDirty)
	}

	// Ends every goroutine below once the bridge returns, including after
	// an external unmount.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancel()
		logging.Info("mounting", zap.String("mountpoint", mountPoint), zap.String("bridge", bridge.Name()))
		return bridge.Start(gctx)
	})

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           logging.Middleware(metricsMux()),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.Persist == config.PersistInterval {
		mgr.StartAutosave(gctx, cfg.Autosave)
		g.Go(func() error {
			<-gctx.Done()
			mgr.StopAutosave()
			return nil
		})
	}

	runErr := g.Wait()

	fsys.SetMutationHook(nil)
	finalCtx, done := context.WithTimeout(saveCtx, shutdownTimeout)
	defer done()
	if err := mgr.Save(finalCtx); err != nil {
		logging.Error("final save failed", zap.Error(err))
		return errors.Join(runErr, err)
	}
	logging.Info("snapshot saved on shutdown", zap.String("snapshot", loc.String()))
	return runErr
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
