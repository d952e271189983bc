package cli

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/fruitsalade/memfs/internal/logging"
	"github.com/fruitsalade/memfs/internal/models"
	"github.com/fruitsalade/memfs/internal/snapshot"
	"github.com/fruitsalade/memfs/internal/storage"
	"github.com/fruitsalade/memfs/internal/storage/postgres"
)

func newInspectCmd() *cobra.Command {
	var withHash bool

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List the entries stored in a snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logging.Sync()

			ctx := cmd.Context()
			backend, loc, err := openBackend(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer backend.Close()

			entries, comp, size, err := snapshot.Fetch(ctx, backend, loc.Key, cfg.Capacity)
			if err != nil {
				return fmt.Errorf("inspect %s: %w", loc, err)
			}

			out := cmd.OutOrStdout()
			human := isTerminal(out)
			fmt.Fprintf(out, "snapshot %s: %d entries, %s stored, compression %s\n",
				loc, len(entries), formatSize(size, human), comp)
			if line := generationsLine(ctx, backend, loc.Key); line != "" {
				fmt.Fprintln(out, line)
			}
			return printEntries(out, entries, withHash, human)
		},
	}

	cmd.Flags().BoolVar(&withHash, "hash", false, "print the BLAKE3 hash of each file")
	return cmd
}

// generationCounter is implemented by backends that keep older snapshots.
type generationCounter interface {
	Generations(ctx context.Context, key string) (int, error)
}

var _ generationCounter = (*postgres.Backend)(nil)

func generationsLine(ctx context.Context, backend storage.Backend, key string) string {
	gc, ok := backend.(generationCounter)
	if !ok {
		return ""
	}
	n, err := gc.Generations(ctx, key)
	if err != nil {
		logging.Warn("count snapshot generations failed", zap.Error(err))
		return ""
	}
	return fmt.Sprintf("generations retained: %d", n)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func formatSize(n int64, human bool) string {
	if human {
		return humanize.IBytes(uint64(n))
	}
	return fmt.Sprintf("%d", n)
}

func printEntries(w io.Writer, entries []*models.Entry, withHash, human bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	header := "MODE\tSIZE\tMODIFIED\tPATH"
	if withHash {
		header += "\tBLAKE3"
	}
	fmt.Fprintln(tw, header)

	for _, e := range entries {
		kind := "-"
		if e.IsDir {
			kind = "d"
		}
		modified := e.ModTime.UTC().Format(time.RFC3339)
		if human {
			modified = humanize.Time(e.ModTime)
		}
		line := fmt.Sprintf("%s%o\t%s\t%s\t%s", kind, e.Mode()&0o777, formatSize(e.Size(), human), modified, e.FullPath)
		if withHash {
			line += "\t" + contentHash(e)
		}
		fmt.Fprintln(tw, line)
	}
	return tw.Flush()
}

func contentHash(e *models.Entry) string {
	if e.IsDir {
		return "-"
	}
	var data []byte
	if e.Content != nil {
		data = e.Content.Bytes()
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
