// Package mount selects and runs the FUSE bridge that exposes a memfs.FS.
package mount

import (
	"context"
	"fmt"
	"sync"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/fruitsalade/memfs/internal/fuse"
	"github.com/fruitsalade/memfs/internal/hostfs"
	"github.com/fruitsalade/memfs/internal/logging"
	"github.com/fruitsalade/memfs/internal/memfs"
)

// Bridge names accepted by New.
const (
	BridgeGoFuse  = "gofuse"
	BridgeCgoFuse = "cgofuse"
)

// Backend is a mounted bridge. Start blocks until the filesystem is
// unmounted or ctx is cancelled; Stop unmounts from another goroutine.
type Backend interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

// Options configures a mount.
type Options struct {
	Bridge     string
	MountPoint string
	AllowOther bool
	Debug      bool
}

// New returns the bridge named by opts.Bridge.
func New(fsys *memfs.FS, opts Options) (Backend, error) {
	if opts.MountPoint == "" {
		return nil, fmt.Errorf("mount point is required")
	}
	switch opts.Bridge {
	case "", BridgeGoFuse:
		return &goFuseBackend{fsys: fsys, opts: opts}, nil
	case BridgeCgoFuse:
		return hostfs.New(fsys, opts.MountPoint, opts.AllowOther), nil
	default:
		return nil, fmt.Errorf("unknown bridge: %s", opts.Bridge)
	}
}

// goFuseBackend runs the go-fuse node bridge.
type goFuseBackend struct {
	fsys *memfs.FS
	opts Options

	mu     sync.Mutex
	server *gofuse.Server
}

func (b *goFuseBackend) Name() string {
	return BridgeGoFuse
}

func (b *goFuseBackend) Start(ctx context.Context) error {
	server, err := fuse.Mount(b.opts.MountPoint, b.fsys, fuse.Config{
		AllowOther: b.opts.AllowOther,
		Debug:      b.opts.Debug,
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.server = server
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		server.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Info("filesystem unmounted externally", zap.String("mountpoint", b.opts.MountPoint))
		return nil
	case <-ctx.Done():
		return b.unmount(server, done)
	}
}

// unmount retries while the mount is busy, then waits for the server loop.
func (b *goFuseBackend) unmount(server *gofuse.Server, done <-chan struct{}) error {
	logging.Info("unmounting", zap.String("mountpoint", b.opts.MountPoint))

	var err error
	for attempt := 0; attempt < 5; attempt++ {
		if err = server.Unmount(); err == nil {
			<-done
			return nil
		}
		logging.Warn("unmount failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("unmount %s: %w", b.opts.MountPoint, err)
}

func (b *goFuseBackend) Stop() error {
	b.mu.Lock()
	server := b.server
	b.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Unmount()
}
