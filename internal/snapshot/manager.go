package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/memfs/internal/logging"
	"github.com/fruitsalade/memfs/internal/memfs"
	"github.com/fruitsalade/memfs/internal/metrics"
	"github.com/fruitsalade/memfs/internal/models"
	"github.com/fruitsalade/memfs/internal/retry"
	"github.com/fruitsalade/memfs/internal/storage"
)

// Options configures a Manager.
type Options struct {
	// Key is the object key within the backend.
	Key string

	// Compression is applied on save. Load detects it from the data.
	Compression Compression

	// RequireSnapshot makes Load fail when no snapshot exists instead of
	// starting with an empty filesystem.
	RequireSnapshot bool

	// Retry applies to backend transfers. The zero value makes one attempt.
	Retry retry.Policy
}

// Manager moves the filesystem contents between memory and a storage
// backend. Saves are serialized; each writes a complete snapshot.
type Manager struct {
	fs      *memfs.FS
	backend storage.Backend
	opts    Options

	saveMu sync.Mutex
	dirty  atomic.Bool

	autosaveMu     sync.Mutex
	autosaveCancel context.CancelFunc
	autosaveDone   chan struct{}
}

// NewManager creates a Manager for fsys backed by backend.
func NewManager(fsys *memfs.FS, backend storage.Backend, opts Options) *Manager {
	return &Manager{
		fs:      fsys,
		backend: backend,
		opts:    opts,
	}
}

// Fetch reads and decodes the snapshot at key. It returns the entries, the
// compression found on the stored object, and the stored size.
func Fetch(ctx context.Context, backend storage.Backend, key string, capacity int) ([]*models.Entry, Compression, int64, error) {
	rc, _, err := backend.GetObject(ctx, key)
	if err != nil {
		return nil, CompressionNone, 0, err
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, CompressionNone, 0, fmt.Errorf("read snapshot %s: %w", key, err)
	}
	body, comp, err := Decompress(raw)
	if err != nil {
		return nil, comp, int64(len(raw)), err
	}
	entries, err := Decode(body, capacity)
	if err != nil {
		return nil, comp, int64(len(raw)), err
	}
	return entries, comp, int64(len(raw)), nil
}

// Load replaces the filesystem contents with the stored snapshot and returns
// the number of entries loaded. A missing snapshot leaves the filesystem
// empty unless RequireSnapshot is set.
func (m *Manager) Load(ctx context.Context) (int, error) {
	start := time.Now()

	policy := m.opts.Retry
	policy.Retryable = func(err error) bool {
		return !storage.IsNotFound(err) && !errors.Is(err, ErrCorruptSnapshot)
	}

	var (
		entries []*models.Entry
		comp    Compression
		size    int64
	)
	err := retry.Do(ctx, policy, func() error {
		var err error
		entries, comp, size, err = Fetch(ctx, m.backend, m.opts.Key, m.fs.StatFS().Capacity)
		return err
	})
	if err != nil {
		if storage.IsNotFound(err) && !m.opts.RequireSnapshot {
			metrics.RecordSnapshot("load", 0, time.Since(start), true)
			logging.Info("no snapshot found, starting empty",
				zap.String("backend", m.backend.Type()), zap.String("key", m.opts.Key))
			return 0, nil
		}
		metrics.RecordSnapshot("load", size, time.Since(start), false)
		return 0, fmt.Errorf("load snapshot %s: %w", m.opts.Key, err)
	}

	if err := m.fs.Import(entries); err != nil {
		metrics.RecordSnapshot("load", size, time.Since(start), false)
		return 0, fmt.Errorf("load snapshot %s: %w: %w", m.opts.Key, ErrCorruptSnapshot, err)
	}
	m.dirty.Store(false)

	metrics.RecordSnapshot("load", size, time.Since(start), true)
	logging.Info("snapshot loaded",
		zap.String("backend", m.backend.Type()),
		zap.String("key", m.opts.Key),
		zap.Int("entries", len(entries)),
		zap.Int64("bytes", size),
		zap.Stringer("compression", comp),
		zap.Duration("duration", time.Since(start)))
	return len(entries), nil
}

// Save writes the current filesystem contents to the backend.
func (m *Manager) Save(ctx context.Context) error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	start := time.Now()
	// Cleared before exporting so a mutation racing with the save marks the
	// manager dirty again.
	m.dirty.Store(false)

	entries := m.fs.Export()
	encoded, err := Encode(entries)
	if err != nil {
		m.dirty.Store(true)
		metrics.RecordSnapshot("save", 0, time.Since(start), false)
		return fmt.Errorf("encode snapshot: %w", err)
	}
	data, err := Compress(encoded, m.opts.Compression)
	if err != nil {
		m.dirty.Store(true)
		metrics.RecordSnapshot("save", 0, time.Since(start), false)
		return fmt.Errorf("compress snapshot: %w", err)
	}

	err = retry.Do(ctx, m.opts.Retry, func() error {
		return m.backend.PutObject(ctx, m.opts.Key, bytes.NewReader(data), int64(len(data)))
	})
	if err != nil {
		m.dirty.Store(true)
		metrics.RecordSnapshot("save", int64(len(data)), time.Since(start), false)
		return fmt.Errorf("save snapshot %s: %w", m.opts.Key, err)
	}

	metrics.RecordSnapshot("save", int64(len(data)), time.Since(start), true)
	logging.Debug("snapshot saved",
		zap.String("key", m.opts.Key),
		zap.Int("entries", len(entries)),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// MarkDirty records that the filesystem changed since the last save.
func (m *Manager) MarkDirty() {
	m.dirty.Store(true)
}

// Dirty reports whether there are unsaved changes.
func (m *Manager) Dirty() bool {
	return m.dirty.Load()
}

// SaveIfDirty saves only when there are unsaved changes.
func (m *Manager) SaveIfDirty(ctx context.Context) error {
	if !m.dirty.Load() {
		return nil
	}
	return m.Save(ctx)
}

// StartAutosave saves dirty state every interval until ctx is cancelled or
// StopAutosave is called. Failed saves are logged and retried on the next
// tick.
func (m *Manager) StartAutosave(ctx context.Context, interval time.Duration) {
	m.autosaveMu.Lock()
	defer m.autosaveMu.Unlock()
	if m.autosaveCancel != nil || interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.autosaveCancel = cancel
	m.autosaveDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.SaveIfDirty(ctx); err != nil {
					logging.Error("autosave failed", zap.Error(err))
				}
			}
		}
	}()
	logging.Info("autosave started", zap.Duration("interval", interval))
}

// StopAutosave stops the autosave loop and waits for it to exit.
func (m *Manager) StopAutosave() {
	m.autosaveMu.Lock()
	cancel, done := m.autosaveCancel, m.autosaveDone
	m.autosaveCancel, m.autosaveDone = nil, nil
	m.autosaveMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
