// Package local provides a local filesystem snapshot storage backend.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fruitsalade/memfs/internal/logging"
	"github.com/fruitsalade/memfs/internal/metrics"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string `yaml:"root_path"`
	CreateDirs bool   `yaml:"create_dirs"`
}

// LocalBackend implements storage.Backend using files under a root
// directory.
type LocalBackend struct {
	rootPath   string
	createDirs bool
}

// New creates a new local filesystem backend.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	// Ensure root exists
	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &LocalBackend{
		rootPath:   cfg.RootPath,
		createDirs: cfg.CreateDirs,
	}, nil
}

func (b *LocalBackend) fullPath(key string) string {
	return filepath.Join(b.rootPath, filepath.FromSlash(key))
}

// GetObject opens the snapshot file stored at key.
func (b *LocalBackend) GetObject(_ context.Context, key string) (rc io.ReadCloser, size int64, err error) {
	defer record("get_object", time.Now(), &err)

	f, err := os.Open(b.fullPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("open %s: %w", key, fs.ErrNotExist)
		}
		return nil, 0, fmt.Errorf("open %s: %w", key, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", key, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("%s is a directory", key)
	}
	return f, info.Size(), nil
}

// PutObject writes content atomically: the data goes to a temporary file in
// the same directory, is synced, and then renamed over the target.
func (b *LocalBackend) PutObject(_ context.Context, key string, body io.Reader, size int64) (err error) {
	defer record("put_object", time.Now(), &err)

	path := b.fullPath(key)
	dir := filepath.Dir(path)

	if b.createDirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dirs for %s: %w", key, err)
		}
	}

	// Write to temp file then rename for atomicity
	tmp, err := os.CreateTemp(dir, ".memfs-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	written, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if size >= 0 && written != size {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: wrote %d bytes, expected %d", key, written, size)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", key, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", key, err)
	}

	logging.Debug("local put object", logging.String("key", key), logging.Int64("size", written))
	return nil
}

// DeleteObject removes a snapshot file.
func (b *LocalBackend) DeleteObject(_ context.Context, key string) (err error) {
	defer record("delete_object", time.Now(), &err)

	err = os.Remove(b.fullPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// ObjectExists checks if a snapshot file exists.
func (b *LocalBackend) ObjectExists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(b.fullPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return true, nil
}

// Type returns "local".
func (b *LocalBackend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }

func record(op string, start time.Time, errp *error) {
	metrics.RecordStorageOperation("local", op, time.Since(start), *errp == nil)
}
