// Package postgres stores snapshots as rows of a PostgreSQL table. Each save
// inserts a new generation; older generations beyond the retention limit
// are pruned in the same transaction.
package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fruitsalade/memfs/internal/logging"
	"github.com/fruitsalade/memfs/internal/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS memfs_snapshots (
	id         UUID PRIMARY KEY,
	key        TEXT NOT NULL,
	data       BYTEA NOT NULL,
	size       BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS memfs_snapshots_key_created_idx
	ON memfs_snapshots (key, created_at DESC);
`

// Config holds PostgreSQL backend settings.
type Config struct {
	DatabaseURL string `yaml:"database_url"`

	// Retain is the number of generations kept per key. Values below one
	// keep only the latest.
	Retain int `yaml:"retain"`
}

// Backend implements storage.Backend on a PostgreSQL table.
type Backend struct {
	db     *sql.DB
	retain int
}

// New opens the database and creates the snapshot table if needed.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required")
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshot table: %w", err)
	}

	retain := cfg.Retain
	if retain < 1 {
		retain = 1
	}
	return &Backend{db: db, retain: retain}, nil
}

// GetObject returns the newest generation stored under key.
func (b *Backend) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	start := time.Now()

	var id uuid.UUID
	var data []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT id, data FROM memfs_snapshots
		 WHERE key = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, key).
		Scan(&id, &data)
	if err != nil {
		metrics.RecordStorageOperation("postgres", "get_object", time.Since(start), false)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, fmt.Errorf("get snapshot %s: %w", key, fs.ErrNotExist)
		}
		return nil, 0, fmt.Errorf("get snapshot %s: %w", key, err)
	}

	metrics.RecordStorageOperation("postgres", "get_object", time.Since(start), true)
	logging.Debug("loaded snapshot generation", zap.String("key", key), zap.String("id", id.String()))
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// PutObject inserts a new generation under key and prunes old ones.
func (b *Backend) PutObject(ctx context.Context, key string, body io.Reader, size int64) (err error) {
	start := time.Now()
	defer func() {
		metrics.RecordStorageOperation("postgres", "put_object", time.Since(start), err == nil)
	}()

	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read snapshot body: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("snapshot body is %d bytes, expected %d", len(data), size)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	id := uuid.New()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memfs_snapshots (id, key, data, size) VALUES ($1, $2, $3, $4)`,
		id, key, data, len(data)); err != nil {
		return fmt.Errorf("insert snapshot %s: %w", key, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memfs_snapshots WHERE key = $1 AND id NOT IN (
			SELECT id FROM memfs_snapshots WHERE key = $1
			ORDER BY created_at DESC, id DESC LIMIT $2)`,
		key, b.retain); err != nil {
		return fmt.Errorf("prune snapshots %s: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot %s: %w", key, err)
	}

	logging.Debug("stored snapshot generation",
		zap.String("key", key), zap.String("id", id.String()), zap.Int("size", len(data)))
	return nil
}

// DeleteObject removes every generation stored under key.
func (b *Backend) DeleteObject(ctx context.Context, key string) error {
	start := time.Now()
	_, err := b.db.ExecContext(ctx, `DELETE FROM memfs_snapshots WHERE key = $1`, key)
	metrics.RecordStorageOperation("postgres", "delete_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("delete snapshot %s: %w", key, err)
	}
	return nil
}

// ObjectExists reports whether any generation is stored under key.
func (b *Backend) ObjectExists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := b.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM memfs_snapshots WHERE key = $1)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check snapshot %s: %w", key, err)
	}
	return exists, nil
}

// Generations returns the number of stored generations for key.
func (b *Backend) Generations(ctx context.Context, key string) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx,
		`SELECT count(*) FROM memfs_snapshots WHERE key = $1`, key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count snapshots %s: %w", key, err)
	}
	return n, nil
}

// Type returns "postgres".
func (b *Backend) Type() string { return "postgres" }

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}
