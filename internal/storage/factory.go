package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fruitsalade/memfs/internal/storage/local"
	"github.com/fruitsalade/memfs/internal/storage/postgres"
	s3backend "github.com/fruitsalade/memfs/internal/storage/s3"
)

// DefaultPostgresKey names the snapshot row set used by a bare "postgres"
// location.
const DefaultPostgresKey = "default"

// Location identifies where a snapshot lives: a backend type and the key
// within that backend.
type Location struct {
	Type   string // "local", "s3" or "postgres"
	Key    string
	Root   string // local only
	Bucket string // s3 only
}

// String formats l the way ParseLocation accepts it.
func (l Location) String() string {
	switch l.Type {
	case "s3":
		return "s3://" + l.Bucket + "/" + l.Key
	case "postgres":
		return "postgres:" + l.Key
	default:
		return filepath.Join(l.Root, l.Key)
	}
}

// ParseLocation interprets a snapshot location:
//
//	s3://bucket/path/to/key   object in an S3 bucket
//	postgres[:name]           rows in the memfs_snapshots table
//	anything else             local file path
func ParseLocation(raw string) (Location, error) {
	switch {
	case raw == "":
		return Location{}, fmt.Errorf("snapshot location is empty")

	case strings.HasPrefix(raw, "s3://"):
		bucket, key, ok := strings.Cut(strings.TrimPrefix(raw, "s3://"), "/")
		if !ok || bucket == "" || key == "" || strings.HasSuffix(key, "/") {
			return Location{}, fmt.Errorf("s3 location %q must be s3://bucket/key", raw)
		}
		return Location{Type: "s3", Bucket: bucket, Key: key}, nil

	case raw == "postgres":
		return Location{Type: "postgres", Key: DefaultPostgresKey}, nil

	case strings.HasPrefix(raw, "postgres:") && !strings.HasPrefix(raw, "postgres://"):
		key := strings.TrimPrefix(raw, "postgres:")
		if key == "" {
			key = DefaultPostgresKey
		}
		return Location{Type: "postgres", Key: key}, nil

	default:
		abs, err := filepath.Abs(raw)
		if err != nil {
			return Location{}, fmt.Errorf("resolve %s: %w", raw, err)
		}
		if strings.HasSuffix(raw, string(filepath.Separator)) {
			return Location{}, fmt.Errorf("snapshot location %q names a directory", raw)
		}
		return Location{Type: "local", Root: filepath.Dir(abs), Key: filepath.Base(abs)}, nil
	}
}

// Options carries the backend settings that are not part of a location.
type Options struct {
	CreateDirs bool
	S3         s3backend.BackendConfig
	Postgres   postgres.Config
}

// NewBackend creates the Backend serving loc.
func NewBackend(ctx context.Context, loc Location, opts Options) (Backend, error) {
	switch loc.Type {
	case "local":
		return local.New(local.Config{RootPath: loc.Root, CreateDirs: opts.CreateDirs})
	case "s3":
		cfg := opts.S3
		cfg.Bucket = loc.Bucket
		return s3backend.NewBackend(ctx, cfg)
	case "postgres":
		return postgres.New(ctx, opts.Postgres)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", loc.Type)
	}
}
