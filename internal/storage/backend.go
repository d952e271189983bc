// Package storage defines the Backend interface for snapshot storage and
// selects a backend from a snapshot location.
package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
)

// Backend stores whole snapshot objects by key. Implementations replace an
// object atomically: a reader sees either the previous object or the new
// one, never a mix.
type Backend interface {
	// GetObject returns the object stored at key and its size. A missing
	// object yields an error wrapping fs.ErrNotExist.
	GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// PutObject replaces the object at key with size bytes read from body.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// DeleteObject removes the object at key. Removing a missing object is
	// not an error.
	DeleteObject(ctx context.Context, key string) error

	// ObjectExists reports whether an object is stored at key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// Type returns the backend type identifier ("local", "s3", "postgres").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// IsNotFound reports whether err means the requested object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
