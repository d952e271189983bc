// Package content holds the byte buffer owned by each file entry.
package content

import (
	"errors"
	"fmt"
	"io"
)

// DefaultMaxSize bounds a single file's buffer. Writes or truncations that
// would grow past it fail with ErrTooLarge instead of attempting the
// allocation.
const DefaultMaxSize = 1 << 30

var (
	// ErrTooLarge is returned when a write or truncate would exceed the
	// buffer's maximum size.
	ErrTooLarge = errors.New("content too large")

	// ErrNegativeOffset is returned for offsets or sizes below zero.
	ErrNegativeOffset = errors.New("negative offset")
)

// Buffer is a growable file body. Every byte between zero and Len is
// initialized: regions skipped over by a write past the end, or added by a
// growing truncate, read back as zeros.
type Buffer struct {
	data    []byte
	maxSize int64
}

// NewBuffer returns a buffer holding a private copy of initial.
func NewBuffer(initial []byte) *Buffer {
	b := &Buffer{maxSize: DefaultMaxSize}
	if len(initial) > 0 {
		b.data = append([]byte(nil), initial...)
	}
	return b
}

// SetMaxSize changes the growth limit. Existing content is not affected.
func (b *Buffer) SetMaxSize(n int64) {
	b.maxSize = n
}

// Len returns the number of bytes in the buffer.
func (b *Buffer) Len() int64 {
	return int64(len(b.data))
}

// Bytes returns a copy of the buffer contents.
func (b *Buffer) Bytes() []byte {
	return append([]byte(nil), b.data...)
}

// WriteAt copies p into the buffer at off. If the write ends past the
// current length the buffer grows to exactly off+len(p); nothing is
// allocated speculatively.
func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrNegativeOffset
	}
	end := off + int64(len(p))
	if end < off || end > b.maxSize {
		return 0, fmt.Errorf("%w: write to %d exceeds %d bytes", ErrTooLarge, end, b.maxSize)
	}
	if end > int64(len(b.data)) {
		b.resize(end)
	}
	return copy(b.data[off:end], p), nil
}

// ReadAt copies up to len(p) bytes starting at off. Reads are clamped to the
// buffer length; at or past the end it returns 0, io.EOF.
func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrNegativeOffset
	}
	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Truncate sets the buffer length to n, dropping the tail when shrinking and
// zero-filling the new tail when growing.
func (b *Buffer) Truncate(n int64) error {
	if n < 0 {
		return ErrNegativeOffset
	}
	if n > b.maxSize {
		return fmt.Errorf("%w: truncate to %d exceeds %d bytes", ErrTooLarge, n, b.maxSize)
	}
	b.resize(n)
	return nil
}

// resize sets the length to n. Shrinking reallocates so the dropped tail is
// released rather than retained by the backing array.
func (b *Buffer) resize(n int64) {
	cur := int64(len(b.data))
	switch {
	case n == cur:
		return
	case n < cur:
		b.data = append([]byte(nil), b.data[:n]...)
	case n <= int64(cap(b.data)):
		b.data = b.data[:n]
		clear(b.data[cur:])
	default:
		grown := make([]byte, n)
		copy(grown, b.data)
		b.data = grown
	}
}
