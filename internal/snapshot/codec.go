// Package snapshot converts the whole entry tree to and from a single
// linear byte stream and persists it through a storage backend.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/fruitsalade/memfs/internal/content"
	"github.com/fruitsalade/memfs/internal/models"
	"github.com/fruitsalade/memfs/internal/pathutil"
)

// FormatVersion is written at the start of every snapshot.
const FormatVersion uint32 = 1

// checksumSize is the length of the BLAKE2b-256 trailer.
const checksumSize = blake2b.Size256

// ErrCorruptSnapshot is returned by Decode for malformed input.
var ErrCorruptSnapshot = errors.New("corrupt snapshot")

// Encode serializes entries. Entries must be ordered so that every parent
// directory precedes its children, as returned by memfs.FS.Export.
//
// Layout (little-endian):
//
//	format_version u32
//	entry_count    u32
//	entry_count times:
//	  path_len u32, path bytes
//	  is_dir   u8
//	  atime    i64 (unix nanoseconds)
//	  mtime    i64 (unix nanoseconds)
//	  files only: content_len u32, content bytes
//	checksum [32]byte BLAKE2b-256 of everything above
func Encode(entries []*models.Entry) ([]byte, error) {
	if uint64(len(entries)) > math.MaxUint32 {
		return nil, fmt.Errorf("snapshot: %d entries exceed format limit", len(entries))
	}

	var buf bytes.Buffer
	w := writer{buf: &buf}
	w.u32(FormatVersion)
	w.u32(uint32(len(entries)))

	for _, e := range entries {
		if uint64(len(e.FullPath)) > math.MaxUint32 {
			return nil, fmt.Errorf("snapshot: path of %d bytes exceeds format limit", len(e.FullPath))
		}
		w.u32(uint32(len(e.FullPath)))
		w.bytes([]byte(e.FullPath))
		if e.IsDir {
			w.u8(1)
		} else {
			w.u8(0)
		}
		if !models.TimeInRange(e.AccessTime) || !models.TimeInRange(e.ModTime) {
			return nil, fmt.Errorf("snapshot: %s has a timestamp outside the storable range", e.FullPath)
		}
		w.i64(e.AccessTime.UnixNano())
		w.i64(e.ModTime.UnixNano())
		if e.IsDir {
			continue
		}
		var data []byte
		if e.Content != nil {
			data = e.Content.Bytes()
		}
		if uint64(len(data)) > math.MaxUint32 {
			return nil, fmt.Errorf("snapshot: %s holds %d bytes, exceeds format limit", e.FullPath, len(data))
		}
		w.u32(uint32(len(data)))
		w.bytes(data)
	}

	sum := blake2b.Sum256(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes(), nil
}

// Decode parses a snapshot produced by Encode. It rejects snapshots holding
// more than capacity entries. ParentPath and Name are derived from each
// FullPath; they are not stored.
func Decode(data []byte, capacity int) ([]*models.Entry, error) {
	if len(data) < 8+checksumSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorruptSnapshot, len(data))
	}
	body, trailer := data[:len(data)-checksumSize], data[len(data)-checksumSize:]
	if sum := blake2b.Sum256(body); !bytes.Equal(sum[:], trailer) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptSnapshot)
	}

	r := reader{data: body}
	version, err := r.u32("format_version")
	if err != nil {
		return nil, err
	}
	if version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrCorruptSnapshot, version)
	}
	count, err := r.u32("entry_count")
	if err != nil {
		return nil, err
	}
	if capacity > 0 && uint64(count) > uint64(capacity) {
		return nil, fmt.Errorf("%w: %d entries exceed capacity %d", ErrCorruptSnapshot, count, capacity)
	}

	entries := make([]*models.Entry, 0, count)
	kinds := make(map[string]bool, count)
	for i := range count {
		e, err := r.entry()
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if _, dup := kinds[e.FullPath]; dup {
			return nil, fmt.Errorf("%w: duplicate path %s", ErrCorruptSnapshot, e.FullPath)
		}
		if e.ParentPath != pathutil.Root {
			isDir, ok := kinds[e.ParentPath]
			if !ok || !isDir {
				return nil, fmt.Errorf("%w: %s has no parent directory", ErrCorruptSnapshot, e.FullPath)
			}
		}
		kinds[e.FullPath] = e.IsDir
		entries = append(entries, e)
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptSnapshot, r.remaining())
	}
	return entries, nil
}

type writer struct {
	buf *bytes.Buffer
	tmp [8]byte
}

func (w *writer) u8(v uint8) {
	w.buf.WriteByte(v)
}

func (w *writer) u32(v uint32) {
	binary.LittleEndian.PutUint32(w.tmp[:4], v)
	w.buf.Write(w.tmp[:4])
}

func (w *writer) i64(v int64) {
	binary.LittleEndian.PutUint64(w.tmp[:8], uint64(v))
	w.buf.Write(w.tmp[:8])
}

func (w *writer) bytes(p []byte) {
	w.buf.Write(p)
}

// reader walks a snapshot body. Every read checks the remaining length
// first, so a length field can never cause a read past the end.
type reader struct {
	data []byte
	off  int
}

func (r *reader) remaining() int {
	return len(r.data) - r.off
}

func (r *reader) take(n uint64, field string) ([]byte, error) {
	if n > uint64(r.remaining()) {
		return nil, fmt.Errorf("%w: %s needs %d bytes, %d remain", ErrCorruptSnapshot, field, n, r.remaining())
	}
	p := r.data[r.off : r.off+int(n)]
	r.off += int(n)
	return p, nil
}

func (r *reader) u8(field string) (uint8, error) {
	p, err := r.take(1, field)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (r *reader) u32(field string) (uint32, error) {
	p, err := r.take(4, field)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(p), nil
}

func (r *reader) i64(field string) (int64, error) {
	p, err := r.take(8, field)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(p)), nil
}

func (r *reader) entry() (*models.Entry, error) {
	pathLen, err := r.u32("path_len")
	if err != nil {
		return nil, err
	}
	raw, err := r.take(uint64(pathLen), "path")
	if err != nil {
		return nil, err
	}
	fullPath := string(raw)
	if clean, err := pathutil.Clean(fullPath); err != nil || clean != fullPath || clean == pathutil.Root {
		return nil, fmt.Errorf("%w: path %q is not canonical", ErrCorruptSnapshot, fullPath)
	}

	kind, err := r.u8("is_dir")
	if err != nil {
		return nil, err
	}
	if kind > 1 {
		return nil, fmt.Errorf("%w: is_dir = %d for %s", ErrCorruptSnapshot, kind, fullPath)
	}
	atime, err := r.i64("atime")
	if err != nil {
		return nil, err
	}
	mtime, err := r.i64("mtime")
	if err != nil {
		return nil, err
	}

	if kind == 1 {
		e := models.NewDirectory(fullPath, time.Unix(0, mtime))
		e.AccessTime = time.Unix(0, atime)
		return e, nil
	}

	contentLen, err := r.u32("content_len")
	if err != nil {
		return nil, err
	}
	body, err := r.take(uint64(contentLen), "content")
	if err != nil {
		return nil, err
	}
	e := models.NewFile(fullPath, time.Unix(0, mtime))
	e.AccessTime = time.Unix(0, atime)
	e.Content = content.NewBuffer(body)
	return e, nil
}
