// Package models contains the entry type shared by the store, the snapshot
// codec and the filesystem bridges.
package models

import (
	"math"
	"time"

	"github.com/fruitsalade/memfs/internal/content"
	"github.com/fruitsalade/memfs/internal/pathutil"
)

// Fixed permission bits reported for every entry.
const (
	DirMode  uint32 = 0o755
	FileMode uint32 = 0o644
)

// Timestamps are persisted as int64 Unix nanoseconds, which spans
// 1677-09-21 to 2262-04-11 UTC.
var (
	MinTime = time.Unix(0, math.MinInt64)
	MaxTime = time.Unix(0, math.MaxInt64)
)

// TimeInRange reports whether t can be stored as Unix nanoseconds.
func TimeInRange(t time.Time) bool {
	return !t.Before(MinTime) && !t.After(MaxTime)
}

// Entry is one file or directory. FullPath is canonical (see pathutil.Clean);
// ParentPath and Name are derived from it when the entry is created and are
// never set independently.
type Entry struct {
	FullPath   string
	ParentPath string
	Name       string
	IsDir      bool
	Content    *content.Buffer
	AccessTime time.Time
	ModTime    time.Time
}

// NewFile returns a file entry with empty content.
func NewFile(fullPath string, now time.Time) *Entry {
	e := newEntry(fullPath, now)
	e.Content = content.NewBuffer(nil)
	return e
}

// NewDirectory returns a directory entry.
func NewDirectory(fullPath string, now time.Time) *Entry {
	e := newEntry(fullPath, now)
	e.IsDir = true
	return e
}

func newEntry(fullPath string, now time.Time) *Entry {
	parent, name := pathutil.Split(fullPath)
	return &Entry{
		FullPath:   fullPath,
		ParentPath: parent,
		Name:       name,
		AccessTime: now,
		ModTime:    now,
	}
}

// Size returns the content length for files and zero for directories.
func (e *Entry) Size() int64 {
	if e.IsDir || e.Content == nil {
		return 0
	}
	return e.Content.Len()
}

// Mode returns the file type and permission bits in stat(2) layout.
func (e *Entry) Mode() uint32 {
	if e.IsDir {
		return S_IFDIR | DirMode
	}
	return S_IFREG | FileMode
}

// Clone returns a deep copy that shares no memory with e.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.Content != nil {
		c.Content = content.NewBuffer(e.Content.Bytes())
	}
	return &c
}

// Info is a value snapshot of an entry's metadata, returned by stat and
// directory listings so callers never hold pointers into the store.
type Info struct {
	Path       string
	Name       string
	IsDir      bool
	Size       int64
	Mode       uint32
	AccessTime time.Time
	ModTime    time.Time
}

// Info returns the metadata of e.
func (e *Entry) Info() Info {
	return Info{
		Path:       e.FullPath,
		Name:       e.Name,
		IsDir:      e.IsDir,
		Size:       e.Size(),
		Mode:       e.Mode(),
		AccessTime: e.AccessTime,
		ModTime:    e.ModTime,
	}
}

// File type bits, matching the values in <sys/stat.h>. Declared here so the
// model does not depend on a platform syscall package.
const (
	S_IFDIR uint32 = 0o040000
	S_IFREG uint32 = 0o100000
)
