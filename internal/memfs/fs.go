// Package memfs is the operation surface of the in-memory filesystem. Bridge
// adapters call FS methods; FS validates paths, coordinates the entry store
// and file content, and holds no storage logic of its own.
package memfs

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"

	"github.com/fruitsalade/memfs/internal/content"
	"github.com/fruitsalade/memfs/internal/logging"
	"github.com/fruitsalade/memfs/internal/metrics"
	"github.com/fruitsalade/memfs/internal/models"
	"github.com/fruitsalade/memfs/internal/pathutil"
	"github.com/fruitsalade/memfs/internal/store"
)

// Config holds filesystem limits.
type Config struct {
	// Capacity is the maximum number of entries. Zero uses
	// store.DefaultCapacity.
	Capacity int

	// MaxFileSize bounds a single file's content. Zero uses
	// content.DefaultMaxSize.
	MaxFileSize int64

	// Clock supplies timestamps. Nil uses time.Now.
	Clock func() time.Time
}

// Stats holds operation counters.
type Stats struct {
	FilesCreated atomic.Int64
	DirsCreated  atomic.Int64
	FilesDeleted atomic.Int64
	DirsDeleted  atomic.Int64
	BytesRead    atomic.Int64
	BytesWritten atomic.Int64
	Truncates    atomic.Int64
	Failures     atomic.Int64
}

// Usage describes how much of the store is in use.
type Usage struct {
	Capacity int
	Entries  int
	Bytes    int64
}

// FS is the filesystem facade. All methods are safe for concurrent use; they
// are serialized by a single mutex because the store assumes one writer.
type FS struct {
	mu    sync.Mutex
	store *store.Store
	cfg   Config
	now   func() time.Time

	rootATime time.Time
	rootMTime time.Time

	onMutate func()

	stats Stats
}

// New creates an empty filesystem.
func New(cfg Config) *FS {
	if cfg.Capacity <= 0 {
		cfg.Capacity = store.DefaultCapacity
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = content.DefaultMaxSize
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	started := now()
	f := &FS{
		store:     store.New(cfg.Capacity),
		cfg:       cfg,
		now:       now,
		rootATime: started,
		rootMTime: started,
	}
	f.publishUsage()
	return f
}

// SetMutationHook registers fn to run after every successful mutating
// operation, outside the filesystem lock.
func (f *FS) SetMutationHook(fn func()) {
	f.mu.Lock()
	f.onMutate = fn
	f.mu.Unlock()
}

// CreateFile creates an empty regular file at path.
func (f *FS) CreateFile(path string) (info models.Info, err error) {
	defer f.observe("create_file", time.Now(), &err)
	return f.create(path, false)
}

// CreateDirectory creates an empty directory at path.
func (f *FS) CreateDirectory(path string) (info models.Info, err error) {
	defer f.observe("create_directory", time.Now(), &err)
	return f.create(path, true)
}

func (f *FS) create(raw string, dir bool) (models.Info, error) {
	p, err := pathutil.Clean(raw)
	if err != nil {
		return models.Info{}, err
	}

	f.mu.Lock()
	if p == pathutil.Root {
		f.mu.Unlock()
		return models.Info{}, fmt.Errorf("%w: %s", ErrAlreadyExists, p)
	}
	if _, ok := f.store.Lookup(p); ok {
		f.mu.Unlock()
		return models.Info{}, fmt.Errorf("%w: %s", ErrAlreadyExists, p)
	}
	parent := pathutil.Parent(p)
	if err := f.checkDirLocked(parent); err != nil {
		f.mu.Unlock()
		return models.Info{}, err
	}

	now := f.now()
	var e *models.Entry
	if dir {
		e = models.NewDirectory(p, now)
	} else {
		e = models.NewFile(p, now)
		e.Content.SetMaxSize(f.cfg.MaxFileSize)
	}
	if err := f.store.Insert(e); err != nil {
		f.mu.Unlock()
		return models.Info{}, fmt.Errorf("create %s: %w", p, err)
	}
	f.touchDirLocked(parent, now)
	info := e.Info()
	f.mu.Unlock()

	if dir {
		f.stats.DirsCreated.Add(1)
		logging.Debug("created directory", logging.Path(p))
	} else {
		f.stats.FilesCreated.Add(1)
		logging.Debug("created file", logging.Path(p))
	}
	f.mutated()
	return info, nil
}

// RemoveFile deletes the file at path and releases its content.
func (f *FS) RemoveFile(path string) (err error) {
	defer f.observe("remove_file", time.Now(), &err)

	p, err := pathutil.Clean(path)
	if err != nil {
		return err
	}

	f.mu.Lock()
	if p == pathutil.Root {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrIsADirectory, p)
	}
	e, ok := f.store.Lookup(p)
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if e.IsDir {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrIsADirectory, p)
	}
	f.store.Remove(p)
	e.Content = nil
	f.touchDirLocked(e.ParentPath, f.now())
	f.mu.Unlock()

	f.stats.FilesDeleted.Add(1)
	logging.Debug("removed file", logging.Path(p))
	f.mutated()
	return nil
}

// RemoveDirectory deletes the empty directory at path. Directories with
// children are rejected with ErrDirectoryNotEmpty; removal never cascades.
func (f *FS) RemoveDirectory(path string) (err error) {
	defer f.observe("remove_directory", time.Now(), &err)

	p, err := pathutil.Clean(path)
	if err != nil {
		return err
	}

	f.mu.Lock()
	if p == pathutil.Root {
		f.mu.Unlock()
		return fmt.Errorf("%w: cannot remove the root directory", ErrInvalidArgument)
	}
	e, ok := f.store.Lookup(p)
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if !e.IsDir {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotADirectory, p)
	}
	if f.store.HasChildren(p) {
		n := len(f.store.Descendants(p))
		f.mu.Unlock()
		return fmt.Errorf("%w: %s holds %d entries", ErrDirectoryNotEmpty, p, n)
	}
	f.store.Remove(p)
	f.touchDirLocked(e.ParentPath, f.now())
	f.mu.Unlock()

	f.stats.DirsDeleted.Add(1)
	logging.Debug("removed directory", logging.Path(p))
	f.mutated()
	return nil
}

// Open checks that path names a regular file and, when truncate is set,
// empties it. Open keeps no per-handle state; reads and writes address the
// file by path.
func (f *FS) Open(path string, truncate bool) (info models.Info, err error) {
	defer f.observe("open", time.Now(), &err)

	p, err := pathutil.Clean(path)
	if err != nil {
		return models.Info{}, err
	}

	f.mu.Lock()
	e, err := f.fileLocked(p)
	if err != nil {
		f.mu.Unlock()
		return models.Info{}, err
	}
	mutated := false
	if truncate && e.Content.Len() > 0 {
		if err := e.Content.Truncate(0); err != nil {
			f.mu.Unlock()
			return models.Info{}, err
		}
		e.ModTime = f.now()
		mutated = true
	}
	info = e.Info()
	f.mu.Unlock()

	if mutated {
		f.stats.Truncates.Add(1)
		f.mutated()
	}
	return info, nil
}

// Read returns up to n bytes of the file at path starting at off. Reading
// at or past the end of the file returns an empty slice and no error.
func (f *FS) Read(path string, off int64, n int) (data []byte, err error) {
	defer f.observe("read", time.Now(), &err)

	if off < 0 || n < 0 {
		return nil, fmt.Errorf("%w: read offset %d length %d", ErrInvalidArgument, off, n)
	}
	p, err := pathutil.Clean(path)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	e, err := f.fileLocked(p)
	if err != nil {
		return nil, err
	}
	e.AccessTime = f.now()

	size := e.Content.Len()
	if off >= size || n == 0 {
		return []byte{}, nil
	}
	if remaining := size - off; int64(n) > remaining {
		n = int(remaining)
	}
	buf := make([]byte, n)
	read, _ := e.Content.ReadAt(buf, off)
	f.stats.BytesRead.Add(int64(read))
	return buf[:read], nil
}

// Write stores p in the file at path starting at off, growing the file as
// needed. Any gap between the old end of file and off reads back as zeros.
func (f *FS) Write(path string, off int64, p []byte) (written int, err error) {
	defer f.observe("write", time.Now(), &err)

	cleaned, err := pathutil.Clean(path)
	if err != nil {
		return 0, err
	}

	f.mu.Lock()
	e, err := f.fileLocked(cleaned)
	if err != nil {
		f.mu.Unlock()
		return 0, err
	}
	written, err = e.Content.WriteAt(p, off)
	if err != nil {
		f.mu.Unlock()
		return 0, fmt.Errorf("write %s: %w", cleaned, wrapContentErr(err))
	}
	now := f.now()
	e.AccessTime = now
	e.ModTime = now
	f.mu.Unlock()

	f.stats.BytesWritten.Add(int64(written))
	f.mutated()
	return written, nil
}

// Truncate sets the length of the file at path. Growing zero-fills.
func (f *FS) Truncate(path string, size int64) (err error) {
	defer f.observe("truncate", time.Now(), &err)

	p, err := pathutil.Clean(path)
	if err != nil {
		return err
	}

	f.mu.Lock()
	e, err := f.fileLocked(p)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	if err := e.Content.Truncate(size); err != nil {
		f.mu.Unlock()
		return fmt.Errorf("truncate %s: %w", p, wrapContentErr(err))
	}
	now := f.now()
	e.AccessTime = now
	e.ModTime = now
	f.mu.Unlock()

	f.stats.Truncates.Add(1)
	f.mutated()
	return nil
}

// ListDirectory returns the entries directly inside the directory at path,
// ordered by name.
func (f *FS) ListDirectory(path string) (entries []models.Info, err error) {
	defer f.observe("list_directory", time.Now(), &err)

	p, err := pathutil.Clean(path)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkDirLocked(p); err != nil {
		return nil, err
	}
	now := f.now()
	if p == pathutil.Root {
		f.rootATime = now
	} else if e, ok := f.store.Lookup(p); ok {
		e.AccessTime = now
	}

	entries = []models.Info{}
	for e := range f.store.Children(p) {
		entries = append(entries, e.Info())
	}
	return entries, nil
}

// Stat returns the metadata of the entry at path. The root is synthesized.
func (f *FS) Stat(path string) (info models.Info, err error) {
	defer f.observe("stat", time.Now(), &err)

	p, err := pathutil.Clean(path)
	if err != nil {
		return models.Info{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if p == pathutil.Root {
		return f.rootInfoLocked(), nil
	}
	e, ok := f.store.Lookup(p)
	if !ok {
		return models.Info{}, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return e.Info(), nil
}

// SetTimes updates the access and modification times of the entry at path.
// A zero time leaves the corresponding field unchanged. Times that cannot be
// persisted (see models.TimeInRange) are rejected with ErrInvalidArgument.
func (f *FS) SetTimes(path string, atime, mtime time.Time) (err error) {
	defer f.observe("set_times", time.Now(), &err)

	p, err := pathutil.Clean(path)
	if err != nil {
		return err
	}
	for _, t := range []time.Time{atime, mtime} {
		if !t.IsZero() && !models.TimeInRange(t) {
			return fmt.Errorf("%w: time %s outside %d-%d", ErrInvalidArgument,
				t.UTC().Format(time.RFC3339), models.MinTime.Year(), models.MaxTime.Year())
		}
	}

	f.mu.Lock()
	if p == pathutil.Root {
		if !atime.IsZero() {
			f.rootATime = atime
		}
		if !mtime.IsZero() {
			f.rootMTime = mtime
		}
		f.mu.Unlock()
		return nil
	}
	e, ok := f.store.Lookup(p)
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if !atime.IsZero() {
		e.AccessTime = atime
	}
	if !mtime.IsZero() {
		e.ModTime = mtime
	}
	f.mu.Unlock()

	f.mutated()
	return nil
}

// ContentHash returns the hex BLAKE3 digest of the file at path.
func (f *FS) ContentHash(path string) (string, error) {
	p, err := pathutil.Clean(path)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	e, err := f.fileLocked(p)
	if err != nil {
		f.mu.Unlock()
		return "", err
	}
	data := e.Content.Bytes()
	f.mu.Unlock()

	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// StatFS reports store occupancy.
func (f *FS) StatFS() Usage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Usage{
		Capacity: f.store.Capacity(),
		Entries:  f.store.Len(),
		Bytes:    f.store.TotalBytes(),
	}
}

// Stats returns the operation counters.
func (f *FS) Stats() *Stats {
	return &f.stats
}

// Export returns deep copies of every entry, ordered so that parents precede
// their children.
func (f *FS) Export() []*models.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()

	all := f.store.All()
	out := make([]*models.Entry, len(all))
	for i, e := range all {
		out[i] = e.Clone()
	}
	return out
}

// Import replaces the filesystem contents with copies of entries. Every
// entry's parent must be the root or a directory earlier in the slice. On
// error the previous contents are kept.
func (f *FS) Import(entries []*models.Entry) error {
	next := store.New(f.cfg.Capacity)
	for _, src := range entries {
		e := src.Clone()
		if e.FullPath == pathutil.Root {
			return fmt.Errorf("%w: root cannot be imported as an entry", ErrInvalidPath)
		}
		e.ParentPath, e.Name = pathutil.Split(e.FullPath)
		if e.ParentPath != pathutil.Root {
			parent, ok := next.Lookup(e.ParentPath)
			if !ok {
				return fmt.Errorf("import %s: parent %w", e.FullPath, ErrNotFound)
			}
			if !parent.IsDir {
				return fmt.Errorf("import %s: parent %w", e.FullPath, ErrNotADirectory)
			}
		}
		if e.IsDir {
			e.Content = nil
		} else {
			if e.Content == nil {
				e.Content = content.NewBuffer(nil)
			}
			e.Content.SetMaxSize(f.cfg.MaxFileSize)
		}
		if err := next.Insert(e); err != nil {
			return fmt.Errorf("import %s: %w", e.FullPath, err)
		}
	}

	f.mu.Lock()
	f.store = next
	f.mu.Unlock()
	f.publishUsage()
	return nil
}

// fileLocked returns the regular file at canonical path p.
func (f *FS) fileLocked(p string) (*models.Entry, error) {
	if p == pathutil.Root {
		return nil, fmt.Errorf("%w: %s", ErrIsADirectory, p)
	}
	e, ok := f.store.Lookup(p)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if e.IsDir {
		return nil, fmt.Errorf("%w: %s", ErrIsADirectory, p)
	}
	return e, nil
}

// checkDirLocked verifies that canonical path p is the root or a directory.
func (f *FS) checkDirLocked(p string) error {
	if p == pathutil.Root {
		return nil
	}
	e, ok := f.store.Lookup(p)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if !e.IsDir {
		return fmt.Errorf("%w: %s", ErrNotADirectory, p)
	}
	return nil
}

// touchDirLocked records a change to the listing of directory p.
func (f *FS) touchDirLocked(p string, now time.Time) {
	if p == pathutil.Root {
		f.rootMTime = now
		return
	}
	if e, ok := f.store.Lookup(p); ok {
		e.ModTime = now
	}
}

func (f *FS) rootInfoLocked() models.Info {
	return models.Info{
		Path:       pathutil.Root,
		IsDir:      true,
		Mode:       models.S_IFDIR | models.DirMode,
		AccessTime: f.rootATime,
		ModTime:    f.rootMTime,
	}
}

func (f *FS) mutated() {
	f.publishUsage()

	f.mu.Lock()
	hook := f.onMutate
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (f *FS) publishUsage() {
	u := f.StatFS()
	metrics.SetStoreUsage(u.Entries, u.Capacity, u.Bytes)
}

func (f *FS) observe(op string, start time.Time, errp *error) {
	err := *errp
	if err != nil {
		f.stats.Failures.Add(1)
		logging.Debug("operation failed", logging.String("op", op), logging.Err(err))
	}
	metrics.RecordOperation(op, Result(err), time.Since(start))
}

// wrapContentErr tags buffer growth failures as out-of-memory conditions.
func wrapContentErr(err error) error {
	if errors.Is(err, content.ErrNegativeOffset) {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return fmt.Errorf("%w: %w", ErrOutOfMemory, err)
}
