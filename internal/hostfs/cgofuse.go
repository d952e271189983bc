// Package hostfs adapts a memfs.FS to the cgofuse path-based callback
// table, which also runs on macFUSE and WinFsp hosts.
package hostfs

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/winfsp/cgofuse/fuse"
	"go.uber.org/zap"

	"github.com/fruitsalade/memfs/internal/logging"
	"github.com/fruitsalade/memfs/internal/memfs"
	"github.com/fruitsalade/memfs/internal/models"
	"github.com/fruitsalade/memfs/internal/pathutil"
)

// Extended attributes served for every entry.
const (
	xattrHash = "user.memfs.hash"
	xattrSize = "user.memfs.size"
	xattrPath = "user.memfs.path"
)

const blockSize = 4096

// Host implements fuse.FileSystemInterface over a memfs.FS.
type Host struct {
	fuse.FileSystemBase

	fsys       *memfs.FS
	mountPath  string
	allowOther bool
	host       *fuse.FileSystemHost
	uid        uint32
	gid        uint32

	mu      sync.Mutex
	handles map[uint64]struct{}
	nextFh  atomic.Uint64

	now func() time.Time
}

// New creates a cgofuse adapter for fsys.
func New(fsys *memfs.FS, mountPath string, allowOther bool) *Host {
	return &Host{
		fsys:       fsys,
		mountPath:  mountPath,
		allowOther: allowOther,
		uid:        uint32(os.Getuid()),
		gid:        uint32(os.Getgid()),
		handles:    make(map[uint64]struct{}),
		now:        time.Now,
	}
}

// Name returns "cgofuse".
func (h *Host) Name() string {
	return "cgofuse"
}

// Start mounts the filesystem and blocks until it is unmounted or ctx is
// cancelled.
func (h *Host) Start(ctx context.Context) error {
	if err := os.MkdirAll(h.mountPath, 0755); err != nil {
		return fmt.Errorf("create mount point: %w", err)
	}

	h.host = fuse.NewFileSystemHost(h)
	h.host.SetCapReaddirPlus(false)

	opts := []string{"-o", "fsname=memfs"}
	if h.allowOther {
		opts = append(opts, "-o", "allow_other")
	}

	logging.Info("mounted", zap.String("mountpoint", h.mountPath), zap.String("bridge", "cgofuse"))

	// Mount in a goroutine; host.Mount blocks until unmounted
	errCh := make(chan error, 1)
	go func() {
		if !h.host.Mount(h.mountPath, opts) {
			errCh <- fmt.Errorf("cgofuse mount at %s failed", h.mountPath)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		h.host.Unmount()
		<-errCh
		return nil
	}
}

// Stop unmounts the filesystem.
func (h *Host) Stop() error {
	if h.host != nil && !h.host.Unmount() {
		return fmt.Errorf("cgofuse unmount of %s failed", h.mountPath)
	}
	return nil
}

func (h *Host) allocFh() uint64 {
	fh := h.nextFh.Add(1)
	h.mu.Lock()
	h.handles[fh] = struct{}{}
	h.mu.Unlock()
	return fh
}

func (h *Host) freeFh(fh uint64) {
	h.mu.Lock()
	delete(h.handles, fh)
	h.mu.Unlock()
}

// OpenHandles returns the number of live file handles.
func (h *Host) OpenHandles() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handles)
}

func (h *Host) infoToStat(info models.Info, stat *fuse.Stat_t) {
	stat.Mode = info.Mode
	stat.Size = info.Size
	stat.Blksize = blockSize
	stat.Blocks = (info.Size + 511) / 512
	stat.Atim = fuse.NewTimespec(info.AccessTime)
	stat.Mtim = fuse.NewTimespec(info.ModTime)
	stat.Ctim = stat.Mtim
	stat.Nlink = 1
	if info.IsDir {
		stat.Nlink = 2
	}
	stat.Uid = h.uid
	stat.Gid = h.gid
}

// errc converts a facade error to a negative cgofuse error code.
func errc(op, path string, err error) int {
	code := toErrc(err)
	if code == -fuse.EIO {
		logging.Error("cgofuse operation failed", zap.String("op", op), zap.String("path", path), zap.Error(err))
	} else {
		logging.Debug("cgofuse operation rejected", zap.String("op", op), zap.String("path", path), zap.Error(err))
	}
	return code
}

func toErrc(err error) int {
	return -int(memfs.Errno(err))
}

// --- fuse.FileSystemInterface implementation ---

func (h *Host) Init() {
	logging.Debug("cgofuse: init")
}

func (h *Host) Destroy() {
	logging.Debug("cgofuse: destroy")
}

func (h *Host) Statfs(path string, stat *fuse.Statfs_t) int {
	u := h.fsys.StatFS()
	used := uint64(u.Bytes+blockSize-1) / blockSize
	free := uint64(u.Capacity - u.Entries)

	stat.Bsize = blockSize
	stat.Frsize = blockSize
	stat.Blocks = used + free
	stat.Bfree = free
	stat.Bavail = free
	stat.Files = uint64(u.Capacity)
	stat.Ffree = free
	stat.Favail = free
	stat.Namemax = pathutil.MaxNameLen
	return 0
}

func (h *Host) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	info, err := h.fsys.Stat(path)
	if err != nil {
		return toErrc(err)
	}
	h.infoToStat(info, stat)
	return 0
}

func (h *Host) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	infos, err := h.fsys.ListDirectory(path)
	if err != nil {
		return errc("readdir", path, err)
	}

	fill(".", nil, 0)
	fill("..", nil, 0)
	for _, info := range infos {
		var st fuse.Stat_t
		h.infoToStat(info, &st)
		if !fill(info.Name, &st, 0) {
			break
		}
	}
	return 0
}

func (h *Host) Mknod(path string, mode uint32, dev uint64) int {
	if mode&fuse.S_IFMT != 0 && mode&fuse.S_IFMT != fuse.S_IFREG {
		return -fuse.EPERM
	}
	if _, err := h.fsys.CreateFile(path); err != nil {
		return errc("mknod", path, err)
	}
	return 0
}

func (h *Host) Create(path string, flags int, mode uint32) (int, uint64) {
	if _, err := h.fsys.CreateFile(path); err != nil {
		return errc("create", path, err), ^uint64(0)
	}
	return 0, h.allocFh()
}

func (h *Host) Mkdir(path string, mode uint32) int {
	if _, err := h.fsys.CreateDirectory(path); err != nil {
		return errc("mkdir", path, err)
	}
	return 0
}

func (h *Host) Unlink(path string) int {
	if err := h.fsys.RemoveFile(path); err != nil {
		return errc("unlink", path, err)
	}
	return 0
}

func (h *Host) Rmdir(path string) int {
	if err := h.fsys.RemoveDirectory(path); err != nil {
		return errc("rmdir", path, err)
	}
	return 0
}

func (h *Host) Open(path string, flags int) (int, uint64) {
	truncate := flags&os.O_TRUNC != 0 && flags&(os.O_WRONLY|os.O_RDWR) != 0
	if _, err := h.fsys.Open(path, truncate); err != nil {
		return errc("open", path, err), ^uint64(0)
	}
	return 0, h.allocFh()
}

func (h *Host) Opendir(path string) (int, uint64) {
	info, err := h.fsys.Stat(path)
	if err != nil {
		return toErrc(err), ^uint64(0)
	}
	if !info.IsDir {
		return -fuse.ENOTDIR, ^uint64(0)
	}
	return 0, ^uint64(0)
}

func (h *Host) Read(path string, buff []byte, ofst int64, fh uint64) int {
	data, err := h.fsys.Read(path, ofst, len(buff))
	if err != nil {
		return errc("read", path, err)
	}
	return copy(buff, data)
}

func (h *Host) Write(path string, buff []byte, ofst int64, fh uint64) int {
	n, err := h.fsys.Write(path, ofst, buff)
	if err != nil {
		return errc("write", path, err)
	}
	return n
}

func (h *Host) Truncate(path string, size int64, fh uint64) int {
	if err := h.fsys.Truncate(path, size); err != nil {
		return errc("truncate", path, err)
	}
	return 0
}

// Utimens sets access and modification times. UTIME_OMIT leaves a time
// unchanged and UTIME_NOW uses the current time.
func (h *Host) Utimens(path string, tmsp []fuse.Timespec) int {
	if len(tmsp) < 2 {
		return -fuse.EINVAL
	}
	now := h.now()
	if err := h.fsys.SetTimes(path, utime(tmsp[0], now), utime(tmsp[1], now)); err != nil {
		return errc("utimens", path, err)
	}
	return 0
}

// utime converts a utimensat timespec; a zero result means "leave as is".
func utime(ts fuse.Timespec, now time.Time) time.Time {
	switch ts.Nsec {
	case fuse.UTIME_OMIT:
		return time.Time{}
	case fuse.UTIME_NOW:
		return now
	default:
		return ts.Time()
	}
}

func (h *Host) Release(path string, fh uint64) int {
	h.freeFh(fh)
	return 0
}

func (h *Host) Getxattr(path string, name string) (int, []byte) {
	info, err := h.fsys.Stat(path)
	if err != nil {
		return toErrc(err), nil
	}

	switch name {
	case xattrSize:
		return 0, []byte(strconv.FormatInt(info.Size, 10))
	case xattrPath:
		return 0, []byte(info.Path)
	case xattrHash:
		if info.IsDir {
			return -fuse.ENOATTR, nil
		}
		sum, err := h.fsys.ContentHash(path)
		if err != nil {
			return errc("getxattr", path, err), nil
		}
		return 0, []byte(sum)
	default:
		return -fuse.ENOATTR, nil
	}
}

func (h *Host) Listxattr(path string, fill func(name string) bool) int {
	info, err := h.fsys.Stat(path)
	if err != nil {
		return toErrc(err)
	}
	attrs := []string{xattrSize, xattrPath}
	if !info.IsDir {
		attrs = append(attrs, xattrHash)
	}
	for _, attr := range attrs {
		if !fill(attr) {
			return -fuse.ERANGE
		}
	}
	return 0
}
