// Package fuse exposes a memfs.FS to the kernel through the go-fuse node API.
// Nodes hold no state of their own: each callback resolves the node's path
// and calls the facade.
package fuse

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/fruitsalade/memfs/internal/logging"
	"github.com/fruitsalade/memfs/internal/memfs"
	"github.com/fruitsalade/memfs/internal/models"
	"github.com/fruitsalade/memfs/internal/pathutil"
)

// Extended attributes served for every entry.
const (
	XattrHash = "user.memfs.hash"
	XattrSize = "user.memfs.size"
	XattrPath = "user.memfs.path"
)

// blockSize is the block size reported by stat and statfs.
const blockSize = 4096

// Config holds FUSE mount configuration.
type Config struct {
	FsName     string
	AllowOther bool
	Debug      bool

	// AttrTimeout and EntryTimeout bound kernel caching. Zero disables it,
	// which is the safe default since the facade is the only writer.
	AttrTimeout  time.Duration
	EntryTimeout time.Duration
}

// Node is a file or directory in the mounted tree.
type Node struct {
	fs.Inode

	fsys *memfs.FS
	uid  uint32
	gid  uint32
}

// NewRoot returns the root node for fsys.
func NewRoot(fsys *memfs.FS) *Node {
	return &Node{
		fsys: fsys,
		uid:  uint32(os.Getuid()),
		gid:  uint32(os.Getgid()),
	}
}

// Mount mounts fsys at mountPoint and returns the running server. The caller
// waits on the server and unmounts it.
func Mount(mountPoint string, fsys *memfs.FS, cfg Config) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}
	if cfg.FsName == "" {
		cfg.FsName = "memfs"
	}

	root := NewRoot(fsys)
	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: cfg.AllowOther,
			Debug:      cfg.Debug,
			FsName:     cfg.FsName,
			Name:       "memfs",
			MaxWrite:   1 << 20,
		},
		AttrTimeout:  &cfg.AttrTimeout,
		EntryTimeout: &cfg.EntryTimeout,
		UID:          root.uid,
		GID:          root.gid,
	}

	server, err := fs.Mount(mountPoint, root, opts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}

	logging.Info("mounted", zap.String("mountpoint", mountPoint), zap.String("bridge", "gofuse"))
	return server, nil
}

// Ensure Node implements the required interfaces
var _ fs.InodeEmbedder = (*Node)(nil)
var _ fs.NodeGetattrer = (*Node)(nil)
var _ fs.NodeSetattrer = (*Node)(nil)
var _ fs.NodeLookuper = (*Node)(nil)
var _ fs.NodeReaddirer = (*Node)(nil)
var _ fs.NodeCreater = (*Node)(nil)
var _ fs.NodeMknoder = (*Node)(nil)
var _ fs.NodeMkdirer = (*Node)(nil)
var _ fs.NodeUnlinker = (*Node)(nil)
var _ fs.NodeRmdirer = (*Node)(nil)
var _ fs.NodeOpener = (*Node)(nil)
var _ fs.NodeReader = (*Node)(nil)
var _ fs.NodeWriter = (*Node)(nil)
var _ fs.NodeGetxattrer = (*Node)(nil)
var _ fs.NodeListxattrer = (*Node)(nil)
var _ fs.NodeStatfser = (*Node)(nil)

// path returns the canonical path of n. Entries cannot be renamed, so the
// inode tree position is authoritative.
func (n *Node) path() string {
	return pathutil.Root + n.Path(nil)
}

func (n *Node) childPath(name string) string {
	return pathutil.Join(n.path(), name)
}

func (n *Node) fillAttr(info models.Info, out *gofuse.Attr) {
	out.Mode = info.Mode
	out.Size = uint64(info.Size)
	out.Blocks = (out.Size + 511) / 512
	out.Blksize = blockSize
	out.Nlink = 1
	if info.IsDir {
		out.Nlink = 2
	}
	out.SetTimes(&info.AccessTime, &info.ModTime, &info.ModTime)
	out.Uid = n.uid
	out.Gid = n.gid
}

func (n *Node) newChild(ctx context.Context, info models.Info, out *gofuse.EntryOut) *fs.Inode {
	n.fillAttr(info, &out.Attr)
	child := &Node{fsys: n.fsys, uid: n.uid, gid: n.gid}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: info.Mode & syscall.S_IFMT})
}

// errno logs unexpected failures and converts err for the kernel.
func errno(op, path string, err error) syscall.Errno {
	code := memfs.Errno(err)
	if code == syscall.EIO {
		logging.Error("fuse operation failed", zap.String("op", op), zap.String("path", path), zap.Error(err))
	} else {
		logging.Debug("fuse operation rejected", zap.String("op", op), zap.String("path", path), zap.Error(err))
	}
	return code
}

// Getattr returns entry attributes.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	p := n.path()
	info, err := n.fsys.Stat(p)
	if err != nil {
		return errno("getattr", p, err)
	}
	n.fillAttr(info, &out.Attr)
	return 0
}

// Setattr handles truncate and time updates. Mode and ownership changes are
// accepted and ignored: permission bits are fixed.
func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	p := n.path()

	if sz, ok := in.GetSize(); ok {
		if err := n.fsys.Truncate(p, int64(sz)); err != nil {
			return errno("truncate", p, err)
		}
	}

	atime, aok := in.GetATime()
	mtime, mok := in.GetMTime()
	if aok || mok {
		// Unset times come back zero, which SetTimes leaves unchanged.
		if err := n.fsys.SetTimes(p, atime, mtime); err != nil {
			return errno("utimens", p, err)
		}
	}

	return n.Getattr(ctx, fh, out)
}

// Lookup finds a child by name.
func (n *Node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.childPath(name)
	info, err := n.fsys.Stat(p)
	if err != nil {
		return nil, memfs.Errno(err)
	}
	return n.newChild(ctx, info, out), 0
}

// Readdir lists directory contents.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	p := n.path()
	infos, err := n.fsys.ListDirectory(p)
	if err != nil {
		return nil, errno("readdir", p, err)
	}

	entries := make([]gofuse.DirEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, gofuse.DirEntry{
			Name: info.Name,
			Mode: info.Mode & syscall.S_IFMT,
		})
	}
	return fs.NewListDirStream(entries), 0
}

// Create creates and opens a new regular file.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *gofuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	p := n.childPath(name)
	info, err := n.fsys.CreateFile(p)
	if err != nil {
		return nil, nil, 0, errno("create", p, err)
	}
	return n.newChild(ctx, info, out), nil, gofuse.FOPEN_DIRECT_IO, 0
}

// Mknod creates a regular file. Other node types are not supported.
func (n *Node) Mknod(ctx context.Context, name string, mode uint32, dev uint32, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if mode&syscall.S_IFMT != 0 && mode&syscall.S_IFMT != syscall.S_IFREG {
		return nil, syscall.EPERM
	}
	p := n.childPath(name)
	info, err := n.fsys.CreateFile(p)
	if err != nil {
		return nil, errno("mknod", p, err)
	}
	return n.newChild(ctx, info, out), 0
}

// Mkdir creates a new directory.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.childPath(name)
	info, err := n.fsys.CreateDirectory(p)
	if err != nil {
		return nil, errno("mkdir", p, err)
	}
	return n.newChild(ctx, info, out), 0
}

// Unlink removes a file.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	p := n.childPath(name)
	if err := n.fsys.RemoveFile(p); err != nil {
		return errno("unlink", p, err)
	}
	return 0
}

// Rmdir removes an empty directory.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	p := n.childPath(name)
	if err := n.fsys.RemoveDirectory(p); err != nil {
		return errno("rmdir", p, err)
	}
	return 0
}

// Open validates the file and applies O_TRUNC. Reads and writes go through
// the node, so no file handle is returned. Direct I/O keeps the page cache
// from serving stale data after another handle writes.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	p := n.path()
	truncate := flags&syscall.O_TRUNC != 0 && flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0
	if _, err := n.fsys.Open(p, truncate); err != nil {
		return nil, 0, errno("open", p, err)
	}
	return nil, gofuse.FOPEN_DIRECT_IO, 0
}

// Read reads file content.
func (n *Node) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	p := n.path()
	data, err := n.fsys.Read(p, off, len(dest))
	if err != nil {
		return nil, errno("read", p, err)
	}
	return gofuse.ReadResultData(data), 0
}

// Write writes file content.
func (n *Node) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	p := n.path()
	written, err := n.fsys.Write(p, off, data)
	if err != nil {
		return 0, errno("write", p, err)
	}
	return uint32(written), 0
}

// Statfs reports entry slots as inodes and content bytes as blocks.
func (n *Node) Statfs(ctx context.Context, out *gofuse.StatfsOut) syscall.Errno {
	u := n.fsys.StatFS()
	used := uint64(u.Bytes+blockSize-1) / blockSize
	free := uint64(u.Capacity - u.Entries)

	out.Bsize = blockSize
	out.Frsize = blockSize
	out.Blocks = used + free
	out.Bfree = free
	out.Bavail = free
	out.Files = uint64(u.Capacity)
	out.Ffree = free
	out.NameLen = pathutil.MaxNameLen
	return 0
}

// Getxattr returns extended attribute value.
func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	p := n.path()
	info, err := n.fsys.Stat(p)
	if err != nil {
		return 0, memfs.Errno(err)
	}

	var value string
	switch attr {
	case XattrSize:
		value = strconv.FormatInt(info.Size, 10)
	case XattrPath:
		value = info.Path
	case XattrHash:
		if info.IsDir {
			return 0, syscall.ENODATA
		}
		value, err = n.fsys.ContentHash(p)
		if err != nil {
			return 0, errno("getxattr", p, err)
		}
	default:
		return 0, syscall.ENODATA
	}

	if len(dest) == 0 {
		return uint32(len(value)), 0
	}
	if len(dest) < len(value) {
		return 0, syscall.ERANGE
	}

	copy(dest, value)
	return uint32(len(value)), 0
}

// Listxattr lists extended attributes.
func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	info, err := n.fsys.Stat(n.path())
	if err != nil {
		return 0, memfs.Errno(err)
	}

	attrs := []string{XattrSize, XattrPath}
	if !info.IsDir {
		attrs = append(attrs, XattrHash)
	}

	var total int
	for _, attr := range attrs {
		total += len(attr) + 1
	}

	if len(dest) == 0 {
		return uint32(total), 0
	}
	if len(dest) < total {
		return 0, syscall.ERANGE
	}

	offset := 0
	for _, attr := range attrs {
		copy(dest[offset:], attr)
		offset += len(attr)
		dest[offset] = 0
		offset++
	}

	return uint32(total), 0
}
