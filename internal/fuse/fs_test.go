package fuse

import (
	"context"
	"strings"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/fruitsalade/memfs/internal/memfs"
)

// newTree returns a root node wired into a bridge without mounting, so
// node callbacks can be exercised directly.
func newTree(t *testing.T, capacity int) (*memfs.FS, *Node) {
	t.Helper()
	fsys := memfs.New(memfs.Config{Capacity: capacity})
	root := NewRoot(fsys)
	fs.NewNodeFS(root, &fs.Options{})
	return fsys, root
}

// attach links a child returned by a creating callback into the tree, as
// the bridge does after a successful reply.
func attach(t *testing.T, parent *Node, name string, child *fs.Inode) *Node {
	t.Helper()
	if child == nil {
		t.Fatalf("nil inode for %s", name)
	}
	parent.AddChild(name, child, true)
	return child.Operations().(*Node)
}

func TestCreateWriteRead(t *testing.T) {
	ctx := context.Background()
	fsys, root := newTree(t, 10)

	var out gofuse.EntryOut
	dirInode, errno := root.Mkdir(ctx, "a", 0o755, &out)
	if errno != 0 {
		t.Fatalf("Mkdir: %v", errno)
	}
	if out.Mode&syscall.S_IFDIR == 0 {
		t.Errorf("Mkdir mode = %o", out.Mode)
	}
	dir := attach(t, root, "a", dirInode)

	fileInode, _, _, errno := dir.Create(ctx, "b.txt", 0, 0o644, &out)
	if errno != 0 {
		t.Fatalf("Create: %v", errno)
	}
	file := attach(t, dir, "b.txt", fileInode)
	if got := file.path(); got != "/a/b.txt" {
		t.Fatalf("path = %q, want /a/b.txt", got)
	}

	n, errno := file.Write(ctx, nil, []byte("hello"), 0)
	if errno != 0 || n != 5 {
		t.Fatalf("Write = %d, %v", n, errno)
	}

	res, errno := file.Read(ctx, nil, make([]byte, 64), 0)
	if errno != 0 {
		t.Fatalf("Read: %v", errno)
	}
	data, _ := res.Bytes(nil)
	if string(data) != "hello" {
		t.Errorf("Read = %q, want hello", data)
	}

	var attr gofuse.AttrOut
	if errno := file.Getattr(ctx, nil, &attr); errno != 0 {
		t.Fatal(errno)
	}
	if attr.Size != 5 || attr.Mode != syscall.S_IFREG|0o644 {
		t.Errorf("attr size=%d mode=%o", attr.Size, attr.Mode)
	}

	if got, _ := fsys.Read("/a/b.txt", 0, 5); string(got) != "hello" {
		t.Errorf("facade content = %q", got)
	}
}

func TestRmdirNonEmpty(t *testing.T) {
	ctx := context.Background()
	_, root := newTree(t, 10)

	var out gofuse.EntryOut
	dirInode, _ := root.Mkdir(ctx, "a", 0o755, &out)
	dir := attach(t, root, "a", dirInode)
	if _, errno := dir.Mknod(ctx, "f", syscall.S_IFREG|0o644, 0, &out); errno != 0 {
		t.Fatalf("Mknod: %v", errno)
	}

	if errno := root.Rmdir(ctx, "a"); errno != syscall.ENOTEMPTY {
		t.Errorf("Rmdir(non-empty) = %v, want ENOTEMPTY", errno)
	}
	if errno := root.Unlink(ctx, "a"); errno != syscall.EISDIR {
		t.Errorf("Unlink(dir) = %v, want EISDIR", errno)
	}
	if errno := dir.Unlink(ctx, "f"); errno != 0 {
		t.Fatalf("Unlink: %v", errno)
	}
	if errno := root.Rmdir(ctx, "a"); errno != 0 {
		t.Errorf("Rmdir(empty) = %v", errno)
	}
}

func TestMknodRejectsSpecialFiles(t *testing.T) {
	_, root := newTree(t, 10)
	var out gofuse.EntryOut
	if _, errno := root.Mknod(context.Background(), "fifo", syscall.S_IFIFO|0o644, 0, &out); errno != syscall.EPERM {
		t.Errorf("Mknod(fifo) = %v, want EPERM", errno)
	}
}

func TestLookupAndReaddir(t *testing.T) {
	ctx := context.Background()
	fsys, root := newTree(t, 10)
	fsys.CreateFile("/z")
	fsys.CreateDirectory("/d")

	var out gofuse.EntryOut
	if _, errno := root.Lookup(ctx, "missing", &out); errno != syscall.ENOENT {
		t.Errorf("Lookup(missing) = %v, want ENOENT", errno)
	}
	inode, errno := root.Lookup(ctx, "d", &out)
	if errno != 0 || inode.StableAttr().Mode != syscall.S_IFDIR {
		t.Errorf("Lookup(d) = %v mode %o", errno, out.Mode)
	}

	stream, errno := root.Readdir(ctx)
	if errno != 0 {
		t.Fatal(errno)
	}
	var names []string
	for stream.HasNext() {
		e, _ := stream.Next()
		names = append(names, e.Name)
	}
	if strings.Join(names, ",") != "d,z" {
		t.Errorf("Readdir = %v", names)
	}
}

func TestCapacityMapsToENOSPC(t *testing.T) {
	ctx := context.Background()
	_, root := newTree(t, 1)
	var out gofuse.EntryOut
	if _, errno := root.Mkdir(ctx, "one", 0o755, &out); errno != 0 {
		t.Fatal(errno)
	}
	if _, _, _, errno := root.Create(ctx, "two", 0, 0o644, &out); errno != syscall.ENOSPC {
		t.Errorf("Create past capacity = %v, want ENOSPC", errno)
	}
}

func TestSetattrTruncateAndTimes(t *testing.T) {
	ctx := context.Background()
	fsys, root := newTree(t, 10)
	var out gofuse.EntryOut
	inode, _, _, _ := root.Create(ctx, "f", 0, 0o644, &out)
	file := attach(t, root, "f", inode)
	fsys.Write("/f", 0, []byte("abcdef"))

	in := &gofuse.SetAttrIn{}
	in.Valid = gofuse.FATTR_SIZE | gofuse.FATTR_MTIME
	in.Size = 2
	in.Mtime = 1_000_000
	var attr gofuse.AttrOut
	if errno := file.Setattr(ctx, nil, in, &attr); errno != 0 {
		t.Fatalf("Setattr: %v", errno)
	}
	if attr.Size != 2 {
		t.Errorf("size = %d, want 2", attr.Size)
	}
	if attr.Mtime != 1_000_000 {
		t.Errorf("mtime = %d, want 1000000", attr.Mtime)
	}
}

func TestOpenTruncates(t *testing.T) {
	ctx := context.Background()
	fsys, root := newTree(t, 10)
	var out gofuse.EntryOut
	inode, _, _, _ := root.Create(ctx, "f", 0, 0o644, &out)
	file := attach(t, root, "f", inode)
	fsys.Write("/f", 0, []byte("data"))

	if _, _, errno := file.Open(ctx, syscall.O_RDONLY); errno != 0 {
		t.Fatal(errno)
	}
	if info, _ := fsys.Stat("/f"); info.Size != 4 {
		t.Errorf("read-only open changed size to %d", info.Size)
	}
	if _, _, errno := file.Open(ctx, syscall.O_WRONLY|syscall.O_TRUNC); errno != 0 {
		t.Fatal(errno)
	}
	if info, _ := fsys.Stat("/f"); info.Size != 0 {
		t.Errorf("O_TRUNC left size %d", info.Size)
	}
	if _, _, errno := root.Open(ctx, syscall.O_RDONLY); errno != syscall.EISDIR {
		t.Errorf("Open(root) = %v, want EISDIR", errno)
	}
}

func TestXattrs(t *testing.T) {
	ctx := context.Background()
	fsys, root := newTree(t, 10)
	var out gofuse.EntryOut
	inode, _, _, _ := root.Create(ctx, "f", 0, 0o644, &out)
	file := attach(t, root, "f", inode)
	fsys.Write("/f", 0, []byte("abc"))

	size, errno := file.Getxattr(ctx, XattrHash, nil)
	if errno != 0 || size != 64 {
		t.Fatalf("Getxattr(hash) size = %d, %v", size, errno)
	}
	buf := make([]byte, size)
	if _, errno := file.Getxattr(ctx, XattrHash, buf); errno != 0 {
		t.Fatal(errno)
	}
	want, _ := fsys.ContentHash("/f")
	if string(buf) != want {
		t.Errorf("hash xattr = %s, want %s", buf, want)
	}

	if _, errno := file.Getxattr(ctx, XattrSize, make([]byte, 1)); errno != 0 {
		t.Errorf("Getxattr(size) = %v", errno)
	}
	if _, errno := file.Getxattr(ctx, XattrPath, make([]byte, 1)); errno != syscall.ERANGE {
		t.Errorf("short buffer = %v, want ERANGE", errno)
	}
	if _, errno := file.Getxattr(ctx, "user.other", nil); errno != syscall.ENODATA {
		t.Errorf("unknown xattr = %v, want ENODATA", errno)
	}
	if _, errno := root.Getxattr(ctx, XattrHash, nil); errno != syscall.ENODATA {
		t.Errorf("hash on directory = %v, want ENODATA", errno)
	}

	n, _ := file.Listxattr(ctx, nil)
	list := make([]byte, n)
	file.Listxattr(ctx, list)
	got := strings.Split(strings.TrimSuffix(string(list), "\x00"), "\x00")
	if strings.Join(got, " ") != XattrSize+" "+XattrPath+" "+XattrHash {
		t.Errorf("Listxattr = %q", got)
	}
}

func TestStatfs(t *testing.T) {
	fsys, root := newTree(t, 8)
	fsys.CreateFile("/a")
	fsys.Write("/a", 0, make([]byte, blockSize+1))

	var out gofuse.StatfsOut
	if errno := root.Statfs(context.Background(), &out); errno != 0 {
		t.Fatal(errno)
	}
	if out.Files != 8 || out.Ffree != 7 {
		t.Errorf("files = %d free %d, want 8/7", out.Files, out.Ffree)
	}
	if out.Blocks != 2+7 {
		t.Errorf("blocks = %d, want 9", out.Blocks)
	}
}
