package memfs

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fruitsalade/memfs/internal/models"
	"github.com/fruitsalade/memfs/internal/pathutil"
)

func newTestFS(t *testing.T, capacity int) *FS {
	t.Helper()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	return New(Config{
		Capacity: capacity,
		Clock: func() time.Time {
			return base.Add(time.Duration(tick.Add(1)) * time.Second)
		},
	})
}

func names(infos []models.Info) []string {
	out := make([]string, len(infos))
	for i, info := range infos {
		out[i] = info.Name
	}
	return out
}

func TestExampleSession(t *testing.T) {
	fsys := newTestFS(t, 10)

	if _, err := fsys.CreateDirectory("/a"); err != nil {
		t.Fatalf("CreateDirectory(/a): %v", err)
	}
	if _, err := fsys.CreateFile("/a/b.txt"); err != nil {
		t.Fatalf("CreateFile(/a/b.txt): %v", err)
	}
	n, err := fsys.Write("/a/b.txt", 0, []byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Write = %d, %v; want 5, nil", n, err)
	}

	got, err := fsys.Read("/a/b.txt", 0, 5)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Read = %q, want %q", got, "hello")
	}

	list, err := fsys.ListDirectory("/a")
	if err != nil {
		t.Fatalf("ListDirectory: %v", err)
	}
	if fmt.Sprint(names(list)) != "[b.txt]" {
		t.Errorf("ListDirectory(/a) = %v, want [b.txt]", names(list))
	}

	if err := fsys.RemoveDirectory("/a"); !errors.Is(err, ErrDirectoryNotEmpty) {
		t.Errorf("RemoveDirectory(non-empty) error = %v, want ErrDirectoryNotEmpty", err)
	}
	if err := fsys.RemoveFile("/a/b.txt"); err != nil {
		t.Fatalf("RemoveFile: %v", err)
	}
	if err := fsys.RemoveDirectory("/a"); err != nil {
		t.Errorf("RemoveDirectory(empty): %v", err)
	}
	if _, err := fsys.Stat("/a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Stat after removal error = %v, want ErrNotFound", err)
	}
}

func TestCapacityExceededLeavesNoEntry(t *testing.T) {
	const capacity = 4
	fsys := newTestFS(t, capacity)

	for i := range capacity {
		if _, err := fsys.CreateFile(fmt.Sprintf("/f%d", i)); err != nil {
			t.Fatalf("CreateFile #%d: %v", i, err)
		}
	}
	if _, err := fsys.CreateFile("/overflow"); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("CreateFile past capacity error = %v, want ErrCapacityExceeded", err)
	}
	if _, err := fsys.CreateDirectory("/overflow-dir"); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("CreateDirectory past capacity error = %v, want ErrCapacityExceeded", err)
	}
	if _, err := fsys.Stat("/overflow"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Stat(/overflow) error = %v, want ErrNotFound", err)
	}
	if u := fsys.StatFS(); u.Entries != capacity {
		t.Errorf("StatFS().Entries = %d, want %d", u.Entries, capacity)
	}

	// Freeing a slot makes room again.
	if err := fsys.RemoveFile("/f0"); err != nil {
		t.Fatal(err)
	}
	if _, err := fsys.CreateFile("/overflow"); err != nil {
		t.Errorf("CreateFile after removal: %v", err)
	}
}

func TestWriteAtOffsetZeroFillsGap(t *testing.T) {
	fsys := newTestFS(t, 10)
	if _, err := fsys.CreateFile("/gap"); err != nil {
		t.Fatal(err)
	}

	payload := []byte("xyz")
	const off = 7
	if _, err := fsys.Write("/gap", off, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := fsys.Read("/gap", 0, off+len(payload))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := append(make([]byte, off), payload...)
	if !bytes.Equal(got, want) {
		t.Errorf("Read = %v, want %v", got, want)
	}

	info, _ := fsys.Stat("/gap")
	if info.Size != int64(off+len(payload)) {
		t.Errorf("Size = %d, want %d", info.Size, off+len(payload))
	}
}

func TestTruncateShrinkThenGrow(t *testing.T) {
	fsys := newTestFS(t, 10)
	if _, err := fsys.CreateFile("/t"); err != nil {
		t.Fatal(err)
	}
	if _, err := fsys.Write("/t", 0, []byte("abcdefgh")); err != nil {
		t.Fatal(err)
	}

	if err := fsys.Truncate("/t", 3); err != nil {
		t.Fatalf("Truncate(3): %v", err)
	}
	if err := fsys.Truncate("/t", 6); err != nil {
		t.Fatalf("Truncate(6): %v", err)
	}

	got, err := fsys.Read("/t", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{'a', 'b', 'c', 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Errorf("content = %v, want %v", got, want)
	}
}

func TestReadClampsToSize(t *testing.T) {
	fsys := newTestFS(t, 10)
	fsys.CreateFile("/r")
	fsys.Write("/r", 0, []byte("0123456789"))

	tests := []struct {
		name string
		off  int64
		n    int
		want string
	}{
		{"whole", 0, 10, "0123456789"},
		{"past end", 4, 100, "456789"},
		{"at end", 10, 5, ""},
		{"beyond end", 50, 5, ""},
		{"zero length", 2, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fsys.Read("/r", tt.off, tt.n)
			if err != nil {
				t.Fatalf("Read error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Read(%d, %d) = %q, want %q", tt.off, tt.n, got, tt.want)
			}
		})
	}

	if _, err := fsys.Read("/r", -1, 1); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Read negative offset error = %v, want ErrInvalidArgument", err)
	}
}

func TestCreateErrors(t *testing.T) {
	fsys := newTestFS(t, 10)
	fsys.CreateDirectory("/dir")
	fsys.CreateFile("/file")

	tests := []struct {
		name    string
		path    string
		dir     bool
		wantErr error
	}{
		{"duplicate file", "/file", false, ErrAlreadyExists},
		{"duplicate dir", "/dir", true, ErrAlreadyExists},
		{"root", "/", true, ErrAlreadyExists},
		{"missing parent", "/nope/x", false, ErrNotFound},
		{"parent is file", "/file/x", false, ErrNotADirectory},
		{"relative", "rel", false, ErrInvalidPath},
		{"dotdot", "/dir/../x", false, ErrInvalidPath},
		{"empty", "", true, ErrInvalidPath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.dir {
				_, err = fsys.CreateDirectory(tt.path)
			} else {
				_, err = fsys.CreateFile(tt.path)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPathsAreCanonicalized(t *testing.T) {
	fsys := newTestFS(t, 10)
	if _, err := fsys.CreateDirectory("/a/"); err != nil {
		t.Fatal(err)
	}
	info, err := fsys.CreateFile("//a//b")
	if err != nil {
		t.Fatal(err)
	}
	if info.Path != "/a/b" || info.Name != "b" {
		t.Errorf("created %q (name %q), want /a/b (name b)", info.Path, info.Name)
	}

	list, err := fsys.ListDirectory("/a/")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Path != "/a/b" {
		t.Errorf("ListDirectory(/a/) = %v", names(list))
	}
}

func TestKindMismatch(t *testing.T) {
	fsys := newTestFS(t, 10)
	fsys.CreateDirectory("/d")
	fsys.CreateFile("/f")

	if err := fsys.RemoveFile("/d"); !errors.Is(err, ErrIsADirectory) {
		t.Errorf("RemoveFile(dir) = %v, want ErrIsADirectory", err)
	}
	if err := fsys.RemoveDirectory("/f"); !errors.Is(err, ErrNotADirectory) {
		t.Errorf("RemoveDirectory(file) = %v, want ErrNotADirectory", err)
	}
	if _, err := fsys.Read("/d", 0, 1); !errors.Is(err, ErrIsADirectory) {
		t.Errorf("Read(dir) = %v, want ErrIsADirectory", err)
	}
	if _, err := fsys.Write("/d", 0, []byte("x")); !errors.Is(err, ErrIsADirectory) {
		t.Errorf("Write(dir) = %v, want ErrIsADirectory", err)
	}
	if _, err := fsys.Open("/d", false); !errors.Is(err, ErrIsADirectory) {
		t.Errorf("Open(dir) = %v, want ErrIsADirectory", err)
	}
	if _, err := fsys.ListDirectory("/f"); !errors.Is(err, ErrNotADirectory) {
		t.Errorf("ListDirectory(file) = %v, want ErrNotADirectory", err)
	}
	if err := fsys.RemoveDirectory("/"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("RemoveDirectory(/) = %v, want ErrInvalidArgument", err)
	}
	if err := fsys.RemoveFile("/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RemoveFile(missing) = %v, want ErrNotFound", err)
	}
}

func TestStatRoot(t *testing.T) {
	fsys := newTestFS(t, 10)
	info, err := fsys.Stat("/")
	if err != nil {
		t.Fatal(err)
	}
	if !info.IsDir || info.Mode != models.S_IFDIR|models.DirMode {
		t.Errorf("root info = %+v", info)
	}
	if info.Path != pathutil.Root {
		t.Errorf("root path = %q", info.Path)
	}
}

func TestListRootSorted(t *testing.T) {
	fsys := newTestFS(t, 10)
	for _, p := range []string{"/zeta", "/alpha", "/mid"} {
		fsys.CreateFile(p)
	}
	fsys.CreateDirectory("/alpha-dir")
	fsys.CreateFile("/alpha-dir/nested")

	list, err := fsys.ListDirectory("/")
	if err != nil {
		t.Fatal(err)
	}
	if got := fmt.Sprint(names(list)); got != "[alpha alpha-dir mid zeta]" {
		t.Errorf("ListDirectory(/) = %s", got)
	}
}

func TestTimestamps(t *testing.T) {
	fsys := newTestFS(t, 10)
	created, _ := fsys.CreateFile("/ts")

	fsys.Write("/ts", 0, []byte("data"))
	afterWrite, _ := fsys.Stat("/ts")
	if !afterWrite.ModTime.After(created.ModTime) {
		t.Errorf("write did not advance mtime: %v -> %v", created.ModTime, afterWrite.ModTime)
	}

	fsys.Read("/ts", 0, 4)
	afterRead, _ := fsys.Stat("/ts")
	if !afterRead.AccessTime.After(afterWrite.AccessTime) {
		t.Errorf("read did not advance atime")
	}
	if !afterRead.ModTime.Equal(afterWrite.ModTime) {
		t.Errorf("read changed mtime")
	}

	at := time.Date(2000, 5, 5, 0, 0, 0, 0, time.UTC)
	if err := fsys.SetTimes("/ts", at, time.Time{}); err != nil {
		t.Fatal(err)
	}
	got, _ := fsys.Stat("/ts")
	if !got.AccessTime.Equal(at) {
		t.Errorf("atime = %v, want %v", got.AccessTime, at)
	}
	if !got.ModTime.Equal(afterWrite.ModTime) {
		t.Errorf("zero mtime should leave mtime unchanged")
	}

	if err := fsys.SetTimes("/missing", at, at); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetTimes(missing) = %v, want ErrNotFound", err)
	}
}

func TestSetTimesRejectsUnstorableTimes(t *testing.T) {
	fsys := newTestFS(t, 10)
	fsys.CreateFile("/f")
	before, _ := fsys.Stat("/f")

	far := time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC)
	early := time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, tc := range []struct{ atime, mtime time.Time }{
		{far, far},
		{time.Time{}, far},
		{early, time.Time{}},
	} {
		if err := fsys.SetTimes("/f", tc.atime, tc.mtime); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("SetTimes(%v, %v) = %v, want ErrInvalidArgument", tc.atime, tc.mtime, err)
		}
	}
	if err := fsys.SetTimes("/", far, far); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("SetTimes(root) = %v, want ErrInvalidArgument", err)
	}

	after, _ := fsys.Stat("/f")
	if !after.AccessTime.Equal(before.AccessTime) || !after.ModTime.Equal(before.ModTime) {
		t.Errorf("rejected SetTimes changed times: %v/%v -> %v/%v",
			before.AccessTime, before.ModTime, after.AccessTime, after.ModTime)
	}
	if Errno(fsys.SetTimes("/f", far, far)) != unix.EINVAL {
		t.Error("unstorable time should map to EINVAL")
	}

	if err := fsys.SetTimes("/f", models.MinTime, models.MaxTime); err != nil {
		t.Errorf("SetTimes at range edges = %v", err)
	}
}

func TestOpenTruncate(t *testing.T) {
	fsys := newTestFS(t, 10)
	fsys.CreateFile("/o")
	fsys.Write("/o", 0, []byte("content"))

	info, err := fsys.Open("/o", false)
	if err != nil || info.Size != 7 {
		t.Fatalf("Open(keep) = %+v, %v", info, err)
	}
	info, err = fsys.Open("/o", true)
	if err != nil || info.Size != 0 {
		t.Fatalf("Open(truncate) = %+v, %v", info, err)
	}
}

func TestMaxFileSize(t *testing.T) {
	fsys := New(Config{Capacity: 4, MaxFileSize: 8})
	fsys.CreateFile("/small")

	if _, err := fsys.Write("/small", 4, []byte("12345")); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("oversized write error = %v, want ErrOutOfMemory", err)
	}
	if err := fsys.Truncate("/small", 9); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("oversized truncate error = %v, want ErrOutOfMemory", err)
	}
	if info, _ := fsys.Stat("/small"); info.Size != 0 {
		t.Errorf("failed write changed size to %d", info.Size)
	}
}

func TestMutationHook(t *testing.T) {
	fsys := newTestFS(t, 10)
	var calls int
	fsys.SetMutationHook(func() { calls++ })

	fsys.CreateFile("/m")
	fsys.Write("/m", 0, []byte("x"))
	fsys.Read("/m", 0, 1)
	fsys.Stat("/m")
	fsys.CreateFile("/m") // fails, no hook
	fsys.RemoveFile("/m")

	if calls != 3 {
		t.Errorf("hook calls = %d, want 3", calls)
	}
}

func TestExportImport(t *testing.T) {
	src := newTestFS(t, 10)
	src.CreateDirectory("/docs")
	src.CreateFile("/docs/readme")
	src.Write("/docs/readme", 0, []byte("read me"))
	src.CreateFile("/empty")

	entries := src.Export()
	if len(entries) != 3 {
		t.Fatalf("Export returned %d entries, want 3", len(entries))
	}

	// Exported entries are copies.
	entries[1].Content.WriteAt([]byte("XX"), 0)
	if got, _ := src.Read("/docs/readme", 0, 2); string(got) != "re" {
		t.Errorf("mutating export leaked into source: %q", got)
	}

	dst := newTestFS(t, 10)
	if err := dst.Import(src.Export()); err != nil {
		t.Fatalf("Import: %v", err)
	}
	got, err := dst.Read("/docs/readme", 0, 100)
	if err != nil || string(got) != "read me" {
		t.Errorf("imported content = %q, %v", got, err)
	}
	list, _ := dst.ListDirectory("/")
	if fmt.Sprint(names(list)) != "[docs empty]" {
		t.Errorf("imported root = %v", names(list))
	}
}

func TestImportRejectsOrphansAndKeepsState(t *testing.T) {
	fsys := newTestFS(t, 10)
	fsys.CreateFile("/keep")

	orphan := models.NewFile("/missing/child", time.Now())
	if err := fsys.Import([]*models.Entry{orphan}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Import(orphan) = %v, want ErrNotFound", err)
	}
	if _, err := fsys.Stat("/keep"); err != nil {
		t.Errorf("failed import dropped existing state: %v", err)
	}

	tooMany := make([]*models.Entry, 0, 3)
	small := New(Config{Capacity: 2})
	for i := range 3 {
		tooMany = append(tooMany, models.NewFile(fmt.Sprintf("/f%d", i), time.Now()))
	}
	if err := small.Import(tooMany); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("Import over capacity = %v, want ErrCapacityExceeded", err)
	}
}

func TestContentHash(t *testing.T) {
	fsys := newTestFS(t, 10)
	fsys.CreateFile("/a")
	fsys.CreateFile("/b")
	fsys.Write("/a", 0, []byte("same"))
	fsys.Write("/b", 0, []byte("same"))

	ha, err := fsys.ContentHash("/a")
	if err != nil {
		t.Fatal(err)
	}
	hb, _ := fsys.ContentHash("/b")
	if ha != hb || len(ha) != 64 {
		t.Errorf("hashes %q, %q", ha, hb)
	}

	fsys.Write("/b", 4, []byte("!"))
	if hb2, _ := fsys.ContentHash("/b"); hb2 == ha {
		t.Error("hash unchanged after write")
	}
}

func TestErrno(t *testing.T) {
	fsys := newTestFS(t, 1)
	fsys.CreateFile("/only")

	_, errFull := fsys.CreateFile("/second")
	_, errMissing := fsys.Stat("/nope")
	_, errLong := fsys.CreateFile("/" + string(bytes.Repeat([]byte("n"), pathutil.MaxNameLen+1)))

	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{nil, 0},
		{errFull, unix.ENOSPC},
		{errMissing, unix.ENOENT},
		{errLong, unix.ENAMETOOLONG},
		{fmt.Errorf("wrapped: %w", ErrDirectoryNotEmpty), unix.ENOTEMPTY},
		{errors.New("other"), unix.EIO},
	}
	for _, tt := range tests {
		if got := Errno(tt.err); got != tt.want {
			t.Errorf("Errno(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
