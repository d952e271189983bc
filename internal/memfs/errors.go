package memfs

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/fruitsalade/memfs/internal/content"
	"github.com/fruitsalade/memfs/internal/pathutil"
	"github.com/fruitsalade/memfs/internal/store"
)

// Error kinds returned by FS. Callers compare with errors.Is; the concrete
// errors carry the offending path.
var (
	ErrNotFound          = errors.New("no such file or directory")
	ErrAlreadyExists     = errors.New("file exists")
	ErrNotADirectory     = errors.New("not a directory")
	ErrIsADirectory      = errors.New("is a directory")
	ErrDirectoryNotEmpty = errors.New("directory not empty")
	ErrCapacityExceeded  = store.ErrCapacityExceeded
	ErrOutOfMemory       = errors.New("out of memory")
	ErrInvalidPath       = pathutil.ErrInvalidPath
	ErrInvalidArgument   = errors.New("invalid argument")
)

// Errno translates an FS error into the host error code a FUSE bridge
// returns to the kernel. Unknown errors become EIO.
func Errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return unix.ENOENT
	case errors.Is(err, ErrAlreadyExists):
		return unix.EEXIST
	case errors.Is(err, ErrNotADirectory):
		return unix.ENOTDIR
	case errors.Is(err, ErrIsADirectory):
		return unix.EISDIR
	case errors.Is(err, ErrDirectoryNotEmpty):
		return unix.ENOTEMPTY
	case errors.Is(err, ErrCapacityExceeded):
		return unix.ENOSPC
	case errors.Is(err, content.ErrTooLarge):
		return unix.EFBIG
	case errors.Is(err, ErrOutOfMemory):
		return unix.ENOMEM
	case errors.Is(err, pathutil.ErrInvalidPath):
		if errors.Is(err, pathutil.ErrNameTooLong) {
			return unix.ENAMETOOLONG
		}
		return unix.EINVAL
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, content.ErrNegativeOffset):
		return unix.EINVAL
	default:
		return unix.EIO
	}
}

// Result returns a short label for err, used as a metrics dimension.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrNotADirectory):
		return "not_a_directory"
	case errors.Is(err, ErrIsADirectory):
		return "is_a_directory"
	case errors.Is(err, ErrDirectoryNotEmpty):
		return "directory_not_empty"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrOutOfMemory):
		return "out_of_memory"
	case errors.Is(err, ErrInvalidPath), errors.Is(err, ErrInvalidArgument):
		return "invalid"
	default:
		return "error"
	}
}
