package tarfs

import (
	"errors"
	"os"
	"syscall"

	"github.com/st3iny/tarfs/internal/cache"
)

// toErrno translates internal errors into the syscall.Errno the FUSE
// kernel interface expects. It is the one place tarfs crosses that
// boundary; every other package returns ordinary Go errors.
func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return syscall.Errno(0)
	case errors.Is(err, cache.ErrEntryNotFound):
		return syscall.ENOENT
	case errors.Is(err, os.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, os.ErrPermission):
		return syscall.EACCES
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}
