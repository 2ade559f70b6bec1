package v6fs

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-v6fs/cache"
)

// Resource and operation errors.  Logic errors (lookup on a
// non-directory, freeing a bad block, malformed block paths) panic
// instead: they indicate a broken caller, not a broken disk.
var (
	ErrNoSpace      = errors.New("no space on device")
	ErrFileTooLarge = errors.New("maximum file size exceeded")
	ErrNoMem        = cache.ErrNoMem
	ErrLogCorrupt   = errors.New("log corrupt")
	ErrNotDir       = errors.New("not a directory")
	ErrIsDir        = errors.New("is a directory")
	ErrNoEnt        = errors.New("no such file or directory")
	ErrAcces        = errors.New("permission denied")
	ErrExist        = errors.New("file exists")
	ErrNotEmpty     = errors.New("directory not empty")
	ErrNameTooLong  = errors.New("file name too long")
	ErrInval        = errors.New("invalid argument")
	ErrFbig         = errors.New("too many links")
	ErrUnclean      = errors.New("file system not cleanly unmounted")
	ErrBadMagic     = errors.New("boot block missing magic number")
)

// Errno converts an error to a negated POSIX errno for the VFS
// boundary.  Unrecognized errors map to -EIO.
func Errno(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNoSpace):
		return -int(unix.ENOSPC)
	case errors.Is(err, ErrFileTooLarge):
		return -int(unix.EFBIG)
	case errors.Is(err, ErrFbig):
		return -int(unix.EFBIG)
	case errors.Is(err, ErrNoMem):
		return -int(unix.ENOMEM)
	case errors.Is(err, ErrNotDir):
		return -int(unix.ENOTDIR)
	case errors.Is(err, ErrIsDir):
		return -int(unix.EISDIR)
	case errors.Is(err, ErrNoEnt):
		return -int(unix.ENOENT)
	case errors.Is(err, ErrAcces):
		return -int(unix.EACCES)
	case errors.Is(err, ErrExist):
		return -int(unix.EEXIST)
	case errors.Is(err, ErrNotEmpty):
		return -int(unix.ENOTEMPTY)
	case errors.Is(err, ErrNameTooLong):
		return -int(unix.ENAMETOOLONG)
	case errors.Is(err, ErrInval):
		return -int(unix.EINVAL)
	default:
		return -int(unix.EIO)
	}
}
