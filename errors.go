package rangefs

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// Sentinel errors. ErrNotFound, ErrInvalid and ErrReadOnly wrap the matching
// io/fs errors so errors.Is works with either.
var (
	// ErrNotFound is returned for paths absent from the manifest.
	ErrNotFound = fmt.Errorf("rangefs: %w", fs.ErrNotExist)

	// ErrInvalid is returned for malformed requests such as a seek before
	// the start of a file.
	ErrInvalid = fmt.Errorf("rangefs: %w", fs.ErrInvalid)

	// ErrReadOnly is returned by every mutating operation.
	ErrReadOnly = fmt.Errorf("rangefs: read-only file system: %w", fs.ErrPermission)

	// ErrNotDir is returned when a directory operation targets a file.
	ErrNotDir = errors.New("rangefs: not a directory")

	// ErrIsDir is returned when a file operation targets a directory.
	ErrIsDir = errors.New("rangefs: is a directory")

	// ErrShortResponse is returned when a response did not carry enough
	// bytes to cover the requested window.
	ErrShortResponse = errors.New("rangefs: short response body")
)

// NetworkError reports a failed file fetch. Status is the HTTP status code,
// or 0 when the request failed below HTTP (connection error, cancellation).
type NetworkError struct {
	Path   string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("rangefs: fetch %s: status %d: %v", e.Path, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("rangefs: fetch %s: status %d", e.Path, e.Status)
	default:
		return fmt.Sprintf("rangefs: fetch %s: %v", e.Path, e.Err)
	}
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Errno maps an error returned by this package to the POSIX error number a
// host adapter should report. Network failures map to EPERM.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	var netErr *NetworkError
	switch {
	case errors.As(err, &errno):
		return errno
	case errors.As(err, &netErr):
		return syscall.EPERM
	case errors.Is(err, fs.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, ErrNotDir):
		return syscall.ENOTDIR
	case errors.Is(err, ErrIsDir):
		return syscall.EISDIR
	case errors.Is(err, fs.ErrInvalid):
		return syscall.EINVAL
	case errors.Is(err, fs.ErrPermission):
		return syscall.EPERM
	default:
		return syscall.EIO
	}
}
