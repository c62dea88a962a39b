package rangefs

import "io/fs"

// The mount is read-only. The operations below exist so host adapters
// can forward mutation requests and report a uniform error.

func (f *FS) readOnly(op, p string) error {
	if abs, err := absPath(p); err == nil {
		p = abs
	}
	return &fs.PathError{Op: op, Path: p, Err: ErrReadOnly}
}

// Write fails with ErrReadOnly.
func (f *FS) Write(p string, _ []byte, _ int64) (int, error) {
	return 0, f.readOnly("write", p)
}

// Truncate fails with ErrReadOnly.
func (f *FS) Truncate(p string, _ int64) error {
	return f.readOnly("truncate", p)
}

// Create fails with ErrReadOnly.
func (f *FS) Create(p string, _ fs.FileMode) error {
	return f.readOnly("create", p)
}

// Mkdir fails with ErrReadOnly.
func (f *FS) Mkdir(p string, _ fs.FileMode) error {
	return f.readOnly("mkdir", p)
}

// Unlink fails with ErrReadOnly.
func (f *FS) Unlink(p string) error {
	return f.readOnly("unlink", p)
}

// Rmdir fails with ErrReadOnly.
func (f *FS) Rmdir(p string) error {
	return f.readOnly("rmdir", p)
}

// Rename fails with ErrReadOnly.
func (f *FS) Rename(oldPath, _ string) error {
	return f.readOnly("rename", oldPath)
}

// Symlink fails with ErrReadOnly.
func (f *FS) Symlink(_, newPath string) error {
	return f.readOnly("symlink", newPath)
}

// Link fails with ErrReadOnly.
func (f *FS) Link(_, newPath string) error {
	return f.readOnly("link", newPath)
}

// Readlink fails with ErrInvalid: the mount holds no symbolic links.
func (f *FS) Readlink(p string) (string, error) {
	if _, err := f.GetAttr(p); err != nil {
		return "", err
	}
	return "", &fs.PathError{Op: "readlink", Path: p, Err: ErrInvalid}
}
