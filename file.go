package rangefs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"

	"github.com/meigma/rangefs/cache"
	"github.com/meigma/rangefs/internal/manifest"
)

// Interface compliance.
var (
	_ fs.File        = (*File)(nil)
	_ io.ReaderAt    = (*File)(nil)
	_ io.Seeker      = (*File)(nil)
	_ fs.ReadDirFile = (*Dir)(nil)
)

// File is an open handle on a remote file. Reads go through the mount's
// block cache; Read and Seek share a position guarded by a mutex.
type File struct {
	fsys  *FS
	entry manifest.Entry
	cache *cache.File

	mu     sync.Mutex
	offset int64
	closed bool
}

// Name returns the absolute path of the file.
func (f *File) Name() string {
	return f.entry.Path
}

// Size returns the file size from the manifest.
func (f *File) Size() int64 {
	return f.entry.Size
}

// Read implements io.Reader.
func (f *File) Read(p []byte) (int, error) {
	return f.ReadContext(context.Background(), p)
}

// ReadContext reads from the current position, fetching missing blocks
// under ctx.
func (f *File) ReadContext(ctx context.Context, p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, &fs.PathError{Op: "read", Path: f.entry.Path, Err: fs.ErrClosed}
	}
	if len(p) == 0 {
		return 0, nil
	}
	if f.offset >= f.entry.Size {
		return 0, io.EOF
	}
	data, err := f.readWindow(ctx, f.offset, int64(len(p)))
	if err != nil {
		return 0, err
	}
	n := copy(p, data)
	f.offset += int64(n)
	return n, nil
}

// ReadAt implements io.ReaderAt.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	return f.ReadAtContext(context.Background(), p, off)
}

// ReadAtContext reads len(p) bytes at off without moving the position.
// It returns io.EOF when fewer bytes remain.
func (f *File) ReadAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	if f.isClosed() {
		return 0, &fs.PathError{Op: "read", Path: f.entry.Path, Err: fs.ErrClosed}
	}
	if off < 0 {
		return 0, &fs.PathError{Op: "read", Path: f.entry.Path, Err: fmt.Errorf("%w: negative offset %d", ErrInvalid, off)}
	}
	if len(p) == 0 {
		return 0, nil
	}
	if off >= f.entry.Size {
		return 0, io.EOF
	}
	data, err := f.readWindow(ctx, off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	n := copy(p, data)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Seek implements io.Seeker. Seeking past the end is allowed; seeking
// before the start fails with ErrInvalid.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, &fs.PathError{Op: "seek", Path: f.entry.Path, Err: fs.ErrClosed}
	}
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = f.offset + offset
	case io.SeekEnd:
		pos = f.entry.Size + offset
	default:
		return 0, &fs.PathError{Op: "seek", Path: f.entry.Path, Err: fmt.Errorf("%w: whence %d", ErrInvalid, whence)}
	}
	if pos < 0 {
		return 0, &fs.PathError{Op: "seek", Path: f.entry.Path, Err: fmt.Errorf("%w: negative position %d", ErrInvalid, pos)}
	}
	f.offset = pos
	return pos, nil
}

// Stat returns the file's attributes.
func (f *File) Stat() (fs.FileInfo, error) {
	return f.fsys.attr(f.entry).info(), nil
}

// Close releases the handle. Cached blocks stay with the mount.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return &fs.PathError{Op: "close", Path: f.entry.Path, Err: fs.ErrClosed}
	}
	f.closed = true
	return nil
}

func (f *File) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// readWindow returns up to length bytes at pos, clamped to the file end.
func (f *File) readWindow(ctx context.Context, pos, length int64) ([]byte, error) {
	if pos < 0 {
		return nil, &fs.PathError{Op: "read", Path: f.entry.Path, Err: fmt.Errorf("%w: negative offset %d", ErrInvalid, pos)}
	}
	length = min(length, f.entry.Size-pos)
	if length <= 0 {
		return []byte{}, nil
	}
	data, err := f.fsys.fetcher.read(ctx, f.entry.Path, f.cache, pos, pos+length-1)
	if err != nil {
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return nil, err
		}
		return nil, &fs.PathError{Op: "read", Path: f.entry.Path, Err: err}
	}
	return data, nil
}

// Dir is an open handle on a directory.
type Dir struct {
	fsys  *FS
	entry manifest.Entry

	mu    sync.Mutex
	names []string // remaining entries; nil until the first ReadDir
	read  bool
}

// Read fails: directories have no content.
func (d *Dir) Read(_ []byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.entry.Path, Err: ErrIsDir}
}

// Stat returns the directory's attributes.
func (d *Dir) Stat() (fs.FileInfo, error) {
	return d.fsys.attr(d.entry).info(), nil
}

// Close is a no-op.
func (d *Dir) Close() error {
	return nil
}

// ReadDir implements fs.ReadDirFile.
func (d *Dir) ReadDir(n int) ([]fs.DirEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.read {
		names, err := d.fsys.children(d.entry.Path)
		if err != nil {
			return nil, &fs.PathError{Op: "readdir", Path: d.entry.Path, Err: err}
		}
		d.names = names
		d.read = true
	}

	if n <= 0 {
		names := d.names
		d.names = nil
		return d.fsys.dirEntries(d.entry.Path, names), nil
	}
	if len(d.names) == 0 {
		return nil, io.EOF
	}
	k := min(n, len(d.names))
	names := d.names[:k]
	d.names = d.names[k:]
	return d.fsys.dirEntries(d.entry.Path, names), nil
}
