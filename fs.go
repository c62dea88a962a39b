package rangefs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"time"

	"github.com/meigma/rangefs/cache"
	rangehttp "github.com/meigma/rangefs/http"
	"github.com/meigma/rangefs/internal/manifest"
	"github.com/meigma/rangefs/internal/metrics"
)

// Interface compliance.
var (
	_ fs.FS         = (*FS)(nil)
	_ fs.StatFS     = (*FS)(nil)
	_ fs.ReadFileFS = (*FS)(nil)
	_ fs.ReadDirFS  = (*FS)(nil)
)

// FS is one mount of a remote file collection.
//
// Paths are slash-separated. Methods modeled on host filesystem calls
// (GetAttr, Lookup, ReadDirNames, OpenFile, Read) accept absolute ("/a/b")
// or relative ("a/b") forms; the io/fs methods require fs.ValidPath names.
//
// FS is safe for concurrent use.
type FS struct {
	idx      *manifest.Index
	client   *rangehttp.Client
	registry *cache.Registry
	fetcher  *fetcher

	blockSize    int64
	manifestName string
	httpOpts     []rangehttp.Option
	store        cache.BlockStore
	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

// New fetches the listing below baseURL and mounts it.
func New(ctx context.Context, baseURL string, opts ...Option) (*FS, error) {
	f, err := newFS(opts)
	if err != nil {
		return nil, err
	}
	client, err := rangehttp.NewClient(baseURL, f.httpOpts...)
	if err != nil {
		return nil, err
	}
	raw, err := client.FetchManifest(ctx, f.manifestName)
	if err != nil {
		return nil, err
	}
	return f.mount(client, raw)
}

// NewFromManifest mounts an already downloaded listing. File data is
// fetched through client.
func NewFromManifest(client *rangehttp.Client, raw []byte, opts ...Option) (*FS, error) {
	if client == nil {
		return nil, errors.New("http client is nil")
	}
	f, err := newFS(opts)
	if err != nil {
		return nil, err
	}
	return f.mount(client, raw)
}

func newFS(opts []Option) (*FS, error) {
	f := &FS{
		blockSize:    cache.DefaultBlockSize,
		manifestName: DefaultManifestName,
		now:          time.Now,
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	if f.logger == nil {
		f.logger = slog.New(slog.DiscardHandler)
	}
	return f, nil
}

func (f *FS) mount(client *rangehttp.Client, raw []byte) (*FS, error) {
	idx, err := manifest.Build(raw, manifest.FormatFor(f.manifestName), f.manifestName)
	if err != nil {
		return nil, err
	}
	f.idx = idx
	f.client = client
	f.registry = cache.NewRegistry(f.blockSize)
	f.fetcher = &fetcher{
		client:  client,
		store:   f.store,
		logger:  f.logger,
		metrics: f.metrics,
	}
	f.logger.Info("mounted", "base_url", client.BaseURL(), "entries", idx.Len(), "block_size", f.blockSize)
	return f, nil
}

// BlockSize returns the cache block size.
func (f *FS) BlockSize() int64 {
	return f.blockSize
}

// Stats reports the block cache contents.
func (f *FS) Stats() cache.Stats {
	return f.registry.Stats()
}

// GetAttr returns the attributes of p.
func (f *FS) GetAttr(p string) (Attr, error) {
	abs, err := absPath(p)
	if err != nil {
		return Attr{}, &fs.PathError{Op: "getattr", Path: p, Err: err}
	}
	e, ok := f.idx.Lookup(abs)
	if !ok {
		return Attr{}, &fs.PathError{Op: "getattr", Path: abs, Err: ErrNotFound}
	}
	return f.attr(e), nil
}

// Lookup resolves name inside the directory parent.
func (f *FS) Lookup(parent, name string) (Attr, error) {
	dir, err := f.GetAttr(parent)
	if err != nil {
		return Attr{}, err
	}
	if !dir.IsDir() {
		return Attr{}, &fs.PathError{Op: "lookup", Path: dir.Path, Err: ErrNotDir}
	}
	if name == "" || name == "." || name == ".." || path.Base(name) != name {
		return Attr{}, &fs.PathError{Op: "lookup", Path: path.Join(dir.Path, name), Err: ErrInvalid}
	}
	return f.GetAttr(path.Join(dir.Path, name))
}

// SetAttr accepts permission and timestamp changes without persisting them
// and returns the unchanged attributes. Size changes fail with ErrReadOnly.
func (f *FS) SetAttr(p string, in SetAttr) (Attr, error) {
	a, err := f.GetAttr(p)
	if err != nil {
		return Attr{}, err
	}
	if in.Size != nil {
		return Attr{}, &fs.PathError{Op: "setattr", Path: a.Path, Err: ErrReadOnly}
	}
	return a, nil
}

// ReadDirNames lists the directory p, starting with "." and "..".
func (f *FS) ReadDirNames(p string) ([]string, error) {
	abs, err := absPath(p)
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: p, Err: err}
	}
	children, err := f.children(abs)
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: abs, Err: err}
	}
	return append([]string{".", ".."}, children...), nil
}

func (f *FS) children(abs string) ([]string, error) {
	names, err := f.idx.Children(abs)
	switch {
	case errors.Is(err, manifest.ErrNotFound):
		return nil, ErrNotFound
	case errors.Is(err, manifest.ErrNotDir):
		return nil, ErrNotDir
	}
	return names, err
}

// OpenFile opens the file p for reading. Its block cache is created on
// first open; no data is fetched.
func (f *FS) OpenFile(p string) (*File, error) {
	abs, err := absPath(p)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: p, Err: err}
	}
	e, ok := f.idx.Lookup(abs)
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: abs, Err: ErrNotFound}
	}
	if e.IsDir() {
		return nil, &fs.PathError{Op: "open", Path: abs, Err: ErrIsDir}
	}
	c, err := f.registry.Get(abs, e.Size)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: abs, Err: err}
	}
	return &File{fsys: f, entry: e, cache: c}, nil
}

// Read returns up to length bytes of p starting at pos. The length is
// clamped to the end of the file; a non-positive effective length returns
// no bytes and no error.
func (f *FS) Read(ctx context.Context, p string, pos, length int64) ([]byte, error) {
	file, err := f.OpenFile(p)
	if err != nil {
		return nil, err
	}
	return file.readWindow(ctx, pos, length)
}

// Open implements fs.FS. Directories open as *Dir, files as *File.
func (f *FS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	abs, _ := absPath(name) //nolint:errcheck // name is a valid path
	e, ok := f.idx.Lookup(abs)
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	if e.IsDir() {
		return &Dir{fsys: f, entry: e}, nil
	}
	return f.OpenFile(abs)
}

// Stat implements fs.StatFS.
func (f *FS) Stat(name string) (fs.FileInfo, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrInvalid}
	}
	a, err := f.GetAttr(name)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	return a.info(), nil
}

// ReadFile implements fs.ReadFileFS.
func (f *FS) ReadFile(name string) ([]byte, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: fs.ErrInvalid}
	}
	file, err := f.OpenFile(name)
	if err != nil {
		return nil, err
	}
	return file.readWindow(context.Background(), 0, file.entry.Size)
}

// ReadDir implements fs.ReadDirFS. Entries are sorted by name and do not
// include "." or "..".
func (f *FS) ReadDir(name string) ([]fs.DirEntry, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrInvalid}
	}
	abs, _ := absPath(name) //nolint:errcheck // name is a valid path
	names, err := f.children(abs)
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: err}
	}
	return f.dirEntries(abs, names), nil
}

func (f *FS) dirEntries(dir string, names []string) []fs.DirEntry {
	entries := make([]fs.DirEntry, 0, len(names))
	for _, name := range names {
		e, ok := f.idx.Lookup(path.Join(dir, name))
		if !ok {
			continue
		}
		entries = append(entries, fs.FileInfoToDirEntry(f.attr(e).info()))
	}
	return entries
}

func (f *FS) attr(e manifest.Entry) Attr {
	now := f.now()
	a := Attr{
		Path:  e.Path,
		Atime: now,
		Mtime: now,
		Ctime: now,
	}
	if e.IsDir() {
		a.Mode = fs.ModeDir | dirPerm
		return a
	}
	a.Mode = filePerm
	a.Size = e.Size
	return a
}

// absPath converts p to the absolute form used by the index. Paths with
// "." or ".." elements are rejected.
func absPath(p string) (string, error) {
	n := NormalizePath(p)
	if !fs.ValidPath(n) {
		return "", fmt.Errorf("%w: path %q", ErrInvalid, p)
	}
	if n == "." {
		return manifest.Root, nil
	}
	return "/" + n, nil
}
