package fuse

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/meigma/rangefs"
)

// Kernel cache timeouts. The content never changes under a mount.
const (
	entryTimeout    = 10 * time.Second
	attrTimeout     = 10 * time.Second
	negativeTimeout = time.Second
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted. It is
	// created if it does not exist.
	Mountpoint string

	// FS is the mount to expose.
	FS *rangefs.FS

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Debug logs every FUSE request.
	Debug bool

	// Logger receives diagnostic messages. If nil, a no-op logger is used.
	Logger *slog.Logger
}

// Mount mounts opts.FS at opts.Mountpoint. The caller must call Unmount
// on the returned server when done.
func Mount(opts Options) (*fuse.Server, error) {
	if opts.Mountpoint == "" {
		return nil, errors.New("mountpoint is required")
	}
	if opts.FS == nil {
		return nil, errors.New("filesystem is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(opts.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", opts.Mountpoint, err)
	}

	root := &node{fsys: opts.FS, path: "/", logger: opts.Logger}
	entry, attr, negative := entryTimeout, attrTimeout, negativeTimeout
	server, err := gofuse.Mount(opts.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entry,
		AttrTimeout:     &attr,
		NegativeTimeout: &negative,
		MountOptions: fuse.MountOptions{
			FsName:     "rangefs",
			Name:       "rangefs",
			AllowOther: opts.AllowOther,
			Debug:      opts.Debug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", opts.Mountpoint, err)
	}

	opts.Logger.Info("FUSE filesystem mounted", "mountpoint", opts.Mountpoint)
	return server, nil
}

// node is one file or directory of the mount.
type node struct {
	gofuse.Inode
	fsys   *rangefs.FS
	path   string
	logger *slog.Logger
}

var (
	_ gofuse.InodeEmbedder = (*node)(nil)
	_ gofuse.NodeLookuper  = (*node)(nil)
	_ gofuse.NodeReaddirer = (*node)(nil)
	_ gofuse.NodeGetattrer = (*node)(nil)
	_ gofuse.NodeSetattrer = (*node)(nil)
	_ gofuse.NodeOpener    = (*node)(nil)
	_ gofuse.NodeReader    = (*node)(nil)
	_ gofuse.NodeWriter    = (*node)(nil)
	_ gofuse.NodeCreater   = (*node)(nil)
	_ gofuse.NodeMkdirer   = (*node)(nil)
	_ gofuse.NodeUnlinker  = (*node)(nil)
	_ gofuse.NodeRmdirer   = (*node)(nil)
	_ gofuse.NodeRenamer   = (*node)(nil)
	_ gofuse.NodeSymlinker = (*node)(nil)
	_ gofuse.NodeLinker    = (*node)(nil)
)

func (n *node) child(name string) string {
	return path.Join(n.path, name)
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	a, err := n.fsys.Lookup(n.path, name)
	if err != nil {
		return nil, rangefs.Errno(err)
	}
	fillAttr(&out.Attr, a)
	child := &node{fsys: n.fsys, path: a.Path, logger: n.logger}
	return n.NewInode(ctx, child, gofuse.StableAttr{Mode: fileType(a.Mode)}), 0
}

func (n *node) Readdir(_ context.Context) (gofuse.DirStream, syscall.Errno) {
	names, err := n.fsys.ReadDirNames(n.path)
	if err != nil {
		return nil, rangefs.Errno(err)
	}
	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		if name == "." || name == ".." {
			continue
		}
		a, err := n.fsys.GetAttr(n.child(name))
		if err != nil {
			continue
		}
		entries = append(entries, fuse.DirEntry{Name: name, Mode: fileType(a.Mode)})
	}
	return &sliceDirStream{entries: entries}, 0
}

func (n *node) Getattr(_ context.Context, _ gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	a, err := n.fsys.GetAttr(n.path)
	if err != nil {
		return rangefs.Errno(err)
	}
	fillAttr(&out.Attr, a)
	return 0
}

// Setattr accepts mode and timestamp changes without applying them and
// rejects truncation.
func (n *node) Setattr(_ context.Context, _ gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	var req rangefs.SetAttr
	if size, ok := in.GetSize(); ok {
		s := int64(size) //nolint:gosec // only checked for presence
		req.Size = &s
	}
	if mode, ok := in.GetMode(); ok {
		m := fs.FileMode(mode & 0o7777)
		req.Mode = &m
	}
	if atime, ok := in.GetATime(); ok {
		req.Atime = &atime
	}
	if mtime, ok := in.GetMTime(); ok {
		req.Mtime = &mtime
	}
	a, err := n.fsys.SetAttr(n.path, req)
	if err != nil {
		return rangefs.Errno(err)
	}
	fillAttr(&out.Attr, a)
	return 0
}

func (n *node) Open(_ context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EPERM
	}
	if _, err := n.fsys.OpenFile(n.path); err != nil {
		return nil, 0, rangefs.Errno(err)
	}
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *node) Read(ctx context.Context, _ gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := n.fsys.Read(ctx, n.path, off, int64(len(dest)))
	if err != nil {
		n.logger.Error("read failed", "path", n.path, "offset", off, "length", len(dest), "error", err)
		return nil, rangefs.Errno(err)
	}
	return fuse.ReadResultData(data), 0
}

func (n *node) Write(_ context.Context, _ gofuse.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	_, err := n.fsys.Write(n.path, data, off)
	return 0, rangefs.Errno(err)
}

func (n *node) Create(_ context.Context, name string, _, mode uint32, _ *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	return nil, nil, 0, rangefs.Errno(n.fsys.Create(n.child(name), fs.FileMode(mode&0o777)))
}

func (n *node) Mkdir(_ context.Context, name string, mode uint32, _ *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	return nil, rangefs.Errno(n.fsys.Mkdir(n.child(name), fs.FileMode(mode&0o777)))
}

func (n *node) Unlink(_ context.Context, name string) syscall.Errno {
	return rangefs.Errno(n.fsys.Unlink(n.child(name)))
}

func (n *node) Rmdir(_ context.Context, name string) syscall.Errno {
	return rangefs.Errno(n.fsys.Rmdir(n.child(name)))
}

func (n *node) Rename(_ context.Context, name string, _ gofuse.InodeEmbedder, newName string, _ uint32) syscall.Errno {
	return rangefs.Errno(n.fsys.Rename(n.child(name), newName))
}

func (n *node) Symlink(_ context.Context, target, name string, _ *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	return nil, rangefs.Errno(n.fsys.Symlink(target, n.child(name)))
}

func (n *node) Link(_ context.Context, _ gofuse.InodeEmbedder, name string, _ *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	return nil, rangefs.Errno(n.fsys.Link("", n.child(name)))
}

// fillAttr copies a into the kernel attribute struct.
func fillAttr(out *fuse.Attr, a rangefs.Attr) {
	out.Mode = fileType(a.Mode) | uint32(a.Mode.Perm())
	out.Size = uint64(a.Size) //nolint:gosec // sizes are validated non-negative
	out.Blocks = (out.Size + 511) / 512
	out.Blksize = 4096
	out.Nlink = 1
	if a.IsDir() {
		out.Nlink = 2
	}
	out.SetTimes(&a.Atime, &a.Mtime, &a.Ctime)
}

func fileType(mode fs.FileMode) uint32 {
	if mode.IsDir() {
		return syscall.S_IFDIR
	}
	return syscall.S_IFREG
}

// sliceDirStream implements fs.DirStream from a slice of entries.
type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool {
	return s.index < len(s.entries)
}

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	entry := s.entries[s.index]
	s.index++
	return entry, 0
}

func (s *sliceDirStream) Close() {}
