package rangefs

import (
	"io/fs"
	"path"
	"time"
)

// Permission bits reported for every node. Nothing is writable.
const (
	dirPerm  fs.FileMode = 0o555
	filePerm fs.FileMode = 0o444
)

// Attr describes a node. Timestamps are synthetic: each call reports the
// current time.
type Attr struct {
	Path  string // absolute, "/" for the root
	Mode  fs.FileMode
	Size  int64 // 0 for directories
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// IsDir reports whether the node is a directory.
func (a Attr) IsDir() bool {
	return a.Mode.IsDir()
}

// Name returns the last path element, "/" for the root.
func (a Attr) Name() string {
	return path.Base(a.Path)
}

func (a Attr) info() *fileInfo {
	name := a.Name()
	if name == "/" {
		name = "."
	}
	return &fileInfo{attr: a, name: name}
}

// SetAttr carries the fields of a setattr request. Nil fields are unset.
// Mode and timestamp changes are accepted and discarded.
type SetAttr struct {
	Mode  *fs.FileMode
	Atime *time.Time
	Mtime *time.Time
	Size  *int64
}

// fileInfo implements fs.FileInfo over an Attr.
type fileInfo struct {
	attr Attr
	name string
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.attr.Size }
func (fi *fileInfo) Mode() fs.FileMode  { return fi.attr.Mode }
func (fi *fileInfo) ModTime() time.Time { return fi.attr.Mtime }
func (fi *fileInfo) IsDir() bool        { return fi.attr.IsDir() }

// Sys returns the Attr.
func (fi *fileInfo) Sys() any { return fi.attr }
