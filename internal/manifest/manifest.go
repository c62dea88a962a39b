// Package manifest builds the in-memory directory index of a mount from the
// hierarchical listing published next to the remote files.
//
// The listing maps names to either a nested mapping (a directory) or an
// integer (a file size in bytes). The index flattens it into absolute,
// slash-separated paths rooted at "/".
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"path"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Root is the path of the mount root.
const Root = "/"

// Sentinel errors returned by the index.
var (
	// ErrInvalidManifest is returned when the listing cannot be interpreted.
	ErrInvalidManifest = errors.New("manifest: invalid listing")

	// ErrNotFound is returned for paths outside the known path set.
	ErrNotFound = errors.New("manifest: not found")

	// ErrNotDir is returned when a directory operation targets a file.
	ErrNotDir = errors.New("manifest: not a directory")
)

// Kind distinguishes directories from files.
type Kind uint8

const (
	// KindDir marks a directory entry.
	KindDir Kind = iota + 1
	// KindFile marks a file entry with a known size.
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindDir:
		return "dir"
	case KindFile:
		return "file"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Entry is one path of the index.
type Entry struct {
	Path string
	Kind Kind
	Size int64 // files only
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool {
	return e.Kind == KindDir
}

// Format identifies the encoding of a listing.
type Format uint8

const (
	// FormatJSON accepts JSON, tolerating comments and trailing commas.
	FormatJSON Format = iota
	// FormatYAML accepts YAML documents.
	FormatYAML
)

// FormatFor picks the listing format from a manifest file name.
func FormatFor(name string) Format {
	switch strings.ToLower(path.Ext(name)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Index is an immutable flat view of the listing.
type Index struct {
	entries map[string]Entry
}

// Parse reads a listing from r. A root-level entry named selfName (the
// manifest's own file name) is left out of the index.
func Parse(r io.Reader, format Format, selfName string) (*Index, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Build(raw, format, selfName)
}

// Build decodes raw and flattens it into an Index.
func Build(raw []byte, format Format, selfName string) (*Index, error) {
	tree, err := decode(raw, format)
	if err != nil {
		return nil, err
	}

	idx := &Index{entries: make(map[string]Entry)}
	idx.entries[Root] = Entry{Path: Root, Kind: KindDir}
	if selfName != "" {
		selfName = path.Base(selfName)
	}
	for name, value := range tree {
		if name == selfName {
			continue
		}
		if err := idx.add(Root, name, value); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

func decode(raw []byte, format Format) (map[string]any, error) {
	var tree map[string]any
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(raw, &tree); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(raw)))
		dec.UseNumber()
		if err := dec.Decode(&tree); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown format %d", ErrInvalidManifest, format)
	}
	if tree == nil {
		tree = map[string]any{}
	}
	return tree, nil
}

func (idx *Index) add(parent, name string, value any) error {
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return fmt.Errorf("%w: bad name %q under %s", ErrInvalidManifest, name, parent)
	}
	p := path.Join(parent, name)

	if children, ok := value.(map[string]any); ok {
		idx.entries[p] = Entry{Path: p, Kind: KindDir}
		for childName, childValue := range children {
			if err := idx.add(p, childName, childValue); err != nil {
				return err
			}
		}
		return nil
	}

	size, err := fileSize(value)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidManifest, p, err)
	}
	idx.entries[p] = Entry{Path: p, Kind: KindFile, Size: size}
	return nil
}

func fileSize(value any) (int64, error) {
	var size int64
	switch v := value.(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("size %q is not an integer", v.String())
		}
		size = n
	case int:
		size = int64(v)
	case int64:
		size = v
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("size %d overflows int64", v)
		}
		size = int64(v)
	case float64:
		if v != math.Trunc(v) || v > math.MaxInt64 {
			return 0, fmt.Errorf("size %v is not an integer", v)
		}
		size = int64(v)
	default:
		return 0, fmt.Errorf("unexpected value of type %T", value)
	}
	if size < 0 {
		return 0, fmt.Errorf("negative size %d", size)
	}
	return size, nil
}

// Clean converts p to the absolute form used as index key.
func Clean(p string) string {
	return path.Clean("/" + p)
}

// Lookup resolves p to its entry.
func (idx *Index) Lookup(p string) (Entry, bool) {
	e, ok := idx.entries[Clean(p)]
	return e, ok
}

// Children returns the sorted immediate child names of the directory p.
// Children are computed on each call by scanning the index.
func (idx *Index) Children(p string) ([]string, error) {
	p = Clean(p)
	e, ok := idx.entries[p]
	if !ok {
		return nil, ErrNotFound
	}
	if !e.IsDir() {
		return nil, ErrNotDir
	}

	prefix := p + "/"
	if p == Root {
		prefix = Root
	}
	names := make([]string, 0)
	for key := range idx.entries {
		if key == Root || !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := key[len(prefix):]
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		names = append(names, rest)
	}
	sort.Strings(names)
	return names, nil
}

// Len returns the number of entries, the root included.
func (idx *Index) Len() int {
	return len(idx.entries)
}

// All iterates over every entry in path order.
func (idx *Index) All() iter.Seq[Entry] {
	keys := make([]string, 0, len(idx.entries))
	for k := range idx.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return func(yield func(Entry) bool) {
		for _, k := range keys {
			if !yield(idx.entries[k]) {
				return
			}
		}
	}
}
