package cache

import "sync"

// Registry owns the block caches of one mount, keyed by file path.
// Entries are created lazily and live until the registry is dropped.
type Registry struct {
	blockSize int64

	mu    sync.Mutex
	files map[string]*File
}

// Stats summarizes the contents of a Registry.
type Stats struct {
	Files       int
	Blocks      uint64
	CachedBytes int64
}

// NewRegistry creates an empty registry using the given block size.
// Values <= 0 select DefaultBlockSize.
func NewRegistry(blockSize int64) *Registry {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Registry{
		blockSize: blockSize,
		files:     make(map[string]*File),
	}
}

// BlockSize returns the block size of every file in the registry.
func (r *Registry) BlockSize() int64 {
	return r.blockSize
}

// Get returns the cache for path, creating it for a file of the given size
// on first use.
func (r *Registry) Get(path string, size int64) (*File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.files[path]; ok {
		return f, nil
	}
	f, err := NewFile(size, r.blockSize)
	if err != nil {
		return nil, err
	}
	r.files[path] = f
	return f, nil
}

// Lookup returns the cache for path if it was created.
func (r *Registry) Lookup(path string) (*File, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[path]
	return f, ok
}

// Stats returns aggregate counts over every file.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	files := make([]*File, 0, len(r.files))
	for _, f := range r.files {
		files = append(files, f)
	}
	r.mu.Unlock()

	s := Stats{Files: len(files)}
	for _, f := range files {
		s.Blocks += f.Populated()
		s.CachedBytes += f.CachedBytes()
	}
	return s
}
