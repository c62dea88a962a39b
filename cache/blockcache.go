package cache

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// File is the sparse block array of one remote file.
//
// File is safe for concurrent use. Populate holds the write lock for the
// whole block, so readers never observe a half-written block.
type File struct {
	size      int64
	blockSize int64

	mu      sync.RWMutex
	blocks  [][]byte        // nil = absent
	present *roaring.Bitmap // populated block indexes
}

// NewFile creates an empty cache for a file of the given size.
func NewFile(size, blockSize int64) (*File, error) {
	if size < 0 {
		return nil, fmt.Errorf("cache: negative file size %d", size)
	}
	if blockSize <= 0 {
		return nil, errors.New("cache: block size must be > 0")
	}
	count := blockCount(size, blockSize)
	if count > math.MaxUint32 {
		return nil, fmt.Errorf("cache: %d blocks exceeds supported block count", count)
	}
	return &File{
		size:      size,
		blockSize: blockSize,
		blocks:    make([][]byte, count),
		present:   roaring.New(),
	}, nil
}

func blockCount(size, blockSize int64) int64 {
	return (size + blockSize - 1) / blockSize
}

// Size returns the file size in bytes.
func (f *File) Size() int64 {
	return f.size
}

// BlockSize returns the block size in bytes.
func (f *File) BlockSize() int64 {
	return f.blockSize
}

// BlockCount returns the number of blocks covering the file.
func (f *File) BlockCount() int64 {
	return int64(len(f.blocks))
}

// BlockFor returns the index of the block holding byte off.
func (f *File) BlockFor(off int64) int64 {
	return off / f.blockSize
}

// BlockRange returns the inclusive byte range [start, end] of block i.
func (f *File) BlockRange(i int64) (start, end int64) {
	start = i * f.blockSize
	end = min(f.size, (i+1)*f.blockSize) - 1
	return start, end
}

// BlockLen returns the exact length of block i.
func (f *File) BlockLen(i int64) int64 {
	start, end := f.BlockRange(i)
	return end - start + 1
}

// Has reports whether block i is populated.
func (f *File) Has(i int64) bool {
	if i < 0 || i >= f.BlockCount() {
		return false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.present.Contains(uint32(i)) //nolint:gosec // bounded by NewFile
}

// IsRangePresent reports whether every block touched by [start, end] is
// populated. Windows outside the file are never present.
func (f *File) IsRangePresent(start, end int64) bool {
	if start < 0 || start > end || end >= f.size {
		return false
	}
	first, last := f.BlockFor(start), f.BlockFor(end)

	f.mu.RLock()
	defer f.mu.RUnlock()
	//nolint:gosec // block indexes are bounded by NewFile
	n := f.present.Rank(uint32(last))
	if first > 0 {
		n -= f.present.Rank(uint32(first - 1)) //nolint:gosec // bounded by NewFile
	}
	return n == uint64(last-first+1) //nolint:gosec // last >= first
}

// Missing returns the absent block indexes in [first, last].
func (f *File) Missing(first, last int64) []int64 {
	first = max(first, 0)
	last = min(last, f.BlockCount()-1)

	f.mu.RLock()
	defer f.mu.RUnlock()
	var missing []int64
	for i := first; i <= last; i++ {
		if f.blocks[i] == nil {
			missing = append(missing, i)
		}
	}
	return missing
}

// Populated returns the number of populated blocks.
func (f *File) Populated() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.present.GetCardinality()
}

// CachedBytes returns the number of bytes held by populated blocks.
func (f *File) CachedBytes() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var n int64
	it := f.present.Iterator()
	for it.HasNext() {
		n += int64(len(f.blocks[it.Next()]))
	}
	return n
}

// Assemble copies the window [start, end] out of the populated blocks.
// Only the requested window is allocated.
func (f *File) Assemble(start, end int64) ([]byte, error) {
	if start < 0 || start > end || end >= f.size {
		return nil, fmt.Errorf("%w: [%d, %d] of %d bytes", ErrRange, start, end, f.size)
	}
	first, last := f.BlockFor(start), f.BlockFor(end)

	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]byte, end-start+1)
	for i := first; i <= last; i++ {
		block := f.blocks[i]
		if block == nil {
			return nil, fmt.Errorf("%w: block %d", ErrNotPresent, i)
		}
		blockStart := i * f.blockSize
		copyStart := max(start, blockStart)
		copyEnd := min(end+1, blockStart+int64(len(block)))
		copy(out[copyStart-start:copyEnd-start], block[copyStart-blockStart:copyEnd-blockStart])
	}
	return out, nil
}

// Populate sets block i. data must be exactly the block's length. Setting
// an already populated block with identical bytes is a no-op; different
// bytes fail with ErrBlockConflict and leave the block untouched.
func (f *File) Populate(i int64, data []byte) error {
	_, err := f.Insert(i, data)
	return err
}

// Insert is Populate that also reports whether this call set the block.
// Exactly one of several concurrent callers for the same block sees true.
func (f *File) Insert(i int64, data []byte) (bool, error) {
	if i < 0 || i >= f.BlockCount() {
		return false, fmt.Errorf("%w: %d of %d", ErrBlockIndex, i, f.BlockCount())
	}
	if want := f.BlockLen(i); int64(len(data)) != want {
		return false, fmt.Errorf("%w: block %d has %d bytes, want %d", ErrBlockLength, i, len(data), want)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing := f.blocks[i]; existing != nil {
		if !bytes.Equal(existing, data) {
			return false, fmt.Errorf("%w: block %d", ErrBlockConflict, i)
		}
		return false, nil
	}
	f.blocks[i] = bytes.Clone(data)
	f.present.Add(uint32(i)) //nolint:gosec // bounded by NewFile
	return true, nil
}
