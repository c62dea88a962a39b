// Package cache provides the per-file sparse block cache behind a mount.
//
// Every file is split into fixed-size blocks. A block is either absent or
// fully populated with exactly the bytes of its range; there is no partial
// block state. Populated blocks are immutable and are kept for the lifetime
// of the mount.
//
// An optional BlockStore can persist blocks beyond a single mount.
package cache

import "errors"

// DefaultBlockSize is the default block size used by mounts.
const DefaultBlockSize int64 = 1 << 20

// Sentinel errors returned by File.
var (
	// ErrBlockConflict is returned when a block is populated twice with
	// different content. It indicates a downloader bug.
	ErrBlockConflict = errors.New("cache: block content conflict")

	// ErrBlockLength is returned when populate data does not match the
	// length of the block's range.
	ErrBlockLength = errors.New("cache: block length mismatch")

	// ErrBlockIndex is returned for block indexes outside the file.
	ErrBlockIndex = errors.New("cache: block index out of range")

	// ErrRange is returned for byte windows outside the file.
	ErrRange = errors.New("cache: byte range out of bounds")

	// ErrNotPresent is returned when assembling a window whose blocks are
	// not all populated.
	ErrNotPresent = errors.New("cache: range not present")
)

// BlockStore persists blocks beyond the lifetime of a mount.
//
// Keys are (sourceID, blockSize, index). SourceID must identify the remote
// content of one file. Implementations must be safe for concurrent use.
type BlockStore interface {
	// GetBlock returns a stored block, or false if it is not stored.
	GetBlock(sourceID string, blockSize, index int64) ([]byte, bool)

	// PutBlock stores a block. Storing an existing block is a no-op.
	PutBlock(sourceID string, blockSize, index int64, data []byte) error
}
