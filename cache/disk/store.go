// Package disk provides a disk-backed block store.
//
// Blocks are stored as individual zstd-compressed files in a directory
// hierarchy sharded by key prefix. Nothing is ever evicted.
package disk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"

	"github.com/meigma/rangefs/cache"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
	defaultFilePerm       = 0o600
)

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest)) //nolint:errcheck // options are static
	decoder, _ = zstd.NewReader(nil)                                          //nolint:errcheck // options are static
)

// Store persists blocks on the local filesystem. It is safe for concurrent use.
type Store struct {
	dir            string       // root directory for stored blocks
	shardPrefixLen int          // number of hex chars for subdirectory sharding
	dirPerm        os.FileMode  // permissions for created directories
	bytes          atomic.Int64 // current total size of stored blocks
}

// Interface compliance.
var _ cache.BlockStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithShardPrefixLen sets the number of hex characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(s *Store) {
		s.shardPrefixLen = n
	}
}

// WithDirPerm sets the directory permissions used for store directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Store) {
		s.dirPerm = mode
	}
}

// New creates a block store rooted at dir.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("block store dir is empty")
	}
	s := &Store{
		dir:            dir,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.shardPrefixLen < 0 {
		return nil, errors.New("block store shard prefix length must be >= 0")
	}
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return nil, err
	}
	size, err := dirSize(dir)
	if err != nil {
		return nil, err
	}
	s.bytes.Store(size)
	return s, nil
}

// SizeBytes returns the on-disk size of stored blocks.
func (s *Store) SizeBytes() int64 {
	return s.bytes.Load()
}

// GetBlock returns a stored block. Unreadable or corrupt block files are
// removed and reported as absent.
func (s *Store) GetBlock(sourceID string, blockSize, index int64) ([]byte, bool) {
	path := s.pathForKey(blockKey(sourceID, blockSize, index))
	// path is derived from a digest, not user input
	compressed, err := os.ReadFile(path) //nolint:gosec // see above
	if err != nil {
		return nil, false
	}
	data, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		if rmErr := os.Remove(path); rmErr == nil {
			s.bytes.Add(-int64(len(compressed)))
		}
		return nil, false
	}
	return data, true
}

// PutBlock stores a block atomically. Existing blocks are left untouched.
func (s *Store) PutBlock(sourceID string, blockSize, index int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	path := s.pathForKey(blockKey(sourceID, blockSize, index))
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "block-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	compressed := encoder.EncodeAll(data, nil)
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write block: %w", err)
	}
	if err := tmp.Chmod(defaultFilePerm); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		if _, statErr := os.Stat(path); statErr == nil {
			return nil
		}
		return err
	}
	s.bytes.Add(int64(len(compressed)))
	return nil
}

// blockKey returns the hex digest identifying a block.
func blockKey(sourceID string, blockSize, index int64) string {
	buf := make([]byte, 0, len(sourceID)+16)
	buf = append(buf, sourceID...)
	// blockSize and index are validated non-negative by the block cache
	buf = binary.BigEndian.AppendUint64(buf, uint64(blockSize)) //nolint:gosec // see above
	buf = binary.BigEndian.AppendUint64(buf, uint64(index))     //nolint:gosec // see above
	return digest.SHA256.FromBytes(buf).Encoded()
}

func (s *Store) pathForKey(hexKey string) string {
	if s.shardPrefixLen <= 0 {
		return filepath.Join(s.dir, hexKey)
	}
	prefixLen := min(s.shardPrefixLen, len(hexKey))
	return filepath.Join(s.dir, hexKey[:prefixLen], hexKey)
}
