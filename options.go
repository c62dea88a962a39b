package rangefs

import (
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meigma/rangefs/cache"
	"github.com/meigma/rangefs/cache/disk"
	rangehttp "github.com/meigma/rangefs/http"
	"github.com/meigma/rangefs/internal/metrics"
)

// DefaultManifestName is the file name of the listing fetched by New.
const DefaultManifestName = "index.json"

// Option configures an FS.
type Option func(*FS) error

// WithBlockSize sets the cache block size in bytes (default 1 MiB).
func WithBlockSize(n int64) Option {
	return func(f *FS) error {
		if n <= 0 {
			return errors.New("block size must be > 0")
		}
		f.blockSize = n
		return nil
	}
}

// WithManifestName sets the listing file name, relative to the base URL.
// The extension selects the format: .yaml/.yml for YAML, JSON otherwise.
// The listing's own entry is excluded from the index.
func WithManifestName(name string) Option {
	return func(f *FS) error {
		if name == "" {
			return errors.New("manifest name is empty")
		}
		f.manifestName = name
		return nil
	}
}

// WithHTTPOptions configures the HTTP client created by New.
func WithHTTPOptions(opts ...rangehttp.Option) Option {
	return func(f *FS) error {
		f.httpOpts = append(f.httpOpts, opts...)
		return nil
	}
}

// WithBlockStore adds a persistent block tier consulted before the network.
func WithBlockStore(s cache.BlockStore) Option {
	return func(f *FS) error {
		f.store = s
		return nil
	}
}

// WithCacheDir persists fetched blocks below dir using a disk block store.
func WithCacheDir(dir string) Option {
	return func(f *FS) error {
		s, err := disk.New(dir)
		if err != nil {
			return err
		}
		f.store = s
		return nil
	}
}

// WithLogger sets the logger for cache and fetch diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(f *FS) error {
		f.logger = logger
		return nil
	}
}

// WithMetrics registers the mount's Prometheus collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(f *FS) error {
		m, err := metrics.New(reg)
		if err != nil {
			return err
		}
		f.metrics = m
		return nil
	}
}

// WithClock sets the time source for synthetic timestamps.
func WithClock(now func() time.Time) Option {
	return func(f *FS) error {
		if now == nil {
			return errors.New("clock is nil")
		}
		f.now = now
		return nil
	}
}
