package rangefs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	nethttp "net/http"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/rangefs/cache"
	rangehttp "github.com/meigma/rangefs/http"
	"github.com/meigma/rangefs/internal/metrics"
)

// Bounds of the expected/observed body length ratio that marks a range
// response as folded by a text-decoding transport (pairs of bytes merged
// into one code unit).
const (
	foldedRatioMin = 1.9
	foldedRatioMax = 2.1
)

// fetcher resolves block cache misses with GET requests.
type fetcher struct {
	client  *rangehttp.Client
	store   cache.BlockStore // nil = no persistent tier
	logger  *slog.Logger
	metrics *metrics.Metrics
	group   singleflight.Group // shares in-flight fetches of one block window
}

// read returns bytes [start, end] of the file at p, fetching blocks that
// are not cached yet. end is clamped to the last byte of the file; an empty
// window yields an empty slice.
func (r *fetcher) read(ctx context.Context, p string, f *cache.File, start, end int64) ([]byte, error) {
	end = min(end, f.Size()-1)
	if start > end {
		return []byte{}, nil
	}
	if start < 0 {
		return nil, fmt.Errorf("%w: negative offset %d", ErrInvalid, start)
	}

	if f.IsRangePresent(start, end) {
		r.metrics.CacheHit()
		r.logger.Debug("read cache hit", "path", p, "start", start, "end", end)
		return f.Assemble(start, end)
	}
	r.metrics.CacheMiss()

	first, last := f.BlockFor(start), f.BlockFor(end)
	r.logger.Debug("read cache miss", "path", p, "start", start, "end", end, "first_block", first, "last_block", last)
	if err := r.ensure(ctx, p, f, first, last); err != nil {
		return nil, err
	}

	data, err := f.Assemble(start, end)
	if errors.Is(err, cache.ErrNotPresent) {
		return nil, &NetworkError{Path: p, Err: ErrShortResponse}
	}
	return data, err
}

// ensure populates blocks [first, last]. Concurrent callers asking for the
// same window share one request; each caller stops waiting when its own
// context is done.
func (r *fetcher) ensure(ctx context.Context, p string, f *cache.File, first, last int64) error {
	if err := ctx.Err(); err != nil {
		return &NetworkError{Path: p, Err: err}
	}
	if r.loadStored(p, f, first, last) {
		return nil
	}

	key := fmt.Sprintf("%s\x00%d-%d", p, first, last)
	rejoined := false
	for {
		ch := r.group.DoChan(key, func() (any, error) {
			return nil, r.fetch(ctx, p, f, first, last, false)
		})
		select {
		case res := <-ch:
			// The shared fetch may have been canceled by the caller that
			// started it. Try once more under our own context.
			if res.Err != nil && res.Shared && !rejoined && ctx.Err() == nil && isContextErr(res.Err) {
				rejoined = true
				continue
			}
			return res.Err
		case <-ctx.Done():
			return &NetworkError{Path: p, Err: ctx.Err()}
		}
	}
}

// fetch issues the request for blocks [first, last] and populates every
// block the response covers completely. retried is set on the second
// attempt after a folded response.
func (r *fetcher) fetch(ctx context.Context, p string, f *cache.File, first, last int64, retried bool) error {
	size := f.Size()
	rangeStart := first * f.BlockSize()
	rangeEnd := min((last+1)*f.BlockSize(), size) - 1

	var rng *rangehttp.Range
	if rangeStart != 0 || rangeEnd != size-1 {
		rng = &rangehttp.Range{Start: rangeStart, End: rangeEnd}
	}

	resp, err := r.client.Get(ctx, p, rng)
	if err != nil {
		r.metrics.Request(0, 0)
		return &NetworkError{Path: p, Err: err}
	}
	r.metrics.Request(resp.StatusCode, len(resp.Body))

	switch resp.StatusCode {
	case nethttp.StatusOK:
		// Range ignored: the body is the whole file from byte 0.
		r.logger.Debug("full content response", "path", p, "bytes", len(resp.Body), "range_start", rangeStart, "range_end", rangeEnd)
		return r.populate(p, f, 0, resp.Body)

	case nethttp.StatusPartialContent:
		expected := rangeEnd - rangeStart + 1
		observed := int64(len(resp.Body))
		if looksFolded(expected, observed) && !retried {
			shifted := max(first-1, 0)
			r.logger.Warn("folded range response, retrying one block earlier",
				"path", p, "expected", expected, "observed", observed, "first_block", shifted)
			r.metrics.Retry()
			return r.fetch(ctx, p, f, shifted, last, true)
		}
		offset := rangeStart
		if cr := resp.ContentRange; cr != nil {
			offset = cr.Start
			expected = cr.End - cr.Start + 1
		}
		// A body that disagrees with its own range cannot be mapped onto
		// blocks, so none of it is cached.
		if observed != expected {
			r.logger.Warn("range response length mismatch, discarding body",
				"path", p, "expected", expected, "observed", observed, "retried", retried)
			return &NetworkError{Path: p, Err: ErrShortResponse}
		}
		return r.populate(p, f, offset, resp.Body)

	default:
		return &NetworkError{Path: p, Status: resp.StatusCode}
	}
}

// populate maps body onto the absolute window starting at offset and
// populates each block lying completely inside it. Edge blocks that are
// only partly covered are left for a later request.
func (r *fetcher) populate(p string, f *cache.File, offset int64, body []byte) error {
	if len(body) == 0 {
		return nil
	}
	bs := f.BlockSize()
	end := offset + int64(len(body)) - 1

	for i := (offset + bs - 1) / bs; i < f.BlockCount(); i++ {
		blockStart, blockEnd := f.BlockRange(i)
		if blockEnd > end {
			break
		}
		data := body[blockStart-offset : blockEnd-offset+1]
		inserted, err := f.Insert(i, data)
		if err != nil {
			r.logger.Error("block populate failed", "path", p, "block", i, "error", err)
			return err
		}
		if !inserted {
			continue
		}
		r.metrics.Populated(len(data))
		if r.store != nil {
			if err := r.store.PutBlock(r.sourceID(p, f), bs, i, data); err != nil {
				r.logger.Debug("block store write failed", "path", p, "block", i, "error", err)
			}
		}
	}
	return nil
}

// loadStored fills missing blocks in [first, last] from the block store and
// reports whether the whole window is now cached.
func (r *fetcher) loadStored(p string, f *cache.File, first, last int64) bool {
	if r.store == nil {
		return false
	}
	sourceID := r.sourceID(p, f)
	loaded := 0
	for _, i := range f.Missing(first, last) {
		data, ok := r.store.GetBlock(sourceID, f.BlockSize(), i)
		if !ok {
			continue
		}
		inserted, err := f.Insert(i, data)
		if err != nil {
			r.logger.Debug("ignoring stored block", "path", p, "block", i, "error", err)
			continue
		}
		if inserted {
			r.metrics.Populated(len(data))
		}
		loaded++
	}
	if loaded > 0 {
		r.metrics.StoreHit(loaded)
		r.logger.Debug("blocks loaded from store", "path", p, "blocks", loaded)
	}
	return len(f.Missing(first, last)) == 0
}

// sourceID identifies the remote content of p for the block store.
func (r *fetcher) sourceID(p string, f *cache.File) string {
	return fmt.Sprintf("url:%s|size:%d", r.client.URL(p), f.Size())
}

// looksFolded reports whether a body of observed bytes, where expected were
// requested, looks like a byte-pair folding artifact.
func looksFolded(expected, observed int64) bool {
	if observed <= 0 || observed == expected {
		return false
	}
	ratio := float64(expected) / float64(observed)
	return ratio >= foldedRatioMin && ratio <= foldedRatioMax
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
