package rangefs

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/rangefs/internal/testutil"
)

func TestReadPartialRange(t *testing.T) {
	t.Parallel()

	const mib = 1 << 20
	files := map[string][]byte{"big.bin": testutil.Pattern(10 * mib)}
	fsys, server := newTestFS(t, files)

	data, err := fsys.Read(context.Background(), "/big.bin", 1_500_000, 1_000_001)
	require.NoError(t, err)
	assert.Len(t, data, 1_000_001)
	assert.Equal(t, files["big.bin"][1_500_000:2_500_001], data)

	reqs := server.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/big.bin", reqs[0].Path)
	assert.Equal(t, "bytes=1048576-3145727", reqs[0].Range, "blocks 1-2 only")

	stats := fsys.Stats()
	assert.Equal(t, uint64(2), stats.Blocks)
	assert.Equal(t, int64(2*mib), stats.CachedBytes)

	// A second read inside the cached blocks is served locally.
	data, err = fsys.Read(context.Background(), "/big.bin", mib, mib)
	require.NoError(t, err)
	assert.Equal(t, files["big.bin"][mib:2*mib], data)
	assert.Equal(t, 1, server.RequestCount())
}

func TestReadWholeFileOmitsRange(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{"f.bin": testutil.Pattern(3000)}
	fsys, server := newTestFS(t, files, WithBlockSize(1024))

	data, err := fsys.Read(context.Background(), "/f.bin", 0, 3000)
	require.NoError(t, err)
	assert.Equal(t, files["f.bin"], data)

	reqs := server.Requests()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].Range)
}

func TestReadLastPartialBlock(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{"f.bin": testutil.Pattern(3000)}
	fsys, server := newTestFS(t, files, WithBlockSize(1024))

	data, err := fsys.Read(context.Background(), "/f.bin", 2500, 1000)
	require.NoError(t, err)
	assert.Equal(t, files["f.bin"][2500:], data)

	reqs := server.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "bytes=2048-2999", reqs[0].Range)
}

func TestReadFullContentFallback(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{"f.bin": testutil.Pattern(10 * 1024)}
	fsys, server := newTestFS(t, files, WithBlockSize(1024))
	server.IgnoreRange(true)

	data, err := fsys.Read(context.Background(), "/f.bin", 1500, 1001)
	require.NoError(t, err)
	assert.Equal(t, files["f.bin"][1500:2501], data)
	assert.Equal(t, uint64(10), fsys.Stats().Blocks, "a full body populates every block")

	// Every later read is a cache hit.
	for _, pos := range []int64{0, 4000, 9000} {
		data, err := fsys.Read(context.Background(), "/f.bin", pos, 1024)
		require.NoError(t, err)
		assert.Equal(t, files["f.bin"][pos:pos+1024], data)
	}
	assert.Equal(t, 1, server.RequestCount())
}

func TestReadFoldedResponseRetry(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{"f.bin": testutil.Pattern(8 * 1024)}

	t.Run("retries one block earlier", func(t *testing.T) {
		t.Parallel()
		reg := prometheus.NewRegistry()
		fsys, server := newTestFS(t, files, WithBlockSize(1024), WithMetrics(reg))
		server.FoldNext(1)

		data, err := fsys.Read(context.Background(), "/f.bin", 2048, 2048)
		require.NoError(t, err)
		assert.Equal(t, files["f.bin"][2048:4096], data)

		reqs := server.Requests()
		require.Len(t, reqs, 2)
		assert.Equal(t, "bytes=2048-4095", reqs[0].Range)
		assert.Equal(t, "bytes=1024-4095", reqs[1].Range)
		assert.Equal(t, uint64(3), fsys.Stats().Blocks)
	})

	t.Run("first block retries in place", func(t *testing.T) {
		t.Parallel()
		fsys, server := newTestFS(t, files, WithBlockSize(1024))
		server.FoldNext(1)

		data, err := fsys.Read(context.Background(), "/f.bin", 0, 1024)
		require.NoError(t, err)
		assert.Equal(t, files["f.bin"][:1024], data)

		reqs := server.Requests()
		require.Len(t, reqs, 2)
		assert.Equal(t, reqs[0].Range, reqs[1].Range)
	})

	t.Run("second fold is not retried", func(t *testing.T) {
		t.Parallel()
		store := testutil.NewMemoryStore()
		fsys, server := newTestFS(t, files, WithBlockSize(1024), WithBlockStore(store))
		server.FoldNext(2)

		_, err := fsys.Read(context.Background(), "/f.bin", 2048, 2048)
		require.ErrorIs(t, err, ErrShortResponse)

		var netErr *NetworkError
		require.ErrorAs(t, err, &netErr)
		assert.Equal(t, "/f.bin", netErr.Path)
		assert.Equal(t, 2, server.RequestCount())

		// Nothing from the folded body is kept.
		assert.Zero(t, fsys.Stats().Blocks)
		assert.Zero(t, store.Len())

		data, err := fsys.Read(context.Background(), "/f.bin", 1024, 1024)
		require.NoError(t, err)
		assert.Equal(t, files["f.bin"][1024:2048], data)

		data, err = fsys.Read(context.Background(), "/f.bin", 0, 4096)
		require.NoError(t, err)
		assert.Equal(t, files["f.bin"][:4096], data)
	})
}

func TestReadErrorStatus(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{"f.bin": testutil.Pattern(4096)}
	fsys, server := newTestFS(t, files, WithBlockSize(1024))
	server.FailWith(503)

	_, err := fsys.Read(context.Background(), "/f.bin", 0, 100)
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, 503, netErr.Status)
	assert.Zero(t, fsys.Stats().Blocks)
	assert.Equal(t, syscall.EPERM, Errno(err))

	// Recovery after the server comes back.
	server.FailWith(0)
	data, err := fsys.Read(context.Background(), "/f.bin", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, files["f.bin"][:100], data)
}

func TestReadMissingRemoteFile(t *testing.T) {
	t.Parallel()

	server := testutil.NewServer(t, map[string][]byte{"present.bin": []byte("x")})
	fsys, err := NewFromManifest(server.Client(t), []byte(`{"present.bin": 1, "gone.bin": 10}`))
	require.NoError(t, err)

	_, err = fsys.Read(context.Background(), "/gone.bin", 0, 10)
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, 404, netErr.Status)
}

func TestReadShortBody(t *testing.T) {
	t.Parallel()

	// The listing claims more bytes than the server holds.
	server := testutil.NewServer(t, map[string][]byte{"f.bin": testutil.Pattern(1500)})
	fsys, err := NewFromManifest(server.Client(t), []byte(`{"f.bin": 4096}`), WithBlockSize(1024))
	require.NoError(t, err)

	server.IgnoreRange(true)
	_, err = fsys.Read(context.Background(), "/f.bin", 2048, 100)
	require.ErrorIs(t, err, ErrShortResponse)
	assert.Equal(t, uint64(1), fsys.Stats().Blocks, "only the fully covered block is kept")
}

func TestReadConcurrentSharesRequest(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{"f.bin": testutil.Pattern(8192)}
	fsys, server := newTestFS(t, files, WithBlockSize(1024))
	release := server.Hold()
	defer release()

	const readers = 8
	var wg sync.WaitGroup
	errs := make(chan error, readers)
	for range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := fsys.Read(context.Background(), "/f.bin", 1024, 2048)
			if err == nil && string(data) != string(files["f.bin"][1024:3072]) {
				err = errors.New("content mismatch")
			}
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return server.RequestCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	// Give the remaining readers time to join the in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, server.RequestCount())
}

func TestReadCanceled(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{"f.bin": testutil.Pattern(8192)}

	t.Run("before request", func(t *testing.T) {
		t.Parallel()
		fsys, server := newTestFS(t, files, WithBlockSize(1024))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := fsys.Read(ctx, "/f.bin", 0, 100)
		require.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, server.RequestCount())
		assert.Zero(t, fsys.Stats().Blocks)
	})

	t.Run("waiter gives up", func(t *testing.T) {
		t.Parallel()
		fsys, server := newTestFS(t, files, WithBlockSize(1024))
		release := server.Hold()
		defer release()

		done := make(chan error, 1)
		go func() {
			_, err := fsys.Read(context.Background(), "/f.bin", 0, 100)
			done <- err
		}()
		require.Eventually(t, func() bool { return server.RequestCount() == 1 }, 5*time.Second, 5*time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := fsys.Read(ctx, "/f.bin", 0, 100)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		release()
		require.NoError(t, <-done, "the initiator is unaffected")
	})

	t.Run("initiator canceled", func(t *testing.T) {
		t.Parallel()
		fsys, server := newTestFS(t, files, WithBlockSize(1024))
		release := server.Hold()
		defer release()

		ctx, cancel := context.WithCancel(context.Background())
		initiator := make(chan error, 1)
		go func() {
			_, err := fsys.Read(ctx, "/f.bin", 0, 100)
			initiator <- err
		}()
		require.Eventually(t, func() bool { return server.RequestCount() == 1 }, 5*time.Second, 5*time.Millisecond)

		waiter := make(chan error, 1)
		go func() {
			data, err := fsys.Read(context.Background(), "/f.bin", 0, 100)
			if err == nil && string(data) != string(files["f.bin"][:100]) {
				err = errors.New("content mismatch")
			}
			waiter <- err
		}()
		time.Sleep(50 * time.Millisecond)

		cancel()
		require.ErrorIs(t, <-initiator, context.Canceled)
		require.Eventually(t, func() bool { return server.RequestCount() == 2 }, 5*time.Second, 5*time.Millisecond)
		release()
		require.NoError(t, <-waiter, "the waiter retries under its own context")
	})
}

func TestReadBlockStore(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{"f.bin": testutil.Pattern(8192)}

	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		server := testutil.NewServer(t, files)
		store := testutil.NewMemoryStore()

		first, err := New(context.Background(), server.URL, WithBlockSize(1024), WithBlockStore(store))
		require.NoError(t, err)
		_, err = first.Read(context.Background(), "/f.bin", 1000, 2000)
		require.NoError(t, err)
		assert.Equal(t, 1, server.RequestCount())
		assert.Equal(t, 3, store.Len())

		second, err := New(context.Background(), server.URL, WithBlockSize(1024), WithBlockStore(store))
		require.NoError(t, err)
		data, err := second.Read(context.Background(), "/f.bin", 1024, 2048)
		require.NoError(t, err)
		assert.Equal(t, files["f.bin"][1024:3072], data)
		assert.Equal(t, 1, server.RequestCount(), "blocks come from the store")

		// Blocks are stored once.
		_, err = second.Read(context.Background(), "/f.bin", 0, 8192)
		require.NoError(t, err)
		assert.Equal(t, 8, store.Len())
		assert.Equal(t, 8, store.Puts())
	})

	t.Run("disk", func(t *testing.T) {
		t.Parallel()
		server := testutil.NewServer(t, files)
		dir := t.TempDir()

		first, err := New(context.Background(), server.URL, WithBlockSize(1024), WithCacheDir(dir))
		require.NoError(t, err)
		_, err = first.Read(context.Background(), "/f.bin", 0, 8192)
		require.NoError(t, err)
		assert.Equal(t, 1, server.RequestCount())

		second, err := New(context.Background(), server.URL, WithBlockSize(1024), WithCacheDir(dir))
		require.NoError(t, err)
		data, err := second.Read(context.Background(), "/f.bin", 3000, 4000)
		require.NoError(t, err)
		assert.Equal(t, files["f.bin"][3000:7000], data)
		assert.Equal(t, 1, server.RequestCount())

		// A different block size does not reuse the stored blocks.
		third, err := New(context.Background(), server.URL, WithBlockSize(2048), WithCacheDir(dir))
		require.NoError(t, err)
		_, err = third.Read(context.Background(), "/f.bin", 0, 10)
		require.NoError(t, err)
		assert.Equal(t, 2, server.RequestCount())
	})
}

func TestReadCachedBytesGauge(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{"f.bin": testutil.Pattern(8000)}
	server := testutil.NewServer(t, files)
	store := testutil.NewMemoryStore()

	firstReg := prometheus.NewRegistry()
	first, err := New(context.Background(), server.URL,
		WithBlockSize(1024), WithBlockStore(store), WithMetrics(firstReg))
	require.NoError(t, err)
	_, err = first.Read(context.Background(), "/f.bin", 0, 8000)
	require.NoError(t, err)
	_, err = first.Read(context.Background(), "/f.bin", 100, 3000)
	require.NoError(t, err)
	assert.InDelta(t, 8000, gaugeValue(t, firstReg, "rangefs_cached_bytes"), 0)

	// Blocks loaded from the store count as cached.
	secondReg := prometheus.NewRegistry()
	second, err := New(context.Background(), server.URL,
		WithBlockSize(1024), WithBlockStore(store), WithMetrics(secondReg))
	require.NoError(t, err)
	_, err = second.Read(context.Background(), "/f.bin", 0, 8000)
	require.NoError(t, err)
	assert.Equal(t, 1, server.RequestCount())
	assert.Equal(t, int64(8000), second.Stats().CachedBytes)
	assert.InDelta(t, 8000, gaugeValue(t, secondReg, "rangefs_cached_bytes"), 0)
	assert.Equal(t, 8, store.Puts())
}

func TestReadOverlappingWindowsCountOnce(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{"f.bin": testutil.Pattern(8192)}
	store := testutil.NewMemoryStore()
	reg := prometheus.NewRegistry()
	fsys, server := newTestFS(t, files, WithBlockSize(1024), WithBlockStore(store), WithMetrics(reg))
	release := server.Hold()
	defer release()

	// Different windows share blocks 2 and 3 but not a request.
	windows := [][2]int64{{0, 4096}, {2048, 4096}}
	var wg sync.WaitGroup
	errs := make(chan error, len(windows))
	for _, w := range windows {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fsys.Read(context.Background(), "/f.bin", w[0], w[1])
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return server.RequestCount() == 2 }, 5*time.Second, 5*time.Millisecond)
	release()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int64(6*1024), fsys.Stats().CachedBytes)
	assert.InDelta(t, 6*1024, gaugeValue(t, reg, "rangefs_cached_bytes"), 0)
	assert.Equal(t, 6, store.Puts())
}

// gaugeValue returns the value of the unlabeled gauge name in reg.
func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			require.Len(t, mf.GetMetric(), 1)
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func TestLooksFolded(t *testing.T) {
	t.Parallel()

	tests := []struct {
		expected, observed int64
		want               bool
	}{
		{2048, 1024, true},
		{2000, 1050, true},
		{2100, 1000, true},
		{2048, 2048, false},
		{2048, 1500, false},
		{2048, 0, false},
		{2200, 1000, false},
		{1024, 2048, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, looksFolded(tt.expected, tt.observed), "%d/%d", tt.expected, tt.observed)
	}
}
