// Package metrics provides Prometheus collectors for a mount.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors of one mount.
type Metrics struct {
	requests     *prometheus.CounterVec
	fetchedBytes prometheus.Counter
	blockHits    prometheus.Counter
	blockMisses  prometheus.Counter
	storeHits    prometheus.Counter
	retries      prometheus.Counter
	cachedBytes  prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rangefs_requests_total",
				Help: "Total number of file GET requests by response status",
			},
			[]string{"status"},
		),
		fetchedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangefs_fetched_bytes_total",
			Help: "Total response body bytes received for file data",
		}),
		blockHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangefs_read_cache_hits_total",
			Help: "Reads served entirely from cached blocks",
		}),
		blockMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangefs_read_cache_misses_total",
			Help: "Reads that needed at least one block fetch",
		}),
		storeHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangefs_block_store_hits_total",
			Help: "Blocks loaded from the persistent block store",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangefs_corruption_retries_total",
			Help: "Range responses discarded as folded by text decoding",
		}),
		cachedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rangefs_cached_bytes",
			Help: "Bytes held by populated blocks",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.requests, m.fetchedBytes, m.blockHits, m.blockMisses, m.storeHits, m.retries, m.cachedBytes,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Request records a completed GET. status 0 means a transport failure.
func (m *Metrics) Request(status, bodyLen int) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.requests.WithLabelValues(label).Inc()
	m.fetchedBytes.Add(float64(bodyLen))
}

// CacheHit records a read served from cached blocks.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.blockHits.Inc()
}

// CacheMiss records a read that required fetching.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.blockMisses.Inc()
}

// StoreHit records n blocks loaded from the block store.
func (m *Metrics) StoreHit(n int) {
	if m == nil {
		return
	}
	m.storeHits.Add(float64(n))
}

// Retry records a discarded folded response.
func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// Populated records n newly cached bytes.
func (m *Metrics) Populated(n int) {
	if m == nil {
		return
	}
	m.cachedBytes.Add(float64(n))
}
