// Package testutil provides an in-process file server and in-memory block
// store for tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	rangehttp "github.com/meigma/rangefs/http"
)

// ManifestName is the listing path served by Server.
const ManifestName = "index.json"

// Request records one request seen by a Server.
type Request struct {
	Path  string
	Range string // empty when no Range header was sent
}

// Server serves a fixed set of files and the matching listing. By default
// it honors Range headers; the setters switch it into misbehaving modes.
type Server struct {
	*httptest.Server

	files    map[string][]byte
	manifest []byte

	mu          sync.Mutex
	requests    []Request
	ignoreRange bool
	status      int
	fold        int
	hold        chan struct{}
}

// NewServer starts a Server for files, keyed by slash-separated path
// without a leading slash. The server is closed when the test ends.
func NewServer(tb testing.TB, files map[string][]byte) *Server {
	tb.Helper()
	s := &Server{
		files:    files,
		manifest: ManifestJSON(tb, files),
	}
	s.Server = httptest.NewServer(nethttp.HandlerFunc(s.serve))
	tb.Cleanup(s.Close)
	return s
}

// Client returns a range client for the server.
func (s *Server) Client(tb testing.TB) *rangehttp.Client {
	tb.Helper()
	c, err := rangehttp.NewClient(s.URL)
	if err != nil {
		tb.Fatalf("NewClient() error = %v", err)
	}
	return c
}

// Manifest returns the served listing.
func (s *Server) Manifest() []byte {
	return s.manifest
}

// IgnoreRange makes file responses 200 with the whole body.
func (s *Server) IgnoreRange(ignore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ignoreRange = ignore
}

// FailWith makes file responses use status; 0 restores normal service.
func (s *Server) FailWith(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// FoldNext folds the next n ranged responses: the body keeps every other
// byte, as when a transport decodes pairs of bytes into one code unit.
func (s *Server) FoldNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fold = n
}

// Hold blocks file responses until the returned function is called.
func (s *Server) Hold() (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.hold = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.hold = nil
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Requests returns the file requests seen so far. Listing downloads are
// not recorded.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// RequestCount returns the number of file requests seen so far.
func (s *Server) RequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *Server) serve(w nethttp.ResponseWriter, r *nethttp.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/")
	if name == ManifestName {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(s.manifest) //nolint:errcheck // test server
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, Request{Path: r.URL.Path, Range: r.Header.Get("Range")})
	hold, status, ignoreRange := s.hold, s.status, s.ignoreRange
	fold := false
	if s.fold > 0 && r.Header.Get("Range") != "" {
		s.fold--
		fold = true
	}
	s.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return
		}
	}

	data, ok := s.files[name]
	switch {
	case !ok:
		nethttp.NotFound(w, r)
	case status != 0:
		nethttp.Error(w, nethttp.StatusText(status), status)
	case ignoreRange:
		_, _ = w.Write(data) //nolint:errcheck // test server
	case fold:
		serveFolded(w, r, data)
	default:
		nethttp.ServeContent(w, r, name, time.Time{}, bytes.NewReader(data))
	}
}

func serveFolded(w nethttp.ResponseWriter, r *nethttp.Request, data []byte) {
	cr, err := rangehttp.ParseContentRange(strings.Replace(r.Header.Get("Range"), "bytes=", "bytes ", 1) + "/*")
	if err != nil || cr.End >= int64(len(data)) {
		nethttp.Error(w, "bad range", nethttp.StatusRequestedRangeNotSatisfiable)
		return
	}
	span := data[cr.Start : cr.End+1]
	folded := make([]byte, 0, (len(span)+1)/2)
	for i := 0; i < len(span); i += 2 {
		folded = append(folded, span[i])
	}
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", cr.Start, cr.End, len(data)))
	w.WriteHeader(nethttp.StatusPartialContent)
	_, _ = w.Write(folded) //nolint:errcheck // test server
}

// ManifestJSON builds the nested listing for files.
func ManifestJSON(tb testing.TB, files map[string][]byte) []byte {
	tb.Helper()
	root := map[string]any{}
	for name, data := range files {
		parts := strings.Split(name, "/")
		dir := root
		for _, part := range parts[:len(parts)-1] {
			child, ok := dir[part].(map[string]any)
			if !ok {
				child = map[string]any{}
				dir[part] = child
			}
			dir = child
		}
		dir[parts[len(parts)-1]] = len(data)
	}
	raw, err := json.Marshal(root)
	if err != nil {
		tb.Fatalf("marshal manifest: %v", err)
	}
	return raw
}

// Pattern returns n bytes of a repeating pattern that differs per block
// offset, so misplaced blocks are detected.
func Pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}

// MemoryStore is a concurrency-safe in-memory block store.
type MemoryStore struct {
	mu     sync.Mutex
	blocks map[string][]byte
	puts   int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blocks: make(map[string][]byte)}
}

// GetBlock returns a stored block.
func (m *MemoryStore) GetBlock(sourceID string, blockSize, index int64) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blocks[storeKey(sourceID, blockSize, index)]
	return data, ok
}

// PutBlock stores a copy of data.
func (m *MemoryStore) PutBlock(sourceID string, blockSize, index int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	m.blocks[storeKey(sourceID, blockSize, index)] = bytes.Clone(data)
	return nil
}

// Len returns the number of stored blocks.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}

// Puts returns the number of PutBlock calls.
func (m *MemoryStore) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

func storeKey(sourceID string, blockSize, index int64) string {
	return fmt.Sprintf("%s|%d|%d", sourceID, blockSize, index)
}
