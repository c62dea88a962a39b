// Package http issues the GET requests behind a mount: manifest downloads
// and optionally ranged reads of individual files.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"strconv"
	"strings"
)

// ErrStatus is wrapped by errors caused by an unexpected response status.
var ErrStatus = errors.New("unexpected status")

// Client issues GET requests against a base URL. It is safe for concurrent use.
type Client struct {
	baseURL string
	client  *nethttp.Client
	headers nethttp.Header
}

// Option configures a Client.
type Option func(*Client)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(c *Client) {
		if headers == nil {
			return
		}
		c.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		if c.headers == nil {
			c.headers = make(nethttp.Header)
		}
		c.headers.Set(key, value)
	}
}

// Range is an inclusive byte range.
type Range struct {
	Start int64
	End   int64
}

// String formats the range as a Range header value.
func (r Range) String() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// ContentRange is a parsed Content-Range header. Total is -1 when the
// server did not report the complete length.
type ContentRange struct {
	Start int64
	End   int64
	Total int64
}

// Response is a fully consumed GET response.
type Response struct {
	StatusCode   int
	Status       string
	ContentRange *ContentRange // nil when absent or unparsable
	Body         []byte
}

// NewClient creates a Client for files below baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  nethttp.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = nethttp.DefaultClient
	}
	return c, nil
}

// BaseURL returns the base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// URL returns the request URL of the slash-separated path p.
func (c *Client) URL(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return c.baseURL + (&url.URL{Path: p}).EscapedPath()
}

// Get fetches p, attaching a Range header when rng is non-nil. The body is
// read to completion before Get returns. Non-2xx statuses are not errors;
// callers inspect StatusCode.
func (c *Client) Get(ctx context.Context, p string, rng *Range) (*Response, error) {
	req, err := c.newRequest(ctx, p)
	if err != nil {
		return nil, err
	}
	if rng != nil {
		req.Header.Set("Range", rng.String())
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := &Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
	}
	if value := resp.Header.Get("Content-Range"); value != "" {
		if cr, err := ParseContentRange(value); err == nil {
			out.ContentRange = &cr
		}
	}
	if resp.StatusCode != nethttp.StatusOK && resp.StatusCode != nethttp.StatusPartialContent {
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain for connection reuse
		return out, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", p, err)
	}
	out.Body = body
	return out, nil
}

// FetchManifest downloads the listing named name, relative to the base URL.
func (c *Client) FetchManifest(ctx context.Context, name string) ([]byte, error) {
	resp, err := c.Get(ctx, name, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest %s: %w", name, err)
	}
	if resp.StatusCode != nethttp.StatusOK {
		return nil, fmt.Errorf("fetch manifest %s: %w: %s", name, ErrStatus, resp.Status)
	}
	return resp.Body, nil
}

// newRequest creates a GET request with the configured headers.
func (c *Client) newRequest(ctx context.Context, p string) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, c.URL(p), nethttp.NoBody)
	if err != nil {
		return nil, err
	}
	for key, values := range c.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	return req, nil
}

// ParseContentRange parses a Content-Range value of the form
// "bytes start-end/total" where total may be "*".
func ParseContentRange(value string) (ContentRange, error) {
	invalid := fmt.Errorf("invalid Content-Range %q", value)

	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return ContentRange{}, invalid
	}
	span, total, ok := strings.Cut(strings.TrimPrefix(value, "bytes "), "/")
	if !ok {
		return ContentRange{}, invalid
	}
	startStr, endStr, ok := strings.Cut(span, "-")
	if !ok {
		return ContentRange{}, invalid
	}

	cr := ContentRange{Total: -1}
	var err error
	if cr.Start, err = strconv.ParseInt(startStr, 10, 64); err != nil {
		return ContentRange{}, invalid
	}
	if cr.End, err = strconv.ParseInt(endStr, 10, 64); err != nil {
		return ContentRange{}, invalid
	}
	if cr.Start < 0 || cr.End < cr.Start {
		return ContentRange{}, invalid
	}
	if total != "*" {
		if cr.Total, err = strconv.ParseInt(total, 10, 64); err != nil || cr.Total <= cr.End {
			return ContentRange{}, invalid
		}
	}
	return cr, nil
}
