// Package resumable provides an http.RoundTripper that survives dropped
// connections while streaming large GET responses. When a mid-stream read
// fails, the body transparently reconnects with a Range request starting at
// the last delivered byte, using If-Range to guarantee the resource has not
// changed underneath the download.
//
// Resumption requires the server to advertise "Accept-Ranges: bytes" and to
// supply a strong ETag or a Last-Modified validator. Responses that don't
// qualify, and non-GET requests, pass through untouched. Requests that
// already carry a Range header are also passed through; checkpoint blob
// pulls never send one.
package resumable

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// BackoffFunc returns the delay before the given reconnect attempt (0-based).
type BackoffFunc func(attempt int) time.Duration

// Option configures a ResumableTransport.
type Option func(*ResumableTransport)

// WithMaxRetries sets how many reconnect attempts are made per response
// before the stream error is surfaced. Default 3.
func WithMaxRetries(n int) Option {
	return func(t *ResumableTransport) { t.maxRetries = n }
}

// WithBackoff sets the delay strategy between reconnect attempts. The
// default is jittered exponential backoff from 200ms, capped at 5s.
func WithBackoff(f BackoffFunc) Option {
	return func(t *ResumableTransport) { t.backoff = f }
}

// ResumableTransport wraps a base http.RoundTripper and equips eligible GET
// responses with a self-healing body.
type ResumableTransport struct {
	base       http.RoundTripper
	maxRetries int
	backoff    BackoffFunc
}

// New creates a ResumableTransport over base. A nil base means
// http.DefaultTransport.
func New(base http.RoundTripper, opts ...Option) *ResumableTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	t := &ResumableTransport{
		base:       base,
		maxRetries: 3,
		backoff:    defaultBackoff,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func defaultBackoff(attempt int) time.Duration {
	d := time.Duration(float64(200*time.Millisecond) * math.Pow(2, float64(attempt)))
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	// 20% to 60% of the nominal delay.
	return time.Duration(float64(d) * (0.2 + 0.4*rand.Float64()))
}

// RoundTrip implements http.RoundTripper.
func (t *ResumableTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil || resp == nil {
		return resp, err
	}
	validator := responseValidator(resp.Header)
	if !eligible(req, resp) || validator == "" {
		return resp, nil
	}
	resp.Body = &body{
		transport: t,
		request:   req,
		inner:     resp.Body,
		total:     resp.ContentLength,
		validator: validator,
	}
	return resp, nil
}

// eligible reports whether a response stream can be resumed with byte
// ranges. Transparent decompression shifts offsets, so any encoded response
// is out.
func eligible(req *http.Request, resp *http.Response) bool {
	return req.Method == http.MethodGet &&
		resp.StatusCode == http.StatusOK &&
		req.Header.Get("Range") == "" &&
		strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes") &&
		!resp.Uncompressed &&
		resp.Header.Get("Content-Encoding") == ""
}

// responseValidator returns the If-Range validator for follow-up requests,
// or "" when the server offers none. Weak ETags cannot validate byte ranges.
func responseValidator(h http.Header) string {
	if etag := h.Get("ETag"); etag != "" && !strings.HasPrefix(etag, "W/") {
		return etag
	}
	return h.Get("Last-Modified")
}

// body is a response body that reconnects on mid-stream failures. offset
// counts bytes already handed to the caller and doubles as the resume point.
type body struct {
	transport *ResumableTransport
	request   *http.Request
	validator string
	total     int64

	mu      sync.Mutex
	inner   io.ReadCloser
	offset  int64
	retries int
	broken  bool
	closed  bool
}

func (b *body) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.closed {
			return 0, io.EOF
		}
		if b.broken {
			if err := b.reconnect(); err != nil {
				return 0, fmt.Errorf("resuming download at offset %d: %w", b.offset, err)
			}
			b.broken = false
		}
		n, err := b.inner.Read(p)
		b.offset += int64(n)
		switch {
		case err == nil:
			return n, nil
		case err == io.EOF && (b.total < 0 || b.offset >= b.total):
			return n, io.EOF
		default:
			// Truncated or broken stream. Hand back what we have and
			// reconnect on the next call.
			b.broken = true
			if n > 0 {
				return n, nil
			}
		}
	}
}

// reconnect replaces the inner body with a fresh range response starting at
// the current offset. Caller holds b.mu.
func (b *body) reconnect() error {
	_ = b.inner.Close()
	ctx := b.request.Context()
	for ; b.retries < b.transport.maxRetries; b.retries++ {
		if err := sleep(ctx, b.transport.backoff(b.retries)); err != nil {
			return err
		}
		resp, err := b.transport.base.RoundTrip(b.rangeRequest())
		if err != nil {
			continue
		}
		switch resp.StatusCode {
		case http.StatusPartialContent:
			if start, total, ok := parseContentRange(resp.Header.Get("Content-Range")); ok && start == b.offset {
				if total >= 0 {
					b.total = total
				}
				b.inner = resp.Body
				b.retries++
				return nil
			}
			_ = resp.Body.Close()
		case http.StatusOK:
			// The If-Range validator no longer matches and the server is
			// restarting from byte zero. Splicing that onto the bytes
			// already delivered would corrupt the download.
			_ = resp.Body.Close()
			return fmt.Errorf("remote content changed during download")
		default:
			_ = resp.Body.Close()
		}
	}
	return fmt.Errorf("no valid range response after %d attempts", b.transport.maxRetries)
}

// rangeRequest clones the original request asking for the unread tail of the
// resource.
func (b *body) rangeRequest() *http.Request {
	req := b.request.Clone(b.request.Context())
	req.Body = nil
	req.ContentLength = 0
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", b.offset))
	req.Header.Set("If-Range", b.validator)
	req.Header.Set("Accept-Encoding", "identity")
	// Conditional headers would change the meaning of the range request.
	for _, h := range []string{"If-Match", "If-None-Match", "If-Modified-Since", "If-Unmodified-Since"} {
		req.Header.Del(h)
	}
	return req
}

func (b *body) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return b.inner.Close()
}

// parseContentRange extracts the start offset and complete length from a
// "bytes start-end/total" header. An unknown "*" total is reported as -1.
func parseContentRange(value string) (start, total int64, ok bool) {
	value, found := strings.CutPrefix(strings.TrimSpace(value), "bytes ")
	if !found {
		return 0, 0, false
	}
	span, totalPart, found := strings.Cut(value, "/")
	if !found {
		return 0, 0, false
	}
	startPart, _, found := strings.Cut(span, "-")
	if !found {
		return 0, 0, false
	}
	if start, ok = parseOffset(startPart); !ok {
		return 0, 0, false
	}
	if strings.TrimSpace(totalPart) == "*" {
		return start, -1, true
	}
	if total, ok = parseOffset(totalPart); !ok {
		return 0, 0, false
	}
	return start, total, true
}

func parseOffset(s string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return n, err == nil && n >= 0
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
