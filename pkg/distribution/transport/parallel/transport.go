// Package parallel provides an http.RoundTripper that splits large GET
// responses into concurrent byte-range downloads. A HEAD probe decides
// whether the server supports ranges and how big the resource is; qualifying
// downloads are fetched as several range requests spooled to temporary
// files and stitched back together in a transparent Response.Body.
//
// Range requests carry If-Range so that all chunks are guaranteed to come
// from the same version of the resource. Servers without range support,
// encoded responses, and resources below the chunking threshold all fall
// back to a single plain request.
package parallel

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Option configures a ParallelTransport.
type Option func(*ParallelTransport)

// WithMaxConcurrentPerRequest sets how many range requests a single
// download may issue concurrently. Default 4.
func WithMaxConcurrentPerRequest(n uint) Option {
	return func(t *ParallelTransport) { t.perRequest = n }
}

// WithMaxConcurrentPerHost sets per-hostname caps on concurrent range
// requests. The "" entry is the default for hosts not listed; 0 means
// unlimited.
func WithMaxConcurrentPerHost(limits map[string]uint) Option {
	return func(t *ParallelTransport) {
		t.perHost = make(map[string]uint, len(limits))
		for host, limit := range limits {
			t.perHost[host] = limit
		}
	}
}

// WithMinChunkSize sets the smallest useful chunk, in bytes. Resources
// smaller than minChunkSize*perRequest are not split. Default 1MB.
func WithMinChunkSize(size int64) Option {
	return func(t *ParallelTransport) { t.minChunkSize = size }
}

// WithTempDir sets where chunk spool files are created. Default os.TempDir.
func WithTempDir(dir string) Option {
	return func(t *ParallelTransport) { t.tempDir = dir }
}

// ParallelTransport wraps a base http.RoundTripper and accelerates large
// GET downloads with concurrent byte-range requests.
type ParallelTransport struct {
	base         http.RoundTripper
	perRequest   uint
	perHost      map[string]uint
	minChunkSize int64
	tempDir      string

	mu        sync.Mutex
	hostSlots map[string]chan struct{}
}

// New creates a ParallelTransport over base. A nil base means
// http.DefaultTransport.
func New(base http.RoundTripper, opts ...Option) *ParallelTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	t := &ParallelTransport{
		base:         base,
		perRequest:   4,
		perHost:      map[string]uint{"": 4},
		minChunkSize: 1 << 20,
		tempDir:      os.TempDir(),
		hostSlots:    make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RoundTrip implements http.RoundTripper.
func (t *ParallelTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Requests that already name a byte range keep their exact semantics.
	if req.Method != http.MethodGet || req.Header.Get("Range") != "" || t.perRequest < 2 {
		return t.base.RoundTrip(req)
	}
	probe, err := t.probe(req)
	if err != nil {
		return nil, err
	}
	if probe == nil || probe.size < t.minChunkSize*int64(t.perRequest) {
		return t.base.RoundTrip(req)
	}
	return t.download(req, probe)
}

// probeResult describes a resource that qualifies for chunked download.
type probeResult struct {
	size      int64
	validator string
	header    http.Header
	proto     string
	major     int
	minor     int
}

// probe issues a HEAD request and reports whether the resource can be
// downloaded in ranges. A nil result means fall back to a plain GET.
func (t *ParallelTransport) probe(req *http.Request) (*probeResult, error) {
	head := req.Clone(req.Context())
	head.Method = http.MethodHead
	head.Body = nil
	head.ContentLength = 0
	head.Header.Set("Accept-Encoding", "identity")

	resp, err := t.base.RoundTrip(head)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK ||
		!strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes") ||
		resp.Header.Get("Content-Encoding") != "" ||
		resp.ContentLength <= 0 {
		return nil, nil
	}
	validator := resp.Header.Get("ETag")
	if validator == "" || strings.HasPrefix(validator, "W/") {
		validator = resp.Header.Get("Last-Modified")
	}
	if validator == "" {
		// Without If-Range the chunks could mix versions of the resource.
		return nil, nil
	}
	return &probeResult{
		size:      resp.ContentLength,
		validator: validator,
		header:    resp.Header.Clone(),
		proto:     resp.Proto,
		major:     resp.ProtoMajor,
		minor:     resp.ProtoMinor,
	}, nil
}

// chunk is one byte range of the download. Its spool file is ready to read
// once done is closed with a nil err.
type chunk struct {
	start int64
	end   int64
	file  *os.File
	done  chan struct{}
	err   error
}

// download fans the resource out into range requests and returns a response
// whose body stitches the chunks back together in order.
func (t *ParallelTransport) download(req *http.Request, probe *probeResult) (*http.Response, error) {
	chunkCount := int(probe.size / t.minChunkSize)
	if chunkCount > int(t.perRequest) {
		chunkCount = int(t.perRequest)
	}
	chunkSize := probe.size / int64(chunkCount)

	chunks := make([]*chunk, chunkCount)
	for i := range chunks {
		file, err := os.CreateTemp(t.tempDir, "vision-chunk-*")
		if err != nil {
			for _, c := range chunks[:i] {
				c.discard()
			}
			return nil, fmt.Errorf("creating chunk spool file: %w", err)
		}
		start := int64(i) * chunkSize
		end := start + chunkSize - 1
		if i == chunkCount-1 {
			end = probe.size - 1
		}
		chunks[i] = &chunk{start: start, end: end, file: file, done: make(chan struct{})}
	}

	ctx, cancel := context.WithCancel(req.Context())
	// A failed chunk cancels the group context and aborts its siblings.
	group, groupCtx := errgroup.WithContext(ctx)
	for _, c := range chunks {
		group.Go(func() error {
			defer close(c.done)
			c.err = t.fetchChunk(groupCtx, req, c, probe.validator)
			return c.err
		})
	}
	go func() { _ = group.Wait() }()

	resp := &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         probe.proto,
		ProtoMajor:    probe.major,
		ProtoMinor:    probe.minor,
		Header:        probe.header.Clone(),
		Body:          &stitchedBody{chunks: chunks, cancel: cancel},
		ContentLength: probe.size,
		Request:       req,
	}
	resp.Header.Set("Content-Length", strconv.FormatInt(probe.size, 10))
	resp.Header.Del("Content-Range")
	return resp, nil
}

// fetchChunk downloads a single byte range into its spool file and rewinds
// the file for reading.
func (t *ParallelTransport) fetchChunk(ctx context.Context, origReq *http.Request, c *chunk, validator string) error {
	release, err := t.acquireHostSlot(ctx, origReq.URL.Host)
	if err != nil {
		return err
	}
	defer release()

	req := origReq.Clone(ctx)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", c.start, c.end))
	req.Header.Set("If-Range", validator)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return fmt.Errorf("remote content changed during download")
	}
	if resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("range request returned status %d", resp.StatusCode)
	}

	want := c.end - c.start + 1
	n, err := io.Copy(c.file, resp.Body)
	if err != nil {
		return fmt.Errorf("reading range %d-%d: %w", c.start, c.end, err)
	}
	if n != want {
		return fmt.Errorf("range %d-%d returned %d bytes, want %d", c.start, c.end, n, want)
	}
	if _, err := c.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return nil
}

// acquireHostSlot blocks until the host is below its concurrency cap.
func (t *ParallelTransport) acquireHostSlot(ctx context.Context, host string) (func(), error) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	t.mu.Lock()
	slots, ok := t.hostSlots[host]
	if !ok {
		limit, ok := t.perHost[host]
		if !ok {
			limit = t.perHost[""]
		}
		if limit > 0 {
			slots = make(chan struct{}, limit)
		}
		t.hostSlots[host] = slots
	}
	t.mu.Unlock()

	if slots == nil {
		return func() {}, nil
	}
	select {
	case slots <- struct{}{}:
		return func() { <-slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *chunk) discard() {
	name := c.file.Name()
	_ = c.file.Close()
	_ = os.Remove(name)
}

// stitchedBody replays the chunk spool files in order. Each chunk is read
// only after its download goroutine finishes, so a chunk's bytes are never
// observed half-written.
type stitchedBody struct {
	chunks []*chunk
	cancel context.CancelFunc

	mu      sync.Mutex
	current int
	closed  bool
}

func (b *stitchedBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.closed {
			return 0, fmt.Errorf("read from closed body")
		}
		if b.current >= len(b.chunks) {
			return 0, io.EOF
		}
		c := b.chunks[b.current]
		<-c.done
		if c.err != nil {
			return 0, fmt.Errorf("chunk %d: %w", b.current, c.err)
		}
		n, err := c.file.Read(p)
		if err == io.EOF {
			c.discard()
			b.current++
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (b *stitchedBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.cancel()
	for _, c := range b.chunks[b.current:] {
		// Wait out in-flight downloads so their spool files can be removed.
		<-c.done
		c.discard()
	}
	return nil
}
