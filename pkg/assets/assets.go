// Package assets downloads files over HTTP into local paths, with byte-range
// resume on retry, optional SHA-256 verification, and atomic placement. It is
// used for packaging inputs given as URLs instead of local files.
package assets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrChecksumMismatch indicates that a completed download did not match its
// declared SHA-256 digest.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Asset describes a single file to download.
type Asset struct {
	// URL is the http(s) source.
	URL string
	// Dest is the local path the file is renamed to once complete.
	Dest string
	// SHA256 is the expected hex digest of the file contents. When empty,
	// verification is skipped and leftover partial downloads are discarded
	// rather than resumed.
	SHA256 string
}

// BackoffFunc computes the sleep duration for a given retry attempt (0-based).
type BackoffFunc func(attempt int) time.Duration

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets the client used for all requests. Default:
// http.DefaultClient.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		if client != nil {
			f.client = client
		}
	}
}

// WithLogger sets the logger. Default: logrus standard logger.
func WithLogger(log *logrus.Entry) Option {
	return func(f *Fetcher) {
		if log != nil {
			f.log = log
		}
	}
}

// WithMaxRetries sets the per-asset retry budget after a failed transfer.
// Default: 3.
func WithMaxRetries(n int) Option {
	return func(f *Fetcher) { f.maxRetries = n }
}

// WithBackoff sets the backoff strategy between retries.
// Default: jittered exponential starting at 200ms, capped at 5s.
func WithBackoff(backoff BackoffFunc) Option {
	return func(f *Fetcher) {
		if backoff != nil {
			f.backoff = backoff
		}
	}
}

// WithConcurrency caps how many assets download at once. Default: 3.
func WithConcurrency(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

// Fetcher downloads assets over HTTP.
type Fetcher struct {
	client      *http.Client
	log         *logrus.Entry
	maxRetries  int
	backoff     BackoffFunc
	concurrency int
}

// NewFetcher returns a Fetcher with the given options applied.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:     http.DefaultClient,
		log:        logrus.NewEntry(logrus.StandardLogger()),
		maxRetries: 3,
		backoff: func(i int) time.Duration {
			// 200ms * 2^i with jitter, capped at 5s.
			base := 200 * time.Millisecond
			d := time.Duration(float64(base) * math.Pow(2, float64(i)))
			if d > 5*time.Second {
				d = 5 * time.Second
			}
			j := 0.2 + rand.Float64()*0.4 // [0.2,0.6)
			return time.Duration(float64(d) * j)
		},
		concurrency: 3,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch downloads all assets, up to the configured concurrency at once. The
// first failure cancels the remaining downloads.
func (f *Fetcher) Fetch(ctx context.Context, assets ...Asset) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for _, asset := range assets {
		g.Go(func() error {
			if err := f.fetchOne(ctx, asset); err != nil {
				return fmt.Errorf("fetching %s: %w", asset.URL, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// download tracks the state of one transfer across resume attempts.
type download struct {
	file *os.File
	// offset is the number of bytes already written to file.
	offset int64
	// total is the resource length reported by the server, or -1 when
	// unknown.
	total int64
	// validator is the If-Range value (strong ETag, or Last-Modified as a
	// fallback) captured from the server.
	validator string
}

func (f *Fetcher) fetchOne(ctx context.Context, asset Asset) error {
	u, err := url.Parse(asset.URL)
	if err != nil {
		return fmt.Errorf("parsing URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if asset.Dest == "" {
		return errors.New("destination path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(asset.Dest), 0o755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}

	partial := asset.Dest + ".partial"
	file, err := os.OpenFile(partial, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("opening partial file: %w", err)
	}
	defer file.Close()

	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("seeking partial file: %w", err)
	}
	d := &download{file: file, offset: offset, total: -1}
	if d.offset > 0 && asset.SHA256 == "" {
		// A leftover partial from an earlier run has no validator, and
		// without a digest a mixed-content result would go unnoticed.
		if err := d.restart(); err != nil {
			return err
		}
	}
	if d.offset > 0 {
		f.log.WithFields(logrus.Fields{
			"url":    asset.URL,
			"offset": d.offset,
		}).Info("Resuming partial download")
	}

	for attempt := 0; ; attempt++ {
		err := f.transfer(ctx, asset.URL, d)
		if err == nil {
			break
		}
		if attempt >= f.maxRetries || !retryable(err) {
			return err
		}
		if d.offset > 0 && d.validator == "" && asset.SHA256 == "" {
			// Resuming without a validator risks mixing content from a
			// changed resource.
			if rerr := d.restart(); rerr != nil {
				return rerr
			}
		}
		f.log.WithFields(logrus.Fields{
			"url":     asset.URL,
			"attempt": attempt + 1,
		}).WithError(err).Warn("Retrying download")
		if serr := sleep(ctx, f.backoff(attempt)); serr != nil {
			return serr
		}
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("closing file: %w", err)
	}
	if asset.SHA256 != "" {
		if err := verifyChecksum(partial, asset.SHA256); err != nil {
			os.Remove(partial)
			return err
		}
	}
	if err := os.Rename(partial, asset.Dest); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// transfer performs a single request and copies the body into the file,
// appending at d.offset. On return with a nil error the download is complete.
func (f *Fetcher) transfer(ctx context.Context, rawURL string, d *download) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	// Transparent decompression would break offsets on resume.
	req.Header.Set("Accept-Encoding", "identity")
	if d.offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", d.offset))
		if d.validator != "" {
			req.Header.Set("If-Range", d.validator)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Full body. If we asked for a range, the server either ignored it
		// or the resource changed; start over either way.
		if d.offset > 0 {
			if err := d.restart(); err != nil {
				return err
			}
		}
		d.total = -1
		if resp.ContentLength >= 0 {
			d.total = resp.ContentLength
		}
	case http.StatusPartialContent:
		start, _, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != d.offset {
			return fmt.Errorf("server range start %d does not match offset %d", start, d.offset)
		}
		if total >= 0 {
			d.total = total
		}
	case http.StatusRequestedRangeNotSatisfiable:
		// The partial already covers the whole resource.
		if d.total >= 0 && d.offset >= d.total {
			return nil
		}
		return &statusError{code: resp.StatusCode}
	default:
		return &statusError{code: resp.StatusCode}
	}
	d.captureValidator(resp.Header)

	n, err := io.Copy(d.file, resp.Body)
	d.offset += n
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}
	if d.total >= 0 && d.offset < d.total {
		return fmt.Errorf("short body: got %d of %d bytes", d.offset, d.total)
	}
	if d.total >= 0 && d.offset > d.total {
		return fmt.Errorf("server sent %d bytes, expected %d", d.offset, d.total)
	}
	return nil
}

// restart truncates the partial file and resets the offset.
func (d *download) restart() error {
	if err := d.file.Truncate(0); err != nil {
		return fmt.Errorf("truncating partial file: %w", err)
	}
	if _, err := d.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding partial file: %w", err)
	}
	d.offset = 0
	return nil
}

// captureValidator records the strongest resume validator the server offers.
// Weak ETags must not be used with If-Range per RFC 7232.
func (d *download) captureValidator(h http.Header) {
	if et := h.Get("ETag"); et != "" && !isWeakETag(et) {
		d.validator = et
		return
	}
	if d.validator != "" {
		return
	}
	if lm := h.Get("Last-Modified"); lm != "" {
		d.validator = lm
	}
}

// statusError is a non-2xx response status.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.code, http.StatusText(e.code))
}

// retryable reports whether a transfer error is worth another attempt.
// Client errors and context cancellation are permanent; everything else
// (network failures, short bodies, server errors) is transient.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return true
}

func verifyChecksum(path, want string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening file for verification: %w", err)
	}
	defer file.Close()
	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return fmt.Errorf("hashing file: %w", err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, got, want)
	}
	return nil
}

// parseContentRange parses "Content-Range: bytes start-end/total". It returns
// (start, end, total, ok). When the total is unknown ("*"), total == -1.
func parseContentRange(h string) (int64, int64, int64, bool) {
	if h == "" {
		return 0, -1, -1, false
	}
	h = strings.ToLower(strings.TrimSpace(h))
	body, ok := strings.CutPrefix(h, "bytes ")
	if !ok {
		return 0, -1, -1, false
	}
	span, totalStr, ok := strings.Cut(strings.TrimSpace(body), "/")
	if !ok {
		return 0, -1, -1, false
	}
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(span), "-")
	if !ok {
		return 0, -1, -1, false
	}
	start, err := strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
	if err != nil || start < 0 {
		return 0, -1, -1, false
	}
	end, err := strconv.ParseInt(strings.TrimSpace(endStr), 10, 64)
	if err != nil || end < 0 {
		return 0, -1, -1, false
	}
	total := int64(-1)
	if s := strings.TrimSpace(totalStr); s != "*" {
		total, err = strconv.ParseInt(s, 10, 64)
		if err != nil || total < 0 {
			return 0, -1, -1, false
		}
	}
	return start, end, total, true
}

// isWeakETag reports whether the ETag is a weak validator (W/"...").
func isWeakETag(etag string) bool {
	etag = strings.TrimSpace(etag)
	return strings.HasPrefix(etag, "W/") || strings.HasPrefix(etag, "w/")
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
