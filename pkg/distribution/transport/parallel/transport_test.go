package parallel

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

// checkpointBlob builds a deterministic stand-in for an ONNX weights blob.
func checkpointBlob(size int) []byte {
	blob := make([]byte, size)
	for i := range blob {
		blob[i] = byte(i * 31)
	}
	return blob
}

// rangeBlobServer serves blob with full range support via ServeContent and
// counts the request shapes it sees.
type rangeBlobServer struct {
	blob []byte
	etag string

	mu            sync.Mutex
	headRequests  int
	fullRequests  int
	rangeRequests int
	inFlight      int
	maxInFlight   int
}

func (s *rangeBlobServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	switch {
	case r.Method == http.MethodHead:
		s.headRequests++
	case r.Header.Get("Range") != "":
		s.rangeRequests++
		s.inFlight++
		if s.inFlight > s.maxInFlight {
			s.maxInFlight = s.inFlight
		}
	default:
		s.fullRequests++
	}
	s.mu.Unlock()

	if r.Header.Get("Range") != "" {
		// Hold the slot long enough for overlap to be observable.
		time.Sleep(10 * time.Millisecond)
		defer func() {
			s.mu.Lock()
			s.inFlight--
			s.mu.Unlock()
		}()
	}

	w.Header().Set("ETag", s.etag)
	http.ServeContent(w, r, "weights", time.Time{}, bytes.NewReader(s.blob))
}

func download(t *testing.T, transport http.RoundTripper, url string) ([]byte, error) {
	t.Helper()
	client := &http.Client{Transport: transport}
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func TestParallelDownloadReassemblesBlob(t *testing.T) {
	blob := checkpointBlob(512 * 1024)
	backend := &rangeBlobServer{blob: blob, etag: `"weights-v1"`}
	server := httptest.NewServer(backend)
	defer server.Close()

	tempDir := t.TempDir()
	transport := New(server.Client().Transport,
		WithMinChunkSize(64*1024),
		WithTempDir(tempDir),
	)
	payload, err := download(t, transport, server.URL)
	if err != nil {
		t.Fatalf("Failed to read stitched body: %v", err)
	}
	if !bytes.Equal(payload, blob) {
		t.Fatalf("Reassembled blob differs from original: %d bytes vs %d", len(payload), len(blob))
	}
	if backend.headRequests != 1 {
		t.Errorf("Expected 1 HEAD probe, got %d", backend.headRequests)
	}
	if backend.rangeRequests != 4 {
		t.Errorf("Expected 4 range requests, got %d", backend.rangeRequests)
	}
	if backend.fullRequests != 0 {
		t.Errorf("Expected no plain GET, got %d", backend.fullRequests)
	}

	// Spool files are removed once their bytes have been delivered.
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected empty spool dir after download, found %d entries", len(entries))
	}
}

func TestSmallBlobUsesSingleRequest(t *testing.T) {
	blob := checkpointBlob(16 * 1024)
	backend := &rangeBlobServer{blob: blob, etag: `"weights-v1"`}
	server := httptest.NewServer(backend)
	defer server.Close()

	transport := New(server.Client().Transport)
	payload, err := download(t, transport, server.URL)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	if !bytes.Equal(payload, blob) {
		t.Fatal("Downloaded blob differs from original")
	}
	if backend.rangeRequests != 0 {
		t.Errorf("Expected no range requests below the chunking threshold, got %d", backend.rangeRequests)
	}
	if backend.fullRequests != 1 {
		t.Errorf("Expected 1 plain GET, got %d", backend.fullRequests)
	}
}

func TestNoRangeSupportFallsBack(t *testing.T) {
	blob := checkpointBlob(512 * 1024)
	gets := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets++
		}
		w.Write(blob)
	}))
	defer server.Close()

	transport := New(server.Client().Transport, WithMinChunkSize(64*1024))
	payload, err := download(t, transport, server.URL)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	if !bytes.Equal(payload, blob) {
		t.Fatal("Downloaded blob differs from original")
	}
	if gets != 1 {
		t.Errorf("Expected 1 plain GET against a server without range support, got %d", gets)
	}
}

func TestPerHostConcurrencyCap(t *testing.T) {
	blob := checkpointBlob(512 * 1024)
	backend := &rangeBlobServer{blob: blob, etag: `"weights-v1"`}
	server := httptest.NewServer(backend)
	defer server.Close()

	transport := New(server.Client().Transport,
		WithMinChunkSize(64*1024),
		WithMaxConcurrentPerHost(map[string]uint{"": 1}),
	)
	payload, err := download(t, transport, server.URL)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	if !bytes.Equal(payload, blob) {
		t.Fatal("Downloaded blob differs from original")
	}
	if backend.maxInFlight > 1 {
		t.Errorf("Expected at most 1 concurrent range request, observed %d", backend.maxInFlight)
	}
}

func TestChunkFailureSurfaces(t *testing.T) {
	blob := checkpointBlob(512 * 1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"weights-v1"`)
		if r.Header.Get("Range") != "" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		http.ServeContent(w, r, "weights", time.Time{}, bytes.NewReader(blob))
	}))
	defer server.Close()

	transport := New(server.Client().Transport, WithMinChunkSize(64*1024))
	_, err := download(t, transport, server.URL)
	if err == nil || !strings.Contains(err.Error(), "status 500") {
		t.Fatalf("Expected chunk failure to surface, got %v", err)
	}
}

func TestChangedResourceAbortsDownload(t *testing.T) {
	blob := checkpointBlob(512 * 1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		etag := `"weights-v1"`
		if r.Header.Get("Range") != "" {
			// The blob was re-pushed between the probe and the range
			// requests, so If-Range fails and ServeContent sends the full
			// new body with a 200.
			etag = `"weights-v2"`
		}
		w.Header().Set("ETag", etag)
		http.ServeContent(w, r, "weights", time.Time{}, bytes.NewReader(blob))
	}))
	defer server.Close()

	transport := New(server.Client().Transport, WithMinChunkSize(64*1024))
	_, err := download(t, transport, server.URL)
	if err == nil || !strings.Contains(err.Error(), "content changed") {
		t.Fatalf("Expected content-changed error, got %v", err)
	}
}

func TestNonGETPassesThrough(t *testing.T) {
	backend := &rangeBlobServer{blob: checkpointBlob(512 * 1024), etag: `"v1"`}
	server := httptest.NewServer(backend)
	defer server.Close()

	transport := New(server.Client().Transport, WithMinChunkSize(64*1024))
	req, err := http.NewRequest(http.MethodHead, server.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("HEAD request failed: %v", err)
	}
	resp.Body.Close()
	if backend.headRequests != 1 || backend.rangeRequests != 0 {
		t.Errorf("Expected a single passthrough HEAD, got %d HEAD and %d range requests",
			backend.headRequests, backend.rangeRequests)
	}
}
