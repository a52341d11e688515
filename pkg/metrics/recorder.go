package metrics

import (
	"net/http"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const (
	requestsFamily   = "vision_runner_requests_total"
	errorsFamily     = "vision_runner_request_errors_total"
	durationFamily   = "vision_runner_request_duration_seconds_total"
	imageBytesFamily = "vision_runner_image_bytes_total"
)

// RunnerRecorder accumulates request counters for a single runner and
// exposes them in Prometheus text format. Runner identity labels are
// attached by the daemon's aggregated handler, not here.
type RunnerRecorder struct {
	mu         sync.Mutex
	requests   uint64
	errors     uint64
	seconds    float64
	imageBytes uint64
}

func NewRunnerRecorder() *RunnerRecorder {
	return &RunnerRecorder{}
}

// Observe records a completed request.
func (r *RunnerRecorder) Observe(duration time.Duration, imageBytes int, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests++
	if failed {
		r.errors++
	}
	r.seconds += duration.Seconds()
	if imageBytes > 0 {
		r.imageBytes += uint64(imageBytes)
	}
}

// ServeHTTP implements http.Handler for the runner's metrics endpoint.
func (r *RunnerRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	encoder := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range r.snapshot() {
		if err := encoder.Encode(family); err != nil {
			return
		}
	}
}

// snapshot renders the current counter values as metric families.
func (r *RunnerRecorder) snapshot() []*dto.MetricFamily {
	r.mu.Lock()
	requests := float64(r.requests)
	errors := float64(r.errors)
	seconds := r.seconds
	imageBytes := float64(r.imageBytes)
	r.mu.Unlock()

	return []*dto.MetricFamily{
		counterFamily(requestsFamily, "Total number of inference requests handled.", requests),
		counterFamily(errorsFamily, "Total number of failed inference requests.", errors),
		counterFamily(durationFamily, "Total time spent handling inference requests.", seconds),
		counterFamily(imageBytesFamily, "Total bytes of image data processed.", imageBytes),
	}
}

func counterFamily(name, help string, value float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: &name,
		Help: &help,
		Type: dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{
			{Counter: &dto.Counter{Value: &value}},
		},
	}
}
