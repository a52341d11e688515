package scheduling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	shellwords "github.com/mattn/go-shellwords"
	"golang.org/x/sync/errgroup"

	"github.com/vision-runner/vision-runner/pkg/distribution/types"
	"github.com/vision-runner/vision-runner/pkg/inference"
	"github.com/vision-runner/vision-runner/pkg/inference/memory"
	"github.com/vision-runner/vision-runner/pkg/inference/models"
	"github.com/vision-runner/vision-runner/pkg/logging"
	"github.com/vision-runner/vision-runner/pkg/metrics"
	"github.com/vision-runner/vision-runner/pkg/middleware"
	"github.com/vision-runner/vision-runner/pkg/predictioncache"
)

// maximumCacheableResponseSize bounds the response bodies captured for the
// prediction cache. Larger responses are served normally but never cached.
const maximumCacheableResponseSize = 1024 * 1024

// Scheduler is used to coordinate inference scheduling across multiple
// backends and models.
type Scheduler struct {
	// log is the associated logger.
	log logging.Logger
	// backends are the supported inference backends.
	backends map[string]inference.Backend
	// defaultBackend is the backend used when a request doesn't name one.
	defaultBackend inference.Backend
	// modelManager is the shared model manager.
	modelManager *models.Manager
	// loader is the backend runner loader.
	loader *loader
	// installer is the backend installer.
	installer *installer
	// tracker records model usage.
	tracker *metrics.Tracker
	// requestRecorder records inference request / response pairs.
	requestRecorder *metrics.RequestRecorder
	// predictionCache caches classification responses. It may be nil, in
	// which case no caching occurs.
	predictionCache *predictioncache.Cache
	// router is the HTTP request router.
	router *http.ServeMux
	// corsHandler wraps router with CORS handling.
	corsHandler http.Handler
}

// NewScheduler creates a new inference scheduler.
func NewScheduler(
	log logging.Logger,
	backends map[string]inference.Backend,
	defaultBackend inference.Backend,
	modelManager *models.Manager,
	httpClient *http.Client,
	allowedOrigins []string,
	tracker *metrics.Tracker,
	sysMemInfo memory.SystemMemoryInfo,
	predictionCache *predictioncache.Cache,
) *Scheduler {
	requestRecorder := metrics.NewRequestRecorder(log.WithField("component", "request-recorder"))

	// Create the scheduler.
	s := &Scheduler{
		log:             log,
		backends:        backends,
		defaultBackend:  defaultBackend,
		modelManager:    modelManager,
		loader:          newLoader(log, backends, modelManager, requestRecorder, sysMemInfo),
		installer:       newInstaller(log, backends, httpClient),
		tracker:         tracker,
		requestRecorder: requestRecorder,
		predictionCache: predictionCache,
		router:          http.NewServeMux(),
	}

	// Register routes.
	s.router.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	for route, handler := range s.routeHandlers() {
		s.router.HandleFunc(route, handler)
	}
	s.corsHandler = middleware.CorsMiddleware(allowedOrigins, s.router)

	// Scheduler successfully initialized.
	return s
}

// routeHandlers maps scheduler route patterns to their handlers.
func (s *Scheduler) routeHandlers() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"POST " + inference.EnginesPrefix + "/{backend}/v1/classify":   s.handleInference,
		"POST " + inference.EnginesPrefix + "/v1/classify":             s.handleInference,
		"POST " + inference.EnginesPrefix + "/{backend}/v1/embeddings": s.handleInference,
		"POST " + inference.EnginesPrefix + "/v1/embeddings":           s.handleInference,
		"GET " + inference.EnginesPrefix + "/status":                   s.handleStatus,
		"GET " + inference.EnginesPrefix + "/ps":                       s.handlePS,
		"GET " + inference.EnginesPrefix + "/df":                       s.handleDiskUsage,
		"POST " + inference.EnginesPrefix + "/unload":                  s.handleUnload,
		"POST " + inference.EnginesPrefix + "/configure":               s.handleConfigure,
		"GET " + inference.EnginesPrefix + "/requests":                 s.requestRecorder.GetRecordsByModelHandler(),
	}
}

// GetRoutes returns the list of routes registered by the scheduler.
func (s *Scheduler) GetRoutes() []string {
	routeHandlers := s.routeHandlers()
	routes := make([]string, 0, len(routeHandlers))
	for route := range routeHandlers {
		routes = append(routes, route)
	}
	return routes
}

// Run runs the scheduler's installation and loading loops until ctx is
// cancelled. By the time Run returns, all runners will have been unloaded.
func (s *Scheduler) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		s.installer.run(ctx)
		return nil
	})
	eg.Go(func() error {
		s.loader.run(ctx)
		return nil
	})
	return eg.Wait()
}

// GetAllActiveRunners returns metadata for every active runner. It implements
// the scheduler interface used by metrics aggregation.
func (s *Scheduler) GetAllActiveRunners() []metrics.ActiveRunner {
	return s.loader.activeRunners(context.Background())
}

// handleInference handles scheduling classification and embedding requests.
func (s *Scheduler) handleInference(w http.ResponseWriter, r *http.Request) {
	// Determine the requested backend and ensure that it's valid.
	var backend inference.Backend
	if backendName := r.PathValue("backend"); backendName == "" {
		backend = s.defaultBackend
	} else {
		backend = s.backends[backendName]
	}
	if backend == nil {
		http.Error(w, ErrBackendNotFound.Error(), http.StatusNotFound)
		return
	}

	// Determine the requested operation mode.
	mode, ok := backendModeForRequest(r.URL.Path)
	if !ok {
		http.Error(w, "invalid request path", http.StatusNotFound)
		return
	}

	// Read the entire request body. We put some basic size constraints in
	// place to avoid DoS attacks. We do this early to avoid client write
	// timeouts.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maximumInferenceRequestSize))
	if err != nil {
		if _, ok := err.(*http.MaxBytesError); ok {
			http.Error(w, "request too large", http.StatusBadRequest)
		} else {
			http.Error(w, "unknown error", http.StatusInternalServerError)
		}
		return
	}

	// Wait for the corresponding backend installation to complete or fail. We
	// don't allow any requests to be scheduled for a backend until it has
	// completed installation.
	if err := s.installer.wait(r.Context(), backend.Name()); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		} else if errors.Is(err, ErrBackendNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else if errors.Is(err, errInstallerNotStarted) || errors.Is(err, errInstallerShuttingDown) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		} else {
			http.Error(w, fmt.Errorf("backend installation failed: %w", err).Error(), http.StatusInternalServerError)
		}
		return
	}

	// Decode the model specification portion of the request body.
	var request inferenceRequest
	if err := json.Unmarshal(body, &request); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if request.Model == "" {
		http.Error(w, "model is required", http.StatusBadRequest)
		return
	}

	// Check that the model manager has the requested model available. Pulls
	// can take minutes, so we require them to happen explicitly through the
	// model manager rather than silently stalling an inference request.
	var model types.Model
	if !backend.UsesExternalModelManagement() {
		model, err = s.modelManager.GetModel(request.Model)
		if err != nil {
			if errors.Is(err, models.ErrModelNotFound) {
				http.Error(w, fmt.Sprintf("model %q not found locally, pull it first", request.Model), http.StatusNotFound)
			} else {
				http.Error(w, "model unavailable", http.StatusInternalServerError)
			}
			return
		}
	}
	modelID := s.modelManager.ResolveModelID(request.Model)

	// Serve classification requests from the prediction cache when possible.
	// Cached responses don't require a loaded runner at all.
	if mode == inference.BackendModeClassification && s.predictionCache != nil {
		if cached := s.predictionCache.Get(r.Context(), modelID, body); cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Prediction-Cache", "hit")
			w.Write(cached)
			return
		}
	}

	// Load a runner to service the request and defer its release.
	runner, err := s.loader.load(r.Context(), backend.Name(), modelID, request.Model, mode)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		} else if errors.Is(err, ErrBackendNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else if errors.Is(err, errModelTooBig) {
			http.Error(w, err.Error(), http.StatusInsufficientStorage)
		} else if errors.Is(err, errLoadsDisabled) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	defer s.loader.release(runner)

	// Record model usage.
	if s.tracker != nil && model != nil {
		s.tracker.TrackModel(model, r.Header.Get("User-Agent"))
	}

	// Record the request and wrap the response writer so that the response can
	// be inspected through the requests endpoint.
	recordID := s.requestRecorder.RecordRequest(modelID, r, body)
	rw := s.requestRecorder.NewResponseRecorder(w)

	// Create a request with the body replaced for forwarding upstream.
	upstreamRequest := r.Clone(r.Context())
	upstreamRequest.Body = io.NopCloser(bytes.NewReader(body))
	upstreamRequest.ContentLength = int64(len(body))

	// Proxy the request to the runner, teeing successful classification
	// responses into the prediction cache.
	out := rw
	var cacheWriter *cachingResponseWriter
	if mode == inference.BackendModeClassification && s.predictionCache != nil {
		cacheWriter = &cachingResponseWriter{ResponseWriter: rw}
		out = cacheWriter
	}
	runner.ServeHTTP(out, upstreamRequest)

	s.requestRecorder.RecordResponse(recordID, modelID, rw)
	if cacheWriter != nil && cacheWriter.cacheable() {
		s.predictionCache.Put(r.Context(), modelID, body, cacheWriter.body.Bytes())
	}
}

// handleStatus returns the status of each backend.
func (s *Scheduler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	statuses := make(map[string]string, len(s.backends))
	for name, backend := range s.backends {
		statuses[name] = backend.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(statuses); err != nil {
		s.log.Warnf("Error while encoding backend statuses: %v", err)
	}
}

// handlePS returns a description of the active runners.
func (s *Scheduler) handlePS(w http.ResponseWriter, r *http.Request) {
	statuses := s.loader.status(r.Context())
	if statuses == nil {
		statuses = []BackendStatus{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(statuses); err != nil {
		s.log.Warnf("Error while encoding running backends: %v", err)
	}
}

// handleDiskUsage returns the disk usage of the model store and the default
// backend.
func (s *Scheduler) handleDiskUsage(w http.ResponseWriter, _ *http.Request) {
	modelsUsage, err := s.modelManager.GetDiskUsage()
	if err != nil {
		http.Error(w, fmt.Errorf("error while getting models disk usage: %w", err).Error(), http.StatusInternalServerError)
		return
	}
	backendUsage, err := s.defaultBackend.GetDiskUsage()
	if err != nil {
		http.Error(w, fmt.Errorf("error while getting backend disk usage: %w", err).Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(DiskUsage{modelsUsage, backendUsage}); err != nil {
		s.log.Warnf("Error while encoding disk usage: %v", err)
	}
}

// handleUnload evicts idle runners.
func (s *Scheduler) handleUnload(w http.ResponseWriter, r *http.Request) {
	var unload UnloadRequest
	if err := json.NewDecoder(r.Body).Decode(&unload); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if !unload.All && len(unload.Models) == 0 {
		http.Error(w, "no models specified", http.StatusBadRequest)
		return
	}
	unloaded := s.loader.Unload(r.Context(), unload)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(UnloadResponse{UnloadedRunners: unloaded}); err != nil {
		s.log.Warnf("Error while encoding unload response: %v", err)
	}
}

// handleConfigure records per-model runtime configuration to apply to future
// runners for the model.
func (s *Scheduler) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var request ConfigureRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if request.Model == "" {
		http.Error(w, "model is required", http.StatusBadRequest)
		return
	}

	runtimeFlags := request.RuntimeFlags
	if request.RawRuntimeFlags != "" {
		if len(runtimeFlags) > 0 {
			http.Error(w, "cannot specify both runtime-flags and raw-runtime-flags", http.StatusBadRequest)
			return
		}
		parsed, err := shellwords.Parse(request.RawRuntimeFlags)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid raw-runtime-flags: %v", err), http.StatusBadRequest)
			return
		}
		runtimeFlags = parsed
	}
	if request.Device != "" && !inference.ValidDevice(request.Device) {
		http.Error(w, fmt.Sprintf("invalid device %q", request.Device), http.StatusBadRequest)
		return
	}

	config := inference.BackendConfiguration{
		Device:         request.Device,
		IntraOpThreads: request.IntraOpThreads,
		InterOpThreads: request.InterOpThreads,
		RuntimeFlags:   runtimeFlags,
	}
	modelID := s.modelManager.ResolveModelID(request.Model)
	backendName := s.defaultBackend.Name()
	for _, mode := range []inference.BackendMode{inference.BackendModeClassification, inference.BackendModeEmbedding} {
		if err := s.loader.setRunnerConfig(r.Context(), backendName, modelID, mode, config); err != nil {
			if errors.Is(err, errRunnerAlreadyActive) {
				http.Error(w, err.Error(), http.StatusConflict)
			} else {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// ServeHTTP implements net/http.Handler.ServeHTTP.
func (s *Scheduler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.corsHandler.ServeHTTP(w, r)
}

// cachingResponseWriter tees a successful response body so that it can be
// stored in the prediction cache once the request completes.
type cachingResponseWriter struct {
	http.ResponseWriter
	status   int
	overflow bool
	body     bytes.Buffer
}

func (w *cachingResponseWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *cachingResponseWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	if w.status == http.StatusOK && !w.overflow {
		if w.body.Len()+len(b) <= maximumCacheableResponseSize {
			w.body.Write(b)
		} else {
			w.overflow = true
			w.body.Reset()
		}
	}
	return w.ResponseWriter.Write(b)
}

// cacheable indicates whether the captured response should be cached.
func (w *cachingResponseWriter) cacheable() bool {
	return w.status == http.StatusOK && !w.overflow && w.body.Len() > 0
}
