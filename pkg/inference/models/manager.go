package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io/fs"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/vision-runner/vision-runner/pkg/distribution/distribution"
	"github.com/vision-runner/vision-runner/pkg/distribution/registry"
	"github.com/vision-runner/vision-runner/pkg/distribution/types"
	"github.com/vision-runner/vision-runner/pkg/inference"
	"github.com/vision-runner/vision-runner/pkg/inference/memory"
	"github.com/vision-runner/vision-runner/pkg/internal/utils"
	"github.com/vision-runner/vision-runner/pkg/logging"
	"github.com/vision-runner/vision-runner/pkg/middleware"
)

// maximumConcurrentModelPulls is the maximum number of concurrent model
// pulls that a model manager will allow.
const maximumConcurrentModelPulls = 2

// ClientConfig configures the distribution client backing a Manager.
type ClientConfig struct {
	// StoreRootPath is the root of the local model store.
	StoreRootPath string
	// Logger is the logger used by the distribution client.
	Logger *logrus.Entry
	// Transport is the HTTP transport used for registry access. If nil, the
	// registry default is used.
	Transport http.RoundTripper
	// UserAgent is the User-Agent header value used for registry access.
	UserAgent string
}

// Manager manages inference model pulls and storage.
type Manager struct {
	// log is the associated logger.
	log logging.Logger
	// pullTokens is a semaphore used to restrict the maximum number of
	// concurrent pull requests.
	pullTokens chan struct{}
	// router is the HTTP request router.
	router *http.ServeMux
	// distributionClient is the client for model distribution.
	distributionClient *distribution.Client
	// registryClient resolves models that are not yet in the local store.
	registryClient *registry.Client
	// memoryEstimator estimates runtime memory requirements for models. It
	// may be nil, in which case pull-time memory checks are skipped.
	memoryEstimator memory.MemoryEstimator
}

// NewManager creates a new model manager with its own distribution client.
func NewManager(log logging.Logger, c ClientConfig, allowedOrigins []string, memoryEstimator memory.MemoryEstimator) (*Manager, error) {
	distributionClient, err := distribution.NewClient(
		distribution.WithStoreRootPath(c.StoreRootPath),
		distribution.WithLogger(c.Logger),
		distribution.WithTransport(c.Transport),
		distribution.WithUserAgent(c.UserAgent),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing distribution client: %w", err)
	}

	registryClient := registry.NewClient(
		registry.WithTransport(c.Transport),
		registry.WithUserAgent(c.UserAgent),
	)

	m := &Manager{
		log:                log,
		pullTokens:         make(chan struct{}, maximumConcurrentModelPulls),
		router:             http.NewServeMux(),
		distributionClient: distributionClient,
		registryClient:     registryClient,
		memoryEstimator:    memoryEstimator,
	}

	m.router.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	for route, handler := range m.routeHandlers(allowedOrigins) {
		m.router.HandleFunc(route, handler)
	}

	// Populate the pull concurrency semaphore.
	for i := 0; i < maximumConcurrentModelPulls; i++ {
		m.pullTokens <- struct{}{}
	}

	return m, nil
}

// routeHandlers returns the manager's routes. Read-only routes are wrapped
// with CORS handling for the given origins.
func (m *Manager) routeHandlers(allowedOrigins []string) map[string]http.HandlerFunc {
	handlers := map[string]http.HandlerFunc{
		"POST " + inference.ModelsPrefix + "/create":                        m.handleCreateModel,
		"POST " + inference.ModelsPrefix + "/load":                          m.handleLoadModel,
		"GET " + inference.ModelsPrefix:                                     m.handleGetModels,
		"GET " + inference.ModelsPrefix + "/{name...}":                      m.handleGetModel,
		"DELETE " + inference.ModelsPrefix + "/{name...}":                   m.handleDeleteModel,
		"POST " + inference.ModelsPrefix + "/{nameAndAction...}":            m.handleModelAction,
		"GET " + inference.EnginesPrefix + "/v1/models":                     m.handleOpenAIGetModels,
		"GET " + inference.EnginesPrefix + "/v1/models/{name...}":           m.handleOpenAIGetModel,
		"GET " + inference.EnginesPrefix + "/{backend}/v1/models":           m.handleOpenAIGetModels,
		"GET " + inference.EnginesPrefix + "/{backend}/v1/models/{name...}": m.handleOpenAIGetModel,
	}
	for route, handler := range handlers {
		if strings.HasPrefix(route, "GET ") {
			handlers[route] = middleware.CorsMiddleware(allowedOrigins, handler).ServeHTTP
		}
	}
	return handlers
}

// GetRoutes returns the routes the manager serves, for registration on a
// parent mux.
func (m *Manager) GetRoutes() []string {
	routeHandlers := m.routeHandlers(nil)
	routes := make([]string, 0, len(routeHandlers))
	for route := range routeHandlers {
		routes = append(routes, route)
	}
	return routes
}

// ServeHTTP implements net/http.Handler.ServeHTTP.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.router.ServeHTTP(w, r)
}

// handleCreateModel handles POST /models/create requests.
func (m *Manager) handleCreateModel(w http.ResponseWriter, r *http.Request) {
	// Decode the request.
	var request ModelCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// Refuse pulls of models that could never be loaded on this host, unless
	// the client opted out of the check.
	if m.memoryEstimator != nil && !request.IgnoreRuntimeMemoryCheck {
		proceed, err := m.memoryEstimator.HaveSufficientMemoryForModel(r.Context(), request.From, nil)
		if err != nil {
			m.log.Warnf("Failed to estimate memory required for model %q: %v", request.From, err)
			// Prefer staying functional in case of unexpected estimation errors.
			proceed = true
		}
		if !proceed {
			m.log.Warnf("Runtime memory requirement for model %q exceeds total system memory", request.From)
			http.Error(w, "runtime memory requirement for model exceeds total system memory",
				http.StatusInsufficientStorage)
			return
		}
	}

	// Pull the model. In the future, we may support additional operations
	// here besides pulling (such as packaging).
	if err := m.PullModel(request.From, r, w); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			m.log.Infof("Request canceled while pulling model %q", request.From)
			return
		}
		switch {
		case errors.Is(err, distribution.ErrInvalidReference):
			http.Error(w, "invalid model reference", http.StatusBadRequest)
		case errors.Is(err, registry.ErrModelNotFound):
			http.Error(w, "model not found", http.StatusNotFound)
		case errors.Is(err, distribution.ErrUnauthorized):
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// handleLoadModel handles POST /models/load requests. The request body is a
// model archive as produced by the export endpoint.
func (m *Manager) handleLoadModel(w http.ResponseWriter, r *http.Request) {
	if _, err := m.distributionClient.LoadModel(r.Body, w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleGetModels handles GET /models requests.
func (m *Manager) handleGetModels(w http.ResponseWriter, r *http.Request) {
	available, err := m.distributionClient.ListModels()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Always encode a non-nil list, even when the store is empty.
	models := make([]*Model, 0, len(available))
	for _, current := range available {
		model, err := ToModel(current)
		if err != nil {
			m.log.Warnln("Skipping unreadable model in listing:", err)
			continue
		}
		models = append(models, model)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(models); err != nil {
		m.log.Warnln("Error while encoding model listing response:", err)
	}
}

// handleGetModel handles GET /models/{name...} requests. A trailing /labels
// path element addresses the model's label file and a trailing /export path
// element streams the model as an archive.
func (m *Manager) handleGetModel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if ref, ok := strings.CutSuffix(name, "/labels"); ok {
		m.handleGetModelLabels(w, r, ref)
		return
	}
	if ref, ok := strings.CutSuffix(name, "/export"); ok {
		m.handleExportModel(w, r, ref)
		return
	}

	model, err := m.GetModel(name)
	if err != nil {
		if errors.Is(err, ErrModelNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	apiModel, err := ToModel(model)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(apiModel); err != nil {
		m.log.Warnln("Error while encoding model response:", err)
	}
}

// handleGetModelLabels serves the category label file of a model.
func (m *Manager) handleGetModelLabels(w http.ResponseWriter, r *http.Request, ref string) {
	model, err := m.GetModel(ref)
	if err != nil {
		if errors.Is(err, ErrModelNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	labelsPath, err := model.LabelsPath()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	http.ServeFile(w, r, labelsPath)
}

// handleExportModel streams a model archive suitable for POST /models/load.
func (m *Manager) handleExportModel(w http.ResponseWriter, r *http.Request, ref string) {
	// Resolve the model before committing to the stream so that a miss can
	// still produce a 404.
	if _, err := m.GetModel(ref); err != nil {
		if errors.Is(err, ErrModelNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/x-tar")
	if err := m.distributionClient.ExportModel(r.Context(), ref, w, nil); err != nil {
		m.log.Warnln("Error while exporting model:", err)
	}
}

// handleDeleteModel handles DELETE /models/{name...} requests. The force
// query parameter permits deleting a multi-tagged model by ID.
func (m *Manager) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	var force bool
	if r.URL.Query().Has("force") {
		if val, err := strconv.ParseBool(r.URL.Query().Get("force")); err != nil {
			http.Error(w, "invalid force parameter", http.StatusBadRequest)
			return
		} else {
			force = val
		}
	}

	resp, err := m.distributionClient.DeleteModel(r.PathValue("name"), force)
	if err != nil {
		m.log.Warnln("Error while deleting model:", err)
		switch {
		case errors.Is(err, ErrModelNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, distribution.ErrConflict):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		m.log.Warnln("Error while encoding delete response:", err)
	}
}

// handleModelAction handles POST /models/{name...}/{action} requests, where
// the action is the final path element. Supported actions are tag and push.
func (m *Manager) handleModelAction(w http.ResponseWriter, r *http.Request) {
	model, action := path.Split(r.PathValue("nameAndAction"))
	model = strings.TrimRight(model, "/")
	switch action {
	case "tag":
		m.handleTagModel(w, r, model)
	case "push":
		m.handlePushModel(w, r, model)
	default:
		http.Error(w, fmt.Sprintf("unknown action %q", action), http.StatusNotFound)
	}
}

// handleTagModel handles POST /models/{name...}/tag requests. The target
// query parameter carries the new reference.
func (m *Manager) handleTagModel(w http.ResponseWriter, r *http.Request, model string) {
	target := r.URL.Query().Get("target")
	if target == "" {
		http.Error(w, "missing target parameter", http.StatusBadRequest)
		return
	}

	m.log.Infoln("Tagging model:", utils.SanitizeForLog(model), "->", utils.SanitizeForLog(target))
	if err := m.distributionClient.Tag(model, target); err != nil {
		if errors.Is(err, ErrModelNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// handlePushModel handles POST /models/{name...}/push requests.
func (m *Manager) handlePushModel(w http.ResponseWriter, r *http.Request, model string) {
	if err := m.PushModel(model, r, w); err != nil {
		switch {
		case errors.Is(err, distribution.ErrInvalidReference):
			http.Error(w, "invalid model reference", http.StatusBadRequest)
		case errors.Is(err, ErrModelNotFound):
			http.Error(w, "model not found", http.StatusNotFound)
		case errors.Is(err, distribution.ErrUnauthorized):
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// handleOpenAIGetModels handles GET /engines/{backend}/v1/models and
// GET /engines/v1/models requests.
func (m *Manager) handleOpenAIGetModels(w http.ResponseWriter, r *http.Request) {
	available, err := m.distributionClient.ListModels()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	models, err := ToOpenAIList(available)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(models); err != nil {
		m.log.Warnln("Error while encoding OpenAI model listing response:", err)
	}
}

// handleOpenAIGetModel handles GET /engines/{backend}/v1/models/{name...}
// and GET /engines/v1/models/{name...} requests.
func (m *Manager) handleOpenAIGetModel(w http.ResponseWriter, r *http.Request) {
	model, err := m.GetModel(r.PathValue("name"))
	if err != nil {
		if errors.Is(err, ErrModelNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	openAIModel, err := ToOpenAI(model)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(openAIModel); err != nil {
		m.log.Warnln("Error while encoding OpenAI model response:", err)
	}
}

// GetModel looks up and returns a single model. It returns ErrModelNotFound
// if the model is not in the local store.
func (m *Manager) GetModel(ref string) (types.Model, error) {
	return m.distributionClient.GetModel(ref)
}

// GetRemoteModel resolves a model in its remote registry without pulling it.
func (m *Manager) GetRemoteModel(ctx context.Context, ref string) (types.ModelArtifact, error) {
	return m.registryClient.Model(ctx, ref)
}

// ResolveModelID resolves a model reference to a model ID. If resolution
// fails, it returns the sanitized original reference.
func (m *Manager) ResolveModelID(modelRef string) string {
	sanitized := utils.SanitizeForLog(modelRef)
	model, err := m.GetModel(modelRef)
	if err != nil {
		m.log.Warnf("Failed to resolve model ref %s to ID: %v", sanitized, err)
		return sanitized
	}
	modelID, err := model.ID()
	if err != nil {
		m.log.Warnf("Failed to get model ID for ref %s: %v", sanitized, err)
		return sanitized
	}
	return modelID
}

// GetModelPath returns the local path of a model's graph blob.
func (m *Manager) GetModelPath(ref string) (string, error) {
	model, err := m.GetModel(ref)
	if err != nil {
		return "", err
	}
	return model.GraphPath()
}

// GetBundle returns the unpacked on-disk bundle for a model, creating it if
// necessary.
func (m *Manager) GetBundle(ref string) (types.ModelBundle, error) {
	return m.distributionClient.GetBundle(ref)
}

// Tag associates an additional reference with a stored model.
func (m *Manager) Tag(source, target string) error {
	return m.distributionClient.Tag(source, target)
}

// GetDiskUsage returns the number of bytes consumed by the model store.
func (m *Manager) GetDiskUsage() (int64, error) {
	var size int64
	err := filepath.WalkDir(m.distributionClient.GetStorePath(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walking model store: %w", err)
	}
	return size, nil
}

// PullModel pulls a model to local storage, streaming progress to w in the
// format negotiated via the request's Accept header.
func (m *Manager) PullModel(model string, r *http.Request, w http.ResponseWriter) error {
	// Restrict model pull concurrency.
	select {
	case <-m.pullTokens:
	case <-r.Context().Done():
		return context.Canceled
	}
	defer func() {
		m.pullTokens <- struct{}{}
	}()

	progressWriter, err := newProgressResponseWriter(w, r)
	if err != nil {
		return err
	}

	m.log.Infoln("Pulling model:", utils.SanitizeForLog(model))
	if err := m.distributionClient.PullModel(r.Context(), model, progressWriter); err != nil {
		return fmt.Errorf("error while pulling model: %w", err)
	}
	return nil
}

// PushModel pushes a model from the store to its registry, streaming
// progress to w in the format negotiated via the request's Accept header.
func (m *Manager) PushModel(model string, r *http.Request, w http.ResponseWriter) error {
	progressWriter, err := newProgressResponseWriter(w, r)
	if err != nil {
		return err
	}

	m.log.Infoln("Pushing model:", utils.SanitizeForLog(model))
	if err := m.distributionClient.PushModel(r.Context(), model, progressWriter); err != nil {
		return fmt.Errorf("error while pushing model: %w", err)
	}
	return nil
}

// progressResponseWriter streams progress lines to an HTTP response,
// flushing after every write so clients see live updates.
type progressResponseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	isJSON  bool
}

// newProgressResponseWriter prepares a response for progress streaming in
// the content type negotiated via the request's Accept header.
func newProgressResponseWriter(w http.ResponseWriter, r *http.Request) (*progressResponseWriter, error) {
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	isJSON := r.Header.Get("Accept") == "application/json"
	if isJSON {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/plain")
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}
	return &progressResponseWriter{
		writer:  w,
		flusher: flusher,
		isJSON:  isJSON,
	}, nil
}

func (w *progressResponseWriter) Write(p []byte) (int, error) {
	data := p
	if !w.isJSON {
		// Escape HTML in the plain text rendering.
		data = []byte(html.EscapeString(string(p)))
	}
	if _, err := w.writer.Write(data); err != nil {
		return 0, err
	}
	w.flusher.Flush()
	return len(p), nil
}
