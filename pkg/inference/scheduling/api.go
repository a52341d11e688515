package scheduling

import (
	"strings"
	"time"

	"github.com/vision-runner/vision-runner/pkg/inference"
)

const (
	// maximumInferenceRequestSize is the maximum classification or embedding
	// request size that Scheduler will allow. This should be large enough to
	// encompass any real-world request (including base64-encoded images) but
	// also small enough to avoid DoS attacks.
	maximumInferenceRequestSize = 10 * 1024 * 1024
)

// trimRequestPathToAPIRoot trims a request path to start at the first
// instance of /v1/ to appear in the path.
func trimRequestPathToAPIRoot(path string) string {
	index := strings.Index(path, "/v1/")
	if index == -1 {
		return path
	}
	return path[index:]
}

// backendModeForRequest determines the backend operation mode to handle an
// inference request. Its second parameter is true if and only if a valid mode
// could be determined.
func backendModeForRequest(path string) (inference.BackendMode, bool) {
	if strings.HasSuffix(path, "/v1/classify") {
		return inference.BackendModeClassification, true
	} else if strings.HasSuffix(path, "/v1/embeddings") {
		return inference.BackendModeEmbedding, true
	}
	return inference.BackendMode(0), false
}

// inferenceRequest is used to extract the model specification from either a
// classification or embedding request.
type inferenceRequest struct {
	// Model is the requested model name.
	Model string `json:"model"`
}

// ErrorResponse is used to format an error response from the scheduler or a
// runner.
type ErrorResponse struct {
	Type    string  `json:"type"` // always "error"
	Code    *string `json:"code,omitempty"`
	Message string  `json:"message"`
}

// BackendStatus represents information about a running backend.
type BackendStatus struct {
	// BackendName is the name of the backend.
	BackendName string `json:"backend_name"`
	// ModelName is the name of the model loaded in the backend.
	ModelName string `json:"model_name"`
	// Mode is the mode the backend is operating in.
	Mode string `json:"mode"`
	// LastUsed represents when this (backend, model, mode) tuple was last used.
	LastUsed time.Time `json:"last_used,omitempty"`
}

// DiskUsage represents the disk usage of the models and default backend.
type DiskUsage struct {
	ModelsDiskUsage         int64 `json:"models_disk_usage"`
	DefaultBackendDiskUsage int64 `json:"default_backend_disk_usage"`
}

// UnloadRequest is used to specify which models to unload.
type UnloadRequest struct {
	All     bool     `json:"all"`
	Backend string   `json:"backend"`
	Models  []string `json:"models"`
}

// UnloadResponse is used to return the number of unloaded runners.
type UnloadResponse struct {
	UnloadedRunners int `json:"unloaded_runners"`
}

// ConfigureRequest specifies per-model runtime configuration options.
type ConfigureRequest struct {
	Model           string   `json:"model"`
	Device          string   `json:"device,omitempty"`
	IntraOpThreads  int      `json:"intra-op-threads,omitempty"`
	InterOpThreads  int      `json:"inter-op-threads,omitempty"`
	RuntimeFlags    []string `json:"runtime-flags,omitempty"`
	RawRuntimeFlags string   `json:"raw-runtime-flags,omitempty"`
}
