package inference

import (
	"context"
	"net/http"
)

// BackendMode encodes the mode in which a backend should operate.
type BackendMode uint8

const (
	// BackendModeClassification indicates that the backend should serve
	// image classification requests.
	BackendModeClassification BackendMode = iota
	// BackendModeEmbedding indicates that the backend should serve feature
	// vector extraction requests.
	BackendModeEmbedding
)

// String implements Stringer.String for BackendMode.
func (m BackendMode) String() string {
	switch m {
	case BackendModeClassification:
		return "classification"
	case BackendModeEmbedding:
		return "embedding"
	default:
		return "unknown"
	}
}

// ErrCheckpointParse indicates that a model checkpoint or its config could
// not be parsed, as opposed to an operational failure while serving it.
type ErrCheckpointParse struct {
	Err error
}

func (e *ErrCheckpointParse) Error() string {
	return "failed to parse checkpoint: " + e.Err.Error()
}

func (e *ErrCheckpointParse) Unwrap() error {
	return e.Err
}

// BackendConfiguration holds per-model runtime settings passed down to a
// backend when a runner is started.
type BackendConfiguration struct {
	// Device selects the compute device: "auto", "cpu", "gpu", or
	// "gpu:<index>". Empty means "auto".
	Device string `json:"device,omitempty"`
	// IntraOpThreads caps intra-operator parallelism. Zero keeps the
	// runtime default.
	IntraOpThreads int `json:"intra-op-threads,omitempty"`
	// InterOpThreads caps inter-operator parallelism. Zero keeps the
	// runtime default.
	InterOpThreads int `json:"inter-op-threads,omitempty"`
	// RuntimeFlags are passed through to the backend verbatim.
	RuntimeFlags []string `json:"runtime-flags,omitempty"`
}

type RequiredMemory struct {
	RAM  uint64
	VRAM uint64 // assumes a single-GPU host
}

// Backend is the interface implemented by inference engine backends. Backend
// implementations need not be safe for concurrent invocation of the following
// methods, though their underlying server implementations do need to support
// concurrent API requests.
type Backend interface {
	// Name returns the backend name. It must be all lowercase and usable as a
	// path component in an HTTP request path and a Unix domain socket path. It
	// should also be suitable for presenting to users (at least in logs). The
	// package providing the backend implementation should also expose a
	// constant called Name which matches the value returned by this method.
	Name() string
	// UsesExternalModelManagement should return true if the backend uses an
	// external model management system and false if the backend uses the shared
	// model manager.
	UsesExternalModelManagement() bool
	// Install ensures that the backend is installed. It should return a nil
	// error if installation succeeds or if the backend is already installed.
	// The provided HTTP client should be used for any HTTP operations.
	Install(ctx context.Context, httpClient *http.Client) error
	// Run runs a classification API server on the specified Unix domain
	// socket for the specified model using the backend. It should start any
	// process(es) or sessions necessary for the backend to function for the
	// model. It should not return until either serving fails or the provided
	// context is cancelled. By the time Run returns, any resources it has
	// acquired must be released.
	//
	// Backend implementations should be "one-shot" (i.e. returning from Run
	// after a serving failure). Backends should not attempt to perform
	// restarts on failure. Backends should only return a nil error in the
	// case of context cancellation, otherwise they should return the error
	// that caused them to fail.
	//
	// Run is provided with the model ID to load and the reference the caller
	// used to name it. Backends should not load multiple models at once and
	// should instead load only the specified model. Backends should still
	// respond to API requests for other models with a 421 error code.
	Run(ctx context.Context, socket, model string, modelRef string, mode BackendMode, config *BackendConfiguration) error
	// Status returns a description of the backend's state.
	Status() string
	// GetDiskUsage returns the disk usage of the backend.
	GetDiskUsage() (int64, error)
	// GetRequiredMemoryForModel returns the required working memory for a given
	// model.
	GetRequiredMemoryForModel(ctx context.Context, model string, config *BackendConfiguration) (RequiredMemory, error)
}
