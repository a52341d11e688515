package distribution

import (
	"errors"

	"github.com/vision-runner/vision-runner/pkg/distribution/internal/store"
	"github.com/vision-runner/vision-runner/pkg/distribution/registry"
)

var (
	// ErrInvalidReference indicates a reference that cannot be parsed.
	ErrInvalidReference = registry.ErrInvalidReference

	// ErrModelNotFound indicates that a model is not present in the local
	// store. Remote misses surface as registry errors instead.
	ErrModelNotFound = store.ErrModelNotFound

	// ErrUnauthorized indicates missing or rejected registry credentials.
	ErrUnauthorized = registry.ErrUnauthorized

	// ErrUnsupportedMediaType indicates an artifact newer than this client
	// understands.
	ErrUnsupportedMediaType = registry.ErrUnsupportedMediaType

	// ErrConflict indicates that a delete by ID was refused because the
	// model is still referenced by multiple tags.
	ErrConflict = errors.New("model is referenced by multiple tags")
)
