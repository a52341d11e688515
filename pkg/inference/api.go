package inference

const (
	// ModelsPrefix is the route prefix for model management endpoints.
	ModelsPrefix = "/models"
	// EnginesPrefix is the route prefix for inference engine endpoints.
	EnginesPrefix = "/engines"
)
