package ort

import (
	"github.com/vision-runner/vision-runner/pkg/vision"
)

// DefaultTopK is the number of predictions returned when a classification
// request doesn't specify top_k.
const DefaultTopK = 5

// ClassifyRequest is the body of POST /v1/classify.
type ClassifyRequest struct {
	// Model is the model reference the caller used. Runners serve exactly one
	// model and reject requests for others.
	Model string `json:"model"`
	// Image is the base64-encoded image to classify.
	Image string `json:"image"`
	// TopK is the number of predictions to return. It is clamped to
	// [1, class count] and defaults to DefaultTopK.
	TopK int `json:"top_k,omitempty"`
}

// ClassifyResponse is the body returned by POST /v1/classify.
type ClassifyResponse struct {
	Model       string              `json:"model"`
	Predictions []vision.Prediction `json:"predictions"`
}

// EmbeddingsRequest is the body of POST /v1/embeddings.
type EmbeddingsRequest struct {
	Model string `json:"model"`
	// Image is the base64-encoded image to extract features from.
	Image string `json:"image"`
}

// EmbeddingsResponse is the body returned by POST /v1/embeddings. The
// embedding is the model's raw output vector without softmax applied.
type EmbeddingsResponse struct {
	Model     string    `json:"model"`
	Embedding []float32 `json:"embedding"`
}
