package ort

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vision-runner/vision-runner/pkg/distribution/types"
	"github.com/vision-runner/vision-runner/pkg/inference"
	"github.com/vision-runner/vision-runner/pkg/logging"
	"github.com/vision-runner/vision-runner/pkg/metrics"
	"github.com/vision-runner/vision-runner/pkg/vision"
)

// server is the HTTP surface of a single runner. It serves exactly one model
// in exactly one mode.
type server struct {
	log      logging.Logger
	session  predictor
	config   types.Config
	labels   []string
	modelRef string
	mode     inference.BackendMode
	recorder *metrics.RunnerRecorder
	router   *http.ServeMux
}

// newServer loads the bundle's labels and wires up the runner routes.
func newServer(log logging.Logger, session predictor, bundle types.ModelBundle, modelRef string, mode inference.BackendMode) (*server, error) {
	cfg := bundle.RuntimeConfig()
	labels, err := vision.LoadLabels(bundle.LabelsPath(), cfg.Classes)
	if err != nil {
		return nil, fmt.Errorf("loading labels: %w", err)
	}

	s := &server{
		log:      log,
		session:  session,
		config:   cfg,
		labels:   labels,
		modelRef: modelRef,
		mode:     mode,
		recorder: metrics.NewRunnerRecorder(),
		router:   http.NewServeMux(),
	}

	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.Handle("GET /metrics", s.recorder)
	switch mode {
	case inference.BackendModeClassification:
		s.router.HandleFunc("POST /v1/classify", s.handleClassify)
	case inference.BackendModeEmbedding:
		s.router.HandleFunc("POST /v1/embeddings", s.handleEmbeddings)
	}
	return s, nil
}

// ServeHTTP implements net/http.Handler.ServeHTTP.
func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *server) handleClassify(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var request ClassifyRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.fail(w, start, 0, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.servesModel(request.Model) {
		s.fail(w, start, 0, http.StatusMisdirectedRequest,
			fmt.Sprintf("this runner serves %q", s.modelRef))
		return
	}

	probs, imageBytes, ok := s.forward(w, start, request.Image)
	if !ok {
		return
	}

	topK := request.TopK
	if topK == 0 {
		topK = DefaultTopK
	}
	predictions, err := vision.TopK(probs, s.labels, topK)
	if err != nil {
		s.fail(w, start, imageBytes, http.StatusInternalServerError, err.Error())
		return
	}

	s.respond(w, start, imageBytes, ClassifyResponse{
		Model:       s.modelRef,
		Predictions: predictions,
	})
}

func (s *server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var request EmbeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.fail(w, start, 0, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.servesModel(request.Model) {
		s.fail(w, start, 0, http.StatusMisdirectedRequest,
			fmt.Sprintf("this runner serves %q", s.modelRef))
		return
	}

	// Embeddings are the raw output vector; softmax is never applied here.
	output, imageBytes, ok := s.rawForward(w, start, request.Image)
	if !ok {
		return
	}

	s.respond(w, start, imageBytes, EmbeddingsResponse{
		Model:     s.modelRef,
		Embedding: output,
	})
}

// forward decodes, preprocesses, and runs an image through the session,
// returning a probability vector. It writes the error response itself when
// something fails.
func (s *server) forward(w http.ResponseWriter, start time.Time, encodedImage string) ([]float32, int, bool) {
	output, imageBytes, ok := s.rawForward(w, start, encodedImage)
	if !ok {
		return nil, imageBytes, false
	}
	if s.config.Output == types.OutputLogits {
		output = vision.Softmax(output)
	}
	return output, imageBytes, true
}

func (s *server) rawForward(w http.ResponseWriter, start time.Time, encodedImage string) ([]float32, int, bool) {
	if encodedImage == "" {
		s.fail(w, start, 0, http.StatusBadRequest, "image is required")
		return nil, 0, false
	}
	imageData, err := base64.StdEncoding.DecodeString(encodedImage)
	if err != nil {
		s.fail(w, start, 0, http.StatusBadRequest, "image is not valid base64")
		return nil, 0, false
	}

	input, err := vision.Preprocess(bytes.NewReader(imageData), s.config)
	if err != nil {
		s.fail(w, start, len(imageData), http.StatusBadRequest,
			fmt.Sprintf("cannot decode image: %v", err))
		return nil, len(imageData), false
	}

	output, err := s.session.Predict(input)
	if err != nil {
		s.log.Warnf("forward pass failed: %v", err)
		s.fail(w, start, len(imageData), http.StatusInternalServerError, "inference failed")
		return nil, len(imageData), false
	}
	return output, len(imageData), true
}

// servesModel reports whether a request's model field names this runner's
// model. An empty field is accepted since the runner serves a single model.
func (s *server) servesModel(model string) bool {
	return model == "" || model == s.modelRef
}

func (s *server) respond(w http.ResponseWriter, start time.Time, imageBytes int, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warnf("error encoding response: %v", err)
	}
	s.recorder.Observe(time.Since(start), imageBytes, false)
}

func (s *server) fail(w http.ResponseWriter, start time.Time, imageBytes, status int, message string) {
	http.Error(w, message, status)
	s.recorder.Observe(time.Since(start), imageBytes, true)
}
