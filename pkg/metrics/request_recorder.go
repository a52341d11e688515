package metrics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vision-runner/vision-runner/pkg/logging"
)

// maxRecordsPerModel bounds the per-model record ring.
const maxRecordsPerModel = 10

// maxBase64Chars is the number of characters of a base64 image payload kept
// in stored records.
const maxBase64Chars = 100

type responseRecorder struct {
	http.ResponseWriter
	body       *bytes.Buffer
	statusCode int
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.body.Write(b)
	return rr.ResponseWriter.Write(b)
}

func (rr *responseRecorder) WriteHeader(statusCode int) {
	rr.statusCode = statusCode
	rr.ResponseWriter.WriteHeader(statusCode)
}

type RequestResponsePair struct {
	ID         string    `json:"id"`
	Model      string    `json:"model"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	Request    string    `json:"request"`
	Response   string    `json:"response"`
	Timestamp  time.Time `json:"timestamp"`
	StatusCode int       `json:"status_code"`
}

// RequestRecorder keeps the most recent inference request and response pairs
// per model for the request inspection endpoint. Base64 image payloads are
// truncated before storage.
type RequestRecorder struct {
	log     logging.Logger
	records map[string][]*RequestResponsePair
	m       sync.RWMutex
}

func NewRequestRecorder(log logging.Logger) *RequestRecorder {
	return &RequestRecorder{
		log:     log,
		records: make(map[string][]*RequestResponsePair),
	}
}

func (r *RequestRecorder) RecordRequest(model string, req *http.Request, body []byte) string {
	r.m.Lock()
	defer r.m.Unlock()

	recordID := fmt.Sprintf("%s_%d", model, time.Now().UnixNano())

	record := &RequestResponsePair{
		ID:        recordID,
		Model:     model,
		Method:    req.Method,
		URL:       req.URL.Path,
		Request:   string(r.truncateMediaFields(body)),
		Timestamp: time.Now(),
	}

	if r.records[model] == nil {
		r.records[model] = make([]*RequestResponsePair, 0, maxRecordsPerModel)
	}

	r.records[model] = append(r.records[model], record)

	if len(r.records[model]) > maxRecordsPerModel {
		r.records[model] = r.records[model][1:]
	}

	return recordID
}

func (r *RequestRecorder) NewResponseRecorder(w http.ResponseWriter) http.ResponseWriter {
	return &responseRecorder{
		ResponseWriter: w,
		body:           &bytes.Buffer{},
		statusCode:     http.StatusOK,
	}
}

func (r *RequestRecorder) RecordResponse(id, model string, rw http.ResponseWriter) {
	rr, ok := rw.(*responseRecorder)
	if !ok {
		return
	}

	r.m.Lock()
	defer r.m.Unlock()

	if modelRecords, exists := r.records[model]; exists {
		for _, record := range modelRecords {
			if record.ID == id {
				record.Response = rr.body.String()
				record.StatusCode = rr.statusCode
				return
			}
		}
		r.log.Errorf("Matching request (id=%s) not found for model %s - %d", id, model, rr.statusCode)
	} else {
		r.log.Errorf("Model %s not found in records - %d", model, rr.statusCode)
	}
}

// truncateMediaFields shortens base64 image payloads in a request body so
// that stored records stay small.
func (r *RequestRecorder) truncateMediaFields(body []byte) []byte {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return body
	}

	changed := false
	if image, ok := payload["image"].(string); ok {
		if truncated := r.truncateBase64Data(image); truncated != image {
			payload["image"] = truncated
			changed = true
		}
	}
	if !changed {
		return body
	}

	out, err := json.Marshal(payload)
	if err != nil {
		return body
	}
	return out
}

// truncateBase64Data keeps any data URL prefix intact and truncates the
// payload beyond maxBase64Chars, appending a marker with the dropped length.
func (r *RequestRecorder) truncateBase64Data(data string) string {
	if strings.HasPrefix(data, "data:") {
		if idx := strings.Index(data, "base64,"); idx != -1 {
			head := data[:idx+len("base64,")]
			return head + r.truncateBase64Data(data[idx+len("base64,"):])
		}
	}
	if len(data) <= maxBase64Chars {
		return data
	}
	return data[:maxBase64Chars] + fmt.Sprintf("...[truncated %d chars]", len(data)-maxBase64Chars)
}

func (r *RequestRecorder) GetRecordsByModelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		model := req.URL.Query().Get("model")
		if model == "" {
			http.Error(w, "A 'model' query parameter is required", http.StatusBadRequest)
			return
		}

		records := r.GetRecordsByModel(model)
		if records == nil {
			http.Error(w, fmt.Sprintf("No records found for model '%s'", model), http.StatusNotFound)
			return
		}

		if err := json.NewEncoder(w).Encode(map[string]interface{}{
			"model":   model,
			"records": records,
			"count":   len(records),
		}); err != nil {
			http.Error(w, fmt.Sprintf("Failed to encode records for model '%s': %v", model, err),
				http.StatusInternalServerError)
		}
	}
}

func (r *RequestRecorder) GetRecordsByModel(model string) []*RequestResponsePair {
	r.m.RLock()
	defer r.m.RUnlock()

	if modelRecords, exists := r.records[model]; exists {
		result := make([]*RequestResponsePair, len(modelRecords))
		copy(result, modelRecords)
		return result
	}

	return nil
}

// RemoveModel drops all recorded pairs for a model. It is a no-op on a nil
// recorder so that runners without recording configured can call it freely.
func (r *RequestRecorder) RemoveModel(model string) {
	if r == nil {
		return
	}

	r.m.Lock()
	defer r.m.Unlock()

	if _, exists := r.records[model]; exists {
		delete(r.records, model)
		r.log.Infof("Removed records for model: %s", model)
	}
}
