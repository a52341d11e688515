package training

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vision-runner/vision-runner/pkg/middleware"
)

// followPollInterval is how often a follow request polls a running job's log
// file for new output.
const followPollInterval = 500 * time.Millisecond

// routeHandlers returns the manager's routes. Read-only routes are wrapped
// with CORS handling for the given origins.
func (m *Manager) routeHandlers(allowedOrigins []string) map[string]http.HandlerFunc {
	handlers := map[string]http.HandlerFunc{
		"POST " + TrainingPrefix + "/jobs":          m.handleCreateJob,
		"GET " + TrainingPrefix + "/jobs":           m.handleGetJobs,
		"GET " + TrainingPrefix + "/jobs/{id}":      m.handleGetJob,
		"DELETE " + TrainingPrefix + "/jobs/{id}":   m.handleCancelJob,
		"GET " + TrainingPrefix + "/jobs/{id}/logs": m.handleGetJobLogs,
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

// handleCreateJob handles POST /training/jobs requests.
func (m *Manager) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var request CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	spec, err := request.ToSpec()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	job, err := m.Create(spec)
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		} else {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(job); err != nil {
		m.log.Warnf("error while encoding training job: %v", err)
	}
}

// handleGetJobs handles GET /training/jobs requests.
func (m *Manager) handleGetJobs(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(JobList{Jobs: m.List()}); err != nil {
		m.log.Warnf("error while encoding training job list: %v", err)
	}
}

// handleGetJob handles GET /training/jobs/{id} requests.
func (m *Manager) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := m.Get(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(job); err != nil {
		m.log.Warnf("error while encoding training job: %v", err)
	}
}

// handleCancelJob handles DELETE /training/jobs/{id} requests.
func (m *Manager) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := m.Cancel(r.PathValue("id")); err != nil {
		if errors.Is(err, ErrJobNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusConflict)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetJobLogs handles GET /training/jobs/{id}/logs requests. With
// follow=true, the response streams new log output until the job reaches a
// terminal state or the client disconnects.
func (m *Manager) handleGetJobLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	logPath, err := m.LogPath(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	follow := false
	if rawFollow := r.URL.Query().Get("follow"); rawFollow != "" {
		follow, err = strconv.ParseBool(rawFollow)
		if err != nil {
			http.Error(w, "invalid follow parameter", http.StatusBadRequest)
			return
		}
	}

	logFile, err := os.Open(logPath)
	if err != nil {
		http.Error(w, "job log not available", http.StatusNotFound)
		return
	}
	defer logFile.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !follow {
		if _, err := io.Copy(w, logFile); err != nil {
			m.log.Warnf("error while writing training job logs: %v", err)
		}
		return
	}

	flusher, _ := w.(http.Flusher)
	ticker := time.NewTicker(followPollInterval)
	defer ticker.Stop()
	for {
		copied, err := io.Copy(w, logFile)
		if err != nil {
			return
		}
		if copied > 0 && flusher != nil {
			flusher.Flush()
		}

		// Finish once the job is done and the file has been drained.
		job, err := m.Get(id)
		if err != nil || (job.State.Terminal() && copied == 0) {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
