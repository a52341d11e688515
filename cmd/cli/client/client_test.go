package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vision-runner/vision-runner/pkg/inference/models"
	"github.com/vision-runner/vision-runner/pkg/inference/scheduling"
	"github.com/vision-runner/vision-runner/pkg/training"
)

// newTestClient wires a client against an httptest server.
func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New("", strings.TrimPrefix(server.URL, "http://"))
}

func TestStatus(t *testing.T) {
	t.Run("running", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/models", r.URL.Path)
			w.WriteHeader(http.StatusOK)
		}))
		status := c.Status(context.Background())
		assert.True(t, status.Running)
		assert.NoError(t, status.Error)
	})
	t.Run("unreachable socket", func(t *testing.T) {
		c := New(filepath.Join(t.TempDir(), "absent.sock"), "")
		status := c.Status(context.Background())
		assert.False(t, status.Running)
		assert.NoError(t, status.Error)
	})
}

func TestPullStreamsProgress(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/models/create", r.URL.Path)
		var request models.ModelCreateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&request))
		require.Equal(t, "example.com/classifiers/resnet:latest", request.From)
		fmt.Fprintln(w, `{"type":"progress","message":"Downloaded: 1.00 MB"}`)
		fmt.Fprintln(w, `{"type":"progress","message":"Downloaded: 2.00 MB"}`)
		fmt.Fprintln(w, `{"type":"success","message":"Model pulled successfully"}`)
	}))

	var progress []string
	response, progressShown, err := c.Pull(context.Background(), "example.com/classifiers/resnet:latest", func(msg string) {
		progress = append(progress, msg)
	})
	require.NoError(t, err)
	assert.True(t, progressShown)
	assert.Equal(t, "Model pulled successfully", response)
	assert.Len(t, progress, 2)
}

func TestPullErrorMessage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"type":"error","message":"manifest unavailable"}`)
	}))

	_, _, err := c.Pull(context.Background(), "example.com/classifiers/resnet", func(string) {})
	require.ErrorContains(t, err, "manifest unavailable")
}

func TestList(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/models", r.URL.Path)
		fmt.Fprintln(w, `[{"id":"sha256:abc","tags":["example.com/classifiers/resnet:latest"],"created":0,"config":{"architecture":"resnet-152"}}]`)
	}))

	modelList, err := c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, modelList, 1)
	assert.Equal(t, "resnet-152", modelList[0].Config.Architecture)
}

func TestInspectNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))

	_, err := c.Inspect(context.Background(), "absent:latest")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveForce(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "true", r.URL.Query().Get("force"))
		w.WriteHeader(http.StatusOK)
	}))

	removed, err := c.Remove(context.Background(), []string{"example.com/classifiers/resnet"}, true)
	require.NoError(t, err)
	assert.Contains(t, removed, "removed successfully")
}

func TestTag(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/models/example.com/classifiers/resnet/tag", r.URL.Path)
		require.Equal(t, "example.com/classifiers/resnet:v2", r.URL.Query().Get("target"))
		w.WriteHeader(http.StatusCreated)
	}))

	require.NoError(t, c.Tag(context.Background(), "example.com/classifiers/resnet", "example.com/classifiers/resnet:v2"))
}

func TestClassify(t *testing.T) {
	imagePath := filepath.Join(t.TempDir(), "cat.png")
	require.NoError(t, os.WriteFile(imagePath, []byte("not really a png"), 0o644))

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/engines/v1/classify", r.URL.Path)
		var request struct {
			Model string `json:"model"`
			Image string `json:"image"`
			TopK  int    `json:"top_k"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&request))
		decoded, err := base64.StdEncoding.DecodeString(request.Image)
		require.NoError(t, err)
		require.Equal(t, "not really a png", string(decoded))
		require.Equal(t, 3, request.TopK)
		fmt.Fprintln(w, `{"model":"resnet","predictions":[{"index":281,"label":"tabby cat","probability":0.92}]}`)
	}))

	response, err := c.Classify(context.Background(), "resnet", imagePath, 3)
	require.NoError(t, err)
	require.Len(t, response.Predictions, 1)
	assert.Equal(t, "tabby cat", response.Predictions[0].Label)
}

func TestUnload(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/engines/unload", r.URL.Path)
		fmt.Fprintln(w, `{"unloaded_runners":2}`)
	}))

	response, err := c.Unload(context.Background(), scheduling.UnloadRequest{All: true})
	require.NoError(t, err)
	assert.Equal(t, 2, response.UnloadedRunners)
}

func TestTrainingJobs(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/training/jobs":
			w.WriteHeader(http.StatusCreated)
			fmt.Fprintln(w, `{"id":"job-1","state":"pending"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/training/jobs":
			fmt.Fprintln(w, `{"jobs":[{"id":"job-1","state":"running"}]}`)
		case r.Method == http.MethodDelete && r.URL.Path == "/training/jobs/job-1":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))

	job, err := c.Train(context.Background(), training.CreateJobRequest{})
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)

	jobs, err := c.Jobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, training.JobStateRunning, jobs[0].State)

	require.NoError(t, c.CancelJob(context.Background(), "job-1"))
	require.Error(t, c.CancelJob(context.Background(), "job-2"))
}

func TestJobLogsFollow(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/training/jobs/job-1/logs", r.URL.Path)
		require.Equal(t, "true", r.URL.Query().Get("follow"))
		fmt.Fprintln(w, "epoch 0 done")
	}))

	var buf strings.Builder
	require.NoError(t, c.JobLogs(context.Background(), "job-1", true, &buf))
	assert.Contains(t, buf.String(), "epoch 0 done")
}
