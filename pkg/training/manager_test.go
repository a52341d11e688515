//go:build !windows

package training

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vision-runner/vision-runner/pkg/logging"
)

// testLogger returns a logger that discards output.
func testLogger() logging.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// fakeLauncher writes a shell script standing in for mpirun and returns its
// path.
func fakeLauncher(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mpirun")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

// newTestManager creates a manager whose launcher is the given script.
func newTestManager(t *testing.T, script string) *Manager {
	t.Helper()
	manager, err := NewManager(testLogger(), testLogger(), Config{
		MPIRun: fakeLauncher(t, script),
		Binary: "train_imagenet",
		LogDir: t.TempDir(),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(manager.Close)
	return manager
}

// waitForJob blocks until a job terminates and returns its final snapshot.
func waitForJob(t *testing.T, manager *Manager, id string) Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, manager.wait(ctx, id))
	job, err := manager.Get(id)
	require.NoError(t, err)
	return job
}

func TestManagerRunsJobToSuccess(t *testing.T) {
	manager := newTestManager(t, `echo "launched: $@"`)

	job, err := manager.Create(validSpec())
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)

	job = waitForJob(t, manager, job.ID)
	assert.Equal(t, JobStateSucceeded, job.State)
	require.NotNil(t, job.Started)
	require.NotNil(t, job.Finished)
	assert.Empty(t, job.Error)

	logPath, err := manager.LogPath(job.ID)
	require.NoError(t, err)
	contents, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "launched: -np 4 train_imagenet")
	assert.Contains(t, string(contents), "--data-train /data/train.rec")
}

func TestCreateReturnsCreationSnapshot(t *testing.T) {
	manager := newTestManager(t, `exit 0`)

	// The supervision goroutine starts mutating the job immediately, so the
	// returned value must be a snapshot taken at creation time.
	job, err := manager.Create(validSpec())
	require.NoError(t, err)
	assert.Equal(t, JobStatePending, job.State)
	assert.Nil(t, job.Started)
	assert.Nil(t, job.Finished)

	final := waitForJob(t, manager, job.ID)
	assert.Equal(t, JobStateSucceeded, final.State)

	// The snapshot is detached from the live job.
	assert.Equal(t, JobStatePending, job.State)
	assert.Nil(t, job.Started)
}

func TestManagerReportsFailureWithOutputTail(t *testing.T) {
	manager := newTestManager(t, `echo "CUDA error: out of memory" >&2; exit 3`)

	job, err := manager.Create(validSpec())
	require.NoError(t, err)

	job = waitForJob(t, manager, job.ID)
	assert.Equal(t, JobStateFailed, job.State)
	assert.Contains(t, job.Error, "CUDA error: out of memory")
}

func TestManagerCancel(t *testing.T) {
	manager := newTestManager(t, `exec sleep 30`)

	job, err := manager.Create(validSpec())
	require.NoError(t, err)

	// Give the launcher a moment to start before interrupting it.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, manager.Cancel(job.ID))

	job = waitForJob(t, manager, job.ID)
	assert.Equal(t, JobStateCanceled, job.State)

	require.ErrorIs(t, manager.Cancel(job.ID), ErrJobFinished)
}

func TestManagerNotConfigured(t *testing.T) {
	manager, err := NewManager(testLogger(), testLogger(), Config{}, nil)
	require.NoError(t, err)
	_, err = manager.Create(validSpec())
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestManagerRejectsInvalidSpec(t *testing.T) {
	manager := newTestManager(t, `exit 0`)
	spec := validSpec()
	spec.GPUs = 0
	_, err := manager.Create(spec)
	require.Error(t, err)
}

func TestNewManagerRejectsReservedExtraArgs(t *testing.T) {
	_, err := NewManager(testLogger(), testLogger(), Config{
		Binary:    "train_imagenet",
		ExtraArgs: []string{"--epochs", "90"},
	}, nil)
	require.Error(t, err)
}

func TestManagerListOrder(t *testing.T) {
	manager := newTestManager(t, `exit 0`)

	first, err := manager.Create(validSpec())
	require.NoError(t, err)
	second, err := manager.Create(validSpec())
	require.NoError(t, err)

	jobs := manager.List()
	require.Len(t, jobs, 2)
	assert.Equal(t, first.ID, jobs[0].ID)
	assert.Equal(t, second.ID, jobs[1].ID)
}

func TestManagerUnknownJob(t *testing.T) {
	manager := newTestManager(t, `exit 0`)
	_, err := manager.Get("no-such-job")
	require.ErrorIs(t, err, ErrJobNotFound)
	require.ErrorIs(t, manager.Cancel("no-such-job"), ErrJobNotFound)
	_, err = manager.LogPath("no-such-job")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestHTTPCreateGetAndLogs(t *testing.T) {
	manager := newTestManager(t, `echo "epoch 0 done"`)

	body, err := json.Marshal(CreateJobRequest{
		DataTrain:    "/data/train.rec",
		ModelPrefix:  "/output/checkpoint",
		BatchSize:    32,
		Epochs:       1,
		GPUs:         1,
		RawExtraArgs: "--kvstore dist_sync",
	})
	require.NoError(t, err)

	recorder := httptest.NewRecorder()
	manager.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/training/jobs", bytes.NewReader(body)))
	require.Equal(t, http.StatusCreated, recorder.Code)
	var job Job
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&job))
	assert.Equal(t, []string{"--kvstore", "dist_sync"}, job.Spec.ExtraArgs)

	job = waitForJob(t, manager, job.ID)
	require.Equal(t, JobStateSucceeded, job.State)

	recorder = httptest.NewRecorder()
	manager.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/training/jobs", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
	var list JobList
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&list))
	require.Len(t, list.Jobs, 1)

	recorder = httptest.NewRecorder()
	manager.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/training/jobs/"+job.ID, nil))
	require.Equal(t, http.StatusOK, recorder.Code)

	recorder = httptest.NewRecorder()
	manager.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/training/jobs/"+job.ID+"/logs", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "epoch 0 done")
}

func TestHTTPErrors(t *testing.T) {
	manager := newTestManager(t, `exit 0`)

	recorder := httptest.NewRecorder()
	manager.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/training/jobs", strings.NewReader("{not json")))
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = httptest.NewRecorder()
	manager.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/training/jobs", strings.NewReader("{}")))
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = httptest.NewRecorder()
	manager.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/training/jobs/missing", nil))
	assert.Equal(t, http.StatusNotFound, recorder.Code)

	recorder = httptest.NewRecorder()
	manager.ServeHTTP(recorder, httptest.NewRequest(http.MethodDelete, "/training/jobs/missing", nil))
	assert.Equal(t, http.StatusNotFound, recorder.Code)

	recorder = httptest.NewRecorder()
	manager.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/training/jobs/missing/logs", nil))
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestHTTPNotConfigured(t *testing.T) {
	manager, err := NewManager(testLogger(), testLogger(), Config{}, nil)
	require.NoError(t, err)

	body, err := json.Marshal(CreateJobRequest{
		DataTrain:   "/data/train.rec",
		ModelPrefix: "/output/checkpoint",
		BatchSize:   32,
		Epochs:      1,
		GPUs:        1,
	})
	require.NoError(t, err)

	recorder := httptest.NewRecorder()
	manager.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/training/jobs", bytes.NewReader(body)))
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
}
