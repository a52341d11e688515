package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vision-runner/vision-runner/pkg/logging"
	"github.com/vision-runner/vision-runner/pkg/sandbox"
	"github.com/vision-runner/vision-runner/pkg/tailbuffer"
)

var (
	// ErrJobNotFound indicates that no job exists with the requested ID.
	ErrJobNotFound = errors.New("training job not found")
	// ErrJobFinished indicates that the requested operation doesn't apply to
	// a job that already reached a terminal state.
	ErrJobFinished = errors.New("training job already finished")
	// ErrNotConfigured indicates that no trainer binary is configured.
	ErrNotConfigured = errors.New("no trainer binary configured")
)

// Config configures the training manager.
type Config struct {
	// MPIRun is the MPI launcher binary. Defaults to "mpirun".
	MPIRun string
	// Binary is the trainer binary launched on each worker. Training is
	// disabled when empty.
	Binary string
	// ExtraArgs are appended to every job's trainer invocation, before the
	// job's own extra args.
	ExtraArgs []string
	// LogDir is where per-job log files are written. Defaults to the
	// system temporary directory.
	LogDir string
}

// Manager creates and supervises training jobs. Jobs live for the daemon's
// lifetime; they are not persisted across restarts.
type Manager struct {
	// log is the associated logger.
	log logging.Logger
	// trainerLog receives trainer process output in addition to the per-job
	// log files.
	trainerLog logging.Logger
	// config is the trainer configuration.
	config Config
	// router is the HTTP request router.
	router *http.ServeMux

	mu sync.Mutex
	// jobs maps job IDs to jobs.
	jobs map[string]*Job
	// order records job creation order for listing.
	order []string
}

// NewManager creates a training manager.
func NewManager(log, trainerLog logging.Logger, config Config, allowedOrigins []string) (*Manager, error) {
	if err := ValidateExtraArgs(config.ExtraArgs); err != nil {
		return nil, fmt.Errorf("invalid trainer extra args: %w", err)
	}
	if config.MPIRun == "" {
		config.MPIRun = "mpirun"
	}
	if config.LogDir == "" {
		config.LogDir = os.TempDir()
	}
	m := &Manager{
		log:        log,
		trainerLog: trainerLog,
		config:     config,
		router:     http.NewServeMux(),
		jobs:       make(map[string]*Job),
	}
	m.router.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	for route, handler := range m.routeHandlers(allowedOrigins) {
		m.router.HandleFunc(route, handler)
	}
	return m, nil
}

// Create validates a spec, registers a job for it, and launches the trainer.
func (m *Manager) Create(spec JobSpec) (Job, error) {
	if m.config.Binary == "" {
		return Job{}, ErrNotConfigured
	}
	if err := spec.Validate(); err != nil {
		return Job{}, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:      uuid.NewString(),
		Spec:    spec,
		State:   JobStatePending,
		Created: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	job.logPath = filepath.Join(m.config.LogDir, "training-"+job.ID+".log")

	// Snapshot before the supervision goroutine starts mutating the job.
	m.mu.Lock()
	m.jobs[job.ID] = job
	m.order = append(m.order, job.ID)
	snapshot := *job
	m.mu.Unlock()

	go m.run(ctx, job)
	return snapshot, nil
}

// run supervises a single job until it terminates.
func (m *Manager) run(ctx context.Context, job *Job) {
	defer close(job.done)

	err := m.launch(ctx, job)

	finished := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	job.Finished = &finished
	switch {
	case ctx.Err() != nil:
		job.State = JobStateCanceled
	case err != nil:
		job.State = JobStateFailed
		job.Error = err.Error()
		m.log.Warnf("training job %s failed: %v", job.ID, err)
	default:
		job.State = JobStateSucceeded
		m.log.Infof("training job %s succeeded", job.ID)
	}
}

// launch starts the trainer under the launcher and waits for it.
func (m *Manager) launch(ctx context.Context, job *Job) error {
	logFile, err := os.Create(job.logPath)
	if err != nil {
		return fmt.Errorf("creating job log file: %w", err)
	}
	defer logFile.Close()

	args := launcherArgs(job.Spec, m.config.Binary, m.config.ExtraArgs)
	m.log.Infof("launching training job %s: %s %s", job.ID, m.config.MPIRun, strings.Join(args, " "))

	tailBuf := tailbuffer.NewTailBuffer(1024)
	trainerLogStream := m.trainerLog.Writer()
	defer trainerLogStream.Close()
	stdout := io.MultiWriter(logFile, trainerLogStream)
	stderr := io.MultiWriter(logFile, trainerLogStream, tailBuf)

	trainerSandbox, err := sandbox.Create(
		ctx,
		sandbox.ConfigurationTrainer,
		func(command *exec.Cmd) {
			command.Cancel = func() error {
				if runtime.GOOS == "windows" {
					return command.Process.Kill()
				}
				return command.Process.Signal(os.Interrupt)
			}
			command.Stdout = stdout
			command.Stderr = stderr
		},
		m.config.MPIRun,
		args...,
	)
	if err != nil {
		return fmt.Errorf("unable to start trainer: %w", err)
	}
	defer trainerSandbox.Close()

	started := time.Now()
	m.mu.Lock()
	job.Started = &started
	job.State = JobStateRunning
	m.mu.Unlock()

	waitErr := trainerSandbox.Command().Wait()
	if waitErr == nil {
		return nil
	}

	errOutput := new(strings.Builder)
	if _, err := io.Copy(errOutput, tailBuf); err != nil {
		m.log.Warnf("failed to read trainer output tail: %v", err)
	}
	if errOutput.Len() > 0 {
		return fmt.Errorf("trainer exit status: %w\nwith output: %s", waitErr, errOutput.String())
	}
	return fmt.Errorf("trainer exit status: %w", waitErr)
}

// Get returns a snapshot of a job.
func (m *Manager) Get(id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *job, nil
}

// List returns snapshots of all jobs in creation order.
func (m *Manager) List() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := make([]Job, 0, len(m.order))
	for _, id := range m.order {
		jobs = append(jobs, *m.jobs[id])
	}
	return jobs
}

// Cancel interrupts a running job. Cancellation is asynchronous: the job
// reaches the canceled state once the trainer process exits.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return ErrJobNotFound
	}
	if job.State.Terminal() {
		m.mu.Unlock()
		return ErrJobFinished
	}
	m.mu.Unlock()
	job.cancel()
	return nil
}

// LogPath returns the path of a job's log file.
func (m *Manager) LogPath(id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return "", ErrJobNotFound
	}
	return job.logPath, nil
}

// wait blocks until a job reaches a terminal state or ctx is cancelled.
func (m *Manager) wait(ctx context.Context, id string) error {
	m.mu.Lock()
	job, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	select {
	case <-job.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels all running jobs and waits for them to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	var running []*Job
	for _, job := range m.jobs {
		if !job.State.Terminal() {
			running = append(running, job)
		}
	}
	m.mu.Unlock()
	for _, job := range running {
		job.cancel()
	}
	for _, job := range running {
		<-job.done
	}
}
