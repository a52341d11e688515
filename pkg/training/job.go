// Package training manages distributed training jobs. A job is an external
// trainer binary launched across GPU workers through an MPI launcher and
// supervised until it terminates.
package training

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// JobState describes where a job is in its lifecycle.
type JobState string

const (
	JobStatePending   = JobState("pending")
	JobStateRunning   = JobState("running")
	JobStateSucceeded = JobState("succeeded")
	JobStateFailed    = JobState("failed")
	JobStateCanceled  = JobState("canceled")
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateCanceled:
		return true
	}
	return false
}

// JobSpec describes a training job to launch.
type JobSpec struct {
	// DataTrain is the path of the training data set.
	DataTrain string `json:"data_train"`
	// DataVal is the path of the validation data set. Optional.
	DataVal string `json:"data_val,omitempty"`
	// ModelPrefix is the output path prefix for produced checkpoints.
	ModelPrefix string `json:"model_prefix"`
	// BatchSize is the per-step batch size.
	BatchSize int `json:"batch_size"`
	// Epochs is the number of passes over the training data.
	Epochs int `json:"epochs"`
	// LearningRate is the initial learning rate. Zero keeps the trainer's
	// default.
	LearningRate float64 `json:"learning_rate,omitempty"`
	// GPUs is the number of GPU workers, which maps to the launcher's
	// process count.
	GPUs int `json:"gpus"`
	// ExtraArgs are appended to the trainer invocation verbatim.
	ExtraArgs []string `json:"extra_args,omitempty"`
}

// Validate returns an error if the spec cannot be launched.
func (s JobSpec) Validate() error {
	if s.DataTrain == "" {
		return errors.New("training data path is required")
	}
	if s.ModelPrefix == "" {
		return errors.New("model output prefix is required")
	}
	if s.BatchSize < 1 {
		return fmt.Errorf("invalid batch size %d", s.BatchSize)
	}
	if s.Epochs < 1 {
		return fmt.Errorf("invalid epoch count %d", s.Epochs)
	}
	if s.GPUs < 1 {
		return fmt.Errorf("invalid GPU count %d", s.GPUs)
	}
	return ValidateExtraArgs(s.ExtraArgs)
}

// reservedFlags are trainer flags owned by the job spec. They may not appear
// in extra args since the spec values would silently be overridden.
var reservedFlags = []string{
	"--data-train",
	"--data-val",
	"--model-prefix",
	"--batch-size",
	"--epochs",
	"--lr",
	"--gpus",
}

// ValidateExtraArgs rejects extra arguments that collide with spec-owned
// trainer flags.
func ValidateExtraArgs(args []string) error {
	for _, arg := range args {
		for _, reserved := range reservedFlags {
			if arg == reserved || strings.HasPrefix(arg, reserved+"=") {
				return fmt.Errorf("argument %s is controlled by the job spec and cannot be overridden", reserved)
			}
		}
	}
	return nil
}

// launcherArgs builds the MPI launcher argument list for a spec: process
// count, trainer binary, then the trainer's own flags.
func launcherArgs(spec JobSpec, binary string, extraArgs []string) []string {
	gpuList := make([]string, spec.GPUs)
	for i := range gpuList {
		gpuList[i] = strconv.Itoa(i)
	}

	args := []string{"-np", strconv.Itoa(spec.GPUs), binary,
		"--data-train", spec.DataTrain,
	}
	if spec.DataVal != "" {
		args = append(args, "--data-val", spec.DataVal)
	}
	args = append(args,
		"--model-prefix", spec.ModelPrefix,
		"--batch-size", strconv.Itoa(spec.BatchSize),
		"--epochs", strconv.Itoa(spec.Epochs),
	)
	if spec.LearningRate > 0 {
		args = append(args, "--lr", strconv.FormatFloat(spec.LearningRate, 'g', -1, 64))
	}
	args = append(args, "--gpus", strings.Join(gpuList, ","))
	args = append(args, extraArgs...)
	args = append(args, spec.ExtraArgs...)
	return args
}

// Job is a created training job. Fields are immutable except State, Started,
// Finished, and Error, which the manager updates under its lock.
type Job struct {
	// ID is the job's unique identifier.
	ID string `json:"id"`
	// Spec is the job specification.
	Spec JobSpec `json:"spec"`
	// State is the job's lifecycle state.
	State JobState `json:"state"`
	// Created is when the job was accepted.
	Created time.Time `json:"created"`
	// Started is when the trainer process started.
	Started *time.Time `json:"started,omitempty"`
	// Finished is when the job reached a terminal state.
	Finished *time.Time `json:"finished,omitempty"`
	// Error describes why a failed job failed.
	Error string `json:"error,omitempty"`

	// logPath is the job's log file.
	logPath string
	// cancel interrupts the trainer process.
	cancel func()
	// done is closed once the job reaches a terminal state.
	done chan struct{}
}
