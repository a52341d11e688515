package training

import (
	"errors"
	"fmt"

	shellwords "github.com/mattn/go-shellwords"
)

// TrainingPrefix is the prefix under which training routes are served.
const TrainingPrefix = "/training"

// CreateJobRequest is a request to create a training job.
type CreateJobRequest struct {
	DataTrain    string  `json:"data_train"`
	DataVal      string  `json:"data_val,omitempty"`
	ModelPrefix  string  `json:"model_prefix"`
	BatchSize    int     `json:"batch_size"`
	Epochs       int     `json:"epochs"`
	LearningRate float64 `json:"learning_rate,omitempty"`
	GPUs         int     `json:"gpus"`
	// ExtraArgs are pre-split trainer arguments.
	ExtraArgs []string `json:"extra_args,omitempty"`
	// RawExtraArgs is a shell-style argument string, mutually exclusive with
	// ExtraArgs.
	RawExtraArgs string `json:"raw_extra_args,omitempty"`
}

// ToSpec converts the request into a job spec, parsing raw extra args.
func (r CreateJobRequest) ToSpec() (JobSpec, error) {
	extraArgs := r.ExtraArgs
	if r.RawExtraArgs != "" {
		if len(extraArgs) > 0 {
			return JobSpec{}, errors.New("cannot specify both extra_args and raw_extra_args")
		}
		parsed, err := shellwords.Parse(r.RawExtraArgs)
		if err != nil {
			return JobSpec{}, fmt.Errorf("invalid raw_extra_args: %w", err)
		}
		extraArgs = parsed
	}
	return JobSpec{
		DataTrain:    r.DataTrain,
		DataVal:      r.DataVal,
		ModelPrefix:  r.ModelPrefix,
		BatchSize:    r.BatchSize,
		Epochs:       r.Epochs,
		LearningRate: r.LearningRate,
		GPUs:         r.GPUs,
		ExtraArgs:    extraArgs,
	}, nil
}

// JobList is the response to a job listing request.
type JobList struct {
	Jobs []Job `json:"jobs"`
}
