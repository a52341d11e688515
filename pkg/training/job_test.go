package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSpec() JobSpec {
	return JobSpec{
		DataTrain:   "/data/train.rec",
		ModelPrefix: "/output/checkpoint",
		BatchSize:   64,
		Epochs:      10,
		GPUs:        4,
	}
}

func TestJobSpecValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*JobSpec)
		errors bool
	}{
		{name: "valid", mutate: func(*JobSpec) {}},
		{name: "missing training data", mutate: func(s *JobSpec) { s.DataTrain = "" }, errors: true},
		{name: "missing model prefix", mutate: func(s *JobSpec) { s.ModelPrefix = "" }, errors: true},
		{name: "zero batch size", mutate: func(s *JobSpec) { s.BatchSize = 0 }, errors: true},
		{name: "zero epochs", mutate: func(s *JobSpec) { s.Epochs = 0 }, errors: true},
		{name: "zero gpus", mutate: func(s *JobSpec) { s.GPUs = 0 }, errors: true},
		{name: "negative gpus", mutate: func(s *JobSpec) { s.GPUs = -2 }, errors: true},
		{name: "reserved extra arg", mutate: func(s *JobSpec) { s.ExtraArgs = []string{"--epochs", "5"} }, errors: true},
		{name: "benign extra arg", mutate: func(s *JobSpec) { s.ExtraArgs = []string{"--kvstore", "dist_sync"} }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			spec := validSpec()
			test.mutate(&spec)
			err := spec.Validate()
			if test.errors {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidateExtraArgs(t *testing.T) {
	require.NoError(t, ValidateExtraArgs(nil))
	require.NoError(t, ValidateExtraArgs([]string{"--kvstore", "dist_sync", "--lr-factor", "0.1"}))
	require.Error(t, ValidateExtraArgs([]string{"--batch-size", "128"}))
	require.Error(t, ValidateExtraArgs([]string{"--lr=0.05"}))
}

func TestLauncherArgs(t *testing.T) {
	spec := validSpec()
	spec.DataVal = "/data/val.rec"
	spec.LearningRate = 0.01
	spec.GPUs = 2
	spec.ExtraArgs = []string{"--kvstore", "dist_sync"}
	args := launcherArgs(spec, "/usr/local/bin/train_imagenet", []string{"--dtype", "float16"})
	assert.Equal(t, []string{
		"-np", "2", "/usr/local/bin/train_imagenet",
		"--data-train", "/data/train.rec",
		"--data-val", "/data/val.rec",
		"--model-prefix", "/output/checkpoint",
		"--batch-size", "64",
		"--epochs", "10",
		"--lr", "0.01",
		"--gpus", "0,1",
		"--dtype", "float16",
		"--kvstore", "dist_sync",
	}, args)
}

func TestLauncherArgsOmitsOptionalFlags(t *testing.T) {
	args := launcherArgs(validSpec(), "train", nil)
	assert.NotContains(t, args, "--data-val")
	assert.NotContains(t, args, "--lr")
	assert.Contains(t, args, "--gpus")
}

func TestCreateJobRequestToSpec(t *testing.T) {
	t.Run("raw extra args parsed", func(t *testing.T) {
		request := CreateJobRequest{
			DataTrain:    "/data/train.rec",
			ModelPrefix:  "/output/checkpoint",
			BatchSize:    32,
			Epochs:       1,
			GPUs:         1,
			RawExtraArgs: `--kvstore dist_sync --optimizer "nag"`,
		}
		spec, err := request.ToSpec()
		require.NoError(t, err)
		assert.Equal(t, []string{"--kvstore", "dist_sync", "--optimizer", "nag"}, spec.ExtraArgs)
	})
	t.Run("both extra arg forms rejected", func(t *testing.T) {
		request := CreateJobRequest{ExtraArgs: []string{"--a"}, RawExtraArgs: "--b"}
		_, err := request.ToSpec()
		require.Error(t, err)
	})
	t.Run("unbalanced quotes rejected", func(t *testing.T) {
		request := CreateJobRequest{RawExtraArgs: `--optimizer "nag`}
		_, err := request.ToSpec()
		require.Error(t, err)
	})
}

func TestJobStateTerminal(t *testing.T) {
	assert.False(t, JobStatePending.Terminal())
	assert.False(t, JobStateRunning.Terminal())
	assert.True(t, JobStateSucceeded.Terminal())
	assert.True(t, JobStateFailed.Terminal())
	assert.True(t, JobStateCanceled.Terminal())
}
