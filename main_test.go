package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrainerConfigFromEnv(t *testing.T) {
	tests := []struct {
		name        string
		trainerArgs string
		wantArgs    []string
		wantErr     bool
	}{
		{
			name: "no args",
		},
		{
			name:        "valid args",
			trainerArgs: "--kvstore dist_sync --dtype float16",
			wantArgs:    []string{"--kvstore", "dist_sync", "--dtype", "float16"},
		},
		{
			name:        "quoted args",
			trainerArgs: `--optimizer "nag" --kvstore dist_sync`,
			wantArgs:    []string{"--optimizer", "nag", "--kvstore", "dist_sync"},
		},
		{
			name:        "reserved epochs flag",
			trainerArgs: "--epochs 90",
			wantErr:     true,
		},
		{
			name:        "reserved gpus flag with equals",
			trainerArgs: "--gpus=0,1",
			wantErr:     true,
		},
		{
			name:        "unbalanced quotes",
			trainerArgs: `--optimizer "nag`,
			wantErr:     true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if test.trainerArgs != "" {
				t.Setenv("VISION_RUNNER_TRAINER_ARGS", test.trainerArgs)
			}
			t.Setenv("VISION_RUNNER_TRAINER", "/usr/local/bin/train_imagenet")
			t.Setenv("VISION_RUNNER_MPIRUN", "/usr/bin/mpirun")

			config, err := trainerConfigFromEnv()
			if test.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "/usr/local/bin/train_imagenet", config.Binary)
			assert.Equal(t, "/usr/bin/mpirun", config.MPIRun)
			assert.Equal(t, test.wantArgs, config.ExtraArgs)
		})
	}
}

func TestPredictionCacheFromEnv(t *testing.T) {
	t.Run("disabled without address", func(t *testing.T) {
		t.Setenv("VISION_RUNNER_REDIS", "")
		assert.Nil(t, predictionCacheFromEnv())
	})
	t.Run("enabled with address", func(t *testing.T) {
		t.Setenv("VISION_RUNNER_REDIS", "localhost:6379")
		assert.NotNil(t, predictionCacheFromEnv())
	})
}
