package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vision-runner/vision-runner/cmd/cli/commands/completion"
	"github.com/vision-runner/vision-runner/pkg/training"
)

func newTrainCmd() *cobra.Command {
	var request training.CreateJobRequest
	var follow bool

	c := &cobra.Command{
		Use:   "train --data-train PATH --model-prefix PATH [OPTIONS]",
		Short: "Launch a distributed training job",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return fmt.Errorf(
					"'vision train' takes no arguments.\n\n" +
						"See 'vision train --help' for more information",
				)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := runnerClient.Train(cmd.Context(), request)
			if err != nil {
				return handleClientError(err, "Failed to create training job")
			}
			cmd.Printf("Created training job %s\n", job.ID)

			if !follow {
				return nil
			}
			if err := runnerClient.JobLogs(cmd.Context(), job.ID, true, cmd.OutOrStdout()); err != nil {
				return handleClientError(err, "Failed to follow training job logs")
			}
			job, err = runnerClient.Job(cmd.Context(), job.ID)
			if err != nil {
				return handleClientError(err, "Failed to read training job")
			}
			cmd.Printf("Training job %s %s\n", job.ID, job.State)
			if job.State == training.JobStateFailed {
				return fmt.Errorf("training job failed: %s", job.Error)
			}
			return nil
		},
		ValidArgsFunction: completion.NoComplete,
	}

	c.Flags().StringVar(&request.DataTrain, "data-train", "", "Training data path on the daemon host (required)")
	c.Flags().StringVar(&request.DataVal, "data-val", "", "Validation data path on the daemon host")
	c.Flags().StringVar(&request.ModelPrefix, "model-prefix", "", "Checkpoint output path prefix (required)")
	c.Flags().IntVar(&request.BatchSize, "batch-size", 128, "Per-step batch size")
	c.Flags().IntVar(&request.Epochs, "epochs", 1, "Number of training epochs")
	c.Flags().Float64Var(&request.LearningRate, "lr", 0, "Initial learning rate (0 keeps the trainer default)")
	c.Flags().IntVar(&request.GPUs, "gpus", 1, "Number of GPU workers")
	c.Flags().StringVar(&request.RawExtraArgs, "extra-args", "", "Extra trainer arguments (shell-style string)")
	c.Flags().BoolVarP(&follow, "follow", "f", false, "Stream the job log until completion")
	return c
}
