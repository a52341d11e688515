package commands

import (
	"bytes"
	"fmt"
	"time"

	"github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/vision-runner/vision-runner/cmd/cli/commands/completion"
	"github.com/vision-runner/vision-runner/pkg/training"
)

func newJobsCmd() *cobra.Command {
	var cancel string
	c := &cobra.Command{
		Use:   "jobs [--cancel ID]",
		Short: "List or cancel training jobs",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return fmt.Errorf(
					"'vision jobs' takes no arguments.\n\n" +
						"See 'vision jobs --help' for more information",
				)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cancel != "" {
				if err := runnerClient.CancelJob(cmd.Context(), cancel); err != nil {
					return handleClientError(err, "Failed to cancel training job")
				}
				cmd.Printf("Canceled training job %s\n", cancel)
				return nil
			}

			jobs, err := runnerClient.Jobs(cmd.Context())
			if err != nil {
				return handleClientError(err, "Failed to list training jobs")
			}
			if len(jobs) == 0 {
				cmd.Println("No training jobs.")
				return nil
			}
			cmd.Print(jobTable(jobs))
			return nil
		},
		ValidArgsFunction: completion.NoComplete,
	}
	c.Flags().StringVar(&cancel, "cancel", "", "Cancel the training job with the given ID")
	return c
}

func jobTable(jobs []training.Job) string {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)

	table.SetHeader([]string{"JOB ID", "STATE", "GPUS", "EPOCHS", "CREATED", "MODEL PREFIX"})

	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT, // JOB ID
		tablewriter.ALIGN_LEFT, // STATE
		tablewriter.ALIGN_LEFT, // GPUS
		tablewriter.ALIGN_LEFT, // EPOCHS
		tablewriter.ALIGN_LEFT, // CREATED
		tablewriter.ALIGN_LEFT, // MODEL PREFIX
	})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)

	for _, job := range jobs {
		table.Append([]string{
			job.ID,
			string(job.State),
			fmt.Sprintf("%d", job.Spec.GPUs),
			fmt.Sprintf("%d", job.Spec.Epochs),
			units.HumanDuration(time.Since(job.Created)) + " ago",
			job.Spec.ModelPrefix,
		})
	}

	table.Render()
	return buf.String()
}
