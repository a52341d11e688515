package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nxadm/tail"
	"github.com/spf13/cobra"

	"github.com/vision-runner/vision-runner/cmd/cli/commands/completion"
)

func newLogsCmd() *cobra.Command {
	var follow bool
	var job string
	c := &cobra.Command{
		Use:   "logs [--job ID] [OPTIONS]",
		Short: "Fetch the Vision Runner daemon or training job logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if job != "" {
				if err := runnerClient.JobLogs(cmd.Context(), job, follow, cmd.OutOrStdout()); err != nil {
					return handleClientError(err, "Failed to read training job logs")
				}
				return nil
			}

			logFilePath := os.Getenv("VISION_RUNNER_LOG_FILE")
			if logFilePath == "" {
				homeDir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				logFilePath = filepath.Join(homeDir, ".vision-runner", "vision-runner.log")
			}
			if _, err := os.Stat(logFilePath); err != nil {
				return fmt.Errorf("no daemon log file at %s", logFilePath)
			}

			t, err := tail.TailFile(
				logFilePath, tail.Config{Follow: follow, ReOpen: follow},
			)
			if err != nil {
				return err
			}

			for line := range t.Lines {
				fmt.Println(line.Text)
			}

			return nil
		},
		ValidArgsFunction: completion.NoComplete,
	}
	c.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")
	c.Flags().StringVar(&job, "job", "", "Show logs of a training job instead of the daemon")
	return c
}
