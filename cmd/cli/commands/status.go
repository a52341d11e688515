package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/vision-runner/vision-runner/cmd/cli/commands/completion"
)

func newStatusCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "status",
		Short: "Check if the Vision Runner daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			status := runnerClient.Status(cmd.Context())
			if status.Error != nil {
				return handleClientError(status.Error, "Failed to get Vision Runner status")
			}
			if status.Running {
				cmd.Println("Vision Runner is running")
			} else {
				cmd.Println("Vision Runner is not running")
				osExit(1)
			}
			return nil
		},
		ValidArgsFunction: completion.NoComplete,
	}
	return c
}

var osExit = os.Exit
