package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vision-runner/vision-runner/cmd/cli/commands/completion"
)

func newPullCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "pull MODEL",
		Short: "Download a model",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf(
					"'vision pull' requires 1 argument.\n\n" +
						"Usage:  vision pull MODEL\n\n" +
						"See 'vision pull --help' for more information",
				)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			response, progressShown, err := runnerClient.Pull(cmd.Context(), args[0], TUIProgress)
			if progressShown {
				cmd.Println()
			}
			if err != nil {
				return handleClientError(err, "Failed to pull model")
			}
			cmd.Println(response)
			return nil
		},
		ValidArgsFunction: completion.NoComplete,
	}
	return c
}
