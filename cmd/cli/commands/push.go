package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vision-runner/vision-runner/cmd/cli/commands/completion"
)

func newPushCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "push MODEL",
		Short: "Upload a model to its registry",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf(
					"'vision push' requires 1 argument.\n\n" +
						"Usage:  vision push MODEL\n\n" +
						"See 'vision push --help' for more information",
				)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			response, progressShown, err := runnerClient.Push(cmd.Context(), args[0], TUIProgress)
			if progressShown {
				cmd.Println()
			}
			if err != nil {
				return handleClientError(err, "Failed to push model")
			}
			cmd.Println(response)
			return nil
		},
		ValidArgsFunction: completion.ModelNames(getClient, 1),
	}
	return c
}
