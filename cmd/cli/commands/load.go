package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vision-runner/vision-runner/cmd/cli/commands/completion"
)

func newLoadCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "load FILE",
		Short: "Load a model from a tar archive",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf(
					"'vision load' requires 1 argument.\n\n" +
						"Usage:  vision load FILE\n\n" +
						"See 'vision load --help' for more information",
				)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open archive: %w", err)
			}
			defer file.Close()

			response, progressShown, err := runnerClient.Load(cmd.Context(), file, TUIProgress)
			if progressShown {
				cmd.Println()
			}
			if err != nil {
				return handleClientError(err, "Failed to load model")
			}
			cmd.Println(response)
			return nil
		},
		ValidArgsFunction: completion.NoComplete,
	}
	return c
}
