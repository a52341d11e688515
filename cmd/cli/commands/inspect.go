package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vision-runner/vision-runner/cmd/cli/commands/completion"
)

func newInspectCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "inspect MODEL",
		Short: "Display detailed information on one model",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf(
					"'vision inspect' requires 1 argument.\n\n" +
						"Usage:  vision inspect MODEL\n\n" +
						"See 'vision inspect --help' for more information",
				)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			model, err := runnerClient.Inspect(cmd.Context(), args[0])
			if err != nil {
				return handleClientError(err, "Failed to inspect model")
			}
			pretty, err := json.MarshalIndent(model, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal model: %w", err)
			}
			cmd.Println(string(pretty))
			return nil
		},
		ValidArgsFunction: completion.ModelNames(getClient, 1),
	}
	return c
}
