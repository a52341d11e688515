package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vision-runner/vision-runner/cmd/cli/commands/completion"
)

func newRemoveCmd() *cobra.Command {
	var force bool
	c := &cobra.Command{
		Use:     "rm MODEL [MODEL...]",
		Aliases: []string{"remove"},
		Short:   "Remove models from the local store",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return fmt.Errorf(
					"'vision rm' requires at least 1 argument.\n\n" +
						"Usage:  vision rm MODEL [MODEL...]\n\n" +
						"See 'vision rm --help' for more information",
				)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := runnerClient.Remove(cmd.Context(), args, force)
			if removed != "" {
				cmd.Print(removed)
			}
			if err != nil {
				return handleClientError(err, "Failed to remove model")
			}
			return nil
		},
		ValidArgsFunction: completion.ModelNames(getClient, -1),
	}
	c.Flags().BoolVarP(&force, "force", "f", false, "Remove a multi-tagged model by ID")
	return c
}
