package commands

import (
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/spf13/cobra"

	"github.com/vision-runner/vision-runner/cmd/cli/commands/completion"
)

func newTagCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "tag SOURCE TARGET",
		Short: "Tag a model",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf(
					"'vision tag' requires 2 arguments.\n\n" +
						"Usage:  vision tag SOURCE TARGET\n\n" +
						"See 'vision tag --help' for more information",
				)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// Validate the target reference before the round trip.
			if _, err := name.NewTag(args[1]); err != nil {
				return fmt.Errorf("invalid tag: %w", err)
			}
			if err := runnerClient.Tag(cmd.Context(), args[0], args[1]); err != nil {
				return handleClientError(err, "Failed to tag model")
			}
			cmd.Printf("Tagged %s as %s\n", args[0], args[1])
			return nil
		},
		ValidArgsFunction: completion.ModelNames(getClient, 1),
	}
	return c
}
