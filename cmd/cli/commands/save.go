package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vision-runner/vision-runner/cmd/cli/commands/completion"
)

func newSaveCmd() *cobra.Command {
	var output string
	c := &cobra.Command{
		Use:   "save MODEL --output FILE",
		Short: "Save a model to a tar archive",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf(
					"'vision save' requires 1 argument.\n\n" +
						"Usage:  vision save MODEL --output FILE\n\n" +
						"See 'vision save --help' for more information",
				)
			}
			if output == "" {
				return fmt.Errorf(
					"output path is required.\n\n" +
						"See 'vision save --help' for more information",
				)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create archive: %w", err)
			}
			defer file.Close()

			if err := runnerClient.Save(cmd.Context(), args[0], file); err != nil {
				os.Remove(output)
				return handleClientError(err, "Failed to save model")
			}
			cmd.Printf("Model %s saved to %s\n", args[0], output)
			return nil
		},
		ValidArgsFunction: completion.ModelNames(getClient, 1),
	}
	c.Flags().StringVarP(&output, "output", "o", "", "Archive output path (required)")
	return c
}
