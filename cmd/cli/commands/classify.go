package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vision-runner/vision-runner/cmd/cli/commands/completion"
)

func newClassifyCmd() *cobra.Command {
	var topK int
	var jsonFormat, embeddings bool
	c := &cobra.Command{
		Use:   "classify MODEL IMAGE",
		Short: "Classify an image",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf(
					"'vision classify' requires 2 arguments.\n\n" +
						"Usage:  vision classify MODEL IMAGE\n\n" +
						"See 'vision classify --help' for more information",
				)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if embeddings {
				response, err := runnerClient.Embeddings(cmd.Context(), args[0], args[1])
				if err != nil {
					return handleClientError(err, "Failed to extract embeddings")
				}
				pretty, err := json.Marshal(response.Embedding)
				if err != nil {
					return fmt.Errorf("failed to marshal embedding: %w", err)
				}
				cmd.Println(string(pretty))
				return nil
			}

			response, err := runnerClient.Classify(cmd.Context(), args[0], args[1], topK)
			if err != nil {
				return handleClientError(err, "Failed to classify image")
			}
			if jsonFormat {
				pretty, err := json.MarshalIndent(response, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal response: %w", err)
				}
				cmd.Println(string(pretty))
				return nil
			}
			for _, prediction := range response.Predictions {
				cmd.Printf("%6.2f%%  %s\n", prediction.Probability*100, prediction.Label)
			}
			return nil
		},
		ValidArgsFunction: completion.ModelNames(getClient, 1),
	}
	c.Flags().IntVarP(&topK, "top", "k", 0, "Number of predictions to show (default 5)")
	c.Flags().BoolVar(&jsonFormat, "json", false, "Format output as JSON")
	c.Flags().BoolVar(&embeddings, "embeddings", false, "Output the feature vector instead of predictions")
	return c
}
