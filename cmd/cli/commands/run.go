package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vision-runner/vision-runner/cmd/cli/commands/completion"
)

func newRunCmd() *cobra.Command {
	var topK int
	c := &cobra.Command{
		Use:   "run MODEL [IMAGE]",
		Short: "Classify images interactively",
		Long: "Classify a single image, or start an interactive session reading " +
			"image paths from standard input when no image is given.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 || len(args) > 2 {
				return fmt.Errorf(
					"'vision run' requires at least 1 argument.\n\n" +
						"Usage:  vision run MODEL [IMAGE]\n\n" +
						"See 'vision run --help' for more information",
				)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			model := args[0]
			if len(args) == 2 {
				return classifyOne(cmd, model, args[1], topK)
			}
			return runInteractive(cmd, model, topK)
		},
		ValidArgsFunction: completion.ModelNames(getClient, 1),
	}
	c.Flags().IntVarP(&topK, "top", "k", 0, "Number of predictions to show (default 5)")
	return c
}

func classifyOne(cmd *cobra.Command, model, imagePath string, topK int) error {
	response, err := runnerClient.Classify(cmd.Context(), model, imagePath, topK)
	if err != nil {
		return handleClientError(err, "Failed to classify image")
	}
	for _, prediction := range response.Predictions {
		cmd.Printf("%6.2f%%  %s\n", prediction.Probability*100, prediction.Label)
	}
	return nil
}

// runInteractive reads image paths from stdin and classifies each one. In a
// terminal it shows a prompt; piped input is processed silently.
func runInteractive(cmd *cobra.Command, model string, topK int) error {
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		cmd.Printf("Interactive classification with %s (enter image paths, Ctrl+D to exit)\n", model)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		if interactive {
			cmd.Print("> ")
		}
		if !scanner.Scan() {
			break
		}
		imagePath := strings.TrimSpace(scanner.Text())
		if imagePath == "" {
			continue
		}
		if imagePath == "exit" || imagePath == "quit" {
			break
		}
		if err := classifyOne(cmd, model, imagePath, topK); err != nil {
			// Keep the session alive on per-image failures.
			cmd.PrintErrln(err)
		}
	}
	if interactive {
		cmd.Println()
	}
	return scanner.Err()
}
