package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vision-runner/vision-runner/cmd/cli/commands/completion"
	"github.com/vision-runner/vision-runner/pkg/inference/scheduling"
)

func newUnloadCmd() *cobra.Command {
	var all bool
	var backend string

	const cmdArgs = "(MODEL [MODEL ...] [--backend BACKEND] | --all)"
	c := &cobra.Command{
		Use:   "unload " + cmdArgs,
		Short: "Unload running models",
		RunE: func(cmd *cobra.Command, modelArgs []string) error {
			unloadResp, err := runnerClient.Unload(cmd.Context(), scheduling.UnloadRequest{
				All:     all,
				Backend: backend,
				Models:  modelArgs,
			})
			if err != nil {
				return handleClientError(err, "Failed to unload models")
			}
			unloaded := unloadResp.UnloadedRunners
			if unloaded == 0 {
				if all {
					cmd.Println("No models are running.")
				} else {
					cmd.Println("No such model(s) running.")
				}
			} else {
				cmd.Printf("Unloaded %d model(s).\n", unloaded)
			}
			return nil
		},
		ValidArgsFunction: completion.ModelNames(getClient, -1),
	}
	c.Args = func(cmd *cobra.Command, args []string) error {
		if all {
			if len(args) > 0 {
				return fmt.Errorf(
					"'vision unload' does not take MODEL when --all is specified.\n\n" +
						"Usage:  vision unload " + cmdArgs + "\n\n" +
						"See 'vision unload --help' for more information.",
				)
			}
			return nil
		}
		if len(args) < 1 {
			return fmt.Errorf(
				"'vision unload' requires MODEL unless --all is specified.\n\n" +
					"Usage:  vision unload " + cmdArgs + "\n\n" +
					"See 'vision unload --help' for more information.",
			)
		}
		return nil
	}
	c.Flags().BoolVar(&all, "all", false, "Unload all running models")
	c.Flags().StringVar(&backend, "backend", "", "Optional backend to target")
	return c
}
