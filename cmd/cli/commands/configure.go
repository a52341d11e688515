package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vision-runner/vision-runner/cmd/cli/commands/completion"
	"github.com/vision-runner/vision-runner/pkg/inference/scheduling"
)

func newConfigureCmd() *cobra.Command {
	var opts scheduling.ConfigureRequest

	c := &cobra.Command{
		Use:   "configure [--device DEVICE] [--intra-op-threads N] [--inter-op-threads N] MODEL [-- <runtime-flags...>]",
		Short: "Configure runtime options for a model",
		Args: func(cmd *cobra.Command, args []string) error {
			argsBeforeDash := cmd.ArgsLenAtDash()
			if argsBeforeDash == -1 {
				if len(args) != 1 {
					return fmt.Errorf(
						"Exactly one model must be specified, got %d: %v\n\n"+
							"See 'vision configure --help' for more information",
						len(args), args)
				}
			} else {
				if argsBeforeDash != 1 {
					return fmt.Errorf(
						"Exactly one model must be specified before --, got %d\n\n"+
							"See 'vision configure --help' for more information",
						argsBeforeDash)
				}
			}
			opts.Model = args[0]
			opts.RuntimeFlags = args[1:]
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runnerClient.Configure(cmd.Context(), opts); err != nil {
				return handleClientError(err, "Failed to configure model")
			}
			cmd.Printf("Configured %s\n", opts.Model)
			return nil
		},
		ValidArgsFunction: completion.ModelNames(getClient, -1),
	}

	c.Flags().StringVar(&opts.Device, "device", "", "Inference device (auto, cpu, gpu, gpu:N)")
	c.Flags().IntVar(&opts.IntraOpThreads, "intra-op-threads", 0, "Threads used within an operator (0 leaves the runtime default)")
	c.Flags().IntVar(&opts.InterOpThreads, "inter-op-threads", 0, "Threads used across operators (0 leaves the runtime default)")
	return c
}
