package commands

import (
	"github.com/spf13/cobra"

	"github.com/vision-runner/vision-runner/cmd/cli/commands/completion"
)

// Version is the CLI version, overridden at build time.
var Version = "dev"

func newVersionCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "version",
		Short: "Show the Vision Runner version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("Vision Runner version %s\n", Version)
		},
		ValidArgsFunction: completion.NoComplete,
	}
	return c
}
