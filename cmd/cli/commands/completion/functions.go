// Package completion provides shell completion helpers for the vision CLI.
package completion

import (
	"github.com/spf13/cobra"

	"github.com/vision-runner/vision-runner/cmd/cli/client"
)

// NoComplete disables file completion for commands without arguments.
func NoComplete(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
	return nil, cobra.ShellCompDirectiveNoFileComp
}

// ModelNames offers completion for models present within the local store.
// A positive limit caps how many model arguments may be completed.
func ModelNames(runnerClient func() *client.Client, limit int) cobra.CompletionFunc {
	return func(cmd *cobra.Command, args []string, _ string) ([]string, cobra.ShellCompDirective) {
		if limit > 0 && len(args) >= limit {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		models, err := runnerClient().List(cmd.Context())
		if err != nil {
			return nil, cobra.ShellCompDirectiveError
		}
		var names []string
		for _, m := range models {
			names = append(names, m.Tags...)
		}
		return names, cobra.ShellCompDirectiveNoFileComp
	}
}
