package commands

import (
	"bytes"
	"time"

	"github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/vision-runner/vision-runner/cmd/cli/commands/completion"
	"github.com/vision-runner/vision-runner/pkg/inference/scheduling"
)

func newPSCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "ps",
		Short: "List running models",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := runnerClient.PS(cmd.Context())
			if err != nil {
				return handleClientError(err, "Failed to list running models")
			}
			if len(statuses) == 0 {
				cmd.Println("No models are running.")
				return nil
			}
			cmd.Print(runnerTable(statuses))
			return nil
		},
		ValidArgsFunction: completion.NoComplete,
	}
	return c
}

func runnerTable(statuses []scheduling.BackendStatus) string {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)

	table.SetHeader([]string{"MODEL", "BACKEND", "MODE", "LAST USED"})

	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT, // MODEL
		tablewriter.ALIGN_LEFT, // BACKEND
		tablewriter.ALIGN_LEFT, // MODE
		tablewriter.ALIGN_LEFT, // LAST USED
	})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)

	for _, status := range statuses {
		lastUsed := ""
		if !status.LastUsed.IsZero() {
			lastUsed = units.HumanDuration(time.Since(status.LastUsed)) + " ago"
		}
		table.Append([]string{status.ModelName, status.BackendName, status.Mode, lastUsed})
	}

	table.Render()
	return buf.String()
}
