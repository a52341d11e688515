package commands

import (
	"bytes"

	"github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/vision-runner/vision-runner/cmd/cli/commands/completion"
	"github.com/vision-runner/vision-runner/pkg/inference/scheduling"
)

func newDFCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "df",
		Short: "Show Vision Runner disk usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			df, err := runnerClient.DF(cmd.Context())
			if err != nil {
				return handleClientError(err, "Failed to read disk usage")
			}
			cmd.Print(diskUsageTable(df))
			return nil
		},
		ValidArgsFunction: completion.NoComplete,
	}
	return c
}

func diskUsageTable(df scheduling.DiskUsage) string {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)

	table.SetHeader([]string{"TYPE", "SIZE"})

	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT, // TYPE
		tablewriter.ALIGN_LEFT, // SIZE
	})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)

	table.Append([]string{"Models", humanSize(df.ModelsDiskUsage)})
	if df.DefaultBackendDiskUsage != 0 {
		table.Append([]string{"Inference runtime", humanSize(df.DefaultBackendDiskUsage)})
	}

	table.Render()
	return buf.String()
}

func humanSize(size int64) string {
	return units.CustomSize("%.2f%s", float64(size), 1000.0, []string{"B", "kB", "MB", "GB", "TB", "PB", "EB", "ZB", "YB"})
}
