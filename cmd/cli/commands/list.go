package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/vision-runner/vision-runner/cmd/cli/commands/completion"
	"github.com/vision-runner/vision-runner/pkg/inference/models"
)

func newListCmd() *cobra.Command {
	var jsonFormat, quiet bool
	c := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List models in the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			modelList, err := runnerClient.List(cmd.Context())
			if err != nil {
				return handleClientError(err, "Failed to list models")
			}

			if jsonFormat {
				pretty, err := json.MarshalIndent(modelList, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal model list: %w", err)
				}
				cmd.Println(string(pretty))
				return nil
			}

			if quiet {
				for _, m := range modelList {
					id, ok := shortID(m.ID)
					if !ok {
						fmt.Fprintf(os.Stderr, "invalid model ID: %s\n", m.ID)
						continue
					}
					cmd.Println(id)
				}
				return nil
			}

			cmd.Print(prettyPrintModels(modelList))
			return nil
		},
		ValidArgsFunction: completion.NoComplete,
	}
	c.Flags().BoolVar(&jsonFormat, "json", false, "Format output as JSON")
	c.Flags().BoolVarP(&quiet, "quiet", "q", false, "Only show model IDs")
	return c
}

// shortID reduces a sha256-prefixed model digest to its 12-character short
// form.
func shortID(id string) (string, bool) {
	if len(id) < 19 {
		return "", false
	}
	return id[7:19], true
}

func prettyPrintModels(modelList []models.Model) string {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)

	table.SetHeader([]string{"MODEL", "ARCHITECTURE", "PARAMETERS", "QUANTIZATION", "INPUT", "MODEL ID", "CREATED", "SIZE"})

	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT, // MODEL
		tablewriter.ALIGN_LEFT, // ARCHITECTURE
		tablewriter.ALIGN_LEFT, // PARAMETERS
		tablewriter.ALIGN_LEFT, // QUANTIZATION
		tablewriter.ALIGN_LEFT, // INPUT
		tablewriter.ALIGN_LEFT, // MODEL ID
		tablewriter.ALIGN_LEFT, // CREATED
		tablewriter.ALIGN_LEFT, // SIZE
	})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)

	for _, m := range modelList {
		tag := "<none>"
		if len(m.Tags) > 0 {
			tag = m.Tags[0]
		}
		id, ok := shortID(m.ID)
		if !ok {
			fmt.Fprintf(os.Stderr, "invalid model ID: %s\n", m.ID)
			continue
		}
		table.Append([]string{
			tag,
			m.Config.Architecture,
			m.Config.Parameters,
			m.Config.Quantization,
			fmt.Sprintf("%dx%d", m.Config.Input.Height, m.Config.Input.Width),
			id,
			units.HumanDuration(time.Since(time.Unix(m.Created, 0))) + " ago",
			m.Config.Size,
		})
	}

	table.Render()
	return buf.String()
}
