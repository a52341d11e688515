package commands

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vision-runner/vision-runner/cmd/cli/commands/completion"
	"github.com/vision-runner/vision-runner/pkg/doctor"
)

func newDoctorCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "doctor",
		Short: "Check host readiness for inference and training",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := runnerClient.Doctor(cmd.Context())
			if err != nil {
				return handleClientError(err, "Failed to run host checks")
			}

			pass := color.New(color.FgGreen).SprintFunc()
			warn := color.New(color.FgYellow).SprintFunc()
			fail := color.New(color.FgRed).SprintFunc()
			for _, check := range report.Checks {
				var status string
				switch check.Status {
				case doctor.StatusPass:
					status = pass("PASS")
				case doctor.StatusWarn:
					status = warn("WARN")
				case doctor.StatusFail:
					status = fail("FAIL")
				}
				cmd.Printf("%s  %-20s %s\n", status, check.Name, check.Detail)
			}

			if !report.Healthy() {
				osExit(1)
			}
			return nil
		},
		ValidArgsFunction: completion.NoComplete,
	}
	return c
}
