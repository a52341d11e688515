package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/vision-runner/vision-runner/cmd/cli/client"
)

// runnerClient is the daemon client shared by all commands. It is
// initialized before any command runs.
var runnerClient *client.Client

// getClient hands the shared client to completion callbacks, which may run
// before command execution.
func getClient() *client.Client {
	if runnerClient == nil {
		runnerClient = client.FromEnv()
	}
	return runnerClient
}

// NewRootCmd returns the root of the vision command tree.
func NewRootCmd() *cobra.Command {
	var socket, host string

	rootCmd := &cobra.Command{
		Use:           "vision",
		Short:         "Vision Runner",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if socket == "" {
				socket = os.Getenv("VISION_RUNNER_SOCK")
			}
			if host == "" {
				host = os.Getenv("VISION_RUNNER_HOST")
			}
			runnerClient = client.New(socket, host)
		},
	}
	rootCmd.PersistentFlags().StringVar(&socket, "sock", "", "Daemon Unix socket path")
	rootCmd.PersistentFlags().StringVar(&host, "host", "", "Daemon TCP address (host:port), overrides --sock")

	rootCmd.AddCommand(
		newVersionCmd(),
		newStatusCmd(),
		newDoctorCmd(),
		newPullCmd(),
		newPushCmd(),
		newPackageCmd(),
		newListCmd(),
		newInspectCmd(),
		newClassifyCmd(),
		newRunCmd(),
		newSaveCmd(),
		newLoadCmd(),
		newRemoveCmd(),
		newTagCmd(),
		newPSCmd(),
		newDFCmd(),
		newUnloadCmd(),
		newConfigureCmd(),
		newTrainCmd(),
		newJobsCmd(),
		newLogsCmd(),
	)
	return rootCmd
}
