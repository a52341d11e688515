package commands

import (
	"errors"
	"fmt"

	"github.com/vision-runner/vision-runner/cmd/cli/client"
)

var notRunningErr = errors.New(
	"Vision Runner is not running. Start the daemon (vision-runner) and try again.",
)

// handleClientError maps daemon reachability failures onto notRunningErr and
// wraps everything else with context.
func handleClientError(err error, message string) error {
	if errors.Is(err, client.ErrServiceUnavailable) {
		return notRunningErr
	}
	return fmt.Errorf("%s: %w", message, err)
}

// TUIProgress rewrites the current terminal line with a progress message.
func TUIProgress(message string) {
	fmt.Print("\r\033[K", message)
}
