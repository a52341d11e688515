package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/vision-runner/vision-runner/pkg/doctor"
)

// Doctor runs the daemon's host provisioning checks.
func (c *Client) Doctor(ctx context.Context) (doctor.Report, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return doctor.Report{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return doctor.Report{}, errorFromResponse("running host checks", resp)
	}

	var report doctor.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return doctor.Report{}, fmt.Errorf("failed to decode doctor report: %w", err)
	}
	return report, nil
}
