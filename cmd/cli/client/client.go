// Package client speaks to a vision-runner daemon over its Unix socket or a
// TCP address.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"
)

var (
	// ErrNotFound indicates that the requested model does not exist.
	ErrNotFound = errors.New("model not found")
	// ErrServiceUnavailable indicates that the daemon is not reachable.
	ErrServiceUnavailable = errors.New("service unavailable")
)

// DefaultSocket is the daemon socket path used when none is configured.
const DefaultSocket = "vision-runner.sock"

// Client is a vision-runner daemon API client.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New creates a client. A non-empty host selects TCP transport
// (host:port), otherwise the client dials the given Unix socket.
func New(socket, host string) *Client {
	if host != "" {
		return &Client{
			httpClient: &http.Client{},
			baseURL:    "http://" + host,
		}
	}
	if socket == "" {
		socket = DefaultSocket
	}
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return (&net.Dialer{}).DialContext(ctx, "unix", socket)
				},
			},
		},
		// The host part is ignored by the Unix socket dialer but required
		// for a well-formed URL.
		baseURL: "http://localhost",
	}
}

// FromEnv creates a client configured from VISION_RUNNER_SOCK and
// VISION_RUNNER_HOST.
func FromEnv() *Client {
	return New(os.Getenv("VISION_RUNNER_SOCK"), os.Getenv("VISION_RUNNER_HOST"))
}

// doRequest performs an HTTP request against the daemon and maps 503
// responses onto ErrServiceUnavailable.
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, os.ErrNotExist) {
			return nil, ErrServiceUnavailable
		}
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return nil, ErrServiceUnavailable
		}
		return nil, err
	}

	if resp.StatusCode == http.StatusServiceUnavailable {
		resp.Body.Close()
		return nil, ErrServiceUnavailable
	}

	return resp, nil
}

// errorFromResponse folds a non-2xx response body into an error.
func errorFromResponse(operation string, resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("%s failed with status %s: %s", operation, resp.Status, string(body))
}

// Status describes daemon reachability.
type Status struct {
	Running bool  `json:"running"`
	Error   error `json:"error"`
}

// Status reports whether the daemon answers on its socket.
func (c *Client) Status(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := c.doRequest(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		if errors.Is(err, ErrServiceUnavailable) {
			return Status{Running: false}
		}
		return Status{Running: false, Error: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return Status{Running: true}
	}
	return Status{Running: false, Error: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
}
