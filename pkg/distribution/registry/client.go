// Package registry reads and writes classifier artifacts in OCI registries.
package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/vision-runner/vision-runner/pkg/distribution/internal/progress"
	"github.com/vision-runner/vision-runner/pkg/distribution/types"
)

const DefaultUserAgent = "vision-runner"

var DefaultTransport = remote.DefaultTransport

// Client resolves model references against remote registries.
type Client struct {
	transport http.RoundTripper
	userAgent string
	keychain  authn.Keychain
	auth      authn.Authenticator
}

type ClientOption func(*Client)

// WithTransport sets the HTTP transport for registry requests. A nil
// transport keeps the default.
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *Client) {
		if transport != nil {
			c.transport = transport
		}
	}
}

// WithUserAgent sets the User-Agent sent to registries.
func WithUserAgent(userAgent string) ClientOption {
	return func(c *Client) {
		if userAgent != "" {
			c.userAgent = userAgent
		}
	}
}

// WithAuthConfig sets basic credentials for the registry. Empty credentials
// keep the ambient keychain, so callers can pass environment values through
// unconditionally.
func WithAuthConfig(username, password string) ClientOption {
	return func(c *Client) {
		if username != "" && password != "" {
			c.auth = &authn.Basic{Username: username, Password: password}
		}
	}
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		transport: DefaultTransport,
		userAgent: DefaultUserAgent,
		keychain:  authn.DefaultKeychain,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// remoteOptions assembles the go-containerregistry options shared by reads
// and writes. Explicit credentials win over the keychain.
func remoteOptions(ctx context.Context, transport http.RoundTripper, userAgent string, keychain authn.Keychain, auth authn.Authenticator) []remote.Option {
	opts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithTransport(transport),
		remote.WithUserAgent(userAgent),
	}
	if auth != nil {
		return append(opts, remote.WithAuth(auth))
	}
	return append(opts, remote.WithAuthFromKeychain(keychain))
}

// Model fetches the artifact at the given reference. Layers are resolved
// lazily, so the manifest round trip is the only immediate network cost.
func (c *Client) Model(ctx context.Context, reference string) (types.ModelArtifact, error) {
	ref, err := name.ParseReference(reference)
	if err != nil {
		return nil, NewReferenceError(reference, err)
	}
	img, err := remote.Image(ref, remoteOptions(ctx, c.transport, c.userAgent, c.keychain, c.auth)...)
	if err != nil {
		return nil, classifyRemoteError(reference, err)
	}
	return &artifact{img}, nil
}

// classifyRemoteError maps go-containerregistry failures onto the
// distribution-spec error codes surfaced to users.
func classifyRemoteError(reference string, err error) error {
	for _, known := range []struct{ code, message string }{
		{"UNAUTHORIZED", "Authentication required for this model"},
		{"MANIFEST_UNKNOWN", "Model not found"},
		{"NAME_UNKNOWN", "Repository not found"},
	} {
		if strings.Contains(err.Error(), known.code) {
			return NewRegistryError(reference, known.code, known.message, err)
		}
	}
	return NewRegistryError(reference, "UNKNOWN", err.Error(), err)
}

// Target is a push destination for a single tag.
type Target struct {
	reference name.Reference
	client    *Client
}

func (c *Client) NewTarget(tag string) (*Target, error) {
	ref, err := name.NewTag(tag)
	if err != nil {
		return nil, fmt.Errorf("invalid tag: %q: %w", tag, err)
	}
	return &Target{reference: ref, client: c}, nil
}

// Write pushes the artifact to the target tag, reporting progress to
// progressWriter as layers upload.
func (t *Target) Write(ctx context.Context, model types.ModelArtifact, progressWriter io.Writer) error {
	layers, err := model.Layers()
	if err != nil {
		return fmt.Errorf("getting layers: %w", err)
	}
	var total int64
	for _, layer := range layers {
		size, err := layer.Size()
		if err != nil {
			return fmt.Errorf("getting layer size: %w", err)
		}
		total += size
	}
	reporter := progress.NewProgressReporter(progressWriter, progress.PushMsg, total, nil)
	defer reporter.Wait()

	c := t.client
	opts := append(
		remoteOptions(ctx, c.transport, c.userAgent, c.keychain, c.auth),
		remote.WithProgress(reporter.Updates()),
	)
	if err := remote.Write(t.reference, model, opts...); err != nil {
		return fmt.Errorf("write to registry %q: %w", t.reference.String(), err)
	}
	return nil
}
