package distribution

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/sirupsen/logrus"

	"github.com/vision-runner/vision-runner/pkg/distribution/internal/progress"
	"github.com/vision-runner/vision-runner/pkg/distribution/internal/store"
	"github.com/vision-runner/vision-runner/pkg/distribution/registry"
	"github.com/vision-runner/vision-runner/pkg/distribution/types"
)

// Client manages classifier checkpoints in a local content store and moves
// them to and from OCI registries.
type Client struct {
	store    *store.LocalStore
	log      *logrus.Entry
	registry *registry.Client
}

// GetStorePath returns the root path where models are stored
func (c *Client) GetStorePath() string {
	return c.store.RootPath()
}

// StoreVersion returns the layout version of the underlying store.
func (c *Client) StoreVersion() string {
	return c.store.Version()
}

// Option represents an option for creating a new Client
type Option func(*options)

// options holds the configuration for a new Client
type options struct {
	storeRootPath string
	logger        *logrus.Entry
	transport     http.RoundTripper
	userAgent     string
	username      string
	password      string
}

// WithStoreRootPath sets the store root path
func WithStoreRootPath(path string) Option {
	return func(o *options) {
		if path != "" {
			o.storeRootPath = path
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *logrus.Entry) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTransport sets the HTTP transport to use when pulling and pushing models.
func WithTransport(transport http.RoundTripper) Option {
	return func(o *options) {
		if transport != nil {
			o.transport = transport
		}
	}
}

// WithUserAgent sets the User-Agent header to use when pulling and pushing models.
func WithUserAgent(ua string) Option {
	return func(o *options) {
		if ua != "" {
			o.userAgent = ua
		}
	}
}

// WithRegistryAuth sets basic credentials for registry access, overriding the
// default keychain.
func WithRegistryAuth(username, password string) Option {
	return func(o *options) {
		o.username = username
		o.password = password
	}
}

func defaultOptions() *options {
	return &options{
		logger:    logrus.NewEntry(logrus.StandardLogger()),
		transport: registry.DefaultTransport,
		userAgent: registry.DefaultUserAgent,
	}
}

// NewClient creates a new distribution client
func NewClient(opts ...Option) (*Client, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	if options.storeRootPath == "" {
		return nil, fmt.Errorf("store root path is required")
	}

	s, err := store.New(store.Options{
		RootPath: options.storeRootPath,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	options.logger.Infoln("Successfully initialized store")
	return &Client{
		store: s,
		log:   options.logger,
		registry: registry.NewClient(
			registry.WithTransport(options.transport),
			registry.WithUserAgent(options.userAgent),
			registry.WithAuthConfig(options.username, options.password),
		),
	}, nil
}

// PullModel pulls a model from a registry into the local store.
func (c *Client) PullModel(ctx context.Context, reference string, progressWriter io.Writer) error {
	c.log.Infoln("Starting model pull:", reference)

	// First, check the remote registry for the model's digest
	c.log.Infoln("Checking remote registry for model:", reference)
	remoteModel, err := c.registry.Model(ctx, reference)
	if err != nil {
		c.log.Errorln("Failed to resolve remote model:", err, "reference:", reference)
		return err
	}

	// Check for supported type
	if err := checkCompat(remoteModel); err != nil {
		return err
	}

	// Get the remote image digest
	remoteDigest, err := remoteModel.Digest()
	if err != nil {
		c.log.Errorln("Failed to get remote image digest:", err)
		return fmt.Errorf("getting remote image digest: %w", err)
	}
	c.log.Infoln("Remote model digest:", remoteDigest.String())

	// Check if model exists in local store
	if localModel, err := c.store.Read(remoteDigest.String()); err == nil {
		c.log.Infoln("Model found in local store:", reference)
		size, err := checkpointSize(localModel)
		if err != nil {
			return err
		}

		// Report progress for local model
		if err := progress.WriteSuccess(progressWriter, fmt.Sprintf("Using cached model: %.2f MB", float64(size)/1024/1024)); err != nil {
			c.log.Warnf("Writing progress: %v", err)
		}

		// Ensure model has the correct tag
		if err := c.store.AddTags(remoteDigest.String(), []string{reference}); err != nil {
			return fmt.Errorf("tagging model: %w", err)
		}
		return nil
	}
	c.log.Infoln("Model not found in local store, pulling from remote:", reference)

	var total int64
	if manifest, err := remoteModel.Manifest(); err == nil {
		for _, layer := range manifest.Layers {
			total += layer.Size
		}
	}

	pr := progress.NewProgressReporter(progressWriter, progress.PullMsg, total, nil)
	updates := pr.Updates()
	err = c.store.Write(remoteModel, []string{reference}, updates)
	close(updates)
	if werr := pr.Wait(); werr != nil {
		c.log.Warnf("Failed to write progress: %v", werr)
	}
	if err != nil {
		if writeErr := progress.WriteError(progressWriter, fmt.Sprintf("Error: %s", err.Error())); writeErr != nil {
			c.log.Warnf("Failed to write error message: %v", writeErr)
		}
		return fmt.Errorf("writing image to store: %w", err)
	}

	if err := progress.WriteSuccess(progressWriter, "Model pulled successfully"); err != nil {
		c.log.Warnf("Failed to write success message: %v", err)
	}

	return nil
}

// ListModels returns all available models
func (c *Client) ListModels() ([]types.Model, error) {
	c.log.Infoln("Listing available models")
	modelInfos, err := c.store.List()
	if err != nil {
		c.log.Errorln("Failed to list models:", err)
		return nil, fmt.Errorf("listing models: %w", err)
	}

	result := make([]types.Model, 0, len(modelInfos))
	for _, modelInfo := range modelInfos {
		model, err := c.store.Read(modelInfo.ID)
		if err != nil {
			c.log.Warnf("Failed to read model %s: %v", modelInfo.ID, err)
			continue
		}
		result = append(result, model)
	}

	c.log.Infoln("Successfully listed models, count:", len(result))
	return result, nil
}

// GetModel returns a model by reference
func (c *Client) GetModel(reference string) (types.Model, error) {
	c.log.Infoln("Getting model by reference:", reference)
	model, err := c.store.Read(reference)
	if err != nil {
		c.log.Errorln("Failed to get model:", err, "reference:", reference)
		return nil, fmt.Errorf("get model %q: %w", reference, err)
	}

	return model, nil
}

// GetBundle returns an unpacked on-disk bundle for the model, creating it if
// necessary.
func (c *Client) GetBundle(reference string) (types.ModelBundle, error) {
	c.log.Infoln("Getting model bundle:", reference)
	bundle, err := c.store.BundleForModel(reference)
	if err != nil {
		c.log.Errorln("Failed to get model bundle:", err, "reference:", reference)
		return nil, fmt.Errorf("bundle for model %q: %w", reference, err)
	}
	return bundle, nil
}

// Tag adds a tag to a model
func (c *Client) Tag(source string, target string) error {
	c.log.Infoln("Tagging model, source:", source, "target:", target)
	return c.store.AddTags(source, []string{target})
}

// PushModel pushes a tagged model from the content store to the registry.
func (c *Client) PushModel(ctx context.Context, tag string, progressWriter io.Writer) error {
	target, err := c.registry.NewTarget(tag)
	if err != nil {
		return err
	}

	// Get the model from the store
	mdl, err := c.store.Read(tag)
	if err != nil {
		return fmt.Errorf("reading model: %w", err)
	}

	// Push the model
	c.log.Infoln("Pushing model:", tag)
	if err := target.Write(ctx, mdl, progressWriter); err != nil {
		c.log.Errorln("Failed to push model:", err, "reference:", tag)
		if writeErr := progress.WriteError(progressWriter, fmt.Sprintf("Error: %s", err.Error())); writeErr != nil {
			c.log.Warnf("Failed to write error message: %v", writeErr)
		}
		return fmt.Errorf("pushing model: %w", err)
	}

	c.log.Infoln("Successfully pushed model:", tag)
	if err := progress.WriteSuccess(progressWriter, "Model pushed successfully"); err != nil {
		c.log.Warnf("Failed to write success message: %v", err)
	}

	return nil
}

// GC removes blobs and manifests that are not referenced by any model,
// returning the digests removed.
func (c *Client) GC() ([]string, error) {
	c.log.Infoln("Collecting unreferenced store content")
	removed, err := c.store.GC()
	if err != nil {
		return nil, fmt.Errorf("collecting store garbage: %w", err)
	}
	c.log.Infoln("Removed unreferenced digests, count:", len(removed))
	return removed, nil
}

// ResetStore removes all models and reinitializes an empty store.
func (c *Client) ResetStore() error {
	c.log.Infoln("Resetting model store")
	if err := c.store.Reset(); err != nil {
		return fmt.Errorf("resetting store: %w", err)
	}
	return nil
}

// checkpointSize returns the on-disk size of a model's graph and weight blobs.
func checkpointSize(mdl types.Model) (int64, error) {
	graphPath, err := mdl.GraphPath()
	if err != nil {
		return 0, fmt.Errorf("getting graph path: %w", err)
	}
	info, err := os.Stat(graphPath)
	if err != nil {
		return 0, fmt.Errorf("getting file info: %w", err)
	}
	size := info.Size()

	weightsPath, err := mdl.WeightsPath()
	if err != nil {
		return 0, fmt.Errorf("getting weights path: %w", err)
	}
	if weightsPath != "" {
		info, err := os.Stat(weightsPath)
		if err != nil {
			return 0, fmt.Errorf("getting file info: %w", err)
		}
		size += info.Size()
	}
	return size, nil
}

func checkCompat(image v1.Image) error {
	manifest, err := image.Manifest()
	if err != nil {
		return err
	}
	if manifest.Config.MediaType != types.MediaTypeClassifierConfigV01 {
		return fmt.Errorf("config type %q is unsupported: %w", manifest.Config.MediaType, ErrUnsupportedMediaType)
	}
	return nil
}
