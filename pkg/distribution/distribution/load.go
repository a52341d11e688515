package distribution

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/vision-runner/vision-runner/pkg/distribution/internal/progress"
	"github.com/vision-runner/vision-runner/pkg/distribution/tarball"
)

// LoadModel reads a model archive stream into the store and returns the
// model ID.
func (c *Client) LoadModel(r io.Reader, progressWriter io.Writer) (string, error) {
	c.log.Infoln("Loading model from archive")

	tr := tarball.NewReader(r)
	for {
		diffID, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("reading archive: %w", err)
		}
		if err := c.store.WriteBlob(diffID, tr); err != nil {
			return "", fmt.Errorf("writing blob %q: %w", diffID.String(), err)
		}
	}

	raw, digest, err := tr.Manifest()
	if err != nil {
		return "", fmt.Errorf("reading manifest from archive: %w", err)
	}
	if err := c.store.WriteManifest(digest, raw); err != nil {
		return "", fmt.Errorf("writing manifest: %w", err)
	}

	if err := progress.WriteSuccess(progressWriter, "Model loaded successfully"); err != nil {
		c.log.Warnf("Failed to write success message: %v", err)
	}
	c.log.Infoln("Successfully loaded model:", digest.String())
	return digest.String(), nil
}

// ExportModel writes a model from the store to an archive stream that can be
// loaded again with LoadModel.
func (c *Client) ExportModel(ctx context.Context, reference string, w io.Writer, progressWriter io.Writer) error {
	c.log.Infoln("Exporting model:", reference)

	mdl, err := c.store.Read(reference)
	if err != nil {
		return fmt.Errorf("reading model %q: %w", reference, err)
	}
	target, err := tarball.NewTarget(w)
	if err != nil {
		return fmt.Errorf("creating archive target: %w", err)
	}
	if err := target.Write(ctx, mdl, progressWriter); err != nil {
		return fmt.Errorf("writing archive: %w", err)
	}

	c.log.Infoln("Successfully exported model:", reference)
	return nil
}
