package tarball

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"path/filepath"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/vision-runner/vision-runner/pkg/distribution/internal/progress"
	"github.com/vision-runner/vision-runner/pkg/distribution/types"
)

// Target writes an artifact as a tar archive: uncompressed blobs under
// blobs/<algorithm>/<hex>, the config blob alongside them, and the manifest
// at manifest.json. The layout is what Reader expects back on load.
type Target struct {
	writer io.Writer
	// dirs tracks directory entries already emitted so each appears once.
	dirs map[string]struct{}
}

// NewTarget returns a Target writing the archive to w.
func NewTarget(w io.Writer) (*Target, error) {
	return &Target{
		writer: w,
		dirs:   make(map[string]struct{}),
	}, nil
}

// Write streams the artifact into the archive. Layer transfer progress is
// reported to progressWriter when it is non-nil.
func (t *Target) Write(ctx context.Context, mdl types.ModelArtifact, progressWriter io.Writer) error {
	tw := tar.NewWriter(t.writer)
	defer tw.Close()

	if err := t.writeDir(tw, "blobs"); err != nil {
		return err
	}

	layers, err := mdl.Layers()
	if err != nil {
		return fmt.Errorf("get layers: %w", err)
	}
	var layersSize int64
	for _, layer := range layers {
		size, err := layer.Size()
		if err != nil {
			return fmt.Errorf("get layer size: %w", err)
		}
		layersSize += size
	}
	for _, layer := range layers {
		if err := t.writeLayer(tw, layer, progressWriter, layersSize); err != nil {
			return fmt.Errorf("add layer entry: %w", err)
		}
	}

	config, err := mdl.RawConfigFile()
	if err != nil {
		return err
	}
	configName, err := mdl.ConfigName()
	if err != nil {
		return err
	}
	if err := t.writeFile(tw, filepath.Join("blobs", configName.Algorithm, configName.Hex), config); err != nil {
		return fmt.Errorf("write config blob: %w", err)
	}

	manifest, err := mdl.RawManifest()
	if err != nil {
		return err
	}
	if err := t.writeFile(tw, "manifest.json", manifest); err != nil {
		return fmt.Errorf("write manifest.json: %w", err)
	}
	return nil
}

// writeLayer stores a layer's uncompressed content keyed by its diff ID.
func (t *Target) writeLayer(tw *tar.Writer, layer v1.Layer, progressWriter io.Writer, totalSize int64) error {
	diffID, err := layer.DiffID()
	if err != nil {
		return fmt.Errorf("get layer diffID: %w", err)
	}
	if err := t.writeDir(tw, filepath.Join("blobs", diffID.Algorithm)); err != nil {
		return err
	}
	size, err := layer.Size()
	if err != nil {
		return fmt.Errorf("get layer size: %w", err)
	}
	if err := tw.WriteHeader(&tar.Header{
		Name: filepath.Join("blobs", diffID.Algorithm, diffID.Hex),
		Mode: 0666,
		Size: size,
	}); err != nil {
		return fmt.Errorf("write blob file header: %w", err)
	}

	var updates chan<- v1.Update
	if progressWriter != nil {
		reporter := progress.NewProgressReporter(progressWriter, func(update v1.Update) string {
			return fmt.Sprintf("Transferred: %.2f MB", float64(update.Complete)/1024/1024)
		}, totalSize, layer)
		updates = reporter.Updates()
		defer func() {
			close(updates)
			if err := reporter.Wait(); err != nil {
				fmt.Printf("reporter finished with non-fatal error: %v\n", err)
			}
		}()
	}

	rc, err := layer.Uncompressed()
	if err != nil {
		return fmt.Errorf("open layer %q: %w", diffID, err)
	}
	defer rc.Close()
	if _, err := io.Copy(tw, progress.NewReader(rc, updates)); err != nil {
		return fmt.Errorf("copy layer %q: %w", diffID, err)
	}
	return nil
}

func (t *Target) writeFile(tw *tar.Writer, name string, contents []byte) error {
	if err := tw.WriteHeader(&tar.Header{
		Name: name,
		Mode: 0666,
		Size: int64(len(contents)),
	}); err != nil {
		return err
	}
	_, err := tw.Write(contents)
	return err
}

func (t *Target) writeDir(tw *tar.Writer, path string) error {
	if _, ok := t.dirs[path]; ok {
		return nil
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:     path,
		Typeflag: tar.TypeDir,
	}); err != nil {
		return fmt.Errorf("add dir entry %q: %w", path, err)
	}
	t.dirs[path] = struct{}{}
	return nil
}
