package onnx

import (
	"encoding/json"
	"fmt"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/partial"
	ggcr "github.com/google/go-containerregistry/pkg/v1/types"

	vrpartial "github.com/vision-runner/vision-runner/pkg/distribution/internal/partial"
	"github.com/vision-runner/vision-runner/pkg/distribution/types"
)

var _ types.ModelArtifact = &Model{}

// Model is an in-memory classifier artifact assembled from local files.
type Model struct {
	configFile types.ConfigFile
	layers     []v1.Layer
}

func (m *Model) Layers() ([]v1.Layer, error) {
	return m.layers, nil
}

func (m *Model) Size() (int64, error) {
	return partial.Size(m)
}

func (m *Model) ConfigName() (v1.Hash, error) {
	return partial.ConfigName(m)
}

func (m *Model) ConfigFile() (*v1.ConfigFile, error) {
	return nil, fmt.Errorf("invalid for model")
}

func (m *Model) Digest() (v1.Hash, error) {
	return partial.Digest(m)
}

func (m *Model) Manifest() (*v1.Manifest, error) {
	return vrpartial.ManifestForLayers(m)
}

func (m *Model) LayerByDigest(hash v1.Hash) (v1.Layer, error) {
	for _, l := range m.layers {
		d, err := l.Digest()
		if err != nil {
			return nil, fmt.Errorf("get layer digest: %w", err)
		}
		if d == hash {
			return l, nil
		}
	}
	return nil, fmt.Errorf("layer not found")
}

func (m *Model) LayerByDiffID(hash v1.Hash) (v1.Layer, error) {
	for _, l := range m.layers {
		d, err := l.DiffID()
		if err != nil {
			return nil, fmt.Errorf("get layer diffID: %w", err)
		}
		if d == hash {
			return l, nil
		}
	}
	return nil, fmt.Errorf("layer not found")
}

func (m *Model) RawManifest() ([]byte, error) {
	return partial.RawManifest(m)
}

func (m *Model) RawConfigFile() ([]byte, error) {
	return json.Marshal(m.configFile)
}

func (m *Model) MediaType() (ggcr.MediaType, error) {
	manifest, err := m.Manifest()
	if err != nil {
		return "", fmt.Errorf("compute manifest: %w", err)
	}
	return manifest.MediaType, nil
}

func (m *Model) ID() (string, error) {
	return vrpartial.ID(m)
}

func (m *Model) Config() (types.Config, error) {
	return vrpartial.Config(m)
}

func (m *Model) Descriptor() (types.Descriptor, error) {
	return vrpartial.Descriptor(m)
}

func (m *Model) GraphPath() (string, error) {
	return vrpartial.GraphPath(m)
}

func (m *Model) WeightsPath() (string, error) {
	return vrpartial.WeightsPath(m)
}

func (m *Model) LabelsPath() (string, error) {
	return vrpartial.LabelsPath(m)
}

func (m *Model) Tags() []string {
	return []string{}
}
