package onnx

import (
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/vision-runner/vision-runner/pkg/distribution/internal/partial"
	"github.com/vision-runner/vision-runner/pkg/distribution/types"
)

// NewModel assembles a classifier artifact from local files. graphPath and
// labelsPath are required; weightsPath may be "" for graphs with embedded
// tensor data. The given config is completed with format, size, and creation
// time, then validated.
func NewModel(graphPath, weightsPath, labelsPath string, cfg types.Config) (*Model, error) {
	var layers []v1.Layer
	var diffIDs []v1.Hash
	var totalSize int64

	graphLayer, err := partial.NewLayer(graphPath, types.MediaTypeONNXGraph)
	if err != nil {
		return nil, fmt.Errorf("create graph layer: %w", err)
	}
	layers = append(layers, graphLayer)

	if weightsPath != "" {
		weightsLayer, err := partial.NewLayer(weightsPath, types.MediaTypeONNXWeights)
		if err != nil {
			return nil, fmt.Errorf("create weights layer: %w", err)
		}
		layers = append(layers, weightsLayer)
	}

	labelsLayer, err := partial.NewLayer(labelsPath, types.MediaTypeLabels)
	if err != nil {
		return nil, fmt.Errorf("create labels layer: %w", err)
	}
	layers = append(layers, labelsLayer)

	for _, l := range layers {
		diffID, err := l.DiffID()
		if err != nil {
			return nil, fmt.Errorf("get layer diffID: %w", err)
		}
		diffIDs = append(diffIDs, diffID)
		size, err := l.Size()
		if err != nil {
			return nil, fmt.Errorf("get layer size: %w", err)
		}
		totalSize += size
	}

	if cfg.Format == "" {
		cfg.Format = types.FormatONNX
	}
	if cfg.Size == "" {
		cfg.Size = units.HumanSize(float64(totalSize))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid classifier config: %w", err)
	}

	created := time.Now()
	return &Model{
		configFile: types.ConfigFile{
			Config: cfg,
			Descriptor: types.Descriptor{
				Created: &created,
			},
			RootFS: v1.RootFS{
				Type:    "rootfs",
				DiffIDs: diffIDs,
			},
		},
		layers: layers,
	}, nil
}

// CountLabels returns the number of non-empty newline-delimited entries in
// the label file at path.
func CountLabels(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read label file: %w", err)
	}
	count := 0
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			if len(line) > 0 && !(len(line) == 1 && line[0] == '\r') {
				count++
			}
			start = i + 1
		}
	}
	return count, nil
}
