package bundle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vision-runner/vision-runner/pkg/distribution/types"
)

// Parse returns the Bundle at the given rootDir
func Parse(rootDir string) (*Bundle, error) {
	if fi, err := os.Stat(rootDir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("inspect bundle root dir: %w", err)
	}

	// The model subdirectory is required. A bundle without it predates the
	// current layout and is recreated by the caller.
	modelDir := filepath.Join(rootDir, ModelSubdir)
	if _, err := os.Stat(modelDir); os.IsNotExist(err) {
		return nil, fmt.Errorf("bundle uses old format (missing %s subdirectory), will be recreated", ModelSubdir)
	}

	graphFile, err := findGraphFile(modelDir)
	if err != nil {
		return nil, err
	}
	if graphFile == "" {
		return nil, fmt.Errorf("no ONNX graph found in bundle")
	}

	weightsFile, err := findWeightsFile(modelDir)
	if err != nil {
		return nil, err
	}

	labelsFile, err := findLabelsFile(modelDir)
	if err != nil {
		return nil, err
	}
	if labelsFile == "" {
		return nil, fmt.Errorf("no category labels found in bundle")
	}

	// Runtime config stays at bundle root
	cfg, err := parseRuntimeConfig(rootDir)
	if err != nil {
		return nil, err
	}
	return &Bundle{
		dir:           rootDir,
		graphFile:     graphFile,
		weightsFile:   weightsFile,
		labelsFile:    labelsFile,
		runtimeConfig: cfg,
	}, nil
}

func parseRuntimeConfig(rootDir string) (types.Config, error) {
	f, err := os.Open(filepath.Join(rootDir, configFileName))
	if err != nil {
		return types.Config{}, fmt.Errorf("open runtime config: %w", err)
	}
	defer f.Close()
	var cfg types.Config
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return types.Config{}, fmt.Errorf("decode runtime config: %w", err)
	}
	return cfg, nil
}

func findGraphFile(modelDir string) (string, error) {
	graphs, err := filepath.Glob(filepath.Join(modelDir, "[^.]*.onnx"))
	if err != nil {
		return "", fmt.Errorf("find ONNX graph files: %w", err)
	}
	if len(graphs) == 0 {
		return "", nil
	}
	if len(graphs) > 1 {
		return "", fmt.Errorf("found multiple .onnx files, but only 1 is supported")
	}
	return filepath.Base(graphs[0]), nil
}

func findWeightsFile(modelDir string) (string, error) {
	weights, err := filepath.Glob(filepath.Join(modelDir, "[^.]*.onnx.data"))
	if err != nil {
		return "", fmt.Errorf("find tensor data files: %w", err)
	}
	if len(weights) == 0 {
		// Tensor data is optional - small graphs embed it.
		return "", nil
	}
	return filepath.Base(weights[0]), nil
}

func findLabelsFile(modelDir string) (string, error) {
	if _, err := os.Stat(filepath.Join(modelDir, labelsFileName)); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("find labels file: %w", err)
	}
	return labelsFileName, nil
}
