package bundle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vision-runner/vision-runner/pkg/distribution/types"
)

const (
	graphFileName   = "model.onnx"
	weightsFileName = "model.onnx.data"
	labelsFileName  = "labels.txt"
	configFileName  = "config.json"
)

// Unpack creates and returns a Bundle by unpacking files and config from model into dir.
func Unpack(dir string, model types.Model) (*Bundle, error) {
	bundle := &Bundle{
		dir: dir,
	}

	if err := os.MkdirAll(filepath.Join(dir, ModelSubdir), 0755); err != nil {
		return nil, fmt.Errorf("create model directory: %w", err)
	}

	if err := unpackGraph(bundle, model); err != nil {
		return nil, fmt.Errorf("add ONNX graph to runtime bundle: %w", err)
	}

	if err := unpackWeights(bundle, model); err != nil {
		return nil, fmt.Errorf("add tensor data to runtime bundle: %w", err)
	}

	if err := unpackLabels(bundle, model); err != nil {
		return nil, fmt.Errorf("add labels to runtime bundle: %w", err)
	}

	// Always create the runtime config
	if err := unpackRuntimeConfig(bundle, model); err != nil {
		return nil, fmt.Errorf("add config.json to runtime bundle: %w", err)
	}

	return bundle, nil
}

func unpackGraph(bundle *Bundle, mdl types.Model) error {
	path, err := mdl.GraphPath()
	if err != nil {
		return fmt.Errorf("get ONNX graph for model: %w", err)
	}
	if err := unpackFile(filepath.Join(bundle.dir, ModelSubdir, graphFileName), path); err != nil {
		return err
	}
	bundle.graphFile = graphFileName
	return nil
}

// unpackWeights links the external tensor data next to the graph under the
// name ONNX Runtime resolves external data references against.
func unpackWeights(bundle *Bundle, mdl types.Model) error {
	path, err := mdl.WeightsPath()
	if err != nil {
		return fmt.Errorf("get tensor data for model: %w", err)
	}
	if path == "" {
		return nil // tensor data embedded in the graph
	}
	if err := unpackFile(filepath.Join(bundle.dir, ModelSubdir, weightsFileName), path); err != nil {
		return err
	}
	bundle.weightsFile = weightsFileName
	return nil
}

func unpackLabels(bundle *Bundle, mdl types.Model) error {
	path, err := mdl.LabelsPath()
	if err != nil {
		return fmt.Errorf("get labels for model: %w", err)
	}
	if err := unpackFile(filepath.Join(bundle.dir, ModelSubdir, labelsFileName), path); err != nil {
		return err
	}
	bundle.labelsFile = labelsFileName
	return nil
}

func unpackRuntimeConfig(bundle *Bundle, mdl types.Model) error {
	cfg, err := mdl.Config()
	if err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(bundle.dir, configFileName))
	if err != nil {
		return fmt.Errorf("create runtime config file: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encode runtime config: %w", err)
	}
	bundle.runtimeConfig = cfg
	return nil
}

func unpackFile(bundlePath string, srcPath string) error {
	return os.Link(srcPath, bundlePath)
}
