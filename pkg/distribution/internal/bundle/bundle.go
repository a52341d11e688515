package bundle

import (
	"path/filepath"

	"github.com/vision-runner/vision-runner/pkg/distribution/types"
)

// ModelSubdir is the bundle subdirectory holding the checkpoint files.
const ModelSubdir = "model"

var _ types.ModelBundle = (*Bundle)(nil)

// Bundle is a checkpoint unpacked for a runtime: the ONNX graph, its
// external tensor data when present, the category labels, and the runtime
// config.
type Bundle struct {
	dir           string
	graphFile     string // ONNX graph file name within the model subdirectory
	weightsFile   string // external tensor data file name, "" when embedded in the graph
	labelsFile    string // category labels file name
	runtimeConfig types.Config
}

// RootDir returns the path to the bundle root directory
func (b *Bundle) RootDir() string {
	return b.dir
}

// GraphPath returns the path to the ONNX graph file.
func (b *Bundle) GraphPath() string {
	if b.graphFile == "" {
		return ""
	}
	return filepath.Join(b.dir, ModelSubdir, b.graphFile)
}

// WeightsPath returns the path to the external tensor data file or "" if the
// graph embeds its tensor data.
func (b *Bundle) WeightsPath() string {
	if b.weightsFile == "" {
		return ""
	}
	return filepath.Join(b.dir, ModelSubdir, b.weightsFile)
}

// LabelsPath returns the path to the category labels file.
func (b *Bundle) LabelsPath() string {
	if b.labelsFile == "" {
		return ""
	}
	return filepath.Join(b.dir, ModelSubdir, b.labelsFile)
}

// RuntimeConfig returns config that should be respected by the backend at runtime.
func (b *Bundle) RuntimeConfig() types.Config {
	return b.runtimeConfig
}
