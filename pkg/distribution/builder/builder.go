package builder

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/vision-runner/vision-runner/pkg/distribution/internal/mutate"
	"github.com/vision-runner/vision-runner/pkg/distribution/internal/onnx"
	"github.com/vision-runner/vision-runner/pkg/distribution/internal/partial"
	"github.com/vision-runner/vision-runner/pkg/distribution/types"
)

// Builder builds a classifier artifact from local files. Configuration
// methods return a new *Builder; the artifact is assembled by Build.
type Builder struct {
	graphPath   string
	weightsPath string
	labelsPath  string
	licenses    []string
	cfg         types.Config
}

// FromONNX returns a *Builder that builds a classifier artifact from an ONNX
// graph file.
func FromONNX(path string) (*Builder, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("graph file %q: %w", path, err)
	}
	return &Builder{
		graphPath: path,
		cfg: types.Config{
			Format: types.FormatONNX,
			Input: types.InputShape{
				Batch:    1,
				Channels: 3,
				Height:   224,
				Width:    224,
			},
			Output: types.OutputLogits,
		},
	}, nil
}

// WithWeights adds an external tensor data file referenced by the graph.
func (b *Builder) WithWeights(path string) (*Builder, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("weights file %q: %w", path, err)
	}
	next := *b
	next.weightsPath = path
	return &next, nil
}

// WithLabels adds the newline-delimited category label file and sets the
// class count from its entries. If the class count was set explicitly and
// does not match the file, an error is returned.
func (b *Builder) WithLabels(path string) (*Builder, error) {
	count, err := onnx.CountLabels(path)
	if err != nil {
		return nil, fmt.Errorf("labels from %q: %w", path, err)
	}
	if count == 0 {
		return nil, fmt.Errorf("label file %q contains no entries", path)
	}
	if b.cfg.Classes != 0 && b.cfg.Classes != count {
		return nil, fmt.Errorf("label file %q has %d entries but %d classes were declared",
			path, count, b.cfg.Classes)
	}
	next := *b
	next.labelsPath = path
	next.cfg.Classes = count
	return &next, nil
}

// WithLicense adds a license file to the artifact.
func (b *Builder) WithLicense(path string) (*Builder, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("license file %q: %w", path, err)
	}
	next := *b
	next.licenses = append(append([]string(nil), b.licenses...), path)
	return &next, nil
}

// WithArchitecture sets the network architecture name.
func (b *Builder) WithArchitecture(arch string) *Builder {
	next := *b
	next.cfg.Architecture = arch
	return &next
}

// WithParameters sets the human-readable parameter count.
func (b *Builder) WithParameters(parameters string) *Builder {
	next := *b
	next.cfg.Parameters = parameters
	return &next
}

// WithQuantization sets the tensor precision description.
func (b *Builder) WithQuantization(quantization string) *Builder {
	next := *b
	next.cfg.Quantization = quantization
	return &next
}

// WithInputSize sets the spatial input dimensions. Batch and channel counts
// are fixed at 1 and 3.
func (b *Builder) WithInputSize(height, width int) *Builder {
	next := *b
	next.cfg.Input.Height = height
	next.cfg.Input.Width = width
	return &next
}

// WithPreprocessing sets the image preprocessing description.
func (b *Builder) WithPreprocessing(p types.Preprocessing) *Builder {
	next := *b
	next.cfg.Preprocess = p
	return &next
}

// WithOutput declares whether the model emits logits or probabilities.
func (b *Builder) WithOutput(kind types.OutputKind) *Builder {
	next := *b
	next.cfg.Output = kind
	return &next
}

// Target represents a build target.
type Target interface {
	Write(context.Context, types.ModelArtifact, io.Writer) error
}

// Build finalizes the artifact and writes it to the given target, reporting
// progress to the given writer.
func (b *Builder) Build(ctx context.Context, target Target, pw io.Writer) error {
	if b.labelsPath == "" {
		return fmt.Errorf("a label file is required: use WithLabels")
	}
	mdl, err := onnx.NewModel(b.graphPath, b.weightsPath, b.labelsPath, b.cfg)
	if err != nil {
		return fmt.Errorf("assemble artifact: %w", err)
	}
	var artifact types.ModelArtifact = mdl
	for _, license := range b.licenses {
		licenseLayer, err := partial.NewLayer(license, types.MediaTypeLicense)
		if err != nil {
			return fmt.Errorf("license layer from %q: %w", license, err)
		}
		artifact = mutate.AppendLayers(artifact, licenseLayer)
	}
	return target.Write(ctx, artifact, pw)
}
