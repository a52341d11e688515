package builder_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/vision-runner/vision-runner/pkg/distribution/builder"
	"github.com/vision-runner/vision-runner/pkg/distribution/types"
)

// fixtures writes a minimal set of classifier input files into a temp
// directory and returns their paths.
func fixtures(t *testing.T) (graph, weights, labels, license string) {
	t.Helper()
	dir := t.TempDir()
	graph = filepath.Join(dir, "model.onnx")
	weights = filepath.Join(dir, "model.onnx.data")
	labels = filepath.Join(dir, "labels.txt")
	license = filepath.Join(dir, "LICENSE")
	for path, content := range map[string]string{
		graph:   "onnx graph bytes",
		weights: "external tensor data",
		labels:  "tabby cat\ntiger cat\npersian cat\n",
		license: "MIT",
	} {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("Failed to write fixture %s: %v", path, err)
		}
	}
	return graph, weights, labels, license
}

func TestBuilder(t *testing.T) {
	graph, weights, labels, _ := fixtures(t)

	b, err := builder.FromONNX(graph)
	if err != nil {
		t.Fatalf("Failed to create builder from ONNX: %v", err)
	}

	b, err = b.WithWeights(weights)
	if err != nil {
		t.Fatalf("Failed to add weights: %v", err)
	}

	b, err = b.WithLabels(labels)
	if err != nil {
		t.Fatalf("Failed to add labels: %v", err)
	}

	// Build the model
	target := &fakeTarget{}
	if err := b.Build(t.Context(), target, nil); err != nil {
		t.Fatalf("Failed to build model: %v", err)
	}

	// Verify the model has the expected layers
	manifest, err := target.artifact.Manifest()
	if err != nil {
		t.Fatalf("Failed to get manifest: %v", err)
	}

	// Should have 3 layers: graph + weights + labels
	if len(manifest.Layers) != 3 {
		t.Fatalf("Expected 3 layers, got %d", len(manifest.Layers))
	}

	if manifest.Layers[0].MediaType != types.MediaTypeONNXGraph {
		t.Fatalf("Expected first layer with media type %s, got %s", types.MediaTypeONNXGraph, manifest.Layers[0].MediaType)
	}
	if manifest.Layers[1].MediaType != types.MediaTypeONNXWeights {
		t.Fatalf("Expected second layer with media type %s, got %s", types.MediaTypeONNXWeights, manifest.Layers[1].MediaType)
	}
	if manifest.Layers[2].MediaType != types.MediaTypeLabels {
		t.Fatalf("Expected third layer with media type %s, got %s", types.MediaTypeLabels, manifest.Layers[2].MediaType)
	}

	// The class count comes from the label file.
	config, err := target.artifact.Config()
	if err != nil {
		t.Fatalf("Failed to get config: %v", err)
	}
	if config.Classes != 3 {
		t.Errorf("Expected 3 classes, got %d", config.Classes)
	}
	if config.Format != types.FormatONNX {
		t.Errorf("Expected format %s, got %s", types.FormatONNX, config.Format)
	}
}

func TestBuilderRequiresLabels(t *testing.T) {
	graph, _, _, _ := fixtures(t)

	b, err := builder.FromONNX(graph)
	if err != nil {
		t.Fatalf("Failed to create builder from ONNX: %v", err)
	}

	if err := b.Build(t.Context(), &fakeTarget{}, nil); err == nil {
		t.Error("Expected error when building without labels")
	}
}

func TestFromONNXInvalidPath(t *testing.T) {
	_, err := builder.FromONNX("nonexistent/path/to/model.onnx")
	if err == nil {
		t.Error("Expected error when creating builder with invalid graph path")
	}
}

func TestWithWeightsInvalidPath(t *testing.T) {
	graph, _, _, _ := fixtures(t)

	b, err := builder.FromONNX(graph)
	if err != nil {
		t.Fatalf("Failed to create builder from ONNX: %v", err)
	}

	_, err = b.WithWeights("nonexistent/path/to/weights")
	if err == nil {
		t.Error("Expected error when adding weights with invalid path")
	}
}

func TestWithLabelsEmptyFile(t *testing.T) {
	graph, _, _, _ := fixtures(t)
	empty := filepath.Join(t.TempDir(), "labels.txt")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatalf("Failed to write empty label file: %v", err)
	}

	b, err := builder.FromONNX(graph)
	if err != nil {
		t.Fatalf("Failed to create builder from ONNX: %v", err)
	}

	if _, err := b.WithLabels(empty); err == nil {
		t.Error("Expected error when adding an empty label file")
	}
}

func TestBuilderChaining(t *testing.T) {
	graph, _, labels, license := fixtures(t)

	b, err := builder.FromONNX(graph)
	if err != nil {
		t.Fatalf("Failed to create builder from ONNX: %v", err)
	}

	// Chain labels + license + metadata
	b, err = b.WithLabels(labels)
	if err != nil {
		t.Fatalf("Failed to add labels: %v", err)
	}

	b, err = b.WithLicense(license)
	if err != nil {
		t.Fatalf("Failed to add license: %v", err)
	}

	b = b.WithArchitecture("resnet-152").
		WithParameters("60.2M").
		WithQuantization("FP16").
		WithInputSize(299, 299).
		WithOutput(types.OutputProbabilities)

	// Build the model
	target := &fakeTarget{}
	if err := b.Build(t.Context(), target, nil); err != nil {
		t.Fatalf("Failed to build model: %v", err)
	}

	// Verify the final model has all expected layers
	manifest, err := target.artifact.Manifest()
	if err != nil {
		t.Fatalf("Failed to get manifest: %v", err)
	}

	// Should have 3 layers: graph + labels + license
	if len(manifest.Layers) != 3 {
		t.Fatalf("Expected 3 layers, got %d", len(manifest.Layers))
	}

	expectedMediaTypes := map[string]bool{
		string(types.MediaTypeONNXGraph): false,
		string(types.MediaTypeLabels):    false,
		string(types.MediaTypeLicense):   false,
	}
	for _, layer := range manifest.Layers {
		if _, exists := expectedMediaTypes[string(layer.MediaType)]; exists {
			expectedMediaTypes[string(layer.MediaType)] = true
		}
	}
	for mediaType, found := range expectedMediaTypes {
		if !found {
			t.Errorf("Expected to find layer with media type %s", mediaType)
		}
	}

	// Check metadata made it into the config
	config, err := target.artifact.Config()
	if err != nil {
		t.Fatalf("Failed to get config: %v", err)
	}
	if config.Architecture != "resnet-152" {
		t.Errorf("Expected architecture resnet-152, got %s", config.Architecture)
	}
	if config.Input.Height != 299 || config.Input.Width != 299 {
		t.Errorf("Expected 299x299 input, got %dx%d", config.Input.Height, config.Input.Width)
	}
	if config.Output != types.OutputProbabilities {
		t.Errorf("Expected output %s, got %s", types.OutputProbabilities, config.Output)
	}
}

var _ builder.Target = &fakeTarget{}

type fakeTarget struct {
	artifact types.ModelArtifact
}

func (ft *fakeTarget) Write(ctx context.Context, artifact types.ModelArtifact, writer io.Writer) error {
	ft.artifact = artifact
	return nil
}
