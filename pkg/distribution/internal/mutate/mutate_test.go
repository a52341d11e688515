package mutate_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-containerregistry/pkg/v1/static"
	ggcr "github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/vision-runner/vision-runner/pkg/distribution/internal/mutate"
	"github.com/vision-runner/vision-runner/pkg/distribution/internal/onnx"
	"github.com/vision-runner/vision-runner/pkg/distribution/types"
)

// newTestModel assembles a two layer classifier artifact (graph + labels)
// from fixture files.
func newTestModel(t *testing.T) *onnx.Model {
	t.Helper()
	dir := t.TempDir()
	graph := filepath.Join(dir, "model.onnx")
	labels := filepath.Join(dir, "labels.txt")
	if err := os.WriteFile(graph, []byte("onnx graph bytes"), 0o644); err != nil {
		t.Fatalf("Failed to write graph fixture: %v", err)
	}
	if err := os.WriteFile(labels, []byte("tabby cat\ntiger cat\n"), 0o644); err != nil {
		t.Fatalf("Failed to write label fixture: %v", err)
	}
	mdl, err := onnx.NewModel(graph, "", labels, types.Config{
		Classes: 2,
		Input:   types.InputShape{Batch: 1, Channels: 3, Height: 224, Width: 224},
	})
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}
	return mdl
}

func TestAppendLayer(t *testing.T) {
	mdl1 := newTestModel(t)
	manifest1, err := mdl1.Manifest()
	if err != nil {
		t.Fatalf("Failed to get manifest: %v", err)
	}
	if len(manifest1.Layers) != 2 { // begin with graph + labels
		t.Fatalf("Expected 2 layers, got %d", len(manifest1.Layers))
	}

	// Append a layer
	mdl2 := mutate.AppendLayers(mdl1,
		static.NewLayer([]byte("some layer content"), "application/vnd.example.some.media.type"),
	)
	if mdl2 == nil {
		t.Fatal("Expected non-nil model")
	}

	// Check the manifest
	manifest2, err := mdl2.Manifest()
	if err != nil {
		t.Fatalf("Failed to get manifest: %v", err)
	}
	if len(manifest2.Layers) != 3 {
		t.Fatalf("Expected 3 layers, got %d", len(manifest2.Layers))
	}

	// Check the config file
	rawCfg, err := mdl2.RawConfigFile()
	if err != nil {
		t.Fatalf("Failed to get raw config file: %v", err)
	}
	var cfg types.ConfigFile
	if err := json.Unmarshal(rawCfg, &cfg); err != nil {
		t.Fatalf("Failed to unmarshal config file: %v", err)
	}
	if len(cfg.RootFS.DiffIDs) != 3 {
		t.Fatalf("Expected 3 diff ids in rootfs, got %d", len(cfg.RootFS.DiffIDs))
	}
}

func TestConfigMediaTypes(t *testing.T) {
	mdl1 := newTestModel(t)
	manifest1, err := mdl1.Manifest()
	if err != nil {
		t.Fatalf("Failed to get manifest: %v", err)
	}
	if manifest1.Config.MediaType != types.MediaTypeClassifierConfigV01 {
		t.Fatalf("Expected media type %s, got %s", types.MediaTypeClassifierConfigV01, manifest1.Config.MediaType)
	}

	newMediaType := ggcr.MediaType("application/vnd.example.other.type")
	mdl2 := mutate.ConfigMediaType(mdl1, newMediaType)
	manifest2, err := mdl2.Manifest()
	if err != nil {
		t.Fatalf("Failed to get manifest: %v", err)
	}
	if manifest2.Config.MediaType != newMediaType {
		t.Fatalf("Expected media type %s, got %s", newMediaType, manifest2.Config.MediaType)
	}
}
