package distribution

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/vision-runner/vision-runner/pkg/distribution/internal/onnx"
)

func TestBundle(t *testing.T) {
	// Create temp directory for store
	tempDir := t.TempDir()

	// Create client
	client, err := NewClient(WithStoreRootPath(tempDir))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	// Model with tensor data embedded in the graph
	embedded := newCheckpointFixture(t, []byte("graph with embedded weights"))
	embeddedMdl, err := onnx.NewModel(embedded.graphPath, "", embedded.labelsPath, testConfig())
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}
	embeddedID, err := embeddedMdl.ID()
	if err != nil {
		t.Fatalf("Failed to get model ID: %v", err)
	}
	if err := client.store.Write(embeddedMdl, []string{"some-model"}, nil); err != nil {
		t.Fatalf("Failed to write model to store: %v", err)
	}

	// Model with an external tensor data file
	external := newCheckpointFixture(t, []byte("graph with external weights"))
	externalMdl := external.model(t)
	externalID, err := externalMdl.ID()
	if err != nil {
		t.Fatalf("Failed to get model ID: %v", err)
	}
	if err := client.store.Write(externalMdl, []string{"some-external-model"}, nil); err != nil {
		t.Fatalf("Failed to write model to store: %v", err)
	}

	type testCase struct {
		ref           string
		expectedFiles map[string]string // bundle-relative path -> file with expected contents
		description   string
		expectedErr   error
	}

	tcs := []testCase{
		{
			ref:         "not-existing:tag",
			expectedErr: ErrModelNotFound,
			description: "no such model",
		},
		{
			ref:         embeddedID,
			description: "embedded weights by ID",
			expectedFiles: map[string]string{
				filepath.Join("model", "model.onnx"): embedded.graphPath,
				filepath.Join("model", "labels.txt"): embedded.labelsPath,
			},
		},
		{
			ref:         externalID,
			description: "external weights by ID",
			expectedFiles: map[string]string{
				filepath.Join("model", "model.onnx"):      external.graphPath,
				filepath.Join("model", "model.onnx.data"): external.weightsPath,
				filepath.Join("model", "labels.txt"):      external.labelsPath,
			},
		},
		{
			ref:         "some-external-model",
			description: "external weights by tag",
			expectedFiles: map[string]string{
				filepath.Join("model", "model.onnx"):      external.graphPath,
				filepath.Join("model", "model.onnx.data"): external.weightsPath,
			},
		},
	}

	for _, tc := range tcs {
		t.Run(tc.description, func(t *testing.T) {
			bundle, err := client.GetBundle(tc.ref)
			if !errors.Is(err, tc.expectedErr) {
				t.Fatalf("Expected error %v, got: %v", tc.expectedErr, err)
			}
			if tc.expectedErr != nil {
				return
			}
			for expectedName, shouldMatchContent := range tc.expectedFiles {
				got, err := os.ReadFile(filepath.Join(bundle.RootDir(), expectedName))
				if err != nil {
					t.Fatalf("Failed to read file: %v", err)
				}
				expected, err := os.ReadFile(shouldMatchContent)
				if err != nil {
					t.Fatalf("Failed to read file with expected contents: %v", err)
				}
				if string(got) != string(expected) {
					t.Fatalf("File contents did not match expected contents")
				}
			}

			// The runtime config is unpacked next to the model directory
			if _, err := os.Stat(filepath.Join(bundle.RootDir(), "config.json")); err != nil {
				t.Fatalf("Expected runtime config in bundle: %v", err)
			}
		})
	}

	t.Run("paths reflect bundle layout", func(t *testing.T) {
		bundle, err := client.GetBundle(externalID)
		if err != nil {
			t.Fatalf("Failed to get bundle: %v", err)
		}
		if bundle.GraphPath() != filepath.Join(bundle.RootDir(), "model", "model.onnx") {
			t.Errorf("Unexpected graph path %q", bundle.GraphPath())
		}
		if bundle.WeightsPath() != filepath.Join(bundle.RootDir(), "model", "model.onnx.data") {
			t.Errorf("Unexpected weights path %q", bundle.WeightsPath())
		}
		if bundle.LabelsPath() != filepath.Join(bundle.RootDir(), "model", "labels.txt") {
			t.Errorf("Unexpected labels path %q", bundle.LabelsPath())
		}
		if got := bundle.RuntimeConfig(); got.Classes != testConfig().Classes {
			t.Errorf("Unexpected runtime config classes %d", got.Classes)
		}
	})

	t.Run("embedded weights have no weights path", func(t *testing.T) {
		bundle, err := client.GetBundle(embeddedID)
		if err != nil {
			t.Fatalf("Failed to get bundle: %v", err)
		}
		if bundle.WeightsPath() != "" {
			t.Errorf("Expected empty weights path, got %q", bundle.WeightsPath())
		}
	})
}
