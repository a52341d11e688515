package distribution

import (
	"context"
	"os"
	"testing"
)

func TestECRIntegration(t *testing.T) {
	// Skip if ECR integration is not enabled
	if os.Getenv("TEST_ECR_ENABLED") != "true" {
		t.Skip("Skipping ECR integration test")
	}

	// Get ECR tag from environment
	ecrTag := os.Getenv("TEST_ECR_TAG")
	if ecrTag == "" {
		t.Fatal("TEST_ECR_TAG environment variable is required")
	}

	// Create temp directory for store
	tempDir, err := os.MkdirTemp("", "vision-runner-ecr-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}
	defer os.RemoveAll(tempDir)

	// Create client
	client, err := NewClient(WithStoreRootPath(tempDir))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	fixture := newCheckpointFixture(t, []byte("onnx graph for ecr test"))

	// Test push to ECR
	t.Run("Push", func(t *testing.T) {
		mdl := fixture.model(t)
		if err := client.store.Write(mdl, []string{ecrTag}, nil); err != nil {
			t.Fatalf("Failed to write model to store: %v", err)
		}
		if err := client.PushModel(context.Background(), ecrTag, nil); err != nil {
			t.Fatalf("Failed to push model to ECR: %v", err)
		}
		if _, err := client.DeleteModel(ecrTag, false); err != nil { // cleanup
			t.Fatalf("Failed to delete model from store: %v", err)
		}
	})

	// Test pull from ECR
	t.Run("Pull without progress", func(t *testing.T) {
		err := client.PullModel(context.Background(), ecrTag, nil)
		if err != nil {
			t.Fatalf("Failed to pull model from ECR: %v", err)
		}

		model, err := client.GetModel(ecrTag)
		if err != nil {
			t.Fatalf("Failed to get model: %v", err)
		}

		modelPath, err := model.GraphPath()
		if err != nil {
			t.Fatalf("Failed to get model path: %v", err)
		}

		// Verify model content
		pulledContent, err := os.ReadFile(modelPath)
		if err != nil {
			t.Fatalf("Failed to read pulled model: %v", err)
		}

		if string(pulledContent) != string(fixture.graphData) {
			t.Errorf("Pulled model content doesn't match original: got %q, want %q", pulledContent, fixture.graphData)
		}
	})

	// Test get model info
	t.Run("GetModel", func(t *testing.T) {
		model, err := client.GetModel(ecrTag)
		if err != nil {
			t.Fatalf("Failed to get model info: %v", err)
		}

		if len(model.Tags()) == 0 || model.Tags()[0] != ecrTag {
			t.Errorf("Model tags don't match: got %v, want [%s]", model.Tags(), ecrTag)
		}
	})
}
