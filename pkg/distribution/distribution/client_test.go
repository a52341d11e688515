package distribution

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/sirupsen/logrus"

	"github.com/vision-runner/vision-runner/pkg/distribution/internal/mutate"
	"github.com/vision-runner/vision-runner/pkg/distribution/internal/onnx"
	"github.com/vision-runner/vision-runner/pkg/distribution/internal/progress"
	vrregistry "github.com/vision-runner/vision-runner/pkg/distribution/registry"
	"github.com/vision-runner/vision-runner/pkg/distribution/types"
)

const testLabels = "tabby cat\ntiger cat\nPersian cat\n"

// newTestClient creates a client over a temporary store.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(WithStoreRootPath(t.TempDir()))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return client
}

// newTestRegistry runs an in-process OCI registry and returns its host.
func newTestRegistry(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(registry.New())
	t.Cleanup(server.Close)
	uri, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("Failed to parse registry URL: %v", err)
	}
	return uri.Host
}

// checkpointFixture holds on-disk checkpoint files for building test models.
type checkpointFixture struct {
	graphPath   string
	weightsPath string
	labelsPath  string
	graphData   []byte
}

// newCheckpointFixture writes a graph with the given contents, an external
// weights file, and a label file to a temporary directory.
func newCheckpointFixture(t *testing.T, graphData []byte) checkpointFixture {
	t.Helper()
	dir := t.TempDir()
	f := checkpointFixture{
		graphPath:   filepath.Join(dir, "model.onnx"),
		weightsPath: filepath.Join(dir, "model.onnx.data"),
		labelsPath:  filepath.Join(dir, "labels.txt"),
		graphData:   graphData,
	}
	if err := os.WriteFile(f.graphPath, graphData, 0644); err != nil {
		t.Fatalf("Failed to write graph file: %v", err)
	}
	if err := os.WriteFile(f.weightsPath, []byte("external weight tensors"), 0644); err != nil {
		t.Fatalf("Failed to write weights file: %v", err)
	}
	if err := os.WriteFile(f.labelsPath, []byte(testLabels), 0644); err != nil {
		t.Fatalf("Failed to write labels file: %v", err)
	}
	return f
}

func (f checkpointFixture) model(t *testing.T) types.ModelArtifact {
	t.Helper()
	mdl, err := onnx.NewModel(f.graphPath, f.weightsPath, f.labelsPath, testConfig())
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}
	return mdl
}

func testConfig() types.Config {
	return types.Config{
		Architecture: "resnet50",
		Classes:      3,
		Input: types.InputShape{
			Batch:    1,
			Channels: 3,
			Height:   224,
			Width:    224,
		},
	}
}

// pushFixtureToRegistry builds a checkpoint from the given graph and label
// files and writes it straight to the registry, bypassing any local store.
func pushFixtureToRegistry(graphPath, labelsPath, reference string) error {
	ref, err := name.ParseReference(reference)
	if err != nil {
		return fmt.Errorf("parse ref: %w", err)
	}
	mdl, err := onnx.NewModel(graphPath, "", labelsPath, testConfig())
	if err != nil {
		return fmt.Errorf("new model: %w", err)
	}
	if err := remote.Write(ref, mdl); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// readGraph reads the graph blob of the named model out of the store.
func readGraph(t *testing.T, client *Client, reference string) []byte {
	t.Helper()
	mdl, err := client.GetModel(reference)
	if err != nil {
		t.Fatalf("Failed to get model %q: %v", reference, err)
	}
	graphPath, err := mdl.GraphPath()
	if err != nil {
		t.Fatalf("Failed to get graph path: %v", err)
	}
	content, err := os.ReadFile(graphPath)
	if err != nil {
		t.Fatalf("Failed to read graph blob: %v", err)
	}
	return content
}

func TestPullModel(t *testing.T) {
	host := newTestRegistry(t)
	fixture := newCheckpointFixture(t, []byte("onnx graph for pull tests"))
	tag := host + "/classifiers/resnet:v1.0.0"
	ref, err := name.ParseReference(tag)
	if err != nil {
		t.Fatalf("Failed to parse reference: %v", err)
	}
	if err := remote.Write(ref, fixture.model(t)); err != nil {
		t.Fatalf("Failed to seed registry: %v", err)
	}

	t.Run("without progress writer", func(t *testing.T) {
		client := newTestClient(t)
		if err := client.PullModel(context.Background(), tag, nil); err != nil {
			t.Fatalf("Failed to pull model: %v", err)
		}
		if got := readGraph(t, client, tag); !bytes.Equal(got, fixture.graphData) {
			t.Errorf("Pulled graph doesn't match original: got %q, want %q", got, fixture.graphData)
		}
	})

	t.Run("repeated pull uses cache", func(t *testing.T) {
		client := newTestClient(t)
		if err := client.PullModel(context.Background(), tag, nil); err != nil {
			t.Fatalf("Failed to pull model: %v", err)
		}
		var out bytes.Buffer
		if err := client.PullModel(context.Background(), tag, &out); err != nil {
			t.Fatalf("Failed to re-pull model: %v", err)
		}
		if !strings.Contains(out.String(), "Using cached model") {
			t.Errorf("Expected cached-model message, got %q", out.String())
		}
	})

	t.Run("progress stream is line-delimited JSON", func(t *testing.T) {
		client := newTestClient(t)
		var out bytes.Buffer
		if err := client.PullModel(context.Background(), tag, &out); err != nil {
			t.Fatalf("Failed to pull model: %v", err)
		}

		var messages []progress.Message
		scanner := bufio.NewScanner(&out)
		for scanner.Scan() {
			var msg progress.Message
			if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
				t.Fatalf("Progress line is not JSON: %v, line: %s", err, scanner.Text())
			}
			messages = append(messages, msg)
		}
		if len(messages) == 0 {
			t.Fatal("No progress messages received")
		}
		if last := messages[len(messages)-1]; last.Type != "success" {
			t.Errorf("Expected final success message, got type %q: %s", last.Type, last.Message)
		}
	})

	t.Run("nonexistent model", func(t *testing.T) {
		client := newTestClient(t)
		missing := host + "/classifiers/nope:v1.0.0"
		err := client.PullModel(context.Background(), missing, nil)
		if err == nil {
			t.Fatal("Expected error for nonexistent model")
		}
		var regErr *vrregistry.Error
		if !errors.As(err, &regErr) {
			t.Fatalf("Expected registry error, got %T", err)
		}
		if regErr.Reference != missing || regErr.Code != "NAME_UNKNOWN" {
			t.Errorf("Unexpected registry error fields: %+v", regErr)
		}
		if !errors.Is(err, vrregistry.ErrModelNotFound) {
			t.Errorf("Expected error to match ErrModelNotFound, got %v", err)
		}
	})

	t.Run("invalid reference", func(t *testing.T) {
		client := newTestClient(t)
		err := client.PullModel(context.Background(), "invalid:reference:format", nil)
		if !errors.Is(err, ErrInvalidReference) {
			t.Fatalf("Expected ErrInvalidReference, got %v", err)
		}
	})

	t.Run("unsupported config version", func(t *testing.T) {
		client := newTestClient(t)
		future := mutate.ConfigMediaType(fixture.model(t), "application/vnd.vision.classifier.config.v0.2+json")
		futureTag := host + "/classifiers/future:v1.0.0"
		futureRef, err := name.ParseReference(futureTag)
		if err != nil {
			t.Fatalf("Failed to parse reference: %v", err)
		}
		if err := remote.Write(futureRef, future); err != nil {
			t.Fatalf("Failed to seed registry: %v", err)
		}
		if err := client.PullModel(context.Background(), futureTag, nil); !errors.Is(err, ErrUnsupportedMediaType) {
			t.Fatalf("Expected unsupported media type error, got %v", err)
		}
	})
}

func TestPullReplacesIncompleteBlob(t *testing.T) {
	host := newTestRegistry(t)
	client := newTestClient(t)

	tag := host + "/classifiers/resnet:v1.0.0"
	mdl := newCheckpointFixture(t, []byte("onnx graph for incomplete test")).model(t)
	if err := client.store.Write(mdl, []string{tag}, nil); err != nil {
		t.Fatalf("Failed to write model to store: %v", err)
	}
	if err := client.PushModel(context.Background(), tag, nil); err != nil {
		t.Fatalf("Failed to push model: %v", err)
	}

	// Leave a half-written blob behind, as a crashed pull would.
	stored, err := client.GetModel(tag)
	if err != nil {
		t.Fatalf("Failed to get model: %v", err)
	}
	graphPath, err := stored.GraphPath()
	if err != nil {
		t.Fatalf("Failed to get graph path: %v", err)
	}
	original, err := os.ReadFile(graphPath)
	if err != nil {
		t.Fatalf("Failed to read graph blob: %v", err)
	}
	markerPath := graphPath + ".incomplete"
	if err := os.WriteFile(markerPath, original[:len(original)/2], 0644); err != nil {
		t.Fatalf("Failed to create incomplete file: %v", err)
	}
	if _, err := client.DeleteModel(tag, false); err != nil {
		t.Fatalf("Failed to delete model: %v", err)
	}

	var out bytes.Buffer
	if err := client.PullModel(context.Background(), tag, &out); err != nil {
		t.Fatalf("Failed to re-pull model: %v", err)
	}
	if strings.Contains(out.String(), "Using cached model") {
		t.Error("Expected a fresh download, not the cached model")
	}
	if _, err := os.Stat(markerPath); !os.IsNotExist(err) {
		t.Errorf("Incomplete file still present after pull: %s", markerPath)
	}
	if got := readGraph(t, client, tag); !bytes.Equal(got, original) {
		t.Error("Pulled graph doesn't match the original")
	}
}

func TestPullUpdatedTag(t *testing.T) {
	host := newTestRegistry(t)
	client := newTestClient(t)
	fixture := newCheckpointFixture(t, []byte("onnx graph v1"))
	tag := host + "/classifiers/resnet:latest"

	if err := pushFixtureToRegistry(fixture.graphPath, fixture.labelsPath, tag); err != nil {
		t.Fatalf("Failed to push first version: %v", err)
	}
	if err := client.PullModel(context.Background(), tag, nil); err != nil {
		t.Fatalf("Failed to pull first version: %v", err)
	}
	if got := readGraph(t, client, tag); !bytes.Equal(got, fixture.graphData) {
		t.Fatalf("First pull mismatch: got %q", got)
	}

	// Retrain and re-push under the same tag.
	updated := append(fixture.graphData, []byte(" retrained")...)
	updatedPath := filepath.Join(t.TempDir(), "updated.onnx")
	if err := os.WriteFile(updatedPath, updated, 0644); err != nil {
		t.Fatalf("Failed to write updated graph: %v", err)
	}
	if err := pushFixtureToRegistry(updatedPath, fixture.labelsPath, tag); err != nil {
		t.Fatalf("Failed to push updated version: %v", err)
	}

	var out bytes.Buffer
	if err := client.PullModel(context.Background(), tag, &out); err != nil {
		t.Fatalf("Failed to pull updated version: %v", err)
	}
	if strings.Contains(out.String(), "Using cached model") {
		t.Error("Expected the updated model to be downloaded, not served from cache")
	}
	if got := readGraph(t, client, tag); !bytes.Equal(got, updated) {
		t.Errorf("Updated pull mismatch: got %q, want %q", got, updated)
	}
}

func TestGetModel(t *testing.T) {
	client := newTestClient(t)
	mdl := newCheckpointFixture(t, []byte("onnx graph for get test")).model(t)
	tag := "classifiers/resnet:v1.0.0"
	if err := client.store.Write(mdl, []string{tag}, nil); err != nil {
		t.Fatalf("Failed to write model to store: %v", err)
	}

	stored, err := client.GetModel(tag)
	if err != nil {
		t.Fatalf("Failed to get model: %v", err)
	}
	if tags := stored.Tags(); len(tags) == 0 || tags[0] != tag {
		t.Errorf("Model tags don't match: got %v, want [%s]", tags, tag)
	}

	if _, err := client.GetModel("classifiers/unknown:v1.0.0"); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("Expected ErrModelNotFound, got %v", err)
	}
}

func TestListModels(t *testing.T) {
	client := newTestClient(t)
	tags := []string{"classifiers/resnet:v1.0.0", "classifiers/mobilenet:v1.0.0"}
	for i, tag := range tags {
		mdl := newCheckpointFixture(t, fmt.Appendf(nil, "graph %d", i)).model(t)
		if err := client.store.Write(mdl, []string{tag}, nil); err != nil {
			t.Fatalf("Failed to write model to store: %v", err)
		}
	}

	models, err := client.ListModels()
	if err != nil {
		t.Fatalf("Failed to list models: %v", err)
	}
	if len(models) != len(tags) {
		t.Errorf("Expected %d models, got %d", len(tags), len(models))
	}
	seen := make(map[string]bool)
	for _, mdl := range models {
		for _, tag := range mdl.Tags() {
			seen[tag] = true
		}
	}
	for _, tag := range tags {
		if !seen[tag] {
			t.Errorf("Tag %s not found in listing", tag)
		}
	}
}

func TestGetStorePath(t *testing.T) {
	dir := t.TempDir()
	client, err := NewClient(WithStoreRootPath(dir))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	if got := client.GetStorePath(); got != dir {
		t.Errorf("Store path doesn't match: got %s, want %s", got, dir)
	}
	if _, err := os.Stat(client.GetStorePath()); os.IsNotExist(err) {
		t.Error("Store directory was not created")
	}
}

func TestClientLogger(t *testing.T) {
	client := newTestClient(t)
	if client.log == nil {
		t.Error("Default logger should not be nil")
	}

	custom := logrus.NewEntry(logrus.New())
	client, err := NewClient(WithStoreRootPath(t.TempDir()), WithLogger(custom))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	if client.log != custom {
		t.Error("Custom logger should be used when specified")
	}
}

func TestClientOptionsIgnoreZeroValues(t *testing.T) {
	// Zero-valued options keep the defaults, so callers can pass
	// environment values through unconditionally.
	opts := defaultOptions()
	WithStoreRootPath("/some/path")(opts)
	WithStoreRootPath("")(opts)
	if opts.storeRootPath != "/some/path" {
		t.Errorf("Empty store path overrode the previous value: %q", opts.storeRootPath)
	}

	defaults := defaultOptions()
	WithLogger(nil)(defaults)
	if defaults.logger == nil {
		t.Error("Nil logger overrode the default")
	}
	WithTransport(nil)(defaults)
	if defaults.transport == nil {
		t.Error("Nil transport overrode the default")
	}
	WithUserAgent("")(defaults)
	if defaults.userAgent == "" {
		t.Error("Empty user agent overrode the default")
	}
}

func TestPushModel(t *testing.T) {
	host := newTestRegistry(t)
	client := newTestClient(t)
	tag := host + "/classifiers/resnet:v1.0.0"

	mdl := newCheckpointFixture(t, []byte("onnx graph for push test")).model(t)
	id, err := mdl.ID()
	if err != nil {
		t.Fatalf("Failed to get model ID: %v", err)
	}
	if err := client.store.Write(mdl, []string{tag}, nil); err != nil {
		t.Fatalf("Failed to write model to store: %v", err)
	}

	if err := client.PushModel(context.Background(), tag, nil); err != nil {
		t.Fatalf("Failed to push model: %v", err)
	}

	// A round trip through the registry must preserve the model identity.
	if _, err := client.DeleteModel(tag, false); err != nil {
		t.Fatalf("Failed to delete model: %v", err)
	}
	if err := client.PullModel(context.Background(), tag, nil); err != nil {
		t.Fatalf("Failed to pull model back: %v", err)
	}
	pulled, err := client.GetModel(tag)
	if err != nil {
		t.Fatalf("Failed to get pulled model: %v", err)
	}
	pulledID, err := pulled.ID()
	if err != nil {
		t.Fatalf("Failed to get pulled model ID: %v", err)
	}
	if pulledID != id {
		t.Fatalf("Model IDs don't match after round trip: got %s, want %s", pulledID, id)
	}
}

func TestPushModelProgress(t *testing.T) {
	host := newTestRegistry(t)
	client := newTestClient(t)
	tag := host + "/classifiers/resnet:v1.0.0"

	// The graph must be large enough to produce intermediate updates.
	graphPath, err := randomGraphFile(t, int64(progress.MinBytesForUpdate*2))
	if err != nil {
		t.Fatalf("Failed to create graph file: %v", err)
	}
	labels := newCheckpointFixture(t, []byte("unused")).labelsPath
	mdl, err := onnx.NewModel(graphPath, "", labels, testConfig())
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}
	if err := client.store.Write(mdl, []string{tag}, nil); err != nil {
		t.Fatalf("Failed to write model to store: %v", err)
	}

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		defer pw.Close()
		done <- client.PushModel(t.Context(), tag, pw)
		close(done)
	}()

	var lines []string
	scanner := bufio.NewScanner(pr)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := <-done; err != nil {
		t.Fatalf("Failed to push model: %v", err)
	}

	if len(lines) < 3 {
		t.Fatalf("Expected at least 3 progress messages, got %d", len(lines))
	}
	lastTwo := lines[len(lines)-2:]
	if !strings.Contains(lastTwo[0], "Uploaded:") {
		t.Fatalf("Expected upload progress message, got %q", lastTwo[0])
	}
	if !strings.Contains(lastTwo[1], "success") {
		t.Fatalf("Expected final success message, got %q", lastTwo[1])
	}
}

func TestPushModelNotFound(t *testing.T) {
	client := newTestClient(t)
	if err := client.PushModel(t.Context(), "classifiers/unknown:latest", nil); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("Expected ErrModelNotFound, got %v", err)
	}
}

func TestTagModel(t *testing.T) {
	client := newTestClient(t)
	mdl := newCheckpointFixture(t, []byte("onnx graph for tag test")).model(t)
	id, err := mdl.ID()
	if err != nil {
		t.Fatalf("Failed to get model ID: %v", err)
	}
	if err := client.store.Write(mdl, []string{"classifiers/resnet:v1.0"}, nil); err != nil {
		t.Fatalf("Failed to write model to store: %v", err)
	}

	// Tagging by ID supports retag workflows that never mention a repo.
	if err := client.Tag(id, "classifiers/resnet:latest"); err != nil {
		t.Fatalf("Failed to tag model by ID: %v", err)
	}
	if err := client.Tag(id, "staging/resnet:candidate"); err != nil {
		t.Fatalf("Failed to tag model again: %v", err)
	}

	stored, err := client.GetModel("classifiers/resnet:v1.0")
	if err != nil {
		t.Fatalf("Failed to get model: %v", err)
	}
	if len(stored.Tags()) != 3 {
		t.Fatalf("Expected 3 tags, got %v", stored.Tags())
	}
	for _, tag := range []string{"classifiers/resnet:latest", "staging/resnet:candidate"} {
		if _, err := client.GetModel(tag); err != nil {
			t.Errorf("Failed to get model by tag %q: %v", tag, err)
		}
	}

	if err := client.Tag("classifiers/unknown:latest", "staging/unknown:candidate"); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("Expected ErrModelNotFound, got %v", err)
	}
}

// randomGraphFile writes size bytes of random data to a temp file standing
// in for a large ONNX graph.
func randomGraphFile(t *testing.T, size int64) (string, error) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "graph-*.onnx")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, io.LimitReader(rand.Reader, size)); err != nil {
		return "", fmt.Errorf("write random data: %w", err)
	}
	return f.Name(), nil
}
