package tarball_test

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/vision-runner/vision-runner/pkg/distribution/internal/onnx"
	"github.com/vision-runner/vision-runner/pkg/distribution/tarball"
	"github.com/vision-runner/vision-runner/pkg/distribution/types"
)

func TestTarget(t *testing.T) {
	f, err := os.CreateTemp("", "tar-test")
	if err != nil {
		t.Fatalf("Failed to create file for tar: %v", err)
	}
	path := f.Name()
	defer os.Remove(f.Name())
	defer f.Close()

	target, err := tarball.NewTarget(f)
	if err != nil {
		t.Fatalf("Failed to create tar target: %v", err)
	}

	dir := t.TempDir()
	graphPath := filepath.Join(dir, "model.onnx")
	graphContents := []byte("onnx graph bytes for tar test")
	if err := os.WriteFile(graphPath, graphContents, 0644); err != nil {
		t.Fatalf("Failed to create graph file: %v", err)
	}
	labelsPath := filepath.Join(dir, "labels.txt")
	labelsContents := []byte("tabby cat\ntiger cat\nPersian cat\n")
	if err := os.WriteFile(labelsPath, labelsContents, 0644); err != nil {
		t.Fatalf("Failed to create labels file: %v", err)
	}

	mdl, err := onnx.NewModel(graphPath, "", labelsPath, types.Config{
		Classes: 3,
		Input: types.InputShape{
			Batch:    1,
			Channels: 3,
			Height:   224,
			Width:    224,
		},
	})
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}

	graphHash, _, err := v1.SHA256(bytes.NewReader(graphContents))
	if err != nil {
		t.Fatalf("Failed to calculate hash: %v", err)
	}
	labelsHash, _, err := v1.SHA256(bytes.NewReader(labelsContents))
	if err != nil {
		t.Fatalf("Failed to calculate hash: %v", err)
	}
	configDigest, err := mdl.ConfigName()
	if err != nil {
		t.Fatalf("Failed to get config digest: %v", err)
	}
	configContents, err := mdl.RawConfigFile()
	if err != nil {
		t.Fatalf("Failed to get raw config: %v", err)
	}
	manifestContents, err := mdl.RawManifest()
	if err != nil {
		t.Fatalf("Failed to get raw manifest contents: %v", err)
	}

	if err := target.Write(t.Context(), mdl, nil); err != nil {
		t.Fatalf("Failed to write model to tar file: %v", err)
	}

	tf, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open file: %v", err)
	}
	defer tf.Close()
	tr := tar.NewReader(tf)
	hasDir(t, tr, "blobs")
	hasDir(t, tr, "blobs/sha256")
	hasFile(t, tr, "blobs/sha256/"+graphHash.Hex, graphContents)
	hasFile(t, tr, "blobs/sha256/"+labelsHash.Hex, labelsContents)
	hasFile(t, tr, "blobs/sha256/"+configDigest.Hex, configContents)
	hasFile(t, tr, "manifest.json", manifestContents)
}

func hasFile(t *testing.T, tr *tar.Reader, name string, contents []byte) {
	hdr, err := tr.Next()
	if err != nil {
		t.Fatalf("Failed to read header: %v", err)
	}
	if hdr.Name != name {
		t.Fatalf("Unexpected next entry with name %q got %q", name, hdr.Name)
	}
	if hdr.Typeflag != tar.TypeReg {
		t.Fatalf("Unexpected entry with name %q to be a file got type %v", name, hdr.Typeflag)
	}
	if hdr.Size != int64(len(contents)) {
		t.Fatalf("Unexpected entry with name %q size %d got %d", name, int64(len(contents)), hdr.Size)
	}
	c, err := io.ReadAll(tr)
	if err != nil {
		t.Fatalf("Failed to read contents: %v", err)
	}
	if !bytes.Equal(contents, c) {
		t.Fatalf("Unexpected contents for file %q", name)
	}
}

func hasDir(t *testing.T, tr *tar.Reader, name string) {
	hdr, err := tr.Next()
	if err != nil {
		t.Fatalf("Failed to read header: %v", err)
	}
	if hdr.Name != name {
		t.Fatalf("Unexpected next entry with name %q got %q", name, hdr.Name)
	}
	if hdr.Typeflag != tar.TypeDir {
		t.Fatalf("Unexpected entry with name %q to be a directory got type %v", name, hdr.Typeflag)
	}
}
