package jsonutil

import (
	"os"
	"path/filepath"
	"testing"
)

type testDoc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestWriteThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	want := testDoc{Name: "resnet", Count: 1000}
	if err := WriteFile(path, want); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	var got testDoc
	if err := ReadFile(path, &got); err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if got != want {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestWriteReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	if err := WriteFile(path, testDoc{Name: "old"}); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := WriteFile(path, testDoc{Name: "new"}); err != nil {
		t.Fatalf("WriteFile over existing file failed: %v", err)
	}

	var got testDoc
	if err := ReadFile(path, &got); err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if got.Name != "new" {
		t.Errorf("expected replacement content, got %q", got.Name)
	}
}

func TestReadMissingFile(t *testing.T) {
	var got testDoc
	err := ReadFile(filepath.Join(t.TempDir(), "absent.json"), &got)
	if !os.IsNotExist(err) {
		t.Errorf("expected a not-exist error, got %v", err)
	}
}

func TestReadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	var got testDoc
	if err := ReadFile(path, &got); err == nil {
		t.Error("expected an error for malformed JSON")
	}
}
