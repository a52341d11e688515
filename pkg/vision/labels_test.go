package vision

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLabels(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "trailing newline",
			input: "tabby cat\ntiger cat\nPersian cat\n",
			want:  []string{"tabby cat", "tiger cat", "Persian cat"},
		},
		{
			name:  "no trailing newline",
			input: "tabby cat\ntiger cat",
			want:  []string{"tabby cat", "tiger cat"},
		},
		{
			name:  "blank lines skipped",
			input: "tabby cat\n\ntiger cat\n\n",
			want:  []string{"tabby cat", "tiger cat"},
		},
		{
			name:  "windows line endings",
			input: "tabby cat\r\ntiger cat\r\n",
			want:  []string{"tabby cat", "tiger cat"},
		},
		{
			name:  "empty input",
			input: "",
			want:  nil,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseLabels(strings.NewReader(tc.input))
			if err != nil {
				t.Fatalf("ParseLabels failed: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %d labels, want %d", len(got), len(tc.want))
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("label[%d] = %q, want %q", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestLoadLabels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.txt")
	if err := os.WriteFile(path, []byte("tabby cat\ntiger cat\nPersian cat\n"), 0o644); err != nil {
		t.Fatalf("writing label file: %v", err)
	}

	t.Run("count matches", func(t *testing.T) {
		labels, err := LoadLabels(path, 3)
		if err != nil {
			t.Fatalf("LoadLabels failed: %v", err)
		}
		if len(labels) != 3 {
			t.Errorf("got %d labels, want 3", len(labels))
		}
	})

	t.Run("count mismatch", func(t *testing.T) {
		_, err := LoadLabels(path, 1000)
		if err == nil || !strings.Contains(err.Error(), "model expects 1000") {
			t.Fatalf("expected count mismatch error, got %v", err)
		}
	})

	t.Run("validation skipped", func(t *testing.T) {
		labels, err := LoadLabels(path, 0)
		if err != nil {
			t.Fatalf("LoadLabels failed: %v", err)
		}
		if len(labels) != 3 {
			t.Errorf("got %d labels, want 3", len(labels))
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadLabels(filepath.Join(t.TempDir(), "nope.txt"), 0); err == nil {
			t.Fatal("expected error for missing file")
		}
	})
}
