package archive

import (
	"path/filepath"
	"testing"
)

func TestCheckRelative(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name     string
		filename string
		wantErr  bool
	}{
		{
			name:     "plain file",
			filename: "lib/libonnxruntime.so",
			wantErr:  false,
		},
		{
			name:     "dot segments that stay inside",
			filename: "lib/./libonnxruntime.so",
			wantErr:  false,
		},
		{
			name:     "parent escape",
			filename: "../outside",
			wantErr:  true,
		},
		{
			name:     "nested parent escape",
			filename: "lib/../../outside",
			wantErr:  true,
		},
		{
			name:     "absolute path",
			filename: "/etc/passwd",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := CheckRelative(dir, tt.filename)
			if tt.wantErr {
				if err == nil {
					t.Errorf("CheckRelative(%q) succeeded with %q, expected error", tt.filename, target)
				}
				return
			}
			if err != nil {
				t.Errorf("CheckRelative(%q) failed: %v", tt.filename, err)
				return
			}
			if rel, err := filepath.Rel(dir, target); err != nil || rel == ".." || filepath.IsAbs(rel) {
				t.Errorf("CheckRelative(%q) returned %q outside %q", tt.filename, target, dir)
			}
		})
	}
}

func TestCheckSymlink(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name     string
		linkName string
		linkDest string
		wantErr  bool
	}{
		{
			name:     "relative link inside",
			linkName: "lib/current",
			linkDest: "v1.21.0",
			wantErr:  false,
		},
		{
			name:     "absolute link",
			linkName: "lib/current",
			linkDest: "/usr/lib",
			wantErr:  true,
		},
		{
			name:     "escaping link",
			linkName: "lib/current",
			linkDest: "../../outside",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckSymlink(dir, tt.linkName, tt.linkDest)
			if tt.wantErr && err == nil {
				t.Errorf("CheckSymlink(%q -> %q) succeeded, expected error", tt.linkName, tt.linkDest)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("CheckSymlink(%q -> %q) failed: %v", tt.linkName, tt.linkDest, err)
			}
		})
	}
}
