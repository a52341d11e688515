package tarball

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
)

// Reader streams an artifact archive produced by Target: blob entries
// first, then the manifest.
type Reader struct {
	tr       *tar.Reader
	manifest []byte
}

// NewReader returns a Reader for the archive stream r.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		tr: tar.NewReader(r),
	}
}

// Next advances to the next blob entry and returns its diffID. It returns
// io.EOF once all blob entries have been consumed.
func (r *Reader) Next() (v1.Hash, error) {
	for {
		hdr, err := r.tr.Next()
		if err == io.EOF {
			return v1.Hash{}, io.EOF
		}
		if err != nil {
			return v1.Hash{}, fmt.Errorf("read archive entry: %w", err)
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}
		name := path.Clean(hdr.Name)
		if name == "manifest.json" {
			raw, err := io.ReadAll(r.tr)
			if err != nil {
				return v1.Hash{}, fmt.Errorf("read manifest entry: %w", err)
			}
			r.manifest = raw
			return v1.Hash{}, io.EOF
		}
		parts := strings.Split(name, "/")
		if len(parts) != 3 || parts[0] != "blobs" {
			continue // not a blob entry
		}
		// Parse the path segments directly since the archive may carry
		// algorithms that v1.NewHash rejects.
		return v1.Hash{
			Algorithm: parts[1],
			Hex:       parts[2],
		}, nil
	}
}

// Read reads the contents of the current blob entry.
func (r *Reader) Read(p []byte) (int, error) {
	return r.tr.Read(p)
}

// Manifest returns the raw manifest and its digest, consuming any remaining
// blob entries first.
func (r *Reader) Manifest() ([]byte, v1.Hash, error) {
	for r.manifest == nil {
		if _, err := r.Next(); err == io.EOF {
			break
		} else if err != nil {
			return nil, v1.Hash{}, err
		}
	}
	if r.manifest == nil {
		return nil, v1.Hash{}, fmt.Errorf("archive contains no manifest")
	}
	digest, _, err := v1.SHA256(bytes.NewReader(r.manifest))
	if err != nil {
		return nil, v1.Hash{}, fmt.Errorf("compute manifest digest: %w", err)
	}
	return r.manifest, digest, nil
}
