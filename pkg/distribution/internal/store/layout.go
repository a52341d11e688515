package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Layout describes the on-disk layout version of the store.
type Layout struct {
	Version string `json:"version"`
}

// layoutPath returns the path to the layout file
func (s *LocalStore) layoutPath() string {
	return filepath.Join(s.rootPath, "layout.json")
}

// readLayout reads the layout from the layout file
func (s *LocalStore) readLayout() (Layout, error) {
	data, err := os.ReadFile(s.layoutPath())
	if err != nil {
		return Layout{}, fmt.Errorf("reading layout file: %w", err)
	}

	var layout Layout
	if err := json.Unmarshal(data, &layout); err != nil {
		return Layout{}, fmt.Errorf("unmarshaling layout: %w", err)
	}

	return layout, nil
}

// writeLayout writes the layout to the layout file
func (s *LocalStore) writeLayout(layout Layout) error {
	data, err := json.MarshalIndent(layout, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling layout: %w", err)
	}

	if err := writeFile(s.layoutPath(), data); err != nil {
		return fmt.Errorf("writing layout file: %w", err)
	}

	return nil
}
