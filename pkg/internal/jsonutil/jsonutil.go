package jsonutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ReadFile parses the contents of a file as JSON.
func ReadFile[T any](path string, result T) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	if err := dec.Decode(&result); err != nil {
		return fmt.Errorf("parsing JSON: %w", err)
	}
	return nil
}

// WriteFile writes a value as JSON to a file, replacing any existing file
// atomically via a temporary file and rename.
func WriteFile[T any](path string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding JSON: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}
