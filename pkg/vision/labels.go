package vision

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// ParseLabels reads newline-delimited category labels into an ordered list.
// Blank lines and a trailing newline are tolerated.
func ParseLabels(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	var labels []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		labels = append(labels, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading labels: %w", err)
	}
	return labels, nil
}

// LoadLabels reads a label file and, when expected > 0, validates the label
// count against it.
func LoadLabels(path string, expected int) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening label file: %w", err)
	}
	defer file.Close()
	labels, err := ParseLabels(file)
	if err != nil {
		return nil, err
	}
	if expected > 0 && len(labels) != expected {
		return nil, fmt.Errorf("label file %s has %d labels, model expects %d",
			path, len(labels), expected)
	}
	return labels, nil
}
