package atlas

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"tms2mni/internal/errors"
)

// Labels maps discrete atlas indices to region names
type Labels map[int]string

// LoadLabels reads a label dictionary. Files ending in .yaml or .yml hold an
// index to name map; anything else is a text list where line i names index i.
func LoadLabels(path string) (Labels, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return loadYAMLLabels(path)
	default:
		return loadTextLabels(path)
	}
}

func loadYAMLLabels(path string) (Labels, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.FileError(fmt.Errorf("failed to read atlas labels: %w", err), path)
	}

	labels := Labels{}
	if err := yaml.Unmarshal(data, &labels); err != nil {
		return nil, errors.New(fmt.Errorf("failed to parse atlas labels: %w", err)).
			Component("atlas").
			Category(errors.CategoryFileParsing).
			Context("path", path).
			Build()
	}
	return labels, nil
}

func loadTextLabels(path string) (Labels, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.FileError(fmt.Errorf("failed to open atlas labels: %w", err), path)
	}
	defer f.Close()

	labels := Labels{}
	scanner := bufio.NewScanner(f)
	index := 0
	for scanner.Scan() {
		labels[index] = strings.TrimSpace(scanner.Text())
		index++
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.FileError(fmt.Errorf("failed to read atlas labels: %w", err), path)
	}
	return labels, nil
}
