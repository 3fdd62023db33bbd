package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFromFile reads a single Pipeline from a YAML file.
func LoadFromFile(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		return nil, fmt.Errorf("read pipeline file %s: %w", path, err)
	}

	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse pipeline file %s: %w", path, err)
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("validate pipeline file %s: %w", path, err)
	}

	return &p, nil
}

// LoadFromDirectory reads all .yaml/.yml files from a directory and returns
// the pipelines they define. A missing directory returns an empty slice, not
// an error, so a deployment without file-based definitions stays silent.
func LoadFromDirectory(dir string) ([]Pipeline, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pipeline directory %s: %w", dir, err)
	}

	var pipelines []Pipeline
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		p, err := LoadFromFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, *p)
	}

	return pipelines, nil
}
