package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgnsrekt/pagecopy/internal/target"
	"gopkg.in/yaml.v3"
)

// TargetsFile is the top-level YAML layout of a descriptor file:
//
//	targets:
//	  - locator: {kind: id, value: ftwp-postcontent}
//	    label: "Copy #ftwp-postcontent"
//	    control_id: gm-copy-ftwp-button
//	    position: {bottom: 20, right: 20}
type TargetsFile struct {
	Targets []target.Descriptor `yaml:"targets"`
}

// LoadTargets reads and validates a descriptor YAML file.
func LoadTargets(path string) ([]target.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("targets config: %w", err)
	}
	var f TargetsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("targets config: %w", err)
	}
	if err := target.ValidateAll(f.Targets); err != nil {
		return nil, fmt.Errorf("targets config: %w", err)
	}
	return f.Targets, nil
}

// ResolveTargets returns the descriptors from path, or the built-in defaults
// when path is empty or the file does not exist.
func ResolveTargets(path string) ([]target.Descriptor, error) {
	if path == "" {
		return target.Defaults(), nil
	}
	ds, err := LoadTargets(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("targets file not found, using defaults", "path", path)
		return target.Defaults(), nil
	}
	return ds, err
}
