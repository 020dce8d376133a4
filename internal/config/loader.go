package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load reads and merges settings from global and project paths.
// Order of precedence (highest to lowest): project file, global file, defaults.
// Missing files are not errors; malformed YAML returns an error.
func Load(globalPath, projectPath string) (*Settings, error) {
	cfg := DefaultSettings()

	if globalPath != "" {
		if err := mergeSettingsFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeSettingsFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings after every layer, flags included, has been applied.
func (s *Settings) Validate() error {
	if err := validateStruct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// GlobalPath returns ~/.taskchain/config.yaml.
func GlobalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, DirName, "config.yaml"), nil
}

// ProjectPath returns .taskchain/config.yaml relative to the working directory.
func ProjectPath() string {
	return filepath.Join(DirName, "config.yaml")
}

// LoadDefault loads settings from the conventional global and project paths.
func LoadDefault() (*Settings, error) {
	globalPath, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, ProjectPath())
}

// mergeSettingsFile reads a YAML settings file and merges it over base.
// Non-zero fields in the file win; adapter references are replaced per key.
func mergeSettingsFile(base *Settings, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil // Missing file is not an error
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded Settings
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	// mergo cannot override true with false through a pointer; apply it by hand
	enabled := loaded.CircuitBreaker.Enabled
	loaded.CircuitBreaker.Enabled = nil

	if err := mergo.Merge(base, loaded, mergo.WithOverride); err != nil {
		return fmt.Errorf("merging %s: %w", path, err)
	}
	if enabled != nil {
		v := *enabled
		base.CircuitBreaker.Enabled = &v
	}
	return nil
}
