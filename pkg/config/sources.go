package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SourceConfig is the per-adapter section of the sources file.
type SourceConfig struct {
	Name           string            `yaml:"name"`
	Enabled        *bool             `yaml:"enabled,omitempty"`
	Endpoint       string            `yaml:"endpoint,omitempty"`
	Files          []string          `yaml:"files,omitempty"`
	TimeoutSeconds int               `yaml:"timeout_seconds,omitempty"`
	BatchSize      int               `yaml:"batch_size,omitempty"`
	RatePerSecond  float64           `yaml:"rate_per_second,omitempty"`
	WindowDays     int               `yaml:"window_days,omitempty"`
	Params         map[string]string `yaml:"params,omitempty"`
}

func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Timeout returns the configured per-adapter timeout or def.
func (s SourceConfig) Timeout(def time.Duration) time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return def
}

func (s SourceConfig) Param(key, def string) string {
	if v, ok := s.Params[key]; ok && v != "" {
		return v
	}
	return def
}

type sourcesFile struct {
	Sources []SourceConfig `yaml:"sources"`
}

// Sources indexes source sections by adapter name.
type Sources map[string]SourceConfig

// Get returns the section for name, or a bare enabled section when the file
// does not mention it.
func (s Sources) Get(name string) SourceConfig {
	if sc, ok := s[name]; ok {
		return sc
	}
	return SourceConfig{Name: name}
}

// LoadSources reads a sources YAML file. An empty path yields an empty set.
func LoadSources(path string) (Sources, error) {
	if path == "" {
		return Sources{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sources file: %w", err)
	}
	return ParseSources(data)
}

func ParseSources(data []byte) (Sources, error) {
	var f sourcesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse sources file: %w", err)
	}
	out := make(Sources, len(f.Sources))
	for i, sc := range f.Sources {
		if sc.Name == "" {
			return nil, fmt.Errorf("%w: source %d has no name", ErrInvalidConfig, i)
		}
		if _, dup := out[sc.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate source %q", ErrInvalidConfig, sc.Name)
		}
		if sc.BatchSize != 0 && (sc.BatchSize < MinBatchSize || sc.BatchSize > MaxBatchSize) {
			return nil, fmt.Errorf("%w: source %q batch size must be between %d and %d", ErrInvalidConfig, sc.Name, MinBatchSize, MaxBatchSize)
		}
		out[sc.Name] = sc
	}
	return out, nil
}
