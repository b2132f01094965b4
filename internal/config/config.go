// Package config loads the embedder-facing search configuration: default
// library search paths, an LD_PRELOAD-equivalent preload list, and
// per-path trust overrides (NODELETE pinning, disallow unload). The
// linker core never touches the filesystem for this itself — an
// embedding host parses the file and hands the core a *Config.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PathOverride pins per-path load behavior, e.g. forcing NODELETE on a
// library the embedder never wants unmapped mid-process.
type PathOverride struct {
	Path     string `yaml:"path"`
	NoDelete bool   `yaml:"nodelete"`
	Trusted  bool   `yaml:"trusted"`
}

// Config is the top-level search configuration.
type Config struct {
	// SearchPaths is consulted, in order, after an object's own
	// DT_RUNPATH/DT_RPATH when resolving DT_NEEDED entries.
	SearchPaths []string `yaml:"search_paths"`

	// Preload lists sonames (or paths) to load, in order, before the main
	// program's own DT_NEEDED list, mirroring LD_PRELOAD semantics
	// (spec.md §6 Environment).
	Preload []string `yaml:"preload"`

	// Overrides are keyed by canonical path.
	Overrides []PathOverride `yaml:"overrides"`
}

// Default returns an empty, safe-to-use configuration.
func Default() *Config {
	return &Config{}
}

// Load parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// OverrideFor returns the override entry for path, if any.
func (c *Config) OverrideFor(path string) (PathOverride, bool) {
	for _, o := range c.Overrides {
		if o.Path == path {
			return o, true
		}
	}
	return PathOverride{}, false
}

// ParsePreloadEnv splits an LD_PRELOAD-style environment value (colon or
// space separated) into an ordered, deduplicated list of names.
func ParsePreloadEnv(value string) []string {
	var out []string
	seen := make(map[string]bool)
	start := 0
	flush := func(end int) {
		if end > start {
			name := value[start:end]
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	for i, r := range value {
		if r == ':' || r == ' ' {
			flush(i)
			start = i + 1
		}
	}
	flush(len(value))
	return out
}
