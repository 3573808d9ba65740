// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package buildcfg loads the per-cell config-override file (this
// repo's analogue of a `.buckconfig`): a small YAML document mapping
// cell root paths to their config-override key/value pairs, the cell
// table's ConfigOverrides field ultimately comes from.
package buildcfg

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Config is the parsed config-overrides file.
type Config struct {
	// Cells maps a cell root path to its config overrides.
	Cells map[string]map[string]string `yaml:"cells"`
	// Aliases maps a short target alias to its fully-qualified target
	// name, used to produce a helpful suggestion on a zero-targets
	// CommandLineError.
	Aliases map[string]string `yaml:"aliases"`
}

// Load reads and parses the config-overrides file at path. A missing
// file is not an error: it is treated as an empty Config, since
// per-cell overrides and aliases are both optional.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("buildcfg: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("buildcfg: parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// OverridesFor returns the config overrides registered for cell root,
// or nil if none are registered.
func (c *Config) OverridesFor(root string) map[string]string {
	if c == nil {
		return nil
	}
	return c.Cells[root]
}

// AliasNames returns up to limit configured alias names, in lexical
// order, for the CommandLineError "try building one of the following
// targets" suggestion on a zero-targets invocation. A non-positive
// limit returns every alias name.
func (c *Config) AliasNames(limit int) []string {
	if c == nil || len(c.Aliases) == 0 {
		return nil
	}
	names := make([]string, 0, len(c.Aliases))
	for name := range c.Aliases {
		names = append(names, name)
	}
	sort.Strings(names)
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}
	return names
}
