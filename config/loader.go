// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/beamlens/beamlens/agent/scheduler"
)

// DefaultPath is the config location when none is given.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".beamlens", "beamlens.yaml"), nil
}

// Load reads and validates a config file. Sections absent from the file
// keep their defaults; environment overrides apply last.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read the config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse the config file: %w", err)
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadOrDefault loads the default path, creating it with defaults on
// first run.
func LoadOrDefault() (Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return Default(), err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefault(path); err != nil {
			return Default(), err
		}
	}
	return Load(path)
}

func writeDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// applyEnv applies BEAMLENS_* environment overrides. Only the values
// that differ per deployment rather than per installation are
// overridable.
func applyEnv(cfg *Config) {
	if v := os.Getenv("BEAMLENS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BEAMLENS_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("BEAMLENS_REDIS_ADDR"); v != "" {
		cfg.Cluster.Enabled = true
		cfg.Cluster.Addr = v
	}
	if v := os.Getenv("BEAMLENS_INFLUX_URL"); v != "" {
		cfg.Influx.Enabled = true
		cfg.Influx.URL = v
	}
	if v := os.Getenv("BEAMLENS_INFLUX_TOKEN"); v != "" {
		cfg.Influx.Token = v
	}
}

var validate = validator.New()

// Validate checks the struct constraints plus the cross-field rules the
// tags cannot express.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// The primary client must be declared.
	found := false
	names := make(map[string]struct{}, len(c.ClientRegistry.Clients))
	for _, client := range c.ClientRegistry.Clients {
		if _, dup := names[client.Name]; dup {
			return fmt.Errorf("invalid configuration: duplicate client name %q", client.Name)
		}
		names[client.Name] = struct{}{}
		if client.Name == c.ClientRegistry.Primary {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("invalid configuration: primary client %q not declared", c.ClientRegistry.Primary)
	}

	// Watchers must reference configured skills and valid cron specs.
	skills := make(map[string]struct{}, len(c.Skills))
	for _, s := range c.Skills {
		skills[s] = struct{}{}
	}
	for _, w := range c.Watchers {
		if _, ok := skills[w.Skill]; !ok {
			return fmt.Errorf("invalid configuration: watcher %q references unknown skill %q", w.Name, w.Skill)
		}
		if _, err := scheduler.ParseSpec(w.Cron); err != nil {
			return fmt.Errorf("invalid configuration: watcher %q: %w", w.Name, err)
		}
	}
	for _, s := range c.Schedules {
		if s.Skill != "" {
			if _, ok := skills[s.Skill]; !ok {
				return fmt.Errorf("invalid configuration: schedule %q references unknown skill %q", s.Name, s.Skill)
			}
		}
		if _, err := scheduler.ParseSpec(s.Cron); err != nil {
			return fmt.Errorf("invalid configuration: schedule %q: %w", s.Name, err)
		}
	}

	if c.Cluster.Enabled && c.Cluster.Addr == "" {
		return fmt.Errorf("invalid configuration: cluster enabled without addr")
	}
	if c.Influx.Enabled {
		if c.Influx.URL == "" || c.Influx.Token == "" || c.Influx.Org == "" || c.Influx.Bucket == "" {
			return fmt.Errorf("invalid configuration: influx enabled without url/token/org/bucket")
		}
	}
	return nil
}
