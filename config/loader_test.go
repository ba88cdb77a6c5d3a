// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "beamlens.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
skills: ["runtime"]
client_registry:
  primary: cloud
  clients:
    - name: cloud
      provider: openai
      options:
        model: gpt-4o-mini
alert_handler:
  trigger: on_alert
  max_queue_size: 50
monitor:
  enabled: true
  collection_interval_ms: 5000
  learning_duration_ms: 60000
  z_threshold: 2.5
  consecutive_required: 2
  cooldown_ms: 60000
  history_minutes: 30
  persistence_path: /var/lib/beamlens
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"runtime"}, cfg.Skills)
	assert.Equal(t, "cloud", cfg.ClientRegistry.Primary)
	assert.Equal(t, "openai", cfg.ClientRegistry.Clients[0].Provider)
	assert.Equal(t, "on_alert", cfg.AlertHandler.Trigger)
	assert.Equal(t, 50, cfg.AlertHandler.MaxQueueSize)
	assert.Equal(t, 2.5, cfg.Monitor.ZThreshold)
	assert.Equal(t, "/var/lib/beamlens", cfg.Monitor.PersistencePath)

	// Untouched sections keep their defaults.
	assert.Equal(t, 25, cfg.Coordinator.MaxIterations)
	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BEAMLENS_LOG_LEVEL", "debug")
	t.Setenv("BEAMLENS_REDIS_ADDR", "redis:6379")

	path := writeConfig(t, `
skills: ["runtime"]
client_registry:
  primary: local
  clients:
    - name: local
      provider: ollama
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Cluster.Enabled)
	assert.Equal(t, "redis:6379", cfg.Cluster.Addr)
}

func TestValidate_PrimaryMustBeDeclared(t *testing.T) {
	cfg := Default()
	cfg.ClientRegistry.Primary = "missing"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "primary client")
}

func TestValidate_DuplicateClientNames(t *testing.T) {
	cfg := Default()
	cfg.ClientRegistry.Clients = append(cfg.ClientRegistry.Clients, cfg.ClientRegistry.Clients[0])
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate client name")
}

func TestValidate_WatcherRules(t *testing.T) {
	cfg := Default()
	cfg.Watchers = []WatcherConfig{{Name: "w", Cron: "* * * * *", Skill: "nope"}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown skill")

	cfg.Watchers = []WatcherConfig{{Name: "w", Cron: "not a cron", Skill: "runtime"}}
	require.Error(t, cfg.Validate())

	cfg.Watchers = []WatcherConfig{{Name: "w", Cron: "*/5 * * * *", Skill: "runtime"}}
	require.NoError(t, cfg.Validate())
}

func TestValidate_ScheduleRules(t *testing.T) {
	cfg := Default()

	// Empty skill means the coordinator handles the schedule.
	cfg.Schedules = []ScheduleConfig{{Name: "nightly", Cron: "0 3 * * *", Reason: "nightly sweep"}}
	require.NoError(t, cfg.Validate())

	cfg.Schedules = []ScheduleConfig{{Name: "nightly", Cron: "0 3 * * *", Skill: "nope"}}
	require.Error(t, cfg.Validate())
}

func TestValidate_ClusterAndInflux(t *testing.T) {
	cfg := Default()
	cfg.Cluster.Enabled = true
	cfg.Cluster.Addr = ""
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Influx.Enabled = true
	require.Error(t, cfg.Validate())

	cfg.Influx = InfluxConfig{Enabled: true, URL: "http://influx:8086", Token: "t", Org: "o", Bucket: "b"}
	require.NoError(t, cfg.Validate())
}

func TestValidate_InvalidProvider(t *testing.T) {
	cfg := Default()
	cfg.ClientRegistry.Clients[0].Provider = "anthropic"
	require.Error(t, cfg.Validate())
}

func TestBreakerConfig_ResetTimeout(t *testing.T) {
	cfg := DefaultBreaker()
	assert.Equal(t, int64(30_000), cfg.ResetTimeout().Milliseconds())
}
