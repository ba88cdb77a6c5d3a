// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config defines the supervisor's configuration surface and its
// YAML loader. Every section has a Default constructor; a missing file
// yields a fully usable default configuration.
package config

import (
	"time"
)

// Config is the root configuration.
type Config struct {
	// Skills is the ordered list of built-in skill ids to register,
	// e.g. ["runtime", "tables"]. Custom skills are registered
	// programmatically and are not configured here.
	Skills []string `yaml:"skills" json:"skills" validate:"min=1,dive,required"`

	// Watchers lists the baseline-LLM watchers.
	Watchers []WatcherConfig `yaml:"watchers" json:"watchers" validate:"dive"`

	// Schedules lists plain cron-driven invocations.
	Schedules []ScheduleConfig `yaml:"schedules" json:"schedules" validate:"dive"`

	// ClientRegistry configures the LLM transports.
	ClientRegistry ClientRegistryConfig `yaml:"client_registry" json:"client_registry"`

	// AlertHandler configures the notification bus consumption model.
	AlertHandler AlertHandlerConfig `yaml:"alert_handler" json:"alert_handler"`

	// CircuitBreaker tunes the shared LLM circuit breaker.
	CircuitBreaker BreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`

	// Coordinator tunes coordinator runs.
	Coordinator CoordinatorConfig `yaml:"coordinator" json:"coordinator"`

	// Monitor tunes the statistical anomaly detector.
	Monitor MonitorConfig `yaml:"monitor" json:"monitor"`

	// Cluster configures optional Redis alert fan-out.
	Cluster ClusterConfig `yaml:"cluster" json:"cluster"`

	// Influx configures optional long-term sample retention.
	Influx InfluxConfig `yaml:"influx" json:"influx"`

	// API configures the HTTP surface.
	API APIConfig `yaml:"api" json:"api"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// WatcherConfig is one baseline-LLM watcher entry: shorthand
// {name, cron} plus the watcher tuning.
type WatcherConfig struct {
	Name  string `yaml:"name" json:"name" validate:"required"`
	Cron  string `yaml:"cron" json:"cron" validate:"required"`
	Skill string `yaml:"skill" json:"skill" validate:"required"`

	MinObservations         int  `yaml:"min_observations" json:"min_observations" validate:"gte=0"`
	MaxObservations         int  `yaml:"max_observations" json:"max_observations" validate:"gte=0"`
	MaxAgeMinutes           int  `yaml:"max_age_minutes" json:"max_age_minutes" validate:"gte=0"`
	Investigate             bool `yaml:"investigate" json:"investigate"`
	InvestigationIterations int  `yaml:"investigation_iterations" json:"investigation_iterations" validate:"gte=0"`
}

// ScheduleConfig is one cron-driven invocation in simple mode: the
// handler directly runs the named skill's operator, or the coordinator
// when Skill is empty.
type ScheduleConfig struct {
	Name  string `yaml:"name" json:"name" validate:"required"`
	Cron  string `yaml:"cron" json:"cron" validate:"required"`
	Skill string `yaml:"skill,omitempty" json:"skill,omitempty"`

	// Reason seeds the invocation context.
	Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// ClientRegistryConfig selects the LLM transports.
type ClientRegistryConfig struct {
	// Primary names the default client.
	Primary string `yaml:"primary" json:"primary" validate:"required"`

	Clients []ClientConfig `yaml:"clients" json:"clients" validate:"min=1,dive"`
}

// ClientConfig is one LLM transport.
type ClientConfig struct {
	Name string `yaml:"name" json:"name" validate:"required"`

	// Provider is openai or ollama.
	Provider string `yaml:"provider" json:"provider" validate:"required,oneof=openai ollama"`

	// Options are provider-specific: model, base_url, api_key.
	Options map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
}

// AlertHandlerConfig configures bus consumption.
type AlertHandlerConfig struct {
	// Trigger is on_alert (coordinator invoked as alerts arrive) or
	// manual (alerts accumulate until investigate is called).
	Trigger string `yaml:"trigger" json:"trigger" validate:"oneof=on_alert manual"`

	// MaxQueueSize caps the bus; 0 means unbounded. On overflow the
	// oldest notification is dropped.
	MaxQueueSize int `yaml:"max_queue_size" json:"max_queue_size" validate:"gte=0"`
}

// BreakerConfig tunes the shared circuit breaker.
type BreakerConfig struct {
	Enabled          bool `yaml:"enabled" json:"enabled"`
	FailureThreshold int  `yaml:"failure_threshold" json:"failure_threshold" validate:"gte=1"`
	ResetTimeoutMs   int  `yaml:"reset_timeout_ms" json:"reset_timeout_ms" validate:"gte=1"`
	SuccessThreshold int  `yaml:"success_threshold" json:"success_threshold" validate:"gte=1"`
}

// ResetTimeout returns the reset timeout as a duration.
func (c BreakerConfig) ResetTimeout() time.Duration {
	return time.Duration(c.ResetTimeoutMs) * time.Millisecond
}

// CoordinatorConfig tunes coordinator runs.
type CoordinatorConfig struct {
	MaxIterations       int    `yaml:"max_iterations" json:"max_iterations" validate:"gte=1"`
	DeadlineMs          int    `yaml:"deadline_ms" json:"deadline_ms" validate:"gte=1"`
	Strategy            string `yaml:"strategy" json:"strategy" validate:"oneof=agent_loop pipeline"`
	CompactionMaxTokens int    `yaml:"compaction_max_tokens" json:"compaction_max_tokens" validate:"gte=1"`
	CompactionKeepLast  int    `yaml:"compaction_keep_last" json:"compaction_keep_last" validate:"gte=1"`
}

// Deadline returns the run deadline as a duration.
func (c CoordinatorConfig) Deadline() time.Duration {
	return time.Duration(c.DeadlineMs) * time.Millisecond
}

// MonitorConfig tunes the statistical detector.
type MonitorConfig struct {
	Enabled              bool    `yaml:"enabled" json:"enabled"`
	CollectionIntervalMs int     `yaml:"collection_interval_ms" json:"collection_interval_ms" validate:"gte=1"`
	LearningDurationMs   int     `yaml:"learning_duration_ms" json:"learning_duration_ms" validate:"gte=1"`
	ZThreshold           float64 `yaml:"z_threshold" json:"z_threshold" validate:"gt=0"`
	ConsecutiveRequired  int     `yaml:"consecutive_required" json:"consecutive_required" validate:"gte=1"`
	CooldownMs           int     `yaml:"cooldown_ms" json:"cooldown_ms" validate:"gte=1"`
	HistoryMinutes       int     `yaml:"history_minutes" json:"history_minutes" validate:"gte=1"`

	// PersistencePath is the Badger directory for baselines. Empty
	// disables persistence; baselines relearn on every start.
	PersistencePath string `yaml:"persistence_path,omitempty" json:"persistence_path,omitempty"`
}

// ClusterConfig configures optional Redis pub/sub alert fan-out. The
// core is correct single-node; fan-out is a pure observer.
type ClusterConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr,omitempty" json:"addr,omitempty"`
	Channel string `yaml:"channel,omitempty" json:"channel,omitempty"`
}

// InfluxConfig configures optional long-term sample retention.
type InfluxConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	URL     string `yaml:"url,omitempty" json:"url,omitempty"`
	Token   string `yaml:"token,omitempty" json:"token,omitempty"`
	Org     string `yaml:"org,omitempty" json:"org,omitempty"`
	Bucket  string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// Default returns the full default configuration: both built-in skills,
// no watchers or schedules, a local Ollama client, manual alert
// handling, and the detector enabled with production tuning.
func Default() Config {
	return Config{
		Skills: []string{"runtime", "tables"},
		ClientRegistry: ClientRegistryConfig{
			Primary: "local",
			Clients: []ClientConfig{{
				Name:     "local",
				Provider: "ollama",
				Options:  map[string]string{"model": "llama3.1"},
			}},
		},
		AlertHandler:   DefaultAlertHandler(),
		CircuitBreaker: DefaultBreaker(),
		Coordinator:    DefaultCoordinator(),
		Monitor:        DefaultMonitor(),
		Cluster:        ClusterConfig{Channel: "beamlens:alerts"},
		API:            APIConfig{Enabled: true, Addr: ":8343"},
		LogLevel:       "info",
	}
}

// DefaultAlertHandler returns the manual consumption model.
func DefaultAlertHandler() AlertHandlerConfig {
	return AlertHandlerConfig{Trigger: "manual", MaxQueueSize: 1000}
}

// DefaultBreaker returns the breaker defaults: open after 5 failures,
// probe after 30s, close after 2 successes.
func DefaultBreaker() BreakerConfig {
	return BreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		ResetTimeoutMs:   30_000,
		SuccessThreshold: 2,
	}
}

// DefaultCoordinator returns the coordinator defaults.
func DefaultCoordinator() CoordinatorConfig {
	return CoordinatorConfig{
		MaxIterations:       25,
		DeadlineMs:          300_000,
		Strategy:            "agent_loop",
		CompactionMaxTokens: 50_000,
		CompactionKeepLast:  5,
	}
}

// DefaultMonitor returns the detector defaults: sample every 30s, learn
// for 10 minutes, trigger at |z| >= 3 sustained for 3 samples.
func DefaultMonitor() MonitorConfig {
	return MonitorConfig{
		Enabled:              true,
		CollectionIntervalMs: 30_000,
		LearningDurationMs:   600_000,
		ZThreshold:           3.0,
		ConsecutiveRequired:  3,
		CooldownMs:           300_000,
		HistoryMinutes:       60,
	}
}
