// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package agent defines the core data model shared by every BeamLens
// component: notifications produced by operators and watchers, insights
// produced by the coordinator, and the enumerations that constrain them.
//
// Values in this package are plain data. Each runtime entity built on top
// of them (notification inbox, insight list, baseline store) is owned by
// exactly one long-lived worker; other components interact with that
// worker through its message interface, never by sharing these structs
// mutably across goroutines.
//
// Thread Safety:
//
//	Notification and Insight are immutable after creation. NotificationEntry
//	is mutated only by the coordinator that owns it.
package agent

import (
	"strings"
	"time"
)

// Severity classifies how urgent a notification is.
type Severity string

const (
	// SeverityInfo is informational; no action expected.
	SeverityInfo Severity = "info"

	// SeverityWarning indicates a developing problem.
	SeverityWarning Severity = "warning"

	// SeverityCritical indicates an active problem requiring attention.
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the defined severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	default:
		return false
	}
}

// Status tracks a notification through the coordinator's inbox.
//
// Transitions are monotonic toward StatusResolved: unread → acknowledged →
// resolved. Skipping acknowledged is allowed; moving backward is not.
type Status string

const (
	// StatusUnread is the initial status at ingestion.
	StatusUnread Status = "unread"

	// StatusAcknowledged means the coordinator has seen the notification.
	StatusAcknowledged Status = "acknowledged"

	// StatusResolved means the notification has been explained by an insight
	// or explicitly dismissed.
	StatusResolved Status = "resolved"
)

// rank orders statuses for monotonicity checks.
func (s Status) rank() int {
	switch s {
	case StatusUnread:
		return 0
	case StatusAcknowledged:
		return 1
	case StatusResolved:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	return s.rank() >= 0
}

// CanTransitionTo reports whether moving from s to next preserves the
// monotonic unread → acknowledged → resolved ordering.
func (s Status) CanTransitionTo(next Status) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	return next.rank() >= s.rank()
}

// CorrelationType describes how an insight's notifications relate.
type CorrelationType string

const (
	// CorrelationCausal means one anomaly is believed to cause the others.
	CorrelationCausal CorrelationType = "causal"

	// CorrelationTemporal means the anomalies coincide in time without an
	// established causal link.
	CorrelationTemporal CorrelationType = "temporal"

	// CorrelationSymptomatic means the anomalies are symptoms of a common
	// underlying condition.
	CorrelationSymptomatic CorrelationType = "symptomatic"
)

// Valid reports whether c is one of the defined correlation types.
func (c CorrelationType) Valid() bool {
	switch c {
	case CorrelationCausal, CorrelationTemporal, CorrelationSymptomatic:
		return true
	default:
		return false
	}
}

// Confidence expresses how strongly the LLM backs a conclusion.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Valid reports whether c is one of the defined confidence levels.
func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return true
	default:
		return false
	}
}

// MetricSnapshot is one sampling of a skill's metrics.
type MetricSnapshot struct {
	// Skill is the id of the skill that produced the snapshot.
	Skill string `json:"skill"`

	// TakenAt is when the snapshot was taken (Unix milliseconds UTC).
	TakenAt int64 `json:"taken_at"`

	// Metrics maps metric name to its sampled value.
	Metrics map[string]float64 `json:"metrics"`
}

// WatcherFindings is the structured output of a watcher's bounded
// investigation, attached to the notification that triggered it.
type WatcherFindings struct {
	// Summary is the investigation's overall conclusion.
	Summary string `json:"summary"`

	// Evidence lists the concrete observations backing the summary.
	Evidence []string `json:"evidence,omitempty"`

	// ToolsUsed lists the skill callbacks invoked during the investigation.
	ToolsUsed []string `json:"tools_used,omitempty"`
}

// Notification is a structured anomaly record produced by an operator or
// watcher and consumed by the coordinator.
//
// Notifications are immutable once created. Coordinator-side state (read
// status) lives on NotificationEntry, not here.
type Notification struct {
	// ID uniquely identifies the notification (16 hex characters).
	ID string `json:"id"`

	// Operator is the id of the skill whose operator produced this.
	Operator string `json:"operator"`

	// AnomalyType names the anomaly, e.g. "memory_high" or "gc_pressure".
	AnomalyType string `json:"anomaly_type"`

	// Severity is one of info, warning, critical.
	Severity Severity `json:"severity"`

	// Context is factual state at detection time ("uptime 1h, 4 schedulers").
	Context string `json:"context"`

	// Observation is the detected anomaly itself ("rss=820MB, growing").
	Observation string `json:"observation"`

	// Hypothesis is an optional speculative cause. Unlike Observation it is
	// not required to be grounded in sampled data.
	Hypothesis string `json:"hypothesis,omitempty"`

	// Snapshots are the metric snapshots backing the observation.
	Snapshots []MetricSnapshot `json:"snapshots,omitempty"`

	// Findings is the optional structured result of a watcher's bounded
	// follow-up investigation.
	Findings *WatcherFindings `json:"findings,omitempty"`

	// DetectedAt is when the anomaly was detected (Unix milliseconds UTC).
	DetectedAt int64 `json:"detected_at"`

	// Node identifies the originating node for cluster fan-out.
	Node string `json:"node,omitempty"`
}

// Category returns the anomaly category: the prefix of AnomalyType before
// the first underscore. "memory_high" → "memory". An AnomalyType with no
// underscore is its own category.
func (n Notification) Category() string {
	if i := strings.IndexByte(n.AnomalyType, '_'); i > 0 {
		return n.AnomalyType[:i]
	}
	return n.AnomalyType
}

// NotificationEntry wraps a notification with coordinator-side read status.
// Status is the only mutable field and transitions monotonically toward
// resolved.
type NotificationEntry struct {
	Notification Notification `json:"notification"`

	// Status is unread, acknowledged, or resolved. Defaults to unread.
	Status Status `json:"status"`
}

// Insight is the coordinator's correlated explanation of one or more
// notifications.
type Insight struct {
	// ID uniquely identifies the insight.
	ID string `json:"id"`

	// NotificationIDs lists the correlated notifications. Every id must have
	// existed in the coordinator's inbox when the insight was produced.
	NotificationIDs []string `json:"notification_ids"`

	// CorrelationType is causal, temporal, or symptomatic.
	CorrelationType CorrelationType `json:"correlation_type"`

	// Summary is the human-readable explanation.
	Summary string `json:"summary"`

	// RootCauseHypothesis is an optional suspected root cause.
	RootCauseHypothesis string `json:"root_cause_hypothesis,omitempty"`

	// MatchedObservations are observation strings copied verbatim from the
	// source notifications.
	MatchedObservations []string `json:"matched_observations,omitempty"`

	// HypothesisGrounded asserts that RootCauseHypothesis is supported by
	// MatchedObservations rather than speculation.
	HypothesisGrounded bool `json:"hypothesis_grounded"`

	// Confidence is low, medium, or high.
	Confidence Confidence `json:"confidence"`

	// CreatedAt is when the insight was produced (Unix milliseconds UTC).
	CreatedAt int64 `json:"created_at"`
}

// NowMillis returns the current time as Unix milliseconds UTC, the timestamp
// convention used throughout BeamLens.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
