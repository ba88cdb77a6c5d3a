// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics contains pre-defined metrics for the BeamLens agent.
//
// All metrics use the "beamlens_" prefix for consistent naming.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// EventsTotal counts emitted telemetry events by type.
	EventsTotal metric.Int64Counter

	// LLMCallsTotal counts LLM calls by outcome (ok, error, rejected).
	LLMCallsTotal metric.Int64Counter

	// LLMCallDuration records LLM call duration in seconds.
	LLMCallDuration metric.Float64Histogram

	// ToolCallsTotal counts tool executions by tool name and status.
	ToolCallsTotal metric.Int64Counter

	// NotificationsTotal counts notifications by severity.
	NotificationsTotal metric.Int64Counter

	// InsightsTotal counts produced insights by correlation type.
	InsightsTotal metric.Int64Counter

	// BreakerRejectionsTotal counts calls refused by the circuit breaker.
	BreakerRejectionsTotal metric.Int64Counter
}

// NewMetrics creates a Metrics instance with all instruments registered
// against the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.EventsTotal, err = meter.Int64Counter("beamlens_events_total",
		metric.WithDescription("Telemetry events emitted, by type")); err != nil {
		return nil, fmt.Errorf("create events counter: %w", err)
	}
	if m.LLMCallsTotal, err = meter.Int64Counter("beamlens_llm_calls_total",
		metric.WithDescription("LLM calls, by outcome")); err != nil {
		return nil, fmt.Errorf("create llm counter: %w", err)
	}
	if m.LLMCallDuration, err = meter.Float64Histogram("beamlens_llm_call_duration_seconds",
		metric.WithDescription("LLM call duration in seconds")); err != nil {
		return nil, fmt.Errorf("create llm histogram: %w", err)
	}
	if m.ToolCallsTotal, err = meter.Int64Counter("beamlens_tool_calls_total",
		metric.WithDescription("Tool executions, by tool and status")); err != nil {
		return nil, fmt.Errorf("create tool counter: %w", err)
	}
	if m.NotificationsTotal, err = meter.Int64Counter("beamlens_notifications_total",
		metric.WithDescription("Notifications produced, by severity")); err != nil {
		return nil, fmt.Errorf("create notification counter: %w", err)
	}
	if m.InsightsTotal, err = meter.Int64Counter("beamlens_insights_total",
		metric.WithDescription("Insights produced, by correlation type")); err != nil {
		return nil, fmt.Errorf("create insight counter: %w", err)
	}
	if m.BreakerRejectionsTotal, err = meter.Int64Counter("beamlens_breaker_rejections_total",
		metric.WithDescription("Calls refused by the circuit breaker")); err != nil {
		return nil, fmt.Errorf("create breaker counter: %w", err)
	}

	return m, nil
}

// defaultMetrics is the lazily-created instance used by recordEvent.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// recordEvent bumps the per-type event counter. Failures to create the
// instrument leave metrics disabled rather than breaking event emission.
func recordEvent(eventType Type) {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.Meter("beamlens"))
		if err == nil {
			defaultMetrics = m
		}
	})
	if defaultMetrics == nil {
		return
	}
	defaultMetrics.EventsTotal.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("type", string(eventType))))
}
