// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package telemetry provides BeamLens's cross-cutting observability layer:
// a fixed catalogue of hierarchical events, an in-process emitter with
// subscriber fan-out, span helpers implementing the start/stop/exception
// measurement contract, and OpenTelemetry/Prometheus wiring.
//
// Business logic never logs directly about its own progress; it emits
// catalogue events and lets subscribers (logging, metrics, the websocket
// feed, the cluster forwarder) decide what to do with them.
//
// Thread Safety:
//
//	All types in this package are safe for concurrent use.
package telemetry

import "time"

// Type identifies the kind of event. Names are hierarchical and fixed;
// components must not invent types outside this catalogue.
type Type string

// Span bases. A span named "llm" emits llm.start, then llm.stop or
// llm.exception, per the measurement contract (see Emitter.StartSpan).
const (
	// SpanAgent covers one operator run end to end.
	SpanAgent = "agent"

	// SpanLLM covers a single LLM call.
	SpanLLM = "llm"

	// SpanTool covers a single tool execution.
	SpanTool = "tool"

	// SpanJudge covers a single baseline-LLM classification call.
	SpanJudge = "judge"
)

const (
	// TypeScheduleTriggered fires when a cron entry's handler is started.
	TypeScheduleTriggered Type = "schedule.triggered"

	// TypeScheduleSkipped fires when a cron entry fires while its previous
	// handler is still running.
	TypeScheduleSkipped Type = "schedule.skipped"

	// TypeScheduleCompleted fires when a handler returns without error.
	TypeScheduleCompleted Type = "schedule.completed"

	// TypeScheduleFailed fires when a handler returns an error or panics.
	TypeScheduleFailed Type = "schedule.failed"

	// TypeWatcherCollecting fires when a watcher skips its LLM call because
	// the observation window is below min_required_observations.
	TypeWatcherCollecting Type = "watcher.baseline_collecting"

	// TypeWatcherObserving fires when the baseline LLM chooses to keep
	// observing without reporting.
	TypeWatcherObserving Type = "watcher.observing"

	// TypeWatcherAnomaly fires when a watcher emits an anomaly notification.
	TypeWatcherAnomaly Type = "watcher.anomaly_reported"

	// TypeWatcherSuppressed fires when an anomaly is swallowed by an active
	// category cooldown.
	TypeWatcherSuppressed Type = "watcher.anomaly_suppressed"

	// TypeWatcherHealthy fires when the baseline LLM reports a healthy window.
	TypeWatcherHealthy Type = "watcher.healthy"

	// TypeAlertFired fires when a notification is pushed onto the alert bus.
	// The cluster forwarder subscribes to this type.
	TypeAlertFired Type = "alert_handler.alert_fired"

	// TypeAlertDrained fires when take_all empties the alert bus.
	TypeAlertDrained Type = "alert_handler.drained"

	// TypeAlertDropped fires when the bus drops its oldest notification on
	// overflow.
	TypeAlertDropped Type = "alert_handler.dropped"

	// TypeBreakerStateChange fires on every circuit breaker transition.
	TypeBreakerStateChange Type = "circuit_breaker.state_change"

	// TypeBreakerRejected fires each time the breaker refuses a call.
	TypeBreakerRejected Type = "circuit_breaker.rejected"

	// TypeDetectorPhaseChange fires when the anomaly detector changes phase.
	TypeDetectorPhaseChange Type = "detector.phase_change"

	// TypeDetectorTriggered fires when the detector emits a notification.
	TypeDetectorTriggered Type = "detector.triggered"

	// TypeOperatorMaxIterations fires when an operator run finishes by
	// exhausting its iteration budget. Not an error.
	TypeOperatorMaxIterations Type = "operator.max_iterations_reached"

	// TypeOperatorCancelled fires when an operator run is cancelled.
	TypeOperatorCancelled Type = "operator.cancelled"

	// TypeCoordinatorIteration fires at the top of each coordinator
	// iteration.
	TypeCoordinatorIteration Type = "coordinator.iteration_start"

	// TypeCoordinatorInsight fires when the coordinator produces an insight.
	TypeCoordinatorInsight Type = "coordinator.insight_produced"

	// TypeCoordinatorDone fires when a coordinator run finishes cleanly.
	TypeCoordinatorDone Type = "coordinator.done"

	// TypeCoordinatorDoneRejected fires when Done or Schedule is refused
	// because operators are still running.
	TypeCoordinatorDoneRejected Type = "coordinator.done_rejected"

	// TypeCoordinatorLLMError fires when an LLM call inside the coordinator
	// fails.
	TypeCoordinatorLLMError Type = "coordinator.llm_error"

	// TypeCoordinatorOperatorComplete fires when a child operator finishes.
	TypeCoordinatorOperatorComplete Type = "coordinator.operator_complete"

	// TypeCoordinatorOperatorCrashed fires when a child operator panics.
	// The coordinator itself survives.
	TypeCoordinatorOperatorCrashed Type = "coordinator.operator_crashed"

	// TypeCoordinatorScheduled fires when a run finishes with a scheduled
	// reinvocation timer.
	TypeCoordinatorScheduled Type = "coordinator.scheduled"

	// TypeCoordinatorCancelled fires when a run is cancelled or deadlined.
	TypeCoordinatorCancelled Type = "coordinator.cancelled"

	// TypeCompaction fires when a context is compacted.
	TypeCompaction Type = "llm.context_compacted"
)

// StartSuffix, StopSuffix, and ExceptionSuffix compose span event names.
const (
	StartSuffix     = ".start"
	StopSuffix      = ".stop"
	ExceptionSuffix = ".exception"
)

// SpanStart builds the start event type for a span base.
func SpanStart(base string) Type { return Type(base + StartSuffix) }

// SpanStop builds the stop event type for a span base.
func SpanStop(base string) Type { return Type(base + StopSuffix) }

// SpanException builds the exception event type for a span base.
func SpanException(base string) Type { return Type(base + ExceptionSuffix) }

// Event is one emitted telemetry event.
//
// Events are immutable after creation.
type Event struct {
	// ID uniquely identifies this event.
	ID string `json:"id"`

	// Type is the catalogue entry this event belongs to.
	Type Type `json:"type"`

	// TraceID correlates all events from one run. Empty when no trace is
	// in scope.
	TraceID string `json:"trace_id,omitempty"`

	// Timestamp is when the event occurred (Unix milliseconds UTC).
	Timestamp int64 `json:"timestamp"`

	// Fields carries event-specific measurements and metadata. Span events
	// follow the measurement contract: start carries "system_time", stop
	// carries "duration", exception carries "duration", "kind", "reason",
	// and "stacktrace".
	Fields map[string]any `json:"fields,omitempty"`
}

// Field returns a field value, or nil when absent.
func (e *Event) Field(key string) any {
	if e.Fields == nil {
		return nil
	}
	return e.Fields[key]
}

// Duration returns the "duration" field of a stop or exception event.
func (e *Event) Duration() (time.Duration, bool) {
	d, ok := e.Field("duration").(time.Duration)
	return d, ok
}
