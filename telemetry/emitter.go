// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Handler is a function that processes events.
type Handler func(event *Event)

// Filter decides whether a subscription handles an event.
type Filter func(event *Event) bool

// Subscription represents one registered handler.
type Subscription struct {
	// ID uniquely identifies this subscription.
	ID string

	// Handler processes matching events.
	Handler Handler

	// Filter determines which events to handle (nil = all events).
	Filter Filter

	// Types limits which event types to handle (nil = all types).
	Types []Type
}

// Emitter broadcasts catalogue events to subscribers and keeps a bounded
// replay buffer for the API surface.
//
// Thread Safety: Emitter is safe for concurrent use.
type Emitter struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	buffer        []Event
	bufferSize    int
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithBufferSize sets the replay buffer size (default 1000).
func WithBufferSize(size int) EmitterOption {
	return func(e *Emitter) {
		e.bufferSize = size
	}
}

// NewEmitter creates a new event emitter.
func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{
		subscriptions: make(map[string]*Subscription),
		bufferSize:    1000,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.buffer = make([]Event, 0, e.bufferSize)
	return e
}

// Subscribe registers a handler for events.
//
// Inputs:
//
//	handler - Function to call for each matching event.
//	types - Event types to subscribe to (none = all types).
//
// Outputs:
//
//	string - Subscription ID for unsubscribing.
func (e *Emitter) Subscribe(handler Handler, types ...Type) string {
	return e.SubscribeWithFilter(handler, nil, types...)
}

// SubscribeWithFilter registers a handler with a custom filter.
func (e *Emitter) SubscribeWithFilter(handler Handler, filter Filter, types ...Type) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub := &Subscription{
		ID:      uuid.NewString(),
		Handler: handler,
		Filter:  filter,
		Types:   types,
	}
	e.subscriptions[sub.ID] = sub
	return sub.ID
}

// Unsubscribe removes a subscription. Returns true if it existed.
func (e *Emitter) Unsubscribe(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.subscriptions[id]; ok {
		delete(e.subscriptions, id)
		return true
	}
	return false
}

// Emit broadcasts an event to all matching subscribers.
//
// Description:
//
//	Buffers the event and invokes matching handlers synchronously, in
//	unspecified order. Handler panics are recovered so one misbehaving
//	subscriber cannot crash the emitter or starve other subscribers.
//
// Inputs:
//
//	eventType - Catalogue entry for the event.
//	traceID - Correlation id for the current run ("" when none in scope).
//	fields - Event-specific fields (nil is allowed).
func (e *Emitter) Emit(eventType Type, traceID string, fields map[string]any) {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		TraceID:   traceID,
		Timestamp: time.Now().UnixMilli(),
		Fields:    fields,
	}

	e.mu.Lock()
	if len(e.buffer) >= e.bufferSize {
		e.buffer = e.buffer[1:]
	}
	e.buffer = append(e.buffer, event)
	subs := make([]*Subscription, 0, len(e.subscriptions))
	for _, sub := range e.subscriptions {
		subs = append(subs, sub)
	}
	e.mu.Unlock()

	recordEvent(eventType)

	for _, sub := range subs {
		if e.shouldHandle(sub, &event) {
			e.safeInvokeHandler(sub.Handler, &event)
		}
	}
}

// safeInvokeHandler invokes a handler with panic recovery.
func (e *Emitter) safeInvokeHandler(handler Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("telemetry handler panicked",
				"event_type", event.Type,
				"event_id", event.ID,
				"panic", r,
			)
		}
	}()
	handler(event)
}

// shouldHandle determines whether a subscription matches an event.
func (e *Emitter) shouldHandle(sub *Subscription, event *Event) bool {
	if len(sub.Types) > 0 {
		match := false
		for _, t := range sub.Types {
			if t == event.Type {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if sub.Filter != nil && !sub.Filter(event) {
		return false
	}
	return true
}

// Buffer returns a copy of the buffered events.
func (e *Emitter) Buffer() []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	events := make([]Event, len(e.buffer))
	copy(events, e.buffer)
	return events
}

// BufferByType returns buffered events of a specific type.
func (e *Emitter) BufferByType(eventType Type) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var events []Event
	for _, event := range e.buffer {
		if event.Type == eventType {
			events = append(events, event)
		}
	}
	return events
}

// SubscriptionCount returns the number of active subscriptions.
func (e *Emitter) SubscriptionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscriptions)
}

// Span is an in-flight start/stop/exception measurement. Exactly one of
// Stop or Exception must be called.
type Span struct {
	emitter *Emitter
	base    string
	traceID string
	fields  map[string]any
	started time.Time
	otel    oteltrace.Span
	done    bool
	mu      sync.Mutex
}

// StartSpan emits <base>.start and returns a Span to be finished with
// End(err).
//
// Description:
//
//	Implements the measurement contract shared by every span triple:
//	the start event carries system_time, the stop event carries duration,
//	and the exception event carries duration plus kind/reason/stacktrace.
//	An OpenTelemetry span with the same name is opened alongside so the
//	events line up with distributed traces.
//
// Inputs:
//
//	ctx - Parent context for the OpenTelemetry span.
//	base - Span base name ("agent", "llm", "tool", "judge").
//	traceID - Correlation id for the current run.
//	fields - Fields attached to every event in the triple (nil allowed).
func (e *Emitter) StartSpan(ctx context.Context, base, traceID string, fields map[string]any) (context.Context, *Span) {
	started := time.Now()

	startFields := cloneFields(fields)
	startFields["system_time"] = started.UnixMilli()
	e.Emit(SpanStart(base), traceID, startFields)

	ctx, otelSpan := otel.Tracer("beamlens").Start(ctx, base,
		oteltrace.WithAttributes(attribute.String("trace_id", traceID)))

	return ctx, &Span{
		emitter: e,
		base:    base,
		traceID: traceID,
		fields:  fields,
		started: started,
		otel:    otelSpan,
	}
}

// End finishes the span: emits <base>.stop when err is nil, otherwise
// <base>.exception with kind/reason/stacktrace. Safe to call once; repeat
// calls are no-ops.
func (s *Span) End(err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.mu.Unlock()

	duration := time.Since(s.started)
	fields := cloneFields(s.fields)
	fields["duration"] = duration

	if err == nil {
		s.emitter.Emit(SpanStop(s.base), s.traceID, fields)
		s.otel.End()
		return
	}

	fields["kind"] = "error"
	fields["reason"] = err.Error()
	fields["stacktrace"] = string(debug.Stack())
	s.emitter.Emit(SpanException(s.base), s.traceID, fields)
	s.otel.RecordError(err)
	s.otel.SetStatus(codes.Error, err.Error())
	s.otel.End()
}

// cloneFields copies a field map so span events never alias caller state.
func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+4)
	for k, v := range fields {
		out[k] = v
	}
	return out
}
