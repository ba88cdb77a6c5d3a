// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestEmit_FanOutAndBuffer(t *testing.T) {
	e := NewEmitter()

	var mu sync.Mutex
	var seen []Type
	e.Subscribe(func(event *Event) {
		mu.Lock()
		seen = append(seen, event.Type)
		mu.Unlock()
	})

	e.Emit(TypeAlertFired, "trace-1", map[string]any{"operator": "runtime"})
	e.Emit(TypeAlertDrained, "trace-1", nil)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != TypeAlertFired || seen[1] != TypeAlertDrained {
		t.Errorf("seen = %v", seen)
	}

	buffered := e.BufferByType(TypeAlertFired)
	if len(buffered) != 1 {
		t.Fatalf("BufferByType = %d events", len(buffered))
	}
	if buffered[0].TraceID != "trace-1" {
		t.Errorf("TraceID = %q", buffered[0].TraceID)
	}
	if buffered[0].Field("operator") != "runtime" {
		t.Errorf("operator field = %v", buffered[0].Field("operator"))
	}
	if buffered[0].ID == "" || buffered[0].Timestamp == 0 {
		t.Error("events must carry id and timestamp")
	}
}

func TestSubscribe_TypeAndFilterNarrowing(t *testing.T) {
	e := NewEmitter()

	var typed, filtered int
	e.Subscribe(func(*Event) { typed++ }, TypeDetectorTriggered)
	e.SubscribeWithFilter(func(*Event) { filtered++ }, func(event *Event) bool {
		return event.TraceID == "wanted"
	})

	e.Emit(TypeDetectorTriggered, "other", nil)
	e.Emit(TypeDetectorPhaseChange, "wanted", nil)
	e.Emit(TypeDetectorTriggered, "wanted", nil)

	if typed != 2 {
		t.Errorf("typed subscriber saw %d events, want 2", typed)
	}
	if filtered != 2 {
		t.Errorf("filtered subscriber saw %d events, want 2", filtered)
	}
}

func TestUnsubscribe(t *testing.T) {
	e := NewEmitter()

	calls := 0
	id := e.Subscribe(func(*Event) { calls++ })

	e.Emit(TypeAlertFired, "", nil)
	if !e.Unsubscribe(id) {
		t.Fatal("Unsubscribe should report the subscription existed")
	}
	e.Emit(TypeAlertFired, "", nil)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if e.Unsubscribe(id) {
		t.Error("second Unsubscribe should report false")
	}
}

func TestEmit_HandlerPanicIsolated(t *testing.T) {
	e := NewEmitter()

	survived := false
	e.Subscribe(func(*Event) { panic("subscriber bug") })
	e.Subscribe(func(*Event) { survived = true })

	e.Emit(TypeAlertFired, "", nil)

	if !survived {
		t.Error("a panicking subscriber must not starve the others")
	}
}

func TestBuffer_Bounded(t *testing.T) {
	e := NewEmitter(WithBufferSize(3))

	for i := 0; i < 5; i++ {
		e.Emit(TypeAlertFired, "", map[string]any{"seq": i})
	}

	buffer := e.Buffer()
	if len(buffer) != 3 {
		t.Fatalf("buffer holds %d events, want 3", len(buffer))
	}
	// Oldest events dropped first.
	if buffer[0].Field("seq") != 2 {
		t.Errorf("oldest retained seq = %v, want 2", buffer[0].Field("seq"))
	}
}

func TestSpan_StopCarriesDuration(t *testing.T) {
	e := NewEmitter()

	_, span := e.StartSpan(context.Background(), SpanLLM, "trace-2", map[string]any{
		"client": "mock",
	})
	time.Sleep(5 * time.Millisecond)
	span.End(nil)

	starts := e.BufferByType(SpanStart(SpanLLM))
	if len(starts) != 1 {
		t.Fatalf("start events = %d", len(starts))
	}
	if starts[0].Field("system_time") == nil {
		t.Error("start event must carry system_time")
	}

	stops := e.BufferByType(SpanStop(SpanLLM))
	if len(stops) != 1 {
		t.Fatalf("stop events = %d", len(stops))
	}
	d, ok := stops[0].Duration()
	if !ok || d <= 0 {
		t.Errorf("stop duration = %v ok=%v", d, ok)
	}
	if stops[0].Field("client") != "mock" {
		t.Error("span fields must appear on the stop event")
	}
	if len(e.BufferByType(SpanException(SpanLLM))) != 0 {
		t.Error("successful span must not emit an exception event")
	}
}

func TestSpan_ExceptionCarriesReason(t *testing.T) {
	e := NewEmitter()

	_, span := e.StartSpan(context.Background(), SpanTool, "trace-3", nil)
	span.End(errors.New("callback deadline exceeded"))

	exceptions := e.BufferByType(SpanException(SpanTool))
	if len(exceptions) != 1 {
		t.Fatalf("exception events = %d", len(exceptions))
	}
	ev := exceptions[0]
	if ev.Field("kind") != "error" {
		t.Errorf("kind = %v", ev.Field("kind"))
	}
	if ev.Field("reason") != "callback deadline exceeded" {
		t.Errorf("reason = %v", ev.Field("reason"))
	}
	if ev.Field("stacktrace") == nil {
		t.Error("exception must carry a stacktrace")
	}
	if _, ok := ev.Duration(); !ok {
		t.Error("exception must carry duration")
	}
}

func TestSpan_EndIdempotent(t *testing.T) {
	e := NewEmitter()

	_, span := e.StartSpan(context.Background(), SpanJudge, "", nil)
	span.End(nil)
	span.End(errors.New("late"))

	if len(e.BufferByType(SpanStop(SpanJudge))) != 1 {
		t.Error("repeat End must be a no-op")
	}
	if len(e.BufferByType(SpanException(SpanJudge))) != 0 {
		t.Error("End after End must not emit an exception")
	}
}
