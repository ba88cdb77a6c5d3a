// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/beamlens/beamlens/agent"
	"github.com/beamlens/beamlens/agent/breaker"
	"github.com/beamlens/beamlens/telemetry"
)

func newTestBreaker(emitter *telemetry.Emitter) *breaker.Breaker {
	return breaker.New(breaker.Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		ResetTimeout:     time.Minute,
	}, emitter)
}

func TestGuardedClient_PassesThrough(t *testing.T) {
	emitter := telemetry.NewEmitter()
	mock := NewMockClient(`{"intent":"done"}`)
	g := NewGuardedClient(mock, newTestBreaker(emitter), emitter)

	resp, err := g.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != `{"intent":"done"}` {
		t.Errorf("Content = %q", resp.Content)
	}
	if mock.CallCount() != 1 {
		t.Errorf("CallCount = %d, want 1", mock.CallCount())
	}
}

func TestGuardedClient_OpenBreakerFailsFast(t *testing.T) {
	emitter := telemetry.NewEmitter()
	brk := newTestBreaker(emitter)
	mock := NewMockClient()
	g := NewGuardedClient(mock, brk, emitter)

	brk.RecordFailure("boom")
	brk.RecordFailure("boom")

	_, err := g.Chat(context.Background(), ChatRequest{})
	if !errors.Is(err, breaker.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if mock.CallCount() != 0 {
		t.Errorf("inner client was called %d times behind an open breaker", mock.CallCount())
	}
}

func TestGuardedClient_FailureFeedsBreaker(t *testing.T) {
	emitter := telemetry.NewEmitter()
	brk := newTestBreaker(emitter)
	mock := NewMockClient().FailWith(fmt.Errorf("connection refused"))
	g := NewGuardedClient(mock, brk, emitter)

	for i := 0; i < 2; i++ {
		if _, err := g.Chat(context.Background(), ChatRequest{}); err == nil {
			t.Fatal("expected error")
		}
	}

	if got := brk.GetState().State; got != breaker.StateOpen.String() {
		t.Errorf("breaker state = %v, want open after threshold failures", got)
	}
}

func TestGuardedClient_TimeoutMapsToErrTimeout(t *testing.T) {
	emitter := telemetry.NewEmitter()
	brk := newTestBreaker(emitter)
	g := NewGuardedClient(&StallingClient{}, brk, emitter, WithTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := g.Chat(context.Background(), ChatRequest{})
	if !errors.Is(err, agent.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
	if brk.GetState().FailureCount == 0 {
		t.Error("timeout should count as a breaker failure")
	}
}

func TestGuardedClient_CallerCancellationNotABreakerFailure(t *testing.T) {
	emitter := telemetry.NewEmitter()
	brk := newTestBreaker(emitter)
	g := NewGuardedClient(&StallingClient{}, brk, emitter)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := g.Chat(ctx, ChatRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if brk.GetState().FailureCount != 0 {
		t.Errorf("caller cancellation recorded as breaker failure (count=%d)",
			brk.GetState().FailureCount)
	}
}

func TestGuardedClient_EmitsSpanTriple(t *testing.T) {
	emitter := telemetry.NewEmitter()
	mock := NewMockClient("ok")
	g := NewGuardedClient(mock, newTestBreaker(emitter), emitter)

	ctx := ContextWithTraceID(context.Background(), "trace-123")
	if _, err := g.Chat(ctx, ChatRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	starts := emitter.BufferByType(telemetry.SpanStart(telemetry.SpanLLM))
	stops := emitter.BufferByType(telemetry.SpanStop(telemetry.SpanLLM))
	if len(starts) != 1 || len(stops) != 1 {
		t.Fatalf("span events = %d starts, %d stops; want 1 each", len(starts), len(stops))
	}
	if starts[0].TraceID != "trace-123" {
		t.Errorf("start TraceID = %q", starts[0].TraceID)
	}
	if _, ok := stops[0].Duration(); !ok {
		t.Error("stop event missing duration")
	}
}

func TestTraceIDContext_RoundTrip(t *testing.T) {
	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Errorf("empty context TraceID = %q", got)
	}
	ctx := ContextWithTraceID(context.Background(), "abc")
	if got := TraceIDFromContext(ctx); got != "abc" {
		t.Errorf("TraceID = %q, want abc", got)
	}
}
