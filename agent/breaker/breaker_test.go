// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/beamlens/beamlens/telemetry"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("String() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	b := New(Config{}, nil)

	if b.config.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d, want 5", b.config.FailureThreshold)
	}
	if b.config.SuccessThreshold != 2 {
		t.Errorf("SuccessThreshold = %d, want 2", b.config.SuccessThreshold)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_OpensAfterThresholdFailures(t *testing.T) {
	b := New(Config{FailureThreshold: 3, ResetTimeout: time.Hour}, nil)

	b.RecordFailure("http")
	b.RecordFailure("http")
	if b.State() != StateClosed {
		t.Fatal("should stay closed below threshold")
	}

	b.RecordFailure("http")
	if b.State() != StateOpen {
		t.Errorf("state = %v, want open", b.State())
	}
	if b.Allow() {
		t.Error("Allow() should be false while open")
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b := New(Config{FailureThreshold: 3, ResetTimeout: time.Hour}, nil)

	b.RecordFailure("http")
	b.RecordFailure("http")
	b.RecordSuccess()
	b.RecordFailure("http")
	b.RecordFailure("http")

	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed (failures were reset)", b.State())
	}

	b.RecordFailure("http")
	if b.State() != StateOpen {
		t.Errorf("state = %v, want open", b.State())
	}
}

// Scenario: failure_threshold=2, then after the reset timeout a single
// success closes the circuit again.
func TestBreaker_RoundTrip(t *testing.T) {
	emitter := telemetry.NewEmitter()
	b := New(Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		ResetTimeout:     20 * time.Millisecond,
	}, emitter)

	b.RecordFailure("http")
	b.RecordFailure("http")

	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	if b.Allow() {
		t.Error("Allow() should be false while open")
	}
	if got := len(emitter.BufferByType(telemetry.TypeBreakerRejected)); got != 1 {
		t.Errorf("rejected events = %d, want 1", got)
	}

	// Wait for the reset timer to fire.
	deadline := time.After(time.Second)
	for b.State() != StateHalfOpen {
		select {
		case <-deadline:
			t.Fatal("never transitioned to half-open")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if !b.Allow() {
		t.Error("Allow() should be true in half-open")
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}

	snap := b.GetState()
	if snap.FailureCount != 0 || snap.SuccessCount != 0 {
		t.Errorf("counters = %d/%d, want 0/0", snap.FailureCount, snap.SuccessCount)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		ResetTimeout:     10 * time.Millisecond,
	}, nil)

	b.RecordFailure("timeout")
	if b.State() != StateOpen {
		t.Fatal("should be open")
	}

	deadline := time.After(time.Second)
	for b.State() != StateHalfOpen {
		select {
		case <-deadline:
			t.Fatal("never transitioned to half-open")
		case <-time.After(5 * time.Millisecond):
		}
	}

	b.RecordFailure("timeout again")
	if b.State() != StateOpen {
		t.Errorf("state = %v, want open after half-open failure", b.State())
	}
	if b.GetState().SuccessCount != 0 {
		t.Error("success count should be reset on reopen")
	}
}

func TestBreaker_HalfOpenNeedsSuccessThreshold(t *testing.T) {
	b := New(Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		ResetTimeout:     10 * time.Millisecond,
	}, nil)

	b.RecordFailure("x")
	deadline := time.After(time.Second)
	for b.State() != StateHalfOpen {
		select {
		case <-deadline:
			t.Fatal("never transitioned to half-open")
		case <-time.After(5 * time.Millisecond):
		}
	}

	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Errorf("state = %v, want half_open after 1 of 2 successes", b.State())
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeout: time.Hour}, nil)

	b.RecordFailure("x")
	if b.State() != StateOpen {
		t.Fatal("should be open")
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
	if !b.Allow() {
		t.Error("should allow after reset")
	}
}

func TestBreaker_Execute(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeout: time.Hour}, nil)
	testErr := errors.New("provider down")

	if err := b.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Errorf("Execute returned %v", err)
	}

	if err := b.Execute(context.Background(), func() error { return testErr }); err != testErr {
		t.Errorf("Execute returned %v, want %v", err, testErr)
	}

	// Circuit is now open; fn must not run.
	err := b.Execute(context.Background(), func() error {
		t.Error("fn should not run while open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Execute returned %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_StateChangeTelemetry(t *testing.T) {
	emitter := telemetry.NewEmitter()
	b := New(Config{FailureThreshold: 1, ResetTimeout: time.Hour}, emitter)

	b.RecordFailure("boom")

	changes := emitter.BufferByType(telemetry.TypeBreakerStateChange)
	if len(changes) != 1 {
		t.Fatalf("state_change events = %d, want 1", len(changes))
	}
	if changes[0].Field("from") != "closed" || changes[0].Field("to") != "open" {
		t.Errorf("transition = %v -> %v, want closed -> open",
			changes[0].Field("from"), changes[0].Field("to"))
	}
	if changes[0].Field("reason") != "boom" {
		t.Errorf("reason = %v, want boom", changes[0].Field("reason"))
	}
}

func TestBreaker_Concurrency(t *testing.T) {
	b := New(Config{FailureThreshold: 1000, ResetTimeout: time.Hour}, nil)

	const numGoroutines = 100
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(idx int) {
			defer wg.Done()
			if b.Allow() {
				if idx%2 == 0 {
					b.RecordSuccess()
				} else {
					b.RecordFailure("flaky")
				}
			}
		}(i)
	}

	wg.Wait()

	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}
