// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package breaker implements the three-state circuit breaker that guards
// every LLM call BeamLens makes.
//
// A single Breaker instance is shared by all operators, watchers, and the
// coordinator: when the provider misbehaves, the whole agent backs off
// together instead of each loop discovering the outage independently.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/beamlens/beamlens/telemetry"
)

// ErrCircuitOpen is returned when a call is refused because the breaker is
// open. Callers treat it as retriable only after a delay.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state.
type State int

const (
	// StateClosed is normal operation - calls pass through.
	StateClosed State = iota
	// StateOpen means too many failures - calls are rejected.
	StateOpen
	// StateHalfOpen is testing recovery - calls are allowed and watched.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config configures the circuit breaker behavior.
type Config struct {
	// FailureThreshold is the number of consecutive failures in closed
	// state before opening (default: 5).
	FailureThreshold int `json:"failure_threshold"`

	// SuccessThreshold is successes needed in half-open before closing
	// (default: 2).
	SuccessThreshold int `json:"success_threshold"`

	// ResetTimeout is how long to stay open before testing recovery
	// (default: 30s).
	ResetTimeout time.Duration `json:"reset_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
	}
}

// Snapshot is a point-in-time view of breaker state.
type Snapshot struct {
	State             string `json:"state"`
	FailureCount      int    `json:"failure_count"`
	SuccessCount      int    `json:"success_count"`
	LastFailureAt     int64  `json:"last_failure_at,omitempty"`
	LastFailureReason string `json:"last_failure_reason,omitempty"`
}

// Breaker guards LLM calls with closed/open/half-open semantics.
//
// Description:
//
//	In closed state calls pass through; FailureThreshold consecutive
//	failures open the circuit. While open, all calls are rejected with
//	ErrCircuitOpen. After ResetTimeout a timer moves the breaker to
//	half-open, where calls are allowed but watched: SuccessThreshold
//	consecutive successes close the circuit again, while a single failure
//	reopens it and restarts the timer.
//
// Thread Safety: Safe for concurrent use.
type Breaker struct {
	config  Config
	emitter *telemetry.Emitter

	mu                sync.Mutex
	state             State
	failures          int
	successes         int
	lastFailureAt     int64
	lastFailureReason string
	resetTimer        *time.Timer
}

// New creates a circuit breaker in the closed state.
//
// Inputs:
//
//	config - Breaker thresholds. Zero values are replaced with defaults.
//	emitter - Telemetry emitter for state_change and rejected events.
func New(config Config, emitter *telemetry.Emitter) *Breaker {
	def := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = def.ResetTimeout
	}
	if emitter == nil {
		emitter = telemetry.NewEmitter()
	}
	return &Breaker{
		config:  config,
		emitter: emitter,
		state:   StateClosed,
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call should proceed.
//
// Returns true in closed and half-open, false in open. A rejected call
// emits a circuit_breaker.rejected telemetry event.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	state := b.state
	failures := b.failures
	b.mu.Unlock()

	if state == StateOpen {
		b.emitter.Emit(telemetry.TypeBreakerRejected, "", map[string]any{
			"state":         state.String(),
			"failure_count": failures,
		})
		return false
	}
	return true
}

// RecordFailure records a failed call with its reason.
//
// In closed state, failures accumulate until FailureThreshold opens the
// circuit. In half-open, a single failure reopens it. In open, no effect.
func (b *Breaker) RecordFailure(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureAt = time.Now().UnixMilli()
	b.lastFailureReason = reason

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.transitionTo(StateOpen, reason)
			b.scheduleReset()
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen, reason)
		b.scheduleReset()
	case StateOpen:
		// Already open; the reset timer is running.
	}
}

// RecordSuccess records a successful call.
//
// In closed state the consecutive-failure count resets. In half-open,
// SuccessThreshold successes close the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transitionTo(StateClosed, "recovered")
		}
	case StateOpen:
		// No effect; success cannot be observed while open.
	}
}

// Reset forces the breaker closed and zeroes all counters. Administrative.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.transitionTo(StateClosed, "manual_reset")
	} else {
		b.failures = 0
		b.successes = 0
	}
}

// GetState returns a point-in-time snapshot. Pure; no side effects.
func (b *Breaker) GetState() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		State:             b.state.String(),
		FailureCount:      b.failures,
		SuccessCount:      b.successes,
		LastFailureAt:     b.lastFailureAt,
		LastFailureReason: b.lastFailureReason,
	}
}

// Execute wraps a function with breaker protection.
//
// Outputs:
//
//	error - ErrCircuitOpen if rejected, or the error from fn. The reason
//	recorded on failure is fn's error string.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}

	if err := fn(); err != nil {
		b.RecordFailure(err.Error())
		return err
	}

	b.RecordSuccess()
	return nil
}

// transitionTo changes state, emits telemetry, and manages the reset
// timer. Must be called with the lock held.
func (b *Breaker) transitionTo(newState State, reason string) {
	from := b.state
	b.state = newState

	if newState != StateOpen && b.resetTimer != nil {
		b.resetTimer.Stop()
		b.resetTimer = nil
	}

	failures := b.failures
	switch newState {
	case StateClosed:
		b.failures = 0
		b.successes = 0
	case StateHalfOpen:
		b.successes = 0
	}

	b.emitter.Emit(telemetry.TypeBreakerStateChange, "", map[string]any{
		"from":          from.String(),
		"to":            newState.String(),
		"failure_count": failures,
		"reason":        reason,
	})
}

// scheduleReset arms the open → half-open timer. Must be called with the
// lock held and only on transition to open.
func (b *Breaker) scheduleReset() {
	if b.resetTimer != nil {
		b.resetTimer.Stop()
	}
	b.resetTimer = time.AfterFunc(b.config.ResetTimeout, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.state == StateOpen {
			b.transitionTo(StateHalfOpen, "reset_timeout")
		}
	})
}
