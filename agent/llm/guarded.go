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
	"time"

	"github.com/beamlens/beamlens/agent"
	"github.com/beamlens/beamlens/agent/breaker"
	"github.com/beamlens/beamlens/telemetry"
)

// GuardedClient wraps a Client with the shared circuit breaker, a
// per-call timeout, and the llm.start/stop/exception span triple. Every
// LLM caller in the system goes through one of these; nothing calls a
// raw provider client directly.
//
// Thread Safety: safe for concurrent use.
type GuardedClient struct {
	inner    Client
	breaker  *breaker.Breaker
	emitter  *telemetry.Emitter
	timeout  time.Duration
	spanBase string
}

// GuardedOption configures a GuardedClient.
type GuardedOption func(*GuardedClient)

// WithTimeout overrides the per-call timeout (default 60s).
func WithTimeout(d time.Duration) GuardedOption {
	return func(g *GuardedClient) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithSpanBase overrides the span base name. The watcher path uses
// "judge" so its classification calls are distinguishable from tool-loop
// calls.
func WithSpanBase(base string) GuardedOption {
	return func(g *GuardedClient) {
		if base != "" {
			g.spanBase = base
		}
	}
}

// NewGuardedClient wraps inner with the given breaker and emitter.
func NewGuardedClient(inner Client, brk *breaker.Breaker, emitter *telemetry.Emitter, opts ...GuardedOption) *GuardedClient {
	if emitter == nil {
		emitter = telemetry.NewEmitter()
	}
	g := &GuardedClient{
		inner:    inner,
		breaker:  brk,
		emitter:  emitter,
		timeout:  DefaultTimeout,
		spanBase: telemetry.SpanLLM,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name implements Client.
func (g *GuardedClient) Name() string { return g.inner.Name() }

// Chat implements Client.
//
// Description:
//
//	Fails fast with ErrCircuitOpen when the breaker refuses the call.
//	Otherwise runs the inner call under the configured timeout inside an
//	llm span, reporting the outcome to the breaker. Timeouts surface as
//	ErrTimeout so callers can distinguish transport stalls from their own
//	deadline expiring.
func (g *GuardedClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if g.breaker != nil && !g.breaker.Allow() {
		return nil, breaker.ErrCircuitOpen
	}

	traceID := TraceIDFromContext(ctx)
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	spanCtx, span := g.emitter.StartSpan(callCtx, g.spanBase, traceID, map[string]any{
		"client":   g.inner.Name(),
		"messages": len(req.Messages),
	})

	resp, err := g.inner.Chat(spanCtx, req)
	if err != nil {
		// Caller cancellation is not a provider failure; only transport
		// and timeout errors count against the breaker.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = agent.ErrTimeout
		}
		span.End(err)
		if g.breaker != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
			g.breaker.RecordFailure(err.Error())
		}
		return nil, err
	}

	span.End(nil)
	if g.breaker != nil {
		g.breaker.RecordSuccess()
	}
	return resp, nil
}

var _ Client = (*GuardedClient)(nil)

// traceIDKey carries the run correlation id through contexts.
type traceIDKey struct{}

// ContextWithTraceID attaches a run correlation id to ctx. Every
// telemetry event emitted under the returned context's call tree carries
// the id.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceIDFromContext returns the correlation id in scope, or "".
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(traceIDKey{}).(string); ok {
		return id
	}
	return ""
}
