// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agent

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced to callers of operator and coordinator runs.
// Compare with errors.Is; wrapped variants carry additional context.
var (
	// ErrTimeout is returned when a single LLM call exceeds its timeout.
	ErrTimeout = errors.New("timeout")

	// ErrDeadlineExceeded is returned when a run's overall deadline fires.
	ErrDeadlineExceeded = errors.New("deadline exceeded")

	// ErrCancelled is returned when a run is cancelled by its caller.
	ErrCancelled = errors.New("cancelled")

	// ErrAlreadyRunning is returned by run_now and manual triggers when the
	// previous invocation has not finished.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotFound is returned for unknown skills, watchers, or schedules.
	ErrNotFound = errors.New("not found")

	// ErrWorkerCrashed is returned to a caller whose worker died mid-call.
	ErrWorkerCrashed = errors.New("worker crashed")
)

// UnknownToolError is returned when the LLM selects a tool outside the
// closed toolset. It is a recoverable tool step: loops append it to the
// context and retry.
type UnknownToolError struct {
	// Name is the tool name the LLM asked for.
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

// EncodingError is returned when a tool result cannot be JSON-encoded.
// It surfaces to the caller only when the failure was in a terminal step;
// otherwise it is fed back into the loop as a tool error result.
type EncodingError struct {
	// Tool is the tool whose result failed to encode.
	Tool string

	// Reason describes the encoding failure.
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encoding failed for tool %s: %s", e.Tool, e.Reason)
}
