// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package skill defines the capability contract every monitored domain
// exposes to BeamLens, plus the registry that resolves skills at
// configuration time and the two built-in skills (runtime, tables).
//
// The core treats skills as opaque: it requires only that snapshots are
// cheap and side-effect free, that callbacks are idempotent and read-only,
// and that every callback returns a JSON-serializable value of bounded
// size within its deadline. There is no dynamic loading; the set of skills
// is fixed at supervisor start.
package skill

import (
	"context"
	"fmt"
	"strings"
)

// DefaultCallbackTimeout bounds a single callback execution.
const DefaultCallbackTimeout = "5s"

// CallbackFunc is one named read-only tool a skill exposes to the LLM.
//
// Implementations must be idempotent, must not mutate observable state,
// and must honor ctx cancellation. The returned value must be
// JSON-serializable.
type CallbackFunc func(ctx context.Context, args map[string]any) (any, error)

// Callback pairs a callback with its documentation.
type Callback struct {
	// Name is the tool name the LLM uses to invoke this callback.
	Name string

	// Description documents what the callback returns and its arguments,
	// in prose the LLM can follow.
	Description string

	// Fn executes the callback.
	Fn CallbackFunc
}

// Skill is a static description of a monitored domain.
//
// Thread Safety: implementations must be safe for concurrent use; the
// operator, detector, and watcher may sample the same skill concurrently.
type Skill interface {
	// ID returns the unique skill identifier, e.g. "runtime".
	ID() string

	// Title returns a short human-readable name.
	Title() string

	// Description returns a one-paragraph description of the domain.
	Description() string

	// SystemPrompt returns the LLM instructions for investigating this
	// domain.
	SystemPrompt() string

	// Snapshot returns a finite mapping from metric name to value.
	// Must be cheap: bounded work, no I/O.
	Snapshot() map[string]float64

	// Callbacks returns the ordered set of read-only tools.
	Callbacks() []Callback
}

// CallbackDocs renders a skill's callbacks as a prompt fragment.
//
// The rendering is deterministic: callbacks appear in declaration order so
// prompt caching stays effective across iterations.
func CallbackDocs(s Skill) string {
	callbacks := s.Callbacks()
	if len(callbacks) == 0 {
		return "This skill exposes no callbacks; rely on snapshots."
	}

	var b strings.Builder
	b.WriteString("Available callbacks:\n")
	for _, cb := range callbacks {
		fmt.Fprintf(&b, "- %s: %s\n", cb.Name, cb.Description)
	}
	return b.String()
}

// FindCallback returns the named callback, or false when the skill does
// not expose it.
func FindCallback(s Skill, name string) (Callback, bool) {
	for _, cb := range s.Callbacks() {
		if cb.Name == name {
			return cb, true
		}
	}
	return Callback{}, false
}
