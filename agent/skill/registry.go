// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package skill

import (
	"fmt"
	"sync"

	"github.com/beamlens/beamlens/pkg/validation"
)

// Registry resolves skills by id while preserving registration order.
//
// Skills are registered once at configuration time; the registry is
// read-mostly afterward.
//
// Thread Safety: safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	ordered []Skill
	byID    map[string]Skill
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[string]Skill),
	}
}

// Register adds a skill. Registering a duplicate id is a configuration
// error and fails rather than silently replacing the earlier skill.
func (r *Registry) Register(s Skill) error {
	if s == nil {
		return fmt.Errorf("skill must not be nil")
	}
	id := s.ID()
	// Skill ids become InfluxDB tags and Badger key segments.
	if err := validation.ValidateIdentifier(id); err != nil {
		return fmt.Errorf("skill id: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[id]; exists {
		return fmt.Errorf("skill %q already registered", id)
	}
	r.byID[id] = s
	r.ordered = append(r.ordered, s)
	return nil
}

// Get returns the skill with the given id.
func (r *Registry) Get(id string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// All returns all skills in registration order.
func (r *Registry) All() []Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Skill, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// IDs returns all skill ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, len(r.ordered))
	for i, s := range r.ordered {
		ids[i] = s.ID()
	}
	return ids
}

// Len returns the number of registered skills.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ordered)
}
