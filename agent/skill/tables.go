// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package skill

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// tablesSystemPrompt instructs the LLM investigating table anomalies.
const tablesSystemPrompt = `You are investigating in-process tables (caches, registries, queues)
of a production application.

You receive per-table entry counts and approximate sizes. Look for
unbounded growth and tables far above their usual size. Use the
callbacks to inspect individual tables. Put facts in context, the
detected anomaly in observation, and speculation in hypothesis.`

// TableProvider reports the current size of one named in-process table.
// Providers must be cheap and side-effect free.
type TableProvider func() TableInfo

// TableInfo describes one table at sampling time.
type TableInfo struct {
	// Entries is the current number of entries.
	Entries int64 `json:"entries"`

	// Bytes is the approximate memory footprint, 0 when unknown.
	Bytes int64 `json:"bytes,omitempty"`

	// Owner names the component owning the table.
	Owner string `json:"owner,omitempty"`
}

// TablesSkill exposes the sizes of application-registered tables (the
// "table/structure metrics" domain). The host application registers a
// provider per table at startup.
//
// Thread Safety: safe for concurrent use.
type TablesSkill struct {
	mu        sync.RWMutex
	providers map[string]TableProvider
	names     []string
}

// NewTablesSkill creates the built-in tables skill with no tables
// registered.
func NewTablesSkill() *TablesSkill {
	return &TablesSkill{
		providers: make(map[string]TableProvider),
	}
}

// RegisterTable adds a table provider. Tables registered after supervisor
// start are picked up on the next snapshot.
func (s *TablesSkill) RegisterTable(name string, provider TableProvider) error {
	if name == "" || provider == nil {
		return fmt.Errorf("table name and provider must be set")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.providers[name]; exists {
		return fmt.Errorf("table %q already registered", name)
	}
	s.providers[name] = provider
	s.names = append(s.names, name)
	sort.Strings(s.names)
	return nil
}

// ID implements Skill.
func (s *TablesSkill) ID() string { return "tables" }

// Title implements Skill.
func (s *TablesSkill) Title() string { return "In-Process Tables" }

// Description implements Skill.
func (s *TablesSkill) Description() string {
	return "Entry counts and footprints of registered in-process tables, caches, and queues."
}

// SystemPrompt implements Skill.
func (s *TablesSkill) SystemPrompt() string { return tablesSystemPrompt }

// Snapshot implements Skill. Metric names are "<table>_entries" and, when
// a footprint is known, "<table>_bytes".
func (s *TablesSkill) Snapshot() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]float64, len(s.names)*2+1)
	out["table_count"] = float64(len(s.names))
	for _, name := range s.names {
		info := s.providers[name]()
		out[name+"_entries"] = float64(info.Entries)
		if info.Bytes > 0 {
			out[name+"_bytes"] = float64(info.Bytes)
		}
	}
	return out
}

// Callbacks implements Skill.
func (s *TablesSkill) Callbacks() []Callback {
	return []Callback{
		{
			Name:        "list_tables",
			Description: "Names of all registered tables with their owners. No arguments.",
			Fn:          s.listTables,
		},
		{
			Name:        "get_table_info",
			Description: `Entry count and footprint for one table. Arguments: {"name": "<table>"}.`,
			Fn:          s.getTableInfo,
		},
		{
			Name:        "top_tables",
			Description: `The N largest tables by entry count (default 5). Arguments: {"limit": <int>}.`,
			Fn:          s.topTables,
		},
	}
}

func (s *TablesSkill) listTables(_ context.Context, _ map[string]any) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]map[string]any, 0, len(s.names))
	for _, name := range s.names {
		info := s.providers[name]()
		out = append(out, map[string]any{
			"name":  name,
			"owner": info.Owner,
		})
	}
	return out, nil
}

func (s *TablesSkill) getTableInfo(_ context.Context, args map[string]any) (any, error) {
	name, _ := args["name"].(string)
	if name == "" {
		return nil, fmt.Errorf("argument %q is required", "name")
	}

	s.mu.RLock()
	provider, ok := s.providers[name]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("table %q not registered", name)
	}

	info := provider()
	return map[string]any{
		"name":    name,
		"entries": info.Entries,
		"bytes":   info.Bytes,
		"owner":   info.Owner,
	}, nil
}

func (s *TablesSkill) topTables(_ context.Context, args map[string]any) (any, error) {
	limit := 5
	if v, ok := args["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	s.mu.RLock()
	type entry struct {
		Name    string `json:"name"`
		Entries int64  `json:"entries"`
		Bytes   int64  `json:"bytes,omitempty"`
	}
	all := make([]entry, 0, len(s.names))
	for _, name := range s.names {
		info := s.providers[name]()
		all = append(all, entry{Name: name, Entries: info.Entries, Bytes: info.Bytes})
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Entries > all[j].Entries })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

var _ Skill = (*TablesSkill)(nil)
