// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package coordinator

import (
	"github.com/beamlens/beamlens/agent"
)

// inbox is the per-run notification mapping. It preserves ingestion
// order and enforces monotonic status transitions. Owned by the run
// loop; never shared across goroutines.
type inbox struct {
	entries map[string]*agent.NotificationEntry
	order   []string
}

func newInbox(notifications []agent.Notification) *inbox {
	in := &inbox{entries: make(map[string]*agent.NotificationEntry)}
	for _, n := range notifications {
		in.add(n)
	}
	return in
}

// add ingests a notification as unread. Duplicate ids are ignored; the
// first ingestion wins.
func (in *inbox) add(n agent.Notification) {
	if _, ok := in.entries[n.ID]; ok {
		return
	}
	in.entries[n.ID] = &agent.NotificationEntry{
		Notification: n,
		Status:       agent.StatusUnread,
	}
	in.order = append(in.order, n.ID)
}

// get returns the entry for id, or nil.
func (in *inbox) get(id string) *agent.NotificationEntry {
	return in.entries[id]
}

// list returns entries in ingestion order, optionally filtered by
// status.
func (in *inbox) list(status agent.Status) []agent.NotificationEntry {
	var out []agent.NotificationEntry
	for _, id := range in.order {
		entry := in.entries[id]
		if status != "" && entry.Status != status {
			continue
		}
		out = append(out, *entry)
	}
	return out
}

// setStatus transitions id to status, skipping missing ids and
// rejecting backward transitions. Returns whether a change was applied.
func (in *inbox) setStatus(id string, status agent.Status) bool {
	entry := in.entries[id]
	if entry == nil {
		return false
	}
	if !entry.Status.CanTransitionTo(status) {
		return false
	}
	if entry.Status == status {
		return false
	}
	entry.Status = status
	return true
}

// unreadCount returns the number of unread entries.
func (in *inbox) unreadCount() int {
	count := 0
	for _, entry := range in.entries {
		if entry.Status == agent.StatusUnread {
			count++
		}
	}
	return count
}

// contains reports whether every id exists, returning the first missing
// id otherwise.
func (in *inbox) contains(ids []string) (string, bool) {
	for _, id := range ids {
		if _, ok := in.entries[id]; !ok {
			return id, false
		}
	}
	return "", true
}
