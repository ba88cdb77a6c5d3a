// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package metrics

import (
	"testing"
)

func TestBaselineStore_InMemoryRoundTrip(t *testing.T) {
	s := NewBaselineStore()

	b := Baseline{Mean: 100, StdDev: 10, SampleCount: 50, LastUpdated: 123}
	s.Put("runtime", "heap_alloc_bytes", b)

	got, ok := s.Get("runtime", "heap_alloc_bytes")
	if !ok {
		t.Fatal("baseline not found")
	}
	if got.Mean != 100 || got.SampleCount != 50 {
		t.Errorf("got %+v", got)
	}

	if _, ok := s.Get("runtime", "missing"); ok {
		t.Error("missing baseline reported present")
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d", s.Len())
	}
}

func TestBaselineStore_PersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenBaselineStore(BadgerConfig{Path: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.Put("runtime", "heap_alloc_bytes", Baseline{Mean: 200, StdDev: 20, SampleCount: 30})
	s.Put("tables", "sessions_entries", Baseline{Mean: 1000, StdDev: 5, SampleCount: 30})
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenBaselineStore(BadgerConfig{Path: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if reopened.Len() != 2 {
		t.Fatalf("Len after reopen = %d, want 2", reopened.Len())
	}
	got, ok := reopened.Get("runtime", "heap_alloc_bytes")
	if !ok || got.Mean != 200 {
		t.Errorf("runtime baseline = %+v, %v", got, ok)
	}
	got, ok = reopened.Get("tables", "sessions_entries")
	if !ok || got.Mean != 1000 {
		t.Errorf("tables baseline = %+v, %v", got, ok)
	}
}

func TestBaselineStore_MissingPathFresh(t *testing.T) {
	// A directory with no data is a fresh learning cycle, not an error.
	s, err := OpenBaselineStore(BadgerConfig{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}

func TestBaselineStore_RequiresPath(t *testing.T) {
	if _, err := OpenBaselineStore(BadgerConfig{}); err == nil {
		t.Error("expected error without path")
	}
}

func TestKeyCodec(t *testing.T) {
	key := Key{Skill: "runtime", Metric: "heap_alloc_bytes"}
	encoded := encodeKey(key)

	decoded, ok := decodeKey(encoded)
	if !ok || decoded != key {
		t.Errorf("decodeKey(%q) = %v, %v", encoded, decoded, ok)
	}

	if _, ok := decodeKey("other/runtime/m"); ok {
		t.Error("foreign prefix decoded")
	}
	if _, ok := decodeKey(baselineKeyPrefix + "nometric"); ok {
		t.Error("key without metric decoded")
	}
}
