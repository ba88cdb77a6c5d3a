// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestStore_AppendAndSamples(t *testing.T) {
	s := NewStore(time.Hour)

	base := time.Now().UnixMilli()
	for i := 0; i < 5; i++ {
		s.Append(Sample{
			Timestamp: base + int64(i),
			Skill:     "runtime",
			Metric:    "heap_alloc_bytes",
			Value:     float64(100 + i),
		})
	}

	samples := s.Samples("runtime", "heap_alloc_bytes")
	if len(samples) != 5 {
		t.Fatalf("len = %d, want 5", len(samples))
	}
	for i, sample := range samples {
		if sample.Value != float64(100+i) {
			t.Errorf("samples[%d].Value = %v, insertion order not preserved", i, sample.Value)
		}
	}

	if got := s.Count("runtime", "heap_alloc_bytes"); got != 5 {
		t.Errorf("Count = %d", got)
	}
	if got := s.Count("runtime", "missing"); got != 0 {
		t.Errorf("Count(missing) = %d", got)
	}
}

func TestStore_WindowPruning(t *testing.T) {
	s := NewStore(time.Minute)

	base := time.Now().UnixMilli()
	old := base - 2*time.Minute.Milliseconds()

	s.Append(Sample{Timestamp: old, Skill: "runtime", Metric: "m", Value: 1})
	s.Append(Sample{Timestamp: old + 1, Skill: "runtime", Metric: "m", Value: 2})
	s.Append(Sample{Timestamp: base, Skill: "runtime", Metric: "m", Value: 3})

	values := s.Values("runtime", "m")
	if len(values) != 1 || values[0] != 3 {
		t.Errorf("Values = %v, want [3] after pruning", values)
	}
}

func TestStore_MaxSamplesCap(t *testing.T) {
	s := NewStore(0, WithMaxSamplesPerKey(3))

	base := time.Now().UnixMilli()
	for i := 0; i < 10; i++ {
		s.Append(Sample{Timestamp: base + int64(i), Skill: "s", Metric: "m", Value: float64(i)})
	}

	values := s.Values("s", "m")
	if len(values) != 3 {
		t.Fatalf("len = %d, want 3", len(values))
	}
	if values[0] != 7 || values[2] != 9 {
		t.Errorf("Values = %v, want the newest three", values)
	}
}

func TestStore_KeysStableOrder(t *testing.T) {
	s := NewStore(time.Hour)

	now := time.Now().UnixMilli()
	s.Append(Sample{Timestamp: now, Skill: "tables", Metric: "sessions_entries", Value: 1})
	s.Append(Sample{Timestamp: now, Skill: "runtime", Metric: "heap_alloc_bytes", Value: 1})
	s.Append(Sample{Timestamp: now, Skill: "runtime", Metric: "goroutine_count", Value: 1})

	want := []Key{
		{Skill: "runtime", Metric: "goroutine_count"},
		{Skill: "runtime", Metric: "heap_alloc_bytes"},
		{Skill: "tables", Metric: "sessions_entries"},
	}
	got := s.Keys()
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Keys()[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	// Order is identical on repeat calls.
	again := s.Keys()
	for i := range got {
		if got[i] != again[i] {
			t.Fatal("Keys() order not stable across calls")
		}
	}
}

func TestStore_AppendSnapshot(t *testing.T) {
	s := NewStore(time.Hour)

	now := time.Now().UnixMilli()
	s.AppendSnapshot("runtime", map[string]float64{
		"heap_alloc_bytes": 1024,
		"goroutine_count":  42,
	}, now)

	if got := s.Count("runtime", "heap_alloc_bytes"); got != 1 {
		t.Errorf("heap count = %d", got)
	}
	if got := s.Values("runtime", "goroutine_count"); len(got) != 1 || got[0] != 42 {
		t.Errorf("goroutine values = %v", got)
	}
}

type recordingSink struct {
	mu      sync.Mutex
	samples []Sample
}

func (r *recordingSink) Write(sample Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, sample)
}

func (r *recordingSink) Close() {}

func TestStore_ForwardsToSink(t *testing.T) {
	sink := &recordingSink{}
	s := NewStore(time.Hour, WithSink(sink))

	s.Append(Sample{Timestamp: time.Now().UnixMilli(), Skill: "s", Metric: "m", Value: 7})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.samples) != 1 || sink.samples[0].Value != 7 {
		t.Errorf("sink samples = %v", sink.samples)
	}
}

func TestStore_ConcurrentAppend(t *testing.T) {
	s := NewStore(time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.Append(Sample{
				Timestamp: time.Now().UnixMilli(),
				Skill:     "runtime",
				Metric:    "m",
				Value:     float64(n),
			})
		}(i)
	}
	wg.Wait()

	if got := s.Count("runtime", "m"); got != 50 {
		t.Errorf("Count = %d, want 50", got)
	}
}
