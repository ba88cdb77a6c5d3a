// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package metrics holds the sample history the anomaly detector works
// from: a bounded per-(skill, metric) store, baseline statistics with
// Badger persistence, and an optional InfluxDB sink for long-term
// sample retention outside the process.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Sample is one observed metric value.
type Sample struct {
	// Timestamp is when the sample was taken (Unix milliseconds UTC).
	Timestamp int64 `json:"timestamp"`

	// Skill is the owning skill id.
	Skill string `json:"skill"`

	// Metric is the metric name within the skill.
	Metric string `json:"metric"`

	// Value is the observed value.
	Value float64 `json:"value"`
}

// Key addresses one metric history.
type Key struct {
	Skill  string
	Metric string
}

// Store keeps a bounded, windowed history per (skill, metric).
//
// Samples older than the window are pruned on append; pruning preserves
// insertion order. A per-key sample cap bounds memory when a window holds
// more samples than expected.
//
// Thread Safety: safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	histories  map[Key][]Sample
	window     time.Duration
	maxPerKey  int
	sink       SampleSink
	sortedKeys []Key
	keysDirty  bool
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithSink forwards every appended sample to an external sink (e.g. the
// InfluxDB sink). Sink errors are the sink's problem; the store never
// blocks on them.
func WithSink(sink SampleSink) StoreOption {
	return func(s *Store) {
		s.sink = sink
	}
}

// WithMaxSamplesPerKey caps each history (default 10000).
func WithMaxSamplesPerKey(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.maxPerKey = n
		}
	}
}

// NewStore creates a store pruning samples older than window.
func NewStore(window time.Duration, opts ...StoreOption) *Store {
	s := &Store{
		histories: make(map[Key][]Sample),
		window:    window,
		maxPerKey: 10000,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append records one sample, pruning the key's history as a side effect.
func (s *Store) Append(sample Sample) {
	key := Key{Skill: sample.Skill, Metric: sample.Metric}

	s.mu.Lock()
	history, exists := s.histories[key]
	if !exists {
		s.keysDirty = true
	}
	history = append(history, sample)
	history = s.pruneLocked(history, sample.Timestamp)
	s.histories[key] = history
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.Write(sample)
	}
}

// AppendSnapshot records every metric of one skill snapshot with a shared
// timestamp.
func (s *Store) AppendSnapshot(skill string, snapshot map[string]float64, timestamp int64) {
	for metric, value := range snapshot {
		s.Append(Sample{
			Timestamp: timestamp,
			Skill:     skill,
			Metric:    metric,
			Value:     value,
		})
	}
}

// pruneLocked drops samples outside the window and over the cap. Caller
// holds the lock.
func (s *Store) pruneLocked(history []Sample, now int64) []Sample {
	if s.window > 0 {
		cutoff := now - s.window.Milliseconds()
		firstLive := 0
		for firstLive < len(history) && history[firstLive].Timestamp < cutoff {
			firstLive++
		}
		history = history[firstLive:]
	}
	if len(history) > s.maxPerKey {
		history = history[len(history)-s.maxPerKey:]
	}
	return history
}

// Samples returns a copy of one history in insertion order.
func (s *Store) Samples(skill, metric string) []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.histories[Key{Skill: skill, Metric: metric}]
	out := make([]Sample, len(history))
	copy(out, history)
	return out
}

// Values returns just the values of one history, in insertion order.
func (s *Store) Values(skill, metric string) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.histories[Key{Skill: skill, Metric: metric}]
	out := make([]float64, len(history))
	for i, sample := range history {
		out[i] = sample.Value
	}
	return out
}

// Count returns the number of live samples for one key.
func (s *Store) Count(skill, metric string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.histories[Key{Skill: skill, Metric: metric}])
}

// Keys returns every known (skill, metric) pair in stable order: sorted
// by skill, then metric. The detector relies on this order for
// deterministic tie-breaking when several metrics trigger at once.
func (s *Store) Keys() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.keysDirty || s.sortedKeys == nil {
		keys := make([]Key, 0, len(s.histories))
		for k := range s.histories {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].Skill != keys[j].Skill {
				return keys[i].Skill < keys[j].Skill
			}
			return keys[i].Metric < keys[j].Metric
		})
		s.sortedKeys = keys
		s.keysDirty = false
	}

	out := make([]Key, len(s.sortedKeys))
	copy(out, s.sortedKeys)
	return out
}

// Reset discards all histories.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.histories = make(map[Key][]Sample)
	s.sortedKeys = nil
	s.keysDirty = false
}
