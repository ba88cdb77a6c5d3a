// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package metrics

import (
	"math"
	"sort"
	"time"
)

// Baseline is the statistical reference for one (skill, metric).
//
// Baselines with SampleCount below the detector's min_required threshold
// must not be used for anomaly decisions.
type Baseline struct {
	Mean         float64 `json:"mean"`
	StdDev       float64 `json:"std_dev"`
	Percentile50 float64 `json:"percentile_50"`
	Percentile95 float64 `json:"percentile_95"`
	Percentile99 float64 `json:"percentile_99"`
	SampleCount  int     `json:"sample_count"`
	LastUpdated  int64   `json:"last_updated"`
}

// ComputeBaseline derives a baseline from raw values. Returns a zero
// baseline for an empty input.
func ComputeBaseline(values []float64) Baseline {
	n := len(values)
	if n == 0 {
		return Baseline{}
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)

	var sqDiff float64
	for _, v := range values {
		d := v - mean
		sqDiff += d * d
	}
	// Population standard deviation; the window is the whole population
	// of interest, not a sample from a larger one.
	stdDev := math.Sqrt(sqDiff / float64(n))

	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	return Baseline{
		Mean:         mean,
		StdDev:       stdDev,
		Percentile50: percentile(sorted, 0.50),
		Percentile95: percentile(sorted, 0.95),
		Percentile99: percentile(sorted, 0.99),
		SampleCount:  n,
		LastUpdated:  time.Now().UnixMilli(),
	}
}

// percentile returns the nearest-rank percentile of sorted values.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// ZScore computes how many standard deviations value sits from the
// baseline mean. epsilon floors the divisor so a flat baseline (zero
// std dev) cannot divide by zero.
func (b Baseline) ZScore(value, epsilon float64) float64 {
	return (value - b.Mean) / math.Max(b.StdDev, epsilon)
}

// EMA tracks an exponential moving average of recent values.
//
// The detector keeps the EMA separate from the snapshot baseline:
// anomalies are judged against the stable baseline while the EMA follows
// the signal, so a slow drift is still visible as divergence between the
// two rather than being absorbed into the reference.
type EMA struct {
	alpha float64
	value float64
	seen  bool
}

// NewEMA creates an EMA with the given smoothing factor in (0, 1].
func NewEMA(alpha float64) *EMA {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.1
	}
	return &EMA{alpha: alpha}
}

// Update folds in one observation and returns the new average.
func (e *EMA) Update(value float64) float64 {
	if !e.seen {
		e.value = value
		e.seen = true
		return e.value
	}
	e.value = e.alpha*value + (1-e.alpha)*e.value
	return e.value
}

// Value returns the current average, and whether any value was seen.
func (e *EMA) Value() (float64, bool) {
	return e.value, e.seen
}
