// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package skill

import (
	"context"
	"os"
	"runtime"
	"runtime/metrics"
	"time"
)

// runtimeSystemPrompt instructs the LLM investigating runtime anomalies.
const runtimeSystemPrompt = `You are investigating the Go runtime of a production process.

You receive metric snapshots (heap bytes, goroutine counts, GC activity)
and may call read-only callbacks for detail. Look for memory growth,
goroutine leaks, and GC pressure. Report only what the data supports:
put facts in context, the detected anomaly in observation, and keep any
speculation in hypothesis. Send at most one notification per distinct
anomaly, then finish.`

// RuntimeSkill exposes Go runtime metrics (the "VM metrics" domain):
// heap and stack sizes, goroutine counts, and GC statistics.
//
// Snapshots read runtime counters only; no allocation beyond the result
// map, no I/O.
type RuntimeSkill struct {
	startedAt time.Time
}

// NewRuntimeSkill creates the built-in runtime skill.
func NewRuntimeSkill() *RuntimeSkill {
	return &RuntimeSkill{startedAt: time.Now()}
}

// ID implements Skill.
func (s *RuntimeSkill) ID() string { return "runtime" }

// Title implements Skill.
func (s *RuntimeSkill) Title() string { return "Go Runtime" }

// Description implements Skill.
func (s *RuntimeSkill) Description() string {
	return "Memory, goroutine, and garbage collection metrics of the host process."
}

// SystemPrompt implements Skill.
func (s *RuntimeSkill) SystemPrompt() string { return runtimeSystemPrompt }

// Snapshot implements Skill.
func (s *RuntimeSkill) Snapshot() map[string]float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return map[string]float64{
		"heap_alloc_bytes":    float64(ms.HeapAlloc),
		"heap_sys_bytes":      float64(ms.HeapSys),
		"heap_objects":        float64(ms.HeapObjects),
		"stack_inuse_bytes":   float64(ms.StackInuse),
		"goroutine_count":     float64(runtime.NumGoroutine()),
		"gc_cycles":           float64(ms.NumGC),
		"gc_pause_total_ns":   float64(ms.PauseTotalNs),
		"gc_cpu_fraction":     ms.GCCPUFraction,
		"next_gc_bytes":       float64(ms.NextGC),
		"mallocs_minus_frees": float64(ms.Mallocs - ms.Frees),
	}
}

// Callbacks implements Skill.
func (s *RuntimeSkill) Callbacks() []Callback {
	return []Callback{
		{
			Name:        "get_memory_stats",
			Description: "Detailed heap breakdown: alloc, sys, idle, released, and span/bucket overhead in bytes. No arguments.",
			Fn:          s.getMemoryStats,
		},
		{
			Name:        "get_gc_stats",
			Description: "GC cycle count, total and recent pause times, and target heap size. No arguments.",
			Fn:          s.getGCStats,
		},
		{
			Name:        "get_scheduler_stats",
			Description: "Goroutine count, GOMAXPROCS, cgo call count, and scheduler latency distribution summary. No arguments.",
			Fn:          s.getSchedulerStats,
		},
		{
			Name:        "get_process_info",
			Description: "PID, uptime in seconds, and Go version of the observed process. No arguments.",
			Fn:          s.getProcessInfo,
		},
	}
}

func (s *RuntimeSkill) getMemoryStats(_ context.Context, _ map[string]any) (any, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return map[string]any{
		"heap_alloc":    ms.HeapAlloc,
		"heap_sys":      ms.HeapSys,
		"heap_idle":     ms.HeapIdle,
		"heap_inuse":    ms.HeapInuse,
		"heap_released": ms.HeapReleased,
		"mspan_inuse":   ms.MSpanInuse,
		"mcache_inuse":  ms.MCacheInuse,
		"buck_hash_sys": ms.BuckHashSys,
		"total_alloc":   ms.TotalAlloc,
	}, nil
}

func (s *RuntimeSkill) getGCStats(_ context.Context, _ map[string]any) (any, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	recent := make([]uint64, 0, 8)
	for i := uint32(0); i < 8 && i < ms.NumGC; i++ {
		recent = append(recent, ms.PauseNs[(ms.NumGC-1-i)%256])
	}

	return map[string]any{
		"num_gc":           ms.NumGC,
		"num_forced_gc":    ms.NumForcedGC,
		"pause_total_ns":   ms.PauseTotalNs,
		"recent_pauses_ns": recent,
		"next_gc":          ms.NextGC,
		"last_gc_unix_ns":  ms.LastGC,
		"gc_cpu_fraction":  ms.GCCPUFraction,
	}, nil
}

func (s *RuntimeSkill) getSchedulerStats(_ context.Context, _ map[string]any) (any, error) {
	samples := []metrics.Sample{
		{Name: "/sched/latencies:seconds"},
		{Name: "/sched/goroutines:goroutines"},
	}
	metrics.Read(samples)

	out := map[string]any{
		"goroutines": runtime.NumGoroutine(),
		"gomaxprocs": runtime.GOMAXPROCS(0),
		"cgo_calls":  runtime.NumCgoCall(),
	}

	// The latency histogram is large; summarize it to keep the tool result
	// within the bounded size the skill contract requires.
	if h := samples[0].Value; h.Kind() == metrics.KindFloat64Histogram {
		hist := h.Float64Histogram()
		var total uint64
		for _, c := range hist.Counts {
			total += c
		}
		out["sched_latency_samples"] = total
	}

	return out, nil
}

func (s *RuntimeSkill) getProcessInfo(_ context.Context, _ map[string]any) (any, error) {
	return map[string]any{
		"pid":            os.Getpid(),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"go_version":     runtime.Version(),
		"num_cpu":        runtime.NumCPU(),
	}, nil
}

var _ Skill = (*RuntimeSkill)(nil)
