// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package detector implements the statistical anomaly pathway: a
// learning/active/cooldown state machine that samples every registered
// skill on a periodic tick, baselines each metric, and pushes a
// notification onto the alert bus when a metric diverges for long enough.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/beamlens/beamlens/agent"
	"github.com/beamlens/beamlens/agent/bus"
	"github.com/beamlens/beamlens/agent/metrics"
	"github.com/beamlens/beamlens/agent/skill"
	"github.com/beamlens/beamlens/pkg/logging"
	"github.com/beamlens/beamlens/telemetry"
)

// Phase is the detector's lifecycle phase.
type Phase string

const (
	// PhaseLearning collects samples without judging them.
	PhaseLearning Phase = "learning"

	// PhaseActive judges every sample against its baseline.
	PhaseActive Phase = "active"

	// PhaseCooldown keeps sampling but suppresses triggers.
	PhaseCooldown Phase = "cooldown"
)

// zScoreEpsilon floors the z-score divisor for flat baselines.
const zScoreEpsilon = 1e-9

// Config tunes the detector. Zero values take the defaults.
type Config struct {
	// CollectionInterval is the tick period.
	CollectionInterval time.Duration `json:"collection_interval" validate:"gte=0"`

	// LearningDuration is how long to collect before baselining.
	LearningDuration time.Duration `json:"learning_duration" validate:"gte=0"`

	// ZThreshold is the |z| at which a sample counts as anomalous.
	ZThreshold float64 `json:"z_threshold" validate:"gte=0"`

	// ConsecutiveRequired is how many anomalous samples in a row trigger.
	ConsecutiveRequired int `json:"consecutive_required" validate:"gte=0"`

	// Cooldown is how long triggers are suppressed after one fires.
	Cooldown time.Duration `json:"cooldown" validate:"gte=0"`

	// MinRequired is the minimum sample count for a usable baseline.
	MinRequired int `json:"min_required" validate:"gte=0"`

	// EMAAlpha is the smoothing factor of the advisory moving average.
	EMAAlpha float64 `json:"ema_alpha" validate:"gte=0,lte=1"`
}

// DefaultConfig returns production defaults: sample every 30s, learn for
// 10 minutes, trigger at |z| >= 3 sustained for 3 samples, cool down for
// 5 minutes.
func DefaultConfig() Config {
	return Config{
		CollectionInterval:  30 * time.Second,
		LearningDuration:    10 * time.Minute,
		ZThreshold:          3.0,
		ConsecutiveRequired: 3,
		Cooldown:            5 * time.Minute,
		MinRequired:         10,
		EMAAlpha:            0.1,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CollectionInterval <= 0 {
		c.CollectionInterval = def.CollectionInterval
	}
	if c.LearningDuration <= 0 {
		c.LearningDuration = def.LearningDuration
	}
	if c.ZThreshold <= 0 {
		c.ZThreshold = def.ZThreshold
	}
	if c.ConsecutiveRequired <= 0 {
		c.ConsecutiveRequired = def.ConsecutiveRequired
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.MinRequired <= 0 {
		c.MinRequired = def.MinRequired
	}
	if c.EMAAlpha <= 0 || c.EMAAlpha > 1 {
		c.EMAAlpha = def.EMAAlpha
	}
	return c
}

// Detector is the learning/active/cooldown worker.
//
// State is owned by the Run goroutine; other goroutines interact only
// through the snapshot accessors, which copy under the lock.
type Detector struct {
	config    Config
	skills    *skill.Registry
	store     *metrics.Store
	baselines *metrics.BaselineStore
	queue     *bus.Queue
	emitter   *telemetry.Emitter
	log       *slog.Logger

	mu                sync.Mutex
	phase             Phase
	learningStart     time.Time
	cooldownStart     time.Time
	consecutiveCounts map[metrics.Key]int
	emas              map[metrics.Key]*metrics.EMA
}

// New creates a detector. When the baseline store already holds
// persisted baselines from a previous run, the detector starts directly
// in the active phase; an empty store triggers a fresh learning cycle.
func New(config Config, skills *skill.Registry, store *metrics.Store, baselines *metrics.BaselineStore, queue *bus.Queue, emitter *telemetry.Emitter) *Detector {
	if emitter == nil {
		emitter = telemetry.NewEmitter()
	}
	phase := PhaseLearning
	if baselines != nil && baselines.Len() > 0 {
		phase = PhaseActive
	}
	return &Detector{
		config:            config.withDefaults(),
		skills:            skills,
		store:             store,
		baselines:         baselines,
		queue:             queue,
		emitter:           emitter,
		log:               logging.NewLogger("detector"),
		phase:             phase,
		consecutiveCounts: make(map[metrics.Key]int),
		emas:              make(map[metrics.Key]*metrics.EMA),
	}
}

// Run drives the detector until ctx is done. Blocking; callers start it
// on its own goroutine.
func (d *Detector) Run(ctx context.Context) {
	d.mu.Lock()
	if d.learningStart.IsZero() {
		d.learningStart = time.Now()
	}
	d.mu.Unlock()

	ticker := time.NewTicker(d.config.CollectionInterval)
	defer ticker.Stop()

	d.log.Info("detector started",
		slog.Duration("interval", d.config.CollectionInterval),
		slog.Duration("learning", d.config.LearningDuration))

	for {
		select {
		case <-ctx.Done():
			d.log.Info("detector stopped")
			return
		case now := <-ticker.C:
			d.Tick(now)
		}
	}
}

// Phase returns the current phase.
func (d *Detector) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

// Tick executes one collect cycle at the given time. Exported so the
// supervisor's Run loop and deterministic tests share the same path.
func (d *Detector) Tick(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.learningStart.IsZero() {
		d.learningStart = now
	}

	timestamp := now.UnixMilli()
	for _, s := range d.skills.All() {
		d.store.AppendSnapshot(s.ID(), s.Snapshot(), timestamp)
	}

	switch d.phase {
	case PhaseLearning:
		if now.Sub(d.learningStart) >= d.config.LearningDuration {
			d.computeBaselinesLocked()
			d.transitionLocked(PhaseActive, now)
		}
	case PhaseActive:
		d.judgeLocked(now)
	case PhaseCooldown:
		if now.Sub(d.cooldownStart) >= d.config.Cooldown {
			d.transitionLocked(PhaseActive, now)
		}
	}
}

// computeBaselinesLocked derives and persists a baseline for every key
// with enough samples. Caller holds the lock.
func (d *Detector) computeBaselinesLocked() {
	computed := 0
	for _, key := range d.store.Keys() {
		values := d.store.Values(key.Skill, key.Metric)
		if len(values) < d.config.MinRequired {
			continue
		}
		d.baselines.Put(key.Skill, key.Metric, metrics.ComputeBaseline(values))
		computed++
	}

	if err := d.baselines.Flush(); err != nil {
		d.log.Warn("baseline flush failed", slog.Any("error", err))
	}
	d.log.Info("baselines computed", slog.Int("count", computed))
}

// judgeLocked scores the latest sample of every baselined key and fires
// at most one trigger batch. Caller holds the lock.
func (d *Detector) judgeLocked(now time.Time) {
	var triggered []metrics.Key

	// Keys() is sorted by (skill, metric); simultaneous triggers emit in
	// that stable order.
	for _, key := range d.store.Keys() {
		baseline, ok := d.baselines.Get(key.Skill, key.Metric)
		if !ok || baseline.SampleCount < d.config.MinRequired {
			continue
		}

		samples := d.store.Samples(key.Skill, key.Metric)
		if len(samples) == 0 {
			continue
		}
		latest := samples[len(samples)-1]

		ema, ok := d.emas[key]
		if !ok {
			ema = metrics.NewEMA(d.config.EMAAlpha)
			d.emas[key] = ema
		}
		ema.Update(latest.Value)

		z := baseline.ZScore(latest.Value, zScoreEpsilon)
		if z < 0 {
			z = -z
		}
		if z >= d.config.ZThreshold {
			d.consecutiveCounts[key]++
			if d.consecutiveCounts[key] >= d.config.ConsecutiveRequired {
				triggered = append(triggered, key)
			}
		} else {
			d.consecutiveCounts[key] = 0
		}
	}

	if len(triggered) == 0 {
		return
	}

	for _, key := range triggered {
		d.fireLocked(key, now)
	}

	// One trigger batch resets every counter and starts the cooldown.
	d.consecutiveCounts = make(map[metrics.Key]int)
	d.cooldownStart = now
	d.transitionLocked(PhaseCooldown, now)
}

// fireLocked emits one notification for a triggered key. Caller holds
// the lock.
func (d *Detector) fireLocked(key metrics.Key, now time.Time) {
	baseline, _ := d.baselines.Get(key.Skill, key.Metric)
	samples := d.store.Samples(key.Skill, key.Metric)
	latest := samples[len(samples)-1]
	z := baseline.ZScore(latest.Value, zScoreEpsilon)

	severity := agent.SeverityWarning
	if z >= 2*d.config.ZThreshold || z <= -2*d.config.ZThreshold {
		severity = agent.SeverityCritical
	}

	emaValue := 0.0
	if ema, ok := d.emas[key]; ok {
		emaValue, _ = ema.Value()
	}

	n := agent.Notification{
		ID:          agent.NewNotificationID(),
		Operator:    key.Skill,
		AnomalyType: key.Metric + "_anomaly",
		Severity:    severity,
		Context: fmt.Sprintf("baseline mean=%.2f std_dev=%.2f samples=%d ema=%.2f",
			baseline.Mean, baseline.StdDev, baseline.SampleCount, emaValue),
		Observation: fmt.Sprintf("%s=%.2f z=%.2f for %d consecutive samples",
			key.Metric, latest.Value, z, d.config.ConsecutiveRequired),
		Snapshots: []agent.MetricSnapshot{{
			Skill:   key.Skill,
			TakenAt: latest.Timestamp,
			Metrics: map[string]float64{key.Metric: latest.Value},
		}},
		DetectedAt: now.UnixMilli(),
	}

	d.emitter.Emit(telemetry.TypeDetectorTriggered, "", map[string]any{
		"skill":   key.Skill,
		"metric":  key.Metric,
		"z_score": z,
	})
	d.queue.Push(n)
}

// transitionLocked moves to a new phase and emits the change. Caller
// holds the lock.
func (d *Detector) transitionLocked(to Phase, now time.Time) {
	from := d.phase
	if from == to {
		return
	}
	d.phase = to
	if to == PhaseCooldown {
		d.cooldownStart = now
	}

	d.emitter.Emit(telemetry.TypeDetectorPhaseChange, "", map[string]any{
		"from": string(from),
		"to":   string(to),
	})
	d.log.Info("detector phase change",
		slog.String("from", string(from)),
		slog.String("to", string(to)))
}
