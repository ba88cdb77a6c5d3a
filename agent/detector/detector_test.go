// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package detector

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamlens/beamlens/agent"
	"github.com/beamlens/beamlens/agent/bus"
	"github.com/beamlens/beamlens/agent/metrics"
	"github.com/beamlens/beamlens/agent/skill"
	"github.com/beamlens/beamlens/telemetry"
)

// fakeSkill reports a single metric whose value the test controls.
type fakeSkill struct {
	mu    sync.Mutex
	id    string
	value float64
}

func (f *fakeSkill) ID() string                { return f.id }
func (f *fakeSkill) Title() string             { return f.id }
func (f *fakeSkill) Description() string       { return "test skill" }
func (f *fakeSkill) SystemPrompt() string      { return "" }
func (f *fakeSkill) Callbacks() []skill.Callback { return nil }

func (f *fakeSkill) Snapshot() map[string]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]float64{"load": f.value}
}

func (f *fakeSkill) set(v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value = v
}

type harness struct {
	detector *Detector
	skill    *fakeSkill
	queue    *bus.Queue
	emitter  *telemetry.Emitter
	now      time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	fs := &fakeSkill{id: "runtime", value: 100}
	registry := skill.NewRegistry()
	require.NoError(t, registry.Register(fs))

	emitter := telemetry.NewEmitter()
	queue := bus.NewQueue(emitter)
	store := metrics.NewStore(time.Hour)
	baselines := metrics.NewBaselineStore()

	return &harness{
		detector: New(cfg, registry, store, baselines, queue, emitter),
		skill:    fs,
		queue:    queue,
		emitter:  emitter,
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

// tick advances virtual time by one interval and runs a cycle.
func (h *harness) tick(cfg Config) {
	h.now = h.now.Add(cfg.CollectionInterval)
	h.detector.Tick(h.now)
}

// testConfig learns from 10 steady ticks, then triggers at |z| >= 3
// sustained for 3 samples.
func testConfig() Config {
	return Config{
		CollectionInterval:  time.Second,
		LearningDuration:    10 * time.Second,
		ZThreshold:          3.0,
		ConsecutiveRequired: 3,
		Cooldown:            30 * time.Second,
		MinRequired:         5,
	}
}

// learn drives the harness through the learning phase with slight jitter
// so the baseline std dev is nonzero.
func (h *harness) learn(t *testing.T, cfg Config) {
	t.Helper()
	for i := 0; h.detector.Phase() == PhaseLearning; i++ {
		h.skill.set(100 + math.Sin(float64(i)))
		h.tick(cfg)
		require.Less(t, i, 100, "learning never completed")
	}
	require.Equal(t, PhaseActive, h.detector.Phase())
}

func TestDetector_LearningProducesBaselines(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)

	var phaseEvents []*telemetry.Event
	var mu sync.Mutex
	h.emitter.Subscribe(func(ev *telemetry.Event) {
		mu.Lock()
		phaseEvents = append(phaseEvents, ev)
		mu.Unlock()
	}, telemetry.TypeDetectorPhaseChange)

	h.learn(t, cfg)

	// The skill's metric has a persisted baseline.
	b, ok := h.detector.baselines.Get("runtime", "load")
	require.True(t, ok)
	assert.InDelta(t, 100, b.Mean, 1.0)
	assert.GreaterOrEqual(t, b.SampleCount, cfg.MinRequired)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, phaseEvents, 1)
	assert.Equal(t, "learning", phaseEvents[0].Fields["from"])
	assert.Equal(t, "active", phaseEvents[0].Fields["to"])
}

func TestDetector_FewerThanRequiredNeverTriggers(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	h.learn(t, cfg)

	// Two anomalous samples, then a normal one, repeatedly. The
	// consecutive counter resets each time, so nothing fires.
	for round := 0; round < 5; round++ {
		h.skill.set(1000)
		h.tick(cfg)
		h.skill.set(1000)
		h.tick(cfg)
		h.skill.set(100)
		h.tick(cfg)
	}

	assert.Equal(t, PhaseActive, h.detector.Phase())
	assert.Zero(t, h.queue.Count())
}

func TestDetector_ExactlyRequiredTriggersOnce(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	h.learn(t, cfg)

	h.skill.set(1000)
	h.tick(cfg)
	h.tick(cfg)
	require.Zero(t, h.queue.Count(), "fired before consecutive_required")

	h.tick(cfg) // third consecutive anomalous sample

	notifications := h.queue.TakeAll()
	require.Len(t, notifications, 1)

	n := notifications[0]
	assert.Equal(t, "runtime", n.Operator)
	assert.Equal(t, "load_anomaly", n.AnomalyType)
	assert.Equal(t, agent.SeverityCritical, n.Severity)
	assert.NotEmpty(t, n.ID)
	assert.NotZero(t, n.DetectedAt)
	require.Len(t, n.Snapshots, 1)
	assert.Equal(t, 1000.0, n.Snapshots[0].Metrics["load"])

	assert.Equal(t, PhaseCooldown, h.detector.Phase())
}

func TestDetector_CooldownSuppressesThenRearms(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	h.learn(t, cfg)

	h.skill.set(1000)
	for i := 0; i < cfg.ConsecutiveRequired; i++ {
		h.tick(cfg)
	}
	require.Len(t, h.queue.TakeAll(), 1)
	require.Equal(t, PhaseCooldown, h.detector.Phase())

	// Anomaly persists through cooldown without firing again.
	for h.now.Sub(h.detector.cooldownStart) < cfg.Cooldown {
		h.tick(cfg)
	}
	assert.Zero(t, h.queue.Count(), "fired during cooldown")
	require.Equal(t, PhaseActive, h.detector.Phase())

	// Re-armed: the anomaly must again sustain for the full run length.
	for i := 0; i < cfg.ConsecutiveRequired; i++ {
		h.tick(cfg)
	}
	assert.Equal(t, 1, h.queue.Count())
}

func TestDetector_SimultaneousTriggersStableOrder(t *testing.T) {
	cfg := testConfig()

	alpha := &fakeSkill{id: "alpha", value: 50}
	beta := &fakeSkill{id: "beta", value: 50}
	registry := skill.NewRegistry()
	require.NoError(t, registry.Register(beta))
	require.NoError(t, registry.Register(alpha))

	emitter := telemetry.NewEmitter()
	queue := bus.NewQueue(emitter)
	store := metrics.NewStore(time.Hour)
	d := New(cfg, registry, store, metrics.NewBaselineStore(), queue, emitter)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; d.Phase() == PhaseLearning; i++ {
		alpha.set(50 + math.Sin(float64(i)))
		beta.set(50 + math.Cos(float64(i)))
		now = now.Add(cfg.CollectionInterval)
		d.Tick(now)
		require.Less(t, i, 100)
	}

	alpha.set(500)
	beta.set(500)
	for i := 0; i < cfg.ConsecutiveRequired; i++ {
		now = now.Add(cfg.CollectionInterval)
		d.Tick(now)
	}

	notifications := queue.TakeAll()
	require.Len(t, notifications, 2)
	// (skill, metric) order regardless of registration order.
	assert.Equal(t, "alpha", notifications[0].Operator)
	assert.Equal(t, "beta", notifications[1].Operator)
}

func TestDetector_InsufficientSamplesSkipsBaseline(t *testing.T) {
	cfg := testConfig()
	cfg.LearningDuration = 2 * time.Second
	cfg.MinRequired = 10
	h := newHarness(t, cfg)

	for h.detector.Phase() == PhaseLearning {
		h.tick(cfg)
	}

	// Learning ended with too few samples; no baseline, and the active
	// phase never judges the unbaselined metric.
	_, ok := h.detector.baselines.Get("runtime", "load")
	assert.False(t, ok)

	h.skill.set(1e9)
	for i := 0; i < 10; i++ {
		h.tick(cfg)
	}
	assert.Zero(t, h.queue.Count())
}

func TestDetector_TriggeredTelemetry(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)

	var events []*telemetry.Event
	var mu sync.Mutex
	h.emitter.Subscribe(func(ev *telemetry.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}, telemetry.TypeDetectorTriggered)

	h.learn(t, cfg)
	h.skill.set(1000)
	for i := 0; i < cfg.ConsecutiveRequired; i++ {
		h.tick(cfg)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, "runtime", events[0].Fields["skill"])
	assert.Equal(t, "load", events[0].Fields["metric"])
	z, ok := events[0].Fields["z_score"].(float64)
	require.True(t, ok)
	assert.Greater(t, z, cfg.ZThreshold)
}

func TestDetector_PersistedBaselinesSkipLearning(t *testing.T) {
	cfg := testConfig()

	fs := &fakeSkill{id: "runtime", value: 100}
	registry := skill.NewRegistry()
	require.NoError(t, registry.Register(fs))

	baselines := metrics.NewBaselineStore()
	baselines.Put("runtime", "load", metrics.Baseline{
		Mean: 100, StdDev: 1, SampleCount: 50,
	})

	emitter := telemetry.NewEmitter()
	queue := bus.NewQueue(emitter)
	d := New(cfg, registry, metrics.NewStore(time.Hour), baselines, queue, emitter)

	require.Equal(t, PhaseActive, d.Phase())

	fs.set(1000)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < cfg.ConsecutiveRequired; i++ {
		now = now.Add(cfg.CollectionInterval)
		d.Tick(now)
	}
	assert.Equal(t, 1, queue.Count())
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	def := DefaultConfig()
	assert.Equal(t, def, cfg)

	custom := Config{ZThreshold: 2.5}.withDefaults()
	assert.Equal(t, 2.5, custom.ZThreshold)
	assert.Equal(t, def.ConsecutiveRequired, custom.ConsecutiveRequired)
}
