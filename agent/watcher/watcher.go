// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package watcher implements the baseline-LLM anomaly pathway: a
// per-domain sliding window of snapshots judged by the model on each
// tick, for domains where statistical baselining is insufficient.
package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/beamlens/beamlens/agent"
	"github.com/beamlens/beamlens/agent/bus"
	"github.com/beamlens/beamlens/agent/llm"
	"github.com/beamlens/beamlens/agent/operator"
	"github.com/beamlens/beamlens/agent/skill"
	"github.com/beamlens/beamlens/pkg/logging"
	"github.com/beamlens/beamlens/telemetry"
)

const (
	// DefaultMinObservations is the window size below which the LLM is
	// not consulted.
	DefaultMinObservations = 3

	// DefaultMaxObservations caps the sliding window by count.
	DefaultMaxObservations = 30

	// DefaultMaxAge caps the sliding window by age.
	DefaultMaxAge = time.Hour

	// DefaultCooldown is applied when report_anomaly omits
	// cooldown_minutes.
	DefaultCooldown = 5 * time.Minute

	// DefaultInvestigationIterations bounds the follow-up investigation.
	DefaultInvestigationIterations = 5

	// maxNotes caps the carried continue_observing notes.
	maxNotes = 10
)

// Baseline-analysis intents.
const (
	intentContinue = "continue_observing"
	intentAnomaly  = "report_anomaly"
	intentHealthy  = "report_healthy"
)

var analyzeIntents = []string{intentContinue, intentAnomaly, intentHealthy}

const analyzePrompt = `You judge whether a monitored domain is behaving normally, using a sliding
window of metric snapshots and your notes from earlier ticks.

Respond with a single JSON object selecting exactly one assessment:
  {"intent": "continue_observing", "notes": "...", "confidence": "low|medium"} - inconclusive; notes carry forward
  {"intent": "report_anomaly", "anomaly_type": "...", "severity": "info|warning|critical", "summary": "...", "evidence": [...], "confidence": "medium|high", "cooldown_minutes": 5} - the window shows an anomaly; anomaly_type uses category_detail form like "memory_high"
  {"intent": "report_healthy", "summary": "...", "confidence": "medium|high"} - the window is clearly normal
Evidence must quote values present in the window.`

// Config tunes one watcher. Zero values take the defaults.
type Config struct {
	// Name identifies the watcher, e.g. "runtime_baseline".
	Name string `json:"name" validate:"required"`

	// MinObservations gates the LLM call.
	MinObservations int `json:"min_observations" validate:"gte=0"`

	// MaxObservations caps the window by count.
	MaxObservations int `json:"max_observations" validate:"gte=0"`

	// MaxAge caps the window by age.
	MaxAge time.Duration `json:"max_age" validate:"gte=0"`

	// Investigate enables the bounded follow-up investigation that
	// attaches WatcherFindings to emitted notifications.
	Investigate bool `json:"investigate"`

	// InvestigationIterations bounds the follow-up loop.
	InvestigationIterations int `json:"investigation_iterations" validate:"gte=0"`
}

func (c Config) withDefaults() Config {
	if c.MinObservations <= 0 {
		c.MinObservations = DefaultMinObservations
	}
	if c.MaxObservations <= 0 {
		c.MaxObservations = DefaultMaxObservations
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.InvestigationIterations <= 0 {
		c.InvestigationIterations = DefaultInvestigationIterations
	}
	return c
}

// Outcome is the result of one watcher tick, for status reporting.
type Outcome string

const (
	OutcomeCollecting Outcome = "collecting"
	OutcomeObserving  Outcome = "observing"
	OutcomeAnomaly    Outcome = "anomaly"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeHealthy    Outcome = "healthy"
)

// StatusSnapshot is the watcher's externally visible state.
type StatusSnapshot struct {
	Name        string            `json:"name"`
	Skill       string            `json:"skill"`
	WindowSize  int               `json:"window_size"`
	LastOutcome Outcome           `json:"last_outcome,omitempty"`
	LastTickAt  int64             `json:"last_tick_at,omitempty"`
	Cooldowns   map[string]int64  `json:"cooldowns,omitempty"`
}

// Watcher owns one domain's sliding window.
//
// Thread Safety: safe for concurrent use; Tick runs are serialized by
// the scheduler's overlap guard, and Status may be called from any
// goroutine.
type Watcher struct {
	config  Config
	skill   skill.Skill
	client  llm.Client
	queue   *bus.Queue
	emitter *telemetry.Emitter
	log     *slog.Logger

	mu          sync.Mutex
	window      []agent.MetricSnapshot
	notes       []string
	cooldowns   map[string]time.Time
	lastOutcome Outcome
	lastTickAt  time.Time
}

// New creates a watcher for the given skill. client is the judge; pass
// a breaker-guarded client with span base "judge" in production.
func New(config Config, s skill.Skill, client llm.Client, queue *bus.Queue, emitter *telemetry.Emitter) *Watcher {
	if emitter == nil {
		emitter = telemetry.NewEmitter()
	}
	return &Watcher{
		config:    config.withDefaults(),
		skill:     s,
		client:    client,
		queue:     queue,
		emitter:   emitter,
		log:       logging.NewLogger("watcher").With(slog.String("watcher", config.Name)),
		cooldowns: make(map[string]time.Time),
	}
}

// Name returns the watcher's configured name.
func (w *Watcher) Name() string { return w.config.Name }

// Status returns the externally visible state.
func (w *Watcher) Status() StatusSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snapshot := StatusSnapshot{
		Name:        w.config.Name,
		Skill:       w.skill.ID(),
		WindowSize:  len(w.window),
		LastOutcome: w.lastOutcome,
	}
	if !w.lastTickAt.IsZero() {
		snapshot.LastTickAt = w.lastTickAt.UnixMilli()
	}
	now := time.Now()
	for category, expiry := range w.cooldowns {
		if expiry.After(now) {
			if snapshot.Cooldowns == nil {
				snapshot.Cooldowns = make(map[string]int64)
			}
			snapshot.Cooldowns[category] = expiry.UnixMilli()
		}
	}
	return snapshot
}

// Tick executes one observation cycle: sample, trim the window, and —
// once enough observations have accumulated — ask the model to classify
// the window.
func (w *Watcher) Tick(ctx context.Context) error {
	now := time.Now()

	w.mu.Lock()
	w.lastTickAt = now
	w.window = append(w.window, agent.MetricSnapshot{
		Skill:   w.skill.ID(),
		TakenAt: now.UnixMilli(),
		Metrics: w.skill.Snapshot(),
	})
	w.trimLocked(now)
	windowCopy := make([]agent.MetricSnapshot, len(w.window))
	copy(windowCopy, w.window)
	notesCopy := strings.Join(w.notes, "\n")
	size := len(w.window)
	w.mu.Unlock()

	if size < w.config.MinObservations {
		w.setOutcome(OutcomeCollecting)
		w.emitter.Emit(telemetry.TypeWatcherCollecting, "", map[string]any{
			"watcher": w.config.Name,
			"window":  size,
			"needed":  w.config.MinObservations,
		})
		return nil
	}

	assessment, err := w.analyze(ctx, windowCopy, notesCopy)
	if err != nil {
		return fmt.Errorf("watcher %s: %w", w.config.Name, err)
	}

	switch assessment.Name {
	case intentContinue:
		w.continueObserving(assessment)
	case intentAnomaly:
		w.reportAnomaly(ctx, assessment, windowCopy, now)
	case intentHealthy:
		w.reportHealthy(assessment)
	}
	return nil
}

// trimLocked enforces the count and age caps. Caller holds the lock.
func (w *Watcher) trimLocked(now time.Time) {
	cutoff := now.Add(-w.config.MaxAge).UnixMilli()
	start := 0
	for start < len(w.window) && w.window[start].TakenAt < cutoff {
		start++
	}
	w.window = w.window[start:]
	if len(w.window) > w.config.MaxObservations {
		w.window = w.window[len(w.window)-w.config.MaxObservations:]
	}
}

// analyze runs the baseline-analysis LLM call.
func (w *Watcher) analyze(ctx context.Context, window []agent.MetricSnapshot, notes string) (llm.Intent, error) {
	payload, err := json.Marshal(window)
	if err != nil {
		return llm.Intent{}, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Domain: %s — %s\n", w.skill.Title(), w.skill.Description())
	fmt.Fprintf(&b, "Window (%d snapshots): %s\n", len(window), payload)
	if notes != "" {
		fmt.Fprintf(&b, "Notes from earlier ticks:\n%s\n", notes)
	}

	resp, err := w.client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: analyzePrompt},
			{Role: llm.RoleUser, Content: b.String()},
		},
		JSONMode: true,
	})
	if err != nil {
		return llm.Intent{}, err
	}
	return llm.DecodeIntent(resp.Content, analyzeIntents)
}

func (w *Watcher) continueObserving(assessment llm.Intent) {
	if notes := assessment.String("notes"); notes != "" {
		w.mu.Lock()
		w.notes = append(w.notes, notes)
		if len(w.notes) > maxNotes {
			w.notes = w.notes[len(w.notes)-maxNotes:]
		}
		w.mu.Unlock()
	}
	w.setOutcome(OutcomeObserving)
	w.emitter.Emit(telemetry.TypeWatcherObserving, "", map[string]any{
		"watcher":    w.config.Name,
		"confidence": assessment.String("confidence"),
	})
}

func (w *Watcher) reportHealthy(assessment llm.Intent) {
	// A healthy verdict clears the carried notes.
	w.mu.Lock()
	w.notes = nil
	w.mu.Unlock()

	w.setOutcome(OutcomeHealthy)
	w.emitter.Emit(telemetry.TypeWatcherHealthy, "", map[string]any{
		"watcher":    w.config.Name,
		"summary":    assessment.String("summary"),
		"confidence": assessment.String("confidence"),
	})
}

// reportAnomaly enqueues a notification unless the anomaly's category
// is within an active cooldown.
func (w *Watcher) reportAnomaly(ctx context.Context, assessment llm.Intent, window []agent.MetricSnapshot, now time.Time) {
	severity := agent.Severity(assessment.String("severity"))
	if !severity.Valid() {
		severity = agent.SeverityWarning
	}

	evidence := assessment.StringSlice("evidence")
	n := agent.Notification{
		ID:          agent.NewNotificationID(),
		Operator:    w.skill.ID(),
		AnomalyType: assessment.String("anomaly_type"),
		Severity:    severity,
		Context:     fmt.Sprintf("watcher %s, window of %d snapshots", w.config.Name, len(window)),
		Observation: assessment.String("summary"),
		Snapshots:   window,
		DetectedAt:  now.UnixMilli(),
	}
	if len(evidence) > 0 {
		n.Observation += " (evidence: " + strings.Join(evidence, "; ") + ")"
	}

	category := n.Category()
	w.mu.Lock()
	expiry, active := w.cooldowns[category]
	suppressed := active && now.Before(expiry)
	w.mu.Unlock()

	if suppressed {
		w.setOutcome(OutcomeSuppressed)
		w.emitter.Emit(telemetry.TypeWatcherSuppressed, "", map[string]any{
			"watcher":      w.config.Name,
			"category":     category,
			"anomaly_type": n.AnomalyType,
			"expires_at":   expiry.UnixMilli(),
		})
		return
	}

	cooldown := DefaultCooldown
	if minutes, ok := assessment.Int("cooldown_minutes"); ok && minutes > 0 {
		cooldown = time.Duration(minutes) * time.Minute
	}

	if w.config.Investigate {
		if findings := w.investigate(ctx, n); findings != nil {
			n.Findings = findings
		}
	}

	w.mu.Lock()
	w.cooldowns[category] = now.Add(cooldown)
	w.mu.Unlock()

	w.setOutcome(OutcomeAnomaly)
	w.emitter.Emit(telemetry.TypeWatcherAnomaly, "", map[string]any{
		"watcher":      w.config.Name,
		"category":     category,
		"anomaly_type": n.AnomalyType,
		"severity":     string(severity),
	})
	w.queue.Push(n)
}

// investigate runs the bounded follow-up loop and condenses its output
// into findings. Failures degrade to a notification without findings.
func (w *Watcher) investigate(ctx context.Context, n agent.Notification) *agent.WatcherFindings {
	op := operator.New(w.skill, w.client, w.emitter,
		operator.WithMaxIterations(w.config.InvestigationIterations))

	runContext := fmt.Sprintf(
		"Reason: confirm or refute a suspected anomaly\nanomaly_type: %s\nsummary: %s",
		n.AnomalyType, n.Observation)
	result, err := op.Run(ctx, runContext)
	if err != nil {
		w.log.Warn("investigation failed", slog.Any("error", err))
		return nil
	}

	findings := &agent.WatcherFindings{ToolsUsed: result.ToolsUsed}
	for _, produced := range result.Notifications {
		if produced.Observation != "" {
			findings.Evidence = append(findings.Evidence, produced.Observation)
		}
		if findings.Summary == "" {
			findings.Summary = produced.Hypothesis
		}
	}
	if findings.Summary == "" {
		if len(findings.Evidence) > 0 {
			findings.Summary = "investigation corroborated the anomaly"
		} else {
			findings.Summary = "investigation found no corroborating evidence"
		}
	}
	return findings
}

func (w *Watcher) setOutcome(outcome Outcome) {
	w.mu.Lock()
	w.lastOutcome = outcome
	w.mu.Unlock()
}
