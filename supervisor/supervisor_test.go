// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamlens/beamlens/agent"
	"github.com/beamlens/beamlens/agent/coordinator"
	"github.com/beamlens/beamlens/agent/llm"
	"github.com/beamlens/beamlens/config"
	"github.com/beamlens/beamlens/telemetry"
)

// scriptClient answers every call with the result of fn.
type scriptClient struct {
	mu    sync.Mutex
	calls int
	fn    func(req llm.ChatRequest, call int) string
}

func (c *scriptClient) Name() string { return "script" }

func (c *scriptClient) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.calls++
	call := c.calls
	c.mu.Unlock()
	return &llm.ChatResponse{Content: c.fn(req, call), Model: "script"}, nil
}

func doneClient() *scriptClient {
	return &scriptClient{fn: func(llm.ChatRequest, int) string {
		return `{"intent": "done"}`
	}}
}

// testConfig returns a configuration that runs without any external
// process: no API listener, no cluster, no persistence.
func testConfig() config.Config {
	cfg := config.Default()
	cfg.API.Enabled = false
	cfg.Monitor.Enabled = false
	return cfg
}

func startSupervisor(t *testing.T, cfg config.Config, client llm.Client) *Supervisor {
	t.Helper()
	t.Setenv("OTEL_METRICS_EXPORTER", "none")
	t.Setenv("OTEL_TRACES_EXPORTER", "none")

	s, err := New(cfg, WithClient(cfg.ClientRegistry.Primary, client))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = s.Stop(stopCtx)
		cancel()
	})
	return s
}

func TestNew_UnknownSkill(t *testing.T) {
	cfg := testConfig()
	cfg.Skills = []string{"runtime", "nonexistent"}

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonexistent")
}

func TestNew_InvalidConfigRejected(t *testing.T) {
	cfg := testConfig()
	cfg.ClientRegistry.Primary = "missing"

	_, err := New(cfg)
	require.Error(t, err)
}

func TestStart_SecondStartRejected(t *testing.T) {
	s := startSupervisor(t, testConfig(), doneClient())
	assert.ErrorIs(t, s.Start(context.Background()), agent.ErrAlreadyRunning)
}

func TestStop_Idempotent(t *testing.T) {
	s := startSupervisor(t, testConfig(), doneClient())
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
}

func TestInvestigate_EmptyBusSkipsLLM(t *testing.T) {
	client := doneClient()
	s := startSupervisor(t, testConfig(), client)

	result, err := s.Investigate(context.Background())
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, 0, client.calls)
}

func TestInvestigate_DrainsBus(t *testing.T) {
	s := startSupervisor(t, testConfig(), doneClient())

	s.queue.Push(agent.Notification{
		ID:          agent.NewNotificationID(),
		Operator:    "runtime",
		AnomalyType: "memory_growth",
		Severity:    agent.SeverityWarning,
		Observation: "heap grew 40% in five minutes",
	})
	require.True(t, s.PendingAlerts())

	result, err := s.Investigate(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.False(t, s.PendingAlerts())
	assert.Equal(t, 0, s.AlertCount())
}

func TestOnAlert_TriggerInvestigates(t *testing.T) {
	cfg := testConfig()
	cfg.AlertHandler.Trigger = "on_alert"
	s := startSupervisor(t, cfg, doneClient())

	s.queue.Push(agent.Notification{
		ID:          agent.NewNotificationID(),
		Operator:    "runtime",
		AnomalyType: "gc_pressure",
		Severity:    agent.SeverityWarning,
	})

	// The doorbell goroutine drains the bus into a coordinator run.
	require.Eventually(t, func() bool {
		return !s.PendingAlerts() &&
			len(s.emitter.BufferByType(telemetry.TypeCoordinatorDone)) >= 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRun_FillsConfiguredDefaults(t *testing.T) {
	cfg := testConfig()
	cfg.Coordinator.MaxIterations = 7
	s := startSupervisor(t, cfg, doneClient())

	opts := s.coordinatorOptions(coordinator.Options{})
	assert.Equal(t, 7, opts.MaxIterations)
	assert.Equal(t, coordinator.StrategyAgentLoop, opts.Strategy)
	assert.Equal(t, 5*time.Minute, opts.Deadline)
}

func TestRunSkill_UnknownSkill(t *testing.T) {
	s := startSupervisor(t, testConfig(), doneClient())

	_, err := s.RunSkill(context.Background(), "nope", "routine check")
	assert.ErrorIs(t, err, agent.ErrNotFound)

	err = s.RunSkillAsync("nope", "routine check", nil)
	assert.ErrorIs(t, err, agent.ErrNotFound)
}

func TestRunSkill_OperatorFinishes(t *testing.T) {
	client := &scriptClient{fn: func(llm.ChatRequest, int) string {
		return `{"intent": "finish", "summary": "nothing unusual"}`
	}}
	s := startSupervisor(t, testConfig(), client)

	result, err := s.RunSkill(context.Background(), "runtime", "routine check")
	require.NoError(t, err)
	assert.Empty(t, result.Notifications)
}

func TestMessageOperator(t *testing.T) {
	client := &scriptClient{fn: func(llm.ChatRequest, int) string {
		return "goroutine count is stable"
	}}
	s := startSupervisor(t, testConfig(), client)

	answer, err := s.MessageOperator(context.Background(), "runtime", "how do goroutines look?")
	require.NoError(t, err)
	assert.Equal(t, "goroutine count is stable", answer)
}

func TestWatchers_ConfiguredAndTriggerable(t *testing.T) {
	cfg := testConfig()
	cfg.Watchers = []config.WatcherConfig{{
		Name:  "runtime_baseline",
		Cron:  "*/5 * * * *",
		Skill: "runtime",
	}}
	s := startSupervisor(t, cfg, doneClient())

	watchers := s.ListWatchers()
	require.Len(t, watchers, 1)
	assert.Equal(t, "runtime_baseline", watchers[0].Name)

	status, err := s.WatcherStatus("runtime_baseline")
	require.NoError(t, err)
	assert.Equal(t, 0, status.WindowSize)

	_, err = s.WatcherStatus("missing")
	assert.ErrorIs(t, err, agent.ErrNotFound)

	// A manual trigger runs one tick; below min_observations this only
	// collects a snapshot, no LLM involved.
	require.NoError(t, s.TriggerWatcher("runtime_baseline"))
	require.Eventually(t, func() bool {
		status, _ := s.WatcherStatus("runtime_baseline")
		return status.WindowSize == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, s.TriggerWatcher("missing"), agent.ErrNotFound)
}

func TestSchedules_ListedWithWatchers(t *testing.T) {
	cfg := testConfig()
	cfg.Watchers = []config.WatcherConfig{{
		Name:  "runtime_baseline",
		Cron:  "*/5 * * * *",
		Skill: "runtime",
	}}
	cfg.Schedules = []config.ScheduleConfig{{
		Name:   "nightly_sweep",
		Cron:   "0 3 * * *",
		Reason: "nightly sweep",
	}}
	s := startSupervisor(t, cfg, doneClient())

	schedules := s.Schedules()
	require.Len(t, schedules, 2)
	names := []string{schedules[0].Name, schedules[1].Name}
	assert.Contains(t, names, "runtime_baseline")
	assert.Contains(t, names, "nightly_sweep")
}

func TestBreakerStateAndReset(t *testing.T) {
	s := startSupervisor(t, testConfig(), doneClient())

	state := s.CircuitBreakerState()
	assert.Equal(t, "closed", state.State)

	s.ResetCircuitBreaker()
	assert.Equal(t, "closed", s.CircuitBreakerState().State)
}

func TestInsights_RetainedAcrossRuns(t *testing.T) {
	s := startSupervisor(t, testConfig(), doneClient())

	s.recordInsights([]agent.Insight{{ID: "a"}, {ID: "b"}})
	s.recordInsights([]agent.Insight{{ID: "c"}})

	insights := s.Insights()
	require.Len(t, insights, 3)
	assert.Equal(t, "a", insights[0].ID)
	assert.Equal(t, "c", insights[2].ID)
}

func TestInsights_HistoryBounded(t *testing.T) {
	s := startSupervisor(t, testConfig(), doneClient())

	batch := make([]agent.Insight, maxInsights+10)
	for i := range batch {
		batch[i] = agent.Insight{ID: agent.NewInsightID()}
	}
	s.recordInsights(batch)

	assert.Len(t, s.Insights(), maxInsights)
}
