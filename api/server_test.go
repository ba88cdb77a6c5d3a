// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamlens/beamlens/agent"
	"github.com/beamlens/beamlens/agent/breaker"
	"github.com/beamlens/beamlens/agent/coordinator"
	"github.com/beamlens/beamlens/agent/scheduler"
	"github.com/beamlens/beamlens/agent/watcher"
	"github.com/beamlens/beamlens/telemetry"
)

// fakeCore scripts the supervisor surface for handler tests.
type fakeCore struct {
	pending      bool
	count        int
	investigate  *coordinator.Result
	investigateE error
	runResult    *coordinator.Result
	runErr       error
	watchers     []watcher.StatusSnapshot
	triggerErr   error
	insights     []agent.Insight
	resets       int
}

func (f *fakeCore) PendingAlerts() bool { return f.pending }
func (f *fakeCore) AlertCount() int     { return f.count }

func (f *fakeCore) Investigate(ctx context.Context) (*coordinator.Result, error) {
	return f.investigate, f.investigateE
}

func (f *fakeCore) Run(ctx context.Context, rc coordinator.RunContext, opts coordinator.Options) (*coordinator.Result, error) {
	return f.runResult, f.runErr
}

func (f *fakeCore) ListWatchers() []watcher.StatusSnapshot { return f.watchers }

func (f *fakeCore) WatcherStatus(name string) (watcher.StatusSnapshot, error) {
	for _, w := range f.watchers {
		if w.Name == name {
			return w, nil
		}
	}
	return watcher.StatusSnapshot{}, agent.ErrNotFound
}

func (f *fakeCore) TriggerWatcher(name string) error { return f.triggerErr }

func (f *fakeCore) Schedules() []scheduler.EntryStatus { return nil }

func (f *fakeCore) CircuitBreakerState() breaker.Snapshot {
	return breaker.Snapshot{State: "closed"}
}

func (f *fakeCore) ResetCircuitBreaker() { f.resets++ }

func (f *fakeCore) Insights() []agent.Insight { return f.insights }

func newTestServer(core *fakeCore) (*Server, *telemetry.Emitter) {
	emitter := telemetry.NewEmitter()
	return NewServer(core, emitter), emitter
}

func doJSON(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestGetAlerts(t *testing.T) {
	s, _ := newTestServer(&fakeCore{pending: true, count: 3})

	rec, body := doJSON(t, s, http.MethodGet, "/v1/alerts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["pending"])
	assert.Equal(t, float64(3), body["count"])
}

func TestInvestigate_NoAlerts(t *testing.T) {
	s, _ := newTestServer(&fakeCore{})

	rec, body := doJSON(t, s, http.MethodPost, "/v1/investigate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no_alerts", body["status"])
}

func TestInvestigate_ReturnsInsights(t *testing.T) {
	core := &fakeCore{
		investigate: &coordinator.Result{
			Insights: []agent.Insight{{ID: "i-1", Summary: "heap growth tracks queue depth"}},
			Answer:   "memory pressure follows ingest bursts",
		},
	}
	s, _ := newTestServer(core)

	rec, body := doJSON(t, s, http.MethodPost, "/v1/investigate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Len(t, body["insights"], 1)
}

func TestInvestigate_CircuitOpenMapsTo503(t *testing.T) {
	s, _ := newTestServer(&fakeCore{investigateE: breaker.ErrCircuitOpen})

	rec, _ := doJSON(t, s, http.MethodPost, "/v1/investigate", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRun_RequiresReason(t *testing.T) {
	s, _ := newTestServer(&fakeCore{})

	rec, _ := doJSON(t, s, http.MethodPost, "/v1/run", `{"context": {"k": "v"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRun_OK(t *testing.T) {
	core := &fakeCore{runResult: &coordinator.Result{Answer: "all clear", Iterations: 2}}
	s, _ := newTestServer(core)

	rec, body := doJSON(t, s, http.MethodPost, "/v1/run", `{"reason": "routine sweep"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "all clear", body["answer"])
	assert.Equal(t, float64(2), body["iterations"])
}

func TestWatcherEndpoints(t *testing.T) {
	core := &fakeCore{watchers: []watcher.StatusSnapshot{{Name: "runtime_baseline", Skill: "runtime"}}}
	s, _ := newTestServer(core)

	rec, body := doJSON(t, s, http.MethodGet, "/v1/watchers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["watchers"], 1)

	rec, body = doJSON(t, s, http.MethodGet, "/v1/watchers/runtime_baseline", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "runtime", body["skill"])

	rec, _ = doJSON(t, s, http.MethodGet, "/v1/watchers/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerWatcher_StatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"accepted", nil, http.StatusAccepted},
		{"not_found", agent.ErrNotFound, http.StatusNotFound},
		{"already_running", agent.ErrAlreadyRunning, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newTestServer(&fakeCore{triggerErr: tc.err})
			rec, _ := doJSON(t, s, http.MethodPost, "/v1/watchers/w/trigger", "")
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestBreakerReset(t *testing.T) {
	core := &fakeCore{}
	s, _ := newTestServer(core)

	rec, body := doJSON(t, s, http.MethodPost, "/v1/breaker/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "closed", body["state"])
	assert.Equal(t, 1, core.resets)
}

func TestMetricsEndpoint_RequiresExporter(t *testing.T) {
	s, _ := newTestServer(&fakeCore{})

	// Telemetry init has not run in this process, so the Prometheus
	// handler is absent and the route reports that instead of panicking.
	rec, _ := doJSON(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamEvents_DeliversAndFilters(t *testing.T) {
	core := &fakeCore{}
	s, emitter := newTestServer(core)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events?types=detector.triggered"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Subscription registration races with the dial returning; give the
	// handler a beat to subscribe before emitting.
	require.Eventually(t, func() bool {
		return emitter.SubscriptionCount() > 0
	}, 2*time.Second, 5*time.Millisecond)

	emitter.Emit(telemetry.TypeWatcherHealthy, "", nil) // filtered out
	emitter.Emit(telemetry.TypeDetectorTriggered, "trace-9", map[string]any{
		"skill": "runtime",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event telemetry.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, telemetry.TypeDetectorTriggered, event.Type)
	assert.Equal(t, "trace-9", event.TraceID)
}
