// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package scheduler drives cron-timed handlers: watcher ticks and
// direct operator or coordinator invocations. Each entry runs at most
// one handler at a time; an overlapping fire is skipped, not queued.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/beamlens/beamlens/agent"
	"github.com/beamlens/beamlens/pkg/logging"
	"github.com/beamlens/beamlens/telemetry"
)

// Handler is one schedule's work. It must honor ctx cancellation.
type Handler func(ctx context.Context) error

// specParser accepts standard 5-field cron syntax, minute-granular:
// "minute hour day-of-month month day-of-week".
var specParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ParseSpec validates a 5-field cron expression.
func ParseSpec(spec string) (cron.Schedule, error) {
	return specParser.Parse(spec)
}

// entry is one registered schedule.
type entry struct {
	name    string
	spec    string
	id      cron.EntryID
	handler Handler

	mu      sync.Mutex
	running bool
}

// tryAcquire marks the entry running. Returns false when a handler is
// already in flight.
func (e *entry) tryAcquire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return false
	}
	e.running = true
	return true
}

func (e *entry) release() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

func (e *entry) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// EntryStatus is one schedule's externally visible state.
type EntryStatus struct {
	Name    string `json:"name"`
	Spec    string `json:"spec"`
	Running bool   `json:"running"`
	NextAt  int64  `json:"next_at,omitempty"`
}

// Scheduler owns the cron runner and the per-entry overlap guards.
//
// Thread Safety: safe for concurrent use.
type Scheduler struct {
	cron    *cron.Cron
	emitter *telemetry.Emitter
	log     *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates an empty scheduler.
func New(emitter *telemetry.Emitter) *Scheduler {
	if emitter == nil {
		emitter = telemetry.NewEmitter()
	}
	return &Scheduler{
		cron:    cron.New(cron.WithParser(specParser)),
		emitter: emitter,
		log:     logging.NewLogger("scheduler"),
		entries: make(map[string]*entry),
	}
}

// Add registers a handler under a 5-field cron expression. Names must
// be unique.
func (s *Scheduler) Add(name, spec string, handler Handler) error {
	if name == "" {
		return fmt.Errorf("schedule name required")
	}
	if _, err := ParseSpec(spec); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("schedule %s already registered", name)
	}

	e := &entry{name: name, spec: spec, handler: handler}
	id, err := s.cron.AddFunc(spec, func() { s.fire(e) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	e.id = id
	s.entries[name] = e
	return nil
}

// Start begins firing schedules. Stop (or ctx cancellation) ends them.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info("scheduler started", slog.Int("entries", len(s.entries)))

	go func() {
		<-s.ctx.Done()
		s.cron.Stop()
	}()
}

// Stop halts firing and cancels in-flight handlers.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.started = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// RunNow fires the named schedule immediately.
//
// Outputs:
//
//	error - ErrNotFound for an unknown name, ErrAlreadyRunning when the
//	        previous handler is still in flight.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	ctx := s.ctx
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule %s: %w", name, agent.ErrNotFound)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if !e.tryAcquire() {
		return fmt.Errorf("schedule %s: %w", name, agent.ErrAlreadyRunning)
	}
	go s.run(ctx, e)
	return nil
}

// Names returns the registered schedule names, sorted.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status returns one schedule's state, or ErrNotFound.
func (s *Scheduler) Status(name string) (EntryStatus, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return EntryStatus{}, fmt.Errorf("schedule %s: %w", name, agent.ErrNotFound)
	}

	status := EntryStatus{Name: e.name, Spec: e.spec, Running: e.isRunning()}
	if next := s.cron.Entry(e.id).Next; !next.IsZero() {
		status.NextAt = next.UnixMilli()
	}
	return status, nil
}

// fire handles one cron trigger, enforcing the overlap guard.
func (s *Scheduler) fire(e *entry) {
	if !e.tryAcquire() {
		s.emitter.Emit(telemetry.TypeScheduleSkipped, "", map[string]any{
			"schedule": e.name,
			"reason":   "already_running",
		})
		s.log.Warn("schedule fire skipped", slog.String("schedule", e.name))
		return
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.run(ctx, e)
}

// run executes an acquired entry's handler and records its outcome.
// Panics are contained to the entry.
func (s *Scheduler) run(ctx context.Context, e *entry) {
	defer e.release()

	start := time.Now()
	s.emitter.Emit(telemetry.TypeScheduleTriggered, "", map[string]any{
		"schedule": e.name,
	})

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", agent.ErrWorkerCrashed, r)
			}
		}()
		err = e.handler(ctx)
	}()

	elapsed := time.Since(start)
	if err != nil {
		s.emitter.Emit(telemetry.TypeScheduleFailed, "", map[string]any{
			"schedule":   e.name,
			"reason":     err.Error(),
			"elapsed_ms": elapsed.Milliseconds(),
		})
		s.log.Warn("schedule handler failed",
			slog.String("schedule", e.name), slog.Any("error", err))
		return
	}
	s.emitter.Emit(telemetry.TypeScheduleCompleted, "", map[string]any{
		"schedule":   e.name,
		"elapsed_ms": elapsed.Milliseconds(),
	})
}
