// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package supervisor assembles the agent from configuration: skills,
// LLM clients behind the shared circuit breaker, the alert bus, the
// statistical detector, watchers and schedules, the coordinator, the
// optional cluster forwarder, and the embedded API server.
//
// The supervisor owns component lifecycles. Everything it starts stops
// when its context is cancelled or Stop is called.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/beamlens/beamlens/agent"
	"github.com/beamlens/beamlens/agent/breaker"
	"github.com/beamlens/beamlens/agent/bus"
	"github.com/beamlens/beamlens/agent/coordinator"
	"github.com/beamlens/beamlens/agent/detector"
	"github.com/beamlens/beamlens/agent/llm"
	"github.com/beamlens/beamlens/agent/metrics"
	"github.com/beamlens/beamlens/agent/operator"
	"github.com/beamlens/beamlens/agent/scheduler"
	"github.com/beamlens/beamlens/agent/skill"
	"github.com/beamlens/beamlens/agent/watcher"
	"github.com/beamlens/beamlens/api"
	"github.com/beamlens/beamlens/config"
	"github.com/beamlens/beamlens/pkg/logging"
	"github.com/beamlens/beamlens/telemetry"
)

// maxInsights bounds the retained insight history; oldest drop first.
const maxInsights = 200

// Option configures a Supervisor before Start.
type Option func(*Supervisor)

// WithSkill registers a custom skill alongside the built-ins. The skill
// id must appear in the configuration's skills list to be active.
func WithSkill(s skill.Skill) Option {
	return func(sv *Supervisor) {
		sv.customSkills = append(sv.customSkills, s)
	}
}

// WithClient overrides the client with the given registry name,
// bypassing provider construction. Used by embedders and tests to
// supply their own transport.
func WithClient(name string, client llm.Client) Option {
	return func(sv *Supervisor) {
		sv.clientOverrides[name] = client
	}
}

// WithEmitter substitutes the telemetry emitter, letting an embedding
// host observe events through its own subscriptions.
func WithEmitter(emitter *telemetry.Emitter) Option {
	return func(sv *Supervisor) {
		sv.emitter = emitter
	}
}

// Supervisor is the root of the agent.
//
// Thread Safety: safe for concurrent use after Start returns.
type Supervisor struct {
	cfg     config.Config
	log     *slog.Logger
	emitter *telemetry.Emitter

	customSkills    []skill.Skill
	clientOverrides map[string]llm.Client

	skills    *skill.Registry
	brk       *breaker.Breaker
	queue     *bus.Queue
	clients   map[string]llm.Client
	primary   llm.Client
	coord     *coordinator.Coordinator
	operators map[string]*operator.Operator
	watchers  map[string]*watcher.Watcher
	sched     *scheduler.Scheduler

	store     *metrics.Store
	baselines *metrics.BaselineStore
	sink      metrics.SampleSink
	det       *detector.Detector

	redisClient  *redis.Client
	forwarder    *bus.Forwarder
	server       *api.Server
	otelShutdown func(context.Context) error

	mu       sync.Mutex
	started  bool
	ctx      context.Context
	cancel   context.CancelFunc
	insights []agent.Insight

	investigateCh    chan struct{}
	investigateGroup singleflight.Group
	wg               sync.WaitGroup
}

// New validates the configuration and prepares a supervisor. Nothing
// runs until Start.
func New(cfg config.Config, opts ...Option) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:             cfg,
		log:             logging.NewLogger("supervisor"),
		emitter:         telemetry.NewEmitter(),
		clientOverrides: make(map[string]llm.Client),
		operators:       make(map[string]*operator.Operator),
		watchers:        make(map[string]*watcher.Watcher),
		investigateCh:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.buildSkills(); err != nil {
		return nil, err
	}
	return s, nil
}

// buildSkills resolves the configured skill ids against the built-ins
// plus any WithSkill registrations.
func (s *Supervisor) buildSkills() error {
	registry := skill.NewRegistry()

	custom := make(map[string]skill.Skill, len(s.customSkills))
	for _, cs := range s.customSkills {
		custom[cs.ID()] = cs
	}

	for _, id := range s.cfg.Skills {
		var sk skill.Skill
		switch {
		case custom[id] != nil:
			sk = custom[id]
		case id == "runtime":
			sk = skill.NewRuntimeSkill()
		case id == "tables":
			sk = skill.NewTablesSkill()
		default:
			return fmt.Errorf("unknown skill %q: not built-in and not registered", id)
		}
		if err := registry.Register(sk); err != nil {
			return err
		}
	}

	s.skills = registry
	return nil
}

// Start brings up every configured component.
//
// Description:
//
//	Initializes telemetry, constructs the LLM clients behind the shared
//	circuit breaker, pre-starts one operator per skill, wires the
//	detector, watchers, schedules, the optional Redis forwarder, the
//	optional InfluxDB sink, and the API server. Components run until the
//	given context is cancelled or Stop is called.
//
// Outputs:
//
//	error - ErrAlreadyRunning on a second Start, otherwise the first
//	construction failure. A failed Start leaves nothing running.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return agent.ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	fail := func(err error) error {
		cancel()
		if s.otelShutdown != nil {
			_ = s.otelShutdown(context.Background())
			s.otelShutdown = nil
		}
		return err
	}

	shutdown, err := telemetry.Init(runCtx, telemetry.DefaultConfig())
	if err != nil {
		return fail(fmt.Errorf("telemetry init failed: %w", err))
	}
	s.otelShutdown = shutdown

	s.brk = breaker.New(breaker.Config{
		FailureThreshold: s.cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: s.cfg.CircuitBreaker.SuccessThreshold,
		ResetTimeout:     s.cfg.CircuitBreaker.ResetTimeout(),
	}, s.emitter)

	if err := s.buildClients(); err != nil {
		return fail(err)
	}

	s.queue = bus.NewQueue(s.emitter, bus.WithMaxSize(s.cfg.AlertHandler.MaxQueueSize))
	s.coord = coordinator.New(s.skills, s.primary, s.emitter)

	for _, sk := range s.skills.All() {
		s.operators[sk.ID()] = operator.New(sk, s.primary, s.emitter,
			operator.WithNotify(s.queue.Push))
	}

	if err := s.startMonitor(runCtx); err != nil {
		return fail(err)
	}
	if err := s.startSchedules(runCtx); err != nil {
		return fail(err)
	}
	if err := s.startForwarder(runCtx); err != nil {
		return fail(err)
	}

	if s.cfg.AlertHandler.Trigger == "on_alert" {
		s.queue.Subscribe(runCtx, func(agent.Notification) {
			select {
			case s.investigateCh <- struct{}{}:
			default:
			}
		})
		s.wg.Add(1)
		go s.investigateLoop(runCtx)
	}

	if s.cfg.API.Enabled {
		s.server = api.NewServer(s, s.emitter)
		s.server.Start(s.cfg.API.Addr)
	}

	s.ctx = runCtx
	s.cancel = cancel
	s.started = true
	s.log.Info("supervisor started",
		"skills", s.skills.IDs(),
		"watchers", len(s.watchers),
		"monitor", s.cfg.Monitor.Enabled,
		"trigger", s.cfg.AlertHandler.Trigger)
	return nil
}

// buildClients constructs every configured transport and wraps it in
// the shared breaker. Overrides from WithClient skip construction but
// are still guarded.
func (s *Supervisor) buildClients() error {
	s.clients = make(map[string]llm.Client, len(s.cfg.ClientRegistry.Clients))

	for _, cc := range s.cfg.ClientRegistry.Clients {
		inner, ok := s.clientOverrides[cc.Name]
		if !ok {
			var err error
			inner, err = newProviderClient(cc)
			if err != nil {
				return fmt.Errorf("client %q: %w", cc.Name, err)
			}
		}
		s.clients[cc.Name] = s.guard(inner, telemetry.SpanLLM)

		if cc.Name == s.cfg.ClientRegistry.Primary {
			s.primary = s.clients[cc.Name]
		}
	}
	return nil
}

func newProviderClient(cc config.ClientConfig) (llm.Client, error) {
	switch cc.Provider {
	case "openai":
		return llm.NewOpenAIClient(llm.OpenAIOptions{
			Name:    cc.Name,
			APIKey:  cc.Options["api_key"],
			Model:   cc.Options["model"],
			BaseURL: cc.Options["base_url"],
		})
	case "ollama":
		return llm.NewOllamaClient(llm.OllamaOptions{
			Name:    cc.Name,
			BaseURL: cc.Options["base_url"],
			Model:   cc.Options["model"],
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", cc.Provider)
	}
}

// guard wraps a client with the shared breaker unless the breaker is
// disabled in configuration.
func (s *Supervisor) guard(inner llm.Client, spanBase string) llm.Client {
	if !s.cfg.CircuitBreaker.Enabled {
		return inner
	}
	return llm.NewGuardedClient(inner, s.brk, s.emitter, llm.WithSpanBase(spanBase))
}

// startMonitor wires the metric store, baseline persistence, the
// optional InfluxDB sink, and the statistical detector.
func (s *Supervisor) startMonitor(ctx context.Context) error {
	mon := s.cfg.Monitor
	if !mon.Enabled {
		return nil
	}

	var storeOpts []metrics.StoreOption
	if s.cfg.Influx.Enabled {
		sink := metrics.NewInfluxSink(metrics.InfluxConfig{
			URL:    s.cfg.Influx.URL,
			Token:  s.cfg.Influx.Token,
			Org:    s.cfg.Influx.Org,
			Bucket: s.cfg.Influx.Bucket,
		})
		s.sink = sink
		storeOpts = append(storeOpts, metrics.WithSink(sink))
	}
	s.store = metrics.NewStore(time.Duration(mon.HistoryMinutes)*time.Minute, storeOpts...)

	// Baselines are advisory: a broken database falls back to a fresh
	// learning cycle instead of failing startup.
	if mon.PersistencePath != "" {
		baselines, err := metrics.OpenBaselineStore(metrics.BadgerConfig{Path: mon.PersistencePath})
		if err != nil {
			s.log.Warn("baseline store unavailable, relearning", "path", mon.PersistencePath, "error", err)
			s.baselines = metrics.NewBaselineStore()
		} else {
			s.baselines = baselines
		}
	} else {
		s.baselines = metrics.NewBaselineStore()
	}

	s.det = detector.New(detector.Config{
		CollectionInterval:  time.Duration(mon.CollectionIntervalMs) * time.Millisecond,
		LearningDuration:    time.Duration(mon.LearningDurationMs) * time.Millisecond,
		ZThreshold:          mon.ZThreshold,
		ConsecutiveRequired: mon.ConsecutiveRequired,
		Cooldown:            time.Duration(mon.CooldownMs) * time.Millisecond,
	}, s.skills, s.store, s.baselines, s.queue, s.emitter)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.det.Run(ctx)
	}()
	return nil
}

// startSchedules builds watchers and plain schedules onto the cron
// scheduler and starts it.
func (s *Supervisor) startSchedules(ctx context.Context) error {
	s.sched = scheduler.New(s.emitter)

	var judge llm.Client
	for _, wc := range s.cfg.Watchers {
		if judge == nil {
			judge = s.watcherJudgeClient()
		}
		sk, ok := s.skills.Get(wc.Skill)
		if !ok {
			return fmt.Errorf("watcher %q: unknown skill %q", wc.Name, wc.Skill)
		}
		w := watcher.New(watcher.Config{
			Name:                    wc.Name,
			MinObservations:         wc.MinObservations,
			MaxObservations:         wc.MaxObservations,
			MaxAge:                  time.Duration(wc.MaxAgeMinutes) * time.Minute,
			Investigate:             wc.Investigate,
			InvestigationIterations: wc.InvestigationIterations,
		}, sk, judge, s.queue, s.emitter)
		s.watchers[wc.Name] = w

		if err := s.sched.Add(wc.Name, wc.Cron, w.Tick); err != nil {
			return err
		}
	}

	for _, sc := range s.cfg.Schedules {
		if err := s.sched.Add(sc.Name, sc.Cron, s.scheduleHandler(sc)); err != nil {
			return err
		}
	}

	s.sched.Start(ctx)
	return nil
}

// watcherJudgeClient is the primary transport under the "judge" span
// base, so classification calls are distinguishable in telemetry.
func (s *Supervisor) watcherJudgeClient() llm.Client {
	for _, cc := range s.cfg.ClientRegistry.Clients {
		if cc.Name != s.cfg.ClientRegistry.Primary {
			continue
		}
		if inner, ok := s.clientOverrides[cc.Name]; ok {
			return s.guard(inner, telemetry.SpanJudge)
		}
		inner, err := newProviderClient(cc)
		if err == nil {
			return s.guard(inner, telemetry.SpanJudge)
		}
	}
	return s.primary
}

// scheduleHandler returns the cron handler for a plain schedule: the
// named skill's operator, or a coordinator run when no skill is named.
func (s *Supervisor) scheduleHandler(sc config.ScheduleConfig) scheduler.Handler {
	reason := sc.Reason
	if reason == "" {
		reason = "scheduled invocation " + sc.Name
	}

	if sc.Skill != "" {
		return func(ctx context.Context) error {
			op, ok := s.operators[sc.Skill]
			if !ok {
				return fmt.Errorf("schedule %q: %w", sc.Name, agent.ErrNotFound)
			}
			_, err := op.Run(ctx, reason)
			return err
		}
	}
	return func(ctx context.Context) error {
		_, err := s.Run(ctx, coordinator.RunContext{
			"reason":  reason,
			"trigger": "schedule:" + sc.Name,
		}, coordinator.Options{})
		return err
	}
}

// startForwarder connects the Redis fan-out when cluster mode is on.
func (s *Supervisor) startForwarder(ctx context.Context) error {
	if !s.cfg.Cluster.Enabled {
		return nil
	}

	s.redisClient = redis.NewClient(&redis.Options{Addr: s.cfg.Cluster.Addr})
	fwd, err := bus.NewForwarder(s.redisClient, s.queue, s.emitter,
		bus.WithChannel(s.cfg.Cluster.Channel))
	if err != nil {
		return fmt.Errorf("cluster forwarder: %w", err)
	}
	if err := fwd.Start(ctx); err != nil {
		return fmt.Errorf("cluster forwarder: %w", err)
	}
	s.forwarder = fwd
	return nil
}

// investigateLoop services on_alert triggers. The doorbell channel
// coalesces bursts; the coordinator serializes the runs themselves.
func (s *Supervisor) investigateLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.investigateCh:
			if _, err := s.Investigate(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("alert investigation failed", "error", err)
			}
		}
	}
}

// Stop shuts everything down in reverse start order and waits for the
// background goroutines to exit.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			s.log.Warn("api shutdown failed", "error", err)
		}
	}
	if s.forwarder != nil {
		s.forwarder.Stop()
	}
	s.sched.Stop()
	s.wg.Wait()

	if s.sink != nil {
		s.sink.Close()
	}
	if s.baselines != nil {
		if err := s.baselines.Close(); err != nil {
			s.log.Warn("baseline store close failed", "error", err)
		}
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.log.Warn("redis close failed", "error", err)
		}
	}
	if s.otelShutdown != nil {
		if err := s.otelShutdown(ctx); err != nil {
			s.log.Warn("telemetry shutdown failed", "error", err)
		}
	}

	s.log.Info("supervisor stopped")
	return nil
}

// Emitter exposes the telemetry emitter for host subscriptions.
func (s *Supervisor) Emitter() *telemetry.Emitter { return s.emitter }

// Skills exposes the resolved skill registry.
func (s *Supervisor) Skills() *skill.Registry { return s.skills }

// Client returns a configured transport by registry name.
func (s *Supervisor) Client(name string) (llm.Client, bool) {
	c, ok := s.clients[name]
	return c, ok
}

// Run invokes the coordinator, filling unset options from the
// configured coordinator defaults. Results feed the insight history.
func (s *Supervisor) Run(ctx context.Context, rc coordinator.RunContext, opts coordinator.Options) (*coordinator.Result, error) {
	result, err := s.coord.Run(ctx, rc, s.coordinatorOptions(opts))
	if result != nil {
		s.recordInsights(result.Insights)
	}
	return result, err
}

func (s *Supervisor) coordinatorOptions(opts coordinator.Options) coordinator.Options {
	cc := s.cfg.Coordinator
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = cc.MaxIterations
	}
	if opts.Deadline <= 0 {
		opts.Deadline = cc.Deadline()
	}
	if opts.Strategy == "" {
		opts.Strategy = coordinator.Strategy(cc.Strategy)
	}
	if opts.CompactionMaxTokens <= 0 {
		opts.CompactionMaxTokens = cc.CompactionMaxTokens
	}
	if opts.CompactionKeepLast <= 0 {
		opts.CompactionKeepLast = cc.CompactionKeepLast
	}
	return opts
}

// RunSkillAsync starts the named skill's operator without waiting. The
// completion, successful or not, arrives on ch.
func (s *Supervisor) RunSkillAsync(skillID, runContext string, ch chan<- operator.Completion) error {
	op, ok := s.operators[skillID]
	if !ok {
		return fmt.Errorf("skill %q: %w", skillID, agent.ErrNotFound)
	}
	op.RunAsync(s.ctx, runContext, ch)
	return nil
}

// RunSkill runs the named skill's operator synchronously.
func (s *Supervisor) RunSkill(ctx context.Context, skillID, runContext string) (*operator.Result, error) {
	op, ok := s.operators[skillID]
	if !ok {
		return nil, fmt.Errorf("skill %q: %w", skillID, agent.ErrNotFound)
	}
	return op.Run(ctx, runContext)
}

// MessageOperator asks the named skill's operator a direct question
// outside the tool loop.
func (s *Supervisor) MessageOperator(ctx context.Context, skillID, text string) (string, error) {
	op, ok := s.operators[skillID]
	if !ok {
		return "", fmt.Errorf("skill %q: %w", skillID, agent.ErrNotFound)
	}
	return op.Message(ctx, text)
}

// Investigate drains the alert bus into a coordinator run.
//
// Description:
//
//	Takes every pending notification off the bus and hands the batch to
//	the coordinator with an alert_investigation reason. When the bus is
//	empty it returns (nil, nil) without an LLM call. Concurrent callers
//	share one in-flight investigation instead of racing for the batch.
func (s *Supervisor) Investigate(ctx context.Context) (*coordinator.Result, error) {
	v, err, _ := s.investigateGroup.Do("investigate", func() (any, error) {
		notifications := s.queue.TakeAll()
		if len(notifications) == 0 {
			return (*coordinator.Result)(nil), nil
		}
		return s.Run(ctx, coordinator.RunContext{
			"reason": "alert_investigation",
			"alerts": fmt.Sprintf("%d", len(notifications)),
		}, coordinator.Options{Notifications: notifications})
	})
	result, _ := v.(*coordinator.Result)
	return result, err
}

// PendingAlerts reports whether undrained notifications exist.
func (s *Supervisor) PendingAlerts() bool { return s.queue.Pending() }

// AlertCount returns the number of undrained notifications.
func (s *Supervisor) AlertCount() int { return s.queue.Count() }

// ListWatchers returns every watcher's status, sorted by name.
func (s *Supervisor) ListWatchers() []watcher.StatusSnapshot {
	names := make([]string, 0, len(s.watchers))
	for name := range s.watchers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]watcher.StatusSnapshot, 0, len(names))
	for _, name := range names {
		out = append(out, s.watchers[name].Status())
	}
	return out
}

// WatcherStatus returns one watcher's status.
func (s *Supervisor) WatcherStatus(name string) (watcher.StatusSnapshot, error) {
	w, ok := s.watchers[name]
	if !ok {
		return watcher.StatusSnapshot{}, fmt.Errorf("watcher %q: %w", name, agent.ErrNotFound)
	}
	return w.Status(), nil
}

// TriggerWatcher fires a watcher's tick outside its cron schedule. The
// scheduler's overlap guard still applies.
func (s *Supervisor) TriggerWatcher(name string) error {
	if _, ok := s.watchers[name]; !ok {
		return fmt.Errorf("watcher %q: %w", name, agent.ErrNotFound)
	}
	return s.sched.RunNow(name)
}

// Schedules returns the status of every cron entry, watchers included.
func (s *Supervisor) Schedules() []scheduler.EntryStatus {
	names := s.sched.Names()
	out := make([]scheduler.EntryStatus, 0, len(names))
	for _, name := range names {
		if status, err := s.sched.Status(name); err == nil {
			out = append(out, status)
		}
	}
	return out
}

// CircuitBreakerState returns the shared breaker's snapshot.
func (s *Supervisor) CircuitBreakerState() breaker.Snapshot { return s.brk.GetState() }

// ResetCircuitBreaker forces the breaker closed.
func (s *Supervisor) ResetCircuitBreaker() { s.brk.Reset() }

// DetectorPhase returns the statistical detector's phase, or empty when
// the monitor is disabled.
func (s *Supervisor) DetectorPhase() detector.Phase {
	if s.det == nil {
		return ""
	}
	return s.det.Phase()
}

// Insights returns the retained insight history, oldest first.
func (s *Supervisor) Insights() []agent.Insight {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]agent.Insight, len(s.insights))
	copy(out, s.insights)
	return out
}

func (s *Supervisor) recordInsights(insights []agent.Insight) {
	if len(insights) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insights = append(s.insights, insights...)
	if over := len(s.insights) - maxInsights; over > 0 {
		s.insights = s.insights[over:]
	}
}
