// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package coordinator implements the singleton worker that correlates
// notifications into insights. Two strategies share the same
// invocation-queue and deadline machinery: the default iterative
// AgentLoop, and a fixed classify/gather/synthesize Pipeline.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/beamlens/beamlens/agent"
	"github.com/beamlens/beamlens/agent/llm"
	"github.com/beamlens/beamlens/agent/operator"
	"github.com/beamlens/beamlens/agent/skill"
	"github.com/beamlens/beamlens/pkg/logging"
	"github.com/beamlens/beamlens/telemetry"
)

const (
	// DefaultMaxIterations bounds one AgentLoop run.
	DefaultMaxIterations = 25

	// DefaultDeadline is the server-side deadline per run.
	DefaultDeadline = 5 * time.Minute

	// DefaultMessageTimeout bounds a synchronous message_operator call.
	DefaultMessageTimeout = 10 * time.Second

	// maxWait caps a single wait tool invocation.
	maxWait = time.Minute
)

// Strategy selects how a run correlates notifications.
type Strategy string

const (
	// StrategyAgentLoop is the default iterative tool loop.
	StrategyAgentLoop Strategy = "agent_loop"

	// StrategyPipeline is the fixed classify/gather/synthesize machine.
	// It uses strictly fewer LLM calls but cannot recover from a wrong
	// classification.
	StrategyPipeline Strategy = "pipeline"
)

// AgentLoop toolset.
const (
	toolGetNotifications  = "get_notifications"
	toolUpdateStatuses    = "update_notification_statuses"
	toolProduceInsight    = "produce_insight"
	toolThink             = "think"
	toolInvokeOperators   = "invoke_operators"
	toolMessageOperator   = "message_operator"
	toolOperatorStatuses  = "get_operator_statuses"
	toolSchedule          = "schedule"
	toolWait              = "wait"
	toolDone              = "done"
)

var coordinatorTools = []string{
	toolGetNotifications,
	toolUpdateStatuses,
	toolProduceInsight,
	toolThink,
	toolInvokeOperators,
	toolMessageOperator,
	toolOperatorStatuses,
	toolSchedule,
	toolWait,
	toolDone,
}

const systemPrompt = `You are the coordinator of a runtime self-observation system. You receive
anomaly notifications from per-domain operators and correlate them into
insights: explanations tying one or more notifications to a shared cause.

Respond with a single JSON object selecting exactly one tool:
  {"intent": "get_notifications", "status": "unread|acknowledged|resolved"} - list notifications; status is optional
  {"intent": "update_notification_statuses", "ids": [...], "status": "acknowledged|resolved", "reason": "..."} - transition statuses
  {"intent": "produce_insight", "notification_ids": [...], "correlation_type": "causal|temporal|symptomatic", "summary": "...", "root_cause_hypothesis": "...", "matched_observations": [...], "hypothesis_grounded": true, "confidence": "low|medium|high"} - record an insight; cited notifications are resolved automatically
  {"intent": "think", "thought": "..."} - record reasoning
  {"intent": "invoke_operators", "skills": [...], "context": "..."} - start one investigation per skill
  {"intent": "message_operator", "skill": "...", "message": "..."} - query a running operator
  {"intent": "get_operator_statuses"} - list running operators
  {"intent": "schedule", "ms": 60000, "reason": "..."} - finish now and re-run later; rejected while operators run
  {"intent": "wait", "ms": 1000} - pause for operator results
  {"intent": "done"} - finish; rejected while operators run
Set hypothesis_grounded only when matched_observations support the hypothesis.`

// RunContext is the free-form invocation context. The "reason" key is
// formatted as "Reason: …" in the initial user message; every other key
// is formatted as "key: value" in sorted order.
type RunContext map[string]string

func (rc RunContext) render() string {
	var b strings.Builder
	if reason, ok := rc["reason"]; ok {
		fmt.Fprintf(&b, "Reason: %s\n", reason)
	}
	keys := make([]string, 0, len(rc))
	for k := range rc {
		if k != "reason" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, rc[k])
	}
	if b.Len() == 0 {
		return "Reason: unspecified"
	}
	return strings.TrimRight(b.String(), "\n")
}

// Options tune one coordinator run. Zero values take the defaults.
type Options struct {
	// Notifications seed the run's inbox.
	Notifications []agent.Notification

	// Skills restricts which operators this run may invoke. Empty means
	// every registered skill.
	Skills []string

	// Strategy selects AgentLoop (default) or Pipeline.
	Strategy Strategy

	// MaxIterations bounds the AgentLoop (default 25).
	MaxIterations int

	// Deadline is the server-side run deadline (default 5 minutes).
	Deadline time.Duration

	// Client overrides the coordinator's LLM client for this run.
	Client llm.Client

	// CompactionMaxTokens and CompactionKeepLast tune context compaction.
	CompactionMaxTokens int
	CompactionKeepLast  int

	// TraceID is the caller-supplied correlation id.
	TraceID string
}

func (o Options) withDefaults() Options {
	if o.Strategy == "" {
		o.Strategy = StrategyAgentLoop
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.Deadline <= 0 {
		o.Deadline = DefaultDeadline
	}
	if o.CompactionMaxTokens <= 0 {
		o.CompactionMaxTokens = llm.DefaultCompactionMaxTokens
	}
	if o.CompactionKeepLast <= 0 {
		o.CompactionKeepLast = llm.DefaultCompactionKeepLast
	}
	return o
}

// Result is the outcome of one coordinator run.
type Result struct {
	// Insights in creation order.
	Insights []agent.Insight

	// OperatorResults holds each child operator's completion, in arrival
	// order.
	OperatorResults []operator.Completion

	// Answer is the synthesized reply (Pipeline strategy only).
	Answer string

	// Scheduled is set when the run finished via the schedule tool.
	Scheduled bool

	// Iterations consumed (AgentLoop strategy).
	Iterations int
}

// Status is the coordinator's lifecycle status.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
)

// invocation is one queued run call.
type invocation struct {
	ctx        context.Context
	runContext RunContext
	opts       Options
	result     *Result
	err        error
	done       chan struct{}
}

// Coordinator is the singleton correlation worker.
//
// Thread Safety: safe for concurrent use. Runs execute strictly one at
// a time; concurrent Run calls queue FIFO.
type Coordinator struct {
	skills  *skill.Registry
	client  llm.Client
	emitter *telemetry.Emitter
	log     *slog.Logger

	mu      sync.Mutex
	running bool
	queue   []*invocation
}

// New creates a coordinator. client is used for every run unless
// overridden per invocation; pass a breaker-guarded client in
// production.
func New(skills *skill.Registry, client llm.Client, emitter *telemetry.Emitter) *Coordinator {
	if emitter == nil {
		emitter = telemetry.NewEmitter()
	}
	return &Coordinator{
		skills:  skills,
		client:  client,
		emitter: emitter,
		log:     logging.NewLogger("coordinator"),
	}
}

// Status returns idle or running.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return StatusRunning
	}
	return StatusIdle
}

// QueueDepth returns the number of invocations waiting behind the
// active run.
func (c *Coordinator) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Run executes one coordinator invocation.
//
// Description:
//
//	If a run is already active, the call enqueues FIFO and blocks until
//	its turn. Each run gets a server-side deadline; on expiry the
//	pending LLM task and all child operators are terminated and the
//	call returns ErrDeadlineExceeded, after which the next queued
//	invocation is dequeued. Every caller unblocks the moment its own
//	invocation completes; work queued behind it never delays its reply.
func (c *Coordinator) Run(ctx context.Context, runContext RunContext, opts Options) (*Result, error) {
	inv := &invocation{
		ctx:        ctx,
		runContext: runContext,
		opts:       opts.withDefaults(),
		done:       make(chan struct{}),
	}

	c.mu.Lock()
	c.queue = append(c.queue, inv)
	if !c.running {
		c.running = true
		go c.drain()
	}
	c.mu.Unlock()

	<-inv.done
	return inv.result, inv.err
}

// drain owns the running slot: it processes queued invocations one at a
// time, signalling each waiting caller as its invocation completes, and
// releases the slot once the queue empties.
func (c *Coordinator) drain() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.running = false
			c.mu.Unlock()
			return
		}
		inv := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		inv.result, inv.err = c.execute(inv)
		close(inv.done)
	}
}

// execute runs one invocation under its deadline.
func (c *Coordinator) execute(inv *invocation) (*Result, error) {
	client := c.client
	if inv.opts.Client != nil {
		client = inv.opts.Client
	}

	ctx := inv.ctx
	if inv.opts.TraceID != "" {
		ctx = llm.ContextWithTraceID(ctx, inv.opts.TraceID)
	}
	runCtx, cancel := context.WithTimeout(ctx, inv.opts.Deadline)
	defer cancel()

	spanCtx, span := c.emitter.StartSpan(runCtx, "coordinator.run", llm.TraceIDFromContext(ctx), map[string]any{
		"strategy": string(inv.opts.Strategy),
	})

	var result *Result
	var err error
	switch inv.opts.Strategy {
	case StrategyPipeline:
		result, err = c.runPipeline(spanCtx, client, inv.runContext, inv.opts)
	default:
		result, err = c.runAgentLoop(spanCtx, client, inv.runContext, inv.opts)
	}
	span.End(err)

	if err != nil {
		c.log.Warn("run failed", slog.Any("error", err))
	}
	return result, err
}

// child tracks one running operator inside a run.
type child struct {
	op        *operator.Operator
	startedAt time.Time
}

// agentRun is the per-run state of the AgentLoop strategy. Owned by the
// executing goroutine.
type agentRun struct {
	c           *Coordinator
	ctx         context.Context
	client      llm.Client
	compactor   *llm.Compactor
	opts        Options
	messages    []llm.Message
	inbox       *inbox
	insights    []agent.Insight
	children    map[string]*child
	completions chan operator.Completion
	results     []operator.Completion
	iterations  int
	traceID     string
}

func (c *Coordinator) runAgentLoop(ctx context.Context, client llm.Client, rc RunContext, opts Options) (*Result, error) {
	run := &agentRun{
		c:           c,
		ctx:         ctx,
		client:      client,
		compactor:   llm.NewCompactor(client, c.emitter, opts.CompactionMaxTokens, opts.CompactionKeepLast),
		opts:        opts,
		inbox:       newInbox(opts.Notifications),
		children:    make(map[string]*child),
		completions: make(chan operator.Completion, 16),
		traceID:     llm.TraceIDFromContext(ctx),
		messages: []llm.Message{
			{Role: llm.RoleSystem, Content: systemPrompt},
			{Role: llm.RoleUser, Content: rc.render()},
		},
	}
	if len(opts.Notifications) > 0 {
		run.messages = append(run.messages, llm.Message{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf("%d notifications are waiting in the inbox.", len(opts.Notifications)),
		})
	}
	return run.loop()
}

func (r *agentRun) result() *Result {
	return &Result{
		Insights:        r.insights,
		OperatorResults: r.results,
		Iterations:      r.iterations,
	}
}

// loop is the AgentLoop per-iteration contract.
func (r *agentRun) loop() (*Result, error) {
	for {
		r.drainCompletions()

		if err := r.checkCancelled(); err != nil {
			return nil, err
		}

		if r.iterations >= r.opts.MaxIterations {
			return r.finishAtBudget()
		}
		r.iterations++
		r.c.emitter.Emit(telemetry.TypeCoordinatorIteration, r.traceID, map[string]any{
			"iteration": r.iterations,
		})

		compacted, err := r.compactor.Compact(r.ctx, r.messages)
		if err == nil {
			r.messages = compacted
		}

		resp, err := r.client.Chat(r.ctx, llm.ChatRequest{Messages: r.messages, JSONMode: true})
		if err != nil {
			if cancelErr := r.checkCancelled(); cancelErr != nil {
				return nil, cancelErr
			}
			r.c.emitter.Emit(telemetry.TypeCoordinatorLLMError, r.traceID, map[string]any{
				"error": err.Error(),
			})
			return nil, fmt.Errorf("coordinator: %w", err)
		}
		r.append(llm.Message{Role: llm.RoleAssistant, Content: resp.Content})

		intent, err := llm.DecodeIntent(resp.Content, coordinatorTools)
		if err != nil {
			r.append(llm.Message{Role: llm.RoleTool, Content: "tool selection error: " + err.Error()})
			continue
		}

		done, toolResult := r.execute(intent)
		r.append(llm.Message{Role: llm.RoleTool, Content: toolResult})
		if done {
			return r.result(), nil
		}
	}
}

// finishAtBudget handles the max_iterations termination condition: wait
// out running operators without further LLM calls, then finish, noting
// unread notifications.
func (r *agentRun) finishAtBudget() (*Result, error) {
	for len(r.children) > 0 {
		select {
		case <-r.ctx.Done():
			return nil, r.checkCancelled()
		case completion := <-r.completions:
			r.mergeCompletion(completion)
		}
	}
	if unread := r.inbox.unreadCount(); unread > 0 {
		r.append(llm.Message{
			Role:    llm.RoleTool,
			Content: fmt.Sprintf("warning: run ended at max iterations with %d unread notifications", unread),
		})
	}
	r.c.emitter.Emit(telemetry.TypeCoordinatorDone, r.traceID, map[string]any{
		"iterations": r.iterations,
		"reason":     "max_iterations",
	})
	return r.result(), nil
}

// checkCancelled maps run-context termination onto the agent sentinels.
// Child operators share the run context, so they are already being
// terminated when this fires.
func (r *agentRun) checkCancelled() error {
	if r.ctx.Err() == nil {
		return nil
	}
	r.c.emitter.Emit(telemetry.TypeCoordinatorCancelled, r.traceID, map[string]any{
		"iterations": r.iterations,
		"operators":  len(r.children),
	})
	if errors.Is(r.ctx.Err(), context.DeadlineExceeded) {
		return agent.ErrDeadlineExceeded
	}
	return agent.ErrCancelled
}

func (r *agentRun) append(m llm.Message) {
	r.messages = append(r.messages, m)
}

// drainCompletions merges every completion that has already arrived.
func (r *agentRun) drainCompletions() {
	for {
		select {
		case completion := <-r.completions:
			r.mergeCompletion(completion)
		default:
			return
		}
	}
}

// mergeCompletion removes the child and folds its result into the run:
// notifications enter the inbox unread, and the completion is appended
// as a tool-visible message.
func (r *agentRun) mergeCompletion(completion operator.Completion) {
	delete(r.children, completion.Skill)
	r.results = append(r.results, completion)

	if completion.Err != nil {
		eventType := telemetry.TypeCoordinatorOperatorComplete
		if errors.Is(completion.Err, agent.ErrWorkerCrashed) {
			eventType = telemetry.TypeCoordinatorOperatorCrashed
		}
		r.c.emitter.Emit(eventType, r.traceID, map[string]any{
			"skill": completion.Skill,
			"error": completion.Err.Error(),
		})
		r.append(llm.Message{
			Role:    llm.RoleTool,
			Content: fmt.Sprintf("operator %s failed: %v", completion.Skill, completion.Err),
		})
		return
	}

	count := 0
	if completion.Result != nil {
		for _, n := range completion.Result.Notifications {
			r.inbox.add(n)
		}
		count = len(completion.Result.Notifications)
	}
	r.c.emitter.Emit(telemetry.TypeCoordinatorOperatorComplete, r.traceID, map[string]any{
		"skill":         completion.Skill,
		"notifications": count,
	})
	r.append(llm.Message{
		Role:    llm.RoleTool,
		Content: fmt.Sprintf("operator %s completed with %d notifications", completion.Skill, count),
	})
}

// execute performs one chosen tool. It returns done=true when the run
// should finish, plus the tool-result text.
func (r *agentRun) execute(intent llm.Intent) (bool, string) {
	switch intent.Name {
	case toolGetNotifications:
		return false, r.getNotifications(intent)
	case toolUpdateStatuses:
		return false, r.updateStatuses(intent)
	case toolProduceInsight:
		return false, r.produceInsight(intent)
	case toolThink:
		return false, "noted"
	case toolInvokeOperators:
		return false, r.invokeOperators(intent)
	case toolMessageOperator:
		return false, r.messageOperator(intent)
	case toolOperatorStatuses:
		return false, r.operatorStatuses()
	case toolSchedule:
		return r.schedule(intent)
	case toolWait:
		return false, r.wait(intent)
	case toolDone:
		return r.finish()
	}
	return false, "unknown tool: " + intent.Name
}

func (r *agentRun) getNotifications(intent llm.Intent) string {
	status := agent.Status(intent.String("status"))
	if status != "" && !status.Valid() {
		return "error: unknown status " + string(status)
	}

	entries := r.inbox.list(status)
	if len(entries) == 0 {
		return "no notifications"
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return "error: " + err.Error()
	}
	return string(payload)
}

func (r *agentRun) updateStatuses(intent llm.Intent) string {
	status := agent.Status(intent.String("status"))
	if !status.Valid() {
		return "error: unknown status " + intent.String("status")
	}

	updated := 0
	for _, id := range intent.StringSlice("ids") {
		// Missing ids are silently skipped.
		if r.inbox.setStatus(id, status) {
			updated++
		}
	}
	return fmt.Sprintf("updated %d notifications to %s", updated, status)
}

func (r *agentRun) produceInsight(intent llm.Intent) string {
	ids := intent.StringSlice("notification_ids")
	if len(ids) == 0 {
		return "error: produce_insight requires notification_ids"
	}
	if missing, ok := r.inbox.contains(ids); !ok {
		return "error: unknown notification id " + missing
	}

	correlation := agent.CorrelationType(intent.String("correlation_type"))
	if !correlation.Valid() {
		return "error: unknown correlation_type " + intent.String("correlation_type")
	}
	confidence := agent.Confidence(intent.String("confidence"))
	if !confidence.Valid() {
		confidence = agent.ConfidenceLow
	}

	insight := agent.Insight{
		ID:                  agent.NewInsightID(),
		NotificationIDs:     ids,
		CorrelationType:     correlation,
		Summary:             intent.String("summary"),
		RootCauseHypothesis: intent.String("root_cause_hypothesis"),
		MatchedObservations: intent.StringSlice("matched_observations"),
		HypothesisGrounded:  intent.Bool("hypothesis_grounded"),
		Confidence:          confidence,
		CreatedAt:           agent.NowMillis(),
	}
	r.insights = append(r.insights, insight)

	// Cited notifications resolve automatically.
	for _, id := range ids {
		r.inbox.setStatus(id, agent.StatusResolved)
	}

	r.c.emitter.Emit(telemetry.TypeCoordinatorInsight, r.traceID, map[string]any{
		"insight_id":    insight.ID,
		"notifications": len(ids),
		"correlation":   string(correlation),
	})
	return "insight recorded: " + insight.ID
}

func (r *agentRun) invokeOperators(intent llm.Intent) string {
	names := intent.StringSlice("skills")
	if len(names) == 0 {
		return "error: invoke_operators requires skills"
	}
	operatorContext := intent.String("context")
	if operatorContext == "" {
		operatorContext = "Reason: coordinator-directed investigation"
	}

	started := make([]string, 0, len(names))
	for _, name := range dedupe(names) {
		if !r.skillAllowed(name) {
			return "error: skill not available for this run: " + name
		}
		if _, running := r.children[name]; running {
			continue
		}
		s, ok := r.c.skills.Get(name)
		if !ok {
			return "error: unknown skill " + name
		}

		op := operator.New(s, r.client, r.c.emitter)
		r.children[name] = &child{op: op, startedAt: time.Now()}
		op.RunAsync(r.ctx, operatorContext, r.completions)
		started = append(started, name)
	}
	if len(started) == 0 {
		return "all requested operators already running"
	}
	return "started operators: " + strings.Join(started, ", ")
}

// messageOperator queries a running child synchronously. Errors,
// including timeouts, surface as tool results rather than tool failures.
func (r *agentRun) messageOperator(intent llm.Intent) string {
	name := intent.String("skill")
	ch, ok := r.children[name]
	if !ok {
		return "error: no running operator for skill " + name
	}

	msgCtx, cancel := context.WithTimeout(r.ctx, DefaultMessageTimeout)
	defer cancel()

	reply, err := ch.op.Message(msgCtx, intent.String("message"))
	if err != nil {
		return fmt.Sprintf("error: operator %s: %v", name, err)
	}
	return fmt.Sprintf("operator %s replied: %s", name, reply)
}

func (r *agentRun) operatorStatuses() string {
	if len(r.children) == 0 {
		return "no operators running"
	}
	type status struct {
		Skill     string `json:"skill"`
		Status    string `json:"status"`
		StartedAt int64  `json:"started_at"`
	}
	statuses := make([]status, 0, len(r.children))
	for name, ch := range r.children {
		statuses = append(statuses, status{
			Skill:     name,
			Status:    string(operator.StatusRunning),
			StartedAt: ch.startedAt.UnixMilli(),
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Skill < statuses[j].Skill })
	payload, _ := json.Marshal(statuses)
	return string(payload)
}

// schedule finishes the run with a delayed reinvocation. Rejected while
// operators are still running.
func (r *agentRun) schedule(intent llm.Intent) (bool, string) {
	if len(r.children) > 0 {
		r.c.emitter.Emit(telemetry.TypeCoordinatorDoneRejected, r.traceID, map[string]any{
			"tool":      toolSchedule,
			"operators": len(r.children),
		})
		return false, fmt.Sprintf("error: %d operators still running", len(r.children))
	}
	ms, ok := intent.Int("ms")
	if !ok || ms < 0 {
		return false, "error: ms must be a non-negative integer"
	}
	reason := intent.String("reason")

	r.c.emitter.Emit(telemetry.TypeCoordinatorScheduled, r.traceID, map[string]any{
		"delay_ms": ms,
		"reason":   reason,
	})
	r.c.scheduleReinvoke(time.Duration(ms)*time.Millisecond, reason)

	result := r.result()
	result.Scheduled = true
	return true, "scheduled"
}

func (r *agentRun) wait(intent llm.Intent) string {
	ms, ok := intent.Int("ms")
	if !ok || ms < 0 {
		return "error: ms must be a non-negative integer"
	}
	d := time.Duration(ms) * time.Millisecond
	if d > maxWait {
		d = maxWait
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-r.ctx.Done():
		return "wait interrupted"
	case completion := <-r.completions:
		// An arriving operator result ends the pause early.
		r.mergeCompletion(completion)
		return "operator completed during wait"
	case <-timer.C:
		return fmt.Sprintf("waited %dms", ms)
	}
}

// finish handles the done tool: rejected while operators run.
func (r *agentRun) finish() (bool, string) {
	if len(r.children) > 0 {
		r.c.emitter.Emit(telemetry.TypeCoordinatorDoneRejected, r.traceID, map[string]any{
			"tool":      toolDone,
			"operators": len(r.children),
		})
		return false, fmt.Sprintf("error: %d operators still running", len(r.children))
	}
	r.c.emitter.Emit(telemetry.TypeCoordinatorDone, r.traceID, map[string]any{
		"iterations": r.iterations,
		"insights":   len(r.insights),
	})
	return true, "done"
}

func (r *agentRun) skillAllowed(name string) bool {
	if len(r.opts.Skills) == 0 {
		return true
	}
	for _, s := range r.opts.Skills {
		if s == name {
			return true
		}
	}
	return false
}

// scheduleReinvoke re-enters the coordinator after the delay with the
// scheduling reason. A reinvocation that finds the coordinator busy
// queues like any other call.
func (c *Coordinator) scheduleReinvoke(delay time.Duration, reason string) {
	time.AfterFunc(delay, func() {
		rc := RunContext{"reason": "scheduled reinvocation"}
		if reason != "" {
			rc["reason"] = reason
		}
		if _, err := c.Run(context.Background(), rc, Options{}); err != nil {
			c.log.Warn("scheduled reinvocation failed", slog.Any("error", err))
		}
	})
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
