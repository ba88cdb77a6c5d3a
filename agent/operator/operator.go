// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package operator implements the per-skill LLM investigation loop: a
// worker that repeatedly asks the model to pick one tool from a closed
// set, executes it against the skill, and accumulates notifications
// until the model finishes or the iteration budget runs out.
package operator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/beamlens/beamlens/agent"
	"github.com/beamlens/beamlens/agent/llm"
	"github.com/beamlens/beamlens/agent/skill"
	"github.com/beamlens/beamlens/pkg/logging"
	"github.com/beamlens/beamlens/telemetry"
)

const (
	// DefaultMaxIterations bounds one investigation run.
	DefaultMaxIterations = 10

	// maxWait caps a single wait tool invocation.
	maxWait = time.Minute
)

// Closed toolset. The model must answer with exactly one of these as
// the intent discriminator.
const (
	toolTakeSnapshot     = "take_snapshot"
	toolRunCallback      = "run_callback"
	toolSendNotification = "send_notification"
	toolThink            = "think"
	toolWait             = "wait"
	toolFinish           = "finish"
)

var operatorTools = []string{
	toolTakeSnapshot,
	toolRunCallback,
	toolSendNotification,
	toolThink,
	toolWait,
	toolFinish,
}

const toolInstructions = `Respond with a single JSON object selecting exactly one tool:
  {"intent": "take_snapshot"} - sample the current metrics
  {"intent": "run_callback", "name": "...", "args": {...}} - invoke one named callback
  {"intent": "send_notification", "anomaly_type": "...", "severity": "info|warning|critical", "context": "...", "observation": "...", "hypothesis": "..."} - record an anomaly; anomaly_type uses category_detail form like "memory_high"
  {"intent": "think", "thought": "..."} - record reasoning
  {"intent": "wait", "ms": 1000} - pause before re-sampling
  {"intent": "finish"} - end the investigation
Observations must be grounded in sampled data; only the hypothesis field may speculate.`

// Status is an operator's lifecycle status.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
)

// Result is the outcome of one investigation run.
type Result struct {
	// Notifications in production order.
	Notifications []agent.Notification

	// Iterations actually consumed.
	Iterations int

	// MaxIterationsReached is set when the run ended by exhausting the
	// iteration budget rather than by an explicit finish.
	MaxIterationsReached bool

	// ToolsUsed lists the skill callbacks invoked, in invocation order.
	ToolsUsed []string
}

// Completion is the message RunAsync delivers when a run ends.
type Completion struct {
	Skill  string
	Result *Result
	Err    error
}

// Option configures an Operator.
type Option func(*Operator)

// WithMaxIterations overrides the iteration budget.
func WithMaxIterations(n int) Option {
	return func(o *Operator) {
		if n > 0 {
			o.maxIterations = n
		}
	}
}

// WithCallbackTimeout overrides the per-callback deadline.
func WithCallbackTimeout(d time.Duration) Option {
	return func(o *Operator) {
		if d > 0 {
			o.callbackTimeout = d
		}
	}
}

// WithNotify registers a sink that receives each notification the moment
// it is produced, in addition to the run result.
func WithNotify(fn func(n agent.Notification)) Option {
	return func(o *Operator) { o.notify = fn }
}

// Operator is a per-skill investigation worker.
//
// Thread Safety: safe for concurrent use. At most one run is active at a
// time; a second Run returns ErrAlreadyRunning. Message and the status
// accessors may be called from any goroutine.
type Operator struct {
	skill           skill.Skill
	client          llm.Client
	emitter         *telemetry.Emitter
	log             *slog.Logger
	maxIterations   int
	callbackTimeout time.Duration
	notify          func(n agent.Notification)

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	cancel    context.CancelFunc
	messages  []llm.Message
}

// New creates an operator for the given skill. Every LLM call goes
// through client; pass a breaker-guarded client in production.
func New(s skill.Skill, client llm.Client, emitter *telemetry.Emitter, opts ...Option) *Operator {
	if emitter == nil {
		emitter = telemetry.NewEmitter()
	}
	timeout, err := time.ParseDuration(skill.DefaultCallbackTimeout)
	if err != nil {
		timeout = 5 * time.Second
	}
	o := &Operator{
		skill:           s,
		client:          client,
		emitter:         emitter,
		log:             logging.NewLogger("operator").With(slog.String("skill", s.ID())),
		maxIterations:   DefaultMaxIterations,
		callbackTimeout: timeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Skill returns the skill this operator investigates.
func (o *Operator) Skill() skill.Skill { return o.skill }

// Status returns the operator's lifecycle status and, when running, the
// run's start time.
func (o *Operator) Status() (Status, time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return StatusRunning, o.startedAt
	}
	return StatusIdle, time.Time{}
}

// Stop cancels the active run, if any. The run observes the
// cancellation at its next tool boundary.
func (o *Operator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// Run executes one blocking investigation.
//
// Description:
//
//	Builds the investigation context from the skill's system prompt and
//	callback docs plus runContext, then iterates the tool loop until the
//	model finishes, the iteration budget is exhausted (not an error), or
//	ctx is cancelled. Responses that do not conform to the tool schema
//	are fed back as tool results and count against the budget.
//
// Outputs:
//
//	*Result - Accumulated notifications in production order.
//	error - ErrAlreadyRunning, ErrCancelled, ErrDeadlineExceeded, or an
//	        LLM transport error.
func (o *Operator) Run(ctx context.Context, runContext string) (*Result, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, agent.ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.running = true
	o.startedAt = time.Now()
	o.cancel = cancel
	o.messages = []llm.Message{
		{Role: llm.RoleSystem, Content: o.systemPrompt()},
		{Role: llm.RoleUser, Content: runContext},
	}
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		o.running = false
		o.cancel = nil
		o.mu.Unlock()
	}()

	traceID := llm.TraceIDFromContext(ctx)
	spanCtx, span := o.emitter.StartSpan(runCtx, telemetry.SpanAgent, traceID, map[string]any{
		"skill": o.skill.ID(),
	})

	result, err := o.loop(spanCtx)
	span.End(err)
	return result, err
}

// RunAsync starts a run on its own goroutine and delivers the outcome on
// ch. A panic inside the run is recovered and delivered as
// ErrWorkerCrashed; the goroutine never takes down its parent.
func (o *Operator) RunAsync(ctx context.Context, runContext string, ch chan<- Completion) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.log.Error("operator run panicked", slog.Any("panic", r))
				ch <- Completion{
					Skill: o.skill.ID(),
					Err:   fmt.Errorf("%w: %v", agent.ErrWorkerCrashed, r),
				}
			}
		}()
		result, err := o.Run(ctx, runContext)
		ch <- Completion{Skill: o.skill.ID(), Result: result, Err: err}
	}()
}

// Message answers an out-of-band question with one LLM call and no tool
// loop. The active run's context, if any, is included read-only.
func (o *Operator) Message(ctx context.Context, text string) (string, error) {
	o.mu.Lock()
	snapshot := make([]llm.Message, len(o.messages))
	copy(snapshot, o.messages)
	o.mu.Unlock()

	if len(snapshot) == 0 {
		snapshot = []llm.Message{{Role: llm.RoleSystem, Content: o.systemPrompt()}}
	}
	snapshot = append(snapshot, llm.Message{
		Role:    llm.RoleUser,
		Content: "Answer briefly, without selecting a tool: " + text,
	})

	resp, err := o.client.Chat(ctx, llm.ChatRequest{Messages: snapshot})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (o *Operator) systemPrompt() string {
	return o.skill.SystemPrompt() + "\n\n" + skill.CallbackDocs(o.skill) + "\n\n" + toolInstructions
}

// loop runs the per-iteration contract.
func (o *Operator) loop(ctx context.Context) (*Result, error) {
	result := &Result{}
	var snapshots []agent.MetricSnapshot

	for {
		if err := o.checkCancelled(ctx, result); err != nil {
			return nil, err
		}
		if result.Iterations >= o.maxIterations {
			result.MaxIterationsReached = true
			o.emitter.Emit(telemetry.TypeOperatorMaxIterations, llm.TraceIDFromContext(ctx), map[string]any{
				"skill":      o.skill.ID(),
				"iterations": result.Iterations,
			})
			o.log.Warn("iteration budget exhausted", slog.Int("iterations", result.Iterations))
			return result, nil
		}
		result.Iterations++

		o.mu.Lock()
		request := llm.ChatRequest{Messages: o.messages, JSONMode: true}
		o.mu.Unlock()

		resp, err := o.client.Chat(ctx, request)
		if err != nil {
			if cancelErr := o.checkCancelled(ctx, result); cancelErr != nil {
				return nil, cancelErr
			}
			return nil, fmt.Errorf("operator %s: %w", o.skill.ID(), err)
		}
		o.appendMessage(llm.Message{Role: llm.RoleAssistant, Content: resp.Content})

		intent, err := llm.DecodeIntent(resp.Content, operatorTools)
		if err != nil {
			// Schema failures are retriable: the error is fed back as a
			// tool result and the iteration still counts.
			o.appendMessage(llm.Message{
				Role:    llm.RoleTool,
				Content: "tool selection error: " + err.Error() + "\n" + toolInstructions,
			})
			continue
		}

		done, toolResult := o.execute(ctx, intent, result, &snapshots)
		o.appendMessage(llm.Message{Role: llm.RoleTool, Content: toolResult})
		if done {
			return result, nil
		}
	}
}

// checkCancelled maps context termination onto the agent sentinels and
// emits the cancellation event once.
func (o *Operator) checkCancelled(ctx context.Context, result *Result) error {
	if ctx.Err() == nil {
		return nil
	}
	o.emitter.Emit(telemetry.TypeOperatorCancelled, llm.TraceIDFromContext(ctx), map[string]any{
		"skill":      o.skill.ID(),
		"iterations": result.Iterations,
	})
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return agent.ErrDeadlineExceeded
	}
	return agent.ErrCancelled
}

// execute performs one chosen tool. It returns done=true when the run
// should finish, plus the tool-result text appended to the context.
func (o *Operator) execute(ctx context.Context, intent llm.Intent, result *Result, snapshots *[]agent.MetricSnapshot) (bool, string) {
	switch intent.Name {
	case toolTakeSnapshot:
		snap := agent.MetricSnapshot{
			Skill:   o.skill.ID(),
			TakenAt: agent.NowMillis(),
			Metrics: o.skill.Snapshot(),
		}
		*snapshots = append(*snapshots, snap)
		payload, err := json.Marshal(snap.Metrics)
		if err != nil {
			return false, "snapshot error: " + err.Error()
		}
		return false, "snapshot: " + string(payload)

	case toolRunCallback:
		return false, o.runCallback(ctx, intent, result)

	case toolSendNotification:
		n := o.buildNotification(intent, *snapshots)
		result.Notifications = append(result.Notifications, n)
		if o.notify != nil {
			o.notify(n)
		}
		return false, "notification recorded: " + n.ID

	case toolThink:
		return false, "noted"

	case toolWait:
		ms, ok := intent.Int("ms")
		if !ok || ms < 0 {
			return false, "wait error: ms must be a non-negative integer"
		}
		d := time.Duration(ms) * time.Millisecond
		if d > maxWait {
			d = maxWait
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false, "wait interrupted"
		case <-timer.C:
			return false, fmt.Sprintf("waited %dms", ms)
		}

	case toolFinish:
		return true, "finished"
	}
	// Unreachable: DecodeIntent rejects names outside operatorTools.
	return false, "unknown tool: " + intent.Name
}

// runCallback invokes one named skill callback under the per-callback
// deadline. Failures surface as tool results, never as loop errors.
func (o *Operator) runCallback(ctx context.Context, intent llm.Intent, result *Result) string {
	name := intent.String("name")
	cb, ok := skill.FindCallback(o.skill, name)
	if !ok {
		err := &agent.UnknownToolError{Name: name}
		return "callback error: " + err.Error()
	}
	result.ToolsUsed = append(result.ToolsUsed, name)

	cbCtx, cancel := context.WithTimeout(ctx, o.callbackTimeout)
	defer cancel()

	spanCtx, span := o.emitter.StartSpan(cbCtx, telemetry.SpanTool, llm.TraceIDFromContext(ctx), map[string]any{
		"skill": o.skill.ID(),
		"tool":  name,
	})

	value, err := cb.Fn(spanCtx, intent.Map("args"))
	if err != nil {
		span.End(err)
		return fmt.Sprintf("callback %s error: %v", name, err)
	}

	payload, err := json.Marshal(value)
	if err != nil {
		encErr := &agent.EncodingError{Tool: name, Reason: err.Error()}
		span.End(encErr)
		return "callback error: " + encErr.Error()
	}
	span.End(nil)
	return fmt.Sprintf("callback %s: %s", name, payload)
}

// buildNotification assembles a notification from a send_notification
// intent. An invalid severity degrades to warning rather than failing
// the tool.
func (o *Operator) buildNotification(intent llm.Intent, snapshots []agent.MetricSnapshot) agent.Notification {
	severity := agent.Severity(intent.String("severity"))
	if !severity.Valid() {
		severity = agent.SeverityWarning
	}
	return agent.Notification{
		ID:          agent.NewNotificationID(),
		Operator:    o.skill.ID(),
		AnomalyType: intent.String("anomaly_type"),
		Severity:    severity,
		Context:     intent.String("context"),
		Observation: intent.String("observation"),
		Hypothesis:  intent.String("hypothesis"),
		Snapshots:   snapshots,
		DetectedAt:  agent.NowMillis(),
	}
}

// appendMessage adds to the live context under the lock so Message can
// snapshot it concurrently.
func (o *Operator) appendMessage(m llm.Message) {
	o.mu.Lock()
	o.messages = append(o.messages, m)
	o.mu.Unlock()
}
