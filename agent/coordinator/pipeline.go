// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/beamlens/beamlens/agent"
	"github.com/beamlens/beamlens/agent/llm"
	"github.com/beamlens/beamlens/agent/operator"
	"github.com/beamlens/beamlens/telemetry"
)

// DefaultGatherPoll is the gathering-stage poll interval.
const DefaultGatherPoll = 500 * time.Millisecond

// Classification intents.
const (
	classifyQuestion      = "question"
	classifyInvestigation = "investigation"
)

var classifyIntents = []string{classifyQuestion, classifyInvestigation}

const classifyPrompt = `You route a query about a running system to per-domain investigators.
Available skills: %s

Respond with a single JSON object:
  {"intent": "question" | "investigation", "skills": [...], "operator_context": "..."}
Pick "question" for a request that existing data can answer, "investigation"
when fresh sampling is needed. skills lists the domains to involve;
operator_context is the instruction each investigator receives.`

const synthesizePrompt = `You summarize investigation results for an operator of a running system.
Given the original query and the JSON-encoded notifications gathered by the
investigators, respond with a single JSON object: {"answer": "..."}.
Ground the answer in the gathered data; say so when the data is inconclusive.`

// runPipeline executes the fixed classify/gather/synthesize machine.
//
// Description:
//
//	Stage 1 classifies the query into target skills with one LLM call.
//	Stage 2 seeds the gathered set from opts.Notifications and spawns
//	one operator per skill, polling until all complete. Stage 3
//	synthesizes an answer with one LLM call over the full gathered set.
//	Gathered notifications are wrapped in a single symptomatic insight
//	with hypothesis_grounded = false and marked resolved.
func (c *Coordinator) runPipeline(ctx context.Context, client llm.Client, rc RunContext, opts Options) (*Result, error) {
	traceID := llm.TraceIDFromContext(ctx)
	query := rc.render()

	// Stage 1: classify.
	available := opts.Skills
	if len(available) == 0 {
		available = c.skills.IDs()
	}
	resp, err := client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: fmt.Sprintf(classifyPrompt, strings.Join(available, ", "))},
			{Role: llm.RoleUser, Content: query},
		},
		JSONMode: true,
	})
	if err != nil {
		return nil, c.pipelineErr(ctx, "classify", err)
	}
	classification, err := llm.DecodeIntent(resp.Content, classifyIntents)
	if err != nil {
		return nil, fmt.Errorf("pipeline classify: %w", err)
	}

	targets := intersect(classification.StringSlice("skills"), available)
	if len(targets) == 0 {
		// A wrong classification cannot be corrected mid-pipeline; fall
		// back to every available skill rather than gathering nothing.
		targets = available
	}
	operatorContext := classification.String("operator_context")
	if operatorContext == "" {
		operatorContext = query
	}

	// Stage 2: gather. Seeded notifications count as gathered so a run
	// invoked on a drained alert batch correlates and resolves it.
	gathered := newInbox(opts.Notifications)
	completions := make(chan operator.Completion, len(targets))
	remaining := 0
	for _, name := range targets {
		s, ok := c.skills.Get(name)
		if !ok {
			continue
		}
		op := operator.New(s, client, c.emitter)
		op.RunAsync(ctx, operatorContext, completions)
		remaining++
	}

	var results []operator.Completion
	ticker := time.NewTicker(DefaultGatherPoll)
	defer ticker.Stop()
	for remaining > 0 {
		select {
		case <-ctx.Done():
			c.emitter.Emit(telemetry.TypeCoordinatorCancelled, traceID, map[string]any{
				"stage": "gathering", "operators": remaining,
			})
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, agent.ErrDeadlineExceeded
			}
			return nil, agent.ErrCancelled
		case <-ticker.C:
			// Poll tick; completions are consumed below.
		case completion := <-completions:
			remaining--
			results = append(results, completion)
			if completion.Err != nil {
				eventType := telemetry.TypeCoordinatorOperatorComplete
				if errors.Is(completion.Err, agent.ErrWorkerCrashed) {
					eventType = telemetry.TypeCoordinatorOperatorCrashed
				}
				c.emitter.Emit(eventType, traceID, map[string]any{
					"skill": completion.Skill, "error": completion.Err.Error(),
				})
				continue
			}
			if completion.Result != nil {
				for _, n := range completion.Result.Notifications {
					gathered.add(n)
				}
			}
		}
	}

	// Stage 3: synthesize.
	entries := gathered.list("")
	notifications := make([]agent.Notification, len(entries))
	for i, entry := range entries {
		notifications[i] = entry.Notification
	}
	operatorData, err := json.Marshal(notifications)
	if err != nil {
		return nil, fmt.Errorf("pipeline synthesize: %w", err)
	}
	resp, err = client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: synthesizePrompt},
			{Role: llm.RoleUser, Content: fmt.Sprintf("query: %s\noperator_data: %s", query, operatorData)},
		},
		JSONMode: true,
	})
	if err != nil {
		return nil, c.pipelineErr(ctx, "synthesize", err)
	}
	answer := extractAnswer(resp.Content)

	result := &Result{OperatorResults: results, Answer: answer}
	if len(notifications) > 0 {
		ids := make([]string, len(notifications))
		observations := make([]string, 0, len(notifications))
		for i, n := range notifications {
			ids[i] = n.ID
			gathered.setStatus(n.ID, agent.StatusResolved)
			if n.Observation != "" {
				observations = append(observations, n.Observation)
			}
		}
		insight := agent.Insight{
			ID:                  agent.NewInsightID(),
			NotificationIDs:     ids,
			CorrelationType:     agent.CorrelationSymptomatic,
			Summary:             answer,
			MatchedObservations: observations,
			HypothesisGrounded:  false,
			Confidence:          agent.ConfidenceMedium,
			CreatedAt:           agent.NowMillis(),
		}
		result.Insights = []agent.Insight{insight}
		c.emitter.Emit(telemetry.TypeCoordinatorInsight, traceID, map[string]any{
			"insight_id":    insight.ID,
			"notifications": len(ids),
			"correlation":   string(agent.CorrelationSymptomatic),
		})
	}

	c.emitter.Emit(telemetry.TypeCoordinatorDone, traceID, map[string]any{
		"strategy":  string(StrategyPipeline),
		"gathered":  len(notifications),
		"operators": len(results),
	})
	return result, nil
}

func (c *Coordinator) pipelineErr(ctx context.Context, stage string, err error) error {
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return agent.ErrDeadlineExceeded
		}
		return agent.ErrCancelled
	}
	return fmt.Errorf("pipeline %s: %w", stage, err)
}

// extractAnswer pulls {"answer": ...} out of the synthesis response,
// falling back to the raw text for a model that ignores the format.
func extractAnswer(content string) string {
	payload, err := llm.ExtractJSON(content)
	if err != nil {
		return strings.TrimSpace(content)
	}
	var parsed struct {
		Answer string `json:"answer"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil || parsed.Answer == "" {
		return strings.TrimSpace(content)
	}
	return parsed.Answer
}

// intersect returns the members of names present in available,
// preserving the order of names.
func intersect(names, available []string) []string {
	allowed := make(map[string]struct{}, len(available))
	for _, a := range available {
		allowed[a] = struct{}{}
	}
	var out []string
	for _, n := range dedupe(names) {
		if _, ok := allowed[n]; ok {
			out = append(out, n)
		}
	}
	return out
}
