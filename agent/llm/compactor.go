// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/beamlens/beamlens/telemetry"
)

// Compaction defaults.
const (
	DefaultCompactionMaxTokens = 50000
	DefaultCompactionKeepLast  = 5
)

const compactionPrompt = `Summarize the following investigation transcript in a few paragraphs.
Preserve every concrete metric value, anomaly observation, tool result,
and decision. Discard conversational filler. The summary replaces the
transcript in an ongoing investigation, so write it as context, not as
an answer.`

// Compactor bounds agent contexts: when a message list exceeds the token
// budget, everything but the system prompt and the last keepLast messages
// is replaced by one summarized message produced by a compaction LLM call.
//
// Thread Safety: safe for concurrent use.
type Compactor struct {
	client    Client
	emitter   *telemetry.Emitter
	maxTokens int
	keepLast  int
}

// NewCompactor creates a compactor with the given budget. Zero values
// take the defaults.
func NewCompactor(client Client, emitter *telemetry.Emitter, maxTokens, keepLast int) *Compactor {
	if emitter == nil {
		emitter = telemetry.NewEmitter()
	}
	if maxTokens <= 0 {
		maxTokens = DefaultCompactionMaxTokens
	}
	if keepLast <= 0 {
		keepLast = DefaultCompactionKeepLast
	}
	return &Compactor{
		client:    client,
		emitter:   emitter,
		maxTokens: maxTokens,
		keepLast:  keepLast,
	}
}

// Compact returns the context unchanged while it fits the budget, and a
// compacted version otherwise.
//
// Description:
//
//	The leading system message (when present) and the trailing keepLast
//	messages always survive verbatim. The middle span is summarized with
//	one LLM call; if that call fails the original context is returned
//	with the error, and the caller decides whether to proceed uncompacted.
func (c *Compactor) Compact(ctx context.Context, messages []Message) ([]Message, error) {
	if EstimateMessageTokens(messages) <= c.maxTokens {
		return messages, nil
	}

	head := 0
	if len(messages) > 0 && messages[0].Role == RoleSystem {
		head = 1
	}
	tailStart := len(messages) - c.keepLast
	if tailStart <= head {
		// Nothing in the middle to summarize.
		return messages, nil
	}

	var transcript strings.Builder
	for _, m := range messages[head:tailStart] {
		fmt.Fprintf(&transcript, "[%s] %s\n", m.Role, m.Content)
	}

	resp, err := c.client.Chat(ctx, ChatRequest{
		Messages: []Message{
			{Role: RoleSystem, Content: compactionPrompt},
			{Role: RoleUser, Content: transcript.String()},
		},
	})
	if err != nil {
		return messages, fmt.Errorf("compaction call: %w", err)
	}

	compacted := make([]Message, 0, head+1+c.keepLast)
	compacted = append(compacted, messages[:head]...)
	compacted = append(compacted, Message{
		Role:    RoleAssistant,
		Content: "Summary of earlier investigation:\n" + resp.Content,
	})
	compacted = append(compacted, messages[tailStart:]...)

	c.emitter.Emit(telemetry.TypeCompaction, TraceIDFromContext(ctx), map[string]any{
		"messages_before": len(messages),
		"messages_after":  len(compacted),
		"tokens_before":   EstimateMessageTokens(messages),
		"tokens_after":    EstimateMessageTokens(compacted),
	})
	return compacted, nil
}
