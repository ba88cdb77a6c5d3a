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
	"testing"

	"github.com/beamlens/beamlens/telemetry"
)

func TestCompactor_UnderBudgetUnchanged(t *testing.T) {
	mock := NewMockClient("should not be called")
	c := NewCompactor(mock, telemetry.NewEmitter(), 1000, 2)

	messages := []Message{
		{Role: RoleSystem, Content: "prompt"},
		{Role: RoleUser, Content: "short"},
	}

	got, err := c.Compact(context.Background(), messages)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
	if mock.CallCount() != 0 {
		t.Error("compaction LLM called under budget")
	}
}

func TestCompactor_OverBudgetSummarizes(t *testing.T) {
	mock := NewMockClient("heap grew from 100MB to 800MB across ten snapshots")
	emitter := telemetry.NewEmitter()
	c := NewCompactor(mock, emitter, 50, 2)

	messages := []Message{{Role: RoleSystem, Content: "prompt"}}
	for i := 0; i < 10; i++ {
		messages = append(messages, Message{
			Role:    RoleTool,
			Content: fmt.Sprintf("snapshot %d: heap_alloc_bytes=%d", i, 100000000+i*70000000),
		})
	}

	got, err := c.Compact(context.Background(), messages)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// system + summary + last 2
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	if got[0].Role != RoleSystem {
		t.Error("system prompt must survive compaction")
	}
	if !strings.Contains(got[1].Content, "heap grew") {
		t.Errorf("summary message = %q", got[1].Content)
	}
	if !strings.Contains(got[3].Content, "snapshot 9") {
		t.Errorf("last message = %q, want the final snapshot", got[3].Content)
	}

	if events := emitter.BufferByType(telemetry.TypeCompaction); len(events) != 1 {
		t.Errorf("compaction events = %d, want 1", len(events))
	}
}

func TestCompactor_FailedSummaryReturnsOriginal(t *testing.T) {
	mock := NewMockClient().FailWith(fmt.Errorf("provider down"))
	c := NewCompactor(mock, telemetry.NewEmitter(), 10, 1)

	messages := []Message{
		{Role: RoleUser, Content: strings.Repeat("x", 500)},
		{Role: RoleTool, Content: strings.Repeat("y", 500)},
		{Role: RoleTool, Content: "tail"},
	}

	got, err := c.Compact(context.Background(), messages)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(got) != len(messages) {
		t.Errorf("failed compaction must return the original context, got %d messages", len(got))
	}
}

func TestEstimateMessageTokens(t *testing.T) {
	messages := []Message{
		{Role: RoleUser, Content: strings.Repeat("a", 400)},
	}
	got := EstimateMessageTokens(messages)
	if got < 100 || got > 110 {
		t.Errorf("EstimateMessageTokens = %d, want ~104", got)
	}
}
