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
	"sync"
)

// MockClient replays scripted responses in order. Tests script the exact
// tool decisions a loop should make and assert on the requests it saw.
//
// Thread Safety: safe for concurrent use.
type MockClient struct {
	mu        sync.Mutex
	name      string
	responses []string
	err       error
	requests  []ChatRequest
}

// NewMockClient creates a mock that returns the given responses in order.
func NewMockClient(responses ...string) *MockClient {
	return &MockClient{
		name:      "mock",
		responses: responses,
	}
}

// FailWith makes every subsequent call return err instead of a response.
func (m *MockClient) FailWith(err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// Name implements Client.
func (m *MockClient) Name() string { return m.name }

// Chat implements Client. Returns the next scripted response, or an error
// once the script is exhausted.
func (m *MockClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return nil, fmt.Errorf("mock script exhausted after %d calls", len(m.requests))
	}

	next := m.responses[0]
	m.responses = m.responses[1:]
	return &ChatResponse{Content: next, Model: "mock"}, nil
}

// CallCount returns how many times Chat was invoked.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of every request seen.
func (m *MockClient) Requests() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChatRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

var _ Client = (*MockClient)(nil)

// StallingClient never answers; Chat blocks until the context is done.
// Used to test deadline enforcement.
type StallingClient struct{}

// Name implements Client.
func (s *StallingClient) Name() string { return "stalling" }

// Chat implements Client.
func (s *StallingClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

var _ Client = (*StallingClient)(nil)
