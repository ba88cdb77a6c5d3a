// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm abstracts the LLM providers BeamLens can talk to (OpenAI
// API-compatible endpoints, local Ollama models), the breaker-guarded
// wrapper every caller goes through, the fail-closed intent parser for
// tool selection, and the context compaction policy.
package llm

import (
	"context"
	"fmt"
	"time"
)

// DefaultTimeout bounds a single LLM call.
const DefaultTimeout = 60 * time.Second

// Message roles. The wire names match the chat-completions convention.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in a chat context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a provider-independent chat completion request.
type ChatRequest struct {
	// Messages is the full conversation, system prompt first.
	Messages []Message `json:"messages"`

	// Temperature overrides the provider default when > 0.
	Temperature float32 `json:"temperature,omitempty"`

	// MaxTokens caps the completion length when > 0.
	MaxTokens int `json:"max_tokens,omitempty"`

	// JSONMode asks the provider for a JSON-only response where supported.
	// Providers without native support ignore it; the intent parser strips
	// fences and prose either way.
	JSONMode bool `json:"json_mode,omitempty"`
}

// ChatResponse is a provider-independent chat completion response.
type ChatResponse struct {
	// Content is the assistant message text.
	Content string `json:"content"`

	// Model is the model that produced the response, when reported.
	Model string `json:"model,omitempty"`

	// PromptTokens and CompletionTokens are usage counts, 0 when the
	// provider does not report them.
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
}

// Client is a chat-capable LLM provider.
//
// Thread Safety: implementations must be safe for concurrent use; the
// coordinator and several operators may share one client.
type Client interface {
	// Chat performs one completion. Implementations must honor ctx
	// cancellation and deadlines.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Name returns the registry name of this client.
	Name() string
}

// EstimateTokens approximates the token count of a text. Four characters
// per token tracks common tokenizers closely enough for the compaction
// threshold, which is deliberately coarse.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// EstimateMessageTokens sums EstimateTokens over a context, with a small
// per-message overhead for role framing.
func EstimateMessageTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content) + 4
	}
	return total
}

// Registry resolves named clients, with one designated primary.
//
// Built once from the client_registry configuration block and read-only
// afterward.
type Registry struct {
	primary string
	clients map[string]Client
}

// NewClientRegistry builds a registry. The primary name must resolve to
// one of the given clients.
func NewClientRegistry(primary string, clients ...Client) (*Registry, error) {
	if len(clients) == 0 {
		return nil, fmt.Errorf("at least one client is required")
	}

	byName := make(map[string]Client, len(clients))
	for _, c := range clients {
		if c == nil || c.Name() == "" {
			return nil, fmt.Errorf("clients must be non-nil and named")
		}
		if _, dup := byName[c.Name()]; dup {
			return nil, fmt.Errorf("duplicate client name %q", c.Name())
		}
		byName[c.Name()] = c
	}

	if primary == "" {
		primary = clients[0].Name()
	}
	if _, ok := byName[primary]; !ok {
		return nil, fmt.Errorf("primary client %q not registered", primary)
	}

	return &Registry{primary: primary, clients: byName}, nil
}

// Primary returns the designated primary client.
func (r *Registry) Primary() Client {
	return r.clients[r.primary]
}

// Get returns a named client.
func (r *Registry) Get(name string) (Client, bool) {
	c, ok := r.clients[name]
	return c, ok
}

// Names returns the registered client names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	return names
}
