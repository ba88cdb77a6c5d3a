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
	"log/slog"
	"os"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

// OllamaOptions configures an OllamaClient. Zero values fall back to
// environment variables.
type OllamaOptions struct {
	// Name is the registry name; defaults to "ollama".
	Name string

	// BaseURL overrides OLLAMA_BASE_URL; defaults to the local daemon.
	BaseURL string

	// Model overrides OLLAMA_MODEL; defaults to llama3.1.
	Model string
}

// OllamaClient runs completions against a local Ollama daemon, for
// deployments that keep runtime observations off third-party APIs.
type OllamaClient struct {
	name  string
	llm   *ollama.LLM
	model string
}

// NewOllamaClient creates a client for the configured daemon.
func NewOllamaClient(opts OllamaOptions) (*OllamaClient, error) {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("OLLAMA_BASE_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	model := opts.Model
	if model == "" {
		model = os.Getenv("OLLAMA_MODEL")
	}
	if model == "" {
		model = "llama3.1"
		slog.Warn("OLLAMA_MODEL not set, defaulting", "model", model)
	}

	name := opts.Name
	if name == "" {
		name = "ollama"
	}

	client, err := ollama.New(
		ollama.WithServerURL(baseURL),
		ollama.WithModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("initialize ollama client: %w", err)
	}

	slog.Info("initializing Ollama client", "name", name, "base_url", baseURL, "model", model)
	return &OllamaClient{
		name:  name,
		llm:   client,
		model: model,
	}, nil
}

// Name implements Client.
func (o *OllamaClient) Name() string { return o.name }

// Chat implements Client.
func (o *OllamaClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	content := make([]llms.MessageContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		var role llms.ChatMessageType
		switch m.Role {
		case RoleSystem:
			role = llms.ChatMessageTypeSystem
		case RoleAssistant:
			role = llms.ChatMessageTypeAI
		case RoleTool:
			role = llms.ChatMessageTypeTool
		default:
			role = llms.ChatMessageTypeHuman
		}
		content = append(content, llms.TextParts(role, m.Content))
	}

	var opts []llms.CallOption
	if req.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(float64(req.Temperature)))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.JSONMode {
		opts = append(opts, llms.WithJSONMode())
	}

	resp, err := o.llm.GenerateContent(ctx, content, opts...)
	if err != nil {
		return nil, fmt.Errorf("ollama generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("ollama returned no choices")
	}

	return &ChatResponse{
		Content: resp.Choices[0].Content,
		Model:   o.model,
	}, nil
}

var _ Client = (*OllamaClient)(nil)
