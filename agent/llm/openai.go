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

	"github.com/sashabaranov/go-openai"
)

// apiKeySecretPath is checked when OPENAI_API_KEY is unset, for container
// deployments that mount the key as a secret.
const apiKeySecretPath = "/run/secrets/openai_api_key"

// OpenAIOptions configures an OpenAIClient. Zero values fall back to
// environment variables.
type OpenAIOptions struct {
	// Name is the registry name; defaults to "openai".
	Name string

	// APIKey overrides OPENAI_API_KEY.
	APIKey string

	// Model overrides OPENAI_MODEL; defaults to gpt-4o-mini.
	Model string

	// BaseURL points the client at an OpenAI-compatible endpoint
	// (vLLM, llama.cpp server, a proxy). Empty uses the OpenAI API.
	BaseURL string
}

// OpenAIClient talks to the OpenAI API or any compatible endpoint.
type OpenAIClient struct {
	name   string
	client *openai.Client
	model  string
}

// NewOpenAIClient creates a client, resolving the key from options, the
// environment, or the mounted secret, in that order.
func NewOpenAIClient(opts OpenAIOptions) (*OpenAIClient, error) {
	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		raw, err := os.ReadFile(apiKeySecretPath)
		if err != nil {
			return nil, fmt.Errorf("no OpenAI API key: set OPENAI_API_KEY or mount %s", apiKeySecretPath)
		}
		apiKey = strings.TrimSpace(string(raw))
		slog.Info("read OpenAI API key from mounted secret")
	}

	model := opts.Model
	if model == "" {
		model = os.Getenv("OPENAI_MODEL")
	}
	if model == "" {
		model = openai.GPT4oMini
		slog.Warn("OPENAI_MODEL not set, defaulting", "model", model)
	}

	name := opts.Name
	if name == "" {
		name = "openai"
	}

	cfg := openai.DefaultConfig(apiKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(opts.BaseURL, "/")
	}

	slog.Info("initializing OpenAI client", "name", name, "model", model)
	return &OpenAIClient{
		name:   name,
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}, nil
}

// Name implements Client.
func (o *OpenAIClient) Name() string { return o.name }

// Chat implements Client.
func (o *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	apiReq := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
	}
	if req.Temperature > 0 {
		apiReq.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		apiReq.MaxCompletionTokens = req.MaxTokens
	}
	if req.JSONMode {
		apiReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := o.client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	return &ChatResponse{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

var _ Client = (*OpenAIClient)(nil)
