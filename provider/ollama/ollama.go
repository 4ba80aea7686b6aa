//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

// Package ollama adapts a local Ollama server to the provider event stream.
// The server address comes from OLLAMA_HOST; no API key is required.
package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ollama/ollama/api"

	"trpc.group/trpc-go/consoul/log"
	"trpc.group/trpc-go/consoul/provider"
)

const (
	// Name is the provider identifier.
	Name = "ollama"

	defaultChannelBuffer = 64
	functionToolType     = "function"
)

// Option configures the adapter.
type Option func(*Model)

// WithClient injects a prebuilt API client, mainly for tests.
func WithClient(c *api.Client) Option {
	return func(m *Model) { m.client = c }
}

// Model is the Ollama provider adapter.
type Model struct {
	mu     sync.Mutex
	client *api.Client
}

// New creates the adapter.
func New(opts ...Option) *Model {
	m := &Model{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name implements provider.Provider.
func (m *Model) Name() string { return Name }

// Capabilities implements provider.Provider.
func (m *Model) Capabilities() provider.Capabilities {
	return provider.Capabilities{SupportsTools: true}
}

func (m *Model) getClient() (*api.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return m.client, nil
	}
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	m.client = client
	return m.client, nil
}

// StreamEvents implements provider.Provider.
func (m *Model) StreamEvents(ctx context.Context, req *provider.Request) (<-chan provider.Event, error) {
	client, err := m.getClient()
	if err != nil {
		return nil, err
	}

	chatReq, err := buildChatRequest(req)
	if err != nil {
		return nil, err
	}

	events := make(chan provider.Event, defaultChannelBuffer)
	go m.stream(ctx, client, chatReq, events)
	return events, nil
}

func (m *Model) stream(
	ctx context.Context,
	client *api.Client,
	chatReq *api.ChatRequest,
	events chan<- provider.Event,
) {
	defer close(events)

	final := provider.Message{Role: provider.RoleAssistant}
	var (
		text         strings.Builder
		usage        provider.Usage
		finishReason string
		interrupted  bool
	)

	err := client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		if resp.Message.Content != "" {
			text.WriteString(resp.Message.Content)
			if !emit(ctx, events, provider.TokenEvent(resp.Message.Content)) {
				interrupted = true
				return ctx.Err()
			}
		}
		for i, tc := range resp.Message.ToolCalls {
			args, err := json.Marshal(tc.Function.Arguments)
			if err != nil {
				log.Warnf("ollama: marshal tool call args: %v", err)
				args = []byte("{}")
			}
			call := provider.ToolCall{
				Type: functionToolType,
				ID:   toolCallID(tc, len(final.ToolCalls)+i),
				Function: provider.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: args,
				},
			}
			final.ToolCalls = append(final.ToolCalls, call)
			if !emit(ctx, events, provider.ToolCallEvent(call)) {
				interrupted = true
				return ctx.Err()
			}
		}
		if resp.Done {
			finishReason = resp.DoneReason
			usage = provider.Usage{
				PromptTokens:     resp.Metrics.PromptEvalCount,
				CompletionTokens: resp.Metrics.EvalCount,
				TotalTokens:      resp.Metrics.PromptEvalCount + resp.Metrics.EvalCount,
			}
		}
		return nil
	})
	if interrupted {
		return
	}
	if err != nil {
		emit(ctx, events, provider.ErrorEvent(classify(ctx, err), err.Error(), text.String()))
		return
	}

	final.Content = text.String()
	emit(ctx, events, provider.DoneEvent(provider.Done{
		Message:      final,
		Usage:        &usage,
		FinishReason: finishReason,
	}))
}

// toolCallID synthesizes a stable ID; Ollama does not always assign one.
func toolCallID(tc api.ToolCall, index int) string {
	if tc.ID != "" {
		return tc.ID
	}
	return fmt.Sprintf("%s_%d", tc.Function.Name, index)
}

func emit(ctx context.Context, events chan<- provider.Event, ev provider.Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func buildChatRequest(req *provider.Request) (*api.ChatRequest, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	stream := true
	chatReq := &api.ChatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   &stream,
		Tools:    convertTools(req.Tools),
		Options:  map[string]any{},
	}
	if req.Temperature != nil {
		chatReq.Options["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		chatReq.Options["num_predict"] = *req.MaxTokens
	}
	return chatReq, nil
}

func convertMessages(messages []provider.Message) ([]api.Message, error) {
	result := make([]api.Message, 0, len(messages))
	for _, msg := range messages {
		if !msg.Role.IsValid() {
			return nil, fmt.Errorf("unsupported message role: %s", msg.Role)
		}
		converted := api.Message{
			Role:    msg.Role.String(),
			Content: msg.Content,
		}
		for _, tc := range msg.ToolCalls {
			var args api.ToolCallFunctionArguments
			if len(tc.Function.Arguments) > 0 {
				if err := json.Unmarshal(tc.Function.Arguments, &args); err != nil {
					return nil, fmt.Errorf("decode tool call arguments for %s: %w", tc.Function.Name, err)
				}
			}
			converted.ToolCalls = append(converted.ToolCalls, api.ToolCall{
				Function: api.ToolCallFunction{
					Name:      tc.Function.Name,
					Arguments: args,
				},
			})
		}
		result = append(result, converted)
	}
	return result, nil
}

func convertTools(tools []provider.ToolDeclaration) api.Tools {
	var result api.Tools
	for _, decl := range tools {
		fn := api.ToolFunction{
			Name:        decl.Name,
			Description: decl.Description,
		}
		if len(decl.InputSchema) > 0 {
			if err := json.Unmarshal(decl.InputSchema, &fn.Parameters); err != nil {
				log.Errorf("ollama: unmarshal tool schema for %s: %v", decl.Name, err)
				continue
			}
		}
		result = append(result, api.Tool{
			Type:     functionToolType,
			Function: fn,
		})
	}
	return result
}

// classify maps a client error onto a provider error kind.
func classify(ctx context.Context, err error) provider.ErrorKind {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return provider.KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return provider.KindTimeout
	}
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case 401, 403:
			return provider.KindAuth
		case 404, 400:
			return provider.KindValidation
		case 429:
			return provider.KindRateLimit
		}
	}
	return provider.KindProviderError
}

var _ provider.Provider = (*Model)(nil)
