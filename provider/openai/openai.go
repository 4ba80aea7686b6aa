//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

// Package openai adapts the OpenAI chat completion API to the provider
// event stream.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"

	openaisdk "github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"trpc.group/trpc-go/consoul/log"
	"trpc.group/trpc-go/consoul/provider"
)

const (
	// Name is the provider identifier.
	Name = "openai"
	// APIKeyEnv holds the credential.
	APIKeyEnv = "OPENAI_API_KEY"

	defaultChannelBuffer = 64
)

// Option configures the adapter.
type Option func(*options)

type options struct {
	apiKey     string
	baseURL    string
	extraOpts  []openaiopt.RequestOption
	bufferSize int
}

// WithAPIKey overrides the environment credential.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithBaseURL points the adapter at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// WithRequestOptions appends extra SDK request options.
func WithRequestOptions(opts ...openaiopt.RequestOption) Option {
	return func(o *options) { o.extraOpts = append(o.extraOpts, opts...) }
}

// Model is the OpenAI provider adapter. The client is built lazily on the
// first stream so a missing key only fails requests that need it.
type Model struct {
	opts options

	mu     sync.Mutex
	client *openaisdk.Client
}

// New creates the adapter.
func New(opts ...Option) *Model {
	m := &Model{opts: options{bufferSize: defaultChannelBuffer}}
	for _, opt := range opts {
		opt(&m.opts)
	}
	return m
}

// Name implements provider.Provider.
func (m *Model) Name() string { return Name }

// Capabilities implements provider.Provider.
func (m *Model) Capabilities() provider.Capabilities {
	return provider.Capabilities{SupportsTools: true, SupportsVision: true}
}

func (m *Model) getClient() (*openaisdk.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return m.client, nil
	}

	key := m.opts.apiKey
	if key == "" {
		key = os.Getenv(APIKeyEnv)
	}
	if key == "" {
		return nil, &provider.MissingAPIKeyError{Provider: Name, EnvVar: APIKeyEnv}
	}

	clientOpts := []openaiopt.RequestOption{openaiopt.WithAPIKey(key)}
	if m.opts.baseURL != "" {
		clientOpts = append(clientOpts, openaiopt.WithBaseURL(m.opts.baseURL))
	}
	clientOpts = append(clientOpts, m.opts.extraOpts...)

	client := openaisdk.NewClient(clientOpts...)
	m.client = &client
	return m.client, nil
}

// StreamEvents implements provider.Provider.
func (m *Model) StreamEvents(ctx context.Context, req *provider.Request) (<-chan provider.Event, error) {
	client, err := m.getClient()
	if err != nil {
		return nil, err
	}

	params := buildParams(req)
	events := make(chan provider.Event, m.opts.bufferSize)
	go m.stream(ctx, client, params, events)
	return events, nil
}

func (m *Model) stream(
	ctx context.Context,
	client *openaisdk.Client,
	params openaisdk.ChatCompletionNewParams,
	events chan<- provider.Event,
) {
	defer close(events)

	stream := client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openaisdk.ChatCompletionAccumulator{}
	var partial strings.Builder

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			partial.WriteString(text)
			if !emit(ctx, events, provider.TokenEvent(text)) {
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		kind := classify(ctx, err)
		emit(ctx, events, provider.ErrorEvent(kind, err.Error(), partial.String()))
		return
	}

	final := provider.Message{Role: provider.RoleAssistant}
	var finishReason string
	if len(acc.Choices) > 0 {
		choice := acc.Choices[0]
		final.Content = choice.Message.Content
		finishReason = choice.FinishReason
		for _, tc := range choice.Message.ToolCalls {
			if tc.Function.Name == "" {
				continue
			}
			call := provider.ToolCall{
				Type: "function",
				ID:   tc.ID,
				Function: provider.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: json.RawMessage(tc.Function.Arguments),
				},
			}
			final.ToolCalls = append(final.ToolCalls, call)
			if !emit(ctx, events, provider.ToolCallEvent(call)) {
				return
			}
		}
	}

	emit(ctx, events, provider.DoneEvent(provider.Done{
		Message:      final,
		Usage:        usageOf(acc.Usage),
		FinishReason: finishReason,
	}))
}

func emit(ctx context.Context, events chan<- provider.Event, ev provider.Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func usageOf(u openaisdk.CompletionUsage) *provider.Usage {
	if u.TotalTokens == 0 && u.PromptTokens == 0 && u.CompletionTokens == 0 {
		return nil
	}
	return &provider.Usage{
		PromptTokens:     int(u.PromptTokens),
		CompletionTokens: int(u.CompletionTokens),
		TotalTokens:      int(u.TotalTokens),
	}
}

func buildParams(req *provider.Request) openaisdk.ChatCompletionNewParams {
	params := openaisdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: convertMessages(req.Messages),
		Tools:    convertTools(req.Tools),
		StreamOptions: openaisdk.ChatCompletionStreamOptionsParam{
			IncludeUsage: openaisdk.Bool(true),
		},
	}
	if req.Temperature != nil {
		params.Temperature = openaisdk.Float(*req.Temperature)
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = openaisdk.Int(int64(*req.MaxTokens))
	}
	return params
}

func convertMessages(messages []provider.Message) []openaisdk.ChatCompletionMessageParamUnion {
	result := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case provider.RoleSystem:
			result = append(result, openaisdk.SystemMessage(msg.Content))
		case provider.RoleAssistant:
			assistant := &openaisdk.ChatCompletionAssistantMessageParam{
				ToolCalls: convertToolCalls(msg.ToolCalls),
			}
			if msg.Content != "" {
				assistant.Content = openaisdk.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openaisdk.String(msg.Content),
				}
			}
			result = append(result, openaisdk.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		case provider.RoleTool:
			result = append(result, openaisdk.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			result = append(result, openaisdk.UserMessage(msg.Content))
		}
	}
	return result
}

func convertToolCalls(toolCalls []provider.ToolCall) []openaisdk.ChatCompletionMessageToolCallParam {
	var result []openaisdk.ChatCompletionMessageToolCallParam
	for _, tc := range toolCalls {
		result = append(result, openaisdk.ChatCompletionMessageToolCallParam{
			ID: tc.ID,
			Function: openaisdk.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Function.Name,
				Arguments: string(tc.Function.Arguments),
			},
		})
	}
	return result
}

func convertTools(tools []provider.ToolDeclaration) []openaisdk.ChatCompletionToolParam {
	var result []openaisdk.ChatCompletionToolParam
	for _, decl := range tools {
		var parameters shared.FunctionParameters
		if len(decl.InputSchema) > 0 {
			if err := json.Unmarshal(decl.InputSchema, &parameters); err != nil {
				log.Errorf("openai: unmarshal tool schema for %s: %v", decl.Name, err)
				continue
			}
		}
		result = append(result, openaisdk.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        decl.Name,
				Description: openaisdk.String(decl.Description),
				Parameters:  parameters,
			},
		})
	}
	return result
}

// classify maps an SDK error onto a provider error kind.
func classify(ctx context.Context, err error) provider.ErrorKind {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return provider.KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return provider.KindTimeout
	}
	var apiErr *openaisdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return provider.KindAuth
		case 429:
			return provider.KindRateLimit
		case 400, 404, 422:
			if strings.Contains(strings.ToLower(apiErr.Error()), "context length") ||
				strings.Contains(strings.ToLower(apiErr.Error()), "maximum context") {
				return provider.KindTokenLimit
			}
			return provider.KindValidation
		}
	}
	return provider.KindProviderError
}

var _ provider.Provider = (*Model)(nil)
