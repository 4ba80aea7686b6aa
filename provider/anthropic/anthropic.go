//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

// Package anthropic adapts the Anthropic Messages API to the provider
// event stream.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"trpc.group/trpc-go/consoul/log"
	"trpc.group/trpc-go/consoul/provider"
)

const (
	// Name is the provider identifier.
	Name = "anthropic"
	// APIKeyEnv holds the credential.
	APIKeyEnv = "ANTHROPIC_API_KEY"

	defaultChannelBuffer = 64
	defaultMaxTokens     = 4096
)

// Option configures the adapter.
type Option func(*options)

type options struct {
	apiKey    string
	baseURL   string
	extraOpts []option.RequestOption
}

// WithAPIKey overrides the environment credential.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithBaseURL points the adapter at a different endpoint.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// WithRequestOptions appends extra SDK request options.
func WithRequestOptions(opts ...option.RequestOption) Option {
	return func(o *options) { o.extraOpts = append(o.extraOpts, opts...) }
}

// Model is the Anthropic provider adapter.
type Model struct {
	opts options

	mu     sync.Mutex
	client *anthropicsdk.Client
}

// New creates the adapter.
func New(opts ...Option) *Model {
	m := &Model{}
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

func (m *Model) getClient() (*anthropicsdk.Client, error) {
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

	clientOpts := []option.RequestOption{option.WithAPIKey(key)}
	if m.opts.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(m.opts.baseURL))
	}
	clientOpts = append(clientOpts, m.opts.extraOpts...)

	client := anthropicsdk.NewClient(clientOpts...)
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
	events := make(chan provider.Event, defaultChannelBuffer)
	go m.stream(ctx, client, params, events)
	return events, nil
}

func (m *Model) stream(
	ctx context.Context,
	client *anthropicsdk.Client,
	params anthropicsdk.MessageNewParams,
	events chan<- provider.Event,
) {
	defer close(events)

	stream := client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	acc := anthropicsdk.Message{}
	var partial strings.Builder

	for stream.Next() {
		chunk := stream.Current()
		if err := acc.Accumulate(chunk); err != nil {
			emit(ctx, events, provider.ErrorEvent(
				provider.KindProviderError, err.Error(), partial.String()))
			return
		}
		if event, ok := chunk.AsAny().(anthropicsdk.ContentBlockDeltaEvent); ok {
			if delta, ok := event.Delta.AsAny().(anthropicsdk.TextDelta); ok && delta.Text != "" {
				partial.WriteString(delta.Text)
				if !emit(ctx, events, provider.TokenEvent(delta.Text)) {
					return
				}
			}
		}
	}

	if err := stream.Err(); err != nil {
		kind := classify(ctx, err)
		emit(ctx, events, provider.ErrorEvent(kind, err.Error(), partial.String()))
		return
	}

	final := provider.Message{Role: provider.RoleAssistant}
	var text strings.Builder
	for _, content := range acc.Content {
		switch block := content.AsAny().(type) {
		case anthropicsdk.TextBlock:
			text.WriteString(block.Text)
		case anthropicsdk.ToolUseBlock:
			call := provider.ToolCall{
				Type: "function",
				ID:   block.ID,
				Function: provider.FunctionCall{
					Name:      block.Name,
					Arguments: json.RawMessage(block.Input),
				},
			}
			final.ToolCalls = append(final.ToolCalls, call)
			if !emit(ctx, events, provider.ToolCallEvent(call)) {
				return
			}
		}
	}
	final.Content = text.String()

	emit(ctx, events, provider.DoneEvent(provider.Done{
		Message: final,
		Usage: &provider.Usage{
			PromptTokens:     int(acc.Usage.InputTokens),
			CompletionTokens: int(acc.Usage.OutputTokens),
			TotalTokens:      int(acc.Usage.InputTokens + acc.Usage.OutputTokens),
		},
		FinishReason: string(acc.StopReason),
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

func buildParams(req *provider.Request) anthropicsdk.MessageNewParams {
	conversation, systemPrompts := convertMessages(req.Messages)
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(req.Model),
		Messages:  conversation,
		Tools:     convertTools(req.Tools),
		MaxTokens: defaultMaxTokens,
	}
	if len(systemPrompts) > 0 {
		params.System = systemPrompts
	}
	if req.Temperature != nil {
		params.Temperature = anthropicsdk.Float(*req.Temperature)
	}
	if req.MaxTokens != nil {
		params.MaxTokens = int64(*req.MaxTokens)
	}
	return params
}

// convertMessages splits system prompts out of the history; Anthropic takes
// them as a separate request field.
func convertMessages(messages []provider.Message) ([]anthropicsdk.MessageParam, []anthropicsdk.TextBlockParam) {
	conversation := make([]anthropicsdk.MessageParam, 0, len(messages))
	var systemPrompts []anthropicsdk.TextBlockParam

	for _, msg := range messages {
		switch msg.Role {
		case provider.RoleSystem:
			systemPrompts = append(systemPrompts, anthropicsdk.TextBlockParam{Text: msg.Content})
		case provider.RoleAssistant:
			blocks := make([]anthropicsdk.ContentBlockParamUnion, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				blocks = append(blocks, anthropicsdk.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropicsdk.NewToolUseBlock(
					tc.ID, decodeArguments(tc.Function.Arguments), tc.Function.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, anthropicsdk.NewAssistantMessage(blocks...))
		case provider.RoleTool:
			conversation = append(conversation, anthropicsdk.NewUserMessage(
				anthropicsdk.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
		default:
			conversation = append(conversation, anthropicsdk.NewUserMessage(
				anthropicsdk.NewTextBlock(msg.Content)))
		}
	}
	return conversation, systemPrompts
}

func decodeArguments(args json.RawMessage) any {
	if len(args) == 0 {
		return map[string]any{}
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		log.Warnf("anthropic: tool arguments are not valid JSON: %v", err)
		return map[string]any{}
	}
	return decoded
}

func convertTools(tools []provider.ToolDeclaration) []anthropicsdk.ToolUnionParam {
	var result []anthropicsdk.ToolUnionParam
	for _, decl := range tools {
		var schema struct {
			Properties any      `json:"properties"`
			Required   []string `json:"required"`
		}
		if len(decl.InputSchema) > 0 {
			if err := json.Unmarshal(decl.InputSchema, &schema); err != nil {
				log.Errorf("anthropic: unmarshal tool schema for %s: %v", decl.Name, err)
				continue
			}
		}
		result = append(result, anthropicsdk.ToolUnionParam{
			OfTool: &anthropicsdk.ToolParam{
				Name:        decl.Name,
				Description: anthropicsdk.String(decl.Description),
				InputSchema: anthropicsdk.ToolInputSchemaParam{
					Properties: schema.Properties,
					Required:   schema.Required,
				},
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
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return provider.KindAuth
		case 429:
			return provider.KindRateLimit
		case 400, 404, 422:
			if strings.Contains(strings.ToLower(apiErr.Error()), "prompt is too long") {
				return provider.KindTokenLimit
			}
			return provider.KindValidation
		}
	}
	return provider.KindProviderError
}

var _ provider.Provider = (*Model)(nil)
