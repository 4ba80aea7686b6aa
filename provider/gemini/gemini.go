//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

// Package gemini adapts the Google Gemini API to the provider event stream.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"google.golang.org/genai"

	"trpc.group/trpc-go/consoul/log"
	"trpc.group/trpc-go/consoul/provider"
)

const (
	// Name is the provider identifier.
	Name = "google"
	// APIKeyEnv holds the credential.
	APIKeyEnv = "GOOGLE_API_KEY"

	defaultChannelBuffer = 64
)

// Option configures the adapter.
type Option func(*options)

type options struct {
	apiKey       string
	clientConfig *genai.ClientConfig
}

// WithAPIKey overrides the environment credential.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithClientConfig replaces the whole genai client config, e.g. to use the
// Vertex backend.
func WithClientConfig(cfg *genai.ClientConfig) Option {
	return func(o *options) { o.clientConfig = cfg }
}

// Model is the Gemini provider adapter.
type Model struct {
	opts options

	mu     sync.Mutex
	client *genai.Client
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

func (m *Model) getClient(ctx context.Context) (*genai.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return m.client, nil
	}

	cfg := m.opts.clientConfig
	if cfg == nil {
		key := m.opts.apiKey
		if key == "" {
			key = os.Getenv(APIKeyEnv)
		}
		if key == "" {
			return nil, &provider.MissingAPIKeyError{Provider: Name, EnvVar: APIKeyEnv}
		}
		cfg = &genai.ClientConfig{APIKey: key, Backend: genai.BackendGeminiAPI}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	m.client = client
	return m.client, nil
}

// StreamEvents implements provider.Provider.
func (m *Model) StreamEvents(ctx context.Context, req *provider.Request) (<-chan provider.Event, error) {
	client, err := m.getClient(ctx)
	if err != nil {
		return nil, err
	}

	contents, config := buildRequest(req)
	events := make(chan provider.Event, defaultChannelBuffer)
	go m.stream(ctx, client, req.Model, contents, config, events)
	return events, nil
}

func (m *Model) stream(
	ctx context.Context,
	client *genai.Client,
	model string,
	contents []*genai.Content,
	config *genai.GenerateContentConfig,
	events chan<- provider.Event,
) {
	defer close(events)

	final := provider.Message{Role: provider.RoleAssistant}
	var (
		text         strings.Builder
		usage        *provider.Usage
		finishReason string
	)

	for chunk, err := range client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			emit(ctx, events, provider.ErrorEvent(classify(ctx, err), err.Error(), text.String()))
			return
		}
		if chunk.UsageMetadata != nil {
			usage = &provider.Usage{
				PromptTokens:     int(chunk.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(chunk.UsageMetadata.CandidatesTokenCount),
				TotalTokens:      int(chunk.UsageMetadata.TotalTokenCount),
			}
		}
		if len(chunk.Candidates) == 0 || chunk.Candidates[0].Content == nil {
			continue
		}
		candidate := chunk.Candidates[0]
		if candidate.FinishReason != "" {
			finishReason = string(candidate.FinishReason)
		}
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				text.WriteString(part.Text)
				if !emit(ctx, events, provider.TokenEvent(part.Text)) {
					return
				}
			}
			if part.FunctionCall != nil {
				args, err := json.Marshal(part.FunctionCall.Args)
				if err != nil {
					log.Warnf("gemini: marshal function call args: %v", err)
					args = []byte("{}")
				}
				call := provider.ToolCall{
					Type: "function",
					ID:   toolCallID(part.FunctionCall),
					Function: provider.FunctionCall{
						Name:      part.FunctionCall.Name,
						Arguments: args,
					},
				}
				final.ToolCalls = append(final.ToolCalls, call)
				if !emit(ctx, events, provider.ToolCallEvent(call)) {
					return
				}
			}
		}
	}

	final.Content = text.String()
	emit(ctx, events, provider.DoneEvent(provider.Done{
		Message:      final,
		Usage:        usage,
		FinishReason: finishReason,
	}))
}

// toolCallID returns the provider-assigned ID, falling back to the function
// name since Gemini matches results by name.
func toolCallID(fc *genai.FunctionCall) string {
	if fc.ID != "" {
		return fc.ID
	}
	return fc.Name
}

func emit(ctx context.Context, events chan<- provider.Event, ev provider.Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func buildRequest(req *provider.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{
		Tools: convertTools(req.Tools),
	}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.MaxTokens != nil {
		config.MaxOutputTokens = int32(*req.MaxTokens)
	}
	if len(config.Tools) > 0 {
		config.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode: genai.FunctionCallingConfigModeAuto,
			},
		}
	}

	// Tool results reference calls by name; remember the mapping while
	// walking the history.
	callNames := map[string]string{}
	var contents []*genai.Content
	for _, msg := range req.Messages {
		switch msg.Role {
		case provider.RoleSystem:
			if config.SystemInstruction == nil {
				config.SystemInstruction = genai.NewContentFromText(msg.Content, genai.RoleUser)
			}
		case provider.RoleAssistant:
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				callNames[tc.ID] = tc.Function.Name
				var args map[string]any
				if err := json.Unmarshal(tc.Function.Arguments, &args); err != nil {
					args = map[string]any{}
				}
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: tc.Function.Name, Args: args},
				})
			}
			if len(parts) > 0 {
				contents = append(contents, genai.NewContentFromParts(parts, genai.RoleModel))
			}
		case provider.RoleTool:
			name := callNames[msg.ToolCallID]
			if name == "" {
				name = msg.ToolCallID
			}
			part := genai.NewPartFromFunctionResponse(name, map[string]any{"output": msg.Content})
			contents = append(contents, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}
	return contents, config
}

func convertTools(tools []provider.ToolDeclaration) []*genai.Tool {
	var result []*genai.Tool
	for _, decl := range tools {
		var schema any
		if len(decl.InputSchema) > 0 {
			if err := json.Unmarshal(decl.InputSchema, &schema); err != nil {
				log.Errorf("gemini: unmarshal tool schema for %s: %v", decl.Name, err)
				continue
			}
		}
		result = append(result, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:                 decl.Name,
				Description:          decl.Description,
				ParametersJsonSchema: schema,
			}},
		})
	}
	return result
}

// classify maps a genai error onto a provider error kind.
func classify(ctx context.Context, err error) provider.ErrorKind {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return provider.KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return provider.KindTimeout
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401, 403:
			return provider.KindAuth
		case 429:
			return provider.KindRateLimit
		case 400, 404:
			if strings.Contains(strings.ToLower(apiErr.Message), "token") &&
				strings.Contains(strings.ToLower(apiErr.Message), "exceed") {
				return provider.KindTokenLimit
			}
			return provider.KindValidation
		}
	}
	return provider.KindProviderError
}

var _ provider.Provider = (*Model)(nil)
