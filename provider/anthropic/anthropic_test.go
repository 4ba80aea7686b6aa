//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

package anthropic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/consoul/provider"
)

func TestMissingAPIKey(t *testing.T) {
	t.Setenv(APIKeyEnv, "")
	m := New()

	_, err := m.StreamEvents(context.Background(), &provider.Request{Model: "claude-sonnet-4-0"})
	require.Error(t, err)

	var missing *provider.MissingAPIKeyError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, Name, missing.Provider)
}

func TestConvertMessagesSplitsSystem(t *testing.T) {
	messages := []provider.Message{
		provider.NewSystemMessage("be terse"),
		provider.NewUserMessage("hi"),
		{
			Role: provider.RoleAssistant,
			ToolCalls: []provider.ToolCall{{
				Type: "function",
				ID:   "toolu_1",
				Function: provider.FunctionCall{
					Name:      "get_weather",
					Arguments: []byte(`{"city":"Shenzhen"}`),
				},
			}},
		},
		provider.NewToolMessage("toolu_1", "sunny"),
	}

	conversation, system := convertMessages(messages)
	require.Len(t, system, 1)
	assert.Equal(t, "be terse", system[0].Text)
	require.Len(t, conversation, 3)
	assert.Equal(t, "user", string(conversation[0].Role))
	assert.Equal(t, "assistant", string(conversation[1].Role))
	// Tool results ride in a user message.
	assert.Equal(t, "user", string(conversation[2].Role))
}

func TestConvertTools(t *testing.T) {
	tools := []provider.ToolDeclaration{
		{
			Name:        "get_weather",
			Description: "Get weather info",
			InputSchema: []byte(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`),
		},
		{Name: "broken", InputSchema: []byte(`{oops`)},
	}

	result := convertTools(tools)
	require.Len(t, result, 1)
	require.NotNil(t, result[0].OfTool)
	assert.Equal(t, "get_weather", result[0].OfTool.Name)
	assert.Equal(t, []string{"city"}, result[0].OfTool.InputSchema.Required)
}

func TestBuildParamsDefaultsMaxTokens(t *testing.T) {
	req := &provider.Request{
		Model:    "claude-sonnet-4-0",
		Messages: []provider.Message{provider.NewUserMessage("hi")},
	}
	params := buildParams(req)
	assert.Equal(t, int64(defaultMaxTokens), params.MaxTokens)

	maxTokens := 512
	req.MaxTokens = &maxTokens
	params = buildParams(req)
	assert.Equal(t, int64(512), params.MaxTokens)
}

func TestDecodeArguments(t *testing.T) {
	assert.Equal(t, map[string]any{}, decodeArguments(nil))
	assert.Equal(t, map[string]any{}, decodeArguments([]byte(`{broken`)))
	assert.Equal(t, map[string]any{"a": 1.0}, decodeArguments([]byte(`{"a":1}`)))
}

func TestClassifyContextErrors(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, provider.KindCanceled, classify(canceled, context.Canceled))
	assert.Equal(t, provider.KindTimeout,
		classify(context.Background(), context.DeadlineExceeded))
	assert.Equal(t, provider.KindProviderError,
		classify(context.Background(), assert.AnError))
}
