//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

package openai

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

	_, err := m.StreamEvents(context.Background(), &provider.Request{Model: "gpt-4o"})
	require.Error(t, err)

	var missing *provider.MissingAPIKeyError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, Name, missing.Provider)
	assert.Equal(t, APIKeyEnv, missing.EnvVar)
}

func TestConvertMessages(t *testing.T) {
	messages := []provider.Message{
		provider.NewSystemMessage("be terse"),
		provider.NewUserMessage("hi"),
		{
			Role:    provider.RoleAssistant,
			Content: "checking",
			ToolCalls: []provider.ToolCall{{
				Type: "function",
				ID:   "call_1",
				Function: provider.FunctionCall{
					Name:      "get_weather",
					Arguments: []byte(`{"city":"Shenzhen"}`),
				},
			}},
		},
		provider.NewToolMessage("call_1", "sunny"),
	}

	result := convertMessages(messages)
	require.Len(t, result, 4)
	assert.NotNil(t, result[0].OfSystem)
	assert.NotNil(t, result[1].OfUser)
	require.NotNil(t, result[2].OfAssistant)
	require.Len(t, result[2].OfAssistant.ToolCalls, 1)
	assert.Equal(t, "call_1", result[2].OfAssistant.ToolCalls[0].ID)
	assert.Equal(t, "get_weather", result[2].OfAssistant.ToolCalls[0].Function.Name)
	require.NotNil(t, result[3].OfTool)
	assert.Equal(t, "call_1", result[3].OfTool.ToolCallID)
}

func TestConvertTools(t *testing.T) {
	tools := []provider.ToolDeclaration{
		{
			Name:        "get_weather",
			Description: "Get weather info",
			InputSchema: []byte(`{"type":"object","properties":{"city":{"type":"string"}}}`),
		},
		{
			Name:        "broken",
			InputSchema: []byte(`{not json`),
		},
	}

	result := convertTools(tools)
	require.Len(t, result, 1)
	assert.Equal(t, "get_weather", result[0].Function.Name)
	assert.Contains(t, result[0].Function.Parameters, "properties")
}

func TestBuildParams(t *testing.T) {
	temp := 0.4
	maxTokens := 256
	req := &provider.Request{
		Model:       "gpt-4o",
		Messages:    []provider.Message{provider.NewUserMessage("hi")},
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	}

	params := buildParams(req)
	assert.Equal(t, "gpt-4o", string(params.Model))
	assert.Equal(t, 0.4, params.Temperature.Value)
	assert.Equal(t, int64(256), params.MaxCompletionTokens.Value)
	assert.True(t, params.StreamOptions.IncludeUsage.Value)
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
