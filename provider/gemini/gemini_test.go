//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

package gemini

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/consoul/provider"
)

func TestMissingAPIKey(t *testing.T) {
	t.Setenv(APIKeyEnv, "")
	// NewClient also reads GEMINI_API_KEY when the config is empty.
	t.Setenv("GEMINI_API_KEY", "")
	m := New()

	_, err := m.StreamEvents(context.Background(), &provider.Request{Model: "gemini-2.5-pro"})
	require.Error(t, err)

	var missing *provider.MissingAPIKeyError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, Name, missing.Provider)
}

func TestBuildRequestHistory(t *testing.T) {
	temp := 0.2
	maxTokens := 128
	req := &provider.Request{
		Model: "gemini-2.5-pro",
		Messages: []provider.Message{
			provider.NewSystemMessage("be terse"),
			provider.NewUserMessage("weather?"),
			{
				Role: provider.RoleAssistant,
				ToolCalls: []provider.ToolCall{{
					Type: "function",
					ID:   "fc-1",
					Function: provider.FunctionCall{
						Name:      "get_weather",
						Arguments: []byte(`{"city":"Shenzhen"}`),
					},
				}},
			},
			provider.NewToolMessage("fc-1", "sunny"),
		},
		Tools: []provider.ToolDeclaration{{
			Name:        "get_weather",
			InputSchema: []byte(`{"type":"object"}`),
		}},
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	}

	contents, config := buildRequest(req)

	require.NotNil(t, config.SystemInstruction)
	require.NotNil(t, config.Temperature)
	assert.InDelta(t, 0.2, float64(*config.Temperature), 1e-6)
	assert.Equal(t, int32(128), config.MaxOutputTokens)
	require.Len(t, config.Tools, 1)
	require.NotNil(t, config.ToolConfig)

	require.Len(t, contents, 3)
	assert.Equal(t, "user", string(contents[0].Role))
	assert.Equal(t, "model", string(contents[1].Role))
	require.Len(t, contents[1].Parts, 1)
	require.NotNil(t, contents[1].Parts[0].FunctionCall)
	assert.Equal(t, "get_weather", contents[1].Parts[0].FunctionCall.Name)

	// Tool result resolves the call ID back to the function name.
	require.Len(t, contents[2].Parts, 1)
	require.NotNil(t, contents[2].Parts[0].FunctionResponse)
	assert.Equal(t, "get_weather", contents[2].Parts[0].FunctionResponse.Name)
}

func TestConvertToolsDropsBrokenSchema(t *testing.T) {
	tools := []provider.ToolDeclaration{
		{Name: "ok", InputSchema: []byte(`{"type":"object"}`)},
		{Name: "broken", InputSchema: []byte(`{oops`)},
	}
	result := convertTools(tools)
	require.Len(t, result, 1)
	assert.Equal(t, "ok", result[0].FunctionDeclarations[0].Name)
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
