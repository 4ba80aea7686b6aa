//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

package function

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type addInput struct {
	A int `json:"a" jsonschema:"description=first operand"`
	B int `json:"b"`
}

type addOutput struct {
	Sum int `json:"sum"`
}

func add(_ context.Context, in addInput) (addOutput, error) {
	return addOutput{Sum: in.A + in.B}, nil
}

func TestNewFunctionToolGeneratesSchemas(t *testing.T) {
	ft := NewFunctionTool(add, WithName("add"), WithDescription("adds two integers"))

	decl := ft.Declaration()
	assert.Equal(t, "add", decl.Name)
	assert.Equal(t, "adds two integers", decl.Description)

	require.NotNil(t, decl.InputSchema)
	assert.Equal(t, "object", decl.InputSchema.Type)
	require.Contains(t, decl.InputSchema.Properties, "a")
	assert.Equal(t, "integer", decl.InputSchema.Properties["a"].Type)
	assert.Equal(t, "first operand", decl.InputSchema.Properties["a"].Description)
	assert.ElementsMatch(t, []string{"a", "b"}, decl.InputSchema.Required)

	require.NotNil(t, decl.OutputSchema)
	assert.Contains(t, decl.OutputSchema.Properties, "sum")
}

func TestCallUnmarshalsArguments(t *testing.T) {
	ft := NewFunctionTool(add, WithName("add"))

	out, err := ft.Call(context.Background(), []byte(`{"a":2,"b":3}`))
	require.NoError(t, err)
	assert.Equal(t, addOutput{Sum: 5}, out)
}

func TestCallEmptyArgsUsesZeroValue(t *testing.T) {
	ft := NewFunctionTool(add, WithName("add"))

	out, err := ft.Call(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, addOutput{Sum: 0}, out)
}

func TestCallInvalidJSON(t *testing.T) {
	ft := NewFunctionTool(add, WithName("add"))

	_, err := ft.Call(context.Background(), []byte(`{"a":`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal arguments")
}

func TestCallPropagatesFunctionError(t *testing.T) {
	wantErr := errors.New("boom")
	ft := NewFunctionTool(func(_ context.Context, _ addInput) (addOutput, error) {
		return addOutput{}, wantErr
	}, WithName("failing"))

	_, err := ft.Call(context.Background(), []byte(`{}`))
	assert.ErrorIs(t, err, wantErr)
}
