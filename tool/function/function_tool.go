//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

// Package function turns an ordinary Go function into a callable tool.
package function

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"trpc.group/trpc-go/consoul/tool"
)

// FunctionTool implements tool.CallableTool over a typed function. The
// input schema is generated from I by reflection unless overridden.
type FunctionTool[I, O any] struct {
	name         string
	description  string
	inputSchema  *tool.Schema
	outputSchema *tool.Schema
	fn           func(context.Context, I) (O, error)
}

// Option configures a FunctionTool.
type Option func(*functionToolOptions)

type functionToolOptions struct {
	name         string
	description  string
	inputSchema  *tool.Schema
	outputSchema *tool.Schema
}

// WithName sets the tool name.
//
// Note: some provider APIs enforce ^[a-zA-Z0-9_-]+$ on tool names; stick
// to letters, digits, underscores and hyphens.
func WithName(name string) Option {
	return func(opts *functionToolOptions) {
		opts.name = name
	}
}

// WithDescription sets the tool description.
func WithDescription(description string) Option {
	return func(opts *functionToolOptions) {
		opts.description = description
	}
}

// WithInputSchema sets a custom input schema, skipping generation.
func WithInputSchema(schema *tool.Schema) Option {
	return func(opts *functionToolOptions) {
		opts.inputSchema = schema
	}
}

// WithOutputSchema sets a custom output schema, skipping generation.
func WithOutputSchema(schema *tool.Schema) Option {
	return func(opts *functionToolOptions) {
		opts.outputSchema = schema
	}
}

// NewFunctionTool wraps fn as a callable tool.
func NewFunctionTool[I, O any](fn func(context.Context, I) (O, error), opts ...Option) *FunctionTool[I, O] {
	options := &functionToolOptions{}
	for _, opt := range opts {
		opt(options)
	}

	t := &FunctionTool[I, O]{
		fn:           fn,
		name:         options.name,
		description:  options.description,
		inputSchema:  options.inputSchema,
		outputSchema: options.outputSchema,
	}
	if t.inputSchema == nil {
		var zero I
		t.inputSchema = tool.GenerateJSONSchema(reflect.TypeOf(zero))
	}
	if t.outputSchema == nil {
		var zero O
		t.outputSchema = tool.GenerateJSONSchema(reflect.TypeOf(zero))
	}
	return t
}

var _ tool.CallableTool = (*FunctionTool[struct{}, struct{}])(nil)

// Declaration implements tool.Tool.
func (t *FunctionTool[I, O]) Declaration() *tool.Declaration {
	return &tool.Declaration{
		Name:         t.name,
		Description:  t.description,
		InputSchema:  t.inputSchema,
		OutputSchema: t.outputSchema,
	}
}

// Call unmarshals jsonArgs into I and invokes the wrapped function. Empty
// arguments invoke it with the zero value.
func (t *FunctionTool[I, O]) Call(ctx context.Context, jsonArgs []byte) (any, error) {
	var input I
	if len(jsonArgs) > 0 {
		if err := json.Unmarshal(jsonArgs, &input); err != nil {
			return nil, fmt.Errorf("tool %s: unmarshal arguments: %w", t.name, err)
		}
	}
	return t.fn(ctx, input)
}
