//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
)

// DefaultExecTimeout bounds a single tool invocation.
const DefaultExecTimeout = 60 * time.Second

// Executor runs tool calls on a bounded goroutine pool so a burst of tool
// rounds cannot fork unbounded work.
type Executor struct {
	pool    *ants.Pool
	timeout time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecTimeout overrides the per-invocation timeout.
func WithExecTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// NewExecutor creates a pool of the given size (<=0 means 32 workers).
func NewExecutor(size int, opts ...ExecutorOption) (*Executor, error) {
	if size <= 0 {
		size = 32
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("create executor pool: %w", err)
	}
	e := &Executor{pool: pool, timeout: DefaultExecTimeout}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

type execResult struct {
	out string
	err error
}

// Execute runs the tool on the pool and renders its result as a string.
// The invocation observes both ctx and the per-tool timeout; a timed-out
// tool keeps running on its worker but its result is discarded.
func (e *Executor) Execute(ctx context.Context, t CallableTool, args []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resCh := make(chan execResult, 1)
	if err := e.pool.Submit(func() {
		out, err := t.Call(ctx, args)
		resCh <- execResult{out: Stringify(out), err: err}
	}); err != nil {
		return "", fmt.Errorf("submit tool %s: %w", t.Declaration().Name, err)
	}

	select {
	case res := <-resCh:
		return res.out, res.err
	case <-ctx.Done():
		return "", fmt.Errorf("tool %s: %w", t.Declaration().Name, ctx.Err())
	}
}

// Stringify renders a tool result for the conversation history: strings
// pass through, everything else is JSON-encoded.
func Stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// Release shuts the pool down.
func (e *Executor) Release() {
	e.pool.Release()
}
