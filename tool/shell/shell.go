//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

// Package shell provides the bash tool. Invocations are expected to pass
// through the command analyzer gate before reaching Call; the tool itself
// only runs what it is handed.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"trpc.group/trpc-go/consoul/tool"
	"trpc.group/trpc-go/consoul/tool/function"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultMaxOutput = 64 * 1024
)

// Option configures the shell tool.
type Option func(*config)

type config struct {
	workDir   string
	timeout   time.Duration
	maxOutput int
}

// WithWorkDir sets the working directory for executed commands.
func WithWorkDir(dir string) Option {
	return func(cfg *config) {
		cfg.workDir = dir
	}
}

// WithTimeout bounds a single command execution.
func WithTimeout(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.timeout = d
		}
	}
}

// WithMaxOutput caps captured output in bytes.
func WithMaxOutput(n int) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.maxOutput = n
		}
	}
}

type execRequest struct {
	Command string `json:"command" jsonschema:"description=The shell command to execute"`
}

type execResponse struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// NewTool creates the bash tool.
func NewTool(opts ...Option) tool.CallableTool {
	cfg := &config{
		timeout:   defaultTimeout,
		maxOutput: defaultMaxOutput,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	t := &shellTool{cfg: cfg}

	return function.NewFunctionTool(
		t.run,
		function.WithName("bash"),
		function.WithDescription("Executes a shell command and returns its combined output. "+
			"Commands run under a timeout and output is truncated beyond a size cap."),
	)
}

type shellTool struct {
	cfg *config
}

func (t *shellTool) run(ctx context.Context, req execRequest) (execResponse, error) {
	command := strings.TrimSpace(req.Command)
	if command == "" {
		return execResponse{Error: "empty command"}, fmt.Errorf("empty command")
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if t.cfg.workDir != "" {
		cmd.Dir = t.cfg.workDir
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()

	out := buf.String()
	if len(out) > t.cfg.maxOutput {
		out = out[:t.cfg.maxOutput] + "\n...[TRUNCATED]"
	}

	rsp := execResponse{Output: out}
	if ctx.Err() == context.DeadlineExceeded {
		rsp.Error = "command timed out"
		return rsp, fmt.Errorf("command timed out after %s", t.cfg.timeout)
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			rsp.ExitCode = exitErr.ExitCode()
			return rsp, nil
		}
		rsp.Error = err.Error()
		return rsp, fmt.Errorf("run command: %w", err)
	}
	return rsp, nil
}
