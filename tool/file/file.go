//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

// Package file provides the read_file and write_file tools, confined to a
// base directory.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"trpc.group/trpc-go/consoul/tool"
	"trpc.group/trpc-go/consoul/tool/function"
)

const (
	defaultMaxFileSize = 1 << 20 // 1 MiB
	createFileMode     = 0o644
	createDirMode      = 0o755
)

// Option configures the file tool set.
type Option func(*toolSet)

// WithBaseDir sets the directory all paths resolve under. Defaults to the
// process working directory.
func WithBaseDir(dir string) Option {
	return func(ts *toolSet) {
		ts.baseDir = dir
	}
}

// WithMaxFileSize caps readable file size in bytes.
func WithMaxFileSize(n int64) Option {
	return func(ts *toolSet) {
		if n > 0 {
			ts.maxFileSize = n
		}
	}
}

type toolSet struct {
	baseDir     string
	maxFileSize int64
}

// NewToolSet creates the read_file and write_file tools sharing one base
// directory.
func NewToolSet(opts ...Option) (readTool, writeTool tool.CallableTool, err error) {
	ts := &toolSet{maxFileSize: defaultMaxFileSize}
	for _, opt := range opts {
		opt(ts)
	}
	if ts.baseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, nil, fmt.Errorf("resolve working directory: %w", err)
		}
		ts.baseDir = wd
	}
	abs, err := filepath.Abs(ts.baseDir)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve base directory: %w", err)
	}
	ts.baseDir = abs

	readTool = function.NewFunctionTool(
		ts.readFile,
		function.WithName("read_file"),
		function.WithDescription("Reads a UTF-8 text file relative to the workspace directory."),
	)
	writeTool = function.NewFunctionTool(
		ts.writeFile,
		function.WithName("write_file"),
		function.WithDescription("Writes contents to a file relative to the workspace directory, "+
			"creating parent directories as needed."),
	)
	return readTool, writeTool, nil
}

// resolvePath joins name under the base directory and rejects escapes.
func (ts *toolSet) resolvePath(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("file name cannot be empty")
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("absolute paths are not allowed: %s", name)
	}
	full := filepath.Join(ts.baseDir, name)
	rel, err := filepath.Rel(ts.baseDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace directory: %s", name)
	}
	return full, nil
}

type readFileRequest struct {
	FileName string `json:"file_name" jsonschema:"description=Path relative to the workspace directory"`
}

type readFileResponse struct {
	FileName string `json:"file_name"`
	Contents string `json:"contents"`
	Message  string `json:"message,omitempty"`
}

func (ts *toolSet) readFile(_ context.Context, req readFileRequest) (readFileResponse, error) {
	rsp := readFileResponse{FileName: req.FileName}

	path, err := ts.resolvePath(req.FileName)
	if err != nil {
		rsp.Message = fmt.Sprintf("Error: %v", err)
		return rsp, err
	}
	info, err := os.Stat(path)
	if err != nil {
		rsp.Message = fmt.Sprintf("Error: %v", err)
		return rsp, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		err := fmt.Errorf("%s is a directory", req.FileName)
		rsp.Message = fmt.Sprintf("Error: %v", err)
		return rsp, err
	}
	if info.Size() > ts.maxFileSize {
		err := fmt.Errorf("file exceeds size limit of %d bytes", ts.maxFileSize)
		rsp.Message = fmt.Sprintf("Error: %v", err)
		return rsp, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		rsp.Message = fmt.Sprintf("Error: %v", err)
		return rsp, fmt.Errorf("read file: %w", err)
	}
	if !utf8.Valid(data) {
		err := fmt.Errorf("file is not a UTF-8 text file")
		rsp.Message = fmt.Sprintf("Error: %v", err)
		return rsp, err
	}

	rsp.Contents = string(data)
	rsp.Message = fmt.Sprintf("Read %d bytes", len(data))
	return rsp, nil
}

type writeFileRequest struct {
	FileName  string `json:"file_name" jsonschema:"description=Path relative to the workspace directory"`
	Contents  string `json:"contents" jsonschema:"description=Content to write"`
	Overwrite bool   `json:"overwrite,omitempty" jsonschema:"description=Replace an existing file"`
}

type writeFileResponse struct {
	FileName string `json:"file_name"`
	Message  string `json:"message"`
}

func (ts *toolSet) writeFile(_ context.Context, req writeFileRequest) (writeFileResponse, error) {
	rsp := writeFileResponse{FileName: req.FileName}

	path, err := ts.resolvePath(req.FileName)
	if err != nil {
		rsp.Message = fmt.Sprintf("Error: %v", err)
		return rsp, err
	}
	if !req.Overwrite {
		if _, err := os.Stat(path); err == nil {
			err := fmt.Errorf("file %s already exists and overwrite is false", req.FileName)
			rsp.Message = fmt.Sprintf("Error: %v", err)
			return rsp, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), createDirMode); err != nil {
		rsp.Message = fmt.Sprintf("Error: %v", err)
		return rsp, fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(req.Contents), createFileMode); err != nil {
		rsp.Message = fmt.Sprintf("Error: %v", err)
		return rsp, fmt.Errorf("write file: %w", err)
	}

	rsp.Message = fmt.Sprintf("Wrote %d bytes", len(req.Contents))
	return rsp, nil
}
