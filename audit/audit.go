//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

// Package audit emits the compliance event stream: one JSON object per
// event, correlation-tagged and redacted before serialization.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"trpc.group/trpc-go/consoul/log"
)

// EventType classifies an audit event.
type EventType string

// Audit event types.
const (
	EventRequest   EventType = "request"
	EventApproval  EventType = "approval"
	EventExecution EventType = "execution"
	EventResult    EventType = "result"
	EventError     EventType = "error"
)

// Event is one audit record. Timestamp is ISO-8601 UTC.
type Event struct {
	Timestamp     string         `json:"timestamp"`
	EventType     EventType      `json:"event_type"`
	CorrelationID string         `json:"correlation_id"`
	SessionID     string         `json:"session_id,omitempty"`
	User          string         `json:"user,omitempty"`
	ToolName      string         `json:"tool_name,omitempty"`
	Arguments     map[string]any `json:"arguments,omitempty"`
	Result        any            `json:"result,omitempty"`
	Status        string         `json:"status,omitempty"`
	DurationMS    int64          `json:"duration_ms,omitempty"`
	Message       string         `json:"message,omitempty"`
}

// Output selects where events go.
type Output string

// Outputs.
const (
	OutputStdout Output = "stdout"
	OutputFile   Output = "file"
	OutputBoth   Output = "both"
)

// Logger writes redacted audit events. Safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	writers  []io.Writer
	redactor *Redactor
	file     *os.File
	now      func() time.Time
}

// LoggerOption configures a Logger.
type LoggerOption func(*Logger)

// WithRedactor replaces the default redactor.
func WithRedactor(r *Redactor) LoggerOption {
	return func(l *Logger) { l.redactor = r }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) LoggerOption {
	return func(l *Logger) { l.now = now }
}

// WithWriter appends an extra sink, mainly for tests.
func WithWriter(w io.Writer) LoggerOption {
	return func(l *Logger) { l.writers = append(l.writers, w) }
}

// DefaultFilePath returns <user-data-dir>/consoul/logs/audit.jsonl.
func DefaultFilePath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user data dir: %w", err)
	}
	return filepath.Join(base, "consoul", "logs", "audit.jsonl"), nil
}

// NewLogger creates a Logger for the given output. path is only consulted
// for file outputs; empty means the default location.
func NewLogger(output Output, path string, opts ...LoggerOption) (*Logger, error) {
	l := &Logger{
		redactor: NewRedactor(),
		now:      time.Now,
	}

	if output == OutputStdout || output == OutputBoth {
		l.writers = append(l.writers, os.Stdout)
	}
	if output == OutputFile || output == OutputBoth {
		if path == "" {
			var err error
			if path, err = DefaultFilePath(); err != nil {
				return nil, err
			}
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create audit log dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		l.file = f
		l.writers = append(l.writers, f)
	}

	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Emit redacts and writes one event. Serialization failures are logged,
// never surfaced: auditing must not break the request path.
func (l *Logger) Emit(ev Event) {
	if ev.Timestamp == "" {
		ev.Timestamp = l.now().UTC().Format(time.RFC3339)
	}
	if ev.Arguments != nil {
		ev.Arguments = l.redactor.Redact(ev.Arguments).(map[string]any)
	}
	if ev.Result != nil {
		ev.Result = l.redactor.Redact(ev.Result)
	}
	ev.Message = l.redactor.redactString(ev.Message)

	line, err := json.Marshal(ev)
	if err != nil {
		log.Errorf("audit: marshal event: %v", err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.writers {
		if _, err := w.Write(line); err != nil {
			log.Errorf("audit: write event: %v", err)
		}
	}
}

// Close releases the file sink if one is open.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}
