//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

// Package provider defines the streaming contract between consoul and the
// upstream LLM services, plus the shared message types every layer speaks.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Role identifies the author of a message.
type Role string

// Roles supported in conversation history.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// IsValid checks if the role is one of the four supported values.
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// FunctionCall names a tool and carries its raw JSON arguments.
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	// Type is the tool call type, currently always "function".
	Type string `json:"type"`
	// Function contains the function call details.
	Function FunctionCall `json:"function"`
	// ID is the provider-assigned tool call identifier.
	ID string `json:"id,omitempty"`
}

// Message is one entry of a conversation history.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Tokens     int        `json:"tokens,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// NewToolMessage creates a tool result message bound to a tool call ID.
func NewToolMessage(toolCallID, content string) Message {
	return Message{Role: RoleTool, ToolCallID: toolCallID, Content: content}
}

// Usage reports token consumption of one model call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolDeclaration is the provider-facing view of a registered tool.
type ToolDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Request is a single model invocation over a prepared history.
type Request struct {
	Model       string            `json:"model"`
	Messages    []Message         `json:"messages"`
	Tools       []ToolDeclaration `json:"tools,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   *int              `json:"max_tokens,omitempty"`
}

// EventType discriminates the Event union.
type EventType string

// Event types emitted on the stream channel.
const (
	EventToken    EventType = "token"
	EventToolCall EventType = "tool_call"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Done carries the final assistant message of a completed stream.
type Done struct {
	Message      Message `json:"message"`
	Usage        *Usage  `json:"usage,omitempty"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// ErrorKind classifies a stream failure for the breaker and the transport.
type ErrorKind string

// Error kinds.
const (
	// KindProviderError covers upstream 5xx, network and protocol failures.
	KindProviderError ErrorKind = "provider_error"
	// KindTimeout covers deadline expiry talking to the upstream.
	KindTimeout ErrorKind = "timeout"
	// KindRateLimit covers upstream 429 responses.
	KindRateLimit ErrorKind = "rate_limit"
	// KindAuth covers missing or rejected credentials.
	KindAuth ErrorKind = "auth"
	// KindValidation covers malformed requests and unsupported models.
	KindValidation ErrorKind = "validation"
	// KindTokenLimit covers context-window overflow reported upstream.
	KindTokenLimit ErrorKind = "token_limit"
	// KindCanceled covers caller-side context cancellation.
	KindCanceled ErrorKind = "canceled"
	// KindCircuitOpen covers rejections by an open circuit breaker; the
	// upstream was never called.
	KindCircuitOpen ErrorKind = "circuit_open"
)

// CountsAsFailure reports whether the kind should trip the circuit breaker.
// Caller mistakes and context-window overflow say nothing about provider
// health, so they never count.
func (k ErrorKind) CountsAsFailure() bool {
	switch k {
	case KindAuth, KindValidation, KindTokenLimit, KindCanceled, KindCircuitOpen:
		return false
	}
	return true
}

// ErrorInfo describes a stream failure, preserving any text produced
// before the failure so callers can persist the partial turn.
type ErrorInfo struct {
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	PartialText string    `json:"partial_text,omitempty"`
}

// Error implements the error interface.
func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Event is one element of a provider stream. Exactly one payload field is
// set, selected by Type; a stream is zero or more token/tool_call events
// terminated by exactly one done or error event.
type Event struct {
	Type     EventType  `json:"type"`
	Token    string     `json:"token,omitempty"`
	ToolCall *ToolCall  `json:"tool_call,omitempty"`
	Done     *Done      `json:"done,omitempty"`
	Err      *ErrorInfo `json:"error,omitempty"`
}

// TokenEvent builds a token event.
func TokenEvent(text string) Event {
	return Event{Type: EventToken, Token: text}
}

// ToolCallEvent builds a tool_call event.
func ToolCallEvent(tc ToolCall) Event {
	return Event{Type: EventToolCall, ToolCall: &tc}
}

// DoneEvent builds a done event.
func DoneEvent(d Done) Event {
	return Event{Type: EventDone, Done: &d}
}

// ErrorEvent builds an error event.
func ErrorEvent(kind ErrorKind, msg, partial string) Event {
	return Event{Type: EventError, Err: &ErrorInfo{Kind: kind, Message: msg, PartialText: partial}}
}

// Capabilities describes optional provider features.
type Capabilities struct {
	SupportsTools  bool
	SupportsVision bool
}

// Provider streams model output as a sequence of events. The returned
// channel is closed after the terminal event. Implementations must honor
// ctx cancellation and terminate the stream with a canceled error event.
type Provider interface {
	// Name returns the provider identifier ("openai", "anthropic", ...).
	Name() string
	// StreamEvents starts a model call and returns the event stream.
	StreamEvents(ctx context.Context, req *Request) (<-chan Event, error)
	// Capabilities reports the provider's optional features.
	Capabilities() Capabilities
}

// ErrUnknownProvider is returned when a model resolves to no configured provider.
var ErrUnknownProvider = errors.New("unknown provider")

// MissingAPIKeyError indicates the environment variable holding a
// provider's credential is unset.
type MissingAPIKeyError struct {
	Provider string
	EnvVar   string
}

// Error implements the error interface.
func (e *MissingAPIKeyError) Error() string {
	return fmt.Sprintf("provider %s: missing API key, set %s", e.Provider, e.EnvVar)
}
