//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

// Package approval decides whether a pending tool call may run. The
// registry's policy evaluation happens before any Approver is consulted;
// an Approver only ever sees calls the policy marked as needing a prompt.
package approval

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"trpc.group/trpc-go/consoul/log"
	"trpc.group/trpc-go/consoul/tool"
)

// DefaultTimeout bounds how long a prompt may stay unanswered.
const DefaultTimeout = 60 * time.Second

// ToolRequest describes one tool call awaiting a decision.
type ToolRequest struct {
	ToolCallID string          `json:"tool_call_id"`
	SessionID  string          `json:"session_id"`
	ToolName   string          `json:"tool_name"`
	Arguments  json.RawMessage `json:"arguments"`
	Risk       tool.RiskLevel  `json:"risk_level"`
	Reason     string          `json:"reason,omitempty"`
}

// Decision is the outcome of an approval request.
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Approver resolves tool calls that the permission policy marked as
// requiring a prompt.
type Approver interface {
	// RequestApproval blocks until the call is decided, the context is
	// canceled, or the approver's timeout elapses.
	RequestApproval(ctx context.Context, req *ToolRequest) Decision
}

// PolicyApprover decides without interaction: every prompted call gets the
// same fixed answer. Useful for headless deployments and tests.
type PolicyApprover struct {
	Approved bool
	Why      string
}

// RequestApproval implements Approver.
func (p *PolicyApprover) RequestApproval(_ context.Context, _ *ToolRequest) Decision {
	return Decision{Approved: p.Approved, Reason: p.Why}
}

// Notifier delivers an approval prompt to the client transport.
type Notifier func(req *ToolRequest)

// Coordinator routes approval prompts to an interactive client and waits
// for the transport to resolve them.
type Coordinator struct {
	mu      sync.Mutex
	pending map[string]chan Decision
	notify  Notifier
	timeout time.Duration
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithTimeout overrides the prompt timeout.
func WithTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewCoordinator creates a Coordinator that surfaces prompts through notify.
func NewCoordinator(notify Notifier, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		pending: make(map[string]chan Decision),
		notify:  notify,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestApproval implements Approver. The prompt is delivered through the
// notifier and the call blocks until Resolve, CancelAll, the timeout, or
// context cancellation.
func (c *Coordinator) RequestApproval(ctx context.Context, req *ToolRequest) Decision {
	ch := make(chan Decision, 1)

	c.mu.Lock()
	if _, exists := c.pending[req.ToolCallID]; exists {
		c.mu.Unlock()
		log.Warnf("approval: duplicate pending tool call %s denied", req.ToolCallID)
		return Decision{Approved: false, Reason: "duplicate tool call id"}
	}
	c.pending[req.ToolCallID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ToolCallID)
		c.mu.Unlock()
	}()

	if c.notify != nil {
		c.notify(req)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case d := <-ch:
		return d
	case <-timer.C:
		return Decision{Approved: false, Reason: "approval timed out"}
	case <-ctx.Done():
		return Decision{Approved: false, Reason: "request canceled"}
	}
}

// Resolve records the client's answer for a pending tool call. Unknown IDs
// are logged and ignored; resolving the same ID twice is a no-op.
func (c *Coordinator) Resolve(toolCallID string, approved bool, reason string) {
	c.mu.Lock()
	ch, ok := c.pending[toolCallID]
	if ok {
		delete(c.pending, toolCallID)
	}
	c.mu.Unlock()

	if !ok {
		log.Warnf("approval: resolution for unknown tool call %s ignored", toolCallID)
		return
	}
	ch <- Decision{Approved: approved, Reason: reason}
}

// CancelAll denies every pending prompt, e.g. when the client disconnects.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan Decision)
	c.mu.Unlock()

	for id, ch := range pending {
		ch <- Decision{Approved: false, Reason: "connection closed"}
		log.Debugf("approval: canceled pending tool call %s", id)
	}
}

// Pending reports the number of unresolved prompts.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
