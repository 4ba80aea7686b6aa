//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

// Package webhook delivers typed server events to registered HTTP
// destinations, signed with a per-registration HMAC secret.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event types a webhook may subscribe to.
const (
	EventSessionCreated  = "session.created"
	EventSessionDeleted  = "session.deleted"
	EventChatCompleted   = "chat.completed"
	EventChatInterrupted = "chat.interrupted"
	EventToolExecuted    = "tool.executed"
	EventToolDenied      = "tool.denied"
)

// KnownEvents lists every deliverable event type.
var KnownEvents = []string{
	EventSessionCreated,
	EventSessionDeleted,
	EventChatCompleted,
	EventChatInterrupted,
	EventToolExecuted,
	EventToolDenied,
}

// KnownEvent reports whether t is a deliverable event type.
func KnownEvent(t string) bool {
	for _, k := range KnownEvents {
		if k == t {
			return true
		}
	}
	return false
}

// Webhook is one delivery registration.
type Webhook struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	// Secret signs delivery bodies; it is write-only through the API.
	Secret   string            `json:"secret,omitempty"`
	Enabled  bool              `json:"enabled"`
	Metadata map[string]string `json:"metadata,omitempty"`
	// ConsecutiveFailures counts delivery failures since the last
	// success; at the dispatcher's limit the webhook auto-disables.
	ConsecutiveFailures int   `json:"consecutive_failures"`
	CreatedAt           int64 `json:"created_at"`
	UpdatedAt           int64 `json:"updated_at"`
}

// New creates an enabled webhook with a fresh ID.
func New(url string, events []string, secret string) *Webhook {
	now := time.Now().Unix()
	return &Webhook{
		ID:        uuid.NewString(),
		URL:       url,
		Events:    events,
		Secret:    secret,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Subscribed reports whether the webhook wants eventType.
func (w *Webhook) Subscribed(eventType string) bool {
	for _, e := range w.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// DeliveryRecord is the outcome of one delivery attempt chain.
type DeliveryRecord struct {
	ID         string `json:"id"`
	WebhookID  string `json:"webhook_id"`
	EventType  string `json:"event_type"`
	Status     string `json:"status"` // delivered or failed
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
	Attempts   int    `json:"attempts"`
	CreatedAt  int64  `json:"created_at"`
}

// Event is one deliverable occurrence.
type Event struct {
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// SignatureHeader carries the body HMAC on every delivery.
const SignatureHeader = "X-Consoul-Signature"

// Sign computes the delivery signature for body: "sha256=<hex hmac>".
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// ErrNotFound reports an unknown webhook ID.
var ErrNotFound = errors.New("webhook not found")
