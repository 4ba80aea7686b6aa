//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

// Package session defines the conversation session model and the storage
// contract its backends implement.
package session

import (
	"context"
	"errors"
	"time"

	"trpc.group/trpc-go/consoul/provider"
)

// Session is the durable state of one conversation.
type Session struct {
	// ID uniquely identifies the session.
	ID string `json:"session_id"`
	// Model is the model serving this session.
	Model string `json:"model,omitempty"`
	// Temperature overrides the sampling temperature when non-nil.
	Temperature *float64 `json:"temperature,omitempty"`
	// Messages is the full conversation history, oldest first.
	Messages []provider.Message `json:"messages"`
	// CreatedAt is the creation time in unix seconds.
	CreatedAt int64 `json:"created_at"`
	// UpdatedAt is the last-write time in unix seconds.
	UpdatedAt int64 `json:"updated_at"`
	// Config carries arbitrary per-session settings (summary text,
	// tool filters, client metadata).
	Config map[string]any `json:"config,omitempty"`
}

// New creates an empty session with both timestamps set to now.
func New(id string) *Session {
	now := time.Now().Unix()
	return &Session{
		ID:        id,
		Messages:  []provider.Message{},
		CreatedAt: now,
		UpdatedAt: now,
		Config:    make(map[string]any),
	}
}

// Clone returns a deep copy so callers can mutate without racing the store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Messages = make([]provider.Message, len(s.Messages))
	copy(cp.Messages, s.Messages)
	if s.Temperature != nil {
		t := *s.Temperature
		cp.Temperature = &t
	}
	if s.Config != nil {
		cp.Config = make(map[string]any, len(s.Config))
		for k, v := range s.Config {
			cp.Config[k] = v
		}
	}
	return &cp
}

// Touch bumps UpdatedAt to now, preserving CreatedAt.
func (s *Session) Touch() {
	s.UpdatedAt = time.Now().Unix()
}

// Errors shared by all store backends.
var (
	// ErrSessionNotFound reports a load or delete against an unknown ID.
	// Load returns (nil, nil) for missing sessions; this error is for
	// callers that require existence.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidSessionID reports an empty or malformed session ID.
	ErrInvalidSessionID = errors.New("invalid session ID")
	// ErrStorageUnavailable reports that the backend is down and no
	// fallback is configured.
	ErrStorageUnavailable = errors.New("session storage unavailable")
)

// Store persists sessions.
//
// TTL semantics are backend-native: the in-memory store ages from creation
// time, the file store from file mtime, redis from key TTL. Callers that
// need "last active" read UpdatedAt from the session itself.
type Store interface {
	// Save persists the session under sid, overwriting any previous value.
	Save(ctx context.Context, sid string, sess *Session) error
	// Load returns the session, or (nil, nil) when absent or expired.
	Load(ctx context.Context, sid string) (*Session, error)
	// Delete removes the session. Deleting an absent session is a no-op.
	Delete(ctx context.Context, sid string) error
	// List returns session IDs in the namespace ordered most recently
	// updated first. limit caps the page size; limit<=0 returns an empty
	// page, as does an offset past the end.
	List(ctx context.Context, namespace string, limit, offset int) ([]string, error)
	// Close releases backend resources.
	Close() error
}
