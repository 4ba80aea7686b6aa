//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

// Package correlation carries per-request correlation IDs on context.
package correlation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type contextKey struct{}

// Header is the HTTP header a caller may use to supply its own ID.
const Header = "X-Correlation-ID"

// New mints a fresh correlation ID of the form "req-<12 hex>".
func New() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		// rand.Read only fails when the platform entropy source is broken;
		// a constant ID still lets the request proceed.
		return "req-000000000000"
	}
	return "req-" + hex.EncodeToString(b[:])
}

// NewContext returns a copy of ctx carrying id.
func NewContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the correlation ID on ctx, or "" when absent.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(contextKey{}).(string); ok {
		return id
	}
	return ""
}

// EnsureContext returns ctx unchanged when it already carries an ID,
// otherwise a copy carrying a freshly minted one.
func EnsureContext(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := New()
	return NewContext(ctx, id), id
}
