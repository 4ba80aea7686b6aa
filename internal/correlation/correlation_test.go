//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

package correlation

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^req-[0-9a-f]{12}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		require.Regexp(t, pattern, id)
		assert.False(t, seen[id], "IDs should not repeat")
		seen[id] = true
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, FromContext(ctx))

	ctx = NewContext(ctx, "req-deadbeef0000")
	assert.Equal(t, "req-deadbeef0000", FromContext(ctx))
}

func TestEnsureContext(t *testing.T) {
	ctx := NewContext(context.Background(), "req-aaaaaaaaaaaa")
	got, id := EnsureContext(ctx)
	assert.Equal(t, "req-aaaaaaaaaaaa", id)
	assert.Equal(t, ctx, got)

	_, minted := EnsureContext(context.Background())
	assert.NotEmpty(t, minted)
	assert.NotEqual(t, "req-aaaaaaaaaaaa", minted)
}
