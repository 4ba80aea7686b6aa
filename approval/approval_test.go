//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/consoul/tool"
)

func newRequest(id string) *ToolRequest {
	return &ToolRequest{
		ToolCallID: id,
		SessionID:  "alice:sess-1",
		ToolName:   "bash",
		Arguments:  []byte(`{"command":"rm -rf /tmp/scratch"}`),
		Risk:       tool.RiskDangerous,
	}
}

func TestPolicyApprover(t *testing.T) {
	allow := &PolicyApprover{Approved: true, Why: "auto-approved"}
	d := allow.RequestApproval(context.Background(), newRequest("tc-1"))
	assert.True(t, d.Approved)

	deny := &PolicyApprover{Approved: false, Why: "headless deployment"}
	d = deny.RequestApproval(context.Background(), newRequest("tc-2"))
	assert.False(t, d.Approved)
	assert.Equal(t, "headless deployment", d.Reason)
}

func TestCoordinatorResolveApproves(t *testing.T) {
	notified := make(chan *ToolRequest, 1)
	c := NewCoordinator(func(req *ToolRequest) { notified <- req })

	var d Decision
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d = c.RequestApproval(context.Background(), newRequest("tc-1"))
	}()

	req := <-notified
	assert.Equal(t, "tc-1", req.ToolCallID)
	c.Resolve("tc-1", true, "looks fine")
	wg.Wait()

	assert.True(t, d.Approved)
	assert.Equal(t, "looks fine", d.Reason)
	assert.Zero(t, c.Pending())
}

func TestCoordinatorResolveDenies(t *testing.T) {
	notified := make(chan struct{}, 1)
	c := NewCoordinator(func(*ToolRequest) { notified <- struct{}{} })

	done := make(chan Decision, 1)
	go func() {
		done <- c.RequestApproval(context.Background(), newRequest("tc-1"))
	}()

	<-notified
	c.Resolve("tc-1", false, "too risky")
	d := <-done
	assert.False(t, d.Approved)
	assert.Equal(t, "too risky", d.Reason)
}

func TestCoordinatorTimeout(t *testing.T) {
	c := NewCoordinator(nil, WithTimeout(30*time.Millisecond))

	d := c.RequestApproval(context.Background(), newRequest("tc-1"))
	assert.False(t, d.Approved)
	assert.Equal(t, "approval timed out", d.Reason)
	assert.Zero(t, c.Pending())
}

func TestCoordinatorContextCancel(t *testing.T) {
	c := NewCoordinator(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Decision, 1)
	go func() {
		done <- c.RequestApproval(ctx, newRequest("tc-1"))
	}()

	require.Eventually(t, func() bool { return c.Pending() == 1 },
		time.Second, 5*time.Millisecond)
	cancel()

	d := <-done
	assert.False(t, d.Approved)
	assert.Equal(t, "request canceled", d.Reason)
}

func TestCoordinatorCancelAll(t *testing.T) {
	c := NewCoordinator(nil)

	results := make(chan Decision, 2)
	for _, id := range []string{"tc-1", "tc-2"} {
		go func(id string) {
			results <- c.RequestApproval(context.Background(), newRequest(id))
		}(id)
	}
	require.Eventually(t, func() bool { return c.Pending() == 2 },
		time.Second, 5*time.Millisecond)

	c.CancelAll()
	for i := 0; i < 2; i++ {
		d := <-results
		assert.False(t, d.Approved)
		assert.Equal(t, "connection closed", d.Reason)
	}
	assert.Zero(t, c.Pending())
}

func TestCoordinatorUnknownAndDuplicateResolutions(t *testing.T) {
	c := NewCoordinator(nil)

	// Unknown ID: ignored, no panic.
	c.Resolve("ghost", true, "")

	done := make(chan Decision, 1)
	go func() {
		done <- c.RequestApproval(context.Background(), newRequest("tc-1"))
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 },
		time.Second, 5*time.Millisecond)

	c.Resolve("tc-1", true, "first")
	// Second resolution no-ops.
	c.Resolve("tc-1", false, "second")

	d := <-done
	assert.True(t, d.Approved)
	assert.Equal(t, "first", d.Reason)
}
