//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/consoul/provider/breaker"
)

// scriptedProvider replays one event script per StreamEvents call. A
// script without a terminal event models an upstream dying mid-stream.
type scriptedProvider struct {
	mu      sync.Mutex
	name    string
	scripts [][]Event
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Capabilities() Capabilities {
	return Capabilities{SupportsTools: true}
}

func (p *scriptedProvider) StreamEvents(_ context.Context, _ *Request) (<-chan Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.scripts) == 0 {
		return nil, errors.New("no scripted stream left")
	}
	script := p.scripts[0]
	p.scripts = p.scripts[1:]
	ch := make(chan Event, len(script)+1)
	for _, ev := range script {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func TestGatewayRoutesAndRecordsOutcomes(t *testing.T) {
	p := &scriptedProvider{name: "openai", scripts: [][]Event{
		{TokenEvent("He"), TokenEvent("llo"), DoneEvent(Done{Message: NewAssistantMessage("Hello")})},
	}}
	g := NewGateway()
	g.Register(p)

	ch, err := g.StreamEvents(context.Background(), &Request{Model: "gpt-4o"})
	require.NoError(t, err)
	var text string
	for ev := range ch {
		if ev.Type == EventToken {
			text += ev.Token
		}
	}
	assert.Equal(t, "Hello", text)
	assert.Equal(t, "closed", g.BreakerStates()["openai"])

	_, err = g.StreamEvents(context.Background(), &Request{Model: "no-such-model"})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestGatewayAbandonedProbeDoesNotWedgeBreaker(t *testing.T) {
	p := &scriptedProvider{name: "openai", scripts: [][]Event{
		{ErrorEvent(KindProviderError, "upstream down", "")},
		{ErrorEvent(KindProviderError, "upstream down", "")},
		// The admitted probe dies mid-stream without a terminal event,
		// as happens when the caller cancels and the adapter unwinds.
		{TokenEvent("par")},
		{TokenEvent("ok"), DoneEvent(Done{Message: NewAssistantMessage("ok")})},
	}}
	g := NewGateway(WithBreakerConfig(breaker.Config{
		FailureThreshold: 2,
		CoolDown:         50 * time.Millisecond,
	}))
	g.Register(p)

	req := &Request{Model: "gpt-4o"}
	for i := 0; i < 2; i++ {
		ch, err := g.StreamEvents(context.Background(), req)
		require.NoError(t, err)
		for range ch {
		}
	}
	_, err := g.StreamEvents(context.Background(), req)
	require.ErrorIs(t, err, ErrCircuitOpen)

	time.Sleep(60 * time.Millisecond)
	ch, err := g.StreamEvents(context.Background(), req)
	require.NoError(t, err)
	for range ch {
	}

	// The abandoned probe re-opened the circuit rather than pinning it
	// half-open with the slot taken.
	_, err = g.StreamEvents(context.Background(), req)
	require.ErrorIs(t, err, ErrCircuitOpen)

	// A fresh cool-down admits a new probe, and a healthy upstream
	// closes the circuit again.
	time.Sleep(60 * time.Millisecond)
	ch, err = g.StreamEvents(context.Background(), req)
	require.NoError(t, err)
	var text string
	for ev := range ch {
		if ev.Type == EventToken {
			text += ev.Token
		}
	}
	assert.Equal(t, "ok", text)
	assert.Equal(t, "closed", g.BreakerStates()["openai"])
}
