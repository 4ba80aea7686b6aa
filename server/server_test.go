//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/consoul/conversation"
	"trpc.group/trpc-go/consoul/provider"
	"trpc.group/trpc-go/consoul/session"
	"trpc.group/trpc-go/consoul/session/inmemory"
	"trpc.group/trpc-go/consoul/tool"
	"trpc.group/trpc-go/consoul/webhook"
)

// scriptedGateway replays one event script per StreamEvents call.
type scriptedGateway struct {
	mu      sync.Mutex
	scripts [][]provider.Event
	err     error
}

func (g *scriptedGateway) StreamEvents(_ context.Context, _ *provider.Request) (<-chan provider.Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	if len(g.scripts) == 0 {
		return nil, errors.New("no scripted response left")
	}
	script := g.scripts[0]
	g.scripts = g.scripts[1:]
	ch := make(chan provider.Event, len(script))
	for _, ev := range script {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func replyWith(parts ...string) []provider.Event {
	var evs []provider.Event
	var full string
	for _, p := range parts {
		evs = append(evs, provider.TokenEvent(p))
		full += p
	}
	evs = append(evs, provider.DoneEvent(provider.Done{
		Message: provider.NewAssistantMessage(full),
		Usage:   &provider.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}))
	return evs
}

type testEnv struct {
	server *Server
	store  session.Store
	gw     *scriptedGateway
	hooks  webhook.Store
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	gw := &scriptedGateway{}
	store := inmemory.New()
	reg := tool.NewRegistry()
	svc := conversation.New(conversation.Config{DefaultModel: "gpt-4o"}, gw, store, reg, nil)

	hooks := webhook.NewMemoryStore()
	srv := New(cfg, svc,
		WithWebhooks(hooks, webhook.NewDispatcher(hooks)))
	return &testEnv{server: srv, store: store, gw: gw, hooks: hooks}
}

func postChat(t *testing.T, h http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestChatSingleTurn(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.gw.scripts = [][]provider.Event{replyWith("He", "llo")}

	rec := postChat(t, env.server.Handler(), `{"session_id":"s1","message":"Hi"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, "Hello", resp.Response)
	assert.Equal(t, "gpt-4o", resp.Model)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
	assert.Greater(t, resp.Usage.EstimatedCost, 0.0)

	sess, err := env.store.Load(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, provider.RoleUser, sess.Messages[0].Role)
	assert.Equal(t, provider.RoleAssistant, sess.Messages[1].Role)
	assert.GreaterOrEqual(t, sess.UpdatedAt, sess.CreatedAt)
}

func TestChatValidation(t *testing.T) {
	env := newTestEnv(t, Config{})
	h := env.server.Handler()

	cases := []string{
		`{"session_id":"","message":"hi"}`,
		`{"session_id":"` + strings.Repeat("x", 129) + `","message":"hi"}`,
		`{"session_id":"s1","message":""}`,
		`{"session_id":"s1","message":"` + strings.Repeat("a", maxMessageLen+1) + `"}`,
		`not json`,
	}
	for _, body := range cases {
		rec := postChat(t, h, body, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var er errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &er))
		assert.Equal(t, "validation_error", er.Error)
		assert.NotEmpty(t, er.Timestamp)
	}
}

func TestChatAuth(t *testing.T) {
	env := newTestEnv(t, Config{APIKeys: []string{"k1"}})
	env.gw.scripts = [][]provider.Event{replyWith("ok")}
	h := env.server.Handler()

	rec := postChat(t, h, `{"session_id":"s1","message":"hi"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postChat(t, h, `{"session_id":"s1","message":"hi"}`, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postChat(t, h, `{"session_id":"s1","message":"hi"}`, map[string]string{"X-API-Key": "k1"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChatRateLimit(t *testing.T) {
	env := newTestEnv(t, Config{RateLimit: 1, RateBurst: 1})
	env.gw.scripts = [][]provider.Event{replyWith("ok")}
	h := env.server.Handler()

	rec := postChat(t, h, `{"session_id":"s1","message":"hi"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postChat(t, h, `{"session_id":"s1","message":"hi"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestChatCircuitOpen(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.gw.err = provider.ErrCircuitOpen

	rec := postChat(t, env.server.Handler(), `{"session_id":"s1","message":"hi"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var er errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &er))
	assert.Equal(t, "circuit_open", er.Error)

	// Nothing persisted for the failed turn.
	sess, _ := env.store.Load(context.Background(), "s1")
	assert.Nil(t, sess)
}

func TestChatCorrelationEcho(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.gw.scripts = [][]provider.Event{replyWith("ok")}

	rec := postChat(t, env.server.Handler(), `{"session_id":"s1","message":"hi"}`,
		map[string]string{"X-Correlation-ID": "req-aabbccddeeff"})
	assert.Equal(t, "req-aabbccddeeff", rec.Header().Get("X-Correlation-ID"))

	rec = postChat(t, env.server.Handler(), `{"session_id":"s1","message":"hi"}`, nil)
	assert.True(t, strings.HasPrefix(rec.Header().Get("X-Correlation-ID"), "req-"))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "memory", resp.RedisMode)
}

func TestConcurrentSameSessionSerialized(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.gw.scripts = [][]provider.Event{replyWith("one"), replyWith("two")}
	h := env.server.Handler()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		postChat(t, h, `{"session_id":"shared","message":"first"}`, nil)
	}()
	go func() {
		defer wg.Done()
		postChat(t, h, `{"session_id":"shared","message":"second"}`, nil)
	}()
	wg.Wait()

	sess, err := env.store.Load(context.Background(), "shared")
	require.NoError(t, err)
	require.NotNil(t, sess)
	// Two complete turns, never interleaved: user/assistant pairs.
	require.Len(t, sess.Messages, 4)
	assert.Equal(t, provider.RoleUser, sess.Messages[0].Role)
	assert.Equal(t, provider.RoleAssistant, sess.Messages[1].Role)
	assert.Equal(t, provider.RoleUser, sess.Messages[2].Role)
	assert.Equal(t, provider.RoleAssistant, sess.Messages[3].Role)
}
