//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	body := []byte(`{"type":"chat.completed"}`)
	sig := Sign("s3cret", body)
	assert.True(t, len(sig) > len("sha256="))
	assert.True(t, Verify("s3cret", body, sig))
	assert.False(t, Verify("other", body, sig))
	assert.False(t, Verify("s3cret", []byte("tampered"), sig))
}

func TestMemoryStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	w := New("https://example.com/hook", []string{EventChatCompleted}, "s")
	require.NoError(t, s.Create(ctx, w))

	got, err := s.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.URL, got.URL)

	got.Enabled = false
	require.NoError(t, s.Update(ctx, got))
	got2, err := s.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.False(t, got2.Enabled)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.Delete(ctx, w.ID))
	_, err = s.Get(ctx, w.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDispatcherDeliversSigned(t *testing.T) {
	var gotSig atomic.Value
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(body)
		gotSig.Store(r.Header.Get(SignatureHeader))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	store := NewMemoryStore()
	w := New(srv.URL, []string{EventChatCompleted}, "s3cret")
	require.NoError(t, store.Create(ctx, w))

	d := NewDispatcher(store, WithInitialBackoff(time.Millisecond))
	d.Dispatch(ctx, Event{Type: EventChatCompleted, Data: map[string]any{"session_id": "s1"}})
	d.Wait()

	body, _ := gotBody.Load().([]byte)
	sig, _ := gotSig.Load().(string)
	require.NotEmpty(t, body)
	assert.True(t, Verify("s3cret", body, sig))

	recs, err := store.Deliveries(ctx, w.ID, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "delivered", recs[0].Status)
	assert.Equal(t, http.StatusOK, recs[0].StatusCode)
}

func TestDispatcherSkipsUnsubscribed(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, New(srv.URL, []string{EventToolExecuted}, "")))

	d := NewDispatcher(store, WithInitialBackoff(time.Millisecond))
	d.Dispatch(ctx, Event{Type: EventChatCompleted})
	d.Wait()

	assert.Equal(t, int32(0), hits.Load())
}

func TestDispatcherRetriesThenDisables(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx := context.Background()
	store := NewMemoryStore()
	w := New(srv.URL, []string{EventChatCompleted}, "")
	require.NoError(t, store.Create(ctx, w))

	d := NewDispatcher(store,
		WithInitialBackoff(time.Millisecond),
		WithMaxRetries(1),
		WithMaxFailures(2))

	// Each dispatch makes 2 attempts (initial + 1 retry) and counts one
	// consecutive failure; the second failed dispatch disables the hook.
	d.Dispatch(ctx, Event{Type: EventChatCompleted})
	d.Wait()
	got, err := store.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ConsecutiveFailures)
	assert.True(t, got.Enabled)

	d.Dispatch(ctx, Event{Type: EventChatCompleted})
	d.Wait()
	got, err = store.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ConsecutiveFailures)
	assert.False(t, got.Enabled)

	before := hits.Load()
	d.Dispatch(ctx, Event{Type: EventChatCompleted})
	d.Wait()
	assert.Equal(t, before, hits.Load(), "disabled webhook must not be called")
}

func TestDispatcherClientErrorIsPermanent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	ctx := context.Background()
	store := NewMemoryStore()
	w := New(srv.URL, []string{EventChatCompleted}, "")
	require.NoError(t, store.Create(ctx, w))

	d := NewDispatcher(store, WithInitialBackoff(time.Millisecond), WithMaxRetries(5))
	d.Dispatch(ctx, Event{Type: EventChatCompleted})
	d.Wait()

	assert.Equal(t, int32(1), hits.Load(), "4xx must not be retried")
	recs, _ := store.Deliveries(ctx, w.ID, 10)
	require.Len(t, recs, 1)
	assert.Equal(t, "failed", recs[0].Status)
	assert.Equal(t, http.StatusBadRequest, recs[0].StatusCode)
}

func TestKnownEvent(t *testing.T) {
	assert.True(t, KnownEvent(EventChatCompleted))
	assert.False(t, KnownEvent("bogus.event"))
}
