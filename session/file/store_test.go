//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/consoul/provider"
	"trpc.group/trpc-go/consoul/session"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := New(t.TempDir(), opts...)
	require.NoError(t, err)
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := session.New("s1")
	sess.Messages = append(sess.Messages, provider.NewAssistantMessage("hi"))
	require.NoError(t, s.Save(ctx, "s1", sess))

	got, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "s1", got.ID)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, provider.RoleAssistant, got.Messages[0].Role)
}

func TestHostileSessionIDsStayInsideDirectory(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "sessions"))
	require.NoError(t, err)
	ctx := context.Background()

	hostile := []string{
		"../../etc/passwd",
		"..\\..\\windows",
		"a/b/c",
		"...",
		"https://example.com/x?y=1",
	}
	for _, sid := range hostile {
		require.NoError(t, s.Save(ctx, sid, session.New(sid)))
		got, err := s.Load(ctx, sid)
		require.NoError(t, err)
		require.NotNil(t, got, "round trip for %q", sid)
		assert.Equal(t, sid, got.ID)
	}

	// Everything must live inside the store directory.
	outside, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, outside, 1)
	assert.Equal(t, "sessions", outside[0].Name())
}

func TestDistinctIDsNeverCollide(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Both IDs would historically sanitize to the same filename.
	require.NoError(t, s.Save(ctx, "a/b", session.New("a/b")))
	require.NoError(t, s.Save(ctx, "a_b", session.New("a_b")))

	g1, err := s.Load(ctx, "a/b")
	require.NoError(t, err)
	g2, err := s.Load(ctx, "a_b")
	require.NoError(t, err)
	assert.Equal(t, "a/b", g1.ID)
	assert.Equal(t, "a_b", g2.ID)
}

func TestLoadMissingReturnsNilNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Load(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTTLExpiryFromMtime(t *testing.T) {
	now := time.Now()
	s := newTestStore(t, WithTTL(time.Hour), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "s1", session.New("s1")))

	now = now.Add(2 * time.Hour)
	got, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// The expired file is gone.
	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDeleteIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "s1", session.New("s1")))
	require.NoError(t, s.Delete(ctx, "s1"))
	require.NoError(t, s.Delete(ctx, "s1"))
}

func TestListOrderingAndForeignFilesIgnored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "t:old", session.New("t:old")))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Save(ctx, "t:new", session.New("t:new")))

	// A stray file that is not valid base64 must be skipped, not fail List.
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "not base64!.json"), []byte("{}"), 0o600))

	ids, err := s.List(ctx, "t", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"t:new", "t:old"}, ids)

	ids, err = s.List(ctx, "t", 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"t:old"}, ids)

	ids, err = s.List(ctx, "t", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
