//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

package resilient

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/consoul/session"
	"trpc.group/trpc-go/consoul/session/inmemory"
)

// flakyStore fails every operation while down.
type flakyStore struct {
	inner   session.Store
	down    bool
	pingErr error
}

var errBackend = errors.New("connection refused")

func (f *flakyStore) Save(ctx context.Context, sid string, s *session.Session) error {
	if f.down {
		return errBackend
	}
	return f.inner.Save(ctx, sid, s)
}

func (f *flakyStore) Load(ctx context.Context, sid string) (*session.Session, error) {
	if f.down {
		return nil, errBackend
	}
	return f.inner.Load(ctx, sid)
}

func (f *flakyStore) Delete(ctx context.Context, sid string) error {
	if f.down {
		return errBackend
	}
	return f.inner.Delete(ctx, sid)
}

func (f *flakyStore) List(ctx context.Context, ns string, limit, offset int) ([]string, error) {
	if f.down {
		return nil, errBackend
	}
	return f.inner.List(ctx, ns, limit, offset)
}

func (f *flakyStore) Close() error { return f.inner.Close() }

func (f *flakyStore) Ping(ctx context.Context) error {
	if f.down {
		return errBackend
	}
	return f.pingErr
}

type fakeMetrics struct {
	degraded  []bool
	recovered int
}

func (m *fakeMetrics) SetRedisDegraded(d bool) { m.degraded = append(m.degraded, d) }
func (m *fakeMetrics) IncRedisRecovered()      { m.recovered++ }

func TestPrimaryServesWhileHealthy(t *testing.T) {
	primary := &flakyStore{inner: inmemory.New()}
	s := New(primary, WithFallback(inmemory.New()))
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "s1", session.New("s1")))
	got, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ModePrimary, s.Mode())
}

func TestDegradesAndRetriesOnFallback(t *testing.T) {
	primary := &flakyStore{inner: inmemory.New(), down: true}
	m := &fakeMetrics{}
	s := New(primary, WithFallback(inmemory.New()), WithMetrics(m))
	ctx := context.Background()

	// The failing Save still succeeds via the fallback.
	require.NoError(t, s.Save(ctx, "s1", session.New("s1")))
	assert.Equal(t, ModeDegraded, s.Mode())
	require.Equal(t, []bool{true}, m.degraded)

	// Subsequent reads are served by the fallback.
	got, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestNoFallbackReturnsStorageUnavailable(t *testing.T) {
	primary := &flakyStore{inner: inmemory.New(), down: true}
	s := New(primary)

	err := s.Save(context.Background(), "s1", session.New("s1"))
	assert.ErrorIs(t, err, session.ErrStorageUnavailable)

	_, err = s.Load(context.Background(), "s1")
	assert.ErrorIs(t, err, session.ErrStorageUnavailable)
}

func TestProbeRestoresPrimary(t *testing.T) {
	primary := &flakyStore{inner: inmemory.New(), down: true}
	m := &fakeMetrics{}
	s := New(primary, WithFallback(inmemory.New()), WithMetrics(m))
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "s1", session.New("s1")))
	require.Equal(t, ModeDegraded, s.Mode())

	primary.down = false
	s.probe()

	assert.Equal(t, ModePrimary, s.Mode())
	assert.Equal(t, 1, m.recovered)
	assert.Equal(t, []bool{true, false}, m.degraded)

	// Traffic flows to the primary again.
	require.NoError(t, s.Save(ctx, "s2", session.New("s2")))
	got, err := primary.inner.Load(ctx, "s2")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestFailedProbeStaysDegraded(t *testing.T) {
	primary := &flakyStore{inner: inmemory.New(), down: true}
	s := New(primary, WithFallback(inmemory.New()))
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "s1", session.New("s1")))
	s.probe()
	assert.Equal(t, ModeDegraded, s.Mode())
	_, err := s.Load(ctx, "s1")
	require.NoError(t, err)
}

func TestInvalidIDPassesThroughWithoutDegrading(t *testing.T) {
	primary := &flakyStore{inner: inmemory.New()}
	s := New(primary, WithFallback(inmemory.New()))

	err := s.Save(context.Background(), "", session.New(""))
	assert.ErrorIs(t, err, session.ErrInvalidSessionID)
	assert.Equal(t, ModePrimary, s.Mode())
}

func TestModeUnavailableWithoutFallback(t *testing.T) {
	primary := &flakyStore{inner: inmemory.New(), down: true}
	s := New(primary)
	assert.Equal(t, ModePrimary, s.Mode())

	err := s.Save(context.Background(), "s1", session.New("s1"))
	require.ErrorIs(t, err, session.ErrStorageUnavailable)
	// No fallback serves traffic, so the store is unavailable rather
	// than degraded.
	assert.Equal(t, ModeUnavailable, s.Mode())

	withFallback := New(&flakyStore{inner: inmemory.New(), down: true},
		WithFallback(inmemory.New()))
	require.NoError(t, withFallback.Save(context.Background(), "s1", session.New("s1")))
	assert.Equal(t, ModeDegraded, withFallback.Mode())
}
