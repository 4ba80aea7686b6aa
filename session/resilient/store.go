//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

// Package resilient layers a fallback store under a primary one, degrading
// on primary failure and probing for recovery.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trpc.group/trpc-go/consoul/log"
	"trpc.group/trpc-go/consoul/session"
)

// Mode names the store currently serving traffic.
type Mode string

// Modes reported by Mode(). Degraded means the fallback serves traffic;
// unavailable means the primary is down and there is nothing to fall
// back to, so operations fail.
const (
	ModePrimary     Mode = "redis"
	ModeDegraded    Mode = "degraded"
	ModeUnavailable Mode = "unavailable"
)

// Pinger is implemented by primaries that support a cheap liveness check.
// Without it, recovery probes retry the failing operation path instead.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Metrics receives degradation transitions.
type Metrics interface {
	SetRedisDegraded(degraded bool)
	IncRedisRecovered()
}

type nopMetrics struct{}

func (nopMetrics) SetRedisDegraded(bool) {}
func (nopMetrics) IncRedisRecovered()    {}

// Store wraps a primary session store with an optional fallback. Any
// primary error flips to degraded mode: the operation is retried on the
// fallback and subsequent traffic stays there until a recovery probe
// succeeds. Probes run at most once per reconnect interval. Sessions
// written to the fallback while degraded are not synced back; the primary
// simply resumes serving once healthy.
type Store struct {
	primary   session.Store
	fallback  session.Store
	metrics   Metrics
	interval  time.Duration
	now       func() time.Time

	mu        sync.Mutex
	degraded  bool
	lastProbe time.Time
	probing   bool
}

// Option configures a Store.
type Option func(*Store)

// WithFallback sets the store serving traffic while the primary is down.
// Without one, primary failures surface as ErrStorageUnavailable.
func WithFallback(fb session.Store) Option {
	return func(s *Store) { s.fallback = fb }
}

// WithReconnectInterval sets the minimum spacing between recovery probes
// (default 30s).
func WithReconnectInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithMetrics wires degradation transitions to a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Store) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New wraps primary.
func New(primary session.Store, opts ...Option) *Store {
	s := &Store{
		primary:  primary,
		metrics:  nopMetrics{},
		interval: 30 * time.Second,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ session.Store = (*Store)(nil)

// Mode reports which backend serves traffic.
func (s *Store) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded {
		if s.fallback == nil {
			return ModeUnavailable
		}
		return ModeDegraded
	}
	return ModePrimary
}

// active picks the store for the next operation, kicking off an async
// recovery probe when one is due.
func (s *Store) active() session.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.degraded {
		return s.primary
	}
	if !s.probing && s.now().Sub(s.lastProbe) >= s.interval {
		s.probing = true
		s.lastProbe = s.now()
		go s.probe()
	}
	if s.fallback == nil {
		// Nothing to fall back to; keep hitting the primary so callers see
		// ErrStorageUnavailable rather than a panic.
		return s.primary
	}
	return s.fallback
}

// probe checks primary health and restores it on success.
func (s *Store) probe() {
	defer func() {
		s.mu.Lock()
		s.probing = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if p, ok := s.primary.(Pinger); ok {
		err = p.Ping(ctx)
	} else {
		_, err = s.primary.Load(ctx, "consoul:health-probe")
	}
	if err != nil {
		log.Debugf("resilient store: recovery probe failed: %v", err)
		return
	}

	s.mu.Lock()
	wasDegraded := s.degraded
	s.degraded = false
	s.mu.Unlock()
	if wasDegraded {
		s.metrics.SetRedisDegraded(false)
		s.metrics.IncRedisRecovered()
		log.Infof("resilient store: primary recovered, leaving degraded mode")
	}
}

// degrade records a primary failure. Only the first transition logs and
// touches the gauge.
func (s *Store) degrade(err error) {
	s.mu.Lock()
	first := !s.degraded
	s.degraded = true
	s.lastProbe = s.now()
	s.mu.Unlock()
	if first {
		s.metrics.SetRedisDegraded(true)
		log.Errorf("resilient store: primary failed, entering degraded mode: %v", err)
	}
}

// passthrough reports errors that describe the request, not backend health.
func passthrough(err error) bool {
	return errors.Is(err, session.ErrInvalidSessionID)
}

// Save writes through the active store, falling back on primary failure.
func (s *Store) Save(ctx context.Context, sid string, sess *session.Session) error {
	st := s.active()
	err := st.Save(ctx, sid, sess)
	if err == nil || passthrough(err) || st != s.primary {
		return err
	}
	s.degrade(err)
	if s.fallback == nil {
		return fmt.Errorf("%w: %v", session.ErrStorageUnavailable, err)
	}
	return s.fallback.Save(ctx, sid, sess)
}

// Load reads through the active store, falling back on primary failure.
func (s *Store) Load(ctx context.Context, sid string) (*session.Session, error) {
	st := s.active()
	sess, err := st.Load(ctx, sid)
	if err == nil || passthrough(err) || st != s.primary {
		return sess, err
	}
	s.degrade(err)
	if s.fallback == nil {
		return nil, fmt.Errorf("%w: %v", session.ErrStorageUnavailable, err)
	}
	return s.fallback.Load(ctx, sid)
}

// Delete removes through the active store, falling back on primary failure.
func (s *Store) Delete(ctx context.Context, sid string) error {
	st := s.active()
	err := st.Delete(ctx, sid)
	if err == nil || passthrough(err) || st != s.primary {
		return err
	}
	s.degrade(err)
	if s.fallback == nil {
		return fmt.Errorf("%w: %v", session.ErrStorageUnavailable, err)
	}
	return s.fallback.Delete(ctx, sid)
}

// List pages through the active store, falling back on primary failure.
func (s *Store) List(ctx context.Context, namespace string, limit, offset int) ([]string, error) {
	st := s.active()
	ids, err := st.List(ctx, namespace, limit, offset)
	if err == nil || st != s.primary {
		return ids, err
	}
	s.degrade(err)
	if s.fallback == nil {
		return nil, fmt.Errorf("%w: %v", session.ErrStorageUnavailable, err)
	}
	return s.fallback.List(ctx, namespace, limit, offset)
}

// Close closes both backends, returning the first error.
func (s *Store) Close() error {
	err := s.primary.Close()
	if s.fallback != nil {
		if ferr := s.fallback.Close(); err == nil {
			err = ferr
		}
	}
	return err
}
