//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

// Package breaker implements a per-provider circuit breaker.
package breaker

import (
	"errors"
	"sync"
	"time"

	"trpc.group/trpc-go/consoul/log"
)

// ErrCircuitOpen is returned by Allow while the circuit rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State of the circuit.
type State int

// Circuit states. The numeric values are exported on the state gauge.
const (
	Closed State = iota
	Open
	HalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Metrics receives breaker state transitions. The zero-value nop is used
// when nothing is wired.
type Metrics interface {
	SetBreakerState(provider string, state int)
	IncBreakerTrips(provider string)
	IncBreakerRejections(provider string)
}

type nopMetrics struct{}

func (nopMetrics) SetBreakerState(string, int) {}
func (nopMetrics) IncBreakerTrips(string)      {}
func (nopMetrics) IncBreakerRejections(string) {}

// Config tunes one breaker.
type Config struct {
	// FailureThreshold is the consecutive-failure count that trips the circuit.
	FailureThreshold int
	// CoolDown is how long the circuit stays open before admitting a probe.
	CoolDown time.Duration
}

// DefaultConfig matches the documented defaults: trip after 5 consecutive
// failures, cool down for 30 seconds.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, CoolDown: 30 * time.Second}
}

// Breaker guards one upstream provider. Closed counts consecutive failures;
// at the threshold it opens and rejects every call for the cool-down, then
// admits exactly one probe. The probe's outcome decides between closing and
// re-opening with a fresh cool-down.
type Breaker struct {
	name    string
	cfg     Config
	metrics Metrics
	now     func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithMetrics wires state transitions to a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(b *Breaker) {
		if m != nil {
			b.metrics = m
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New builds a breaker for the named provider.
func New(name string, cfg Config, opts ...Option) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = DefaultConfig().CoolDown
	}
	b := &Breaker{
		name:    name,
		cfg:     cfg,
		metrics: nopMetrics{},
		now:     time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	b.metrics.SetBreakerState(name, int(Closed))
	return b
}

// Allow reports whether a call may proceed. It returns ErrCircuitOpen while
// the circuit rejects, and transitions open→half-open when the cool-down
// has elapsed, admitting a single probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.CoolDown {
			b.metrics.IncBreakerRejections(b.name)
			return ErrCircuitOpen
		}
		b.setState(HalfOpen)
		b.probing = true
		log.Infof("breaker %s: cool-down elapsed, admitting probe", b.name)
		return nil
	case HalfOpen:
		if b.probing {
			b.metrics.IncBreakerRejections(b.name)
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// RecordSuccess clears the failure count; a half-open probe success closes
// the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == HalfOpen {
		b.probing = false
		b.setState(Closed)
		log.Infof("breaker %s: probe succeeded, circuit closed", b.name)
	}
}

// RecordFailure counts one failure; at the threshold the circuit trips.
// A half-open probe failure re-opens with a fresh cool-down.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.probing = false
		b.trip()
		log.Warnf("breaker %s: probe failed, circuit re-opened", b.name)
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			n := b.failures
			b.trip()
			log.Warnf("breaker %s: %d consecutive failures, circuit opened", b.name, n)
		}
	}
}

// ReleaseProbe reports that an admitted probe ended without an outcome,
// e.g. the caller canceled mid-stream. The slot cannot be handed to
// another call, so the circuit re-opens with a fresh cool-down. A no-op
// unless a probe is in flight.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen && b.probing {
		b.probing = false
		b.trip()
		log.Warnf("breaker %s: probe abandoned, circuit re-opened", b.name)
	}
}

// trip moves to Open with a fresh cool-down window. Caller holds b.mu.
func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.failures = 0
	b.setState(Open)
	b.metrics.IncBreakerTrips(b.name)
}

// setState updates the state and gauge. Caller holds b.mu.
func (b *Breaker) setState(s State) {
	b.state = s
	b.metrics.SetBreakerState(b.name, int(s))
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
