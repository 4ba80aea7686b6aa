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
	"fmt"

	"trpc.group/trpc-go/consoul/log"
	"trpc.group/trpc-go/consoul/provider/breaker"
)

// ErrCircuitOpen is returned when the target provider's circuit rejects
// the call. Callers map it to a fast 503 without touching the upstream.
var ErrCircuitOpen = breaker.ErrCircuitOpen

// Gateway fronts the configured providers with one circuit breaker each
// and routes requests by model name.
type Gateway struct {
	providers  map[string]Provider
	breakers   map[string]*breaker.Breaker
	breakerCfg breaker.Config
	metrics    breaker.Metrics
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithBreakerConfig overrides the breaker tuning applied to every provider.
func WithBreakerConfig(cfg breaker.Config) GatewayOption {
	return func(g *Gateway) { g.breakerCfg = cfg }
}

// WithGatewayMetrics wires breaker transitions to a metrics sink.
func WithGatewayMetrics(m breaker.Metrics) GatewayOption {
	return func(g *Gateway) { g.metrics = m }
}

// NewGateway builds an empty gateway; register providers afterwards.
func NewGateway(opts ...GatewayOption) *Gateway {
	g := &Gateway{
		providers:  make(map[string]Provider),
		breakers:   make(map[string]*breaker.Breaker),
		breakerCfg: breaker.DefaultConfig(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Register adds a provider under its own name, creating its breaker.
// Registering the same name twice replaces the provider but keeps the
// breaker and its accumulated state.
func (g *Gateway) Register(p Provider) {
	name := p.Name()
	if _, ok := g.providers[name]; ok {
		log.Warnf("gateway: replacing provider %s", name)
	} else {
		var opts []breaker.Option
		if g.metrics != nil {
			opts = append(opts, breaker.WithMetrics(g.metrics))
		}
		g.breakers[name] = breaker.New(name, g.breakerCfg, opts...)
	}
	g.providers[name] = p
}

// Provider returns the registered provider by name.
func (g *Gateway) Provider(name string) (Provider, bool) {
	p, ok := g.providers[name]
	return p, ok
}

// BreakerStates reports each provider's circuit state, for health checks.
func (g *Gateway) BreakerStates() map[string]string {
	states := make(map[string]string, len(g.breakers))
	for name, br := range g.breakers {
		states[name] = br.State().String()
	}
	return states
}

// Names returns the registered provider names.
func (g *Gateway) Names() []string {
	names := make([]string, 0, len(g.providers))
	for n := range g.providers {
		names = append(names, n)
	}
	return names
}

// StreamEvents routes req to the provider serving req.Model, guarded by that
// provider's breaker. Terminal stream events feed the breaker: done records
// a success, error events record a failure unless the kind is user-caused.
func (g *Gateway) StreamEvents(ctx context.Context, req *Request) (<-chan Event, error) {
	name := ResolveProviderName(req.Model)
	p, ok := g.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: no provider registered for model %s (wanted %s)",
			ErrUnknownProvider, req.Model, name)
	}
	br := g.breakers[name]
	if err := br.Allow(); err != nil {
		return nil, err
	}

	upstream, err := p.StreamEvents(ctx, req)
	if err != nil {
		if classifyErr(err).CountsAsFailure() {
			br.RecordFailure()
		} else {
			// A user-caused failure decides nothing; a half-open probe
			// slot must not stay reserved for it.
			br.ReleaseProbe()
		}
		return nil, err
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		recorded := false
		record := func(ev Event) {
			switch ev.Type {
			case EventDone:
				br.RecordSuccess()
				recorded = true
			case EventError:
				if ev.Err.Kind.CountsAsFailure() {
					br.RecordFailure()
					recorded = true
				}
			}
		}
		// A stream that ends without a counted outcome (canceled, or the
		// upstream closed early) must still give the probe slot back.
		defer func() {
			if !recorded {
				br.ReleaseProbe()
			}
		}()
		for ev := range upstream {
			record(ev)
			select {
			case out <- ev:
			case <-ctx.Done():
				// Drain upstream so the adapter goroutine can exit; the
				// terminal event still feeds the breaker.
				for ev := range upstream {
					record(ev)
				}
				return
			}
		}
	}()
	return out, nil
}

// classifyErr maps a synchronous call error onto the event error taxonomy.
func classifyErr(err error) ErrorKind {
	var missing *MissingAPIKeyError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.As(err, &missing):
		return KindAuth
	default:
		return KindProviderError
	}
}
