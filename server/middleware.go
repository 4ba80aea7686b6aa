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
	"crypto/subtle"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"trpc.group/trpc-go/consoul/internal/correlation"
	"trpc.group/trpc-go/consoul/log"
)

// correlationMiddleware ensures every request context carries an ID,
// preserving one supplied by the client, and echoes it on the response.
func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get(correlation.Header); id != "" {
			ctx = correlation.NewContext(ctx, id)
		}
		ctx, id := correlation.EnsureContext(ctx)
		w.Header().Set(correlation.Header, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authMiddleware rejects requests without a matching API key. With no
// keys configured the endpoint is open.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(apiKeyFrom(r)) {
			s.metrics.IncError(r.URL.Path, "auth")
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// apiKeyFrom reads the key from the header, falling back to the query
// parameter used by websocket clients.
func apiKeyFrom(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	return r.URL.Query().Get("api_key")
}

// authorized compares the presented key against the configured set.
func (s *Server) authorized(key string) bool {
	if len(s.cfg.APIKeys) == 0 {
		return true
	}
	for _, k := range s.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

// endpointLimiters holds one token bucket per endpoint.
type endpointLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newEndpointLimiters(perSecond float64, burst int) *endpointLimiters {
	if burst <= 0 {
		burst = 1
	}
	return &endpointLimiters{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

// allow reports whether one more request on endpoint fits the budget.
func (e *endpointLimiters) allow(endpoint string) bool {
	if e.limit <= 0 {
		return true
	}
	e.mu.Lock()
	l, ok := e.limiters[endpoint]
	if !ok {
		l = rate.NewLimiter(e.limit, e.burst)
		e.limiters[endpoint] = l
	}
	e.mu.Unlock()
	return l.Allow()
}

// rateLimitMiddleware returns 429 with Retry-After when the endpoint
// budget is exhausted.
func (s *Server) rateLimitMiddleware(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiters.allow(endpoint) {
			s.metrics.IncError(endpoint, "rate_limit")
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "request rate exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoverMiddleware converts panics into 500s with the correlation ID in
// the payload for triage.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				cid := correlation.FromContext(r.Context())
				log.Errorf("panic serving %s %s (correlation %s): %v", r.Method, r.URL.Path, cid, rec)
				s.metrics.IncError(r.URL.Path, "panic")
				writeError(w, http.StatusInternalServerError, "internal_error",
					"internal server error", map[string]any{"correlation_id": cid})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
