//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

// Package server exposes the conversation runtime over HTTP and WebSocket.
package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"trpc.group/trpc-go/consoul/conversation"
	"trpc.group/trpc-go/consoul/log"
	"trpc.group/trpc-go/consoul/metrics"
	"trpc.group/trpc-go/consoul/webhook"
)

// BreakerReporter reports circuit states per provider;
// *provider.Gateway satisfies it through BreakerStates.
type BreakerReporter interface {
	BreakerStates() map[string]string
}

// Config tunes the server.
type Config struct {
	// Addr is the listen address of the chat API.
	Addr string
	// APIKeys enables auth when non-empty.
	APIKeys []string
	// RateLimit is requests per second per endpoint; 0 disables limiting.
	RateLimit float64
	// RateBurst is the limiter burst size.
	RateBurst int
	// AllowedOrigins configures CORS.
	AllowedOrigins []string
	// RequestTimeout bounds one /chat request end to end.
	RequestTimeout time.Duration
	// ApprovalTimeout bounds a websocket tool-approval prompt.
	ApprovalTimeout time.Duration
}

// Server is the HTTP/WebSocket front of the conversation runtime.
type Server struct {
	cfg       Config
	svc       *conversation.Service
	metrics   metrics.Collector
	storeMode func() string
	breakers  BreakerReporter

	webhooks   webhook.Store
	dispatcher *webhook.Dispatcher

	router    *mux.Router
	http      *http.Server
	activeWS  atomic.Int64
	limiters  *endpointLimiters
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics wires the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithStoreMode wires the session store's operating mode into /health;
// pass a closure over resilient.Store.Mode for redis deployments.
func WithStoreMode(mode func() string) Option {
	return func(s *Server) { s.storeMode = mode }
}

// WithBreakers wires provider circuit states into /health.
func WithBreakers(r BreakerReporter) Option {
	return func(s *Server) { s.breakers = r }
}

// WithWebhooks enables the webhook CRUD endpoints and event delivery.
func WithWebhooks(store webhook.Store, d *webhook.Dispatcher) Option {
	return func(s *Server) {
		s.webhooks = store
		s.dispatcher = d
	}
}

// New builds the server and its routes.
func New(cfg Config, svc *conversation.Service, opts ...Option) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	s := &Server{
		cfg:     cfg,
		svc:     svc,
		metrics: metrics.Noop{},
	}
	for _, o := range opts {
		o(s)
	}
	s.limiters = newEndpointLimiters(cfg.RateLimit, cfg.RateBurst)
	s.router = s.routes()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "X-API-Key", "X-Correlation-ID"},
	})
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           c.Handler(s.router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// routes assembles the router with the middleware chain.
func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(s.correlationMiddleware)

	r.Handle("/health", http.HandlerFunc(s.handleHealth)).Methods(http.MethodGet)

	chat := http.Handler(http.HandlerFunc(s.handleChat))
	chat = s.rateLimitMiddleware("/chat", chat)
	chat = s.authMiddleware(chat)
	r.Handle("/chat", chat).Methods(http.MethodPost)

	// Auth for websockets happens inside the handler so a rejected
	// upgrade can close with 1008 instead of a plain 401.
	r.Handle("/ws/chat/{session_id}", http.HandlerFunc(s.handleWebSocket)).Methods(http.MethodGet)

	if s.webhooks != nil {
		wh := r.PathPrefix("/webhooks").Subrouter()
		wh.Use(func(next http.Handler) http.Handler { return s.authMiddleware(next) })
		wh.HandleFunc("", s.handleWebhookCreate).Methods(http.MethodPost)
		wh.HandleFunc("", s.handleWebhookList).Methods(http.MethodGet)
		wh.HandleFunc("/{id}", s.handleWebhookGet).Methods(http.MethodGet)
		wh.HandleFunc("/{id}", s.handleWebhookPatch).Methods(http.MethodPatch)
		wh.HandleFunc("/{id}", s.handleWebhookDelete).Methods(http.MethodDelete)
	}
	return r
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Infof("server: listening on %s", s.cfg.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains connections gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// dispatch sends a webhook event when delivery is enabled.
func (s *Server) dispatch(ctx context.Context, ev webhook.Event) {
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(context.WithoutCancel(ctx), ev)
	}
}
