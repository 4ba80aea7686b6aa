//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

// Command consoul runs the conversation server.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/consoul/audit"
	"trpc.group/trpc-go/consoul/config"
	"trpc.group/trpc-go/consoul/conversation"
	"trpc.group/trpc-go/consoul/log"
	"trpc.group/trpc-go/consoul/metrics"
	"trpc.group/trpc-go/consoul/provider"
	"trpc.group/trpc-go/consoul/provider/anthropic"
	"trpc.group/trpc-go/consoul/provider/breaker"
	"trpc.group/trpc-go/consoul/provider/gemini"
	"trpc.group/trpc-go/consoul/provider/ollama"
	"trpc.group/trpc-go/consoul/provider/openai"
	"trpc.group/trpc-go/consoul/server"
	"trpc.group/trpc-go/consoul/session"
	sessionfile "trpc.group/trpc-go/consoul/session/file"
	"trpc.group/trpc-go/consoul/session/inmemory"
	sessionredis "trpc.group/trpc-go/consoul/session/redis"
	"trpc.group/trpc-go/consoul/session/resilient"
	"trpc.group/trpc-go/consoul/shellrisk"
	"trpc.group/trpc-go/consoul/tool"
	toolfile "trpc.group/trpc-go/consoul/tool/file"
	"trpc.group/trpc-go/consoul/tool/shell"
	"trpc.group/trpc-go/consoul/tool/webfetch"
	"trpc.group/trpc-go/consoul/tool/websearch"
	"trpc.group/trpc-go/consoul/webhook"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	log.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var collector metrics.Collector = metrics.Noop{}
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		collector = prom
	}

	auditor, err := audit.NewLogger(audit.Output(cfg.Audit.Output), cfg.Audit.FilePath,
		audit.WithRedactor(audit.NewRedactor(audit.WithMaxLength(cfg.Audit.MaxLength))))
	if err != nil {
		log.Fatalf("open audit logger: %v", err)
	}
	defer auditor.Close()

	store, storeMode, redisClient, err := buildStore(ctx, cfg, collector)
	if err != nil {
		log.Fatalf("open session store: %v", err)
	}
	defer store.Close()

	registry, executor, err := buildTools(cfg)
	if err != nil {
		log.Fatalf("build tool registry: %v", err)
	}
	defer executor.Release()

	gateway := provider.NewGateway(
		provider.WithBreakerConfig(breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			CoolDown:         cfg.Breaker.CoolDown,
		}),
		provider.WithGatewayMetrics(collector),
	)
	gateway.Register(openai.New())
	gateway.Register(anthropic.New())
	gateway.Register(gemini.New())
	gateway.Register(ollama.New())

	var whStore webhook.Store
	var dispatcher *webhook.Dispatcher
	if cfg.Webhooks.Enabled {
		whStore = webhook.NewMemoryStore()
		if redisClient != nil {
			whStore = webhook.NewRedisStore(redisClient, cfg.Storage.RedisPrefix)
		}
		dispatcher = webhook.NewDispatcher(whStore,
			webhook.WithHTTPClient(&http.Client{Timeout: cfg.Webhooks.Timeout}),
			webhook.WithMaxRetries(cfg.Webhooks.MaxRetries),
			webhook.WithMaxFailures(cfg.Webhooks.MaxFailures))
	}

	svcOpts := []conversation.Option{
		conversation.WithAudit(auditor),
		conversation.WithMetrics(collector),
		conversation.WithContextWindows(provider.NewCatalog()),
	}
	if dispatcher != nil {
		svcOpts = append(svcOpts, conversation.WithEventSink(
			func(ctx context.Context, eventType string, data map[string]any) {
				dispatcher.Dispatch(context.WithoutCancel(ctx), webhook.Event{Type: eventType, Data: data})
			}))
	}

	svc := conversation.New(conversation.Config{
		DefaultModel:       cfg.Conversation.DefaultModel,
		SystemPrompt:       cfg.Conversation.SystemPrompt,
		Temperature:        cfg.Conversation.Temperature,
		MaxMessages:        cfg.Conversation.MaxMessages,
		ReserveTokens:      cfg.Conversation.ReserveTokens,
		Summarize:          cfg.Conversation.Summarize,
		SummarizeThreshold: cfg.Conversation.SummarizeThreshold,
		KeepRecent:         cfg.Conversation.KeepRecent,
		SummaryModel:       cfg.Conversation.SummaryModel,
	}, gateway, store, registry, executor, svcOpts...)

	opts := []server.Option{
		server.WithMetrics(collector),
		server.WithBreakers(gateway),
	}
	if storeMode != nil {
		opts = append(opts, server.WithStoreMode(storeMode))
	}
	if dispatcher != nil {
		opts = append(opts, server.WithWebhooks(whStore, dispatcher))
	}

	srv := server.New(server.Config{
		Addr:            cfg.Server.Addr,
		APIKeys:         cfg.Security.APIKeys,
		RateLimit:       cfg.Server.RateLimit,
		RateBurst:       cfg.Server.RateBurst,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		RequestTimeout:  cfg.Server.RequestTimeout,
		ApprovalTimeout: cfg.Tools.ApprovalTimeout,
	}, svc, opts...)

	errCh := make(chan error, 2)
	go func() { errCh <- srv.Start() }()

	var metricsSrv *http.Server
	if prom != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			log.Infof("metrics: listening on %s", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Infof("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Errorf("server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("shutdown: %v", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if dispatcher != nil {
		dispatcher.Wait()
	}
}

// buildStore assembles the configured backend. Redis gets the in-memory
// fallback wrapper; its mode feeds /health. The returned client is shared
// with the webhook store when present.
func buildStore(ctx context.Context, cfg *config.Config, collector metrics.Collector) (
	session.Store, func() string, goredis.UniversalClient, error) {
	switch cfg.Storage.Backend {
	case "file":
		st, err := sessionfile.New(cfg.Storage.FileDir, sessionfile.WithTTL(cfg.Storage.SessionTTL))
		return st, nil, nil, err
	case "redis":
		parsed, err := goredis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			return nil, nil, nil, err
		}
		client := goredis.NewClient(parsed)
		redisOpts := []sessionredis.Option{
			sessionredis.WithClient(client),
			sessionredis.WithPrefix(cfg.Storage.RedisPrefix),
			sessionredis.WithTTL(cfg.Storage.SessionTTL),
		}
		if cfg.Storage.FallbackToMemory {
			// The resilient wrapper absorbs a redis outage, so a dead
			// redis at startup must not stop the server.
			redisOpts = append(redisOpts, sessionredis.WithLazyConnect())
		}
		primary, err := sessionredis.New(ctx, redisOpts...)
		if err != nil {
			return nil, nil, nil, err
		}
		var opts []resilient.Option
		if cfg.Storage.FallbackToMemory {
			opts = append(opts, resilient.WithFallback(inmemory.New(inmemory.WithTTL(cfg.Storage.SessionTTL))))
		}
		opts = append(opts,
			resilient.WithReconnectInterval(cfg.Storage.ReconnectInterval),
			resilient.WithMetrics(collector))
		st := resilient.New(primary, opts...)
		return st, func() string { return string(st.Mode()) }, client, nil
	default:
		return inmemory.New(inmemory.WithTTL(cfg.Storage.SessionTTL)), nil, nil, nil
	}
}

// buildTools registers the built-in tool catalog behind the configured
// policy, analyzer and whitelist.
func buildTools(cfg *config.Config) (*tool.Registry, *tool.Executor, error) {
	registry := tool.NewRegistry(
		tool.WithPolicy(tool.ParsePolicy(cfg.Tools.Policy)),
		tool.WithAnalyzer(func(command string) tool.RiskLevel {
			return shellrisk.Analyze(command).Level
		}),
		tool.WithWhitelist(shellrisk.NewWhitelist(cfg.Tools.Whitelist)),
	)

	workDir := cfg.Tools.WorkDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}

	registry.Register(shell.NewTool(shell.WithWorkDir(workDir), shell.WithTimeout(cfg.Tools.ExecTimeout)),
		tool.RiskCaution, []tool.Category{tool.CategoryShell}, "builtin")

	readTool, writeTool, err := toolfile.NewToolSet(toolfile.WithBaseDir(workDir))
	if err != nil {
		return nil, nil, err
	}
	registry.Register(readTool, tool.RiskSafe, []tool.Category{tool.CategoryFileEdit}, "builtin")
	registry.Register(writeTool, tool.RiskCaution, []tool.Category{tool.CategoryFileEdit}, "builtin")

	registry.Register(webfetch.NewTool(), tool.RiskSafe,
		[]tool.Category{tool.CategoryWeb, tool.CategoryNetwork}, "builtin")
	if cfg.Tools.SearchEndpoint != "" {
		registry.Register(websearch.NewTool(websearch.WithEndpoint(cfg.Tools.SearchEndpoint)),
			tool.RiskSafe, []tool.Category{tool.CategorySearch, tool.CategoryNetwork}, "builtin")
	}

	executor, err := tool.NewExecutor(cfg.Tools.ExecPoolSize,
		tool.WithExecTimeout(cfg.Tools.ExecTimeout))
	if err != nil {
		return nil, nil, err
	}
	return registry, executor, nil
}
