//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

// Package config loads the server configuration: YAML file first, then a
// .env file, then process environment variables. Environment always wins.
// Provider API keys are never part of the file; they stay env-only.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"trpc.group/trpc-go/consoul/log"
)

// Config is the full server configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Security     SecurityConfig     `yaml:"security"`
	Conversation ConversationConfig `yaml:"conversation"`
	Tools        ToolsConfig        `yaml:"tools"`
	Breaker      BreakerConfig      `yaml:"circuit_breaker"`
	Audit        AuditConfig        `yaml:"audit"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Webhooks     WebhookConfig      `yaml:"webhooks"`
	LogLevel     string             `yaml:"log_level"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// StorageConfig selects and tunes the session store.
type StorageConfig struct {
	// Backend is one of memory, file, redis.
	Backend           string        `yaml:"backend"`
	FileDir           string        `yaml:"file_dir"`
	RedisURL          string        `yaml:"redis_url"`
	RedisPrefix       string        `yaml:"redis_prefix"`
	SessionTTL        time.Duration `yaml:"session_ttl"`
	FallbackToMemory  bool          `yaml:"fallback_to_memory"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// SecurityConfig holds transport auth. Empty APIKeys disables auth.
type SecurityConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// ConversationConfig tunes the conversation service.
type ConversationConfig struct {
	DefaultModel       string  `yaml:"default_model"`
	SystemPrompt       string  `yaml:"system_prompt"`
	Temperature        float64 `yaml:"temperature"`
	MaxMessages        int     `yaml:"max_messages"`
	ReserveTokens      int     `yaml:"reserve_tokens"`
	Summarize          bool    `yaml:"summarize"`
	SummarizeThreshold int     `yaml:"summarize_threshold"`
	KeepRecent         int     `yaml:"keep_recent"`
	SummaryModel       string  `yaml:"summary_model"`
}

// ToolsConfig tunes the tool registry and execution.
type ToolsConfig struct {
	Policy          string        `yaml:"policy"`
	Whitelist       []string      `yaml:"whitelist"`
	ExecPoolSize    int           `yaml:"exec_pool_size"`
	ExecTimeout     time.Duration `yaml:"exec_timeout"`
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`
	WorkDir         string        `yaml:"work_dir"`
	SearchEndpoint  string        `yaml:"search_endpoint"`
}

// BreakerConfig tunes the provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	CoolDown         time.Duration `yaml:"cool_down"`
}

// AuditConfig tunes the audit logger.
type AuditConfig struct {
	// Output is stdout, file or both.
	Output    string `yaml:"output"`
	FilePath  string `yaml:"file_path"`
	MaxLength int    `yaml:"max_length"`
}

// MetricsConfig configures the exposition listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// WebhookConfig tunes webhook delivery.
type WebhookConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	MaxFailures int           `yaml:"max_failures"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			RequestTimeout: 5 * time.Minute,
			RateLimit:      10,
			RateBurst:      20,
			AllowedOrigins: []string{"*"},
		},
		Storage: StorageConfig{
			Backend:           "memory",
			RedisPrefix:       "consoul",
			FallbackToMemory:  true,
			ReconnectInterval: 30 * time.Second,
		},
		Conversation: ConversationConfig{
			DefaultModel:       "gpt-4o",
			Temperature:        0.7,
			MaxMessages:        200,
			ReserveTokens:      1024,
			SummarizeThreshold: 50,
			KeepRecent:         10,
		},
		Tools: ToolsConfig{
			Policy:          "BALANCED",
			ExecPoolSize:    32,
			ExecTimeout:     60 * time.Second,
			ApprovalTimeout: 60 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			CoolDown:         30 * time.Second,
		},
		Audit: AuditConfig{
			Output:    "stdout",
			MaxLength: 1000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
		Webhooks: WebhookConfig{
			Timeout:     10 * time.Second,
			MaxRetries:  3,
			MaxFailures: 5,
		},
		LogLevel: "info",
	}
}

// Load reads path (optional), merges .env and environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	// .env supplies missing environment variables; it never overrides ones
	// already set in the process.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debugf("config: no .env loaded: %v", err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers CONSOUL_* environment variables over the file values.
func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setString("CONSOUL_ADDR", &cfg.Server.Addr)
	setString("CONSOUL_STORAGE_BACKEND", &cfg.Storage.Backend)
	setString("CONSOUL_REDIS_URL", &cfg.Storage.RedisURL)
	setString("CONSOUL_FILE_DIR", &cfg.Storage.FileDir)
	setString("CONSOUL_DEFAULT_MODEL", &cfg.Conversation.DefaultModel)
	setString("CONSOUL_TOOL_POLICY", &cfg.Tools.Policy)
	setString("CONSOUL_AUDIT_OUTPUT", &cfg.Audit.Output)
	setString("CONSOUL_METRICS_ADDR", &cfg.Metrics.Addr)
	setString("CONSOUL_LOG_LEVEL", &cfg.LogLevel)

	if v, ok := os.LookupEnv("CONSOUL_API_KEYS"); ok && v != "" {
		keys := strings.Split(v, ",")
		for i := range keys {
			keys[i] = strings.TrimSpace(keys[i])
		}
		cfg.Security.APIKeys = keys
	}
	if v, ok := os.LookupEnv("CONSOUL_RATE_LIMIT"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Server.RateLimit = f
		} else {
			log.Warnf("config: invalid CONSOUL_RATE_LIMIT %q ignored", v)
		}
	}
	if v, ok := os.LookupEnv("CONSOUL_SESSION_TTL"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Storage.SessionTTL = d
		} else {
			log.Warnf("config: invalid CONSOUL_SESSION_TTL %q ignored", v)
		}
	}
	if v, ok := os.LookupEnv("CONSOUL_METRICS_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Metrics.Enabled = b
		}
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "file", "redis":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "redis" && c.Storage.RedisURL == "" {
		return fmt.Errorf("storage backend redis requires redis_url")
	}
	if c.Storage.Backend == "file" && c.Storage.FileDir == "" {
		return fmt.Errorf("storage backend file requires file_dir")
	}
	switch c.Audit.Output {
	case "stdout", "file", "both":
	default:
		return fmt.Errorf("unknown audit output %q", c.Audit.Output)
	}
	switch strings.ToUpper(c.Tools.Policy) {
	case "STRICT", "BALANCED", "TRUSTING", "WHITELIST_ONLY":
	default:
		return fmt.Errorf("unknown tool policy %q", c.Tools.Policy)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}
	return nil
}
