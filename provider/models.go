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
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"trpc.group/trpc-go/consoul/log"
)

// DefaultContextWindow is used for models absent from the catalog.
const DefaultContextWindow = 8192

// builtinWindows seeds the catalog so lookups work offline.
var builtinWindows = map[string]int{
	"gpt-4o":            128000,
	"gpt-4o-mini":       128000,
	"gpt-4.1":           1047576,
	"gpt-4.1-mini":      1047576,
	"o3":                200000,
	"o4-mini":           200000,
	"claude-sonnet-4-0": 200000,
	"claude-opus-4-0":   200000,
	"claude-3-5-haiku":  200000,
	"gemini-2.5-pro":    1048576,
	"gemini-2.5-flash":  1048576,
	"gemini-2.0-flash":  1048576,
	"llama3.2":          131072,
	"llama3.1":          131072,
	"qwen3":             40960,
	"mistral":           32768,
}

// ModelInfo is one catalog entry.
type ModelInfo struct {
	ContextWindow int `json:"context_window"`
}

type catalogFile struct {
	FetchedAt time.Time            `json:"fetched_at"`
	Models    map[string]ModelInfo `json:"models"`
}

// Catalog resolves per-model context windows. Entries come from the builtin
// table, optionally refreshed from a remote JSON catalog and cached on disk.
type Catalog struct {
	mu       sync.RWMutex
	windows  map[string]int
	url      string
	cacheDir string
	ttl      time.Duration
	client   *http.Client
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithCatalogURL sets the remote catalog endpoint. Empty disables refresh.
func WithCatalogURL(url string) CatalogOption {
	return func(c *Catalog) { c.url = url }
}

// WithCatalogCacheDir overrides the on-disk cache location.
func WithCatalogCacheDir(dir string) CatalogOption {
	return func(c *Catalog) { c.cacheDir = dir }
}

// WithCatalogTTL sets how long a cached catalog stays fresh.
func WithCatalogTTL(ttl time.Duration) CatalogOption {
	return func(c *Catalog) { c.ttl = ttl }
}

// NewCatalog builds a catalog seeded with the builtin windows, layered with
// any fresh on-disk cache, and kicks off a background refresh when the cache
// is stale and a URL is configured.
func NewCatalog(opts ...CatalogOption) *Catalog {
	c := &Catalog{
		windows: make(map[string]int, len(builtinWindows)),
		ttl:     24 * time.Hour,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for k, v := range builtinWindows {
		c.windows[k] = v
	}
	if dir, err := os.UserCacheDir(); err == nil {
		c.cacheDir = filepath.Join(dir, "consoul")
	}
	for _, o := range opts {
		o(c)
	}

	fresh := c.loadCache()
	if c.url != "" && !fresh {
		go c.refresh()
	}
	return c
}

// ContextWindow returns the context window for model, matching the longest
// catalog key that prefixes the model name (so "gpt-4o-2024-11-20" resolves
// through "gpt-4o"). Unknown models get DefaultContextWindow.
func (c *Catalog) ContextWindow(model string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if w, ok := c.windows[model]; ok {
		return w
	}
	best, bestLen := 0, 0
	for k, w := range c.windows {
		if strings.HasPrefix(model, k) && len(k) > bestLen {
			best, bestLen = w, len(k)
		}
	}
	if bestLen > 0 {
		return best
	}
	return DefaultContextWindow
}

func (c *Catalog) cachePath() string {
	if c.cacheDir == "" {
		return ""
	}
	return filepath.Join(c.cacheDir, "model-catalog.json")
}

// loadCache merges the on-disk catalog and reports whether it is still fresh.
func (c *Catalog) loadCache() bool {
	path := c.cachePath()
	if path == "" {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var f catalogFile
	if err := json.Unmarshal(data, &f); err != nil {
		log.Warnf("model catalog: discarding unreadable cache %s: %v", path, err)
		return false
	}
	c.mu.Lock()
	for name, info := range f.Models {
		if info.ContextWindow > 0 {
			c.windows[name] = info.ContextWindow
		}
	}
	c.mu.Unlock()
	return time.Since(f.FetchedAt) < c.ttl
}

// refresh fetches the remote catalog with exponential backoff and rewrites
// the disk cache. Failures leave the existing entries in place.
func (c *Catalog) refresh() {
	var models map[string]ModelInfo
	op := func() error {
		resp, err := c.client.Get(c.url)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(nil)
		}
		return json.NewDecoder(resp.Body).Decode(&models)
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Minute
	if err := backoff.Retry(op, bo); err != nil {
		log.Warnf("model catalog: refresh from %s failed: %v", c.url, err)
		return
	}
	if len(models) == 0 {
		return
	}

	c.mu.Lock()
	for name, info := range models {
		if info.ContextWindow > 0 {
			c.windows[name] = info.ContextWindow
		}
	}
	c.mu.Unlock()

	path := c.cachePath()
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	data, err := json.MarshalIndent(catalogFile{FetchedAt: time.Now().UTC(), Models: models}, "", "  ")
	if err != nil {
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		log.Warnf("model catalog: cache write failed: %v", err)
	}
}

// ResolveProviderName maps a model name to the provider that serves it.
// Anything unrecognized is assumed to be a local ollama model.
func ResolveProviderName(model string) string {
	switch {
	case strings.HasPrefix(model, "gpt-"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"),
		strings.HasPrefix(model, "chatgpt-"):
		return "openai"
	case strings.HasPrefix(model, "claude-"):
		return "anthropic"
	case strings.HasPrefix(model, "gemini-"), strings.HasPrefix(model, "gemma-"):
		return "google"
	default:
		return "ollama"
	}
}
