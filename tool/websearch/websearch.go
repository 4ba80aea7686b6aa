//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

// Package websearch provides the search tool backed by a configured search
// endpoint that returns JSON results.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"trpc.group/trpc-go/consoul/tool"
	"trpc.group/trpc-go/consoul/tool/function"
)

const (
	defaultTimeout    = 15 * time.Second
	defaultMaxResults = 10
)

// Option configures the search tool.
type Option func(*config)

type config struct {
	endpoint   string
	httpClient *http.Client
	maxResults int
}

// WithEndpoint sets the search endpoint URL. The query is appended as the
// "q" parameter.
func WithEndpoint(endpoint string) Option {
	return func(cfg *config) {
		cfg.endpoint = endpoint
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *config) {
		cfg.httpClient = c
	}
}

// WithMaxResults caps the number of returned results.
func WithMaxResults(n int) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.maxResults = n
		}
	}
}

type searchRequest struct {
	Query string `json:"query" jsonschema:"description=The search query"`
}

type searchResponse struct {
	Results []searchResult `json:"results"`
	Summary string         `json:"summary"`
}

type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// NewTool creates the search tool.
func NewTool(opts ...Option) tool.CallableTool {
	cfg := &config{
		httpClient: &http.Client{Timeout: defaultTimeout},
		maxResults: defaultMaxResults,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	t := &searchTool{cfg: cfg}

	return function.NewFunctionTool(
		t.search,
		function.WithName("search"),
		function.WithDescription("Searches the web and returns a list of result titles, URLs and snippets."),
	)
}

type searchTool struct {
	cfg *config
}

func (t *searchTool) search(ctx context.Context, req searchRequest) (searchResponse, error) {
	if req.Query == "" {
		return searchResponse{Summary: "Empty query"}, fmt.Errorf("empty query")
	}
	if t.cfg.endpoint == "" {
		return searchResponse{Summary: "Search is not configured"},
			fmt.Errorf("no search endpoint configured")
	}

	u, err := url.Parse(t.cfg.endpoint)
	if err != nil {
		return searchResponse{}, fmt.Errorf("parse search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", req.Query)
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return searchResponse{}, err
	}
	httpReq.Header.Set("User-Agent", "consoul/search")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := t.cfg.httpClient.Do(httpReq)
	if err != nil {
		return searchResponse{}, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return searchResponse{}, fmt.Errorf("search endpoint returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return searchResponse{}, fmt.Errorf("read search response: %w", err)
	}

	var results []searchResult
	if err := json.Unmarshal(body, &results); err != nil {
		// Some endpoints wrap the list in a results field.
		var wrapped struct {
			Results []searchResult `json:"results"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return searchResponse{}, fmt.Errorf("decode search response: %w", err)
		}
		results = wrapped.Results
	}
	if len(results) > t.cfg.maxResults {
		results = results[:t.cfg.maxResults]
	}

	return searchResponse{
		Results: results,
		Summary: fmt.Sprintf("Found %d results", len(results)),
	}, nil
}
