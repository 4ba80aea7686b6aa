//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

package websearch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchQueriesEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "golang channels", r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"title":"Channels","url":"https://example.com/ch","snippet":"about channels"}]`)
	}))
	defer srv.Close()

	tl := NewTool(WithEndpoint(srv.URL))
	out, err := tl.Call(context.Background(), []byte(`{"query":"golang channels"}`))
	require.NoError(t, err)

	rsp := out.(searchResponse)
	require.Len(t, rsp.Results, 1)
	assert.Equal(t, "Channels", rsp.Results[0].Title)
	assert.Equal(t, "https://example.com/ch", rsp.Results[0].URL)
}

func TestSearchWrappedResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"results":[{"title":"A","url":"u1"},{"title":"B","url":"u2"}]}`)
	}))
	defer srv.Close()

	tl := NewTool(WithEndpoint(srv.URL), WithMaxResults(1))
	out, err := tl.Call(context.Background(), []byte(`{"query":"x"}`))
	require.NoError(t, err)

	rsp := out.(searchResponse)
	require.Len(t, rsp.Results, 1)
	assert.Equal(t, "A", rsp.Results[0].Title)
}

func TestSearchUnconfigured(t *testing.T) {
	tl := NewTool()
	_, err := tl.Call(context.Background(), []byte(`{"query":"x"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no search endpoint")
}

func TestSearchEmptyQuery(t *testing.T) {
	tl := NewTool(WithEndpoint("http://unused"))
	_, err := tl.Call(context.Background(), []byte(`{"query":""}`))
	require.Error(t, err)
}

func TestSearchEndpointFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tl := NewTool(WithEndpoint(srv.URL))
	_, err := tl.Call(context.Background(), []byte(`{"query":"x"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
}
