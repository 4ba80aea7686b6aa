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
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/consoul/webhook"
)

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookCRUD(t *testing.T) {
	env := newTestEnv(t, Config{})
	h := env.server.Handler()

	rec := doJSON(t, h, http.MethodPost, "/webhooks",
		`{"url":"https://example.com/hook","events":["chat.completed"],"secret":"s3cret"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created webhook.Webhook
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	assert.Empty(t, created.Secret, "secret must not be echoed")
	assert.True(t, created.Enabled)

	rec = doJSON(t, h, http.MethodGet, "/webhooks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp struct {
		Webhooks []*webhook.Webhook `json:"webhooks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	require.Len(t, listResp.Webhooks, 1)

	rec = doJSON(t, h, http.MethodGet, "/webhooks/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPatch, "/webhooks/"+created.ID, `{"enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var patched webhook.Webhook
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &patched))
	assert.False(t, patched.Enabled)

	rec = doJSON(t, h, http.MethodDelete, "/webhooks/"+created.ID, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/webhooks/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookValidation(t *testing.T) {
	env := newTestEnv(t, Config{})
	h := env.server.Handler()

	cases := []string{
		`{"events":["chat.completed"]}`,                               // missing url
		`{"url":"ftp://example.com","events":["chat.completed"]}`,     // bad scheme
		`{"url":"https://example.com/hook","events":[]}`,              // no events
		`{"url":"https://example.com/hook","events":["nope.event"]}`,  // unknown event
	}
	for _, body := range cases {
		rec := doJSON(t, h, http.MethodPost, "/webhooks", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestWebhookNotFound(t *testing.T) {
	env := newTestEnv(t, Config{})
	h := env.server.Handler()

	rec := doJSON(t, h, http.MethodGet, "/webhooks/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doJSON(t, h, http.MethodPatch, "/webhooks/nope", `{"enabled":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
