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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"trpc.group/trpc-go/consoul/webhook"
)

// webhookRequest is the create/patch body. Pointer fields distinguish
// "absent" from "zero" on PATCH.
type webhookRequest struct {
	URL      *string           `json:"url,omitempty"`
	Events   []string          `json:"events,omitempty"`
	Secret   *string           `json:"secret,omitempty"`
	Enabled  *bool             `json:"enabled,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// sanitized strips the secret before returning a webhook to a client.
func sanitized(w *webhook.Webhook) *webhook.Webhook {
	cp := *w
	cp.Secret = ""
	return &cp
}

func validateEvents(events []string) error {
	if len(events) == 0 {
		return errors.New("events must not be empty")
	}
	for _, e := range events {
		if !webhook.KnownEvent(e) {
			return fmt.Errorf("unknown event type %q", e)
		}
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("url must be an absolute http(s) URL")
	}
	return nil
}

func (s *Server) handleWebhookCreate(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "malformed JSON body", nil)
		return
	}
	if req.URL == nil {
		writeError(w, http.StatusBadRequest, "validation_error", "url is required", nil)
		return
	}
	if err := validateURL(*req.URL); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error(), nil)
		return
	}
	if err := validateEvents(req.Events); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error(), nil)
		return
	}

	secret := ""
	if req.Secret != nil {
		secret = *req.Secret
	}
	hook := webhook.New(*req.URL, req.Events, secret)
	hook.Metadata = req.Metadata
	if req.Enabled != nil {
		hook.Enabled = *req.Enabled
	}
	if err := s.webhooks.Create(r.Context(), hook); err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusCreated, sanitized(hook))
}

func (s *Server) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.webhooks.List(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error(), nil)
		return
	}
	out := make([]*webhook.Webhook, len(hooks))
	for i, h := range hooks {
		out[i] = sanitized(h)
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": out})
}

func (s *Server) handleWebhookGet(w http.ResponseWriter, r *http.Request) {
	hook, err := s.webhooks.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeWebhookError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sanitized(hook))
}

func (s *Server) handleWebhookPatch(w http.ResponseWriter, r *http.Request) {
	hook, err := s.webhooks.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeWebhookError(w, err)
		return
	}

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "malformed JSON body", nil)
		return
	}
	if req.URL != nil {
		if err := validateURL(*req.URL); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", err.Error(), nil)
			return
		}
		hook.URL = *req.URL
	}
	if req.Events != nil {
		if err := validateEvents(req.Events); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", err.Error(), nil)
			return
		}
		hook.Events = req.Events
	}
	if req.Secret != nil {
		hook.Secret = *req.Secret
	}
	if req.Enabled != nil {
		hook.Enabled = *req.Enabled
		if *req.Enabled {
			// Re-enabling clears the failure streak.
			hook.ConsecutiveFailures = 0
		}
	}
	if req.Metadata != nil {
		hook.Metadata = req.Metadata
	}

	if err := s.webhooks.Update(r.Context(), hook); err != nil {
		writeWebhookError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sanitized(hook))
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.webhooks.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeWebhookError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeWebhookError(w http.ResponseWriter, err error) {
	if errors.Is(err, webhook.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "webhook not found", nil)
		return
	}
	writeError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error(), nil)
}
