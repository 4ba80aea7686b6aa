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
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"trpc.group/trpc-go/consoul/approval"
	"trpc.group/trpc-go/consoul/conversation"
	"trpc.group/trpc-go/consoul/provider"
	"trpc.group/trpc-go/consoul/session"
	"trpc.group/trpc-go/consoul/tool"
	"trpc.group/trpc-go/consoul/webhook"
)

const maxMessageLen = 32768

// chatRequest is the POST /chat body.
type chatRequest struct {
	SessionID   string       `json:"session_id"`
	Message     string       `json:"message"`
	Model       string       `json:"model,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	Tools       *tool.Filter `json:"tools,omitempty"`
}

// chatUsage is the usage block of a chat response.
type chatUsage struct {
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	TotalTokens   int     `json:"total_tokens"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// chatResponse is the POST /chat success body.
type chatResponse struct {
	SessionID string    `json:"session_id"`
	Response  string    `json:"response"`
	Model     string    `json:"model"`
	Usage     chatUsage `json:"usage"`
	Timestamp string    `json:"timestamp"`
}

// validate checks the request against the documented bounds.
func (r *chatRequest) validate() (string, bool) {
	if r.SessionID == "" || len(r.SessionID) > 128 {
		return "session_id must be 1..128 characters", false
	}
	if strings.TrimSpace(r.Message) == "" {
		return "message must not be empty", false
	}
	if len(r.Message) > maxMessageLen {
		return "message exceeds the 32768-character limit", false
	}
	return "", true
}

// handleChat runs one turn and returns the aggregated response. Tool
// prompts cannot be answered over plain HTTP, so they fail closed with a
// reason pointing at the websocket endpoint.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	endpoint, method := "/chat", r.Method

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.observe(endpoint, method, http.StatusBadRequest, "", start)
		writeError(w, http.StatusBadRequest, "validation_error", "malformed JSON body", nil)
		return
	}
	if msg, ok := req.validate(); !ok {
		s.metrics.IncError(endpoint, "validation")
		s.observe(endpoint, method, http.StatusBadRequest, req.Model, start)
		writeError(w, http.StatusBadRequest, "validation_error", msg, nil)
		return
	}

	ctx := r.Context()
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	events, result, err := s.svc.SendMessage(ctx, &conversation.SendRequest{
		SessionID:   req.SessionID,
		Content:     req.Message,
		Model:       req.Model,
		Temperature: req.Temperature,
		Filter:      req.Tools,
		Approver: &approval.PolicyApprover{
			Why: "interactive approval requires a websocket connection",
		},
	})
	if err != nil {
		status, code := sendErrorStatus(err)
		s.metrics.IncError(endpoint, code)
		s.observe(endpoint, method, status, req.Model, start)
		writeError(w, status, code, err.Error(), nil)
		return
	}

	var text strings.Builder
	var streamErr *provider.ErrorInfo
	model := req.Model
	for ev := range events {
		switch ev.Type {
		case provider.EventToken:
			text.WriteString(ev.Token)
		case provider.EventError:
			streamErr = ev.Err
		}
	}
	if model == "" {
		model = s.svc.DefaultModel()
	}

	if streamErr != nil && !result.Interrupted {
		status, code := statusForKind(streamErr.Kind)
		s.metrics.IncError(endpoint, code)
		s.observe(endpoint, method, status, model, start)
		writeError(w, status, code, streamErr.Message, nil)
		return
	}

	response := result.Text
	if response == "" {
		response = text.String()
	}
	s.observe(endpoint, method, http.StatusOK, model, start)
	s.dispatch(ctx, webhook.Event{
		Type: webhook.EventChatCompleted,
		Data: map[string]any{
			"session_id":   req.SessionID,
			"model":        model,
			"total_tokens": result.Usage.TotalTokens,
			"interrupted":  result.Interrupted,
		},
	})
	writeJSON(w, http.StatusOK, chatResponse{
		SessionID: req.SessionID,
		Response:  response,
		Model:     model,
		Usage: chatUsage{
			InputTokens:   result.Usage.PromptTokens,
			OutputTokens:  result.Usage.CompletionTokens,
			TotalTokens:   result.Usage.TotalTokens,
			EstimatedCost: estimateCost(model, result.Usage),
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// sendErrorStatus maps a synchronous SendMessage failure.
func sendErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrInvalidSessionID):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, session.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// observe records the request metrics.
func (s *Server) observe(endpoint, method string, status int, model string, start time.Time) {
	s.metrics.ObserveRequest(endpoint, method, status, model, time.Since(start))
}

// modelPricing maps model prefixes to (input, output) USD per million
// tokens. Unlisted models estimate at the default rate.
var modelPricing = map[string][2]float64{
	"gpt-4o":          {2.50, 10.00},
	"gpt-4o-mini":     {0.15, 0.60},
	"claude-3-5":      {3.00, 15.00},
	"claude-3-haiku":  {0.25, 1.25},
	"gemini-1.5-pro":  {1.25, 5.00},
	"gemini-2.0":      {0.10, 0.40},
}

// estimateCost computes a rough dollar figure for the turn.
func estimateCost(model string, u provider.Usage) float64 {
	rates := [2]float64{1.00, 3.00}
	best := 0
	for prefix, r := range modelPricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > best {
			rates = r
			best = len(prefix)
		}
	}
	return (float64(u.PromptTokens)*rates[0] + float64(u.CompletionTokens)*rates[1]) / 1e6
}
