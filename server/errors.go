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
	"net/http"
	"time"

	"trpc.group/trpc-go/consoul/provider"
)

// errorResponse is the error envelope for every endpoint.
type errorResponse struct {
	Error     string         `json:"error"`
	Message   string         `json:"message"`
	Timestamp string         `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// writeError emits the standard error envelope.
func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Details:   details,
	})
}

// writeJSON emits a success payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusForKind maps the provider error taxonomy onto HTTP statuses.
func statusForKind(kind provider.ErrorKind) (int, string) {
	switch kind {
	case provider.KindValidation:
		return http.StatusBadRequest, "validation_error"
	case provider.KindAuth:
		return http.StatusBadRequest, "provider_auth"
	case provider.KindTokenLimit:
		return http.StatusBadRequest, "token_limit_exceeded"
	case provider.KindRateLimit:
		return http.StatusTooManyRequests, "provider_rate_limited"
	case provider.KindCircuitOpen:
		return http.StatusServiceUnavailable, "circuit_open"
	case provider.KindTimeout, provider.KindProviderError:
		return http.StatusBadGateway, "provider_error"
	case provider.KindCanceled:
		return http.StatusInternalServerError, "canceled"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
