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
	"net/http"
)

// healthResponse is the GET /health body.
type healthResponse struct {
	Status           string            `json:"status"`
	RedisMode        string            `json:"redis_mode"`
	ActiveWebsockets int64             `json:"active_websockets"`
	Breakers         map[string]string `json:"breakers"`
}

// handleHealth reports storage mode, websocket load and breaker states.
// 503 only when storage has failed open with no fallback.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	mode := "memory"
	if s.storeMode != nil {
		mode = s.storeMode()
	}
	breakers := map[string]string{}
	if s.breakers != nil {
		breakers = s.breakers.BreakerStates()
	}

	resp := healthResponse{
		Status:           "ok",
		RedisMode:        mode,
		ActiveWebsockets: s.activeWS.Load(),
		Breakers:         breakers,
	}
	status := http.StatusOK
	if mode == "unavailable" {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
