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
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"trpc.group/trpc-go/consoul/approval"
	"trpc.group/trpc-go/consoul/conversation"
	"trpc.group/trpc-go/consoul/log"
	"trpc.group/trpc-go/consoul/provider"
	"trpc.group/trpc-go/consoul/tool"
	"trpc.group/trpc-go/consoul/webhook"
)

const (
	// outboundQueueSize bounds buffered server→client messages.
	outboundQueueSize = 1000
	// sendTimeout bounds one outbound write; a slower client is dropped.
	sendTimeout = 5 * time.Second
	// requestQueueSize bounds inbound chat messages awaiting a turn.
	requestQueueSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Cross-origin policy is enforced by the CORS layer on the rest of
	// the API; the websocket endpoint accepts any origin and relies on
	// the API key.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsInbound is a client→server frame.
type wsInbound struct {
	Type        string       `json:"type"`
	Message     string       `json:"message,omitempty"`
	Model       string       `json:"model,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	Tools       *tool.Filter `json:"tools,omitempty"`
	ToolCallID  string       `json:"tool_call_id,omitempty"`
	Approved    bool         `json:"approved,omitempty"`
	Reason      string       `json:"reason,omitempty"`
}

// wsOutbound is a server→client frame.
type wsOutbound struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// wsConn owns one websocket connection: a receiver fanning frames into
// the request queue or the approval coordinator, a processor draining the
// queue through the conversation service, and a writer draining the
// bounded outbound queue.
type wsConn struct {
	srv       *Server
	conn      *websocket.Conn
	sessionID string

	outbound chan wsOutbound
	requests chan wsInbound
	approvals *approval.Coordinator

	// closed signals the writer gave up; everything else unwinds.
	closed    chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// handleWebSocket upgrades and runs the duplex chat protocol.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	if sessionID == "" || len(sessionID) > 128 {
		writeError(w, http.StatusBadRequest, "validation_error", "session_id must be 1..128 characters", nil)
		return
	}
	authorized := s.authorized(apiKeyFrom(r))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("ws %s: upgrade failed: %v", sessionID, err)
		return
	}

	if !authorized {
		s.metrics.IncError("/ws/chat", "auth")
		closeWith(conn, websocket.ClosePolicyViolation, "invalid API key")
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &wsConn{
		srv:       s,
		conn:      conn,
		sessionID: sessionID,
		outbound:  make(chan wsOutbound, outboundQueueSize),
		requests:  make(chan wsInbound, requestQueueSize),
		closed:    make(chan struct{}),
		cancel:    cancel,
	}
	c.approvals = approval.NewCoordinator(c.notifyApproval,
		approval.WithTimeout(s.cfg.ApprovalTimeout))

	s.metrics.SetActiveSessions(int(s.activeWS.Add(1)))
	defer func() { s.metrics.SetActiveSessions(int(s.activeWS.Add(-1))) }()

	go c.writer()
	go c.processor(ctx)
	c.receiver(ctx) // blocks until the client disconnects

	cancel()
	c.approvals.CancelAll()
	conn.Close()
}

// receiver reads client frames and routes them.
func (c *wsConn) receiver(ctx context.Context) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("ws %s: read: %v", c.sessionID, err)
			}
			return
		}
		var in wsInbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.send(wsOutbound{Type: "error", Data: map[string]any{
				"error": "validation_error", "message": "malformed frame",
			}})
			continue
		}
		switch in.Type {
		case "message":
			select {
			case c.requests <- in:
			case <-ctx.Done():
				return
			default:
				c.send(wsOutbound{Type: "error", Data: map[string]any{
					"error": "rate_limited", "message": "too many queued messages",
				}})
			}
		case "tool_approval":
			c.approvals.Resolve(in.ToolCallID, in.Approved, in.Reason)
		default:
			c.send(wsOutbound{Type: "error", Data: map[string]any{
				"error": "validation_error", "message": "unknown frame type " + in.Type,
			}})
		}
	}
}

// processor drains queued chat messages one turn at a time.
func (c *wsConn) processor(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case in := <-c.requests:
			c.runTurn(ctx, in)
		}
	}
}

// runTurn streams one turn to the client.
func (c *wsConn) runTurn(ctx context.Context, in wsInbound) {
	start := time.Now()
	events, result, err := c.srv.svc.SendMessage(ctx, &conversation.SendRequest{
		SessionID:   c.sessionID,
		Content:     in.Message,
		Model:       in.Model,
		Temperature: in.Temperature,
		Filter:      in.Tools,
		Approver:    c.approvals,
	})
	if err != nil {
		_, code := sendErrorStatus(err)
		c.srv.metrics.IncError("/ws/chat", code)
		c.send(wsOutbound{Type: "error", Data: map[string]any{
			"error": code, "message": err.Error(),
		}})
		return
	}

	model := in.Model
	if model == "" {
		model = c.srv.svc.DefaultModel()
	}

	for ev := range events {
		switch ev.Type {
		case provider.EventToken:
			if !c.send(wsOutbound{Type: "token", Data: map[string]any{"text": ev.Token}}) {
				// Writer gave up; stop forwarding and let the turn
				// unwind through the canceled context.
				c.cancel()
				c.drainRest(events)
				return
			}
		case provider.EventError:
			c.send(wsOutbound{Type: "error", Data: map[string]any{
				"error": string(ev.Err.Kind), "message": ev.Err.Message,
			}})
		case provider.EventDone:
			usage := chatUsage{}
			if ev.Done.Usage != nil {
				usage = chatUsage{
					InputTokens:   ev.Done.Usage.PromptTokens,
					OutputTokens:  ev.Done.Usage.CompletionTokens,
					TotalTokens:   ev.Done.Usage.TotalTokens,
					EstimatedCost: estimateCost(model, *ev.Done.Usage),
				}
			}
			c.send(wsOutbound{Type: "done", Data: map[string]any{
				"response": ev.Done.Message.Content,
				"usage":    usage,
			}})
		}
	}

	c.srv.observe("/ws/chat", "WS", 200, model, start)
	eventType := webhook.EventChatCompleted
	if result.Interrupted {
		eventType = webhook.EventChatInterrupted
	}
	c.srv.dispatch(ctx, webhook.Event{
		Type: eventType,
		Data: map[string]any{
			"session_id":   c.sessionID,
			"model":        model,
			"total_tokens": result.Usage.TotalTokens,
		},
	})
}

// drainRest discards remaining turn events after the connection died so
// the service goroutine can finish persisting the partial.
func (c *wsConn) drainRest(events <-chan provider.Event) {
	for range events {
	}
}

// notifyApproval forwards a tool approval prompt to the client.
func (c *wsConn) notifyApproval(req *approval.ToolRequest) {
	c.send(wsOutbound{Type: "tool_approval_request", Data: req})
}

// send enqueues one outbound frame. A full queue means the client cannot
/// keep up: the writer is told to close and send reports failure.
func (c *wsConn) send(out wsOutbound) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.outbound <- out:
		return true
	case <-c.closed:
		return false
	default:
		log.Warnf("ws %s: outbound queue saturated, dropping client", c.sessionID)
		c.shutdownSlow()
		return false
	}
}

// writer serializes outbound frames with a per-send deadline.
func (c *wsConn) writer() {
	for {
		select {
		case <-c.closed:
			return
		case out := <-c.outbound:
			_ = c.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
			if err := c.conn.WriteJSON(out); err != nil {
				log.Warnf("ws %s: write: %v", c.sessionID, err)
				c.shutdownSlow()
				return
			}
		}
	}
}

// shutdownSlow closes the connection with 1008 and cancels all pending
// approvals. Safe to call from multiple goroutines; only the first wins.
func (c *wsConn) shutdownSlow() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		c.approvals.CancelAll()
		closeWith(c.conn, websocket.ClosePolicyViolation, "client too slow")
		c.conn.Close()
	})
}

// closeWith sends a close frame with the given code.
func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
}
