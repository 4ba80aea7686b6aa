//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

// Package conversation orchestrates one chat turn: it serializes access to
// the session, streams provider output, mediates tool execution through the
// approval pipeline, and persists the updated history atomically.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trpc.group/trpc-go/consoul/approval"
	"trpc.group/trpc-go/consoul/audit"
	"trpc.group/trpc-go/consoul/internal/correlation"
	"trpc.group/trpc-go/consoul/log"
	"trpc.group/trpc-go/consoul/metrics"
	"trpc.group/trpc-go/consoul/provider"
	"trpc.group/trpc-go/consoul/session"
	"trpc.group/trpc-go/consoul/tool"
)

// maxToolRounds bounds how many times one turn may loop back to the model
// with tool results. A model stuck requesting tools ends the turn instead
// of spinning.
const maxToolRounds = 10

// interruptedMarker is appended to an assistant message persisted from a
// failed stream so readers can tell the turn did not complete.
const interruptedMarker = "\n[response interrupted]"

// Event names forwarded to the event sink. They match the webhook event
// catalog so the sink can forward them verbatim.
const (
	EventSessionCreated = "session.created"
	EventSessionDeleted = "session.deleted"
	EventToolExecuted   = "tool.executed"
	EventToolDenied     = "tool.denied"
)

// EventSink receives lifecycle notifications (session and tool events)
// for delivery outside the turn, e.g. to webhook subscribers.
type EventSink func(ctx context.Context, eventType string, data map[string]any)

// Gateway streams model events; *provider.Gateway satisfies it.
type Gateway interface {
	StreamEvents(ctx context.Context, req *provider.Request) (<-chan provider.Event, error)
}

// ContextWindows resolves a model's context window in tokens;
// *provider.Catalog satisfies it.
type ContextWindows interface {
	ContextWindow(model string) int
}

// Config tunes the service. The zero value is completed by New.
type Config struct {
	// DefaultModel serves sessions that do not pin one.
	DefaultModel string
	// SystemPrompt seeds new sessions when non-empty.
	SystemPrompt string
	// Temperature is the default sampling temperature.
	Temperature float64
	// MaxMessages caps the persisted history length.
	MaxMessages int
	// ReserveTokens is held back from the context window for the reply.
	ReserveTokens int
	// Summarize enables prefix compaction on long histories.
	Summarize bool
	// SummarizeThreshold is the message count that triggers compaction.
	SummarizeThreshold int
	// KeepRecent messages stay verbatim through compaction.
	KeepRecent int
	// SummaryModel runs compaction; empty means the session's own model.
	SummaryModel string
}

// Service is the conversation runtime.
type Service struct {
	cfg      Config
	gateway  Gateway
	store    session.Store
	locks    *session.LockManager
	registry *tool.Registry
	executor *tool.Executor
	auditor  *audit.Logger
	metrics  metrics.Collector
	windows  ContextWindows
	events   EventSink
}

// Option configures a Service.
type Option func(*Service)

// WithAudit wires the audit logger.
func WithAudit(l *audit.Logger) Option {
	return func(s *Service) { s.auditor = l }
}

// WithMetrics wires the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithContextWindows wires the model catalog used for trimming.
func WithContextWindows(w ContextWindows) Option {
	return func(s *Service) { s.windows = w }
}

// WithEventSink wires a receiver for session and tool lifecycle events.
func WithEventSink(sink EventSink) Option {
	return func(s *Service) { s.events = sink }
}

// New creates the service. gateway, store and registry are required;
// executor may be nil when no registered tool is callable.
func New(cfg Config, gateway Gateway, store session.Store, registry *tool.Registry,
	executor *tool.Executor, opts ...Option) *Service {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 200
	}
	if cfg.ReserveTokens <= 0 {
		cfg.ReserveTokens = 1024
	}
	s := &Service{
		cfg:      cfg,
		gateway:  gateway,
		store:    store,
		locks:    session.NewLockManager(),
		registry: registry,
		executor: executor,
		metrics:  metrics.Noop{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SendRequest is one inbound user message.
type SendRequest struct {
	// SessionID selects the conversation.
	SessionID string
	// Content is the user's message text.
	Content string
	// Model overrides the session model for this and later turns.
	Model string
	// Temperature overrides the sampling temperature when non-nil.
	Temperature *float64
	// Filter narrows the tool catalog for this session.
	Filter *tool.Filter
	// Approver resolves tool calls the policy marks as needing a prompt.
	// Nil denies every prompt.
	Approver approval.Approver
	// Attachments are pre-rendered content blocks prefixed to the
	// user message.
	Attachments []string
	// User is an optional caller identity recorded in audit events.
	User string
}

// Result summarizes a finished turn, carried on the final done event.
type Result struct {
	// Text is the assistant's reply.
	Text string
	// Usage aggregates token counts across all rounds of the turn.
	Usage provider.Usage
	// Interrupted reports that the provider failed mid-stream and Text
	// holds a preserved partial.
	Interrupted bool
}

// SendMessage runs one turn. It blocks until the per-session lock is held,
// then returns the event stream for the turn: zero or more token events
// followed by exactly one done or error event. The caller must drain the
// channel; an undrained channel blocks only briefly because the service
// stops forwarding when ctx is done.
func (s *Service) SendMessage(ctx context.Context, req *SendRequest) (<-chan provider.Event, *Result, error) {
	if req.SessionID == "" || len(req.SessionID) > 128 {
		return nil, nil, session.ErrInvalidSessionID
	}
	if req.Content == "" {
		return nil, nil, fmt.Errorf("empty message")
	}

	ctx, cid := correlation.EnsureContext(ctx)

	unlock, err := s.locks.Acquire(ctx, req.SessionID)
	if err != nil {
		return nil, nil, err
	}

	sess, err := s.store.Load(ctx, req.SessionID)
	if err != nil {
		unlock()
		return nil, nil, fmt.Errorf("load session %s: %w", req.SessionID, err)
	}
	created := false
	if sess == nil {
		sess = s.newSession(req)
		created = true
	}
	if req.Model != "" {
		sess.Model = req.Model
	}
	if req.Temperature != nil {
		sess.Temperature = req.Temperature
	}

	out := make(chan provider.Event, 16)
	result := &Result{}
	go func() {
		defer unlock()
		defer close(out)
		s.runTurn(ctx, cid, req, sess, out, result, created)
	}()
	return out, result, nil
}

// newSession synthesizes session state for a first message.
func (s *Service) newSession(req *SendRequest) *session.Session {
	sess := session.New(req.SessionID)
	sess.Model = s.cfg.DefaultModel
	if s.cfg.Temperature != 0 {
		t := s.cfg.Temperature
		sess.Temperature = &t
	}
	if s.cfg.SystemPrompt != "" {
		sess.Messages = append(sess.Messages, provider.NewSystemMessage(s.cfg.SystemPrompt))
	}
	return sess
}

// runTurn executes the provider loop and persists the outcome. The history
// is saved exactly once, after it is consistent: either the full turn or
// the interrupted-partial form. Failures before that point persist nothing.
func (s *Service) runTurn(ctx context.Context, cid string, req *SendRequest,
	sess *session.Session, out chan<- provider.Event, result *Result, created bool) {
	start := time.Now()
	history := append([]provider.Message(nil), sess.Messages...)

	content := req.Content
	for i := len(req.Attachments) - 1; i >= 0; i-- {
		content = req.Attachments[i] + "\n\n" + content
	}
	history = append(history, provider.NewUserMessage(content))

	s.audit(audit.Event{
		EventType:     audit.EventRequest,
		CorrelationID: cid,
		SessionID:     sess.ID,
		User:          req.User,
		Message:       req.Content,
	})

	decls := s.toolDeclarations(req.Filter)
	window := provider.DefaultContextWindow
	if s.windows != nil {
		window = s.windows.ContextWindow(sess.Model)
	}

	interrupted := false
	var usage provider.Usage

rounds:
	for round := 0; round < maxToolRounds; round++ {
		var err error
		if s.cfg.Summarize {
			var summary string
			history, summary, err = s.maybeSummarize(ctx, history, sess.Model,
				s.cfg.SummarizeThreshold, s.cfg.KeepRecent)
			if err != nil {
				log.Warnf("conversation %s: summarization failed, continuing untrimmed: %v", sess.ID, err)
			} else if summary != "" {
				if sess.Config == nil {
					sess.Config = make(map[string]any)
				}
				sess.Config["summary"] = summary
			}
		}
		trimmed, err := trimForWindow(history, window, s.cfg.ReserveTokens)
		if err != nil {
			s.fail(ctx, cid, sess, out, provider.KindTokenLimit, err.Error())
			return
		}

		events, err := s.gateway.StreamEvents(ctx, &provider.Request{
			Model:       sess.Model,
			Messages:    trimmed,
			Tools:       decls,
			Temperature: sess.Temperature,
		})
		if err != nil {
			s.fail(ctx, cid, sess, out, streamErrorKind(err), err.Error())
			return
		}

		var partial []byte
		var toolResults []provider.Message
		for ev := range events {
			switch ev.Type {
			case provider.EventToken:
				partial = append(partial, ev.Token...)
				if !s.emit(ctx, out, ev) {
					// Client gone; record the partial so it is not lost.
					if len(partial) > 0 {
						history = append(history, provider.NewAssistantMessage(string(partial)+interruptedMarker))
						result.Text = string(partial)
					}
					interrupted = true
					break rounds
				}
			case provider.EventToolCall:
				toolResults = append(toolResults,
					s.handleToolCall(ctx, cid, req, sess, *ev.ToolCall))
			case provider.EventDone:
				assistant := ev.Done.Message
				if assistant.Content == "" && len(assistant.ToolCalls) == 0 {
					assistant.Content = string(partial)
				}
				history = append(history, assistant)
				if ev.Done.Usage != nil {
					usage.PromptTokens += ev.Done.Usage.PromptTokens
					usage.CompletionTokens += ev.Done.Usage.CompletionTokens
					usage.TotalTokens += ev.Done.Usage.TotalTokens
				}
				if len(toolResults) > 0 {
					history = append(history, toolResults...)
					continue rounds
				}
				result.Text = assistant.Content
				break rounds
			case provider.EventError:
				text := ev.Err.PartialText
				if text == "" {
					text = string(partial)
				}
				if text != "" {
					history = append(history, provider.NewAssistantMessage(text+interruptedMarker))
					result.Text = text
				}
				interrupted = true
				s.metrics.IncError("conversation", string(ev.Err.Kind))
				s.audit(audit.Event{
					EventType:     audit.EventError,
					CorrelationID: cid,
					SessionID:     sess.ID,
					Message:       ev.Err.Message,
				})
				s.emit(ctx, out, ev)
				break rounds
			}
		}
		// The stream closed without a terminal event; treat it as an
		// upstream failure but keep whatever was produced.
		if len(partial) > 0 {
			history = append(history, provider.NewAssistantMessage(string(partial)+interruptedMarker))
			result.Text = string(partial)
		}
		interrupted = true
		break
	}

	result.Usage = usage
	result.Interrupted = interrupted
	s.metrics.AddTokens("input", sess.Model, sess.ID, usage.PromptTokens)
	s.metrics.AddTokens("output", sess.Model, sess.ID, usage.CompletionTokens)

	// Persist only a consistent history: the user message together with
	// either the final assistant message or the interrupted partial. A
	// turn that produced neither is not saved at all.
	if last := len(history) - 1; last >= 0 && history[last].Role != provider.RoleUser {
		sess.Messages = enforceMaxMessages(history, s.cfg.MaxMessages)
		sess.Touch()
		// The save must survive a client disconnect mid-turn.
		saveCtx := context.WithoutCancel(ctx)
		if err := s.store.Save(saveCtx, sess.ID, sess); err != nil {
			s.fail(ctx, cid, sess, out, provider.KindProviderError,
				fmt.Sprintf("persist session: %v", err))
			return
		}
		if created {
			s.notify(saveCtx, EventSessionCreated, map[string]any{
				"session_id": sess.ID,
				"model":      sess.Model,
			})
		}
	}

	s.audit(audit.Event{
		EventType:     audit.EventResult,
		CorrelationID: cid,
		SessionID:     sess.ID,
		Status:        turnStatus(interrupted),
		DurationMS:    time.Since(start).Milliseconds(),
	})

	s.emit(ctx, out, provider.DoneEvent(provider.Done{
		Message: provider.NewAssistantMessage(result.Text),
		Usage:   &usage,
	}))
}

// handleToolCall runs the approval pipeline for one call and returns the
// tool message to feed back into the history. Denials never error the
// turn; they materialize as a synthetic tool result.
func (s *Service) handleToolCall(ctx context.Context, cid string, req *SendRequest,
	sess *session.Session, tc provider.ToolCall) provider.Message {
	name := tc.Function.Name
	args := tc.Function.Arguments

	decision := s.registry.NeedsApproval(name, args, req.Filter)
	s.audit(audit.Event{
		EventType:     audit.EventApproval,
		CorrelationID: cid,
		SessionID:     sess.ID,
		ToolName:      name,
		Arguments:     argsMap(args),
		Status:        approvalStatus(decision),
	})

	switch decision.Action {
	case tool.ActionDeny:
		s.metrics.IncToolExecution(name, "denied")
		s.notify(ctx, EventToolDenied, map[string]any{
			"session_id": sess.ID,
			"tool_name":  name,
			"reason":     decision.Reason,
		})
		return provider.NewToolMessage(tc.ID,
			fmt.Sprintf("Tool call denied: %s", decision.Reason))
	case tool.ActionPrompt:
		d := s.requestApproval(ctx, req, sess, tc, decision)
		s.audit(audit.Event{
			EventType:     audit.EventApproval,
			CorrelationID: cid,
			SessionID:     sess.ID,
			ToolName:      name,
			Status:        resolvedStatus(d),
			Message:       d.Reason,
		})
		if !d.Approved {
			s.metrics.IncToolExecution(name, "denied")
			s.notify(ctx, EventToolDenied, map[string]any{
				"session_id": sess.ID,
				"tool_name":  name,
				"reason":     denialReason(d),
			})
			return provider.NewToolMessage(tc.ID,
				fmt.Sprintf("Tool call denied: %s", denialReason(d)))
		}
	}

	return s.executeTool(ctx, cid, sess, tc)
}

// requestApproval routes a prompt through the request's approver. No
// approver means no way to ask, which fails closed.
func (s *Service) requestApproval(ctx context.Context, req *SendRequest,
	sess *session.Session, tc provider.ToolCall, decision tool.Decision) approval.Decision {
	if req.Approver == nil {
		return approval.Decision{Approved: false, Reason: "no approval channel available"}
	}
	return req.Approver.RequestApproval(ctx, &approval.ToolRequest{
		ToolCallID: tc.ID,
		SessionID:  sess.ID,
		ToolName:   tc.Function.Name,
		Arguments:  tc.Function.Arguments,
		Risk:       decision.EffectiveRisk,
		Reason:     decision.Reason,
	})
}

// executeTool runs an approved call on the bounded executor.
func (s *Service) executeTool(ctx context.Context, cid string,
	sess *session.Session, tc provider.ToolCall) provider.Message {
	name := tc.Function.Name
	entry, ok := s.registry.Get(name)
	if !ok || s.executor == nil {
		s.metrics.IncToolExecution(name, "error")
		return provider.NewToolMessage(tc.ID, fmt.Sprintf("Tool %s is not executable", name))
	}

	start := time.Now()
	output, err := s.executor.Execute(ctx, entry.Tool, tc.Function.Arguments)
	elapsed := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
		output = fmt.Sprintf("Tool %s failed: %v", name, err)
	}
	s.metrics.IncToolExecution(name, status)
	s.notify(ctx, EventToolExecuted, map[string]any{
		"session_id":  sess.ID,
		"tool_name":   name,
		"status":      status,
		"duration_ms": elapsed.Milliseconds(),
	})
	s.audit(audit.Event{
		EventType:     audit.EventExecution,
		CorrelationID: cid,
		SessionID:     sess.ID,
		ToolName:      name,
		Arguments:     argsMap(tc.Function.Arguments),
		Result:        output,
		Status:        status,
		DurationMS:    elapsed.Milliseconds(),
	})
	return provider.NewToolMessage(tc.ID, output)
}

// toolDeclarations renders the filtered catalog for the provider.
func (s *Service) toolDeclarations(f *tool.Filter) []provider.ToolDeclaration {
	if s.registry == nil {
		return nil
	}
	entries := s.registry.Entries(f)
	if len(entries) == 0 {
		return nil
	}
	decls := make([]provider.ToolDeclaration, 0, len(entries))
	for _, e := range entries {
		d := e.Tool.Declaration()
		var schema json.RawMessage
		if d.InputSchema != nil {
			schema, _ = json.Marshal(d.InputSchema)
		}
		decls = append(decls, provider.ToolDeclaration{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: schema,
		})
	}
	return decls
}

// fail reports a turn that ends without touching the stored history.
func (s *Service) fail(ctx context.Context, cid string, sess *session.Session,
	out chan<- provider.Event, kind provider.ErrorKind, msg string) {
	s.metrics.IncError("conversation", string(kind))
	s.audit(audit.Event{
		EventType:     audit.EventError,
		CorrelationID: cid,
		SessionID:     sess.ID,
		Message:       msg,
	})
	s.emit(ctx, out, provider.ErrorEvent(kind, msg, ""))
}

// emit forwards one event, giving up when the caller stopped listening.
func (s *Service) emit(ctx context.Context, out chan<- provider.Event, ev provider.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Service) notify(ctx context.Context, eventType string, data map[string]any) {
	if s.events != nil {
		s.events(ctx, eventType, data)
	}
}

func (s *Service) audit(ev audit.Event) {
	if s.auditor != nil {
		s.auditor.Emit(ev)
	}
}

// DefaultModel returns the model serving sessions that do not pin one.
func (s *Service) DefaultModel() string {
	return s.cfg.DefaultModel
}

// DeleteSession removes a session under its lock.
func (s *Service) DeleteSession(ctx context.Context, sid string) error {
	unlock, err := s.locks.Acquire(ctx, sid)
	if err != nil {
		return err
	}
	defer unlock()
	if err := s.store.Delete(ctx, sid); err != nil {
		return err
	}
	s.notify(ctx, EventSessionDeleted, map[string]any{"session_id": sid})
	return nil
}

// enforceMaxMessages drops the oldest non-system messages past the cap.
func enforceMaxMessages(messages []provider.Message, max int) []provider.Message {
	if max <= 0 || len(messages) <= max {
		return messages
	}
	if messages[0].Role == provider.RoleSystem {
		kept := messages[len(messages)-(max-1):]
		out := make([]provider.Message, 0, max)
		out = append(out, messages[0])
		return append(out, kept...)
	}
	return messages[len(messages)-max:]
}

// streamErrorKind classifies a synchronous StreamEvents failure.
func streamErrorKind(err error) provider.ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, provider.ErrCircuitOpen):
		return provider.KindCircuitOpen
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return provider.KindCanceled
	default:
		return provider.KindProviderError
	}
}

func turnStatus(interrupted bool) string {
	if interrupted {
		return "interrupted"
	}
	return "completed"
}

func approvalStatus(d tool.Decision) string {
	switch d.Action {
	case tool.ActionAllow:
		if d.Whitelisted {
			return "whitelisted"
		}
		return "auto_approved"
	case tool.ActionPrompt:
		return "prompted"
	default:
		if d.EffectiveRisk >= tool.RiskBlocked {
			return "blocked"
		}
		return "denied"
	}
}

func resolvedStatus(d approval.Decision) string {
	if d.Approved {
		return "approved"
	}
	return "denied"
}

func denialReason(d approval.Decision) string {
	if d.Reason != "" {
		return d.Reason
	}
	return "approval denied"
}

// argsMap decodes raw JSON arguments for audit; non-object payloads are
// recorded under a single key.
func argsMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	return m
}
