//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

package conversation

import (
	"context"
	"fmt"
	"strings"

	"trpc.group/trpc-go/consoul/provider"
)

// summaryPrefix marks the synthetic message that replaces a compacted
// history prefix.
const summaryPrefix = "[Conversation summary] "

// TokenLimitExceededError reports that the reserve leaves no room for any
// history inside the model's context window.
type TokenLimitExceededError struct {
	Window  int
	Reserve int
}

// Error implements the error interface.
func (e *TokenLimitExceededError) Error() string {
	return fmt.Sprintf("reserve of %d tokens leaves no room in a %d-token context window", e.Reserve, e.Window)
}

// estimateTokens approximates a message's cost when the provider has not
// reported an exact count. Four bytes per token plus per-message framing.
func estimateTokens(msg provider.Message) int {
	if msg.Tokens > 0 {
		return msg.Tokens
	}
	n := len(msg.Content)/4 + 4
	for _, tc := range msg.ToolCalls {
		n += (len(tc.Function.Name) + len(tc.Function.Arguments)) / 4
	}
	return n
}

// trimForWindow keeps the most recent messages fitting inside
// window-reserve tokens. The system message at index 0 always survives and
// messages are never split. Returns the input slice unchanged when it
// already fits.
func trimForWindow(messages []provider.Message, window, reserve int) ([]provider.Message, error) {
	if reserve >= window {
		return nil, &TokenLimitExceededError{Window: window, Reserve: reserve}
	}
	budget := window - reserve

	var system *provider.Message
	rest := messages
	if len(messages) > 0 && messages[0].Role == provider.RoleSystem {
		system = &messages[0]
		rest = messages[1:]
		budget -= estimateTokens(*system)
	}

	total := 0
	for _, msg := range rest {
		total += estimateTokens(msg)
	}
	if total <= budget {
		return messages, nil
	}

	// Walk back from the tail until the budget is spent.
	keepFrom := len(rest)
	used := 0
	for i := len(rest) - 1; i >= 0; i-- {
		cost := estimateTokens(rest[i])
		if used+cost > budget {
			break
		}
		used += cost
		keepFrom = i
	}

	kept := rest[keepFrom:]
	if system != nil {
		out := make([]provider.Message, 0, 1+len(kept))
		out = append(out, *system)
		return append(out, kept...), nil
	}
	return kept, nil
}

// maybeSummarize compacts the history prefix into one summary message when
// it has grown past threshold, keeping the last keepRecent messages
// verbatim. It is a no-op when the history is short enough, which makes
// repeated calls without new content idempotent. Returns the new history,
// the summary text ("" when nothing was compacted), and any provider error.
func (s *Service) maybeSummarize(
	ctx context.Context,
	messages []provider.Message,
	model string,
	threshold, keepRecent int,
) ([]provider.Message, string, error) {
	if threshold <= 0 || len(messages) < threshold {
		return messages, "", nil
	}
	if keepRecent < 0 {
		keepRecent = 0
	}

	var system *provider.Message
	rest := messages
	if len(messages) > 0 && messages[0].Role == provider.RoleSystem {
		system = &messages[0]
		rest = messages[1:]
	}
	if len(rest) <= keepRecent {
		return messages, "", nil
	}

	prefix := rest[:len(rest)-keepRecent]
	recent := rest[len(rest)-keepRecent:]

	summaryModel := s.cfg.SummaryModel
	if summaryModel == "" {
		summaryModel = model
	}
	summary, err := s.summarize(ctx, prefix, summaryModel)
	if err != nil {
		// Summarization is best-effort; the caller keeps the original
		// history untouched.
		return messages, "", fmt.Errorf("summarize history: %w", err)
	}

	out := make([]provider.Message, 0, 2+len(recent))
	if system != nil {
		out = append(out, *system)
	}
	out = append(out, provider.NewUserMessage(summaryPrefix+summary))
	out = append(out, recent...)
	return out, summary, nil
}

// summarize asks the summary model for a compact rendition of the prefix.
func (s *Service) summarize(ctx context.Context, prefix []provider.Message, model string) (string, error) {
	var transcript strings.Builder
	for _, msg := range prefix {
		if msg.Content == "" {
			continue
		}
		transcript.WriteString(string(msg.Role))
		transcript.WriteString(": ")
		transcript.WriteString(msg.Content)
		transcript.WriteString("\n")
	}

	req := &provider.Request{
		Model: model,
		Messages: []provider.Message{
			provider.NewSystemMessage("Summarize the following conversation in a few short paragraphs. " +
				"Preserve decisions, open questions and important facts."),
			provider.NewUserMessage(transcript.String()),
		},
	}

	events, err := s.gateway.StreamEvents(ctx, req)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	for ev := range events {
		switch ev.Type {
		case provider.EventToken:
			out.WriteString(ev.Token)
		case provider.EventError:
			return "", ev.Err
		case provider.EventDone:
			if out.Len() == 0 && ev.Done != nil {
				out.WriteString(ev.Done.Message.Content)
			}
		}
	}
	return out.String(), nil
}
