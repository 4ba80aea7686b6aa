//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

package audit

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"trpc.group/trpc-go/consoul/log"
)

const (
	redactedMarker = "[REDACTED]"
	// DefaultMaxLength caps string values before truncation.
	DefaultMaxLength = 1000
	truncatedSuffix  = "...[TRUNCATED]"
)

// defaultSensitiveFields are key names whose values are always redacted.
var defaultSensitiveFields = []string{
	"password",
	"passwd",
	"api_key",
	"apikey",
	"token",
	"access_token",
	"refresh_token",
	"secret",
	"client_secret",
	"authorization",
	"credential",
	"private_key",
}

// secretPattern pairs a detector with the kind tag that replaces matches.
type secretPattern struct {
	kind string
	re   *regexp.Regexp
}

// defaultSecretPatterns detect well-known secret shapes inside values.
// Ordering matters: more specific prefixes come before generic ones.
var defaultSecretPatterns = []secretPattern{
	{"ANTHROPIC-KEY", regexp.MustCompile(`sk-ant-[A-Za-z0-9\-_]{8,}`)},
	{"OPENAI-KEY", regexp.MustCompile(`sk-[A-Za-z0-9\-_]{16,}`)},
	{"GITHUB-TOKEN", regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`)},
	{"JWT", regexp.MustCompile(`eyJ[A-Za-z0-9_\-]{6,}\.[A-Za-z0-9_\-]{6,}\.[A-Za-z0-9_\-]{6,}`)},
	{"SSN", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"CREDIT-CARD", regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)},
}

// Redactor scrubs secrets from audit payloads before serialization.
// Redaction is idempotent: scrubbing an already-scrubbed payload is a no-op.
type Redactor struct {
	fields    map[string]struct{}
	patterns  []secretPattern
	maxLength int
}

// RedactorOption configures a Redactor.
type RedactorOption func(*Redactor)

// WithSensitiveFields replaces the field-name set.
func WithSensitiveFields(fields []string) RedactorOption {
	return func(r *Redactor) {
		r.fields = make(map[string]struct{}, len(fields))
		for _, f := range fields {
			r.fields[strings.ToLower(f)] = struct{}{}
		}
	}
}

// WithExtraPatterns adds custom detectors. Expressions that fail to compile
// are dropped with a warning.
func WithExtraPatterns(patterns map[string]string) RedactorOption {
	return func(r *Redactor) {
		for kind, expr := range patterns {
			re, err := regexp.Compile(expr)
			if err != nil {
				log.Warnf("audit: invalid redaction pattern %q dropped: %v", kind, err)
				continue
			}
			r.patterns = append(r.patterns, secretPattern{kind: kind, re: re})
		}
	}
}

// WithMaxLength overrides the truncation threshold.
func WithMaxLength(n int) RedactorOption {
	return func(r *Redactor) {
		if n > 0 {
			r.maxLength = n
		}
	}
}

// NewRedactor creates a Redactor with the default field set and detectors.
func NewRedactor(opts ...RedactorOption) *Redactor {
	r := &Redactor{
		fields:    make(map[string]struct{}, len(defaultSensitiveFields)),
		patterns:  defaultSecretPatterns,
		maxLength: DefaultMaxLength,
	}
	for _, f := range defaultSensitiveFields {
		r.fields[f] = struct{}{}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Redact returns a scrubbed copy of v. Maps and slices are walked
// recursively; the input is never mutated.
func (r *Redactor) Redact(v any) any {
	switch value := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, inner := range value {
			if _, sensitive := r.fields[strings.ToLower(k)]; sensitive {
				out[k] = redactedMarker
				continue
			}
			out[k] = r.Redact(inner)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, inner := range value {
			out[i] = r.Redact(inner)
		}
		return out
	case string:
		return r.redactString(value)
	default:
		return v
	}
}

// redactString applies the pattern detectors and then truncates. Already
// redacted markers are left untouched so the operation stays idempotent.
func (r *Redactor) redactString(s string) string {
	for _, p := range r.patterns {
		s = p.re.ReplaceAllString(s, fmt.Sprintf("[REDACTED-%s]", p.kind))
	}
	if len(s) > r.maxLength && !strings.HasSuffix(s, truncatedSuffix) {
		// Back up to a rune boundary so the cut never emits invalid UTF-8.
		cut := r.maxLength
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + truncatedSuffix
	}
	return s
}
