//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

package shellrisk

import (
	"regexp"
	"strings"

	"trpc.group/trpc-go/consoul/log"
)

// regexPrefix marks a whitelist pattern as a regular expression. Everything
// else is literal, even when it contains metacharacters; regex-ness is never
// inferred.
const regexPrefix = "regex:"

var operatorLiterals = []string{"&&", "||", ";", "|", "`", "$(", "&"}

// Whitelist matches commands approved for execution without prompting.
type Whitelist struct {
	// literals maps normalized command forms to their original patterns.
	literals map[string]string
	regexes  []compiledPattern
}

type compiledPattern struct {
	source       string
	re           *regexp.Regexp
	hasOperators bool
}

// NewWhitelist compiles the configured patterns. Invalid regex patterns are
// dropped with a warning rather than failing the whole list.
func NewWhitelist(patterns []string) *Whitelist {
	w := &Whitelist{literals: make(map[string]string)}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(p, regexPrefix); ok {
			// Full-match semantics, never substring.
			re, err := regexp.Compile("^(?:" + rest + ")$")
			if err != nil {
				log.Warnf("whitelist: dropping invalid regex pattern %q: %v", p, err)
				continue
			}
			w.regexes = append(w.regexes, compiledPattern{
				source:       rest,
				re:           re,
				hasOperators: containsOperatorLiteral(rest),
			})
			continue
		}
		tokens, err := lex(p)
		if err != nil {
			log.Warnf("whitelist: dropping unparseable literal pattern %q: %v", p, err)
			continue
		}
		w.literals[normalize(tokens)] = p
	}
	return w
}

// Len reports how many patterns survived compilation.
func (w *Whitelist) Len() int {
	return len(w.literals) + len(w.regexes)
}

// Match returns the pattern that approves command, or "" when none does.
//
// A pattern never matches a command containing shell operators unless the
// operator is literally part of the pattern: "git status" must not approve
// "git status && rm -rf /".
func (w *Whitelist) Match(command string) string {
	tokens, err := lex(command)
	if err != nil {
		// Unparseable commands are never whitelisted.
		return ""
	}
	normalized := normalize(tokens)
	commandHasOps := hasOperators(tokens)

	// Literal: exact equality on the canonical token form. Operator tokens
	// are part of that form, so a pattern without them can never equal a
	// command with them.
	if pattern, ok := w.literals[normalized]; ok {
		return pattern
	}

	for _, cp := range w.regexes {
		if commandHasOps && !cp.hasOperators {
			continue
		}
		if cp.re.MatchString(command) || cp.re.MatchString(normalized) {
			return regexPrefix + cp.source
		}
	}
	return ""
}

// Matches reports whether any pattern approves command.
func (w *Whitelist) Matches(command string) bool {
	return w.Match(command) != ""
}

func containsOperatorLiteral(pattern string) bool {
	for _, op := range operatorLiterals {
		if strings.Contains(pattern, op) {
			return true
		}
	}
	return false
}
