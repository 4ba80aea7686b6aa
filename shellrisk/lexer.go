//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

// Package shellrisk scores shell command strings by risk and matches them
// against an execution whitelist.
package shellrisk

import (
	"errors"
	"strings"
)

// tokenKind discriminates lexed tokens.
type tokenKind int

const (
	tokenWord tokenKind = iota
	// tokenOperator covers control operators: && || ; | & ` $(
	tokenOperator
	// tokenRedirect covers > >> < 2> 2>> &> with the target in the next word.
	tokenRedirect
)

type token struct {
	kind tokenKind
	text string
}

var errUnterminated = errors.New("unterminated quote or substitution")

// lex splits a command respecting single quotes, double quotes and
// backslash escapes. Control operators and redirections come out as their
// own tokens. Backticks and $( are surfaced as operator tokens because
// command substitution executes whatever is inside.
func lex(input string) ([]token, error) {
	var tokens []token
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, token{kind: tokenWord, text: cur.String()})
			cur.Reset()
		}
	}

	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == '\\':
			if i+1 >= len(input) {
				return nil, errUnterminated
			}
			cur.WriteByte(input[i+1])
			i += 2
		case c == '\'':
			end := strings.IndexByte(input[i+1:], '\'')
			if end < 0 {
				return nil, errUnterminated
			}
			cur.WriteString(input[i+1 : i+1+end])
			i += end + 2
		case c == '"':
			j := i + 1
			for j < len(input) && input[j] != '"' {
				if input[j] == '\\' && j+1 < len(input) {
					j++
				}
				j++
			}
			if j >= len(input) {
				return nil, errUnterminated
			}
			body := input[i+1 : j]
			body = strings.ReplaceAll(body, `\"`, `"`)
			// $( inside double quotes still substitutes.
			if strings.Contains(body, "$(") || strings.Contains(body, "`") {
				flush()
				tokens = append(tokens, token{kind: tokenOperator, text: "$("})
			}
			cur.WriteString(body)
			i = j + 1
		case c == ' ' || c == '\t' || c == '\n':
			flush()
			i++
		case c == '&':
			flush()
			if i+1 < len(input) && input[i+1] == '&' {
				tokens = append(tokens, token{kind: tokenOperator, text: "&&"})
				i += 2
			} else if i+1 < len(input) && input[i+1] == '>' {
				tokens = append(tokens, token{kind: tokenRedirect, text: "&>"})
				i += 2
			} else {
				tokens = append(tokens, token{kind: tokenOperator, text: "&"})
				i++
			}
		case c == '|':
			flush()
			if i+1 < len(input) && input[i+1] == '|' {
				tokens = append(tokens, token{kind: tokenOperator, text: "||"})
				i += 2
			} else {
				tokens = append(tokens, token{kind: tokenOperator, text: "|"})
				i++
			}
		case c == ';':
			flush()
			tokens = append(tokens, token{kind: tokenOperator, text: ";"})
			i++
		case c == '`':
			flush()
			end := strings.IndexByte(input[i+1:], '`')
			if end < 0 {
				return nil, errUnterminated
			}
			tokens = append(tokens, token{kind: tokenOperator, text: "`"})
			// The substituted body is lexed as words so it still gets scored.
			inner, err := lex(input[i+1 : i+1+end])
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, inner...)
			i += end + 2
		case c == '$' && i+1 < len(input) && input[i+1] == '(':
			flush()
			depth := 1
			j := i + 2
			for j < len(input) && depth > 0 {
				switch input[j] {
				case '(':
					depth++
				case ')':
					depth--
				}
				j++
			}
			if depth != 0 {
				return nil, errUnterminated
			}
			tokens = append(tokens, token{kind: tokenOperator, text: "$("})
			inner, err := lex(input[i+2 : j-1])
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, inner...)
			i = j
		case c == '>' || c == '<':
			flush()
			op := string(c)
			if c == '>' && i+1 < len(input) && input[i+1] == '>' {
				op = ">>"
				i++
			}
			tokens = append(tokens, token{kind: tokenRedirect, text: op})
			i++
		case c >= '0' && c <= '9' && i+1 < len(input) && (input[i+1] == '>' || input[i+1] == '<') && cur.Len() == 0:
			// fd redirection like 2> or 2>>
			op := string(c) + string(input[i+1])
			i += 2
			if i < len(input) && input[i] == '>' {
				op += ">"
				i++
			}
			tokens = append(tokens, token{kind: tokenRedirect, text: op})
		default:
			cur.WriteByte(c)
			i++
		}
	}
	flush()
	return tokens, nil
}

// hasOperators reports whether any control operator appears.
func hasOperators(tokens []token) bool {
	for _, t := range tokens {
		if t.kind == tokenOperator {
			return true
		}
	}
	return false
}

// normalize reconstructs the canonical single-spaced form of a command.
// Quotes are resolved and whitespace collapsed, so "git  status" and
// `git "status"` normalize identically.
func normalize(tokens []token) string {
	parts := make([]string, 0, len(tokens))
	for _, t := range tokens {
		parts = append(parts, t.text)
	}
	return strings.Join(parts, " ")
}

// segment is one pipeline/sequence element: a command with its redirect
// targets.
type segment struct {
	words     []string
	redirects []string // redirection target paths
}

// split cuts the token stream at control operators. Backtick and $( count
// as separators so a substitution body becomes its own segment and its
// binary gets scored.
func split(tokens []token) []segment {
	var segs []segment
	cur := segment{}
	flush := func() {
		if len(cur.words) > 0 || len(cur.redirects) > 0 {
			segs = append(segs, cur)
		}
		cur = segment{}
	}
	for i := 0; i < len(tokens); i++ {
		t := tokens[i]
		switch t.kind {
		case tokenOperator:
			flush()
		case tokenRedirect:
			if i+1 < len(tokens) && tokens[i+1].kind == tokenWord {
				cur.redirects = append(cur.redirects, tokens[i+1].text)
				i++
			}
		default:
			cur.words = append(cur.words, t.text)
		}
	}
	flush()
	return segs
}
