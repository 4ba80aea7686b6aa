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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLiteralMatchAfterNormalization(t *testing.T) {
	w := NewWhitelist([]string{"git status"})

	assert.True(t, w.Matches("git status"))
	assert.True(t, w.Matches("git   status"), "whitespace collapses")
	assert.True(t, w.Matches(`git "status"`), "quotes resolve before comparison")
	assert.False(t, w.Matches("git statuses"))
	assert.False(t, w.Matches("git"))
}

func TestLiteralNeverMatchesOperatorSuffix(t *testing.T) {
	w := NewWhitelist([]string{"git status"})

	for _, cmd := range []string{
		"git status && rm -rf /",
		"git status; rm -rf /",
		"git status | sh",
		"git status & rm x",
		"git status `reboot`",
		"git status $(reboot)",
	} {
		assert.False(t, w.Matches(cmd), "command %q", cmd)
	}
}

func TestLiteralMetacharactersStayLiteral(t *testing.T) {
	// ".*" is two characters, not a wildcard.
	w := NewWhitelist([]string{"cat .*"})
	assert.True(t, w.Matches("cat .*"))
	assert.False(t, w.Matches("cat anything"))
}

func TestRegexRequiresPrefixAndFullMatch(t *testing.T) {
	w := NewWhitelist([]string{`regex:git (status|log).*`})

	assert.True(t, w.Matches("git status"))
	assert.True(t, w.Matches("git log --oneline"))
	// Full match, never substring.
	assert.False(t, w.Matches("echo git status"))
	assert.False(t, w.Matches("not git log"))
}

func TestRegexRefusesOperatorCommands(t *testing.T) {
	w := NewWhitelist([]string{`regex:git .*`})
	// ".*" would match the operator suffix; the operator gate must refuse.
	assert.False(t, w.Matches("git status && rm -rf /"))
}

func TestInvalidRegexDropped(t *testing.T) {
	w := NewWhitelist([]string{`regex:git (status`, "ls"})
	assert.Equal(t, 1, w.Len(), "invalid regex is dropped, valid literal kept")
	assert.True(t, w.Matches("ls"))
}

func TestMatchReturnsPattern(t *testing.T) {
	w := NewWhitelist([]string{"git status", `regex:ls( -la)?`})
	assert.Equal(t, "git status", w.Match("git status"))
	assert.Equal(t, "regex:ls( -la)?", w.Match("ls -la"))
	assert.Equal(t, "", w.Match("reboot"))
}

func TestUnparseableCommandNeverWhitelisted(t *testing.T) {
	w := NewWhitelist([]string{"echo 'hi"})
	assert.Equal(t, 0, len(w.regexes))
	assert.False(t, w.Matches("echo 'hi"))
}
