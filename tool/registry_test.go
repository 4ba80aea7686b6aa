//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

package tool

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTool is a minimal callable tool for registry tests.
type stubTool struct {
	name string
}

func (s *stubTool) Declaration() *Declaration {
	return &Declaration{Name: s.name, Description: "stub"}
}

func (s *stubTool) Call(ctx context.Context, jsonArgs []byte) (any, error) {
	return "ok", nil
}

// stubAnalyzer returns a fixed verdict per command.
func stubAnalyzer(verdicts map[string]RiskLevel) Analyzer {
	return func(command string) RiskLevel {
		if lvl, ok := verdicts[command]; ok {
			return lvl
		}
		return RiskSafe
	}
}

type stubWhitelist map[string]bool

func (w stubWhitelist) Matches(command string) bool { return w[command] }

func shellArgs(command string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"command": command})
	return data
}

func TestRegisterDuplicateReplaces(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "echo"}, RiskSafe, nil)
	r.Register(&stubTool{name: "echo"}, RiskCaution, nil)

	e, ok := r.Get("echo")
	require.True(t, ok)
	assert.Equal(t, RiskCaution, e.Risk)
	assert.Len(t, r.Entries(nil), 1)
}

func TestUnknownToolDenied(t *testing.T) {
	r := NewRegistry()
	d := r.NeedsApproval("ghost", nil, nil)
	assert.Equal(t, ActionDeny, d.Action)
}

func TestBlockedToolAlwaysDenied(t *testing.T) {
	// Even under the most permissive policy and a whitelist match.
	r := NewRegistry(
		WithPolicy(PolicyTrusting),
		WithWhitelist(stubWhitelist{"anything": true}),
	)
	r.Register(&stubTool{name: "nuke"}, RiskBlocked, []Category{CategoryShell})

	d := r.NeedsApproval("nuke", shellArgs("anything"), nil)
	assert.Equal(t, ActionDeny, d.Action)
	assert.False(t, d.Whitelisted)
}

func TestPolicyTable(t *testing.T) {
	cases := []struct {
		policy Policy
		risk   RiskLevel
		want   Action
	}{
		{PolicyStrict, RiskSafe, ActionPrompt},
		{PolicyStrict, RiskCaution, ActionPrompt},
		{PolicyStrict, RiskDangerous, ActionDeny},
		{PolicyBalanced, RiskSafe, ActionAllow},
		{PolicyBalanced, RiskCaution, ActionPrompt},
		{PolicyBalanced, RiskDangerous, ActionPrompt},
		{PolicyTrusting, RiskSafe, ActionAllow},
		{PolicyTrusting, RiskCaution, ActionAllow},
		{PolicyTrusting, RiskDangerous, ActionPrompt},
		{PolicyWhitelistOnly, RiskSafe, ActionDeny},
		{PolicyWhitelistOnly, RiskCaution, ActionDeny},
		{PolicyWhitelistOnly, RiskDangerous, ActionDeny},
	}
	for _, c := range cases {
		r := NewRegistry(WithPolicy(c.policy))
		r.Register(&stubTool{name: "t"}, c.risk, nil)
		d := r.NeedsApproval("t", nil, nil)
		assert.Equal(t, c.want, d.Action, "policy %s risk %s", c.policy, c.risk)
	}
}

func TestWhitelistBypassesPolicy(t *testing.T) {
	r := NewRegistry(
		WithPolicy(PolicyWhitelistOnly),
		WithWhitelist(stubWhitelist{"git status": true}),
	)
	r.Register(&stubTool{name: "bash"}, RiskCaution, []Category{CategoryShell})

	d := r.NeedsApproval("bash", shellArgs("git status"), nil)
	assert.Equal(t, ActionAllow, d.Action)
	assert.True(t, d.Whitelisted)

	d = r.NeedsApproval("bash", shellArgs("git push"), nil)
	assert.Equal(t, ActionDeny, d.Action)
}

func TestEffectiveRiskIsMaxOfRegisteredAndAnalyzer(t *testing.T) {
	r := NewRegistry(WithAnalyzer(stubAnalyzer(map[string]RiskLevel{
		"rm -rf /":    RiskBlocked,
		"rm -rf /tmp": RiskDangerous,
		"ls":          RiskSafe,
	})))
	r.Register(&stubTool{name: "bash"}, RiskCaution, []Category{CategoryShell})

	// Analyzer raises CAUTION to BLOCKED: denial, no prompt.
	d := r.NeedsApproval("bash", shellArgs("rm -rf /"), nil)
	assert.Equal(t, ActionDeny, d.Action)
	assert.Equal(t, RiskBlocked, d.EffectiveRisk)

	// Analyzer raises to DANGEROUS: balanced policy prompts.
	d = r.NeedsApproval("bash", shellArgs("rm -rf /tmp"), nil)
	assert.Equal(t, ActionPrompt, d.Action)
	assert.Equal(t, RiskDangerous, d.EffectiveRisk)

	// SAFE verdict does not lower the registered CAUTION.
	d = r.NeedsApproval("bash", shellArgs("ls"), nil)
	assert.Equal(t, RiskCaution, d.EffectiveRisk)
}

func TestFilterPrecedence(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "read_file"}, RiskSafe, []Category{CategoryFileEdit})
	r.Register(&stubTool{name: "bash"}, RiskCaution, []Category{CategoryShell})

	// Deny beats allow.
	f := &Filter{Allow: []string{"bash"}, Deny: []string{"bash"}}
	d := r.NeedsApproval("bash", nil, f)
	assert.Equal(t, ActionDeny, d.Action)

	// Allow acts as a whitelist: unmentioned tools rejected.
	f = &Filter{Allow: []string{"read_file"}}
	d = r.NeedsApproval("bash", nil, f)
	assert.Equal(t, ActionDeny, d.Action)
	d = r.NeedsApproval("read_file", nil, f)
	assert.Equal(t, ActionAllow, d.Action)

	// Risk ceiling.
	maxSafe := RiskSafe
	f = &Filter{MaxRisk: &maxSafe}
	d = r.NeedsApproval("bash", nil, f)
	assert.Equal(t, ActionDeny, d.Action)

	// Category restriction.
	f = &Filter{Categories: []Category{CategoryFileEdit}}
	d = r.NeedsApproval("bash", nil, f)
	assert.Equal(t, ActionDeny, d.Action)
	d = r.NeedsApproval("read_file", nil, f)
	assert.Equal(t, ActionAllow, d.Action)
}

func TestWhitelistDoesNotBypassFilterDenial(t *testing.T) {
	r := NewRegistry(WithWhitelist(stubWhitelist{"git status": true}))
	r.Register(&stubTool{name: "bash"}, RiskCaution, []Category{CategoryShell})

	f := &Filter{Deny: []string{"bash"}}
	d := r.NeedsApproval("bash", shellArgs("git status"), f)
	assert.Equal(t, ActionDeny, d.Action)
	assert.False(t, d.Whitelisted)
}

func TestDisabledToolDenied(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "bash"}, RiskCaution, nil)
	r.SetEnabled("bash", false)

	d := r.NeedsApproval("bash", nil, nil)
	assert.Equal(t, ActionDeny, d.Action)
	assert.Empty(t, r.Entries(nil))
}

func TestEntriesAppliesFilter(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "bash"}, RiskCaution, []Category{CategoryShell})
	r.Register(&stubTool{name: "search"}, RiskSafe, []Category{CategorySearch})

	entries := r.Entries(&Filter{Categories: []Category{CategorySearch}})
	require.Len(t, entries, 1)
	assert.Equal(t, "search", entries[0].Name())
}
