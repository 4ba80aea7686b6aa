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
	"encoding/json"
	"fmt"
	"sync"

	"trpc.group/trpc-go/consoul/log"
)

// Policy names a permission policy.
type Policy string

// Permission policies, ordered strict to permissive.
const (
	PolicyStrict        Policy = "STRICT"
	PolicyBalanced      Policy = "BALANCED"
	PolicyTrusting      Policy = "TRUSTING"
	PolicyWhitelistOnly Policy = "WHITELIST_ONLY"
)

// ParsePolicy maps a policy name to its value; unknown names fall back to
// BALANCED, the default.
func ParsePolicy(s string) Policy {
	switch Policy(s) {
	case PolicyStrict, PolicyBalanced, PolicyTrusting, PolicyWhitelistOnly:
		return Policy(s)
	default:
		return PolicyBalanced
	}
}

// Action is the outcome of a permission check.
type Action int

// Permission check outcomes.
const (
	// ActionAllow executes without prompting.
	ActionAllow Action = iota
	// ActionPrompt requires an approval round-trip.
	ActionPrompt
	// ActionDeny refuses execution outright.
	ActionDeny
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionPrompt:
		return "prompt"
	default:
		return "deny"
	}
}

// Decision is the full result of NeedsApproval.
type Decision struct {
	Action        Action
	Reason        string
	EffectiveRisk RiskLevel
	// Whitelisted reports that a whitelist match produced the allow.
	Whitelisted bool
}

// Entry is one catalog record.
type Entry struct {
	Tool       CallableTool
	Risk       RiskLevel
	Categories []Category
	Tags       []string
	Enabled    bool
}

// Name returns the tool name from its declaration.
func (e *Entry) Name() string {
	return e.Tool.Declaration().Name
}

// HasCategory reports whether the entry carries c.
func (e *Entry) HasCategory(c Category) bool {
	for _, cat := range e.Categories {
		if cat == c {
			return true
		}
	}
	return false
}

// Analyzer scores concrete shell arguments; shellrisk.Analyze satisfies it.
type Analyzer func(command string) RiskLevel

// CommandWhitelist matches shell commands approved without prompting;
// *shellrisk.Whitelist satisfies it.
type CommandWhitelist interface {
	Matches(command string) bool
}

// Registry is the process-wide tool catalog. Reads dominate; registration
// takes the write lock.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*Entry
	policy    Policy
	analyzer  Analyzer
	whitelist CommandWhitelist
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithPolicy sets the permission policy (default BALANCED).
func WithPolicy(p Policy) RegistryOption {
	return func(r *Registry) { r.policy = p }
}

// WithAnalyzer wires the shell-command analyzer used to raise the
// effective risk of shell-category tools.
func WithAnalyzer(a Analyzer) RegistryOption {
	return func(r *Registry) { r.analyzer = a }
}

// WithWhitelist wires the command whitelist.
func WithWhitelist(w CommandWhitelist) RegistryOption {
	return func(r *Registry) { r.whitelist = w }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]*Entry),
		policy:  PolicyBalanced,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a tool. A duplicate name replaces the previous entry with
// a warning.
func (r *Registry) Register(t CallableTool, risk RiskLevel, categories []Category, tags ...string) {
	name := t.Declaration().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		log.Warnf("registry: replacing tool %s", name)
	}
	r.entries[name] = &Entry{
		Tool:       t,
		Risk:       risk,
		Categories: categories,
		Tags:       tags,
		Enabled:    true,
	}
}

// Deregister removes a tool by name.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	delete(r.entries, name)
	r.mu.Unlock()
}

// SetEnabled flips a tool's enabled flag.
func (r *Registry) SetEnabled(name string, enabled bool) {
	r.mu.Lock()
	if e, ok := r.entries[name]; ok {
		e.Enabled = enabled
	}
	r.mu.Unlock()
}

// Policy returns the active permission policy.
func (r *Registry) Policy() Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policy
}

// Get returns the entry for name.
func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Entries returns all entries passing the filter, nil filter meaning all.
func (r *Registry) Entries(f *Filter) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.Enabled {
			continue
		}
		if f != nil && !f.permits(e) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// NeedsApproval decides how a tool invocation proceeds. The evaluation
// order is fixed: blocked and filter denials first, whitelist second,
// policy against effective risk last. Effective risk for shell-category
// tools is the maximum of the registered risk and the analyzer's verdict
// on the concrete command.
func (r *Registry) NeedsApproval(name string, args json.RawMessage, filter *Filter) Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return Decision{Action: ActionDeny, Reason: fmt.Sprintf("unknown tool %s", name)}
	}
	if !e.Enabled {
		return Decision{Action: ActionDeny, Reason: fmt.Sprintf("tool %s is disabled", name), EffectiveRisk: e.Risk}
	}

	// 1. Hard denials: blocked risk and filter rejections. Nothing later
	// may override these.
	effective := e.Risk
	command := ""
	if e.HasCategory(CategoryShell) {
		command = commandArg(args)
		if r.analyzer != nil && command != "" {
			effective = MaxRisk(effective, r.analyzer(command))
		}
	}
	if effective >= RiskBlocked {
		return Decision{
			Action:        ActionDeny,
			Reason:        fmt.Sprintf("tool %s is blocked at risk %s", name, effective),
			EffectiveRisk: effective,
		}
	}
	if filter != nil {
		if denied, reason := filter.denies(e); denied {
			return Decision{Action: ActionDeny, Reason: reason, EffectiveRisk: effective}
		}
	}

	// 2. Whitelist bypass.
	if command != "" && r.whitelist != nil && r.whitelist.Matches(command) {
		return Decision{
			Action:        ActionAllow,
			Reason:        "command whitelisted",
			EffectiveRisk: effective,
			Whitelisted:   true,
		}
	}

	// 3. Policy table by effective risk.
	return r.applyPolicy(name, effective)
}

func (r *Registry) applyPolicy(name string, risk RiskLevel) Decision {
	d := Decision{EffectiveRisk: risk}
	switch r.policy {
	case PolicyStrict:
		switch risk {
		case RiskSafe, RiskCaution:
			d.Action = ActionPrompt
			d.Reason = "strict policy prompts for every tool"
		default:
			d.Action = ActionDeny
			d.Reason = fmt.Sprintf("strict policy denies %s tools", risk)
		}
	case PolicyTrusting:
		switch risk {
		case RiskSafe, RiskCaution:
			d.Action = ActionAllow
			d.Reason = "trusting policy auto-approves " + risk.String()
		default:
			d.Action = ActionPrompt
			d.Reason = "trusting policy prompts for DANGEROUS tools"
		}
	case PolicyWhitelistOnly:
		d.Action = ActionDeny
		d.Reason = fmt.Sprintf("whitelist-only policy denies %s without a whitelist match", name)
	default: // PolicyBalanced
		switch risk {
		case RiskSafe:
			d.Action = ActionAllow
			d.Reason = "balanced policy auto-approves SAFE"
		default:
			d.Action = ActionPrompt
			d.Reason = fmt.Sprintf("balanced policy prompts for %s tools", risk)
		}
	}
	return d
}

// commandArg extracts the "command" string from a shell tool's arguments.
func commandArg(args json.RawMessage) string {
	if len(args) == 0 {
		return ""
	}
	var payload struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &payload); err != nil {
		return ""
	}
	return payload.Command
}
