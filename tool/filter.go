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
	"fmt"

	"trpc.group/trpc-go/consoul/log"
)

// Filter narrows the tool catalog for one session.
//
// Precedence: Deny beats everything; a non-empty Allow acts as a whitelist
// (unmentioned tools are rejected); then the risk ceiling; then the
// category set. A name in both Allow and Deny warns once and denies.
type Filter struct {
	Allow      []string   `json:"allow,omitempty"`
	Deny       []string   `json:"deny,omitempty"`
	MaxRisk    *RiskLevel `json:"risk_level_max,omitempty"`
	Categories []Category `json:"categories,omitempty"`
}

// denies applies the filter to one entry, returning the denial reason.
func (f *Filter) denies(e *Entry) (bool, string) {
	name := e.Name()
	inDeny := containsString(f.Deny, name)
	inAllow := containsString(f.Allow, name)
	if inDeny && inAllow {
		log.Warnf("tool filter: %s appears in both allow and deny; deny wins", name)
	}
	if inDeny {
		return true, fmt.Sprintf("tool %s denied by session filter", name)
	}
	if len(f.Allow) > 0 && !inAllow {
		return true, fmt.Sprintf("tool %s not in session allow list", name)
	}
	if f.MaxRisk != nil && e.Risk > *f.MaxRisk {
		return true, fmt.Sprintf("tool %s risk %s exceeds session ceiling %s", name, e.Risk, *f.MaxRisk)
	}
	if len(f.Categories) > 0 {
		matched := false
		for _, c := range f.Categories {
			if e.HasCategory(c) {
				matched = true
				break
			}
		}
		if !matched {
			return true, fmt.Sprintf("tool %s outside permitted categories", name)
		}
	}
	return false, ""
}

// permits reports whether the entry survives the filter.
func (f *Filter) permits(e *Entry) bool {
	denied, _ := f.denies(e)
	return !denied
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
