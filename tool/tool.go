//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

// Package tool defines the tool abstraction, its risk model and the
// registry gating invocations behind permission policies.
package tool

import (
	"context"
	"encoding/json"
)

// Schema is the JSON-schema subset used to describe tool inputs and outputs.
type Schema struct {
	Type                 string             `json:"type,omitempty"`
	Description          string             `json:"description,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Required             []string           `json:"required,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	Enum                 []any              `json:"enum,omitempty"`
	AdditionalProperties *Schema            `json:"additionalProperties,omitempty"`
}

// Declaration describes a tool to the model.
type Declaration struct {
	// Name is the unique tool name.
	Name string `json:"name"`
	// Description tells the model what the tool does.
	Description string `json:"description"`
	// InputSchema describes the arguments object.
	InputSchema *Schema `json:"input_schema,omitempty"`
	// OutputSchema describes the result, when structured.
	OutputSchema *Schema `json:"output_schema,omitempty"`
}

// Tool is the minimal capability: it can describe itself.
type Tool interface {
	// Declaration returns the tool's description for the model.
	Declaration() *Declaration
}

// CallableTool is a tool that can execute with JSON arguments.
type CallableTool interface {
	Tool
	// Call executes the tool. jsonArgs is the raw arguments object from
	// the model.
	Call(ctx context.Context, jsonArgs []byte) (any, error)
}

// RiskLevel orders how dangerous a tool invocation is.
type RiskLevel int

// Risk levels, from benign to forbidden. The ordering is meaningful:
// effective risk is computed with max().
const (
	RiskSafe RiskLevel = iota
	RiskCaution
	RiskDangerous
	RiskBlocked
)

// String returns the level name.
func (r RiskLevel) String() string {
	switch r {
	case RiskSafe:
		return "SAFE"
	case RiskCaution:
		return "CAUTION"
	case RiskDangerous:
		return "DANGEROUS"
	case RiskBlocked:
		return "BLOCKED"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON encodes the level as its name.
func (r RiskLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes a level name; unknown names decode as DANGEROUS so
// a typo in configuration fails safe.
func (r *RiskLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*r = ParseRiskLevel(s)
	return nil
}

// ParseRiskLevel maps a level name to its value; unknown names map to
// DANGEROUS.
func ParseRiskLevel(s string) RiskLevel {
	switch s {
	case "SAFE":
		return RiskSafe
	case "CAUTION":
		return RiskCaution
	case "DANGEROUS":
		return RiskDangerous
	case "BLOCKED":
		return RiskBlocked
	default:
		return RiskDangerous
	}
}

// MaxRisk returns the higher of two levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if a > b {
		return a
	}
	return b
}

// Category groups tools by the kind of side effect they have.
type Category string

// Categories used by the built-in tools. The set is open; registrations
// may use their own.
const (
	CategorySearch   Category = "search"
	CategoryWeb      Category = "web"
	CategoryFileEdit Category = "file_edit"
	CategoryShell    Category = "shell"
	CategoryNetwork  Category = "network"
)
