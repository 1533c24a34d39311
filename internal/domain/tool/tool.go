// Package tool defines the capability catalog agents invoke at runtime.
package tool

import (
	"context"
	"fmt"
	"slices"
)

// Category groups tools into capability classes. The set is closed; the
// agent-type allow-list in Registry.ForAgent switches exhaustively over it.
type Category string

const (
	CategoryMarket     Category = "market"
	CategoryAnalytics  Category = "analytics"
	CategoryContent    Category = "content"
	CategoryScheduling Category = "scheduling"
	CategorySystem     Category = "system"
)

// Parameter describes one entry of a tool's argument schema.
type Parameter struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"` // "string", "number", "boolean", "object", "array"
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required"`
	Enum        []string `json:"enum,omitempty"`
	Default     any      `json:"default,omitempty"`
}

// Validation is the outcome of a tool's argument validator.
type Validation struct {
	Valid bool
	Error string
}

// Tool is a named, versioned, schema-validated capability. Execute bodies
// are interface boundaries: implementations may call the store, the bus, or
// external services, and must honor ctx cancellation.
type Tool struct {
	Name        string
	Version     string
	Description string
	Category    Category
	Parameters  []Parameter

	// Validate overrides the default schema check when non-nil.
	Validate func(args map[string]any) Validation

	Execute func(ctx context.Context, args map[string]any) (any, error)
}

// CheckArgs validates args against the tool's parameter schema. It is used
// when the tool declares no custom validator. Missing optional parameters
// with defaults are filled in place.
func CheckArgs(t Tool, args map[string]any) Validation {
	for _, p := range t.Parameters {
		v, ok := args[p.Name]
		if !ok {
			if p.Required {
				return Validation{Valid: false, Error: fmt.Sprintf("missing required parameter %q", p.Name)}
			}
			if p.Default != nil {
				args[p.Name] = p.Default
			}
			continue
		}
		if p.Type != "" && !typeMatches(p.Type, v) {
			return Validation{Valid: false, Error: fmt.Sprintf("parameter %q must be a %s", p.Name, p.Type)}
		}
		if len(p.Enum) > 0 {
			s, isStr := v.(string)
			if !isStr || !slices.Contains(p.Enum, s) {
				return Validation{Valid: false, Error: fmt.Sprintf("parameter %q must be one of %v", p.Name, p.Enum)}
			}
		}
	}
	return Validation{Valid: true}
}

// typeMatches checks a value against a declared parameter type. Values
// arrive from JSON decoding, so numbers are float64; Go-native ints from
// in-process callers count as numbers too.
func typeMatches(declared string, v any) bool {
	switch declared {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	}
	return true
}
