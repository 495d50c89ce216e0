// Package prompts implements the prompt composition and structured-output
// subsystem of the contract-analysis pipeline: typed render contexts,
// frontmatter templates, conditional fragments, named compositions, schema
// driven output parsing and the multi-step workflow execution engine.
package prompts

import (
	"fmt"
	"sort"
	"strings"

	"contract_analysis/pkg/core/logging"
)

// ContextType scopes a render context to the role of the prompt being built.
type ContextType string

const (
	ContextTypeSystem     ContextType = "system"
	ContextTypeUser       ContextType = "user"
	ContextTypeAnalysis   ContextType = "analysis"
	ContextTypeValidation ContextType = "validation"
	ContextTypeExtraction ContextType = "extraction"
	ContextTypeGeneration ContextType = "generation"
)

var pkgLog = logging.NewNop()

// SetLogger installs the package logger used for permissive-path warnings
// (bad constructor input, fragment fallbacks). Defaults to a no-op logger.
func SetLogger(l *logging.Logger) {
	if l != nil {
		pkgLog = l
	}
}

// PromptContext is the variable bag every template renders against.
// Variables and Metadata are never nil; a constructor given the wrong thing
// coerces to an empty map rather than failing.
type PromptContext struct {
	ContextType ContextType
	Variables   map[string]interface{}
	Metadata    map[string]interface{}

	// Structured fields common to contract analysis. They are flattened into
	// the render namespace after Variables, so they shadow same-named keys.
	AustralianState string
	ContractType    string
	UserID          string
	DocumentID      string
	FocusAreas      []string
}

// NewPromptContext builds a context of the given type. A nil variables map is
// coerced to an empty one.
func NewPromptContext(ctype ContextType, variables map[string]interface{}) *PromptContext {
	if variables == nil {
		pkgLog.Warn("prompt context constructed with nil variables, coercing to empty map", "context_type", string(ctype))
		variables = map[string]interface{}{}
	}
	return &PromptContext{
		ContextType: ctype,
		Variables:   variables,
		Metadata:    map[string]interface{}{},
	}
}

// ensureMaps re-establishes the never-nil invariant on contexts built by hand.
func (c *PromptContext) ensureMaps() {
	if c.Variables == nil {
		c.Variables = map[string]interface{}{}
	}
	if c.Metadata == nil {
		c.Metadata = map[string]interface{}{}
	}
}

// Get traverses Variables by dot path and returns def on any missing
// intermediate key or type mismatch. It never fails.
func (c *PromptContext) Get(key string, def interface{}) interface{} {
	c.ensureMaps()
	parts := strings.Split(key, ".")
	var cur interface{} = c.Variables
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return def
		}
		cur, ok = m[p]
		if !ok {
			return def
		}
	}
	return cur
}

// Set writes a value by dot path, creating intermediate maps as needed.
// An intermediate that exists but is not a map is replaced.
func (c *PromptContext) Set(key string, value interface{}) {
	c.ensureMaps()
	parts := strings.Split(key, ".")
	m := c.Variables
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

// Merge returns a new context combining c and other, right-biased: other's
// non-empty scalar fields win, map fields merge key-wise and FocusAreas is a
// deduplicated union. Neither input is mutated.
func (c *PromptContext) Merge(other *PromptContext) *PromptContext {
	c.ensureMaps()
	out := &PromptContext{
		ContextType:     c.ContextType,
		Variables:       map[string]interface{}{},
		Metadata:        map[string]interface{}{},
		AustralianState: c.AustralianState,
		ContractType:    c.ContractType,
		UserID:          c.UserID,
		DocumentID:      c.DocumentID,
		FocusAreas:      append([]string(nil), c.FocusAreas...),
	}
	for k, v := range c.Variables {
		out.Variables[k] = v
	}
	for k, v := range c.Metadata {
		out.Metadata[k] = v
	}
	if other == nil {
		return out
	}
	other.ensureMaps()
	if other.ContextType != "" {
		out.ContextType = other.ContextType
	}
	for k, v := range other.Variables {
		out.Variables[k] = v
	}
	for k, v := range other.Metadata {
		out.Metadata[k] = v
	}
	if other.AustralianState != "" {
		out.AustralianState = other.AustralianState
	}
	if other.ContractType != "" {
		out.ContractType = other.ContractType
	}
	if other.UserID != "" {
		out.UserID = other.UserID
	}
	if other.DocumentID != "" {
		out.DocumentID = other.DocumentID
	}
	seen := make(map[string]bool, len(out.FocusAreas))
	for _, f := range out.FocusAreas {
		seen[f] = true
	}
	for _, f := range other.FocusAreas {
		if !seen[f] {
			out.FocusAreas = append(out.FocusAreas, f)
			seen[f] = true
		}
	}
	return out
}

// ContextError reports every required variable missing from a context.
type ContextError struct {
	Missing []string
}

func (e *ContextError) Error() string {
	return fmt.Sprintf("missing required context variables: %s", strings.Join(e.Missing, ", "))
}

// ValidateRequired checks that every named variable is present and non-nil in
// the flattened namespace, collecting all misses before failing.
func (c *PromptContext) ValidateRequired(required []string) error {
	flat := c.ToDict()
	var missing []string
	for _, name := range required {
		v, ok := flat[name]
		if !ok || v == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &ContextError{Missing: missing}
	}
	return nil
}

// ToDict flattens the context into a single render namespace. Structured
// fields are added after Variables so they shadow same-named variable keys;
// that ordering is deliberate and load-bearing for templates.
func (c *PromptContext) ToDict() map[string]interface{} {
	c.ensureMaps()
	out := make(map[string]interface{}, len(c.Variables)+8)
	for k, v := range c.Variables {
		out[k] = v
	}
	if c.AustralianState != "" {
		out["australian_state"] = c.AustralianState
	}
	if c.ContractType != "" {
		out["contract_type"] = c.ContractType
	}
	if c.UserID != "" {
		out["user_id"] = c.UserID
	}
	if c.DocumentID != "" {
		out["document_id"] = c.DocumentID
	}
	if len(c.FocusAreas) > 0 {
		out["focus_areas"] = c.FocusAreas
	}
	return out
}
