package node

import (
	"context"
	"fmt"

	"contract_analysis/pkg/core/llm"
	"contract_analysis/pkg/core/logging"
	"contract_analysis/pkg/core/prompts"
)

// NodeHooks are the variation points of the fixed LLM node skeleton. A
// concrete node embeds ContractLLMNode (or LLMNode) and supplies the hooks
// it needs; the skeleton in Execute never changes.
type NodeHooks interface {
	// ShortCircuitCheck returns a non-nil state to stop execution early
	// (idempotent skip). Errors here degrade to "no short circuit".
	ShortCircuitCheck(ctx context.Context, state State) (State, error)
	// BuildContextAndParser returns the prompt context, the output parser
	// and the composition name for this node's render.
	BuildContextAndParser(ctx context.Context, state State) (*prompts.PromptContext, prompts.OutputParser, string, error)
	// CoerceToModel converts a successful parse into the node's domain value.
	CoerceToModel(result *prompts.ParsingResult) (interface{}, error)
	// EvaluateQuality scores a coerced value. Must include "ok" (bool);
	// "coverage" (float64 in [0,1]) feeds fallback selection.
	EvaluateQuality(value interface{}) map[string]interface{}
	// PersistResults is best-effort; failures are logged and swallowed.
	PersistResults(ctx context.Context, state State, value interface{}) error
	// UpdateStateSuccess returns the final state for a successful run.
	UpdateStateSuccess(state State, value interface{}, quality map[string]interface{}) State
}

// GenerateFunc is the model-call boundary, injectable for tests. The default
// routes the model name to a provider-backed client.
type GenerateFunc func(ctx context.Context, model, prompt, systemPrompt string, opts map[string]interface{}) (string, error)

// LLMNode is the template-method core shared by every LLM-backed analysis
// node: render composition, call primary model, parse, score, try fallback
// models, persist, update state. Any error inside the skeleton is converted
// to an error state exactly once.
type LLMNode struct {
	BaseNode

	Hooks    NodeHooks
	Manager  *prompts.PromptManager
	Generate GenerateFunc
}

// NewLLMNode builds the node core. Hooks must be set by the embedding node
// before Execute is called.
func NewLLMNode(name string, totalSteps int, manager *prompts.PromptManager, log *logging.Logger) LLMNode {
	n := LLMNode{
		BaseNode: NewBaseNode(name, totalSteps, log),
		Manager:  manager,
	}
	n.Generate = func(ctx context.Context, model, prompt, systemPrompt string, opts map[string]interface{}) (string, error) {
		return llm.ClientForModel(model).Generate(ctx, prompt, systemPrompt, opts)
	}
	return n
}

// attempt is one model's parse outcome during fallback selection.
type attempt struct {
	model   string
	value   interface{}
	quality map[string]interface{}
	score   float64
	parsed  *prompts.ParsingResult
}

// Execute runs the fixed skeleton. It is total: no error escapes past the
// node boundary; everything routes through HandleNodeError.
func (n *LLMNode) Execute(ctx context.Context, state State) State {
	n.EmitProgress(state, 0, n.Name+" started")

	if cached, err := n.Hooks.ShortCircuitCheck(ctx, state); err != nil {
		n.Log.Warn("short-circuit check failed, proceeding", "error", err)
	} else if cached != nil {
		return cached
	}

	pctx, parser, composition, err := n.Hooks.BuildContextAndParser(ctx, state)
	if err != nil {
		return n.HandleNodeError(state, err, "failed to build prompt context", nil)
	}

	composed, err := n.Manager.RenderComposed(composition, pctx, nil, parser)
	if err != nil {
		return n.HandleNodeError(state, err, "failed to render composition", map[string]interface{}{"composition": composition})
	}

	primary, fallbacks := resolveModels(composed.Metadata)
	if primary == "" {
		return n.HandleNodeError(state, fmt.Errorf("composition %q resolves no model", composition), "no model resolved", nil)
	}

	best, err := n.tryModel(ctx, primary, composed, parser)
	if err != nil {
		return n.HandleNodeError(state, err, "primary generation failed", map[string]interface{}{"model": primary})
	}

	qualityOK := best != nil && truthy(best.quality["ok"])
	if !qualityOK && len(fallbacks) > 0 {
		for _, model := range fallbacks {
			cand, err := n.tryModel(ctx, model, composed, parser)
			if err != nil {
				n.Log.Warn("fallback model failed", "model", model, "error", err)
				continue
			}
			if cand == nil {
				continue
			}
			// Strictly greater: ties and no-better fallbacks keep the
			// earlier result in place.
			if best == nil || cand.score > best.score {
				best = cand
			}
		}
	}

	if best == nil {
		n.Log.Warn("no model produced parseable output, skipping step", "composition", composition)
		n.EmitProgress(state, 100, n.Name+" skipped")
		return n.UpdateStateStep(state, n.Name, map[string]interface{}{"status": "skipped", "reason": "no parseable output"}, "")
	}

	if err := n.Hooks.PersistResults(ctx, state, best.value); err != nil {
		n.Log.Warn("persistence failed, result kept in state only", "error", err)
	}

	out := n.Hooks.UpdateStateSuccess(state, best.value, best.quality)
	out.ConfidenceScores()[n.Name] = best.parsed.ConfidenceScore
	n.EmitProgress(out, 100, n.Name+" completed")
	return out
}

// tryModel runs one model end to end: generate, parse with retry, coerce,
// score. A nil attempt with nil error means the model produced nothing
// parseable.
func (n *LLMNode) tryModel(ctx context.Context, model string, composed *prompts.ComposedPrompt, parser prompts.OutputParser) (*attempt, error) {
	opts := map[string]interface{}{}
	if parser != nil {
		opts["expects_structured_output"] = true
	}
	if mt, ok := composed.Metadata["max_tokens"].(int); ok {
		opts["max_tokens"] = mt
	}

	raw, err := n.Generate(ctx, model, composed.User, composed.System, opts)
	if err != nil {
		if llm.IsAuthError(err) {
			n.Log.Error("model authentication failed", "model", model, "error", err)
		}
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}

	result := parser.ParseWithRetry(raw)
	if !result.Success {
		n.Log.Warn("parse failed", "model", model, "parsing_errors", result.ParsingErrors, "validation_errors", result.ValidationErrors)
		return nil, nil
	}

	value, err := n.Hooks.CoerceToModel(result)
	if err != nil {
		n.Log.Warn("coercion failed", "model", model, "error", err)
		return nil, nil
	}
	quality := n.Hooks.EvaluateQuality(value)
	coverage, _ := quality["coverage"].(float64)
	return &attempt{
		model:   model,
		value:   value,
		quality: quality,
		score:   result.ConfidenceScore*0.7 + coverage*0.3,
		parsed:  result,
	}, nil
}

// resolveModels picks the primary model and fallback list from composition
// rendering metadata: primary_model, else the first compatible model;
// fallbacks are the explicit fallback_models, else every other compatible
// model.
func resolveModels(meta map[string]interface{}) (string, []string) {
	primary, _ := meta["primary_model"].(string)
	compat := toStringList(meta["model_compatibility"])
	if primary == "" && len(compat) > 0 {
		primary = compat[0]
	}
	fallbacks := toStringList(meta["fallback_models"])
	if len(fallbacks) == 0 {
		for _, m := range compat {
			if m != primary {
				fallbacks = append(fallbacks, m)
			}
		}
	}
	return primary, fallbacks
}

func toStringList(v interface{}) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []interface{}:
		var out []string
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func truthy(v interface{}) bool {
	b, ok := v.(bool)
	return ok && b
}

// Default hook implementations, overridable by embedding nodes.

// ShortCircuitCheck defaults to "never short-circuit".
func (n *LLMNode) ShortCircuitCheck(ctx context.Context, state State) (State, error) {
	return nil, nil
}

// CoerceToModel defaults to the parsed data as-is.
func (n *LLMNode) CoerceToModel(result *prompts.ParsingResult) (interface{}, error) {
	return result.ParsedData, nil
}

// EvaluateQuality defaults to accepting any non-nil value with full coverage.
func (n *LLMNode) EvaluateQuality(value interface{}) map[string]interface{} {
	return map[string]interface{}{"ok": value != nil, "coverage": 1.0}
}

// PersistResults defaults to a no-op.
func (n *LLMNode) PersistResults(ctx context.Context, state State, value interface{}) error {
	return nil
}
