package node

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"contract_analysis/pkg/core/llm"
	"contract_analysis/pkg/core/logging"
)

// BaseNode carries the shared machinery of every analysis node: state-merge
// step updates, error-to-state conversion, two-client LLM fallback and
// progress emission.
type BaseNode struct {
	Name       string
	TotalSteps int

	Primary         *llm.Client
	Fallback        *llm.Client
	EnableFallbacks bool

	Log *logging.Logger

	failures int64
}

// NewBaseNode builds the shared node core. A nil logger gets a nop logger so
// nodes never have to nil-check.
func NewBaseNode(name string, totalSteps int, log *logging.Logger) BaseNode {
	if log == nil {
		log = logging.NewNop()
	}
	return BaseNode{
		Name:            name,
		TotalSteps:      totalSteps,
		EnableFallbacks: true,
		Log:             log.With("node", name),
	}
}

// Failures returns the node's failure counter.
func (b *BaseNode) Failures() int64 { return atomic.LoadInt64(&b.failures) }

// UpdateStateStep merges a step-completion record onto a full copy of the
// incoming state and recalculates progress. The merge-not-replace guarantee
// is load-bearing: downstream nodes rely on every prior key surviving.
func (b *BaseNode) UpdateStateStep(state State, stepName string, data map[string]interface{}, errMsg string) State {
	out := state.Clone()
	progress := out.Progress()

	current, _ := progress["current_step"].(int)
	current++
	progress["current_step"] = current

	total, _ := progress["total_steps"].(int)
	if b.TotalSteps > total {
		total = b.TotalSteps
		progress["total_steps"] = total
	}
	if total > 0 {
		progress["percentage"] = float64(current) / float64(total) * 100
	}

	history, _ := progress["step_history"].([]interface{})
	progress["step_history"] = append(history, StepRecord(stepName, data, errMsg))
	return out
}

// HandleNodeError converts an error into an error-flavored state transition.
// A nil input state degrades to a minimal valid state rather than dropping
// the error. Verbosity is environment-aware: production logs omit the
// diagnostic context map, which may carry document ids and text excerpts.
func (b *BaseNode) HandleNodeError(state State, err error, message string, diag map[string]interface{}) State {
	atomic.AddInt64(&b.failures, 1)

	errType := fmt.Sprintf("%T", err)
	errMsg := message
	if err != nil {
		errMsg = fmt.Sprintf("%s: %v", message, err)
	}

	if b.Log.IsProduction() {
		b.Log.Error("node failed", "error_type", errType, "message", message)
	} else {
		kv := []interface{}{"error_type", errType, "message", errMsg}
		for k, v := range diag {
			kv = append(kv, k, v)
		}
		b.Log.Error("node failed", kv...)
	}

	if state == nil {
		state = State{}
	}
	out := b.UpdateStateStep(state, b.Name+"_error", nil, errMsg)
	out[KeyErrorState] = map[string]interface{}{
		"node":       b.Name,
		"error_type": errType,
		"message":    errMsg,
	}
	existing, _ := out[KeyProcessingErrors].([]interface{})
	out[KeyProcessingErrors] = append(existing, errMsg)
	return out
}

// GenerateContentWithFallback tries the primary client, then the fallback
// when enabled. All attempts failing returns ("", nil) — absence, not an
// error — unless fallback is disabled, in which case the error names which
// clients failed. No client configured at all is always a hard error.
func (b *BaseNode) GenerateContentWithFallback(ctx context.Context, prompt, systemPrompt string, useFallback bool, opts map[string]interface{}) (string, error) {
	if b.Primary == nil && b.Fallback == nil {
		return "", fmt.Errorf("node %s: no LLM client configured", b.Name)
	}

	var failed []string
	if b.Primary != nil {
		out, err := b.Primary.Generate(ctx, prompt, systemPrompt, opts)
		if err == nil {
			return out, nil
		}
		failed = append(failed, b.Primary.ProviderName())
		if llm.IsAuthError(err) {
			b.Log.Error("primary client authentication failed", "provider", b.Primary.ProviderName(), "error", err)
		} else {
			b.Log.Warn("primary client generation failed", "provider", b.Primary.ProviderName(), "error", err)
		}
	}

	fallbackEnabled := useFallback && b.EnableFallbacks
	if fallbackEnabled && b.Fallback != nil {
		out, err := b.Fallback.Generate(ctx, prompt, systemPrompt, opts)
		if err == nil {
			return out, nil
		}
		failed = append(failed, b.Fallback.ProviderName())
		if llm.IsAuthError(err) {
			b.Log.Error("fallback client authentication failed", "provider", b.Fallback.ProviderName(), "error", err)
		} else {
			b.Log.Warn("fallback client generation failed", "provider", b.Fallback.ProviderName(), "error", err)
		}
	}

	if !fallbackEnabled {
		return "", fmt.Errorf("node %s: generation failed with fallback disabled (clients failed: %s)", b.Name, strings.Join(failed, ", "))
	}
	b.Log.Warn("all generation attempts failed", "clients", failed)
	return "", nil
}

// EmitProgress calls the state-carried progress callback, if any. Callback
// failures never propagate.
func (b *BaseNode) EmitProgress(state State, percent float64, description string) {
	cb, ok := state[KeyProgressCallback].(ProgressCallback)
	if !ok || cb == nil {
		if f, fok := state[KeyProgressCallback].(func(float64, string)); fok {
			cb = f
		} else {
			return
		}
	}
	defer func() {
		if r := recover(); r != nil {
			b.Log.Debug("progress callback panicked", "recovered", r)
		}
	}()
	cb(percent, description)
}
