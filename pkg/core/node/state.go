// Package node implements the analysis node lifecycle: state threading,
// error-to-state conversion, LLM fallback handling and the content-hash
// idempotency layer shared by every contract analysis step.
package node

import (
	"time"
)

// Conventional state keys. Nodes may add arbitrary domain keys beside these.
const (
	KeySessionID        = "session_id"
	KeyProgress         = "progress"
	KeyConfidenceScores = "confidence_scores"
	KeyContentHash      = "content_hash"
	KeyContentHMAC      = "content_hmac"
	KeyDocumentID       = "document_id"
	KeyUserID           = "user_id"
	KeyDocumentData     = "document_data"
	KeyDocumentMetadata = "document_metadata"
	KeyErrorState       = "error_state"
	KeyProcessingErrors = "processing_errors"
	KeyProgressCallback = "progress_callback"
	KeyAustralianState  = "australian_state"
	KeyContractType     = "contract_type"
)

// ProgressCallback receives progress emissions when stored in state under
// KeyProgressCallback.
type ProgressCallback func(percent float64, description string)

// State is the analysis run's mutable record, threaded through the node
// chain. It is owned by exactly one run; nodes return merged copies rather
// than mutating their input in place.
type State map[string]interface{}

// Clone deep-copies the state. Nested maps and slices are copied; scalar
// leaves are shared.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(x))
		for k, e := range x {
			m[k] = cloneValue(e)
		}
		return m
	case State:
		return map[string]interface{}(x.Clone())
	case []interface{}:
		l := make([]interface{}, len(x))
		for i, e := range x {
			l[i] = cloneValue(e)
		}
		return l
	case []string:
		return append([]string(nil), x...)
	default:
		return v
	}
}

// GetString returns the string at key, "" when absent or not a string.
func (s State) GetString(key string) string {
	if v, ok := s[key].(string); ok {
		return v
	}
	return ""
}

// GetMap returns the nested map at key, nil when absent or mistyped.
func (s State) GetMap(key string) map[string]interface{} {
	switch x := s[key].(type) {
	case map[string]interface{}:
		return x
	case State:
		return x
	default:
		return nil
	}
}

// Progress returns the progress record, creating it when absent.
func (s State) Progress() map[string]interface{} {
	p := s.GetMap(KeyProgress)
	if p == nil {
		p = map[string]interface{}{
			"current_step": 0,
			"total_steps":  0,
			"percentage":   0.0,
			"step_history": []interface{}{},
		}
		s[KeyProgress] = p
	}
	return p
}

// ConfidenceScores returns the step-name to confidence map, creating it when
// absent.
func (s State) ConfidenceScores() map[string]interface{} {
	c := s.GetMap(KeyConfidenceScores)
	if c == nil {
		c = map[string]interface{}{}
		s[KeyConfidenceScores] = c
	}
	return c
}

// StepRecord builds a step-history entry.
func StepRecord(step string, data map[string]interface{}, errMsg string) map[string]interface{} {
	rec := map[string]interface{}{
		"step":      step,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if len(data) > 0 {
		rec["data"] = data
	}
	if errMsg != "" {
		rec["error"] = errMsg
	}
	return rec
}

// ResolveContentHash applies the fixed precedence order for the idempotency
// key: content_hash, then content_hmac, then document_data.content_hash,
// then document_metadata.content_hash. Empty string means no hash resolved.
func (s State) ResolveContentHash() string {
	if h := s.GetString(KeyContentHash); h != "" {
		return h
	}
	if h := s.GetString(KeyContentHMAC); h != "" {
		return h
	}
	if dd := s.GetMap(KeyDocumentData); dd != nil {
		if h, ok := dd["content_hash"].(string); ok && h != "" {
			return h
		}
	}
	if dm := s.GetMap(KeyDocumentMetadata); dm != nil {
		if h, ok := dm["content_hash"].(string); ok && h != "" {
			return h
		}
	}
	return ""
}
