package node

import (
	"context"
	"encoding/json"
	"fmt"

	"contract_analysis/pkg/core/logging"
	"contract_analysis/pkg/core/prompts"
	"contract_analysis/pkg/core/store"
	"contract_analysis/pkg/core/utils"
)

// ContractLLMNode adds content-hash idempotency and durable result caching
// over the LLM node skeleton. Each concrete analysis node declares a target
// attribute; cached values for that attribute short-circuit the LLM call
// entirely.
type ContractLLMNode struct {
	LLMNode

	TargetAttribute string
	Contracts       store.ContractsRepository
	Documents       store.DocumentRepository
}

// NewContractLLMNode builds the contract node core.
func NewContractLLMNode(name, targetAttribute string, totalSteps int, manager *prompts.PromptManager, contracts store.ContractsRepository, documents store.DocumentRepository, log *logging.Logger) ContractLLMNode {
	return ContractLLMNode{
		LLMNode:         NewLLMNode(name, totalSteps, manager, log),
		TargetAttribute: targetAttribute,
		Contracts:       contracts,
		Documents:       documents,
	}
}

// ShortCircuitCheck resolves the content hash from state and, when a
// non-empty cached value exists for this node's target attribute, copies it
// into state and skips the LLM call. No resolvable hash means idempotency is
// best-effort: proceed normally.
func (n *ContractLLMNode) ShortCircuitCheck(ctx context.Context, state State) (State, error) {
	hash := state.ResolveContentHash()
	if hash == "" || n.Contracts == nil {
		return nil, nil
	}

	record, err := n.Contracts.GetByContentHash(ctx, hash)
	if err != nil {
		// Cache lookup failure degrades to a fresh analysis.
		return nil, fmt.Errorf("idempotency lookup failed for hash %s: %w", hash, err)
	}
	raw := record.Attribute(n.TargetAttribute)
	if raw == nil {
		return nil, nil
	}

	var cached interface{}
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, fmt.Errorf("corrupt cached attribute %s: %w", n.TargetAttribute, err)
	}

	out := state.Clone()
	out[n.TargetAttribute] = cached
	if oc, ok := record.Metadata["overall_confidence"].(float64); ok {
		out.ConfidenceScores()["overall_confidence"] = oc
	}
	n.Log.Info("cached result reused", "content_hash", hash, "attribute", n.TargetAttribute)
	return n.UpdateStateStep(out, n.Name, map[string]interface{}{"status": "skipped: cached"}, ""), nil
}

// PersistResults upserts the node's output under the content hash. A missing
// hash is non-fatal: the result still lives in state, just not durably.
func (n *ContractLLMNode) PersistResults(ctx context.Context, state State, value interface{}) error {
	if n.Contracts == nil {
		return nil
	}
	hash := state.ResolveContentHash()
	if hash == "" {
		n.Log.Warn("no content hash in state, result not cached", "attribute", n.TargetAttribute)
		return nil
	}
	meta := map[string]interface{}{}
	if oc, ok := state.ConfidenceScores()["overall_confidence"].(float64); ok {
		meta["overall_confidence"] = oc
	}
	return n.Contracts.UpsertAttribute(ctx, hash, n.TargetAttribute, value, meta)
}

// UpdateStateSuccess stores the value under the target attribute and records
// the step.
func (n *ContractLLMNode) UpdateStateSuccess(state State, value interface{}, quality map[string]interface{}) State {
	out := state.Clone()
	out[n.TargetAttribute] = value
	return n.UpdateStateStep(out, n.Name, map[string]interface{}{"status": "completed"}, "")
}

// GetFullText resolves the document text with a fixed fallback order:
// in-state metadata full text, then the document -> artifact -> blob chain.
// Any failure returns "" with full diagnostic logging; it never raises.
func (n *ContractLLMNode) GetFullText(ctx context.Context, state State) string {
	if dm := state.GetMap(KeyDocumentMetadata); dm != nil {
		if text, ok := dm["full_text"].(string); ok && text != "" {
			return text
		}
	}

	documentID := state.GetString(KeyDocumentID)
	if documentID == "" || n.Documents == nil {
		return ""
	}
	userID := state.GetString(KeyUserID)

	doc, err := n.Documents.GetDocument(ctx, documentID, userID)
	if err != nil {
		n.Log.Error("document lookup failed", "document_id", documentID, "error", err)
		return ""
	}

	artifact, err := n.Documents.GetFullTextArtifact(ctx, doc.ID)
	if err != nil {
		n.Log.Error("full-text artifact lookup failed", "document_id", doc.ID, "error", err)
		return ""
	}

	text := artifact.Content
	if text == "" && artifact.BlobPath != "" {
		text, err = n.Documents.DownloadTextBlob(ctx, artifact.BlobPath)
		if err != nil {
			n.Log.Error("blob download failed", "document_id", doc.ID, "artifact_id", artifact.ID, "blob_path", artifact.BlobPath, "error", err)
			return ""
		}
	}

	// OCR output for older contracts is stored as per-page HTML.
	if utils.LooksLikeHTML(text) {
		plain, err := utils.HTMLToText(text)
		if err != nil {
			n.Log.Error("html artifact conversion failed", "document_id", doc.ID, "artifact_id", artifact.ID, "text_length", len(text), "error", err)
			return ""
		}
		text = plain
	}

	n.Log.Debug("full text resolved", "document_id", doc.ID, "artifact_id", artifact.ID, "text_length", len(text))
	return text
}
