package node

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"contract_analysis/pkg/core/prompts"
	"contract_analysis/pkg/core/store"
)

// contractsMock is an in-memory ContractsRepository.
type contractsMock struct {
	records map[string]*store.ContractRecord
	getErr  error
	upserts int
}

func newContractsMock() *contractsMock {
	return &contractsMock{records: map[string]*store.ContractRecord{}}
}

func (m *contractsMock) GetByContentHash(ctx context.Context, hash string) (*store.ContractRecord, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.records[hash], nil
}

func (m *contractsMock) UpsertAttribute(ctx context.Context, hash, attribute string, value interface{}, metadata map[string]interface{}) error {
	m.upserts++
	rec, ok := m.records[hash]
	if !ok {
		rec = &store.ContractRecord{ContentHash: hash, Attributes: map[string]json.RawMessage{}, Metadata: map[string]interface{}{}}
		m.records[hash] = rec
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	rec.Attributes[attribute] = raw
	for k, v := range metadata {
		rec.Metadata[k] = v
	}
	return nil
}

// documentsMock is a function-field DocumentRepository.
type documentsMock struct {
	getDocument  func(ctx context.Context, documentID, userID string) (*store.Document, error)
	getArtifact  func(ctx context.Context, documentID string) (*store.Artifact, error)
	downloadBlob func(ctx context.Context, blobPath string) (string, error)
}

func (m *documentsMock) GetDocument(ctx context.Context, documentID, userID string) (*store.Document, error) {
	return m.getDocument(ctx, documentID, userID)
}

func (m *documentsMock) GetFullTextArtifact(ctx context.Context, documentID string) (*store.Artifact, error) {
	return m.getArtifact(ctx, documentID)
}

func (m *documentsMock) DownloadTextBlob(ctx context.Context, blobPath string) (string, error) {
	return m.downloadBlob(ctx, blobPath)
}

// summaryNode is a minimal concrete contract node for tests.
type summaryNode struct {
	ContractLLMNode
}

func newSummaryNode(t *testing.T, contracts store.ContractsRepository, documents store.DocumentRepository) *summaryNode {
	t.Helper()
	n := &summaryNode{
		ContractLLMNode: NewContractLLMNode("summarize", "summary_attr", 1, testPromptManager(t), contracts, documents, nil),
	}
	n.Hooks = n
	return n
}

func (n *summaryNode) BuildContextAndParser(ctx context.Context, state State) (*prompts.PromptContext, prompts.OutputParser, string, error) {
	pctx := prompts.NewPromptContext(prompts.ContextTypeAnalysis, nil)
	return pctx, prompts.NewSchemaParser(summaryOut{}), "demo", nil
}

func TestContractNodeCachesByContentHash(t *testing.T) {
	contracts := newContractsMock()
	var generations int
	generate := func(ctx context.Context, model, prompt, system string, opts map[string]interface{}) (string, error) {
		generations++
		return `{"summary": "fresh analysis", "score": 0.8}`, nil
	}

	n := newSummaryNode(t, contracts, nil)
	n.Generate = generate
	state := State{KeyContentHash: "abc123"}

	first := n.Execute(context.Background(), state)
	if generations != 1 {
		t.Fatalf("generations = %d, want 1", generations)
	}
	if contracts.upserts != 1 {
		t.Fatalf("upserts = %d, want 1", contracts.upserts)
	}
	if _, ok := first["summary_attr"].(*summaryOut); !ok {
		t.Fatalf("summary_attr = %T", first["summary_attr"])
	}

	// A second node over the same repository must reuse the cached value.
	n2 := newSummaryNode(t, contracts, nil)
	n2.Generate = generate
	second := n2.Execute(context.Background(), State{KeyContentHash: "abc123"})
	if generations != 1 {
		t.Errorf("cached run must not call the model, generations = %d", generations)
	}
	cached, ok := second["summary_attr"].(map[string]interface{})
	if !ok {
		t.Fatalf("cached summary_attr = %T", second["summary_attr"])
	}
	if cached["summary"] != "fresh analysis" {
		t.Errorf("cached value = %v", cached)
	}
	history, _ := second.Progress()["step_history"].([]interface{})
	if len(history) != 1 {
		t.Fatalf("step_history = %v", history)
	}
	data, _ := history[0].(map[string]interface{})["data"].(map[string]interface{})
	if status, _ := data["status"].(string); !strings.Contains(status, "cached") {
		t.Errorf("step status = %q, want cached marker", status)
	}
}

func TestContractNodeCachePropagatesOverallConfidence(t *testing.T) {
	contracts := newContractsMock()
	raw, _ := json.Marshal(map[string]interface{}{"summary": "cached"})
	contracts.records["h1"] = &store.ContractRecord{
		ContentHash: "h1",
		Attributes:  map[string]json.RawMessage{"summary_attr": raw},
		Metadata:    map[string]interface{}{"overall_confidence": 0.87},
	}

	n := newSummaryNode(t, contracts, nil)
	out := n.Execute(context.Background(), State{KeyContentHash: "h1"})
	if oc, _ := out.ConfidenceScores()["overall_confidence"].(float64); oc != 0.87 {
		t.Errorf("overall_confidence = %v", out.ConfidenceScores())
	}
}

func TestContractNodeLookupFailureFallsThrough(t *testing.T) {
	contracts := newContractsMock()
	contracts.getErr = errors.New("db unreachable")
	var generations int

	n := newSummaryNode(t, contracts, nil)
	n.Generate = func(ctx context.Context, model, prompt, system string, opts map[string]interface{}) (string, error) {
		generations++
		return `{"summary": "fresh"}`, nil
	}
	out := n.Execute(context.Background(), State{KeyContentHash: "h1"})
	if generations != 1 {
		t.Errorf("lookup failure should degrade to a fresh analysis, generations = %d", generations)
	}
	if _, failed := out[KeyErrorState]; failed {
		t.Error("lookup failure must not produce an error state")
	}
}

func TestContractNodeNoHashSkipsPersistence(t *testing.T) {
	contracts := newContractsMock()
	n := newSummaryNode(t, contracts, nil)
	n.Generate = func(ctx context.Context, model, prompt, system string, opts map[string]interface{}) (string, error) {
		return `{"summary": "fresh"}`, nil
	}
	out := n.Execute(context.Background(), State{})
	if contracts.upserts != 0 {
		t.Errorf("upserts = %d, want none without a content hash", contracts.upserts)
	}
	if _, ok := out["summary_attr"]; !ok {
		t.Error("result must still land in state")
	}
}

func TestGetFullTextPrefersStateMetadata(t *testing.T) {
	n := newSummaryNode(t, nil, &documentsMock{
		getDocument: func(context.Context, string, string) (*store.Document, error) {
			t.Fatal("document lookup must not run when state carries the text")
			return nil, nil
		},
	})
	state := State{
		KeyDocumentID:       "d1",
		KeyDocumentMetadata: map[string]interface{}{"full_text": "inline text"},
	}
	if got := n.GetFullText(context.Background(), state); got != "inline text" {
		t.Errorf("GetFullText = %q", got)
	}
}

func TestGetFullTextArtifactChain(t *testing.T) {
	docs := &documentsMock{
		getDocument: func(ctx context.Context, documentID, userID string) (*store.Document, error) {
			if documentID != "d1" || userID != "u1" {
				t.Errorf("lookup got (%q, %q)", documentID, userID)
			}
			return &store.Document{ID: "d1"}, nil
		},
		getArtifact: func(ctx context.Context, documentID string) (*store.Artifact, error) {
			return &store.Artifact{ID: "a1", Content: "artifact text"}, nil
		},
	}
	n := newSummaryNode(t, nil, docs)
	state := State{KeyDocumentID: "d1", KeyUserID: "u1"}
	if got := n.GetFullText(context.Background(), state); got != "artifact text" {
		t.Errorf("GetFullText = %q", got)
	}
}

func TestGetFullTextBlobDownloadAndHTML(t *testing.T) {
	docs := &documentsMock{
		getDocument: func(context.Context, string, string) (*store.Document, error) {
			return &store.Document{ID: "d1"}, nil
		},
		getArtifact: func(context.Context, string) (*store.Artifact, error) {
			return &store.Artifact{ID: "a1", BlobPath: "blobs/a1.html"}, nil
		},
		downloadBlob: func(ctx context.Context, blobPath string) (string, error) {
			return "<html><body><p>Clause 1. Settlement</p></body></html>", nil
		},
	}
	n := newSummaryNode(t, nil, docs)
	got := n.GetFullText(context.Background(), State{KeyDocumentID: "d1"})
	if !strings.Contains(got, "Clause 1. Settlement") {
		t.Errorf("GetFullText = %q, want extracted plain text", got)
	}
	if strings.Contains(got, "<p>") {
		t.Errorf("HTML markup survived conversion: %q", got)
	}
}

func TestGetFullTextFailuresReturnEmpty(t *testing.T) {
	tests := []struct {
		name string
		docs *documentsMock
	}{
		{
			"document lookup fails",
			&documentsMock{
				getDocument: func(context.Context, string, string) (*store.Document, error) {
					return nil, errors.New("not found")
				},
			},
		},
		{
			"artifact lookup fails",
			&documentsMock{
				getDocument: func(context.Context, string, string) (*store.Document, error) {
					return &store.Document{ID: "d1"}, nil
				},
				getArtifact: func(context.Context, string) (*store.Artifact, error) {
					return nil, errors.New("no artifact")
				},
			},
		},
		{
			"blob download fails",
			&documentsMock{
				getDocument: func(context.Context, string, string) (*store.Document, error) {
					return &store.Document{ID: "d1"}, nil
				},
				getArtifact: func(context.Context, string) (*store.Artifact, error) {
					return &store.Artifact{ID: "a1", BlobPath: "gone"}, nil
				},
				downloadBlob: func(context.Context, string) (string, error) {
					return "", errors.New("blob missing")
				},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newSummaryNode(t, nil, tt.docs)
			if got := n.GetFullText(context.Background(), State{KeyDocumentID: "d1"}); got != "" {
				t.Errorf("GetFullText = %q, want empty on failure", got)
			}
		})
	}
}

func TestGetFullTextNoDocumentID(t *testing.T) {
	n := newSummaryNode(t, nil, nil)
	if got := n.GetFullText(context.Background(), State{}); got != "" {
		t.Errorf("GetFullText = %q", got)
	}
}
