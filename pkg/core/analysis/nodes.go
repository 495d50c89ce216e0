package analysis

import (
	"context"
	"fmt"

	"contract_analysis/pkg/core/logging"
	"contract_analysis/pkg/core/node"
	"contract_analysis/pkg/core/prompts"
	"contract_analysis/pkg/core/store"
)

// Target attribute names used for state keys and the content-hash cache.
const (
	AttrEntities        = "step1_extracted_entity"
	AttrSections        = "step2_section_analysis"
	AttrRisks           = "step3_risk_assessment"
	AttrCompliance      = "step4_compliance_check"
	AttrRecommendations = "step5_recommendations"
	AttrReport          = "analysis_report"
)

// pipelineTotalSteps is the full chain: five LLM steps plus report
// compilation.
const pipelineTotalSteps = 6

// Deps bundles the shared dependencies every analysis node needs.
type Deps struct {
	Manager   *prompts.PromptManager
	Contracts store.ContractsRepository
	Documents store.DocumentRepository
	Log       *logging.Logger
}

// contractContext builds the common prompt context for a node: contract text
// plus the jurisdiction fields the state carries.
func contractContext(ctype prompts.ContextType, state node.State, text string) *prompts.PromptContext {
	pctx := prompts.NewPromptContext(ctype, map[string]interface{}{
		"contract_text": text,
	})
	pctx.AustralianState = state.GetString(node.KeyAustralianState)
	pctx.ContractType = state.GetString(node.KeyContractType)
	pctx.DocumentID = state.GetString(node.KeyDocumentID)
	pctx.UserID = state.GetString(node.KeyUserID)
	return pctx
}

// EntitiesExtractionNode extracts parties, property and commercial terms.
type EntitiesExtractionNode struct {
	node.ContractLLMNode
}

func NewEntitiesExtractionNode(deps Deps) *EntitiesExtractionNode {
	n := &EntitiesExtractionNode{
		ContractLLMNode: node.NewContractLLMNode("entities_extraction", AttrEntities, pipelineTotalSteps, deps.Manager, deps.Contracts, deps.Documents, deps.Log),
	}
	n.Hooks = n
	return n
}

func (n *EntitiesExtractionNode) BuildContextAndParser(ctx context.Context, state node.State) (*prompts.PromptContext, prompts.OutputParser, string, error) {
	text := n.GetFullText(ctx, state)
	if text == "" {
		return nil, nil, "", fmt.Errorf("no contract text available for document %s", state.GetString(node.KeyDocumentID))
	}
	pctx := contractContext(prompts.ContextTypeExtraction, state, text)
	return pctx, prompts.NewSchemaParser(&ContractEntities{}), "entities_extraction", nil
}

func (n *EntitiesExtractionNode) EvaluateQuality(value interface{}) map[string]interface{} {
	entities, ok := value.(*ContractEntities)
	if !ok || entities == nil {
		return map[string]interface{}{"ok": false, "coverage": 0.0}
	}
	found := 0
	if entities.Vendor != nil && entities.Vendor.Name != "" {
		found++
	}
	if entities.Purchaser != nil && entities.Purchaser.Name != "" {
		found++
	}
	if entities.PropertyAddress != "" {
		found++
	}
	if entities.PurchasePrice > 0 {
		found++
	}
	if entities.SettlementDate != "" {
		found++
	}
	coverage := float64(found) / 5.0
	return map[string]interface{}{"ok": found >= 3, "coverage": coverage}
}

// SectionAnalysisNode breaks the contract into analyzed sections.
type SectionAnalysisNode struct {
	node.ContractLLMNode
}

func NewSectionAnalysisNode(deps Deps) *SectionAnalysisNode {
	n := &SectionAnalysisNode{
		ContractLLMNode: node.NewContractLLMNode("section_analysis", AttrSections, pipelineTotalSteps, deps.Manager, deps.Contracts, deps.Documents, deps.Log),
	}
	n.Hooks = n
	return n
}

func (n *SectionAnalysisNode) BuildContextAndParser(ctx context.Context, state node.State) (*prompts.PromptContext, prompts.OutputParser, string, error) {
	text := n.GetFullText(ctx, state)
	if text == "" {
		return nil, nil, "", fmt.Errorf("no contract text available for document %s", state.GetString(node.KeyDocumentID))
	}
	pctx := contractContext(prompts.ContextTypeAnalysis, state, text)
	// Always present so strict rendering never trips on an absent key.
	pctx.Set("extracted_entities", state[AttrEntities])
	return pctx, prompts.NewSchemaParser(&SectionAnalysis{}), "section_analysis", nil
}

func (n *SectionAnalysisNode) EvaluateQuality(value interface{}) map[string]interface{} {
	sa, ok := value.(*SectionAnalysis)
	if !ok || sa == nil || len(sa.Sections) == 0 {
		return map[string]interface{}{"ok": false, "coverage": 0.0}
	}
	withSummary := 0
	for _, s := range sa.Sections {
		if s.Summary != "" {
			withSummary++
		}
	}
	coverage := float64(withSummary) / float64(len(sa.Sections))
	return map[string]interface{}{"ok": withSummary > 0, "coverage": coverage}
}

// RiskAssessmentNode identifies and scores risks across the contract.
type RiskAssessmentNode struct {
	node.ContractLLMNode
}

func NewRiskAssessmentNode(deps Deps) *RiskAssessmentNode {
	n := &RiskAssessmentNode{
		ContractLLMNode: node.NewContractLLMNode("risk_assessment", AttrRisks, pipelineTotalSteps, deps.Manager, deps.Contracts, deps.Documents, deps.Log),
	}
	n.Hooks = n
	return n
}

func (n *RiskAssessmentNode) BuildContextAndParser(ctx context.Context, state node.State) (*prompts.PromptContext, prompts.OutputParser, string, error) {
	text := n.GetFullText(ctx, state)
	if text == "" {
		return nil, nil, "", fmt.Errorf("no contract text available for document %s", state.GetString(node.KeyDocumentID))
	}
	pctx := contractContext(prompts.ContextTypeAnalysis, state, text)
	pctx.Set("section_analysis", state[AttrSections])
	return pctx, prompts.NewSchemaParser(&RiskAssessment{}), "risk_assessment", nil
}

func (n *RiskAssessmentNode) EvaluateQuality(value interface{}) map[string]interface{} {
	ra, ok := value.(*RiskAssessment)
	if !ok || ra == nil {
		return map[string]interface{}{"ok": false, "coverage": 0.0}
	}
	coverage := 0.0
	if len(ra.Risks) > 0 {
		coverage += 0.6
	}
	if ra.OverallRiskLevel != "" {
		coverage += 0.4
	}
	return map[string]interface{}{"ok": ra.OverallRiskLevel != "", "coverage": coverage}
}

// ComplianceCheckNode reviews the contract against state-specific statutory
// requirements. Jurisdiction-specific rules reach the prompt via fragment
// orchestration, not node code.
type ComplianceCheckNode struct {
	node.ContractLLMNode
}

func NewComplianceCheckNode(deps Deps) *ComplianceCheckNode {
	n := &ComplianceCheckNode{
		ContractLLMNode: node.NewContractLLMNode("compliance_check", AttrCompliance, pipelineTotalSteps, deps.Manager, deps.Contracts, deps.Documents, deps.Log),
	}
	n.Hooks = n
	return n
}

func (n *ComplianceCheckNode) BuildContextAndParser(ctx context.Context, state node.State) (*prompts.PromptContext, prompts.OutputParser, string, error) {
	text := n.GetFullText(ctx, state)
	if text == "" {
		return nil, nil, "", fmt.Errorf("no contract text available for document %s", state.GetString(node.KeyDocumentID))
	}
	if state.GetString(node.KeyAustralianState) == "" {
		return nil, nil, "", fmt.Errorf("compliance check requires an australian_state in state")
	}
	pctx := contractContext(prompts.ContextTypeValidation, state, text)
	return pctx, prompts.NewSchemaParser(&ComplianceCheck{}), "compliance_check", nil
}

func (n *ComplianceCheckNode) EvaluateQuality(value interface{}) map[string]interface{} {
	cc, ok := value.(*ComplianceCheck)
	if !ok || cc == nil || len(cc.Items) == 0 {
		return map[string]interface{}{"ok": false, "coverage": 0.0}
	}
	resolved := 0
	for _, item := range cc.Items {
		if item.Status != "" && item.Status != "unclear" {
			resolved++
		}
	}
	coverage := float64(resolved) / float64(len(cc.Items))
	return map[string]interface{}{"ok": cc.State != "", "coverage": coverage}
}

// RecommendationsNode turns the accumulated findings into purchaser actions.
type RecommendationsNode struct {
	node.ContractLLMNode
}

func NewRecommendationsNode(deps Deps) *RecommendationsNode {
	n := &RecommendationsNode{
		ContractLLMNode: node.NewContractLLMNode("recommendations", AttrRecommendations, pipelineTotalSteps, deps.Manager, deps.Contracts, deps.Documents, deps.Log),
	}
	n.Hooks = n
	return n
}

func (n *RecommendationsNode) BuildContextAndParser(ctx context.Context, state node.State) (*prompts.PromptContext, prompts.OutputParser, string, error) {
	text := n.GetFullText(ctx, state)
	if text == "" {
		return nil, nil, "", fmt.Errorf("no contract text available for document %s", state.GetString(node.KeyDocumentID))
	}
	pctx := contractContext(prompts.ContextTypeGeneration, state, text)
	for _, attr := range []string{AttrEntities, AttrSections, AttrRisks, AttrCompliance} {
		pctx.Set(attr, state[attr])
	}
	return pctx, prompts.NewSchemaParser(&Recommendations{}), "recommendations", nil
}

func (n *RecommendationsNode) EvaluateQuality(value interface{}) map[string]interface{} {
	rec, ok := value.(*Recommendations)
	if !ok || rec == nil || len(rec.Items) == 0 {
		return map[string]interface{}{"ok": false, "coverage": 0.0}
	}
	coverage := 0.5
	if rec.Summary != "" {
		coverage = 1.0
	}
	return map[string]interface{}{"ok": true, "coverage": coverage}
}
