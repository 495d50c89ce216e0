package analysis

import (
	"context"
	"fmt"

	"contract_analysis/pkg/core/logging"
	"contract_analysis/pkg/core/node"
	"contract_analysis/pkg/core/prompts"
	"contract_analysis/pkg/core/utils"
)

// ReportCompilationNode renders the final markdown report from the
// accumulated analysis attributes. It is deterministic — no LLM call — and
// validates the rendered markdown before storing it.
type ReportCompilationNode struct {
	node.BaseNode

	manager  *prompts.PromptManager
	template string
}

// NewReportCompilationNode builds the report node over the given report
// template id.
func NewReportCompilationNode(manager *prompts.PromptManager, template string, log *logging.Logger) *ReportCompilationNode {
	return &ReportCompilationNode{
		BaseNode: node.NewBaseNode("report_compilation", pipelineTotalSteps, log),
		manager:  manager,
		template: template,
	}
}

// Execute renders the report template against every step attribute present
// in state. Missing attributes render as empty sections; the report degrades
// rather than failing when an upstream step was skipped.
func (n *ReportCompilationNode) Execute(ctx context.Context, state node.State) node.State {
	n.EmitProgress(state, 0, "compiling report")

	pctx := prompts.NewPromptContext(prompts.ContextTypeGeneration, map[string]interface{}{
		"document_id":      state.GetString(node.KeyDocumentID),
		"australian_state": state.GetString(node.KeyAustralianState),
		"contract_type":    state.GetString(node.KeyContractType),
	})
	for _, attr := range []string{AttrEntities, AttrSections, AttrRisks, AttrCompliance, AttrRecommendations} {
		pctx.Set(attr, state[attr])
	}
	pctx.Set("confidence_scores", state.GetMap(node.KeyConfidenceScores))

	report, err := n.manager.Render(n.template, pctx, nil, prompts.RenderOptions{SkipValidation: true})
	if err != nil {
		return n.HandleNodeError(state, err, "report template rendering failed", map[string]interface{}{"template": n.template})
	}

	report = utils.CleanMarkdown(report)
	if report == "" {
		return n.HandleNodeError(state, fmt.Errorf("empty report"), "report rendered empty", nil)
	}
	if !utils.ValidateMarkdown(report) {
		return n.HandleNodeError(state, fmt.Errorf("invalid markdown"), "rendered report is not valid markdown", map[string]interface{}{"length": len(report)})
	}

	out := state.Clone()
	out[AttrReport] = report
	out = n.UpdateStateStep(out, n.Name, map[string]interface{}{"status": "completed", "report_length": len(report)}, "")
	n.EmitProgress(out, 100, "report compiled")
	return out
}
