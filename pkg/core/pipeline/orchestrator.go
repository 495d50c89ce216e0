// Package pipeline chains the contract analysis nodes into a single run:
// entities -> sections -> risks -> compliance -> recommendations -> report.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"contract_analysis/pkg/core/analysis"
	"contract_analysis/pkg/core/logging"
	"contract_analysis/pkg/core/node"
)

// AnalysisNode is one step of the chain. Execute is total: it converts its
// own failures into error-flavored states rather than returning an error.
type AnalysisNode interface {
	Execute(ctx context.Context, state node.State) node.State
}

// Orchestrator threads one analysis state through the node chain.
type Orchestrator struct {
	nodes []AnalysisNode
	log   *logging.Logger

	// HaltOnError stops the chain at the first error-flavored state. Off by
	// default: later nodes may still produce value from partial inputs.
	HaltOnError bool
}

// NewOrchestrator builds the standard chain over the shared dependencies.
func NewOrchestrator(deps analysis.Deps, reportTemplate string) *Orchestrator {
	log := deps.Log
	if log == nil {
		log = logging.NewNop()
	}
	return &Orchestrator{
		nodes: []AnalysisNode{
			analysis.NewEntitiesExtractionNode(deps),
			analysis.NewSectionAnalysisNode(deps),
			analysis.NewRiskAssessmentNode(deps),
			analysis.NewComplianceCheckNode(deps),
			analysis.NewRecommendationsNode(deps),
			analysis.NewReportCompilationNode(deps.Manager, reportTemplate, log),
		},
		log: log.With("component", "orchestrator"),
	}
}

// NewCustomOrchestrator builds a chain from explicit nodes. Used by tests
// and partial re-runs.
func NewCustomOrchestrator(log *logging.Logger, nodes ...AnalysisNode) *Orchestrator {
	if log == nil {
		log = logging.NewNop()
	}
	return &Orchestrator{nodes: nodes, log: log.With("component", "orchestrator")}
}

// Run executes the chain. The returned state is always usable; err is
// non-nil only when HaltOnError stopped the chain early or the context was
// cancelled.
func (o *Orchestrator) Run(ctx context.Context, state node.State) (node.State, error) {
	if state == nil {
		state = node.State{}
	}
	if state.GetString(node.KeySessionID) == "" {
		state[node.KeySessionID] = uuid.NewString()
	}
	session := state.GetString(node.KeySessionID)
	start := time.Now()
	o.log.Info("analysis run started", "session_id", session, "document_id", state.GetString(node.KeyDocumentID), "nodes", len(o.nodes))

	for i, n := range o.nodes {
		state = n.Execute(ctx, state)
		if errState := state.GetMap(node.KeyErrorState); errState != nil {
			o.log.Warn("node reported error state", "session_id", session, "node_index", i, "error_state", errState)
			if o.HaltOnError {
				return state, fmt.Errorf("analysis halted at node %d: %v", i, errState["message"])
			}
			// Clear the flag so one failed step does not mask later ones;
			// processing_errors keeps the full record.
			delete(state, node.KeyErrorState)
		}
		if ctx.Err() != nil {
			return state, ctx.Err()
		}
	}

	o.log.Info("analysis run finished", "session_id", session, "duration", time.Since(start).String())
	return state, nil
}
