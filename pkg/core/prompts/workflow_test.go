package prompts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func step(name string, deps ...string) *WorkflowStep {
	return &WorkflowStep{Name: name, Template: name, Dependencies: deps, Status: StepPending}
}

func workflowEngine(t *testing.T, executor StepExecutor, templates ...string) *WorkflowExecutionEngine {
	t.Helper()
	loader := NewTemplateLoader(t.TempDir(), false)
	for _, name := range templates {
		if err := loader.Register(simpleTemplate(name, "prompt for "+name)); err != nil {
			t.Fatal(err)
		}
	}
	e := NewWorkflowExecutionEngine(loader, executor)
	e.SetBackoffBase(time.Millisecond)
	return e
}

func TestExecuteRequiresExecutor(t *testing.T) {
	e := workflowEngine(t, nil, "a")
	_, err := e.Execute(context.Background(), "demo", []*WorkflowStep{step("a")}, nil, "")
	if err == nil || !strings.Contains(err.Error(), "no step executor") {
		t.Fatalf("error = %v, want a configuration error for a nil executor", err)
	}
}

func TestValidateSteps(t *testing.T) {
	tests := []struct {
		name    string
		steps   []*WorkflowStep
		wantErr string
	}{
		{"valid chain", []*WorkflowStep{step("a"), step("b", "a")}, ""},
		{"duplicate name", []*WorkflowStep{step("a"), step("a")}, "duplicate step name"},
		{"unknown dependency", []*WorkflowStep{step("a", "ghost")}, `depends on unknown step "ghost"`},
		{"unknown parallel_with", []*WorkflowStep{step("a"), {Name: "b", Template: "b", ParallelWith: []string{"ghost"}}}, "parallel_with unknown"},
		{"cycle", []*WorkflowStep{step("a", "b"), step("b", "a")}, "cycle"},
		{"self cycle", []*WorkflowStep{step("a", "a")}, "cycle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSteps(tt.steps)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestBuildPlanBatchesParallelDeclarations(t *testing.T) {
	e := workflowEngine(t, nil)

	a := step("a")
	b := &WorkflowStep{Name: "b", Template: "b", Dependencies: []string{"a"}, ParallelWith: []string{"c"}}
	c := &WorkflowStep{Name: "c", Template: "c", Dependencies: []string{"a"}}
	d := step("d", "b", "c")

	plan, err := e.BuildPlan([]*WorkflowStep{a, b, c, d})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan) != 3 {
		t.Fatalf("plan has %d batches, want 3: %+v", len(plan), planNames(plan))
	}
	if len(plan[1]) != 2 {
		t.Errorf("b and c should share a batch when one declares the other: %v", planNames(plan))
	}
	if plan[2][0].Name != "d" {
		t.Errorf("d must wait for both parents: %v", planNames(plan))
	}
}

func TestBuildPlanSeparatesConstrainedSteps(t *testing.T) {
	e := workflowEngine(t, nil)

	// b constrains parallelism to d only, so it cannot share with c.
	b := &WorkflowStep{Name: "b", Template: "b", ParallelWith: []string{"d"}}
	c := step("c")
	d := step("d")

	plan, err := e.BuildPlan([]*WorkflowStep{b, c, d})
	if err != nil {
		t.Fatal(err)
	}
	for _, batch := range plan {
		names := map[string]bool{}
		for _, s := range batch {
			names[s.Name] = true
		}
		if names["b"] && names["c"] {
			t.Fatalf("b and c must not share a batch: %v", planNames(plan))
		}
	}
}

func TestBuildPlanRespectsMaxBatchSize(t *testing.T) {
	e := workflowEngine(t, nil)
	e.MaxBatchSize = 2
	plan, err := e.BuildPlan([]*WorkflowStep{step("a"), step("b"), step("c"), step("d"), step("e")})
	if err != nil {
		t.Fatal(err)
	}
	for _, batch := range plan {
		if len(batch) > 2 {
			t.Fatalf("batch exceeds cap: %v", planNames(plan))
		}
	}
}

func planNames(plan [][]*WorkflowStep) [][]string {
	var out [][]string
	for _, batch := range plan {
		var names []string
		for _, s := range batch {
			names = append(names, s.Name)
		}
		out = append(out, names)
	}
	return out
}

func TestExecuteHappyPathCollectsResults(t *testing.T) {
	executor := func(ctx context.Context, s *WorkflowStep, prompt string) (string, error) {
		return "out:" + s.Name, nil
	}
	e := workflowEngine(t, executor, "a", "b")
	steps := []*WorkflowStep{step("a"), step("b", "a")}

	exec, err := e.Execute(context.Background(), "demo", steps, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if exec.StepResults["a"] != "out:a" || exec.StepResults["b"] != "out:b" {
		t.Errorf("StepResults = %v", exec.StepResults)
	}
	if len(exec.Completed) != 2 || len(exec.Failed) != 0 {
		t.Errorf("Completed=%v Failed=%v", exec.Completed, exec.Failed)
	}
	m := e.Metrics()
	if m.TotalWorkflows != 1 || m.SuccessfulWorkflows != 1 || m.StepSuccessRate != 1.0 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	var calls int32
	executor := func(ctx context.Context, s *WorkflowStep, prompt string) (string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	}
	e := workflowEngine(t, executor, "a")
	steps := []*WorkflowStep{{Name: "a", Template: "a", MaxRetries: 3, Status: StepPending}}

	exec, err := e.Execute(context.Background(), "demo", steps, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if exec.StepResults["a"] != "ok" {
		t.Errorf("StepResults = %v", exec.StepResults)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("executor called %d times, want 3", calls)
	}
}

func TestExecuteCriticalFailureSkipsRemainingBatches(t *testing.T) {
	executor := func(ctx context.Context, s *WorkflowStep, prompt string) (string, error) {
		if s.Name == "a" {
			return "", errors.New("boom")
		}
		return "ok", nil
	}
	e := workflowEngine(t, executor, "a", "b")
	a := &WorkflowStep{Name: "a", Template: "a", Critical: true, Status: StepPending}
	b := step("b", "a")

	exec, err := e.Execute(context.Background(), "demo", []*WorkflowStep{a, b}, nil, "")
	if err == nil {
		t.Fatal("critical failure must surface as an error")
	}
	if !strings.Contains(err.Error(), `critical step "a" failed`) {
		t.Errorf("err = %v", err)
	}
	if a.Status != StepFailed || b.Status != StepSkipped {
		t.Errorf("statuses a=%s b=%s, want FAILED/SKIPPED", a.Status, b.Status)
	}
	if len(exec.Skipped) != 1 || exec.Skipped[0] != "b" {
		t.Errorf("Skipped = %v", exec.Skipped)
	}
}

func TestExecuteNonCriticalFailureContinues(t *testing.T) {
	executor := func(ctx context.Context, s *WorkflowStep, prompt string) (string, error) {
		if s.Name == "a" {
			return "", errors.New("boom")
		}
		return "ok", nil
	}
	e := workflowEngine(t, executor, "a", "b")
	a := step("a")
	b := step("b", "a")

	exec, err := e.Execute(context.Background(), "demo", []*WorkflowStep{a, b}, nil, "")
	if err != nil {
		t.Fatalf("non-critical failure must not fail the workflow: %v", err)
	}
	if a.Status != StepFailed {
		t.Errorf("a.Status = %s, want FAILED", a.Status)
	}
	if exec.StepResults["b"] != "ok" {
		t.Errorf("later batches must still run: %v", exec.StepResults)
	}

	// With the lenient flag the failed step is recorded as skipped instead.
	e2 := workflowEngine(t, executor, "a", "b")
	e2.ContinueOnNonCriticalFailure = true
	a2, b2 := step("a"), step("b", "a")
	exec2, err := e2.Execute(context.Background(), "demo", []*WorkflowStep{a2, b2}, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if a2.Status != StepSkipped || len(exec2.Skipped) != 1 {
		t.Errorf("lenient mode should skip, got status %s skipped %v", a2.Status, exec2.Skipped)
	}
	if b2.Status != StepCompleted {
		t.Errorf("b2.Status = %s, want COMPLETED", b2.Status)
	}
}

func TestExecuteStepTimeout(t *testing.T) {
	executor := func(ctx context.Context, s *WorkflowStep, prompt string) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
			return "too late", nil
		}
	}
	e := workflowEngine(t, executor, "slow")
	slow := &WorkflowStep{Name: "slow", Template: "slow", TimeoutSeconds: 1, Critical: true, Status: StepPending}

	// The per-step timeout is 1s; give the executor a deadline shim by
	// shrinking through the parent context instead of waiting a full second.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.Execute(ctx, "demo", []*WorkflowStep{slow}, nil, "")
	if err == nil {
		t.Fatal("timed-out step must fail the critical path")
	}
}

func TestExecuteInputVariablesFromPriorSteps(t *testing.T) {
	loader := NewTemplateLoader(t.TempDir(), false)
	if err := loader.Register(simpleTemplate("first", "FIRST")); err != nil {
		t.Fatal(err)
	}
	if err := loader.Register(simpleTemplate("second", "uses {{.first}}")); err != nil {
		t.Fatal(err)
	}
	var secondPrompt string
	executor := func(ctx context.Context, s *WorkflowStep, prompt string) (string, error) {
		if s.Name == "second" {
			secondPrompt = prompt
		}
		return "result-of-" + s.Name, nil
	}
	e := NewWorkflowExecutionEngine(loader, executor)
	e.SetBackoffBase(time.Millisecond)

	steps := []*WorkflowStep{
		step("first"),
		{Name: "second", Template: "second", Dependencies: []string{"first"}, InputVariables: []string{"first"}, Status: StepPending},
	}
	if _, err := e.Execute(context.Background(), "demo", steps, nil, ""); err != nil {
		t.Fatal(err)
	}
	if secondPrompt != "uses result-of-first" {
		t.Errorf("prior step result not wired into the prompt: %q", secondPrompt)
	}
}

func TestExecuteMissingInputVariableFails(t *testing.T) {
	executor := func(ctx context.Context, s *WorkflowStep, prompt string) (string, error) {
		return "ok", nil
	}
	e := workflowEngine(t, executor, "a")
	a := &WorkflowStep{Name: "a", Template: "a", InputVariables: []string{"nowhere"}, Critical: true, Status: StepPending}

	_, err := e.Execute(context.Background(), "demo", []*WorkflowStep{a}, nil, "")
	if err == nil || !strings.Contains(err.Error(), "nowhere") {
		t.Fatalf("err = %v, want it to name the missing input variable", err)
	}
}

func TestExecuteOutputTemplate(t *testing.T) {
	loader := NewTemplateLoader(t.TempDir(), false)
	if err := loader.Register(simpleTemplate("a", "A")); err != nil {
		t.Fatal(err)
	}
	if err := loader.Register(simpleTemplate("summary", "workflow {{.workflow_name}}: {{.a}}")); err != nil {
		t.Fatal(err)
	}
	executor := func(ctx context.Context, s *WorkflowStep, prompt string) (string, error) {
		return "alpha", nil
	}
	e := NewWorkflowExecutionEngine(loader, executor)
	e.SetBackoffBase(time.Millisecond)

	exec, err := e.Execute(context.Background(), "demo", []*WorkflowStep{step("a")}, nil, "summary")
	if err != nil {
		t.Fatal(err)
	}
	if exec.FinalOutput != "workflow demo: alpha" {
		t.Errorf("FinalOutput = %q", exec.FinalOutput)
	}
}

func TestStepFromConfig(t *testing.T) {
	cfg := WorkflowStepConfig{
		Name: "s", Template: "t", DependsOn: []string{"x"},
		ParallelWith: []string{"y"}, TimeoutSeconds: 30, Critical: true, MaxRetries: 2,
		InputVariables: []string{"x"},
	}
	s := stepFromConfig(cfg)
	if s.Status != StepPending {
		t.Errorf("Status = %s, want PENDING", s.Status)
	}
	if s.Name != "s" || s.Template != "t" || !s.Critical || s.MaxRetries != 2 || s.TimeoutSeconds != 30 {
		t.Errorf("step = %+v", s)
	}
	if fmt.Sprintf("%v%v", s.Dependencies, s.InputVariables) != "[x][x]" {
		t.Errorf("lists not carried: %+v", s)
	}
}
