package prompts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StepStatus is the lifecycle state of one workflow step.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// WorkflowStep is one named unit of a multi-step prompt chain.
type WorkflowStep struct {
	Name           string
	Template       string
	Dependencies   []string
	ParallelWith   []string
	TimeoutSeconds int
	Critical       bool
	MaxRetries     int
	InputVariables []string

	Status StepStatus
}

// stepFromConfig maps a composition's workflow step declaration onto a
// runtime step.
func stepFromConfig(cfg WorkflowStepConfig) *WorkflowStep {
	return &WorkflowStep{
		Name:           cfg.Name,
		Template:       cfg.Template,
		Dependencies:   cfg.DependsOn,
		ParallelWith:   cfg.ParallelWith,
		TimeoutSeconds: cfg.TimeoutSeconds,
		Critical:       cfg.Critical,
		MaxRetries:     cfg.MaxRetries,
		InputVariables: cfg.InputVariables,
		Status:         StepPending,
	}
}

// StepExecutor is the LLM boundary: given the step and its rendered prompt,
// produce the step's output. Engine timeouts cancel through ctx.
type StepExecutor func(ctx context.Context, step *WorkflowStep, prompt string) (string, error)

// WorkflowExecutionContext is per-invocation state, created fresh for every
// execution and discarded after. Partial results survive on failure.
type WorkflowExecutionContext struct {
	WorkflowID  string
	Name        string
	StepResults map[string]string
	Completed   []string
	Failed      []string
	Skipped     []string
	StartedAt   time.Time
	Duration    time.Duration
	FinalOutput string
}

// WorkflowMetrics aggregates engine activity.
type WorkflowMetrics struct {
	TotalWorkflows      int64
	SuccessfulWorkflows int64
	FailedWorkflows     int64
	AvgExecutionSeconds float64
	StepSuccessRate     float64

	totalSteps      int64
	successfulSteps int64
}

// WorkflowExecutionEngine schedules composed prompt steps over a dependency
// graph: ready steps are grouped into parallel batches, batches run strictly
// in order, steps retry with exponential backoff and honor per-step timeouts.
type WorkflowExecutionEngine struct {
	loader   *TemplateLoader
	executor StepExecutor

	MaxBatchSize                 int
	ContinueOnNonCriticalFailure bool
	backoffBase                  time.Duration

	mu      sync.Mutex
	metrics WorkflowMetrics
	active  map[string]*WorkflowExecutionContext
}

// NewWorkflowExecutionEngine builds an engine over the template loader and
// the injected LLM boundary.
func NewWorkflowExecutionEngine(loader *TemplateLoader, executor StepExecutor) *WorkflowExecutionEngine {
	return &WorkflowExecutionEngine{
		loader:       loader,
		executor:     executor,
		MaxBatchSize: 4,
		backoffBase:  2 * time.Second,
		active:       map[string]*WorkflowExecutionContext{},
	}
}

// ValidateSteps rejects duplicate step names, unresolved dependency or
// parallel_with references, and dependency cycles — all before any step runs.
func ValidateSteps(steps []*WorkflowStep) error {
	byName := make(map[string]*WorkflowStep, len(steps))
	var issues []string
	for _, s := range steps {
		if _, dup := byName[s.Name]; dup {
			issues = append(issues, fmt.Sprintf("duplicate step name: %s", s.Name))
			continue
		}
		byName[s.Name] = s
	}
	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if _, ok := byName[dep]; !ok {
				issues = append(issues, fmt.Sprintf("step %q depends on unknown step %q", s.Name, dep))
			}
		}
		for _, p := range s.ParallelWith {
			if _, ok := byName[p]; !ok {
				issues = append(issues, fmt.Sprintf("step %q parallel_with unknown step %q", s.Name, p))
			}
		}
	}
	if len(issues) > 0 {
		return &ConfigError{Issues: issues}
	}

	// DFS with an explicit recursion stack; cycle detection is exact.
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(name string, stack []string) error
	visit = func(name string, stack []string) error {
		switch color[name] {
		case gray:
			return fmt.Errorf("workflow dependency cycle: %s -> %s", strings.Join(stack, " -> "), name)
		case black:
			return nil
		}
		color[name] = gray
		for _, dep := range byName[name].Dependencies {
			if err := visit(dep, append(stack, name)); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}
	for _, s := range steps {
		if err := visit(s.Name, nil); err != nil {
			return err
		}
	}
	return nil
}

// BuildPlan emits an ordered list of parallel batches. A step is ready when
// all dependencies are scheduled in an earlier batch. Ready steps share a
// batch when mutually compatible: either one declares the other in
// parallel_with, or neither constrains parallelism at all. Batch size is
// capped at MaxBatchSize.
func (e *WorkflowExecutionEngine) BuildPlan(steps []*WorkflowStep) ([][]*WorkflowStep, error) {
	if err := ValidateSteps(steps); err != nil {
		return nil, err
	}
	scheduled := map[string]bool{}
	var plan [][]*WorkflowStep
	remaining := append([]*WorkflowStep(nil), steps...)

	for len(remaining) > 0 {
		var ready, deferred []*WorkflowStep
		for _, s := range remaining {
			ok := true
			for _, dep := range s.Dependencies {
				if !scheduled[dep] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, s)
			} else {
				deferred = append(deferred, s)
			}
		}
		if len(ready) == 0 {
			// Unreachable after validation, kept as a guard.
			return nil, fmt.Errorf("workflow plan stalled with %d unschedulable steps", len(deferred))
		}

		for len(ready) > 0 {
			batch := []*WorkflowStep{ready[0]}
			rest := ready[1:]
			var next []*WorkflowStep
			for _, s := range rest {
				if len(batch) < e.MaxBatchSize && compatibleWithBatch(s, batch) {
					batch = append(batch, s)
				} else {
					next = append(next, s)
				}
			}
			for _, s := range batch {
				scheduled[s.Name] = true
			}
			plan = append(plan, batch)
			ready = next
		}
		remaining = deferred
	}
	return plan, nil
}

func compatibleWithBatch(s *WorkflowStep, batch []*WorkflowStep) bool {
	for _, b := range batch {
		if !(containsString(s.ParallelWith, b.Name) ||
			containsString(b.ParallelWith, s.Name) ||
			(len(s.ParallelWith) == 0 && len(b.ParallelWith) == 0)) {
			return false
		}
	}
	return true
}

// Execute runs the steps against the base context. Batches run sequentially;
// a later batch never starts before every step of the prior batch reaches a
// terminal status. The returned execution context carries partial results
// even when err is non-nil.
func (e *WorkflowExecutionEngine) Execute(ctx context.Context, name string, steps []*WorkflowStep, base *PromptContext, outputTemplate string) (*WorkflowExecutionContext, error) {
	if e.executor == nil {
		return nil, fmt.Errorf("workflow %q: no step executor configured", name)
	}
	plan, err := e.BuildPlan(steps)
	if err != nil {
		return nil, err
	}

	exec := &WorkflowExecutionContext{
		WorkflowID:  uuid.NewString(),
		Name:        name,
		StepResults: map[string]string{},
		StartedAt:   time.Now(),
	}
	e.mu.Lock()
	e.active[exec.WorkflowID] = exec
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, exec.WorkflowID)
		e.mu.Unlock()
	}()

	aborted := false
	var abortErr error
	for _, batch := range plan {
		if aborted {
			for _, s := range batch {
				s.Status = StepSkipped
				exec.Skipped = append(exec.Skipped, s.Name)
			}
			continue
		}

		type stepOutcome struct {
			step   *WorkflowStep
			output string
			err    error
		}
		outcomes := make([]stepOutcome, len(batch))
		var wg sync.WaitGroup
		for i, s := range batch {
			wg.Add(1)
			go func(i int, s *WorkflowStep) {
				defer wg.Done()
				out, err := e.runStep(ctx, s, base, exec)
				outcomes[i] = stepOutcome{step: s, output: out, err: err}
			}(i, s)
		}
		wg.Wait()

		for _, oc := range outcomes {
			e.mu.Lock()
			e.metrics.totalSteps++
			e.mu.Unlock()
			if oc.err == nil {
				oc.step.Status = StepCompleted
				exec.StepResults[oc.step.Name] = oc.output
				exec.Completed = append(exec.Completed, oc.step.Name)
				e.mu.Lock()
				e.metrics.successfulSteps++
				e.mu.Unlock()
				continue
			}
			if oc.step.Critical {
				oc.step.Status = StepFailed
				exec.Failed = append(exec.Failed, oc.step.Name)
				aborted = true
				abortErr = fmt.Errorf("critical step %q failed: %w", oc.step.Name, oc.err)
				continue
			}
			if e.ContinueOnNonCriticalFailure {
				oc.step.Status = StepSkipped
				exec.Skipped = append(exec.Skipped, oc.step.Name)
			} else {
				oc.step.Status = StepFailed
				exec.Failed = append(exec.Failed, oc.step.Name)
			}
			pkgLog.Warn("non-critical workflow step failed, continuing", "workflow", name, "step", oc.step.Name, "error", oc.err)
		}
	}

	exec.Duration = time.Since(exec.StartedAt)
	success := abortErr == nil

	if success && outputTemplate != "" {
		if out, err := e.renderOutput(outputTemplate, base, exec); err == nil {
			exec.FinalOutput = out
		} else {
			pkgLog.Warn("workflow output template failed", "workflow", name, "error", err)
		}
	}

	e.recordWorkflow(success, exec.Duration)
	if !success {
		return exec, abortErr
	}
	return exec, nil
}

// runStep renders the step template against the step-scoped context and
// calls the executor with retry and timeout handling. A timeout is treated
// identically to any other failure for retry and criticality purposes.
func (e *WorkflowExecutionEngine) runStep(ctx context.Context, step *WorkflowStep, base *PromptContext, exec *WorkflowExecutionContext) (string, error) {
	step.Status = StepRunning

	stepCtx := scopeContext(base, ContextTypeGeneration)
	for _, iv := range step.InputVariables {
		if out, ok := exec.StepResults[iv]; ok {
			stepCtx.Set(iv, out)
			continue
		}
		if v := stepCtx.Get(iv, nil); v == nil {
			return "", fmt.Errorf("step %q: required input variable %q is neither a completed step result nor a context variable", step.Name, iv)
		}
	}

	tmpl, err := e.loader.Get(step.Template)
	if err != nil {
		return "", fmt.Errorf("step %q: %w", step.Name, err)
	}
	prompt, err := tmpl.Render(stepCtx, nil)
	if err != nil {
		return "", fmt.Errorf("step %q: %w", step.Name, err)
	}

	var lastErr error
	for attempt := 0; attempt <= step.MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: base, 2x, 4x...
			delay := e.backoffBase << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		callCtx := ctx
		var cancel context.CancelFunc
		if step.TimeoutSeconds > 0 {
			callCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSeconds)*time.Second)
		}
		out, err := e.executor(callCtx, step, prompt)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("step %q failed after %d attempts: %w", step.Name, step.MaxRetries+1, lastErr)
}

func (e *WorkflowExecutionEngine) renderOutput(outputTemplate string, base *PromptContext, exec *WorkflowExecutionContext) (string, error) {
	tmpl, err := e.loader.Get(outputTemplate)
	if err != nil {
		return "", err
	}
	extra := map[string]interface{}{
		"workflow_id":     exec.WorkflowID,
		"workflow_name":   exec.Name,
		"completed_steps": exec.Completed,
		"duration_ms":     exec.Duration.Milliseconds(),
	}
	for name, out := range exec.StepResults {
		extra[name] = out
	}
	return tmpl.RenderPermissive(base, extra)
}

func (e *WorkflowExecutionEngine) recordWorkflow(success bool, dur time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics.TotalWorkflows++
	if success {
		e.metrics.SuccessfulWorkflows++
	} else {
		e.metrics.FailedWorkflows++
	}
	n := float64(e.metrics.TotalWorkflows)
	e.metrics.AvgExecutionSeconds += (dur.Seconds() - e.metrics.AvgExecutionSeconds) / n
	if e.metrics.totalSteps > 0 {
		e.metrics.StepSuccessRate = float64(e.metrics.successfulSteps) / float64(e.metrics.totalSteps)
	}
}

// Metrics returns a snapshot of engine metrics.
func (e *WorkflowExecutionEngine) Metrics() WorkflowMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics
}

// ActiveWorkflow returns the execution context of an in-flight workflow.
func (e *WorkflowExecutionEngine) ActiveWorkflow(id string) (*WorkflowExecutionContext, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.active[id]
	return w, ok
}

// SetBackoffBase overrides the retry backoff base. Used by tests.
func (e *WorkflowExecutionEngine) SetBackoffBase(d time.Duration) { e.backoffBase = d }
