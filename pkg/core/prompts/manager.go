package prompts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// renderCacheEntry is one cached render keyed by an explicit cache key.
type renderCacheEntry struct {
	value      string
	expiresAt  time.Time
	lastAccess time.Time
}

// ManagerMetrics counts façade activity.
type ManagerMetrics struct {
	Renders             int64
	CacheHits           int64
	ValidationFailures  int64
	Errors              int64
	CumulativeRenderSec float64
	WorkflowSuccessRate float64

	workflowRuns      int64
	workflowSuccesses int64
}

// ComponentHealth is one component's slice of the health report.
type ComponentHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// HealthReport aggregates component status. A single unhealthy component
// degrades the overall status instead of failing it.
type HealthReport struct {
	Status     string            `json:"status"` // healthy | degraded | unhealthy
	Components []ComponentHealth `json:"components"`
}

// RenderOptions tunes a single Render call.
type RenderOptions struct {
	// CacheKey enables result caching under this key. Empty disables caching.
	CacheKey string
	CacheTTL time.Duration
	// Model selects the token budget row; empty skips the length check.
	Model string
	// SkipValidation bypasses context completeness and length checks.
	SkipValidation bool
}

// Conservative prompt-length ceilings per model family, in characters
// (roughly 4 chars per token).
var modelCharLimits = map[string]int{
	"gemini-2.0-flash": 3_200_000,
	"gemini-1.5-pro":   7_800_000,
	"gpt-4o":           500_000,
	"gpt-4o-mini":      500_000,
}

const defaultCharLimit = 400_000

// PromptManager is the façade over the loader, composer, configuration
// manager and workflow engine. One instance serves a whole process; the
// render cache is safe for concurrent use.
type PromptManager struct {
	loader    *TemplateLoader
	fragments *FragmentManager
	config    *ConfigurationManager
	composer  *PromptComposer
	engine    *WorkflowExecutionEngine

	cacheCap int
	cacheTTL time.Duration

	mu      sync.Mutex
	cache   map[string]*renderCacheEntry
	metrics ManagerMetrics
}

// NewPromptManager assembles a manager from pre-built components. The engine
// may be nil when workflow execution is not needed.
func NewPromptManager(loader *TemplateLoader, fragments *FragmentManager, config *ConfigurationManager, engine *WorkflowExecutionEngine) *PromptManager {
	return &PromptManager{
		loader:    loader,
		fragments: fragments,
		config:    config,
		composer:  NewPromptComposer(loader, fragments, config),
		engine:    engine,
		cacheCap:  256,
		cacheTTL:  10 * time.Minute,
		cache:     map[string]*renderCacheEntry{},
	}
}

// SetCachePolicy overrides the render cache size cap and default TTL.
func (m *PromptManager) SetCachePolicy(cap int, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheCap = cap
	m.cacheTTL = ttl
}

// Render renders a single template with optional caching and validation.
func (m *PromptManager) Render(templateName string, ctx *PromptContext, extra map[string]interface{}, opts RenderOptions) (string, error) {
	start := time.Now()
	m.mu.Lock()
	m.metrics.Renders++
	m.mu.Unlock()

	if opts.CacheKey != "" {
		if v, ok := m.cacheGet(opts.CacheKey); ok {
			m.mu.Lock()
			m.metrics.CacheHits++
			m.mu.Unlock()
			return v, nil
		}
	}

	tmpl, err := m.loader.Get(templateName)
	if err != nil {
		m.countError()
		return "", err
	}

	if !opts.SkipValidation && ctx != nil && len(tmpl.Metadata.RequiredVariables) > 0 {
		if err := ctx.ValidateRequired(tmpl.Metadata.RequiredVariables); err != nil {
			// Extra variables may still satisfy the template; only fail when
			// the merged namespace is also short.
			if stillMissing(err, extra) {
				m.countValidationFailure()
				return "", err
			}
		}
	}

	out, err := tmpl.Render(ctx, extra)
	if err != nil {
		m.countError()
		return "", err
	}

	if !opts.SkipValidation {
		if err := m.checkLength(templateName, out, opts.Model); err != nil {
			m.countValidationFailure()
			return "", err
		}
	}

	if opts.CacheKey != "" {
		ttl := opts.CacheTTL
		if ttl <= 0 {
			ttl = m.cacheTTL
		}
		m.cachePut(opts.CacheKey, out, ttl)
	}

	m.mu.Lock()
	m.metrics.CumulativeRenderSec += time.Since(start).Seconds()
	m.mu.Unlock()
	return out, nil
}

// RenderComposed renders a named composition and returns the structured
// {system, user, metadata} result.
func (m *PromptManager) RenderComposed(name string, ctx *PromptContext, extra map[string]interface{}, parser OutputParser) (*ComposedPrompt, error) {
	m.mu.Lock()
	m.metrics.Renders++
	m.mu.Unlock()
	composed, err := m.composer.Compose(name, ctx, extra, parser)
	if err != nil {
		m.countError()
		return nil, err
	}
	return composed, nil
}

// ComposePrompt renders a named composition as a single combined string.
func (m *PromptManager) ComposePrompt(name string, ctx *PromptContext, extra map[string]interface{}) (string, error) {
	composed, err := m.RenderComposed(name, ctx, extra, nil)
	if err != nil {
		return "", err
	}
	return composed.Combined(), nil
}

// ExecuteWorkflow runs the workflow declared by a composition's workflow
// steps and tracks the rolling success rate.
func (m *PromptManager) ExecuteWorkflow(ctx context.Context, compositionName string, pctx *PromptContext) (*WorkflowExecutionContext, error) {
	if m.engine == nil {
		return nil, fmt.Errorf("no workflow engine configured")
	}
	comp, err := m.config.Composition(compositionName)
	if err != nil {
		return nil, err
	}
	if len(comp.WorkflowSteps) == 0 {
		return nil, fmt.Errorf("composition %q declares no workflow steps", compositionName)
	}
	steps := make([]*WorkflowStep, len(comp.WorkflowSteps))
	for i, cfg := range comp.WorkflowSteps {
		steps[i] = stepFromConfig(cfg)
	}

	exec, err := m.engine.Execute(ctx, compositionName, steps, pctx, comp.OutputTemplate)

	m.mu.Lock()
	m.metrics.workflowRuns++
	if err == nil {
		m.metrics.workflowSuccesses++
	}
	m.metrics.WorkflowSuccessRate = float64(m.metrics.workflowSuccesses) / float64(m.metrics.workflowRuns)
	m.mu.Unlock()
	return exec, err
}

// ActiveWorkflow exposes status polling for an in-flight workflow.
func (m *PromptManager) ActiveWorkflow(id string) (*WorkflowExecutionContext, bool) {
	if m.engine == nil {
		return nil, false
	}
	return m.engine.ActiveWorkflow(id)
}

// Metrics returns a snapshot of façade metrics.
func (m *PromptManager) Metrics() ManagerMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// HealthCheck reports each component individually. Overall status is
// "healthy" when all pass, "degraded" when some fail, "unhealthy" when all do.
func (m *PromptManager) HealthCheck() HealthReport {
	var components []ComponentHealth

	lc := ComponentHealth{Name: "template_loader", Healthy: m.loader != nil && m.loader.Count() > 0}
	if !lc.Healthy {
		lc.Detail = "no templates loaded"
	}
	components = append(components, lc)

	cc := ComponentHealth{Name: "config_manager", Healthy: m.config != nil}
	if m.config != nil {
		if err := m.config.Validate(); err != nil {
			cc.Healthy = false
			cc.Detail = err.Error()
		}
	} else {
		cc.Detail = "not configured"
	}
	components = append(components, cc)

	fc := ComponentHealth{Name: "fragment_manager", Healthy: m.fragments != nil}
	if !fc.Healthy {
		fc.Detail = "not configured"
	}
	components = append(components, fc)

	wc := ComponentHealth{Name: "workflow_engine", Healthy: m.engine != nil}
	if !wc.Healthy {
		wc.Detail = "not configured"
	}
	components = append(components, wc)

	healthy := 0
	for _, c := range components {
		if c.Healthy {
			healthy++
		}
	}
	status := "degraded"
	switch healthy {
	case len(components):
		status = "healthy"
	case 0:
		status = "unhealthy"
	}
	return HealthReport{Status: status, Components: components}
}

func (m *PromptManager) checkLength(name, rendered, model string) error {
	limit := defaultCharLimit
	if model != "" {
		if l, ok := modelCharLimits[model]; ok {
			limit = l
		}
	}
	if len(rendered) > limit {
		return fmt.Errorf("template %q: rendered prompt length %d exceeds budget %d for model %q", name, len(rendered), limit, model)
	}
	return nil
}

func (m *PromptManager) cacheGet(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache[key]
	if !ok {
		return "", false
	}
	if time.Now().After(e.expiresAt) {
		delete(m.cache, key)
		return "", false
	}
	e.lastAccess = time.Now()
	return e.value, true
}

func (m *PromptManager) cachePut(key, value string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.cache[key] = &renderCacheEntry{value: value, expiresAt: now.Add(ttl), lastAccess: now}
	// LRU eviction when over the cap, expired entries first.
	for len(m.cache) > m.cacheCap {
		oldestKey := ""
		var oldest time.Time
		for k, e := range m.cache {
			if now.After(e.expiresAt) {
				oldestKey = k
				break
			}
			if oldestKey == "" || e.lastAccess.Before(oldest) {
				oldestKey = k
				oldest = e.lastAccess
			}
		}
		delete(m.cache, oldestKey)
	}
}

func (m *PromptManager) countError() {
	m.mu.Lock()
	m.metrics.Errors++
	m.mu.Unlock()
}

func (m *PromptManager) countValidationFailure() {
	m.mu.Lock()
	m.metrics.ValidationFailures++
	m.mu.Unlock()
}

// stillMissing reports whether a context validation error survives the extra
// variable overlay.
func stillMissing(err error, extra map[string]interface{}) bool {
	cerr, ok := err.(*ContextError)
	if !ok {
		return true
	}
	for _, name := range cerr.Missing {
		if v, ok := extra[name]; !ok || v == nil {
			return true
		}
	}
	return false
}

// CacheKey builds a render cache key from its parts.
func CacheKey(parts ...string) string {
	return strings.Join(parts, "|")
}
