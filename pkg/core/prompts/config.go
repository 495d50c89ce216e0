package prompts

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"
)

// PromptRef references a template inside a composition, with an optional
// priority (system prompts render highest priority first). In YAML it may be
// a bare string or a {name, priority} mapping.
type PromptRef struct {
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`
}

func (r *PromptRef) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		r.Name = s
		return nil
	}
	type plain PromptRef
	var p plain
	if err := unmarshal(&p); err != nil {
		return err
	}
	*r = PromptRef(p)
	return nil
}

// WorkflowStepConfig declares one step of a workflow-flavored composition.
type WorkflowStepConfig struct {
	Name           string   `yaml:"name"`
	Template       string   `yaml:"template"`
	DependsOn      []string `yaml:"depends_on"`
	ParallelWith   []string `yaml:"parallel_with"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Critical       bool     `yaml:"critical"`
	MaxRetries     int      `yaml:"max_retries"`
	InputVariables []string `yaml:"input_variables"`
}

// CompositionConfig is one named composition from composition_rules.yaml.
type CompositionConfig struct {
	Description              string               `yaml:"description"`
	SystemPrompts            []PromptRef          `yaml:"system_prompts"`
	UserPrompts              []PromptRef          `yaml:"user_prompts"`
	WorkflowSteps            []WorkflowStepConfig `yaml:"workflow_steps"`
	MergeStrategy            string               `yaml:"merge_strategy"`
	OutputTemplate           string               `yaml:"output_template"`
	EstimatedDurationSeconds int                  `yaml:"estimated_duration_seconds"`
	MaxTokensTotal           int                  `yaml:"max_tokens_total"`
	ErrorHandling            map[string]string    `yaml:"error_handling"`
}

// ServiceMapping is one entry from service_mappings.yaml.
type ServiceMapping struct {
	PrimaryTemplates    []string           `yaml:"primary_templates"`
	Compositions        []string           `yaml:"compositions"`
	FallbackTemplates   []string           `yaml:"fallback_templates"`
	ContextRequirements []string           `yaml:"context_requirements"`
	PerformanceTargets  map[string]float64 `yaml:"performance_targets"`
	Tags                []string           `yaml:"tags"`
}

// DiscoveryRules carries the service discovery section of the mapping file.
type DiscoveryRules struct {
	GlobalTags         []string            `yaml:"global_tags"`
	ServiceTagPatterns map[string][]string `yaml:"service_tag_patterns"`
}

type compositionRulesFile struct {
	Compositions              map[string]*CompositionConfig           `yaml:"compositions"`
	StateOverrides            map[string]map[string]map[string]string `yaml:"state_overrides"`
	UserExperienceAdjustments map[string]interface{}                  `yaml:"user_experience_adjustments"`
	GlobalSettings            map[string]interface{}                  `yaml:"global_settings"`
}

type serviceMappingsFile struct {
	Mappings       map[string]*ServiceMapping `yaml:"mappings"`
	DiscoveryRules DiscoveryRules             `yaml:"discovery_rules"`
}

// ConfigError is fatal at initialization and enumerates every offending
// reference, not just the first.
type ConfigError struct {
	Issues []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("prompt configuration invalid (%d issues): %s", len(e.Issues), strings.Join(e.Issues, "; "))
}

// ValidationReport is the result of validating a single composition.
type ValidationReport struct {
	Valid  bool
	Issues []string
}

// ConfigurationManager loads composition rules and service mappings, and
// cross-validates both against the template loader and fragment manager at
// initialization. Validation failures abort startup (fail closed).
type ConfigurationManager struct {
	loader    *TemplateLoader
	fragments *FragmentManager

	compositions   map[string]*CompositionConfig
	stateOverrides map[string]map[string]map[string]string
	globalSettings map[string]interface{}
	mappings       map[string]*ServiceMapping
	discovery      DiscoveryRules
}

// NewConfigurationManager wires a manager over the given loader and fragment
// manager.
func NewConfigurationManager(loader *TemplateLoader, fragments *FragmentManager) *ConfigurationManager {
	return &ConfigurationManager{
		loader:         loader,
		fragments:      fragments,
		compositions:   map[string]*CompositionConfig{},
		stateOverrides: map[string]map[string]map[string]string{},
		globalSettings: map[string]interface{}{},
		mappings:       map[string]*ServiceMapping{},
	}
}

// LoadCompositionRules parses the composition rules file.
func (m *ConfigurationManager) LoadCompositionRules(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read composition rules %s: %w", path, err)
	}
	var file compositionRulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("invalid composition rules %s: %w", path, err)
	}
	if file.Compositions == nil {
		return &ConfigError{Issues: []string{fmt.Sprintf("composition rules %s: no compositions declared", path)}}
	}
	m.compositions = file.Compositions
	if file.StateOverrides != nil {
		m.stateOverrides = file.StateOverrides
	}
	if file.GlobalSettings != nil {
		m.globalSettings = file.GlobalSettings
	}
	return nil
}

// LoadServiceMappings parses the service mappings file.
func (m *ConfigurationManager) LoadServiceMappings(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read service mappings %s: %w", path, err)
	}
	var file serviceMappingsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("invalid service mappings %s: %w", path, err)
	}
	if file.Mappings != nil {
		m.mappings = file.Mappings
	}
	m.discovery = file.DiscoveryRules
	return nil
}

// Validate cross-checks everything loaded so far. Every issue is collected
// before failing; a valid configuration returns nil.
func (m *ConfigurationManager) Validate() error {
	var issues []string
	for _, name := range m.compositionNames() {
		report := m.ValidateComposition(name)
		issues = append(issues, report.Issues...)
	}
	for svc, mapping := range m.mappings {
		for _, comp := range mapping.Compositions {
			if _, ok := m.compositions[comp]; !ok {
				issues = append(issues, fmt.Sprintf("service %q references unknown composition %q", svc, comp))
			}
		}
		for _, tmpl := range append(append([]string{}, mapping.PrimaryTemplates...), mapping.FallbackTemplates...) {
			if !m.loader.Exists(tmpl) {
				issues = append(issues, fmt.Sprintf("service %q: template not found: %s", svc, tmpl))
			}
		}
	}
	if len(issues) > 0 {
		sort.Strings(issues)
		return &ConfigError{Issues: issues}
	}
	return nil
}

// ValidateComposition checks one composition's references. Used both during
// eager startup validation and on demand.
func (m *ConfigurationManager) ValidateComposition(name string) ValidationReport {
	comp, ok := m.compositions[name]
	if !ok {
		return ValidationReport{Issues: []string{fmt.Sprintf("composition not found: %s", name)}}
	}
	var issues []string
	if len(comp.SystemPrompts) == 0 {
		issues = append(issues, fmt.Sprintf("composition %q declares no system prompts", name))
	}
	check := func(ref string) {
		if !m.loader.Exists(ref) {
			issues = append(issues, fmt.Sprintf("composition %q: template not found: %s", name, ref))
		}
	}
	for _, ref := range comp.SystemPrompts {
		check(ref.Name)
	}
	for _, ref := range comp.UserPrompts {
		check(ref.Name)
	}
	for _, step := range comp.WorkflowSteps {
		check(step.Template)
	}
	if comp.OutputTemplate != "" {
		check(comp.OutputTemplate)
	}
	// Fragment orchestrations referenced by member templates must resolve,
	// along with every fragment path they name.
	for _, ref := range comp.UserPrompts {
		tmpl, err := m.loader.Get(ref.Name)
		if err != nil {
			continue
		}
		orch := tmpl.Metadata.FragmentOrchestration
		if orch == "" {
			continue
		}
		if m.fragments == nil || !m.fragments.HasOrchestration(orch) {
			issues = append(issues, fmt.Sprintf("composition %q: fragment orchestration not found: %s", name, orch))
			continue
		}
		for _, fp := range m.fragments.FragmentPaths(orch) {
			if !m.fragments.FragmentExists(fp) {
				issues = append(issues, fmt.Sprintf("composition %q: fragment not found: %s", name, fp))
			}
		}
	}
	return ValidationReport{Valid: len(issues) == 0, Issues: issues}
}

// Composition returns the named composition config.
func (m *ConfigurationManager) Composition(name string) (*CompositionConfig, error) {
	comp, ok := m.compositions[name]
	if !ok {
		return nil, fmt.Errorf("composition not found: %s", name)
	}
	return comp, nil
}

// ServiceMappingFor returns the mapping for a service name.
func (m *ConfigurationManager) ServiceMappingFor(service string) (*ServiceMapping, error) {
	sm, ok := m.mappings[service]
	if !ok {
		return nil, fmt.Errorf("service mapping not found: %s", service)
	}
	return sm, nil
}

// SystemPromptsFor resolves the composition's system prompt list with any
// per-state overrides applied. Overrides replace only the named entries,
// leaving order and the rest of the list untouched.
func (m *ConfigurationManager) SystemPromptsFor(name string, australianState string) ([]PromptRef, error) {
	comp, err := m.Composition(name)
	if err != nil {
		return nil, err
	}
	refs := append([]PromptRef(nil), comp.SystemPrompts...)
	if australianState == "" {
		return refs, nil
	}
	overrides, ok := m.stateOverrides[australianState]
	if !ok {
		return refs, nil
	}
	byComposition, ok := overrides[name]
	if !ok {
		return refs, nil
	}
	for i, ref := range refs {
		if replacement, ok := byComposition[ref.Name]; ok {
			refs[i].Name = replacement
		}
	}
	return refs, nil
}

func (m *ConfigurationManager) compositionNames() []string {
	names := make([]string, 0, len(m.compositions))
	for n := range m.compositions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
