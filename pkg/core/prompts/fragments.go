package prompts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// Fragment is a reusable prompt snippet selected by orchestration rules.
type Fragment struct {
	Name     string
	Content  string
	Category string
	Tags     []string
}

// fragmentMeta is the optional frontmatter of a fragment file.
type fragmentMeta struct {
	Name     string   `yaml:"name"`
	Category string   `yaml:"category"`
	Tags     []string `yaml:"tags"`
}

// FragmentRule maps a context-variable value to fragment paths. Rules are
// applied in declared order; that order is the dedupe tie-break.
type FragmentRule struct {
	RuleName      string              `yaml:"-"`
	Condition     string              `yaml:"condition"`
	Composition   string              `yaml:"composition"`
	Mappings      map[string][]string `yaml:"mappings"`
	AlwaysInclude []string            `yaml:"always_include"`
	Priority      int                 `yaml:"priority"`
}

// FragmentManager loads fragment files and resolves them against a context
// via named orchestration rule sets.
type FragmentManager struct {
	fragmentDir string

	mu             sync.RWMutex
	orchestrations map[string][]FragmentRule
	fragments      map[string]*Fragment
}

// NewFragmentManager creates a manager rooted at fragmentDir.
func NewFragmentManager(fragmentDir string) *FragmentManager {
	return &FragmentManager{
		fragmentDir:    fragmentDir,
		orchestrations: make(map[string][]FragmentRule),
		fragments:      make(map[string]*Fragment),
	}
}

// LoadOrchestration parses an orchestrator config file and registers its
// rules under the given id. Declared rule order is preserved.
func (m *FragmentManager) LoadOrchestration(id string, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read orchestrator config %s: %w", path, err)
	}
	var doc struct {
		Fragments yaml.MapSlice `yaml:"fragments"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid orchestrator config %s: %w", path, err)
	}
	rules := make([]FragmentRule, 0, len(doc.Fragments))
	for _, item := range doc.Fragments {
		name := fmt.Sprintf("%v", item.Key)
		raw, err := yaml.Marshal(item.Value)
		if err != nil {
			return fmt.Errorf("orchestrator %s: bad rule %q: %w", id, name, err)
		}
		var rule FragmentRule
		if err := yaml.Unmarshal(raw, &rule); err != nil {
			return fmt.Errorf("orchestrator %s: bad rule %q: %w", id, name, err)
		}
		rule.RuleName = name
		rules = append(rules, rule)
	}
	m.mu.Lock()
	m.orchestrations[id] = rules
	m.mu.Unlock()
	return nil
}

// HasOrchestration reports whether an orchestration id is registered.
func (m *FragmentManager) HasOrchestration(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.orchestrations[id]
	return ok
}

// FragmentPaths returns every fragment path an orchestration references,
// for eager configuration validation.
func (m *FragmentManager) FragmentPaths(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var paths []string
	for _, rule := range m.orchestrations[id] {
		paths = append(paths, rule.AlwaysInclude...)
		for _, ps := range rule.Mappings {
			paths = append(paths, ps...)
		}
	}
	return paths
}

// FragmentExists reports whether a referenced fragment path resolves on disk.
func (m *FragmentManager) FragmentExists(relPath string) bool {
	_, err := os.Stat(filepath.Join(m.fragmentDir, relPath))
	return err == nil
}

// ResolveFragments applies the orchestration's rules in declared order:
// always_include first, then the mapping entry selected by the condition
// variable's string value. Duplicates (by fragment name) keep their first
// occurrence.
func (m *FragmentManager) ResolveFragments(orchestrationID string, ctx *PromptContext) ([]*Fragment, error) {
	m.mu.RLock()
	rules, ok := m.orchestrations[orchestrationID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown fragment orchestration: %s", orchestrationID)
	}

	flat := map[string]interface{}{}
	if ctx != nil {
		flat = ctx.ToDict()
	}

	var resolved []*Fragment
	seen := map[string]bool{}
	include := func(relPath string) {
		frag, err := m.loadFragment(relPath)
		if err != nil {
			// Missing fragments degrade, never abort the render.
			pkgLog.Warn("fragment unavailable, skipping", "fragment", relPath, "error", err)
			return
		}
		if seen[frag.Name] {
			return
		}
		seen[frag.Name] = true
		resolved = append(resolved, frag)
	}

	for _, rule := range rules {
		for _, p := range rule.AlwaysInclude {
			include(p)
		}
		if rule.Condition == "" {
			continue
		}
		val, ok := flat[rule.Condition]
		if !ok || val == nil {
			continue
		}
		key := fmt.Sprintf("%v", val)
		for _, p := range rule.Mappings[key] {
			include(p)
		}
	}
	return resolved, nil
}

// ComposeWithFragments renders baseTemplate with the resolved fragments
// grouped by category and exposed as "<category>_fragments" variables.
// Categories with no resolved fragment render as the empty string.
func (m *FragmentManager) ComposeWithFragments(baseTemplate *PromptTemplate, orchestrationID string, ctx *PromptContext) (string, error) {
	fragments, err := m.ResolveFragments(orchestrationID, ctx)
	if err != nil {
		return "", err
	}
	byCategory := map[string][]string{}
	for _, f := range fragments {
		cat := f.Category
		if cat == "" {
			cat = "general"
		}
		byCategory[cat] = append(byCategory[cat], strings.TrimSpace(f.Content))
	}
	extra := map[string]interface{}{}
	for cat, contents := range byCategory {
		extra[cat+"_fragments"] = strings.Join(contents, "\n\n")
	}
	return baseTemplate.RenderPermissive(ctx, extra)
}

func (m *FragmentManager) loadFragment(relPath string) (*Fragment, error) {
	m.mu.RLock()
	if f, ok := m.fragments[relPath]; ok {
		m.mu.RUnlock()
		return f, nil
	}
	m.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(m.fragmentDir, relPath))
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(filepath.Base(relPath), filepath.Ext(relPath))
	meta := fragmentMeta{Name: name}
	body := string(data)
	if fm := frontmatterRe.FindStringSubmatch(body); fm != nil {
		if err := yaml.Unmarshal([]byte(fm[1]), &meta); err == nil {
			body = body[len(fm[0]):]
		}
		if meta.Name == "" {
			meta.Name = name
		}
	}
	if meta.Category == "" {
		// Fragment directory doubles as the default category:
		// "state/nsw.md" -> "state".
		if dir := filepath.Dir(relPath); dir != "." {
			meta.Category = strings.Split(dir, string(filepath.Separator))[0]
		}
	}
	frag := &Fragment{Name: meta.Name, Content: body, Category: meta.Category, Tags: meta.Tags}
	m.mu.Lock()
	m.fragments[relPath] = frag
	m.mu.Unlock()
	return frag, nil
}
