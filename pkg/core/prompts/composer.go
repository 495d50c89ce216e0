package prompts

import (
	"fmt"
	"sort"
	"strings"
)

// Merge strategies for combining per-role rendered prompts.
const (
	MergeSequential   = "sequential"
	MergeParallel     = "parallel"
	MergeHierarchical = "hierarchical"
)

// ComposedPrompt is the result of rendering a named composition: the merged
// system and user texts plus the rendering metadata the node layer uses to
// resolve models.
type ComposedPrompt struct {
	Name     string
	System   string
	User     string
	Metadata map[string]interface{}
}

// Combined returns the full prompt as a single string.
func (p *ComposedPrompt) Combined() string {
	if p.System == "" {
		return p.User
	}
	if p.User == "" {
		return p.System
	}
	return p.System + "\n\n" + p.User
}

// CompositionError names the composition and the specific failing template.
// Partial composition failure never continues silently.
type CompositionError struct {
	Composition string
	Template    string
	Err         error
}

func (e *CompositionError) Error() string {
	return fmt.Sprintf("composition %q: template %q failed: %v", e.Composition, e.Template, e.Err)
}

func (e *CompositionError) Unwrap() error { return e.Err }

// PromptComposer resolves named compositions into rendered prompts.
type PromptComposer struct {
	loader    *TemplateLoader
	fragments *FragmentManager
	config    *ConfigurationManager
}

// NewPromptComposer wires a composer over the loader, fragment manager and
// configuration manager.
func NewPromptComposer(loader *TemplateLoader, fragments *FragmentManager, config *ConfigurationManager) *PromptComposer {
	return &PromptComposer{loader: loader, fragments: fragments, config: config}
}

// Compose renders the named composition. System prompts render by configured
// priority (descending, stable); user prompts render in declared order. The
// parser, when given, attaches to the final user template so format
// instructions appear exactly once. Extra variables overlay the context for
// every member render.
func (c *PromptComposer) Compose(name string, ctx *PromptContext, extra map[string]interface{}, parser OutputParser) (*ComposedPrompt, error) {
	comp, err := c.config.Composition(name)
	if err != nil {
		return nil, err
	}

	state := ""
	if ctx != nil {
		state = ctx.AustralianState
	}
	systemRefs, err := c.config.SystemPromptsFor(name, state)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(systemRefs, func(i, j int) bool {
		return systemRefs[i].Priority > systemRefs[j].Priority
	})

	systemCtx := scopeContext(ctx, ContextTypeSystem)
	userCtx := scopeContext(ctx, ContextTypeUser)

	var systemParts []string
	for _, ref := range systemRefs {
		text, err := c.renderMember(ref.Name, systemCtx, extra, nil)
		if err != nil {
			return nil, &CompositionError{Composition: name, Template: ref.Name, Err: err}
		}
		systemParts = append(systemParts, text)
	}

	var userParts []string
	for i, ref := range comp.UserPrompts {
		var memberParser OutputParser
		if parser != nil && i == len(comp.UserPrompts)-1 {
			memberParser = parser
		}
		text, err := c.renderMember(ref.Name, userCtx, extra, memberParser)
		if err != nil {
			return nil, &CompositionError{Composition: name, Template: ref.Name, Err: err}
		}
		userParts = append(userParts, text)
	}

	strategy := comp.MergeStrategy
	if strategy == "" {
		strategy = MergeSequential
	}
	composed := &ComposedPrompt{
		Name:     name,
		System:   mergeParts(systemParts, strategy),
		User:     mergeParts(userParts, strategy),
		Metadata: c.renderingMetadata(comp),
	}
	return composed, nil
}

// renderMember renders one template, routing through the fragment manager
// when the template declares an orchestration.
func (c *PromptComposer) renderMember(templateName string, ctx *PromptContext, extra map[string]interface{}, parser OutputParser) (string, error) {
	tmpl, err := c.loader.Get(templateName)
	if err != nil {
		return "", err
	}
	if parser != nil {
		tmpl.AttachParser(parser)
	}
	if orch := tmpl.Metadata.FragmentOrchestration; orch != "" && c.fragments != nil {
		merged := ctx
		if len(extra) > 0 {
			overlay := NewPromptContext(ctx.ContextType, extra)
			merged = ctx.Merge(overlay)
		}
		return c.fragments.ComposeWithFragments(tmpl, orch, merged)
	}
	return tmpl.Render(ctx, extra)
}

// renderingMetadata collects model resolution hints from the composition's
// user templates: primary model, explicit fallbacks and the compatibility
// list, plus token budget.
func (c *PromptComposer) renderingMetadata(comp *CompositionConfig) map[string]interface{} {
	meta := map[string]interface{}{}
	var compatibility []string
	for _, ref := range comp.UserPrompts {
		tmpl, err := c.loader.Get(ref.Name)
		if err != nil {
			continue
		}
		md := tmpl.Metadata
		if md.PrimaryModel != "" && meta["primary_model"] == nil {
			meta["primary_model"] = md.PrimaryModel
		}
		if len(md.FallbackModels) > 0 && meta["fallback_models"] == nil {
			meta["fallback_models"] = append([]string(nil), md.FallbackModels...)
		}
		for _, m := range md.ModelCompatibility {
			if !containsString(compatibility, m) {
				compatibility = append(compatibility, m)
			}
		}
		if md.MaxTokens > 0 {
			if cur, ok := meta["max_tokens"].(int); !ok || md.MaxTokens > cur {
				meta["max_tokens"] = md.MaxTokens
			}
		}
	}
	if len(compatibility) > 0 {
		meta["model_compatibility"] = compatibility
	}
	if comp.MaxTokensTotal > 0 {
		meta["max_tokens_total"] = comp.MaxTokensTotal
	}
	return meta
}

func mergeParts(parts []string, strategy string) string {
	var nonEmpty []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	if len(nonEmpty) == 0 {
		return ""
	}
	switch strategy {
	case MergeParallel:
		return strings.Join(nonEmpty, "\n\n")
	case MergeHierarchical:
		out := nonEmpty[0]
		for _, p := range nonEmpty[1:] {
			lines := strings.Split(p, "\n")
			for i, l := range lines {
				lines[i] = "  " + l
			}
			out += "\n\n" + strings.Join(lines, "\n")
		}
		return out
	default: // sequential
		return strings.Join(nonEmpty, "\n\n---\n\n")
	}
}

func scopeContext(ctx *PromptContext, ctype ContextType) *PromptContext {
	if ctx == nil {
		return NewPromptContext(ctype, nil)
	}
	scoped := ctx.Merge(nil)
	scoped.ContextType = ctype
	return scoped
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
