package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFragmentFixtures(t *testing.T) (*FragmentManager, string) {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"state/nsw.md": `---
name: nsw_rules
category: state
---
NSW content`,
		"state/vic.md": `---
name: vic_rules
category: state
---
VIC content`,
		"guides/base.md": "base guidance",
	}
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	orch := filepath.Join(dir, "orchestration.yaml")
	config := `fragments:
  baseline:
    always_include: [guides/base.md]
  jurisdiction:
    condition: australian_state
    mappings:
      NSW: [state/nsw.md]
      VIC: [state/vic.md]
  duplicate_rule:
    condition: australian_state
    mappings:
      NSW: [state/nsw.md]
`
	if err := os.WriteFile(orch, []byte(config), 0644); err != nil {
		t.Fatal(err)
	}

	m := NewFragmentManager(dir)
	if err := m.LoadOrchestration("test", orch); err != nil {
		t.Fatal(err)
	}
	return m, dir
}

func TestResolveFragmentsOrderAndDedupe(t *testing.T) {
	m, _ := writeFragmentFixtures(t)

	ctx := NewPromptContext(ContextTypeUser, nil)
	ctx.AustralianState = "NSW"

	frags, err := m.ResolveFragments("test", ctx)
	if err != nil {
		t.Fatal(err)
	}
	// always_include first, then the NSW mapping; the duplicate rule's
	// second nsw_rules reference dedupes away.
	if len(frags) != 2 {
		t.Fatalf("got %d fragments, want 2: %+v", len(frags), frags)
	}
	if frags[0].Name != "base" || frags[1].Name != "nsw_rules" {
		t.Errorf("order = [%s, %s], want [base, nsw_rules]", frags[0].Name, frags[1].Name)
	}
}

func TestResolveFragmentsUnmatchedCondition(t *testing.T) {
	m, _ := writeFragmentFixtures(t)

	ctx := NewPromptContext(ContextTypeUser, nil)
	ctx.AustralianState = "WA" // no mapping

	frags, err := m.ResolveFragments("test", ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(frags) != 1 || frags[0].Name != "base" {
		t.Errorf("only always_include should resolve: %+v", frags)
	}
}

func TestResolveFragmentsUnknownOrchestration(t *testing.T) {
	m, _ := writeFragmentFixtures(t)
	if _, err := m.ResolveFragments("nope", nil); err == nil {
		t.Fatal("expected error for unknown orchestration")
	}
}

func TestResolveFragmentsMissingFileSkipped(t *testing.T) {
	dir := t.TempDir()
	orch := filepath.Join(dir, "o.yaml")
	config := `fragments:
  r:
    always_include: [does/not/exist.md]
`
	if err := os.WriteFile(orch, []byte(config), 0644); err != nil {
		t.Fatal(err)
	}
	m := NewFragmentManager(dir)
	if err := m.LoadOrchestration("test", orch); err != nil {
		t.Fatal(err)
	}
	frags, err := m.ResolveFragments("test", nil)
	if err != nil {
		t.Fatalf("missing fragment must degrade, not error: %v", err)
	}
	if len(frags) != 0 {
		t.Errorf("got %d fragments, want 0", len(frags))
	}
}

func TestComposeWithFragments(t *testing.T) {
	m, _ := writeFragmentFixtures(t)

	tmpl := &PromptTemplate{
		Metadata: TemplateMetadata{Name: "t"},
		Content:  "STATE:[{{.state_fragments}}] GUIDES:[{{.guides_fragments}}] NONE:[{{.absent_fragments}}]",
	}
	ctx := NewPromptContext(ContextTypeUser, nil)
	ctx.AustralianState = "VIC"

	out, err := m.ComposeWithFragments(tmpl, "test", ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "STATE:[VIC content]") {
		t.Errorf("state category missing: %q", out)
	}
	if !strings.Contains(out, "GUIDES:[base guidance]") {
		t.Errorf("directory-derived category missing: %q", out)
	}
	if !strings.Contains(out, "NONE:[]") {
		t.Errorf("absent category must render empty: %q", out)
	}
}

func TestFragmentCategoryFromDirectory(t *testing.T) {
	m, _ := writeFragmentFixtures(t)
	frag, err := m.loadFragment("guides/base.md")
	if err != nil {
		t.Fatal(err)
	}
	if frag.Category != "guides" {
		t.Errorf("Category = %q, want directory-derived %q", frag.Category, "guides")
	}
}
