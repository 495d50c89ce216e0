package prompts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v2"
)

// TemplateMetadata is the frontmatter record of a template resource. Absence
// of frontmatter is tolerated; the loader fills a fallback record instead.
type TemplateMetadata struct {
	Name                  string    `yaml:"name"`
	Version               string    `yaml:"version"`
	Description           string    `yaml:"description"`
	RequiredVariables     []string  `yaml:"required_variables"`
	OptionalVariables     []string  `yaml:"optional_variables"`
	ModelCompatibility    []string  `yaml:"model_compatibility"`
	MaxTokens             int       `yaml:"max_tokens"`
	TemperatureRange      []float64 `yaml:"temperature_range"`
	Tags                  []string  `yaml:"tags"`
	FragmentOrchestration string    `yaml:"fragment_orchestration"`
	PrimaryModel          string    `yaml:"primary_model"`
	FallbackModels        []string  `yaml:"fallback_models"`
}

// TemplateError is fatal for a single render call. Missing lists every
// required variable absent from the merged namespace.
type TemplateError struct {
	Template string
	Missing  []string
	Err      error
}

func (e *TemplateError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("template %q: missing required variables: %s", e.Template, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("template %q: %v", e.Template, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

// PromptTemplate is a loaded template resource: frontmatter metadata plus the
// renderable body, optionally carrying an output parser whose format
// instructions are injected at render time.
type PromptTemplate struct {
	Metadata TemplateMetadata
	Content  string

	parser OutputParser
}

var frontmatterRe = regexp.MustCompile(`(?s)\A---\s*\n(.*?)\n---\s*\n?`)

// ParseTemplateSource splits an optional frontmatter block from the body.
// A resource with no frontmatter gets the fallback metadata record
// (name = fallbackName, version "1.0", no required variables).
func ParseTemplateSource(source string, fallbackName string) (*PromptTemplate, error) {
	meta := TemplateMetadata{Name: fallbackName, Version: "1.0"}
	body := source
	if m := frontmatterRe.FindStringSubmatch(source); m != nil {
		if err := yaml.Unmarshal([]byte(m[1]), &meta); err != nil {
			return nil, fmt.Errorf("invalid frontmatter in template %q: %w", fallbackName, err)
		}
		if meta.Name == "" {
			meta.Name = fallbackName
		}
		if meta.Version == "" {
			meta.Version = "1.0"
		}
		body = source[len(m[0]):]
	}
	return &PromptTemplate{Metadata: meta, Content: body}, nil
}

// AttachParser binds an output parser; Render will then expose
// format_instructions, expects_structured_output and output_format.
func (t *PromptTemplate) AttachParser(p OutputParser) { t.parser = p }

// Parser returns the attached output parser, if any.
func (t *PromptTemplate) Parser() OutputParser { return t.parser }

// templateFuncs are the domain filters template content relies on. The set of
// names is a hard external contract; the implementations are replaceable.
func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"now": func(layout ...string) string {
			l := time.RFC3339
			if len(layout) > 0 && layout[0] != "" {
				l = layout[0]
			}
			return time.Now().Format(l)
		},
		"currency": func(v interface{}) string {
			var f float64
			switch x := v.(type) {
			case float64:
				f = x
			case float32:
				f = float64(x)
			case int:
				f = float64(x)
			case int64:
				f = float64(x)
			default:
				return fmt.Sprintf("%v", v)
			}
			return "$" + groupThousands(fmt.Sprintf("%.2f", f))
		},
		"australian_date": func(v interface{}) string {
			switch x := v.(type) {
			case time.Time:
				return x.Format("02/01/2006")
			case string:
				if ts, err := time.Parse(time.RFC3339, x); err == nil {
					return ts.Format("02/01/2006")
				}
				if ts, err := time.Parse("2006-01-02", x); err == nil {
					return ts.Format("02/01/2006")
				}
				return x
			default:
				return fmt.Sprintf("%v", v)
			}
		},
		"legal_format": func(s string) string {
			// Normalize whitespace runs and stray OCR soft hyphens.
			s = strings.ReplaceAll(s, "­", "")
			return strings.Join(strings.Fields(s), " ")
		},
		"tojsonpretty": func(v interface{}) string {
			b, err := json.MarshalIndent(v, "", "  ")
			if err != nil {
				return fmt.Sprintf("%v", v)
			}
			return string(b)
		},
		"upper": strings.ToUpper,
		"truncate": func(n int, s string) string {
			if len(s) <= n {
				return s
			}
			return s[:n] + "... [truncated]"
		},
	}
}

func groupThousands(num string) string {
	intPart := num
	frac := ""
	if i := strings.IndexByte(num, '.'); i >= 0 {
		intPart, frac = num[:i], num[i:]
	}
	neg := strings.HasPrefix(intPart, "-")
	if neg {
		intPart = intPart[1:]
	}
	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	out := b.String() + frac
	if neg {
		out = "-" + out
	}
	return out
}

var missingKeyRe = regexp.MustCompile(`map has no entry for key "([^"]+)"`)
var multiNewlineRe = regexp.MustCompile(`\n{3,}`)

// Render executes the template body against context ∪ extra in strict mode:
// a required variable absent from the merged namespace fails with a
// TemplateError naming every missing variable.
func (t *PromptTemplate) Render(ctx *PromptContext, extra map[string]interface{}) (string, error) {
	ns := t.buildNamespace(ctx, extra)

	var missing []string
	for _, req := range t.Metadata.RequiredVariables {
		if v, ok := ns[req]; !ok || v == nil {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return "", &TemplateError{Template: t.Metadata.Name, Missing: missing}
	}
	return t.execute(ns, true)
}

// RenderPermissive executes the template with undefined variables resolving
// to the empty string. Used for fragment-bearing templates, which must
// tolerate missing fragment categories.
func (t *PromptTemplate) RenderPermissive(ctx *PromptContext, extra map[string]interface{}) (string, error) {
	return t.execute(t.buildNamespace(ctx, extra), false)
}

func (t *PromptTemplate) buildNamespace(ctx *PromptContext, extra map[string]interface{}) map[string]interface{} {
	ns := map[string]interface{}{}
	if ctx != nil {
		for k, v := range ctx.ToDict() {
			ns[k] = v
		}
	}
	for k, v := range extra {
		ns[k] = v
	}
	if t.parser != nil {
		ns["format_instructions"] = t.parser.FormatInstructions()
		ns["expects_structured_output"] = true
		ns["output_format"] = t.parser.OutputFormat()
	}
	return ns
}

func (t *PromptTemplate) execute(ns map[string]interface{}, strict bool) (string, error) {
	tmpl, err := template.New(t.Metadata.Name).Funcs(templateFuncs()).Option("missingkey=error").Parse(t.Content)
	if err != nil {
		return "", &TemplateError{Template: t.Metadata.Name, Err: err}
	}
	if !strict {
		// Permissive mode substitutes empty strings into the namespace for
		// nil values here and for missing keys in the retry loop below; the
		// rendered output itself is never rewritten.
		ns = withoutNils(ns)
	}
	filled := map[string]bool{}
	for {
		var buf bytes.Buffer
		execErr := tmpl.Execute(&buf, ns)
		if execErr == nil {
			out := multiNewlineRe.ReplaceAllString(buf.String(), "\n\n")
			return strings.TrimSpace(out), nil
		}
		m := missingKeyRe.FindStringSubmatch(execErr.Error())
		if m == nil {
			return "", &TemplateError{Template: t.Metadata.Name, Err: execErr}
		}
		// A key that was already filled is missing from a nested map; a
		// top-level fill cannot satisfy it.
		if strict || filled[m[1]] {
			return "", &TemplateError{Template: t.Metadata.Name, Missing: []string{m[1]}}
		}
		ns[m[1]] = ""
		filled[m[1]] = true
	}
}

// withoutNils deep-copies a namespace, substituting empty strings for nil
// values so permissive renders emit nothing where a value is absent.
func withoutNils(ns map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(ns))
	for k, v := range ns {
		switch x := v.(type) {
		case map[string]interface{}:
			out[k] = withoutNils(x)
		case nil:
			out[k] = ""
		default:
			out[k] = v
		}
	}
	return out
}
