package prompts

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"

	"contract_analysis/pkg/core/utils"
)

// ParsingResult is the uniform outcome of one parse attempt.
// Success implies ParsedData is non-nil.
type ParsingResult struct {
	Success          bool
	ParsedData       interface{}
	RawOutput        string
	ValidationErrors []string
	ParsingErrors    []string
	ConfidenceScore  float64
}

// OutputParser turns raw model text into a validated, confidence-scored
// instance of a target schema, and describes that schema to the model.
type OutputParser interface {
	FormatInstructions() string
	OutputFormat() string
	Parse(text string) *ParsingResult
	ParseWithRetry(text string) *ParsingResult
	SchemaName() string
}

// SchemaParser is the reflection-backed OutputParser. The target schema is a
// struct whose fields carry `json`, `required:"true"` and `desc` tags.
type SchemaParser struct {
	target     reflect.Type
	schemaName string
	strict     bool
	maxRetries int

	once         sync.Once
	instructions string
}

// ParserOption configures a SchemaParser.
type ParserOption func(*SchemaParser)

// Strict disables partial construction: any validation failure is terminal.
func Strict() ParserOption { return func(p *SchemaParser) { p.strict = true } }

// MaxRetries sets the repair-retry budget for ParseWithRetry.
func MaxRetries(n int) ParserOption { return func(p *SchemaParser) { p.maxRetries = n } }

// NewSchemaParser builds a parser for the struct behind prototype, which must
// be a struct or pointer to struct.
func NewSchemaParser(prototype interface{}, opts ...ParserOption) *SchemaParser {
	t := reflect.TypeOf(prototype)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		panic(fmt.Sprintf("schema parser prototype must be a struct, got %s", t.Kind()))
	}
	p := &SchemaParser{target: t, schemaName: t.Name(), maxRetries: 2}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *SchemaParser) SchemaName() string  { return p.schemaName }
func (p *SchemaParser) OutputFormat() string { return "json" }

type schemaField struct {
	jsonName string
	desc     string
	required bool
	typ      reflect.Type
	index    int
}

func (p *SchemaParser) fields() []schemaField {
	var out []schemaField
	for i := 0; i < p.target.NumField(); i++ {
		f := p.target.Field(i)
		if f.PkgPath != "" {
			continue
		}
		name := strings.Split(f.Tag.Get("json"), ",")[0]
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		out = append(out, schemaField{
			jsonName: name,
			desc:     f.Tag.Get("desc"),
			required: f.Tag.Get("required") == "true",
			typ:      f.Type,
			index:    i,
		})
	}
	return out
}

// FormatInstructions renders the schema as model-facing instructions:
// every field tagged REQUIRED or OPTIONAL with its description, a realistic
// example payload, and the output rules. Generated once and cached.
func (p *SchemaParser) FormatInstructions() string {
	p.once.Do(func() {
		var b strings.Builder
		fmt.Fprintf(&b, "Respond with a single JSON object matching the %s schema.\n\nFields:\n", p.schemaName)
		for _, f := range p.fields() {
			tag := "OPTIONAL"
			if f.required {
				tag = "REQUIRED"
			}
			desc := f.desc
			if desc == "" {
				desc = "no description"
			}
			fmt.Fprintf(&b, "- %s (%s, %s): %s\n", f.jsonName, jsonTypeName(f.typ), tag, desc)
		}
		example, err := json.MarshalIndent(exampleValue(p.target, 0), "", "  ")
		if err == nil {
			fmt.Fprintf(&b, "\nExample:\n%s\n", example)
		}
		b.WriteString("\nRules:\n")
		b.WriteString("- Return only the JSON object, with no surrounding prose or markdown fences.\n")
		b.WriteString("- Use double quotes for all keys and string values.\n")
		b.WriteString("- No trailing commas.\n")
		b.WriteString("- Omit optional fields you cannot determine; never invent values.\n")
		p.instructions = b.String()
	})
	return p.instructions
}

func jsonTypeName(t reflect.Type) string {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Slice, reflect.Array:
		return "array of " + jsonTypeName(t.Elem())
	case reflect.Map:
		return "object"
	case reflect.Struct:
		return "object"
	default:
		return t.Kind().String()
	}
}

// exampleValue synthesizes a realistic payload from the schema: placeholder
// strings, ISO8601 for date-named fields, one element per array, nested
// objects recursed with a depth guard.
func exampleValue(t reflect.Type, depth int) interface{} {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if depth > 4 {
		return nil
	}
	switch t.Kind() {
	case reflect.String:
		return "example"
	case reflect.Bool:
		return true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return 1
	case reflect.Float32, reflect.Float64:
		return 0.85
	case reflect.Slice, reflect.Array:
		return []interface{}{exampleValue(t.Elem(), depth+1)}
	case reflect.Map:
		return map[string]interface{}{"key": exampleValue(t.Elem(), depth+1)}
	case reflect.Struct:
		out := map[string]interface{}{}
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" {
				continue
			}
			name := strings.Split(f.Tag.Get("json"), ",")[0]
			if name == "-" {
				continue
			}
			if name == "" {
				name = f.Name
			}
			if isDateField(name) {
				out[name] = "2026-03-15T00:00:00Z"
				continue
			}
			if f.Type.Kind() == reflect.String {
				out[name] = "example_" + name
				continue
			}
			out[name] = exampleValue(f.Type, depth+1)
		}
		return out
	default:
		return nil
	}
}

func isDateField(name string) bool {
	n := strings.ToLower(name)
	return strings.HasSuffix(n, "_date") || strings.HasSuffix(n, "_at") || n == "date"
}

var fencedBlockRe = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)```")
var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

// Parse runs the extraction ladder against text and validates the first
// candidate that decodes. It never returns nil and never panics on bad input.
func (p *SchemaParser) Parse(text string) *ParsingResult {
	result := &ParsingResult{RawOutput: text}
	if strings.TrimSpace(text) == "" {
		result.ParsingErrors = append(result.ParsingErrors, "empty model output")
		return result
	}

	for _, candidate := range p.extractCandidates(text) {
		decoded, raw, fieldErrs, err := p.decode(candidate)
		if err != nil {
			result.ParsingErrors = append(result.ParsingErrors, err.Error())
			continue
		}
		if len(fieldErrs) > 0 {
			result.ValidationErrors = append(result.ValidationErrors, fieldErrs...)
			if p.strict {
				return result
			}
		}
		p.validate(result, decoded, raw, len(fieldErrs) > 0)
		return result
	}
	if len(result.ParsingErrors) == 0 {
		result.ParsingErrors = append(result.ParsingErrors, "no structured data found in model output")
	}
	return result
}

// extractCandidates produces texts to attempt, most direct first:
// whole text, fenced code blocks, the widest balanced brace span, and a
// cleaned-up variant with noise and trailing commas stripped.
func (p *SchemaParser) extractCandidates(text string) []string {
	trimmed := strings.TrimSpace(text)
	candidates := []string{trimmed}

	for _, m := range fencedBlockRe.FindAllStringSubmatch(text, -1) {
		if block := strings.TrimSpace(m[1]); block != "" {
			candidates = append(candidates, block)
		}
	}

	if span := widestBraceSpan(text); span != "" && span != trimmed {
		candidates = append(candidates, span)
	}

	cleaned := cleanupCandidate(trimmed)
	if cleaned != "" && cleaned != trimmed {
		candidates = append(candidates, cleaned)
	}

	// Dedupe, keeping first occurrence.
	seen := map[string]bool{}
	out := candidates[:0]
	for _, c := range candidates {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// widestBraceSpan returns the largest balanced {...} substring, tracking
// string literals so braces inside values don't break matching.
func widestBraceSpan(text string) string {
	best := ""
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i, r := range text {
		if inString {
			if escaped {
				escaped = false
			} else if r == '\\' {
				escaped = true
			} else if r == '"' {
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					span := text[start : i+1]
					if len(span) > len(best) {
						best = span
					}
				}
			}
		}
	}
	return best
}

func cleanupCandidate(text string) string {
	s := text
	if i := strings.IndexAny(s, "{["); i > 0 {
		s = s[i:]
	}
	if i := strings.LastIndexAny(s, "}]"); i >= 0 && i < len(s)-1 {
		s = s[:i+1]
	}
	s = trailingCommaRe.ReplaceAllString(s, "$1")
	return strings.TrimSpace(s)
}

// decode tries strict JSON, then repair, then Hjson for one candidate,
// returning the populated struct and the raw key map used for scoring.
// When the whole-struct decode fails on a field type mismatch, it falls back
// to field-wise decoding, dropping invalid fields and reporting them.
func (p *SchemaParser) decode(candidate string) (interface{}, map[string]interface{}, []string, error) {
	target := reflect.New(p.target).Interface()
	if normalized, err := utils.SmartParse(candidate, target); err == nil {
		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(normalized), &raw); err != nil {
			// Decoded into the struct but is not an object; score on presence
			// of nothing rather than failing.
			raw = map[string]interface{}{}
		}
		return target, raw, nil, nil
	}

	var rawFields map[string]json.RawMessage
	if _, err := utils.SmartParse(candidate, &rawFields); err != nil {
		return nil, nil, nil, fmt.Errorf("candidate did not decode: %v", err)
	}
	v := reflect.ValueOf(target).Elem()
	raw := map[string]interface{}{}
	var fieldErrs []string
	for _, f := range p.fields() {
		payload, present := rawFields[f.jsonName]
		if !present {
			continue
		}
		if err := json.Unmarshal(payload, v.Field(f.index).Addr().Interface()); err != nil {
			fieldErrs = append(fieldErrs, fmt.Sprintf("invalid field %s: %v", f.jsonName, err))
			continue
		}
		var scored interface{}
		_ = json.Unmarshal(payload, &scored)
		raw[f.jsonName] = scored
	}
	return target, raw, fieldErrs, nil
}

// validate distinguishes schema-validation failure from extraction failure:
// a decoded candidate with invalid/missing fields lands here, and outside
// strict mode is salvaged by partial construction.
func (p *SchemaParser) validate(result *ParsingResult, decoded interface{}, raw map[string]interface{}, degraded bool) {
	fields := p.fields()
	var missingRequired []string
	v := reflect.ValueOf(decoded).Elem()
	for _, f := range fields {
		if !f.required {
			continue
		}
		if _, present := raw[f.jsonName]; !present && v.Field(f.index).IsZero() {
			missingRequired = append(missingRequired, f.jsonName)
		}
	}

	if len(missingRequired) == 0 && !degraded {
		result.Success = true
		result.ParsedData = decoded
		result.ConfidenceScore = p.confidence(raw, fields)
		return
	}

	sort.Strings(missingRequired)
	for _, name := range missingRequired {
		result.ValidationErrors = append(result.ValidationErrors, fmt.Sprintf("required field missing: %s", name))
	}
	if p.strict {
		return
	}

	// Partial construction: backfill missing required fields with
	// type-appropriate defaults and instantiate anyway. Confidence is capped
	// below any fully-validated result.
	for _, f := range fields {
		fv := v.Field(f.index)
		if f.required && fv.IsZero() {
			fv.Set(defaultFieldValue(f.typ))
		}
	}
	result.Success = true
	result.ParsedData = decoded
	result.ConfidenceScore = p.confidence(raw, fields) * 0.5
}

func defaultFieldValue(t reflect.Type) reflect.Value {
	switch t.Kind() {
	case reflect.Slice:
		return reflect.MakeSlice(t, 0, 0)
	case reflect.Map:
		return reflect.MakeMap(t)
	case reflect.Ptr:
		return reflect.New(t.Elem())
	default:
		return reflect.Zero(t)
	}
}

// confidence is weighted completeness: required-field presence at 0.8,
// overall field presence at 0.2. Always within [0,1].
func (p *SchemaParser) confidence(raw map[string]interface{}, fields []schemaField) float64 {
	if len(fields) == 0 {
		return 1.0
	}
	reqTotal, reqPresent, allPresent := 0, 0, 0
	for _, f := range fields {
		_, present := raw[f.jsonName]
		if present {
			allPresent++
		}
		if f.required {
			reqTotal++
			if present {
				reqPresent++
			}
		}
	}
	reqRatio := 1.0
	if reqTotal > 0 {
		reqRatio = float64(reqPresent) / float64(reqTotal)
	}
	allRatio := float64(allPresent) / float64(len(fields))
	score := reqRatio*0.8 + allRatio*0.2
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

var firstObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

// ParseWithRetry applies progressively more aggressive text repair between
// attempts: raw parse, fence stripping, then targeted extraction of the first
// balanced object. Stops at first success; never returns nil.
func (p *SchemaParser) ParseWithRetry(text string) *ParsingResult {
	attempts := []func(string) string{
		func(s string) string { return s },
		utils.CleanMarkdown,
		func(s string) string {
			if span := widestBraceSpan(s); span != "" {
				return span
			}
			return firstObjectRe.FindString(s)
		},
	}
	var last *ParsingResult
	for i, repair := range attempts {
		if i > p.maxRetries {
			break
		}
		candidate := repair(text)
		if candidate == "" {
			continue
		}
		res := p.Parse(candidate)
		if res.Success {
			res.RawOutput = text
			return res
		}
		if last == nil {
			last = res
		} else {
			last.ParsingErrors = append(last.ParsingErrors, res.ParsingErrors...)
		}
	}
	if last == nil {
		last = &ParsingResult{RawOutput: text, ParsingErrors: []string{"no parse attempts executed"}}
	}
	last.RawOutput = text
	return last
}
