package prompts

import (
	"strings"
	"testing"
)

type parseSubject struct {
	Title      string   `json:"title" required:"true" desc:"document title"`
	Score      float64  `json:"score" desc:"relevance score"`
	Tags       []string `json:"tags"`
	SignedDate string   `json:"signed_date"`
}

func TestFormatInstructionsDescribesSchema(t *testing.T) {
	p := NewSchemaParser(parseSubject{})
	out := p.FormatInstructions()

	for _, want := range []string{
		"parseSubject",
		"title (string, REQUIRED): document title",
		"score (number, OPTIONAL): relevance score",
		"tags (array of string, OPTIONAL)",
		"Example:",
		`"signed_date": "2026-03-15T00:00:00Z"`,
		"No trailing commas",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("instructions missing %q\n%s", want, out)
		}
	}
}

func TestParseExtractionLadder(t *testing.T) {
	p := NewSchemaParser(parseSubject{})
	tests := []struct {
		name string
		text string
	}{
		{"direct json", `{"title": "Contract A", "score": 0.9}`},
		{"fenced block", "Sure, here you go:\n```json\n{\"title\": \"Contract A\", \"score\": 0.9}\n```"},
		{"prose wrapped", `The result is {"title": "Contract A", "score": 0.9} as requested.`},
		{"trailing commas", `{"title": "Contract A", "tags": ["risk",],}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := p.Parse(tt.text)
			if !res.Success {
				t.Fatalf("parse failed: parsing=%v validation=%v", res.ParsingErrors, res.ValidationErrors)
			}
			subj, ok := res.ParsedData.(*parseSubject)
			if !ok {
				t.Fatalf("ParsedData = %T, want *parseSubject", res.ParsedData)
			}
			if subj.Title != "Contract A" {
				t.Errorf("Title = %q", subj.Title)
			}
		})
	}
}

func TestParseNoStructuredData(t *testing.T) {
	p := NewSchemaParser(parseSubject{})
	for _, text := range []string{"", "   ", "no json here at all"} {
		res := p.Parse(text)
		if res == nil {
			t.Fatal("Parse must never return nil")
		}
		if res.Success {
			t.Errorf("Parse(%q) unexpectedly succeeded", text)
		}
		if len(res.ParsingErrors) == 0 {
			t.Errorf("Parse(%q) reported no parsing errors", text)
		}
	}
}

func TestParsePartialConstruction(t *testing.T) {
	p := NewSchemaParser(parseSubject{})

	full := p.Parse(`{"title": "T", "score": 0.5, "tags": [], "signed_date": "2026-01-01"}`)
	if !full.Success {
		t.Fatalf("full parse failed: %v", full.ValidationErrors)
	}

	partial := p.Parse(`{"score": 0.5}`)
	if !partial.Success {
		t.Fatalf("partial construction should still succeed: %v", partial.ValidationErrors)
	}
	if len(partial.ValidationErrors) == 0 {
		t.Error("missing required field must be reported")
	}
	if partial.ConfidenceScore >= full.ConfidenceScore {
		t.Errorf("partial confidence %f should sit below full confidence %f",
			partial.ConfidenceScore, full.ConfidenceScore)
	}
	subj := partial.ParsedData.(*parseSubject)
	if subj.Score != 0.5 {
		t.Errorf("valid fields must survive partial construction: %+v", subj)
	}
}

func TestParseStrictRejectsPartials(t *testing.T) {
	p := NewSchemaParser(parseSubject{}, Strict())
	res := p.Parse(`{"score": 0.5}`)
	if res.Success {
		t.Fatal("strict parser must not salvage a missing required field")
	}
	if len(res.ValidationErrors) == 0 {
		t.Error("strict failure should still report what was missing")
	}
}

func TestParseFieldwiseRecovery(t *testing.T) {
	p := NewSchemaParser(parseSubject{})
	res := p.Parse(`{"title": "T", "score": "not a number"}`)
	if !res.Success {
		t.Fatalf("fieldwise recovery failed: parsing=%v validation=%v", res.ParsingErrors, res.ValidationErrors)
	}
	if len(res.ValidationErrors) == 0 {
		t.Error("dropped invalid field must be reported")
	}
	subj := res.ParsedData.(*parseSubject)
	if subj.Title != "T" || subj.Score != 0 {
		t.Errorf("expected title kept and score dropped: %+v", subj)
	}
	if res.ConfidenceScore >= 0.5 {
		t.Errorf("degraded decode confidence %f should be capped below 0.5", res.ConfidenceScore)
	}
}

func TestParseWithRetryNeverNil(t *testing.T) {
	p := NewSchemaParser(parseSubject{})

	res := p.ParseWithRetry("")
	if res == nil {
		t.Fatal("ParseWithRetry must never return nil")
	}
	if res.Success {
		t.Error("empty input cannot succeed")
	}

	ok := p.ParseWithRetry("```\n{\"title\": \"T\"}\n```")
	if !ok.Success {
		t.Fatalf("retry ladder failed: %v", ok.ParsingErrors)
	}
	if ok.RawOutput != "```\n{\"title\": \"T\"}\n```" {
		t.Errorf("RawOutput must preserve the original text, got %q", ok.RawOutput)
	}
}
