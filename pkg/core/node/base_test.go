package node

import (
	"context"
	"errors"
	"strings"
	"testing"

	"contract_analysis/pkg/core/llm"
)

type stubProvider struct {
	name string
	fn   func(ctx context.Context, prompt, system string, opts map[string]interface{}) (string, error)
}

func (p *stubProvider) Name() string { return p.name }
func (p *stubProvider) GenerateResponse(ctx context.Context, prompt, system string, opts map[string]interface{}) (string, error) {
	return p.fn(ctx, prompt, system, opts)
}

func stubClient(name string, fn func(ctx context.Context, prompt, system string, opts map[string]interface{}) (string, error)) *llm.Client {
	return llm.NewClient(&stubProvider{name: name, fn: fn}, "stub-model")
}

func failingClient(name string, err error) *llm.Client {
	return stubClient(name, func(context.Context, string, string, map[string]interface{}) (string, error) {
		return "", err
	})
}

func TestUpdateStateStepMergesOntoCopy(t *testing.T) {
	b := NewBaseNode("extract", 4, nil)
	in := State{
		"existing":   "kept",
		KeySessionID: "s1",
	}
	out := b.UpdateStateStep(in, "extract", map[string]interface{}{"status": "completed"}, "")

	if out["existing"] != "kept" || out[KeySessionID] != "s1" {
		t.Errorf("prior keys must survive: %v", out)
	}
	p := out.Progress()
	if p["current_step"] != 1 || p["total_steps"] != 4 {
		t.Errorf("progress = %v", p)
	}
	if pct, _ := p["percentage"].(float64); pct != 25.0 {
		t.Errorf("percentage = %v, want 25", p["percentage"])
	}
	history, _ := p["step_history"].([]interface{})
	if len(history) != 1 {
		t.Fatalf("step_history = %v", history)
	}

	// Input state must be untouched.
	if _, has := in[KeyProgress]; has {
		t.Error("input state was mutated")
	}

	// A second step advances but keeps the larger total.
	out2 := b.UpdateStateStep(out, "extract_2", nil, "")
	p2 := out2.Progress()
	if p2["current_step"] != 2 {
		t.Errorf("current_step = %v, want 2", p2["current_step"])
	}
}

func TestHandleNodeErrorNilState(t *testing.T) {
	b := NewBaseNode("extract", 2, nil)
	out := b.HandleNodeError(nil, errors.New("boom"), "extraction failed", map[string]interface{}{"document_id": "d1"})

	es := out.GetMap(KeyErrorState)
	if es == nil {
		t.Fatal("error_state missing")
	}
	if es["node"] != "extract" {
		t.Errorf("node = %v", es["node"])
	}
	msg, _ := es["message"].(string)
	if !strings.Contains(msg, "extraction failed") || !strings.Contains(msg, "boom") {
		t.Errorf("message = %q", msg)
	}
	procErrs, _ := out[KeyProcessingErrors].([]interface{})
	if len(procErrs) != 1 {
		t.Errorf("processing_errors = %v", procErrs)
	}
	history, _ := out.Progress()["step_history"].([]interface{})
	if len(history) != 1 {
		t.Fatalf("step_history = %v", history)
	}
	if rec := history[0].(map[string]interface{}); rec["step"] != "extract_error" {
		t.Errorf("history step = %v", rec["step"])
	}
	if b.Failures() != 1 {
		t.Errorf("Failures() = %d", b.Failures())
	}
}

func TestHandleNodeErrorAppendsProcessingErrors(t *testing.T) {
	b := NewBaseNode("extract", 2, nil)
	first := b.HandleNodeError(State{}, errors.New("one"), "first", nil)
	second := b.HandleNodeError(first, errors.New("two"), "second", nil)

	procErrs, _ := second[KeyProcessingErrors].([]interface{})
	if len(procErrs) != 2 {
		t.Errorf("processing_errors = %v, want both entries", procErrs)
	}
}

func TestGenerateContentWithFallback(t *testing.T) {
	ctx := context.Background()

	t.Run("no clients is a hard error", func(t *testing.T) {
		b := NewBaseNode("n", 1, nil)
		if _, err := b.GenerateContentWithFallback(ctx, "p", "s", true, nil); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("primary success", func(t *testing.T) {
		b := NewBaseNode("n", 1, nil)
		b.Primary = stubClient("primary", func(context.Context, string, string, map[string]interface{}) (string, error) {
			return "text", nil
		})
		out, err := b.GenerateContentWithFallback(ctx, "p", "s", true, nil)
		if err != nil || out != "text" {
			t.Fatalf("out=%q err=%v", out, err)
		}
	})

	t.Run("fallback recovers primary failure", func(t *testing.T) {
		b := NewBaseNode("n", 1, nil)
		b.Primary = failingClient("primary", errors.New("down"))
		b.Fallback = stubClient("fallback", func(context.Context, string, string, map[string]interface{}) (string, error) {
			return "rescued", nil
		})
		out, err := b.GenerateContentWithFallback(ctx, "p", "s", true, nil)
		if err != nil || out != "rescued" {
			t.Fatalf("out=%q err=%v", out, err)
		}
	})

	t.Run("all failures return empty without error", func(t *testing.T) {
		b := NewBaseNode("n", 1, nil)
		b.Primary = failingClient("primary", errors.New("down"))
		b.Fallback = failingClient("fallback", errors.New("also down"))
		out, err := b.GenerateContentWithFallback(ctx, "p", "s", true, nil)
		if err != nil {
			t.Fatalf("soft failure must not error: %v", err)
		}
		if out != "" {
			t.Fatalf("out = %q, want empty", out)
		}
	})

	t.Run("fallback disabled surfaces failed clients", func(t *testing.T) {
		b := NewBaseNode("n", 1, nil)
		b.Primary = failingClient("primary", errors.New("down"))
		b.Fallback = stubClient("fallback", func(context.Context, string, string, map[string]interface{}) (string, error) {
			t.Fatal("fallback must not be called when disabled")
			return "", nil
		})
		_, err := b.GenerateContentWithFallback(ctx, "p", "s", false, nil)
		if err == nil || !strings.Contains(err.Error(), "primary") {
			t.Fatalf("err = %v, want it to name the failed client", err)
		}
	})
}

func TestEmitProgress(t *testing.T) {
	b := NewBaseNode("n", 1, nil)

	var gotPct float64
	var gotDesc string
	state := State{KeyProgressCallback: ProgressCallback(func(pct float64, desc string) {
		gotPct, gotDesc = pct, desc
	})}
	b.EmitProgress(state, 42.5, "halfway")
	if gotPct != 42.5 || gotDesc != "halfway" {
		t.Errorf("callback got (%v, %q)", gotPct, gotDesc)
	}

	// Bare function type works too.
	called := false
	plain := State{KeyProgressCallback: func(float64, string) { called = true }}
	b.EmitProgress(plain, 10, "x")
	if !called {
		t.Error("plain func callback not invoked")
	}

	// Panics are swallowed.
	panicky := State{KeyProgressCallback: ProgressCallback(func(float64, string) { panic("bad callback") })}
	b.EmitProgress(panicky, 10, "x")

	// No callback is a no-op.
	b.EmitProgress(State{}, 10, "x")
}
