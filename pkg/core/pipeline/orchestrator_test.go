package pipeline

import (
	"context"
	"errors"
	"testing"

	"contract_analysis/pkg/core/node"
)

// fakeNode appends its name to the visited trail and applies an optional
// state mutation.
type fakeNode struct {
	name    string
	visited *[]string
	mutate  func(state node.State) node.State
}

func (f *fakeNode) Execute(ctx context.Context, state node.State) node.State {
	*f.visited = append(*f.visited, f.name)
	if f.mutate != nil {
		return f.mutate(state)
	}
	return state
}

func errorNode(name string, visited *[]string) *fakeNode {
	return &fakeNode{name: name, visited: visited, mutate: func(state node.State) node.State {
		out := state.Clone()
		out[node.KeyErrorState] = map[string]interface{}{"node": name, "message": name + " broke"}
		existing, _ := out[node.KeyProcessingErrors].([]interface{})
		out[node.KeyProcessingErrors] = append(existing, name+" broke")
		return out
	}}
}

func TestRunAssignsSessionAndThreadsState(t *testing.T) {
	var visited []string
	first := &fakeNode{name: "first", visited: &visited, mutate: func(state node.State) node.State {
		out := state.Clone()
		out["from_first"] = "yes"
		return out
	}}
	second := &fakeNode{name: "second", visited: &visited, mutate: func(state node.State) node.State {
		if state["from_first"] != "yes" {
			t.Error("state from the first node did not reach the second")
		}
		return state
	}}

	o := NewCustomOrchestrator(nil, first, second)
	out, err := o.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.GetString(node.KeySessionID) == "" {
		t.Error("session id not assigned")
	}
	if len(visited) != 2 || visited[0] != "first" || visited[1] != "second" {
		t.Errorf("visited = %v", visited)
	}
}

func TestRunKeepsExistingSessionID(t *testing.T) {
	var visited []string
	o := NewCustomOrchestrator(nil, &fakeNode{name: "only", visited: &visited})
	out, err := o.Run(context.Background(), node.State{node.KeySessionID: "fixed"})
	if err != nil {
		t.Fatal(err)
	}
	if out.GetString(node.KeySessionID) != "fixed" {
		t.Errorf("session id = %q", out.GetString(node.KeySessionID))
	}
}

func TestRunClearsErrorStateButKeepsRecord(t *testing.T) {
	var visited []string
	o := NewCustomOrchestrator(nil,
		errorNode("broken", &visited),
		&fakeNode{name: "after", visited: &visited},
	)
	out, err := o.Run(context.Background(), node.State{})
	if err != nil {
		t.Fatalf("default mode must continue past failures: %v", err)
	}
	if len(visited) != 2 {
		t.Errorf("visited = %v, want both nodes", visited)
	}
	if out.GetMap(node.KeyErrorState) != nil {
		t.Error("error_state should be cleared between nodes")
	}
	procErrs, _ := out[node.KeyProcessingErrors].([]interface{})
	if len(procErrs) != 1 {
		t.Errorf("processing_errors = %v, want the failure record kept", procErrs)
	}
}

func TestRunHaltOnError(t *testing.T) {
	var visited []string
	o := NewCustomOrchestrator(nil,
		errorNode("broken", &visited),
		&fakeNode{name: "after", visited: &visited},
	)
	o.HaltOnError = true
	out, err := o.Run(context.Background(), node.State{})
	if err == nil {
		t.Fatal("HaltOnError must surface the failure")
	}
	if len(visited) != 1 {
		t.Errorf("visited = %v, want only the failing node", visited)
	}
	if out.GetMap(node.KeyErrorState) == nil {
		t.Error("halted run should keep the error state for inspection")
	}
}

func TestRunContextCancellation(t *testing.T) {
	var visited []string
	ctx, cancel := context.WithCancel(context.Background())
	o := NewCustomOrchestrator(nil,
		&fakeNode{name: "first", visited: &visited, mutate: func(state node.State) node.State {
			cancel()
			return state
		}},
		&fakeNode{name: "second", visited: &visited},
	)
	_, err := o.Run(ctx, node.State{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(visited) != 1 {
		t.Errorf("visited = %v, want the chain stopped after cancellation", visited)
	}
}
