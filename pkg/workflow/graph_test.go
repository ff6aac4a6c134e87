package workflow

import (
	stderrors "errors"
	"strings"
	"testing"

	"github.com/tombee/flightplan/pkg/errors"
)

func linearSteps() []Step {
	return []Step{
		{ID: "step1", Type: KindAction, Name: "Fetch", Plugin: "gmail", Action: "get", Params: map[string]any{}, Next: "step2"},
		{ID: "step2", Type: KindAIProcessing, Name: "Summarize", Prompt: "Summarize {{step1.data.messages}}", Next: "step3"},
		{ID: "step3", Type: KindAction, Name: "Send", Plugin: "gmail", Action: "send", Params: map[string]any{}},
	}
}

func TestGraphEdges(t *testing.T) {
	g := NewGraph(linearSteps())

	if err := g.CheckEdges(); err != nil {
		t.Fatalf("unexpected edge error: %v", err)
	}
	if succ := g.Successors("step1"); len(succ) != 1 || succ[0] != "step2" {
		t.Errorf("step1 successors = %v", succ)
	}
	if pred := g.Predecessors("step3"); len(pred) != 1 || pred[0] != "step2" {
		t.Errorf("step3 predecessors = %v", pred)
	}
	if term := g.TerminalSteps(); len(term) != 1 || term[0] != "step3" {
		t.Errorf("terminal steps = %v", term)
	}
}

func TestGraphDanglingEdge(t *testing.T) {
	steps := linearSteps()
	steps[2].Next = "step9"

	err := NewGraph(steps).CheckEdges()
	var structural *errors.StructuralError
	if !stderrors.As(err, &structural) {
		t.Fatalf("err = %v, want *errors.StructuralError", err)
	}
	if structural.StepID != "step3" {
		t.Errorf("StepID = %q, want step3", structural.StepID)
	}
	if !strings.HasPrefix(structural.Error(), "Step step3: ") {
		t.Errorf("error %q lacks the step-attribution prefix", structural.Error())
	}
}

func TestGraphSwitchEdges(t *testing.T) {
	steps := []Step{
		{
			ID: "step1", Type: KindSwitch, Name: "Route",
			SwitchOn: "{{input.category}}",
			Cases:    map[string]string{"billing": "step2", "support": "step3"},
			Default:  "step3",
		},
		{ID: "step2", Type: KindDelay, Name: "Wait", DurationMS: 100},
		{ID: "step3", Type: KindDelay, Name: "Wait", DurationMS: 100},
	}

	g := NewGraph(steps)
	if err := g.CheckEdges(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	steps[0].Cases["escalation"] = "step9"
	if err := NewGraph(steps).CheckEdges(); err == nil {
		t.Error("expected error for case pointing at nonexistent step")
	}

	// A switch with cases is not terminal even with no plain edges.
	delete(steps[0].Cases, "escalation")
	for _, id := range g.TerminalSteps() {
		if id == "step1" {
			t.Error("switch step with cases reported as terminal")
		}
	}
}

func TestGraphAcyclic(t *testing.T) {
	steps := linearSteps()
	if err := NewGraph(steps).CheckAcyclic(); err != nil {
		t.Fatalf("unexpected cycle error: %v", err)
	}

	steps[2].Next = "step1"
	err := NewGraph(steps).CheckAcyclic()
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Errorf("error %q does not mention a cycle", err.Error())
	}
}

func TestGraphAcyclicSwitchCycle(t *testing.T) {
	steps := []Step{
		{
			ID: "step1", Type: KindSwitch, Name: "Route",
			SwitchOn: "{{input.category}}",
			Cases:    map[string]string{"loop": "step2"},
		},
		{ID: "step2", Type: KindDelay, Name: "Wait", DurationMS: 100, Next: "step1"},
	}
	if err := NewGraph(steps).CheckAcyclic(); err == nil {
		t.Error("expected cycle error through a switch case edge")
	}
}

func TestGraphNestedBodiesCheckedIndependently(t *testing.T) {
	steps := []Step{{
		ID: "step1", Type: KindLoop, Name: "Loop",
		IterateOver: "{{input.items}}", MaxIterations: 10,
		LoopSteps: []Step{
			{ID: "inner1", Type: KindDelay, Name: "Wait", DurationMS: 10, Next: "inner2"},
			{ID: "inner2", Type: KindDelay, Name: "Wait", DurationMS: 10, Next: "inner1"},
		},
	}}
	err := NewGraph(steps).CheckAcyclic()
	if err == nil {
		t.Fatal("expected cycle error inside the loop body")
	}
	if !strings.Contains(err.Error(), "loop body of step step1") {
		t.Errorf("error %q does not attribute the nested body", err.Error())
	}
}

func TestGraphBranchExclusivity(t *testing.T) {
	cond := &Condition{Type: ConditionSimple, Field: "{{step1.data.count}}", Operator: ">", Value: float64(0)}
	steps := []Step{
		{ID: "step1", Type: KindConditional, Name: "Check", Condition: cond, TrueBranch: "step2", FalseBranch: "step3"},
		{ID: "step2", Type: KindDelay, Name: "Wait", DurationMS: 100},
		{ID: "step3", Type: KindDelay, Name: "Wait", DurationMS: 100},
	}

	g := NewGraph(steps)
	if err := g.CheckBranchExclusivity(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	steps[1].ExecuteIf = cond
	err := NewGraph(steps).CheckBranchExclusivity()
	var structural *errors.StructuralError
	if !stderrors.As(err, &structural) {
		t.Fatalf("err = %v, want *errors.StructuralError", err)
	}
	if structural.StepID != "step2" {
		t.Errorf("StepID = %q, want step2 (the branch target)", structural.StepID)
	}
}
