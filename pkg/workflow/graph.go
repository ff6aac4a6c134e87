package workflow

import (
	"fmt"

	"github.com/tombee/flightplan/pkg/errors"
)

// Graph provides edge queries over a step list. Edges derive from next,
// on_success, on_failure, trueBranch and falseBranch. Loop and scatter
// bodies are separate sub-graphs; their steps do not appear in the parent
// graph.
type Graph struct {
	order []string
	steps map[string]*Step
	succ  map[string][]string
	pred  map[string][]string
}

// NewGraph builds edge indexes over the given steps. It does not validate;
// call CheckEdges and CheckAcyclic for that.
func NewGraph(steps []Step) *Graph {
	g := &Graph{
		steps: make(map[string]*Step, len(steps)),
		succ:  make(map[string][]string),
		pred:  make(map[string][]string),
	}
	for i := range steps {
		step := &steps[i]
		g.order = append(g.order, step.ID)
		g.steps[step.ID] = step
	}
	for i := range steps {
		step := &steps[i]
		for _, target := range edgeTargets(step) {
			g.succ[step.ID] = append(g.succ[step.ID], target)
			g.pred[target] = append(g.pred[target], step.ID)
		}
	}
	return g
}

// edgeTargets lists the non-empty successor ids a step declares.
func edgeTargets(s *Step) []string {
	var out []string
	for _, t := range []string{s.Next, s.OnSuccess, s.OnFailure, s.TrueBranch, s.FalseBranch} {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// StepIDs returns the step ids in declaration order.
func (g *Graph) StepIDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Step returns the step with the given id, or nil.
func (g *Graph) Step(id string) *Step {
	return g.steps[id]
}

// Successors returns the declared successor ids of a step.
func (g *Graph) Successors(id string) []string {
	return append([]string(nil), g.succ[id]...)
}

// Predecessors returns the ids of steps with an edge into the given step.
func (g *Graph) Predecessors(id string) []string {
	return append([]string(nil), g.pred[id]...)
}

// CheckEdges verifies that every declared edge names an existing step.
// A dangling edge is a structural error, not a runtime crash.
func (g *Graph) CheckEdges() error {
	for _, id := range g.order {
		step := g.steps[id]
		for _, target := range edgeTargets(step) {
			if _, ok := g.steps[target]; !ok {
				return &errors.StructuralError{
					StepID:  id,
					Field:   "next",
					Message: fmt.Sprintf("edge references nonexistent step %q", target),
				}
			}
		}
		if step.Type == KindSwitch {
			for value, target := range step.Cases {
				if _, ok := g.steps[target]; !ok {
					return &errors.StructuralError{
						StepID:  id,
						Field:   "cases",
						Message: fmt.Sprintf("case %q references nonexistent step %q", value, target),
					}
				}
			}
			if step.Default != "" {
				if _, ok := g.steps[step.Default]; !ok {
					return &errors.StructuralError{
						StepID:  id,
						Field:   "default",
						Message: fmt.Sprintf("default references nonexistent step %q", step.Default),
					}
				}
			}
		}
	}
	return nil
}

// CheckAcyclic verifies the graph has no cycles. Loop step bodies are
// validated as their own acyclic sub-graphs; re-entry up to maxIterations
// is the only sanctioned repetition.
func (g *Graph) CheckAcyclic() error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(g.order))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return &errors.StructuralError{
				StepID:  id,
				Message: "workflow graph contains a cycle",
			}
		case done:
			return nil
		}
		state[id] = visiting
		for _, next := range g.succ[id] {
			if _, ok := g.steps[next]; !ok {
				continue // dangling edges are reported by CheckEdges
			}
			if err := visit(next); err != nil {
				return err
			}
		}
		if step := g.steps[id]; step != nil && step.Type == KindSwitch {
			for _, next := range step.Cases {
				if _, ok := g.steps[next]; !ok {
					continue
				}
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		state[id] = done
		return nil
	}

	for _, id := range g.order {
		if err := visit(id); err != nil {
			return err
		}
	}

	// Nested bodies are independent graphs with the same rule.
	for _, id := range g.order {
		step := g.steps[id]
		if len(step.LoopSteps) > 0 {
			if err := checkNested(step.LoopSteps); err != nil {
				return errors.Wrapf(err, "loop body of step %s", id)
			}
		}
		if step.Scatter != nil && len(step.Scatter.Steps) > 0 {
			if err := checkNested(step.Scatter.Steps); err != nil {
				return errors.Wrapf(err, "scatter body of step %s", id)
			}
		}
		if len(step.ParallelSteps) > 0 {
			if err := checkNested(step.ParallelSteps); err != nil {
				return errors.Wrapf(err, "parallel body of step %s", id)
			}
		}
	}
	return nil
}

func checkNested(steps []Step) error {
	sub := NewGraph(steps)
	if err := sub.CheckEdges(); err != nil {
		return err
	}
	return sub.CheckAcyclic()
}

// CheckBranchExclusivity enforces the control-flow rule that a step
// referenced by trueBranch/falseBranch must not itself carry executeIf:
// stacking both semantics makes the successor ambiguous.
func (g *Graph) CheckBranchExclusivity() error {
	for _, id := range g.order {
		step := g.steps[id]
		for _, target := range []string{step.TrueBranch, step.FalseBranch} {
			if target == "" {
				continue
			}
			ref := g.steps[target]
			if ref != nil && ref.ExecuteIf != nil {
				return &errors.StructuralError{
					StepID:  target,
					Field:   "executeIf",
					Message: fmt.Sprintf("step is a branch target of %s and must not carry executeIf", id),
				}
			}
		}
	}
	return nil
}

// TerminalSteps returns the ids of steps with no declared successors.
func (g *Graph) TerminalSteps() []string {
	var out []string
	for _, id := range g.order {
		if len(g.succ[id]) == 0 {
			step := g.steps[id]
			if step.Type == KindSwitch && (len(step.Cases) > 0 || step.Default != "") {
				continue
			}
			out = append(out, id)
		}
	}
	return out
}
