package synth

import (
	"strings"

	"github.com/tombee/flightplan/pkg/catalog"
	"github.com/tombee/flightplan/pkg/workflow"
	"github.com/tombee/flightplan/pkg/workflow/expression"
)

// Gate2 performs parameter validation on the completed design: per-kind
// field shapes, catalogued required parameters, resolvable references and a
// structural re-check. Every blocking error carries the "Step <id>: ..."
// prefix so the repair loop can attribute it to a step.
func Gate2(d *workflow.Design, cat catalog.Catalogue) *workflow.GateResult {
	result := workflow.NewGateResult("gate2")

	declaredInputs := make(map[string]bool, len(d.RequiredInputs))
	for _, input := range d.RequiredInputs {
		declaredInputs[input.Name] = true
	}
	stepIDs := make(map[string]bool)
	for _, id := range workflow.CollectStepIDs(d.Steps) {
		stepIDs[id] = true
	}
	loopBodyIDs := collectLoopBodyIDs(d.Steps)

	workflow.WalkSteps(d.Steps, func(s *workflow.Step) bool {
		validateStepParameters(s, cat, declaredInputs, stepIDs, loopBodyIDs, result)
		return true
	})

	if placeholders, err := findPlaceholders(d.Steps); err != nil {
		result.AddError("%v", err)
	} else {
		for _, token := range placeholders {
			if id := stepContainingToken(d.Steps, token); id != "" {
				result.AddError("Step %s: leftover placeholder token %q", id, token)
			} else {
				result.AddError("design contains leftover placeholder token %q", token)
			}
		}
	}

	// Structural re-validation: Stage 2 rewrites must not have broken the
	// graph, and repair-produced steps funnel through here as well.
	g := workflow.NewGraph(d.Steps)
	if err := g.CheckEdges(); err != nil {
		result.AddError("%v", err)
	}
	if err := g.CheckAcyclic(); err != nil {
		result.AddError("%v", err)
	}
	if err := g.CheckBranchExclusivity(); err != nil {
		result.AddError("%v", err)
	}

	warnAntiPatterns(d.Steps, result)

	return result
}

// validateStepParameters applies the per-step Gate 2 checks.
func validateStepParameters(s *workflow.Step, cat catalog.Catalogue, declaredInputs, stepIDs map[string]bool, loopBodyIDs map[string]bool, result *workflow.GateResult) {
	// Construction invariants re-checked post-Stage 2: shape problems in a
	// repaired or rewritten step surface here as repairable errors.
	if err := s.Validate(); err != nil {
		result.AddError("Step %s: %v", s.ID, err)
		return
	}

	if s.Type == workflow.KindAction {
		for _, required := range cat.RequiredParams(s.Plugin, s.Action) {
			if _, ok := s.Params[required]; !ok {
				result.AddError("Step %s: Missing required parameter '%s'", s.ID, required)
			}
		}
	}

	for _, template := range stepTemplates(s) {
		refs, err := expression.References(template)
		if err != nil {
			result.AddError("Step %s: %v", s.ID, err)
			continue
		}
		for _, ref := range refs {
			switch ref.Namespace {
			case expression.NamespaceInput:
				if !declaredInputs[ref.Name] {
					result.AddError("Step %s: reference {{input.%s}} has no declared required input", s.ID, ref.Name)
				}
			case expression.NamespaceStep:
				if !stepIDs[ref.Name] {
					result.AddError("Step %s: reference to undeclared step %q", s.ID, ref.Name)
				}
			case expression.NamespaceLoop:
				if !loopBodyIDs[s.ID] {
					result.AddError("Step %s: loop reference {{%s}} outside a loop body", s.ID, ref.Raw)
				}
			}
		}
	}
}

// stepTemplates lists the string fields of one step that may carry
// references. Nested steps are visited separately by the tree walk.
func stepTemplates(s *workflow.Step) []string {
	templates := []string{s.Prompt, s.Input, s.IterateOver, s.SwitchOn}
	for _, value := range s.Params {
		if str, ok := value.(string); ok {
			templates = append(templates, str)
		}
	}
	for _, value := range s.Config {
		if str, ok := value.(string); ok {
			templates = append(templates, str)
		}
	}
	if s.Scatter != nil {
		templates = append(templates, s.Scatter.Input)
	}
	templates = append(templates, conditionTemplates(s.Condition)...)
	templates = append(templates, conditionTemplates(s.ExecuteIf)...)
	for _, value := range s.Inputs {
		templates = append(templates, value)
	}

	out := templates[:0]
	for _, t := range templates {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func conditionTemplates(c *workflow.Condition) []string {
	if c == nil {
		return nil
	}
	var out []string
	if c.Field != "" {
		out = append(out, c.Field)
	}
	if s, ok := c.Value.(string); ok && s != "" {
		out = append(out, s)
	}
	for i := range c.Conditions {
		out = append(out, conditionTemplates(&c.Conditions[i])...)
	}
	out = append(out, conditionTemplates(c.Condition)...)
	return out
}

// collectLoopBodyIDs returns the ids of steps that execute inside a loop or
// scatter body, where loop.* references are valid.
func collectLoopBodyIDs(steps []workflow.Step) map[string]bool {
	ids := make(map[string]bool)
	var mark func(steps []workflow.Step)
	mark = func(steps []workflow.Step) {
		workflow.WalkSteps(steps, func(s *workflow.Step) bool {
			ids[s.ID] = true
			return true
		})
	}
	workflow.WalkSteps(steps, func(s *workflow.Step) bool {
		if len(s.LoopSteps) > 0 {
			mark(s.LoopSteps)
		}
		if s.Scatter != nil {
			mark(s.Scatter.Steps)
		}
		return true
	})
	return ids
}

// stepContainingToken attributes a placeholder token to the first step whose
// serialized form contains it.
func stepContainingToken(steps []workflow.Step, token string) string {
	var found string
	workflow.WalkSteps(steps, func(s *workflow.Step) bool {
		if stepContains(s, token) {
			found = s.ID
			return false
		}
		return true
	})
	return found
}

func stepContains(s *workflow.Step, token string) bool {
	for _, template := range stepTemplates(s) {
		if strings.Contains(template, token) {
			return true
		}
	}
	return strings.Contains(s.Name, token) || strings.Contains(s.Operation, token)
}

// warnAntiPatterns emits advisory warnings for known problem shapes.
func warnAntiPatterns(steps []workflow.Step, result *workflow.GateResult) {
	// A map-transform feeding a spreadsheet append without a columns config
	// produces rows in unspecified column order.
	transforms := make(map[string]*workflow.Step)
	workflow.WalkSteps(steps, func(s *workflow.Step) bool {
		if s.Type == workflow.KindTransform && strings.Contains(s.Operation, "map") {
			transforms[s.ID] = s
		}
		return true
	})
	if len(transforms) == 0 {
		return
	}
	workflow.WalkSteps(steps, func(s *workflow.Step) bool {
		if s.Type != workflow.KindAction || !strings.Contains(s.Action, "append") {
			return true
		}
		for _, value := range s.Params {
			str, ok := value.(string)
			if !ok {
				continue
			}
			refs, err := expression.References(str)
			if err != nil {
				continue
			}
			for _, ref := range refs {
				transform, ok := transforms[ref.Name]
				if !ok {
					continue
				}
				if _, hasColumns := transform.Config["columns"]; !hasColumns {
					result.AddWarning(
						"Step %s: map transform %s feeds %s.%s without a columns config; column order will be unspecified",
						s.ID, transform.ID, s.Plugin, s.Action,
					)
				}
			}
		}
		return true
	})
}

// Gate2ErrorList converts a failed Gate 2 result into the error strings the
// repair loop consumes.
func Gate2ErrorList(result *workflow.GateResult) []string {
	return append([]string(nil), result.Errors...)
}
