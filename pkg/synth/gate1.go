package synth

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/tombee/flightplan/pkg/catalog"
	"github.com/tombee/flightplan/pkg/workflow"
)

// placeholderPattern matches bare $NAME tokens. The design contract only
// permits {{...}} references; a leftover $PLACEHOLDER means the model never
// bound the value.
var placeholderPattern = regexp.MustCompile(`\$[A-Za-z_][A-Za-z0-9_]*`)

// snakeCaseInput matches valid input reference names.
var snakeCaseInput = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// findPlaceholders returns the distinct bare $NAME tokens in the serialized
// step tree, in first-appearance order.
func findPlaceholders(steps []workflow.Step) ([]string, error) {
	data, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize steps for placeholder scan: %w", err)
	}
	var tokens []string
	seen := make(map[string]bool)
	for _, token := range placeholderPattern.FindAllString(string(data), -1) {
		if !seen[token] {
			seen[token] = true
			tokens = append(tokens, token)
		}
	}
	return tokens, nil
}

// Gate1 performs structural validation on the Stage 1 design: required
// top-level fields, known plugin/action references, unique step ids, valid
// edges, no placeholder tokens. Structural failures are final; the repair
// loop only handles parameter-level problems after Stage 2.
func Gate1(d *workflow.Design, cat catalog.Catalogue) *workflow.GateResult {
	result := workflow.NewGateResult("gate1")

	if d.Name == "" {
		result.AddError("workflow design has no name")
	}
	if len(d.Steps) == 0 {
		result.AddError("workflow design has no steps")
	}

	// Per-step construction invariants and id uniqueness, nested bodies
	// included.
	seen := make(map[string]bool)
	workflow.WalkSteps(d.Steps, func(s *workflow.Step) bool {
		if err := s.Validate(); err != nil {
			result.AddError("Step %s: %v", s.ID, err)
		}
		if s.ID != "" {
			if seen[s.ID] {
				result.AddError("Step %s: duplicate step id", s.ID)
			}
			seen[s.ID] = true
		}
		return true
	})

	// Every action step must reference a catalogued plugin/action.
	workflow.WalkSteps(d.Steps, func(s *workflow.Step) bool {
		if s.Type != workflow.KindAction || s.Plugin == "" || s.Action == "" {
			return true
		}
		if !cat.HasPlugin(s.Plugin) {
			result.AddError("Step %s: plugin %q is not in the action catalogue", s.ID, s.Plugin)
			return true
		}
		if !cat.HasAction(s.Plugin, s.Action) {
			result.AddError("Step %s: action %q is not provided by plugin %q", s.ID, s.Action, s.Plugin)
		}
		return true
	})

	placeholders, err := findPlaceholders(d.Steps)
	if err != nil {
		result.AddError("%v", err)
	}
	for _, token := range placeholders {
		result.AddError("design contains bare placeholder token %q; use {{...}} references", token)
	}

	// Input reference names should be snake_case. Advisory only: Stage 2
	// discovery would miss non-conforming names, so surface them early.
	if names := nonSnakeCaseInputRefs(d.Steps); len(names) > 0 {
		for _, name := range names {
			result.AddWarning("input reference %q is not snake_case", name)
		}
	}

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

	return result
}

// looseInputRefPattern catches input references regardless of case so the
// non-conforming ones can be reported.
var looseInputRefPattern = regexp.MustCompile(`\{\{input\.([A-Za-z0-9_.-]+?)\}\}`)

func nonSnakeCaseInputRefs(steps []workflow.Step) []string {
	data, err := json.Marshal(steps)
	if err != nil {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, match := range looseInputRefPattern.FindAllStringSubmatch(string(data), -1) {
		name := match[1]
		if !snakeCaseInput.MatchString(name) && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
