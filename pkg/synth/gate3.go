package synth

import (
	"github.com/tombee/flightplan/pkg/workflow"
)

// DefaultConfidenceFloor is the confidence below which Gate 3 warns.
const DefaultConfidenceFloor = 0.5

// Gate3Config tunes the advisory checks.
type Gate3Config struct {
	// ConfidenceFloor is the design confidence below which a warning is
	// emitted. Zero means DefaultConfidenceFloor.
	ConfidenceFloor float64
}

// Gate3 performs semantic validation. Its checks are advisory: a design
// that reaches Gate 3 has already passed structural and parameter
// validation, so everything here is a warning except missing core fields.
func Gate3(d *workflow.Design, cfg Gate3Config) *workflow.GateResult {
	result := workflow.NewGateResult("gate3")

	floor := cfg.ConfidenceFloor
	if floor == 0 {
		floor = DefaultConfidenceFloor
	}

	if d.Name == "" || len(d.Steps) == 0 {
		result.AddError("design is missing core fields (name, steps)")
		return result
	}

	if d.Confidence < floor {
		result.AddWarning("design confidence %.2f is below the %.2f floor; review before deploying", d.Confidence, floor)
	}

	usedPlugins := make(map[string]bool)
	workflow.WalkSteps(d.Steps, func(s *workflow.Step) bool {
		if s.Type == workflow.KindAction && s.Plugin != "" {
			usedPlugins[s.Plugin] = true
		}
		return true
	})
	for _, plugin := range d.SuggestedPlugins {
		if !usedPlugins[plugin] {
			result.AddWarning("suggested plugin %q is not used by any action step", plugin)
		}
	}

	workflow.WalkSteps(d.Steps, func(s *workflow.Step) bool {
		if s.Type == workflow.KindLoop && s.MaxIterations < 1 {
			result.AddWarning("Step %s: loop has no maxIterations safety bound", s.ID)
		}
		return true
	})

	// Every non-terminal top-level step should declare a successor, unless
	// it is a conditional (branches are its successors) or the last step.
	g := workflow.NewGraph(d.Steps)
	terminal := make(map[string]bool)
	for _, id := range g.TerminalSteps() {
		terminal[id] = true
	}
	lastID := d.Steps[len(d.Steps)-1].ID
	for _, id := range g.StepIDs() {
		if !terminal[id] || id == lastID {
			continue
		}
		step := g.Step(id)
		if step.Type == workflow.KindConditional {
			continue
		}
		result.AddWarning("Step %s: no explicit successor; execution ends here", id)
	}

	return result
}
