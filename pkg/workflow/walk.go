package workflow

// WalkSteps visits every step in the tree depth-first, including loop
// bodies, parallel bodies and scatter bodies. The visitor receives a
// pointer so tree rewrites (Stage 2 fixes, repair) operate on the parsed
// structure rather than on serialized JSON.
//
// Returning false from the visitor stops the walk.
func WalkSteps(steps []Step, visit func(s *Step) bool) bool {
	for i := range steps {
		step := &steps[i]
		if !visit(step) {
			return false
		}
		if !WalkSteps(step.LoopSteps, visit) {
			return false
		}
		if !WalkSteps(step.ParallelSteps, visit) {
			return false
		}
		if step.Scatter != nil {
			if !WalkSteps(step.Scatter.Steps, visit) {
				return false
			}
		}
	}
	return true
}

// CollectStepIDs returns every step id in the tree, nested bodies included.
func CollectStepIDs(steps []Step) []string {
	var ids []string
	WalkSteps(steps, func(s *Step) bool {
		ids = append(ids, s.ID)
		return true
	})
	return ids
}

// FindStep returns the step with the given id anywhere in the tree, or nil.
func FindStep(steps []Step, id string) *Step {
	var found *Step
	WalkSteps(steps, func(s *Step) bool {
		if s.ID == id {
			found = s
			return false
		}
		return true
	})
	return found
}
