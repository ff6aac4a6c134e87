package expression

// Scope exposes the three lookup namespaces a reference can resolve
// against. Step outputs are keyed by step id; the loop binding is present
// only while executing inside a loop body.
type Scope struct {
	inputs map[string]any
	steps  map[string]any
	loop   *LoopBinding
}

// LoopBinding is the per-iteration binding available inside loop bodies.
type LoopBinding struct {
	// Item is the current collection element.
	Item any

	// Index is the zero-based iteration index.
	Index int
}

// NewScope creates a scope over the given inputs and step outputs.
// Nil maps are treated as empty.
func NewScope(inputs map[string]any, steps map[string]any) *Scope {
	if inputs == nil {
		inputs = make(map[string]any)
	}
	if steps == nil {
		steps = make(map[string]any)
	}
	return &Scope{inputs: inputs, steps: steps}
}

// WithLoop returns a child scope carrying a loop binding. The parent scope
// is not modified, so sibling iterations never observe each other.
func (s *Scope) WithLoop(item any, index int) *Scope {
	return &Scope{
		inputs: s.inputs,
		steps:  s.steps,
		loop:   &LoopBinding{Item: item, Index: index},
	}
}

// Fork returns a scope with a copied step-output map. Concurrent
// executions write to their own fork and never observe each other.
func (s *Scope) Fork() *Scope {
	steps := make(map[string]any, len(s.steps))
	for k, v := range s.steps {
		steps[k] = v
	}
	return &Scope{inputs: s.inputs, steps: steps, loop: s.loop}
}

// SetStepOutput records a step output, making it addressable as
// {{<id>.<path>}} by later steps.
func (s *Scope) SetStepOutput(id string, output any) {
	s.steps[id] = output
}

// Input returns the named workflow input.
func (s *Scope) Input(name string) (any, bool) {
	v, ok := s.inputs[name]
	return v, ok
}

// StepOutput returns the recorded output of the given step id.
func (s *Scope) StepOutput(id string) (any, bool) {
	v, ok := s.steps[id]
	return v, ok
}

// Loop returns the current loop binding, or nil outside a loop body.
func (s *Scope) Loop() *LoopBinding {
	return s.loop
}
