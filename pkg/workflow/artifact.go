package workflow

import (
	"encoding/json"
	"fmt"
)

// Design is the Stage-1 output: a step graph with placeholder-free
// structure but no guaranteed-complete input schema. Stage 2 completes it
// into an Artifact.
type Design struct {
	// Name is the proposed agent/workflow name.
	Name string `json:"name"`

	// Description summarizes what the workflow does.
	Description string `json:"description"`

	// WorkflowType is a coarse classification (e.g., "scheduled", "triggered").
	WorkflowType string `json:"workflow_type"`

	// Steps is the proposed step graph.
	Steps []Step `json:"steps"`

	// RequiredInputs may be partially filled by the model; Stage 2 owns
	// the authoritative set.
	RequiredInputs []RequiredInput `json:"required_inputs"`

	// SuggestedPlugins lists plugins the design expects to use.
	SuggestedPlugins []string `json:"suggested_plugins"`

	// SuggestedOutputs lists output fields worth surfacing to the user.
	SuggestedOutputs []string `json:"suggested_outputs"`

	// Confidence is the model's self-reported confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// Reasoning is the model's explanation of the design.
	Reasoning string `json:"reasoning"`
}

// Clone returns a deep copy of the design.
func (d *Design) Clone() *Design {
	out := &Design{
		Name:             d.Name,
		Description:      d.Description,
		WorkflowType:     d.WorkflowType,
		Steps:            CloneSteps(d.Steps),
		RequiredInputs:   append([]RequiredInput(nil), d.RequiredInputs...),
		SuggestedPlugins: append([]string(nil), d.SuggestedPlugins...),
		SuggestedOutputs: append([]string(nil), d.SuggestedOutputs...),
		Confidence:       d.Confidence,
		Reasoning:        d.Reasoning,
	}
	return out
}

// Artifact is the validated, immutable workflow handed to the executor
// once all three gates pass. Its JSON shape is the persistence contract.
type Artifact struct {
	// AgentName is the workflow's display name.
	AgentName string `json:"agent_name"`

	// Description summarizes what the workflow does.
	Description string `json:"description"`

	// WorkflowType is the coarse classification carried from the design.
	WorkflowType string `json:"workflow_type"`

	// WorkflowSteps is the gated step graph.
	WorkflowSteps []Step `json:"workflow_steps"`

	// RequiredInputs is the complete input schema synthesized by Stage 2.
	RequiredInputs []RequiredInput `json:"required_inputs"`

	// SuggestedPlugins lists plugins the workflow uses.
	SuggestedPlugins []string `json:"suggested_plugins"`

	// SuggestedOutputs lists output fields worth surfacing.
	SuggestedOutputs []string `json:"suggested_outputs"`

	// Confidence is the design confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// Reasoning is the design explanation.
	Reasoning string `json:"reasoning"`
}

// ArtifactFromDesign freezes a completed, gated design into an artifact.
func ArtifactFromDesign(d *Design) *Artifact {
	clone := d.Clone()
	return &Artifact{
		AgentName:        clone.Name,
		Description:      clone.Description,
		WorkflowType:     clone.WorkflowType,
		WorkflowSteps:    clone.Steps,
		RequiredInputs:   clone.RequiredInputs,
		SuggestedPlugins: clone.SuggestedPlugins,
		SuggestedOutputs: clone.SuggestedOutputs,
		Confidence:       clone.Confidence,
		Reasoning:        clone.Reasoning,
	}
}

// ParseArtifact decodes a persisted artifact and re-checks construction
// invariants so a hand-edited file cannot smuggle in an invalid graph.
func ParseArtifact(data []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to parse workflow artifact: %w", err)
	}
	for i := range a.WorkflowSteps {
		if err := a.WorkflowSteps[i].Validate(); err != nil {
			return nil, fmt.Errorf("invalid workflow artifact: %w", err)
		}
	}
	if err := ValidateRequiredInputs(a.RequiredInputs); err != nil {
		return nil, fmt.Errorf("invalid workflow artifact: %w", err)
	}
	g := NewGraph(a.WorkflowSteps)
	if err := g.CheckEdges(); err != nil {
		return nil, fmt.Errorf("invalid workflow artifact: %w", err)
	}
	if err := g.CheckAcyclic(); err != nil {
		return nil, fmt.Errorf("invalid workflow artifact: %w", err)
	}
	if err := g.CheckBranchExclusivity(); err != nil {
		return nil, fmt.Errorf("invalid workflow artifact: %w", err)
	}
	return &a, nil
}

// GateResult is the outcome of one validation gate. A failed gate blocks
// progression; warnings never block.
type GateResult struct {
	// Gate names the gate that produced this result (gate1, gate2, gate3).
	Gate string `json:"gate"`

	// Passed is false when any blocking error was found.
	Passed bool `json:"passed"`

	// Errors lists blocking problems.
	Errors []string `json:"errors"`

	// Warnings lists advisory problems that never block.
	Warnings []string `json:"warnings"`

	// FixesApplied lists human-readable descriptions of auto-corrections.
	FixesApplied []string `json:"fixes_applied"`
}

// AddError records a blocking problem and marks the gate failed.
func (r *GateResult) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Passed = false
}

// AddWarning records an advisory problem.
func (r *GateResult) AddWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// NewGateResult returns a passing result for the named gate.
func NewGateResult(gate string) *GateResult {
	return &GateResult{Gate: gate, Passed: true}
}
