// Package workflow defines the typed workflow model: a DAG of steps with
// declared inputs, produced by the synthesis pipeline and executed by the
// interpreter.
//
// Steps form a closed tagged union over StepKind. Per-kind required fields
// are enforced at construction time by Validate, so a workflow that survives
// validation never surfaces missing-field surprises at run time.
package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/tombee/flightplan/pkg/errors"
)

// StepKind discriminates the step union.
type StepKind string

const (
	// KindAction invokes a plugin action with parameters.
	KindAction StepKind = "action"

	// KindAIProcessing sends accumulated data to a reasoning model.
	KindAIProcessing StepKind = "ai_processing"

	// KindLLMDecision is an AI step whose output drives branching.
	// It shares the ai_processing output contract (data.result).
	KindLLMDecision StepKind = "llm_decision"

	// KindConditional branches on a condition.
	KindConditional StepKind = "conditional"

	// KindLoop iterates a sub-step sequence over a collection.
	KindLoop StepKind = "loop"

	// KindScatterGather fans a sub-step sequence out over a collection
	// with bounded concurrency and folds results back.
	KindScatterGather StepKind = "scatter_gather"

	// KindTransform reshapes data with a jq-style operation.
	KindTransform StepKind = "transform"

	// KindComparison compares two resolved values.
	KindComparison StepKind = "comparison"

	// KindValidation checks resolved data against rules.
	KindValidation StepKind = "validation"

	// KindSwitch selects a successor from a value-to-step table.
	KindSwitch StepKind = "switch"

	// KindDelay pauses execution for a fixed duration.
	KindDelay StepKind = "delay"

	// KindHumanApproval blocks until an external approval decision.
	KindHumanApproval StepKind = "human_approval"

	// KindSubWorkflow invokes another validated workflow.
	KindSubWorkflow StepKind = "sub_workflow"
)

// knownKinds is the closed set of valid step kinds.
var knownKinds = map[StepKind]bool{
	KindAction:        true,
	KindAIProcessing:  true,
	KindLLMDecision:   true,
	KindConditional:   true,
	KindLoop:          true,
	KindScatterGather: true,
	KindTransform:     true,
	KindComparison:    true,
	KindValidation:    true,
	KindSwitch:        true,
	KindDelay:         true,
	KindHumanApproval: true,
	KindSubWorkflow:   true,
}

// IsAIStep reports whether a kind produces model output addressed as
// stepN.data.result.
func IsAIStep(kind StepKind) bool {
	return kind == KindAIProcessing || kind == KindLLMDecision
}

// Step is a single node in the workflow DAG.
//
// The JSON field names are the wire contract shared with the reasoning
// model: Stage 1 produces steps in this shape and the artifact persists
// them unchanged.
type Step struct {
	// ID uniquely identifies the step within the workflow.
	ID string `json:"id"`

	// Type is the union discriminant.
	Type StepKind `json:"type"`

	// Name is a human-readable step name.
	Name string `json:"name"`

	// Plugin and Action identify the catalogued action (type: action).
	Plugin string `json:"plugin,omitempty"`
	Action string `json:"action,omitempty"`

	// Params carries action parameters, with template references resolved
	// at execution time (type: action).
	Params map[string]any `json:"params,omitempty"`

	// Prompt is the model instruction (type: ai_processing, llm_decision,
	// human_approval).
	Prompt string `json:"prompt,omitempty"`

	// Operation, Input and Config configure data steps (type: transform,
	// comparison, validation). They live at the top level of the step,
	// never nested under params.
	Operation string         `json:"operation,omitempty"`
	Input     string         `json:"input,omitempty"`
	Config    map[string]any `json:"config,omitempty"`

	// IterateOver names the collection expression and LoopSteps the body
	// (type: loop). MaxIterations is a mandatory safety bound.
	IterateOver   string `json:"iterateOver,omitempty"`
	LoopSteps     []Step `json:"loopSteps,omitempty"`
	MaxIterations int    `json:"maxIterations,omitempty"`

	// Scatter configures fan-out execution (type: scatter_gather).
	Scatter *ScatterConfig `json:"scatter,omitempty"`

	// ParallelSteps is an auxiliary nested-step list some designs emit.
	// The tree walkers treat it like loopSteps; it carries no edge
	// semantics of its own.
	ParallelSteps []Step `json:"parallelSteps,omitempty"`

	// Condition drives branching (type: conditional) and guarded skips
	// via ExecuteIf on any step kind.
	Condition *Condition `json:"condition,omitempty"`

	// TrueBranch and FalseBranch are conditional graph jumps; ExecuteIf is
	// a guarded skip. A step carries one of the two semantics, never both.
	TrueBranch  string     `json:"trueBranch,omitempty"`
	FalseBranch string     `json:"falseBranch,omitempty"`
	ExecuteIf   *Condition `json:"executeIf,omitempty"`

	// SwitchOn and Cases select a successor (type: switch). Default names
	// the successor when no case matches.
	SwitchOn string            `json:"switchOn,omitempty"`
	Cases    map[string]string `json:"cases,omitempty"`
	Default  string            `json:"default,omitempty"`

	// DurationMS is the pause length (type: delay).
	DurationMS int `json:"durationMs,omitempty"`

	// WorkflowID names the workflow to invoke (type: sub_workflow), with
	// Inputs mapping parent values onto its declared inputs.
	WorkflowID string            `json:"workflowId,omitempty"`
	Inputs     map[string]string `json:"inputs,omitempty"`

	// Next, OnSuccess and OnFailure are explicit successor edges.
	Next      string `json:"next,omitempty"`
	OnSuccess string `json:"on_success,omitempty"`
	OnFailure string `json:"on_failure,omitempty"`
}

// ScatterConfig configures a scatter_gather step.
type ScatterConfig struct {
	// Input is the expression resolving to the collection to fan out over.
	Input string `json:"input"`

	// Steps is the sub-step sequence executed once per item.
	Steps []Step `json:"steps"`

	// MaxConcurrency bounds in-flight items (1-10).
	MaxConcurrency int `json:"maxConcurrency"`

	// Gather configures how per-item results fold back together.
	Gather GatherConfig `json:"gather"`
}

// GatherStrategy enumerates result-folding strategies.
type GatherStrategy string

const (
	// GatherCollect preserves the per-item result array.
	GatherCollect GatherStrategy = "collect"

	// GatherMerge shallow-merges all item results into one object.
	GatherMerge GatherStrategy = "merge"

	// GatherReduce folds results via a configured expression.
	GatherReduce GatherStrategy = "reduce"
)

// GatherConfig configures the gather phase of a scatter_gather step.
type GatherConfig struct {
	// Strategy selects collect, merge or reduce.
	Strategy GatherStrategy `json:"strategy"`

	// Expression is the fold expression (required for reduce). It is
	// evaluated per item with `acc` and `item` bound.
	Expression string `json:"expression,omitempty"`
}

// MaxScatterConcurrency is the upper bound for scatter fan-out.
const MaxScatterConcurrency = 10

// stepIDPattern constrains step identifiers to a safe shape.
var stepIDPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_-]*$`)

// Validate enforces construction-time invariants for a single step.
// Graph-level checks (edge targets, cycles) live on Workflow.
func (s *Step) Validate() error {
	if s.ID == "" {
		return &errors.ValidationError{
			Field:      "id",
			Message:    "step ID is required",
			Suggestion: "assign each step a unique id such as step1",
		}
	}
	if !stepIDPattern.MatchString(s.ID) {
		return &errors.ValidationError{
			Field:      "id",
			Message:    fmt.Sprintf("step ID %q contains invalid characters", s.ID),
			Suggestion: "use letters, digits, underscores and hyphens only",
		}
	}
	if s.Name == "" {
		return &errors.ValidationError{
			Field:      "name",
			Message:    fmt.Sprintf("step %s has no name", s.ID),
			Suggestion: "add a short human-readable name",
		}
	}
	if !knownKinds[s.Type] {
		return &errors.ValidationError{
			Field:      "type",
			Message:    fmt.Sprintf("step %s has unknown type %q", s.ID, s.Type),
			Suggestion: "use one of the documented step types",
		}
	}

	// Ambiguous-successor rule: next and executeIf on the same step would
	// leave the skip target undefined.
	if s.ExecuteIf != nil && s.Next != "" {
		return &errors.ValidationError{
			Field:      "executeIf",
			Message:    fmt.Sprintf("step %s carries both next and executeIf", s.ID),
			Suggestion: "use either a graph jump (next) or a guarded skip (executeIf), not both",
		}
	}

	if err := s.validateKind(); err != nil {
		return err
	}

	if s.Condition != nil {
		if err := s.Condition.Validate(); err != nil {
			return errors.Wrapf(err, "step %s condition", s.ID)
		}
	}
	if s.ExecuteIf != nil {
		if err := s.ExecuteIf.Validate(); err != nil {
			return errors.Wrapf(err, "step %s executeIf", s.ID)
		}
	}
	return nil
}

// validateKind enforces the per-variant required fields.
func (s *Step) validateKind() error {
	switch s.Type {
	case KindAction:
		if s.Plugin == "" || s.Action == "" {
			return &errors.ValidationError{
				Field:      "plugin",
				Message:    fmt.Sprintf("action step %s requires plugin and action", s.ID),
				Suggestion: "reference a catalogued plugin action",
			}
		}
		if s.Params == nil {
			return &errors.ValidationError{
				Field:      "params",
				Message:    fmt.Sprintf("action step %s has no params object", s.ID),
				Suggestion: "add a params object, empty if the action takes none",
			}
		}
	case KindAIProcessing, KindLLMDecision:
		if s.Prompt == "" {
			return &errors.ValidationError{
				Field:      "prompt",
				Message:    fmt.Sprintf("AI step %s requires a prompt", s.ID),
				Suggestion: "describe what the model should do with the input data",
			}
		}
	case KindTransform, KindComparison:
		if s.Operation == "" {
			return &errors.ValidationError{
				Field:      "operation",
				Message:    fmt.Sprintf("%s step %s requires an operation", s.Type, s.ID),
				Suggestion: "set operation at the top level of the step, not inside params",
			}
		}
		if s.Input == "" {
			return &errors.ValidationError{
				Field:      "input",
				Message:    fmt.Sprintf("%s step %s requires an input reference", s.Type, s.ID),
				Suggestion: "point input at a prior step output or workflow input",
			}
		}
		if s.Params != nil {
			return &errors.ValidationError{
				Field:      "params",
				Message:    fmt.Sprintf("%s step %s must not nest fields under params", s.Type, s.ID),
				Suggestion: "move operation/input/config to the top level of the step",
			}
		}
	case KindValidation:
		if s.Input == "" {
			return &errors.ValidationError{
				Field:      "input",
				Message:    fmt.Sprintf("validation step %s requires an input reference", s.ID),
				Suggestion: "point input at the data to validate",
			}
		}
	case KindLoop:
		if s.IterateOver == "" {
			return &errors.ValidationError{
				Field:      "iterateOver",
				Message:    fmt.Sprintf("loop step %s requires iterateOver", s.ID),
				Suggestion: "reference the collection to iterate, e.g. {{step1.data.items}}",
			}
		}
		if len(s.LoopSteps) == 0 {
			return &errors.ValidationError{
				Field:      "loopSteps",
				Message:    fmt.Sprintf("loop step %s has no loopSteps", s.ID),
				Suggestion: "add at least one nested step to the loop body",
			}
		}
		if s.MaxIterations < 1 {
			return &errors.ValidationError{
				Field:      "maxIterations",
				Message:    fmt.Sprintf("loop step %s requires maxIterations >= 1", s.ID),
				Suggestion: "set maxIterations as a safety bound, e.g. 100",
			}
		}
		for i := range s.LoopSteps {
			if err := s.LoopSteps[i].Validate(); err != nil {
				return err
			}
		}
	case KindScatterGather:
		if s.Scatter == nil {
			return &errors.ValidationError{
				Field:      "scatter",
				Message:    fmt.Sprintf("scatter_gather step %s has no scatter config", s.ID),
				Suggestion: "add a scatter object with input, steps and gather",
			}
		}
		if err := s.Scatter.Validate(s.ID); err != nil {
			return err
		}
	case KindConditional:
		if s.Condition == nil {
			return &errors.ValidationError{
				Field:      "condition",
				Message:    fmt.Sprintf("conditional step %s requires a condition", s.ID),
				Suggestion: "add a simple or complex condition object",
			}
		}
		if s.TrueBranch == "" && s.FalseBranch == "" && s.ExecuteIf == nil {
			return &errors.ValidationError{
				Field:      "trueBranch",
				Message:    fmt.Sprintf("conditional step %s has no branch targets", s.ID),
				Suggestion: "set trueBranch/falseBranch, or use executeIf on the guarded step instead",
			}
		}
	case KindSwitch:
		if s.SwitchOn == "" {
			return &errors.ValidationError{
				Field:      "switchOn",
				Message:    fmt.Sprintf("switch step %s requires switchOn", s.ID),
				Suggestion: "reference the value to switch on",
			}
		}
		if len(s.Cases) == 0 {
			return &errors.ValidationError{
				Field:      "cases",
				Message:    fmt.Sprintf("switch step %s has no cases", s.ID),
				Suggestion: "map at least one value to a target step id",
			}
		}
	case KindDelay:
		if s.DurationMS <= 0 {
			return &errors.ValidationError{
				Field:      "durationMs",
				Message:    fmt.Sprintf("delay step %s requires a positive durationMs", s.ID),
				Suggestion: "set the pause length in milliseconds",
			}
		}
	case KindHumanApproval:
		if s.Prompt == "" {
			return &errors.ValidationError{
				Field:      "prompt",
				Message:    fmt.Sprintf("human_approval step %s requires a prompt", s.ID),
				Suggestion: "describe what the approver is deciding",
			}
		}
	case KindSubWorkflow:
		if s.WorkflowID == "" {
			return &errors.ValidationError{
				Field:      "workflowId",
				Message:    fmt.Sprintf("sub_workflow step %s requires workflowId", s.ID),
				Suggestion: "reference the workflow to invoke",
			}
		}
	}

	for i := range s.ParallelSteps {
		if err := s.ParallelSteps[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks scatter configuration invariants.
func (c *ScatterConfig) Validate(stepID string) error {
	if c.Input == "" {
		return &errors.ValidationError{
			Field:      "scatter.input",
			Message:    fmt.Sprintf("scatter_gather step %s requires scatter.input", stepID),
			Suggestion: "reference the collection to fan out over",
		}
	}
	if len(c.Steps) == 0 {
		return &errors.ValidationError{
			Field:      "scatter.steps",
			Message:    fmt.Sprintf("scatter_gather step %s has no scatter.steps", stepID),
			Suggestion: "add the sub-step sequence to run per item",
		}
	}
	if c.MaxConcurrency < 1 || c.MaxConcurrency > MaxScatterConcurrency {
		return &errors.ValidationError{
			Field:      "scatter.maxConcurrency",
			Message:    fmt.Sprintf("scatter_gather step %s requires maxConcurrency between 1 and %d", stepID, MaxScatterConcurrency),
			Suggestion: "pick a bound that matches downstream rate limits",
		}
	}
	switch c.Gather.Strategy {
	case GatherCollect, GatherMerge:
	case GatherReduce:
		if c.Gather.Expression == "" {
			return &errors.ValidationError{
				Field:      "scatter.gather.expression",
				Message:    fmt.Sprintf("scatter_gather step %s uses reduce without an expression", stepID),
				Suggestion: "provide the fold expression, e.g. acc + item.total",
			}
		}
	default:
		return &errors.ValidationError{
			Field:      "scatter.gather.strategy",
			Message:    fmt.Sprintf("scatter_gather step %s has unknown gather strategy %q", stepID, c.Gather.Strategy),
			Suggestion: "use collect, merge or reduce",
		}
	}
	for i := range c.Steps {
		if err := c.Steps[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of the step. Stage 2 and the repair loop
// mutate clones so gate inputs stay immutable.
func (s *Step) Clone() Step {
	// JSON round-trip keeps the copy honest as fields evolve.
	data, err := json.Marshal(s)
	if err != nil {
		// Marshal of a Step cannot fail: all fields are plain data.
		panic(fmt.Sprintf("workflow: step clone marshal: %v", err))
	}
	var out Step
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("workflow: step clone unmarshal: %v", err))
	}
	return out
}

// CloneSteps deep-copies a step list.
func CloneSteps(steps []Step) []Step {
	out := make([]Step, len(steps))
	for i := range steps {
		out[i] = steps[i].Clone()
	}
	return out
}
