package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/tombee/flightplan/internal/log"
	"github.com/tombee/flightplan/pkg/catalog"
	"github.com/tombee/flightplan/pkg/errors"
	"github.com/tombee/flightplan/pkg/llm"
	"github.com/tombee/flightplan/pkg/workflow"
)

// DefaultRepairAttempts is the per-step repair attempt bound.
const DefaultRepairAttempts = 3

// stepErrorPattern extracts the step id from a Gate 2 error message. The
// "Step <id>: <message>" shape is the attribution contract.
var stepErrorPattern = regexp.MustCompile(`^Step ([a-zA-Z_][a-zA-Z0-9_-]*): (.+)$`)

// ExtractStepID returns the step id a Gate 2 error message names, or false
// when the error is not step-scoped.
func ExtractStepID(errMsg string) (string, bool) {
	match := stepErrorPattern.FindStringSubmatch(errMsg)
	if match == nil {
		return "", false
	}
	return match[1], true
}

// RepairResult aggregates one repair pass.
type RepairResult struct {
	// RepairedSteps lists step ids successfully repaired.
	RepairedSteps []string

	// SuccessCount and FailureCount partition the attempted steps.
	SuccessCount int
	FailureCount int

	// Fixes lists human-readable descriptions of applied repairs.
	Fixes []string

	// Residual holds error messages that could not be attributed or whose
	// steps could not be repaired.
	Residual []string
}

// Repairer runs the bounded self-healing loop: for each step implicated by
// a Gate 2 error, ask the repair model for a replacement of that single
// step, validate it in isolation, and splice it into the design.
type Repairer struct {
	client   llm.Client
	model    string
	attempts int
	timeout  time.Duration
	logger   *slog.Logger
}

// RepairerOption configures a Repairer.
type RepairerOption func(*Repairer)

// WithRepairModel overrides the model used for repair calls.
func WithRepairModel(model string) RepairerOption {
	return func(r *Repairer) { r.model = model }
}

// WithRepairAttempts overrides the per-step attempt bound.
func WithRepairAttempts(attempts int) RepairerOption {
	return func(r *Repairer) {
		if attempts > 0 {
			r.attempts = attempts
		}
	}
}

// WithRepairTimeout bounds each repair call.
func WithRepairTimeout(timeout time.Duration) RepairerOption {
	return func(r *Repairer) { r.timeout = timeout }
}

// WithRepairLogger injects a logger.
func WithRepairLogger(logger *slog.Logger) RepairerOption {
	return func(r *Repairer) { r.logger = logger }
}

// NewRepairer creates a repairer over the given model client.
func NewRepairer(client llm.Client, opts ...RepairerOption) *Repairer {
	r := &Repairer{
		client:   client,
		attempts: DefaultRepairAttempts,
		timeout:  time.Minute,
		logger:   log.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Repair attempts to fix every step implicated by the Gate 2 errors,
// mutating the design in place. A step that validates is never retried;
// a step still broken after the attempt bound counts as a failure.
func (r *Repairer) Repair(ctx context.Context, d *workflow.Design, gateErrors []string, request string, cat catalog.Catalogue) (*RepairResult, error) {
	result := &RepairResult{}

	// Group errors by implicated step, preserving first-seen order.
	var order []string
	byStep := make(map[string][]string)
	for _, msg := range gateErrors {
		id, ok := ExtractStepID(msg)
		if !ok {
			result.Residual = append(result.Residual, msg)
			continue
		}
		if _, seen := byStep[id]; !seen {
			order = append(order, id)
		}
		byStep[id] = append(byStep[id], msg)
	}

	declaredInputs := make(map[string]bool, len(d.RequiredInputs))
	for _, input := range d.RequiredInputs {
		declaredInputs[input.Name] = true
	}
	stepIDs := make(map[string]bool)
	for _, id := range workflow.CollectStepIDs(d.Steps) {
		stepIDs[id] = true
	}

	for _, stepID := range order {
		stepErrors := byStep[stepID]
		broken := workflow.FindStep(d.Steps, stepID)
		if broken == nil {
			result.Residual = append(result.Residual, stepErrors...)
			result.FailureCount++
			continue
		}

		repaired, fix, err := r.repairStep(ctx, d, broken, stepErrors, request, cat, declaredInputs, stepIDs)
		if err != nil {
			r.logger.Warn("step repair failed",
				log.StepIDKey, stepID,
				log.StageKey, errors.StageStage2,
				"error", err)
			result.Residual = append(result.Residual, stepErrors...)
			result.FailureCount++
			continue
		}

		*broken = *repaired
		result.RepairedSteps = append(result.RepairedSteps, stepID)
		result.SuccessCount++
		result.Fixes = append(result.Fixes, fix)
	}

	return result, nil
}

// repairStep runs the bounded attempt loop for one step.
func (r *Repairer) repairStep(ctx context.Context, d *workflow.Design, broken *workflow.Step, stepErrors []string, request string, cat catalog.Catalogue, declaredInputs, stepIDs map[string]bool) (*workflow.Step, string, error) {
	schema, err := llm.SchemaFor(&workflow.Step{})
	if err != nil {
		return nil, "", fmt.Errorf("failed to derive step schema: %w", err)
	}

	prompt, err := r.repairUserPrompt(d, broken, stepErrors, request, cat)
	if err != nil {
		return nil, "", err
	}

	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		candidate, err := r.requestRepair(ctx, prompt, schema)
		if err != nil {
			lastErr = err
			continue
		}
		if err := validateRepairedStep(candidate, broken, cat, declaredInputs, stepIDs); err != nil {
			lastErr = err
			// Feed the residual problem into the next attempt.
			prompt = fmt.Sprintf("%s\n\nYour previous correction was still invalid: %v", prompt, err)
			continue
		}
		fix := fmt.Sprintf("repaired step %s (attempt %d): %s", broken.ID, attempt, stepErrors[0])
		return candidate, fix, nil
	}
	return nil, "", fmt.Errorf("step %s still invalid after %d attempts: %w", broken.ID, r.attempts, lastErr)
}

// requestRepair issues one constrained repair call.
func (r *Repairer) requestRepair(ctx context.Context, prompt string, schema map[string]any) (*workflow.Step, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.client.Complete(ctx, llm.Request{
		Model: r.model,
		Messages: []llm.Message{
			{Role: llm.MessageRoleSystem, Content: RepairSystemPrompt()},
			{Role: llm.MessageRoleUser, Content: prompt},
		},
		ResponseSchema: &llm.ResponseSchema{
			Name:        "corrected_step",
			Description: "The corrected workflow step",
			Schema:      schema,
			Strict:      true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("repair model call failed: %w", err)
	}

	var step workflow.Step
	if err := llm.DecodeStructured(resp.Content, &step); err != nil {
		return nil, fmt.Errorf("repair model returned malformed output: %w", err)
	}
	return &step, nil
}

// repairUserPrompt renders the failing step, its errors, the surrounding
// context window and the action parameter schema.
func (r *Repairer) repairUserPrompt(d *workflow.Design, broken *workflow.Step, stepErrors []string, request string, cat catalog.Catalogue) (string, error) {
	stepJSON, err := json.MarshalIndent(broken, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize failing step: %w", err)
	}

	var sb []byte
	sb = append(sb, "Original request:\n"...)
	sb = append(sb, request...)
	sb = append(sb, "\n\nFailing step:\n"...)
	sb = append(sb, stepJSON...)
	sb = append(sb, "\n\nValidation errors:\n"...)
	for _, msg := range stepErrors {
		sb = append(sb, "- "...)
		sb = append(sb, msg...)
		sb = append(sb, '\n')
	}

	if neighbors := contextWindow(d.Steps, broken.ID, 2); len(neighbors) > 0 {
		neighborJSON, err := json.MarshalIndent(neighbors, "", "  ")
		if err == nil {
			sb = append(sb, "\nNeighboring steps for context (do not modify):\n"...)
			sb = append(sb, neighborJSON...)
			sb = append(sb, '\n')
		}
	}

	if broken.Type == workflow.KindAction {
		if action, err := cat.Action(broken.Plugin, broken.Action); err == nil && action.ParametersSchema != nil {
			schemaJSON, err := json.MarshalIndent(action.ParametersSchema, "", "  ")
			if err == nil {
				sb = append(sb, fmt.Sprintf("\nParameter schema for %s.%s:\n", broken.Plugin, broken.Action)...)
				sb = append(sb, schemaJSON...)
				sb = append(sb, '\n')
			}
		}
	}

	return string(sb), nil
}

// contextWindow returns up to n steps on each side of the target within its
// sibling list, searching nested bodies when the step is not top level.
func contextWindow(steps []workflow.Step, id string, n int) []workflow.Step {
	siblings := findSiblings(steps, id)
	if siblings == nil {
		return nil
	}
	idx := -1
	for i := range siblings {
		if siblings[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	lo := idx - n
	if lo < 0 {
		lo = 0
	}
	hi := idx + n + 1
	if hi > len(siblings) {
		hi = len(siblings)
	}
	var out []workflow.Step
	for i := lo; i < hi; i++ {
		if i == idx {
			continue
		}
		out = append(out, siblings[i].Clone())
	}
	return out
}

// findSiblings locates the step list that directly contains the given id.
func findSiblings(steps []workflow.Step, id string) []workflow.Step {
	for i := range steps {
		if steps[i].ID == id {
			return steps
		}
	}
	for i := range steps {
		step := &steps[i]
		if found := findSiblings(step.LoopSteps, id); found != nil {
			return found
		}
		if found := findSiblings(step.ParallelSteps, id); found != nil {
			return found
		}
		if step.Scatter != nil {
			if found := findSiblings(step.Scatter.Steps, id); found != nil {
				return found
			}
		}
	}
	return nil
}

// validateRepairedStep re-runs the Gate 2 checks scoped to one step. The
// repaired step must keep its identity: a changed id would orphan edges
// elsewhere in the graph.
func validateRepairedStep(candidate, original *workflow.Step, cat catalog.Catalogue, declaredInputs, stepIDs map[string]bool) error {
	if candidate.ID != original.ID {
		return fmt.Errorf("repair changed the step id from %s to %s", original.ID, candidate.ID)
	}
	if err := candidate.Validate(); err != nil {
		return err
	}

	if candidate.Type == workflow.KindAction {
		if !cat.HasAction(candidate.Plugin, candidate.Action) {
			return &errors.ParameterError{
				StepID:  candidate.ID,
				Field:   "action",
				Message: fmt.Sprintf("action %s.%s is not in the catalogue", candidate.Plugin, candidate.Action),
			}
		}
		for _, required := range cat.RequiredParams(candidate.Plugin, candidate.Action) {
			if _, ok := candidate.Params[required]; !ok {
				return &errors.ParameterError{
					StepID:  candidate.ID,
					Field:   required,
					Message: fmt.Sprintf("Missing required parameter '%s'", required),
				}
			}
		}
	}

	single := []workflow.Step{*candidate}
	if placeholders, err := findPlaceholders(single); err != nil {
		return err
	} else if len(placeholders) > 0 {
		return &errors.ParameterError{
			StepID:  candidate.ID,
			Message: fmt.Sprintf("leftover placeholder token %q", placeholders[0]),
		}
	}

	scratch := workflow.NewGateResult("repair")
	validateStepParameters(candidate, cat, declaredInputs, stepIDs, map[string]bool{candidate.ID: true}, scratch)
	if !scratch.Passed {
		return &errors.ParameterError{StepID: candidate.ID, Message: scratch.Errors[0]}
	}
	return nil
}
