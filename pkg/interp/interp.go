// Package interp executes validated workflow artifacts: a sequential
// stepper over the gated DAG with per-kind step semantics, bounded loops,
// concurrent scatter-gather fan-out and template resolution against the
// accumulated run scope.
//
// The interpreter trusts the gates: it runs artifacts, not designs, so a
// missing field here is an invariant violation rather than user input to
// be diagnosed.
package interp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/flightplan/internal/jq"
	"github.com/tombee/flightplan/internal/log"
	"github.com/tombee/flightplan/pkg/catalog"
	"github.com/tombee/flightplan/pkg/errors"
	"github.com/tombee/flightplan/pkg/llm"
	"github.com/tombee/flightplan/pkg/workflow"
	"github.com/tombee/flightplan/pkg/workflow/expression"
)

// ApprovalHandler decides human_approval steps. Implementations typically
// block on an external channel (UI, chat) until a decision arrives.
type ApprovalHandler interface {
	Approve(ctx context.Context, stepID, prompt string) (bool, error)
}

// SubWorkflowRunner executes a referenced workflow by id and returns its
// final output payload.
type SubWorkflowRunner interface {
	RunWorkflow(ctx context.Context, workflowID string, inputs map[string]any) (map[string]any, error)
}

// Interpreter executes workflow artifacts against injected collaborators.
// It holds no per-run state; one interpreter serves concurrent runs.
type Interpreter struct {
	executor     catalog.Executor
	client       llm.Client
	model        string
	approvals    ApprovalHandler
	subworkflows SubWorkflowRunner
	transforms   *jq.Executor
	stepTimeout  time.Duration
	logger       *slog.Logger
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithModel sets the model used for ai_processing and llm_decision steps.
func WithModel(model string) Option {
	return func(i *Interpreter) { i.model = model }
}

// WithApprovalHandler wires the human_approval decision source.
func WithApprovalHandler(h ApprovalHandler) Option {
	return func(i *Interpreter) { i.approvals = h }
}

// WithSubWorkflowRunner wires sub_workflow execution.
func WithSubWorkflowRunner(r SubWorkflowRunner) Option {
	return func(i *Interpreter) { i.subworkflows = r }
}

// WithStepTimeout bounds each external call (model, executor, transform).
func WithStepTimeout(d time.Duration) Option {
	return func(i *Interpreter) { i.stepTimeout = d }
}

// WithLogger injects a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Interpreter) { i.logger = logger }
}

// New creates an interpreter over an action executor and a model client.
func New(executor catalog.Executor, client llm.Client, opts ...Option) *Interpreter {
	i := &Interpreter{
		executor:    executor,
		client:      client,
		transforms:  jq.NewExecutor(0, 0),
		stepTimeout: 2 * time.Minute,
		logger:      log.Discard(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Run executes one artifact with the given inputs on behalf of a user.
// The returned result always carries every recorded step execution, even
// when the run fails.
func (it *Interpreter) Run(ctx context.Context, artifact *workflow.Artifact, userID string, inputs map[string]any) (*RunResult, error) {
	started := time.Now()
	result := &RunResult{RunID: uuid.New().String()}
	logger := log.WithRunContext(it.logger, result.RunID)

	if err := checkInputs(artifact.RequiredInputs, inputs); err != nil {
		result.Error = err.Error()
		result.ExecutionTime = time.Since(started)
		return result, err
	}

	scope := expression.NewScope(inputs, nil)
	output, err := it.runSequence(ctx, artifact.WorkflowSteps, scope, userID, result, true)
	result.Output = output
	result.ExecutionTime = time.Since(started)
	if err != nil {
		result.Error = err.Error()
		logger.Error("workflow run failed", "steps", len(result.Steps), "error", err)
		return result, err
	}

	result.Success = true
	logger.Info("workflow run completed",
		"steps", len(result.Steps),
		log.DurationKey, result.ExecutionTime.Milliseconds())
	return result, nil
}

// checkInputs verifies every required input has a value.
func checkInputs(declared []workflow.RequiredInput, inputs map[string]any) error {
	var missing []string
	for _, input := range declared {
		if !input.Required {
			continue
		}
		if _, ok := inputs[input.Name]; !ok {
			missing = append(missing, input.Name)
		}
	}
	if len(missing) > 0 {
		return &errors.ValidationError{
			Field:   "inputs",
			Message: fmt.Sprintf("missing required inputs: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}

// runSequence executes a step list until it reaches a terminal step. At
// the top level only explicit edges advance execution; inside nested
// bodies steps fall through in list order when no edge is set.
func (it *Interpreter) runSequence(ctx context.Context, steps []workflow.Step, scope *expression.Scope, userID string, rec *RunResult, topLevel bool) (map[string]any, error) {
	if len(steps) == 0 {
		return nil, nil
	}

	byID := make(map[string]*workflow.Step, len(steps))
	position := make(map[string]int, len(steps))
	for i := range steps {
		byID[steps[i].ID] = &steps[i]
		position[steps[i].ID] = i
	}

	var lastData map[string]any
	current := steps[0].ID
	for current != "" {
		if err := ctx.Err(); err != nil {
			return lastData, err
		}
		step, ok := byID[current]
		if !ok {
			// Gated artifacts cannot reach this; a hand-built step list can.
			return lastData, fmt.Errorf("edge references unknown step %q", current)
		}

		if step.ExecuteIf != nil {
			proceed, err := it.evaluateCondition(step.ExecuteIf, scope)
			if err != nil {
				rec.Steps = append(rec.Steps, StepResult{StepID: step.ID, Status: StatusFailed, Error: err.Error()})
				return lastData, fmt.Errorf("Step %s: executeIf evaluation failed: %w", step.ID, err)
			}
			if !proceed {
				rec.Steps = append(rec.Steps, StepResult{StepID: step.ID, Status: StatusSkipped})
				current = listSuccessor(steps, position[step.ID])
				continue
			}
		}

		stepStart := time.Now()
		data, successor, err := it.executeStep(ctx, step, scope, userID, rec)
		duration := time.Since(stepStart)

		scope.SetStepOutput(step.ID, map[string]any{"success": err == nil, "data": anyMap(data)})

		if err != nil {
			rec.Steps = append(rec.Steps, StepResult{
				StepID: step.ID, Status: StatusFailed, Data: data,
				Error: err.Error(), Duration: duration,
			})
			if step.OnFailure != "" {
				current = step.OnFailure
				continue
			}
			return data, fmt.Errorf("Step %s: %w", step.ID, err)
		}

		rec.Steps = append(rec.Steps, StepResult{
			StepID: step.ID, Status: StatusSuccess, Data: data, Duration: duration,
		})
		lastData = data

		switch {
		case successor != "":
			current = successor
		case step.Next != "":
			current = step.Next
		case step.OnSuccess != "":
			current = step.OnSuccess
		case !topLevel || step.ExecuteIf != nil:
			current = listSuccessor(steps, position[step.ID])
		default:
			current = ""
		}
	}
	return lastData, nil
}

// listSuccessor returns the id of the next step in list order, or "".
func listSuccessor(steps []workflow.Step, idx int) string {
	if idx+1 < len(steps) {
		return steps[idx+1].ID
	}
	return ""
}

// executeStep dispatches one step by kind. It returns the step's data
// payload and, for branching kinds, the chosen successor id.
func (it *Interpreter) executeStep(ctx context.Context, step *workflow.Step, scope *expression.Scope, userID string, rec *RunResult) (map[string]any, string, error) {
	switch step.Type {
	case workflow.KindAction:
		data, err := it.executeAction(ctx, step, scope, userID)
		return data, "", err
	case workflow.KindAIProcessing, workflow.KindLLMDecision:
		data, err := it.executeAI(ctx, step, scope)
		return data, "", err
	case workflow.KindTransform:
		data, err := it.executeTransform(ctx, step, scope)
		return data, "", err
	case workflow.KindComparison:
		data, err := it.executeComparison(step, scope)
		return data, "", err
	case workflow.KindValidation:
		data, err := it.executeValidation(step, scope)
		return data, "", err
	case workflow.KindConditional:
		return it.executeConditional(step, scope)
	case workflow.KindSwitch:
		return it.executeSwitch(step, scope)
	case workflow.KindLoop:
		data, err := it.executeLoop(ctx, step, scope, userID, rec)
		return data, "", err
	case workflow.KindScatterGather:
		data, err := it.executeScatter(ctx, step, scope, userID)
		return data, "", err
	case workflow.KindDelay:
		data, err := it.executeDelay(ctx, step)
		return data, "", err
	case workflow.KindHumanApproval:
		data, err := it.executeApproval(ctx, step, scope)
		return data, "", err
	case workflow.KindSubWorkflow:
		data, err := it.executeSubWorkflow(ctx, step, scope)
		return data, "", err
	}
	return nil, "", fmt.Errorf("unknown step type %q", step.Type)
}

func (it *Interpreter) executeAction(ctx context.Context, step *workflow.Step, scope *expression.Scope, userID string) (map[string]any, error) {
	params, err := resolveMap(step.Params, scope)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, it.stepTimeout)
	defer cancel()
	res, err := it.executor.Execute(ctx, userID, step.Plugin, step.Action, params)
	if err != nil {
		return nil, fmt.Errorf("action %s.%s failed: %w", step.Plugin, step.Action, err)
	}
	if !res.Success {
		return res.Data, fmt.Errorf("action %s.%s failed: %s", step.Plugin, step.Action, failureText(res))
	}
	return res.Data, nil
}

// executeAI sends the resolved prompt to the model. The output is stored
// under data.result, with aliases for the field names designs commonly
// reference (response, output, summary, analysis).
func (it *Interpreter) executeAI(ctx context.Context, step *workflow.Step, scope *expression.Scope) (map[string]any, error) {
	prompt, err := expression.ResolveString(step.Prompt, scope)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, it.stepTimeout)
	defer cancel()
	resp, err := it.client.Complete(ctx, llm.Request{
		Model:    it.model,
		Messages: []llm.Message{{Role: llm.MessageRoleUser, Content: prompt}},
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &errors.TimeoutError{Operation: "model call", Duration: it.stepTimeout, Cause: err}
		}
		return nil, fmt.Errorf("model call failed: %w", err)
	}

	content := strings.TrimSpace(resp.Content)
	return map[string]any{
		"result":   content,
		"response": content,
		"output":   content,
		"summary":  content,
		"analysis": content,
	}, nil
}

func (it *Interpreter) executeTransform(ctx context.Context, step *workflow.Step, scope *expression.Scope) (map[string]any, error) {
	input, err := expression.Resolve(step.Input, scope)
	if err != nil {
		return nil, err
	}
	out, err := it.transforms.Execute(ctx, step.Operation, input)
	if err != nil {
		return nil, fmt.Errorf("transform failed: %w", err)
	}
	return map[string]any{"result": out}, nil
}

func (it *Interpreter) executeComparison(step *workflow.Step, scope *expression.Scope) (map[string]any, error) {
	value := step.Config["value"]
	if str, ok := value.(string); ok {
		resolved, err := expression.Resolve(str, scope)
		if err != nil {
			return nil, err
		}
		value = resolved
	}
	cond := workflow.Condition{
		Type:     workflow.ConditionSimple,
		Field:    step.Input,
		Operator: step.Operation,
		Value:    value,
	}
	matched, err := it.evaluateCondition(&cond, scope)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": matched}, nil
}

// executeValidation checks the resolved input against config rules. An
// invalid payload fails the step so on_failure edges can route around it;
// the findings are in the data payload either way.
func (it *Interpreter) executeValidation(step *workflow.Step, scope *expression.Scope) (map[string]any, error) {
	input, err := expression.Resolve(step.Input, scope)
	if err != nil {
		return nil, err
	}

	var findings []string
	if required, ok := step.Config["required"].([]any); ok {
		obj, isMap := input.(map[string]any)
		for _, field := range required {
			name, _ := field.(string)
			if !isMap {
				findings = append(findings, fmt.Sprintf("field %q missing: input is not an object", name))
				continue
			}
			if v, present := obj[name]; !present || v == nil || v == "" {
				findings = append(findings, fmt.Sprintf("field %q is missing or empty", name))
			}
		}
	}
	if notEmpty, _ := step.Config["not_empty"].(bool); notEmpty && isEmptyValue(input) {
		findings = append(findings, "input is empty")
	}

	data := map[string]any{"valid": len(findings) == 0}
	if len(findings) > 0 {
		asAny := make([]any, len(findings))
		for i, f := range findings {
			asAny[i] = f
		}
		data["errors"] = asAny
		return data, fmt.Errorf("validation failed: %s", strings.Join(findings, "; "))
	}
	return data, nil
}

func (it *Interpreter) executeConditional(step *workflow.Step, scope *expression.Scope) (map[string]any, string, error) {
	matched, err := it.evaluateCondition(step.Condition, scope)
	if err != nil {
		return nil, "", err
	}
	data := map[string]any{"result": matched}
	if matched {
		return data, step.TrueBranch, nil
	}
	return data, step.FalseBranch, nil
}

func (it *Interpreter) executeSwitch(step *workflow.Step, scope *expression.Scope) (map[string]any, string, error) {
	value, err := expression.ResolveString(step.SwitchOn, scope)
	if err != nil {
		return nil, "", err
	}
	data := map[string]any{"value": value}
	if target, ok := step.Cases[value]; ok {
		return data, target, nil
	}
	if step.Default != "" {
		return data, step.Default, nil
	}
	return data, "", fmt.Errorf("switch value %q matched no case and no default is set", value)
}

// executeLoop runs the body once per collection item, bounded by
// maxIterations. Items past the bound are not processed.
func (it *Interpreter) executeLoop(ctx context.Context, step *workflow.Step, scope *expression.Scope, userID string, rec *RunResult) (map[string]any, error) {
	collection, err := resolveCollection(step.IterateOver, scope)
	if err != nil {
		return nil, err
	}

	limit := len(collection)
	if step.MaxIterations > 0 && step.MaxIterations < limit {
		limit = step.MaxIterations
	}

	results := make([]any, 0, limit)
	for i := 0; i < limit; i++ {
		iterScope := scope.WithLoop(collection[i], i)
		data, err := it.runSequence(ctx, step.LoopSteps, iterScope, userID, rec, false)
		if err != nil {
			return map[string]any{"results": results, "iterations": i}, fmt.Errorf("iteration %d: %w", i, err)
		}
		results = append(results, anyMap(data))
	}
	return map[string]any{"results": results, "iterations": limit}, nil
}

func (it *Interpreter) executeDelay(ctx context.Context, step *workflow.Step) (map[string]any, error) {
	d := time.Duration(step.DurationMS) * time.Millisecond
	select {
	case <-time.After(d):
		return map[string]any{"delayedMs": step.DurationMS}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (it *Interpreter) executeApproval(ctx context.Context, step *workflow.Step, scope *expression.Scope) (map[string]any, error) {
	if it.approvals == nil {
		return nil, fmt.Errorf("no approval handler configured")
	}
	prompt, err := expression.ResolveString(step.Prompt, scope)
	if err != nil {
		return nil, err
	}
	approved, err := it.approvals.Approve(ctx, step.ID, prompt)
	if err != nil {
		return nil, fmt.Errorf("approval failed: %w", err)
	}
	data := map[string]any{"approved": approved}
	if !approved {
		return data, fmt.Errorf("approval denied")
	}
	return data, nil
}

func (it *Interpreter) executeSubWorkflow(ctx context.Context, step *workflow.Step, scope *expression.Scope) (map[string]any, error) {
	if it.subworkflows == nil {
		return nil, fmt.Errorf("no sub-workflow runner configured")
	}
	inputs := make(map[string]any, len(step.Inputs))
	for name, template := range step.Inputs {
		value, err := expression.Resolve(template, scope)
		if err != nil {
			return nil, err
		}
		inputs[name] = value
	}
	return it.subworkflows.RunWorkflow(ctx, step.WorkflowID, inputs)
}

// evaluateCondition evaluates a condition tree against the run scope.
func (it *Interpreter) evaluateCondition(cond *workflow.Condition, scope *expression.Scope) (bool, error) {
	return cond.Evaluate(func(ref string) (any, error) {
		return expression.Resolve(ref, scope)
	})
}

// resolveMap resolves every string template in a parameter map, recursing
// into nested maps and slices. Non-string values pass through untouched.
func resolveMap(params map[string]any, scope *expression.Scope) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for key, value := range params {
		resolved, err := resolveValue(value, scope)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", key, err)
		}
		out[key] = resolved
	}
	return out, nil
}

func resolveValue(value any, scope *expression.Scope) (any, error) {
	switch v := value.(type) {
	case string:
		return expression.Resolve(v, scope)
	case map[string]any:
		return resolveMap(v, scope)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := resolveValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// resolveCollection resolves a template that must yield an array.
func resolveCollection(template string, scope *expression.Scope) ([]any, error) {
	value, err := expression.Resolve(template, scope)
	if err != nil {
		return nil, err
	}
	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("%s resolved to %T, want an array", template, value)
	}
	return items, nil
}

func failureText(res *catalog.Result) string {
	if res.Message != "" {
		return res.Message
	}
	if res.Error != "" {
		return res.Error
	}
	return "unspecified failure"
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// anyMap normalizes a nil payload to an empty map so path lookups against
// data never fail on the container itself.
func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
