// Package governor drives an LLM tool-calling conversation to completion
// under strict resource limits: iteration caps, per-iteration and cumulative
// token budgets, and repeated-call loop detection. Tool results that exceed
// the character budget are truncated with a note stating what was cut.
//
// The loop is single threaded per run. Tool calls returned in one turn are
// dispatched concurrently, but their results are fed back to the model in
// the original call order so message history stays deterministic.
package governor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/flightplan/internal/log"
	"github.com/tombee/flightplan/pkg/catalog"
	"github.com/tombee/flightplan/pkg/errors"
	"github.com/tombee/flightplan/pkg/llm"
)

// State is the governor's position in its run state machine.
type State string

const (
	// StateRunning is the in-flight state between iterations.
	StateRunning State = "running"

	// StateToolCallRequested is the transient state while a turn's tool
	// calls are being dispatched.
	StateToolCallRequested State = "tool_call_requested"

	// StateCompleted is the successful terminal state: the model produced
	// a response with no tool calls.
	StateCompleted State = "completed"

	// StateTokenLimitExceeded means one iteration blew the per-call cap.
	StateTokenLimitExceeded State = "token_limit_exceeded"

	// StateCircuitBreakerTripped means cumulative usage blew the run cap.
	StateCircuitBreakerTripped State = "circuit_breaker_tripped"

	// StateLoopDetected means the last N tool calls shared one signature.
	StateLoopDetected State = "loop_detected"

	// StateMaxIterationsReached means the iteration cap ran out first.
	StateMaxIterationsReached State = "max_iterations_reached"

	// StateFailed means a model call or other infrastructure fault ended
	// the run.
	StateFailed State = "failed"
)

// toolNameSeparator joins plugin and action into a provider-legal tool
// name. Dots are not allowed in tool names by all providers.
const toolNameSeparator = "__"

// Request describes one governor run.
type Request struct {
	// UserID identifies the user on whose behalf actions execute.
	UserID string

	// SystemPrompt sets the model's instructions.
	SystemPrompt string

	// Prompt is the user's task.
	Prompt string

	// Catalogue is the tool surface offered to the model.
	Catalogue catalog.Catalogue
}

// TokenTotals is the prompt/completion/total accounting exposed in results.
type TokenTotals struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

func (t *TokenTotals) add(u llm.TokenUsage) {
	t.Prompt += u.InputTokens
	t.Completion += u.OutputTokens
	t.Total += u.TotalTokens
}

// ToolCallRecord logs one dispatched tool call, success or not.
type ToolCallRecord struct {
	// Plugin and Action identify the catalogued action.
	Plugin string `json:"plugin"`
	Action string `json:"action"`

	// Parameters are the arguments the model supplied.
	Parameters map[string]any `json:"parameters"`

	// Result is the executor's outcome. Nil only when the arguments could
	// not be decoded.
	Result *catalog.Result `json:"result,omitempty"`

	// Success mirrors the executor outcome, false for dispatch failures.
	Success bool `json:"success"`

	// Error carries the dispatch failure when Success is false and the
	// executor never ran.
	Error string `json:"error,omitempty"`

	// Duration is how long the call took.
	Duration time.Duration `json:"duration"`
}

// Signature returns the plugin.action form used for loop detection.
func (r *ToolCallRecord) Signature() string {
	return r.Plugin + "." + r.Action
}

// Result is the outcome of one governor run.
type Result struct {
	// Success is true only for the Completed terminal state.
	Success bool `json:"success"`

	// Response is the model's final text when the run completed.
	Response string `json:"response"`

	// ToolCalls logs every dispatched call in issue order.
	ToolCalls []ToolCallRecord `json:"toolCalls"`

	// TokensUsed is the cumulative token accounting.
	TokensUsed TokenTotals `json:"tokensUsed"`

	// ExecutionTime is the wall-clock duration of the run.
	ExecutionTime time.Duration `json:"executionTime"`

	// Iterations is how many loop iterations ran.
	Iterations int `json:"iterations"`

	// State is the terminal state the run ended in.
	State State `json:"state"`

	// Error describes the failure for non-completed terminal states.
	Error string `json:"error,omitempty"`
}

// Governor runs the conversation loop against one model client and one
// action executor.
type Governor struct {
	client   llm.Client
	executor catalog.Executor
	config   Config
	logger   *slog.Logger
}

// New creates a governor. Zero config fields take their defaults.
func New(client llm.Client, executor catalog.Executor, config Config) *Governor {
	return &Governor{
		client:   client,
		executor: executor,
		config:   config.WithDefaults(),
		logger:   log.Discard(),
	}
}

// WithLogger sets the logger used for per-iteration progress.
func (g *Governor) WithLogger(logger *slog.Logger) *Governor {
	g.logger = logger
	return g
}

// Run drives the conversation to a terminal state. Terminal failures are
// returned as *errors.GovernorError alongside the partial result; only
// infrastructure faults (a failed model call) produce other error types.
func (g *Governor) Run(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()
	result := &Result{State: StateRunning, ToolCalls: []ToolCallRecord{}}

	messages := []llm.Message{
		{Role: llm.MessageRoleSystem, Content: req.SystemPrompt},
		{Role: llm.MessageRoleUser, Content: req.Prompt},
	}
	tools := catalogueTools(req.Catalogue)
	detector := newLoopDetector(g.config.LoopWindow)

	for iteration := 1; iteration <= g.config.MaxIterations; iteration++ {
		result.Iterations = iteration
		iterationsTotal.Inc()

		resp, err := g.complete(ctx, messages, tools)
		if err != nil {
			result.State = StateFailed
			result.Error = fmt.Sprintf("model call failed: %v", err)
			result.ExecutionTime = time.Since(started)
			return result, fmt.Errorf("model call failed on iteration %d: %w", iteration, err)
		}

		result.TokensUsed.add(resp.Usage)
		tokensTotal.WithLabelValues("prompt").Add(float64(resp.Usage.InputTokens))
		tokensTotal.WithLabelValues("completion").Add(float64(resp.Usage.OutputTokens))

		// Budget checks are fatal and never retried: retrying burns more
		// of the budget that just ran out. The per-iteration cap can trip
		// on the very first turn.
		if resp.Usage.TotalTokens > g.config.IterationTokenLimit {
			return g.halt(result, started, StateTokenLimitExceeded, errors.ReasonTokenLimit,
				fmt.Sprintf("iteration %d used %d tokens, cap is %d",
					iteration, resp.Usage.TotalTokens, g.config.IterationTokenLimit))
		}
		if result.TokensUsed.Total > g.config.TotalTokenLimit {
			return g.halt(result, started, StateCircuitBreakerTripped, errors.ReasonCircuitBreaker,
				fmt.Sprintf("cumulative usage %d tokens exceeds the %d run cap",
					result.TokensUsed.Total, g.config.TotalTokenLimit))
		}

		messages = append(messages, llm.Message{
			Role:      llm.MessageRoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			result.State = StateCompleted
			result.Success = true
			result.Response = resp.Content
			result.ExecutionTime = time.Since(started)
			g.logger.Info("governor run completed",
				"iterations", iteration,
				"tool_calls", len(result.ToolCalls),
				"tokens", result.TokensUsed.Total)
			return result, nil
		}

		result.State = StateToolCallRequested
		records := g.dispatch(ctx, req.UserID, resp.ToolCalls)
		result.ToolCalls = append(result.ToolCalls, records...)

		tripped := false
		for i, record := range records {
			content := g.formatToolResult(&record)
			messages = append(messages, llm.Message{
				Role:       llm.MessageRoleTool,
				Content:    content,
				ToolCallID: resp.ToolCalls[i].ID,
				Name:       resp.ToolCalls[i].Name,
			})
			if detector.observe(record.Signature()) {
				tripped = true
			}
		}
		if tripped {
			last := records[len(records)-1]
			return g.halt(result, started, StateLoopDetected, errors.ReasonLoopDetected,
				fmt.Sprintf("last %d tool calls all invoked %s",
					g.config.LoopWindow, last.Signature()))
		}

		result.State = StateRunning
	}

	// Iteration cap without completion. The one recoverable terminal
	// state: the caller may re-invoke with a narrower request.
	return g.halt(result, started, StateMaxIterationsReached, errors.ReasonMaxIterations,
		fmt.Sprintf("no completion after %d iterations", g.config.MaxIterations))
}

// halt finalizes a terminal failure state and its typed error.
func (g *Governor) halt(result *Result, started time.Time, state State, reason errors.GovernorReason, message string) (*Result, error) {
	result.State = state
	result.Error = message
	result.ExecutionTime = time.Since(started)
	tripsTotal.WithLabelValues(string(reason)).Inc()
	g.logger.Warn("governor run halted",
		"state", state,
		"iterations", result.Iterations,
		"tokens", result.TokensUsed.Total,
		"error", message)
	return result, &errors.GovernorError{
		Reason:     reason,
		Message:    message,
		Iterations: result.Iterations,
		TokensUsed: result.TokensUsed.Total,
	}
}

// complete issues one bounded completion request. Tool choice is advisory;
// the governor never forces an invocation.
func (g *Governor) complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.RequestTimeout)
	defer cancel()
	return g.client.Complete(ctx, llm.Request{
		Model:    g.config.Model,
		Messages: messages,
		Tools:    tools,
	})
}

// dispatch executes one turn's tool calls concurrently, preserving issue
// order in the returned slice.
func (g *Governor) dispatch(ctx context.Context, userID string, calls []llm.ToolCall) []ToolCallRecord {
	records := make([]ToolCallRecord, len(calls))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, call := range calls {
		group.Go(func() error {
			records[i] = g.executeCall(groupCtx, userID, call)
			return nil
		})
	}
	// Workers never return errors; failures become structured records.
	_ = group.Wait()
	return records
}

// executeCall runs one tool call. Executor errors and panics are converted
// to structured failures so the model can adapt instead of the run dying.
func (g *Governor) executeCall(ctx context.Context, userID string, call llm.ToolCall) (record ToolCallRecord) {
	started := time.Now()
	record.Plugin, record.Action = splitToolName(call.Name)

	defer func() {
		if r := recover(); r != nil {
			record.Success = false
			record.Result = nil
			record.Error = fmt.Sprintf("tool panicked: %v", r)
		}
		record.Duration = time.Since(started)
		status := "success"
		if !record.Success {
			status = "error"
		}
		toolCallDuration.WithLabelValues(record.Plugin, status).Observe(record.Duration.Seconds())
	}()

	if record.Plugin == "" || record.Action == "" {
		record.Error = fmt.Sprintf("malformed tool name %q", call.Name)
		return record
	}

	params := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &params); err != nil {
			record.Error = fmt.Sprintf("invalid tool arguments: %v", err)
			return record
		}
	}
	record.Parameters = params

	res, err := g.executor.Execute(ctx, userID, record.Plugin, record.Action, params)
	if err != nil {
		record.Error = err.Error()
		return record
	}
	record.Result = res
	record.Success = res.Success
	return record
}

// formatToolResult serializes one record for the conversation, applying
// the per-result character budget.
func (g *Governor) formatToolResult(record *ToolCallRecord) string {
	payload := record.Result
	if payload == nil {
		payload = &catalog.Result{Success: false, Error: "dispatch_failed", Message: record.Error}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":"serialization_failed","message":%q}`, err.Error())
	}

	items := 0
	if payload.Data != nil {
		items = countItems(payload.Data)
	}
	content, truncated := truncateResult(string(data), g.config.ToolResultLimit, items)
	if truncated {
		truncationsTotal.Inc()
		g.logger.Debug("tool result truncated",
			"signature", record.Signature(),
			"original_chars", len(data))
	}
	return content
}

// catalogueTools flattens the catalogue into the model's tool surface.
func catalogueTools(cat catalog.Catalogue) []llm.Tool {
	var tools []llm.Tool
	for _, pluginKey := range cat.PluginKeys() {
		plugin := cat[pluginKey]
		actionNames := make([]string, 0, len(plugin.Actions))
		for name := range plugin.Actions {
			actionNames = append(actionNames, name)
		}
		sort.Strings(actionNames)
		for _, actionName := range actionNames {
			action := plugin.Actions[actionName]
			tool := llm.Tool{
				Name:        pluginKey + toolNameSeparator + actionName,
				Description: action.Description,
			}
			if action.ParametersSchema != nil {
				tool.InputSchema = schemaToMap(action.ParametersSchema)
			}
			tools = append(tools, tool)
		}
	}
	return tools
}

// schemaToMap converts a catalogue parameter schema to the generic map the
// model client expects.
func schemaToMap(schema *catalog.ParameterSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func splitToolName(name string) (plugin, action string) {
	parts := strings.SplitN(name, toolNameSeparator, 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}
