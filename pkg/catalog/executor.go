package catalog

import (
	"context"
	"fmt"
)

// Result is the outcome of one action execution. Expected failure modes
// surface as Success=false with Error/Message set; only infrastructure
// faults travel the Go error path.
type Result struct {
	// Success reports whether the action completed as requested.
	Success bool `json:"success"`

	// Data carries the action's output fields on success.
	Data map[string]any `json:"data,omitempty"`

	// Error is a machine-readable failure code.
	Error string `json:"error,omitempty"`

	// Message is a human-readable failure explanation.
	Message string `json:"message,omitempty"`
}

// Executor runs catalogued actions on behalf of a user. Implementations
// must not panic for expected failure modes; the governor converts any
// returned error into a structured failure the model can react to.
type Executor interface {
	Execute(ctx context.Context, userID, plugin, action string, params map[string]any) (*Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, userID, plugin, action string, params map[string]any) (*Result, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, userID, plugin, action string, params map[string]any) (*Result, error) {
	return f(ctx, userID, plugin, action, params)
}

// StubExecutor executes actions against the catalogue contract without
// reaching any real integration: required parameters are enforced and the
// declared output fields come back filled with sample values. Used for dry
// runs and local development.
type StubExecutor struct {
	catalogue Catalogue
}

// NewStubExecutor creates a stub executor over the catalogue.
func NewStubExecutor(catalogue Catalogue) *StubExecutor {
	return &StubExecutor{catalogue: catalogue}
}

// Execute implements Executor.
func (s *StubExecutor) Execute(ctx context.Context, userID, plugin, action string, params map[string]any) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	contract, err := s.catalogue.Action(plugin, action)
	if err != nil {
		return &Result{
			Success: false,
			Error:   "unknown_action",
			Message: fmt.Sprintf("%s.%s is not in the catalogue", plugin, action),
		}, nil
	}

	for _, required := range contract.RequiredParams {
		if _, ok := params[required]; !ok {
			return &Result{
				Success: false,
				Error:   "missing_parameter",
				Message: fmt.Sprintf("required parameter %q was not supplied", required),
			}, nil
		}
	}

	data := make(map[string]any, len(contract.OutputFields)+1)
	for _, field := range contract.OutputFields {
		data[field] = fmt.Sprintf("stub %s from %s.%s", field, plugin, action)
	}
	data["stubbed"] = true
	return &Result{Success: true, Data: data}, nil
}
