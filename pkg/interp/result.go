package interp

import "time"

// StepStatus is the recorded outcome of one step execution.
type StepStatus string

const (
	// StatusSuccess means the step completed and its output is addressable.
	StatusSuccess StepStatus = "success"

	// StatusFailed means the step errored; the run fails unless an
	// on_failure edge routes around it.
	StatusFailed StepStatus = "failed"

	// StatusSkipped means an executeIf guard evaluated false.
	StatusSkipped StepStatus = "skipped"
)

// StepResult records one step execution. Loop bodies record one entry per
// iteration.
type StepResult struct {
	// StepID identifies the executed step.
	StepID string `json:"stepId"`

	// Status is the outcome classification.
	Status StepStatus `json:"status"`

	// Data is the step's output payload, addressable as {{<id>.data.*}}.
	Data map[string]any `json:"data,omitempty"`

	// Error describes the failure when Status is failed.
	Error string `json:"error,omitempty"`

	// Duration is the step's wall-clock execution time.
	Duration time.Duration `json:"duration"`
}

// RunResult is the outcome of one workflow run.
type RunResult struct {
	// RunID identifies this run.
	RunID string `json:"runId"`

	// Success is true when execution reached a terminal step without an
	// unrouted failure.
	Success bool `json:"success"`

	// Steps records every step execution in order.
	Steps []StepResult `json:"steps"`

	// Output is the data payload of the last executed step.
	Output map[string]any `json:"output,omitempty"`

	// Error describes the failure when Success is false.
	Error string `json:"error,omitempty"`

	// ExecutionTime is the wall-clock duration of the run.
	ExecutionTime time.Duration `json:"executionTime"`
}

// ItemOutcome is the per-item record of a scatter_gather step. Failures are
// tagged, never dropped: the gathered count always equals the item count.
type ItemOutcome struct {
	// Index is the item's position in the scattered collection.
	Index int `json:"index"`

	// Success reports whether the item's sub-step sequence completed.
	Success bool `json:"success"`

	// Data is the final sub-step payload for this item.
	Data map[string]any `json:"data,omitempty"`

	// Error describes the item failure.
	Error string `json:"error,omitempty"`
}
