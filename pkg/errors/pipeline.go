// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"fmt"
	"strings"
)

// Stage identifiers used in the stage_failed tag of pipeline failures.
const (
	StageDesign = "stage1"
	StageGate1  = "gate1"
	StageStage2 = "stage2"
	StageGate3  = "gate3"
)

// DesignError represents a Stage 1 failure: the reasoning model did not
// produce a usable workflow design. Fatal, no repair possible.
type DesignError struct {
	// Message explains why the design could not be produced
	Message string

	// Cause is the underlying error (provider failure, schema violation)
	Cause error
}

// Error implements the error interface.
func (e *DesignError) Error() string {
	return fmt.Sprintf("workflow design failed: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *DesignError) Unwrap() error {
	return e.Cause
}

// StageFailed returns the machine-readable stage tag for this failure.
func (e *DesignError) StageFailed() string { return StageDesign }

// StructuralError represents a Gate 1 failure: schema or reference shape
// problems in the raw design. Always fatal, never repaired, since Stage 2
// has not run yet.
type StructuralError struct {
	// StepID identifies the offending step, if the error is step-scoped
	StepID string

	// Field is the field that failed the structural check
	Field string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *StructuralError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("Step %s: %s", e.StepID, e.Message)
	}
	return e.Message
}

// StageFailed returns the machine-readable stage tag for this failure.
func (e *StructuralError) StageFailed() string { return StageGate1 }

// ParameterError represents a Gate 2 failure. Parameter errors are the only
// class eligible for the self-healing repair loop.
type ParameterError struct {
	// StepID identifies the offending step
	StepID string

	// Field is the parameter or field that failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
//
// The "Step <id>: <message>" shape is load-bearing: the repair loop
// attributes errors to steps by matching this exact prefix.
func (e *ParameterError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("Step %s: %s", e.StepID, e.Message)
	}
	return e.Message
}

// StageFailed returns the machine-readable stage tag for this failure.
func (e *ParameterError) StageFailed() string { return StageStage2 }

// RepairExhaustedError indicates the bounded repair loop used all attempts
// without producing a valid step list. Fatal.
type RepairExhaustedError struct {
	// Attempts is the per-step attempt bound that was exhausted
	Attempts int

	// Residual holds the validation errors that remain after repair
	Residual []string
}

// Error implements the error interface.
func (e *RepairExhaustedError) Error() string {
	if len(e.Residual) == 0 {
		return fmt.Sprintf("repair exhausted after %d attempts per step", e.Attempts)
	}
	return fmt.Sprintf("repair exhausted after %d attempts per step: %s",
		e.Attempts, strings.Join(e.Residual, "; "))
}

// StageFailed returns the machine-readable stage tag for this failure.
func (e *RepairExhaustedError) StageFailed() string { return StageStage2 }

// GovernorReason classifies terminal governor failures.
type GovernorReason string

const (
	// ReasonTokenLimit indicates a single iteration exceeded the per-call token cap.
	ReasonTokenLimit GovernorReason = "token_limit_exceeded"

	// ReasonCircuitBreaker indicates cumulative token usage exceeded the run cap.
	ReasonCircuitBreaker GovernorReason = "circuit_breaker_tripped"

	// ReasonLoopDetected indicates the same tool signature repeated past the window.
	ReasonLoopDetected GovernorReason = "loop_detected"

	// ReasonMaxIterations indicates the iteration cap was reached without completion.
	ReasonMaxIterations GovernorReason = "max_iterations_reached"
)

// GovernorError represents a terminal governor failure. Budget and loop
// trips are fatal and intentionally not retried: retrying would compound
// the cost or ambiguity that caused the trip. Max-iterations is the one
// recoverable reason; the caller may re-invoke with a narrower request.
type GovernorError struct {
	// Reason classifies the failure
	Reason GovernorReason

	// Message is the human-readable error description
	Message string

	// Iterations is how many loop iterations ran before the trip
	Iterations int

	// TokensUsed is the cumulative token total at the time of the trip
	TokensUsed int
}

// Error implements the error interface.
func (e *GovernorError) Error() string {
	return fmt.Sprintf("governor halted (%s): %s", e.Reason, e.Message)
}

// IsRetryable reports whether the caller may usefully retry. Only
// max-iterations qualifies; budget and loop trips are fatal.
func (e *GovernorError) IsRetryable() bool {
	return e.Reason == ReasonMaxIterations
}

// ErrorType returns a string identifying the error category.
func (e *GovernorError) ErrorType() string { return "governor_" + string(e.Reason) }

// StageTagged is implemented by pipeline errors that carry a machine-readable
// stage_failed tag. The orchestrator uses it to annotate failed runs.
type StageTagged interface {
	error
	StageFailed() string
}
