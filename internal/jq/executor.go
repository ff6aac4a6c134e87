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

// Package jq evaluates jq programs for transform steps. Programs run under
// a wall-clock timeout and an input size cap, so a pathological program or
// payload cannot stall a workflow run.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"

	"github.com/tombee/flightplan/pkg/errors"
)

const (
	// DefaultTimeout bounds one program evaluation.
	DefaultTimeout = 1 * time.Second

	// DefaultMaxInputSize caps the JSON-encoded input at 10MB.
	DefaultMaxInputSize = 10 * 1024 * 1024
)

// Executor evaluates jq programs. Zero-valued limits take the defaults.
type Executor struct {
	timeout      time.Duration
	maxInputSize int64
}

// NewExecutor creates an executor with the given limits. Zero values mean
// DefaultTimeout and DefaultMaxInputSize.
func NewExecutor(timeout time.Duration, maxInputSize int64) *Executor {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if maxInputSize == 0 {
		maxInputSize = DefaultMaxInputSize
	}
	return &Executor{timeout: timeout, maxInputSize: maxInputSize}
}

// Execute runs program against input. An empty program is the identity. A
// program emitting one value returns that value; multiple values come back
// as a slice; none returns nil.
func (e *Executor) Execute(ctx context.Context, program string, input any) (any, error) {
	if program == "" {
		return input, nil
	}
	if err := e.checkInputSize(input); err != nil {
		return nil, err
	}

	parsed, err := gojq.Parse(program)
	if err != nil {
		return nil, fmt.Errorf("jq parse: %w", err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("jq compile: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var outputs []any
	iter := code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if runErr, isErr := v.(error); isErr {
			if ctx.Err() != nil {
				return nil, &errors.TimeoutError{
					Operation: "jq transform",
					Duration:  e.timeout,
					Cause:     ctx.Err(),
				}
			}
			return nil, fmt.Errorf("jq: %w", runErr)
		}
		outputs = append(outputs, v)
	}

	switch len(outputs) {
	case 0:
		return nil, nil
	case 1:
		return outputs[0], nil
	default:
		return outputs, nil
	}
}

// Validate compiles program without running it, so workflow validation can
// reject broken transforms before execution.
func (e *Executor) Validate(program string) error {
	if program == "" {
		return nil
	}
	parsed, err := gojq.Parse(program)
	if err != nil {
		return fmt.Errorf("invalid jq program: %w", err)
	}
	if _, err := gojq.Compile(parsed); err != nil {
		return fmt.Errorf("invalid jq program: %w", err)
	}
	return nil
}

// checkInputSize rejects inputs whose JSON encoding exceeds the cap. The
// encoding is also how gojq sees the data, so the measure matches.
func (e *Executor) checkInputSize(input any) error {
	encoded, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("jq input is not JSON-encodable: %w", err)
	}
	if int64(len(encoded)) > e.maxInputSize {
		return fmt.Errorf("jq input size %d exceeds the %d byte limit", len(encoded), e.maxInputSize)
	}
	return nil
}
