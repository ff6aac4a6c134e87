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

package jq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flighterrors "github.com/tombee/flightplan/pkg/errors"
)

func TestExecute(t *testing.T) {
	tests := []struct {
		name    string
		program string
		input   any
		want    any
		wantErr bool
	}{
		{
			name:    "empty program is the identity",
			program: "",
			input:   map[string]any{"foo": "bar"},
			want:    map[string]any{"foo": "bar"},
		},
		{
			name:    "field extraction",
			program: ".foo",
			input:   map[string]any{"foo": "bar"},
			want:    "bar",
		},
		{
			name:    "array map",
			program: "map(.x)",
			input:   []any{map[string]any{"x": 1.0}, map[string]any{"x": 2.0}},
			want:    []any{1.0, 2.0},
		},
		{
			name:    "multiple outputs come back as a slice",
			program: ".[] | .x",
			input:   []any{map[string]any{"x": 1.0}, map[string]any{"x": 2.0}},
			want:    []any{1.0, 2.0},
		},
		{
			name:    "no output is nil",
			program: "empty",
			input:   map[string]any{"foo": "bar"},
			want:    nil,
		},
		{
			name:    "parse error",
			program: ".[",
			input:   map[string]any{"foo": "bar"},
			wantErr: true,
		},
		{
			name:    "runtime error",
			program: ".foo + 1",
			input:   map[string]any{"foo": "bar"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewExecutor(0, 0)
			got, err := e.Execute(context.Background(), tt.program, tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidate(t *testing.T) {
	e := NewExecutor(0, 0)

	assert.NoError(t, e.Validate(""))
	assert.NoError(t, e.Validate("[.[] | .subject]"))
	assert.Error(t, e.Validate(".["))
}

func TestExecuteTimeout(t *testing.T) {
	e := NewExecutor(50*time.Millisecond, 0)

	_, err := e.Execute(context.Background(), "while(true; . + 1)", 0)
	require.Error(t, err)

	var timeoutErr *flighterrors.TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}

func TestExecuteInputSizeCap(t *testing.T) {
	e := NewExecutor(0, 64)

	small := map[string]any{"x": 1.0}
	_, err := e.Execute(context.Background(), ".x", small)
	require.NoError(t, err)

	big := map[string]any{"x": string(make([]byte, 256))}
	_, err = e.Execute(context.Background(), ".x", big)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}
