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

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flightplan/pkg/interp"
	"github.com/tombee/flightplan/pkg/workflow"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testArtifact() *workflow.Artifact {
	return &workflow.Artifact{
		AgentName:   "Email Digest",
		Description: "Summarize unread email",
		WorkflowSteps: []workflow.Step{
			{
				ID: "step1", Type: workflow.KindAction, Name: "Fetch",
				Plugin: "google-mail", Action: "search_emails",
				Params: map[string]any{"query": "is:unread"},
			},
		},
		RequiredInputs: []workflow.RequiredInput{
			{Name: "recipient_email", Type: workflow.InputText, Required: true},
		},
		Confidence: 0.9,
	}
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("")
	require.Error(t, err)
}

func TestArtifactRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.SaveArtifact(ctx, testArtifact(), "summarize my unread email")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := s.GetArtifact(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Email Digest", rec.Name)
	assert.Equal(t, "summarize my unread email", rec.Request)
	require.NotNil(t, rec.Artifact)
	assert.Len(t, rec.Artifact.WorkflowSteps, 1)
	assert.Equal(t, "google-mail", rec.Artifact.WorkflowSteps[0].Plugin)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestGetArtifactNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetArtifact(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListArtifacts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.SaveArtifact(ctx, testArtifact(), "first")
	require.NoError(t, err)
	_, err = s.SaveArtifact(ctx, testArtifact(), "second")
	require.NoError(t, err)

	records, err := s.ListArtifacts(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	// List rows carry metadata only.
	assert.Nil(t, records[0].Artifact)
}

func TestSynthesisRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.SaveSynthesis(ctx, &SynthesisRecord{
		RunID:      "synth-1",
		Request:    "summarize my email",
		ArtifactID: "artifact-1",
		Success:    true,
		Fixes:      []string{"added required input recipient_email"},
		Warnings:   []string{"confidence 0.45 is below the 0.50 floor"},
	})
	require.NoError(t, err)

	// Duplicate run IDs are rejected by the primary key.
	err = s.SaveSynthesis(ctx, &SynthesisRecord{RunID: "synth-1", Request: "again"})
	require.Error(t, err)
}

func TestRunRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	started := time.Now().Add(-time.Minute)

	err := s.SaveRun(ctx, &RunRecord{
		RunID:      "run-1",
		ArtifactID: "artifact-1",
		UserID:     "user-1",
		Success:    true,
		Output:     map[string]any{"summary": "3 unread emails"},
		Steps: []interp.StepResult{
			{StepID: "step1", Status: interp.StatusSuccess, Duration: 120 * time.Millisecond},
		},
		StartedAt: started,
		Duration:  1500 * time.Millisecond,
	})
	require.NoError(t, err)

	rec, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, rec.Success)
	assert.Equal(t, "3 unread emails", rec.Output["summary"])
	require.Len(t, rec.Steps, 1)
	assert.Equal(t, interp.StatusSuccess, rec.Steps[0].Status)
	assert.Equal(t, 1500*time.Millisecond, rec.Duration)
}

func TestListRunsFiltersByArtifact(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i, artifactID := range []string{"a1", "a1", "a2"} {
		err := s.SaveRun(ctx, &RunRecord{
			RunID:      "run-" + string(rune('a'+i)),
			ArtifactID: artifactID,
			Success:    true,
			StartedAt:  now.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	runs, err := s.ListRuns(ctx, "a1")
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	all, err := s.ListRuns(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestGovernorRunRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.SaveGovernorRun(ctx, &GovernorRecord{
		RunID:      "gov-1",
		UserID:     "user-1",
		State:      "completed",
		Response:   "You have 3 unread emails.",
		Iterations: 2,
		TokensUsed: 431,
		ToolCalls:  1,
		StartedAt:  time.Now(),
		Duration:   900 * time.Millisecond,
	})
	require.NoError(t, err)

	records, err := s.ListGovernorRuns(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "completed", records[0].State)
	assert.Equal(t, 431, records[0].TokensUsed)
	assert.Equal(t, 2, records[0].Iterations)
}
