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

// Package store persists synthesized artifacts and run history in a local
// SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tombee/flightplan/pkg/interp"
	"github.com/tombee/flightplan/pkg/workflow"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")
)

// ArtifactRecord is a persisted workflow artifact. The artifact payload is
// stored as its canonical JSON and re-validated on load, so a hand-edited
// row cannot smuggle in an invalid graph.
type ArtifactRecord struct {
	ID        string
	Name      string
	Request   string
	Artifact  *workflow.Artifact
	CreatedAt time.Time
}

// SynthesisRecord is the persisted outcome of one pipeline run.
type SynthesisRecord struct {
	RunID      string
	Request    string
	ArtifactID string
	Success    bool
	Fixes      []string
	Warnings   []string
	Error      string
	CreatedAt  time.Time
}

// RunRecord is the persisted outcome of one workflow execution.
type RunRecord struct {
	RunID      string
	ArtifactID string
	UserID     string
	Success    bool
	Output     map[string]any
	Steps      []interp.StepResult
	Error      string
	StartedAt  time.Time
	Duration   time.Duration
}

// GovernorRecord is the persisted outcome of one governed model session.
type GovernorRecord struct {
	RunID      string
	UserID     string
	State      string
	Response   string
	Iterations int
	TokensUsed int
	ToolCalls  int
	Error      string
	StartedAt  time.Time
	Duration   time.Duration
}

// Store wraps the SQLite database. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and runs
// migrations. WAL mode allows concurrent readers alongside one writer.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: database path is required")
	}

	connStr := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			request TEXT,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		`CREATE TABLE IF NOT EXISTS synthesis_runs (
			run_id TEXT PRIMARY KEY,
			request TEXT NOT NULL,
			artifact_id TEXT,
			success INTEGER NOT NULL,
			fixes_json TEXT,
			warnings_json TEXT,
			error TEXT,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		`CREATE TABLE IF NOT EXISTS workflow_runs (
			run_id TEXT PRIMARY KEY,
			artifact_id TEXT NOT NULL,
			user_id TEXT,
			success INTEGER NOT NULL,
			output_json TEXT,
			steps_json TEXT,
			error TEXT,
			started_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS governor_runs (
			run_id TEXT PRIMARY KEY,
			user_id TEXT,
			state TEXT NOT NULL,
			response TEXT,
			iterations INTEGER NOT NULL,
			tokens_used INTEGER NOT NULL,
			tool_calls INTEGER NOT NULL,
			error TEXT,
			started_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_artifact
			ON workflow_runs(artifact_id)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_started
			ON workflow_runs(started_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return err
		}
	}
	return nil
}

// SaveArtifact persists an artifact and returns its assigned ID.
func (s *Store) SaveArtifact(ctx context.Context, artifact *workflow.Artifact, request string) (string, error) {
	if artifact == nil {
		return "", fmt.Errorf("store: artifact cannot be nil")
	}

	payload, err := json.Marshal(artifact)
	if err != nil {
		return "", fmt.Errorf("store: marshal artifact: %w", err)
	}

	id := uuid.New().String()
	query := `INSERT INTO artifacts (id, name, request, payload, created_at)
	          VALUES (?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		id, artifact.AgentName, request, string(payload),
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("store: save artifact: %w", err)
	}
	return id, nil
}

// GetArtifact loads an artifact by ID. The payload goes through
// ParseArtifact so construction invariants are re-checked.
func (s *Store) GetArtifact(ctx context.Context, id string) (*ArtifactRecord, error) {
	query := `SELECT id, name, request, payload, created_at FROM artifacts WHERE id = ?`

	var rec ArtifactRecord
	var payload, createdAt string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID, &rec.Name, &rec.Request, &payload, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get artifact: %w", err)
	}

	rec.Artifact, err = workflow.ParseArtifact([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("store: artifact %s: %w", id, err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &rec, nil
}

// ListArtifacts returns artifact records newest first, without payloads
// parsed (Artifact is nil); use GetArtifact for the full record.
func (s *Store) ListArtifacts(ctx context.Context) ([]*ArtifactRecord, error) {
	query := `SELECT id, name, request, created_at FROM artifacts ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list artifacts: %w", err)
	}
	defer rows.Close()

	var records []*ArtifactRecord
	for rows.Next() {
		var rec ArtifactRecord
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Request, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan artifact: %w", err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate artifacts: %w", err)
	}
	return records, nil
}

// SaveSynthesis persists the outcome of one pipeline run.
func (s *Store) SaveSynthesis(ctx context.Context, rec *SynthesisRecord) error {
	if rec == nil || rec.RunID == "" {
		return fmt.Errorf("store: synthesis record requires a run ID")
	}

	fixes, err := json.Marshal(rec.Fixes)
	if err != nil {
		return fmt.Errorf("store: marshal fixes: %w", err)
	}
	warnings, err := json.Marshal(rec.Warnings)
	if err != nil {
		return fmt.Errorf("store: marshal warnings: %w", err)
	}

	query := `INSERT INTO synthesis_runs
	          (run_id, request, artifact_id, success, fixes_json, warnings_json, error, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		rec.RunID, rec.Request, rec.ArtifactID, boolToInt(rec.Success),
		string(fixes), string(warnings), rec.Error,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store: save synthesis run: %w", err)
	}
	return nil
}

// SaveRun persists the outcome of one workflow execution.
func (s *Store) SaveRun(ctx context.Context, rec *RunRecord) error {
	if rec == nil || rec.RunID == "" {
		return fmt.Errorf("store: run record requires a run ID")
	}

	output, err := json.Marshal(rec.Output)
	if err != nil {
		return fmt.Errorf("store: marshal output: %w", err)
	}
	steps, err := json.Marshal(rec.Steps)
	if err != nil {
		return fmt.Errorf("store: marshal steps: %w", err)
	}

	query := `INSERT INTO workflow_runs
	          (run_id, artifact_id, user_id, success, output_json, steps_json, error, started_at, duration_ms)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		rec.RunID, rec.ArtifactID, rec.UserID, boolToInt(rec.Success),
		string(output), string(steps), rec.Error,
		rec.StartedAt.UTC().Format(time.RFC3339), rec.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("store: save workflow run: %w", err)
	}
	return nil
}

// GetRun loads one workflow run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	query := `SELECT run_id, artifact_id, user_id, success, output_json, steps_json, error, started_at, duration_ms
	          FROM workflow_runs WHERE run_id = ?`

	rec, err := scanRun(s.db.QueryRowContext(ctx, query, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get run: %w", err)
	}
	return rec, nil
}

// ListRuns returns workflow runs for an artifact, newest first. An empty
// artifactID lists all runs.
func (s *Store) ListRuns(ctx context.Context, artifactID string) ([]*RunRecord, error) {
	query := `SELECT run_id, artifact_id, user_id, success, output_json, steps_json, error, started_at, duration_ms
	          FROM workflow_runs`
	args := []any{}
	if artifactID != "" {
		query += ` WHERE artifact_id = ?`
		args = append(args, artifactID)
	}
	query += ` ORDER BY started_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var records []*RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate runs: %w", err)
	}
	return records, nil
}

// SaveGovernorRun persists the outcome of one governed session.
func (s *Store) SaveGovernorRun(ctx context.Context, rec *GovernorRecord) error {
	if rec == nil || rec.RunID == "" {
		return fmt.Errorf("store: governor record requires a run ID")
	}

	query := `INSERT INTO governor_runs
	          (run_id, user_id, state, response, iterations, tokens_used, tool_calls, error, started_at, duration_ms)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		rec.RunID, rec.UserID, rec.State, rec.Response,
		rec.Iterations, rec.TokensUsed, rec.ToolCalls, rec.Error,
		rec.StartedAt.UTC().Format(time.RFC3339), rec.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("store: save governor run: %w", err)
	}
	return nil
}

// ListGovernorRuns returns governed sessions newest first.
func (s *Store) ListGovernorRuns(ctx context.Context) ([]*GovernorRecord, error) {
	query := `SELECT run_id, user_id, state, response, iterations, tokens_used, tool_calls, error, started_at, duration_ms
	          FROM governor_runs ORDER BY started_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list governor runs: %w", err)
	}
	defer rows.Close()

	var records []*GovernorRecord
	for rows.Next() {
		var rec GovernorRecord
		var startedAt string
		var durationMS int64
		if err := rows.Scan(
			&rec.RunID, &rec.UserID, &rec.State, &rec.Response,
			&rec.Iterations, &rec.TokensUsed, &rec.ToolCalls, &rec.Error,
			&startedAt, &durationMS,
		); err != nil {
			return nil, fmt.Errorf("store: scan governor run: %w", err)
		}
		rec.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate governor runs: %w", err)
	}
	return records, nil
}

// rowScanner covers both sql.Row and sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var rec RunRecord
	var success int
	var outputJSON, stepsJSON, startedAt string
	var durationMS int64

	if err := row.Scan(
		&rec.RunID, &rec.ArtifactID, &rec.UserID, &success,
		&outputJSON, &stepsJSON, &rec.Error, &startedAt, &durationMS,
	); err != nil {
		return nil, err
	}

	rec.Success = success != 0
	if outputJSON != "" {
		if err := json.Unmarshal([]byte(outputJSON), &rec.Output); err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	if stepsJSON != "" {
		if err := json.Unmarshal([]byte(stepsJSON), &rec.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	rec.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
