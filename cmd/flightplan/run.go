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

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/flightplan/internal/store"
	"github.com/tombee/flightplan/pkg/catalog"
	"github.com/tombee/flightplan/pkg/interp"
	"github.com/tombee/flightplan/pkg/llm"
	"github.com/tombee/flightplan/pkg/workflow"
)

// newRunCommand creates the run command.
func newRunCommand() *cobra.Command {
	var (
		cataloguePath string
		inputs        []string
		inputFile     string
		userID        string
		noSave        bool
	)

	cmd := &cobra.Command{
		Use:   "run <artifact>",
		Short: "Execute a workflow artifact",
		Long: `Run walks a validated artifact with the DAG interpreter. The argument
is an artifact JSON file or the ID of an artifact in the local store.

Actions execute against the stub executor: required parameters are
enforced and declared output fields come back with sample values, so a
workflow's control flow can be exercised without live integrations.
Model-backed steps (ai_processing, llm_decision) use the configured
provider.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			cat, err := a.loadCatalogue(cataloguePath)
			if err != nil {
				return err
			}
			runInputs, err := parseInputs(inputs, inputFile)
			if err != nil {
				return err
			}

			artifact, artifactID, err := resolveArtifact(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}

			// Model steps are optional in many workflows; a missing API key
			// only surfaces when such a step actually runs.
			var client llm.Client
			client, clientErr := a.newModelClient()
			if clientErr != nil {
				client = unavailableClient{err: clientErr}
			}

			it := interp.New(catalog.NewStubExecutor(cat), client,
				interp.WithModel(a.cfg.LLM.Model),
				interp.WithStepTimeout(a.cfg.Run.StepTimeout),
				interp.WithLogger(a.logger))

			started := time.Now()
			result, runErr := it.Run(cmd.Context(), artifact, userID, runInputs)

			if !noSave && result != nil {
				if err := recordRun(cmd.Context(), a, artifactID, userID, started, result); err != nil {
					fmt.Fprintf(os.Stderr, "warning: could not record run: %v\n", err)
				}
			}

			if result != nil {
				if err := printJSON(result); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringVarP(&cataloguePath, "catalogue", "c", "", "Action catalogue JSON file")
	cmd.Flags().StringSliceVarP(&inputs, "input", "i", nil, "Workflow input in key=value format")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "JSON file with inputs")
	cmd.Flags().StringVar(&userID, "user", "cli", "User ID actions execute on behalf of")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "Don't record the run in the local store")

	return cmd
}

// resolveArtifact loads the argument as a file first, then as a store ID.
func resolveArtifact(ctx context.Context, a *app, ref string) (*workflow.Artifact, string, error) {
	if data, err := os.ReadFile(ref); err == nil {
		artifact, err := workflow.ParseArtifact(data)
		return artifact, "", err
	}

	st, err := a.openStore()
	if err != nil {
		return nil, "", err
	}
	defer st.Close()

	rec, err := st.GetArtifact(ctx, ref)
	if err != nil {
		return nil, "", fmt.Errorf("artifact %q: not a readable file and %w", ref, err)
	}
	return rec.Artifact, rec.ID, nil
}

func recordRun(ctx context.Context, a *app, artifactID, userID string, started time.Time, result *interp.RunResult) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	return st.SaveRun(ctx, &store.RunRecord{
		RunID:      result.RunID,
		ArtifactID: artifactID,
		UserID:     userID,
		Success:    result.Success,
		Output:     result.Output,
		Steps:      result.Steps,
		Error:      result.Error,
		StartedAt:  started,
		Duration:   result.ExecutionTime,
	})
}

// unavailableClient defers a client construction failure until a model step
// actually needs one.
type unavailableClient struct {
	err error
}

func (u unavailableClient) Name() string { return "unavailable" }

func (u unavailableClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return nil, fmt.Errorf("model client unavailable: %w", u.err)
}
