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
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/flightplan/internal/store"
	"github.com/tombee/flightplan/pkg/synth"
)

// newDesignCommand creates the design command.
func newDesignCommand() *cobra.Command {
	var (
		cataloguePath string
		outputFile    string
		noSave        bool
	)

	cmd := &cobra.Command{
		Use:   "design <request>",
		Short: "Synthesize a workflow artifact from a natural-language request",
		Long: `Design runs the synthesis pipeline: a model call proposes the step
graph, deterministic completion fills the input schema, and three
validation gates check structure, parameters, and semantics. Gate 2
failures get one bounded repair pass before the run fails.

The validated artifact is written as JSON and recorded in the local
store unless --no-save is given.`,
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
			client, err := a.newModelClient()
			if err != nil {
				return err
			}

			designModel := a.cfg.Pipeline.DesignModel
			if designModel == "" {
				designModel = a.cfg.LLM.Model
			}
			repairModel := a.cfg.Pipeline.RepairModel
			if repairModel == "" {
				repairModel = a.cfg.LLM.Model
			}

			designer := synth.NewDesigner(client,
				synth.WithDesignModel(designModel),
				synth.WithDesignTimeout(a.cfg.LLM.RequestTimeout),
				synth.WithDesignLogger(a.logger))
			repairer := synth.NewRepairer(client,
				synth.WithRepairModel(repairModel),
				synth.WithRepairAttempts(a.cfg.Pipeline.RepairAttempts),
				synth.WithRepairTimeout(a.cfg.LLM.RequestTimeout),
				synth.WithRepairLogger(a.logger))
			pipeline := synth.NewPipeline(designer, repairer,
				synth.WithGate3Config(synth.Gate3Config{ConfidenceFloor: a.cfg.Pipeline.ConfidenceFloor}),
				synth.WithPipelineLogger(a.logger))

			result, runErr := pipeline.Run(cmd.Context(), args[0], cat)

			for _, warning := range result.Warnings() {
				fmt.Fprintf(os.Stderr, "warning: %s\n", warning)
			}
			for _, fix := range result.FixesApplied {
				fmt.Fprintf(os.Stderr, "fixed: %s\n", fix)
			}

			if !noSave {
				if err := recordSynthesis(cmd, a, args[0], result, runErr); err != nil {
					fmt.Fprintf(os.Stderr, "warning: could not record run: %v\n", err)
				}
			}

			if runErr != nil {
				return runErr
			}

			payload, err := json.MarshalIndent(result.Artifact, "", "  ")
			if err != nil {
				return err
			}
			if outputFile != "" {
				if err := os.WriteFile(outputFile, payload, 0644); err != nil {
					return fmt.Errorf("write artifact: %w", err)
				}
				fmt.Fprintf(os.Stderr, "artifact written to %s\n", outputFile)
				return nil
			}
			fmt.Println(string(payload))
			return nil
		},
	}

	cmd.Flags().StringVarP(&cataloguePath, "catalogue", "c", "", "Action catalogue JSON file")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write the artifact to a file instead of stdout")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "Don't record the run or artifact in the local store")

	return cmd
}

// recordSynthesis persists the pipeline outcome and, when one was produced,
// the artifact itself.
func recordSynthesis(cmd *cobra.Command, a *app, request string, result *synth.PipelineResult, runErr error) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	rec := &store.SynthesisRecord{
		RunID:    result.RunID,
		Request:  request,
		Success:  runErr == nil,
		Fixes:    result.FixesApplied,
		Warnings: result.Warnings(),
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if result.Artifact != nil {
		artifactID, err := st.SaveArtifact(cmd.Context(), result.Artifact, request)
		if err != nil {
			return err
		}
		rec.ArtifactID = artifactID
		fmt.Fprintf(os.Stderr, "artifact saved: %s\n", artifactID)
	}
	return st.SaveSynthesis(cmd.Context(), rec)
}
