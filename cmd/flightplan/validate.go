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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/flightplan/pkg/synth"
	"github.com/tombee/flightplan/pkg/workflow"
)

// newValidateCommand creates the validate command.
func newValidateCommand() *cobra.Command {
	var cataloguePath string

	cmd := &cobra.Command{
		Use:   "validate <artifact.json>",
		Short: "Re-run the validation gates over an artifact file",
		Long: `Validate parses an artifact file, re-checking its construction
invariants (step shapes, edge targets, acyclicity, branch exclusivity).
When a catalogue is supplied, Gates 1-3 re-run in full so plugin and
parameter references are verified against it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read artifact: %w", err)
			}
			artifact, err := workflow.ParseArtifact(data)
			if err != nil {
				return err
			}

			jsonOut, _ := cmd.Flags().GetBool("json")

			// Without a catalogue only the structural invariants that
			// ParseArtifact enforces can be checked.
			if cataloguePath == "" && a.cfg.CataloguePath == "" {
				if !jsonOut {
					fmt.Printf("%s: structure ok (%d steps, %d inputs); no catalogue given, gates skipped\n",
						args[0], len(artifact.WorkflowSteps), len(artifact.RequiredInputs))
				}
				return nil
			}

			cat, err := a.loadCatalogue(cataloguePath)
			if err != nil {
				return err
			}

			design := designFromArtifact(artifact)
			gates := []*workflow.GateResult{
				synth.Gate1(design, cat),
				synth.Gate2(design, cat),
				synth.Gate3(design, synth.Gate3Config{ConfidenceFloor: a.cfg.Pipeline.ConfidenceFloor}),
			}

			if jsonOut {
				if err := printJSON(gates); err != nil {
					return err
				}
			} else {
				printGateReport(gates)
			}

			for _, gate := range gates {
				if !gate.Passed {
					return fmt.Errorf("%s failed with %d error(s)", gate.Gate, len(gate.Errors))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&cataloguePath, "catalogue", "c", "", "Action catalogue JSON file")

	return cmd
}

// designFromArtifact reopens an artifact as a design so the gates can run
// over it. The artifact itself stays immutable.
func designFromArtifact(a *workflow.Artifact) *workflow.Design {
	return &workflow.Design{
		Name:             a.AgentName,
		Description:      a.Description,
		WorkflowType:     a.WorkflowType,
		Steps:            workflow.CloneSteps(a.WorkflowSteps),
		RequiredInputs:   append([]workflow.RequiredInput(nil), a.RequiredInputs...),
		SuggestedPlugins: append([]string(nil), a.SuggestedPlugins...),
		SuggestedOutputs: append([]string(nil), a.SuggestedOutputs...),
		Confidence:       a.Confidence,
		Reasoning:        a.Reasoning,
	}
}

func printGateReport(gates []*workflow.GateResult) {
	for _, gate := range gates {
		status := "passed"
		if !gate.Passed {
			status = "FAILED"
		}
		fmt.Printf("%s: %s\n", gate.Gate, status)
		for _, e := range gate.Errors {
			fmt.Printf("  error: %s\n", e)
		}
		for _, w := range gate.Warnings {
			fmt.Printf("  warning: %s\n", w)
		}
	}
}
