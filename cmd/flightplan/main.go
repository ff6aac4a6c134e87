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
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	rootCmd := newRootCommand()

	rootCmd.AddCommand(newDesignCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newChatCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCommand creates the root Cobra command for Flightplan.
func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flightplan",
		Short: "Flightplan - workflow synthesis and governed execution",
		Long: `Flightplan turns natural-language requests into validated workflow
artifacts and executes them.

  design    synthesize a workflow artifact from a request
  validate  re-run the validation gates over an artifact file
  run       execute an artifact with the DAG interpreter
  chat      run a governed tool-calling session against the catalogue`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	cmd.PersistentFlags().String("config", "", "Path to config file (default: ~/.config/flightplan/config.yaml)")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")

	return cmd
}

// newVersionCommand creates the version command.
func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("flightplan %s (commit %s, built %s)\n", version, commit, buildDate)
		},
	}
}
