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
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tombee/flightplan/internal/store"
	"github.com/tombee/flightplan/pkg/catalog"
	"github.com/tombee/flightplan/pkg/governor"
)

// newChatCommand creates the chat command.
func newChatCommand() *cobra.Command {
	var (
		cataloguePath string
		systemPrompt  string
		userID        string
		noSave        bool
	)

	cmd := &cobra.Command{
		Use:   "chat <prompt>",
		Short: "Run a governed tool-calling session",
		Long: `Chat hands the prompt to the execution governor: the model reasons
over the catalogue's actions as tools, the governor dispatches calls
through the stub executor, and the loop ends at a terminal state
(completed, token limit, loop detected, or iteration cap).`,
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

			gov := governor.New(client, catalog.NewStubExecutor(cat), governor.Config{
				MaxIterations:       a.cfg.Governor.MaxIterations,
				IterationTokenLimit: a.cfg.Governor.IterationTokenLimit,
				TotalTokenLimit:     a.cfg.Governor.TotalTokenLimit,
				LoopWindow:          a.cfg.Governor.LoopWindow,
				ToolResultLimit:     a.cfg.Governor.ToolResultLimit,
				RequestTimeout:      a.cfg.LLM.RequestTimeout,
				Model:               a.cfg.Governor.Model,
			}).WithLogger(a.logger)

			started := time.Now()
			result, runErr := gov.Run(cmd.Context(), governor.Request{
				UserID:       userID,
				SystemPrompt: systemPrompt,
				Prompt:       args[0],
				Catalogue:    cat,
			})

			if !noSave && result != nil {
				if err := recordChat(cmd, a, userID, started, result); err != nil {
					fmt.Fprintf(os.Stderr, "warning: could not record run: %v\n", err)
				}
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut && result != nil {
				if err := printJSON(result); err != nil {
					return err
				}
				return runErr
			}

			if result != nil {
				for _, call := range result.ToolCalls {
					status := "ok"
					if !call.Success {
						status = "failed"
					}
					fmt.Fprintf(os.Stderr, "tool %s: %s (%s)\n", call.Signature(), status, call.Duration.Round(time.Millisecond))
				}
				if result.Response != "" {
					fmt.Println(result.Response)
				}
				fmt.Fprintf(os.Stderr, "state=%s iterations=%d tokens=%d\n",
					result.State, result.Iterations, result.TokensUsed.Total)
			}
			return runErr
		},
	}

	cmd.Flags().StringVarP(&cataloguePath, "catalogue", "c", "", "Action catalogue JSON file")
	cmd.Flags().StringVar(&systemPrompt, "system", "", "System prompt for the session")
	cmd.Flags().StringVar(&userID, "user", "cli", "User ID actions execute on behalf of")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "Don't record the session in the local store")

	return cmd
}

func recordChat(cmd *cobra.Command, a *app, userID string, started time.Time, result *governor.Result) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	return st.SaveGovernorRun(cmd.Context(), &store.GovernorRecord{
		RunID:      uuid.New().String(),
		UserID:     userID,
		State:      string(result.State),
		Response:   result.Response,
		Iterations: result.Iterations,
		TokensUsed: result.TokensUsed.Total,
		ToolCalls:  len(result.ToolCalls),
		Error:      result.Error,
		StartedAt:  started,
		Duration:   result.ExecutionTime,
	})
}
