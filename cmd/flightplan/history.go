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
	"time"

	"github.com/spf13/cobra"
)

// newHistoryCommand creates the history command and its subcommands.
func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded artifacts and runs",
	}
	cmd.AddCommand(newHistoryArtifactsCommand())
	cmd.AddCommand(newHistoryRunsCommand())
	cmd.AddCommand(newHistoryChatsCommand())
	return cmd
}

func newHistoryArtifactsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "artifacts",
		Short: "List saved workflow artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			records, err := st.ListArtifacts(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				return printJSON(records)
			}
			for _, rec := range records {
				fmt.Printf("%s  %-30s  %s  %q\n",
					rec.ID, rec.Name, rec.CreatedAt.Format(time.RFC3339), rec.Request)
			}
			return nil
		},
	}
}

func newHistoryRunsCommand() *cobra.Command {
	var artifactID string

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List workflow runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			records, err := st.ListRuns(cmd.Context(), artifactID)
			if err != nil {
				return err
			}
			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				return printJSON(records)
			}
			for _, rec := range records {
				status := "ok"
				if !rec.Success {
					status = "failed"
				}
				fmt.Printf("%s  %-6s  %d steps  %s  %s\n",
					rec.RunID, status, len(rec.Steps),
					rec.Duration.Round(time.Millisecond), rec.StartedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&artifactID, "artifact", "", "Only runs of this artifact")
	return cmd
}

func newHistoryChatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List governed sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			records, err := st.ListGovernorRuns(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				return printJSON(records)
			}
			for _, rec := range records {
				fmt.Printf("%s  %-22s  %d iterations  %d tokens  %s\n",
					rec.RunID, rec.State, rec.Iterations, rec.TokensUsed,
					rec.StartedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}
