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
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/flightplan/internal/config"
	"github.com/tombee/flightplan/internal/log"
	"github.com/tombee/flightplan/internal/store"
	"github.com/tombee/flightplan/pkg/catalog"
	"github.com/tombee/flightplan/pkg/llm"
	"github.com/tombee/flightplan/pkg/llm/providers/openai"
)

// app bundles the loaded configuration and logger shared by all commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

// loadApp resolves config (flag > env > file > defaults) and builds the
// logger. Called at the top of every RunE.
func loadApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger := log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		Output:    os.Stderr,
		AddSource: cfg.Log.Source,
	})
	return &app{cfg: cfg, logger: logger}, nil
}

// newModelClient builds the provider-backed model client with retry and
// optional rate limiting per configuration.
func (a *app) newModelClient() (llm.Client, error) {
	base, err := openai.New(openai.Config{
		APIKey:  a.cfg.LLM.APIKey,
		BaseURL: a.cfg.LLM.BaseURL,
		Model:   a.cfg.LLM.Model,
		Timeout: a.cfg.LLM.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}

	retry := llm.DefaultRetryConfig()
	retry.MaxRetries = a.cfg.LLM.MaxRetries
	retry.InitialDelay = a.cfg.LLM.RetryBackoffBase
	retry.MaxDelay = 10 * a.cfg.LLM.RetryBackoffBase

	var client llm.Client = llm.NewRetryableClient(base, retry)
	if a.cfg.LLM.RateLimitRPS > 0 {
		client = llm.NewRateLimitedClient(client, a.cfg.LLM.RateLimitRPS, a.cfg.LLM.RateLimitBurst)
	}
	return client, nil
}

// loadCatalogue reads and validates the action catalogue, preferring the
// command flag over the configured path.
func (a *app) loadCatalogue(flagPath string) (catalog.Catalogue, error) {
	path := flagPath
	if path == "" {
		path = a.cfg.CataloguePath
	}
	if path == "" {
		return nil, fmt.Errorf("no action catalogue: pass --catalogue or set catalogue_path in config")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalogue %s: %w", path, err)
	}
	cat, err := catalog.Parse(data)
	if err != nil {
		return nil, err
	}
	if err := cat.Validate(); err != nil {
		return nil, fmt.Errorf("catalogue %s: %w", path, err)
	}
	return cat, nil
}

// openStore opens the run/artifact database at the configured path.
func (a *app) openStore() (*store.Store, error) {
	return store.Open(a.cfg.Store.Path)
}

// parseInputs merges --input-file JSON (lowest precedence) with key=value
// pairs. Pair values that parse as JSON keep their type; everything else is
// a string.
func parseInputs(pairs []string, inputFile string) (map[string]any, error) {
	inputs := map[string]any{}

	if inputFile != "" {
		data, err := os.ReadFile(inputFile)
		if err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}
		if err := json.Unmarshal(data, &inputs); err != nil {
			return nil, fmt.Errorf("parse input file: %w", err)
		}
	}

	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q, expected key=value", pair)
		}
		var typed any
		if err := json.Unmarshal([]byte(value), &typed); err == nil {
			inputs[key] = typed
		} else {
			inputs[key] = value
		}
	}
	return inputs, nil
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
