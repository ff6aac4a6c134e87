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

// Package config loads and validates the Flightplan configuration from a
// YAML file with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete Flightplan configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	LLM      LLMConfig      `yaml:"llm"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Governor GovernorConfig `yaml:"governor"`
	Run      RunConfig      `yaml:"run"`
	Store    StoreConfig    `yaml:"store"`

	// CataloguePath is the path to the action catalogue file (JSON).
	// Environment: FLIGHTPLAN_CATALOGUE
	CataloguePath string `yaml:"catalogue_path,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	// Environment: FLIGHTPLAN_LOG_LEVEL
	// Default: info
	Level string `yaml:"level,omitempty"`

	// Format sets the output format (json, text).
	// Environment: LOG_FORMAT
	// Default: json
	Format string `yaml:"format,omitempty"`

	// Source adds source file and line information to logs.
	Source bool `yaml:"source,omitempty"`
}

// LLMConfig configures the model provider shared by all model-backed
// components.
type LLMConfig struct {
	// Provider names the model provider. Only "openai" is supported.
	Provider string `yaml:"provider,omitempty"`

	// APIKey authenticates with the provider. Prefer the provider's own
	// environment variable (OPENAI_API_KEY) over storing keys in files.
	APIKey string `yaml:"api_key,omitempty"`

	// BaseURL overrides the provider endpoint (for compatible gateways).
	// Environment: FLIGHTPLAN_BASE_URL
	BaseURL string `yaml:"base_url,omitempty"`

	// Model is the default model for all components.
	// Environment: FLIGHTPLAN_MODEL
	Model string `yaml:"model,omitempty"`

	// RequestTimeout bounds each model request.
	// Default: 2m
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`

	// MaxRetries is the number of retries for transient provider errors.
	// Default: 3
	MaxRetries int `yaml:"max_retries,omitempty"`

	// RetryBackoffBase is the initial retry delay; backoff doubles from it.
	// Default: 1s
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base,omitempty"`

	// RateLimitRPS caps outgoing requests per second. Zero disables the
	// limiter.
	RateLimitRPS float64 `yaml:"rate_limit_rps,omitempty"`

	// RateLimitBurst is the limiter burst size when RateLimitRPS is set.
	// Default: 1
	RateLimitBurst int `yaml:"rate_limit_burst,omitempty"`
}

// PipelineConfig configures the synthesis pipeline.
type PipelineConfig struct {
	// DesignModel overrides LLM.Model for the Stage 1 designer.
	DesignModel string `yaml:"design_model,omitempty"`

	// RepairModel overrides LLM.Model for the repair pass.
	RepairModel string `yaml:"repair_model,omitempty"`

	// RepairAttempts bounds correction attempts per broken step.
	// Environment: FLIGHTPLAN_REPAIR_ATTEMPTS
	// Default: 3
	RepairAttempts int `yaml:"repair_attempts,omitempty"`

	// ConfidenceFloor is the minimum design confidence Gate 3 accepts
	// without warning.
	// Environment: FLIGHTPLAN_CONFIDENCE_FLOOR
	// Default: 0.5
	ConfidenceFloor float64 `yaml:"confidence_floor,omitempty"`
}

// GovernorConfig configures the tool-calling execution governor.
type GovernorConfig struct {
	// Model overrides LLM.Model for governor runs.
	Model string `yaml:"model,omitempty"`

	// MaxIterations caps model round trips per run.
	// Environment: FLIGHTPLAN_MAX_ITERATIONS
	// Default: 25
	MaxIterations int `yaml:"max_iterations,omitempty"`

	// IterationTokenLimit caps tokens consumed by a single iteration.
	// Environment: FLIGHTPLAN_ITERATION_TOKEN_LIMIT
	// Default: 20000
	IterationTokenLimit int `yaml:"iteration_token_limit,omitempty"`

	// TotalTokenLimit caps cumulative tokens across a run.
	// Environment: FLIGHTPLAN_TOTAL_TOKEN_LIMIT
	// Default: 50000
	TotalTokenLimit int `yaml:"total_token_limit,omitempty"`

	// LoopWindow is the number of consecutive identical tool calls that
	// trips loop detection.
	// Environment: FLIGHTPLAN_LOOP_WINDOW
	// Default: 3
	LoopWindow int `yaml:"loop_window,omitempty"`

	// ToolResultLimit is the character budget for a tool result before
	// truncation. Zero disables truncation.
	// Environment: FLIGHTPLAN_TOOL_RESULT_LIMIT
	// Default: 8000
	ToolResultLimit int `yaml:"tool_result_limit,omitempty"`
}

// RunConfig configures workflow execution.
type RunConfig struct {
	// StepTimeout bounds each action and model step.
	// Environment: FLIGHTPLAN_STEP_TIMEOUT
	// Default: 2m
	StepTimeout time.Duration `yaml:"step_timeout,omitempty"`
}

// StoreConfig configures run and artifact persistence.
type StoreConfig struct {
	// Path is the SQLite database file. Empty means the default data
	// directory.
	// Environment: FLIGHTPLAN_DB_PATH
	Path string `yaml:"path,omitempty"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// applyDefaults fills zero-valued fields with defaults.
func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.RequestTimeout == 0 {
		c.LLM.RequestTimeout = 2 * time.Minute
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = 3
	}
	if c.LLM.RetryBackoffBase == 0 {
		c.LLM.RetryBackoffBase = time.Second
	}
	if c.LLM.RateLimitBurst == 0 {
		c.LLM.RateLimitBurst = 1
	}

	if c.Pipeline.RepairAttempts == 0 {
		c.Pipeline.RepairAttempts = 3
	}
	if c.Pipeline.ConfidenceFloor == 0 {
		c.Pipeline.ConfidenceFloor = 0.5
	}

	if c.Governor.MaxIterations == 0 {
		c.Governor.MaxIterations = 25
	}
	if c.Governor.IterationTokenLimit == 0 {
		c.Governor.IterationTokenLimit = 20000
	}
	if c.Governor.TotalTokenLimit == 0 {
		c.Governor.TotalTokenLimit = 50000
	}
	if c.Governor.LoopWindow == 0 {
		c.Governor.LoopWindow = 3
	}
	if c.Governor.ToolResultLimit == 0 {
		c.Governor.ToolResultLimit = 8000
	}

	if c.Run.StepTimeout == 0 {
		c.Run.StepTimeout = 2 * time.Minute
	}

	if c.Store.Path == "" {
		c.Store.Path = defaultDBPath()
	}
}

// Load reads configuration with the following precedence (highest wins):
// environment variables, the config file, built-in defaults. A missing file
// is not an error; the empty path means the default config location.
func Load(configPath string) (*Config, error) {
	c := &Config{}

	if configPath == "" {
		path, err := ConfigPath()
		if err != nil {
			return nil, fmt.Errorf("config: resolve path: %w", err)
		}
		configPath = path
	}

	if err := c.loadFromFile(configPath); err != nil {
		return nil, err
	}
	c.loadFromEnv()
	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// loadFromFile merges the YAML file at path into c. Missing files are
// ignored so a fresh install runs on defaults.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// loadFromEnv applies environment variable overrides. Malformed values are
// ignored rather than fatal; validation catches anything that matters.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("FLIGHTPLAN_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}

	if val := os.Getenv("FLIGHTPLAN_MODEL"); val != "" {
		c.LLM.Model = val
	}
	if val := os.Getenv("FLIGHTPLAN_BASE_URL"); val != "" {
		c.LLM.BaseURL = val
	}
	if val := os.Getenv("FLIGHTPLAN_REQUEST_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.LLM.RequestTimeout = d
		}
	}

	if val := os.Getenv("FLIGHTPLAN_REPAIR_ATTEMPTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Pipeline.RepairAttempts = n
		}
	}
	if val := os.Getenv("FLIGHTPLAN_CONFIDENCE_FLOOR"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			c.Pipeline.ConfidenceFloor = f
		}
	}

	if val := os.Getenv("FLIGHTPLAN_MAX_ITERATIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Governor.MaxIterations = n
		}
	}
	if val := os.Getenv("FLIGHTPLAN_ITERATION_TOKEN_LIMIT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Governor.IterationTokenLimit = n
		}
	}
	if val := os.Getenv("FLIGHTPLAN_TOTAL_TOKEN_LIMIT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Governor.TotalTokenLimit = n
		}
	}
	if val := os.Getenv("FLIGHTPLAN_LOOP_WINDOW"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Governor.LoopWindow = n
		}
	}
	if val := os.Getenv("FLIGHTPLAN_TOOL_RESULT_LIMIT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Governor.ToolResultLimit = n
		}
	}

	if val := os.Getenv("FLIGHTPLAN_STEP_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Run.StepTimeout = d
		}
	}

	if val := os.Getenv("FLIGHTPLAN_DB_PATH"); val != "" {
		c.Store.Path = val
	}
	if val := os.Getenv("FLIGHTPLAN_CATALOGUE"); val != "" {
		c.CataloguePath = val
	}
}

// Validate checks configuration invariants. All violations are reported at
// once so the user fixes the file in one pass.
func (c *Config) Validate() error {
	var problems []string

	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("log.format: unknown format %q", c.Log.Format))
	}

	if c.LLM.Provider != "openai" {
		problems = append(problems, fmt.Sprintf("llm.provider: unsupported provider %q", c.LLM.Provider))
	}
	if c.LLM.MaxRetries < 0 {
		problems = append(problems, "llm.max_retries: must not be negative")
	}
	if c.LLM.RateLimitRPS < 0 {
		problems = append(problems, "llm.rate_limit_rps: must not be negative")
	}

	if c.Pipeline.RepairAttempts < 1 {
		problems = append(problems, "pipeline.repair_attempts: must be at least 1")
	}
	if c.Pipeline.ConfidenceFloor < 0 || c.Pipeline.ConfidenceFloor > 1 {
		problems = append(problems, "pipeline.confidence_floor: must be between 0 and 1")
	}

	if c.Governor.MaxIterations < 1 {
		problems = append(problems, "governor.max_iterations: must be at least 1")
	}
	if c.Governor.IterationTokenLimit < 1 {
		problems = append(problems, "governor.iteration_token_limit: must be at least 1")
	}
	if c.Governor.TotalTokenLimit < c.Governor.IterationTokenLimit {
		problems = append(problems, "governor.total_token_limit: must be at least the iteration limit")
	}
	if c.Governor.LoopWindow < 2 {
		problems = append(problems, "governor.loop_window: must be at least 2")
	}
	if c.Governor.ToolResultLimit < 0 {
		problems = append(problems, "governor.tool_result_limit: must not be negative")
	}

	if c.Run.StepTimeout <= 0 {
		problems = append(problems, "run.step_timeout: must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(problems, "\n  - "))
	}
	return nil
}
