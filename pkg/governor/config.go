package governor

import "time"

// Config configures governor execution limits and behavior.
type Config struct {
	// MaxIterations limits the number of conversation loop iterations.
	// Default: 25
	MaxIterations int

	// IterationTokenLimit caps token usage for a single iteration. An
	// iteration that exceeds it halts the run, even the first one.
	// Default: 20000
	IterationTokenLimit int

	// TotalTokenLimit caps cumulative token usage across the whole run.
	// Default: 50000
	TotalTokenLimit int

	// LoopWindow is the sliding-window size for repeated-signature
	// detection. A run halts when the last LoopWindow tool calls all
	// carry the same plugin.action signature.
	// Default: 3
	LoopWindow int

	// ToolResultLimit is the character budget for a single tool result fed
	// back into the conversation. Oversized results are truncated with a
	// note recording the original size.
	// Default: 8000
	ToolResultLimit int

	// RequestTimeout bounds each model call.
	// Default: 2m
	RequestTimeout time.Duration

	// Model specifies the model ID to use.
	Model string
}

// DefaultConfig returns the default governor configuration.
func DefaultConfig() Config {
	return Config{
		MaxIterations:       25,
		IterationTokenLimit: 20000,
		TotalTokenLimit:     50000,
		LoopWindow:          3,
		ToolResultLimit:     8000,
		RequestTimeout:      2 * time.Minute,
	}
}

// WithDefaults fills in missing config values with defaults.
func (c Config) WithDefaults() Config {
	result := c
	if result.MaxIterations == 0 {
		result.MaxIterations = 25
	}
	if result.IterationTokenLimit == 0 {
		result.IterationTokenLimit = 20000
	}
	if result.TotalTokenLimit == 0 {
		result.TotalTokenLimit = 50000
	}
	if result.LoopWindow == 0 {
		result.LoopWindow = 3
	}
	if result.ToolResultLimit == 0 {
		result.ToolResultLimit = 8000
	}
	if result.RequestTimeout == 0 {
		result.RequestTimeout = 2 * time.Minute
	}
	return result
}
