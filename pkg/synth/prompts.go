package synth

import (
	_ "embed"
)

// Prompt text is versioned configuration, not logic: the pipeline's contract
// with the reasoning model is the structured output schema it demands, never
// the prose. Embedding keeps the assets alongside the stages that send them.

//go:embed prompts/design_system.txt
var designSystemPrompt string

//go:embed prompts/repair_system.txt
var repairSystemPrompt string

// DesignSystemPrompt returns the Stage 1 system prompt.
func DesignSystemPrompt() string {
	return designSystemPrompt
}

// RepairSystemPrompt returns the repair-loop system prompt.
func RepairSystemPrompt() string {
	return repairSystemPrompt
}
