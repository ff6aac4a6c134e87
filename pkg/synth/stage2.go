// Package synth implements the workflow synthesis pipeline: the Stage 1
// structure designer, the deterministic Stage 2 completer, the three
// validation gates, and the bounded self-healing repair loop.
package synth

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tombee/flightplan/pkg/workflow"
)

// inputRefPattern finds {{input.<name>}} occurrences in serialized steps.
// Discovery is textual on purpose; rewriting happens over the parsed tree.
var inputRefPattern = regexp.MustCompile(`\{\{input\.([a-z_][a-z0-9_]*)\}\}`)

// stepRefPattern matches a reference to a step output at the start of a
// template span, capturing the step id and the remainder of the path.
var stepRefPattern = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_-]*)((?:\.[^}]*)?)\}\}`)

// acronyms are preserved uppercase when synthesizing labels.
var acronyms = map[string]string{
	"id":   "ID",
	"url":  "URL",
	"api":  "API",
	"pdf":  "PDF",
	"html": "HTML",
	"csv":  "CSV",
	"json": "JSON",
	"xml":  "XML",
	"sql":  "SQL",
}

// Stage2Result reports what the completer did to the design.
type Stage2Result struct {
	// InputsAdded lists required-input names synthesized this pass.
	InputsAdded []string

	// FixesApplied lists human-readable descriptions of reference fixes.
	FixesApplied []string
}

// CompleteDesign runs the deterministic Stage 2 pass over a design: it
// discovers {{input.X}} references, synthesizes the required-input schema,
// and auto-fixes AI-step references that lack the data. prefix. The design
// is mutated in place; the caller owns the clone boundary.
//
// The pass is idempotent: running it twice yields zero new inputs and zero
// new fixes on the second run.
func CompleteDesign(d *workflow.Design) (*Stage2Result, error) {
	result := &Stage2Result{}

	fixes := fixAIReferences(d.Steps)
	result.FixesApplied = append(result.FixesApplied, fixes...)

	names, err := discoverInputNames(d.Steps)
	if err != nil {
		return nil, err
	}

	declared := make(map[string]bool, len(d.RequiredInputs))
	for _, input := range d.RequiredInputs {
		declared[input.Name] = true
	}
	for _, name := range names {
		if declared[name] {
			continue
		}
		d.RequiredInputs = append(d.RequiredInputs, workflow.RequiredInput{
			Name:      name,
			Type:      inferInputType(name),
			Label:     synthesizeLabel(name),
			Required:  true,
			Reasoning: fmt.Sprintf("referenced as {{input.%s}} in workflow steps", name),
		})
		declared[name] = true
		result.InputsAdded = append(result.InputsAdded, name)
	}

	return result, nil
}

// discoverInputNames returns the distinct {{input.X}} names referenced
// anywhere in the step tree, in first-appearance order.
func discoverInputNames(steps []workflow.Step) ([]string, error) {
	data, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize steps for input discovery: %w", err)
	}

	var names []string
	seen := make(map[string]bool)
	for _, match := range inputRefPattern.FindAllStringSubmatch(string(data), -1) {
		name := match[1]
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names, nil
}

// inferInputType maps naming conventions onto form-field types. Substring
// checks run in priority order so "email_count" infers number via "count"
// only when no email match fires first.
func inferInputType(name string) workflow.InputType {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "email"):
		return workflow.InputEmail
	case containsAny(lower, "count", "limit", "max", "min", "amount", "number", "quantity", "size"):
		return workflow.InputNumber
	case containsAny(lower, "url", "link"):
		return workflow.InputURL
	case containsAny(lower, "file", "attachment", "document"):
		return workflow.InputFile
	case containsAny(lower, "json", "config", "data", "payload"):
		// Free-form structured values collect through a textarea; there is
		// no dedicated json field type in the input enum.
		return workflow.InputTextarea
	default:
		return workflow.InputText
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// synthesizeLabel turns a snake_case name into a human label, preserving
// well-known acronyms: "spreadsheet_id" -> "Spreadsheet ID".
func synthesizeLabel(name string) string {
	words := strings.Split(name, "_")
	for i, word := range words {
		if word == "" {
			continue
		}
		if acronym, ok := acronyms[strings.ToLower(word)]; ok {
			words[i] = acronym
			continue
		}
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(strings.Fields(strings.Join(words, " ")), " ")
}

// fixAIReferences rewrites references to ai_processing/llm_decision steps
// that lack the data. prefix, e.g. {{step2.result}} -> {{step2.data.result}}
// and bare {{step2}} -> {{step2.data.result}}. The rewrite operates on the
// parsed tree so string literals that merely resemble references elsewhere
// in a document are never touched.
func fixAIReferences(steps []workflow.Step) []string {
	aiSteps := make(map[string]bool)
	workflow.WalkSteps(steps, func(s *workflow.Step) bool {
		if workflow.IsAIStep(s.Type) {
			aiSteps[s.ID] = true
		}
		return true
	})
	if len(aiSteps) == 0 {
		return nil
	}

	var fixes []string
	fixed := make(map[string]bool) // dedupe identical rewrites

	rewrite := func(template string) string {
		return stepRefPattern.ReplaceAllStringFunc(template, func(ref string) string {
			match := stepRefPattern.FindStringSubmatch(ref)
			stepID, path := match[1], match[2]
			if !aiSteps[stepID] {
				return ref
			}
			if path == "" || path == "." {
				replacement := fmt.Sprintf("{{%s.data.result}}", stepID)
				recordFix(&fixes, fixed, ref, replacement)
				return replacement
			}
			if strings.HasPrefix(path, ".data.") || path == ".data" {
				return ref
			}
			replacement := fmt.Sprintf("{{%s.data%s}}", stepID, path)
			recordFix(&fixes, fixed, ref, replacement)
			return replacement
		})
	}

	rewriteMap := func(m map[string]any) {
		for key, value := range m {
			if s, ok := value.(string); ok {
				m[key] = rewrite(s)
			}
		}
	}

	workflow.WalkSteps(steps, func(s *workflow.Step) bool {
		s.Prompt = rewrite(s.Prompt)
		s.Input = rewrite(s.Input)
		s.IterateOver = rewrite(s.IterateOver)
		s.SwitchOn = rewrite(s.SwitchOn)
		if s.Params != nil {
			rewriteMap(s.Params)
		}
		if s.Config != nil {
			rewriteMap(s.Config)
		}
		if s.Scatter != nil {
			s.Scatter.Input = rewrite(s.Scatter.Input)
			if s.Scatter.Gather.Expression != "" {
				s.Scatter.Gather.Expression = rewrite(s.Scatter.Gather.Expression)
			}
		}
		if s.Condition != nil {
			rewriteCondition(s.Condition, rewrite)
		}
		if s.ExecuteIf != nil {
			rewriteCondition(s.ExecuteIf, rewrite)
		}
		for key, value := range s.Inputs {
			s.Inputs[key] = rewrite(value)
		}
		return true
	})

	sort.Strings(fixes)
	return fixes
}

func rewriteCondition(c *workflow.Condition, rewrite func(string) string) {
	c.Field = rewrite(c.Field)
	if s, ok := c.Value.(string); ok {
		c.Value = rewrite(s)
	}
	for i := range c.Conditions {
		rewriteCondition(&c.Conditions[i], rewrite)
	}
	if c.Condition != nil {
		rewriteCondition(c.Condition, rewrite)
	}
}

func recordFix(fixes *[]string, fixed map[string]bool, from, to string) {
	key := from + "->" + to
	if fixed[key] {
		return
	}
	fixed[key] = true
	*fixes = append(*fixes, fmt.Sprintf("rewrote %s to %s (AI step outputs live under data)", from, to))
}
