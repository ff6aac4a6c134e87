package workflow

import (
	"encoding/json"
	"strings"
	"testing"
)

func sampleDesign() *Design {
	return &Design{
		Name:         "Email Digest",
		Description:  "Summarize unread email and send a digest",
		WorkflowType: "scheduled",
		Steps: []Step{
			{ID: "step1", Type: KindAction, Name: "Fetch", Plugin: "gmail", Action: "get", Params: map[string]any{"query": "is:unread"}, Next: "step2"},
			{ID: "step2", Type: KindAIProcessing, Name: "Summarize", Prompt: "Summarize {{step1.data.messages}}", Next: "step3"},
			{ID: "step3", Type: KindAction, Name: "Send", Plugin: "gmail", Action: "send", Params: map[string]any{"to": "{{input.recipient_email}}"}},
		},
		RequiredInputs: []RequiredInput{
			{Name: "recipient_email", Type: InputEmail, Label: "Recipient Email", Required: true},
		},
		SuggestedPlugins: []string{"gmail"},
		Confidence:       0.9,
	}
}

func TestArtifactFromDesignIsIsolated(t *testing.T) {
	design := sampleDesign()
	artifact := ArtifactFromDesign(design)

	design.Steps[0].Params["query"] = "is:starred"
	design.RequiredInputs[0].Name = "mutated"

	if artifact.WorkflowSteps[0].Params["query"] != "is:unread" {
		t.Error("artifact shares step params with the design")
	}
	if artifact.RequiredInputs[0].Name != "recipient_email" {
		t.Error("artifact shares required inputs with the design")
	}
	if artifact.AgentName != "Email Digest" {
		t.Errorf("AgentName = %q", artifact.AgentName)
	}
}

func TestParseArtifactRoundTrip(t *testing.T) {
	artifact := ArtifactFromDesign(sampleDesign())
	data, err := json.Marshal(artifact)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	parsed, err := ParseArtifact(data)
	if err != nil {
		t.Fatalf("ParseArtifact: %v", err)
	}
	if len(parsed.WorkflowSteps) != 3 {
		t.Errorf("got %d steps, want 3", len(parsed.WorkflowSteps))
	}
	if parsed.WorkflowSteps[1].Prompt == "" {
		t.Error("prompt lost in round trip")
	}
}

func TestParseArtifactRejectsInvalidGraphs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Artifact)
	}{
		{
			name:   "dangling edge",
			mutate: func(a *Artifact) { a.WorkflowSteps[2].Next = "step9" },
		},
		{
			name:   "cycle",
			mutate: func(a *Artifact) { a.WorkflowSteps[2].Next = "step1" },
		},
		{
			name:   "invalid step",
			mutate: func(a *Artifact) { a.WorkflowSteps[1].Prompt = "" },
		},
		{
			name: "duplicate input",
			mutate: func(a *Artifact) {
				a.RequiredInputs = append(a.RequiredInputs, a.RequiredInputs[0])
			},
		},
		{
			name: "branch target with executeIf",
			mutate: func(a *Artifact) {
				cond := &Condition{Type: ConditionSimple, Field: "{{step1.data.count}}", Operator: ">", Value: float64(0)}
				a.WorkflowSteps[0].Next = ""
				a.WorkflowSteps[0].Type = KindConditional
				a.WorkflowSteps[0].Condition = cond
				a.WorkflowSteps[0].TrueBranch = "step2"
				a.WorkflowSteps[1].ExecuteIf = cond
				a.WorkflowSteps[1].Next = ""
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			artifact := ArtifactFromDesign(sampleDesign())
			tt.mutate(artifact)
			data, err := json.Marshal(artifact)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if _, err := ParseArtifact(data); err == nil {
				t.Error("expected ParseArtifact to reject the mutated artifact")
			}
		})
	}
}

func TestParseArtifactMalformedJSON(t *testing.T) {
	_, err := ParseArtifact([]byte(`{"agent_name": `))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "failed to parse") {
		t.Errorf("error %q lacks parse context", err.Error())
	}
}

func TestGateResult(t *testing.T) {
	result := NewGateResult("gate1")
	if !result.Passed {
		t.Error("new gate result should pass")
	}

	result.AddWarning("step %s has no terminal successor", "step3")
	if !result.Passed {
		t.Error("warnings must not fail the gate")
	}

	result.AddError("Step %s: edge references nonexistent step %q", "step2", "step9")
	if result.Passed {
		t.Error("errors must fail the gate")
	}
	if len(result.Errors) != 1 || len(result.Warnings) != 1 {
		t.Errorf("errors=%d warnings=%d", len(result.Errors), len(result.Warnings))
	}
}

func TestValidateRequiredInputs(t *testing.T) {
	inputs := []RequiredInput{
		{Name: "recipient_email", Type: InputEmail, Label: "Recipient Email", Required: true},
		{Name: "report_url", Type: InputURL, Label: "Report URL", Required: true},
	}
	if err := ValidateRequiredInputs(inputs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := append(inputs, RequiredInput{Name: "Recipient-Email", Type: InputEmail, Label: "x"})
	if err := ValidateRequiredInputs(bad); err == nil {
		t.Error("expected error for non-snake_case name")
	}

	dup := append(inputs, inputs[0])
	if err := ValidateRequiredInputs(dup); err == nil {
		t.Error("expected error for duplicate name")
	}
}
