package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/tombee/flightplan/pkg/llm"
	"github.com/tombee/flightplan/pkg/workflow"
)

// scriptedClient replays canned responses in order. Each call pops the next
// entry; running past the script is a test bug.
type scriptedClient struct {
	responses []string
	errs      []error
	calls     int
	requests  []llm.Request
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	i := c.calls
	c.calls++
	c.requests = append(c.requests, req)
	if i >= len(c.responses) {
		return nil, fmt.Errorf("scripted client exhausted after %d calls", len(c.responses))
	}
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	return &llm.Response{
		Content:      c.responses[i],
		FinishReason: llm.FinishReasonStop,
		Usage:        llm.TokenUsage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150},
	}, nil
}

func stepJSON(t *testing.T, s workflow.Step) string {
	t.Helper()
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal step: %v", err)
	}
	return string(data)
}

func TestExtractStepID(t *testing.T) {
	tests := []struct {
		msg    string
		wantID string
		wantOK bool
	}{
		{"Step step3: Missing required parameter 'spreadsheet_id'", "step3", true},
		{"Step step1: reference to undeclared step \"step9\"", "step1", true},
		{"Step fetch_emails: leftover placeholder token \"$QUERY\"", "fetch_emails", true},
		{"Step loop-body-2: loop reference outside a loop body", "loop-body-2", true},
		{"design contains leftover placeholder token \"$X\"", "", false},
		{"workflow design has no name", "", false},
		{"step3: missing prefix capital", "", false},
		{"Step : empty id", "", false},
	}
	for _, tt := range tests {
		id, ok := ExtractStepID(tt.msg)
		if ok != tt.wantOK || id != tt.wantID {
			t.Errorf("ExtractStepID(%q) = (%q, %v), want (%q, %v)", tt.msg, id, ok, tt.wantID, tt.wantOK)
		}
	}
}

func TestRepairSplicesCorrectedStep(t *testing.T) {
	design := validDesign()
	delete(design.Steps[2].Params, "subject")

	gate2 := Gate2(design, gateCatalogue())
	if gate2.Passed {
		t.Fatal("fixture should fail gate 2")
	}

	corrected := design.Steps[2].Clone()
	corrected.Params["subject"] = "Daily digest"
	client := &scriptedClient{responses: []string{stepJSON(t, corrected)}}

	repairer := NewRepairer(client)
	result, err := repairer.Repair(context.Background(), design, Gate2ErrorList(gate2), "send me a digest", gateCatalogue())
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}

	if result.SuccessCount != 1 || result.FailureCount != 0 {
		t.Errorf("counts = %d/%d, want 1/0", result.SuccessCount, result.FailureCount)
	}
	if len(result.RepairedSteps) != 1 || result.RepairedSteps[0] != "step3" {
		t.Errorf("RepairedSteps = %v", result.RepairedSteps)
	}
	if len(result.Residual) != 0 {
		t.Errorf("Residual = %v", result.Residual)
	}
	if design.Steps[2].Params["subject"] != "Daily digest" {
		t.Error("corrected step was not spliced into the design")
	}

	// The repaired design must survive the mandatory re-validation.
	rerun := Gate2(design, gateCatalogue())
	if !rerun.Passed {
		t.Errorf("gate 2 rerun failed: %v", rerun.Errors)
	}
}

func TestRepairRejectsIdentityChange(t *testing.T) {
	design := validDesign()
	delete(design.Steps[2].Params, "subject")
	gate2 := Gate2(design, gateCatalogue())

	renamed := design.Steps[2].Clone()
	renamed.ID = "step3_fixed"
	renamed.Params["subject"] = "Daily digest"

	// Every attempt returns the same renamed step, so the bound is exhausted.
	client := &scriptedClient{responses: []string{
		stepJSON(t, renamed), stepJSON(t, renamed), stepJSON(t, renamed),
	}}

	repairer := NewRepairer(client)
	result, err := repairer.Repair(context.Background(), design, Gate2ErrorList(gate2), "send me a digest", gateCatalogue())
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}

	if result.SuccessCount != 0 || result.FailureCount != 1 {
		t.Errorf("counts = %d/%d, want 0/1", result.SuccessCount, result.FailureCount)
	}
	if client.calls != DefaultRepairAttempts {
		t.Errorf("calls = %d, want %d", client.calls, DefaultRepairAttempts)
	}
	if design.Steps[2].ID != "step3" {
		t.Error("broken step was replaced despite identity change")
	}
	if len(result.Residual) == 0 {
		t.Error("failed repair left no residual errors")
	}
}

func TestRepairRetriesOnInvalidCandidate(t *testing.T) {
	design := validDesign()
	delete(design.Steps[2].Params, "subject")
	gate2 := Gate2(design, gateCatalogue())

	stillBroken := design.Steps[2].Clone()
	corrected := design.Steps[2].Clone()
	corrected.Params["subject"] = "Daily digest"

	client := &scriptedClient{responses: []string{
		stepJSON(t, stillBroken), stepJSON(t, corrected),
	}}

	repairer := NewRepairer(client)
	result, err := repairer.Repair(context.Background(), design, Gate2ErrorList(gate2), "send me a digest", gateCatalogue())
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}

	if result.SuccessCount != 1 {
		t.Fatalf("SuccessCount = %d, want 1", result.SuccessCount)
	}
	if client.calls != 2 {
		t.Errorf("calls = %d, want 2", client.calls)
	}
	// The second attempt's prompt must carry the first attempt's failure.
	second := client.requests[1].Messages[len(client.requests[1].Messages)-1].Content
	if !containsAll(second, "Your previous correction was still invalid") {
		t.Errorf("retry prompt missing feedback: %q", second)
	}
}

func TestRepairAttemptBoundConfigurable(t *testing.T) {
	design := validDesign()
	delete(design.Steps[2].Params, "subject")
	gate2 := Gate2(design, gateCatalogue())

	stillBroken := design.Steps[2].Clone()
	client := &scriptedClient{responses: []string{
		stepJSON(t, stillBroken), stepJSON(t, stillBroken),
		stepJSON(t, stillBroken), stepJSON(t, stillBroken),
		stepJSON(t, stillBroken),
	}}

	repairer := NewRepairer(client, WithRepairAttempts(5))
	if _, err := repairer.Repair(context.Background(), design, Gate2ErrorList(gate2), "digest", gateCatalogue()); err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if client.calls != 5 {
		t.Errorf("calls = %d, want 5", client.calls)
	}
}

func TestRepairUnattributableErrorsGoToResidual(t *testing.T) {
	design := validDesign()
	client := &scriptedClient{}
	repairer := NewRepairer(client)

	result, err := repairer.Repair(context.Background(), design,
		[]string{"design contains leftover placeholder token \"$X\""},
		"digest", gateCatalogue())
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if client.calls != 0 {
		t.Errorf("unattributable errors must not trigger model calls, got %d", client.calls)
	}
	if len(result.Residual) != 1 {
		t.Errorf("Residual = %v, want the unattributable error", result.Residual)
	}
}

func TestRepairPromptCarriesContext(t *testing.T) {
	design := validDesign()
	delete(design.Steps[2].Params, "subject")
	gate2 := Gate2(design, gateCatalogue())

	corrected := design.Steps[2].Clone()
	corrected.Params["subject"] = "Daily digest"
	client := &scriptedClient{responses: []string{stepJSON(t, corrected)}}

	repairer := NewRepairer(client)
	if _, err := repairer.Repair(context.Background(), design, Gate2ErrorList(gate2), "send me a digest", gateCatalogue()); err != nil {
		t.Fatalf("Repair: %v", err)
	}

	req := client.requests[0]
	if req.ResponseSchema == nil || req.ResponseSchema.Name != "corrected_step" {
		t.Error("repair call missing the corrected_step response schema")
	}
	prompt := req.Messages[len(req.Messages)-1].Content
	if !containsAll(prompt,
		"send me a digest",
		"Missing required parameter 'subject'",
		"do not modify",
		`"step2"`,
	) {
		t.Errorf("repair prompt missing context: %q", prompt)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
