package interp

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/tombee/flightplan/pkg/catalog"
	"github.com/tombee/flightplan/pkg/llm"
	"github.com/tombee/flightplan/pkg/workflow"
)

// echoModel answers every prompt with a fixed completion.
type echoModel struct {
	reply string
	calls int
}

func (m *echoModel) Name() string { return "echo" }

func (m *echoModel) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.calls++
	reply := m.reply
	if reply == "" {
		reply = "echo: " + req.Messages[len(req.Messages)-1].Content
	}
	return &llm.Response{Content: reply, FinishReason: llm.FinishReasonStop}, nil
}

func recordingExecutor(calls *[]string) catalog.Executor {
	return catalog.ExecutorFunc(func(_ context.Context, _, plugin, action string, params map[string]any) (*catalog.Result, error) {
		*calls = append(*calls, plugin+"."+action)
		return &catalog.Result{
			Success: true,
			Data:    map[string]any{"echo": params, "count": float64(3)},
		}, nil
	})
}

func artifact(steps ...workflow.Step) *workflow.Artifact {
	return &workflow.Artifact{
		AgentName:     "Test Flow",
		WorkflowSteps: steps,
	}
}

func TestRunLinearWorkflow(t *testing.T) {
	var calls []string
	it := New(recordingExecutor(&calls), &echoModel{reply: "Three unread messages."})

	art := artifact(
		workflow.Step{
			ID: "step1", Type: workflow.KindAction, Name: "Fetch",
			Plugin: "google-mail", Action: "search_emails",
			Params: map[string]any{"query": "from:{{input.sender}}"},
			Next:   "step2",
		},
		workflow.Step{
			ID: "step2", Type: workflow.KindAIProcessing, Name: "Summarize",
			Prompt: "Summarize {{step1.data.echo.query}}",
		},
	)

	result, err := it.Run(context.Background(), art, "user-1", map[string]any{"sender": "amy@example.com"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success || len(result.Steps) != 2 {
		t.Fatalf("result = %+v", result)
	}
	if calls[0] != "google-mail.search_emails" {
		t.Errorf("calls = %v", calls)
	}
	if result.Output["result"] != "Three unread messages." {
		t.Errorf("output = %v", result.Output)
	}
	// AI output is addressable under every alias field.
	for _, alias := range []string{"result", "response", "output", "summary", "analysis"} {
		if result.Output[alias] != "Three unread messages." {
			t.Errorf("alias %s = %v", alias, result.Output[alias])
		}
	}
}

func TestRunResolvesTypedParameters(t *testing.T) {
	var got map[string]any
	exec := catalog.ExecutorFunc(func(_ context.Context, _, _, _ string, params map[string]any) (*catalog.Result, error) {
		got = params
		return &catalog.Result{Success: true, Data: map[string]any{}}, nil
	})
	it := New(exec, &echoModel{})

	art := artifact(workflow.Step{
		ID: "step1", Type: workflow.KindAction, Name: "Send",
		Plugin: "slack", Action: "post_message",
		Params: map[string]any{
			"max_results": "{{input.limit}}",
			"greeting":    "Hello {{input.name}}",
			"nested":      map[string]any{"to": "{{input.name}}"},
		},
	})

	inputs := map[string]any{"limit": float64(5), "name": "Amy"}
	if _, err := it.Run(context.Background(), art, "user-1", inputs); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// A whole-span reference keeps its type; interpolation stringifies.
	if got["max_results"] != float64(5) {
		t.Errorf("max_results = %v (%T)", got["max_results"], got["max_results"])
	}
	if got["greeting"] != "Hello Amy" {
		t.Errorf("greeting = %v", got["greeting"])
	}
	if nested := got["nested"].(map[string]any); nested["to"] != "Amy" {
		t.Errorf("nested = %v", nested)
	}
}

func TestRunMissingRequiredInput(t *testing.T) {
	it := New(recordingExecutor(&[]string{}), &echoModel{})
	art := artifact(workflow.Step{
		ID: "step1", Type: workflow.KindAction, Name: "Fetch",
		Plugin: "google-mail", Action: "search_emails",
		Params: map[string]any{"query": "{{input.query}}"},
	})
	art.RequiredInputs = []workflow.RequiredInput{
		{Name: "query", Type: workflow.InputText, Label: "Query", Required: true},
	}

	result, err := it.Run(context.Background(), art, "user-1", nil)
	if err == nil {
		t.Fatal("Run succeeded without required inputs")
	}
	if !strings.Contains(err.Error(), "query") {
		t.Errorf("error = %v", err)
	}
	if len(result.Steps) != 0 {
		t.Error("steps ran despite missing inputs")
	}
}

func TestRunConditionalBranching(t *testing.T) {
	var calls []string
	it := New(recordingExecutor(&calls), &echoModel{})

	art := artifact(
		workflow.Step{
			ID: "step1", Type: workflow.KindAction, Name: "Fetch",
			Plugin: "google-mail", Action: "search_emails",
			Params: map[string]any{},
			Next:   "step2",
		},
		workflow.Step{
			ID: "step2", Type: workflow.KindConditional, Name: "Any results?",
			Condition: &workflow.Condition{
				Type:     workflow.ConditionSimple,
				Field:    "{{step1.data.count}}",
				Operator: ">",
				Value:    float64(0),
			},
			TrueBranch:  "step3",
			FalseBranch: "step4",
		},
		workflow.Step{
			ID: "step3", Type: workflow.KindAction, Name: "Notify",
			Plugin: "slack", Action: "post_message", Params: map[string]any{},
		},
		workflow.Step{
			ID: "step4", Type: workflow.KindAction, Name: "Nothing",
			Plugin: "slack", Action: "post_nothing", Params: map[string]any{},
		},
	)

	result, err := it.Run(context.Background(), art, "user-1", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	// count=3 so the true branch runs; step4 is never reached.
	want := []string{"google-mail.search_emails", "slack.post_message"}
	if len(calls) != 2 || calls[0] != want[0] || calls[1] != want[1] {
		t.Errorf("calls = %v, want %v", calls, want)
	}
}

func TestRunExecuteIfSkips(t *testing.T) {
	var calls []string
	it := New(recordingExecutor(&calls), &echoModel{})

	art := artifact(
		workflow.Step{
			ID: "step1", Type: workflow.KindAction, Name: "Fetch",
			Plugin: "google-mail", Action: "search_emails",
			Params: map[string]any{},
			Next:   "step2",
		},
		workflow.Step{
			ID: "step2", Type: workflow.KindAction, Name: "Escalate",
			Plugin: "slack", Action: "page_oncall", Params: map[string]any{},
			ExecuteIf: &workflow.Condition{
				Type:     workflow.ConditionSimple,
				Field:    "{{step1.data.count}}",
				Operator: ">",
				Value:    float64(100),
			},
		},
		workflow.Step{
			ID: "step3", Type: workflow.KindAction, Name: "Log",
			Plugin: "slack", Action: "post_message", Params: map[string]any{},
		},
	)

	result, err := it.Run(context.Background(), art, "user-1", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Steps[1].Status != StatusSkipped {
		t.Errorf("step2 status = %s", result.Steps[1].Status)
	}
	// The guarded skip falls through to the next step in list order.
	want := []string{"google-mail.search_emails", "slack.post_message"}
	if len(calls) != 2 || calls[1] != want[1] {
		t.Errorf("calls = %v, want %v", calls, want)
	}
}

func TestRunSwitch(t *testing.T) {
	var calls []string
	it := New(recordingExecutor(&calls), &echoModel{reply: "urgent"})

	art := artifact(
		workflow.Step{
			ID: "step1", Type: workflow.KindLLMDecision, Name: "Classify",
			Prompt: "Classify the message",
			Next:   "step2",
		},
		workflow.Step{
			ID: "step2", Type: workflow.KindSwitch, Name: "Route",
			SwitchOn: "{{step1.data.result}}",
			Cases:    map[string]string{"urgent": "step3", "routine": "step4"},
			Default:  "step4",
		},
		workflow.Step{
			ID: "step3", Type: workflow.KindAction, Name: "Page",
			Plugin: "slack", Action: "page_oncall", Params: map[string]any{},
		},
		workflow.Step{
			ID: "step4", Type: workflow.KindAction, Name: "File",
			Plugin: "slack", Action: "post_message", Params: map[string]any{},
		},
	)

	result, err := it.Run(context.Background(), art, "user-1", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success || len(calls) != 1 || calls[0] != "slack.page_oncall" {
		t.Errorf("calls = %v", calls)
	}
}

func TestRunLoopBounded(t *testing.T) {
	var calls []string
	exec := catalog.ExecutorFunc(func(_ context.Context, _, plugin, action string, params map[string]any) (*catalog.Result, error) {
		calls = append(calls, fmt.Sprintf("%v", params["subject"]))
		return &catalog.Result{Success: true, Data: map[string]any{"sent": true}}, nil
	})
	it := New(exec, &echoModel{})

	art := artifact(
		workflow.Step{
			ID: "step1", Type: workflow.KindAction, Name: "Fetch",
			Plugin: "google-mail", Action: "search_emails", Params: map[string]any{},
			Next: "step2",
		},
		workflow.Step{
			ID: "step2", Type: workflow.KindLoop, Name: "Per message",
			IterateOver:   "{{input.messages}}",
			MaxIterations: 2,
			LoopSteps: []workflow.Step{{
				ID: "step2a", Type: workflow.KindAction, Name: "Forward",
				Plugin: "google-mail", Action: "forward",
				Params: map[string]any{"subject": "{{loop.item.subject}}", "position": "{{loop.index}}"},
			}},
		},
	)

	inputs := map[string]any{"messages": []any{
		map[string]any{"subject": "a"},
		map[string]any{"subject": "b"},
		map[string]any{"subject": "c"},
	}}
	result, err := it.Run(context.Background(), art, "user-1", inputs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The bound cuts iteration at 2 of 3 items.
	if len(calls) != 3 {
		t.Fatalf("calls = %v", calls)
	}
	if calls[1] != "a" || calls[2] != "b" {
		t.Errorf("loop calls = %v", calls[1:])
	}
	if result.Output["iterations"] != 2 {
		t.Errorf("iterations = %v", result.Output["iterations"])
	}
	results := result.Output["results"].([]any)
	if len(results) != 2 {
		t.Errorf("results = %v", results)
	}
}

func TestRunOnFailureRouting(t *testing.T) {
	var calls []string
	exec := catalog.ExecutorFunc(func(_ context.Context, _, plugin, action string, _ map[string]any) (*catalog.Result, error) {
		calls = append(calls, plugin+"."+action)
		if action == "send_email" {
			return &catalog.Result{Success: false, Error: "quota_exceeded", Message: "daily quota exceeded"}, nil
		}
		return &catalog.Result{Success: true, Data: map[string]any{}}, nil
	})
	it := New(exec, &echoModel{})

	art := artifact(
		workflow.Step{
			ID: "step1", Type: workflow.KindAction, Name: "Send",
			Plugin: "google-mail", Action: "send_email", Params: map[string]any{},
			Next: "step2", OnFailure: "step3",
		},
		workflow.Step{
			ID: "step2", Type: workflow.KindAction, Name: "Confirm",
			Plugin: "slack", Action: "post_message", Params: map[string]any{},
		},
		workflow.Step{
			ID: "step3", Type: workflow.KindAction, Name: "Alert",
			Plugin: "slack", Action: "page_oncall", Params: map[string]any{},
		},
	)

	result, err := it.Run(context.Background(), art, "user-1", nil)
	if err != nil {
		t.Fatalf("routed failure must not fail the run: %v", err)
	}
	if !result.Success {
		t.Errorf("result = %+v", result)
	}
	want := []string{"google-mail.send_email", "slack.page_oncall"}
	if len(calls) != 2 || calls[1] != want[1] {
		t.Errorf("calls = %v, want %v", calls, want)
	}
	if result.Steps[0].Status != StatusFailed {
		t.Errorf("step1 status = %s", result.Steps[0].Status)
	}
}

func TestRunUnroutedFailureFailsRun(t *testing.T) {
	exec := catalog.ExecutorFunc(func(_ context.Context, _, _, _ string, _ map[string]any) (*catalog.Result, error) {
		return &catalog.Result{Success: false, Error: "not_found"}, nil
	})
	it := New(exec, &echoModel{})

	art := artifact(workflow.Step{
		ID: "step1", Type: workflow.KindAction, Name: "Fetch",
		Plugin: "google-mail", Action: "search_emails", Params: map[string]any{},
	})

	result, err := it.Run(context.Background(), art, "user-1", nil)
	if err == nil {
		t.Fatal("Run succeeded with a failing step")
	}
	if !strings.Contains(err.Error(), "Step step1:") {
		t.Errorf("error not step-attributed: %v", err)
	}
	if result.Success {
		t.Error("result marked success")
	}
}

func TestRunTransform(t *testing.T) {
	it := New(recordingExecutor(&[]string{}), &echoModel{})

	art := artifact(
		workflow.Step{
			ID: "step1", Type: workflow.KindTransform, Name: "Subjects",
			Operation: "[.[] | .subject]",
			Input:     "{{input.messages}}",
		},
	)

	inputs := map[string]any{"messages": []any{
		map[string]any{"subject": "a"},
		map[string]any{"subject": "b"},
	}}
	result, err := it.Run(context.Background(), art, "user-1", inputs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	subjects := result.Output["result"].([]any)
	if len(subjects) != 2 || subjects[0] != "a" {
		t.Errorf("result = %v", subjects)
	}
}

func TestRunComparisonAndValidation(t *testing.T) {
	it := New(recordingExecutor(&[]string{}), &echoModel{})

	art := artifact(
		workflow.Step{
			ID: "step1", Type: workflow.KindComparison, Name: "Enough?",
			Operation: ">=", Input: "{{input.count}}",
			Config: map[string]any{"value": float64(3)},
			Next:   "step2",
		},
		workflow.Step{
			ID: "step2", Type: workflow.KindValidation, Name: "Check",
			Input:  "{{input.record}}",
			Config: map[string]any{"required": []any{"email"}},
		},
	)

	inputs := map[string]any{
		"count":  float64(5),
		"record": map[string]any{"email": "amy@example.com"},
	}
	result, err := it.Run(context.Background(), art, "user-1", inputs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Steps[0].Data["result"] != true {
		t.Errorf("comparison = %v", result.Steps[0].Data)
	}
	if result.Output["valid"] != true {
		t.Errorf("validation = %v", result.Output)
	}
}

func TestRunValidationFailure(t *testing.T) {
	it := New(recordingExecutor(&[]string{}), &echoModel{})

	art := artifact(workflow.Step{
		ID: "step1", Type: workflow.KindValidation, Name: "Check",
		Input:  "{{input.record}}",
		Config: map[string]any{"required": []any{"email", "name"}},
	})

	inputs := map[string]any{"record": map[string]any{"name": "Amy"}}
	result, err := it.Run(context.Background(), art, "user-1", inputs)
	if err == nil {
		t.Fatal("invalid payload must fail the step")
	}
	if result.Steps[0].Data["valid"] != false {
		t.Errorf("data = %v", result.Steps[0].Data)
	}
}

type approveAll struct{ denied bool }

func (a *approveAll) Approve(_ context.Context, _, _ string) (bool, error) {
	return !a.denied, nil
}

func TestRunHumanApproval(t *testing.T) {
	var calls []string
	it := New(recordingExecutor(&calls), &echoModel{}, WithApprovalHandler(&approveAll{}))

	art := artifact(
		workflow.Step{
			ID: "step1", Type: workflow.KindHumanApproval, Name: "Sign off",
			Prompt: "Approve sending the digest?",
			Next:   "step2",
		},
		workflow.Step{
			ID: "step2", Type: workflow.KindAction, Name: "Send",
			Plugin: "google-mail", Action: "send_email", Params: map[string]any{},
		},
	)

	result, err := it.Run(context.Background(), art, "user-1", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success || len(calls) != 1 {
		t.Errorf("result = %+v calls = %v", result, calls)
	}
	if result.Steps[0].Data["approved"] != true {
		t.Errorf("approval data = %v", result.Steps[0].Data)
	}
}

func TestRunApprovalDenied(t *testing.T) {
	var calls []string
	it := New(recordingExecutor(&calls), &echoModel{}, WithApprovalHandler(&approveAll{denied: true}))

	art := artifact(
		workflow.Step{
			ID: "step1", Type: workflow.KindHumanApproval, Name: "Sign off",
			Prompt: "Approve?", Next: "step2",
		},
		workflow.Step{
			ID: "step2", Type: workflow.KindAction, Name: "Send",
			Plugin: "google-mail", Action: "send_email", Params: map[string]any{},
		},
	)

	_, err := it.Run(context.Background(), art, "user-1", nil)
	if err == nil || !strings.Contains(err.Error(), "approval denied") {
		t.Errorf("error = %v", err)
	}
	if len(calls) != 0 {
		t.Error("guarded step ran after denial")
	}
}

type fakeSubRunner struct {
	gotID     string
	gotInputs map[string]any
}

func (r *fakeSubRunner) RunWorkflow(_ context.Context, id string, inputs map[string]any) (map[string]any, error) {
	r.gotID = id
	r.gotInputs = inputs
	return map[string]any{"status": "done"}, nil
}

func TestRunSubWorkflow(t *testing.T) {
	runner := &fakeSubRunner{}
	it := New(recordingExecutor(&[]string{}), &echoModel{}, WithSubWorkflowRunner(runner))

	art := artifact(workflow.Step{
		ID: "step1", Type: workflow.KindSubWorkflow, Name: "Delegate",
		WorkflowID: "wf-digest",
		Inputs:     map[string]string{"recipient": "{{input.email}}"},
	})

	result, err := it.Run(context.Background(), art, "user-1", map[string]any{"email": "amy@example.com"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if runner.gotID != "wf-digest" || runner.gotInputs["recipient"] != "amy@example.com" {
		t.Errorf("runner got %q %v", runner.gotID, runner.gotInputs)
	}
	if result.Output["status"] != "done" {
		t.Errorf("output = %v", result.Output)
	}
}

func TestRunTerminalWithoutSuccessor(t *testing.T) {
	var calls []string
	it := New(recordingExecutor(&calls), &echoModel{})

	// No next edge at the top level means execution ends there.
	art := artifact(
		workflow.Step{
			ID: "step1", Type: workflow.KindAction, Name: "Fetch",
			Plugin: "google-mail", Action: "search_emails", Params: map[string]any{},
		},
		workflow.Step{
			ID: "step2", Type: workflow.KindAction, Name: "Never",
			Plugin: "slack", Action: "post_message", Params: map[string]any{},
		},
	)

	result, err := it.Run(context.Background(), art, "user-1", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(calls) != 1 || !result.Success {
		t.Errorf("calls = %v", calls)
	}
}
