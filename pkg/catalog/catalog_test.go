package catalog

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"

	"github.com/tombee/flightplan/pkg/errors"
)

func sampleCatalogue() Catalogue {
	return Catalogue{
		"google-mail": {
			Description: "Gmail integration",
			Actions: map[string]Action{
				"search_emails": {
					Description:    "Search messages",
					RequiredParams: []string{"query", "max_results"},
					OutputFields:   []string{"messages", "count"},
					ParametersSchema: &ParameterSchema{
						Type: "object",
						Properties: map[string]*Property{
							"query":       {Type: "string"},
							"max_results": {Type: "number", Default: 10},
						},
						Required: []string{"query", "max_results"},
					},
				},
				"send_email": {
					RequiredParams: []string{"to", "subject", "body"},
					OutputFields:   []string{"message_id"},
				},
			},
		},
		"google-sheets": {
			Actions: map[string]Action{
				"append_row": {
					RequiredParams: []string{"spreadsheet_id", "values"},
					OutputFields:   []string{"updated_range"},
				},
			},
		},
	}
}

func TestCatalogueLookup(t *testing.T) {
	c := sampleCatalogue()

	action, err := c.Action("google-mail", "search_emails")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(action.RequiredParams) != 2 {
		t.Errorf("RequiredParams = %v", action.RequiredParams)
	}

	_, err = c.Action("google-mail", "delete_everything")
	var notFound *errors.NotFoundError
	if !stderrors.As(err, &notFound) {
		t.Fatalf("err = %v, want *errors.NotFoundError", err)
	}
	if notFound.ID != "google-mail.delete_everything" {
		t.Errorf("ID = %q", notFound.ID)
	}

	if _, err := c.Action("slack", "post_message"); err == nil {
		t.Error("expected not-found for unknown plugin")
	}

	if !c.HasAction("google-sheets", "append_row") {
		t.Error("HasAction missed a catalogued action")
	}
	if c.RequiredParams("google-sheets", "append_row")[0] != "spreadsheet_id" {
		t.Error("RequiredParams returned wrong list")
	}
	if c.RequiredParams("slack", "post_message") != nil {
		t.Error("RequiredParams for unknown action should be nil")
	}
}

func TestCatalogueCondensed(t *testing.T) {
	condensed := sampleCatalogue().Condensed()

	wantLines := []string{
		"google-mail.search_emails(query, max_results) -> messages, count",
		"google-mail.send_email(to, subject, body) -> message_id",
		"google-sheets.append_row(spreadsheet_id, values) -> updated_range",
	}
	for _, line := range wantLines {
		if !strings.Contains(condensed, line) {
			t.Errorf("condensed output missing %q:\n%s", line, condensed)
		}
	}

	// Deterministic ordering: google-mail before google-sheets.
	if strings.Index(condensed, "google-mail.") > strings.Index(condensed, "google-sheets.") {
		t.Error("plugins are not sorted")
	}
}

func TestCatalogueValidate(t *testing.T) {
	c := sampleCatalogue()
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c["empty"] = Plugin{}
	if err := c.Validate(); err == nil {
		t.Error("expected error for plugin with no actions")
	}
	delete(c, "empty")

	broken := c["google-mail"]
	action := broken.Actions["search_emails"]
	action.RequiredParams = append(action.RequiredParams, "not_in_schema")
	broken.Actions["search_emails"] = action
	c["google-mail"] = broken
	if err := c.Validate(); err == nil {
		t.Error("expected error for required param missing from schema")
	}
}

func TestParse(t *testing.T) {
	data := []byte(`{
		"google-mail": {
			"actions": {
				"search_emails": {
					"required_params": ["query"],
					"output_fields": ["messages"]
				}
			}
		}
	}`)
	c, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !c.HasAction("google-mail", "search_emails") {
		t.Error("parsed catalogue missing action")
	}

	if _, err := Parse([]byte(`{"broken"`)); err == nil {
		t.Error("expected parse error")
	}
}

func TestStubExecutor(t *testing.T) {
	exec := NewStubExecutor(sampleCatalogue())
	ctx := context.Background()

	res, err := exec.Execute(ctx, "user-1", "google-mail", "search_emails",
		map[string]any{"query": "is:unread", "max_results": 5})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if _, ok := res.Data["messages"]; !ok {
		t.Error("declared output field missing from stub data")
	}
	if res.Data["stubbed"] != true {
		t.Error("stub marker missing")
	}

	res, err = exec.Execute(ctx, "user-1", "google-mail", "search_emails",
		map[string]any{"query": "is:unread"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || res.Error != "missing_parameter" {
		t.Errorf("result = %+v, want missing_parameter failure", res)
	}

	res, err = exec.Execute(ctx, "user-1", "fax-machine", "dial", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || res.Error != "unknown_action" {
		t.Errorf("result = %+v, want unknown_action failure", res)
	}
}
