package workflow

import (
	"fmt"
	"regexp"

	"github.com/tombee/flightplan/pkg/errors"
)

// InputType enumerates the form-field types a required input can take.
type InputType string

const (
	InputText     InputType = "text"
	InputEmail    InputType = "email"
	InputNumber   InputType = "number"
	InputFile     InputType = "file"
	InputSelect   InputType = "select"
	InputURL      InputType = "url"
	InputDate     InputType = "date"
	InputTextarea InputType = "textarea"
)

// validInputTypes is the closed set of input types.
var validInputTypes = map[InputType]bool{
	InputText:     true,
	InputEmail:    true,
	InputNumber:   true,
	InputFile:     true,
	InputSelect:   true,
	InputURL:      true,
	InputDate:     true,
	InputTextarea: true,
}

// snakeCasePattern matches valid required-input names.
var snakeCasePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// RequiredInput declares one user-supplied value the workflow needs.
// Entries are discovered during Stage 2 by scanning for {{input.X}}
// references: one entry per distinct name, never duplicated.
type RequiredInput struct {
	// Name is the snake_case identifier referenced as {{input.<name>}}.
	Name string `json:"name"`

	// Type selects the form-field type for collecting the value.
	Type InputType `json:"type"`

	// Label is the human-readable field label.
	Label string `json:"label"`

	// Required marks whether the user must supply a value.
	Required bool `json:"required"`

	// Description explains what the value is for.
	Description string `json:"description,omitempty"`

	// Reasoning records why the pipeline believes this input is needed.
	Reasoning string `json:"reasoning,omitempty"`
}

// Validate checks a single required-input declaration.
func (r *RequiredInput) Validate() error {
	if r.Name == "" {
		return &errors.ValidationError{
			Field:      "name",
			Message:    "required input has no name",
			Suggestion: "use a snake_case identifier",
		}
	}
	if !snakeCasePattern.MatchString(r.Name) {
		return &errors.ValidationError{
			Field:      "name",
			Message:    fmt.Sprintf("required input name %q is not snake_case", r.Name),
			Suggestion: "use lowercase letters, digits and underscores",
		}
	}
	if !validInputTypes[r.Type] {
		return &errors.ValidationError{
			Field:      "type",
			Message:    fmt.Sprintf("required input %s has unknown type %q", r.Name, r.Type),
			Suggestion: "use text, email, number, file, select, url, date or textarea",
		}
	}
	if r.Label == "" {
		return &errors.ValidationError{
			Field:      "label",
			Message:    fmt.Sprintf("required input %s has no label", r.Name),
			Suggestion: "add a short human-readable label",
		}
	}
	return nil
}

// ValidateRequiredInputs checks a declaration list for per-entry validity
// and duplicate names.
func ValidateRequiredInputs(inputs []RequiredInput) error {
	seen := make(map[string]bool, len(inputs))
	for i := range inputs {
		if err := inputs[i].Validate(); err != nil {
			return err
		}
		if seen[inputs[i].Name] {
			return &errors.ValidationError{
				Field:      "required_inputs",
				Message:    fmt.Sprintf("duplicate required input %q", inputs[i].Name),
				Suggestion: "declare each input once",
			}
		}
		seen[inputs[i].Name] = true
	}
	return nil
}
