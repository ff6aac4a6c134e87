// Package catalog models the action catalogue supplied to each synthesis
// run: the plugins available to a workflow, their actions, and the
// parameter/output contracts those actions carry.
//
// The catalogue is read-only per run. The pipeline consults it to validate
// plugin/action references and required parameters; the condensed rendering
// feeds the design model's prompt.
package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tombee/flightplan/pkg/errors"
)

// ParameterSchema defines a set of parameters using JSON Schema conventions.
type ParameterSchema struct {
	// Type is the JSON type (e.g., "object", "string", "number")
	Type string `json:"type"`

	// Properties defines nested properties (for type="object")
	Properties map[string]*Property `json:"properties,omitempty"`

	// Required lists the required property names
	Required []string `json:"required,omitempty"`

	// Description provides human-readable context
	Description string `json:"description,omitempty"`
}

// Property defines a single property in a parameter schema.
type Property struct {
	// Type is the JSON type of this property
	Type string `json:"type"`

	// Description explains what this property represents
	Description string `json:"description,omitempty"`

	// Enum lists allowed values (for validation)
	Enum []any `json:"enum,omitempty"`

	// Default provides a default value if not specified
	Default any `json:"default,omitempty"`

	// Format specifies a format hint (e.g., "uri", "email", "date-time")
	Format string `json:"format,omitempty"`
}

// Action describes one catalogued action a workflow step may invoke.
type Action struct {
	// Description is a human-readable summary of what the action does.
	Description string `json:"description,omitempty"`

	// RequiredParams lists parameter names a caller must supply.
	RequiredParams []string `json:"required_params"`

	// OutputFields lists the field names the action's result data carries.
	OutputFields []string `json:"output_fields"`

	// ParametersSchema is the full parameter schema, when available.
	// RequiredParams is authoritative for gate checks; the schema adds
	// types and descriptions for prompt rendering.
	ParametersSchema *ParameterSchema `json:"parameters_schema,omitempty"`
}

// Plugin groups the actions one integration exposes.
type Plugin struct {
	// Description is a human-readable summary of the integration.
	Description string `json:"description,omitempty"`

	// Actions maps action names to their contracts.
	Actions map[string]Action `json:"actions"`
}

// Catalogue maps plugin keys to their available actions.
type Catalogue map[string]Plugin

// Parse decodes a catalogue from JSON.
func Parse(data []byte) (Catalogue, error) {
	var c Catalogue
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse action catalogue: %w", err)
	}
	return c, nil
}

// PluginKeys returns the plugin keys in sorted order.
func (c Catalogue) PluginKeys() []string {
	keys := make([]string, 0, len(c))
	for key := range c {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// HasPlugin reports whether the catalogue contains the plugin.
func (c Catalogue) HasPlugin(plugin string) bool {
	_, ok := c[plugin]
	return ok
}

// Action returns the contract for plugin/action, or a NotFoundError naming
// whichever of the two is missing.
func (c Catalogue) Action(plugin, action string) (*Action, error) {
	p, ok := c[plugin]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "plugin", ID: plugin}
	}
	a, ok := p.Actions[action]
	if !ok {
		return nil, &errors.NotFoundError{
			Resource: "action",
			ID:       plugin + "." + action,
		}
	}
	return &a, nil
}

// HasAction reports whether plugin/action is catalogued.
func (c Catalogue) HasAction(plugin, action string) bool {
	_, err := c.Action(plugin, action)
	return err == nil
}

// RequiredParams returns the required parameter names for plugin/action.
// Unknown actions return nil; the gates report those separately.
func (c Catalogue) RequiredParams(plugin, action string) []string {
	a, err := c.Action(plugin, action)
	if err != nil {
		return nil
	}
	return a.RequiredParams
}

// Condensed renders the catalogue in the compact one-line-per-action form
// the design prompt consumes:
//
//	google-mail.search_emails(query, max_results) -> messages, count
//
// Output is deterministic: plugins and actions sort lexically.
func (c Catalogue) Condensed() string {
	var sb strings.Builder
	for _, pluginKey := range c.PluginKeys() {
		plugin := c[pluginKey]
		actionNames := make([]string, 0, len(plugin.Actions))
		for name := range plugin.Actions {
			actionNames = append(actionNames, name)
		}
		sort.Strings(actionNames)
		for _, name := range actionNames {
			action := plugin.Actions[name]
			sb.WriteString(pluginKey)
			sb.WriteString(".")
			sb.WriteString(name)
			sb.WriteString("(")
			sb.WriteString(strings.Join(action.RequiredParams, ", "))
			sb.WriteString(")")
			if len(action.OutputFields) > 0 {
				sb.WriteString(" -> ")
				sb.WriteString(strings.Join(action.OutputFields, ", "))
			}
			if action.Description != "" {
				sb.WriteString("  # ")
				sb.WriteString(action.Description)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// Validate checks the catalogue shape: every plugin has at least one action
// and no action lists a required parameter its schema omits.
func (c Catalogue) Validate() error {
	for pluginKey, plugin := range c {
		if len(plugin.Actions) == 0 {
			return &errors.ValidationError{
				Field:      pluginKey,
				Message:    fmt.Sprintf("plugin %q declares no actions", pluginKey),
				Suggestion: "remove the plugin or add its actions",
			}
		}
		for actionName, action := range plugin.Actions {
			if action.ParametersSchema == nil {
				continue
			}
			for _, required := range action.RequiredParams {
				if _, ok := action.ParametersSchema.Properties[required]; !ok {
					return &errors.ValidationError{
						Field:      pluginKey + "." + actionName,
						Message:    fmt.Sprintf("required parameter %q is missing from the parameters schema", required),
						Suggestion: "add the property to parameters_schema or drop it from required_params",
					}
				}
			}
		}
	}
	return nil
}
