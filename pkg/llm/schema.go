package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
)

// SchemaFor derives a JSON Schema from a Go value's type for use as a
// structured-output contract. The schema is inlined (no $ref indirection)
// and closed (additionalProperties: false), which is what provider-side
// strict mode requires.
func SchemaFor(v any) (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(v)

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal derived schema: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode derived schema: %w", err)
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out, nil
}

// ExtractJSON recovers a JSON object from model output that did not honor
// the structured-output contract: it strips markdown fences and returns the
// outermost balanced object. Used as a fallback before failing a stage.
func ExtractJSON(content string) (string, bool) {
	trimmed := strings.TrimSpace(content)

	// Strip a ```json ... ``` fence if present.
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	start := strings.IndexByte(trimmed, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(trimmed); i++ {
		c := trimmed[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					candidate := trimmed[start : i+1]
					if json.Valid([]byte(candidate)) {
						return candidate, true
					}
					return "", false
				}
			}
		}
	}
	return "", false
}

// DecodeStructured unmarshals model output into out, falling back to
// ExtractJSON when the raw content is not directly parseable.
func DecodeStructured(content string, out any) error {
	if err := json.Unmarshal([]byte(content), out); err == nil {
		return nil
	}
	extracted, ok := ExtractJSON(content)
	if !ok {
		return fmt.Errorf("model output contains no valid JSON object")
	}
	return json.Unmarshal([]byte(extracted), out)
}
