package expression

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// templatePattern matches {{...}} spans interleaved with literal text.
var templatePattern = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// Namespace identifies which lookup table a reference resolves against.
type Namespace string

const (
	// NamespaceInput resolves against declared workflow inputs.
	NamespaceInput Namespace = "input"

	// NamespaceStep resolves against recorded step outputs.
	NamespaceStep Namespace = "step"

	// NamespaceLoop resolves against the current loop binding.
	NamespaceLoop Namespace = "loop"
)

// Segment is one path element after the reference root: either a key or a
// literal index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// Reference is a parsed template reference.
type Reference struct {
	// Raw is the reference text as written, without braces.
	Raw string

	// Namespace selects the lookup table.
	Namespace Namespace

	// Name is the input name (input.*) or step id (step refs). Empty for
	// loop references.
	Name string

	// Path is the trailing access path. For loop references the first
	// segment is "item" or "index".
	Path []Segment
}

// ParseReference parses a single reference (the text inside {{...}}).
// Dynamic (variable) indices are rejected here: only literal indices are
// valid, so the mistake surfaces as a structural validation error rather
// than a silent no-op at run time.
func ParseReference(raw string) (*Reference, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &ParseError{Reference: raw, Reason: "empty reference"}
	}

	segments, err := tokenizePath(trimmed)
	if err != nil {
		return nil, err
	}
	if segments[0].IsIndex {
		return nil, &ParseError{Reference: trimmed, Reason: "reference cannot start with an index"}
	}

	root := segments[0].Key
	ref := &Reference{Raw: trimmed}
	switch root {
	case "input":
		if len(segments) < 2 || segments[1].IsIndex {
			return nil, &ParseError{Reference: trimmed, Reason: "input reference requires a name, e.g. input.recipient_email"}
		}
		ref.Namespace = NamespaceInput
		ref.Name = segments[1].Key
		ref.Path = segments[2:]
	case "loop":
		if len(segments) < 2 || segments[1].IsIndex {
			return nil, &ParseError{Reference: trimmed, Reason: "loop reference must be loop.item.<path> or loop.index"}
		}
		switch segments[1].Key {
		case "item", "index":
		default:
			return nil, &ParseError{Reference: trimmed, Reason: fmt.Sprintf("unknown loop member %q", segments[1].Key)}
		}
		ref.Namespace = NamespaceLoop
		ref.Path = segments[1:]
	default:
		ref.Namespace = NamespaceStep
		ref.Name = root
		ref.Path = segments[1:]
	}
	return ref, nil
}

// tokenizePath splits a reference into dot and bracket segments.
func tokenizePath(raw string) ([]Segment, error) {
	var segments []Segment
	i := 0
	for i < len(raw) {
		switch raw[i] {
		case '.':
			if i == 0 || i == len(raw)-1 {
				return nil, &ParseError{Reference: raw, Reason: "empty path segment"}
			}
			i++
		case '[':
			end := strings.IndexByte(raw[i:], ']')
			if end < 0 {
				return nil, &ParseError{Reference: raw, Reason: "unterminated bracket"}
			}
			inner := raw[i+1 : i+end]
			seg, err := parseBracket(raw, inner)
			if err != nil {
				return nil, err
			}
			segments = append(segments, seg)
			i += end + 1
		default:
			j := i
			for j < len(raw) && raw[j] != '.' && raw[j] != '[' {
				j++
			}
			key := raw[i:j]
			if !identPattern.MatchString(key) {
				return nil, &ParseError{Reference: raw, Reason: fmt.Sprintf("invalid path segment %q", key)}
			}
			segments = append(segments, Segment{Key: key})
			i = j
		}
	}
	if len(segments) == 0 {
		return nil, &ParseError{Reference: raw, Reason: "empty reference"}
	}
	return segments, nil
}

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_-]*$`)

// parseBracket interprets the text inside [...]: a quoted key or a literal
// numeric index. Anything else is a dynamic index, which is unsupported.
func parseBracket(raw, inner string) (Segment, error) {
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return Segment{}, &ParseError{Reference: raw, Reason: "empty bracket"}
	}
	if (inner[0] == '\'' && inner[len(inner)-1] == '\'') ||
		(inner[0] == '"' && inner[len(inner)-1] == '"') {
		if len(inner) < 2 {
			return Segment{}, &ParseError{Reference: raw, Reason: "malformed quoted key"}
		}
		return Segment{Key: inner[1 : len(inner)-1]}, nil
	}
	if n, err := strconv.Atoi(inner); err == nil {
		if n < 0 {
			return Segment{}, &ParseError{Reference: raw, Reason: "negative index"}
		}
		return Segment{Index: n, IsIndex: true}, nil
	}
	return Segment{}, &ParseError{Reference: raw, Reason: fmt.Sprintf("dynamic index %q is not supported; only literal indices are valid", inner)}
}

// References extracts and parses every reference in a template. The first
// malformed reference aborts with its parse error.
func References(template string) ([]Reference, error) {
	matches := templatePattern.FindAllStringSubmatch(template, -1)
	refs := make([]Reference, 0, len(matches))
	for _, match := range matches {
		ref, err := ParseReference(match[1])
		if err != nil {
			return nil, err
		}
		refs = append(refs, *ref)
	}
	return refs, nil
}

// Resolve evaluates a template against the scope. Templates with no spans
// return the literal unchanged. A template that is exactly one span returns
// the referenced value with its type preserved; mixed templates stringify
// each resolved value into the surrounding text.
func Resolve(template string, scope *Scope) (any, error) {
	spans := templatePattern.FindAllStringSubmatchIndex(template, -1)
	if len(spans) == 0 {
		return template, nil
	}

	// Whole-string single span: preserve the value's type.
	if len(spans) == 1 && spans[0][0] == 0 && spans[0][1] == len(template) {
		ref, err := ParseReference(template[spans[0][2]:spans[0][3]])
		if err != nil {
			return nil, err
		}
		return resolveReference(ref, scope)
	}

	var sb strings.Builder
	last := 0
	for _, span := range spans {
		sb.WriteString(template[last:span[0]])
		ref, err := ParseReference(template[span[2]:span[3]])
		if err != nil {
			return nil, err
		}
		value, err := resolveReference(ref, scope)
		if err != nil {
			return nil, err
		}
		sb.WriteString(stringify(value))
		last = span[1]
	}
	sb.WriteString(template[last:])
	return sb.String(), nil
}

// ResolveString is Resolve for callers that need a string result.
func ResolveString(template string, scope *Scope) (string, error) {
	value, err := Resolve(template, scope)
	if err != nil {
		return "", err
	}
	return stringify(value), nil
}

// resolveReference looks up a parsed reference in the scope.
func resolveReference(ref *Reference, scope *Scope) (any, error) {
	var root any
	var path []Segment

	switch ref.Namespace {
	case NamespaceInput:
		v, ok := scope.Input(ref.Name)
		if !ok {
			return nil, &UnresolvedReferenceError{
				Reference: ref.Raw,
				Reason:    fmt.Sprintf("input %q is not declared", ref.Name),
			}
		}
		root, path = v, ref.Path
	case NamespaceStep:
		v, ok := scope.StepOutput(ref.Name)
		if !ok {
			return nil, &UnresolvedReferenceError{
				Reference: ref.Raw,
				Reason:    fmt.Sprintf("step %q has no recorded output", ref.Name),
			}
		}
		root, path = v, ref.Path
	case NamespaceLoop:
		binding := scope.Loop()
		if binding == nil {
			return nil, &UnresolvedReferenceError{
				Reference: ref.Raw,
				Reason:    "loop references are only valid inside loop bodies",
			}
		}
		if ref.Path[0].Key == "index" {
			return binding.Index, nil
		}
		root, path = binding.Item, ref.Path[1:]
	default:
		return nil, &UnresolvedReferenceError{Reference: ref.Raw, Reason: "unknown namespace"}
	}

	return walkPath(ref.Raw, root, path)
}

// walkPath navigates the access path over maps and slices.
func walkPath(raw string, value any, path []Segment) (any, error) {
	current := value
	for _, seg := range path {
		if seg.IsIndex {
			arr, ok := current.([]any)
			if !ok {
				return nil, &UnresolvedReferenceError{
					Reference: raw,
					Reason:    fmt.Sprintf("cannot index into %T", current),
				}
			}
			if seg.Index >= len(arr) {
				return nil, &UnresolvedReferenceError{
					Reference: raw,
					Reason:    fmt.Sprintf("index %d out of range (len %d)", seg.Index, len(arr)),
				}
			}
			current = arr[seg.Index]
			continue
		}

		m, ok := current.(map[string]any)
		if !ok {
			return nil, &UnresolvedReferenceError{
				Reference: raw,
				Reason:    fmt.Sprintf("cannot access key %q on %T", seg.Key, current),
			}
		}
		next, ok := m[seg.Key]
		if !ok {
			return nil, &UnresolvedReferenceError{
				Reference: raw,
				Reason:    fmt.Sprintf("missing key %q", seg.Key),
			}
		}
		current = next
	}
	return current, nil
}

// stringify renders a resolved value for interpolation into literal text.
func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
