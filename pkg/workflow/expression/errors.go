package expression

import "fmt"

// UnresolvedReferenceError names a reference that could not be resolved
// against the scope. Validators use the Reference field to attribute the
// failure to a specific step.
type UnresolvedReferenceError struct {
	// Reference is the full reference text, e.g. "step3.data.items".
	Reference string

	// Reason explains what was missing (namespace, key, index).
	Reason string
}

// Error implements the error interface.
func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved reference %q: %s", e.Reference, e.Reason)
}

// ParseError reports a malformed reference. Malformed references are
// structural problems caught before execution, not runtime surprises.
type ParseError struct {
	// Reference is the offending reference text.
	Reference string

	// Reason explains the syntax problem.
	Reason string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid reference %q: %s", e.Reference, e.Reason)
}
