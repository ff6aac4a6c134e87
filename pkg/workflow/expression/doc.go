// Package expression parses and resolves the template reference grammar
// used throughout workflow definitions:
//
//	{{input.recipient_email}}
//	{{step1.data.messages}}
//	{{step2.data.result}}
//	{{loop.item.subject}}
//	{{loop.index}}
//
// References resolve against a Scope holding workflow inputs, step outputs
// keyed by id, and the current loop binding. Bracket-path access is
// supported for non-identifier keys and literal indices
// (item['field with spaces'], items[0]); dynamic indices are rejected at
// parse time.
//
// Resolution is total over well-formed templates: it returns either a value
// or a typed *UnresolvedReferenceError naming the reference, never a panic.
package expression
