// Package executor dispatches one Step by type and runs its per-step
// recovery (bounded retry, empty-result salvage), grounded on the
// teacher's workflow_engine.go dispatch loop but reworked per the
// design notes: instead of exceptions for control flow, Execute
// returns an explicit Outcome variant and the caller (the orchestrator)
// branches on it.
package executor

import "github.com/flowcore/workflowengine/wfcore"

// OutcomeKind tags which Outcome variant is populated.
type OutcomeKind int

const (
	OutcomeDone OutcomeKind = iota
	OutcomeSkip
	OutcomeFail
)

// Outcome is the result of executing one step.
type Outcome struct {
	Kind   OutcomeKind
	Value  map[string]interface{}
	Reason string
	Err    error
}

// Done wraps a successful step result.
func Done(value map[string]interface{}) Outcome {
	return Outcome{Kind: OutcomeDone, Value: value}
}

// Skip wraps a step the orchestrator should mark skipped rather than
// failed (used for the optional-tool allow-list tolerance, spec §4.6).
func Skip(reason string, placeholder map[string]interface{}) Outcome {
	return Outcome{Kind: OutcomeSkip, Reason: reason, Value: placeholder}
}

// Fail wraps an unrecoverable step error.
func Fail(err error) Outcome {
	return Outcome{Kind: OutcomeFail, Err: err}
}

// Placeholder synthesizes a zero-valued result shaped by format, for
// callers outside this package that need the same shape the Executor
// uses for field-default coercion — namely the Orchestrator's
// optional-tool failure tolerance (spec §4.6).
func Placeholder(format *wfcore.OutputFormat) map[string]interface{} {
	return placeholderForSchema(format)
}

// placeholderForSchema synthesizes a zero-valued result shaped by an
// output format, used for optional-tool skip tolerance (via Placeholder).
// Field-default coercion on analysis/decision steps calls zeroValue
// directly.
func placeholderForSchema(format *wfcore.OutputFormat) map[string]interface{} {
	if format == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(format.Fields))
	for name, typeTag := range format.Fields {
		out[name] = zeroValue(typeTag)
	}
	return out
}

func zeroValue(typeTag string) interface{} {
	switch typeTag {
	case "integer":
		return 0
	case "number":
		return 0.0
	case "boolean":
		return false
	case "array":
		return []interface{}{}
	default:
		return ""
	}
}
