// Package retry implements the Retry Controller (C7): it holds no
// state of its own and only ever reads Step history to decide whether
// a retry step should be skipped and, for a
// terminal-selection decision, which of several retry attempts is the
// best one to keep. Grounded on the teacher's smart-retry trait logic
// (a scoring function over prior attempts) reworked per the design
// notes into a standalone, stateless component the Orchestrator calls.
package retry

import (
	"regexp"
	"sort"
	"strings"

	"github.com/flowcore/workflowengine/wfcore"
)

// retryHints are the substrings/patterns a step description is
// checked against to flag it as "one more attempt" (spec §4.3).
var (
	retryHintSubstrings = []string{"versuch", "retry"}
	numericSuffix       = regexp.MustCompile(`\d+\s*$`)
)

// IsRetryStep reports whether step is a retry attempt of an earlier
// step: same type (tool_call), a tool name seen in an earlier step,
// and a description hinting at a further attempt.
func IsRetryStep(step *wfcore.Step, priorSteps []*wfcore.Step) bool {
	if step.Type != wfcore.StepToolCall || step.Tool == "" {
		return false
	}
	if !toolSeenBefore(step, priorSteps) {
		return false
	}
	return hasRetryHint(step.Description)
}

func toolSeenBefore(step *wfcore.Step, priorSteps []*wfcore.Step) bool {
	for _, prior := range priorSteps {
		if prior.Number < step.Number && prior.Tool == step.Tool && prior.Type == wfcore.StepToolCall {
			return true
		}
	}
	return false
}

func hasRetryHint(description string) bool {
	lower := strings.ToLower(description)
	for _, hint := range retryHintSubstrings {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return numericSuffix.MatchString(strings.TrimSpace(description))
}

// terminalSelectionPhrases mark a decision step as a best-of-retries
// aggregator rather than an LLM call (spec §4.2).
var terminalSelectionPhrases = []string{"finale", "wähle besten", "aus allen versuchen"}

// IsTerminalSelection reports whether a decision step's description
// names it as the best-of-retries picker.
func IsTerminalSelection(step *wfcore.Step) bool {
	if step.Type != wfcore.StepDecision {
		return false
	}
	lower := strings.ToLower(step.Description)
	for _, phrase := range terminalSelectionPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// ShouldSkip implements the skip policy (spec §4.3, testable property
// 6, scenario S3): step is skipped if a preceding step in priorSteps
// produced a non-empty match result and the most recent decision
// step among priorSteps voted should_retry=false. On skip it returns
// the copied result from that preceding step.
func ShouldSkip(step *wfcore.Step, priorSteps []*wfcore.Step) (bool, map[string]interface{}) {
	if !IsRetryStep(step, priorSteps) {
		return false, nil
	}

	var lastNonEmpty *wfcore.Step
	var lastDecision *wfcore.Step
	for _, prior := range priorSteps {
		if prior.Number >= step.Number {
			continue
		}
		if prior.Type == wfcore.StepToolCall && prior.Tool == step.Tool && prior.Status == wfcore.StepCompleted && hasMatches(prior.Result) {
			lastNonEmpty = prior
		}
		if prior.Type == wfcore.StepDecision {
			lastDecision = prior
		}
	}

	if lastNonEmpty == nil || lastDecision == nil {
		return false, nil
	}
	if shouldRetry, ok := lastDecision.Result["should_retry"].(bool); !ok || shouldRetry {
		return false, nil
	}

	return true, lastNonEmpty.Result
}

// hasMatches reports whether result carries at least one match, per
// the job-search convention of an array field named "jobs"/"results"/
// "items".
func hasMatches(result map[string]interface{}) bool {
	return matchCount(result) > 0
}

// matchCount extracts the number of matches a tool result carries,
// trying the conventional array field names in order.
func matchCount(result map[string]interface{}) int {
	for _, key := range []string{"jobs", "results", "items"} {
		if arr, ok := result[key].([]interface{}); ok {
			return len(arr)
		}
	}
	return 0
}

// sourcePriority reads the priority of the search variant that
// produced step, defaulting to the step number itself so ordering
// stays deterministic when a step was not driven by a variant.
func sourcePriority(step *wfcore.Step) int {
	if step.Parameters == nil {
		return step.Number
	}
	switch p := step.Parameters["priority"].(type) {
	case int:
		return p
	case float64:
		return int(p)
	default:
		return step.Number
	}
}

// SelectBest implements the best-of-retries aggregator (spec §4.3,
// testable property 7): among completed tool_call steps whose tool
// name is toolName, pick the one with (i) the highest match count,
// (ii) ties broken by lowest source-variant priority, (iii) further
// ties by lowest step number. Returns nil if no candidate exists.
func SelectBest(steps []*wfcore.Step, toolName string) *wfcore.Step {
	var candidates []*wfcore.Step
	for _, step := range steps {
		if step.Type == wfcore.StepToolCall && step.Tool == toolName && step.Status == wfcore.StepCompleted {
			candidates = append(candidates, step)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ci, cj := matchCount(candidates[i].Result), matchCount(candidates[j].Result)
		if ci != cj {
			return ci > cj
		}
		pi, pj := sourcePriority(candidates[i]), sourcePriority(candidates[j])
		if pi != pj {
			return pi < pj
		}
		return candidates[i].Number < candidates[j].Number
	})

	return candidates[0]
}

// ProjectResult shapes best's result into the field schema declared
// by a terminal-selection step, defaulting any declared field best's
// result doesn't carry.
func ProjectResult(best *wfcore.Step, format *wfcore.OutputFormat) map[string]interface{} {
	if format == nil || len(format.Fields) == 0 {
		if best == nil {
			return map[string]interface{}{}
		}
		return best.Result
	}

	out := make(map[string]interface{}, len(format.Fields))
	for name, typeTag := range format.Fields {
		if best != nil {
			if val, ok := best.Result[name]; ok && val != nil {
				out[name] = val
				continue
			}
		}
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
