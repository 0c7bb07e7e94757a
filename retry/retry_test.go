package retry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore/workflowengine/wfcore"
)

func jobsResult(n int) map[string]interface{} {
	jobs := make([]interface{}, n)
	for i := range jobs {
		jobs[i] = map[string]interface{}{"title": "job"}
	}
	return map[string]interface{}{"status": "success", "jobs": jobs}
}

func TestIsRetryStepDetection(t *testing.T) {
	prior := []*wfcore.Step{{Number: 1, Type: wfcore.StepToolCall, Tool: "search_jobs"}}

	retryByWord := &wfcore.Step{Number: 2, Type: wfcore.StepToolCall, Tool: "search_jobs", Description: "retry the search with a wider radius"}
	assert.True(t, IsRetryStep(retryByWord, prior))

	retryByNumber := &wfcore.Step{Number: 3, Type: wfcore.StepToolCall, Tool: "search_jobs", Description: "search attempt 2"}
	assert.True(t, IsRetryStep(retryByNumber, prior))

	notRetry := &wfcore.Step{Number: 2, Type: wfcore.StepToolCall, Tool: "search_jobs", Description: "initial search"}
	assert.False(t, IsRetryStep(notRetry, prior))

	differentTool := &wfcore.Step{Number: 2, Type: wfcore.StepToolCall, Tool: "send_email", Description: "retry sending"}
	assert.False(t, IsRetryStep(differentTool, prior))
}

func TestIsTerminalSelection(t *testing.T) {
	assert.True(t, IsTerminalSelection(&wfcore.Step{Type: wfcore.StepDecision, Description: "wähle besten Treffer aus allen Versuchen"}))
	assert.True(t, IsTerminalSelection(&wfcore.Step{Type: wfcore.StepDecision, Description: "finale Auswahl"}))
	assert.False(t, IsTerminalSelection(&wfcore.Step{Type: wfcore.StepDecision, Description: "should we retry?"}))
	assert.False(t, IsTerminalSelection(&wfcore.Step{Type: wfcore.StepToolCall, Description: "finale"}))
}

// S3 from the literal scenarios: step 6 returns 4 jobs, step 7
// (decision) votes should_retry=false, step 8 (retry) must be
// skipped with step 6's result copied verbatim.
func TestShouldSkipScenarioS3(t *testing.T) {
	step6 := &wfcore.Step{Number: 6, Type: wfcore.StepToolCall, Tool: "search_jobs", Status: wfcore.StepCompleted, Result: jobsResult(4)}
	step7 := &wfcore.Step{Number: 7, Type: wfcore.StepDecision, Status: wfcore.StepCompleted, Result: map[string]interface{}{"should_retry": false}}
	step8 := &wfcore.Step{Number: 8, Type: wfcore.StepToolCall, Tool: "search_jobs", Description: "retry search"}

	skip, copied := ShouldSkip(step8, []*wfcore.Step{step6, step7})
	require.True(t, skip)
	assert.Equal(t, step6.Result, copied)
}

func TestShouldSkipFalseWhenDecisionWantsRetry(t *testing.T) {
	step6 := &wfcore.Step{Number: 6, Type: wfcore.StepToolCall, Tool: "search_jobs", Status: wfcore.StepCompleted, Result: jobsResult(4)}
	step7 := &wfcore.Step{Number: 7, Type: wfcore.StepDecision, Status: wfcore.StepCompleted, Result: map[string]interface{}{"should_retry": true}}
	step8 := &wfcore.Step{Number: 8, Type: wfcore.StepToolCall, Tool: "search_jobs", Description: "retry search"}

	skip, _ := ShouldSkip(step8, []*wfcore.Step{step6, step7})
	assert.False(t, skip)
}

func TestShouldSkipFalseWhenNoPriorMatches(t *testing.T) {
	step6 := &wfcore.Step{Number: 6, Type: wfcore.StepToolCall, Tool: "search_jobs", Status: wfcore.StepCompleted, Result: jobsResult(0)}
	step7 := &wfcore.Step{Number: 7, Type: wfcore.StepDecision, Status: wfcore.StepCompleted, Result: map[string]interface{}{"should_retry": false}}
	step8 := &wfcore.Step{Number: 8, Type: wfcore.StepToolCall, Tool: "search_jobs", Description: "retry search"}

	skip, _ := ShouldSkip(step8, []*wfcore.Step{step6, step7})
	assert.False(t, skip)
}

// Testable property 7: best-of-retries picks highest match count;
// ties broken by lowest source priority, then lowest step number.
func TestSelectBestHighestCountWins(t *testing.T) {
	steps := []*wfcore.Step{
		{Number: 1, Type: wfcore.StepToolCall, Tool: "search_jobs", Status: wfcore.StepCompleted, Result: jobsResult(2), Parameters: map[string]interface{}{"priority": 0}},
		{Number: 2, Type: wfcore.StepToolCall, Tool: "search_jobs", Status: wfcore.StepCompleted, Result: jobsResult(5), Parameters: map[string]interface{}{"priority": 1}},
	}
	best := SelectBest(steps, "search_jobs")
	require.NotNil(t, best)
	assert.Equal(t, 2, best.Number)
}

func TestSelectBestTieBrokenByPriorityThenStepNumber(t *testing.T) {
	steps := []*wfcore.Step{
		{Number: 3, Type: wfcore.StepToolCall, Tool: "search_jobs", Status: wfcore.StepCompleted, Result: jobsResult(3), Parameters: map[string]interface{}{"priority": 10}},
		{Number: 1, Type: wfcore.StepToolCall, Tool: "search_jobs", Status: wfcore.StepCompleted, Result: jobsResult(3), Parameters: map[string]interface{}{"priority": 2}},
		{Number: 2, Type: wfcore.StepToolCall, Tool: "search_jobs", Status: wfcore.StepCompleted, Result: jobsResult(3), Parameters: map[string]interface{}{"priority": 2}},
	}
	best := SelectBest(steps, "search_jobs")
	require.NotNil(t, best)
	assert.Equal(t, 1, best.Number)
}

func TestProjectResultDefaultsMissingFields(t *testing.T) {
	best := &wfcore.Step{Result: map[string]interface{}{"jobs": []interface{}{"a"}}}
	format := &wfcore.OutputFormat{Fields: map[string]string{"jobs": "array", "company": "string"}}

	projected := ProjectResult(best, format)
	assert.Equal(t, []interface{}{"a"}, projected["jobs"])
	assert.Equal(t, "", projected["company"])
}

func TestSelectBestNoCandidates(t *testing.T) {
	assert.Nil(t, SelectBest(nil, "search_jobs"))
}
