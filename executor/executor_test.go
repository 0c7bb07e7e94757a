package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore/workflowengine/contextstore"
	"github.com/flowcore/workflowengine/wfcore"
)

type fakeRegistry struct {
	invokes int
	failN   int
	result  map[string]interface{}
	err     error
}

func (f *fakeRegistry) Invoke(ctx context.Context, name string, params map[string]interface{}) (map[string]interface{}, error) {
	f.invokes++
	if f.invokes <= f.failN {
		return nil, errors.New("transient tool failure")
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeGateway struct {
	responses []map[string]interface{}
	call      int
}

func (f *fakeGateway) CallStructured(ctx context.Context, prompt string, schema *jsonschema.Schema, userID, agentType string) (map[string]interface{}, error) {
	i := f.call
	f.call++
	if i >= len(f.responses) {
		return map[string]interface{}{}, nil
	}
	return f.responses[i], nil
}

func TestExecuteToolCallSuccess(t *testing.T) {
	store := contextstore.New()
	reg := &fakeRegistry{result: map[string]interface{}{"status": "success", "count": 3}}
	e := New(reg, nil, nil, nil, nil)
	e.retryDelay = 0

	step := &wfcore.Step{Number: 1, Type: wfcore.StepToolCall, Tool: "search", Parameters: map[string]interface{}{"q": "go"}}
	outcome := e.Execute(context.Background(), step, store, "session-1", "user-1")

	require.Equal(t, OutcomeDone, outcome.Kind)
	assert.Equal(t, "success", outcome.Value["status"])
}

func TestExecuteToolCallUnresolvedPlaceholder(t *testing.T) {
	store := contextstore.New()
	e := New(&fakeRegistry{}, nil, nil, nil, nil)

	step := &wfcore.Step{Number: 2, Type: wfcore.StepToolCall, Tool: "search", Parameters: map[string]interface{}{"q": "{{step_1.result.missing}}"}}
	outcome := e.Execute(context.Background(), step, store, "session-1", "user-1")

	require.Equal(t, OutcomeFail, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, wfcore.ErrUnresolvedPlaceholder)
}

func TestExecuteToolCallRetriesThenSucceeds(t *testing.T) {
	store := contextstore.New()
	reg := &fakeRegistry{failN: 1, result: map[string]interface{}{"status": "success"}}
	e := New(reg, nil, nil, nil, nil)
	e.retryDelay = 0

	step := &wfcore.Step{Number: 1, Type: wfcore.StepToolCall, Tool: "search", Parameters: map[string]interface{}{}}
	outcome := e.Execute(context.Background(), step, store, "session-1", "user-1")

	require.Equal(t, OutcomeDone, outcome.Kind)
	assert.Equal(t, 2, reg.invokes)
}

// S4 from the literal scenarios: empty salvage re-prompt.
func TestEmptyResultSalvageScenarioS4(t *testing.T) {
	store := contextstore.New()
	gw := &fakeGateway{responses: []map[string]interface{}{
		{"job_title": "", "job_location": ""},
		{"job_title": "Engineer", "job_location": "Berlin"},
	}}
	e := New(nil, gw, nil, nil, nil)

	step := &wfcore.Step{
		Number: 3, Type: wfcore.StepAnalysis, Description: "extract job info",
		OutputFormat: &wfcore.OutputFormat{Fields: map[string]string{"job_title": "string", "job_location": "string"}},
	}
	outcome := e.Execute(context.Background(), step, store, "session-1", "user-1")

	require.Equal(t, OutcomeDone, outcome.Kind)
	assert.Equal(t, "Engineer", outcome.Value["job_title"])
	assert.Equal(t, "Berlin", outcome.Value["job_location"])
	assert.Equal(t, 2, gw.call)
}

func TestFieldDefaultingByType(t *testing.T) {
	store := contextstore.New()
	gw := &fakeGateway{responses: []map[string]interface{}{{}}}
	e := New(nil, gw, nil, nil, nil)

	step := &wfcore.Step{
		Number: 1, Type: wfcore.StepAnalysis,
		OutputFormat: &wfcore.OutputFormat{Fields: map[string]string{
			"count": "integer", "ratio": "number", "ok": "boolean", "items": "array", "name": "string",
		}},
	}
	outcome := e.Execute(context.Background(), step, store, "session-1", "user-1")
	require.Equal(t, OutcomeDone, outcome.Kind)
	assert.Equal(t, 0, outcome.Value["count"])
	assert.Equal(t, 0.0, outcome.Value["ratio"])
	assert.Equal(t, false, outcome.Value["ok"])
	assert.Equal(t, []interface{}{}, outcome.Value["items"])
	assert.Equal(t, "", outcome.Value["name"])
}
