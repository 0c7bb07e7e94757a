package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore/workflowengine/wfcore"
)

type scriptedCaller struct {
	responses []string
	calls     int
}

func (s *scriptedCaller) Call(ctx context.Context, prompt, userID, agentType string) (string, error) {
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	return s.responses[idx], nil
}

type fakeCatalog struct {
	known map[string]bool
}

func (f *fakeCatalog) Known(name string) bool { return f.known[name] }

func (f *fakeCatalog) List() []ToolSummary {
	out := make([]ToolSummary, 0, len(f.known))
	for name := range f.known {
		out = append(out, ToolSummary{Name: name, Description: "test tool"})
	}
	return out
}

func TestPlanAcceptsValidPlanFirstTry(t *testing.T) {
	valid := `{"steps":[
		{"number":1,"type":"tool_call","description":"search","tool":"search_jobs","parameters":{}},
		{"number":2,"type":"analysis","description":"summarize","output_format":{"type":"object","fields":{"summary":"string"}}}
	]}`
	gw := &scriptedCaller{responses: []string{valid}}
	catalog := &fakeCatalog{known: map[string]bool{"search_jobs": true}}
	p := New(gw, catalog, wfcore.NoOpLogger{})

	wf, err := p.Plan(context.Background(), "find me a job", "sess-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, wfcore.WorkflowPlanning, wf.Status)
	assert.Len(t, wf.Steps, 2)
	assert.Equal(t, 1, gw.calls)
}

func TestPlanRejectsUnknownToolThenRepairs(t *testing.T) {
	invalid := `{"steps":[{"number":1,"type":"tool_call","description":"search","tool":"nonexistent_tool","parameters":{}}]}`
	repaired := `{"steps":[{"number":1,"type":"tool_call","description":"search","tool":"search_jobs","parameters":{}}]}`
	gw := &scriptedCaller{responses: []string{invalid, repaired}}
	catalog := &fakeCatalog{known: map[string]bool{"search_jobs": true}}
	p := New(gw, catalog, wfcore.NoOpLogger{})

	wf, err := p.Plan(context.Background(), "find me a job", "sess-2", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "search_jobs", wf.Steps[0].Tool)
	assert.Equal(t, 2, gw.calls)
}

func TestPlanFailsAfterRepairStillInvalid(t *testing.T) {
	invalid := `{"steps":[{"number":1,"type":"tool_call","description":"search","tool":"nonexistent_tool","parameters":{}}]}`
	gw := &scriptedCaller{responses: []string{invalid, invalid}}
	catalog := &fakeCatalog{known: map[string]bool{"search_jobs": true}}
	p := New(gw, catalog, wfcore.NoOpLogger{})

	_, err := p.Plan(context.Background(), "find me a job", "sess-3", "user-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, wfcore.ErrPlanValidationFailed)
	assert.Equal(t, 2, gw.calls)
}

func TestValidateRejectsForwardReference(t *testing.T) {
	plan := &rawPlan{Steps: []rawStep{
		{Number: 1, Type: "tool_call", Tool: "search_jobs", Parameters: map[string]interface{}{"q": "{{step_2.result.x}}"}},
		{Number: 2, Type: "tool_call", Tool: "search_jobs"},
	}}
	catalog := &fakeCatalog{known: map[string]bool{"search_jobs": true}}
	p := New(&scriptedCaller{}, catalog, wfcore.NoOpLogger{})

	err := p.validate(plan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not strictly earlier")
}

func TestValidateRejectsSelfReference(t *testing.T) {
	plan := &rawPlan{Steps: []rawStep{
		{Number: 1, Type: "tool_call", Tool: "search_jobs", Parameters: map[string]interface{}{"q": "{{step_1.result.x}}"}},
	}}
	catalog := &fakeCatalog{known: map[string]bool{"search_jobs": true}}
	p := New(&scriptedCaller{}, catalog, wfcore.NoOpLogger{})

	err := p.validate(plan)
	require.Error(t, err)
}

func TestValidateRequiresCatalogFirstWhenDocumentsNeeded(t *testing.T) {
	plan := &rawPlan{Steps: []rawStep{
		{Number: 1, Type: "tool_call", Tool: "search_jobs"},
		{Number: 2, Type: "tool_call", Tool: "list_documents"},
	}}
	catalog := &fakeCatalog{known: map[string]bool{"search_jobs": true, "list_documents": true}}
	p := New(&scriptedCaller{}, catalog, wfcore.NoOpLogger{})

	err := p.validate(plan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog/list step")
}

func TestValidateAcceptsCatalogFirstStep(t *testing.T) {
	plan := &rawPlan{Steps: []rawStep{
		{Number: 1, Type: "tool_call", Tool: "list_documents"},
		{Number: 2, Type: "tool_call", Tool: "search_jobs"},
	}}
	catalog := &fakeCatalog{known: map[string]bool{"search_jobs": true, "list_documents": true}}
	p := New(&scriptedCaller{}, catalog, wfcore.NoOpLogger{})

	assert.NoError(t, p.validate(plan))
}
