package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore/workflowengine/contextstore"
	"github.com/flowcore/workflowengine/executor"
	"github.com/flowcore/workflowengine/wfcore"
)

// fakeExecutor dispatches steps by a caller-supplied function so each
// test can script exactly one outcome per step number.
type fakeExecutor struct {
	mu      sync.Mutex
	byStep  map[int]executor.Outcome
	delay   time.Duration
	calls   []int
}

func (f *fakeExecutor) Execute(ctx context.Context, step *wfcore.Step, store *contextstore.Store, sessionID, userID string) executor.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, step.Number)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return executor.Fail(ctx.Err())
		case <-time.After(f.delay):
		}
	}
	if out, ok := f.byStep[step.Number]; ok {
		return out
	}
	return executor.Done(map[string]interface{}{"status": "success"})
}

// fakePersistence records every write so tests can assert on the
// sequence without a real database.
type fakePersistence struct {
	mu             sync.Mutex
	steps          map[int]*wfcore.Step
	workflowStatus wfcore.WorkflowStatus
	workflows      map[string]*wfcore.Workflow
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{steps: make(map[int]*wfcore.Step), workflows: make(map[string]*wfcore.Workflow)}
}

func (f *fakePersistence) SaveStep(ctx context.Context, workflowID string, step *wfcore.Step) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *step
	f.steps[step.Number] = &cp
	return nil
}

func (f *fakePersistence) SetWorkflowStatus(ctx context.Context, workflowID string, status wfcore.WorkflowStatus, currentStep int, completedAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workflowStatus = status
	return nil
}

func (f *fakePersistence) LoadWorkflow(ctx context.Context, workflowID string) (*wfcore.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[workflowID]
	if !ok {
		return nil, errors.New("not found")
	}
	return wf, nil
}

type fakeStatus struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeStatus) Publish(ctx context.Context, sessionID, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
}

type fakeOptional struct {
	tools map[string]bool
}

func (f *fakeOptional) IsOptional(tool string) bool { return f.tools[tool] }

type fakeWarningReset struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeWarningReset) ResetWarnings(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userID)
}

func step(n int, typ wfcore.StepType, opts ...func(*wfcore.Step)) *wfcore.Step {
	s := &wfcore.Step{Number: n, Type: typ, Status: wfcore.StepPending}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func withTool(name string) func(*wfcore.Step) {
	return func(s *wfcore.Step) { s.Tool = name }
}

func TestRunHappyPath(t *testing.T) {
	wf := &wfcore.Workflow{
		ID:        "wf-1",
		SessionID: "sess-1",
		Steps: []*wfcore.Step{
			step(1, wfcore.StepToolCall, withTool("search_jobs")),
			step(2, wfcore.StepAnalysis),
		},
	}
	exec := &fakeExecutor{byStep: map[int]executor.Outcome{}}
	persist := newFakePersistence()
	statusPub := &fakeStatus{}
	orch := New(exec, persist, statusPub, &fakeOptional{})

	err := orch.Run(context.Background(), wf, "user-1")
	require.NoError(t, err)
	assert.Equal(t, wfcore.WorkflowCompleted, wf.Status)
	assert.Equal(t, wfcore.StepCompleted, persist.steps[1].Status)
	assert.Equal(t, wfcore.StepCompleted, persist.steps[2].Status)
	assert.NotEmpty(t, statusPub.messages)
}

func TestRunOptionalToolFailureTolerated(t *testing.T) {
	wf := &wfcore.Workflow{
		ID:        "wf-2",
		SessionID: "sess-2",
		Steps: []*wfcore.Step{
			step(1, wfcore.StepToolCall, withTool("enrich_company"), func(s *wfcore.Step) {
				s.OutputFormat = &wfcore.OutputFormat{Fields: map[string]string{"size": "string"}}
			}),
			step(2, wfcore.StepAnalysis),
		},
	}
	exec := &fakeExecutor{byStep: map[int]executor.Outcome{
		1: executor.Fail(errors.New("upstream unavailable")),
	}}
	persist := newFakePersistence()
	statusPub := &fakeStatus{}
	orch := New(exec, persist, statusPub, &fakeOptional{tools: map[string]bool{"enrich_company": true}})

	err := orch.Run(context.Background(), wf, "user-1")
	require.NoError(t, err)
	assert.Equal(t, wfcore.WorkflowCompleted, wf.Status)
	assert.Equal(t, wfcore.StepSkipped, persist.steps[1].Status)
	assert.Equal(t, "", persist.steps[1].Result["size"])
}

func TestRunNonOptionalFailureFailsWorkflow(t *testing.T) {
	wf := &wfcore.Workflow{
		ID:        "wf-3",
		SessionID: "sess-3",
		Steps: []*wfcore.Step{
			step(1, wfcore.StepToolCall, withTool("search_jobs")),
			step(2, wfcore.StepAnalysis),
		},
	}
	exec := &fakeExecutor{byStep: map[int]executor.Outcome{
		1: executor.Fail(errors.New("permanent failure")),
	}}
	persist := newFakePersistence()
	statusPub := &fakeStatus{}
	orch := New(exec, persist, statusPub, &fakeOptional{})

	err := orch.Run(context.Background(), wf, "user-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, wfcore.ErrWorkflowFailed)
	assert.Equal(t, wfcore.WorkflowFailed, wf.Status)
	assert.Equal(t, wfcore.StepFailed, persist.steps[1].Status)
	assert.Len(t, exec.calls, 1, "step 2 must not run after a terminal failure")
}

func TestRunSkipsRetryStepWhenEarlierAttemptSucceeded(t *testing.T) {
	wf := &wfcore.Workflow{
		ID:        "wf-4",
		SessionID: "sess-4",
		Steps: []*wfcore.Step{
			step(1, wfcore.StepToolCall, withTool("search_jobs"), func(s *wfcore.Step) {
				s.Status = wfcore.StepCompleted
				s.Result = map[string]interface{}{"jobs": []interface{}{"a", "b"}}
			}),
			step(2, wfcore.StepDecision, func(s *wfcore.Step) {
				s.Status = wfcore.StepCompleted
				s.Result = map[string]interface{}{"should_retry": false}
			}),
			step(3, wfcore.StepToolCall, withTool("search_jobs"), func(s *wfcore.Step) {
				s.Description = "retry versuch 2"
			}),
		},
	}
	exec := &fakeExecutor{byStep: map[int]executor.Outcome{}}
	persist := newFakePersistence()
	statusPub := &fakeStatus{}
	orch := New(exec, persist, statusPub, &fakeOptional{})

	err := orch.Run(context.Background(), wf, "user-1")
	require.NoError(t, err)
	assert.Equal(t, wfcore.StepSkipped, persist.steps[3].Status)
	assert.Equal(t, []interface{}{"a", "b"}, persist.steps[3].Result["jobs"])
	assert.Empty(t, exec.calls, "the retry step must never reach the executor")
}

func TestRunTerminalSelectionProjectsBestAttempt(t *testing.T) {
	wf := &wfcore.Workflow{
		ID:        "wf-5",
		SessionID: "sess-5",
		Steps: []*wfcore.Step{
			step(1, wfcore.StepToolCall, withTool("search_jobs"), func(s *wfcore.Step) {
				s.Status = wfcore.StepCompleted
				s.Result = map[string]interface{}{"jobs": []interface{}{"a"}}
			}),
			step(2, wfcore.StepToolCall, withTool("search_jobs"), func(s *wfcore.Step) {
				s.Status = wfcore.StepCompleted
				s.Result = map[string]interface{}{"jobs": []interface{}{"a", "b", "c"}}
			}),
			step(3, wfcore.StepDecision, func(s *wfcore.Step) {
				s.Description = "wähle besten aus allen Versuchen"
				s.OutputFormat = &wfcore.OutputFormat{Fields: map[string]string{"jobs": "array"}}
			}),
		},
	}
	exec := &fakeExecutor{byStep: map[int]executor.Outcome{}}
	persist := newFakePersistence()
	statusPub := &fakeStatus{}
	orch := New(exec, persist, statusPub, &fakeOptional{})

	err := orch.Run(context.Background(), wf, "user-1")
	require.NoError(t, err)
	assert.Equal(t, wfcore.StepCompleted, persist.steps[3].Status)
	assert.Equal(t, []interface{}{"a", "b", "c"}, persist.steps[3].Result["jobs"])
	assert.Empty(t, exec.calls, "a terminal-selection step is resolved locally, never dispatched")
}

func TestRunPausesForConfirmationAndResumeContinues(t *testing.T) {
	wf := &wfcore.Workflow{
		ID:        "wf-6",
		SessionID: "sess-6",
		Steps: []*wfcore.Step{
			step(1, wfcore.StepToolCall, withTool("send_application"), func(s *wfcore.Step) {
				s.RequiresConfirmation = true
			}),
			step(2, wfcore.StepNotification),
		},
	}
	exec := &fakeExecutor{byStep: map[int]executor.Outcome{}}
	persist := newFakePersistence()
	persist.workflows[wf.ID] = wf
	statusPub := &fakeStatus{}
	orch := New(exec, persist, statusPub, &fakeOptional{})

	err := orch.Run(context.Background(), wf, "user-1")
	require.NoError(t, err)
	assert.Equal(t, wfcore.WorkflowWaitingConfirmation, wf.Status)
	assert.Empty(t, exec.calls)

	err = orch.Resume(context.Background(), wf.ID, true, "user-1")
	require.NoError(t, err)
	assert.Equal(t, wfcore.WorkflowCompleted, wf.Status)
	assert.Equal(t, []int{1, 2}, exec.calls)
}

func TestRunCancellationScenarioS6(t *testing.T) {
	wf := &wfcore.Workflow{
		ID:        "wf-7",
		SessionID: "sess-7",
		Steps: []*wfcore.Step{
			step(1, wfcore.StepToolCall, withTool("search_jobs")),
			step(2, wfcore.StepAnalysis),
		},
	}
	exec := &fakeExecutor{byStep: map[int]executor.Outcome{}, delay: 200 * time.Millisecond}
	persist := newFakePersistence()
	statusPub := &fakeStatus{}
	orch := New(exec, persist, statusPub, &fakeOptional{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := orch.Run(ctx, wf, "user-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, wfcore.ErrCancelled)
	assert.Equal(t, wfcore.WorkflowCancelled, wf.Status)
	assert.Equal(t, wfcore.StepFailed, persist.steps[1].Status)
	assert.Len(t, exec.calls, 1, "step 2 must never start once cancellation is observed")
}

func TestRunTokenLimitReachedFailsWorkflowEvenForOptionalTool(t *testing.T) {
	wf := &wfcore.Workflow{
		ID:        "wf-9",
		SessionID: "sess-9",
		Status:    wfcore.WorkflowPlanning,
		Steps: []*wfcore.Step{
			step(1, wfcore.StepToolCall, withTool("enrich_company"), func(s *wfcore.Step) {
				s.OutputFormat = &wfcore.OutputFormat{Fields: map[string]string{"size": "string"}}
			}),
			step(2, wfcore.StepAnalysis),
		},
	}
	exec := &fakeExecutor{byStep: map[int]executor.Outcome{
		1: executor.Fail(fmt.Errorf("llm: %w: window minute", wfcore.ErrTokenLimitReached)),
	}}
	persist := newFakePersistence()
	statusPub := &fakeStatus{}
	warnings := &fakeWarningReset{}
	orch := New(exec, persist, statusPub, &fakeOptional{tools: map[string]bool{"enrich_company": true}}, WithWarningReset(warnings))

	err := orch.Run(context.Background(), wf, "user-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, wfcore.ErrWorkflowFailed)
	assert.Equal(t, wfcore.WorkflowFailed, wf.Status)
	assert.Equal(t, wfcore.StepFailed, persist.steps[1].Status)
	assert.Contains(t, persist.steps[1].Error, "token-exhausted")
	assert.Len(t, exec.calls, 1, "step 2 must not run after a token-limit failure")
	assert.Equal(t, []string{"user-1"}, warnings.calls, "ResetWarnings must fire once at a fresh workflow start")
}

func TestRunDoesNotResetWarningsOnResume(t *testing.T) {
	wf := &wfcore.Workflow{
		ID:        "wf-10",
		SessionID: "sess-10",
		Status:    wfcore.WorkflowPlanning,
		Steps: []*wfcore.Step{
			step(1, wfcore.StepToolCall, withTool("send_application"), func(s *wfcore.Step) {
				s.RequiresConfirmation = true
			}),
			step(2, wfcore.StepNotification),
		},
	}
	exec := &fakeExecutor{byStep: map[int]executor.Outcome{}}
	persist := newFakePersistence()
	persist.workflows[wf.ID] = wf
	statusPub := &fakeStatus{}
	warnings := &fakeWarningReset{}
	orch := New(exec, persist, statusPub, &fakeOptional{}, WithWarningReset(warnings))

	require.NoError(t, orch.Run(context.Background(), wf, "user-1"))
	assert.Equal(t, []string{"user-1"}, warnings.calls)

	require.NoError(t, orch.Resume(context.Background(), wf.ID, true, "user-1"))
	assert.Equal(t, []string{"user-1"}, warnings.calls, "resuming a paused workflow must not re-arm warnings")
}

func TestSubmitRunsOnWorkerPoolAndWaitBlocksUntilDone(t *testing.T) {
	wf := &wfcore.Workflow{
		ID:        "wf-8",
		SessionID: "sess-8",
		Steps:     []*wfcore.Step{step(1, wfcore.StepToolCall, withTool("search_jobs"))},
	}
	exec := &fakeExecutor{byStep: map[int]executor.Outcome{}}
	persist := newFakePersistence()
	statusPub := &fakeStatus{}
	orch := New(exec, persist, statusPub, &fakeOptional{}, WithWorkerLimit(2))

	orch.Submit(context.Background(), wf, "user-1")
	require.NoError(t, orch.Wait())
	assert.Equal(t, wfcore.WorkflowCompleted, wf.Status)
}
