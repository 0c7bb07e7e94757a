// Package orchestrator implements the Workflow Orchestrator (C8): it
// walks a workflow's steps in order, owns every persisted state
// transition, and composes the Step Executor, Retry Controller, and
// Status Stream by plain method calls — the design notes' replacement
// for the teacher's trait-composition pattern. The bounded
// cross-workflow worker pool is grounded on the concurrent-worker-pool
// shape of the teacher's orchestration/task_worker.go (a fixed number
// of workers draining a shared queue, one task per workflow, no
// per-task goroutine leak), reimplemented with
// golang.org/x/sync/errgroup's SetLimit instead of the teacher's
// hand-rolled sync.WaitGroup + atomic counters, since errgroup already
// sits in the dependency graph pulled in by the pack (x/sync appears in
// jordigilh-kubernaut's and goadesign-goa-ai's go.mod) and collapses
// the same bounded-fan-out into fewer moving parts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowcore/workflowengine/contextstore"
	"github.com/flowcore/workflowengine/executor"
	"github.com/flowcore/workflowengine/retry"
	"github.com/flowcore/workflowengine/wfcore"
)

// maxOptionalFailures bounds how many optional-tool failures a
// workflow tolerates before failing outright (spec §4.6 "fewer than 3
// total failures").
const maxOptionalFailures = 3

// StepExecutor is the subset of the Step Executor the orchestrator
// needs.
type StepExecutor interface {
	Execute(ctx context.Context, step *wfcore.Step, store *contextstore.Store, sessionID, userID string) executor.Outcome
}

// Persistence is the subset of the Persistence Adapter the
// orchestrator needs; it is the only component permitted to write
// through it (spec §4.6).
type Persistence interface {
	SaveStep(ctx context.Context, workflowID string, step *wfcore.Step) error
	SetWorkflowStatus(ctx context.Context, workflowID string, status wfcore.WorkflowStatus, currentStep int, completedAt *time.Time) error
	LoadWorkflow(ctx context.Context, workflowID string) (*wfcore.Workflow, error)
}

// StatusPublisher is the subset of the Status Stream the orchestrator
// needs.
type StatusPublisher interface {
	Publish(ctx context.Context, sessionID, message string)
}

// OptionalChecker reports whether a tool is part of the orchestrator's
// failure-tolerance allow-list (registry.Contract.Optional, spec §4.6
// / §9 open question: a capability flag instead of a hardcoded list).
type OptionalChecker interface {
	IsOptional(tool string) bool
}

// Tracer starts a named span around one step dispatch, returning the
// derived context and an end function the caller defers. Optional: a
// nil Tracer (the default) means spans are simply not recorded.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, func())
}

type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, name string) (context.Context, func()) {
	return ctx, func() {}
}

// WarningReset is the subset of the Token Limiter the orchestrator
// needs to clear per-workflow warning dedup state at the start of a
// run (spec §4.7: a warning fires "once per window per workflow", so
// the dedup must not carry over from a user's previous workflow).
type WarningReset interface {
	ResetWarnings(userID string)
}

type noopWarningReset struct{}

func (noopWarningReset) ResetWarnings(string) {}

// Orchestrator is the Workflow Orchestrator component (C8).
type Orchestrator struct {
	executor    StepExecutor
	persistence Persistence
	status      StatusPublisher
	optional    OptionalChecker
	tracer      Tracer
	warnings    WarningReset
	logger      wfcore.Logger

	pool *errgroup.Group

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithWorkerLimit bounds how many workflows run concurrently (spec §5:
// "a bounded worker pool sized for external-I/O concurrency"). Default
// is 32.
func WithWorkerLimit(n int) Option {
	return func(o *Orchestrator) { o.pool.SetLimit(n) }
}

// WithLogger attaches a structured logger.
func WithLogger(l wfcore.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTracer attaches a span tracer around each step dispatch.
func WithTracer(t Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithWarningReset wires the token limiter's per-workflow warning
// dedup reset, called once at the start of every Run.
func WithWarningReset(w WarningReset) Option {
	return func(o *Orchestrator) { o.warnings = w }
}

// New builds an Orchestrator.
func New(exec StepExecutor, persistence Persistence, status StatusPublisher, optional OptionalChecker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		executor:    exec,
		persistence: persistence,
		status:      status,
		optional:    optional,
		tracer:      noopTracer{},
		warnings:    noopWarningReset{},
		logger:      wfcore.NoOpLogger{},
		pool:        &errgroup.Group{},
		cancels:     make(map[string]context.CancelFunc),
	}
	o.pool.SetLimit(32)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit runs wf on the bounded worker pool; it returns once a slot is
// available and the task has been queued, not once the workflow
// finishes. Errors surface through Wait.
func (o *Orchestrator) Submit(ctx context.Context, wf *wfcore.Workflow, userID string) {
	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancels[wf.ID] = cancel
	o.mu.Unlock()

	o.pool.Go(func() error {
		defer func() {
			o.mu.Lock()
			delete(o.cancels, wf.ID)
			o.mu.Unlock()
			cancel()
		}()
		return o.Run(runCtx, wf, userID)
	})
}

// Wait blocks until every submitted workflow has finished.
func (o *Orchestrator) Wait() error {
	return o.pool.Wait()
}

// Cancel requests cancellation of a running workflow; the workflow
// reaches a terminal state at its next suspension point (testable
// property 9, scenario S6).
func (o *Orchestrator) Cancel(workflowID string) {
	o.mu.Lock()
	cancel, ok := o.cancels[workflowID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

// Run executes wf's algorithm per spec §4.6, synchronously, on the
// calling goroutine. Steps within one workflow run sequentially; no
// locking of Context/Step state is needed (spec §5).
func (o *Orchestrator) Run(ctx context.Context, wf *wfcore.Workflow, userID string) error {
	// Resume re-enters Run on a workflow still in waiting_confirmation;
	// only reset the warning dedup state on a genuinely fresh start, not
	// on every confirmation resume within the same workflow.
	freshStart := wf.Status == wfcore.WorkflowPlanning

	store := contextstore.New()
	for _, step := range wf.Steps {
		if step.Status == wfcore.StepCompleted {
			store.SetStepResult(step.Number, step.Result)
		}
	}

	wf.Status = wfcore.WorkflowRunning
	if err := o.persistence.SetWorkflowStatus(ctx, wf.ID, wf.Status, wf.CurrentStep, nil); err != nil {
		return fmt.Errorf("orchestrator: persist running: %w", err)
	}
	if freshStart {
		o.warnings.ResetWarnings(userID)
	}

	failures := 0

	for _, step := range wf.Steps {
		if step.Status == wfcore.StepCompleted {
			continue
		}

		if err := ctx.Err(); err != nil {
			return o.cancelWorkflow(ctx, wf, step, userID)
		}

		priorSteps := completedPrefix(wf.Steps, step.Number)

		if step.RequiresConfirmation && step.Status != wfcore.StepRunning {
			wf.Status = wfcore.WorkflowWaitingConfirmation
			wf.CurrentStep = step.Number
			if err := o.persistence.SetWorkflowStatus(ctx, wf.ID, wf.Status, wf.CurrentStep, nil); err != nil {
				return fmt.Errorf("orchestrator: persist waiting_confirmation: %w", err)
			}
			o.emit(ctx, wf.SessionID, fmt.Sprintf("step %d awaiting confirmation", step.Number))
			return nil
		}

		if skip, copied := retry.ShouldSkip(step, priorSteps); skip {
			o.completeAsSkipped(ctx, wf, step, copied, "skipped: superseded by a prior successful attempt")
			store.SetStepResult(step.Number, step.Result)
			continue
		}

		if retry.IsTerminalSelection(step) {
			best := retry.SelectBest(wf.Steps, retryToolFamily(priorSteps))
			projected := retry.ProjectResult(best, step.OutputFormat)
			o.completeStep(ctx, wf, step, projected)
			store.SetStepResult(step.Number, step.Result)
			continue
		}

		step.Status = wfcore.StepRunning
		if err := o.persistence.SaveStep(ctx, wf.ID, step); err != nil {
			return fmt.Errorf("orchestrator: persist step %d running: %w", step.Number, err)
		}

		spanCtx, endSpan := o.tracer.StartSpan(ctx, fmt.Sprintf("orchestrator.step.%s", step.Type))
		outcome := o.executor.Execute(spanCtx, step, store, wf.SessionID, userID)
		endSpan()

		if err := ctx.Err(); err != nil {
			return o.cancelWorkflow(ctx, wf, step, userID)
		}

		switch outcome.Kind {
		case executor.OutcomeDone:
			o.completeStep(ctx, wf, step, outcome.Value)
			store.SetStepResult(step.Number, step.Result)

		case executor.OutcomeSkip:
			o.completeAsSkipped(ctx, wf, step, outcome.Value, outcome.Reason)
			store.SetStepResult(step.Number, step.Result)

		case executor.OutcomeFail:
			if errors.Is(outcome.Err, wfcore.ErrTokenLimitReached) {
				// A token-exhausted call is a systemic resource limit, not
				// a single tool's own failure: it always fails the
				// workflow, even for an optional tool (spec §4.7/§7).
				return o.failWorkflow(ctx, wf, step, outcome.Err)
			}
			failures++
			if o.optional != nil && o.optional.IsOptional(step.Tool) && failures < maxOptionalFailures {
				placeholder := executor.Placeholder(step.OutputFormat)
				o.completeAsSkipped(ctx, wf, step, placeholder, fmt.Sprintf("optional tool failed: %v", outcome.Err))
				store.SetStepResult(step.Number, step.Result)
				continue
			}
			return o.failWorkflow(ctx, wf, step, outcome.Err)
		}
	}

	now := time.Now()
	wf.Status = wfcore.WorkflowCompleted
	wf.CompletedAt = &now
	if err := o.persistence.SetWorkflowStatus(ctx, wf.ID, wf.Status, wf.CurrentStep, &now); err != nil {
		return fmt.Errorf("orchestrator: persist completed: %w", err)
	}
	o.emit(ctx, wf.SessionID, "workflow completed")
	return nil
}

// Resume implements the [SUPPLEMENT] confirmation resume operation:
// waiting_confirmation -> running (continue from the paused step) or
// -> cancelled.
func (o *Orchestrator) Resume(ctx context.Context, workflowID string, confirmed bool, userID string) error {
	wf, err := o.persistence.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("orchestrator: resume: load workflow: %w", err)
	}
	if wf.Status != wfcore.WorkflowWaitingConfirmation {
		return fmt.Errorf("orchestrator: resume %s: %w", workflowID, wfcore.ErrNotAwaitingConfirm)
	}

	pausedStep := wf.StepByNumber(wf.CurrentStep)
	if !confirmed {
		now := time.Now()
		wf.Status = wfcore.WorkflowCancelled
		if pausedStep != nil {
			pausedStep.Status = wfcore.StepFailed
			pausedStep.Error = "cancelled: confirmation rejected"
			_ = o.persistence.SaveStep(ctx, wf.ID, pausedStep)
		}
		if err := o.persistence.SetWorkflowStatus(ctx, wf.ID, wf.Status, wf.CurrentStep, &now); err != nil {
			return fmt.Errorf("orchestrator: resume: persist cancelled: %w", err)
		}
		o.emit(ctx, wf.SessionID, fmt.Sprintf("step %d confirmation rejected, workflow cancelled", wf.CurrentStep))
		return nil
	}

	if pausedStep != nil {
		// Mark running so Run's RequiresConfirmation gate doesn't pause
		// on it a second time.
		pausedStep.Status = wfcore.StepRunning
	}
	return o.Run(ctx, wf, userID)
}

func (o *Orchestrator) completeStep(ctx context.Context, wf *wfcore.Workflow, step *wfcore.Step, result map[string]interface{}) {
	now := time.Now()
	step.Status = wfcore.StepCompleted
	step.Result = result
	step.CompletedAt = &now
	if err := o.persistence.SaveStep(ctx, wf.ID, step); err != nil {
		o.logger.Error("orchestrator: persist completed step failed", map[string]interface{}{"workflow": wf.ID, "step": step.Number, "error": err.Error()})
	}
	wf.CurrentStep = step.Number
	o.emit(ctx, wf.SessionID, fmt.Sprintf("step %d completed", step.Number))
}

func (o *Orchestrator) completeAsSkipped(ctx context.Context, wf *wfcore.Workflow, step *wfcore.Step, result map[string]interface{}, reason string) {
	now := time.Now()
	step.Status = wfcore.StepSkipped
	step.Result = result
	step.Error = reason
	step.CompletedAt = &now
	if err := o.persistence.SaveStep(ctx, wf.ID, step); err != nil {
		o.logger.Error("orchestrator: persist skipped step failed", map[string]interface{}{"workflow": wf.ID, "step": step.Number, "error": err.Error()})
	}
	wf.CurrentStep = step.Number
	o.emit(ctx, wf.SessionID, fmt.Sprintf("step %d skipped: %s", step.Number, reason))
}

func (o *Orchestrator) failWorkflow(ctx context.Context, wf *wfcore.Workflow, step *wfcore.Step, cause error) error {
	reason := cause.Error()
	if errors.Is(cause, wfcore.ErrTokenLimitReached) {
		reason = "token-exhausted: " + reason
	}

	now := time.Now()
	step.Status = wfcore.StepFailed
	step.Error = reason
	step.CompletedAt = &now
	_ = o.persistence.SaveStep(ctx, wf.ID, step)

	wf.Status = wfcore.WorkflowFailed
	wf.CompletedAt = &now
	if err := o.persistence.SetWorkflowStatus(ctx, wf.ID, wf.Status, wf.CurrentStep, &now); err != nil {
		o.logger.Error("orchestrator: persist failed workflow failed", map[string]interface{}{"workflow": wf.ID, "error": err.Error()})
	}
	o.emit(ctx, wf.SessionID, fmt.Sprintf("step %d failed: %s", step.Number, reason))
	return wfcore.NewStepError("orchestrator.Run", wf.SessionID, step.Number, reason, wfcore.ErrWorkflowFailed)
}

// cancelWorkflow implements the cancellation path (spec §5, testable
// property 9, scenario S6): mark workflow cancelled, the in-flight
// step failed with a cancellation reason, persist, emit, return.
func (o *Orchestrator) cancelWorkflow(ctx context.Context, wf *wfcore.Workflow, inFlight *wfcore.Step, userID string) error {
	// Use a fresh background context: the persistence/status writes
	// below must still succeed even though ctx itself is cancelled.
	writeCtx := context.Background()

	now := time.Now()
	inFlight.Status = wfcore.StepFailed
	inFlight.Error = wfcore.ErrCancelled.Error()
	inFlight.CompletedAt = &now
	_ = o.persistence.SaveStep(writeCtx, wf.ID, inFlight)

	wf.Status = wfcore.WorkflowCancelled
	wf.CompletedAt = &now
	if err := o.persistence.SetWorkflowStatus(writeCtx, wf.ID, wf.Status, wf.CurrentStep, &now); err != nil {
		o.logger.Error("orchestrator: persist cancelled workflow failed", map[string]interface{}{"workflow": wf.ID, "error": err.Error()})
	}
	o.emit(writeCtx, wf.SessionID, fmt.Sprintf("workflow cancelled during step %d", inFlight.Number))
	return wfcore.ErrCancelled
}

func (o *Orchestrator) emit(ctx context.Context, sessionID, message string) {
	if o.status != nil {
		o.status.Publish(ctx, sessionID, message)
	}
}

// completedPrefix returns every step with a number less than before,
// in their existing order, used by the Retry Controller's history
// queries (spec §4.3 operates only on steps strictly earlier).
func completedPrefix(steps []*wfcore.Step, before int) []*wfcore.Step {
	out := make([]*wfcore.Step, 0, len(steps))
	for _, s := range steps {
		if s.Number < before {
			out = append(out, s)
		}
	}
	return out
}

// retryToolFamily finds the tool name of the nearest preceding
// tool_call step, used to scope the best-of-retries aggregator when a
// terminal-selection decision doesn't itself name a tool.
func retryToolFamily(priorSteps []*wfcore.Step) string {
	for i := len(priorSteps) - 1; i >= 0; i-- {
		if priorSteps[i].Type == wfcore.StepToolCall {
			return priorSteps[i].Tool
		}
	}
	return ""
}
