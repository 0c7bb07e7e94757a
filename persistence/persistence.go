// Package persistence implements the Persistence Adapter (C12): durable
// storage for workflows, steps, and token usage, surviving process
// restarts. Grounded on the teacher's Postgres store idiom
// (store/postgres/postgres.go from the retrieved pack: externally-owned
// *pgxpool.Pool via constructor injection, idempotent CREATE TABLE IF
// NOT EXISTS in Init, row-level transactions for multi-statement
// writes) applied to the workflow/step/usage row shapes of spec §6.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowcore/workflowengine/wfcore"
)

// execer is the subset of *pgxpool.Pool and pgx.Tx that insertStep
// needs, so the same helper serves both a multi-statement transaction
// (CreateWorkflow) and a single-statement autocommit write (SaveStep).
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Adapter is the Persistence Adapter component (C12). The Orchestrator
// is the only component permitted to write through it (spec §4.6).
type Adapter struct {
	pool *pgxpool.Pool
}

// New wraps an externally-owned pool. The caller creates and closes it.
func New(pool *pgxpool.Pool) *Adapter {
	return &Adapter{pool: pool}
}

// Init creates the workflows/workflow_steps/agent_status/
// token_usage_records tables and their indices (spec §6). Safe to call
// repeatedly.
func (a *Adapter) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			intent TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS workflows_session_idx ON workflows(session_id)`,

		`CREATE TABLE IF NOT EXISTS workflow_steps (
			workflow_id TEXT NOT NULL REFERENCES workflows(id),
			step_number INTEGER NOT NULL,
			step_type TEXT NOT NULL,
			description TEXT NOT NULL,
			tool TEXT NOT NULL DEFAULT '',
			parameters JSONB,
			output_format JSONB,
			skip_if TEXT NOT NULL DEFAULT '',
			depends_on JSONB,
			status TEXT NOT NULL,
			result JSONB,
			error TEXT NOT NULL DEFAULT '',
			requires_confirmation BOOLEAN NOT NULL DEFAULT FALSE,
			completed_at TIMESTAMPTZ,
			PRIMARY KEY (workflow_id, step_number)
		)`,

		`CREATE TABLE IF NOT EXISTS agent_status (
			session TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			message TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS agent_status_session_ts_idx ON agent_status(session, timestamp)`,

		`CREATE TABLE IF NOT EXISTS token_usage_records (
			user_id TEXT NOT NULL,
			model TEXT NOT NULL,
			agent_type TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL,
			completion_tokens INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS token_usage_records_user_created_idx ON token_usage_records(user_id, created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := a.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("persistence: init: %w", err)
		}
	}
	return nil
}

// CreateWorkflow inserts a new workflow and all its steps in a single
// transaction; the workflow starts in wfcore.WorkflowPlanning per spec
// §3's lifecycle.
func (a *Adapter) CreateWorkflow(ctx context.Context, wf *wfcore.Workflow) error {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("persistence: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO workflows (id, session_id, intent, status, current_step, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		wf.ID, wf.SessionID, wf.Intent, string(wf.Status), wf.CurrentStep, wf.CreatedAt)
	if err != nil {
		return fmt.Errorf("persistence: insert workflow: %w", err)
	}

	for _, step := range wf.Steps {
		if err := insertStep(ctx, tx, wf.ID, step); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("persistence: commit tx: %w", err)
	}
	return nil
}

func insertStep(ctx context.Context, tx execer, workflowID string, step *wfcore.Step) error {
	params, err := marshalOrNil(step.Parameters)
	if err != nil {
		return fmt.Errorf("persistence: marshal step %d parameters: %w", step.Number, err)
	}
	format, err := marshalOrNil(step.OutputFormat)
	if err != nil {
		return fmt.Errorf("persistence: marshal step %d output format: %w", step.Number, err)
	}
	dependsOn, err := marshalOrNil(step.DependsOn)
	if err != nil {
		return fmt.Errorf("persistence: marshal step %d depends_on: %w", step.Number, err)
	}
	result, err := marshalOrNil(step.Result)
	if err != nil {
		return fmt.Errorf("persistence: marshal step %d result: %w", step.Number, err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO workflow_steps (workflow_id, step_number, step_type, description, tool, parameters, output_format, skip_if, depends_on, status, result, error, requires_confirmation, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (workflow_id, step_number) DO UPDATE SET
		   status = EXCLUDED.status,
		   result = EXCLUDED.result,
		   error = EXCLUDED.error,
		   completed_at = EXCLUDED.completed_at`,
		workflowID, step.Number, string(step.Type), step.Description, step.Tool,
		params, format, step.SkipIf, dependsOn, string(step.Status), result, step.Error,
		step.RequiresConfirmation, step.CompletedAt)
	if err != nil {
		return fmt.Errorf("persistence: upsert step %d: %w", step.Number, err)
	}
	return nil
}

func marshalOrNil(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// SaveStep persists one step's current state. Called by the
// Orchestrator after every step transition (spec §4.6 "Persist after
// each step") — this is the crash-safety boundary of testable property
// 10: a step is written to `running` before execution starts and to
// its terminal status only after the Executor returns, so a crash
// mid-step never leaves a phantom `completed` row.
func (a *Adapter) SaveStep(ctx context.Context, workflowID string, step *wfcore.Step) error {
	return insertStep(ctx, a.pool, workflowID, step)
}

// SetWorkflowStatus updates a workflow's status and, for terminal
// statuses, its completion timestamp.
func (a *Adapter) SetWorkflowStatus(ctx context.Context, workflowID string, status wfcore.WorkflowStatus, currentStep int, completedAt *time.Time) error {
	_, err := a.pool.Exec(ctx,
		`UPDATE workflows SET status=$1, current_step=$2, completed_at=$3 WHERE id=$4`,
		string(status), currentStep, completedAt, workflowID)
	if err != nil {
		return fmt.Errorf("persistence: set workflow status: %w", err)
	}
	return nil
}

// LoadWorkflow loads a workflow with all its steps in a single query
// per step table plus the workflow row (the design notes' replacement
// for the source's lazy-loaded associations: one explicit "load
// workflow with all steps" call, no hidden I/O afterward).
func (a *Adapter) LoadWorkflow(ctx context.Context, workflowID string) (*wfcore.Workflow, error) {
	wf := &wfcore.Workflow{ID: workflowID}
	var status string
	err := a.pool.QueryRow(ctx,
		`SELECT session_id, intent, status, current_step, created_at, completed_at FROM workflows WHERE id = $1`,
		workflowID,
	).Scan(&wf.SessionID, &wf.Intent, &status, &wf.CurrentStep, &wf.CreatedAt, &wf.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("persistence: load workflow %s: %w", workflowID, err)
	}
	wf.Status = wfcore.WorkflowStatus(status)

	rows, err := a.pool.Query(ctx,
		`SELECT step_number, step_type, description, tool, parameters, output_format, skip_if, depends_on, status, result, error, requires_confirmation, completed_at
		 FROM workflow_steps WHERE workflow_id = $1 ORDER BY step_number`,
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("persistence: load steps for %s: %w", workflowID, err)
	}
	defer rows.Close()

	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		wf.Steps = append(wf.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("persistence: iterate steps for %s: %w", workflowID, err)
	}

	return wf, nil
}

func scanStep(rows pgx.Rows) (*wfcore.Step, error) {
	step := &wfcore.Step{}
	var stepType, status string
	var parameters, outputFormat, dependsOn, result []byte

	if err := rows.Scan(&step.Number, &stepType, &step.Description, &step.Tool,
		&parameters, &outputFormat, &step.SkipIf, &dependsOn, &status, &result,
		&step.Error, &step.RequiresConfirmation, &step.CompletedAt); err != nil {
		return nil, fmt.Errorf("persistence: scan step: %w", err)
	}

	step.Type = wfcore.StepType(stepType)
	step.Status = wfcore.StepStatus(status)

	if parameters != nil {
		if err := json.Unmarshal(parameters, &step.Parameters); err != nil {
			return nil, fmt.Errorf("persistence: unmarshal parameters for step %d: %w", step.Number, err)
		}
	}
	if outputFormat != nil {
		step.OutputFormat = &wfcore.OutputFormat{}
		if err := json.Unmarshal(outputFormat, step.OutputFormat); err != nil {
			return nil, fmt.Errorf("persistence: unmarshal output format for step %d: %w", step.Number, err)
		}
	}
	if dependsOn != nil {
		if err := json.Unmarshal(dependsOn, &step.DependsOn); err != nil {
			return nil, fmt.Errorf("persistence: unmarshal depends_on for step %d: %w", step.Number, err)
		}
	}
	if result != nil {
		if err := json.Unmarshal(result, &step.Result); err != nil {
			return nil, fmt.Errorf("persistence: unmarshal result for step %d: %w", step.Number, err)
		}
	}

	return step, nil
}

// RecordTokenUsage inserts one usage row; called independently of the
// Token Limiter's own Redis admission ledger so usage survives process
// restarts for billing/audit purposes (spec §6 "token_usage_records").
func (a *Adapter) RecordTokenUsage(ctx context.Context, userID, model, agentType string, promptTokens, completionTokens int) error {
	_, err := a.pool.Exec(ctx,
		`INSERT INTO token_usage_records (user_id, model, agent_type, prompt_tokens, completion_tokens, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		userID, model, agentType, promptTokens, completionTokens, time.Now())
	if err != nil {
		return fmt.Errorf("persistence: record token usage: %w", err)
	}
	return nil
}

// AppendStatus mirrors a status event into durable storage (the
// `agent_status` table), independent of the Status Stream's own
// Redis-backed live feed, so history survives a Redis restart.
func (a *Adapter) AppendStatus(ctx context.Context, session, message string, timestamp time.Time) error {
	_, err := a.pool.Exec(ctx,
		`INSERT INTO agent_status (session, timestamp, message) VALUES ($1, $2, $3)`,
		session, timestamp, message)
	if err != nil {
		return fmt.Errorf("persistence: append status: %w", err)
	}
	return nil
}
