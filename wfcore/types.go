// Package wfcore holds the domain types, sentinel errors, and logging
// interface shared by every component of the workflow engine.
package wfcore

import "time"

// WorkflowStatus is the lifecycle state of a Workflow.
type WorkflowStatus string

const (
	WorkflowPlanning            WorkflowStatus = "planning"
	WorkflowRunning             WorkflowStatus = "running"
	WorkflowWaitingConfirmation WorkflowStatus = "waiting_confirmation"
	WorkflowCompleted           WorkflowStatus = "completed"
	WorkflowFailed              WorkflowStatus = "failed"
	WorkflowCancelled           WorkflowStatus = "cancelled"
)

// StepType is the kind of action a Step performs.
type StepType string

const (
	StepToolCall     StepType = "tool_call"
	StepAnalysis     StepType = "analysis"
	StepDecision     StepType = "decision"
	StepNotification StepType = "notification"
)

// StepStatus is the lifecycle state of a Step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepSkipped   StepStatus = "skipped"
	StepFailed    StepStatus = "failed"
)

// OutputFormat is a Step's expected output format: a type tag plus a
// field-name -> type-tag map, e.g. {"job_title": "string"}.
type OutputFormat struct {
	Type   string            `json:"type"`
	Fields map[string]string `json:"fields"`
}

// Step is one atomic unit of a Workflow's plan.
type Step struct {
	Number               int                    `json:"number"`
	Type                 StepType               `json:"type"`
	Description          string                 `json:"description"`
	Tool                 string                 `json:"tool,omitempty"`
	Parameters           map[string]interface{} `json:"parameters,omitempty"`
	OutputFormat         *OutputFormat          `json:"output_format,omitempty"`
	SkipIf               string                 `json:"skip_if,omitempty"`
	DependsOn            []int                  `json:"depends_on,omitempty"`
	Status               StepStatus             `json:"status"`
	Result               map[string]interface{} `json:"result,omitempty"`
	Error                string                 `json:"error,omitempty"`
	RequiresConfirmation bool                   `json:"requires_confirmation,omitempty"`
	CompletedAt          *time.Time             `json:"completed_at,omitempty"`
}

// Workflow is an executable instance of a plan derived from a user intent.
type Workflow struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"session_id"`
	Intent        string         `json:"intent"`
	Status        WorkflowStatus `json:"status"`
	CurrentStep   int            `json:"current_step"`
	Steps         []*Step        `json:"steps"`
	CreatedAt     time.Time      `json:"created_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// StepByNumber returns the step with the given 1-based number, or nil.
func (w *Workflow) StepByNumber(n int) *Step {
	for _, s := range w.Steps {
		if s.Number == n {
			return s
		}
	}
	return nil
}
