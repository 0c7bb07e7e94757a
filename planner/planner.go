// Package planner implements the Planner (C10): a one-shot LLM call
// that turns a user's intent into an ordered Step list, validated
// before it is ever persisted. Grounded on the teacher's single-shot
// planning prompt idiom in orchestration/default_prompt_builder.go's
// BuildPlanningPrompt (compose a catalog-aware prompt asking for a
// JSON execution plan with ordered, dependency-aware steps, then parse
// the model's JSON) adapted from the teacher's agent/capability step
// schema to this engine's tool/analysis/decision/notification Step
// shape, with the validate-then-repair-once loop grounded on the
// Gateway's own CallStructured re-prompt pattern (llm/gateway.go).
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowcore/workflowengine/wfcore"
)

// Caller is the subset of the LLM Gateway the planner needs: a raw
// text completion, since a plan is a list rather than a single
// field-schema object CallStructured is shaped for.
type Caller interface {
	Call(ctx context.Context, prompt, userID, agentType string) (string, error)
}

// ToolCatalog is the subset of the Tool Registry the planner's
// validation pass needs.
type ToolCatalog interface {
	Known(name string) bool
	List() []ToolSummary
}

// ToolSummary is the minimal shape the planner quotes in its prompt;
// callers adapt their registry's richer Contract down to this.
type ToolSummary struct {
	Name        string
	Description string
}

const agentType = "planner"

// stepNumberRef matches a context reference to another step's result,
// e.g. "step_3" inside a placeholder like "{{step_3.result.company}}".
var stepNumberRef = regexp.MustCompile(`step_(\d+)`)

// Planner is the Planner component (C10).
type Planner struct {
	gateway Caller
	tools   ToolCatalog
	logger  wfcore.Logger
}

// New builds a Planner.
func New(gateway Caller, tools ToolCatalog, logger wfcore.Logger) *Planner {
	return &Planner{gateway: gateway, tools: tools, logger: wfcore.EnsureLogger(logger)}
}

// rawStep is the wire shape the model is asked to emit for one step;
// intermediate to wfcore.Step so a malformed completion doesn't corrupt
// the Step type the rest of the engine trusts.
type rawStep struct {
	Number               int                    `json:"number"`
	Type                 string                 `json:"type"`
	Description          string                 `json:"description"`
	Tool                 string                 `json:"tool,omitempty"`
	Parameters           map[string]interface{} `json:"parameters,omitempty"`
	OutputFormat         *wfcore.OutputFormat   `json:"output_format,omitempty"`
	SkipIf               string                 `json:"skip_if,omitempty"`
	DependsOn            []int                  `json:"depends_on,omitempty"`
	RequiresConfirmation bool                   `json:"requires_confirmation,omitempty"`
}

type rawPlan struct {
	Steps []rawStep `json:"steps"`
}

// Plan turns intent into a persisted-ready Workflow in wfcore.WorkflowPlanning
// status. It validates the model's plan and, on failure, asks the model
// to repair it exactly once (spec §4.8) before giving up.
func (p *Planner) Plan(ctx context.Context, intent, sessionID, userID string) (*wfcore.Workflow, error) {
	prompt := p.buildPrompt(intent)

	plan, err := p.callAndParse(ctx, prompt, userID)
	if err != nil {
		return nil, fmt.Errorf("planner: %w: %v", wfcore.ErrPlanValidationFailed, err)
	}

	if verr := p.validate(plan); verr != nil {
		p.logger.Warn("plan failed validation, requesting one repair", map[string]interface{}{"session": sessionID, "error": verr.Error()})
		repairPrompt := p.buildRepairPrompt(intent, plan, verr)
		repaired, rerr := p.callAndParse(ctx, repairPrompt, userID)
		if rerr != nil {
			return nil, fmt.Errorf("planner: repair: %w: %v", wfcore.ErrPlanValidationFailed, rerr)
		}
		if verr2 := p.validate(repaired); verr2 != nil {
			return nil, fmt.Errorf("planner: plan still invalid after repair: %w: %v", wfcore.ErrPlanValidationFailed, verr2)
		}
		plan = repaired
	}

	return toWorkflow(plan, sessionID, intent), nil
}

func (p *Planner) callAndParse(ctx context.Context, prompt, userID string) (*rawPlan, error) {
	text, err := p.gateway.Call(ctx, prompt, userID, agentType)
	if err != nil {
		return nil, err
	}
	return parsePlan(text)
}

func parsePlan(text string) (*rawPlan, error) {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("no JSON object found in plan completion")
	}

	var plan rawPlan
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &plan); err != nil {
		return nil, fmt.Errorf("invalid plan JSON: %w", err)
	}
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}
	return &plan, nil
}

func (p *Planner) buildPrompt(intent string) string {
	var sb strings.Builder
	sb.WriteString("You are planning a workflow to satisfy this user intent:\n")
	sb.WriteString(intent)
	sb.WriteString("\n\nAvailable tools:\n")
	for _, tool := range p.tools.List() {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", tool.Name, tool.Description))
	}
	sb.WriteString("\nRespond with a single JSON object: {\"steps\": [...]}. ")
	sb.WriteString("Each step has: number (1-based, dense), type (tool_call|analysis|decision|notification), ")
	sb.WriteString("description, tool (for tool_call steps, must be one of the available tools), ")
	sb.WriteString("parameters (may reference earlier steps via {{step_N.result.field}}, never step N or later), ")
	sb.WriteString("output_format (for analysis/decision steps: {\"type\":\"object\",\"fields\":{name: type}}), ")
	sb.WriteString("requires_confirmation (boolean, for any step with an external side effect a user should approve). ")
	sb.WriteString("If the workflow needs the user's own documents, the first step must be a safely idempotent catalog/list call.")
	return sb.String()
}

func (p *Planner) buildRepairPrompt(intent string, plan *rawPlan, verr error) string {
	raw, _ := json.Marshal(plan)
	var sb strings.Builder
	sb.WriteString(p.buildPrompt(intent))
	sb.WriteString("\n\nYour previous plan was invalid:\n")
	sb.WriteString(string(raw))
	sb.WriteString("\n\nValidation error: ")
	sb.WriteString(verr.Error())
	sb.WriteString("\nReturn a corrected plan as the same JSON shape.")
	return sb.String()
}

// validate implements the three rules of spec §4.8: known tools (or a
// valid output schema), no forward/self placeholder references, and an
// idempotent-first-step rule when the plan's tools imply documents are
// required.
func (p *Planner) validate(plan *rawPlan) error {
	seen := make(map[int]bool, len(plan.Steps))
	for _, step := range plan.Steps {
		if seen[step.Number] {
			return fmt.Errorf("duplicate step number %d", step.Number)
		}
		seen[step.Number] = true

		switch step.Type {
		case string(wfcore.StepToolCall):
			if step.Tool == "" {
				return fmt.Errorf("step %d: tool_call with no tool name", step.Number)
			}
			if p.tools != nil && !p.tools.Known(step.Tool) {
				return fmt.Errorf("step %d: unknown tool %q", step.Number, step.Tool)
			}
		case string(wfcore.StepAnalysis), string(wfcore.StepDecision):
			if step.OutputFormat == nil || len(step.OutputFormat.Fields) == 0 {
				return fmt.Errorf("step %d: %s step needs a non-empty output_format", step.Number, step.Type)
			}
		case string(wfcore.StepNotification):
			// no extra requirement
		default:
			return fmt.Errorf("step %d: unknown step type %q", step.Number, step.Type)
		}

		if err := validateReferences(step); err != nil {
			return err
		}
	}

	if err := validateFirstStepIdempotent(plan); err != nil {
		return err
	}

	return nil
}

// validateReferences rejects a placeholder referencing step.Number or
// any later step (forward references and self-references).
func validateReferences(step rawStep) error {
	raw, err := json.Marshal(step.Parameters)
	if err != nil {
		return fmt.Errorf("step %d: marshal parameters: %w", step.Number, err)
	}
	for _, match := range stepNumberRef.FindAllStringSubmatch(string(raw), -1) {
		n, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		if n >= step.Number {
			return fmt.Errorf("step %d: references step %d, which is not strictly earlier", step.Number, n)
		}
	}
	return nil
}

// documentTools names tools whose presence anywhere in the plan implies
// the workflow consumes user-supplied documents, and therefore needs a
// safe catalog/list step first (spec §4.8).
var documentTools = []string{"list_documents", "list_resumes", "catalog_documents"}

func validateFirstStepIdempotent(plan *rawPlan) error {
	needsDocuments := false
	for _, step := range plan.Steps {
		for _, dt := range documentTools {
			if step.Tool == dt {
				needsDocuments = true
			}
		}
	}
	if !needsDocuments {
		return nil
	}

	first := plan.Steps[0]
	for _, dt := range documentTools {
		if first.Tool == dt {
			return nil
		}
	}
	return fmt.Errorf("plan uses document tools but does not begin with a catalog/list step")
}

func toWorkflow(plan *rawPlan, sessionID, intent string) *wfcore.Workflow {
	steps := make([]*wfcore.Step, 0, len(plan.Steps))
	for _, rs := range plan.Steps {
		steps = append(steps, &wfcore.Step{
			Number:               rs.Number,
			Type:                 wfcore.StepType(rs.Type),
			Description:          rs.Description,
			Tool:                 rs.Tool,
			Parameters:           rs.Parameters,
			OutputFormat:         rs.OutputFormat,
			SkipIf:               rs.SkipIf,
			DependsOn:            rs.DependsOn,
			Status:               wfcore.StepPending,
			RequiresConfirmation: rs.RequiresConfirmation,
		})
	}

	return &wfcore.Workflow{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Intent:    intent,
		Status:    wfcore.WorkflowPlanning,
		Steps:     steps,
		CreatedAt: time.Now(),
	}
}
