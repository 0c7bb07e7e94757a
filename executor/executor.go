package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/flowcore/workflowengine/contextstore"
	"github.com/flowcore/workflowengine/resolver"
	"github.com/flowcore/workflowengine/wfcore"
)

// ToolInvoker is the subset of the Tool Registry the executor needs.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, params map[string]interface{}) (map[string]interface{}, error)
}

// StructuredCaller is the subset of the LLM Gateway the executor needs.
type StructuredCaller interface {
	CallStructured(ctx context.Context, prompt string, schema *jsonschema.Schema, userID, agentType string) (map[string]interface{}, error)
}

// StatusPublisher is the subset of the Status Stream the executor needs
// for rendering notification steps.
type StatusPublisher interface {
	Publish(ctx context.Context, sessionID, message string)
}

// VariantWriter writes search variants into the context store; the
// pseudo-tool "generate_search_variants" calls through this instead of
// the tool registry (spec §4.2).
type VariantWriter func(store *contextstore.Store, baseTitle, baseLocation string, skills []string)

const generateSearchVariantsTool = "generate_search_variants"

// defaultMaxRetries and defaultRetryDelay implement the Executor's
// bounded-retry-with-linear-backoff policy for transient tool failures
// (spec §4.2: "bounded retries (default 2) with linear backoff").
const (
	defaultMaxRetries = 2
	defaultRetryDelay = 1 * time.Second
)

// Executor is the Step Executor component (C6).
type Executor struct {
	registry         ToolInvoker
	gateway          StructuredCaller
	status           StatusPublisher
	generateVariants VariantWriter
	logger           wfcore.Logger

	maxRetries int
	retryDelay time.Duration
}

// New builds an Executor.
func New(registry ToolInvoker, gateway StructuredCaller, status StatusPublisher, generateVariants VariantWriter, logger wfcore.Logger) *Executor {
	return &Executor{
		registry:         registry,
		gateway:          gateway,
		status:           status,
		generateVariants: generateVariants,
		logger:           wfcore.EnsureLogger(logger),
		maxRetries:       defaultMaxRetries,
		retryDelay:       defaultRetryDelay,
	}
}

// Execute dispatches step by type and returns an Outcome; it never
// panics and never leaves the step partially mutated — callers persist
// Outcome.Value/Reason/Err into the Step themselves.
func (e *Executor) Execute(ctx context.Context, step *wfcore.Step, store *contextstore.Store, sessionID, userID string) Outcome {
	switch step.Type {
	case wfcore.StepToolCall:
		return e.executeToolCall(ctx, step, store, userID)
	case wfcore.StepAnalysis, wfcore.StepDecision:
		return e.executeModelStep(ctx, step, store, userID)
	case wfcore.StepNotification:
		return e.executeNotification(ctx, step, store, sessionID)
	default:
		return Fail(fmt.Errorf("%w: unknown step type %q", wfcore.ErrStepFailed, step.Type))
	}
}

func (e *Executor) executeToolCall(ctx context.Context, step *wfcore.Step, store *contextstore.Store, userID string) Outcome {
	resolved, unresolved := resolveParams(step.Parameters, store)
	if len(unresolved) > 0 {
		return Fail(fmt.Errorf("%w: step %d: unresolved references %v, available keys %v",
			wfcore.ErrUnresolvedPlaceholder, step.Number, unresolved, store.Keys()))
	}

	if step.Tool == generateSearchVariantsTool {
		return e.executeGenerateVariants(resolved, store)
	}

	var result map[string]interface{}
	var lastErr error
	delay := e.retryDelay
	for attempt := 1; attempt <= e.maxRetries+1; attempt++ {
		var err error
		result, err = e.registry.Invoke(ctx, step.Tool, resolved)
		if err == nil {
			return Done(result)
		}
		lastErr = err
		if attempt > e.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return Fail(ctx.Err())
		case <-time.After(delay):
		}
		delay += e.retryDelay // linear backoff
	}
	return Fail(fmt.Errorf("%w: step %d tool %q: %v", wfcore.ErrToolInvocationFailed, step.Number, step.Tool, lastErr))
}

func (e *Executor) executeGenerateVariants(params map[string]interface{}, store *contextstore.Store) Outcome {
	baseTitle, _ := params["base_title"].(string)
	baseLocation, _ := params["base_location"].(string)
	var skills []string
	if raw, ok := params["skills"].([]interface{}); ok {
		for _, s := range raw {
			if str, ok := s.(string); ok {
				skills = append(skills, str)
			}
		}
	}
	e.generateVariants(store, baseTitle, baseLocation, skills)
	count := store.Get("search_variants_count")
	return Done(map[string]interface{}{"status": "success", "search_variants_count": count})
}

// executeModelStep handles both analysis and decision steps: compose a
// prompt, call the gateway with a schema derived from the step's output
// format, coerce/default fields, and run the empty-result salvage pass.
func (e *Executor) executeModelStep(ctx context.Context, step *wfcore.Step, store *contextstore.Store, userID string) Outcome {
	resolvedDescription := resolveString(step.Description, store)
	prompt := buildPrompt(resolvedDescription, step.OutputFormat)
	schema := compileOutputSchema(step.OutputFormat)

	raw, err := e.gateway.CallStructured(ctx, prompt, schema, userID, string(step.Type))
	if err != nil {
		return Fail(fmt.Errorf("%w: step %d: %w", wfcore.ErrStepFailed, step.Number, err))
	}

	coerced := coerceFields(raw, step.OutputFormat)

	if allEmpty(coerced) {
		e.logger.InfoWithContext(ctx, "empty extraction, salvaging with amended prompt", map[string]interface{}{"step": step.Number})
		salvagePrompt := buildPrompt(resolvedDescription+" Extract concrete, specific values; do not return blanks.", step.OutputFormat)
		raw2, err2 := e.gateway.CallStructured(ctx, salvagePrompt, schema, userID, string(step.Type))
		if err2 == nil {
			coerced = coerceFields(raw2, step.OutputFormat)
		}
		// If the salvage attempt also fails outright, keep the original
		// (empty) result; downstream steps decide what to do with it.
	}

	return Done(coerced)
}

func (e *Executor) executeNotification(ctx context.Context, step *wfcore.Step, store *contextstore.Store, sessionID string) Outcome {
	message := resolveString(step.Description, store)
	if e.status != nil {
		e.status.Publish(ctx, sessionID, message)
	}
	return Done(map[string]interface{}{"status": "success", "message": message})
}

func resolveParams(params map[string]interface{}, store *contextstore.Store) (map[string]interface{}, []string) {
	res := resolver.Resolve(params, store)
	out, _ := res.Value.(map[string]interface{})
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, res.Unresolved
}

func resolveString(s string, store *contextstore.Store) string {
	res := resolver.Resolve(s, store)
	if str, ok := res.Value.(string); ok {
		return str
	}
	return fmt.Sprintf("%v", res.Value)
}

func buildPrompt(description string, format *wfcore.OutputFormat) string {
	var sb strings.Builder
	sb.WriteString(description)
	if format != nil && len(format.Fields) > 0 {
		sb.WriteString("\n\nRespond with a single JSON object with exactly these fields:\n")
		for name, typeTag := range format.Fields {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", name, typeTag))
		}
	}
	return sb.String()
}

func compileOutputSchema(format *wfcore.OutputFormat) *jsonschema.Schema {
	if format == nil || len(format.Fields) == 0 {
		return nil
	}
	properties := make(map[string]interface{}, len(format.Fields))
	for name, typeTag := range format.Fields {
		properties[name] = map[string]interface{}{"type": jsonSchemaType(typeTag)}
	}
	doc := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	resource, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil
	}
	url := "mem://output-format"
	if err := compiler.AddResource(url, resource); err != nil {
		return nil
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil
	}
	return schema
}

func jsonSchemaType(typeTag string) string {
	switch typeTag {
	case "integer":
		return "integer"
	case "number":
		return "number"
	case "boolean":
		return "boolean"
	case "array":
		return "array"
	default:
		return "string"
	}
}

func coerceFields(raw map[string]interface{}, format *wfcore.OutputFormat) map[string]interface{} {
	if format == nil {
		return raw
	}
	out := make(map[string]interface{}, len(format.Fields))
	for name, typeTag := range format.Fields {
		val, ok := raw[name]
		if !ok || val == nil {
			out[name] = zeroValue(typeTag)
			continue
		}
		out[name] = coerceValue(val, typeTag)
	}
	return out
}

func coerceValue(val interface{}, typeTag string) interface{} {
	switch typeTag {
	case "string":
		if s, ok := val.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", val)
	case "integer":
		switch v := val.(type) {
		case float64:
			return int(v)
		case int:
			return v
		default:
			return 0
		}
	case "number":
		if f, ok := val.(float64); ok {
			return f
		}
		return 0.0
	case "boolean":
		if b, ok := val.(bool); ok {
			return b
		}
		return false
	case "array":
		if arr, ok := val.([]interface{}); ok {
			return arr
		}
		return []interface{}{}
	default:
		return val
	}
}

func allEmpty(fields map[string]interface{}) bool {
	if len(fields) == 0 {
		return false
	}
	for _, v := range fields {
		switch val := v.(type) {
		case string:
			if val != "" {
				return false
			}
		case nil:
			continue
		default:
			return false
		}
	}
	return true
}
