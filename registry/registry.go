// Package registry maps a stable tool name to a typed contract and its
// parameter schema, adapted from the teacher's HTTP-discovery AgentCatalog
// down to an in-process map: this engine calls tools directly, it does
// not discover remote agents over the network.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/flowcore/workflowengine/wfcore"
)

// Handler invokes one tool given resolved parameters. Tools are pure
// with respect to the engine: they receive only their resolved
// parameters plus the caller's ctx, which the executor passes through
// unchanged. Neither carries the acting user's identity. They return a
// result mapping shaped at minimum {status, message?}.
type Handler func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error)

// Contract describes one registered tool.
type Contract struct {
	Name        string
	Description string
	// Schema is the compiled JSON Schema for this tool's parameters,
	// built from ParameterSchema by Register.
	Schema *jsonschema.Schema
	// Optional marks a tool as part of the orchestrator's failure
	// tolerance allow-list (spec §4.6): the orchestrator may skip a
	// failing optional-tool step rather than fail the whole workflow.
	// This replaces the hardcoded allow-list the original kept in one
	// place with a capability flag on the contract itself.
	Optional bool
	Handler  Handler
}

// Registry is the in-process tool map.
type Registry struct {
	mu       sync.RWMutex
	contracts map[string]*Contract
	logger    wfcore.Logger
}

// New builds an empty Registry.
func New(logger wfcore.Logger) *Registry {
	return &Registry{
		contracts: make(map[string]*Contract),
		logger:    wfcore.EnsureLogger(logger),
	}
}

// ParameterSchema is the JSON-serializable schema document passed to
// Register; compiled once into a *jsonschema.Schema.
type ParameterSchema map[string]interface{}

// Register adds a tool. schema may be nil for a tool with no parameter
// constraints.
func (r *Registry) Register(name, description string, schema ParameterSchema, optional bool, handler Handler) error {
	contract := &Contract{
		Name:        name,
		Description: description,
		Optional:    optional,
		Handler:     handler,
	}

	if schema != nil {
		raw, err := json.Marshal(schema)
		if err != nil {
			return fmt.Errorf("registry: marshal schema for %q: %w", name, err)
		}
		compiler := jsonschema.NewCompiler()
		resource, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("registry: parse schema for %q: %w", name, err)
		}
		schemaURL := "mem://" + name
		if err := compiler.AddResource(schemaURL, resource); err != nil {
			return fmt.Errorf("registry: add schema resource for %q: %w", name, err)
		}
		compiled, err := compiler.Compile(schemaURL)
		if err != nil {
			return fmt.Errorf("registry: compile schema for %q: %w", name, err)
		}
		contract.Schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.contracts[name] = contract

	r.logger.Info("tool registered", map[string]interface{}{"tool": name, "optional": optional})
	return nil
}

// Lookup returns the contract for name, or (nil, false) if unknown.
func (r *Registry) Lookup(name string) (*Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[name]
	return c, ok
}

// Known reports whether name is registered, used by the planner's
// validation pass (spec §4.8).
func (r *Registry) Known(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// List enumerates registered tools for capability checks and the
// planner's tool catalog.
func (r *Registry) List() []*Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Contract, 0, len(r.contracts))
	for _, c := range r.contracts {
		out = append(out, c)
	}
	return out
}

// Invoke validates params against the contract's schema (if any) and
// dispatches to its Handler.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]interface{}) (map[string]interface{}, error) {
	contract, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("registry: %w: %s", wfcore.ErrToolNotFound, name)
	}

	if contract.Schema != nil {
		if err := contract.Schema.Validate(params); err != nil {
			return nil, fmt.Errorf("registry: parameters for %q failed validation: %w", name, err)
		}
	}

	result, err := contract.Handler(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("registry: %w: %s: %v", wfcore.ErrToolInvocationFailed, name, err)
	}
	return result, nil
}
