// Package contextstore implements the in-memory context map built up
// during a single workflow's execution: step results keyed by step
// number, plus free-form auxiliaries written by steps like the variant
// generator. One Store belongs to exactly one running workflow and is
// never shared across workflows, so it needs no internal locking beyond
// what guards against the orchestrator's own concurrent status reads.
package contextstore

import (
	"fmt"
	"sync"
)

// Store is the per-workflow context map.
type Store struct {
	mu   sync.RWMutex
	data map[string]interface{}
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: make(map[string]interface{})}
}

// stepKey formats the canonical key for a step's result, "step_<N>".
func stepKey(stepNumber int) string {
	return fmt.Sprintf("step_%d", stepNumber)
}

// SetStepResult records step N's result under "step_<N>": {result: value}.
// A step's result is written exactly once; callers that re-run a step
// (skip/salvage) overwrite deliberately, which is their right, not the
// Store's to police.
func (s *Store) SetStepResult(stepNumber int, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[stepKey(stepNumber)] = map[string]interface{}{"result": value}
}

// StepResult returns step N's result value, or nil if step N has not
// written a result yet.
func (s *Store) StepResult(stepNumber int) interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.data[stepKey(stepNumber)]
	if !ok {
		return nil
	}
	m, ok := entry.(map[string]interface{})
	if !ok {
		return nil
	}
	return m["result"]
}

// Set writes a free-form auxiliary key (e.g. "search_variants_list").
func (s *Store) Set(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

// Get looks up any key — a "step_<N>" key or a free-form auxiliary.
// Missing key and existing-but-nil value are indistinguishable, matching
// the resolver's "missing key vs null" rule.
func (s *Store) Get(key string) interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[key]
}

// Snapshot returns a shallow copy of the whole map. The executor's
// unresolved-placeholder error lists the available keys from Keys, not
// from Snapshot.
func (s *Store) Snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// Keys returns the sorted-by-insertion-irrelevant set of keys currently
// present, for diagnostics.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}
