package wfcore

import "github.com/google/uuid"

// NewID generates a unique identifier for a Workflow, Step result, or
// status event. The teacher's own generateID() is a timestamp string;
// we use a real UUID generator instead since one is already in the
// dependency graph (ai, core, orchestration all pull google/uuid).
func NewID() string {
	return uuid.NewString()
}
