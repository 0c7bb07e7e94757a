package wfcore

import "context"

type sessionIDKey struct{}

// WithSessionID attaches a session id to the context so a Logger
// implementation can correlate log lines with a running workflow without
// threading the id through every call site.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionIDFromContext retrieves the session id set by WithSessionID, or
// "" if none was attached.
func SessionIDFromContext(ctx context.Context) string {
	sessionID, _ := ctx.Value(sessionIDKey{}).(string)
	return sessionID
}
