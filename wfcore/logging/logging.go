// Package logging provides the zap-backed implementation of wfcore.Logger
// used by every component outside of tests.
package logging

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/flowcore/workflowengine/wfcore"
)

// ZapLogger adapts *zap.Logger to wfcore.Logger, adding the session id
// carried on the context (via wfcore.WithSessionID) as a structured field
// so every line from one workflow run correlates without the caller
// threading an id through each log call.
type ZapLogger struct {
	base *zap.Logger
}

// Config controls how the underlying zap.Logger is built.
type Config struct {
	// Format is "json" for log-aggregation pipelines or "console" for
	// local development. Defaults to "json".
	Format string
	// Debug enables zap.DebugLevel; otherwise zap.InfoLevel.
	Debug bool
}

// New builds a ZapLogger for the given component name (e.g.
// "orchestrator", "llm.gateway"), which is attached to every line as the
// "component" field.
func New(component string, cfg Config) (*ZapLogger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if cfg.Debug {
		zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		zapCfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	base, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	return &ZapLogger{base: base.With(zap.String("component", component))}, nil
}

func toFields(fields map[string]interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func (z *ZapLogger) Info(msg string, fields map[string]interface{}) {
	z.base.Info(msg, toFields(fields)...)
}

func (z *ZapLogger) Error(msg string, fields map[string]interface{}) {
	z.base.Error(msg, toFields(fields)...)
}

func (z *ZapLogger) Warn(msg string, fields map[string]interface{}) {
	z.base.Warn(msg, toFields(fields)...)
}

func (z *ZapLogger) Debug(msg string, fields map[string]interface{}) {
	z.base.Debug(msg, toFields(fields)...)
}

func (z *ZapLogger) withSession(ctx context.Context) *zap.Logger {
	if sessionID := wfcore.SessionIDFromContext(ctx); sessionID != "" {
		return z.base.With(zap.String("session_id", sessionID))
	}
	return z.base
}

func (z *ZapLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	z.withSession(ctx).Info(msg, toFields(fields)...)
}

func (z *ZapLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	z.withSession(ctx).Error(msg, toFields(fields)...)
}

func (z *ZapLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	z.withSession(ctx).Warn(msg, toFields(fields)...)
}

func (z *ZapLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	z.withSession(ctx).Debug(msg, toFields(fields)...)
}

// WithComponent returns a logger scoped to a child component name,
// e.g. a per-tool logger under the executor's logger.
func (z *ZapLogger) WithComponent(component string) wfcore.Logger {
	return &ZapLogger{base: z.base.With(zap.String("component", component))}
}

// Sync flushes any buffered log entries; call once at process shutdown.
func (z *ZapLogger) Sync() error {
	return z.base.Sync()
}

var _ wfcore.Logger = (*ZapLogger)(nil)
