package tokenlimiter

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore/workflowengine/wfcore"
)

type recordingPublisher struct {
	messages []string
}

func (r *recordingPublisher) Publish(ctx context.Context, sessionID, message string) {
	r.messages = append(r.messages, message)
}

func newTestLimiter(t *testing.T, publisher EventPublisher) *Limiter {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	return New(client, publisher, wfcore.NoOpLogger{})
}

func TestAdmitAllowsUnderLimit(t *testing.T) {
	l := newTestLimiter(t, nil)
	err := l.Admit(context.Background(), "user-1", 100)
	require.NoError(t, err)
}

// S5 from the literal scenarios: day-limit 10000, usage 9500, enabled;
// a call estimating 700 tokens is rejected with a status event and the
// caller (orchestrator) would mark the workflow failed.
func TestAdmitRejectsScenarioS5(t *testing.T) {
	pub := &recordingPublisher{}
	l := newTestLimiter(t, pub)
	l.SetSettings("user-1", Settings{
		Limits: []Limit{{Window: WindowDay, Max: 10000, Enabled: true}},
		WarningThresholdPct: 80,
	})

	require.NoError(t, l.Admit(context.Background(), "user-1", 9500))

	err := l.Admit(context.Background(), "user-1", 700)
	require.Error(t, err)
	assert.ErrorIs(t, err, wfcore.ErrTokenLimitReached)
	require.NotEmpty(t, pub.messages)
}

func TestAdmitIgnoresDisabledWindows(t *testing.T) {
	l := newTestLimiter(t, nil)
	l.SetSettings("user-1", Settings{
		Limits: []Limit{{Window: WindowDay, Max: 100, Enabled: false}},
	})
	err := l.Admit(context.Background(), "user-1", 1_000_000)
	require.NoError(t, err)
}

// Testable property 8: exactly one warning event per window per
// workflow run.
func TestWarningEmittedOnceUntilReset(t *testing.T) {
	pub := &recordingPublisher{}
	l := newTestLimiter(t, pub)
	l.SetSettings("user-1", Settings{
		Limits:              []Limit{{Window: WindowDay, Max: 1000, Enabled: true}},
		WarningThresholdPct: 50,
	})

	require.NoError(t, l.Admit(context.Background(), "user-1", 600))
	require.NoError(t, l.Admit(context.Background(), "user-1", 10))

	warnings := 0
	for _, m := range pub.messages {
		if m != "" {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)

	l.ResetWarnings("user-1")
	require.NoError(t, l.Admit(context.Background(), "user-1", 10))
	assert.Greater(t, len(pub.messages), warnings)
}

func TestUsageReportsPerWindow(t *testing.T) {
	l := newTestLimiter(t, nil)
	require.NoError(t, l.Admit(context.Background(), "user-1", 42))

	usage, err := l.Usage(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), usage[WindowMinute])
	assert.Equal(t, int64(42), usage[WindowDay])
}
