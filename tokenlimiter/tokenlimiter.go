// Package tokenlimiter implements the Token Limiter (C9): per-user,
// per-window admission of planned LLM calls. Grounded on the teacher's
// EnhancedRedisRateLimiter (ui/security/redis_limiter.go) sliding-window
// algorithm — a Redis sorted set scored by event timestamp, pruned with
// ZRemRangeByScore on every check — generalized from a single
// requests-per-minute window to the five enabled windows of spec §4.7
// and from a request count to a token estimate.
package tokenlimiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/flowcore/workflowengine/wfcore"
)

// Window is one of the fixed admission windows (spec §3 "Token
// Settings").
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
	WindowWeek   Window = "week"
	WindowMonth  Window = "month"
)

var windowDurations = map[Window]time.Duration{
	WindowMinute: time.Minute,
	WindowHour:   time.Hour,
	WindowDay:    24 * time.Hour,
	WindowWeek:   7 * 24 * time.Hour,
	WindowMonth:  30 * 24 * time.Hour,
}

var allWindows = []Window{WindowMinute, WindowHour, WindowDay, WindowWeek, WindowMonth}

// Limit is one window's configured ceiling.
type Limit struct {
	Window  Window
	Max     int64
	Enabled bool
}

// Settings is a user's full set of window limits, plus the usage
// percentage that triggers a warning event.
type Settings struct {
	Limits                []Limit
	WarningThresholdPct   float64
}

// DefaultSettings mirrors the teacher's requests-per-minute default,
// generalized across all five windows, with generous ceilings so a
// fresh user isn't throttled out of the gate.
func DefaultSettings() Settings {
	return Settings{
		Limits: []Limit{
			{Window: WindowMinute, Max: 20000, Enabled: true},
			{Window: WindowHour, Max: 200000, Enabled: true},
			{Window: WindowDay, Max: 1000000, Enabled: true},
			{Window: WindowWeek, Max: 5000000, Enabled: false},
			{Window: WindowMonth, Max: 15000000, Enabled: false},
		},
		WarningThresholdPct: 80,
	}
}

// WarningEvent describes one warning-threshold crossing (the [SUPPLEMENT]
// feature). checkWarnings does not build one: it publishes each crossing
// as a plain text status message under the user id.
type WarningEvent struct {
	UserID    string
	Window    Window
	UsagePct  float64
	Timestamp time.Time
}

// EventPublisher is the subset of the Status Stream the limiter needs.
type EventPublisher interface {
	Publish(ctx context.Context, sessionID, message string)
}

// keyPrefix namespaces this limiter's keys in the shared Redis
// instance, isolated to its own logical DB per the teacher's
// convention (RedisConfig.TokenLimiterDB).
const keyPrefix = "tokenlimit"

// Limiter is the Token Limiter component (C9).
type Limiter struct {
	client   *redis.Client
	status   EventPublisher
	logger   wfcore.Logger
	settings map[string]Settings // userID -> Settings override

	mu         sync.Mutex
	userLocks  map[string]*sync.Mutex
	warnedOnce map[string]bool // "<user>:<window>" -> already emitted this workflow
}

// New builds a Limiter backed by client (expected to be opened against
// the TokenLimiterDB index, per wfcore/config.RedisConfig).
func New(client *redis.Client, status EventPublisher, logger wfcore.Logger) *Limiter {
	return &Limiter{
		client:     client,
		status:     status,
		logger:     wfcore.EnsureLogger(logger),
		settings:   make(map[string]Settings),
		userLocks:  make(map[string]*sync.Mutex),
		warnedOnce: make(map[string]bool),
	}
}

// SetSettings overrides a user's default limits (wired to the
// `PUT /tokens/limits` ingress endpoint in the demonstration binary).
func (l *Limiter) SetSettings(userID string, settings Settings) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settings[userID] = settings
}

func (l *Limiter) settingsFor(userID string) Settings {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.settings[userID]; ok {
		return s
	}
	return DefaultSettings()
}

// lockFor returns the per-user mutex guarding the admission-and-record
// critical section (spec §5: "per-user mutex is sufficient; no global
// lock").
func (l *Limiter) lockFor(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.userLocks[userID]
	if !ok {
		m = &sync.Mutex{}
		l.userLocks[userID] = m
	}
	return m
}

func windowKey(userID string, w Window) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, userID, w)
}

// Admit checks whether a call estimated at estimateTokens may proceed
// for userID, admitting it (recording the estimate) if so. It returns
// wfcore.ErrTokenLimitReached if any enabled window would be exceeded;
// no usage is recorded in that case (spec §4.7, testable property 8).
func (l *Limiter) Admit(ctx context.Context, userID string, estimateTokens int64) error {
	lock := l.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	settings := l.settingsFor(userID)
	now := time.Now()

	for _, limit := range settings.Limits {
		if !limit.Enabled {
			continue
		}
		usage, err := l.usage(ctx, userID, limit.Window, now)
		if err != nil {
			l.logger.Error("tokenlimiter: usage query failed, failing open", map[string]interface{}{"error": err.Error(), "window": limit.Window})
			continue
		}
		if usage+estimateTokens > limit.Max {
			if l.status != nil {
				l.status.Publish(ctx, userID, fmt.Sprintf("token limit reached for window %s (usage %d + estimate %d > limit %d)", limit.Window, usage, estimateTokens, limit.Max))
			}
			return fmt.Errorf("%w: window %s", wfcore.ErrTokenLimitReached, limit.Window)
		}
	}

	if err := l.record(ctx, userID, estimateTokens, now); err != nil {
		return fmt.Errorf("tokenlimiter: record usage: %w", err)
	}

	l.checkWarnings(ctx, userID, settings, now)
	return nil
}

// Record reports actual usage from a completed LLM call independent of
// admission (spec §4.5 "Accounting": usage is recorded even when the
// call bypassed Admit, e.g. for future window rollups).
func (l *Limiter) Record(ctx context.Context, userID string, tokens int64) {
	lock := l.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()
	if err := l.record(ctx, userID, tokens, time.Now()); err != nil {
		l.logger.Error("tokenlimiter: record failed", map[string]interface{}{"error": err.Error()})
	}
}

func (l *Limiter) record(ctx context.Context, userID string, tokens int64, now time.Time) error {
	for _, w := range allWindows {
		key := windowKey(userID, w)
		member := fmt.Sprintf("%d:%d", now.UnixNano(), tokens)
		if err := l.client.ZAdd(ctx, key, &redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
			return err
		}
		l.client.Expire(ctx, key, 2*windowDurations[w])
	}
	return nil
}

// usage sums token counts recorded within window, pruning entries that
// have aged out first.
func (l *Limiter) usage(ctx context.Context, userID string, w Window, now time.Time) (int64, error) {
	key := windowKey(userID, w)
	windowStart := now.Add(-windowDurations[w])

	if err := l.client.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano())).Err(); err != nil {
		return 0, err
	}

	members, err := l.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", windowStart.UnixNano()),
		Max: fmt.Sprintf("%d", now.UnixNano()),
	}).Result()
	if err != nil {
		return 0, err
	}

	var total int64
	for _, member := range members {
		var ts, tokens int64
		if _, scanErr := fmt.Sscanf(member, "%d:%d", &ts, &tokens); scanErr == nil {
			total += tokens
		}
	}
	return total, nil
}

// checkWarnings publishes a warning message the first time usage crosses the
// configured threshold for any enabled window, once per window per
// workflow run (testable property 8: "exactly one status event...per
// window per workflow").
func (l *Limiter) checkWarnings(ctx context.Context, userID string, settings Settings, now time.Time) {
	for _, limit := range settings.Limits {
		if !limit.Enabled {
			continue
		}
		usage, err := l.usage(ctx, userID, limit.Window, now)
		if err != nil {
			continue
		}
		pct := 100 * float64(usage) / float64(limit.Max)
		if pct < settings.WarningThresholdPct {
			continue
		}

		warnKey := fmt.Sprintf("%s:%s", userID, limit.Window)
		l.mu.Lock()
		already := l.warnedOnce[warnKey]
		l.warnedOnce[warnKey] = true
		l.mu.Unlock()
		if already {
			continue
		}

		if l.status != nil {
			l.status.Publish(ctx, userID, fmt.Sprintf("token usage warning: window %s at %.1f%% of limit", limit.Window, pct))
		}
	}
}

// ResetWarnings clears the once-per-workflow warning dedup state,
// called by the Orchestrator at the start of each new workflow.
func (l *Limiter) ResetWarnings(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range allWindows {
		delete(l.warnedOnce, fmt.Sprintf("%s:%s", userID, w))
	}
}

// Usage reports current usage for every window, used by the
// `GET /tokens/usage` ingress endpoint.
func (l *Limiter) Usage(ctx context.Context, userID string) (map[Window]int64, error) {
	out := make(map[Window]int64, len(allWindows))
	now := time.Now()
	for _, w := range allWindows {
		usage, err := l.usage(ctx, userID, w, now)
		if err != nil {
			return nil, err
		}
		out[w] = usage
	}
	return out, nil
}
