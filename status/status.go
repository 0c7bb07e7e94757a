// Package status implements the Status Stream (C11): an append-only
// per-session timeline of human-readable progress events, readable by
// an incremental timestamp cursor. Grounded on the teacher's Redis
// debug stores (orchestration/redis_execution_store.go) — JSON-encoded
// records in a namespaced Redis key, here a per-session sorted set
// scored by event time so a client's "since" cursor is a ZRangeByScore
// instead of a full-timeline scan.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/flowcore/workflowengine/wfcore"
)

// Event is one append-only status record (spec §3).
type Event struct {
	Session   string    `json:"session"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

const keyPrefix = "workflowengine:status"

// ttl bounds how long a session's timeline survives once the workflow
// has finished; clients are expected to have drained it by then.
const ttl = 48 * time.Hour

// Stream is the Status Stream component (C11).
type Stream struct {
	client *redis.Client
	logger wfcore.Logger
}

// New builds a Stream backed by client (expected to be opened against
// the StatusStreamDB index, per wfcore/config.RedisConfig).
func New(client *redis.Client, logger wfcore.Logger) *Stream {
	return &Stream{client: client, logger: wfcore.EnsureLogger(logger)}
}

func sessionKey(session string) string {
	return fmt.Sprintf("%s:%s", keyPrefix, session)
}

// Publish appends message to session's timeline. Timestamps are
// monotonically increasing within a session (spec §5): a nanosecond
// score that ties with or falls behind the previous event's score is
// nudged to the next representable score above it, and the event's
// Timestamp carries that score, so sort order is never ambiguous.
func (s *Stream) Publish(ctx context.Context, session, message string) {
	key := sessionKey(session)
	score := float64(time.Now().UnixNano())
	if last, err := s.client.ZRevRangeWithScores(ctx, key, 0, 0).Result(); err == nil && len(last) > 0 && last[0].Score >= score {
		score = math.Nextafter(last[0].Score, math.Inf(1))
	}
	event := Event{Session: session, Timestamp: time.Unix(0, int64(score)), Message: message}

	raw, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("status: marshal event failed", map[string]interface{}{"error": err.Error()})
		return
	}

	if err := s.client.ZAdd(ctx, key, &redis.Z{Score: score, Member: raw}).Err(); err != nil {
		s.logger.Error("status: publish failed", map[string]interface{}{"error": err.Error(), "session": session})
		return
	}
	s.client.Expire(ctx, key, ttl)
}

// Since returns every event for session strictly after cursor, ordered
// oldest-first, for the `GET /agent/status/{sessionId}?since=` ingress
// endpoint's incremental read.
func (s *Stream) Since(ctx context.Context, session string, cursor time.Time) ([]Event, error) {
	key := sessionKey(session)
	min := fmt.Sprintf("(%d", cursor.UnixNano()) // exclusive lower bound
	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("status: read since %s: %w", cursor, err)
	}

	events := make([]Event, 0, len(members))
	for _, raw := range members {
		var event Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// All returns a session's full timeline, oldest-first.
func (s *Stream) All(ctx context.Context, session string) ([]Event, error) {
	return s.Since(ctx, session, time.Unix(0, 0))
}
