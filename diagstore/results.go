package diagstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	nav "portalnav/services/portal_navigator/navigator_pkg"
)

// ErrNotFound is returned when no result is stored for a session.
var ErrNotFound = errors.New("result not found")

// ResultStore persists session results for the tracking side.
type ResultStore struct {
	client    *redis.Client
	ttl       time.Duration
	maxRecent int64
}

func NewResultStore(client *redis.Client, ttl time.Duration) *ResultStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &ResultStore{client: client, ttl: ttl, maxRecent: 200}
}

func (rs *ResultStore) resultKey(sessionID string) string {
	return fmt.Sprintf("portalnav:session:%s:result", sessionID)
}

func (rs *ResultStore) recentKey() string {
	return "portalnav:sessions:recent"
}

func (rs *ResultStore) failedKey() string {
	return "portalnav:sessions:failed"
}

// Save stores r and records its id in the recent list; failures are also
// counted per phase.
func (rs *ResultStore) Save(ctx context.Context, r *nav.SessionResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	pipe := rs.client.TxPipeline()
	pipe.Set(ctx, rs.resultKey(r.SessionID), data, rs.ttl)
	pipe.LPush(ctx, rs.recentKey(), r.SessionID)
	pipe.LTrim(ctx, rs.recentKey(), 0, rs.maxRecent-1)
	if r.Outcome == nav.OutcomeFailure {
		pipe.HIncrBy(ctx, rs.failedKey(), string(r.FailingPhase), 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

// Get loads the result of one session.
func (rs *ResultStore) Get(ctx context.Context, sessionID string) (*nav.SessionResult, error) {
	val, err := rs.client.Get(ctx, rs.resultKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r nav.SessionResult
	if err := json.Unmarshal([]byte(val), &r); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &r, nil
}

// Recent returns the newest results, skipping any that already expired.
func (rs *ResultStore) Recent(ctx context.Context, limit int) ([]*nav.SessionResult, error) {
	if limit <= 0 || int64(limit) > rs.maxRecent {
		limit = int(rs.maxRecent)
	}
	ids, err := rs.client.LRange(ctx, rs.recentKey(), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*nav.SessionResult, 0, len(ids))
	for _, id := range ids {
		r, err := rs.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// FailuresByPhase returns how many stored sessions failed in each phase.
func (rs *ResultStore) FailuresByPhase(ctx context.Context) (map[nav.Phase]int64, error) {
	raw, err := rs.client.HGetAll(ctx, rs.failedKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[nav.Phase]int64, len(raw))
	for k, v := range raw {
		var n int64
		if _, err := fmt.Sscan(v, &n); err == nil {
			out[nav.Phase(k)] = n
		}
	}
	return out, nil
}
