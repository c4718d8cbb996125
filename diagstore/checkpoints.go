// Package diagstore indexes navigation diagnostics and session results in
// Redis so they outlive the process that produced them.
package diagstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	nav "portalnav/services/portal_navigator/navigator_pkg"
)

// CheckpointEntry is the index record of one stored checkpoint. The heavy
// artifacts stay with the primary sink; Ref points at them.
type CheckpointEntry struct {
	SessionID  string    `json:"session_id"`
	Step       int       `json:"step"`
	Phase      nav.Phase `json:"phase"`
	Label      string    `json:"label"`
	URL        string    `json:"url,omitempty"`
	Ref        string    `json:"ref"`
	Elements   int       `json:"elements"`
	CapturedAt time.Time `json:"captured_at"`
}

// CheckpointIndex keeps an append-only list of checkpoints per session and
// a bounded list of the most recent ones across sessions.
type CheckpointIndex struct {
	client    *redis.Client
	ttl       time.Duration
	maxRecent int64
}

// NewCheckpointIndex creates an index. ttl applies to per-session lists.
func NewCheckpointIndex(client *redis.Client, ttl time.Duration) *CheckpointIndex {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &CheckpointIndex{client: client, ttl: ttl, maxRecent: 500}
}

func (ci *CheckpointIndex) sessionKey(sessionID string) string {
	return fmt.Sprintf("portalnav:session:%s:checkpoints", sessionID)
}

func (ci *CheckpointIndex) recentKey() string {
	return "portalnav:checkpoints:recent"
}

// Add appends e to its session's list.
func (ci *CheckpointIndex) Add(ctx context.Context, e CheckpointEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal checkpoint entry: %w", err)
	}
	pipe := ci.client.TxPipeline()
	pipe.RPush(ctx, ci.sessionKey(e.SessionID), data)
	pipe.Expire(ctx, ci.sessionKey(e.SessionID), ci.ttl)
	pipe.LPush(ctx, ci.recentKey(), data)
	pipe.LTrim(ctx, ci.recentKey(), 0, ci.maxRecent-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index checkpoint: %w", err)
	}
	return nil
}

// List returns the last limit checkpoints of a session in capture order;
// limit <= 0 returns all of them.
func (ci *CheckpointIndex) List(ctx context.Context, sessionID string, limit int) ([]CheckpointEntry, error) {
	key := ci.sessionKey(sessionID)
	total, err := ci.client.LLen(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return []CheckpointEntry{}, nil
	}
	start := int64(0)
	if limit > 0 && int64(limit) < total {
		start = total - int64(limit)
	}
	items, err := ci.client.LRange(ctx, key, start, total-1).Result()
	if err != nil {
		return nil, err
	}
	return decodeEntries(items), nil
}

// Recent returns up to limit checkpoints across all sessions, newest first.
func (ci *CheckpointIndex) Recent(ctx context.Context, limit int) ([]CheckpointEntry, error) {
	if limit <= 0 || int64(limit) > ci.maxRecent {
		limit = int(ci.maxRecent)
	}
	items, err := ci.client.LRange(ctx, ci.recentKey(), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}
	return decodeEntries(items), nil
}

func decodeEntries(items []string) []CheckpointEntry {
	out := make([]CheckpointEntry, 0, len(items))
	for _, s := range items {
		var e CheckpointEntry
		if err := json.Unmarshal([]byte(s), &e); err == nil {
			out = append(out, e)
		}
	}
	return out
}

// IndexedSink stores checkpoints in a primary sink and indexes the
// resulting reference.
type IndexedSink struct {
	primary nav.Sink
	index   *CheckpointIndex
}

// NewIndexedSink wraps primary so every stored checkpoint is also indexed.
func NewIndexedSink(primary nav.Sink, index *CheckpointIndex) *IndexedSink {
	return &IndexedSink{primary: primary, index: index}
}

// RecordCheckpoint implements nav.Sink. An index failure is reported but the
// primary reference is still returned.
func (s *IndexedSink) RecordCheckpoint(ctx context.Context, cp *nav.Checkpoint) (string, error) {
	ref, err := s.primary.RecordCheckpoint(ctx, cp)
	if err != nil {
		return ref, err
	}
	entry := CheckpointEntry{
		SessionID:  cp.SessionID,
		Step:       cp.Step,
		Phase:      cp.Phase,
		Label:      cp.Label,
		URL:        cp.URL,
		Ref:        ref,
		Elements:   len(cp.Inventory),
		CapturedAt: cp.CapturedAt,
	}
	if err := s.index.Add(ctx, entry); err != nil {
		return ref, err
	}
	return ref, nil
}
