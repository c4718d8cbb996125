package eventbus

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	nav "portalnav/services/portal_navigator/navigator_pkg"
)

// Event types carried on the bus.
const (
	TypeWorkSubmitted   = "portalnav.work.submitted"
	TypeSessionFinished = "portalnav.session.finished"
)

// CanonicalEvent is the envelope for every message on the bus. Exactly one
// of Work and Result is set, matching Type.
type CanonicalEvent struct {
	EventID   string             `json:"event_id"`
	Source    string             `json:"source"`
	Type      string             `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
	Context   EventContext       `json:"context"`
	Work      *nav.WorkUnit      `json:"work,omitempty"`
	Result    *nav.SessionResult `json:"result,omitempty"`
}

type EventContext struct {
	Channel   string `json:"channel,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	WorkID    string `json:"work_id,omitempty"`
}

// NewEventID generates a compact unique event id with a date prefix.
func NewEventID(prefix string, t time.Time) string {
	// 8 random bytes -> 16 hex chars
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return prefix + t.UTC().Format("20060102") + "_" + hex.EncodeToString(b)
}

// NewWorkEvent wraps a unit of work for the navigator workers.
func NewWorkEvent(source string, w nav.WorkUnit) CanonicalEvent {
	now := time.Now().UTC()
	return CanonicalEvent{
		EventID:   NewEventID("wrk_", now),
		Source:    source,
		Type:      TypeWorkSubmitted,
		Timestamp: now,
		Context:   EventContext{WorkID: w.ID},
		Work:      &w,
	}
}

// NewResultEvent wraps a finished session's result.
func NewResultEvent(source string, r *nav.SessionResult) CanonicalEvent {
	now := time.Now().UTC()
	return CanonicalEvent{
		EventID:   NewEventID("res_", now),
		Source:    source,
		Type:      TypeSessionFinished,
		Timestamp: now,
		Context:   EventContext{SessionID: r.SessionID, WorkID: r.WorkID},
		Result:    r,
	}
}

// MinimalValidate checks required fields.
func (e *CanonicalEvent) MinimalValidate() bool {
	if e.EventID == "" || e.Source == "" || e.Type == "" || e.Timestamp.IsZero() {
		return false
	}
	switch e.Type {
	case TypeWorkSubmitted:
		return e.Work != nil && e.Work.ID != ""
	case TypeSessionFinished:
		return e.Result != nil && e.Result.SessionID != ""
	}
	return false
}

func encodeEvent(evt CanonicalEvent) ([]byte, error) {
	if !evt.MinimalValidate() {
		return nil, fmt.Errorf("invalid event: missing required fields")
	}
	return json.Marshal(evt)
}

func decodeEvent(data []byte) (CanonicalEvent, error) {
	var evt CanonicalEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return evt, fmt.Errorf("decode event: %w", err)
	}
	if !evt.MinimalValidate() {
		return evt, fmt.Errorf("invalid event %q: missing required fields", evt.EventID)
	}
	return evt, nil
}
