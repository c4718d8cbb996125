package navigator_pkg

import (
	"errors"
	"fmt"
	"strings"
)

// Strategy-level outcomes. These are absorbed into AttemptRecords and only
// surface to callers through a PhaseError.
var (
	ErrNoCandidatesFound       = errors.New("no candidates found")
	ErrActivationFailed        = errors.New("activation failed")
	ErrPredicateNeverSatisfied = errors.New("predicate never satisfied")
)

// Session-level failures.
var (
	ErrPhaseTimeout       = errors.New("phase timeout")
	ErrEnvironmentFailure = errors.New("environment failure")
	ErrInvalidDescriptor  = errors.New("invalid target descriptor")
	ErrNoCredentials      = errors.New("no credentials available")
	ErrMissingValue       = errors.New("work unit is missing a required value")
	ErrSessionUsed        = errors.New("session already ran; start a fresh session")
)

// PhaseError is the single structured failure a Flow reports outward.
type PhaseError struct {
	Phase         Phase
	Target        string
	Attempts      []AttemptRecord
	CheckpointRef string
	Err           error
}

func (e *PhaseError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "phase %s failed", e.Phase)
	if e.Target != "" {
		fmt.Fprintf(&b, " on %q", e.Target)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	if len(e.Attempts) > 0 {
		b.WriteString(" [")
		for i, a := range e.Attempts {
			if i > 0 {
				b.WriteString("; ")
			}
			fmt.Fprintf(&b, "%s=%s(%d)", a.Strategy, a.Outcome, a.Candidates)
		}
		b.WriteString("]")
	}
	return b.String()
}

func (e *PhaseError) Unwrap() error { return e.Err }

// environmentError marks err as fatal for the session.
func environmentError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrEnvironmentFailure) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, ErrEnvironmentFailure, err)
}

// environmentMarkers are substrings that browser drivers use when the page,
// context or transport is gone.
var environmentMarkers = []string{
	"target closed",
	"target page, context or browser has been closed",
	"browser has been closed",
	"browser has disconnected",
	"session closed",
	"websocket: close",
	"connection refused",
	"use of closed network connection",
	"connection closed",
	"channel closed",
	"invalid context",
}

// classifyDriverError wraps err with ErrEnvironmentFailure when it looks
// like the browsing surface itself is gone.
func classifyDriverError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrEnvironmentFailure) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, m := range environmentMarkers {
		if strings.Contains(msg, m) {
			return environmentError(op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsEnvironmentFailure reports whether err is fatal for the session.
func IsEnvironmentFailure(err error) bool {
	return errors.Is(err, ErrEnvironmentFailure)
}
