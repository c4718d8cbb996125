package navigator_pkg

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// AttemptOutcome is the result of trying one strategy.
type AttemptOutcome string

const (
	OutcomeSucceeded            AttemptOutcome = "succeeded"
	OutcomeNoCandidates         AttemptOutcome = "no_candidates"
	OutcomeActivationFailed     AttemptOutcome = "activation_failed"
	OutcomePredicateUnsatisfied AttemptOutcome = "predicate_unsatisfied"
	OutcomeTimedOut             AttemptOutcome = "timed_out"
	OutcomeEnvironmentFailure   AttemptOutcome = "environment_failure"
)

// AttemptRecord describes one strategy tried against one target.
type AttemptRecord struct {
	Target          string         `json:"target"`
	Strategy        string         `json:"strategy"`
	Kind            StrategyKind   `json:"kind"`
	Candidates      int            `json:"candidates"`
	Activated       bool           `json:"activated"`
	PredicatePassed bool           `json:"predicate_passed"`
	Outcome         AttemptOutcome `json:"outcome"`
	Elapsed         time.Duration  `json:"elapsed_ns"`
	Error           string         `json:"error,omitempty"`
	CheckpointRef   string         `json:"checkpoint_ref,omitempty"`
}

// AttemptResult aggregates every attempt made for one target.
type AttemptResult struct {
	Target  string          `json:"target"`
	Winner  *AttemptRecord  `json:"winner,omitempty"`
	Records []AttemptRecord `json:"records"`
}

// Succeeded reports whether a strategy won.
func (r *AttemptResult) Succeeded() bool { return r != nil && r.Winner != nil }

// ExecutorOptions tunes the executor.
type ExecutorOptions struct {
	// StrategyTimeout bounds one locate+activate+verify cycle.
	StrategyTimeout time.Duration
	// PerAttemptDiagnostics captures a checkpoint after every attempt.
	PerAttemptDiagnostics bool
}

// Executor tries a target's strategies in order and activates the first
// candidate whose activation satisfies the target's predicate.
type Executor struct {
	surface  Surface
	verifier *Verifier
	recorder *Recorder
	logger   Logger
	opts     ExecutorOptions
	phase    Phase
}

// NewExecutor creates an executor. recorder may be nil.
func NewExecutor(surface Surface, verifier *Verifier, recorder *Recorder, logger Logger, opts ExecutorOptions) *Executor {
	if logger == nil {
		logger = &SimpleLogger{}
	}
	if opts.StrategyTimeout <= 0 {
		opts.StrategyTimeout = 10 * time.Second
	}
	return &Executor{
		surface:  surface,
		verifier: verifier,
		recorder: recorder,
		logger:   logger,
		opts:     opts,
	}
}

// ForPhase returns a copy whose diagnostics are attributed to p.
func (e *Executor) ForPhase(p Phase) *Executor {
	c := *e
	c.phase = p
	return &c
}

// LocateAndActivate runs the target's strategies in order. timeout bounds
// the total time across all strategies; zero leaves it to ctx.
//
// On failure the returned error wraps ErrNoCandidatesFound,
// ErrActivationFailed or ErrPredicateNeverSatisfied when the strategies were
// exhausted, ErrPhaseTimeout when timeout elapsed, ErrEnvironmentFailure when
// the surface is gone, or ctx's error when the caller gave up.
func (e *Executor) LocateAndActivate(ctx context.Context, target TargetDescriptor, timeout time.Duration) (*AttemptResult, error) {
	result := &AttemptResult{Target: target.Label}
	if err := target.Validate(); err != nil {
		return result, err
	}

	phaseCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		phaseCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for i, s := range target.Strategies {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if phaseCtx.Err() != nil {
			return result, fmt.Errorf("%w: %s after %d of %d strategies", ErrPhaseTimeout, target.Label, i, len(target.Strategies))
		}

		rec := e.attempt(phaseCtx, target, s)
		e.logger.Printf("   [%d/%d] %s → %s (candidates=%d, %s)", i+1, len(target.Strategies), rec.Strategy, rec.Outcome, rec.Candidates, rec.Elapsed.Round(time.Millisecond))
		if e.opts.PerAttemptDiagnostics && e.recorder != nil {
			rec.CheckpointRef = e.recorder.Checkpoint(ctx, e.phase, fmt.Sprintf("attempt-%s-%d", target.Label, i+1))
		}
		result.Records = append(result.Records, rec)

		switch rec.Outcome {
		case OutcomeSucceeded:
			winner := result.Records[len(result.Records)-1]
			result.Winner = &winner
			return result, nil
		case OutcomeEnvironmentFailure:
			return result, fmt.Errorf("%w: %s: %s", ErrEnvironmentFailure, target.Label, rec.Error)
		}
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}
	if phaseCtx.Err() != nil {
		return result, fmt.Errorf("%w: %s: all %d strategies attempted", ErrPhaseTimeout, target.Label, len(target.Strategies))
	}
	return result, fmt.Errorf("%w: %s", exhaustionError(result.Records), target.Label)
}

// attempt runs one locate+activate+verify cycle under the strategy timeout.
func (e *Executor) attempt(phaseCtx context.Context, target TargetDescriptor, s Strategy) AttemptRecord {
	start := time.Now()
	rec := AttemptRecord{Target: target.Label, Strategy: s.Label(), Kind: s.Kind}

	ctx, cancel := context.WithTimeout(phaseCtx, e.opts.StrategyTimeout)
	defer cancel()

	finish := func(outcome AttemptOutcome, err error) AttemptRecord {
		rec.Outcome = outcome
		if err != nil {
			rec.Error = err.Error()
		}
		rec.Elapsed = time.Since(start)
		return rec
	}

	el, count, err := locate(ctx, e.surface, s)
	rec.Candidates = count
	if err != nil {
		if IsEnvironmentFailure(err) {
			return finish(OutcomeEnvironmentFailure, err)
		}
		if ctx.Err() != nil {
			return finish(OutcomeTimedOut, err)
		}
		// A failed query is treated as a miss for this strategy.
		return finish(OutcomeNoCandidates, err)
	}
	if el == nil {
		return finish(OutcomeNoCandidates, nil)
	}

	var baseline Identity
	if target.Predicate.IdentityChange {
		baseline, _ = CaptureIdentity(ctx, e.surface)
	}

	if err := activate(ctx, el, target); err != nil {
		if IsEnvironmentFailure(err) {
			return finish(OutcomeEnvironmentFailure, err)
		}
		if ctx.Err() != nil {
			return finish(OutcomeTimedOut, err)
		}
		return finish(OutcomeActivationFailed, fmt.Errorf("%w: %v", ErrActivationFailed, err))
	}
	rec.Activated = true

	if !e.verifier.Await(ctx, target.Predicate, baseline) {
		return finish(OutcomePredicateUnsatisfied, fmt.Errorf("%w: %s", ErrPredicateNeverSatisfied, target.Predicate))
	}
	rec.PredicatePassed = true
	return finish(OutcomeSucceeded, nil)
}

func activate(ctx context.Context, el Element, target TargetDescriptor) error {
	switch target.action() {
	case ActionFill:
		if err := el.Fill(ctx, target.Value); err != nil {
			return err
		}
		if target.CommitKey != "" {
			return el.Press(ctx, target.CommitKey)
		}
		return nil
	default:
		return el.Click(ctx)
	}
}

// exhaustionError picks the error for a target whose strategies all lost:
// the most advanced failure wins, so a strategy that activated the wrong
// element is reported over plain misses.
func exhaustionError(records []AttemptRecord) error {
	err := ErrNoCandidatesFound
	for _, r := range records {
		switch r.Outcome {
		case OutcomePredicateUnsatisfied:
			return ErrPredicateNeverSatisfied
		case OutcomeActivationFailed:
			err = ErrActivationFailed
		}
	}
	return err
}

// errorKind names the taxonomy entry err belongs to.
func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEnvironmentFailure):
		return "EnvironmentFailure"
	case errors.Is(err, ErrPhaseTimeout):
		return "PhaseTimeout"
	case errors.Is(err, ErrPredicateNeverSatisfied):
		return "PredicateNeverSatisfied"
	case errors.Is(err, ErrActivationFailed):
		return "ActivationFailed"
	case errors.Is(err, ErrNoCandidatesFound):
		return "NoCandidatesFound"
	case errors.Is(err, ErrInvalidDescriptor):
		return "InvalidDescriptor"
	case errors.Is(err, ErrNoCredentials):
		return "NoCredentials"
	case errors.Is(err, ErrMissingValue):
		return "MissingValue"
	case errors.Is(err, ErrSessionUsed):
		return "SessionUsed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Canceled"
	}
	return "Unknown"
}
