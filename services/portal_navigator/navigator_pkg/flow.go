package navigator_pkg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Phase is a state of the session state machine.
type Phase string

const (
	PhaseUnauthenticated  Phase = "Unauthenticated"
	PhaseAuthenticating   Phase = "Authenticating"
	PhaseContextSelection Phase = "ContextSelection"
	PhaseMenuCollapsed    Phase = "MenuCollapsed"
	PhaseMenuExpanded     Phase = "MenuExpanded"
	PhaseTargetLocated    Phase = "TargetLocated"
	PhaseActionComplete   Phase = "ActionComplete"
	PhaseFailed           Phase = "Failed"
)

var allPhases = []Phase{
	PhaseUnauthenticated,
	PhaseAuthenticating,
	PhaseContextSelection,
	PhaseMenuCollapsed,
	PhaseMenuExpanded,
	PhaseTargetLocated,
	PhaseActionComplete,
	PhaseFailed,
}

// ParsePhase converts a phase name into a Phase.
func ParsePhase(s string) (Phase, error) {
	for _, p := range allPhases {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown phase %q", s)
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseActionComplete || p == PhaseFailed
}

// Session is the state of one end-to-end run.
type Session struct {
	ID             string    `json:"id"`
	AccountContext string    `json:"account_context,omitempty"`
	Phase          Phase     `json:"phase"`
	LastGood       Phase     `json:"last_good"`
	LastCheckpoint string    `json:"last_checkpoint,omitempty"`
	StartedAt      time.Time `json:"started_at"`
}

// WorkUnit is the opaque payload consumed by the ActionComplete phase.
type WorkUnit struct {
	ID     string            `json:"id"`
	Kind   string            `json:"kind,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Session outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// SessionResult is what a Flow reports for one invocation.
type SessionResult struct {
	SessionID          string          `json:"session_id"`
	WorkID             string          `json:"work_id,omitempty"`
	Outcome            string          `json:"outcome"`
	FailingPhase       Phase           `json:"failing_phase,omitempty"`
	FailingTarget      string          `json:"failing_target,omitempty"`
	FinalPhase         Phase           `json:"final_phase"`
	CompletedPhases    []Phase         `json:"completed_phases"`
	SkippedPhases      []Phase         `json:"skipped_phases,omitempty"`
	AttemptTrace       []AttemptRecord `json:"attempt_trace"`
	FinalCheckpointRef string          `json:"final_checkpoint_ref,omitempty"`
	AccountContext     string          `json:"account_context,omitempty"`
	Error              string          `json:"error,omitempty"`
	ErrorKind          string          `json:"error_kind,omitempty"`
	StartedAt          time.Time       `json:"started_at"`
	FinishedAt         time.Time       `json:"finished_at"`

	// Err is the structured failure, a *PhaseError.
	Err error `json:"-"`
}

// Succeeded reports whether the session reached ActionComplete.
func (r *SessionResult) Succeeded() bool { return r != nil && r.Outcome == OutcomeSuccess }

// FlowOptions tunes a Flow. Zero values take the plan's settings.
type FlowOptions struct {
	StrategyTimeout       time.Duration
	PerAttemptDiagnostics bool
	SinkBudget            time.Duration
	ProbeInterval         time.Duration
	Logger                Logger
}

// Flow sequences the phases of one session over one surface. A Flow runs
// once; a failed session is never resumed.
type Flow struct {
	plan     *FlowPlan
	surface  Surface
	creds    CredentialSource
	recorder *Recorder
	verifier *Verifier
	executor *Executor
	logger   Logger
	probe    time.Duration

	mu      sync.Mutex
	session Session
	ran     bool
}

// NewFlow creates the flow for session sessionID. sink may be nil to
// disable diagnostics.
func NewFlow(sessionID string, plan *FlowPlan, surface Surface, creds CredentialSource, sink Sink, opts FlowOptions) *Flow {
	logger := withPrefix(opts.Logger, fmt.Sprintf("[%s]", shortID(sessionID)))
	strategyTimeout := opts.StrategyTimeout
	if strategyTimeout <= 0 {
		strategyTimeout = plan.StrategyTimeout
	}
	probe := opts.ProbeInterval
	if probe <= 0 {
		probe = 250 * time.Millisecond
	}

	recorder := NewRecorder(sessionID, surface, sink, opts.SinkBudget, logger)
	verifier := NewVerifier(surface, logger)
	executor := NewExecutor(surface, verifier, recorder, logger, ExecutorOptions{
		StrategyTimeout:       strategyTimeout,
		PerAttemptDiagnostics: opts.PerAttemptDiagnostics,
	})

	return &Flow{
		plan:     plan,
		surface:  surface,
		creds:    creds,
		recorder: recorder,
		verifier: verifier,
		executor: executor,
		logger:   logger,
		probe:    probe,
		session: Session{
			ID:        sessionID,
			Phase:     PhaseUnauthenticated,
			LastGood:  PhaseUnauthenticated,
			StartedAt: time.Now().UTC(),
		},
	}
}

// Session returns a snapshot of the session state.
func (f *Flow) Session() Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *Flow) update(fn func(s *Session)) {
	f.mu.Lock()
	fn(&f.session)
	f.mu.Unlock()
}

// Run drives the session from Unauthenticated to ActionComplete. Phases run
// strictly in order and each one starts only after the previous phase's
// gate was observed. Cancelling ctx aborts any in-flight wait.
func (f *Flow) Run(ctx context.Context, work WorkUnit) *SessionResult {
	result := &SessionResult{
		SessionID: f.session.ID,
		WorkID:    work.ID,
		StartedAt: time.Now().UTC(),
	}

	f.mu.Lock()
	used := f.ran
	f.ran = true
	f.mu.Unlock()
	if used {
		return f.fail(ctx, result, PhaseUnauthenticated, "", nil, ErrSessionUsed)
	}

	f.logger.Printf("🚀 Starting session %q for work %q", f.plan.Name, work.ID)

	cred, err := f.creds.Credentials(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoCredentials) {
			err = fmt.Errorf("%w: %v", ErrNoCredentials, err)
		}
		return f.fail(ctx, result, PhaseAuthenticating, "", nil, err)
	}

	if err := f.openLogin(ctx); err != nil {
		return f.fail(ctx, result, PhaseAuthenticating, "login page", nil, err)
	}

	var trace []AttemptRecord
	for _, ps := range f.plan.Phases() {
		if err := ctx.Err(); err != nil {
			return f.fail(ctx, result, ps.Phase, "", nil, err)
		}

		if ps.Optional {
			present, err := f.detect(ctx, ps)
			if err != nil {
				return f.fail(ctx, result, ps.Phase, ps.Steps[0].Label, nil, err)
			}
			if !present {
				f.logger.Printf("⏭️  %s: no control within %s, skipping", ps.Phase, ps.Grace)
				result.SkippedPhases = append(result.SkippedPhases, ps.Phase)
				continue
			}
		}

		f.logger.Printf("▶️  %s (%d steps, timeout %s)", ps.Phase, len(ps.Steps), ps.Timeout)
		records, target, err := f.runPhase(ctx, ps, work, cred)
		if err != nil {
			return f.fail(ctx, result, ps.Phase, target, records, err)
		}
		trace = append(trace, records...)

		if ps.Phase == PhaseAuthenticating {
			cred = Credential{}
		}
		if ps.Phase == PhaseContextSelection {
			f.update(func(s *Session) { s.AccountContext = contextLabel(ps.Steps[0], records) })
		}

		f.update(func(s *Session) {
			s.Phase = ps.Phase
			s.LastGood = ps.Phase
		})
		result.CompletedPhases = append(result.CompletedPhases, ps.Phase)
		if ref := f.recorder.Checkpoint(ctx, ps.Phase, "reached"); ref != "" {
			f.update(func(s *Session) { s.LastCheckpoint = ref })
		}
		f.logger.Printf("✅ %s reached", ps.Phase)
	}

	s := f.Session()
	result.Outcome = OutcomeSuccess
	result.FinalPhase = s.Phase
	result.AttemptTrace = trace
	result.AccountContext = s.AccountContext
	result.FinalCheckpointRef = f.recorder.LastRef()
	result.FinishedAt = time.Now().UTC()
	f.logger.Printf("🎉 Session completed in %s", result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond))
	return result
}

func (f *Flow) openLogin(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, f.plan.PhaseTimeout)
	defer cancel()

	f.logger.Printf("🌐 Opening %s", f.plan.LoginURL)
	if err := f.surface.Goto(ctx, f.plan.LoginURL); err != nil {
		return environmentError("open login page", err)
	}
	f.recorder.Checkpoint(ctx, PhaseUnauthenticated, "login-page")
	return nil
}

// detect polls the optional phase's first step until one of its strategies
// finds a candidate or the grace window closes.
func (f *Flow) detect(ctx context.Context, ps PhaseSpec) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, ps.Grace)
	defer cancel()

	target := ps.Steps[0]
	for {
		for _, s := range target.Strategies {
			el, _, err := locate(ctx, f.surface, s)
			if err != nil && IsEnvironmentFailure(err) {
				return false, err
			}
			if el != nil {
				return true, nil
			}
		}
		select {
		case <-ctx.Done():
			return false, nil
		case <-time.After(f.probe):
		}
	}
}

// runPhase activates the phase's steps in order under the phase deadline.
// It returns every attempt made and, on failure, the failing target.
func (f *Flow) runPhase(ctx context.Context, ps PhaseSpec, work WorkUnit, cred Credential) ([]AttemptRecord, string, error) {
	var records []AttemptRecord
	deadline := time.Now().Add(ps.Timeout)
	exec := f.executor.ForPhase(ps.Phase)

	for _, step := range ps.Steps {
		target, skip, err := resolveStep(step, work, cred)
		if err != nil {
			return records, step.Label, err
		}
		if skip {
			f.logger.Printf("   skipping optional %q: no value", step.Label)
			continue
		}

		var remaining time.Duration
		if ps.Timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return records, step.Label, fmt.Errorf("%w: %s exceeded %s", ErrPhaseTimeout, ps.Phase, ps.Timeout)
			}
		}

		f.logger.Printf("🔎 %s: %s", ps.Phase, step.Label)
		res, err := exec.LocateAndActivate(ctx, target, remaining)
		records = append(records, res.Records...)
		if err != nil {
			return records, step.Label, err
		}
	}
	return records, "", nil
}

// resolveStep fills in the value a fill step types. Identity and secret come
// from the credential; anything else from the work unit.
func resolveStep(step TargetDescriptor, work WorkUnit, cred Credential) (TargetDescriptor, bool, error) {
	if step.ValueKey == "" {
		return step, false, nil
	}
	var v string
	switch step.ValueKey {
	case ValueKeyIdentity:
		v = cred.Identity
	case ValueKeySecret:
		v = cred.Secret
	default:
		v = work.Fields[step.ValueKey]
	}
	if v == "" {
		if step.Optional {
			return step, true, nil
		}
		return step, false, fmt.Errorf("%w: %s needs %q", ErrMissingValue, step.Label, step.ValueKey)
	}
	return step.WithValue(v), false, nil
}

func contextLabel(target TargetDescriptor, records []AttemptRecord) string {
	for _, r := range records {
		if r.Outcome != OutcomeSucceeded {
			continue
		}
		for _, s := range target.Strategies {
			if s.Label() == r.Strategy && s.Text != "" {
				return s.Text
			}
		}
		return r.Strategy
	}
	return ""
}

// fail moves the session to Failed and builds the outward failure. Only the
// failing phase's attempts are reported.
func (f *Flow) fail(ctx context.Context, result *SessionResult, phase Phase, target string, records []AttemptRecord, err error) *SessionResult {
	ref := ""
	if !errors.Is(err, ErrSessionUsed) {
		ref = f.recorder.Checkpoint(ctx, phase, "failed-"+target)
		f.update(func(s *Session) {
			s.Phase = PhaseFailed
			if ref != "" {
				s.LastCheckpoint = ref
			}
		})
	}
	if ref == "" {
		ref = f.recorder.LastRef()
	}
	s := f.Session()

	perr := &PhaseError{
		Phase:         phase,
		Target:        target,
		Attempts:      records,
		CheckpointRef: ref,
		Err:           err,
	}
	f.logger.Errorf("❌ %v", perr)

	result.Outcome = OutcomeFailure
	result.FailingPhase = phase
	result.FailingTarget = target
	result.FinalPhase = PhaseFailed
	result.AttemptTrace = records
	result.FinalCheckpointRef = ref
	result.AccountContext = s.AccountContext
	result.Error = perr.Error()
	result.ErrorKind = errorKind(err)
	result.Err = perr
	result.FinishedAt = time.Now().UTC()
	return result
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
