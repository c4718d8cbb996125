package navigator_pkg

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(p *fakePage, strategyTimeout time.Duration) *Executor {
	return NewExecutor(p, NewVerifier(p, discardLogger{}), nil, discardLogger{}, ExecutorOptions{StrategyTimeout: strategyTimeout})
}

func showsDashboard(p *fakePage) { p.text = "Bem-vindo ao Dashboard" }

var (
	byExact   = Strategy{Kind: KindTextExact, Text: "Chamados"}
	byPartial = Strategy{Kind: KindTextPartial, Text: "Chamado"}
	byAttr    = Strategy{Kind: KindAttribute, Attribute: "class", Pattern: "ticket"}
	byCSS     = Strategy{Kind: KindCSS, Selector: "nav a.tickets"}
)

func dashboardTarget(strategies ...Strategy) TargetDescriptor {
	return TargetDescriptor{
		Label:      "ticket menu entry",
		Strategies: strategies,
		Predicate:  SuccessPredicate{MarkerText: []string{"dashboard"}},
	}
}

func TestLocateAndActivate_ShortCircuitsOnFirstWinner(t *testing.T) {
	p := newFakePage()
	winner := el("Chamados").does(showsDashboard)
	p.on(byExact, winner)
	p.on(byPartial, el("Chamados antigos"))

	res, err := newTestExecutor(p, time.Second).LocateAndActivate(context.Background(), dashboardTarget(byExact, byPartial, byAttr), 5*time.Second)

	require.NoError(t, err)
	require.True(t, res.Succeeded())
	assert.Equal(t, byExact.Label(), res.Winner.Strategy)
	assert.Len(t, res.Records, 1)
	assert.Equal(t, 1, winner.clickCount())
	assert.False(t, p.queried(byPartial), "later strategies must not be queried")
	assert.False(t, p.queried(byAttr), "later strategies must not be queried")
}

func TestLocateAndActivate_AllMissesReportNoCandidates(t *testing.T) {
	p := newFakePage()
	target := dashboardTarget(byExact, byPartial, byAttr, byCSS)

	res, err := newTestExecutor(p, time.Second).LocateAndActivate(context.Background(), target, 5*time.Second)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoCandidatesFound))
	assert.Len(t, res.Records, len(target.Strategies))
	for _, r := range res.Records {
		assert.Equal(t, OutcomeNoCandidates, r.Outcome)
		assert.Equal(t, 0, r.Candidates)
		assert.False(t, r.Activated)
	}
}

func TestLocateAndActivate_ActivationFailureAdvances(t *testing.T) {
	p := newFakePage()
	detached := el("Chamados").fails(errors.New("element is not attached to the DOM"))
	third := el("Chamados").does(showsDashboard)
	p.on(byPartial, detached)
	p.on(byAttr, third)

	res, err := newTestExecutor(p, time.Second).LocateAndActivate(context.Background(), dashboardTarget(byExact, byPartial, byAttr), 5*time.Second)

	require.NoError(t, err)
	require.Len(t, res.Records, 3)
	assert.Equal(t, OutcomeNoCandidates, res.Records[0].Outcome)
	assert.Equal(t, OutcomeActivationFailed, res.Records[1].Outcome)
	assert.Equal(t, 1, res.Records[1].Candidates)
	assert.Contains(t, res.Records[1].Error, "not attached")
	assert.Equal(t, OutcomeSucceeded, res.Records[2].Outcome)
	assert.Equal(t, 1, third.clickCount())
}

func TestLocateAndActivate_StrategyTimeoutBoundsStuckStrategy(t *testing.T) {
	p := newFakePage()
	p.on(byExact, el("Chamados"))
	p.on(byPartial, el("Chamados").does(showsDashboard))

	start := time.Now()
	res, err := newTestExecutor(p, 250*time.Millisecond).LocateAndActivate(context.Background(), dashboardTarget(byExact, byPartial), 30*time.Second)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, OutcomePredicateUnsatisfied, res.Records[0].Outcome)
	assert.True(t, res.Records[0].Activated)
	assert.GreaterOrEqual(t, res.Records[0].Elapsed, 250*time.Millisecond)
	assert.Less(t, res.Records[0].Elapsed, 2*time.Second)
	assert.Less(t, elapsed, 5*time.Second, "advancement must not wait for the phase deadline")
}

func TestLocateAndActivate_ActivationCutOffByStrategyTimeoutIsTimedOut(t *testing.T) {
	p := newFakePage()
	stuck := el("Chamados").stall()
	p.on(byExact, stuck)

	res, err := newTestExecutor(p, 150*time.Millisecond).LocateAndActivate(context.Background(), dashboardTarget(byExact), 5*time.Second)

	require.Error(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, OutcomeTimedOut, res.Records[0].Outcome)
	assert.False(t, res.Records[0].Activated)
	assert.Equal(t, 1, stuck.clickCount())
	assert.False(t, errors.Is(err, ErrActivationFailed))
	assert.True(t, errors.Is(err, ErrNoCandidatesFound))
}

func TestLocateAndActivate_WrongElementReportsPredicateNeverSatisfied(t *testing.T) {
	p := newFakePage()
	p.on(byExact, el("Chamados"))
	p.on(byAttr, el("Chamados").fails(errors.New("intercepted")))

	res, err := newTestExecutor(p, 150*time.Millisecond).LocateAndActivate(context.Background(), dashboardTarget(byExact, byPartial, byAttr), 5*time.Second)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPredicateNeverSatisfied))
	assert.Len(t, res.Records, 3)
}

func TestLocateAndActivate_ActivationFailuresWithoutActivation(t *testing.T) {
	p := newFakePage()
	p.on(byPartial, el("Chamados").fails(errors.New("element detached")))

	_, err := newTestExecutor(p, time.Second).LocateAndActivate(context.Background(), dashboardTarget(byExact, byPartial), 5*time.Second)

	assert.True(t, errors.Is(err, ErrActivationFailed))
}

func TestLocateAndActivate_EnvironmentFailureAbortsImmediately(t *testing.T) {
	p := newFakePage()
	p.findErrs[queryFor(byExact).String()] = environmentError("find", errors.New("browser has disconnected"))
	p.on(byPartial, el("Chamados").does(showsDashboard))

	res, err := newTestExecutor(p, time.Second).LocateAndActivate(context.Background(), dashboardTarget(byExact, byPartial), 5*time.Second)

	require.Error(t, err)
	assert.True(t, IsEnvironmentFailure(err))
	assert.Len(t, res.Records, 1)
	assert.Equal(t, OutcomeEnvironmentFailure, res.Records[0].Outcome)
	assert.False(t, p.queried(byPartial))
}

func TestLocateAndActivate_FailedQueryCountsAsMiss(t *testing.T) {
	p := newFakePage()
	p.findErrs[queryFor(byCSS).String()] = errors.New("SyntaxError: not a valid selector")
	p.on(byPartial, el("Chamados").does(showsDashboard))

	res, err := newTestExecutor(p, time.Second).LocateAndActivate(context.Background(), dashboardTarget(byCSS, byPartial), 5*time.Second)

	require.NoError(t, err)
	assert.Equal(t, OutcomeNoCandidates, res.Records[0].Outcome)
	assert.Contains(t, res.Records[0].Error, "SyntaxError")
}

func TestLocateAndActivate_PhaseTimeout(t *testing.T) {
	p := newFakePage()
	p.on(byExact, el("Chamados"))
	p.on(byPartial, el("Chamados").does(showsDashboard))

	res, err := newTestExecutor(p, 10*time.Second).LocateAndActivate(context.Background(), dashboardTarget(byExact, byPartial), 200*time.Millisecond)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPhaseTimeout))
	assert.Len(t, res.Records, 1)
	assert.False(t, p.queried(byPartial))
}

func TestLocateAndActivate_CallerCancellation(t *testing.T) {
	p := newFakePage()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestExecutor(p, time.Second).LocateAndActivate(ctx, dashboardTarget(byExact), 5*time.Second)

	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, IsEnvironmentFailure(err))
}

func TestLocateAndActivate_FillThenCommit(t *testing.T) {
	p := newFakePage()
	field := el("search")
	byInput := Strategy{Kind: KindCSS, Selector: `input[name="q"]`}
	p.on(byInput, field)

	target := TargetDescriptor{Label: "search box", Strategies: []Strategy{byInput}, Action: ActionFill, CommitKey: "Enter"}
	res, err := newTestExecutor(p, time.Second).LocateAndActivate(context.Background(), target.WithValue("NF 4411"), time.Second)

	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, "NF 4411", field.value())
	assert.Equal(t, []string{"Enter"}, field.pressed)
}

func TestLocateAndActivate_RejectsInvalidDescriptor(t *testing.T) {
	p := newFakePage()
	target := dashboardTarget(Strategy{Kind: KindPosition, Index: 1}, byExact)

	_, err := newTestExecutor(p, time.Second).LocateAndActivate(context.Background(), target, time.Second)

	assert.True(t, errors.Is(err, ErrInvalidDescriptor))
	assert.Empty(t, p.finds)
}

func TestLocateAndActivate_StructuralFallbackPicksSecondRailElement(t *testing.T) {
	p := newFakePage()
	rail := Strategy{Kind: KindPosition, MaxX: 300, Index: 1}
	first := el("Início").at(10, 100)
	second := el("Chamados").at(10, 160).does(showsDashboard)
	header := el("Sair").at(900, 10)
	// Document order differs from visual order on purpose.
	p.on(rail, second, header, first)

	res, err := newTestExecutor(p, time.Second).LocateAndActivate(context.Background(), dashboardTarget(byExact, byPartial, rail), 5*time.Second)

	require.NoError(t, err)
	require.Len(t, res.Records, 3)
	assert.Equal(t, OutcomeNoCandidates, res.Records[0].Outcome)
	assert.Equal(t, OutcomeNoCandidates, res.Records[1].Outcome)
	assert.Equal(t, 2, res.Records[2].Candidates)
	assert.Equal(t, 1, second.clickCount())
	assert.Equal(t, 0, first.clickCount())
	assert.Equal(t, 0, header.clickCount())
}

func TestLocateAndActivate_StructuralRankAbsentIsAMiss(t *testing.T) {
	p := newFakePage()
	rail := Strategy{Kind: KindPosition, MaxX: 300, Index: 2}
	p.on(rail, el("Início").at(10, 100), el("Chamados").at(10, 160))

	res, err := newTestExecutor(p, time.Second).LocateAndActivate(context.Background(), dashboardTarget(rail), time.Second)

	assert.True(t, errors.Is(err, ErrNoCandidatesFound))
	assert.Equal(t, OutcomeNoCandidates, res.Records[0].Outcome)
	assert.Equal(t, 2, res.Records[0].Candidates)
	assert.Equal(t, "rank 3 of 2", res.Records[0].Error)
}

func TestLocateAndActivate_PerAttemptDiagnostics(t *testing.T) {
	p := newFakePage()
	p.on(byPartial, el("Chamados").does(showsDashboard))
	sink := &memSink{}
	rec := NewRecorder("sess-1", p, sink, time.Second, discardLogger{})
	exec := NewExecutor(p, NewVerifier(p, discardLogger{}), rec, discardLogger{}, ExecutorOptions{
		StrategyTimeout:       time.Second,
		PerAttemptDiagnostics: true,
	}).ForPhase(PhaseTargetLocated)

	res, err := exec.LocateAndActivate(context.Background(), dashboardTarget(byExact, byPartial), 5*time.Second)

	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	for _, r := range res.Records {
		assert.True(t, strings.HasPrefix(r.CheckpointRef, "mem://sess-1/"), r.CheckpointRef)
	}
	assert.Equal(t, []string{"TargetLocated/attempt-ticket menu entry-1", "TargetLocated/attempt-ticket menu entry-2"}, sink.labels())
}

func TestExhaustionErrorPriority(t *testing.T) {
	assert.Equal(t, ErrNoCandidatesFound, exhaustionError(nil))
	assert.Equal(t, ErrActivationFailed, exhaustionError([]AttemptRecord{
		{Outcome: OutcomeNoCandidates}, {Outcome: OutcomeActivationFailed}, {Outcome: OutcomeTimedOut},
	}))
	assert.Equal(t, ErrPredicateNeverSatisfied, exhaustionError([]AttemptRecord{
		{Outcome: OutcomeActivationFailed}, {Outcome: OutcomePredicateUnsatisfied}, {Outcome: OutcomeNoCandidates},
	}))
}
