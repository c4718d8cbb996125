package navigator_pkg

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	identityField = Strategy{Kind: KindCSS, Selector: `input[type="email"]`}
	secretField   = Strategy{Kind: KindCSS, Selector: `input[type="password"]`}
	loginButton   = Strategy{Kind: KindTextExact, Text: "Entrar"}
	contextOption = Strategy{Kind: KindTextExact, Text: "Fornecedor"}
	menuToggle    = Strategy{Kind: KindAttribute, Selector: "button", Attribute: "aria-label", Pattern: "menu"}
	menuFirst     = Strategy{Kind: KindFirstInteractive, Selector: "header"}
	entryExact    = Strategy{Kind: KindTextExact, Text: "Chamados"}
	entryPartial  = Strategy{Kind: KindTextPartial, Text: "Chamado"}
	entryRail     = Strategy{Kind: KindPosition, MaxX: 300, Index: 1}
	createButton  = Strategy{Kind: KindTextExact, Text: "Novo Chamado"}
	subjectField  = Strategy{Kind: KindCSS, Selector: `input[name="assunto"]`}
	notesField    = Strategy{Kind: KindCSS, Selector: `textarea[name="obs"]`}
	saveButton    = Strategy{Kind: KindTextExact, Text: "Salvar"}
)

func testPlan() *FlowPlan {
	return &FlowPlan{
		Name:            "test-portal",
		LoginURL:        "https://portal.test/login",
		PhaseTimeout:    5 * time.Second,
		StrategyTimeout: 300 * time.Millisecond,
		ContextGrace:    80 * time.Millisecond,
		PhaseTimeouts:   map[Phase]time.Duration{},
		Identity:        TargetDescriptor{Label: "login identity", Strategies: []Strategy{identityField}, Action: ActionFill, ValueKey: ValueKeyIdentity},
		Secret:          TargetDescriptor{Label: "login secret", Strategies: []Strategy{secretField}, Action: ActionFill, ValueKey: ValueKeySecret},
		Submit:          TargetDescriptor{Label: "login submit", Strategies: []Strategy{loginButton}, Predicate: SuccessPredicate{IdentityChange: true}},
		Context:         &TargetDescriptor{Label: "account context", Strategies: []Strategy{contextOption}, Predicate: SuccessPredicate{MarkerText: []string{"Fornecedor ativo"}}},
		MenuToggle:      TargetDescriptor{Label: "menu toggle", Strategies: []Strategy{menuToggle, menuFirst}, Predicate: SuccessPredicate{MinInteractive: 8}},
		MenuEntry:       TargetDescriptor{Label: "ticket menu entry", Strategies: []Strategy{entryExact, entryPartial, entryRail}, Predicate: SuccessPredicate{MarkerText: []string{"Meus Chamados"}}},
		Create:          TargetDescriptor{Label: "create ticket", Strategies: []Strategy{createButton}, Predicate: SuccessPredicate{IdentityChange: true}},
		Form: []TargetDescriptor{
			{Label: "subject", Strategies: []Strategy{subjectField}, Action: ActionFill, ValueKey: "subject"},
			{Label: "notes", Strategies: []Strategy{notesField}, Action: ActionFill, ValueKey: "notes", Optional: true},
		},
		FormSubmit: &TargetDescriptor{Label: "save ticket", Strategies: []Strategy{saveButton}, Predicate: SuccessPredicate{MarkerText: []string{"Chamado registrado"}}},
	}
}

// portal wires a fake page that behaves like the portal end to end.
type portal struct {
	page    *fakePage
	email   *fakeElement
	secret  *fakeElement
	subject *fakeElement
	notes   *fakeElement
	menu    *fakeElement
	entry   *fakeElement
	create  *fakeElement
	save    *fakeElement
}

func newPortal() *portal {
	p := &portal{
		page:    newFakePage(),
		email:   el("email"),
		secret:  el("password"),
		subject: el("assunto"),
		notes:   el("obs"),
	}
	p.menu = el("≡").does(func(fp *fakePage) { fp.interactive = 14 })
	p.entry = el("Chamados").does(func(fp *fakePage) {
		fp.text = "Meus Chamados\nNovo Chamado"
		fp.html = ticketHTML
	})
	p.create = el("Novo Chamado").does(func(fp *fakePage) { fp.html = formHTML })
	p.save = el("Salvar").does(func(fp *fakePage) { fp.text = "Chamado registrado: #4411" })

	p.page.on(identityField, p.email)
	p.page.on(secretField, p.secret)
	p.page.on(loginButton, el("Entrar").does(func(fp *fakePage) {
		fp.html = homeHTML
		fp.interactive = 4
	}))
	p.page.on(menuToggle, p.menu)
	p.page.on(entryExact, p.entry)
	p.page.on(createButton, p.create)
	p.page.on(subjectField, p.subject)
	p.page.on(notesField, p.notes)
	p.page.on(saveButton, p.save)
	return p
}

var testCreds = StaticCredentials{Identity: "fornecedor@acme.test", Secret: "s3cr3t-Pa55"}

func runFlow(t *testing.T, p *portal, plan *FlowPlan, work WorkUnit, opts FlowOptions) (*SessionResult, *Flow) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger{}
	}
	opts.ProbeInterval = 10 * time.Millisecond
	f := NewFlow("0f6d7c1a-test", plan, p.page, testCreds, nil, opts)
	return f.Run(context.Background(), work), f
}

var ticket = WorkUnit{ID: "T-4411", Fields: map[string]string{"subject": "Nota fiscal rejeitada"}}

func TestFlow_HappyPathSkipsAbsentContext(t *testing.T) {
	p := newPortal()

	res, f := runFlow(t, p, testPlan(), ticket, FlowOptions{})

	require.True(t, res.Succeeded(), res.Error)
	assert.Equal(t, PhaseActionComplete, res.FinalPhase)
	assert.Equal(t, []Phase{PhaseContextSelection}, res.SkippedPhases)
	assert.Equal(t, []Phase{PhaseAuthenticating, PhaseMenuCollapsed, PhaseMenuExpanded, PhaseTargetLocated, PhaseActionComplete}, res.CompletedPhases)
	assert.Equal(t, "fornecedor@acme.test", p.email.value())
	assert.Equal(t, "s3cr3t-Pa55", p.secret.value())
	assert.Equal(t, "Nota fiscal rejeitada", p.subject.value())
	assert.Empty(t, p.notes.value(), "optional field without a value is skipped")
	assert.Equal(t, 1, p.save.clickCount())
	assert.NotEmpty(t, res.AttemptTrace)
	assert.Empty(t, res.FailingPhase)

	s := f.Session()
	assert.Equal(t, PhaseActionComplete, s.Phase)
	assert.Equal(t, PhaseActionComplete, s.LastGood)
}

func TestFlow_SelectsAccountContextWhenOffered(t *testing.T) {
	p := newPortal()
	p.page.on(contextOption, el("Fornecedor").does(func(fp *fakePage) { fp.text = "Fornecedor ativo" }))

	res, _ := runFlow(t, p, testPlan(), ticket, FlowOptions{})

	require.True(t, res.Succeeded(), res.Error)
	assert.Empty(t, res.SkippedPhases)
	assert.Contains(t, res.CompletedPhases, PhaseContextSelection)
	assert.Equal(t, "Fornecedor", res.AccountContext)
}

func TestFlow_StructuralFallbackReachesTarget(t *testing.T) {
	p := newPortal()
	// The portal renamed its menu: no text strategy hits any more.
	p.page.on(entryExact)
	first := el("Início").at(12, 120)
	second := el("Atendimento").at(12, 168).does(func(fp *fakePage) { fp.text = "Meus Chamados" })
	p.page.on(entryRail, second, first)

	res, _ := runFlow(t, p, testPlan(), ticket, FlowOptions{})

	require.True(t, res.Succeeded(), res.Error)
	assert.Equal(t, 1, second.clickCount())
	assert.Equal(t, 0, first.clickCount())
}

func TestFlow_FailedPhaseNeverReachesLaterPhases(t *testing.T) {
	p := newPortal()
	p.page.on(menuToggle)

	res, f := runFlow(t, p, testPlan(), ticket, FlowOptions{})

	require.False(t, res.Succeeded())
	assert.Equal(t, PhaseMenuExpanded, res.FailingPhase)
	assert.Equal(t, PhaseFailed, res.FinalPhase)
	assert.Equal(t, "NoCandidatesFound", res.ErrorKind)
	assert.NotContains(t, res.CompletedPhases, PhaseTargetLocated)
	assert.NotContains(t, res.CompletedPhases, PhaseActionComplete)
	assert.False(t, p.page.queried(entryExact))
	assert.False(t, p.page.queried(createButton))
	assert.Len(t, res.AttemptTrace, 2)

	s := f.Session()
	assert.Equal(t, PhaseFailed, s.Phase)
	assert.Equal(t, PhaseMenuCollapsed, s.LastGood)

	var perr *PhaseError
	require.True(t, errors.As(res.Err, &perr))
	assert.Equal(t, PhaseMenuExpanded, perr.Phase)
	assert.True(t, errors.Is(res.Err, ErrNoCandidatesFound))
}

func TestFlow_FinalPredicateTimeoutFailsActionComplete(t *testing.T) {
	p := newPortal()
	p.save.does(func(fp *fakePage) {})

	res, _ := runFlow(t, p, testPlan(), ticket, FlowOptions{})

	require.False(t, res.Succeeded())
	assert.Equal(t, OutcomeFailure, res.Outcome)
	assert.Equal(t, PhaseActionComplete, res.FailingPhase)
	assert.Equal(t, "save ticket", res.FailingTarget)
	assert.Equal(t, "PredicateNeverSatisfied", res.ErrorKind)
	require.NotEmpty(t, res.AttemptTrace)
	for _, r := range res.AttemptTrace {
		assert.Contains(t, []string{"create ticket", "subject", "save ticket"}, r.Target, "trace must only hold the failing phase")
	}
	last := res.AttemptTrace[len(res.AttemptTrace)-1]
	assert.Equal(t, OutcomePredicateUnsatisfied, last.Outcome)
}

func TestFlow_PhaseDeadline(t *testing.T) {
	p := newPortal()
	p.save.does(func(fp *fakePage) {})
	plan := testPlan()
	plan.StrategyTimeout = 5 * time.Second
	plan.PhaseTimeouts[PhaseActionComplete] = 300 * time.Millisecond

	start := time.Now()
	res, _ := runFlow(t, p, plan, ticket, FlowOptions{})

	assert.Equal(t, PhaseActionComplete, res.FailingPhase)
	assert.Equal(t, "PhaseTimeout", res.ErrorKind)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestFlow_MissingCredentials(t *testing.T) {
	p := newPortal()
	f := NewFlow("s-nocreds", testPlan(), p.page, StaticCredentials{}, nil, FlowOptions{Logger: discardLogger{}})

	res := f.Run(context.Background(), ticket)

	assert.Equal(t, PhaseAuthenticating, res.FailingPhase)
	assert.Equal(t, "NoCredentials", res.ErrorKind)
	assert.Empty(t, p.page.finds)
}

func TestFlow_LoginPageUnreachableIsEnvironmentFailure(t *testing.T) {
	p := newPortal()
	p.page.gotoErr = errors.New("net::ERR_NAME_NOT_RESOLVED")

	res, _ := runFlow(t, p, testPlan(), ticket, FlowOptions{})

	assert.Equal(t, PhaseAuthenticating, res.FailingPhase)
	assert.Equal(t, "EnvironmentFailure", res.ErrorKind)
	assert.True(t, IsEnvironmentFailure(res.Err))
}

func TestFlow_BrowserLostMidSession(t *testing.T) {
	p := newPortal()
	p.menu.does(func(fp *fakePage) { fp.gone = true })

	res, _ := runFlow(t, p, testPlan(), ticket, FlowOptions{})

	assert.Equal(t, PhaseMenuExpanded, res.FailingPhase)
	assert.Equal(t, "EnvironmentFailure", res.ErrorKind)
}

func TestFlow_MissingRequiredField(t *testing.T) {
	p := newPortal()

	res, _ := runFlow(t, p, testPlan(), WorkUnit{ID: "T-1"}, FlowOptions{})

	assert.Equal(t, PhaseActionComplete, res.FailingPhase)
	assert.Equal(t, "subject", res.FailingTarget)
	assert.Equal(t, "MissingValue", res.ErrorKind)
}

func TestFlow_DoesNotResume(t *testing.T) {
	p := newPortal()
	p.page.on(menuToggle)
	res, f := runFlow(t, p, testPlan(), ticket, FlowOptions{})
	require.False(t, res.Succeeded())

	again := f.Run(context.Background(), ticket)

	assert.False(t, again.Succeeded())
	assert.Equal(t, "SessionUsed", again.ErrorKind)
	assert.Equal(t, PhaseFailed, f.Session().Phase)
}

func TestFlow_CancellationAborts(t *testing.T) {
	p := newPortal()
	p.save.does(func(fp *fakePage) {})
	plan := testPlan()
	plan.StrategyTimeout = 30 * time.Second
	plan.PhaseTimeout = 30 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)
	f := NewFlow("s-cancel", plan, p.page, testCreds, nil, FlowOptions{Logger: discardLogger{}})

	start := time.Now()
	res := f.Run(ctx, ticket)

	assert.False(t, res.Succeeded())
	assert.Equal(t, "Canceled", res.ErrorKind)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestFlow_SecretNeverLoggedOrReported(t *testing.T) {
	p := newPortal()
	p.save.does(func(fp *fakePage) {})
	logs := &captureLogger{}
	sink := &memSink{}
	f := NewFlow("s-secret", testPlan(), p.page, testCreds, sink, FlowOptions{Logger: logs})

	res := f.Run(context.Background(), ticket)
	data, err := json.Marshal(res)
	require.NoError(t, err)

	assert.NotContains(t, logs.String(), "s3cr3t-Pa55")
	assert.NotContains(t, string(data), "s3cr3t-Pa55")
	assert.NotContains(t, res.Error, "s3cr3t-Pa55")
}

func TestFlow_CheckpointsNeverStoreTypedSecret(t *testing.T) {
	p := newPortal()
	p.page.on(loginButton, el("Entrar"))
	root := t.TempDir()
	mem := &memSink{}
	f := NewFlow("s-typed", testPlan(), p.page, testCreds, MultiSink{NewFileSink(root), mem},
		FlowOptions{Logger: discardLogger{}, PerAttemptDiagnostics: true, ProbeInterval: 10 * time.Millisecond})

	res := f.Run(context.Background(), ticket)

	require.False(t, res.Succeeded())
	assert.Equal(t, PhaseAuthenticating, res.FailingPhase)
	assert.Equal(t, "s3cr3t-Pa55", p.secret.value())
	assert.Contains(t, mem.labels(), "Authenticating/failed-login submit")

	var files int
	require.NoError(t, filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		files++
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "s3cr3t-Pa55", path)
		return nil
	}))
	assert.NotZero(t, files)

	var sawSecretField bool
	for _, cp := range mem.cps {
		for _, item := range cp.Inventory {
			assert.NotContains(t, item.Text, "s3cr3t-Pa55")
			if item.Type == "password" {
				sawSecretField = true
				assert.True(t, item.Filled)
			}
		}
	}
	assert.True(t, sawSecretField, "failure checkpoint lists the filled secret field")
}

func TestFlow_CheckpointsAtBoundariesAndFailure(t *testing.T) {
	p := newPortal()
	p.page.on(menuToggle)
	sink := &memSink{}
	f := NewFlow("s-diag", testPlan(), p.page, testCreds, sink, FlowOptions{Logger: discardLogger{}, ProbeInterval: 10 * time.Millisecond})

	res := f.Run(context.Background(), ticket)

	assert.Equal(t, []string{
		"Unauthenticated/login-page",
		"Authenticating/reached",
		"MenuCollapsed/reached",
		"MenuExpanded/failed-menu toggle",
	}, sink.labels())
	assert.Contains(t, res.FinalCheckpointRef, "MenuExpanded-failed-menu-toggle")
	assert.Equal(t, res.FinalCheckpointRef, f.Session().LastCheckpoint)
}
