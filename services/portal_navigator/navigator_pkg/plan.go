package navigator_pkg

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Reserved value keys resolved from the credential source.
const (
	ValueKeyIdentity = "identity"
	ValueKeySecret   = "secret"
)

// FlowPlan is the declarative description of a whole session: where to log
// in and which target descriptor each phase activates.
type FlowPlan struct {
	Name            string
	LoginURL        string
	PhaseTimeout    time.Duration
	StrategyTimeout time.Duration
	ContextGrace    time.Duration
	PhaseTimeouts   map[Phase]time.Duration

	Identity   TargetDescriptor
	Secret     TargetDescriptor
	Submit     TargetDescriptor
	Context    *TargetDescriptor
	MenuToggle TargetDescriptor
	MenuEntry  TargetDescriptor
	Create     TargetDescriptor
	Form       []TargetDescriptor
	FormSubmit *TargetDescriptor
}

// PhaseSpec is one phase of the session. Steps are activated in order and
// the last step's predicate gates the transition.
type PhaseSpec struct {
	Phase    Phase
	Steps    []TargetDescriptor
	Optional bool
	Grace    time.Duration
	Timeout  time.Duration
}

// Phases expands the plan into the ordered phase list.
func (p *FlowPlan) Phases() []PhaseSpec {
	specs := []PhaseSpec{
		{Phase: PhaseAuthenticating, Steps: []TargetDescriptor{p.Identity, p.Secret, p.Submit}},
	}
	if p.Context != nil {
		specs = append(specs, PhaseSpec{
			Phase:    PhaseContextSelection,
			Steps:    []TargetDescriptor{*p.Context},
			Optional: true,
			Grace:    p.ContextGrace,
		})
	}
	specs = append(specs,
		PhaseSpec{Phase: PhaseMenuCollapsed},
		PhaseSpec{Phase: PhaseMenuExpanded, Steps: []TargetDescriptor{p.MenuToggle}},
		PhaseSpec{Phase: PhaseTargetLocated, Steps: []TargetDescriptor{p.MenuEntry}},
	)
	final := append([]TargetDescriptor{p.Create}, p.Form...)
	if p.FormSubmit != nil {
		final = append(final, *p.FormSubmit)
	}
	specs = append(specs, PhaseSpec{Phase: PhaseActionComplete, Steps: final})

	for i := range specs {
		specs[i].Timeout = p.PhaseTimeout
		if t, ok := p.PhaseTimeouts[specs[i].Phase]; ok && t > 0 {
			specs[i].Timeout = t
		}
		if specs[i].Optional && specs[i].Grace <= 0 {
			specs[i].Grace = 3 * time.Second
		}
	}
	return specs
}

// Validate checks every descriptor in the plan.
func (p *FlowPlan) Validate() error {
	if p.LoginURL == "" {
		return fmt.Errorf("login_url is required")
	}
	for _, ps := range p.Phases() {
		for _, t := range ps.Steps {
			if err := t.Validate(); err != nil {
				return fmt.Errorf("%s: %w", ps.Phase, err)
			}
		}
	}
	if p.Identity.action() != ActionFill || p.Identity.ValueKey != ValueKeyIdentity {
		return fmt.Errorf("%w: login identity must be a fill with value_key %q", ErrInvalidDescriptor, ValueKeyIdentity)
	}
	if p.Secret.action() != ActionFill || p.Secret.ValueKey != ValueKeySecret {
		return fmt.Errorf("%w: login secret must be a fill with value_key %q", ErrInvalidDescriptor, ValueKeySecret)
	}
	return nil
}

// planFile is the YAML layout of a FlowPlan. Durations are milliseconds.
type planFile struct {
	Name     string `yaml:"name"`
	LoginURL string `yaml:"login_url"`
	Timeouts struct {
		PhaseMS        int            `yaml:"phase_ms"`
		StrategyMS     int            `yaml:"strategy_ms"`
		ContextGraceMS int            `yaml:"context_grace_ms"`
		PerPhaseMS     map[string]int `yaml:"per_phase_ms"`
	} `yaml:"timeouts"`
	Login struct {
		Identity TargetDescriptor `yaml:"identity"`
		Secret   TargetDescriptor `yaml:"secret"`
		Submit   TargetDescriptor `yaml:"submit"`
	} `yaml:"login"`
	Context    *TargetDescriptor  `yaml:"context"`
	MenuToggle TargetDescriptor   `yaml:"menu_toggle"`
	MenuEntry  TargetDescriptor   `yaml:"menu_entry"`
	Create     TargetDescriptor   `yaml:"create"`
	Form       []TargetDescriptor `yaml:"form"`
	FormSubmit *TargetDescriptor  `yaml:"form_submit"`
}

// ParseFlowPlan decodes a YAML plan, expanding ${VAR} references first.
func ParseFlowPlan(data []byte) (*FlowPlan, error) {
	expanded := os.ExpandEnv(string(data))

	var f planFile
	if err := yaml.Unmarshal([]byte(expanded), &f); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	plan := DefaultPlan()
	if f.Name != "" {
		plan.Name = f.Name
	}
	plan.LoginURL = f.LoginURL
	if f.Timeouts.PhaseMS > 0 {
		plan.PhaseTimeout = ms(f.Timeouts.PhaseMS)
	}
	if f.Timeouts.StrategyMS > 0 {
		plan.StrategyTimeout = ms(f.Timeouts.StrategyMS)
	}
	if f.Timeouts.ContextGraceMS > 0 {
		plan.ContextGrace = ms(f.Timeouts.ContextGraceMS)
	}
	for name, v := range f.Timeouts.PerPhaseMS {
		phase, err := ParsePhase(name)
		if err != nil {
			return nil, fmt.Errorf("timeouts.per_phase_ms: %w", err)
		}
		plan.PhaseTimeouts[phase] = ms(v)
	}

	overlay := func(dst *TargetDescriptor, src TargetDescriptor) {
		if len(src.Strategies) > 0 {
			*dst = src
		}
	}
	overlay(&plan.Identity, f.Login.Identity)
	overlay(&plan.Secret, f.Login.Secret)
	overlay(&plan.Submit, f.Login.Submit)
	overlay(&plan.MenuToggle, f.MenuToggle)
	overlay(&plan.MenuEntry, f.MenuEntry)
	overlay(&plan.Create, f.Create)
	if f.Context != nil {
		plan.Context = f.Context
	}
	if f.Form != nil {
		plan.Form = f.Form
	}
	if f.FormSubmit != nil {
		plan.FormSubmit = f.FormSubmit
	}

	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flow plan: %w", err)
	}
	return plan, nil
}

// LoadFlowPlan reads a plan from the first location that exists among
// path, config/path and ../config/path.
func LoadFlowPlan(path string) (*FlowPlan, error) {
	path = os.ExpandEnv(path)
	candidates := []string{
		path,
		filepath.Join("config", path),
		filepath.Join("..", path),
		filepath.Join("..", "config", path),
	}

	var file *os.File
	var found string
	for _, p := range candidates {
		f, err := os.Open(p)
		if err == nil {
			file, found = f, p
			break
		}
	}
	if file == nil {
		return nil, fmt.Errorf("flow plan not found in any of: %v", candidates)
	}
	defer file.Close()

	log.Printf("📋 [FLOW-PLAN] Loading flow plan from: %s", found)
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow plan: %w", err)
	}
	return ParseFlowPlan(data)
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// DefaultPlan is the supplier portal layout as last observed. The
// structural fallbacks were tuned against a single account type.
func DefaultPlan() *FlowPlan {
	return &FlowPlan{
		Name:            "supplier-portal",
		PhaseTimeout:    60 * time.Second,
		StrategyTimeout: 10 * time.Second,
		ContextGrace:    3 * time.Second,
		PhaseTimeouts:   map[Phase]time.Duration{},
		Identity: TargetDescriptor{
			Label:    "login identity",
			Action:   ActionFill,
			ValueKey: ValueKeyIdentity,
			Strategies: []Strategy{
				{Kind: KindCSS, Selector: `input[type="email"]`},
				{Kind: KindAttribute, Selector: "input", Attribute: "name", Pattern: "user"},
				{Kind: KindAttribute, Selector: "input", Attribute: "name", Pattern: "login"},
				{Kind: KindCSS, Selector: `input[type="text"]`},
			},
		},
		Secret: TargetDescriptor{
			Label:    "login secret",
			Action:   ActionFill,
			ValueKey: ValueKeySecret,
			Strategies: []Strategy{
				{Kind: KindCSS, Selector: `input[type="password"]`},
			},
		},
		Submit: TargetDescriptor{
			Label: "login submit",
			Strategies: []Strategy{
				{Kind: KindTextExact, Text: "Entrar", Selector: `button, input[type="submit"], [role="button"]`},
				{Kind: KindTextPattern, Pattern: `(?i)^(entrar|acessar|login|sign in)$`, Selector: `button, [role="button"]`},
				{Kind: KindCSS, Selector: `button[type="submit"], input[type="submit"]`},
			},
			Predicate: SuccessPredicate{IdentityChange: true},
		},
		Context: &TargetDescriptor{
			Label: "account context",
			Strategies: []Strategy{
				{Kind: KindTextExact, Text: "Fornecedor"},
				{Kind: KindTextPartial, Text: "Fornecedor"},
			},
			Predicate: SuccessPredicate{IdentityChange: true},
		},
		MenuToggle: TargetDescriptor{
			Label: "navigation menu toggle",
			Strategies: []Strategy{
				{Kind: KindAttribute, Selector: "button", Attribute: "aria-label", Pattern: "menu"},
				{Kind: KindAttribute, Selector: "button", Attribute: "class", Pattern: "toggle"},
				{Kind: KindAttribute, Attribute: "class", Pattern: "hamburger"},
				{Kind: KindFirstInteractive, Selector: "header"},
				{Kind: KindFirstInteractive},
			},
			Predicate: SuccessPredicate{MinInteractive: 8},
		},
		MenuEntry: TargetDescriptor{
			Label: "ticket menu entry",
			Strategies: []Strategy{
				{Kind: KindTextExact, Text: "Chamados"},
				{Kind: KindTextPartial, Text: "Chamado"},
				{Kind: KindTextPattern, Pattern: `(?i)(atendimento|suporte|tickets?)`},
				{Name: "left-rail-second", Kind: KindPosition, MaxX: 320, Index: 1},
			},
			Predicate: SuccessPredicate{
				MarkerText:     []string{"Novo Chamado", "Meus Chamados"},
				IdentityChange: true,
			},
		},
		Create: TargetDescriptor{
			Label: "create ticket button",
			Strategies: []Strategy{
				{Kind: KindTextExact, Text: "Novo Chamado"},
				{Kind: KindTextPattern, Pattern: `(?i)^\+?\s*(novo|criar|abrir)\b`, Selector: `button, a, [role="button"]`},
				{Kind: KindAttribute, Selector: "button", Attribute: "class", Pattern: "create"},
			},
			Predicate: SuccessPredicate{
				MarkerText:     []string{"Assunto", "Descrição"},
				IdentityChange: true,
			},
		},
	}
}
