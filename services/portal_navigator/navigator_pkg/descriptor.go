package navigator_pkg

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// StrategyKind names one way of finding candidate elements.
type StrategyKind string

const (
	KindTextExact        StrategyKind = "text_exact"
	KindTextPartial      StrategyKind = "text_partial"
	KindTextPattern      StrategyKind = "text_pattern"
	KindAttribute        StrategyKind = "attribute"
	KindCSS              StrategyKind = "css"
	KindFirstInteractive StrategyKind = "first_interactive"
	KindPosition         StrategyKind = "position"
)

// specificity orders kinds from most semantic to most positional.
var specificity = map[StrategyKind]int{
	KindTextExact:        0,
	KindTextPartial:      1,
	KindTextPattern:      2,
	KindAttribute:        3,
	KindCSS:              4,
	KindFirstInteractive: 5,
	KindPosition:         6,
}

// Strategy is a single locator. Selector doubles as the scope for the
// text, first_interactive and position kinds.
type Strategy struct {
	Name      string       `yaml:"name" json:"name"`
	Kind      StrategyKind `yaml:"kind" json:"kind"`
	Text      string       `yaml:"text,omitempty" json:"text,omitempty"`
	Pattern   string       `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Attribute string       `yaml:"attribute,omitempty" json:"attribute,omitempty"`
	Selector  string       `yaml:"selector,omitempty" json:"selector,omitempty"`
	MaxX      float64      `yaml:"max_x,omitempty" json:"max_x,omitempty"`
	Index     int          `yaml:"index,omitempty" json:"index,omitempty"`
}

// Label returns the name used in attempt records.
func (s Strategy) Label() string {
	if s.Name != "" {
		return s.Name
	}
	switch s.Kind {
	case KindTextExact, KindTextPartial:
		return fmt.Sprintf("%s:%s", s.Kind, s.Text)
	case KindTextPattern:
		return fmt.Sprintf("%s:%s", s.Kind, s.Pattern)
	case KindAttribute:
		return fmt.Sprintf("%s:%s~%s", s.Kind, s.Attribute, s.Pattern)
	case KindCSS:
		return fmt.Sprintf("%s:%s", s.Kind, s.Selector)
	case KindPosition:
		return fmt.Sprintf("%s:#%d", s.Kind, s.Index)
	}
	return string(s.Kind)
}

func (s Strategy) validate() error {
	switch s.Kind {
	case KindTextExact, KindTextPartial:
		if strings.TrimSpace(s.Text) == "" {
			return fmt.Errorf("strategy %s: text is required", s.Label())
		}
	case KindTextPattern:
		if s.Pattern == "" {
			return fmt.Errorf("strategy %s: pattern is required", s.Label())
		}
		if _, err := regexp.Compile(s.Pattern); err != nil {
			return fmt.Errorf("strategy %s: %v", s.Label(), err)
		}
	case KindAttribute:
		if s.Attribute == "" || s.Pattern == "" {
			return fmt.Errorf("strategy %s: attribute and pattern are required", s.Label())
		}
	case KindCSS:
		if s.Selector == "" {
			return fmt.Errorf("strategy %s: selector is required", s.Label())
		}
	case KindFirstInteractive:
	case KindPosition:
		if s.Index < 0 {
			return fmt.Errorf("strategy %s: index must be >= 0", s.Label())
		}
		if s.MaxX < 0 {
			return fmt.Errorf("strategy %s: max_x must be >= 0", s.Label())
		}
	default:
		return fmt.Errorf("unknown strategy kind %q", s.Kind)
	}
	return nil
}

// ActionKind is what to do with the winning candidate.
type ActionKind string

const (
	ActionClick ActionKind = "click"
	ActionFill  ActionKind = "fill"
)

// SuccessPredicate is a set of DOM conditions combined with OR.
// A predicate with no conditions is satisfied as soon as it is checked.
type SuccessPredicate struct {
	MarkerText     []string `yaml:"marker_text,omitempty" json:"marker_text,omitempty"`
	MarkerPattern  string   `yaml:"marker_pattern,omitempty" json:"marker_pattern,omitempty"`
	MinInteractive int      `yaml:"min_interactive,omitempty" json:"min_interactive,omitempty"`
	IdentityChange bool     `yaml:"identity_change,omitempty" json:"identity_change,omitempty"`
}

// IsEmpty reports whether no condition is configured.
func (p SuccessPredicate) IsEmpty() bool {
	return len(p.MarkerText) == 0 && p.MarkerPattern == "" && p.MinInteractive <= 0 && !p.IdentityChange
}

func (p SuccessPredicate) String() string {
	if p.IsEmpty() {
		return "always"
	}
	var parts []string
	if len(p.MarkerText) > 0 {
		parts = append(parts, fmt.Sprintf("text%q", p.MarkerText))
	}
	if p.MarkerPattern != "" {
		parts = append(parts, fmt.Sprintf("pattern(%s)", p.MarkerPattern))
	}
	if p.MinInteractive > 0 {
		parts = append(parts, fmt.Sprintf("interactive>%d", p.MinInteractive))
	}
	if p.IdentityChange {
		parts = append(parts, "identity-change")
	}
	return strings.Join(parts, " OR ")
}

// TargetDescriptor describes one element to find and activate.
type TargetDescriptor struct {
	Label      string           `yaml:"label" json:"label"`
	Strategies []Strategy       `yaml:"strategies" json:"strategies"`
	Action     ActionKind       `yaml:"action,omitempty" json:"action,omitempty"`
	Value      string           `yaml:"value,omitempty" json:"value,omitempty"`
	ValueKey   string           `yaml:"value_key,omitempty" json:"value_key,omitempty"`
	CommitKey  string           `yaml:"commit_key,omitempty" json:"commit_key,omitempty"`
	Optional   bool             `yaml:"optional,omitempty" json:"optional,omitempty"`
	Predicate  SuccessPredicate `yaml:"predicate,omitempty" json:"predicate,omitempty"`
}

// Validate checks the descriptor. The structural position strategy is the
// strategy of last resort, so it may only appear once and only at the end.
func (t TargetDescriptor) Validate() error {
	if t.Label == "" {
		return fmt.Errorf("%w: label is required", ErrInvalidDescriptor)
	}
	if len(t.Strategies) == 0 {
		return fmt.Errorf("%w: %s: at least one strategy is required", ErrInvalidDescriptor, t.Label)
	}
	switch t.action() {
	case ActionClick, ActionFill:
	default:
		return fmt.Errorf("%w: %s: unknown action %q", ErrInvalidDescriptor, t.Label, t.Action)
	}
	for i, s := range t.Strategies {
		if err := s.validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidDescriptor, t.Label, err)
		}
		if s.Kind == KindPosition && i != len(t.Strategies)-1 {
			return fmt.Errorf("%w: %s: position strategy must be last", ErrInvalidDescriptor, t.Label)
		}
	}
	if t.Predicate.MarkerPattern != "" {
		if _, err := regexp.Compile(t.Predicate.MarkerPattern); err != nil {
			return fmt.Errorf("%w: %s: marker pattern: %v", ErrInvalidDescriptor, t.Label, err)
		}
	}
	return nil
}

func (t TargetDescriptor) action() ActionKind {
	if t.Action == "" {
		return ActionClick
	}
	return t.Action
}

// WithValue returns a copy carrying the resolved fill value.
func (t TargetDescriptor) WithValue(v string) TargetDescriptor {
	c := t
	c.Strategies = append([]Strategy(nil), t.Strategies...)
	c.Value = v
	return c
}

// RankStrategies returns the strategies stable-sorted from most semantic to
// most positional. Authors who want a different order among the semantic
// kinds should list them explicitly instead.
func RankStrategies(in []Strategy) []Strategy {
	out := append([]Strategy(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		return specificity[out[i].Kind] < specificity[out[j].Kind]
	})
	return out
}
