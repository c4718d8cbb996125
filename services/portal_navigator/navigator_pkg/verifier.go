package navigator_pkg

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// Verifier evaluates success predicates against the live DOM.
type Verifier struct {
	surface        Surface
	logger         Logger
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewVerifier creates a verifier polling with 100ms doubling up to 1s.
func NewVerifier(surface Surface, logger Logger) *Verifier {
	if logger == nil {
		logger = &SimpleLogger{}
	}
	return &Verifier{
		surface:        surface,
		logger:         logger,
		initialBackoff: 100 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Satisfied evaluates p once. Any error while evaluating a condition counts
// as "not satisfied"; it never panics.
func (v *Verifier) Satisfied(ctx context.Context, p SuccessPredicate, baseline Identity) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Errorf("predicate evaluation panic: %v", r)
			ok = false
		}
	}()

	if p.IsEmpty() {
		return true
	}
	if v.markerPresent(ctx, p) {
		return true
	}
	if p.MinInteractive > 0 {
		if n, err := v.surface.InteractiveCount(ctx); err == nil && n > p.MinInteractive {
			return true
		}
	}
	if p.IdentityChange && !baseline.IsZero() {
		if cur, err := CaptureIdentity(ctx, v.surface); err == nil && baseline.Differs(cur) {
			return true
		}
	}
	return false
}

func (v *Verifier) markerPresent(ctx context.Context, p SuccessPredicate) bool {
	if len(p.MarkerText) == 0 && p.MarkerPattern == "" {
		return false
	}
	text, err := v.surface.VisibleText(ctx)
	if err != nil {
		return false
	}
	text = normalizeText(text)
	lower := strings.ToLower(text)
	for _, m := range p.MarkerText {
		m = strings.ToLower(normalizeText(m))
		if m != "" && strings.Contains(lower, m) {
			return true
		}
	}
	if p.MarkerPattern != "" {
		re, err := regexp.Compile(p.MarkerPattern)
		if err == nil && re.MatchString(text) {
			return true
		}
	}
	return false
}

// Await polls Satisfied with bounded backoff until it passes or ctx is done.
func (v *Verifier) Await(ctx context.Context, p SuccessPredicate, baseline Identity) bool {
	backoff := v.initialBackoff
	for {
		if v.Satisfied(ctx, p, baseline) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > v.maxBackoff {
			backoff = v.maxBackoff
		}
	}
}
