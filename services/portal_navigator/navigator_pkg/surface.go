package navigator_pkg

import (
	"context"
	"fmt"
	"strings"
)

// InteractiveSelector matches the elements counted as "interactive": links,
// buttons and their ARIA equivalents.
const InteractiveSelector = `a[href], button, [role="button"], [role="menuitem"], [role="link"]`

// TextMatch selects how Query.Text is compared with an element's text.
type TextMatch string

const (
	MatchNone    TextMatch = ""
	MatchExact   TextMatch = "exact"
	MatchPartial TextMatch = "partial"
	MatchPattern TextMatch = "pattern"
)

// Query is the driver-level element lookup. Selector restricts the element
// set (empty means any element); Text filters it. Only visible elements are
// returned, in document order. For text queries drivers return the innermost
// matching elements.
type Query struct {
	Selector string
	Text     string
	Match    TextMatch
}

func (q Query) String() string {
	if q.Match == MatchNone {
		return "css(" + q.Selector + ")"
	}
	if q.Selector == "" {
		return fmt.Sprintf("text-%s(%s)", q.Match, q.Text)
	}
	return fmt.Sprintf("text-%s(%s in %s)", q.Match, q.Text, q.Selector)
}

// Box is an element's bounding box in CSS pixels.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Element is a live handle to one candidate.
type Element interface {
	Box(ctx context.Context) (Box, error)
	Click(ctx context.Context) error
	Fill(ctx context.Context, value string) error
	Press(ctx context.Context, key string) error
}

// InventoryItem is one entry of a structured element inventory.
type InventoryItem struct {
	Index     int     `json:"index"`
	Tag       string  `json:"tag"`
	Role      string  `json:"role,omitempty"`
	Type      string  `json:"type,omitempty"`
	Text      string  `json:"text,omitempty"`
	Filled    bool    `json:"filled,omitempty"`
	ID        string  `json:"id,omitempty"`
	Class     string  `json:"class,omitempty"`
	Href      string  `json:"href,omitempty"`
	AriaLabel string  `json:"aria_label,omitempty"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
}

// Surface is one live browsing context. Every method blocks at most until
// ctx is done.
type Surface interface {
	Goto(ctx context.Context, url string) error
	Find(ctx context.Context, q Query) ([]Element, error)
	URL(ctx context.Context) (string, error)
	Content(ctx context.Context) (string, error)
	VisibleText(ctx context.Context) (string, error)
	InteractiveCount(ctx context.Context) (int, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Inventory(ctx context.Context) ([]InventoryItem, error)
	Close() error
}

// Driver opens independent surfaces, one per session.
type Driver interface {
	Name() string
	NewSurface(ctx context.Context) (Surface, error)
	Close() error
}

// attributeSelector builds a case-insensitive substring attribute selector,
// optionally restricted to scope.
func attributeSelector(scope, attr, value string) string {
	v := strings.ReplaceAll(value, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return fmt.Sprintf(`%s[%s*="%s" i]`, strings.TrimSpace(scope), attr, v)
}

// scopedInteractive restricts InteractiveSelector to descendants of scope.
func scopedInteractive(scope string) string {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return InteractiveSelector
	}
	parts := strings.Split(InteractiveSelector, ",")
	for i, p := range parts {
		parts[i] = scope + " " + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// findArgs is the argument object handed to findJS.
func findArgs(q Query) map[string]interface{} {
	text, flags := q.Text, ""
	if q.Match == MatchPattern && strings.HasPrefix(text, "(?i)") {
		text, flags = strings.TrimPrefix(text, "(?i)"), "i"
	}
	return map[string]interface{}{
		"selector": q.Selector,
		"text":     text,
		"match":    string(q.Match),
		"flags":    flags,
	}
}

// normalizeText collapses whitespace the way rendered text is compared.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Scripts shared by drivers that evaluate JavaScript in the page.
const (
	// visibleFilterJS defines isVisible(el) for the other snippets.
	visibleFilterJS = `const isVisible = (el) => {
		const style = window.getComputedStyle(el);
		if (!style || style.display === 'none' || style.visibility === 'hidden' || style.opacity === '0') return false;
		const r = el.getBoundingClientRect();
		return r.width > 0 && r.height > 0;
	};`

	interactiveCountJS = `() => {
		` + visibleFilterJS + `
		return Array.from(document.querySelectorAll('` + InteractiveSelector + `')).filter(isVisible).length;
	}`

	inventoryJS = `() => {
		` + visibleFilterJS + `
		const sel = 'a[href], button, [role="button"], [role="menuitem"], [role="link"], input:not([type="hidden"]), select, textarea';
		return Array.from(document.querySelectorAll(sel)).filter(isVisible).slice(0, 300).map((el, i) => {
			const r = el.getBoundingClientRect();
			const tag = el.tagName.toLowerCase();
			const field = tag === 'input' || tag === 'select' || tag === 'textarea';
			return {
				index: i,
				tag: tag,
				role: el.getAttribute('role') || '',
				type: field ? (el.getAttribute('type') || '') : '',
				text: field ? '' : (el.innerText || '').trim().replace(/\s+/g, ' ').slice(0, 120),
				filled: field ? !!el.value : false,
				id: el.id || '',
				class: (typeof el.className === 'string' ? el.className : '').slice(0, 120),
				href: el.getAttribute('href') || '',
				aria_label: el.getAttribute('aria-label') || '',
				x: r.left, y: r.top, width: r.width, height: r.height,
			};
		});
	}`

	// findJS returns the visible elements for a Query passed as its argument.
	// Text matches keep only the innermost matching elements.
	findJS = `(q) => {
		` + visibleFilterJS + `
		const norm = (s) => (s || '').trim().replace(/\s+/g, ' ');
		const all = Array.from(document.querySelectorAll(q.selector || '*')).filter(isVisible);
		if (!q.match) return all;
		const re = q.match === 'pattern' ? new RegExp(q.text, q.flags || '') : null;
		const want = norm(q.text);
		const hit = (el) => {
			const t = norm(el.innerText || el.textContent);
			if (q.match === 'exact') return t === want;
			if (q.match === 'partial') return t.toLowerCase().includes(want.toLowerCase());
			return re.test(t);
		};
		const matched = all.filter(hit);
		return matched.filter((el) => !matched.some((o) => o !== el && el.contains(o)));
	}`

	// markJS tags the findJS matches with q.token so a driver without
	// element handles can address them by selector. Returns the match count.
	markJS = `(q) => {
		const found = (` + findJS + `)(q);
		found.forEach((el) => el.setAttribute('` + markAttr + `', q.token));
		return found.length;
	}`

	visibleTextJS = `() => document.body ? document.body.innerText : ''`
)

const markAttr = "data-portalnav-match"
