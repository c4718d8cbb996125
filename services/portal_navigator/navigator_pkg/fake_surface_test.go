package navigator_pkg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// fakePage is a scripted Surface. Find answers come from results, keyed by
// the query a strategy translates to; clicks run hooks that mutate the page.
type fakePage struct {
	mu          sync.Mutex
	url         string
	html        string
	text        string
	interactive int
	results     map[string][]*fakeElement
	findErrs    map[string]error
	finds       []string
	gotoErr     error
	gone        bool
	closed      bool
}

func newFakePage() *fakePage {
	return &fakePage{
		url:      "https://portal.test/login",
		html:     loginHTML,
		results:  map[string][]*fakeElement{},
		findErrs: map[string]error{},
	}
}

const (
	loginHTML  = `<html><head><title>Portal</title></head><body><form><input type="email"><input type="password"><button>Entrar</button></form></body></html>`
	homeHTML   = `<html><head><title>Portal</title></head><body><header><button aria-label="Menu">≡</button></header><main><h1>Início</h1></main></body></html>`
	ticketHTML = `<html><head><title>Portal</title></head><body><nav></nav><main><h1>Chamados</h1></main></body></html>`
	formHTML   = `<html><head><title>Portal</title></head><body><nav></nav><main><h1>Novo Chamado</h1><form></form></main></body></html>`
)

// on scripts the candidates returned for strategy s.
func (p *fakePage) on(s Strategy, els ...*fakeElement) *fakePage {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, el := range els {
		el.page = p
	}
	p.results[queryFor(s).String()] = els
	return p
}

func (p *fakePage) set(fn func(p *fakePage)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

func (p *fakePage) queried(s Strategy) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := queryFor(s).String()
	for _, f := range p.finds {
		if f == key {
			return true
		}
	}
	return false
}

var errGone = environmentError("fake", errors.New("target closed"))

func (p *fakePage) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.gone {
		return errGone
	}
	return nil
}

func (p *fakePage) Goto(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return err
	}
	if p.gotoErr != nil {
		return p.gotoErr
	}
	p.url = url
	return nil
}

func (p *fakePage) Find(ctx context.Context, q Query) ([]Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	key := q.String()
	p.finds = append(p.finds, key)
	if err := p.findErrs[key]; err != nil {
		return nil, err
	}
	var out []Element
	for _, el := range p.results[key] {
		out = append(out, el)
	}
	return out, nil
}

func (p *fakePage) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, p.check(ctx)
}

func (p *fakePage) Content(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.html, p.check(ctx)
}

func (p *fakePage) VisibleText(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.text, p.check(ctx)
}

func (p *fakePage) InteractiveCount(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interactive, p.check(ctx)
}

func (p *fakePage) Screenshot(ctx context.Context) ([]byte, error) {
	return []byte("\x89PNG"), nil
}

// Inventory lists the login button followed by every field that has been
// filled, reporting the typed value as its text the way a careless page
// script would.
func (p *fakePage) Inventory(ctx context.Context) ([]InventoryItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	items := []InventoryItem{{Index: 0, Tag: "button", Text: "Entrar"}}
	seen := map[*fakeElement]bool{}
	for _, els := range p.results {
		for _, el := range els {
			if seen[el] {
				continue
			}
			seen[el] = true
			if v := el.value(); v != "" {
				items = append(items, InventoryItem{Index: len(items), Tag: "input", Type: el.name, Text: v})
			}
		}
	}
	return items, nil
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// fakeElement is one candidate. Clicking it runs onClick with the page lock
// held.
type fakeElement struct {
	page     *fakePage
	name     string
	box      Box
	clickErr error
	stalls   bool
	onClick  func(p *fakePage)

	mu      sync.Mutex
	clicks  int
	filled  string
	pressed []string
}

func el(name string) *fakeElement { return &fakeElement{name: name} }

func (e *fakeElement) at(x, y float64) *fakeElement {
	e.box = Box{X: x, Y: y, Width: 100, Height: 24}
	return e
}

func (e *fakeElement) does(fn func(p *fakePage)) *fakeElement {
	e.onClick = fn
	return e
}

// stall makes Click hang until its context ends, like an element that never
// becomes actionable.
func (e *fakeElement) stall() *fakeElement {
	e.stalls = true
	return e
}

func (e *fakeElement) fails(err error) *fakeElement {
	e.clickErr = err
	return e
}

func (e *fakeElement) clickCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks
}

func (e *fakeElement) value() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.filled
}

func (e *fakeElement) Box(ctx context.Context) (Box, error) { return e.box, nil }

func (e *fakeElement) Click(ctx context.Context) error {
	e.mu.Lock()
	e.clicks++
	e.mu.Unlock()
	if e.stalls {
		<-ctx.Done()
		return fmt.Errorf("waiting for element to be actionable: %v", ctx.Err())
	}
	if e.clickErr != nil {
		return e.clickErr
	}
	if e.onClick != nil && e.page != nil {
		e.page.set(e.onClick)
	}
	return nil
}

func (e *fakeElement) Fill(ctx context.Context, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.clickErr != nil {
		return e.clickErr
	}
	e.filled = value
	return nil
}

func (e *fakeElement) Press(ctx context.Context, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pressed = append(e.pressed, key)
	return nil
}

// memSink keeps checkpoints in memory.
type memSink struct {
	mu  sync.Mutex
	cps []*Checkpoint
}

func (m *memSink) RecordCheckpoint(ctx context.Context, cp *Checkpoint) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cps = append(m.cps, cp)
	return "mem://" + cp.Name(), nil
}

func (m *memSink) labels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, cp := range m.cps {
		out = append(out, fmt.Sprintf("%s/%s", cp.Phase, cp.Label))
	}
	return out
}

// captureLogger records every line for assertions.
type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureLogger) Printf(format string, v ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, fmt.Sprintf(format, v...))
}

func (c *captureLogger) Errorf(format string, v ...interface{}) {
	c.Printf("ERROR: "+format, v...)
}

func (c *captureLogger) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.lines, "\n")
}
