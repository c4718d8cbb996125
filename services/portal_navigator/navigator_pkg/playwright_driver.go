package navigator_pkg

import (
	"context"
	"errors"
	"fmt"

	pw "github.com/playwright-community/playwright-go"
)

// PlaywrightDriver runs sessions in isolated Playwright browser contexts
// that share one Chromium process.
type PlaywrightDriver struct {
	pw      *pw.Playwright
	browser pw.Browser
	opts    DriverOptions
	logger  Logger
}

// NewPlaywrightDriver starts Playwright and launches Chromium.
func NewPlaywrightDriver(opts DriverOptions) (*PlaywrightDriver, error) {
	logger := opts.Logger
	if logger == nil {
		logger = &SimpleLogger{}
	}

	if opts.InstallBrowsers {
		logger.Printf("🔧 Installing Playwright Chromium browser (one-time setup)...")
		if err := pw.Install(&pw.RunOptions{Browsers: []string{"chromium"}}); err != nil {
			logger.Printf("⚠️  Playwright installation warning: %v (continuing anyway)", err)
		}
	}

	instance, err := pw.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start Playwright: %w", err)
	}

	launchOptions := pw.BrowserTypeLaunchOptions{
		Headless: pw.Bool(opts.Headless),
	}
	if path := browserExecutable(opts.ExecutablePath); path != "" {
		launchOptions.ExecutablePath = pw.String(path)
		logger.Printf("🚀 Using browser executable: %s", path)
	}

	browser, err := instance.Chromium.Launch(launchOptions)
	if err != nil {
		instance.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	return &PlaywrightDriver{pw: instance, browser: browser, opts: opts, logger: logger}, nil
}

func (d *PlaywrightDriver) Name() string { return DriverPlaywright }

// NewSurface opens a fresh browser context, so cookies and storage are never
// shared between sessions.
func (d *PlaywrightDriver) NewSurface(ctx context.Context) (Surface, error) {
	if !d.browser.IsConnected() {
		return nil, environmentError("new surface", errors.New("browser has disconnected"))
	}
	w, h := d.opts.viewport()
	bctx, err := d.browser.NewContext(pw.BrowserNewContextOptions{
		Viewport: &pw.Size{Width: w, Height: h},
	})
	if err != nil {
		return nil, d.classify("new context", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		return nil, d.classify("new page", err)
	}
	return &playwrightSurface{bctx: bctx, page: page}, nil
}

func (d *PlaywrightDriver) Close() error {
	var errs []error
	if d.browser != nil {
		errs = append(errs, d.browser.Close())
	}
	if d.pw != nil {
		errs = append(errs, d.pw.Stop())
	}
	return errors.Join(errs...)
}

func (d *PlaywrightDriver) classify(op string, err error) error {
	return classifyPlaywright(op, err)
}

func classifyPlaywright(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pw.ErrTargetClosed) {
		return environmentError(op, err)
	}
	return classifyDriverError(op, err)
}

type playwrightSurface struct {
	bctx pw.BrowserContext
	page pw.Page
}

func (s *playwrightSurface) Goto(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := pw.PageGotoOptions{WaitUntil: pw.WaitUntilStateDomcontentloaded}
	if ms, ok := deadlineMS(ctx); ok {
		opts.Timeout = pw.Float(ms)
	}
	if _, err := s.page.Goto(url, opts); err != nil {
		return classifyPlaywright("goto", err)
	}
	return nil
}

// Find uses Playwright's own text engine for unscoped exact and partial
// text, and the shared page script for everything else that filters by
// text.
func (s *playwrightSurface) Find(ctx context.Context, q Query) ([]Element, error) {
	return bounded(ctx, func() ([]Element, error) { return s.find(q) })
}

func (s *playwrightSurface) find(q Query) ([]Element, error) {
	var loc pw.Locator
	switch {
	case q.Match == MatchNone:
		loc = s.page.Locator(q.Selector)
	case q.Selector == "" && (q.Match == MatchExact || q.Match == MatchPartial):
		loc = s.page.GetByText(q.Text, pw.PageGetByTextOptions{Exact: pw.Bool(q.Match == MatchExact)})
	default:
		args, token := markArgs(q)
		if _, err := s.page.Evaluate(markJS, args); err != nil {
			return nil, classifyPlaywright("find", err)
		}
		loc = s.page.Locator(markSelector(token))
	}

	all, err := loc.All()
	if err != nil {
		return nil, classifyPlaywright("find", err)
	}
	var out []Element
	for _, l := range all {
		visible, err := l.IsVisible()
		if err != nil {
			if errors.Is(err, pw.ErrTargetClosed) {
				return nil, environmentError("find", err)
			}
			continue
		}
		if visible {
			out = append(out, &playwrightElement{loc: l})
		}
	}
	return out, nil
}

func (s *playwrightSurface) URL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.page.IsClosed() {
		return "", environmentError("url", errors.New("target closed"))
	}
	return s.page.URL(), nil
}

func (s *playwrightSurface) Content(ctx context.Context) (string, error) {
	html, err := bounded(ctx, s.page.Content)
	if err != nil && ctx.Err() != nil {
		return "", err
	}
	return html, classifyPlaywright("content", err)
}

// evaluate runs a page script without outliving ctx. Playwright's Evaluate
// takes no timeout.
func (s *playwrightSurface) evaluate(ctx context.Context, op, script string) (interface{}, error) {
	v, err := bounded(ctx, func() (interface{}, error) { return s.page.Evaluate(script) })
	if err != nil && ctx.Err() != nil {
		return nil, err
	}
	return v, classifyPlaywright(op, err)
}

func (s *playwrightSurface) VisibleText(ctx context.Context) (string, error) {
	v, err := s.evaluate(ctx, "visible text", visibleTextJS)
	if err != nil {
		return "", classifyPlaywright("visible text", err)
	}
	text, _ := v.(string)
	return text, nil
}

func (s *playwrightSurface) InteractiveCount(ctx context.Context) (int, error) {
	v, err := s.evaluate(ctx, "interactive count", interactiveCountJS)
	if err != nil {
		return 0, err
	}
	return toInt(v), nil
}

func (s *playwrightSurface) Screenshot(ctx context.Context) ([]byte, error) {
	opts := pw.PageScreenshotOptions{FullPage: pw.Bool(true)}
	if ms, ok := deadlineMS(ctx); ok {
		opts.Timeout = pw.Float(ms)
	}
	buf, err := s.page.Screenshot(opts)
	return buf, classifyPlaywright("screenshot", err)
}

func (s *playwrightSurface) Inventory(ctx context.Context) ([]InventoryItem, error) {
	v, err := s.evaluate(ctx, "inventory", inventoryJS)
	if err != nil {
		return nil, err
	}
	return decodeInventory(v)
}

func (s *playwrightSurface) Close() error {
	return s.bctx.Close()
}

type playwrightElement struct {
	loc pw.Locator
}

func (e *playwrightElement) Box(ctx context.Context) (Box, error) {
	opts := pw.LocatorBoundingBoxOptions{}
	if ms, ok := deadlineMS(ctx); ok {
		opts.Timeout = pw.Float(ms)
	}
	r, err := e.loc.BoundingBox(opts)
	if err != nil {
		return Box{}, classifyPlaywright("bounding box", err)
	}
	if r == nil {
		return Box{}, fmt.Errorf("bounding box: element is not rendered")
	}
	return Box{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}, nil
}

func (e *playwrightElement) Click(ctx context.Context) error {
	opts := pw.LocatorClickOptions{}
	if ms, ok := deadlineMS(ctx); ok {
		opts.Timeout = pw.Float(ms)
	}
	return classifyPlaywright("click", e.loc.Click(opts))
}

func (e *playwrightElement) Fill(ctx context.Context, value string) error {
	opts := pw.LocatorFillOptions{}
	if ms, ok := deadlineMS(ctx); ok {
		opts.Timeout = pw.Float(ms)
	}
	return classifyPlaywright("fill", e.loc.Fill(value, opts))
}

func (e *playwrightElement) Press(ctx context.Context, key string) error {
	opts := pw.LocatorPressOptions{}
	if ms, ok := deadlineMS(ctx); ok {
		opts.Timeout = pw.Float(ms)
	}
	return classifyPlaywright("press", e.loc.Press(key, opts))
}

// bounded runs fn and returns early with ctx's error once ctx is done. The
// abandoned call finishes in the background and its result is dropped.
func bounded[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn()
		done <- outcome{v, err}
	}()
	select {
	case o := <-done:
		return o.v, o.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// toInt converts a number decoded from a page script.
func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float32:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
