package navigator_pkg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

// ChromedpDriver speaks CDP directly. Every session gets its own browser
// context in a shared Chromium process.
type ChromedpDriver struct {
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	logger        Logger
}

// NewChromedpDriver starts Chromium through an exec allocator.
func NewChromedpDriver(opts DriverOptions) (*ChromedpDriver, error) {
	logger := opts.Logger
	if logger == nil {
		logger = &SimpleLogger{}
	}
	w, h := opts.viewport()

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.NoSandbox,
		chromedp.WindowSize(w, h),
	)
	if path := browserExecutable(opts.ExecutablePath); path != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(path))
		logger.Printf("🚀 Using browser executable: %s", path)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	return &ChromedpDriver{
		allocCtx:      allocCtx,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		logger:        logger,
	}, nil
}

func (d *ChromedpDriver) Name() string { return DriverChromedp }

// NewSurface opens a tab in a fresh browser context. The first Run on a tab
// starts its event loop for the lifetime of the context it is given, so it
// runs on the tab itself and ctx only bounds the wait.
func (d *ChromedpDriver) NewSurface(ctx context.Context) (Surface, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tab, cancel := chromedp.NewContext(d.browserCtx, chromedp.WithNewBrowserContext())
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(tab) }()

	select {
	case err := <-started:
		if err != nil {
			cancel()
			return nil, classifyDriverError("new tab", err)
		}
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
	return &chromedpSurface{tab: tab, cancel: cancel}, nil
}

func (d *ChromedpDriver) Close() error {
	d.browserCancel()
	d.allocCancel()
	return nil
}

type chromedpSurface struct {
	tab    context.Context
	cancel context.CancelFunc
}

// run executes actions on the tab, bounded by ctx's deadline and aborted
// when ctx is cancelled.
func (s *chromedpSurface) run(ctx context.Context, op string, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(s.tab)
	defer cancel()
	if dl, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, dl)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return classifyDriverError(op, err)
}

func (s *chromedpSurface) Goto(ctx context.Context, url string) error {
	return s.run(ctx, "goto", chromedp.Navigate(url))
}

// Find marks the matches in the page, then resolves them to DOM nodes.
func (s *chromedpSurface) Find(ctx context.Context, q Query) ([]Element, error) {
	args, token := markArgs(q)
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}

	var n int
	if err := s.run(ctx, "find", chromedp.Evaluate(fmt.Sprintf("(%s)(%s)", markJS, data), &n)); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	var nodes []*cdp.Node
	if err := s.run(ctx, "find", chromedp.Nodes(markSelector(token), &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0))); err != nil {
		return nil, err
	}
	out := make([]Element, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, &chromedpElement{s: s, node: node})
	}
	return out, nil
}

func (s *chromedpSurface) URL(ctx context.Context) (string, error) {
	var url string
	err := s.run(ctx, "url", chromedp.Location(&url))
	return url, err
}

func (s *chromedpSurface) Content(ctx context.Context) (string, error) {
	var html string
	err := s.run(ctx, "content", chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (s *chromedpSurface) VisibleText(ctx context.Context) (string, error) {
	var text string
	err := s.run(ctx, "visible text", chromedp.Evaluate("("+visibleTextJS+")()", &text))
	return text, err
}

func (s *chromedpSurface) InteractiveCount(ctx context.Context) (int, error) {
	var n int
	err := s.run(ctx, "interactive count", chromedp.Evaluate("("+interactiveCountJS+")()", &n))
	return n, err
}

func (s *chromedpSurface) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := s.run(ctx, "screenshot", chromedp.FullScreenshot(&buf, 100))
	return buf, err
}

func (s *chromedpSurface) Inventory(ctx context.Context) ([]InventoryItem, error) {
	var items []InventoryItem
	err := s.run(ctx, "inventory", chromedp.Evaluate("("+inventoryJS+")()", &items))
	return items, err
}

func (s *chromedpSurface) Close() error {
	s.cancel()
	return nil
}

type chromedpElement struct {
	s    *chromedpSurface
	node *cdp.Node
}

func (e *chromedpElement) ids() []cdp.NodeID { return []cdp.NodeID{e.node.NodeID} }

func (e *chromedpElement) Box(ctx context.Context) (Box, error) {
	var box *dom.BoxModel
	err := e.s.run(ctx, "box model", chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		box, err = dom.GetBoxModel().WithNodeID(e.node.NodeID).Do(ctx)
		return err
	}))
	if err != nil {
		return Box{}, err
	}
	if box == nil || len(box.Border) < 8 {
		return Box{}, fmt.Errorf("box model: element is not rendered")
	}
	return Box{
		X:      box.Border[0],
		Y:      box.Border[1],
		Width:  float64(box.Width),
		Height: float64(box.Height),
	}, nil
}

func (e *chromedpElement) Click(ctx context.Context) error {
	return e.s.run(ctx, "click", chromedp.MouseClickNode(e.node))
}

func (e *chromedpElement) Fill(ctx context.Context, value string) error {
	return e.s.run(ctx, "fill",
		chromedp.Focus(e.ids(), chromedp.ByNodeID),
		chromedp.SetValue(e.ids(), "", chromedp.ByNodeID),
		chromedp.SendKeys(e.ids(), value, chromedp.ByNodeID),
	)
}

var chromedpKeys = map[string]string{
	"Enter":     kb.Enter,
	"Tab":       kb.Tab,
	"Escape":    kb.Escape,
	"ArrowDown": kb.ArrowDown,
	"ArrowUp":   kb.ArrowUp,
}

func (e *chromedpElement) Press(ctx context.Context, key string) error {
	k, ok := chromedpKeys[key]
	if !ok {
		return fmt.Errorf("press: unsupported key %q", key)
	}
	return e.s.run(ctx, "press", chromedp.SendKeys(e.ids(), k, chromedp.ByNodeID))
}
