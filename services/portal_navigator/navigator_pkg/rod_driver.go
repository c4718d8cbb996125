package navigator_pkg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// RodDriver runs each session in its own incognito context of one Chromium
// process started through the rod launcher.
type RodDriver struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	opts     DriverOptions
	logger   Logger
}

// NewRodDriver launches and connects to Chromium.
func NewRodDriver(opts DriverOptions) (*RodDriver, error) {
	logger := opts.Logger
	if logger == nil {
		logger = &SimpleLogger{}
	}
	logger.Printf("🚀 Launching browser (rod, headless=%v)...", opts.Headless)

	l := launcher.New().
		Headless(opts.Headless).
		NoSandbox(true).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-dev-shm-usage").
		Set("disable-gpu")
	if path := browserExecutable(opts.ExecutablePath); path != "" {
		l = l.Bin(path)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	return &RodDriver{launcher: l, browser: browser, opts: opts, logger: logger}, nil
}

func (d *RodDriver) Name() string { return DriverRod }

func (d *RodDriver) NewSurface(ctx context.Context) (Surface, error) {
	incognito, err := d.browser.Context(ctx).Incognito()
	if err != nil {
		return nil, classifyDriverError("incognito", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		incognito.Close()
		return nil, classifyDriverError("new page", err)
	}
	w, h := d.opts.viewport()
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             w,
		Height:            h,
		DeviceScaleFactor: 1,
	}); err != nil {
		d.logger.Printf("⚠️ rod: viewport: %v", err)
	}
	return &rodSurface{browser: incognito, page: page}, nil
}

func (d *RodDriver) Close() error {
	err := d.browser.Close()
	d.launcher.Cleanup()
	return err
}

type rodSurface struct {
	browser *rod.Browser
	page    *rod.Page
}

func (s *rodSurface) Goto(ctx context.Context, url string) error {
	p := s.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return classifyDriverError("goto", err)
	}
	return classifyDriverError("wait load", p.WaitLoad())
}

func (s *rodSurface) Find(ctx context.Context, q Query) ([]Element, error) {
	p := s.page.Context(ctx)

	var els rod.Elements
	var err error
	if q.Match == MatchNone {
		els, err = p.Elements(q.Selector)
	} else {
		els, err = p.ElementsByJS(rod.Eval(findJS, findArgs(q)))
	}
	if err != nil {
		return nil, classifyDriverError("find", err)
	}

	var out []Element
	for _, el := range els {
		if q.Match == MatchNone {
			visible, err := el.Context(ctx).Visible()
			if err != nil || !visible {
				continue
			}
		}
		out = append(out, &rodElement{el: el})
	}
	return out, nil
}

func (s *rodSurface) URL(ctx context.Context) (string, error) {
	info, err := s.page.Context(ctx).Info()
	if err != nil {
		return "", classifyDriverError("url", err)
	}
	return info.URL, nil
}

func (s *rodSurface) Content(ctx context.Context) (string, error) {
	html, err := s.page.Context(ctx).HTML()
	return html, classifyDriverError("content", err)
}

func (s *rodSurface) VisibleText(ctx context.Context) (string, error) {
	res, err := s.page.Context(ctx).Eval(visibleTextJS)
	if err != nil {
		return "", classifyDriverError("visible text", err)
	}
	return res.Value.Str(), nil
}

func (s *rodSurface) InteractiveCount(ctx context.Context) (int, error) {
	res, err := s.page.Context(ctx).Eval(interactiveCountJS)
	if err != nil {
		return 0, classifyDriverError("interactive count", err)
	}
	return res.Value.Int(), nil
}

func (s *rodSurface) Screenshot(ctx context.Context) ([]byte, error) {
	buf, err := s.page.Context(ctx).Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	return buf, classifyDriverError("screenshot", err)
}

func (s *rodSurface) Inventory(ctx context.Context) ([]InventoryItem, error) {
	res, err := s.page.Context(ctx).Eval(inventoryJS)
	if err != nil {
		return nil, classifyDriverError("inventory", err)
	}
	var items []InventoryItem
	if err := json.Unmarshal([]byte(res.Value.JSON("", "")), &items); err != nil {
		return nil, fmt.Errorf("inventory: %w", err)
	}
	return items, nil
}

// Close disposes the incognito context and every page in it.
func (s *rodSurface) Close() error {
	return s.browser.Close()
}

type rodElement struct {
	el *rod.Element
}

func (e *rodElement) Box(ctx context.Context) (Box, error) {
	shape, err := e.el.Context(ctx).Shape()
	if err != nil {
		return Box{}, classifyDriverError("shape", err)
	}
	r := shape.Box()
	if r == nil {
		return Box{}, fmt.Errorf("shape: element is not rendered")
	}
	return Box{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}, nil
}

func (e *rodElement) Click(ctx context.Context) error {
	return classifyDriverError("click", e.el.Context(ctx).Click(proto.InputMouseButtonLeft, 1))
}

func (e *rodElement) Fill(ctx context.Context, value string) error {
	el := e.el.Context(ctx)
	if err := el.SelectAllText(); err != nil {
		return classifyDriverError("select text", err)
	}
	return classifyDriverError("input", el.Input(value))
}

var rodKeys = map[string]input.Key{
	"Enter":     input.Enter,
	"Tab":       input.Tab,
	"Escape":    input.Escape,
	"Space":     input.Space,
	"ArrowDown": input.ArrowDown,
	"ArrowUp":   input.ArrowUp,
}

func (e *rodElement) Press(ctx context.Context, key string) error {
	k, ok := rodKeys[key]
	if !ok {
		return fmt.Errorf("press: unsupported key %q", key)
	}
	return classifyDriverError("press", e.el.Context(ctx).Type(k))
}
