package navigator_pkg

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// Driver names accepted by NewDriver.
const (
	DriverPlaywright = "playwright"
	DriverRod        = "rod"
	DriverChromedp   = "chromedp"
)

// DriverOptions configures how the browser is launched.
type DriverOptions struct {
	Headless       bool
	ExecutablePath string
	Width          int
	Height         int
	// InstallBrowsers downloads the Playwright browser on startup.
	InstallBrowsers bool
	Logger          Logger
}

func (o DriverOptions) viewport() (int, int) {
	w, h := o.Width, o.Height
	if w <= 0 {
		w = 1366
	}
	if h <= 0 {
		h = 900
	}
	return w, h
}

// NewDriver launches the named browser driver.
func NewDriver(name string, opts DriverOptions) (Driver, error) {
	if opts.Logger == nil {
		opts.Logger = &SimpleLogger{}
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", DriverPlaywright:
		return NewPlaywrightDriver(opts)
	case DriverRod:
		return NewRodDriver(opts)
	case DriverChromedp:
		return NewChromedpDriver(opts)
	}
	return nil, fmt.Errorf("unknown driver %q (want %s, %s or %s)", name, DriverPlaywright, DriverRod, DriverChromedp)
}

// browserExecutable returns explicit, or the first common Chromium install
// found on this machine, or "" to let the driver pick its bundled browser.
func browserExecutable(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("PLAYWRIGHT_EXECUTABLE_PATH"); env != "" {
		return env
	}
	commonPaths := []string{
		"/usr/bin/chromium",
		"/usr/bin/google-chrome",
		"/bin/google-chrome",
		"/usr/bin/chromium-browser",
	}
	for _, p := range commonPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var markSeq uint64

// markArgs is findArgs plus a token unique within the process.
func markArgs(q Query) (map[string]interface{}, string) {
	token := fmt.Sprintf("m%d", atomic.AddUint64(&markSeq, 1))
	args := findArgs(q)
	args["token"] = token
	return args, token
}

func markSelector(token string) string {
	return fmt.Sprintf(`[%s="%s"]`, markAttr, token)
}

// deadlineMS converts ctx's deadline into a driver timeout in milliseconds.
// ok is false when ctx has no deadline.
func deadlineMS(ctx context.Context) (ms float64, ok bool) {
	dl, ok := ctx.Deadline()
	if !ok {
		return 0, false
	}
	left := time.Until(dl)
	if left < time.Millisecond {
		left = time.Millisecond
	}
	return math.Ceil(float64(left) / float64(time.Millisecond)), true
}

// decodeInventory converts the generic value a page script returned.
func decodeInventory(v interface{}) ([]InventoryItem, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("inventory: %w", err)
	}
	var items []InventoryItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("inventory: %w", err)
	}
	return items, nil
}
