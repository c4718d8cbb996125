package navigator_pkg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Checkpoint is one diagnostic snapshot. It is written once and never
// mutated.
type Checkpoint struct {
	SessionID  string          `json:"session_id"`
	Step       int             `json:"step"`
	Phase      Phase           `json:"phase"`
	Label      string          `json:"label"`
	CapturedAt time.Time       `json:"captured_at"`
	URL        string          `json:"url,omitempty"`
	Visual     []byte          `json:"-"`
	HTML       string          `json:"-"`
	Inventory  []InventoryItem `json:"inventory"`
	Errors     []string        `json:"capture_errors,omitempty"`
}

// Name is unique per session and step, so concurrent writers never collide.
func (c *Checkpoint) Name() string {
	return fmt.Sprintf("%s/%03d-%s-%s", c.SessionID, c.Step, c.Phase, slug(c.Label))
}

// Sink is the append-only diagnostic store. RecordCheckpoint returns a
// reference a human can use to find the checkpoint later.
type Sink interface {
	RecordCheckpoint(ctx context.Context, cp *Checkpoint) (string, error)
}

// Recorder captures checkpoints for one session.
type Recorder struct {
	sessionID string
	surface   Surface
	sink      Sink
	budget    time.Duration
	logger    Logger

	step    int64
	mu      sync.Mutex
	lastRef string
}

// NewRecorder creates a recorder. budget bounds how long one checkpoint
// may block the caller.
func NewRecorder(sessionID string, surface Surface, sink Sink, budget time.Duration, logger Logger) *Recorder {
	if logger == nil {
		logger = &SimpleLogger{}
	}
	if budget <= 0 {
		budget = 5 * time.Second
	}
	return &Recorder{
		sessionID: sessionID,
		surface:   surface,
		sink:      sink,
		budget:    budget,
		logger:    logger,
	}
}

// Checkpoint captures a snapshot and hands it to the sink. Diagnostics are
// best-effort: failures are logged and an empty reference is returned.
func (r *Recorder) Checkpoint(ctx context.Context, phase Phase, label string) string {
	if r == nil || r.sink == nil {
		return ""
	}
	step := int(atomic.AddInt64(&r.step, 1))

	// Diagnostics still run when the phase that triggered them has timed out.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.budget)
	defer cancel()

	cp := r.capture(ctx, step, phase, label)

	type written struct {
		ref string
		err error
	}
	done := make(chan written, 1)
	go func() {
		ref, err := r.sink.RecordCheckpoint(ctx, cp)
		done <- written{ref, err}
	}()

	select {
	case w := <-done:
		if w.err != nil {
			r.logger.Errorf("⚠️ checkpoint %s: %v", cp.Name(), w.err)
		}
		if w.ref != "" {
			r.mu.Lock()
			r.lastRef = w.ref
			r.mu.Unlock()
			r.logger.Printf("📸 checkpoint %s → %s", cp.Name(), w.ref)
		}
		return w.ref
	case <-ctx.Done():
		r.logger.Errorf("⚠️ checkpoint %s: sink exceeded %s budget", cp.Name(), r.budget)
		return ""
	}
}

// LastRef returns the reference of the most recent stored checkpoint.
func (r *Recorder) LastRef() string {
	if r == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRef
}

func (r *Recorder) capture(ctx context.Context, step int, phase Phase, label string) *Checkpoint {
	cp := &Checkpoint{
		SessionID:  r.sessionID,
		Step:       step,
		Phase:      phase,
		Label:      label,
		CapturedAt: time.Now().UTC(),
	}
	if r.surface == nil {
		return cp
	}
	var err error
	if cp.URL, err = r.surface.URL(ctx); err != nil {
		cp.Errors = append(cp.Errors, "url: "+err.Error())
	}
	if cp.Visual, err = r.surface.Screenshot(ctx); err != nil {
		cp.Errors = append(cp.Errors, "screenshot: "+err.Error())
	}
	if cp.Inventory, err = r.surface.Inventory(ctx); err != nil {
		cp.Errors = append(cp.Errors, "inventory: "+err.Error())
	}
	redactInventory(cp.Inventory)
	html, err := r.surface.Content(ctx)
	if err != nil {
		cp.Errors = append(cp.Errors, "content: "+err.Error())
	}
	if cp.HTML, err = redactHTML(html); err != nil {
		cp.Errors = append(cp.Errors, "content: "+err.Error())
	}
	return cp
}

// redactInventory drops the text of form fields. A field only reports
// whether it holds a value.
func redactInventory(items []InventoryItem) {
	for i := range items {
		switch strings.ToLower(items[i].Tag) {
		case "input", "select", "textarea":
			if items[i].Text != "" {
				items[i].Filled = true
			}
			items[i].Text = ""
		}
	}
}

// redactHTML strips value attributes from input elements. Markup that
// cannot be parsed is not stored.
func redactHTML(html string) (string, error) {
	if html == "" || !strings.Contains(strings.ToLower(html), "<input") {
		return html, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("redact: %w", err)
	}
	doc.Find("input[value]").RemoveAttr("value")
	out, err := goquery.OuterHtml(doc.Selection.Children())
	if err != nil {
		return "", fmt.Errorf("redact: %w", err)
	}
	return out, nil
}

// FileSink writes each checkpoint into its own directory under Root.
type FileSink struct {
	Root string
}

// NewFileSink creates a file sink rooted at dir.
func NewFileSink(dir string) *FileSink {
	return &FileSink{Root: dir}
}

func (s *FileSink) RecordCheckpoint(ctx context.Context, cp *Checkpoint) (string, error) {
	dir := filepath.Join(s.Root, filepath.FromSlash(cp.Name()))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}
	if len(cp.Visual) > 0 {
		if err := os.WriteFile(filepath.Join(dir, "screenshot.png"), cp.Visual, 0644); err != nil {
			return "", fmt.Errorf("write screenshot: %w", err)
		}
	}
	if cp.HTML != "" {
		if err := os.WriteFile(filepath.Join(dir, "page.html"), []byte(cp.HTML), 0644); err != nil {
			return "", fmt.Errorf("write html: %w", err)
		}
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal inventory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "inventory.json"), data, 0644); err != nil {
		return "", fmt.Errorf("write inventory: %w", err)
	}
	return dir, nil
}

// MultiSink fans a checkpoint out to several sinks. The reference of the
// first sink that returns one is used.
type MultiSink []Sink

func (m MultiSink) RecordCheckpoint(ctx context.Context, cp *Checkpoint) (string, error) {
	var ref string
	var errs []error
	for _, s := range m {
		r, err := s.RecordCheckpoint(ctx, cp)
		if err != nil {
			errs = append(errs, err)
		}
		if ref == "" {
			ref = r
		}
	}
	return ref, errors.Join(errs...)
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slug(s string) string {
	s = strings.Trim(slugRe.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if len(s) > 48 {
		s = s[:48]
	}
	if s == "" {
		return "checkpoint"
	}
	return s
}
