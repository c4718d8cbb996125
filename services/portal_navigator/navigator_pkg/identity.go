package navigator_pkg

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Identity is the logical page identity. The portal routes internally
// without changing its address, so the structural fingerprint carries most
// of the signal.
type Identity struct {
	URL         string `json:"url,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// IsZero reports whether nothing could be captured.
func (i Identity) IsZero() bool { return i.URL == "" && i.Fingerprint == "" }

// Differs reports whether o is a different page. Only components captured
// on both sides are compared.
func (i Identity) Differs(o Identity) bool {
	if i.URL != "" && o.URL != "" && i.URL != o.URL {
		return true
	}
	return i.Fingerprint != "" && o.Fingerprint != "" && i.Fingerprint != o.Fingerprint
}

// CaptureIdentity reads the current identity from surface.
func CaptureIdentity(ctx context.Context, surface Surface) (Identity, error) {
	var id Identity
	url, urlErr := surface.URL(ctx)
	if urlErr == nil {
		id.URL = url
	}
	html, err := surface.Content(ctx)
	if err != nil {
		if urlErr != nil {
			return id, err
		}
		return id, nil
	}
	fp, err := Fingerprint(html)
	if err != nil {
		return id, nil
	}
	id.Fingerprint = fp
	return id, nil
}

// Fingerprint derives a structural page identity from rendered HTML: the
// top-level headings, the landmarks present and whether a password field is
// on screen. Auto-generated class names and ids are ignored on purpose.
func Fingerprint(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	var headings []string
	doc.Find(`h1, h2, h3, [role="heading"]`).Each(func(_ int, s *goquery.Selection) {
		if t := normalizeText(s.Text()); t != "" {
			headings = append(headings, t)
		}
	})
	sort.Strings(headings)

	parts := []string{
		"title=" + normalizeText(doc.Find("title").First().Text()),
		"h=" + strings.Join(headings, "|"),
		fmt.Sprintf("nav=%d", doc.Find(`nav, [role="navigation"]`).Length()),
		fmt.Sprintf("main=%d", doc.Find(`main, [role="main"]`).Length()),
		fmt.Sprintf("form=%d", doc.Find("form").Length()),
		fmt.Sprintf("password=%d", doc.Find(`input[type="password"]`).Length()),
		fmt.Sprintf("dialog=%d", doc.Find(`dialog[open], [role="dialog"]`).Length()),
	}

	sum := sha1.Sum([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:8]), nil
}
