package navigator_pkg

import (
	"context"
	"fmt"
	"sort"
)

// queryFor translates a strategy into the driver-level query.
func queryFor(s Strategy) Query {
	switch s.Kind {
	case KindTextExact:
		return Query{Selector: s.Selector, Text: s.Text, Match: MatchExact}
	case KindTextPartial:
		return Query{Selector: s.Selector, Text: s.Text, Match: MatchPartial}
	case KindTextPattern:
		return Query{Selector: s.Selector, Text: s.Pattern, Match: MatchPattern}
	case KindAttribute:
		return Query{Selector: attributeSelector(s.Selector, s.Attribute, s.Pattern)}
	case KindCSS:
		return Query{Selector: s.Selector}
	default:
		return Query{Selector: scopedInteractive(s.Selector)}
	}
}

type positioned struct {
	el  Element
	box Box
}

// locate returns the candidate to activate for s, or nil, together with the
// number of candidates the strategy found.
func locate(ctx context.Context, surface Surface, s Strategy) (Element, int, error) {
	els, err := surface.Find(ctx, queryFor(s))
	if err != nil {
		return nil, 0, err
	}
	if s.Kind != KindPosition {
		if len(els) == 0 {
			return nil, 0, nil
		}
		return els[0], len(els), nil
	}

	// Structural position: keep candidates whose left edge lies left of
	// MaxX, order them top-to-bottom and take the configured rank.
	var rail []positioned
	for _, el := range els {
		box, err := el.Box(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
			continue
		}
		if s.MaxX > 0 && box.X >= s.MaxX {
			continue
		}
		rail = append(rail, positioned{el: el, box: box})
	}
	sort.SliceStable(rail, func(i, j int) bool {
		if rail[i].box.Y != rail[j].box.Y {
			return rail[i].box.Y < rail[j].box.Y
		}
		return rail[i].box.X < rail[j].box.X
	})
	if s.Index >= len(rail) {
		return nil, len(rail), fmt.Errorf("rank %d of %d", s.Index+1, len(rail))
	}
	return rail[s.Index].el, len(rail), nil
}
