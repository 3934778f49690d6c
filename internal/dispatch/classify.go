package dispatch

import (
	"fmt"

	"github.com/CybercentreCanada/clue/internal/models"
)

// effectiveCeiling is the most restrictive marking a result may carry.
func (e *Engine) effectiveCeiling(clearance, max string) string {
	if max == "" {
		return clearance
	}
	c, err := e.c12n.Min(clearance, max)
	if err != nil {
		return e.c12n.Lowest()
	}
	return c
}

// clamp drops entries, annotations and raw data marked above ceiling and
// raises each kept entry's marking to the highest of its parts. In strict
// mode any drop fails the whole result instead.
func (e *Engine) clamp(source string, items []models.QueryEntry, fallback, ceiling string) ([]models.QueryEntry, string) {
	strictErr := fmt.Sprintf("Result classification exceeds max classification of source: %s.", source)
	out := make([]models.QueryEntry, 0, len(items))

	for _, item := range items {
		class, ok := e.marking(item.Classification, fallback, ceiling)
		if !ok {
			if e.cfg.Strict {
				return nil, strictErr
			}
			continue
		}

		annotations := make([]models.Annotation, 0, len(item.Annotations))
		for _, a := range item.Annotations {
			ac, ok := e.marking(a.Classification, class, ceiling)
			if !ok {
				if e.cfg.Strict {
					return nil, strictErr
				}
				continue
			}
			if a.Classification != "" {
				a.Classification = ac
				class = e.max(class, ac)
			}
			annotations = append(annotations, a)
		}
		item.Annotations = annotations

		var raw []models.RawData
		for _, r := range item.RawData {
			rc, ok := e.marking(r.Classification, class, ceiling)
			if !ok {
				if e.cfg.Strict {
					return nil, strictErr
				}
				continue
			}
			r.Classification = rc
			class = e.max(class, rc)
			raw = append(raw, r)
		}
		item.RawData = raw
		item.Classification = class
		out = append(out, item)
	}
	return out, ""
}

// marking normalizes m, falling back when empty, and reports whether it is
// within ceiling.
func (e *Engine) marking(m, fallback, ceiling string) (string, bool) {
	if m == "" {
		m = fallback
	}
	if m == "" {
		m = e.c12n.Lowest()
	}
	norm, err := e.c12n.Normalize(m, true)
	if err != nil {
		return "", false
	}
	return norm, e.visible(norm, ceiling)
}

func (e *Engine) max(a, b string) string {
	m, err := e.c12n.Max(a, b)
	if err != nil {
		return a
	}
	return m
}
