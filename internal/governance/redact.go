package governance

import (
	"fmt"
	"regexp"
)

const redacted = "[REDACTED]"

// Redactor masks payload values by key and by pattern.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor compiles value patterns.
func NewRedactor(patterns []string) (*Redactor, error) {
	r := &Redactor{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

// Apply returns a copy of payload with top-level keys masked and pattern
// matches masked in every string value. The input is not modified.
func (r *Redactor) Apply(payload map[string]any, keys []string) map[string]any {
	if payload == nil {
		return nil
	}
	mask := make(map[string]bool, len(keys))
	for _, k := range keys {
		mask[k] = true
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if mask[k] {
			out[k] = redacted
			continue
		}
		out[k] = r.value(v)
	}
	return out
}

func (r *Redactor) value(v any) any {
	switch t := v.(type) {
	case string:
		for _, re := range r.patterns {
			t = re.ReplaceAllString(t, redacted)
		}
		return t
	case map[string]any:
		return r.Apply(t, nil)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = r.value(item)
		}
		return out
	default:
		return v
	}
}
