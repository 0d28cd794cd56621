package source

import "strings"

// Filter keeps records whose title matches the include keywords and none of the
// exclude keywords. A filter with no include keywords accepts everything not excluded.
type Filter struct {
	include []string
	exclude []string
}

// NewFilter creates a case-insensitive keyword filter.
func NewFilter(includeKeywords, excludeKeywords []string) *Filter {
	return &Filter{include: lowerAll(includeKeywords), exclude: lowerAll(excludeKeywords)}
}

// Match reports whether text passes the filter. A nil filter matches everything.
func (f *Filter) Match(text string) bool {
	if f == nil {
		return true
	}
	lower := strings.ToLower(text)

	for _, ex := range f.exclude {
		if strings.Contains(lower, ex) {
			return false
		}
	}

	if len(f.include) == 0 {
		return true
	}
	for _, kw := range f.include {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
