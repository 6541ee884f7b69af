package filters

import (
	"fmt"
	"regexp"
	"strings"
)

type FilterType string

const (
	FilterTypeContains FilterType = "contains"
	FilterTypeRegex    FilterType = "regex"
	FilterTypeExact    FilterType = "exact"
)

// Filter matches log messages. Negated filters match what the pattern does not.
type Filter struct {
	Type          FilterType
	Pattern       string
	CaseSensitive bool
	Negate        bool
	regex         *regexp.Regexp
}

func NewFilter(filterType FilterType, pattern string, caseSensitive bool) (*Filter, error) {
	f := &Filter{
		Type:          filterType,
		Pattern:       pattern,
		CaseSensitive: caseSensitive,
	}

	switch filterType {
	case FilterTypeRegex:
		flags := ""
		if !caseSensitive {
			flags = "(?i)"
		}
		regex, err := regexp.Compile(flags + pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid filter pattern %q: %w", pattern, err)
		}
		f.regex = regex
	case FilterTypeContains, FilterTypeExact:
	default:
		return nil, fmt.Errorf("unknown filter type %q", filterType)
	}

	return f, nil
}

// Parse reads the query syntax used by the CLI and API:
//
//	text       contains, case-insensitive
//	/re/       regular expression
//	=text      exact match
//	!query     any of the above, negated
func Parse(query string) (*Filter, error) {
	negate := false
	if strings.HasPrefix(query, "!") {
		negate = true
		query = query[1:]
	}

	var (
		f   *Filter
		err error
	)
	switch {
	case len(query) >= 2 && strings.HasPrefix(query, "/") && strings.HasSuffix(query, "/"):
		f, err = NewFilter(FilterTypeRegex, query[1:len(query)-1], false)
	case strings.HasPrefix(query, "="):
		f, err = NewFilter(FilterTypeExact, query[1:], true)
	default:
		f, err = NewFilter(FilterTypeContains, query, false)
	}
	if err != nil {
		return nil, err
	}
	f.Negate = negate
	return f, nil
}

// ParseAll parses every query, failing on the first bad one.
func ParseAll(queries []string) ([]*Filter, error) {
	out := make([]*Filter, 0, len(queries))
	for _, q := range queries {
		if q == "" {
			continue
		}
		f, err := Parse(q)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (f *Filter) Matches(content string) bool {
	return f.matches(content) != f.Negate
}

func (f *Filter) matches(content string) bool {
	switch f.Type {
	case FilterTypeContains:
		if f.CaseSensitive {
			return strings.Contains(content, f.Pattern)
		}
		return strings.Contains(strings.ToLower(content), strings.ToLower(f.Pattern))

	case FilterTypeRegex:
		return f.regex.MatchString(content)

	case FilterTypeExact:
		if f.CaseSensitive {
			return content == f.Pattern
		}
		return strings.EqualFold(content, f.Pattern)

	default:
		return false
	}
}

// MatchAll reports whether content passes every filter.
func MatchAll(fs []*Filter, content string) bool {
	for _, f := range fs {
		if !f.Matches(content) {
			return false
		}
	}
	return true
}
