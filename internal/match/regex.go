package match

import (
	"fmt"
	"regexp"
	"strings"
)

// IsRegexPattern reports whether pattern uses regex syntax ("/.../" or "re:...").
func IsRegexPattern(pattern string) bool {
	if strings.HasPrefix(pattern, "re:") {
		return true
	}
	return len(pattern) > 2 && pattern[0] == '/' && pattern[len(pattern)-1] == '/'
}

// CompileRegex compiles a "/.../" or "re:..." pattern case-insensitively.
func CompileRegex(pattern string) (*regexp.Regexp, error) {
	var expr string
	switch {
	case strings.HasPrefix(pattern, "re:"):
		expr = pattern[3:]
	case IsRegexPattern(pattern):
		expr = pattern[1 : len(pattern)-1]
	default:
		return nil, fmt.Errorf("not a regex pattern: %q", pattern)
	}
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return nil, fmt.Errorf("compiling regex %q: %w", pattern, err)
	}
	return re, nil
}

// RegexMatcher is the last tier of the cascade: an ordered list of
// caller-compiled regexps scanned until the first match.
type RegexMatcher struct {
	res []*regexp.Regexp
}

// NewRegexMatcher creates a matcher; nil entries are ignored.
func NewRegexMatcher(res ...*regexp.Regexp) *RegexMatcher {
	m := &RegexMatcher{}
	for _, re := range res {
		m.Add(re)
	}
	return m
}

// Add appends re to the scan order.
func (m *RegexMatcher) Add(re *regexp.Regexp) {
	if re != nil {
		m.res = append(m.res, re)
	}
}

// IsMatch reports whether any regexp matches s.
func (m *RegexMatcher) IsMatch(s string) bool {
	return m.Match(s) >= 0
}

// Match returns the index of the first matching regexp, or -1.
func (m *RegexMatcher) Match(s string) int {
	for i, re := range m.res {
		if re.MatchString(s) {
			return i
		}
	}
	return -1
}

// Count returns the number of regexps.
func (m *RegexMatcher) Count() int { return len(m.res) }
