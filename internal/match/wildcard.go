package match

import (
	"regexp"
	"strings"
)

const (
	// separatorClass is what '^' stands for: any character that cannot be
	// part of a host or path token, or the end of the input. '@' is excluded
	// so a "||host^" pattern cannot end inside userinfo.
	separatorClass = `(?:[^a-z0-9_\-.%@]|$)`

	// domainAnchor is what a leading "||" stands for: a scheme, optional
	// userinfo and an optional run of subdomains.
	domainAnchor = `^[a-z][a-z0-9+.\-]*://(?:[^/?#@]*@)?(?:[^/?#@]*\.)?`
)

// CompileWildcard translates an ad-block style pattern into a case-insensitive regexp.
func CompileWildcard(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(translateWildcard(pattern))
}

func translateWildcard(pattern string) string {
	var sb strings.Builder
	sb.WriteString("(?i)")

	p := pattern
	switch {
	case strings.HasPrefix(p, "||"):
		sb.WriteString(domainAnchor)
		p = p[2:]
	case strings.HasPrefix(p, "|"):
		sb.WriteByte('^')
		p = p[1:]
	}

	endAnchored := false
	if strings.HasSuffix(p, "|") {
		endAnchored = true
		p = p[:len(p)-1]
	}

	for _, r := range p {
		switch r {
		case '*':
			sb.WriteString(".*")
		case '^':
			sb.WriteString(separatorClass)
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}

	if endAnchored {
		sb.WriteByte('$')
	}
	return sb.String()
}

// AnchorHost returns the literal host of a "||host..." pattern. The host must be
// free of wildcards and followed by a boundary ('/', '^', '|', ':', '?', '#'),
// otherwise "||example.com" could also match "example.community".
func AnchorHost(pattern string) (string, bool) {
	if !strings.HasPrefix(pattern, "||") {
		return "", false
	}
	rest := pattern[2:]
	end := strings.IndexAny(rest, "/^|:?#")
	if end <= 0 {
		return "", false
	}
	host := rest[:end]
	if strings.ContainsAny(host, "*@") {
		return "", false
	}
	return normalizeHost(host), true
}

// wildcardBody strips the leading and trailing anchors of pattern.
func wildcardBody(pattern string) string {
	p := strings.TrimPrefix(pattern, "|")
	p = strings.TrimPrefix(p, "|")
	return strings.TrimSuffix(p, "|")
}

// hostPortPattern reports whether p is a bare "host:port".
func hostPortPattern(p string) bool {
	host, port, ok := strings.Cut(p, ":")
	if !ok || host == "" || port == "" || !strings.Contains(host, ".") {
		return false
	}
	if strings.ContainsAny(host, "/?#=*^|@ \t") {
		return false
	}
	for _, c := range port {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

type wildcardEntry struct {
	pattern string
	re      *regexp.Regexp
}

// WildcardMatcher holds compiled wildcard patterns and reports whether any matches.
type WildcardMatcher struct {
	entries []wildcardEntry
}

// NewWildcardMatcher compiles the given patterns, discarding invalid ones.
func NewWildcardMatcher(patterns ...string) *WildcardMatcher {
	m := &WildcardMatcher{}
	for _, p := range patterns {
		m.Add(p)
	}
	return m
}

// Add compiles and registers pattern. Patterns that fail to compile or are
// nothing but anchors are dropped and Add returns false.
func (m *WildcardMatcher) Add(pattern string) bool {
	if wildcardBody(pattern) == "" {
		return false
	}
	re, err := CompileWildcard(pattern)
	if err != nil {
		return false
	}
	m.entries = append(m.entries, wildcardEntry{pattern: pattern, re: re})
	return true
}

// IsMatch reports whether any registered pattern matches s.
func (m *WildcardMatcher) IsMatch(s string) bool {
	_, ok := m.Match(s)
	return ok
}

// Match returns the first registered pattern that matches s.
func (m *WildcardMatcher) Match(s string) (string, bool) {
	for _, e := range m.entries {
		if e.re.MatchString(s) {
			return e.pattern, true
		}
	}
	return "", false
}

// Count returns the number of registered patterns.
func (m *WildcardMatcher) Count() int { return len(m.entries) }
