package match

import (
	"net/url"
	"strings"

	iradix "github.com/hashicorp/go-immutable-radix"
)

// ExactMatcher answers set membership for whole URLs and for domains,
// climbing parent domains so that "example.com" also covers "ads.example.com".
// Populate it with AddURL/AddDomain before sharing it between goroutines.
type ExactMatcher struct {
	urls    map[string]struct{}
	domains *iradix.Tree
}

// NewExactMatcher creates an empty matcher.
func NewExactMatcher() *ExactMatcher {
	return &ExactMatcher{
		urls:    make(map[string]struct{}),
		domains: iradix.New(),
	}
}

// AddURL adds a full URL to the exact URL set.
func (m *ExactMatcher) AddURL(u string) {
	u = strings.ToLower(strings.TrimSpace(u))
	if u == "" {
		return
	}
	m.urls[u] = struct{}{}
}

// AddDomain adds a domain; subdomains of it match too.
func (m *ExactMatcher) AddDomain(domain string) {
	domain = normalizeHost(domain)
	if domain == "" {
		return
	}
	m.domains, _, _ = m.domains.Insert([]byte(domain), struct{}{})
}

// IsMatch reports whether url is in the URL set or its host (or a parent of it)
// is in the domain set.
func (m *ExactMatcher) IsMatch(rawURL string) bool {
	ok, _ := m.Match(rawURL)
	return ok
}

// Match is IsMatch that also returns the entry that matched.
func (m *ExactMatcher) Match(rawURL string) (bool, string) {
	lower := strings.ToLower(strings.TrimSpace(rawURL))
	if lower == "" {
		return false, ""
	}
	if _, ok := m.urls[lower]; ok {
		return true, lower
	}

	host, ok := ExtractHost(lower)
	if !ok {
		return false, ""
	}
	return m.matchHost(host)
}

// MatchHost checks an already extracted host against the domain set.
func (m *ExactMatcher) MatchHost(host string) (bool, string) {
	return m.matchHost(normalizeHost(host))
}

func (m *ExactMatcher) matchHost(host string) (bool, string) {
	if m.domains.Len() == 0 {
		return false, ""
	}
	root := m.domains.Root()
	for d := host; d != ""; d = parentDomain(d) {
		if _, ok := root.Get([]byte(d)); ok {
			return true, d
		}
	}
	return false, ""
}

// URLCount returns the size of the URL set.
func (m *ExactMatcher) URLCount() int { return len(m.urls) }

// DomainCount returns the size of the domain set.
func (m *ExactMatcher) DomainCount() int { return m.domains.Len() }

// ExtractHost returns the lower-cased host of rawURL without port.
// Protocol-relative ("//host/path") and malformed input are handled;
// anything that yields no host returns ok=false.
func ExtractHost(rawURL string) (host string, ok bool) {
	s := strings.TrimSpace(rawURL)
	if s == "" {
		return "", false
	}
	if strings.HasPrefix(s, "//") {
		s = "http:" + s
	}

	if u, err := url.Parse(s); err == nil && u.Host != "" {
		host = normalizeHost(u.Hostname())
		return host, host != ""
	}

	host = normalizeHost(manualHost(s))
	return host, host != ""
}

// manualHost strips scheme, userinfo, path and port without a URI parser.
func manualHost(s string) string {
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		s = s[i+1:]
	}
	if strings.HasPrefix(s, "[") {
		if i := strings.IndexByte(s, ']'); i > 0 {
			return s[1:i]
		}
		return ""
	}
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	if strings.ContainsAny(s, " \t\\") {
		return ""
	}
	return s
}

func normalizeHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}

// parentDomain drops the leftmost label, returning "" after the last one.
func parentDomain(d string) string {
	if i := strings.IndexByte(d, '.'); i >= 0 {
		return d[i+1:]
	}
	return ""
}

// ParentDomains returns host followed by each parent domain:
// "a.b.com" -> ["a.b.com", "b.com", "com"].
func ParentDomains(host string) []string {
	host = normalizeHost(host)
	var chain []string
	for d := host; d != ""; d = parentDomain(d) {
		chain = append(chain, d)
	}
	return chain
}
