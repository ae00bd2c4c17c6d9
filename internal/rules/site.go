package rules

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/tkingovr/requestguard/internal/match"
)

// siteMatcher decides whether a rule applies to the page a request was made from.
type siteMatcher struct {
	any    bool
	onURL  bool
	domain string
	g      glob.Glob
}

// compileSite builds the scope test for a rule's site pattern.
//
//	"", "*"            every page
//	"example.com"      example.com and its subdomains
//	"*.example.com"    glob on the page host, also example.com itself
//	"https://x.com/*"  glob on the full page URL
func compileSite(site string) (siteMatcher, error) {
	s := strings.ToLower(strings.TrimSpace(site))
	if s == "" || s == "*" {
		return siteMatcher{any: true}, nil
	}

	if strings.Contains(s, "/") {
		g, err := glob.Compile(s)
		if err != nil {
			return siteMatcher{}, fmt.Errorf("invalid site pattern %q: %w", site, err)
		}
		return siteMatcher{onURL: true, g: g}, nil
	}

	if !strings.ContainsAny(s, "*?[]{}") {
		return siteMatcher{domain: strings.TrimSuffix(s, ".")}, nil
	}

	g, err := glob.Compile(s)
	if err != nil {
		return siteMatcher{}, fmt.Errorf("invalid site pattern %q: %w", site, err)
	}
	sm := siteMatcher{g: g}
	if rest, ok := strings.CutPrefix(s, "*."); ok && !strings.ContainsAny(rest, "*?[]{}") {
		sm.domain = rest
	}
	return sm, nil
}

func (s *siteMatcher) matches(p *pageView) bool {
	switch {
	case s.any:
		return true
	case s.onURL:
		return p.lower != "" && s.g.Match(p.lower)
	case p.host == "":
		return false
	case s.g == nil:
		return match.HostWithin(p.host, s.domain)
	case s.domain != "" && p.host == s.domain:
		return true
	}
	return s.g.Match(p.host)
}

// pageView is the page URL prepared once per evaluation.
type pageView struct {
	lower string
	host  string
}

func newPageView(pageURL string) *pageView {
	lower := strings.ToLower(strings.TrimSpace(pageURL))
	host, _ := match.ExtractHost(lower)
	return &pageView{lower: lower, host: host}
}
