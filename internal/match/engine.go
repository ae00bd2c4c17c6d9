package match

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tkingovr/requestguard/api"
)

// ErrUnknownPattern is returned when an action's URL pattern was not part of
// the set the Engine was built from.
var ErrUnknownPattern = errors.New("url pattern not registered with matching engine")

// Tier identifies which matcher serves a URL pattern.
type Tier uint8

const (
	TierAny Tier = iota
	TierExactURL
	TierExactDomain
	TierWildcard
	TierRegex
	TierInvalid
)

func (t Tier) String() string {
	switch t {
	case TierAny:
		return "any"
	case TierExactURL:
		return "exact_url"
	case TierExactDomain:
		return "exact_domain"
	case TierWildcard:
		return "wildcard"
	case TierRegex:
		return "regex"
	}
	return "invalid"
}

// Classify picks the cheapest tier able to serve pattern.
func Classify(pattern string) Tier {
	p := strings.TrimSpace(pattern)
	switch {
	case p == "":
		return TierAny
	case IsRegexPattern(p):
		return TierRegex
	case strings.ContainsAny(p, "*^|"):
		return TierWildcard
	case strings.Contains(p, "://"):
		return TierExactURL
	case hostPortPattern(p):
		return TierWildcard
	case !strings.ContainsAny(p, "/?#= \t") && strings.Contains(p, "."):
		return TierExactDomain
	}
	return TierWildcard
}

type urlPattern struct {
	tier       Tier
	key        string
	anchorHost string
	wildcard   *WildcardMatcher
	regex      *RegexMatcher
}

// EngineStats describes how an Engine distributed its patterns.
type EngineStats struct {
	ExactURLs              int     `json:"exact_urls"`
	ExactDomains           int     `json:"exact_domains"`
	Wildcards              int     `json:"wildcards"`
	AnchoredWildcards      int     `json:"anchored_wildcards"`
	Regexes                int     `json:"regexes"`
	Dropped                int     `json:"dropped"`
	BloomItems             int     `json:"bloom_items"`
	BloomFalsePositiveRate float64 `json:"bloom_false_positive_rate"`
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	falsePositiveRate float64
	onDropped         func(pattern string, err error)
}

// WithFalsePositiveRate sets the Bloom prefilter target rate.
func WithFalsePositiveRate(p float64) Option {
	return func(o *engineOptions) { o.falsePositiveRate = p }
}

// WithDroppedPatternHook is called for every pattern that fails to compile.
func WithDroppedPatternHook(fn func(pattern string, err error)) Option {
	return func(o *engineOptions) { o.onDropped = fn }
}

// Engine composes the exact, Bloom, wildcard and regex tiers into one
// per-action predicate. It is immutable once built and safe for concurrent use.
type Engine struct {
	exact     *ExactMatcher
	prefilter *Bloom
	patterns  map[string]*urlPattern
	kinds     map[string]api.ResourceKind
	stats     EngineStats
}

// NewEngine compiles the URL patterns and resource types used by actions.
func NewEngine(actions []api.RuleAction, opts ...Option) *Engine {
	o := engineOptions{falsePositiveRate: DefaultFalsePositiveRate}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		exact:    NewExactMatcher(),
		patterns: make(map[string]*urlPattern),
		kinds:    make(map[string]api.ResourceKind),
	}

	var anchors []string
	for _, a := range actions {
		if rt := a.Match.ResourceType; rt != "" {
			if _, ok := e.kinds[rt]; !ok {
				e.kinds[rt] = api.ParseResourceKind(rt)
			}
		}

		raw := a.Match.URLPattern
		if raw == "" {
			continue
		}
		if _, ok := e.patterns[raw]; ok {
			continue
		}
		up := e.compile(raw, o.onDropped)
		e.patterns[raw] = up
		if up.anchorHost != "" {
			anchors = append(anchors, up.anchorHost)
		}
	}

	e.prefilter = NewBloom(len(anchors), o.falsePositiveRate)
	for _, h := range anchors {
		e.prefilter.Add(h)
	}
	e.stats.BloomItems = e.prefilter.Count()
	e.stats.BloomFalsePositiveRate = e.prefilter.EstimatedFalsePositiveRate()
	return e
}

func (e *Engine) compile(raw string, onDropped func(string, error)) *urlPattern {
	p := strings.TrimSpace(raw)
	drop := func(err error) *urlPattern {
		e.stats.Dropped++
		if onDropped != nil {
			onDropped(raw, err)
		}
		return &urlPattern{tier: TierInvalid}
	}

	switch tier := Classify(p); tier {
	case TierExactURL:
		e.exact.AddURL(p)
		e.stats.ExactURLs++
		return &urlPattern{tier: tier, key: strings.ToLower(p)}

	case TierExactDomain:
		e.exact.AddDomain(p)
		e.stats.ExactDomains++
		return &urlPattern{tier: tier, key: normalizeHost(p)}

	case TierRegex:
		re, err := CompileRegex(p)
		if err != nil {
			return drop(err)
		}
		e.stats.Regexes++
		return &urlPattern{tier: tier, regex: NewRegexMatcher(re)}

	default:
		if hostPortPattern(p) {
			p = "||" + p + "^"
		}
		wm := NewWildcardMatcher()
		if !wm.Add(p) {
			return drop(fmt.Errorf("invalid wildcard pattern %q", p))
		}
		up := &urlPattern{tier: TierWildcard, wildcard: wm}
		if host, ok := AnchorHost(p); ok {
			up.anchorHost = host
			e.stats.AnchoredWildcards++
		}
		e.stats.Wildcards++
		return up
	}
}

// Stats returns the tier distribution computed at build time.
func (e *Engine) Stats() EngineStats { return e.stats }

// ActionMatches reports whether every present field of action.Match matches the
// probed request. Method and resource kind are checked before the URL tiers.
func (e *Engine) ActionMatches(action *api.RuleAction, p *Probe) (bool, error) {
	m := &action.Match
	if m.Method != "" && !strings.EqualFold(m.Method, p.method) {
		return false, nil
	}
	if m.ResourceType != "" {
		kind, ok := e.kinds[m.ResourceType]
		if !ok {
			kind = api.ParseResourceKind(m.ResourceType)
		}
		if kind != p.kind {
			return false, nil
		}
	}
	return e.urlMatches(m.URLPattern, p)
}

func (e *Engine) urlMatches(pattern string, p *Probe) (bool, error) {
	if pattern == "" {
		return true, nil
	}
	up, ok := e.patterns[pattern]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownPattern, pattern)
	}

	switch up.tier {
	case TierAny:
		return true, nil
	case TierExactURL:
		return p.exactHit() && p.lower == up.key, nil
	case TierExactDomain:
		return p.exactHit() && HostWithin(p.host, up.key), nil
	case TierWildcard:
		if up.anchorHost != "" && (!p.mayMatchAnchored() || !HostWithin(p.host, up.anchorHost)) {
			return false, nil
		}
		return up.wildcard.IsMatch(p.raw), nil
	case TierRegex:
		return up.regex.IsMatch(p.raw), nil
	}
	return false, nil
}

// HostWithin reports whether host equals domain or is a subdomain of it.
func HostWithin(host, domain string) bool {
	if host == domain {
		return true
	}
	n, d := len(host), len(domain)
	return n > d && host[n-d-1] == '.' && host[n-d:] == domain
}

// Probe caches per-request facts shared by every action checked against one request.
// A Probe belongs to a single evaluation and must not be shared between goroutines.
type Probe struct {
	engine *Engine
	raw    string
	lower  string
	host   string
	method string
	kind   api.ResourceKind

	exact    int8
	anchored int8
}

// NewProbe prepares req for matching.
func (e *Engine) NewProbe(req *api.Request) *Probe {
	lower := strings.ToLower(strings.TrimSpace(req.URL))
	host, _ := ExtractHost(lower)
	return &Probe{
		engine: e,
		raw:    req.URL,
		lower:  lower,
		host:   host,
		method: req.Method,
		kind:   req.ResourceType,
	}
}

// Host returns the extracted request host, or "" if the URL had none.
func (p *Probe) Host() string { return p.host }

func (p *Probe) exactHit() bool {
	if p.exact == 0 {
		p.exact = -1
		if _, ok := p.engine.exact.urls[p.lower]; ok {
			p.exact = 1
		} else if p.host != "" {
			if ok, _ := p.engine.exact.matchHost(p.host); ok {
				p.exact = 1
			}
		}
	}
	return p.exact > 0
}

func (p *Probe) mayMatchAnchored() bool {
	if p.anchored == 0 {
		p.anchored = -1
		for d := p.host; d != ""; d = parentDomain(d) {
			if p.engine.prefilter.MightContain(d) {
				p.anchored = 1
				break
			}
		}
	}
	return p.anchored > 0
}
