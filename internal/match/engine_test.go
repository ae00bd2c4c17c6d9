package match

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkingovr/requestguard/api"
)

func block(pattern string) api.RuleAction {
	return api.RuleAction{Type: api.ActionBlock, Match: api.RuleMatch{URLPattern: pattern}}
}

func get(url string, kind api.ResourceKind) *api.Request {
	return &api.Request{URL: url, Method: "GET", ResourceType: kind}
}

func matches(t *testing.T, e *Engine, a api.RuleAction, req *api.Request) bool {
	t.Helper()
	ok, err := e.ActionMatches(&a, e.NewProbe(req))
	require.NoError(t, err)
	return ok
}

func TestClassify(t *testing.T) {
	tests := map[string]Tier{
		"":                         TierAny,
		"example.com":              TierExactDomain,
		"https://example.com/page": TierExactURL,
		"*tracker.com/*":           TierWildcard,
		"||ads.example.com^":       TierWildcard,
		"|https://exact.com/page|": TierWildcard,
		"/ads/banner":              TierWildcard,
		"/banner\\d+/":             TierRegex,
		"re:pixel\\d+":             TierRegex,
		"localhost":                TierWildcard,
		"example.com:8080":         TierWildcard,
	}
	for in, want := range tests {
		assert.Equal(t, want, Classify(in), "pattern %q", in)
	}
}

func TestEngineExactDomainTier(t *testing.T) {
	a := block("example.com")
	e := NewEngine([]api.RuleAction{a, block("other.net")})

	assert.True(t, matches(t, e, a, get("https://ads.example.com/x", api.ResourceImage)))
	assert.True(t, matches(t, e, a, get("https://example.com/", api.ResourceImage)))
	assert.False(t, matches(t, e, a, get("https://other.net/", api.ResourceImage)))
	assert.False(t, matches(t, e, a, get("https://other.com", api.ResourceImage)))
	assert.Equal(t, 2, e.Stats().ExactDomains)
}

func TestEngineExactURLTier(t *testing.T) {
	a := block("https://cdn.example.com/track.js")
	e := NewEngine([]api.RuleAction{a})

	assert.True(t, matches(t, e, a, get("https://CDN.example.com/track.js", api.ResourceScript)))
	assert.False(t, matches(t, e, a, get("https://cdn.example.com/track.js?v=2", api.ResourceScript)))
}

func TestEngineWildcardAndRegexTiers(t *testing.T) {
	wild := block("*tracker.com/*")
	re := block(`/pixel\d+\.gif/`)
	e := NewEngine([]api.RuleAction{wild, re})

	assert.True(t, matches(t, e, wild, get("https://tracker.com/pixel.gif", api.ResourceImage)))
	assert.True(t, matches(t, e, re, get("https://x.com/pixel42.gif", api.ResourceImage)))
	assert.False(t, matches(t, e, re, get("https://x.com/pixel.gif", api.ResourceImage)))

	stats := e.Stats()
	assert.Equal(t, 1, stats.Wildcards)
	assert.Equal(t, 1, stats.Regexes)
}

func TestEngineAnchoredWildcardUsesPrefilter(t *testing.T) {
	a := block("||ads.example.com^")
	e := NewEngine([]api.RuleAction{a})
	require.Equal(t, 1, e.Stats().AnchoredWildcards)
	require.Equal(t, 1, e.Stats().BloomItems)

	assert.True(t, matches(t, e, a, get("https://ads.example.com/b.png", api.ResourceImage)))
	assert.True(t, matches(t, e, a, get("https://cdn.ads.example.com/b.png", api.ResourceImage)))

	p := e.NewProbe(get("https://unrelated.org/b.png", api.ResourceImage))
	ok, err := e.ActionMatches(&a, p)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "unrelated.org", p.Host())
}

func TestEngineAnchoredWildcardUserinfo(t *testing.T) {
	a := block("||example.com^")
	e := NewEngine([]api.RuleAction{a})

	assert.False(t, matches(t, e, a, get("http://example.com@evil.org/", api.ResourceImage)))
	assert.True(t, matches(t, e, a, get("http://user@example.com/", api.ResourceImage)))
	assert.True(t, matches(t, e, a, get("http://user@cdn.example.com/x", api.ResourceImage)))
}

func TestEngineHostPortPattern(t *testing.T) {
	a := block("example.com:8080")
	e := NewEngine([]api.RuleAction{a})
	assert.Equal(t, 0, e.Stats().ExactDomains)
	assert.Equal(t, 1, e.Stats().AnchoredWildcards)

	assert.True(t, matches(t, e, a, get("https://example.com:8080/x", api.ResourceImage)))
	assert.True(t, matches(t, e, a, get("https://www.example.com:8080/", api.ResourceImage)))
	assert.False(t, matches(t, e, a, get("https://example.com/x", api.ResourceImage)))
	assert.False(t, matches(t, e, a, get("https://example.com:80801/", api.ResourceImage)))
}

func TestEngineMethodAndResourceType(t *testing.T) {
	a := api.RuleAction{
		Type: api.ActionBlock,
		Match: api.RuleMatch{
			URLPattern:   "example.com",
			ResourceType: "script",
			Method:       "post",
		},
	}
	e := NewEngine([]api.RuleAction{a})

	req := &api.Request{URL: "https://example.com/a.js", Method: "POST", ResourceType: api.ResourceScript}
	assert.True(t, matches(t, e, a, req))

	req.Method = "GET"
	assert.False(t, matches(t, e, a, req))

	req.Method = "POST"
	req.ResourceType = api.ResourceImage
	assert.False(t, matches(t, e, a, req))
}

func TestEngineEmptyMatchMatchesEverything(t *testing.T) {
	a := api.RuleAction{Type: api.ActionInjectCSS, CSS: "body{}"}
	e := NewEngine([]api.RuleAction{a})
	assert.True(t, matches(t, e, a, get("https://anything.example/", api.ResourceDocument)))
}

func TestEngineInvalidPatternNeverMatches(t *testing.T) {
	var dropped []string
	bad := block("/[unclosed/")
	good := block("*ok*")
	e := NewEngine([]api.RuleAction{bad, good}, WithDroppedPatternHook(func(p string, err error) {
		dropped = append(dropped, p)
	}))

	assert.Equal(t, []string{"/[unclosed/"}, dropped)
	assert.Equal(t, 1, e.Stats().Dropped)
	assert.False(t, matches(t, e, bad, get("https://[unclosed/", api.ResourceOther)))
	assert.True(t, matches(t, e, good, get("https://ok.example/", api.ResourceOther)))
}

func TestEngineUnknownPattern(t *testing.T) {
	e := NewEngine(nil)
	a := block("never-registered.com")
	_, err := e.ActionMatches(&a, e.NewProbe(get("https://never-registered.com/", api.ResourceOther)))
	assert.True(t, errors.Is(err, ErrUnknownPattern))
}

func TestHostWithinDomain(t *testing.T) {
	assert.True(t, HostWithin("example.com", "example.com"))
	assert.True(t, HostWithin("a.example.com", "example.com"))
	assert.False(t, HostWithin("notexample.com", "example.com"))
	assert.False(t, HostWithin("com", "example.com"))
}
