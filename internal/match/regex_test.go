package match

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRegexPattern(t *testing.T) {
	tests := map[string]bool{
		"/ads[0-9]+/":        true,
		"re:^https://ads\\.": true,
		"/":                  false,
		"//":                 false,
		"/path/only":         false,
		"||ads.example.com^": false,
		"":                   false,
	}
	for pattern, want := range tests {
		assert.Equal(t, want, IsRegexPattern(pattern), pattern)
	}
}

func TestCompileRegexCaseInsensitive(t *testing.T) {
	re, err := CompileRegex("/banner[0-9]+\\.gif/")
	require.NoError(t, err)
	assert.True(t, re.MatchString("https://x.com/BANNER12.gif"))
	assert.False(t, re.MatchString("https://x.com/banner.gif"))

	re, err = CompileRegex("re:^https://ads\\.")
	require.NoError(t, err)
	assert.True(t, re.MatchString("https://ads.example.com/"))
	assert.False(t, re.MatchString("http://x.com/?https://ads.example.com"))
}

func TestCompileRegexErrors(t *testing.T) {
	_, err := CompileRegex("plain")
	assert.Error(t, err)

	_, err = CompileRegex("/ads(/")
	assert.Error(t, err)
}

func TestRegexMatcherFirstMatchWins(t *testing.T) {
	m := NewRegexMatcher(
		regexp.MustCompile(`\.js$`),
		nil,
		regexp.MustCompile(`tracker`),
	)
	assert.Equal(t, 2, m.Count())
	assert.Equal(t, 0, m.Match("https://tracker.com/a.js"))
	assert.Equal(t, 1, m.Match("https://tracker.com/pixel"))
	assert.Equal(t, -1, m.Match("https://example.com/"))
	assert.False(t, m.IsMatch("https://example.com/"))

	m.Add(nil)
	assert.Equal(t, 2, m.Count())
}
