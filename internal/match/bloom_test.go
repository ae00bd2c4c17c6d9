package match

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBloomSizing(t *testing.T) {
	b := NewBloom(1000, 0.001)

	// m = ceil(-1000 * ln(0.001) / ln2^2) = 14378, k = ceil(14378/1000 * ln2) = 10
	assert.Equal(t, uint(14378), b.Size())
	assert.Equal(t, uint(10), b.HashCount())
	assert.Equal(t, 0, b.Count())
}

func TestBloomDefaultsForBadInput(t *testing.T) {
	b := NewBloom(0, 0)
	require.NotNil(t, b)
	assert.Greater(t, b.Size(), uint(0))
	assert.Greater(t, b.HashCount(), uint(0))

	ref := NewBloom(1, DefaultFalsePositiveRate)
	assert.Equal(t, ref.Size(), b.Size())

	b.Add("x")
	assert.True(t, b.MightContain("x"))
}

func TestBloomNoFalseNegatives(t *testing.T) {
	b := NewBloom(5000, 0.01)
	items := make([]string, 5000)
	for i := range items {
		items[i] = fmt.Sprintf("host-%d.example.com", i)
		b.Add(items[i])
	}

	for _, item := range items {
		if !b.MightContain(item) {
			t.Fatalf("false negative for %q", item)
		}
	}
	assert.Equal(t, 5000, b.Count())
}

func TestBloomCaseInsensitive(t *testing.T) {
	b := NewBloom(10, 0.001)
	b.Add("Tracker.Example.COM")

	assert.True(t, b.MightContain("tracker.example.com"))
	assert.True(t, b.MightContain("TRACKER.EXAMPLE.COM"))
}

func TestBloomEmptyRejectsEverything(t *testing.T) {
	b := NewBloom(100, 0.001)
	assert.False(t, b.MightContain("anything"))
	assert.Equal(t, 0.0, b.EstimatedFalsePositiveRate())
}

func TestBloomFalsePositiveRateTracksFill(t *testing.T) {
	const n = 2000
	b := NewBloom(n, 0.05)
	for i := 0; i < n; i++ {
		b.Add(fmt.Sprintf("added-%d", i))
	}

	predicted := b.EstimatedFalsePositiveRate()
	require.Greater(t, predicted, 0.0)
	require.Less(t, predicted, 0.2)

	rng := rand.New(rand.NewSource(42))
	const samples = 20000
	hits := 0
	for i := 0; i < samples; i++ {
		if b.MightContain(fmt.Sprintf("absent-%d-%d", i, rng.Int63())) {
			hits++
		}
	}
	observed := float64(hits) / samples

	// Binomial standard deviation, with generous headroom.
	sigma := math.Sqrt(predicted * (1 - predicted) / samples)
	assert.InDelta(t, predicted, observed, 6*sigma+0.005,
		"observed %.4f, predicted %.4f", observed, predicted)
}
