package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJaroWinkler(t *testing.T) {
	assert.InDelta(t, 1.0, jaroWinkler("acme", "acme"), 0.001)
	assert.Equal(t, 0.0, jaroWinkler("acme", ""))
	assert.Equal(t, 0.0, jaroWinkler("abc", "xyz"))

	// Shared prefixes earn the Winkler bonus.
	withPrefix := jaroWinkler("martha", "marhta")
	assert.Greater(t, withPrefix, 0.9)
	assert.Greater(t, jaroWinkler("starbucks", "starbcks"), jaroWinkler("starbucks", "rbucksta"))
}

func TestTokenSetSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, tokenSetSimilarity("acme corp", "corp acme"), 0.001)
	assert.InDelta(t, 0.5, tokenSetSimilarity("acme corp", "acme inc"), 0.1)
	assert.Equal(t, 0.0, tokenSetSimilarity("acme", "zenith"))
	assert.Equal(t, 0.0, tokenSetSimilarity("", "acme"))
}

func TestLevenshteinRatio(t *testing.T) {
	assert.Equal(t, 1.0, levenshteinRatio("acme", "acme"))
	assert.Equal(t, 1.0, levenshteinRatio("", ""))
	assert.InDelta(t, 0.75, levenshteinRatio("acme", "acmo"), 0.001)
	assert.Equal(t, 0.0, levenshteinRatio("abcd", "wxyz"))
}

func TestNgramSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, ngramSimilarity("starbucks", "starbucks"), 0.001)
	assert.Greater(t, ngramSimilarity("starbucks", "starbuck"), ngramSimilarity("starbucks", "netflix"))
	assert.Equal(t, 0.0, ngramSimilarity("ab", "cd"))
}

func TestPhoneticKey(t *testing.T) {
	assert.Equal(t, phoneticKey("SMITH"), phoneticKey("SMYTHE"))
	assert.Equal(t, phoneticKey("philip"), phoneticKey("filip"))
	assert.NotEqual(t, phoneticKey("acme"), phoneticKey("zenith"))
	assert.Equal(t, "", phoneticKey(""))
}

func TestPhoneticEqual(t *testing.T) {
	assert.True(t, phoneticEqual("john smith", "jon smythe"))
	assert.False(t, phoneticEqual("john smith", "john"))
	assert.False(t, phoneticEqual("", ""))
}
