package matching

import (
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// jaroWinkler returns similarity in [0,1] with the standard prefix bonus
// (scaling 0.1, max prefix 4).
func jaroWinkler(a, b string) float64 {
	j := jaro(a, b)
	if j == 0 {
		return 0
	}
	prefix := 0
	for i := 0; i < len(a) && i < len(b) && i < 4; i++ {
		if a[i] != b[i] {
			break
		}
		prefix++
	}
	return j + float64(prefix)*0.1*(1-j)
}

func jaro(a, b string) float64 {
	la, lb := len(a), len(b)
	if la == 0 && lb == 0 {
		return 1
	}
	if la == 0 || lb == 0 {
		return 0
	}

	window := la
	if lb > la {
		window = lb
	}
	window = window/2 - 1
	if window < 0 {
		window = 0
	}

	aMatched := make([]bool, la)
	bMatched := make([]bool, lb)
	matches := 0
	for i := 0; i < la; i++ {
		lo := i - window
		if lo < 0 {
			lo = 0
		}
		hi := i + window + 1
		if hi > lb {
			hi = lb
		}
		for j := lo; j < hi; j++ {
			if bMatched[j] || a[i] != b[j] {
				continue
			}
			aMatched[i] = true
			bMatched[j] = true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0
	}

	transpositions := 0
	j := 0
	for i := 0; i < la; i++ {
		if !aMatched[i] {
			continue
		}
		for !bMatched[j] {
			j++
		}
		if a[i] != b[j] {
			transpositions++
		}
		j++
	}

	m := float64(matches)
	t := float64(transpositions) / 2
	return (m/float64(la) + m/float64(lb) + (m-t)/m) / 3
}

// tokenSetSimilarity is the Jaccard index over the whitespace token sets.
func tokenSetSimilarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(s) {
		out[tok] = struct{}{}
	}
	return out
}

// levenshteinRatio converts edit distance to a similarity in [0,1].
func levenshteinRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	longer := len(a)
	if len(b) > longer {
		longer = len(b)
	}
	if longer == 0 {
		return 1
	}
	dist := fuzzy.LevenshteinDistance(a, b)
	return 1 - float64(dist)/float64(longer)
}

// ngramSimilarity averages the Dice coefficients of bigrams and trigrams.
func ngramSimilarity(a, b string) float64 {
	return (diceCoefficient(a, b, 2) + diceCoefficient(a, b, 3)) / 2
}

func diceCoefficient(a, b string, n int) float64 {
	gramsA := ngrams(a, n)
	gramsB := ngrams(b, n)
	if len(gramsA) == 0 || len(gramsB) == 0 {
		if a == b {
			return 1
		}
		return 0
	}
	overlap := 0
	for g, ca := range gramsA {
		if cb, ok := gramsB[g]; ok {
			if cb < ca {
				overlap += cb
			} else {
				overlap += ca
			}
		}
	}
	totalA := 0
	for _, c := range gramsA {
		totalA += c
	}
	totalB := 0
	for _, c := range gramsB {
		totalB += c
	}
	return 2 * float64(overlap) / float64(totalA+totalB)
}

func ngrams(s string, n int) map[string]int {
	out := make(map[string]int)
	if len(s) < n {
		return out
	}
	for i := 0; i+n <= len(s); i++ {
		out[s[i:i+n]]++
	}
	return out
}
