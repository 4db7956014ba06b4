package matching

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/FACorreiaa/payee-enrichment/internal/domain/supplier"
)

// MatchType describes which rule produced the winning match.
type MatchType string

const (
	MatchExact      MatchType = "exact"
	MatchPrefix     MatchType = "prefix"
	MatchToken      MatchType = "token"
	MatchPhonetic   MatchType = "phonetic"
	MatchAIEnhanced MatchType = "ai_enhanced"
	MatchNone       MatchType = "none"
)

// Match is one scored candidate.
type Match struct {
	Supplier  supplier.Supplier `json:"supplier"`
	Score     int               `json:"score"` // 0-100
	MatchType MatchType         `json:"match_type"`
	Reasoning string            `json:"reasoning"`
}

// Result carries the winning match plus alternates in rank order.
type Result struct {
	Best       *Match  `json:"best,omitempty"`
	Alternates []Match `json:"alternates,omitempty"`
}

// Adjudicator decides borderline matches. Implemented by the classifier
// gateway; a nil adjudicator disables the hand-off.
type Adjudicator interface {
	AdjudicateMatch(ctx context.Context, queryName string, candidate supplier.Supplier, score float64) (keep bool, rationale string, err error)
}

// fixed combiner weights, summing to 1.
const (
	weightJaroWinkler = 0.30
	weightTokenSet    = 0.25
	weightLevenshtein = 0.20
	weightNgram       = 0.15
	weightPhonetic    = 0.10
)

const (
	earlyExitScore = 0.95
	maxCandidates  = 10
)

// Matcher scores a query against supplier candidates. It is stateless and
// safe for concurrent use.
type Matcher struct {
	adjudicator Adjudicator
	aiThreshold float64
	logger      *slog.Logger
}

// NewMatcher creates a matcher. aiThreshold is the lower bound of the
// adjudication band; scores in [aiThreshold, 0.95) are handed to the
// adjudicator when one is configured.
func NewMatcher(adjudicator Adjudicator, aiThreshold float64, logger *slog.Logger) *Matcher {
	if aiThreshold <= 0 || aiThreshold >= 1 {
		aiThreshold = 0.90
	}
	return &Matcher{
		adjudicator: adjudicator,
		aiThreshold: aiThreshold,
		logger:      logger,
	}
}

// Match ranks candidates against queryName and returns the best match with
// up to k alternates. Empty input yields a no-match result, never an error.
func (m *Matcher) Match(ctx context.Context, queryName string, candidates []supplier.Supplier, k int) Result {
	query := supplier.Normalize(queryName)
	if query == "" || len(candidates) == 0 {
		return Result{}
	}
	if k <= 0 {
		k = 5
	}
	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}

	queryTokens := supplier.TokenCount(query)
	queryHasBiz := supplier.HasBusinessIndicator(query)

	scored := make([]Match, 0, len(candidates))
	for _, cand := range candidates {
		score, reasons := m.score(query, queryTokens, queryHasBiz, cand)
		scored = append(scored, Match{
			Supplier:  cand,
			Score:     int(score*100 + 0.5),
			MatchType: classify(query, cand.NormalizedName),
			Reasoning: strings.Join(reasons, "; "),
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		// Prefer a candidate that prefixes the query, then the shorter
		// name, then the lexically smaller id so ranking is stable.
		pi := strings.HasPrefix(query, scored[i].Supplier.NormalizedName)
		pj := strings.HasPrefix(query, scored[j].Supplier.NormalizedName)
		if pi != pj {
			return pi
		}
		li, lj := len(scored[i].Supplier.NormalizedName), len(scored[j].Supplier.NormalizedName)
		if li != lj {
			return li < lj
		}
		return scored[i].Supplier.SupplierID < scored[j].Supplier.SupplierID
	})

	best := scored[0]
	alternates := scored[1:]
	if len(alternates) > k {
		alternates = alternates[:k]
	}

	topScore := float64(best.Score) / 100

	switch {
	case topScore >= earlyExitScore:
		return Result{Best: &best, Alternates: alternates}
	case topScore >= m.aiThreshold && m.adjudicator != nil:
		keep, rationale, err := m.adjudicator.AdjudicateMatch(ctx, query, best.Supplier, topScore)
		if err != nil {
			// Adjudication is best effort; fall back to the
			// deterministic score.
			m.logger.Warn("match adjudication failed",
				slog.String("query", query),
				slog.Any("error", err))
			return Result{Best: &best, Alternates: alternates}
		}
		if !keep {
			return Result{
				Best: &Match{
					MatchType: MatchNone,
					Reasoning: fmt.Sprintf("rejected on adjudication: %s", rationale),
				},
				Alternates: scored,
			}
		}
		best.MatchType = MatchAIEnhanced
		best.Reasoning = fmt.Sprintf("%s; adjudicated: %s", best.Reasoning, rationale)
		return Result{Best: &best, Alternates: alternates}
	case topScore >= m.aiThreshold:
		return Result{Best: &best, Alternates: alternates}
	default:
		return Result{Best: &best, Alternates: alternates}
	}
}

// score combines the similarity signals and applies penalties, clamped to
// [0,1].
func (m *Matcher) score(query string, queryTokens int, queryHasBiz bool, cand supplier.Supplier) (float64, []string) {
	name := cand.NormalizedName
	var reasons []string

	if query == name {
		// A bare common surname matching a supplier exactly is still a
		// bare common surname; only rare names keep the full score.
		if queryTokens > 1 || queryHasBiz || cand.CommonNameScore < 0.5 {
			return 1.0, []string{"exact normalized match"}
		}
		penalty := 0.20 + 0.10*cand.CommonNameScore
		return 1.0 - penalty, []string{
			"exact normalized match",
			fmt.Sprintf("single-token penalty %.2f", penalty),
		}
	}

	jw := jaroWinkler(query, name)
	ts := tokenSetSimilarity(query, name)
	lev := levenshteinRatio(query, name)
	ng := ngramSimilarity(query, name)
	ph := 0.0
	if phoneticEqual(query, name) {
		ph = 1.0
		reasons = append(reasons, "phonetic match")
	}

	score := jw*weightJaroWinkler +
		ts*weightTokenSet +
		lev*weightLevenshtein +
		ng*weightNgram +
		ph*weightPhonetic
	reasons = append(reasons, fmt.Sprintf("jw=%.2f ts=%.2f lev=%.2f ng=%.2f", jw, ts, lev, ng))

	if queryTokens == 1 && !queryHasBiz {
		// Bare surnames ("johnson") over-match common supplier names.
		penalty := 0.20 + 0.10*cand.CommonNameScore
		score -= penalty
		reasons = append(reasons, fmt.Sprintf("single-token penalty %.2f", penalty))
	}
	if cand.HasBusinessInd && !queryHasBiz {
		score -= 0.05
		reasons = append(reasons, "business-indicator mismatch")
	}
	if disparity(len(query), len(name)) > 3 {
		score -= 0.10
		reasons = append(reasons, "length disparity")
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, reasons
}

func disparity(a, b int) float64 {
	if a == 0 || b == 0 {
		return 0
	}
	if a > b {
		return float64(a) / float64(b)
	}
	return float64(b) / float64(a)
}

// classify names the retrieval rule a candidate satisfies, checked in
// priority order.
func classify(query, name string) MatchType {
	switch {
	case query == name:
		return MatchExact
	case strings.HasPrefix(name, query) || strings.HasPrefix(query, name):
		return MatchPrefix
	case sharesToken(query, name):
		return MatchToken
	case phoneticEqual(query, name):
		return MatchPhonetic
	default:
		return MatchNone
	}
}

func sharesToken(a, b string) bool {
	set := tokenSet(a)
	for tok := range tokenSet(b) {
		if _, ok := set[tok]; ok {
			return true
		}
	}
	return false
}
