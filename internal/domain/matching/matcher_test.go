package matching

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/payee-enrichment/internal/domain/supplier"
)

func makeCandidate(id, name string, commonNameScore float64) supplier.Supplier {
	normalized := supplier.Normalize(name)
	return supplier.Supplier{
		SupplierID:      id,
		PayeeName:       name,
		NormalizedName:  normalized,
		HasBusinessInd:  supplier.HasBusinessIndicator(normalized),
		CommonNameScore: commonNameScore,
		NameLength:      len(normalized),
	}
}

type stubAdjudicator struct {
	keep      bool
	rationale string
	err       error
	calls     int
}

func (s *stubAdjudicator) AdjudicateMatch(_ context.Context, _ string, _ supplier.Supplier, _ float64) (bool, string, error) {
	s.calls++
	return s.keep, s.rationale, s.err
}

func TestMatcher_ExactMatch(t *testing.T) {
	m := NewMatcher(nil, 0.90, slog.Default())
	res := m.Match(context.Background(), "AMAZON", []supplier.Supplier{
		makeCandidate("S2", "AMAZON BUSINESS", 0),
		makeCandidate("S1", "AMAZON", 0),
	}, 5)

	require.NotNil(t, res.Best)
	assert.Equal(t, "S1", res.Best.Supplier.SupplierID)
	assert.Equal(t, 100, res.Best.Score)
	assert.Equal(t, MatchExact, res.Best.MatchType)
}

func TestMatcher_EmptyInput(t *testing.T) {
	m := NewMatcher(nil, 0.90, slog.Default())
	assert.Nil(t, m.Match(context.Background(), "", []supplier.Supplier{makeCandidate("S1", "ACME", 0)}, 5).Best)
	assert.Nil(t, m.Match(context.Background(), "ACME", nil, 5).Best)
}

func TestMatcher_ScoreNeverExceeds100(t *testing.T) {
	m := NewMatcher(nil, 0.90, slog.Default())
	inputs := []string{"ACME", "acme corp", "ACME CORP LLC", "a", "acme acme acme acme"}
	cands := []supplier.Supplier{
		makeCandidate("S1", "ACME CORP", 0),
		makeCandidate("S2", "ACME", 0.9),
		makeCandidate("S3", "ACME CORPORATION SERVICES LLC", 0),
	}
	for _, q := range inputs {
		res := m.Match(context.Background(), q, cands, 5)
		require.NotNil(t, res.Best)
		assert.LessOrEqual(t, res.Best.Score, 100, "query %q", q)
		assert.GreaterOrEqual(t, res.Best.Score, 0, "query %q", q)
		for _, alt := range res.Alternates {
			assert.LessOrEqual(t, alt.Score, 100)
			assert.GreaterOrEqual(t, alt.Score, 0)
		}
	}
}

func TestMatcher_SingleTokenCommonNamePenalty(t *testing.T) {
	m := NewMatcher(nil, 0.90, slog.Default())

	// "Johnson" is a common surname; against a common-name supplier the
	// penalty must keep it out of auto-accept territory.
	res := m.Match(context.Background(), "Johnson", []supplier.Supplier{
		makeCandidate("S1", "JOHNSON", 1.0),
	}, 5)
	require.NotNil(t, res.Best)
	assert.Less(t, res.Best.Score, 80)
	assert.Contains(t, res.Best.Reasoning, "single-token penalty")

	// The same bare token with a business suffix keeps its full score.
	withSuffix := m.Match(context.Background(), "Johnson LLC", []supplier.Supplier{
		makeCandidate("S1", "JOHNSON LLC", 1.0),
	}, 5)
	require.NotNil(t, withSuffix.Best)
	assert.Equal(t, 100, withSuffix.Best.Score)
}

func TestMatcher_SingleTokenExactMatchBoundary(t *testing.T) {
	m := NewMatcher(nil, 0.90, slog.Default())

	// Exact equality against a rare name keeps the full score.
	rare := m.Match(context.Background(), "Zamboni", []supplier.Supplier{
		makeCandidate("S1", "ZAMBONI", 0.1),
	}, 5)
	require.NotNil(t, rare.Best)
	assert.Equal(t, 100, rare.Best.Score)
	assert.Equal(t, MatchExact, rare.Best.MatchType)

	// Exact equality against a common name must stay below auto-accept.
	for _, cns := range []float64{0.5, 0.8, 1.0} {
		res := m.Match(context.Background(), "Johnson", []supplier.Supplier{
			makeCandidate("S1", "JOHNSON", cns),
		}, 5)
		require.NotNil(t, res.Best)
		assert.Less(t, res.Best.Score, 90, "common_name_score %.1f", cns)
	}
}

func TestMatcher_TieBreakDeterministic(t *testing.T) {
	m := NewMatcher(nil, 0.90, slog.Default())
	cands := []supplier.Supplier{
		makeCandidate("S9", "ACME CORP", 0),
		makeCandidate("S1", "ACME CORP", 0),
	}
	first := m.Match(context.Background(), "ACME CORP", cands, 5)
	require.NotNil(t, first.Best)
	assert.Equal(t, "S1", first.Best.Supplier.SupplierID)

	// Order of the input slice must not change the winner.
	reversed := m.Match(context.Background(), "ACME CORP", []supplier.Supplier{cands[1], cands[0]}, 5)
	require.NotNil(t, reversed.Best)
	assert.Equal(t, "S1", reversed.Best.Supplier.SupplierID)
}

func TestMatcher_PrefixTieBreak(t *testing.T) {
	m := NewMatcher(nil, 0.90, slog.Default())
	res := m.Match(context.Background(), "amazon marketplace", []supplier.Supplier{
		makeCandidate("S2", "AMAZONIA MARKET", 0),
		makeCandidate("S1", "AMAZON", 0),
	}, 5)
	require.NotNil(t, res.Best)
	// "amazon" prefixes the query; it wins a near-tie over the longer
	// non-prefix candidate.
	if res.Best.Score == res.Alternates[0].Score {
		assert.Equal(t, "S1", res.Best.Supplier.SupplierID)
	}
}

func TestMatcher_AdjudicationKeep(t *testing.T) {
	adj := &stubAdjudicator{keep: true, rationale: "same legal entity"}
	m := NewMatcher(adj, 0.40, slog.Default())

	res := m.Match(context.Background(), "acme widgets", []supplier.Supplier{
		makeCandidate("S1", "ACME WIDGETS CO", 0),
	}, 5)
	require.NotNil(t, res.Best)
	require.Equal(t, 1, adj.calls)
	assert.Equal(t, MatchAIEnhanced, res.Best.MatchType)
	assert.Contains(t, res.Best.Reasoning, "same legal entity")
}

func TestMatcher_AdjudicationReject(t *testing.T) {
	adj := &stubAdjudicator{keep: false, rationale: "different business"}
	m := NewMatcher(adj, 0.40, slog.Default())

	res := m.Match(context.Background(), "acme widgets", []supplier.Supplier{
		makeCandidate("S1", "ACME WIDGETS CO", 0),
	}, 5)
	require.NotNil(t, res.Best)
	assert.Equal(t, MatchNone, res.Best.MatchType)
	assert.Contains(t, res.Best.Reasoning, "different business")
}

func TestMatcher_AdjudicationFailureDowngrades(t *testing.T) {
	adj := &stubAdjudicator{err: errors.New("provider unavailable")}
	m := NewMatcher(adj, 0.40, slog.Default())

	res := m.Match(context.Background(), "acme widgets", []supplier.Supplier{
		makeCandidate("S1", "ACME WIDGETS CO", 0),
	}, 5)
	require.NotNil(t, res.Best)
	require.Equal(t, 1, adj.calls)
	assert.NotEqual(t, MatchAIEnhanced, res.Best.MatchType)
	assert.NotEqual(t, MatchNone, res.Best.MatchType)
	assert.Greater(t, res.Best.Score, 0)
}

func TestMatcher_EarlyExitSkipsAdjudication(t *testing.T) {
	adj := &stubAdjudicator{keep: false}
	m := NewMatcher(adj, 0.90, slog.Default())

	res := m.Match(context.Background(), "ACME CORP", []supplier.Supplier{
		makeCandidate("S1", "ACME CORP", 0),
	}, 5)
	require.NotNil(t, res.Best)
	assert.Equal(t, 100, res.Best.Score)
	assert.Zero(t, adj.calls, "exact matches must not be adjudicated")
}

func TestMatcher_CapsCandidates(t *testing.T) {
	m := NewMatcher(nil, 0.90, slog.Default())
	var cands []supplier.Supplier
	for i := 0; i < 25; i++ {
		cands = append(cands, makeCandidate("S"+string(rune('a'+i)), "ACME CORP", 0))
	}
	res := m.Match(context.Background(), "ACME CORP", cands, 3)
	require.NotNil(t, res.Best)
	assert.LessOrEqual(t, len(res.Alternates), 3)
}
