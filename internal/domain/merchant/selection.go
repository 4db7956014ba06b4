package merchant

import (
	"sort"
	"strings"

	"github.com/FACorreiaa/payee-enrichment/internal/domain/supplier"
)

var bandRank = map[string]int{
	BandHigh:   3,
	BandMedium: 2,
	BandLow:    1,
}

// SelectBest picks exactly one result for a record: highest confidence band,
// then numeric confidence, then token overlap with the input name, then
// presence of a tax id, then stable by merchant id. nil means no match.
func SelectBest(inputName string, results []SearchResult) *SearchResult {
	if len(results) == 0 {
		return nil
	}
	normalized := supplier.Normalize(inputName)

	ranked := make([]SearchResult, len(results))
	copy(ranked, results)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if bandRank[a.ConfidenceBand] != bandRank[b.ConfidenceBand] {
			return bandRank[a.ConfidenceBand] > bandRank[b.ConfidenceBand]
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		oa := tokenOverlap(normalized, supplier.Normalize(a.BusinessName))
		ob := tokenOverlap(normalized, supplier.Normalize(b.BusinessName))
		if oa != ob {
			return oa > ob
		}
		ta, tb := a.TaxID != "", b.TaxID != ""
		if ta != tb {
			return ta
		}
		return a.MerchantID < b.MerchantID
	})
	best := ranked[0]
	return &best
}

// BestPerReference groups results by client reference and selects one best
// for each, keyed by client_reference_id. inputNames maps reference id to
// the submitted name.
func BestPerReference(inputNames map[string]string, results []SearchResult) map[string]SearchResult {
	grouped := make(map[string][]SearchResult)
	for _, r := range results {
		grouped[r.ClientReferenceID] = append(grouped[r.ClientReferenceID], r)
	}

	out := make(map[string]SearchResult, len(grouped))
	for ref, group := range grouped {
		if best := SelectBest(inputNames[ref], group); best != nil {
			out[ref] = *best
		}
	}
	return out
}

func tokenOverlap(a, b string) int {
	if a == "" || b == "" {
		return 0
	}
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(a) {
		set[tok] = struct{}{}
	}
	overlap := 0
	for _, tok := range strings.Fields(b) {
		if _, ok := set[tok]; ok {
			overlap++
		}
	}
	return overlap
}
