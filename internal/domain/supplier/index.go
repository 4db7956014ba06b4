package supplier

import (
	"fmt"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/simple"
	"github.com/blevesearch/bleve/v2/mapping"
)

// indexDocument is the searchable projection of a supplier row.
type indexDocument struct {
	SupplierID     string `json:"supplier_id"`
	NormalizedName string `json:"normalized_name"`
	FirstToken     string `json:"first_token"`
}

// Index is an in-memory bleve index over the supplier snapshot. It serves
// the prefix and typo-tolerant legs of candidate retrieval without a
// database round trip; the repository remains the source of truth.
type Index struct {
	mu    sync.RWMutex
	index bleve.Index
	docs  int
}

// NewIndex creates an empty in-memory index.
func NewIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create supplier index: %w", err)
	}
	return &Index{index: idx}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = simple.Name

	keywordFieldMapping := bleve.NewTextFieldMapping()
	keywordFieldMapping.Analyzer = keyword.Name

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("supplier_id", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("normalized_name", textFieldMapping)
	docMapping.AddFieldMappingsAt("first_token", keywordFieldMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = simple.Name
	return indexMapping
}

// Rebuild replaces the index contents with the given snapshot rows.
func (ix *Index) Rebuild(rows []Supplier) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	fresh, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return fmt.Errorf("failed to create supplier index: %w", err)
	}

	batch := fresh.NewBatch()
	for _, row := range rows {
		doc := indexDocument{
			SupplierID:     row.SupplierID,
			NormalizedName: row.NormalizedName,
			FirstToken:     FirstToken(row.NormalizedName),
		}
		if err := batch.Index(row.SupplierID, doc); err != nil {
			return fmt.Errorf("failed to index supplier %s: %w", row.SupplierID, err)
		}
	}
	if err := fresh.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute index batch: %w", err)
	}

	old := ix.index
	ix.index = fresh
	ix.docs = len(rows)
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Upsert adds or replaces a single supplier document.
func (ix *Index) Upsert(row Supplier) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	doc := indexDocument{
		SupplierID:     row.SupplierID,
		NormalizedName: row.NormalizedName,
		FirstToken:     FirstToken(row.NormalizedName),
	}
	return ix.index.Index(row.SupplierID, doc)
}

// SearchIDs returns supplier IDs likely to match the normalized query,
// combining a prefix query with a fuzzy match query (edit distance 1).
func (ix *Index) SearchIDs(normalized string, limit int) ([]string, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}

	prefixQuery := bleve.NewPrefixQuery(normalized)
	prefixQuery.SetField("normalized_name")

	matchQuery := bleve.NewMatchQuery(normalized)
	matchQuery.SetField("normalized_name")
	matchQuery.SetFuzziness(1)

	disjunction := bleve.NewDisjunctionQuery(prefixQuery, matchQuery)

	req := bleve.NewSearchRequest(disjunction)
	req.Size = limit

	res, err := ix.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("supplier index search failed: %w", err)
	}

	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// DocCount returns the number of indexed suppliers.
func (ix *Index) DocCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.docs
}

// Close releases the underlying index.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.index != nil {
		return ix.index.Close()
	}
	return nil
}
