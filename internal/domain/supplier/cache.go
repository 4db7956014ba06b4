package supplier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrStorageUnavailable is surfaced after local retries against the supplier
// store are exhausted. The orchestrator marks the stage failed for the
// affected records only, never the whole batch.
var ErrStorageUnavailable = errors.New("supplier: storage unavailable")

// Store is the durable lookup surface the cache reads through to.
type Store interface {
	LookupExact(ctx context.Context, normalized string, limit int) ([]Supplier, error)
	LookupPrefix(ctx context.Context, normalized string, limit int) ([]Supplier, error)
	LookupContains(ctx context.Context, normalized string, limit int) ([]Supplier, error)
	LookupFirstToken(ctx context.Context, token string, limit int) ([]Supplier, error)
	All(ctx context.Context, fn func(Supplier) error) error
	Stats(ctx context.Context) (*Stats, error)
}

// Cache combines the durable store with the in-memory bleve index and a
// bounded hot set. Candidate retrieval is deterministic for a given
// snapshot.
type Cache struct {
	store  Store
	index  *Index
	logger *slog.Logger

	hot     *lruSet
	retries int
}

// NewCache creates a supplier cache. hotSize bounds the in-process row cache
// so the footprint stays predictable.
func NewCache(store Store, index *Index, hotSize int, logger *slog.Logger) *Cache {
	if hotSize < 1 {
		hotSize = 1024
	}
	return &Cache{
		store:   store,
		index:   index,
		logger:  logger,
		hot:     newLRUSet(hotSize),
		retries: 3,
	}
}

// WarmIndex loads the snapshot into the bleve index and hot set. Called at
// startup and after supplier syncs.
func (c *Cache) WarmIndex(ctx context.Context) error {
	var rows []Supplier
	err := c.store.All(ctx, func(s Supplier) error {
		rows = append(rows, s)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load supplier snapshot: %w", err)
	}
	if err := c.index.Rebuild(rows); err != nil {
		return err
	}
	c.logger.Info("supplier index warmed", slog.Int("rows", len(rows)))
	return nil
}

// retrieval tiers, lower wins on ties.
const (
	tierExact = iota
	tierPrefix
	tierContains
	tierFirstToken
	tierIndex
)

type scored struct {
	supplier Supplier
	tier     int
}

// Candidates returns up to k supplier rows likely to match queryName,
// unioning exact, prefix, containment and first-token lookups plus the
// in-memory index. Order is deterministic: retrieval tier, then name
// length, then supplier_id.
func (c *Cache) Candidates(ctx context.Context, queryName string, k int) ([]Supplier, error) {
	normalized := Normalize(queryName)
	if normalized == "" {
		return nil, nil
	}
	if k <= 0 {
		k = 10
	}

	seen := make(map[string]scored)
	add := func(rows []Supplier, tier int) {
		for _, row := range rows {
			if prev, ok := seen[row.SupplierID]; !ok || tier < prev.tier {
				seen[row.SupplierID] = scored{supplier: row, tier: tier}
			}
			c.hot.put(row.SupplierID, row)
		}
	}

	exact, err := c.withRetry(ctx, func(ctx context.Context) ([]Supplier, error) {
		return c.store.LookupExact(ctx, normalized, k)
	})
	if err != nil {
		return nil, err
	}
	add(exact, tierExact)

	prefix, err := c.withRetry(ctx, func(ctx context.Context) ([]Supplier, error) {
		return c.store.LookupPrefix(ctx, normalized, k)
	})
	if err != nil {
		return nil, err
	}
	add(prefix, tierPrefix)

	contains, err := c.withRetry(ctx, func(ctx context.Context) ([]Supplier, error) {
		return c.store.LookupContains(ctx, normalized, k)
	})
	if err != nil {
		return nil, err
	}
	add(contains, tierContains)

	if tok := FirstToken(normalized); tok != "" && tok != normalized {
		firstTok, err := c.withRetry(ctx, func(ctx context.Context) ([]Supplier, error) {
			return c.store.LookupFirstToken(ctx, tok, k)
		})
		if err != nil {
			return nil, err
		}
		add(firstTok, tierFirstToken)
	}

	// Index leg is best-effort: the durable lookups already cover the
	// deterministic paths.
	if c.index != nil {
		if ids, err := c.index.SearchIDs(normalized, k); err == nil {
			for _, id := range ids {
				if _, ok := seen[id]; ok {
					continue
				}
				if row, ok := c.hot.get(id); ok {
					seen[id] = scored{supplier: row, tier: tierIndex}
				}
			}
		} else {
			c.logger.Debug("supplier index search failed", slog.Any("error", err))
		}
	}

	out := make([]scored, 0, len(seen))
	for _, s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].tier != out[j].tier {
			return out[i].tier < out[j].tier
		}
		li, lj := len(out[i].supplier.NormalizedName), len(out[j].supplier.NormalizedName)
		if li != lj {
			return li < lj
		}
		return out[i].supplier.SupplierID < out[j].supplier.SupplierID
	})

	if len(out) > k {
		out = out[:k]
	}
	result := make([]Supplier, len(out))
	for i, s := range out {
		result[i] = s.supplier
	}
	return result, nil
}

// Stats reports snapshot size and last sync time.
func (c *Cache) Stats(ctx context.Context) (*Stats, error) {
	st, err := c.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return st, nil
}

// withRetry runs fn with short local retries; exhausted retries surface
// ErrStorageUnavailable.
func (c *Cache) withRetry(ctx context.Context, fn func(ctx context.Context) ([]Supplier, error)) ([]Supplier, error) {
	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		rows, err := fn(ctx)
		if err == nil {
			return rows, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, lastErr)
}

// lruSet is a tiny bounded id→row cache feeding the index leg. Safe for
// concurrent use by the stage workers.
type lruSet struct {
	mu    sync.Mutex
	cap   int
	order []string
	rows  map[string]Supplier
}

func newLRUSet(cap int) *lruSet {
	return &lruSet{cap: cap, rows: make(map[string]Supplier, cap)}
}

func (l *lruSet) put(id string, row Supplier) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.rows[id]; !ok {
		l.order = append(l.order, id)
		if len(l.order) > l.cap {
			evict := l.order[0]
			l.order = l.order[1:]
			delete(l.rows, evict)
		}
	}
	l.rows[id] = row
}

func (l *lruSet) get(id string) (Supplier, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[id]
	return row, ok
}
