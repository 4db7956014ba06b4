package merchant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/payee-enrichment/pkg/metrics"
	"github.com/FACorreiaa/payee-enrichment/pkg/workpool"
)

// memStore mirrors the SQL repository's CAS and completed_at semantics.
type memStore struct {
	mu       sync.Mutex
	searches map[string]*MerchantSearch
	events   map[string]*WebhookEvent
}

func newMemStore() *memStore {
	return &memStore{
		searches: make(map[string]*MerchantSearch),
		events:   make(map[string]*WebhookEvent),
	}
}

func (m *memStore) Create(_ context.Context, s *MerchantSearch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.searches {
		if existing.BatchID == s.BatchID && existing.ContentHash == s.ContentHash && existing.CompletedAt == nil {
			return ErrDuplicateSubmission
		}
	}
	clone := *s
	m.searches[s.SearchID] = &clone
	return nil
}

func (m *memStore) Transition(_ context.Context, searchID string, from, to SearchState) (bool, error) {
	if !CanTransition(from, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.searches[searchID]
	if !ok || s.State != from {
		return false, nil
	}
	s.State = to
	return true, nil
}

func (m *memStore) Complete(_ context.Context, searchID string, terminal SearchState, payload []byte, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.searches[searchID]
	if !ok || s.CompletedAt != nil {
		return false, nil
	}
	now := time.Now()
	s.State = terminal
	s.CompletedAt = &now
	s.ResponsePayload = payload
	s.Error = errMsg
	return true, nil
}

func (m *memStore) RecordPoll(_ context.Context, searchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.searches[searchID]; ok {
		s.PollAttempts++
		now := time.Now()
		s.LastPolledAt = &now
	}
	return nil
}

func (m *memStore) Get(_ context.Context, searchID string) (*MerchantSearch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.searches[searchID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *s
	return &clone, nil
}

func (m *memStore) FindInFlight(_ context.Context, batchID, contentHash string) (*MerchantSearch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.searches {
		if s.BatchID == batchID && s.ContentHash == contentHash && s.CompletedAt == nil {
			clone := *s
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) Open(_ context.Context) ([]MerchantSearch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MerchantSearch
	for _, s := range m.searches {
		if s.CompletedAt == nil {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) OpenForBatch(_ context.Context, batchID string) ([]MerchantSearch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MerchantSearch
	for _, s := range m.searches {
		if s.BatchID == batchID && s.CompletedAt == nil {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) CancelForBatch(_ context.Context, batchID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	now := time.Now()
	for _, s := range m.searches {
		if s.BatchID == batchID && s.CompletedAt == nil {
			s.State = StateFailed
			s.CompletedAt = &now
			s.Error = ErrorBatchCancelled
			n++
		}
	}
	return n, nil
}

func (m *memStore) InsertWebhookEvent(_ context.Context, ev *WebhookEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.EventID]; ok {
		return false, nil
	}
	clone := *ev
	m.events[ev.EventID] = &clone
	return true, nil
}

func (m *memStore) MarkWebhookProcessed(_ context.Context, eventID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := m.events[eventID]; ok {
		ev.Processed = true
		ev.Error = errMsg
	}
	return nil
}

// fakeService scripts the external bulk-search API.
type fakeService struct {
	mu          sync.Mutex
	submits     int
	statusCalls int
	statuses    []string // consumed per Status call; last repeats
	results     []SearchResult
	resultsErr  error
	submitErr   error
}

func (f *fakeService) Submit(_ context.Context, items []SearchItem) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submits++
	return fmt.Sprintf("S-%d", f.submits), nil
}

func (f *fakeService) Status(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if len(f.statuses) == 0 {
		return UpstreamPending, nil
	}
	idx := f.statusCalls - 1
	if idx >= len(f.statuses) {
		idx = len(f.statuses) - 1
	}
	return f.statuses[idx], nil
}

func (f *fakeService) Results(_ context.Context, _ string, offset, limit int) ([]SearchResult, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resultsErr != nil {
		return nil, 0, f.resultsErr
	}
	if offset >= len(f.results) {
		return nil, len(f.results), nil
	}
	end := offset + limit
	if end > len(f.results) {
		end = len(f.results)
	}
	return f.results[offset:end], len(f.results), nil
}

// memSink records applied enrichments.
type memSink struct {
	mu          sync.Mutex
	enrichments map[string]Enrichment
	cancelled   map[string]bool
	applies     int
}

func newMemSink() *memSink {
	return &memSink{
		enrichments: make(map[string]Enrichment),
		cancelled:   make(map[string]bool),
	}
}

func (m *memSink) ApplyEnrichment(_ context.Context, _, recordID string, e Enrichment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applies++
	m.enrichments[recordID] = e
	return nil
}

func (m *memSink) BatchCancelled(_ context.Context, batchID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled[batchID], nil
}

func newTestCoordinator(store *memStore, service *fakeService, sink *memSink, maxAttempts int) *Coordinator {
	limiter := workpool.NewLimiter("merchant", 1000, 1000, 10, time.Second)
	c := NewCoordinator(service, store, sink, limiter, maxAttempts, 45*time.Minute, metrics.NewUnregistered(), slog.Default())
	c.backoff = workpool.Backoff{Base: time.Millisecond, Factor: 2, MaxDelay: 5 * time.Millisecond, MaxAttempts: 3}
	return c
}

func threeBusinessQueries() []RecordQuery {
	return []RecordQuery{
		{RecordID: "r1", Name: "ACME CORP", City: "Springfield", State: "IL"},
		{RecordID: "r2", Name: "ZENITH LLC", City: "Portland", State: "OR"},
		{RecordID: "r3", Name: "NORTHWIND TRADERS", City: "Seattle", State: "WA"},
	}
}

func TestCoordinator_SubmitRecords(t *testing.T) {
	store, service, sink := newMemStore(), &fakeService{}, newMemSink()
	c := newTestCoordinator(store, service, sink, 40)

	searches, err := c.SubmitRecords(context.Background(), "batch-1", threeBusinessQueries())
	require.NoError(t, err)
	require.Len(t, searches, 1)

	s := searches[0]
	assert.Equal(t, "S-1", s.SearchID)
	assert.Equal(t, StateSubmitted, s.State)
	assert.Len(t, s.RecordIDMapping, 3)

	stored, err := store.Get(context.Background(), "S-1")
	require.NoError(t, err)
	assert.Equal(t, "batch-1", stored.BatchID)
	assert.NotEmpty(t, stored.ContentHash)
}

func TestCoordinator_SubmitDedupesInFlight(t *testing.T) {
	store, service, sink := newMemStore(), &fakeService{}, newMemSink()
	c := newTestCoordinator(store, service, sink, 40)

	first, err := c.SubmitRecords(context.Background(), "batch-1", threeBusinessQueries())
	require.NoError(t, err)
	second, err := c.SubmitRecords(context.Background(), "batch-1", threeBusinessQueries())
	require.NoError(t, err)

	assert.Equal(t, first[0].SearchID, second[0].SearchID)
	assert.Equal(t, 1, service.submits, "duplicate content must not resubmit")
}

func TestCoordinator_SubmitChunksAt3000(t *testing.T) {
	store, service, sink := newMemStore(), &fakeService{}, newMemSink()
	c := newTestCoordinator(store, service, sink, 40)

	queries := make([]RecordQuery, 3001)
	for i := range queries {
		queries[i] = RecordQuery{RecordID: fmt.Sprintf("r%04d", i), Name: fmt.Sprintf("BIZ %04d", i)}
	}
	searches, err := c.SubmitRecords(context.Background(), "batch-1", queries)
	require.NoError(t, err)
	assert.Len(t, searches, 2)
	assert.Equal(t, 2, service.submits)
	assert.Len(t, searches[0].RecordIDMapping, 3000)
	assert.Len(t, searches[1].RecordIDMapping, 1)
}

func TestCoordinator_WebhookHappyPath(t *testing.T) {
	store, service, sink := newMemStore(), &fakeService{}, newMemSink()
	c := newTestCoordinator(store, service, sink, 40)

	searches, err := c.SubmitRecords(context.Background(), "batch-1", threeBusinessQueries())
	require.NoError(t, err)
	search := searches[0]

	// Script one distinct match per submitted reference.
	i := 0
	for _, ref := range search.RecordIDMapping {
		i++
		service.results = append(service.results, SearchResult{
			ClientReferenceID: ref,
			MerchantID:        fmt.Sprintf("M%d", i),
			BusinessName:      fmt.Sprintf("BUSINESS %d", i),
			MCC:               fmt.Sprintf("58%02d", i),
			ConfidenceBand:    BandHigh,
			Confidence:        0.9,
		})
	}

	require.NoError(t, c.HandleResultsReady(context.Background(), search.SearchID))

	final, err := store.Get(context.Background(), search.SearchID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, final.State)
	require.NotNil(t, final.CompletedAt)

	require.Len(t, sink.enrichments, 3)
	seenNames := map[string]bool{}
	for _, e := range sink.enrichments {
		assert.Equal(t, EnrichmentMatched, e.Status)
		assert.NotEmpty(t, e.MCC)
		seenNames[e.BusinessName] = true
	}
	assert.Len(t, seenNames, 3, "each record gets its own business name")
}

func TestCoordinator_ReconciliationIsIdempotent(t *testing.T) {
	store, service, sink := newMemStore(), &fakeService{}, newMemSink()
	c := newTestCoordinator(store, service, sink, 40)

	searches, err := c.SubmitRecords(context.Background(), "batch-1", threeBusinessQueries())
	require.NoError(t, err)
	search := searches[0]
	for _, ref := range search.RecordIDMapping {
		service.results = append(service.results, SearchResult{
			ClientReferenceID: ref, MerchantID: "M1", BusinessName: "B", ConfidenceBand: BandHigh,
		})
	}

	require.NoError(t, c.HandleResultsReady(context.Background(), search.SearchID))
	applied := sink.applies

	// A second delivery observes the terminal state and exits.
	require.NoError(t, c.HandleResultsReady(context.Background(), search.SearchID))
	assert.Equal(t, applied, sink.applies, "no double reconciliation")
}

func TestCoordinator_PollOnlyPath(t *testing.T) {
	store, service, sink := newMemStore(), &fakeService{}, newMemSink()
	c := newTestCoordinator(store, service, sink, 40)

	searches, err := c.SubmitRecords(context.Background(), "batch-1", threeBusinessQueries())
	require.NoError(t, err)
	search := searches[0]
	for _, ref := range search.RecordIDMapping {
		service.results = append(service.results, SearchResult{
			ClientReferenceID: ref, MerchantID: "M1", BusinessName: "B", ConfidenceBand: BandMedium, Confidence: 0.8,
		})
	}
	service.statuses = []string{UpstreamPending, UpstreamInProgress, UpstreamInProgress, UpstreamCompleted}

	for attempt := 0; attempt < 4; attempt++ {
		open, err := store.Open(context.Background())
		require.NoError(t, err)
		require.NotEmpty(t, open, "search must stay open until attempt 4")
		require.NoError(t, c.PollOnce(context.Background(), &open[0]))
	}

	final, err := store.Get(context.Background(), search.SearchID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, final.State)
	assert.Equal(t, 4, final.PollAttempts)
	assert.Len(t, sink.enrichments, 3)
}

func TestCoordinator_TimeoutAfterMaxAttempts(t *testing.T) {
	store, service, sink := newMemStore(), &fakeService{}, newMemSink()
	c := newTestCoordinator(store, service, sink, 3)

	searches, err := c.SubmitRecords(context.Background(), "batch-1", threeBusinessQueries())
	require.NoError(t, err)
	search := searches[0]

	for {
		open, err := store.Open(context.Background())
		require.NoError(t, err)
		if len(open) == 0 {
			break
		}
		require.NoError(t, c.PollOnce(context.Background(), &open[0]))
	}

	final, err := store.Get(context.Background(), search.SearchID)
	require.NoError(t, err)
	assert.Equal(t, StateTimeout, final.State)

	require.Len(t, sink.enrichments, 3)
	for _, e := range sink.enrichments {
		assert.Equal(t, EnrichmentSkipped, e.Status)
		assert.Contains(t, e.Reason, "timed out")
	}
}

func TestCoordinator_NoResults(t *testing.T) {
	store, service, sink := newMemStore(), &fakeService{}, newMemSink()
	c := newTestCoordinator(store, service, sink, 40)

	searches, err := c.SubmitRecords(context.Background(), "batch-1", threeBusinessQueries())
	require.NoError(t, err)

	require.NoError(t, c.HandleResultsReady(context.Background(), searches[0].SearchID))

	final, err := store.Get(context.Background(), searches[0].SearchID)
	require.NoError(t, err)
	assert.Equal(t, StateNoResults, final.State)
	for _, e := range sink.enrichments {
		assert.Equal(t, EnrichmentNoMatch, e.Status)
	}
}

func TestCoordinator_ResultsNotFoundAfterCompleted(t *testing.T) {
	store, service, sink := newMemStore(), &fakeService{}, newMemSink()
	c := newTestCoordinator(store, service, sink, 40)

	searches, err := c.SubmitRecords(context.Background(), "batch-1", threeBusinessQueries())
	require.NoError(t, err)
	service.resultsErr = &APIError{Kind: ErrResultsNotFound, StatusCode: 404, Message: "RESULTS_NOT_FOUND"}

	require.NoError(t, c.HandleResultsReady(context.Background(), searches[0].SearchID))

	final, err := store.Get(context.Background(), searches[0].SearchID)
	require.NoError(t, err)
	assert.Equal(t, StateNoResults, final.State)
}

func TestCoordinator_AuthErrorFailsSearch(t *testing.T) {
	store, service, sink := newMemStore(), &fakeService{}, newMemSink()
	c := newTestCoordinator(store, service, sink, 40)

	searches, err := c.SubmitRecords(context.Background(), "batch-1", threeBusinessQueries())
	require.NoError(t, err)
	service.resultsErr = &APIError{Kind: ErrAuth, StatusCode: 401, Message: "bad signature"}

	require.NoError(t, c.HandleResultsReady(context.Background(), searches[0].SearchID))

	final, err := store.Get(context.Background(), searches[0].SearchID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, final.State)
	for _, e := range sink.enrichments {
		assert.Equal(t, EnrichmentError, e.Status)
	}
}

func TestCoordinator_CancelledBatchSuppressesLateEvents(t *testing.T) {
	store, service, sink := newMemStore(), &fakeService{}, newMemSink()
	c := newTestCoordinator(store, service, sink, 40)

	searches, err := c.SubmitRecords(context.Background(), "batch-1", threeBusinessQueries())
	require.NoError(t, err)
	search := searches[0]
	for _, ref := range search.RecordIDMapping {
		service.results = append(service.results, SearchResult{ClientReferenceID: ref, MerchantID: "M1", ConfidenceBand: BandHigh})
	}

	sink.cancelled["batch-1"] = true

	require.NoError(t, c.HandleResultsReady(context.Background(), search.SearchID))
	assert.Empty(t, sink.enrichments, "no record writes after cancellation")

	final, err := store.Get(context.Background(), search.SearchID)
	require.NoError(t, err)
	assert.True(t, final.State.Terminal())
	assert.Equal(t, ErrorBatchCancelled, final.Error,
		"suppressed searches carry the cancellation marker, not a failure message")
}

func TestCoordinator_SubmitErrorCreatesNoRow(t *testing.T) {
	store, service, sink := newMemStore(), &fakeService{}, newMemSink()
	c := newTestCoordinator(store, service, sink, 40)
	service.submitErr = &APIError{Kind: ErrValidation, StatusCode: 400, Message: "bad payload"}

	_, err := c.SubmitRecords(context.Background(), "batch-1", threeBusinessQueries())
	require.Error(t, err)

	open, err := store.Open(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open, "no orphan rows on submit failure")
}

func TestContentHash_OrderIndependent(t *testing.T) {
	a := threeBusinessQueries()
	b := []RecordQuery{a[2], a[0], a[1]}
	assert.Equal(t, contentHash(a), contentHash(b))
	assert.NotEqual(t, contentHash(a), contentHash(a[:2]))
}

var errNetwork = errors.New("connection refused")

func TestShapeRetry(t *testing.T) {
	assert.False(t, workpool.IsPermanent(shapeRetry(errNetwork)))
	assert.True(t, workpool.IsPermanent(shapeRetry(&APIError{Kind: ErrAuth})))
	assert.False(t, workpool.IsPermanent(shapeRetry(&APIError{Kind: ErrServer})))

	ra := shapeRetry(&APIError{Kind: ErrRateLimited, RetryAfter: 3 * time.Second})
	var raErr *workpool.RetryAfterError
	require.ErrorAs(t, ra, &raErr)
	assert.Equal(t, 3*time.Second, raErr.After)
}
