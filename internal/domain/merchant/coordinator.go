package merchant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/FACorreiaa/payee-enrichment/pkg/metrics"
	"github.com/FACorreiaa/payee-enrichment/pkg/workpool"
)

// maxSubmissionSize is the service's hard cap per bulk submission.
const maxSubmissionSize = 3000

// SearchStore is the persistence surface the coordinator drives.
type SearchStore interface {
	Create(ctx context.Context, s *MerchantSearch) error
	Transition(ctx context.Context, searchID string, from, to SearchState) (bool, error)
	Complete(ctx context.Context, searchID string, terminal SearchState, responsePayload []byte, errMsg string) (bool, error)
	RecordPoll(ctx context.Context, searchID string) error
	Get(ctx context.Context, searchID string) (*MerchantSearch, error)
	FindInFlight(ctx context.Context, batchID, contentHash string) (*MerchantSearch, error)
	Open(ctx context.Context) ([]MerchantSearch, error)
	OpenForBatch(ctx context.Context, batchID string) ([]MerchantSearch, error)
	CancelForBatch(ctx context.Context, batchID string) (int, error)
}

// SearchService is the outbound client surface.
type SearchService interface {
	Submit(ctx context.Context, items []SearchItem) (string, error)
	Status(ctx context.Context, searchID string) (string, error)
	Results(ctx context.Context, searchID string, offset, limit int) ([]SearchResult, int, error)
}

// RecordSink receives reconciled enrichment. Implemented by the batch store.
type RecordSink interface {
	ApplyEnrichment(ctx context.Context, batchID, recordID string, e Enrichment) error
	BatchCancelled(ctx context.Context, batchID string) (bool, error)
}

// RecordQuery is one record eligible for merchant enrichment.
type RecordQuery struct {
	RecordID   string
	Name       string
	Line1      string
	City       string
	State      string
	PostalCode string
	Country    string
}

// Coordinator owns the merchant search lifecycle: grouping, submission,
// webhook/poll monitoring, result fetching and reconciliation into records.
type Coordinator struct {
	service SearchService
	store   SearchStore
	records RecordSink
	limiter *workpool.Limiter
	backoff workpool.Backoff

	maxPollAttempts int
	hardDeadline    time.Duration
	pageSize        int

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewCoordinator wires a coordinator with the configured poll budget.
func NewCoordinator(service SearchService, store SearchStore, records RecordSink, limiter *workpool.Limiter, maxPollAttempts int, hardDeadline time.Duration, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	if maxPollAttempts <= 0 {
		maxPollAttempts = 40
	}
	if hardDeadline <= 0 {
		hardDeadline = 45 * time.Minute
	}
	return &Coordinator{
		service:         service,
		store:           store,
		records:         records,
		limiter:         limiter,
		backoff:         workpool.DefaultBackoff(),
		maxPollAttempts: maxPollAttempts,
		hardDeadline:    hardDeadline,
		pageSize:        500,
		metrics:         m,
		logger:          logger,
	}
}

// SubmitRecords groups the queries into chunks of at most 3000, submits each
// chunk and persists one MerchantSearch per chunk. An in-flight search for
// the same content is reused, never resubmitted.
func (c *Coordinator) SubmitRecords(ctx context.Context, batchID string, queries []RecordQuery) ([]*MerchantSearch, error) {
	if len(queries) == 0 {
		return nil, nil
	}

	var searches []*MerchantSearch
	for start := 0; start < len(queries); start += maxSubmissionSize {
		end := start + maxSubmissionSize
		if end > len(queries) {
			end = len(queries)
		}
		search, err := c.submitChunk(ctx, batchID, queries[start:end])
		if err != nil {
			return searches, err
		}
		searches = append(searches, search)
	}
	return searches, nil
}

func (c *Coordinator) submitChunk(ctx context.Context, batchID string, chunk []RecordQuery) (*MerchantSearch, error) {
	hash := contentHash(chunk)

	if existing, err := c.store.FindInFlight(ctx, batchID, hash); err == nil {
		c.logger.Info("reusing in-flight merchant search",
			slog.String("batch_id", batchID),
			slog.String("search_id", existing.SearchID))
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	mapping := make(map[string]string, len(chunk))
	items := make([]SearchItem, 0, len(chunk))
	for _, q := range chunk {
		ref := uuid.NewString()
		mapping[q.RecordID] = ref
		items = append(items, SearchItem{
			ClientReferenceID: ref,
			Name:              q.Name,
			Line1:             q.Line1,
			City:              q.City,
			State:             q.State,
			PostalCode:        q.PostalCode,
			Country:           q.Country,
		})
	}

	searchID, err := c.submitWithRetry(ctx, items)
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(items)
	search := &MerchantSearch{
		SearchID:        searchID,
		BatchID:         batchID,
		ContentHash:     hash,
		RecordIDMapping: mapping,
		State:           StateSubmitted,
		MaxPollAttempts: c.maxPollAttempts,
		SubmittedAt:     time.Now(),
		RequestPayload:  payload,
	}
	if err := c.store.Create(ctx, search); err != nil {
		if errors.Is(err, ErrDuplicateSubmission) {
			// A concurrent submit won the race; its row is authoritative
			// and our external search id is abandoned.
			c.logger.Warn("concurrent duplicate submission, reusing winner",
				slog.String("batch_id", batchID),
				slog.String("orphaned_search_id", searchID))
			return c.store.FindInFlight(ctx, batchID, hash)
		}
		return nil, err
	}

	c.metrics.SearchesSubmitted.Inc()
	c.logger.Info("merchant search submitted",
		slog.String("batch_id", batchID),
		slog.String("search_id", searchID),
		slog.Int("records", len(chunk)))
	return search, nil
}

func (c *Coordinator) submitWithRetry(ctx context.Context, items []SearchItem) (string, error) {
	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	var searchID string
	err = workpool.Retry(ctx, c.backoff, func(ctx context.Context) error {
		id, err := c.service.Submit(ctx, items)
		if err != nil {
			return shapeRetry(err)
		}
		searchID = id
		return nil
	})
	return searchID, err
}

// HandleResultsReady is the webhook path: a valid, deduplicated event says
// the search finished upstream. Late events for cancelled batches are
// dropped.
func (c *Coordinator) HandleResultsReady(ctx context.Context, searchID string) error {
	search, err := c.store.Get(ctx, searchID)
	if errors.Is(err, ErrNotFound) {
		c.logger.Warn("webhook for unknown search", slog.String("search_id", searchID))
		return nil
	}
	if err != nil {
		return err
	}
	if search.State.Terminal() {
		return nil
	}
	if dropped, err := c.suppressIfCancelled(ctx, search); dropped || err != nil {
		return err
	}

	moved := false
	for _, from := range []SearchState{StateSubmitted, StatePolling} {
		ok, err := c.store.Transition(ctx, searchID, from, StateWebhookReceived)
		if err != nil {
			return err
		}
		if ok {
			moved = true
			break
		}
	}
	if !moved {
		// The poller is already past this point; let it finish.
		return nil
	}
	c.metrics.WebhookEvents.WithLabelValues("results_ready").Inc()
	return c.fetchAndReconcile(ctx, search, StateWebhookReceived)
}

// HandleSearchCancelled marks a search failed after an upstream cancel
// event.
func (c *Coordinator) HandleSearchCancelled(ctx context.Context, searchID string) error {
	search, err := c.store.Get(ctx, searchID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if search.State.Terminal() {
		return nil
	}
	c.metrics.WebhookEvents.WithLabelValues("cancelled").Inc()
	return c.finish(ctx, search, StateFailed, nil, "cancelled upstream", EnrichmentSkipped, "search cancelled upstream")
}

// PollOnce advances one search by a single status check. Transient service
// errors leave the search untouched for the next sweep.
func (c *Coordinator) PollOnce(ctx context.Context, search *MerchantSearch) error {
	if search.State.Terminal() {
		return nil
	}
	if dropped, err := c.suppressIfCancelled(ctx, search); dropped || err != nil {
		return err
	}

	if search.State == StateSubmitted {
		if _, err := c.store.Transition(ctx, search.SearchID, StateSubmitted, StatePolling); err != nil {
			return err
		}
		search.State = StatePolling
	}

	if err := c.store.RecordPoll(ctx, search.SearchID); err != nil {
		return err
	}
	search.PollAttempts++

	if search.PollAttempts >= c.maxPollAttempts || time.Since(search.SubmittedAt) >= c.hardDeadline {
		c.logger.Warn("merchant search timed out",
			slog.String("search_id", search.SearchID),
			slog.Int("poll_attempts", search.PollAttempts))
		return c.finish(ctx, search, StateTimeout, nil, "poll budget exhausted", EnrichmentSkipped, "search timed out")
	}

	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		return nil // back-pressured; next sweep retries
	}
	status, err := c.service.Status(ctx, search.SearchID)
	release()
	if err != nil {
		if apiErr, ok := AsAPIError(err); ok && !apiErr.Retryable() {
			return c.finish(ctx, search, StateFailed, nil, apiErr.Message, EnrichmentError, "search failed: "+apiErr.Message)
		}
		c.logger.Debug("status poll failed", slog.String("search_id", search.SearchID), slog.Any("error", err))
		return nil
	}

	switch status {
	case UpstreamCompleted:
		return c.fetchAndReconcile(ctx, search, search.State)
	case UpstreamCancelled, UpstreamFailed:
		return c.finish(ctx, search, StateFailed, nil, "upstream state "+status, EnrichmentSkipped, "search "+strings.ToLower(status))
	default:
		return nil
	}
}

// CancelBatch logically cancels every open search of the batch; late
// webhooks and polls then observe terminal states and do nothing.
func (c *Coordinator) CancelBatch(ctx context.Context, batchID string) error {
	n, err := c.store.CancelForBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if n > 0 {
		c.logger.Info("cancelled merchant searches",
			slog.String("batch_id", batchID),
			slog.Int("count", n))
	}
	return nil
}

// fetchAndReconcile claims the fetching_results slot, pulls every result
// page and writes one enrichment per record. The completed_at guard in the
// store makes reconciliation exactly-once; the loser of a webhook/poller
// race exits without side effects.
func (c *Coordinator) fetchAndReconcile(ctx context.Context, search *MerchantSearch, from SearchState) error {
	ok, err := c.store.Transition(ctx, search.SearchID, from, StateFetchingResults)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	results, err := c.fetchAllPages(ctx, search.SearchID)
	if err != nil {
		if apiErr, ok := AsAPIError(err); ok && apiErr.Kind == ErrResultsNotFound {
			return c.finish(ctx, search, StateNoResults, nil, "", EnrichmentNoMatch, "")
		}
		if apiErr, ok := AsAPIError(err); ok && !apiErr.Retryable() {
			return c.finish(ctx, search, StateFailed, nil, apiErr.Message, EnrichmentError, "results fetch failed")
		}
		return err
	}
	if len(results) == 0 {
		return c.finish(ctx, search, StateNoResults, nil, "", EnrichmentNoMatch, "")
	}

	payload, _ := json.Marshal(results)
	claimed, err := c.store.Complete(ctx, search.SearchID, StateCompleted, payload, "")
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	c.reconcile(ctx, search, results)
	c.metrics.SearchOutcomes.WithLabelValues(string(StateCompleted)).Inc()
	return nil
}

func (c *Coordinator) fetchAllPages(ctx context.Context, searchID string) ([]SearchResult, error) {
	var all []SearchResult
	offset := 0
	for {
		release, err := c.limiter.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		var page []SearchResult
		var total int
		err = workpool.Retry(ctx, c.backoff, func(ctx context.Context) error {
			var rerr error
			page, total, rerr = c.service.Results(ctx, searchID, offset, c.pageSize)
			if rerr != nil {
				return shapeRetry(rerr)
			}
			return nil
		})
		release()
		if err != nil {
			return nil, unwrapRetry(err)
		}

		all = append(all, page...)
		offset += len(page)
		if len(page) < c.pageSize || (total > 0 && offset >= total) {
			return all, nil
		}
	}
}

// reconcile maps results back to records through the stored reference
// mapping and writes one enrichment per record.
func (c *Coordinator) reconcile(ctx context.Context, search *MerchantSearch, results []SearchResult) {
	inputNames := c.submittedNames(search)
	best := BestPerReference(inputNames, results)

	for recordID, ref := range search.RecordIDMapping {
		var e Enrichment
		if match, ok := best[ref]; ok {
			e = Enrichment{
				Status:         EnrichmentMatched,
				BusinessName:   match.BusinessName,
				TaxID:          match.TaxID,
				MCC:            match.MCC,
				MCCGroup:       match.MCCGroup,
				Address:        match.Address,
				Phone:          match.Phone,
				ConfidenceBand: match.ConfidenceBand,
			}
		} else {
			e = Enrichment{Status: EnrichmentNoMatch}
		}
		if err := c.records.ApplyEnrichment(ctx, search.BatchID, recordID, e); err != nil {
			c.logger.Error("failed to apply merchant enrichment",
				slog.String("record_id", recordID),
				slog.Any("error", err))
		}
	}
}

// finish claims the terminal state and stamps every mapped record with the
// given enrichment status.
func (c *Coordinator) finish(ctx context.Context, search *MerchantSearch, terminal SearchState, payload []byte, errMsg, recordStatus, reason string) error {
	claimed, err := c.store.Complete(ctx, search.SearchID, terminal, payload, errMsg)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	c.metrics.SearchOutcomes.WithLabelValues(string(terminal)).Inc()

	for recordID := range search.RecordIDMapping {
		e := Enrichment{Status: recordStatus, Reason: reason}
		if err := c.records.ApplyEnrichment(ctx, search.BatchID, recordID, e); err != nil {
			c.logger.Error("failed to stamp record after terminal search",
				slog.String("record_id", recordID),
				slog.Any("error", err))
		}
	}
	return nil
}

func (c *Coordinator) suppressIfCancelled(ctx context.Context, search *MerchantSearch) (bool, error) {
	if search.BatchID == "" {
		return false, nil
	}
	cancelled, err := c.records.BatchCancelled(ctx, search.BatchID)
	if err != nil {
		return false, err
	}
	if cancelled {
		c.logger.Info("dropping event for cancelled batch",
			slog.String("batch_id", search.BatchID),
			slog.String("search_id", search.SearchID))
		_, err := c.store.Complete(ctx, search.SearchID, StateFailed, nil, ErrorBatchCancelled)
		return true, err
	}
	return false, nil
}

// submittedNames rebuilds ref → submitted-name from the stored request
// payload for the selection tie-break.
func (c *Coordinator) submittedNames(search *MerchantSearch) map[string]string {
	out := make(map[string]string)
	var items []SearchItem
	if err := json.Unmarshal(search.RequestPayload, &items); err != nil {
		return out
	}
	for _, item := range items {
		out[item.ClientReferenceID] = item.Name
	}
	return out
}

// shapeRetry converts service errors into the retry helper's vocabulary.
func shapeRetry(err error) error {
	apiErr, ok := AsAPIError(err)
	if !ok {
		return err // network errors are transient
	}
	switch {
	case apiErr.Kind == ErrRateLimited && apiErr.RetryAfter > 0:
		return &workpool.RetryAfterError{After: apiErr.RetryAfter, Err: err}
	case apiErr.Retryable():
		return err
	default:
		return workpool.Permanent(err)
	}
}

func unwrapRetry(err error) error {
	var ra *workpool.RetryAfterError
	if errors.As(err, &ra) {
		return ra.Err
	}
	return err
}

// contentHash fingerprints a record set independent of input order.
func contentHash(chunk []RecordQuery) string {
	lines := make([]string, 0, len(chunk))
	for _, q := range chunk {
		lines = append(lines, q.RecordID+"|"+q.Name)
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

