package merchant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrDuplicateSubmission means an in-flight search already covers the
	// same (batch_id, content_hash).
	ErrDuplicateSubmission = errors.New("merchant: duplicate submission")
	// ErrNotFound means no search row exists for the id.
	ErrNotFound = errors.New("merchant: search not found")
)

const searchColumns = `search_id, batch_id, content_hash, record_id_mapping, state,
	poll_attempts, max_poll_attempts, submitted_at, last_polled_at, completed_at,
	request_payload, response_payload, error`

// Repository persists merchant searches and webhook events. State moves only
// through compare-and-set updates so webhook and poller cannot race each
// other into an illegal transition.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new merchant search repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create inserts a freshly submitted search. A concurrent in-flight search
// for the same (batch_id, content_hash) surfaces ErrDuplicateSubmission via
// the partial unique index.
func (r *Repository) Create(ctx context.Context, s *MerchantSearch) error {
	mapping, err := json.Marshal(s.RecordIDMapping)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO merchant_searches
			(search_id, batch_id, content_hash, record_id_mapping, state,
			 max_poll_attempts, submitted_at, request_payload)
		VALUES ($1, $2, $3, $4, $5, $6, now(), $7)
	`, s.SearchID, nullable(s.BatchID), s.ContentHash, mapping, StateSubmitted,
		s.MaxPollAttempts, s.RequestPayload)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateSubmission
		}
		return fmt.Errorf("failed to create merchant search: %w", err)
	}
	return nil
}

// Transition moves a search from one state to another atomically; it
// reports false when the row was not in the expected state.
func (r *Repository) Transition(ctx context.Context, searchID string, from, to SearchState) (bool, error) {
	if !CanTransition(from, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE merchant_searches SET state = $3 WHERE search_id = $1 AND state = $2
	`, searchID, from, to)
	if err != nil {
		return false, fmt.Errorf("failed to transition search %s: %w", searchID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Complete finalizes a search exactly once: the completed_at guard makes a
// second reconciliation a no-op.
func (r *Repository) Complete(ctx context.Context, searchID string, terminal SearchState, responsePayload []byte, errMsg string) (bool, error) {
	if !terminal.Terminal() {
		return false, fmt.Errorf("state %s is not terminal", terminal)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE merchant_searches
		SET state = $2, completed_at = now(), response_payload = $3, error = $4
		WHERE search_id = $1 AND completed_at IS NULL
	`, searchID, terminal, responsePayload, errMsg)
	if err != nil {
		return false, fmt.Errorf("failed to complete search %s: %w", searchID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordPoll bumps the attempt counter and poll timestamp.
func (r *Repository) RecordPoll(ctx context.Context, searchID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE merchant_searches
		SET poll_attempts = poll_attempts + 1, last_polled_at = now()
		WHERE search_id = $1
	`, searchID)
	if err != nil {
		return fmt.Errorf("failed to record poll for %s: %w", searchID, err)
	}
	return nil
}

// Get loads one search by id.
func (r *Repository) Get(ctx context.Context, searchID string) (*MerchantSearch, error) {
	row := r.db.QueryRow(ctx, `SELECT `+searchColumns+` FROM merchant_searches WHERE search_id = $1`, searchID)
	s, err := scanSearch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// FindInFlight returns the open search for (batch_id, content_hash), if any.
func (r *Repository) FindInFlight(ctx context.Context, batchID, contentHash string) (*MerchantSearch, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+searchColumns+`
		FROM merchant_searches
		WHERE batch_id = $1 AND content_hash = $2 AND completed_at IS NULL
		ORDER BY submitted_at DESC
		LIMIT 1
	`, batchID, contentHash)
	s, err := scanSearch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Open lists every non-terminal search, oldest first, for the poll sweep.
func (r *Repository) Open(ctx context.Context) ([]MerchantSearch, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+searchColumns+`
		FROM merchant_searches
		WHERE completed_at IS NULL
		ORDER BY submitted_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MerchantSearch
	for rows.Next() {
		s, err := scanSearch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// OpenForBatch lists open searches belonging to one batch.
func (r *Repository) OpenForBatch(ctx context.Context, batchID string) ([]MerchantSearch, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+searchColumns+`
		FROM merchant_searches
		WHERE batch_id = $1 AND completed_at IS NULL
		ORDER BY submitted_at
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MerchantSearch
	for rows.Next() {
		s, err := scanSearch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// CancelForBatch marks every open search of the batch failed with a
// cancellation note; late webhooks and polls then observe a terminal state.
func (r *Repository) CancelForBatch(ctx context.Context, batchID string) (int, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE merchant_searches
		SET state = $2, completed_at = now(), error = $3
		WHERE batch_id = $1 AND completed_at IS NULL
	`, batchID, StateFailed, ErrorBatchCancelled)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel searches for batch %s: %w", batchID, err)
	}
	return int(tag.RowsAffected()), nil
}

// InsertWebhookEvent durably records an event; it reports false when the
// event_id was already seen.
func (r *Repository) InsertWebhookEvent(ctx context.Context, ev *WebhookEvent) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO webhook_events (event_id, event_type, search_id, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING
	`, ev.EventID, ev.EventType, ev.SearchID, ev.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to insert webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkWebhookProcessed records the processing outcome for an event.
func (r *Repository) MarkWebhookProcessed(ctx context.Context, eventID, errMsg string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE webhook_events SET processed = TRUE, error = NULLIF($2, '') WHERE event_id = $1
	`, eventID, errMsg)
	if err != nil {
		return fmt.Errorf("failed to mark webhook event processed: %w", err)
	}
	return nil
}

func scanSearch(row pgx.Row) (*MerchantSearch, error) {
	var s MerchantSearch
	var batchID *string
	var mapping []byte
	var lastPolled, completed *time.Time
	err := row.Scan(
		&s.SearchID,
		&batchID,
		&s.ContentHash,
		&mapping,
		&s.State,
		&s.PollAttempts,
		&s.MaxPollAttempts,
		&s.SubmittedAt,
		&lastPolled,
		&completed,
		&s.RequestPayload,
		&s.ResponsePayload,
		&s.Error,
	)
	if err != nil {
		return nil, err
	}
	if batchID != nil {
		s.BatchID = *batchID
	}
	s.LastPolledAt = lastPolled
	s.CompletedAt = completed
	if len(mapping) > 0 {
		if err := json.Unmarshal(mapping, &s.RecordIDMapping); err != nil {
			return nil, fmt.Errorf("corrupt record_id_mapping for %s: %w", s.SearchID, err)
		}
	}
	return &s, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
