package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/FACorreiaa/payee-enrichment/internal/domain/address"
	"github.com/FACorreiaa/payee-enrichment/internal/domain/classify"
	"github.com/FACorreiaa/payee-enrichment/internal/domain/merchant"
)

// ErrNotFound means no batch or record exists for the id.
var ErrNotFound = errors.New("batch: not found")

// DB is the pool surface the repository needs; satisfied by *pgxpool.Pool
// and by pgxmock in tests.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

const batchColumns = `id, created_at, total_records, processed_records, overall_status,
	classify_status, finexio_status, address_status, merchant_status,
	enable_classify, enable_finexio, enable_address, enable_merchant,
	progress_message, current_step, source_file_name, source_columns`

const recordColumns = `id, batch_id, original_name, cleaned_name, input_address,
	payee_type, confidence, sic_code, review_needed, supplier_match,
	validated_address, merchant_enrichment, classify_status, finexio_status,
	address_status, merchant_status, error_reason, source_row, created_at, version`

// Repository is the single writer of durable pipeline state. Stage statuses
// move through compare-and-set updates so the webhook and poller paths
// cannot race each other.
type Repository struct {
	db DB
}

// NewRepository creates a new batch repository
func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

// CreateBatch inserts the batch and all its records in one transaction.
func (r *Repository) CreateBatch(ctx context.Context, b *Batch, records []Record) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	columns, _ := json.Marshal(b.SourceColumns)
	_, err = tx.Exec(ctx, `
		INSERT INTO batches (id, total_records, overall_status,
			enable_classify, enable_finexio, enable_address, enable_merchant,
			progress_message, source_file_name, source_columns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, b.ID, b.TotalRecords, OverallReceived,
		b.Options.EnableClassify, b.Options.EnableFinexio, b.Options.EnableAddress, b.Options.EnableMerchant,
		b.ProgressMessage, b.SourceFileName, columns)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	pb := &pgx.Batch{}
	for i := range records {
		rec := records[i]
		inputAddr, _ := json.Marshal(rec.InputAddress)
		if rec.InputAddress == nil {
			inputAddr = nil
		}
		pb.Queue(`
			INSERT INTO records (id, batch_id, original_name, cleaned_name, input_address, source_row)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, rec.ID, b.ID, rec.OriginalName, rec.CleanedName, inputAddr, rec.SourceRow)
	}
	results := tx.SendBatch(ctx, pb)
	for range records {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("failed to insert records: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetBatch loads one batch by id.
func (r *Repository) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	row := r.db.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, batchID)
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// ListBatches returns batches newest first.
func (r *Repository) ListBatches(ctx context.Context, limit, offset int) ([]Batch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+batchColumns+` FROM batches ORDER BY created_at DESC LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// StartBatch flips a received batch to processing.
func (r *Repository) StartBatch(ctx context.Context, batchID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE batches SET overall_status = $2 WHERE id = $1 AND overall_status = $3
	`, batchID, OverallProcessing, OverallReceived)
	return err
}

// UpdateProgress refreshes the operator-facing progress fields.
func (r *Repository) UpdateProgress(ctx context.Context, batchID string, processed int, currentStep, message string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE batches
		SET processed_records = LEAST($2, total_records), current_step = $3, progress_message = $4
		WHERE id = $1 AND overall_status NOT IN ('cancelled', 'failed')
	`, batchID, processed, currentStep, message)
	return err
}

// SetBatchStage updates the aggregate status of one stage.
func (r *Repository) SetBatchStage(ctx context.Context, batchID string, stage Stage, status Status) error {
	col, err := stageColumn(stage)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx,
		`UPDATE batches SET `+col+` = $2 WHERE id = $1 AND overall_status NOT IN ('cancelled', 'failed')`,
		batchID, status)
	return err
}

// CompleteBatchIfDone flips overall_status to completed only when every
// enabled stage of every record is terminal and no merchant search for the
// batch is still open. It reports whether the flip happened.
func (r *Repository) CompleteBatchIfDone(ctx context.Context, batchID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE batches b
		SET overall_status = 'completed',
		    processed_records = total_records,
		    progress_message = 'all stages complete',
		    current_step = 'done'
		WHERE b.id = $1
		  AND b.overall_status = 'processing'
		  AND NOT EXISTS (
			SELECT 1 FROM records r
			WHERE r.batch_id = b.id
			  AND (
				(b.enable_classify AND r.classify_status NOT IN ('completed', 'skipped', 'failed'))
				OR (b.enable_finexio AND r.finexio_status NOT IN ('completed', 'skipped', 'failed'))
				OR (b.enable_address AND r.address_status NOT IN ('completed', 'skipped', 'failed'))
				OR (b.enable_merchant AND r.merchant_status NOT IN ('completed', 'skipped', 'failed'))
			  )
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM merchant_searches ms
			WHERE ms.batch_id = b.id AND ms.completed_at IS NULL
		  )
	`, batchID)
	if err != nil {
		return false, fmt.Errorf("failed to complete batch %s: %w", batchID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ProcessingBatches lists ids of batches still being driven; the completion
// sweeper revisits these until every stage and search is terminal.
func (r *Repository) ProcessingBatches(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM batches WHERE overall_status = 'processing'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Progress aggregates per-stage terminal counts for the status endpoints.
type Progress struct {
	TotalRecords   int `json:"total_records"`
	ClassifyDone   int `json:"classify_done"`
	FinexioDone    int `json:"finexio_done"`
	AddressDone    int `json:"address_done"`
	MerchantDone   int `json:"merchant_done"`
	FinexioMatched int `json:"finexio_matched_count"`
}

// BatchProgress computes the aggregate stage progress in one snapshot read.
func (r *Repository) BatchProgress(ctx context.Context, batchID string) (*Progress, error) {
	var p Progress
	err := r.db.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE classify_status IN ('completed', 'skipped', 'failed')),
		       count(*) FILTER (WHERE finexio_status IN ('completed', 'skipped', 'failed')),
		       count(*) FILTER (WHERE address_status IN ('completed', 'skipped', 'failed')),
		       count(*) FILTER (WHERE merchant_status IN ('completed', 'skipped', 'failed')),
		       count(*) FILTER (WHERE supplier_match IS NOT NULL AND finexio_status = 'completed')
		FROM records WHERE batch_id = $1
	`, batchID).Scan(&p.TotalRecords, &p.ClassifyDone, &p.FinexioDone, &p.AddressDone, &p.MerchantDone, &p.FinexioMatched)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate progress for %s: %w", batchID, err)
	}
	return &p, nil
}

// CancelBatch marks a batch cancelled; cancelled is terminal and all later
// writes to its records are suppressed.
func (r *Repository) CancelBatch(ctx context.Context, batchID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE batches SET overall_status = 'cancelled', progress_message = 'cancelled by operator'
		WHERE id = $1 AND overall_status IN ('received', 'processing')
	`, batchID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// BatchCancelled reports whether the batch is cancelled; used by the
// merchant coordinator to drop late events.
func (r *Repository) BatchCancelled(ctx context.Context, batchID string) (bool, error) {
	var status OverallStatus
	err := r.db.QueryRow(ctx, `SELECT overall_status FROM batches WHERE id = $1`, batchID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return status == OverallCancelled, nil
}

// MarkBatchFailed records an ingestion-level failure.
func (r *Repository) MarkBatchFailed(ctx context.Context, batchID, reason string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE batches SET overall_status = 'failed', progress_message = $2
		WHERE id = $1 AND overall_status NOT IN ('completed', 'cancelled')
	`, batchID, reason)
	return err
}

// GetRecord loads one record.
func (r *Repository) GetRecord(ctx context.Context, recordID string) (*Record, error) {
	row := r.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM records WHERE id = $1`, recordID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// Records pages through a batch's records in stable id order.
func (r *Repository) Records(ctx context.Context, batchID string, limit, offset int) ([]Record, int, error) {
	if limit <= 0 {
		limit = 100
	}
	var total int
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM records WHERE batch_id = $1`, batchID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+recordColumns+` FROM records WHERE batch_id = $1 ORDER BY id LIMIT $2 OFFSET $3
	`, batchID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *rec)
	}
	return out, total, rows.Err()
}

// TransitionRecordStage is the CAS primitive for per-record stage state; it
// reports false when the stage was not in the expected state.
func (r *Repository) TransitionRecordStage(ctx context.Context, recordID string, stage Stage, from, to Status) (bool, error) {
	col, err := stageColumn(stage)
	if err != nil {
		return false, err
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE records r SET `+col+` = $3, version = version + 1
		FROM batches b
		WHERE r.id = $1 AND r.`+col+` = $2 AND b.id = r.batch_id AND b.overall_status != 'cancelled'
	`, recordID, from, to)
	if err != nil {
		return false, fmt.Errorf("failed stage transition for record %s: %w", recordID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// SaveClassification writes the classifier outcome and closes the classify
// stage.
func (r *Repository) SaveClassification(ctx context.Context, recordID string, c *classify.Classification, status Status) error {
	_, err := r.db.Exec(ctx, `
		UPDATE records r
		SET payee_type = $2, confidence = $3, sic_code = $4, review_needed = $5,
		    classify_status = $6, version = version + 1
		FROM batches b
		WHERE r.id = $1 AND b.id = r.batch_id AND b.overall_status != 'cancelled'
	`, recordID, c.PayeeType, c.Confidence, c.SICCode, c.NeedsReview(), status)
	if err != nil {
		return fmt.Errorf("failed to save classification for %s: %w", recordID, err)
	}
	return nil
}

// SaveSupplierMatch writes the Finexio match and closes the finexio stage.
func (r *Repository) SaveSupplierMatch(ctx context.Context, recordID string, m *SupplierMatch, status Status) error {
	var payload []byte
	if m != nil {
		var err error
		if payload, err = json.Marshal(m); err != nil {
			return err
		}
	}
	_, err := r.db.Exec(ctx, `
		UPDATE records r
		SET supplier_match = $2, finexio_status = $3, version = version + 1
		FROM batches b
		WHERE r.id = $1 AND b.id = r.batch_id AND b.overall_status != 'cancelled'
	`, recordID, payload, status)
	if err != nil {
		return fmt.Errorf("failed to save supplier match for %s: %w", recordID, err)
	}
	return nil
}

// SaveValidatedAddress writes the validator outcome and closes the address
// stage.
func (r *Repository) SaveValidatedAddress(ctx context.Context, recordID string, res *address.Result, status Status) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		UPDATE records r
		SET validated_address = $2, address_status = $3, version = version + 1
		FROM batches b
		WHERE r.id = $1 AND b.id = r.batch_id AND b.overall_status != 'cancelled'
	`, recordID, payload, status)
	if err != nil {
		return fmt.Errorf("failed to save validated address for %s: %w", recordID, err)
	}
	return nil
}

// ApplyEnrichment writes the reconciled merchant result; writes against a
// cancelled batch are silently suppressed. Implements the coordinator's
// record sink.
func (r *Repository) ApplyEnrichment(ctx context.Context, batchID, recordID string, e merchant.Enrichment) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		UPDATE records r
		SET merchant_enrichment = $3, merchant_status = $4, error_reason = $5, version = version + 1
		FROM batches b
		WHERE r.id = $2 AND r.batch_id = $1 AND b.id = r.batch_id AND b.overall_status != 'cancelled'
	`, batchID, recordID, payload, enrichmentStageStatus(e.Status), e.Reason)
	if err != nil {
		return fmt.Errorf("failed to apply merchant enrichment for %s: %w", recordID, err)
	}
	return nil
}

// MerchantEligible lists records of a batch still pending merchant
// enrichment.
func (r *Repository) MerchantEligible(ctx context.Context, batchID string) ([]Record, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE batch_id = $1 AND merchant_status = 'pending'
		ORDER BY id
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// enrichmentStageStatus maps a merchant enrichment outcome onto the stage
// status vocabulary.
func enrichmentStageStatus(s string) Status {
	switch s {
	case merchant.EnrichmentMatched, merchant.EnrichmentNoMatch:
		return StatusCompleted
	case merchant.EnrichmentSkipped:
		return StatusSkipped
	case merchant.EnrichmentError:
		return StatusFailed
	case merchant.EnrichmentPending:
		return StatusInProgress
	default:
		return StatusSkipped
	}
}

func stageColumn(stage Stage) (string, error) {
	switch stage {
	case StageClassify:
		return "classify_status", nil
	case StageFinexio:
		return "finexio_status", nil
	case StageAddress:
		return "address_status", nil
	case StageMerchant:
		return "merchant_status", nil
	default:
		return "", fmt.Errorf("unknown stage %q", stage)
	}
}

func scanBatch(row pgx.Row) (*Batch, error) {
	var b Batch
	var columns []byte
	err := row.Scan(
		&b.ID,
		&b.CreatedAt,
		&b.TotalRecords,
		&b.ProcessedRecords,
		&b.OverallStatus,
		&b.Stages.Classify,
		&b.Stages.Finexio,
		&b.Stages.Address,
		&b.Stages.Merchant,
		&b.Options.EnableClassify,
		&b.Options.EnableFinexio,
		&b.Options.EnableAddress,
		&b.Options.EnableMerchant,
		&b.ProgressMessage,
		&b.CurrentStep,
		&b.SourceFileName,
		&columns,
	)
	if err != nil {
		return nil, err
	}
	if len(columns) > 0 {
		if err := json.Unmarshal(columns, &b.SourceColumns); err != nil {
			return nil, fmt.Errorf("corrupt source_columns for batch %s: %w", b.ID, err)
		}
	}
	return &b, nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var inputAddr, supplierMatch, validatedAddr, enrichment []byte
	err := row.Scan(
		&rec.ID,
		&rec.BatchID,
		&rec.OriginalName,
		&rec.CleanedName,
		&inputAddr,
		&rec.PayeeType,
		&rec.Confidence,
		&rec.SICCode,
		&rec.ReviewNeeded,
		&supplierMatch,
		&validatedAddr,
		&enrichment,
		&rec.Stages.Classify,
		&rec.Stages.Finexio,
		&rec.Stages.Address,
		&rec.Stages.Merchant,
		&rec.ErrorReason,
		&rec.SourceRow,
		&rec.CreatedAt,
		&rec.Version,
	)
	if err != nil {
		return nil, err
	}
	if len(inputAddr) > 0 {
		rec.InputAddress = &InputAddress{}
		if err := json.Unmarshal(inputAddr, rec.InputAddress); err != nil {
			return nil, err
		}
	}
	if len(supplierMatch) > 0 {
		rec.SupplierMatch = &SupplierMatch{}
		if err := json.Unmarshal(supplierMatch, rec.SupplierMatch); err != nil {
			return nil, err
		}
	}
	if len(validatedAddr) > 0 {
		rec.ValidatedAddress = &address.Result{}
		if err := json.Unmarshal(validatedAddr, rec.ValidatedAddress); err != nil {
			return nil, err
		}
	}
	if len(enrichment) > 0 {
		rec.MerchantEnrichment = &merchant.Enrichment{}
		if err := json.Unmarshal(enrichment, rec.MerchantEnrichment); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}
