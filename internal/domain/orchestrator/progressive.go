package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/FACorreiaa/payee-enrichment/internal/domain/batch"
	"github.com/FACorreiaa/payee-enrichment/internal/domain/supplier"
)

// SingleOptions are the stage toggles on an ad-hoc classification. Wire
// names match the batch upload options.
type SingleOptions struct {
	EnableFinexio                 bool `json:"enable_finexio"`
	EnableMastercard              bool `json:"enable_mastercard"`
	EnableGoogleAddressValidation bool `json:"enable_google_address_validation"`
	EnableOpenAI                  bool `json:"enable_openai"`
}

// SingleRequest is one ad-hoc payee submission.
type SingleRequest struct {
	Payee   string              `json:"payee"`
	Address *batch.InputAddress `json:"address,omitempty"`
	Options SingleOptions       `json:"options"`
}

// SingleResponse is the progressive answer: either a complete result or a
// job id with whatever stages already finished.
type SingleResponse struct {
	JobID            string        `json:"job_id"`
	Status           string        `json:"status"` // processing | completed
	Stage            string        `json:"stage,omitempty"`
	Result           *batch.Record `json:"result"`
	PendingSearchIDs []string      `json:"pending_search_ids,omitempty"`
}

// JobStatus is the merged view served by the status endpoint.
type JobStatus struct {
	JobID            string        `json:"job_id"`
	BatchID          string        `json:"batch_id"`
	Status           string        `json:"status"`
	Record           *batch.Record `json:"record"`
	PendingSearchIDs []string      `json:"pending_search_ids,omitempty"`
}

// BatchStatus is the batch-granularity progressive view.
type BatchStatus struct {
	Batch                      *batch.Batch `json:"batch"`
	FinexioMatchedCount        int          `json:"finexio_matched_count"`
	MerchantEnrichmentProgress int          `json:"merchant_enrichment_progress"`
	PendingSearchIDs           []string     `json:"pending_search_ids,omitempty"`
}

// ClassifySingle stores the payee as a one-record batch, runs the fast
// stages, and returns within the progressive budget: a complete result when
// everything finished in time, otherwise the partials plus a job id.
func (o *Orchestrator) ClassifySingle(ctx context.Context, req SingleRequest) (*SingleResponse, error) {
	start := time.Now()
	opts := o.effectiveOptions(batch.Options{
		EnableClassify: req.Options.EnableOpenAI,
		EnableFinexio:  req.Options.EnableFinexio,
		EnableAddress:  req.Options.EnableGoogleAddressValidation,
		EnableMerchant: req.Options.EnableMastercard,
	})

	b := &batch.Batch{
		ID:              uuid.NewString(),
		TotalRecords:    1,
		Options:         opts,
		OverallStatus:   batch.OverallReceived,
		ProgressMessage: "single classification",
		SourceFileName:  "ad-hoc",
	}
	source, _ := json.Marshal(map[string]string{"payee": req.Payee})
	rec := batch.Record{
		ID:           uuid.NewString(),
		BatchID:      b.ID,
		OriginalName: req.Payee,
		CleanedName:  supplier.StripRailNoise(req.Payee),
		InputAddress: req.Address,
		SourceRow:    source,
	}
	if err := o.store.CreateBatch(ctx, b, []batch.Record{rec}); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := o.runBatch(o.baseCtx, b.ID); err != nil {
			o.logger.Error("single classification run failed",
				slog.String("job_id", rec.ID),
				slog.Any("error", err))
		}
	}()

	budget := o.cfg.ProgressiveBudget - time.Since(start)
	if budget > 0 {
		select {
		case <-done:
		case <-time.After(budget):
		case <-ctx.Done():
		}
	}

	status, err := o.JobStatus(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	o.metrics.ProgressiveBudget.Observe(time.Since(start).Seconds())
	return &SingleResponse{
		JobID:            status.JobID,
		Status:           status.Status,
		Stage:            currentStage(status.Record),
		Result:           status.Record,
		PendingSearchIDs: status.PendingSearchIDs,
	}, nil
}

// JobStatus loads the merged view for one ad-hoc job (the record id doubles
// as the job id).
func (o *Orchestrator) JobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	rec, err := o.store.GetRecord(ctx, jobID)
	if err != nil {
		return nil, err
	}
	b, err := o.store.GetBatch(ctx, rec.BatchID)
	if err != nil {
		return nil, err
	}

	status := "processing"
	switch b.OverallStatus {
	case batch.OverallCompleted:
		status = "completed"
	case batch.OverallCancelled:
		status = "cancelled"
	case batch.OverallFailed:
		status = "failed"
	}

	return &JobStatus{
		JobID:            jobID,
		BatchID:          rec.BatchID,
		Status:           status,
		Record:           rec,
		PendingSearchIDs: o.pendingSearches(ctx, rec.BatchID),
	}, nil
}

// BatchStatus assembles the progressive batch view with stage counts.
func (o *Orchestrator) BatchStatus(ctx context.Context, batchID string) (*BatchStatus, error) {
	b, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	progress, err := o.store.BatchProgress(ctx, batchID)
	if err != nil {
		return nil, err
	}

	merchantPct := 100
	if b.Options.EnableMerchant && progress.TotalRecords > 0 {
		merchantPct = progress.MerchantDone * 100 / progress.TotalRecords
	}
	return &BatchStatus{
		Batch:                      b,
		FinexioMatchedCount:        progress.FinexioMatched,
		MerchantEnrichmentProgress: merchantPct,
		PendingSearchIDs:           o.pendingSearches(ctx, batchID),
	}, nil
}

// RunCompletionSweeps periodically revisits processing batches and flips
// the ones whose merchant searches have since reconciled. This is what
// closes batches finished by webhook or poller.
func (o *Orchestrator) RunCompletionSweeps(interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-o.baseCtx.Done():
				return
			case <-ticker.C:
				o.sweepCompletions(o.baseCtx)
			}
		}
	}()
}

func (o *Orchestrator) sweepCompletions(ctx context.Context) {
	ids, err := o.store.ProcessingBatches(ctx)
	if err != nil {
		o.logger.Error("completion sweep failed", slog.Any("error", err))
		return
	}
	for _, id := range ids {
		flipped, err := o.store.CompleteBatchIfDone(ctx, id)
		if err != nil {
			o.logger.Error("completion check failed", slog.String("batch_id", id), slog.Any("error", err))
			continue
		}
		if flipped {
			_ = o.store.SetBatchStage(ctx, id, batch.StageMerchant, batch.StatusCompleted)
			o.metrics.BatchesCompleted.Inc()
			o.logger.Info("batch completed after reconciliation", slog.String("batch_id", id))
		}
	}
}

func (o *Orchestrator) pendingSearches(ctx context.Context, batchID string) []string {
	if o.searches == nil {
		return nil
	}
	open, err := o.searches.OpenForBatch(ctx, batchID)
	if err != nil || len(open) == 0 {
		return nil
	}
	ids := make([]string, 0, len(open))
	for _, s := range open {
		ids = append(ids, s.SearchID)
	}
	return ids
}

// currentStage names the first non-terminal stage for the progressive
// response.
func currentStage(rec *batch.Record) string {
	switch {
	case rec == nil:
		return ""
	case !rec.Stages.Classify.Terminal():
		return string(batch.StageClassify)
	case !rec.Stages.Finexio.Terminal():
		return string(batch.StageFinexio)
	case !rec.Stages.Address.Terminal():
		return string(batch.StageAddress)
	case !rec.Stages.Merchant.Terminal():
		return string(batch.StageMerchant)
	default:
		return "done"
	}
}
