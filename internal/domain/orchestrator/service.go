// Package orchestrator drives each record through the enabled enrichment
// stages, writes every transition to the batch store, and serves the
// progressive classify API.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/FACorreiaa/payee-enrichment/internal/domain/address"
	"github.com/FACorreiaa/payee-enrichment/internal/domain/batch"
	"github.com/FACorreiaa/payee-enrichment/internal/domain/classify"
	"github.com/FACorreiaa/payee-enrichment/internal/domain/matching"
	"github.com/FACorreiaa/payee-enrichment/internal/domain/merchant"
	"github.com/FACorreiaa/payee-enrichment/internal/domain/supplier"
	"github.com/FACorreiaa/payee-enrichment/pkg/metrics"
	"github.com/FACorreiaa/payee-enrichment/pkg/workpool"
)

// Store is the slice of the batch repository the orchestrator drives.
// Implemented by *batch.Repository.
type Store interface {
	CreateBatch(ctx context.Context, b *batch.Batch, records []batch.Record) error
	GetBatch(ctx context.Context, batchID string) (*batch.Batch, error)
	StartBatch(ctx context.Context, batchID string) error
	UpdateProgress(ctx context.Context, batchID string, processed int, currentStep, message string) error
	SetBatchStage(ctx context.Context, batchID string, stage batch.Stage, status batch.Status) error
	CompleteBatchIfDone(ctx context.Context, batchID string) (bool, error)
	CancelBatch(ctx context.Context, batchID string) (bool, error)
	MarkBatchFailed(ctx context.Context, batchID, reason string) error
	GetRecord(ctx context.Context, recordID string) (*batch.Record, error)
	Records(ctx context.Context, batchID string, limit, offset int) ([]batch.Record, int, error)
	TransitionRecordStage(ctx context.Context, recordID string, stage batch.Stage, from, to batch.Status) (bool, error)
	SaveClassification(ctx context.Context, recordID string, c *classify.Classification, status batch.Status) error
	SaveSupplierMatch(ctx context.Context, recordID string, m *batch.SupplierMatch, status batch.Status) error
	SaveValidatedAddress(ctx context.Context, recordID string, res *address.Result, status batch.Status) error
	MerchantEligible(ctx context.Context, batchID string) ([]batch.Record, error)
	ProcessingBatches(ctx context.Context) ([]string, error)
	BatchProgress(ctx context.Context, batchID string) (*batch.Progress, error)
}

// Classifier is the payee labeling surface, implemented by the classify
// gateway.
type Classifier interface {
	ClassifyPayee(ctx context.Context, req classify.ClassifyRequest) *classify.Classification
}

// CandidateSource retrieves supplier candidates, implemented by the
// supplier cache.
type CandidateSource interface {
	Candidates(ctx context.Context, queryName string, k int) ([]supplier.Supplier, error)
}

// AddressValidator is the postal validation surface.
type AddressValidator interface {
	Validate(ctx context.Context, raw string) *address.Result
}

// MerchantDispatcher is the bulk-search surface, implemented by the
// merchant coordinator.
type MerchantDispatcher interface {
	SubmitRecords(ctx context.Context, batchID string, queries []merchant.RecordQuery) ([]*merchant.MerchantSearch, error)
	CancelBatch(ctx context.Context, batchID string) error
}

// SearchReader exposes open searches so status responses can report pending
// search ids. Implemented by the merchant repository.
type SearchReader interface {
	OpenForBatch(ctx context.Context, batchID string) ([]merchant.MerchantSearch, error)
}

// Pools groups the per-stage worker pools the orchestrator fans out on.
type Pools struct {
	Classify *workpool.Pool
	Supplier *workpool.Pool
	Address  *workpool.Pool
}

// Saturated reports whether any stage pool has crossed its high-water mark.
func (p Pools) Saturated() bool {
	return p.Classify.Saturated() || p.Supplier.Saturated() || p.Address.Saturated()
}

// Config tunes the orchestrator.
type Config struct {
	// Enabled gates stages process-wide; a batch can only use stages
	// enabled here.
	Enabled batch.Options

	// ProgressiveBudget bounds how long ClassifySingle blocks before
	// returning partials.
	ProgressiveBudget time.Duration

	// CandidateCap is k for supplier candidate retrieval.
	CandidateCap int

	// MerchantThreshold is the classification/supplier confidence floor
	// for the merchant stage.
	MerchantThreshold float64

	// RecordParallelism bounds how many records of a batch are in stage
	// orchestration at once.
	RecordParallelism int
}

func (c *Config) defaults() {
	if c.ProgressiveBudget <= 0 {
		c.ProgressiveBudget = 2 * time.Second
	}
	if c.CandidateCap <= 0 {
		c.CandidateCap = 10
	}
	if c.MerchantThreshold <= 0 {
		c.MerchantThreshold = 0.80
	}
	if c.RecordParallelism <= 0 {
		c.RecordParallelism = 50
	}
}

// Orchestrator coordinates the pipeline. One instance runs per process; all
// batch work happens on its background context so request handlers never
// block on stages.
type Orchestrator struct {
	store     Store
	classifer Classifier
	matcher   *matching.Matcher
	suppliers CandidateSource
	addresses AddressValidator
	merchants MerchantDispatcher
	searches  SearchReader
	pools     Pools
	cfg       Config

	metrics *metrics.Metrics
	logger  *slog.Logger

	baseCtx  context.Context
	baseStop context.CancelFunc
}

// New wires the orchestrator. merchants and searches may be nil when the
// merchant stage is disabled process-wide.
func New(store Store, classifier Classifier, matcher *matching.Matcher, suppliers CandidateSource,
	addresses AddressValidator, merchants MerchantDispatcher, searches SearchReader,
	pools Pools, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	cfg.defaults()
	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		store:     store,
		classifer: classifier,
		matcher:   matcher,
		suppliers: suppliers,
		addresses: addresses,
		merchants: merchants,
		searches:  searches,
		pools:     pools,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		baseCtx:   ctx,
		baseStop:  stop,
	}
}

// Stop cancels all background batch work.
func (o *Orchestrator) Stop() { o.baseStop() }

// Busy reports whether the pipeline is over its high-water mark; the submit
// endpoints answer 202 with a retry hint while this holds.
func (o *Orchestrator) Busy() bool { return o.pools.Saturated() }

// StartBatch launches background enrichment for a stored batch. Implements
// the upload service's Starter.
func (o *Orchestrator) StartBatch(batchID string) {
	go func() {
		if err := o.runBatch(o.baseCtx, batchID); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error("batch run failed",
				slog.String("batch_id", batchID),
				slog.Any("error", err))
		}
	}()
}

// Cancel marks the batch cancelled and logically cancels its outstanding
// merchant searches. Subsequent writes to the batch's records are
// suppressed by the store.
func (o *Orchestrator) Cancel(ctx context.Context, batchID string) (bool, error) {
	cancelled, err := o.store.CancelBatch(ctx, batchID)
	if err != nil || !cancelled {
		return cancelled, err
	}
	if o.merchants != nil {
		if err := o.merchants.CancelBatch(ctx, batchID); err != nil {
			o.logger.Error("failed to cancel merchant searches",
				slog.String("batch_id", batchID),
				slog.Any("error", err))
		}
	}
	return true, nil
}

// runBatch drives every record of the batch through its stages, submits the
// merchant bulk search, and attempts completion.
func (o *Orchestrator) runBatch(ctx context.Context, batchID string) error {
	ctx, span := otel.Tracer("orchestrator").Start(ctx, "batch.process",
		trace.WithAttributes(attribute.String("batch_id", batchID)))
	defer span.End()

	b, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	opts := o.effectiveOptions(b.Options)

	if err := o.store.StartBatch(ctx, batchID); err != nil {
		return err
	}
	o.markStagesInProgress(ctx, batchID, opts)

	sem := make(chan struct{}, o.cfg.RecordParallelism)
	done := make(chan struct{})
	processed := 0
	offset := 0
	for {
		records, _, err := o.store.Records(ctx, batchID, o.cfg.RecordParallelism, offset)
		if err != nil {
			o.logger.Error("failed to page batch records", slog.String("batch_id", batchID), slog.Any("error", err))
			return o.store.MarkBatchFailed(ctx, batchID, "failed to read records")
		}
		if len(records) == 0 {
			break
		}
		offset += len(records)

		for i := range records {
			rec := records[i]
			// Back-pressure: stop pulling records into orchestration
			// while any stage pool is over its high-water mark.
			for o.pools.Saturated() {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(100 * time.Millisecond):
				}
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			go func() {
				defer func() { <-sem }()
				o.enrichRecord(ctx, &rec, opts)
				select {
				case done <- struct{}{}:
				case <-ctx.Done():
				}
			}()
		}

		for range records {
			select {
			case <-done:
				processed++
				if processed%25 == 0 {
					_ = o.store.UpdateProgress(ctx, batchID, processed, "enriching", "classification and matching in progress")
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	o.closeFastStages(ctx, batchID, opts, processed)

	if opts.EnableMerchant {
		if err := o.dispatchMerchant(ctx, batchID); err != nil {
			o.logger.Error("merchant dispatch failed",
				slog.String("batch_id", batchID),
				slog.Any("error", err))
			_ = o.store.SetBatchStage(ctx, batchID, batch.StageMerchant, batch.StatusFailed)
		}
	}

	flipped, err := o.store.CompleteBatchIfDone(ctx, batchID)
	if err != nil {
		return err
	}
	if flipped {
		o.metrics.BatchesCompleted.Inc()
		o.logger.Info("batch completed", slog.String("batch_id", batchID))
	} else {
		// Merchant searches are still open; the completion sweeper takes
		// over from here.
		_ = o.store.UpdateProgress(ctx, batchID, processed, "merchant_enrichment", "waiting for merchant search results")
	}
	return nil
}

// enrichRecord runs classify ∥ supplier-match, then address validation,
// then marks merchant eligibility. Every outcome is written to the store.
func (o *Orchestrator) enrichRecord(ctx context.Context, rec *batch.Record, opts batch.Options) {
	var classifyHandle, finexioHandle *workpool.Handle

	if opts.EnableClassify && rec.Stages.Classify == batch.StatusPending {
		classifyHandle = o.submitOrInline(ctx, o.pools.Classify, func(ctx context.Context) error {
			o.classifyStage(ctx, rec)
			return nil
		})
	}
	if opts.EnableFinexio && rec.Stages.Finexio == batch.StatusPending {
		finexioHandle = o.submitOrInline(ctx, o.pools.Supplier, func(ctx context.Context) error {
			o.finexioStage(ctx, rec)
			return nil
		})
	}
	if classifyHandle != nil {
		_ = classifyHandle.Await(0)
	}
	if finexioHandle != nil {
		_ = finexioHandle.Await(0)
	}

	if opts.EnableAddress && rec.Stages.Address == batch.StatusPending {
		if h := o.submitOrInline(ctx, o.pools.Address, func(ctx context.Context) error {
			o.addressStage(ctx, rec)
			return nil
		}); h != nil {
			_ = h.Await(0)
		}
	}

	if opts.EnableMerchant {
		o.markMerchantEligibility(ctx, rec)
	}
}

// submitOrInline prefers the pool but falls back to running the task on the
// calling goroutine when the queue is full, so records never get lost. A
// nil handle means the task already ran.
func (o *Orchestrator) submitOrInline(ctx context.Context, pool *workpool.Pool, task workpool.Task) *workpool.Handle {
	h, err := pool.Submit(ctx, task)
	if err == nil {
		return h
	}
	_ = task(ctx)
	return nil
}

func (o *Orchestrator) classifyStage(ctx context.Context, rec *batch.Record) {
	if ok, err := o.store.TransitionRecordStage(ctx, rec.ID, batch.StageClassify, batch.StatusPending, batch.StatusInProgress); err != nil || !ok {
		return
	}
	req := classify.ClassifyRequest{Name: rec.CleanedName}
	if rec.InputAddress != nil {
		req.Address = formatInputAddress(rec.InputAddress)
	}
	c := o.classifer.ClassifyPayee(ctx, req)
	rec.PayeeType = string(c.PayeeType)
	rec.Confidence = c.Confidence
	status := batch.StatusCompleted
	if err := o.store.SaveClassification(ctx, rec.ID, c, status); err != nil {
		o.logger.Error("failed to save classification", slog.String("record_id", rec.ID), slog.Any("error", err))
		return
	}
	rec.Stages.Classify = status
	o.metrics.StageOutcomes.WithLabelValues(string(batch.StageClassify), string(status)).Inc()
}

func (o *Orchestrator) finexioStage(ctx context.Context, rec *batch.Record) {
	if ok, err := o.store.TransitionRecordStage(ctx, rec.ID, batch.StageFinexio, batch.StatusPending, batch.StatusInProgress); err != nil || !ok {
		return
	}

	candidates, err := o.suppliers.Candidates(ctx, rec.CleanedName, o.cfg.CandidateCap)
	if err != nil {
		// Storage trouble fails this record's stage only, never the batch.
		status := batch.StatusFailed
		if !errors.Is(err, supplier.ErrStorageUnavailable) {
			o.logger.Error("candidate retrieval failed", slog.String("record_id", rec.ID), slog.Any("error", err))
		}
		_ = o.store.SaveSupplierMatch(ctx, rec.ID, nil, status)
		rec.Stages.Finexio = status
		o.metrics.StageOutcomes.WithLabelValues(string(batch.StageFinexio), string(status)).Inc()
		return
	}

	result := o.matcher.Match(ctx, rec.CleanedName, candidates, 5)
	var m *batch.SupplierMatch
	if result.Best != nil && result.Best.MatchType != matching.MatchNone {
		m = &batch.SupplierMatch{
			SupplierID:  result.Best.Supplier.SupplierID,
			MatchedName: result.Best.Supplier.PayeeName,
			Score:       result.Best.Score,
			MatchType:   string(result.Best.MatchType),
			Reasoning:   result.Best.Reasoning,
		}
	}
	if err := o.store.SaveSupplierMatch(ctx, rec.ID, m, batch.StatusCompleted); err != nil {
		o.logger.Error("failed to save supplier match", slog.String("record_id", rec.ID), slog.Any("error", err))
		return
	}
	rec.SupplierMatch = m
	rec.Stages.Finexio = batch.StatusCompleted
	o.metrics.StageOutcomes.WithLabelValues(string(batch.StageFinexio), string(batch.StatusCompleted)).Inc()
}

func (o *Orchestrator) addressStage(ctx context.Context, rec *batch.Record) {
	if rec.InputAddress.Empty() {
		if ok, _ := o.store.TransitionRecordStage(ctx, rec.ID, batch.StageAddress, batch.StatusPending, batch.StatusSkipped); ok {
			rec.Stages.Address = batch.StatusSkipped
			o.metrics.StageOutcomes.WithLabelValues(string(batch.StageAddress), string(batch.StatusSkipped)).Inc()
		}
		return
	}
	if ok, err := o.store.TransitionRecordStage(ctx, rec.ID, batch.StageAddress, batch.StatusPending, batch.StatusInProgress); err != nil || !ok {
		return
	}

	res := o.addresses.Validate(ctx, formatInputAddress(rec.InputAddress))
	status := batch.StatusCompleted
	if res.Status == address.StatusSkipped {
		status = batch.StatusSkipped
	} else if res.Status == address.StatusFailed {
		status = batch.StatusFailed
	}
	if err := o.store.SaveValidatedAddress(ctx, rec.ID, res, status); err != nil {
		o.logger.Error("failed to save validated address", slog.String("record_id", rec.ID), slog.Any("error", err))
		return
	}
	rec.ValidatedAddress = res
	rec.Stages.Address = status
	o.metrics.StageOutcomes.WithLabelValues(string(batch.StageAddress), string(status)).Inc()
}

// markMerchantEligibility skips the merchant stage for records that do not
// qualify; qualifying records stay pending for the bulk dispatch.
func (o *Orchestrator) markMerchantEligibility(ctx context.Context, rec *batch.Record) {
	if o.merchantEligible(rec) {
		return
	}
	if ok, _ := o.store.TransitionRecordStage(ctx, rec.ID, batch.StageMerchant, batch.StatusPending, batch.StatusSkipped); ok {
		rec.Stages.Merchant = batch.StatusSkipped
		o.metrics.StageOutcomes.WithLabelValues(string(batch.StageMerchant), string(batch.StatusSkipped)).Inc()
	}
}

// merchantEligible requires a Business label and either classification or
// supplier-match confidence at the threshold.
func (o *Orchestrator) merchantEligible(rec *batch.Record) bool {
	if rec.PayeeType != string(classify.PayeeBusiness) {
		return false
	}
	if rec.Confidence >= o.cfg.MerchantThreshold {
		return true
	}
	return rec.SupplierMatch != nil && float64(rec.SupplierMatch.Score)/100 >= o.cfg.MerchantThreshold
}

// dispatchMerchant groups the still-pending records of the batch into one
// bulk submission through the coordinator.
func (o *Orchestrator) dispatchMerchant(ctx context.Context, batchID string) error {
	if o.merchants == nil {
		return nil
	}
	eligible, err := o.store.MerchantEligible(ctx, batchID)
	if err != nil {
		return err
	}
	if len(eligible) == 0 {
		return o.store.SetBatchStage(ctx, batchID, batch.StageMerchant, batch.StatusSkipped)
	}

	queries := make([]merchant.RecordQuery, 0, len(eligible))
	for i := range eligible {
		queries = append(queries, recordQuery(&eligible[i]))
	}
	searches, err := o.merchants.SubmitRecords(ctx, batchID, queries)
	if err != nil {
		return err
	}

	for i := range eligible {
		if ok, err := o.store.TransitionRecordStage(ctx, eligible[i].ID, batch.StageMerchant, batch.StatusPending, batch.StatusInProgress); err != nil || !ok {
			continue
		}
	}
	o.logger.Info("merchant searches dispatched",
		slog.String("batch_id", batchID),
		slog.Int("records", len(eligible)),
		slog.Int("searches", len(searches)))
	return nil
}

// closeFastStages rolls the batch-level stage markers for the synchronous
// stages once every record has passed through them.
func (o *Orchestrator) closeFastStages(ctx context.Context, batchID string, opts batch.Options, processed int) {
	if opts.EnableClassify {
		_ = o.store.SetBatchStage(ctx, batchID, batch.StageClassify, batch.StatusCompleted)
	}
	if opts.EnableFinexio {
		_ = o.store.SetBatchStage(ctx, batchID, batch.StageFinexio, batch.StatusCompleted)
	}
	if opts.EnableAddress {
		_ = o.store.SetBatchStage(ctx, batchID, batch.StageAddress, batch.StatusCompleted)
	}
	_ = o.store.UpdateProgress(ctx, batchID, processed, "enrichment", "classification, matching and address validation finished")
}

func (o *Orchestrator) markStagesInProgress(ctx context.Context, batchID string, opts batch.Options) {
	set := func(stage batch.Stage, enabled bool) {
		status := batch.StatusSkipped
		if enabled {
			status = batch.StatusInProgress
		}
		_ = o.store.SetBatchStage(ctx, batchID, stage, status)
	}
	set(batch.StageClassify, opts.EnableClassify)
	set(batch.StageFinexio, opts.EnableFinexio)
	set(batch.StageAddress, opts.EnableAddress)
	set(batch.StageMerchant, opts.EnableMerchant)
}

// effectiveOptions intersects the batch's requested stages with the
// process-wide feature flags.
func (o *Orchestrator) effectiveOptions(requested batch.Options) batch.Options {
	return batch.Options{
		EnableClassify: requested.EnableClassify && o.cfg.Enabled.EnableClassify,
		EnableFinexio:  requested.EnableFinexio && o.cfg.Enabled.EnableFinexio,
		EnableAddress:  requested.EnableAddress && o.cfg.Enabled.EnableAddress,
		EnableMerchant: requested.EnableMerchant && o.cfg.Enabled.EnableMerchant && o.merchants != nil,
	}
}

func recordQuery(rec *batch.Record) merchant.RecordQuery {
	q := merchant.RecordQuery{RecordID: rec.ID, Name: rec.CleanedName}
	if rec.InputAddress != nil {
		q.Line1 = rec.InputAddress.Line1
		q.City = rec.InputAddress.City
		q.State = rec.InputAddress.State
		q.PostalCode = rec.InputAddress.Zip
		q.Country = rec.InputAddress.Country
	}
	return q
}

func formatInputAddress(a *batch.InputAddress) string {
	parts := make([]string, 0, 5)
	for _, p := range []string{a.Line1, a.City, a.State, a.Zip, a.Country} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, strings.TrimSpace(p))
		}
	}
	return strings.Join(parts, ", ")
}
