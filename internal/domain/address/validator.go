package address

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/FACorreiaa/payee-enrichment/internal/domain/classify"
	"github.com/FACorreiaa/payee-enrichment/pkg/metrics"
	"github.com/FACorreiaa/payee-enrichment/pkg/workpool"
)

// Repairer is the one-shot correction pass, implemented by the classifier
// gateway.
type Repairer interface {
	RepairAddress(ctx context.Context, rawAddress string) (*classify.AddressRepair, error)
}

// Validator normalizes addresses without ever stalling the pipeline: the
// vendor call runs under a soft deadline and a missed deadline returns a
// skipped result with the raw input preserved.
type Validator struct {
	vendor       Vendor
	repairer     Repairer
	limiter      *workpool.Limiter
	softDeadline time.Duration
	enableRepair bool
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewValidator wires the validator. repairer may be nil; repair also
// requires enableRepair.
func NewValidator(vendor Vendor, repairer Repairer, limiter *workpool.Limiter, softDeadline time.Duration, enableRepair bool, m *metrics.Metrics, logger *slog.Logger) *Validator {
	if softDeadline <= 0 {
		softDeadline = 5 * time.Second
	}
	return &Validator{
		vendor:       vendor,
		repairer:     repairer,
		limiter:      limiter,
		softDeadline: softDeadline,
		enableRepair: enableRepair,
		metrics:      m,
		logger:       logger,
	}
}

// Validate runs the vendor pass and, when enabled and the vendor verdict is
// coarser than ROUTE, a single repair pass. It never returns an error.
func (v *Validator) Validate(ctx context.Context, raw string) *Result {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return &Result{Status: StatusSkipped, RawInput: raw}
	}

	ctx, cancel := context.WithTimeout(ctx, v.softDeadline)
	defer cancel()

	release, err := v.limiter.Acquire(ctx)
	if err != nil {
		return v.skip(raw, err)
	}
	start := time.Now()
	vr, err := v.vendor.Validate(ctx, raw)
	release()
	v.metrics.ProviderLatency.WithLabelValues("address").Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return v.skip(raw, err)
		}
		v.metrics.ProviderCalls.WithLabelValues("address", "error").Inc()
		v.logger.Warn("address validation failed", slog.Any("error", err))
		return &Result{Status: StatusFailed, RawInput: raw}
	}
	v.metrics.ProviderCalls.WithLabelValues("address", "ok").Inc()

	result := &Result{
		Status:     StatusValidated,
		Formatted:  vr.Formatted,
		Components: vr.Components,
		Confidence: vr.Confidence,
		Verdict:    vr.Granularity,
		RawInput:   raw,
	}

	if v.enableRepair && v.repairer != nil && granularityRank[vr.Granularity] < granularityRank[GranularityRoute] {
		v.repair(ctx, raw, result)
	}
	return result
}

// repair attempts a single correction pass; failure leaves the vendor result
// untouched.
func (v *Validator) repair(ctx context.Context, raw string, result *Result) {
	fix, err := v.repairer.RepairAddress(ctx, raw)
	if err != nil {
		v.logger.Debug("address repair failed", slog.Any("error", err))
		return
	}
	result.Formatted = fix.Formatted
	result.Enhancement = &Enhancement{
		Used:        true,
		Strategy:    "ai_repair",
		Reasoning:   fix.Reasoning,
		Corrections: fix.Corrections,
	}
}

func (v *Validator) skip(raw string, err error) *Result {
	v.metrics.ProviderCalls.WithLabelValues("address", "skipped").Inc()
	v.logger.Debug("address validation skipped", slog.Any("error", err))
	return &Result{Status: StatusSkipped, RawInput: raw}
}
