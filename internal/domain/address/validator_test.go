package address

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/payee-enrichment/internal/domain/classify"
	"github.com/FACorreiaa/payee-enrichment/pkg/metrics"
	"github.com/FACorreiaa/payee-enrichment/pkg/workpool"
)

type stubVendor struct {
	result *VendorResult
	err    error
	delay  time.Duration
}

func (s *stubVendor) Validate(ctx context.Context, _ string) (*VendorResult, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubRepairer struct {
	repair *classify.AddressRepair
	err    error
	calls  int
}

func (s *stubRepairer) RepairAddress(context.Context, string) (*classify.AddressRepair, error) {
	s.calls++
	return s.repair, s.err
}

func newTestValidator(vendor Vendor, repairer Repairer, deadline time.Duration, enableRepair bool) *Validator {
	limiter := workpool.NewLimiter("address", 1000, 1000, 20, time.Second)
	return NewValidator(vendor, repairer, limiter, deadline, enableRepair, metrics.NewUnregistered(), slog.Default())
}

func TestValidator_Validated(t *testing.T) {
	vendor := &stubVendor{result: &VendorResult{
		Formatted:   "123 Main St, Springfield, IL 62701",
		Components:  Components{Line1: "123 Main St", City: "Springfield", State: "IL", PostalCode: "62701"},
		Confidence:  0.97,
		Granularity: GranularityPremise,
	}}
	v := newTestValidator(vendor, nil, time.Second, false)

	res := v.Validate(context.Background(), "123 main st springfield il")
	assert.Equal(t, StatusValidated, res.Status)
	assert.Equal(t, "123 Main St, Springfield, IL 62701", res.Formatted)
	assert.Equal(t, GranularityPremise, res.Verdict)
	assert.Nil(t, res.Enhancement)
}

func TestValidator_SoftDeadlineSkips(t *testing.T) {
	vendor := &stubVendor{delay: 500 * time.Millisecond}
	v := newTestValidator(vendor, nil, 50*time.Millisecond, false)

	start := time.Now()
	res := v.Validate(context.Background(), "123 main st")
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, "123 main st", res.RawInput)
	assert.Less(t, time.Since(start), 300*time.Millisecond, "deadline must bound the call")
}

func TestValidator_VendorErrorFails(t *testing.T) {
	vendor := &stubVendor{err: errors.New("boom")}
	v := newTestValidator(vendor, nil, time.Second, false)

	res := v.Validate(context.Background(), "123 main st")
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "123 main st", res.RawInput)
}

func TestValidator_EmptyInputSkips(t *testing.T) {
	v := newTestValidator(&stubVendor{}, nil, time.Second, false)
	res := v.Validate(context.Background(), "  ")
	assert.Equal(t, StatusSkipped, res.Status)
}

func TestValidator_RepairOnCoarseGranularity(t *testing.T) {
	vendor := &stubVendor{result: &VendorResult{
		Formatted:   "Springfield, IL",
		Confidence:  0.4,
		Granularity: GranularityLocality,
	}}
	repairer := &stubRepairer{repair: &classify.AddressRepair{
		Formatted:   "123 Main St, Springfield, IL 62701",
		Corrections: []string{"added street"},
		Reasoning:   "matched partial input",
	}}
	v := newTestValidator(vendor, repairer, time.Second, true)

	res := v.Validate(context.Background(), "main st springfield")
	require.Equal(t, StatusValidated, res.Status)
	require.NotNil(t, res.Enhancement)
	assert.True(t, res.Enhancement.Used)
	assert.Equal(t, "ai_repair", res.Enhancement.Strategy)
	assert.Equal(t, "123 Main St, Springfield, IL 62701", res.Formatted)
	assert.Equal(t, 1, repairer.calls)
}

func TestValidator_NoRepairAtRouteGranularity(t *testing.T) {
	vendor := &stubVendor{result: &VendorResult{
		Formatted:   "Main St, Springfield, IL",
		Granularity: GranularityRoute,
	}}
	repairer := &stubRepairer{repair: &classify.AddressRepair{Formatted: "x"}}
	v := newTestValidator(vendor, repairer, time.Second, true)

	res := v.Validate(context.Background(), "main st springfield il")
	assert.Nil(t, res.Enhancement)
	assert.Zero(t, repairer.calls)
}

func TestValidator_RepairDisabledByFlag(t *testing.T) {
	vendor := &stubVendor{result: &VendorResult{Granularity: GranularityNone}}
	repairer := &stubRepairer{repair: &classify.AddressRepair{Formatted: "x"}}
	v := newTestValidator(vendor, repairer, time.Second, false)

	v.Validate(context.Background(), "somewhere")
	assert.Zero(t, repairer.calls)
}

func TestValidator_RepairFailureKeepsVendorResult(t *testing.T) {
	vendor := &stubVendor{result: &VendorResult{
		Formatted:   "Springfield, IL",
		Granularity: GranularityLocality,
	}}
	repairer := &stubRepairer{err: errors.New("unavailable")}
	v := newTestValidator(vendor, repairer, time.Second, true)

	res := v.Validate(context.Background(), "springfield")
	assert.Equal(t, StatusValidated, res.Status)
	assert.Equal(t, "Springfield, IL", res.Formatted)
	assert.Nil(t, res.Enhancement)
}
