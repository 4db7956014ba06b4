package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/FACorreiaa/payee-enrichment/internal/domain/supplier"
	"github.com/FACorreiaa/payee-enrichment/pkg/metrics"
	"github.com/FACorreiaa/payee-enrichment/pkg/workpool"
)

// Gateway fronts the classification provider with rate limiting, a circuit
// breaker and retries. Classification never fails the pipeline: exhausted
// retries collapse to an Unknown result.
type Gateway struct {
	provider Provider
	limiter  *workpool.Limiter
	breaker  *gobreaker.CircuitBreaker
	backoff  workpool.Backoff
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewGateway wires the gateway. maxAttempts bounds the retry loop; values
// below 1 fall back to the default of 5.
func NewGateway(provider Provider, limiter *workpool.Limiter, maxAttempts int, m *metrics.Metrics, logger *slog.Logger) *Gateway {
	backoff := workpool.DefaultBackoff()
	if maxAttempts >= 1 {
		backoff.MaxAttempts = maxAttempts
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    provider.Name(),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Gateway{
		provider: provider,
		limiter:  limiter,
		breaker:  breaker,
		backoff:  backoff,
		metrics:  m,
		logger:   logger,
	}
}

// BreakerState reports the provider circuit state for readiness checks.
func (g *Gateway) BreakerState() string {
	return g.breaker.State().String()
}

// ClassifyPayee labels a payee name. Provider failure yields {Unknown, 0}
// rather than an error so the other stages keep running.
func (g *Gateway) ClassifyPayee(ctx context.Context, req ClassifyRequest) *Classification {
	if strings.TrimSpace(req.Name) == "" {
		return &Classification{PayeeType: PayeeUnknown, Reasoning: "empty name"}
	}

	out, err := g.complete(ctx, classifyPrompt(req))
	if err != nil {
		g.logger.Warn("payee classification failed",
			slog.String("name", req.Name),
			slog.Any("error", err))
		return &Classification{PayeeType: PayeeUnknown, Confidence: 0, Reasoning: "classifier unavailable"}
	}

	var c Classification
	if err := json.Unmarshal(extractJSON(out), &c); err != nil {
		g.logger.Warn("classifier returned unparseable payload", slog.Any("error", err))
		return &Classification{PayeeType: PayeeUnknown, Confidence: 0, Reasoning: "unparseable classifier response"}
	}
	switch c.PayeeType {
	case PayeeIndividual, PayeeBusiness, PayeeGovernment, PayeeInsurance,
		PayeeBanking, PayeeInternalTransfer:
	default:
		c.PayeeType = PayeeUnknown
	}
	if c.Confidence < 0 {
		c.Confidence = 0
	}
	if c.Confidence > 1 {
		c.Confidence = 1
	}
	return &c
}

// AdjudicateMatch decides a borderline supplier match. Unlike classification
// this returns the error so the matcher can fall back to its deterministic
// score.
func (g *Gateway) AdjudicateMatch(ctx context.Context, queryName string, candidate supplier.Supplier, score float64) (bool, string, error) {
	out, err := g.complete(ctx, adjudicatePrompt(queryName, candidate, score))
	if err != nil {
		return false, "", err
	}
	var verdict struct {
		Keep      bool   `json:"keep"`
		Rationale string `json:"rationale"`
	}
	if err := json.Unmarshal(extractJSON(out), &verdict); err != nil {
		return false, "", fmt.Errorf("unparseable adjudication response: %w", err)
	}
	return verdict.Keep, verdict.Rationale, nil
}

// RepairAddress proposes corrections for a low-confidence vendor result.
func (g *Gateway) RepairAddress(ctx context.Context, rawAddress string) (*AddressRepair, error) {
	out, err := g.complete(ctx, repairPrompt(rawAddress))
	if err != nil {
		return nil, err
	}
	var repair AddressRepair
	if err := json.Unmarshal(extractJSON(out), &repair); err != nil {
		return nil, fmt.Errorf("unparseable repair response: %w", err)
	}
	if repair.Formatted == "" {
		return nil, errors.New("repair response missing formatted address")
	}
	return &repair, nil
}

func (g *Gateway) complete(ctx context.Context, p Prompt) (string, error) {
	release, err := g.limiter.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	start := time.Now()
	var out string
	err = workpool.Retry(ctx, g.backoff, func(ctx context.Context) error {
		res, err := g.breaker.Execute(func() (any, error) {
			return g.provider.Complete(ctx, p)
		})
		if err != nil {
			return err
		}
		out = res.(string)
		return nil
	})

	g.metrics.ProviderLatency.WithLabelValues(g.provider.Name()).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	g.metrics.ProviderCalls.WithLabelValues(g.provider.Name(), result).Inc()
	return out, err
}

// extractJSON pulls the JSON object out of a model reply that may be wrapped
// in prose or markdown fences.
func extractJSON(s string) []byte {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return []byte(s)
	}
	return []byte(s[start : end+1])
}

func classifyPrompt(req ClassifyRequest) Prompt {
	user := fmt.Sprintf("Payee name: %q", req.Name)
	if req.Address != "" {
		user += fmt.Sprintf("\nAddress: %q", req.Address)
	}
	return Prompt{
		System: `You classify payee names from payment files as one of "Individual", "Business", "Government", "Insurance", "Banking" or "InternalTransfer".
Respond with a JSON object: {"payee_type": "", "confidence": 0.0-1.0, "sic_code": "", "reasoning": ""}.
Use "Government" for public agencies, "Insurance" for carriers, "Banking" for financial institutions and "InternalTransfer" for book transfers between own accounts. Use "sic_code" only for businesses. Keep reasoning under 30 words.`,
		User: user,
	}
}

func adjudicatePrompt(queryName string, candidate supplier.Supplier, score float64) Prompt {
	return Prompt{
		System: `You decide whether two payee names refer to the same entity.
Respond with a JSON object: {"keep": true|false, "rationale": ""}. Keep rationale under 30 words.`,
		User: fmt.Sprintf("Query: %q\nCandidate: %q (supplier %s)\nDeterministic score: %.2f",
			queryName, candidate.PayeeName, candidate.SupplierID, score),
	}
}

func repairPrompt(rawAddress string) Prompt {
	return Prompt{
		System: `You repair malformed postal addresses.
Respond with a JSON object: {"formatted": "", "corrections": [""], "reasoning": ""}.
Only correct obvious errors; never invent house numbers or cities.`,
		User: fmt.Sprintf("Address: %q", rawAddress),
	}
}
