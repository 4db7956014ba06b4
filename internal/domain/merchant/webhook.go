package merchant

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/FACorreiaa/payee-enrichment/pkg/metrics"
)

// ErrBadSignature covers both a wrong signature and a stale timestamp.
var ErrBadSignature = errors.New("merchant: invalid webhook signature")

// replayWindow bounds how old a webhook timestamp may be. Combined with the
// event_id dedup insert this blocks replayed deliveries.
const replayWindow = 10 * time.Minute

// WebhookStore is the durable event log.
type WebhookStore interface {
	InsertWebhookEvent(ctx context.Context, ev *WebhookEvent) (bool, error)
	MarkWebhookProcessed(ctx context.Context, eventID, errMsg string) error
}

// EventHandler consumes deduplicated events. Implemented by the coordinator.
type EventHandler interface {
	HandleResultsReady(ctx context.Context, searchID string) error
	HandleSearchCancelled(ctx context.Context, searchID string) error
}

// WebhookProcessor verifies, deduplicates and dispatches service webhooks.
// The HTTP handler acknowledges with 2xx as soon as the durable insert
// lands; processing failures are recorded on the event, not surfaced to the
// sender.
type WebhookProcessor struct {
	store   WebhookStore
	handler EventHandler
	secret  string
	metrics *metrics.Metrics
	logger  *slog.Logger

	now func() time.Time
}

// NewWebhookProcessor wires the processor.
func NewWebhookProcessor(store WebhookStore, handler EventHandler, secret string, m *metrics.Metrics, logger *slog.Logger) *WebhookProcessor {
	return &WebhookProcessor{
		store:   store,
		handler: handler,
		secret:  secret,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// VerifySignature checks the HMAC-SHA256 signature over "timestamp.body"
// and rejects timestamps outside the replay window.
func (p *WebhookProcessor) VerifySignature(body []byte, signature, timestamp string) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	age := p.now().Sub(time.Unix(ts, 0))
	if age > replayWindow || age < -replayWindow {
		return fmt.Errorf("%w: timestamp outside replay window", ErrBadSignature)
	}

	mac := hmac.New(sha256.New, []byte(p.secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// Process durably records the event and, when it is new, runs its side
// effects. A replayed event_id is acknowledged without any side effects.
func (p *WebhookProcessor) Process(ctx context.Context, ev *WebhookEvent) error {
	inserted, err := p.store.InsertWebhookEvent(ctx, ev)
	if err != nil {
		return err
	}
	if !inserted {
		p.metrics.WebhookEvents.WithLabelValues("duplicate").Inc()
		p.logger.Info("duplicate webhook event ignored", slog.String("event_id", ev.EventID))
		return nil
	}

	var handleErr error
	switch ev.EventType {
	case EventResultsReady:
		handleErr = p.handler.HandleResultsReady(ctx, ev.SearchID)
	case EventSearchCancelled:
		handleErr = p.handler.HandleSearchCancelled(ctx, ev.SearchID)
	default:
		p.metrics.WebhookEvents.WithLabelValues("unknown_type").Inc()
		p.logger.Warn("unknown webhook event type",
			slog.String("event_id", ev.EventID),
			slog.String("event_type", ev.EventType))
	}

	errMsg := ""
	if handleErr != nil {
		errMsg = handleErr.Error()
		p.logger.Error("webhook processing failed",
			slog.String("event_id", ev.EventID),
			slog.Any("error", handleErr))
	}
	if err := p.store.MarkWebhookProcessed(ctx, ev.EventID, errMsg); err != nil {
		p.logger.Error("failed to mark webhook processed", slog.Any("error", err))
	}
	return nil
}
