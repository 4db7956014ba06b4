package merchant

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// initialWebhookWindow is how long a fresh submission waits for a webhook
// before the poller takes over.
const initialWebhookWindow = 5 * time.Second

// Poller drives the poll path for searches whose webhook never arrives. A
// cron sweep visits every open search and polls the ones whose per-search
// back-off has elapsed (exponential from the initial interval up to the
// maximum).
type Poller struct {
	coordinator *Coordinator
	store       SearchStore
	initial     time.Duration
	max         time.Duration
	cron        *cron.Cron
	logger      *slog.Logger
}

// NewPoller wires the poller; intervals default to 30 s and 120 s.
func NewPoller(coordinator *Coordinator, store SearchStore, initial, max time.Duration, logger *slog.Logger) *Poller {
	if initial <= 0 {
		initial = 30 * time.Second
	}
	if max < initial {
		max = 120 * time.Second
	}
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	return &Poller{
		coordinator: coordinator,
		store:       store,
		initial:     initial,
		max:         max,
		cron:        c,
		logger:      logger,
	}
}

// Start registers the sweep and begins the schedule. The sweep cadence is
// finer than the per-search intervals so due searches are picked up
// promptly.
func (p *Poller) Start(ctx context.Context) error {
	_, err := p.cron.AddFunc("@every 15s", func() { p.Sweep(ctx) })
	if err != nil {
		return err
	}
	p.cron.Start()
	p.logger.Info("merchant poller started",
		slog.Duration("initial", p.initial),
		slog.Duration("max", p.max))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (p *Poller) Stop() {
	<-p.cron.Stop().Done()
	p.logger.Info("merchant poller stopped")
}

// Sweep polls every open search whose back-off has elapsed.
func (p *Poller) Sweep(ctx context.Context) {
	open, err := p.store.Open(ctx)
	if err != nil {
		p.logger.Error("poll sweep failed to list open searches", slog.Any("error", err))
		return
	}

	for i := range open {
		search := open[i]
		if !p.due(&search) {
			continue
		}
		if err := p.coordinator.PollOnce(ctx, &search); err != nil {
			p.logger.Error("poll attempt failed",
				slog.String("search_id", search.SearchID),
				slog.Any("error", err))
		}
	}
}

// due applies the webhook grace window for fresh searches and the
// exponential back-off for already-polled ones.
func (p *Poller) due(s *MerchantSearch) bool {
	if s.LastPolledAt == nil {
		return time.Since(s.SubmittedAt) >= initialWebhookWindow
	}
	return time.Since(*s.LastPolledAt) >= p.delay(s.PollAttempts)
}

// delay is initial * 2^(attempts-1) capped at max.
func (p *Poller) delay(attempts int) time.Duration {
	d := p.initial
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.max {
			return p.max
		}
	}
	if d > p.max {
		return p.max
	}
	return d
}
