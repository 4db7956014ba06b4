// Package metrics exposes Prometheus instruments for the enrichment pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every instrument registered by the process. Constructed
// once at startup and passed explicitly to components that record values.
type Metrics struct {
	StageOutcomes     *prometheus.CounterVec
	ProviderCalls     *prometheus.CounterVec
	ProviderLatency   *prometheus.HistogramVec
	PoolQueueDepth    *prometheus.GaugeVec
	PoolRejections    *prometheus.CounterVec
	BatchesCompleted  prometheus.Counter
	SearchesSubmitted prometheus.Counter
	SearchOutcomes    *prometheus.CounterVec
	WebhookEvents     *prometheus.CounterVec
	ProgressiveBudget prometheus.Histogram
}

// New registers all instruments on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StageOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enrichment_stage_outcomes_total",
			Help: "Terminal stage outcomes per record, by stage and status.",
		}, []string{"stage", "status"}),
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enrichment_provider_calls_total",
			Help: "Outbound provider calls, by provider and result.",
		}, []string{"provider", "result"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "enrichment_provider_latency_seconds",
			Help:    "Latency of outbound provider calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		PoolQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "enrichment_pool_queue_depth",
			Help: "Current queued tasks per worker pool.",
		}, []string{"pool"}),
		PoolRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enrichment_pool_rejections_total",
			Help: "Tasks rejected because the pool queue was full.",
		}, []string{"pool"}),
		BatchesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enrichment_batches_completed_total",
			Help: "Batches that reached a terminal overall status.",
		}),
		SearchesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enrichment_merchant_searches_submitted_total",
			Help: "Bulk searches submitted to the merchant service.",
		}),
		SearchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enrichment_merchant_search_outcomes_total",
			Help: "Terminal merchant search states.",
		}, []string{"state"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enrichment_webhook_events_total",
			Help: "Webhook events received, by disposition.",
		}, []string{"disposition"}),
		ProgressiveBudget: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "enrichment_progressive_response_seconds",
			Help:    "Time to first response on /classify-single.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 1.5, 2, 3, 5},
		}),
	}

	reg.MustRegister(
		m.StageOutcomes,
		m.ProviderCalls,
		m.ProviderLatency,
		m.PoolQueueDepth,
		m.PoolRejections,
		m.BatchesCompleted,
		m.SearchesSubmitted,
		m.SearchOutcomes,
		m.WebhookEvents,
		m.ProgressiveBudget,
	)

	return m
}

// NewUnregistered returns instruments backed by a throwaway registry, for tests.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
