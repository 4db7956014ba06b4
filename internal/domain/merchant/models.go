package merchant

import (
	"encoding/json"
	"time"
)

// SearchState is the lifecycle position of one bulk search. Transitions are
// monotonic along a DAG; the store rejects anything else.
type SearchState string

const (
	StateSubmitted       SearchState = "submitted"
	StatePolling         SearchState = "polling"
	StateWebhookReceived SearchState = "webhook_received"
	StateFetchingResults SearchState = "fetching_results"
	StateCompleted       SearchState = "completed"
	StateNoResults       SearchState = "no_results"
	StateFailed          SearchState = "failed"
	StateTimeout         SearchState = "timeout"
)

var transitions = map[SearchState][]SearchState{
	StateSubmitted:       {StatePolling, StateWebhookReceived, StateFetchingResults, StateFailed, StateTimeout},
	StatePolling:         {StateWebhookReceived, StateFetchingResults, StateFailed, StateTimeout},
	StateWebhookReceived: {StateFetchingResults, StateFailed, StateTimeout},
	StateFetchingResults: {StateCompleted, StateNoResults, StateFailed, StateTimeout},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to SearchState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s SearchState) Terminal() bool {
	switch s {
	case StateCompleted, StateNoResults, StateFailed, StateTimeout:
		return true
	}
	return false
}

// ErrorBatchCancelled is the error marker stamped on searches terminated by
// a batch cancel. Both the repository sweep and the coordinator's late-event
// suppression write it, so cancelled searches stay distinguishable from
// genuine failures.
const ErrorBatchCancelled = "batch cancelled"

// MerchantSearch is one outstanding or finished bulk submission.
type MerchantSearch struct {
	SearchID        string            `json:"search_id"`
	BatchID         string            `json:"batch_id,omitempty"`
	ContentHash     string            `json:"content_hash"`
	RecordIDMapping map[string]string `json:"record_id_mapping"` // record_id → client_reference_id
	State           SearchState       `json:"state"`
	PollAttempts    int               `json:"poll_attempts"`
	MaxPollAttempts int               `json:"max_poll_attempts"`
	SubmittedAt     time.Time         `json:"submitted_at"`
	LastPolledAt    *time.Time        `json:"last_polled_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	RequestPayload  json.RawMessage   `json:"request_payload,omitempty"`
	ResponsePayload json.RawMessage   `json:"response_payload,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// SearchItem is one query inside a bulk submission.
type SearchItem struct {
	ClientReferenceID string `json:"clientReferenceId"`
	Name              string `json:"name"`
	Line1             string `json:"addressLine1,omitempty"`
	City              string `json:"city,omitempty"`
	State             string `json:"countrySubdivision,omitempty"`
	PostalCode        string `json:"postalCode,omitempty"`
	Country           string `json:"country,omitempty"`
}

// Confidence bands returned by the service.
const (
	BandHigh   = "HIGH"
	BandMedium = "MEDIUM"
	BandLow    = "LOW"
)

// SearchResult is one candidate match for a submitted item.
type SearchResult struct {
	ClientReferenceID string  `json:"clientReferenceId"`
	MerchantID        string  `json:"merchantId"`
	BusinessName      string  `json:"businessName"`
	TaxID             string  `json:"taxId,omitempty"`
	MCC               string  `json:"mcc,omitempty"`
	MCCGroup          string  `json:"mccGroup,omitempty"`
	Address           string  `json:"address,omitempty"`
	Phone             string  `json:"phone,omitempty"`
	ConfidenceBand    string  `json:"confidence"`
	Confidence        float64 `json:"numericConfidence"`
}

// Enrichment statuses written onto records.
const (
	EnrichmentNone    = "none"
	EnrichmentPending = "pending"
	EnrichmentMatched = "matched"
	EnrichmentNoMatch = "no_match"
	EnrichmentSkipped = "skipped"
	EnrichmentError   = "error"
)

// Enrichment is the per-record outcome reconciled from a search.
type Enrichment struct {
	Status         string `json:"status"`
	BusinessName   string `json:"business_name,omitempty"`
	TaxID          string `json:"tax_id,omitempty"`
	MCC            string `json:"mcc,omitempty"`
	MCCGroup       string `json:"mcc_group,omitempty"`
	Address        string `json:"address,omitempty"`
	Phone          string `json:"phone,omitempty"`
	ConfidenceBand string `json:"confidence_band,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Webhook event types delivered by the service.
const (
	EventResultsReady    = "BULK_SEARCH_RESULTS_READY"
	EventSearchCancelled = "BULK_SEARCH_CANCELLED"
)

// WebhookEvent is one delivery from the service, persisted before any side
// effects run.
type WebhookEvent struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	SearchID   string          `json:"search_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
	Processed  bool            `json:"processed"`
	Error      string          `json:"error,omitempty"`
}
