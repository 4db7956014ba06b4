package merchant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// ErrKind buckets service failures for the coordinator's retry policy.
type ErrKind int

const (
	ErrServer ErrKind = iota
	ErrAuth
	ErrRateLimited
	ErrValidation
	ErrResultsNotFound
)

// APIError is a non-2xx reply from the bulk-search service.
type APIError struct {
	Kind       ErrKind
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bulk search service error %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the coordinator may retry the call.
func (e *APIError) Retryable() bool {
	return e.Kind == ErrServer || e.Kind == ErrRateLimited
}

// AsAPIError unwraps err into an APIError if possible.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}

// per-call timeouts
const (
	submitTimeout  = 10 * time.Second
	statusTimeout  = 10 * time.Second
	resultsTimeout = 30 * time.Second
)

// Client is the signed HTTP client for the bulk-search service. Every
// request carries an OAuth header produced by the signer.
type Client struct {
	baseURL  string
	clientID string
	signer   *Signer
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker

	maximumMatches      int
	confidenceThreshold string
}

// NewClient creates a client. confidenceThreshold is the string the service
// expects ("0.1" in production, "0.0" in sandbox).
func NewClient(baseURL, clientID string, signer *Signer, maximumMatches int, confidenceThreshold string) *Client {
	if maximumMatches <= 0 {
		maximumMatches = 5
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "bulk-search",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Shaped 4xx replies are outcomes, not outages; only transport,
		// auth and server-side failures count against the circuit.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			apiErr, ok := AsAPIError(err)
			return ok && apiErr.Kind != ErrServer && apiErr.Kind != ErrAuth
		},
	})
	return &Client{
		baseURL:             strings.TrimRight(baseURL, "/"),
		clientID:            clientID,
		signer:              signer,
		http:                &http.Client{},
		breaker:             breaker,
		maximumMatches:      maximumMatches,
		confidenceThreshold: confidenceThreshold,
	}
}

// BreakerState reports the service circuit state for readiness checks.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

type submitRequest struct {
	LookupType                 string       `json:"lookupType"`
	MaximumMatches             int          `json:"maximumMatches"`
	MinimumConfidenceThreshold string       `json:"minimumConfidenceThreshold"`
	Queries                    []SearchItem `json:"queries"`
}

type submitResponse struct {
	BulkSearchID string `json:"bulkSearchId"`
}

// Submit posts up to 3000 items and returns the assigned search id. The
// service acknowledges with 202.
func (c *Client) Submit(ctx context.Context, items []SearchItem) (string, error) {
	if len(items) == 0 {
		return "", errors.New("empty submission")
	}
	if len(items) > 3000 {
		return "", fmt.Errorf("submission exceeds 3000 items: %d", len(items))
	}

	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	ctx, span := otel.Tracer("merchant").Start(ctx, "bulk_search.submit")
	defer span.End()
	span.SetAttributes(attribute.Int("items", len(items)))

	body, err := json.Marshal(submitRequest{
		LookupType:                 "SUPPLIERS",
		MaximumMatches:             c.maximumMatches,
		MinimumConfidenceThreshold: c.confidenceThreshold,
		Queries:                    items,
	})
	if err != nil {
		return "", err
	}

	payload, status, err := c.do(ctx, http.MethodPost, c.baseURL+"/bulk-searches", body)
	if err != nil {
		return "", err
	}
	if status != http.StatusAccepted {
		return "", &APIError{Kind: ErrServer, StatusCode: status, Message: "expected 202 on submit"}
	}

	var parsed submitResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", fmt.Errorf("submit response malformed: %w", err)
	}
	if parsed.BulkSearchID == "" {
		return "", errors.New("submit response missing bulkSearchId")
	}
	return parsed.BulkSearchID, nil
}

type statusResponse struct {
	Status string `json:"status"`
}

// Upstream status tokens.
const (
	UpstreamPending    = "PENDING"
	UpstreamInProgress = "IN_PROGRESS"
	UpstreamCompleted  = "COMPLETED"
	UpstreamCancelled  = "CANCELLED"
	UpstreamFailed     = "FAILED"
)

// Status fetches the upstream state token for a search.
func (c *Client) Status(ctx context.Context, searchID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	ctx, span := otel.Tracer("merchant").Start(ctx, "bulk_search.status")
	defer span.End()
	span.SetAttributes(attribute.String("search_id", searchID))

	payload, _, err := c.do(ctx, http.MethodGet, c.baseURL+"/bulk-searches/"+searchID, nil)
	if err != nil {
		return "", err
	}
	var parsed statusResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", fmt.Errorf("status response malformed: %w", err)
	}
	return parsed.Status, nil
}

type resultsResponse struct {
	Items []SearchResult `json:"items"`
	Total int            `json:"total"`
}

// Results fetches one result page. The empty search_request_id parameter is
// mandatory even though it is always empty here.
func (c *Client) Results(ctx context.Context, searchID string, offset, limit int) ([]SearchResult, int, error) {
	ctx, cancel := context.WithTimeout(ctx, resultsTimeout)
	defer cancel()
	ctx, span := otel.Tracer("merchant").Start(ctx, "bulk_search.results")
	defer span.End()
	span.SetAttributes(attribute.String("search_id", searchID), attribute.Int("offset", offset))

	endpoint := fmt.Sprintf("%s/bulk-searches/%s/results?search_request_id=&offset=%d&limit=%d",
		c.baseURL, searchID, offset, limit)
	payload, _, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	var parsed resultsResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, 0, fmt.Errorf("results response malformed: %w", err)
	}
	return parsed.Items, parsed.Total, nil
}

// do runs one signed request through the circuit breaker. An open circuit
// fails fast with gobreaker.ErrOpenState, which the coordinator's retry
// policy treats as transient.
func (c *Client) do(ctx context.Context, method, rawURL string, body []byte) ([]byte, int, error) {
	var payload []byte
	var status int
	_, err := c.breaker.Execute(func() (any, error) {
		var err error
		payload, status, err = c.doOnce(ctx, method, rawURL, body)
		return nil, err
	})
	return payload, status, err
}

// doOnce signs and executes one request, shaping non-2xx replies into
// APIError.
func (c *Client) doOnce(ctx context.Context, method, rawURL string, body []byte) ([]byte, int, error) {
	auth, err := c.signer.Authorization(method, rawURL, body)
	if err != nil {
		return nil, 0, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.clientID != "" {
		req.Header.Set("X-Openapi-Clientid", c.clientID)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("bulk search request failed: %w", err)
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(res.Body, 16<<20))
	if err != nil {
		return nil, res.StatusCode, fmt.Errorf("bulk search response read failed: %w", err)
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return payload, res.StatusCode, nil
	}
	return nil, res.StatusCode, c.shapeError(res, payload)
}

func (c *Client) shapeError(res *http.Response, payload []byte) error {
	msg := strings.TrimSpace(string(payload))
	if len(msg) > 500 {
		msg = msg[:500]
	}

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return &APIError{Kind: ErrAuth, StatusCode: res.StatusCode, Message: msg}
	case res.StatusCode == http.StatusTooManyRequests:
		return &APIError{
			Kind:       ErrRateLimited,
			StatusCode: res.StatusCode,
			RetryAfter: parseRetryAfter(res),
			Message:    msg,
		}
	case res.StatusCode == http.StatusNotFound && strings.Contains(msg, "RESULTS_NOT_FOUND"):
		return &APIError{Kind: ErrResultsNotFound, StatusCode: res.StatusCode, Message: msg}
	case res.StatusCode >= 500:
		return &APIError{Kind: ErrServer, StatusCode: res.StatusCode, Message: msg}
	default:
		return &APIError{Kind: ErrValidation, StatusCode: res.StatusCode, Message: msg}
	}
}

func parseRetryAfter(res *http.Response) time.Duration {
	if v := res.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
