package address

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/FACorreiaa/payee-enrichment/pkg/workpool"
)

// Vendor validates a free-text address against an external service.
type Vendor interface {
	Validate(ctx context.Context, raw string) (*VendorResult, error)
}

// HTTPVendor talks to a REST address validation endpoint.
type HTTPVendor struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPVendor creates a vendor client against the configured endpoint.
func NewHTTPVendor(baseURL, apiKey string) *HTTPVendor {
	return &HTTPVendor{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Validate submits the raw address and decodes the vendor verdict.
func (v *HTTPVendor) Validate(ctx context.Context, raw string) (*VendorResult, error) {
	endpoint := v.baseURL + "/v1/addresses/validate?" + url.Values{"address": {raw}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, workpool.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+v.apiKey)

	res, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("address vendor request failed: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("address vendor response read failed: %w", err)
	}
	if res.StatusCode >= 500 {
		return nil, fmt.Errorf("address vendor server error %d", res.StatusCode)
	}
	if res.StatusCode >= 400 {
		return nil, workpool.Permanent(fmt.Errorf("address vendor rejected request: %d", res.StatusCode))
	}

	var parsed VendorResult
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("address vendor response malformed: %w", err)
	}
	if parsed.Granularity == "" {
		parsed.Granularity = GranularityNone
	}
	return &parsed, nil
}
