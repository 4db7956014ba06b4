package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/FACorreiaa/payee-enrichment/pkg/workpool"
)

// Prompt is a single completion request to the model provider.
type Prompt struct {
	System string
	User   string
}

// Provider abstracts the completion backend so the gateway can be tested
// without network access.
type Provider interface {
	Name() string
	Complete(ctx context.Context, p Prompt) (string, error)
}

// HTTPProvider talks to an OpenAI-compatible chat completions endpoint.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewHTTPProvider creates a provider against the configured endpoint.
func NewHTTPProvider(baseURL, apiKey, model string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *HTTPProvider) Name() string { return "classifier" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete sends the prompt and returns the raw model text. Rate-limit and
// server errors are shaped so the retry helper can distinguish them.
func (p *HTTPProvider) Complete(ctx context.Context, prompt Prompt) (string, error) {
	ctx, span := otel.Tracer("classify").Start(ctx, "provider.complete")
	defer span.End()
	span.SetAttributes(attribute.String("model", p.model))

	body, err := json.Marshal(chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompt.System},
			{Role: "user", Content: prompt.User},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", workpool.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", workpool.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	res, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("classifier request failed: %w", err)
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("classifier response read failed: %w", err)
	}

	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		after := retryAfter(res)
		return "", &workpool.RetryAfterError{After: after, Err: fmt.Errorf("classifier rate limited")}
	case res.StatusCode >= 500:
		return "", fmt.Errorf("classifier server error %d", res.StatusCode)
	case res.StatusCode >= 400:
		return "", workpool.Permanent(fmt.Errorf("classifier rejected request: %d %s", res.StatusCode, payload))
	}

	var parsed chatResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", fmt.Errorf("classifier response malformed: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("classifier returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func retryAfter(res *http.Response) time.Duration {
	if v := res.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 2 * time.Second
}
