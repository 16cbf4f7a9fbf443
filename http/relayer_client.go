package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	x402 "github.com/protocolbanks/x402"
)

// HTTPRelayerClient hands signed transfers to a relayer service over HTTP.
// Implements x402.Relayer.
//
// Requests carry the authorization reference as Idempotency-Key, so
// transport errors and 5xx responses are retried.
type HTTPRelayerClient struct {
	url        string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
}

var _ x402.Relayer = (*HTTPRelayerClient)(nil)

// RelayerConfig configures the HTTP relayer client
type RelayerConfig struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration

	// MaxRetries is the number of attempts (optional, defaults to 3)
	MaxRetries int

	// RetryDelay is the base backoff delay (optional, defaults to 500ms)
	RetryDelay time.Duration
}

func NewHTTPRelayerClient(config RelayerConfig) *HTTPRelayerClient {
	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := config.RetryDelay
	if retryDelay == 0 {
		retryDelay = 500 * time.Millisecond
	}

	return &HTTPRelayerClient{
		url:        config.URL,
		apiKey:     config.APIKey,
		httpClient: httpClient,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// relayError carries the relayer's error body.
type relayError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Submit posts the transfer to /relay.
func (c *HTTPRelayerClient) Submit(ctx context.Context, req x402.RelayRequest) (*x402.RelayResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal relay request: %w", err)
	}

	headers := c.authHeaders()
	headers["Idempotency-Key"] = req.Reference

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		status, responseBody, err := doJSON(ctx, c.httpClient, http.MethodPost, c.url+"/relay", body, headers)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("relay request failed: %w", err)
			continue
		}

		switch {
		case status == http.StatusOK || status == http.StatusAccepted || status == http.StatusCreated:
			var result x402.RelayResult
			if err := json.Unmarshal(responseBody, &result); err != nil {
				return nil, fmt.Errorf("failed to decode relay response: %w", err)
			}
			return &result, nil

		case status == http.StatusTooManyRequests || status >= 500:
			lastErr = fmt.Errorf("relayer returned %d: %s", status, string(responseBody))
			continue

		default:
			var relayErr relayError
			_ = json.Unmarshal(responseBody, &relayErr)
			if relayErr.Code == "reverted" || relayErr.Error == "reverted" {
				return nil, fmt.Errorf("%w: %s", x402.ErrTransactionReverted, relayErr.Message)
			}
			msg := relayErr.Message
			if msg == "" {
				msg = string(responseBody)
			}
			return nil, fmt.Errorf("relayer rejected transfer (%d): %s", status, msg)
		}
	}

	if lastErr == nil {
		lastErr = errors.New("relayer request was not attempted")
	}
	return nil, lastErr
}

// GetStatus reads GET /relay/{txHash}.
func (c *HTTPRelayerClient) GetStatus(ctx context.Context, txHash string) (string, error) {
	status, responseBody, err := doJSON(ctx, c.httpClient, http.MethodGet,
		c.url+"/relay/"+url.PathEscape(txHash), nil, c.authHeaders())
	if err != nil {
		return "", fmt.Errorf("relay status request failed: %w", err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("relayer status failed (%d): %s", status, string(responseBody))
	}

	var result x402.RelayResult
	if err := json.Unmarshal(responseBody, &result); err != nil {
		return "", fmt.Errorf("failed to decode relay status: %w", err)
	}
	return result.Status, nil
}

func (c *HTTPRelayerClient) authHeaders() map[string]string {
	headers := make(map[string]string, 2)
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}
	return headers
}
