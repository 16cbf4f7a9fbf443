package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	x402 "github.com/protocolbanks/x402"
)

// ============================================================================
// HTTP Facilitator Client
// ============================================================================

// HTTPFacilitatorClient settles payments through a remote facilitator such
// as CDP. Implements x402.Facilitator.
type HTTPFacilitatorClient struct {
	url          string
	httpClient   *http.Client
	authProvider AuthProvider
	identifier   string
}

var _ x402.Facilitator = (*HTTPFacilitatorClient)(nil)

// AuthProvider generates authentication headers for facilitator requests
type AuthProvider interface {
	// GetAuthHeaders returns authentication headers for each endpoint
	GetAuthHeaders(ctx context.Context) (AuthHeaders, error)
}

// AuthHeaders contains authentication headers for facilitator endpoints
type AuthHeaders struct {
	Settle map[string]string
	Status map[string]string
}

// FacilitatorConfig configures the HTTP facilitator client
type FacilitatorConfig struct {
	// URL is the base URL of the facilitator service
	URL string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// AuthProvider provides authentication headers (optional)
	AuthProvider AuthProvider

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration

	// Identifier for this facilitator (optional)
	Identifier string
}

// DefaultFacilitatorURL is the CDP x402 facilitator
const DefaultFacilitatorURL = "https://api.cdp.coinbase.com/platform/v2/x402"

// settleRetries is the number of attempts on 429 rate limit responses
const settleRetries = 3

// settleRetryBaseDelay is the base delay for exponential backoff on retries
var settleRetryBaseDelay = 1 * time.Second

// NewHTTPFacilitatorClient creates a new HTTP facilitator client
func NewHTTPFacilitatorClient(config *FacilitatorConfig) *HTTPFacilitatorClient {
	if config == nil {
		config = &FacilitatorConfig{}
	}

	baseURL := config.URL
	if baseURL == "" {
		baseURL = DefaultFacilitatorURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	identifier := config.Identifier
	if identifier == "" {
		identifier = baseURL
	}

	return &HTTPFacilitatorClient{
		url:          baseURL,
		httpClient:   httpClient,
		authProvider: config.AuthProvider,
		identifier:   identifier,
	}
}

// Identifier names the facilitator in logs
func (c *HTTPFacilitatorClient) Identifier() string {
	return c.identifier
}

// Settle submits a signed payment. A 429 is retried with exponential backoff;
// any other non-200 response is returned as an error.
func (c *HTTPFacilitatorClient) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	body, err := json.Marshal(map[string]interface{}{
		"x402Version":         payload.X402Version,
		"paymentPayload":      payload,
		"paymentRequirements": requirements,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settle request: %w", err)
	}

	var lastErr error
	for attempt := range settleRetries {
		headers, err := c.headers(ctx, func(h AuthHeaders) map[string]string { return h.Settle })
		if err != nil {
			return nil, err
		}

		status, responseBody, err := doJSON(ctx, c.httpClient, http.MethodPost, c.url+"/settle", body, headers)
		if err != nil {
			return nil, fmt.Errorf("settle request failed: %w", err)
		}

		if status == http.StatusTooManyRequests && attempt < settleRetries-1 {
			lastErr = fmt.Errorf("facilitator settle rate limited (%d)", status)
			delay := settleRetryBaseDelay * time.Duration(1<<uint(attempt))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		var settleResponse x402.SettleResponse
		if err := json.Unmarshal(responseBody, &settleResponse); err != nil {
			return nil, fmt.Errorf("facilitator settle failed (%d): %s", status, string(responseBody))
		}

		// For non-200 responses, return an error with the details from the response
		if status != http.StatusOK {
			if settleResponse.ErrorReason != "" {
				return nil, fmt.Errorf("facilitator settle failed (%d): %s", status, settleResponse.ErrorReason)
			}
			return nil, fmt.Errorf("facilitator settle failed (%d): %s", status, string(responseBody))
		}
		return &settleResponse, nil
	}
	return nil, lastErr
}

// GetStatus asks the facilitator for the state of a settled transaction.
// Facilitators that do not track transactions answer 404, reported as
// "unknown".
func (c *HTTPFacilitatorClient) GetStatus(ctx context.Context, txHash string) (string, error) {
	headers, err := c.headers(ctx, func(h AuthHeaders) map[string]string { return h.Status })
	if err != nil {
		return "", err
	}

	endpoint := c.url + "/status?transaction=" + url.QueryEscape(txHash)
	status, responseBody, err := doJSON(ctx, c.httpClient, http.MethodGet, endpoint, nil, headers)
	if err != nil {
		return "", fmt.Errorf("status request failed: %w", err)
	}
	if status == http.StatusNotFound {
		return "unknown", nil
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("facilitator status failed (%d): %s", status, string(responseBody))
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(responseBody, &out); err != nil {
		return "", fmt.Errorf("failed to decode status response: %w", err)
	}
	return out.Status, nil
}

func (c *HTTPFacilitatorClient) headers(ctx context.Context, pick func(AuthHeaders) map[string]string) (map[string]string, error) {
	if c.authProvider == nil {
		return nil, nil
	}
	authHeaders, err := c.authProvider.GetAuthHeaders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get auth headers: %w", err)
	}
	return pick(authHeaders), nil
}
