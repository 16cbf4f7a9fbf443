// Package coinbasefacilitator wires the HTTP facilitator client to the
// Coinbase Developer Platform (CDP) x402 facilitator.
package coinbasefacilitator

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	xhttp "github.com/protocolbanks/x402/http"
)

const (
	CoinbaseFacilitatorBaseURL = "https://api.cdp.coinbase.com"
	CoinbaseFacilitatorV2Route = "/platform/v2/x402"
)

// AuthProvider signs a fresh CDP JWT per request. Implements xhttp.AuthProvider.
type AuthProvider struct {
	apiKeyID     string
	apiKeySecret string
	baseURL      string
}

var _ xhttp.AuthProvider = (*AuthProvider)(nil)

// NewAuthProvider creates an auth provider for the facilitator at baseURL.
func NewAuthProvider(apiKeyID, apiKeySecret, baseURL string) *AuthProvider {
	if baseURL == "" {
		baseURL = CoinbaseFacilitatorBaseURL + CoinbaseFacilitatorV2Route
	}
	return &AuthProvider{
		apiKeyID:     apiKeyID,
		apiKeySecret: apiKeySecret,
		baseURL:      strings.TrimRight(baseURL, "/"),
	}
}

// GetAuthHeaders creates CDP auth headers for the settle and status endpoints
func (p *AuthProvider) GetAuthHeaders(ctx context.Context) (xhttp.AuthHeaders, error) {
	if p.apiKeyID == "" || p.apiKeySecret == "" {
		return xhttp.AuthHeaders{}, fmt.Errorf("missing credentials: CDP_API_KEY_ID and CDP_API_KEY_SECRET must be set")
	}

	u, err := url.Parse(p.baseURL)
	if err != nil {
		return xhttp.AuthHeaders{}, fmt.Errorf("invalid facilitator URL: %w", err)
	}
	host := u.Scheme + "://" + u.Host

	settleToken, err := CreateAuthHeader(p.apiKeyID, p.apiKeySecret, host, u.Path+"/settle", "POST")
	if err != nil {
		return xhttp.AuthHeaders{}, fmt.Errorf("failed to create settle auth header: %w", err)
	}

	statusToken, err := CreateAuthHeader(p.apiKeyID, p.apiKeySecret, host, u.Path+"/status", "GET")
	if err != nil {
		return xhttp.AuthHeaders{}, fmt.Errorf("failed to create status auth header: %w", err)
	}

	correlationHeader := CreateCorrelationHeader()

	return xhttp.AuthHeaders{
		Settle: map[string]string{"Authorization": settleToken, "Correlation-Context": correlationHeader},
		Status: map[string]string{"Authorization": statusToken, "Correlation-Context": correlationHeader},
	}, nil
}

// NewFacilitatorClient creates a facilitator client for CDP. An empty
// facilitatorURL selects the public CDP endpoint.
func NewFacilitatorClient(apiKeyID, apiKeySecret, facilitatorURL string) *xhttp.HTTPFacilitatorClient {
	if facilitatorURL == "" {
		facilitatorURL = CoinbaseFacilitatorBaseURL + CoinbaseFacilitatorV2Route
	}
	return xhttp.NewHTTPFacilitatorClient(&xhttp.FacilitatorConfig{
		URL:          facilitatorURL,
		AuthProvider: NewAuthProvider(apiKeyID, apiKeySecret, facilitatorURL),
		Identifier:   "cdp",
	})
}
