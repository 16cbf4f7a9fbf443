package coinbasefacilitator

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	jwtIssuer   = "cdp"
	jwtLifetime = 2 * time.Minute
)

// CreateAuthHeader returns "Bearer <jwt>" for one CDP request. The secret
// is either a PEM EC private key (ES256) or a base64 Ed25519 key (EdDSA).
func CreateAuthHeader(apiKeyID, apiKeySecret, baseURL, path, method string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  apiKeyID,
		"iss":  jwtIssuer,
		"nbf":  now.Unix(),
		"exp":  now.Add(jwtLifetime).Unix(),
		"uris": []string{fmt.Sprintf("%s %s%s", strings.ToUpper(method), u.Host, path)},
	}

	signingMethod, key, err := signingKey(apiKeySecret)
	if err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(signingMethod, claims)
	token.Header["kid"] = apiKeyID
	token.Header["nonce"] = strings.ReplaceAll(uuid.NewString(), "-", "")

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign CDP JWT: %w", err)
	}
	return "Bearer " + signed, nil
}

func signingKey(secret string) (jwt.SigningMethod, interface{}, error) {
	secret = strings.ReplaceAll(strings.TrimSpace(secret), `\n`, "\n")

	if strings.HasPrefix(secret, "-----BEGIN") {
		key, err := jwt.ParseECPrivateKeyFromPEM([]byte(secret))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid EC private key: %w", err)
		}
		return jwt.SigningMethodES256, key, nil
	}

	raw, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, nil, fmt.Errorf("API key secret is neither PEM nor base64")
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, nil, fmt.Errorf("invalid Ed25519 key length %d", len(raw))
	}
	return jwt.SigningMethodEdDSA, ed25519.PrivateKey(raw), nil
}

// CreateCorrelationHeader identifies the caller to CDP.
func CreateCorrelationHeader() string {
	return "sdk_language=go,source=x402,source_version=2"
}
