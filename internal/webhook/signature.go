package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	SignatureHeader = "X-Webhook-Signature"

	// DefaultTolerance bounds the age of a delivery a receiver accepts.
	DefaultTolerance = 5 * time.Minute
)

var (
	ErrMalformedHeader = errors.New("webhook: malformed signature header")
	ErrStaleTimestamp  = errors.New("webhook: timestamp outside tolerance")
	ErrBadSignature    = errors.New("webhook: signature mismatch")
)

// Sign computes hex(HMAC-SHA256(secret, "<timestamp>.<body>")).
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// FormatHeader renders the signature header value: t=<unix>,v1=<hex>.
func FormatHeader(timestamp int64, signature string) string {
	return fmt.Sprintf("t=%d,v1=%s", timestamp, signature)
}

// ParseHeader splits a signature header into its timestamp and signature.
func ParseHeader(header string) (int64, string, error) {
	var (
		timestamp int64
		signature string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, "", ErrMalformedHeader
			}
			timestamp = ts
		case "v1":
			signature = value
		}
	}
	if timestamp == 0 || signature == "" {
		return 0, "", ErrMalformedHeader
	}
	return timestamp, signature, nil
}

// Verify checks a delivery the way a receiver should: header shape, then
// timestamp freshness, then the MAC in constant time.
func Verify(secret, header string, body []byte, now time.Time, tolerance time.Duration) error {
	timestamp, signature, err := ParseHeader(header)
	if err != nil {
		return err
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	age := now.Sub(time.Unix(timestamp, 0))
	if age > tolerance || age < -tolerance {
		return ErrStaleTimestamp
	}

	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	want, _ := hex.DecodeString(Sign(secret, timestamp, body))
	if !hmac.Equal(got, want) {
		return ErrBadSignature
	}
	return nil
}
