package x402

import (
	"errors"
	"fmt"
	"net/http"
)

// PaymentError represents a lifecycle error with a machine-readable code
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`

	cause error
}

func (e *PaymentError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any PaymentError carrying the same code, so callers can write
// errors.Is(err, x402.ErrExpired).
func (e *PaymentError) Is(target error) bool {
	var t *PaymentError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func (e *PaymentError) Unwrap() error {
	return e.cause
}

// StatusCode maps the error code onto an HTTP status.
func (e *PaymentError) StatusCode() int {
	switch e.Code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeInvalidState:
		return http.StatusConflict
	case ErrCodeUpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

// Error codes
const (
	ErrCodeValidation       = "validation_error"
	ErrCodeNotFound         = "not_found"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeInvalidState     = "invalid_state"
	ErrCodeExpired          = "expired"
	ErrCodeNonceReused      = "nonce_reused"
	ErrCodeInvalidSignature = "invalid_signature"
	ErrCodeUnsupportedRoute = "unsupported_route"
	ErrCodeUpstreamFailure  = "upstream_failure"
)

// Sentinels for errors.Is
var (
	ErrValidation       = &PaymentError{Code: ErrCodeValidation}
	ErrNotFound         = &PaymentError{Code: ErrCodeNotFound}
	ErrUnauthorized     = &PaymentError{Code: ErrCodeUnauthorized}
	ErrInvalidState     = &PaymentError{Code: ErrCodeInvalidState}
	ErrExpired          = &PaymentError{Code: ErrCodeExpired}
	ErrNonceReused      = &PaymentError{Code: ErrCodeNonceReused}
	ErrInvalidSignature = &PaymentError{Code: ErrCodeInvalidSignature}
	ErrUnsupportedRoute = &PaymentError{Code: ErrCodeUnsupportedRoute}
	ErrUpstreamFailure  = &PaymentError{Code: ErrCodeUpstreamFailure}
)

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// WrapPaymentError creates a payment error that keeps cause in its chain.
func WrapPaymentError(code, message string, cause error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

func validationError(format string, args ...interface{}) *PaymentError {
	return NewPaymentError(ErrCodeValidation, fmt.Sprintf(format, args...), nil)
}

func invalidStateError(id string, status Status, op string) *PaymentError {
	return NewPaymentError(
		ErrCodeInvalidState,
		fmt.Sprintf("cannot %s authorization in status %s", op, status),
		map[string]interface{}{"authorizationId": id, "status": string(status)},
	)
}
