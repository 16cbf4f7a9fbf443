package gin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	x402 "github.com/protocolbanks/x402"
)

// renderError writes err as {error, message[, details]}. An ownership
// failure from the service is 403: the caller is authenticated, just not
// allowed.
func renderError(c *gin.Context, logger zerolog.Logger, err error) {
	var pe *x402.PaymentError
	if errors.As(err, &pe) {
		status := pe.StatusCode()
		if pe.Code == x402.ErrCodeUnauthorized {
			status = http.StatusForbidden
		}
		body := gin.H{
			"error":   pe.Code,
			"message": pe.Message,
		}
		if len(pe.Details) > 0 {
			body["details"] = pe.Details
		}
		if status >= http.StatusInternalServerError {
			logger.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("upstream failure")
		}
		c.AbortWithStatusJSON(status, body)
		return
	}

	logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "internal server error",
	})
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   x402.ErrCodeValidation,
		"message": message,
	})
}
