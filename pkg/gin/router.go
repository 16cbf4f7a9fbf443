package gin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	x402 "github.com/protocolbanks/x402"
	"github.com/protocolbanks/x402/internal/metrics"
)

// RouterConfig wires the HTTP surface
type RouterConfig struct {
	Service   *x402.Service
	JWTSecret string
	Logger    zerolog.Logger

	// Metrics enables /metrics and request instrumentation when it is a
	// Prometheus-backed recorder
	Metrics metrics.Recorder

	// RateLimiter guards /x402 when set
	RateLimiter gin.HandlerFunc

	// Health reports backend readiness for /healthz
	Health func(ctx context.Context) error
}

// NewRouter builds the gin engine.
func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(cfg.Logger))

	if cfg.Metrics != nil {
		r.Use(metrics.HTTPMetricsMiddleware(cfg.Metrics))
		if _, ok := cfg.Metrics.(*metrics.Metrics); ok {
			r.GET("/metrics", gin.WrapH(promhttp.Handler()))
		}
	}

	r.GET("/healthz", func(c *gin.Context) {
		if cfg.Health != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := cfg.Health(ctx); err != nil {
				cfg.Logger.Warn().Err(err).Msg("health check failed")
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	group := r.Group("/x402")
	if cfg.RateLimiter != nil {
		group.Use(cfg.RateLimiter)
	}
	group.Use(RequireJWT(cfg.JWTSecret))
	NewHandler(cfg.Service, cfg.Logger).Register(group)

	return r
}
