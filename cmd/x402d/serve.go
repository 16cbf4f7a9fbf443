package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/appleboy/graceful"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	x402 "github.com/protocolbanks/x402"
	"github.com/protocolbanks/x402/internal/config"
	"github.com/protocolbanks/x402/internal/logger"
	"github.com/protocolbanks/x402/internal/webhook"
	xgin "github.com/protocolbanks/x402/pkg/gin"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	gin.SetMode(gin.ReleaseMode)

	var notifier *webhook.Notifier
	var extra []x402.ServiceOption
	if cfg.WebhookURL != "" {
		notifier = webhook.New(cfg.WebhookURL, cfg.WebhookSecret,
			webhook.WithLogger(log.With().Str("component", "webhook").Logger()))
		extra = append(extra, x402.WithLifecycleHook(notifier.Hook))
	}

	app, err := build(ctx, cfg, log, extra...)
	if err != nil {
		return err
	}

	rateLimiter, err := xgin.NewRateLimiter(xgin.RateLimitConfig{
		RequestsPerMinute: cfg.RateLimitPerMinute,
		StoreType:         xgin.RateLimitStoreType(cfg.RateLimitStore),
		RedisAddr:         cfg.RedisAddr,
		RedisPassword:     cfg.RedisPassword,
		RedisDB:           cfg.RedisDB,
	})
	if err != nil {
		app.Close()
		return err
	}

	router := xgin.NewRouter(xgin.RouterConfig{
		Service:     app.service,
		JWTSecret:   cfg.JWTSecret,
		Logger:      log,
		Metrics:     app.metrics,
		RateLimiter: rateLimiter,
		Health:      app.store.Health,
	})
	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.SettleTimeout + 15*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	m := graceful.NewManager()
	addServerRunningJob(m, srv, log)
	addServerShutdownJob(m, srv, log)
	addSweepJob(m, cfg, app.service, log)
	if notifier != nil {
		m.AddRunningJob(notifier.Run)
	}
	m.AddShutdownJob(func() error {
		app.Close()
		log.Info().Msg("storage closed")
		return nil
	})

	log.Info().
		Str("addr", cfg.ServerAddr).
		Str("relayer_mode", cfg.RelayerMode).
		Bool("facilitator", cfg.FacilitatorEnabled()).
		Str("version", Version).
		Msg("x402d started")

	<-m.Done()
	return nil
}

func addServerRunningJob(m *graceful.Manager, srv *http.Server, log zerolog.Logger) {
	m.AddRunningJob(func(ctx context.Context) error {
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("failed to start server")
			}
		}()
		<-ctx.Done()
		return nil
	})
}

func addServerShutdownJob(m *graceful.Manager, srv *http.Server, log zerolog.Logger) {
	m.AddShutdownJob(func() error {
		log.Info().Msg("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("server forced to shutdown")
			return err
		}
		log.Info().Msg("server exited")
		return nil
	})
}

// addSweepJob expires lapsed authorizations and releases stuck executions
// on every tick.
func addSweepJob(m *graceful.Manager, cfg *config.Config, svc *x402.Service, log zerolog.Logger) {
	if cfg.SweepInterval <= 0 {
		return
	}

	m.AddRunningJob(func(ctx context.Context) error {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()

		sweepOnce(ctx, svc, log)
		for {
			select {
			case <-ticker.C:
				sweepOnce(ctx, svc, log)
			case <-ctx.Done():
				return nil
			}
		}
	})
}
