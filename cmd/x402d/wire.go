package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	x402 "github.com/protocolbanks/x402"
	xhttp "github.com/protocolbanks/x402/http"
	"github.com/protocolbanks/x402/internal/cache"
	"github.com/protocolbanks/x402/internal/config"
	"github.com/protocolbanks/x402/internal/keystore"
	"github.com/protocolbanks/x402/internal/metrics"
	"github.com/protocolbanks/x402/internal/store"
	"github.com/protocolbanks/x402/pkg/coinbasefacilitator"
	evmsigner "github.com/protocolbanks/x402/signers/evm"
)

const routeCachePrefix = "x402:route:"

// components are the long-lived pieces built from config
type components struct {
	store      *store.Store
	service    *x402.Service
	metrics    metrics.Recorder
	routeCache cache.Cache[x402.RouteConfig]
}

func (c *components) Close() {
	if c.routeCache != nil {
		_ = c.routeCache.Close()
	}
	if c.store != nil {
		_ = c.store.Close()
	}
}

func openStore(cfg *config.Config) (*store.Store, error) {
	db, err := store.New(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.DatabaseDriver, err)
	}
	return db, nil
}

func newRouteCache(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (cache.Cache[x402.RouteConfig], error) {
	if cfg.RedisAddr == "" {
		return cache.NewMemoryCache[x402.RouteConfig](), nil
	}
	rc, err := cache.NewRedisCache[x402.RouteConfig](ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, routeCachePrefix)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("addr", cfg.RedisAddr).Msg("route cache backed by redis")
	return rc, nil
}

func newRelayer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (x402.Relayer, error) {
	switch cfg.RelayerMode {
	case config.RelayerModeOnchain:
		key, err := keystore.Decrypt(cfg.MasterKey, cfg.RelayerPrivateKeyEnc)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt relayer key: %w", err)
		}
		signer, err := evmsigner.NewLocalSigner(string(key))
		if err != nil {
			return nil, fmt.Errorf("invalid relayer key: %w", err)
		}
		backends, err := evmsigner.DialBackends(ctx, cfg.RPCURLs)
		if err != nil {
			return nil, err
		}
		relayer, err := evmsigner.NewOnchainRelayer(signer, backends, evmsigner.WithRelayerLogger(logger))
		if err != nil {
			return nil, err
		}
		logger.Info().
			Str("address", relayer.Address()).
			Int("chains", len(backends)).
			Msg("on-chain relayer ready")
		return relayer, nil

	case config.RelayerModeHTTP:
		logger.Info().Str("url", cfg.RelayerURL).Msg("using HTTP relayer")
		return xhttp.NewHTTPRelayerClient(xhttp.RelayerConfig{
			URL:     cfg.RelayerURL,
			APIKey:  cfg.RelayerAPIKey,
			Timeout: cfg.SettleTimeout,
		}), nil

	default:
		// Settle stays facilitator-only; Execute falls back to simulated hashes
		logger.Warn().Msg("no relayer configured; execute reports simulated transactions")
		return nil, nil
	}
}

// build wires the service from cfg. Extra options are appended last.
func build(ctx context.Context, cfg *config.Config, logger zerolog.Logger, extra ...x402.ServiceOption) (*components, error) {
	c := &components{metrics: metrics.Init(cfg.MetricsEnabled)}

	var err error
	if c.store, err = openStore(cfg); err != nil {
		return nil, err
	}
	if c.routeCache, err = newRouteCache(ctx, cfg, logger); err != nil {
		c.Close()
		return nil, err
	}

	relayer, err := newRelayer(ctx, cfg, logger)
	if err != nil {
		c.Close()
		return nil, err
	}

	opts := []x402.ServiceOption{
		x402.WithLogger(logger),
		x402.WithMetrics(c.metrics),
		x402.WithRouteCache(c.routeCache, cfg.RouteCacheTTL),
		x402.WithRelayerFeeBps(cfg.RelayerFeeBps),
		x402.WithSettleTimeout(cfg.SettleTimeout),
		x402.WithExecutingLease(cfg.ExecutingLease),
	}
	if relayer != nil {
		opts = append(opts, x402.WithRelayer(relayer))
	}
	if cfg.FacilitatorEnabled() {
		logger.Info().Msg("CDP facilitator enabled")
		opts = append(opts, x402.WithFacilitator(
			coinbasefacilitator.NewFacilitatorClient(cfg.CDPAPIKeyID, cfg.CDPAPIKeySecret, cfg.CDPFacilitatorURL),
		))
	}
	opts = append(opts, extra...)

	c.service = x402.NewService(c.store, opts...)
	return c, nil
}

func sweepOnce(ctx context.Context, svc *x402.Service, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result, err := svc.ExpireStale(ctx, time.Now())
	if err != nil {
		logger.Error().Err(err).Msg("expiry sweep failed")
		return
	}
	if result.Expired > 0 || result.Released > 0 {
		logger.Info().
			Int("expired", result.Expired).
			Int("released", result.Released).
			Msg("expiry sweep")
	}
}
