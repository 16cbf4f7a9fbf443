package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	x402 "github.com/protocolbanks/x402"
	"github.com/protocolbanks/x402/internal/config"
	"github.com/protocolbanks/x402/internal/keystore"
	"github.com/protocolbanks/x402/internal/logger"
	"github.com/protocolbanks/x402/mechanisms/evm"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

			// store.New migrates on open
			db, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			log.Info().Str("driver", cfg.DatabaseDriver).Msg("schema is up to date")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire lapsed authorizations once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

			ctx := cmd.Context()
			app, err := build(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer app.Close()

			result, err := app.service.ExpireStale(ctx, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired=%d released=%d\n", result.Expired, result.Released)
			return nil
		},
	}
}

var (
	routeFacilitator bool
	routeRelayer     bool
	routeFeeBps      int
)

func routeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route <chainId> <token>",
		Short: "Set the settlement route for a chain and token",
		Long: `Set which settlement paths are enabled for a chain/token pair and
the relayer fee charged on it.

Examples:
  x402d route 8453 0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913 --fee-bps 10
  x402d route 137 0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359 --facilitator=false`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var chainID int64
			if _, err := fmt.Sscanf(args[0], "%d", &chainID); err != nil {
				return fmt.Errorf("invalid chain id %q", args[0])
			}
			token := args[1]
			if !evm.IsValidAddress(token) {
				return fmt.Errorf("invalid token address %q", token)
			}
			if routeFeeBps < 0 || routeFeeBps > 10000 {
				return fmt.Errorf("fee must be between 0 and 10000 bps")
			}

			cfg := config.Load()
			db, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			route := &x402.RouteConfig{
				ChainID:            chainID,
				TokenAddress:       token,
				FacilitatorEnabled: routeFacilitator,
				RelayerEnabled:     routeRelayer,
				FeeBps:             routeFeeBps,
			}
			if err := db.UpsertRouteConfig(context.Background(), route); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "route %d/%s: facilitator=%t relayer=%t fee=%dbps\n",
				chainID, strings.ToLower(token), routeFacilitator, routeRelayer, routeFeeBps)
			return nil
		},
	}

	cmd.Flags().BoolVar(&routeFacilitator, "facilitator", true, "enable the CDP facilitator")
	cmd.Flags().BoolVar(&routeRelayer, "relayer", true, "enable the relayer")
	cmd.Flags().IntVar(&routeFeeBps, "fee-bps", x402.DefaultRelayerFeeBps, "relayer fee in basis points")
	return cmd
}

func encryptKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt-key",
		Short: "Encrypt a relayer private key read from stdin with MASTER_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cfg.MasterKey == "" {
				return fmt.Errorf("MASTER_KEY is required")
			}

			raw, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 4096))
			if err != nil {
				return err
			}
			key := strings.TrimSpace(string(raw))
			if key == "" {
				fmt.Fprintln(os.Stderr, "usage: echo $PRIVATE_KEY | x402d encrypt-key")
				return fmt.Errorf("no key on stdin")
			}

			ciphertext, err := keystore.Encrypt(cfg.MasterKey, []byte(key))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "RELAYER_PRIVATE_KEY_ENC=%s\n", ciphertext)
			return nil
		},
	}
}
