package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Relayer mode constants
const (
	RelayerModeOnchain   = "onchain"
	RelayerModeHTTP      = "http"
	RelayerModeSimulated = "simulated"
)

// Rate limit store constants
const (
	RateLimitStoreMemory = "memory"
	RateLimitStoreRedis  = "redis"
)

// Log format constants
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

const rpcURLPrefix = "RPC_URL_"

type Config struct {
	// Server settings
	ServerAddr string
	JWTSecret  string

	// Database
	DatabaseDriver string // "sqlite" or "postgres"
	DatabaseDSN    string

	// CDP facilitator
	CDPAPIKeyID       string
	CDPAPIKeySecret   string
	CDPFacilitatorURL string

	// Relayer
	RelayerMode          string // "onchain", "http" or "simulated"
	RelayerURL           string
	RelayerAPIKey        string
	RelayerPrivateKeyEnc string // AES-GCM ciphertext produced by `x402d encrypt-key`
	MasterKey            string
	RPCURLs              map[int64]string

	// Settlement
	SettleTimeout  time.Duration
	RelayerFeeBps  int
	RouteCacheTTL  time.Duration
	SweepInterval  time.Duration
	ExecutingLease time.Duration

	// Redis (route cache and rate limit store)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Rate limiting
	RateLimitPerMinute int
	RateLimitStore     string

	// Observability
	MetricsEnabled bool
	LogLevel       string
	LogFormat      string

	// Webhooks
	WebhookURL    string
	WebhookSecret string
}

// Load reads configuration from the environment, after loading .env if present.
func Load() *Config {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	driver := getEnv("DATABASE_DRIVER", "sqlite")
	var dsn string
	if driver == "sqlite" {
		dsn = getEnv("DATABASE_DSN", "x402.db")
	} else {
		dsn = getEnv("DATABASE_DSN", "")
	}

	return &Config{
		ServerAddr:     getEnv("SERVER_ADDR", ":8080"),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		DatabaseDriver: driver,
		DatabaseDSN:    dsn,

		CDPAPIKeyID:       getEnv("CDP_API_KEY_ID", ""),
		CDPAPIKeySecret:   getEnv("CDP_API_KEY_SECRET", ""),
		CDPFacilitatorURL: getEnv("CDP_FACILITATOR_URL", ""),

		RelayerMode:          getEnv("RELAYER_MODE", RelayerModeSimulated),
		RelayerURL:           getEnv("RELAYER_URL", ""),
		RelayerAPIKey:        getEnv("RELAYER_API_KEY", ""),
		RelayerPrivateKeyEnc: getEnv("RELAYER_PRIVATE_KEY_ENC", ""),
		MasterKey:            getEnv("MASTER_KEY", ""),
		RPCURLs:              getRPCURLs(os.Environ()),

		SettleTimeout:  getEnvDuration("SETTLE_TIMEOUT", 30*time.Second),
		RelayerFeeBps:  getEnvInt("RELAYER_FEE_BPS", 10),
		RouteCacheTTL:  getEnvDuration("ROUTE_CACHE_TTL", time.Minute),
		SweepInterval:  getEnvDuration("SWEEP_INTERVAL", time.Minute),
		ExecutingLease: getEnvDuration("EXECUTING_LEASE", 5*time.Minute),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		RateLimitStore:     getEnv("RATE_LIMIT_STORE", RateLimitStoreMemory),

		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", LogFormatJSON),

		WebhookURL:    getEnv("WEBHOOK_URL", ""),
		WebhookSecret: getEnv("WEBHOOK_SECRET", ""),
	}
}

// Validate checks combinations that Load cannot default its way out of.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	switch c.RelayerMode {
	case RelayerModeSimulated:
	case RelayerModeHTTP:
		if c.RelayerURL == "" {
			return errors.New("RELAYER_URL is required when RELAYER_MODE=http")
		}
	case RelayerModeOnchain:
		if c.RelayerPrivateKeyEnc == "" || c.MasterKey == "" {
			return errors.New("RELAYER_PRIVATE_KEY_ENC and MASTER_KEY are required when RELAYER_MODE=onchain")
		}
		if len(c.RPCURLs) == 0 {
			return errors.New("at least one RPC_URL_<chainId> is required when RELAYER_MODE=onchain")
		}
	default:
		return fmt.Errorf("invalid RELAYER_MODE value: %q (must be %q, %q or %q)",
			c.RelayerMode, RelayerModeOnchain, RelayerModeHTTP, RelayerModeSimulated)
	}

	switch c.RateLimitStore {
	case RateLimitStoreMemory:
	case RateLimitStoreRedis:
		if c.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required when RATE_LIMIT_STORE=redis")
		}
	default:
		return fmt.Errorf("invalid RATE_LIMIT_STORE value: %q (must be %q or %q)",
			c.RateLimitStore, RateLimitStoreMemory, RateLimitStoreRedis)
	}

	if (c.CDPAPIKeyID == "") != (c.CDPAPIKeySecret == "") {
		return errors.New("CDP_API_KEY_ID and CDP_API_KEY_SECRET must be set together")
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return errors.New("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
	}
	if c.RelayerFeeBps < 0 || c.RelayerFeeBps > 10000 {
		return fmt.Errorf("invalid RELAYER_FEE_BPS value: %d", c.RelayerFeeBps)
	}
	if c.LogFormat != LogFormatJSON && c.LogFormat != LogFormatConsole {
		return fmt.Errorf("invalid LOG_FORMAT value: %q", c.LogFormat)
	}
	return nil
}

// FacilitatorEnabled reports whether CDP credentials are configured.
func (c *Config) FacilitatorEnabled() bool {
	return c.CDPAPIKeyID != "" && c.CDPAPIKeySecret != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getRPCURLs collects RPC_URL_<chainId> entries from environ.
func getRPCURLs(environ []string) map[int64]string {
	urls := make(map[int64]string)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" || !strings.HasPrefix(key, rpcURLPrefix) {
			continue
		}
		chainID, err := strconv.ParseInt(strings.TrimPrefix(key, rpcURLPrefix), 10, 64)
		if err != nil {
			continue
		}
		urls[chainID] = value
	}
	return urls
}
