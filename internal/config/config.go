// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Escrow backing modes
const (
	BackingDatabase  = "database"
	BackingOnChain   = "onchain"
	BackingSimulated = "simulated"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Order book cache (optional, uses in-memory if not set)

	// Observability
	OTLPEndpoint string

	// Security
	AdminSecret  string // X-Admin-Secret for admin and moderator routes
	GatewayToken string // Bearer token the bot gateway presents (optional)
	RateLimitRPM int

	// Notifications
	GatewayWebhookURL    string // trade events are POSTed here when set
	GatewayWebhookSecret string // HMAC key for X-Settlement-Signature

	// Trading
	Moderators           []string
	PlatformAccount      string
	SupportedTokens      []string
	CommissionRate       decimal.Decimal
	TradeTimeout         time.Duration
	DisputeExtension     time.Duration
	CompromiseBuyerShare decimal.Decimal

	// Escrow
	EscrowBacking     string // database | onchain | simulated
	EscrowAtOrderTime bool
	MinLockMinutes    int64

	// Blockchain settings
	RPCURL            string
	ChainID           int64
	EscrowContract    string
	TokenContract     string
	TokenDecimals     int32
	FallbackSignerKey string // Hex-encoded, with or without 0x prefix
	ArbitratorKey     string
	UserSignerKeys    map[string]string // userID -> hex key, development only
	ChainCallTimeout  time.Duration

	// Background workers
	SweepInterval     time.Duration
	MatchInterval     time.Duration
	ReconcileInterval time.Duration
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultRPCURL          = "https://sepolia.base.org"
	DefaultChainID         = 84532 // Base Sepolia
	DefaultPlatformAccount = "platform"
	DefaultSupportedTokens = "USDT,USDC"
	DefaultCommissionRate  = "0.005"
	DefaultCompromiseShare = "0.5"
	DefaultTokenDecimals   = 6
	DefaultMinLockMinutes  = 30
	DefaultRateLimit       = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	commission, err := getEnvDecimal("COMMISSION_RATE", DefaultCommissionRate)
	if err != nil {
		return nil, err
	}
	share, err := getEnvDecimal("COMPROMISE_BUYER_SHARE", DefaultCompromiseShare)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		GatewayToken:         os.Getenv("GATEWAY_TOKEN"),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		GatewayWebhookURL:    os.Getenv("GATEWAY_WEBHOOK_URL"),
		GatewayWebhookSecret: os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		Moderators:           getEnvList("MODERATORS", ""),
		PlatformAccount:      getEnv("PLATFORM_ACCOUNT", DefaultPlatformAccount),
		SupportedTokens:      upper(getEnvList("SUPPORTED_TOKENS", DefaultSupportedTokens)),
		CommissionRate:       commission,
		TradeTimeout:         getEnvDuration("TRADE_TIMEOUT", 30*time.Minute),
		DisputeExtension:     getEnvDuration("DISPUTE_EXTENSION", 72*time.Hour),
		CompromiseBuyerShare: share,
		EscrowBacking:        strings.ToLower(getEnv("ESCROW_BACKING", BackingDatabase)),
		EscrowAtOrderTime:    getEnvBool("ESCROW_AT_ORDER_TIME", false),
		MinLockMinutes:       getEnvInt64("MIN_LOCK_MINUTES", DefaultMinLockMinutes),
		RPCURL:               getEnv("RPC_URL", DefaultRPCURL),
		ChainID:              getEnvInt64("CHAIN_ID", DefaultChainID),
		EscrowContract:       os.Getenv("ESCROW_CONTRACT"),
		TokenContract:        os.Getenv("TOKEN_CONTRACT"),
		TokenDecimals:        int32(getEnvInt64("TOKEN_DECIMALS", DefaultTokenDecimals)),
		FallbackSignerKey:    os.Getenv("FALLBACK_SIGNER_KEY"),
		ArbitratorKey:        os.Getenv("ARBITRATOR_KEY"),
		UserSignerKeys:       getEnvPairs("USER_SIGNER_KEYS"),
		ChainCallTimeout:     getEnvDuration("CHAIN_CALL_TIMEOUT", 30*time.Second),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", 30*time.Second),
		MatchInterval:        getEnvDuration("MATCH_INTERVAL", 10*time.Second),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if len(c.SupportedTokens) == 0 {
		return fmt.Errorf("SUPPORTED_TOKENS must list at least one token")
	}
	if c.PlatformAccount == "" {
		return fmt.Errorf("PLATFORM_ACCOUNT is required")
	}
	if c.CommissionRate.IsNegative() || c.CommissionRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("COMMISSION_RATE must be in [0, 1)")
	}
	if c.CompromiseBuyerShare.IsNegative() || c.CompromiseBuyerShare.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("COMPROMISE_BUYER_SHARE must be in [0, 1]")
	}
	if c.TradeTimeout <= 0 {
		return fmt.Errorf("TRADE_TIMEOUT must be positive")
	}

	switch c.EscrowBacking {
	case BackingDatabase, BackingSimulated:
	case BackingOnChain:
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required for onchain escrow")
		}
		if c.EscrowContract == "" || c.TokenContract == "" {
			return fmt.Errorf("ESCROW_CONTRACT and TOKEN_CONTRACT are required for onchain escrow")
		}
		if err := validateKey("FALLBACK_SIGNER_KEY", c.FallbackSignerKey); err != nil {
			return err
		}
		if err := validateKey("ARBITRATOR_KEY", c.ArbitratorKey); err != nil {
			return err
		}
	default:
		return fmt.Errorf("ESCROW_BACKING must be one of database, onchain, simulated (got %q)", c.EscrowBacking)
	}

	if c.EscrowAtOrderTime && c.EscrowBacking != BackingDatabase {
		return fmt.Errorf("ESCROW_AT_ORDER_TIME requires ESCROW_BACKING=database")
	}

	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	if c.IsProduction() && c.GatewayWebhookURL != "" && c.GatewayWebhookSecret == "" {
		return fmt.Errorf("GATEWAY_WEBHOOK_SECRET is required when GATEWAY_WEBHOOK_URL is set in production")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// IsModerator reports whether userID is on the configured moderator list.
func (c *Config) IsModerator(userID string) bool {
	for _, m := range c.Moderators {
		if m == userID {
			return true
		}
	}
	return false
}

// validateKey allows both with and without 0x prefix
func validateKey(name, key string) error {
	if key == "" {
		return fmt.Errorf("%s is required", name)
	}
	key = strings.TrimPrefix(key, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%s must be 64 hex characters (with or without 0x prefix)", name)
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

func getEnvDecimal(key, defaultValue string) (decimal.Decimal, error) {
	raw := getEnv(key, defaultValue)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q", key, raw)
	}
	return d, nil
}

func getEnvList(key, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnvPairs parses "a:1,b:2" into a map.
func getEnvPairs(key string) map[string]string {
	out := make(map[string]string)
	for _, item := range getEnvList(key, "") {
		k, v, ok := strings.Cut(item, ":")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

func upper(in []string) []string {
	for i := range in {
		in[i] = strings.ToUpper(in[i])
	}
	return in
}
