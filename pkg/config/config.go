// Package config provides environment-based configuration for the bounty service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all configuration for the bounty service.
type Config struct {
	// Database configuration
	StoreDriver string `yaml:"store_driver"`
	DatabaseDSN string `yaml:"database_url"`

	// Session tokens
	JWTSecret     string        `yaml:"jwt_secret"`
	JWTExpiry     time.Duration `yaml:"jwt_expiry"`
	SessionCookie string        `yaml:"session_cookie"`

	// Server configuration
	APIPort int    `yaml:"api_port"`
	APIHost string `yaml:"api_host"`
	WebURL  string `yaml:"web_url"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// AgeIdentity decrypts key material stored as age ciphertext.
	// Format: AGE-SECRET-KEY-1... (Bech32 encoded)
	AgeIdentity string `yaml:"age_identity"`

	GitHub     GitHubConfig     `yaml:"github"`
	Chain      ChainConfig      `yaml:"chain"`
	Settlement SettlementConfig `yaml:"settlement"`
	Retry      RetryConfig      `yaml:"retry"`
}

// GitHubConfig holds GitHub App and OAuth configuration.
type GitHubConfig struct {
	AppID          int64         `yaml:"app_id"`
	PrivateKey     string        `yaml:"private_key"`
	PrivateKeyFile string        `yaml:"private_key_file"`
	ClientID       string        `yaml:"client_id"`
	ClientSecret   string        `yaml:"client_secret"`
	WebhookSecret  string        `yaml:"webhook_secret"`
	APIURL         string        `yaml:"api_url"`
	GraphQLURL     string        `yaml:"graphql_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ChainConfig holds escrow contract configuration.
type ChainConfig struct {
	RPCURL              string        `yaml:"rpc_url"`
	ChainID             int64         `yaml:"chain_id"`
	ContractAddress     string        `yaml:"contract_address"`
	OperatorKey         string        `yaml:"operator_key"`
	OperatorKeyFile     string        `yaml:"operator_key_file"`
	CallTimeout         time.Duration `yaml:"call_timeout"`
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout"`
	// GasLimit fixes the gas of escrow transactions. Zero estimates per call.
	GasLimit uint64 `yaml:"gas_limit"`
}

// SettlementConfig controls recovery of partially settled bounties.
type SettlementConfig struct {
	RecoveryEnabled  bool          `yaml:"recovery_enabled"`
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
	MaxBurnAttempts  int           `yaml:"max_burn_attempts"`
}

// RetryConfig bounds retries of idempotent reads against GitHub and the chain.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// Load reads configuration from a .env file, an optional YAML file named by
// CONFIG_FILE, and environment variables, in increasing precedence.
func Load() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadWithDefaults loads configuration with defaults for development.
// It does not validate required fields, useful for testing and the CLI.
func LoadWithDefaults() *Config {
	cfg, err := load()
	if err != nil {
		cfg = defaults()
		cfg.applyEnv()
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "development-secret-key-min-32-chars"
	}
	return cfg
}

func load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load(getEnv("ENV_FILE", ".env"))

	cfg := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		StoreDriver:     StoreDriverPostgres,
		DatabaseDSN:     "postgres://localhost:5432/gitbounties?sslmode=disable",
		JWTExpiry:       24 * time.Hour,
		SessionCookie:   "gitbounties_session",
		APIPort:         8080,
		APIHost:         "0.0.0.0",
		WebURL:          "http://localhost:3000",
		ShutdownTimeout: 30 * time.Second,
		LogLevel:        "info",
		LogFormat:       "json",
		GitHub: GitHubConfig{
			APIURL:         "https://api.github.com/",
			GraphQLURL:     "https://api.github.com/graphql",
			RequestTimeout: 10 * time.Second,
		},
		Chain: ChainConfig{
			RPCURL:              "http://127.0.0.1:8545",
			ChainID:             31337,
			CallTimeout:         15 * time.Second,
			ConfirmationTimeout: 2 * time.Minute,
		},
		Settlement: SettlementConfig{
			RecoveryInterval: 5 * time.Minute,
			MaxBurnAttempts:  5,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays environment variables on top of the current values.
func (c *Config) applyEnv() {
	c.StoreDriver = getEnv("STORE_DRIVER", c.StoreDriver)
	c.DatabaseDSN = getEnv("DATABASE_URL", c.DatabaseDSN)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.JWTExpiry = getDurationEnv("JWT_EXPIRY", c.JWTExpiry)
	c.SessionCookie = getEnv("SESSION_COOKIE", c.SessionCookie)
	c.APIPort = getIntEnv("API_PORT", c.APIPort)
	c.APIHost = getEnv("API_HOST", c.APIHost)
	c.WebURL = getEnv("WEB_URL", c.WebURL)
	c.ShutdownTimeout = getDurationEnv("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.AgeIdentity = getEnv("AGE_IDENTITY", c.AgeIdentity)

	c.GitHub.AppID = getInt64Env("GITHUB_APP_ID", c.GitHub.AppID)
	c.GitHub.PrivateKey = getEnv("GITHUB_PRIVATE_KEY", c.GitHub.PrivateKey)
	c.GitHub.PrivateKeyFile = getEnv("GITHUB_PRIVATE_KEY_FILE", c.GitHub.PrivateKeyFile)
	c.GitHub.ClientID = getEnv("GITHUB_CLIENT_ID", c.GitHub.ClientID)
	c.GitHub.ClientSecret = getEnv("GITHUB_CLIENT_SECRET", c.GitHub.ClientSecret)
	c.GitHub.WebhookSecret = getEnv("GITHUB_WEBHOOK_SECRET", c.GitHub.WebhookSecret)
	c.GitHub.APIURL = getEnv("GITHUB_API_URL", c.GitHub.APIURL)
	c.GitHub.GraphQLURL = getEnv("GITHUB_GRAPHQL_URL", c.GitHub.GraphQLURL)
	c.GitHub.RequestTimeout = getDurationEnv("GITHUB_REQUEST_TIMEOUT", c.GitHub.RequestTimeout)

	c.Chain.RPCURL = getEnv("CHAIN_RPC_URL", c.Chain.RPCURL)
	c.Chain.ChainID = getInt64Env("CHAIN_ID", c.Chain.ChainID)
	c.Chain.ContractAddress = getEnv("CHAIN_CONTRACT_ADDRESS", c.Chain.ContractAddress)
	c.Chain.OperatorKey = getEnv("CHAIN_OPERATOR_KEY", c.Chain.OperatorKey)
	c.Chain.OperatorKeyFile = getEnv("CHAIN_OPERATOR_KEY_FILE", c.Chain.OperatorKeyFile)
	c.Chain.CallTimeout = getDurationEnv("CHAIN_CALL_TIMEOUT", c.Chain.CallTimeout)
	c.Chain.ConfirmationTimeout = getDurationEnv("CHAIN_CONFIRMATION_TIMEOUT", c.Chain.ConfirmationTimeout)
	if gas := getInt64Env("CHAIN_GAS_LIMIT", int64(c.Chain.GasLimit)); gas >= 0 {
		c.Chain.GasLimit = uint64(gas)
	}

	c.Settlement.RecoveryEnabled = getBoolEnv("SETTLEMENT_RECOVERY_ENABLED", c.Settlement.RecoveryEnabled)
	c.Settlement.RecoveryInterval = getDurationEnv("SETTLEMENT_RECOVERY_INTERVAL", c.Settlement.RecoveryInterval)
	c.Settlement.MaxBurnAttempts = getIntEnv("SETTLEMENT_MAX_BURN_ATTEMPTS", c.Settlement.MaxBurnAttempts)

	c.Retry.MaxAttempts = getIntEnv("RETRY_MAX_ATTEMPTS", c.Retry.MaxAttempts)
	c.Retry.InitialBackoff = getDurationEnv("RETRY_INITIAL_BACKOFF", c.Retry.InitialBackoff)
	c.Retry.MaxBackoff = getDurationEnv("RETRY_MAX_BACKOFF", c.Retry.MaxBackoff)
}

// Validate checks that required configuration values are set.
func (c *Config) Validate() error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	} else if len(c.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least 32 characters"))
	}

	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseDSN == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required for the postgres store"))
		}
	case StoreDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q", StoreDriverPostgres, StoreDriverMemory))
	}

	if c.GitHub.AppID <= 0 {
		errs = append(errs, fmt.Errorf("GITHUB_APP_ID is required"))
	}
	if c.GitHub.PrivateKey == "" && c.GitHub.PrivateKeyFile == "" {
		errs = append(errs, fmt.Errorf("GITHUB_PRIVATE_KEY or GITHUB_PRIVATE_KEY_FILE is required"))
	}
	if c.GitHub.ClientID == "" || c.GitHub.ClientSecret == "" {
		errs = append(errs, fmt.Errorf("GITHUB_CLIENT_ID and GITHUB_CLIENT_SECRET are required"))
	}

	if c.Chain.RPCURL == "" {
		errs = append(errs, fmt.Errorf("CHAIN_RPC_URL is required"))
	}
	if c.Chain.ContractAddress == "" {
		errs = append(errs, fmt.Errorf("CHAIN_CONTRACT_ADDRESS is required"))
	}
	if c.Chain.OperatorKey == "" && c.Chain.OperatorKeyFile == "" {
		errs = append(errs, fmt.Errorf("CHAIN_OPERATOR_KEY or CHAIN_OPERATOR_KEY_FILE is required"))
	}

	if c.Settlement.RecoveryEnabled && c.Settlement.RecoveryInterval <= 0 {
		errs = append(errs, fmt.Errorf("SETTLEMENT_RECOVERY_INTERVAL must be positive"))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
