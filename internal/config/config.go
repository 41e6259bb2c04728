// Package config handles application configuration from environment variables
// and the persisted pairing state.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all daemon configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Pairing
	PairingFile string // Path to the persisted pairing state

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory journal if not set)

	// Reader
	SimulatedReader   bool          // Use the simulated tap-to-pay driver
	DiscoveryTimeout  time.Duration // Watchdog for reader discovery + connect
	ConnectRetryDelay time.Duration // Poll interval while waiting for a reader

	// Channel
	BackoffFloor   time.Duration // Initial reconnect delay
	BackoffCeiling time.Duration // Maximum reconnect delay

	// Orchestrator
	SuccessReleaseDelay time.Duration // Busy release + recovery reconnect after success
	FailureReleaseDelay time.Duration // Busy release + recovery reconnect after failure

	// Reporting
	CallbackURL string // Optional outcome callback endpoint

	// Tracing
	OTLPEndpoint string // Optional OTLP collector endpoint
}

// Defaults
const (
	DefaultPort                = "7311"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultPairingFile         = "pairing.json"
	DefaultDiscoveryTimeout    = 12 * time.Second
	DefaultConnectRetryDelay   = 500 * time.Millisecond
	DefaultBackoffFloor        = 500 * time.Millisecond
	DefaultBackoffCeiling      = 8 * time.Second
	DefaultSuccessReleaseDelay = 500 * time.Millisecond
	DefaultFailureReleaseDelay = 800 * time.Millisecond
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		PairingFile:         getEnv("PAIRING_FILE", DefaultPairingFile),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional
		SimulatedReader:     getEnvBool("SIMULATED_READER", true),
		DiscoveryTimeout:    getEnvDuration("DISCOVERY_TIMEOUT", DefaultDiscoveryTimeout),
		ConnectRetryDelay:   getEnvDuration("CONNECT_RETRY_DELAY", DefaultConnectRetryDelay),
		BackoffFloor:        getEnvDuration("WS_BACKOFF_FLOOR", DefaultBackoffFloor),
		BackoffCeiling:      getEnvDuration("WS_BACKOFF_CEILING", DefaultBackoffCeiling),
		SuccessReleaseDelay: getEnvDuration("SUCCESS_RELEASE_DELAY", DefaultSuccessReleaseDelay),
		FailureReleaseDelay: getEnvDuration("FAILURE_RELEASE_DELAY", DefaultFailureReleaseDelay),
		CallbackURL:         os.Getenv("CALLBACK_URL"),  // Optional
		OTLPEndpoint:        os.Getenv("OTLP_ENDPOINT"), // Optional
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent.
func (c *Config) Validate() error {
	if c.PairingFile == "" {
		return fmt.Errorf("PAIRING_FILE must not be empty")
	}
	if c.BackoffFloor <= 0 {
		return fmt.Errorf("WS_BACKOFF_FLOOR must be positive")
	}
	if c.BackoffCeiling < c.BackoffFloor {
		return fmt.Errorf("WS_BACKOFF_CEILING must be >= WS_BACKOFF_FLOOR")
	}
	if c.DiscoveryTimeout <= 0 {
		return fmt.Errorf("DISCOVERY_TIMEOUT must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
