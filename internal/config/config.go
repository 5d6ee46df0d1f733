// Package config loads the gateway configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Arteon-Labs/vault_layer/internal/apperr"
)

// Config is the full gateway configuration. Every field has an environment
// variable override; unset values fall back to localnet defaults.
type Config struct {
	HTTPAddr string

	RPCURL         string
	ProgramID      string
	Network        string
	ConfirmTimeout time.Duration

	WalletPath string

	DatabaseURL string

	SweepSchedule string

	RateLimitPerSecond int
	RateLimitBurst     int

	LogLevel  string
	LogFormat string
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		RPCURL:             getEnv("SOLANA_RPC_URL", "http://127.0.0.1:8899"),
		ProgramID:          strings.TrimSpace(os.Getenv("VAULT_PROGRAM_ID")),
		Network:            getEnv("SOLANA_NETWORK", "localhost"),
		WalletPath:         strings.TrimSpace(os.Getenv("AUTHORITY_WALLET_PATH")),
		DatabaseURL:        strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SweepSchedule:      getEnv("OFFER_SWEEP_SCHEDULE", "@hourly"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "console"),
		ConfirmTimeout:     30 * time.Second,
		RateLimitPerSecond: 50,
		RateLimitBurst:     100,
	}

	if cfg.ProgramID == "" {
		return Config{}, apperr.New(apperr.CodeConfiguration, "VAULT_PROGRAM_ID is required")
	}

	var err error
	if cfg.ConfirmTimeout, err = getDuration("CONFIRM_TIMEOUT", cfg.ConfirmTimeout); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitPerSecond, err = getInt("RATE_LIMIT_PER_SECOND", cfg.RateLimitPerSecond); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitBurst, err = getInt("RATE_LIMIT_BURST", cfg.RateLimitBurst); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// AirdropEnabled reports whether faucet passthrough should be exposed.
// Airdrops only exist on test networks.
func (c Config) AirdropEnabled() bool {
	switch strings.ToLower(c.Network) {
	case "localhost", "localnet", "devnet", "testnet":
		return true
	}
	return false
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apperr.New(apperr.CodeConfiguration, "%s must be a non-negative integer, got %q", key, raw)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return 0, apperr.New(apperr.CodeConfiguration, "%s must be a positive duration, got %q", key, raw)
	}
	return v, nil
}
