// Package config loads process-wide settings from the environment
// (env vars + optional .env file, no flags framework).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the top-level process configuration: which store to open,
// which control-plane port to listen on, and the optional Telegram
// notification sink.
type Config struct {
	// Core
	Debug       bool
	DatabaseURL string // postgres://... or a sqlite file path

	// Control plane
	HTTPAddr string

	// Telegram notification subscriber (optional, empty token disables it)
	TelegramToken  string
	TelegramChatID int64

	// Metrics
	MetricsAddr string

	// Exchange defaults used when a bot's own credentials don't override them
	DefaultIsTestnet bool

	// Engine tuning values, loaded from the environment. The engine,
	// reconciler and manager do not read these fields; they use their
	// own built-in constants.
	TickPeriod          time.Duration
	ReconcilerPeriod    time.Duration
	PriceCacheTTL       time.Duration
	CloseGracePeriod    time.Duration
	ConnectivityTimeout time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	cfg := &Config{
		Debug:       getEnvBool("DEBUG", false),
		DatabaseURL: getEnv("DATABASE_URL", "data/chainmakes.db"),

		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		DefaultIsTestnet: getEnvBool("EXCHANGE_TESTNET", true),

		TickPeriod:          getEnvDuration("TICK_PERIOD", 10*time.Second),
		ReconcilerPeriod:    getEnvDuration("RECONCILER_PERIOD", 30*time.Second),
		PriceCacheTTL:       getEnvDuration("PRICE_CACHE_TTL", 5*time.Second),
		CloseGracePeriod:    getEnvDuration("CLOSE_GRACE_PERIOD", 15*time.Second),
		ConnectivityTimeout: getEnvDuration("CONNECTIVITY_TIMEOUT", 30*time.Second),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
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
