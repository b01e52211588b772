package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the billing sync service.
type Config struct {
	DatabaseURL         string
	BindAddress         string
	Port                int
	BaseURL             string // e.g. "https://app.billfold.dev"
	APIToken            string // shared token for the authenticated API surface
	StripeAPIKey        string
	StripeWebhookSecret string
	ProPriceID          string // Stripe price for the Pro plan checkout

	CheckoutSettleDelay time.Duration // wait before syncing after checkout.session.completed
	SyncMaxRetries      int
	SyncBackoffBase     time.Duration
	ReconcileInterval   time.Duration
	CacheSize           int

	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables. A .env file is loaded
// if present but not required.
func Load() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("BF_PORT", 8080)
	if err != nil {
		return nil, err
	}
	cacheSize, err := envOrDefaultInt("BF_CACHE_SIZE", 1024)
	if err != nil {
		return nil, err
	}
	settleDelay, err := envOrDefaultDuration("BF_CHECKOUT_SETTLE_DELAY", 3*time.Second)
	if err != nil {
		return nil, err
	}
	maxRetries, err := envOrDefaultInt("BF_SYNC_MAX_RETRIES", 3)
	if err != nil {
		return nil, err
	}
	backoffBase, err := envOrDefaultDuration("BF_SYNC_BACKOFF_BASE", time.Second)
	if err != nil {
		return nil, err
	}
	reconcileInterval, err := envOrDefaultDuration("BF_RECONCILE_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DatabaseURL:         strings.TrimSpace(os.Getenv("DATABASE_URL")),
		BindAddress:         envOrDefault("BF_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		BaseURL:             strings.TrimSpace(os.Getenv("BF_BASE_URL")),
		APIToken:            strings.TrimSpace(os.Getenv("BF_API_TOKEN")),
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		ProPriceID:          strings.TrimSpace(os.Getenv("BF_PRO_PRICE_ID")),
		CheckoutSettleDelay: settleDelay,
		SyncMaxRetries:      maxRetries,
		SyncBackoffBase:     backoffBase,
		ReconcileInterval:   reconcileInterval,
		CacheSize:           cacheSize,
		LogLevel:            envOrDefault("BF_LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("BF_LOG_FORMAT", "auto"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.BaseURL == "" {
		missing = append(missing, "BF_BASE_URL")
	}
	if c.StripeAPIKey == "" {
		missing = append(missing, "STRIPE_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	// STRIPE_WEBHOOK_SECRET is deliberately not required at startup: the
	// webhook handler reports its absence as a server misconfiguration per
	// request, which keeps the rest of the service usable.

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("BF_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.SyncMaxRetries < 0 {
		return fmt.Errorf("BF_SYNC_MAX_RETRIES must not be negative, got %d", c.SyncMaxRetries)
	}
	if c.CacheSize < 1 {
		return fmt.Errorf("BF_CACHE_SIZE must be at least 1, got %d", c.CacheSize)
	}

	parsedBaseURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("BF_BASE_URL must be a valid URL: %w", err)
	}
	if parsedBaseURL.Scheme != "http" && parsedBaseURL.Scheme != "https" {
		return fmt.Errorf("BF_BASE_URL must use http or https scheme")
	}
	if parsedBaseURL.Host == "" {
		return fmt.Errorf("BF_BASE_URL must include a host")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
