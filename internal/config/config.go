// Package config loads service configuration from the environment, with
// optional .env support for local development.
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

type Config struct {
	DatabaseURL  string
	AuthToken    string
	WebhookToken string
	Port         string

	EulenURL       string
	EulenAuthToken string

	SideswapURL    string
	SideswapAPIKey string

	WalletdURL string

	KafkaBrokers []string
	KafkaTopic   string

	MinDepositCents   int64
	ConfirmationDepth int
	PaymentTimeout    time.Duration
	PollInterval      time.Duration
	ReconcileInterval time.Duration
}

func Load() (Config, error) {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := Config{
		Port:              envOr("PORT", "8080"),
		EulenURL:          strings.TrimSpace(os.Getenv("EULEN_URL")),
		EulenAuthToken:    strings.TrimSpace(os.Getenv("EULEN_AUTH_TOKEN")),
		SideswapURL:       strings.TrimSpace(os.Getenv("SIDESWAP_URL")),
		SideswapAPIKey:    strings.TrimSpace(os.Getenv("SIDESWAP_API_KEY")),
		WalletdURL:        strings.TrimSpace(os.Getenv("WALLETD_URL")),
		KafkaTopic:        envOr("KAFKA_TOPIC", "pixbridge.transactions"),
		MinDepositCents:   100,
		ConfirmationDepth: 2,
		PaymentTimeout:    30 * time.Minute,
		PollInterval:      15 * time.Second,
		ReconcileInterval: time.Minute,
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		host := envOr("DB_HOST", "localhost")
		port := envOr("DB_PORT", "5432")
		user := strings.TrimSpace(os.Getenv("DB_USER"))
		password := strings.TrimSpace(os.Getenv("DB_PASSWORD"))
		name := strings.TrimSpace(os.Getenv("DB_NAME"))
		sslmode := envOr("DB_SSLMODE", "disable")
		if user == "" || password == "" || name == "" {
			return Config{}, errors.New("DATABASE_URL or DB_USER/DB_PASSWORD/DB_NAME are required")
		}
		dbURL = fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			host, port, user, password, name, sslmode,
		)
	}
	cfg.DatabaseURL = dbURL

	cfg.AuthToken = strings.TrimSpace(os.Getenv("AUTH_TOKEN"))
	if cfg.AuthToken == "" {
		return Config{}, errors.New("AUTH_TOKEN is required")
	}
	cfg.WebhookToken = strings.TrimSpace(os.Getenv("WEBHOOK_TOKEN"))
	if cfg.WebhookToken == "" {
		return Config{}, errors.New("WEBHOOK_TOKEN is required")
	}

	for _, required := range []struct{ name, val string }{
		{"EULEN_URL", cfg.EulenURL},
		{"EULEN_AUTH_TOKEN", cfg.EulenAuthToken},
		{"SIDESWAP_URL", cfg.SideswapURL},
		{"SIDESWAP_API_KEY", cfg.SideswapAPIKey},
		{"WALLETD_URL", cfg.WalletdURL},
	} {
		if required.val == "" {
			return Config{}, fmt.Errorf("%s is required", required.name)
		}
	}

	if brokers := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	var err error
	if cfg.MinDepositCents, err = envInt64("MIN_DEPOSIT_CENTS", cfg.MinDepositCents); err != nil {
		return Config{}, err
	}
	if cfg.ConfirmationDepth, err = envInt("CONFIRMATION_DEPTH", cfg.ConfirmationDepth); err != nil {
		return Config{}, err
	}
	if cfg.PaymentTimeout, err = envDuration("PAYMENT_TIMEOUT", cfg.PaymentTimeout); err != nil {
		return Config{}, err
	}
	if cfg.PollInterval, err = envDuration("POLL_INTERVAL", cfg.PollInterval); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileInterval, err = envDuration("RECONCILE_INTERVAL", cfg.ReconcileInterval); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt64(key string, fallback int64) (int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envInt(key string, fallback int) (int, error) {
	n, err := envInt64(key, int64(fallback))
	return int(n), err
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
