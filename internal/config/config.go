package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	DBSource string
	Port     string
	Env      string

	RedisAddr string
	RedisPass string

	// Interbank protocol settings. RoutingNumber identifies this bank in
	// the network; the target URL is the counterpart bank's webhook.
	RoutingNumber            string
	ForeignBankRoutingNumber string
	ForeignBankAPIKey        string
	InterbankTargetURL       string
	TradingServiceURL        string
	APIKey                   string

	HTTPTimeout time.Duration
}

func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	routing := os.Getenv("ROUTING_NUMBER")
	if routing == "" {
		return nil, fmt.Errorf("ROUTING_NUMBER environment variable is required")
	}

	target := os.Getenv("INTERBANK_TARGET_URL")
	if target == "" {
		return nil, fmt.Errorf("INTERBANK_TARGET_URL environment variable is required")
	}

	timeout, err := time.ParseDuration(getEnv("HTTP_TIMEOUT", "10s"))
	if err != nil {
		return nil, fmt.Errorf("invalid HTTP_TIMEOUT: %w", err)
	}

	return &Config{
		DBSource:                 dbSource,
		Port:                     getEnv("SERVER_PORT", "8080"),
		Env:                      getEnv("ENVIRONMENT", "development"),
		RedisAddr:                os.Getenv("REDIS_ADDR"),
		RedisPass:                os.Getenv("REDIS_PASS"),
		RoutingNumber:            routing,
		ForeignBankRoutingNumber: getEnv("FOREIGN_BANK_ROUTING_NUMBER", "444"),
		ForeignBankAPIKey:        os.Getenv("FOREIGN_BANK_API_KEY"),
		InterbankTargetURL:       target,
		TradingServiceURL:        os.Getenv("TRADING_SERVICE_URL"),
		APIKey:                   os.Getenv("API_KEY"),
		HTTPTimeout:              timeout,
	}, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
