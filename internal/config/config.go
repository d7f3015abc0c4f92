// Package config содержит логику чтения конфигурации сервиса брокера.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса брокера.
type Config struct {
	RunAddress           string  `env:"RUN_ADDRESS"`
	DatabaseURI          string  `env:"DATABASE_URI"`
	ProviderAddress      string  `env:"PROVIDER_ADDRESS"`
	ProviderAPIKey       string  `env:"PROVIDER_API_KEY"`
	AuthSecret           string  `env:"AUTH_SECRET"`
	AdminUserID          int64   `env:"ADMIN_USER_ID"`
	ProfitRate           float64 `env:"PROFIT_RATE"`
	BotCutRate           float64 `env:"BOT_CUT_RATE"`
	RentalTimeoutSeconds int     `env:"RENTAL_TIMEOUT_SECONDS"`
	CatalogTTLSeconds    int     `env:"CATALOG_TTL_SECONDS"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envProviderAddress := cfg.ProviderAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.ProviderAddress, "p", "", "SMS provider address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envProviderAddress != "" {
		cfg.ProviderAddress = envProviderAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.ProfitRate <= 0 {
		cfg.ProfitRate = 0.5
	}
	if cfg.BotCutRate <= 0 {
		cfg.BotCutRate = 0.10
	}
	if cfg.RentalTimeoutSeconds <= 0 {
		cfg.RentalTimeoutSeconds = 20 * 60
	}
	if cfg.CatalogTTLSeconds <= 0 {
		cfg.CatalogTTLSeconds = 30 * 60
	}

	return cfg, nil
}
