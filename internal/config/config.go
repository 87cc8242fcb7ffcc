package config

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
)

type Config struct {
	DBSource              string
	Port                  string
	Env                   string
	LogLevel              string
	MigrationsDir         string
	ConfirmationThreshold decimal.Decimal
	MaxTransferAmount     decimal.Decimal
}

func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	migrationsDir := os.Getenv("MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}

	threshold, err := decimalEnv("CONFIRMATION_THRESHOLD", "50000")
	if err != nil {
		return nil, err
	}

	maxAmount, err := decimalEnv("MAX_TRANSFER_AMOUNT", "999999999.99")
	if err != nil {
		return nil, err
	}

	return &Config{
		DBSource:              dbSource,
		Port:                  port,
		Env:                   env,
		LogLevel:              logLevel,
		MigrationsDir:         migrationsDir,
		ConfirmationThreshold: threshold,
		MaxTransferAmount:     maxAmount,
	}, nil
}

func decimalEnv(name, fallback string) (decimal.Decimal, error) {
	raw := os.Getenv(name)
	if raw == "" {
		raw = fallback
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s must be a decimal number: %w", name, err)
	}
	return d, nil
}
