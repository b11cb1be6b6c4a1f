package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string
	JWTSecret   string

	FNBBaseURL         string
	FNBTokenURL        string
	FNBClientID        string
	FNBClientSecret    string
	FNBMerchantAccount string
	FNBTimeout         time.Duration
}

func LoadConfig() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Port:        getEnvOrDefault("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),

		FNBBaseURL:         os.Getenv("FNB_BASE_URL"),
		FNBTokenURL:        os.Getenv("FNB_TOKEN_URL"),
		FNBClientID:        os.Getenv("FNB_CLIENT_ID"),
		FNBClientSecret:    os.Getenv("FNB_CLIENT_SECRET"),
		FNBMerchantAccount: os.Getenv("FNB_MERCHANT_ACCOUNT"),
		FNBTimeout:         30 * time.Second,
	}

	if raw := os.Getenv("FNB_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("config: invalid FNB_TIMEOUT %q: %w", raw, err)
		}
		cfg.FNBTimeout = d
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("config: JWT_SECRET is required")
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
