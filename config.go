package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

const devJWTSecret = "ladyshop-dev-secret"

type Config struct {
	ListenAddr string
	DBDriver   string
	DBDSN      string
	JWTSecret  string
	TokenTTL   time.Duration
	BcryptCost int

	RefreshSeedImages bool

	StripeKey            string
	StripePublishableKey string
	StripeWebhookSecret  string
	Currency             string

	LogLevel slog.Level
}

// LoadConfig reads an optional .env file and then the environment.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return configFromEnv(os.Getenv)
}

func configFromEnv(getenv func(string) string) (*Config, error) {
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}
	cfg := &Config{
		ListenAddr:           env("LISTEN_ADDR", ":8080"),
		DBDriver:             env("DB_DRIVER", "sqlite3"),
		DBDSN:                env("DB_DSN", "ladyshop.db"),
		JWTSecret:            env("JWT_SECRET", devJWTSecret),
		StripeKey:            env("STRIPE_KEY", ""),
		StripePublishableKey: env("STRIPE_PUBLISHABLE_KEY", ""),
		StripeWebhookSecret:  env("STRIPE_WEBHOOK_SECRET", ""),
		Currency:             strings.ToLower(env("CURRENCY", "vnd")),
	}
	if _, err := dialectFor(cfg.DBDriver); err != nil {
		return nil, err
	}

	var err error
	if cfg.TokenTTL, err = time.ParseDuration(env("TOKEN_TTL", "24h")); err != nil {
		return nil, fmt.Errorf("TOKEN_TTL: %w", err)
	}
	if cfg.TokenTTL <= 0 {
		return nil, fmt.Errorf("TOKEN_TTL must be positive, got %s", cfg.TokenTTL)
	}
	if cfg.BcryptCost, err = strconv.Atoi(env("BCRYPT_COST", strconv.Itoa(bcrypt.DefaultCost))); err != nil {
		return nil, fmt.Errorf("BCRYPT_COST: %w", err)
	}
	if cfg.BcryptCost < bcrypt.MinCost || cfg.BcryptCost > bcrypt.MaxCost {
		return nil, fmt.Errorf("BCRYPT_COST must be within %d..%d, got %d", bcrypt.MinCost, bcrypt.MaxCost, cfg.BcryptCost)
	}
	if cfg.RefreshSeedImages, err = strconv.ParseBool(env("SEED_REFRESH_IMAGES", "true")); err != nil {
		return nil, fmt.Errorf("SEED_REFRESH_IMAGES: %w", err)
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(env("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return cfg, nil
}

func (c *Config) Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: c.LogLevel}))
}
