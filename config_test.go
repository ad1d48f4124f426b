package main

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func TestConfigDefaults(t *testing.T) {
	cfg, err := configFromEnv(envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "sqlite3", cfg.DBDriver)
	assert.Equal(t, "ladyshop.db", cfg.DBDSN)
	assert.Equal(t, devJWTSecret, cfg.JWTSecret)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.Equal(t, bcrypt.DefaultCost, cfg.BcryptCost)
	assert.True(t, cfg.RefreshSeedImages)
	assert.Empty(t, cfg.StripeKey)
	assert.Equal(t, "vnd", cfg.Currency)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestConfigFromEnv(t *testing.T) {
	cfg, err := configFromEnv(envMap(map[string]string{
		"LISTEN_ADDR":         "127.0.0.1:9000",
		"DB_DRIVER":           "postgres",
		"DB_DSN":              "postgres://shop@localhost/shop?sslmode=disable",
		"JWT_SECRET":          "s3cret",
		"TOKEN_TTL":           "90m",
		"BCRYPT_COST":         "4",
		"SEED_REFRESH_IMAGES": "false",
		"STRIPE_KEY":          "sk_test_1",
		"CURRENCY":            "USD",
		"LOG_LEVEL":           "debug",
	}))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, 90*time.Minute, cfg.TokenTTL)
	assert.Equal(t, 4, cfg.BcryptCost)
	assert.False(t, cfg.RefreshSeedImages)
	assert.Equal(t, "sk_test_1", cfg.StripeKey)
	assert.Equal(t, "usd", cfg.Currency)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestConfigRejectsBadValues(t *testing.T) {
	for key, value := range map[string]string{
		"DB_DRIVER":           "oracle",
		"TOKEN_TTL":           "tomorrow",
		"BCRYPT_COST":         "2",
		"SEED_REFRESH_IMAGES": "maybe",
		"LOG_LEVEL":           "loud",
	} {
		_, err := configFromEnv(envMap(map[string]string{key: value}))
		assert.Error(t, err, key)
	}
	_, err := configFromEnv(envMap(map[string]string{"TOKEN_TTL": "-1h"}))
	assert.Error(t, err)
}

func TestLoadConfigReadsEnvironment(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9999")
	t.Setenv("BCRYPT_COST", "5")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, 5, cfg.BcryptCost)
}
