package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "0123456789abcdef0123")
	t.Setenv("MPESA_CONSUMER_KEY", "key")
	t.Setenv("MPESA_CONSUMER_SECRET", "secret")
	t.Setenv("MPESA_SHORTCODE", "174379")
	t.Setenv("MPESA_PASSKEY", "passkey")
	t.Setenv("MPESA_CALLBACK_BASE_URL", "https://api.example.com/")
	t.Setenv("ORDERS_TABLE", "orders")
	t.Setenv("CARTS_TABLE", "carts")
	t.Setenv("PRODUCTS_TABLE", "products")
	t.Setenv("IDEMPOTENCY_TABLE", "idempotency")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load(zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "https://sandbox.safaricom.co.ke", cfg.MpesaBaseURL)
	assert.Equal(t, 10*time.Second, cfg.MpesaTimeout)
	assert.Equal(t, 48*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, 5, cfg.MpesaRateBurst)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "https://api.example.com/payments/callback", cfg.CallbackURL())
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("APP_ENV", "dev")
	t.Setenv("PORT", "9090")
	t.Setenv("MPESA_TIMEOUT", "3s")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load(zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 3*time.Second, cfg.MpesaTimeout)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_ConfigFileBelowEnv(t *testing.T) {
	setRequired(t)
	t.Setenv("APP_ENV", "qa")
	t.Setenv("PRODUCTS_TABLE", "")
	t.Setenv("PORT", "7070")

	dir := t.TempDir()
	file := "PRODUCTS_TABLE: qa-products\nPORT: \"6060\"\nMPESA_RATE_BURST: 9\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.qa.yaml"), []byte(file), 0o600))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load(zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, "qa-products", cfg.ProductsTable)
	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, 9, cfg.MpesaRateBurst)
}

func TestLoad_MissingSecretsFails(t *testing.T) {
	setRequired(t)
	t.Setenv("MPESA_PASSKEY", "")
	t.Setenv("JWT_SECRET", "")

	_, err := Load(zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MPESA_PASSKEY")
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestLoadWorker_Defaults(t *testing.T) {
	cfg, err := LoadWorker()
	require.NoError(t, err)
	assert.Equal(t, "SwiftMart/Orders", cfg.MetricsNamespace)
}
