package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsRejectPlaceholderSecret(t *testing.T) {
	t.Setenv("FLOWLENS_CONFIG_FILE", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "placeholder")
}

func TestLoadAllowsPlaceholderWhenExplicit(t *testing.T) {
	t.Setenv("FLOWLENS_ALLOW_DEV_SECRET", "true")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, StoreSQLite, cfg.Store)
	assert.Equal(t, 20, cfg.RecentLimit)
	assert.Equal(t, int64(65536), cfg.MaxBodyBytes)
	assert.Equal(t, 3*time.Second, cfg.EnrichTimeout)
	assert.Equal(t, "flowlens.checkpoints", cfg.KafkaTopic)
	assert.Equal(t, "*", cfg.AllowedOrigin)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FLOWLENS_HMAC_SECRET", "s3cret")
	t.Setenv("FLOWLENS_STORE", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/flowlens")
	t.Setenv("FLOWLENS_RECENT_LIMIT", "-4")
	t.Setenv("FLOWLENS_ENRICH_TIMEOUT", "750ms")
	t.Setenv("FLOWLENS_ENRICH_RETRIES", "0")
	t.Setenv("FLOWLENS_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("FLOWLENS_INGEST_RPS", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, "postgres://localhost/flowlens", cfg.DatabaseURL)
	assert.Equal(t, 20, cfg.RecentLimit, "invalid values fall back to the default")
	assert.Equal(t, 750*time.Millisecond, cfg.EnrichTimeout)
	assert.Equal(t, 0, cfg.EnrichRetries)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, float64(0), cfg.IngestRPS)
}

func TestPostgresRequiresDSN(t *testing.T) {
	t.Setenv("FLOWLENS_HMAC_SECRET", "s3cret")
	t.Setenv("FLOWLENS_STORE", "postgres")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("FLOWLENS_DATABASE_URL", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestUnknownStore(t *testing.T) {
	t.Setenv("FLOWLENS_HMAC_SECRET", "s3cret")
	t.Setenv("FLOWLENS_STORE", "mongo")
	_, err := Load()
	assert.Error(t, err)
}

func TestSkipSignatureAcceptsPlaceholder(t *testing.T) {
	t.Setenv("FLOWLENS_SKIP_SIGNATURE", "1")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.SkipSignature)
}

func TestYAMLOverlayWithEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowlens.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9090"
store: memory
hmacSecret: from-file
enrichTimeout: 2s
kafkaBrokers: ["a:9092"]
allowedOrigin: https://app.example.com
`), 0o600))
	t.Setenv("FLOWLENS_CONFIG_FILE", path)
	t.Setenv("FLOWLENS_ADDR", ":7070")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Addr)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, "from-file", cfg.HMACSecret)
	assert.Equal(t, 2*time.Second, cfg.EnrichTimeout)
	assert.Equal(t, []string{"a:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "https://app.example.com", cfg.AllowedOrigin)
	assert.Equal(t, 20, cfg.RecentLimit)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: [unterminated"), 0o600))
	_, err = LoadFile(path)
	assert.Error(t, err)
}
