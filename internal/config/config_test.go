package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, StoreBackendMemory, cfg.StoreBackend)
	assert.Equal(t, int64(3), cfg.Metering.InputImageCap)
	assert.Equal(t, int64(50), cfg.Metering.WebSearchCap)
	assert.Equal(t, int32(6), cfg.Metering.CostPrecision)
	assert.True(t, cfg.Metering.HeuristicImageTokens)
	assert.Equal(t, int64(1), cfg.Metering.TokensPerImage)
	assert.Equal(t, 5, cfg.Metering.MaxConflictRetries)
	assert.Equal(t, 10*time.Millisecond, cfg.Metering.RetryBackoff)
	assert.Equal(t, 30*time.Second, cfg.Pricing.CacheTTL)
	assert.False(t, cfg.Events.Async)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://meter@localhost/meter?sslmode=disable")
	t.Setenv("METERING_COST_PRECISION", "7")
	t.Setenv("METERING_HEURISTIC_IMAGE_TOKENS", "false")
	t.Setenv("METERING_TOKENS_PER_IMAGE", "258")
	t.Setenv("PRICING_CACHE_TTL", "1m")
	t.Setenv("EVENTS_ASYNC", "true")
	t.Setenv("DB_AUTO_MIGRATE", "1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int32(7), cfg.Metering.CostPrecision)
	assert.False(t, cfg.Metering.HeuristicImageTokens)
	assert.Equal(t, int64(258), cfg.Metering.TokensPerImage)
	assert.Equal(t, time.Minute, cfg.Pricing.CacheTTL)
	assert.True(t, cfg.Events.Async)
	assert.True(t, cfg.Database.AutoMigrate)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("METERING_WEBSEARCH_CAP", "lots")
	t.Setenv("PRICING_CACHE_TTL", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(50), cfg.Metering.WebSearchCap)
	assert.Equal(t, 30*time.Second, cfg.Pricing.CacheTTL)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			StoreBackend: StoreBackendMemory,
			Metering: MeteringConfig{
				InputImageCap:      3,
				WebSearchCap:       50,
				CostPrecision:      6,
				TokensPerImage:     1,
				MaxConflictRetries: 5,
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"postgres without url", func(c *Config) { c.StoreBackend = StoreBackendPostgres }, "DATABASE_URL"},
		{"unknown backend", func(c *Config) { c.StoreBackend = "sqlite" }, "STORE_BACKEND"},
		{"negative input cap", func(c *Config) { c.Metering.InputImageCap = -1 }, "METERING_INPUT_IMAGE_CAP"},
		{"negative websearch cap", func(c *Config) { c.Metering.WebSearchCap = -1 }, "METERING_WEBSEARCH_CAP"},
		{"precision too high", func(c *Config) { c.Metering.CostPrecision = 13 }, "METERING_COST_PRECISION"},
		{"precision negative", func(c *Config) { c.Metering.CostPrecision = -1 }, "METERING_COST_PRECISION"},
		{"zero tokens per image", func(c *Config) { c.Metering.TokensPerImage = 0 }, "METERING_TOKENS_PER_IMAGE"},
		{"redis events without redis", func(c *Config) { c.Events.UseRedis = true }, "REDIS_ENABLED"},
		{"audit without bucket", func(c *Config) { c.Audit.Enabled = true }, "AUDIT_S3_BUCKET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
