package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends
const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

// MaxCostPrecision bounds METERING_COST_PRECISION
const MaxCostPrecision = 12

// Config holds configuration for the metering service.
type Config struct {
	HTTPPort     string
	StoreBackend string
	Database     DatabaseConfig
	Redis        RedisConfig
	Pricing      PricingConfig
	Metering     MeteringConfig
	Events       EventsConfig
	Audit        AuditConfig
	Log          LogConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	AutoMigrate     bool
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled      bool
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	SpendTTL     time.Duration // Lifetime of the per-day spend mirror keys
}

// PricingConfig holds pricing resolver settings
type PricingConfig struct {
	CacheSize     int
	CacheTTL      time.Duration
	OverridesFile string // YAML, merged over the built-in override table
}

// MeteringConfig holds the knobs of the usage extractor and cost calculator
type MeteringConfig struct {
	InputImageCap        int64
	WebSearchCap         int64
	CostPrecision        int32
	HeuristicImageTokens bool  // Infer output image tokens from attachments when the provider omits them
	TokensPerImage       int64 // Tokens inferred per output image by the heuristic
	MaxConflictRetries   int
	RetryBackoff         time.Duration
}

// EventsConfig holds settings for asynchronous hook delivery
type EventsConfig struct {
	Async        bool
	UseRedis     bool
	QueueName    string
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// AuditConfig holds configuration for the S3-based cost audit sink
type AuditConfig struct {
	Enabled       bool          // Whether to enable the audit sink
	BufferSize    int           // In-memory queue size
	FlushSize     int           // Flush to S3 after this many records
	FlushInterval time.Duration // Flush to S3 after this duration
	S3Bucket      string        // S3 bucket name
	S3Region      string        // AWS region
	S3Prefix      string        // Prefix for S3 keys (e.g., "audit/")
	PodName       string        // Pod identifier for multi-pod deployments
}

// LogConfig holds logging settings
type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvInt64(key string, defaultValue int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	boolVal, err := strconv.ParseBool(val)
	if err != nil {
		return defaultValue
	}
	return boolVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:     getEnvString("HTTP_PORT", "8080"),
		StoreBackend: strings.ToLower(getEnvString("STORE_BACKEND", StoreBackendPostgres)),
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
			AutoMigrate:     getEnvBool("DB_AUTO_MIGRATE", false),
		},
		Redis: RedisConfig{
			Enabled:      getEnvBool("REDIS_ENABLED", false),
			Address:      getEnvString("REDIS_ADDRESS", "localhost:6379"),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			SpendTTL:     getEnvDuration("REDIS_SPEND_TTL", 72*time.Hour),
		},
		Pricing: PricingConfig{
			CacheSize:     getEnvInt("PRICING_CACHE_SIZE", 500),
			CacheTTL:      getEnvDuration("PRICING_CACHE_TTL", 30*time.Second),
			OverridesFile: getEnvString("PRICING_OVERRIDES_FILE", ""),
		},
		Metering: MeteringConfig{
			InputImageCap:        getEnvInt64("METERING_INPUT_IMAGE_CAP", 3),
			WebSearchCap:         getEnvInt64("METERING_WEBSEARCH_CAP", 50),
			CostPrecision:        int32(getEnvInt("METERING_COST_PRECISION", 6)),
			HeuristicImageTokens: getEnvBool("METERING_HEURISTIC_IMAGE_TOKENS", true),
			TokensPerImage:       getEnvInt64("METERING_TOKENS_PER_IMAGE", 1),
			MaxConflictRetries:   getEnvInt("METERING_MAX_CONFLICT_RETRIES", 5),
			RetryBackoff:         getEnvDuration("METERING_RETRY_BACKOFF", 10*time.Millisecond),
		},
		Events: EventsConfig{
			Async:        getEnvBool("EVENTS_ASYNC", false),
			UseRedis:     getEnvBool("EVENTS_USE_REDIS", false),
			QueueName:    getEnvString("EVENTS_QUEUE_NAME", "recompute"),
			BatchSize:    getEnvInt("EVENTS_BATCH_SIZE", 100),
			BatchTimeout: getEnvDuration("EVENTS_BATCH_TIMEOUT", 5*time.Second),
			MaxRetries:   getEnvInt("EVENTS_MAX_RETRIES", 3),
			RetryBackoff: getEnvDuration("EVENTS_RETRY_BACKOFF", 1*time.Second),
		},
		Audit: AuditConfig{
			Enabled:       getEnvBool("AUDIT_SINK_ENABLED", false),
			BufferSize:    getEnvInt("AUDIT_SINK_BUFFER_SIZE", 10000),
			FlushSize:     getEnvInt("AUDIT_SINK_FLUSH_SIZE", 1000),
			FlushInterval: getEnvDuration("AUDIT_SINK_FLUSH_INTERVAL", 5*time.Minute),
			S3Bucket:      getEnvString("AUDIT_S3_BUCKET", ""),
			S3Region:      getEnvString("AUDIT_S3_REGION", "us-east-1"),
			S3Prefix:      getEnvString("AUDIT_S3_PREFIX", "audit/"),
			PodName:       getEnvString("POD_NAME", "meterd-0"),
		},
		Log: LogConfig{
			Level:      getEnvString("LOG_LEVEL", "info"),
			Format:     getEnvString("LOG_FORMAT", "json"),
			File:       getEnvString("LOG_FILE", ""),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 30),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the metering engine cannot run with
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreBackendPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
	case StoreBackendMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	m := c.Metering
	if m.InputImageCap < 0 {
		return fmt.Errorf("METERING_INPUT_IMAGE_CAP must be >= 0, got %d", m.InputImageCap)
	}
	if m.WebSearchCap < 0 {
		return fmt.Errorf("METERING_WEBSEARCH_CAP must be >= 0, got %d", m.WebSearchCap)
	}
	if m.CostPrecision < 0 || m.CostPrecision > MaxCostPrecision {
		return fmt.Errorf("METERING_COST_PRECISION must be between 0 and %d, got %d", MaxCostPrecision, m.CostPrecision)
	}
	if m.TokensPerImage < 1 {
		return fmt.Errorf("METERING_TOKENS_PER_IMAGE must be >= 1, got %d", m.TokensPerImage)
	}
	if m.MaxConflictRetries < 0 {
		return fmt.Errorf("METERING_MAX_CONFLICT_RETRIES must be >= 0, got %d", m.MaxConflictRetries)
	}

	if c.Events.UseRedis && !c.Redis.Enabled {
		return fmt.Errorf("EVENTS_USE_REDIS requires REDIS_ENABLED")
	}
	if c.Audit.Enabled && c.Audit.S3Bucket == "" {
		return fmt.Errorf("AUDIT_S3_BUCKET is required when the audit sink is enabled")
	}

	return nil
}
