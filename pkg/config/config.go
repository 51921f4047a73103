package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	Breaker     BreakerConfig     `json:"breaker"`
	Retry       RetryConfig       `json:"retry"`
	RateLimit   RateLimitConfig   `json:"rate_limit"`
	Offline     OfflineConfig     `json:"offline"`
	Degradation DegradationConfig `json:"degradation"`
	Sync        SyncConfig        `json:"sync"`
	Store       StoreConfig       `json:"store"`
	Cache       CacheConfig       `json:"cache"`
	Logging     LoggingConfig     `json:"logging"`
	Metrics     MetricsConfig     `json:"metrics"`
}

// BreakerConfig contains circuit breaker defaults
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	FailureWindow    time.Duration `json:"failure_window"`
	SuccessThreshold int           `json:"success_threshold"`
	ResetTimeout     time.Duration `json:"reset_timeout"`
	HalfOpenMaxCalls int           `json:"half_open_max_calls"`
}

// RetryConfig contains retry defaults
type RetryConfig struct {
	MaxAttempts    int           `json:"max_attempts"`
	BaseDelay      time.Duration `json:"base_delay"`
	MaxDelay       time.Duration `json:"max_delay"`
	Multiplier     float64       `json:"multiplier"`
	JitterFactor   float64       `json:"jitter_factor"`
	BudgetRetries  int           `json:"budget_retries"`
	BudgetWindow   time.Duration `json:"budget_window"`
}

// RateLimitConfig contains token bucket settings
type RateLimitConfig struct {
	TokensPerSecond float64       `json:"tokens_per_second"`
	Burst           int           `json:"burst"`
	MaxQueueSize    int           `json:"max_queue_size"`
	AcquireTimeout  time.Duration `json:"acquire_timeout"`
}

// OfflineConfig contains offline queue settings
type OfflineConfig struct {
	QueueFile     string        `json:"queue_file"`
	MaxQueueSize  int           `json:"max_queue_size"`
	MaxRetries    int           `json:"max_retries"`
	ProbeInterval time.Duration `json:"probe_interval"`
	ProbeHost     string        `json:"probe_host"`
}

// DegradationConfig contains degradation manager settings
type DegradationConfig struct {
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	AutoRecover         bool          `json:"auto_recover"`
}

// SyncConfig contains sync engine settings
type SyncConfig struct {
	ServiceName     string        `json:"service_name"`
	BatchSize       int           `json:"batch_size"`
	Interval        time.Duration `json:"interval"`
	DefaultStrategy string        `json:"default_strategy"`
	StateFile       string        `json:"state_file"`
	ConflictLogFile string        `json:"conflict_log_file"`
	QueueOnFailure  bool          `json:"queue_on_failure"`
}

// StoreConfig contains local store settings
type StoreConfig struct {
	Path string `json:"path"`
}

// CacheConfig contains fallback cache settings
type CacheConfig struct {
	DefaultTTL time.Duration `json:"default_ttl"`
	RedisAddr  string        `json:"redis_addr"`
	RedisDB    int           `json:"redis_db"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Breaker: BreakerConfig{
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			FailureWindow:    getEnvDuration("BREAKER_FAILURE_WINDOW", time.Minute),
			SuccessThreshold: getEnvInt("BREAKER_SUCCESS_THRESHOLD", 3),
			ResetTimeout:     getEnvDuration("BREAKER_RESET_TIMEOUT", 30*time.Second),
			HalfOpenMaxCalls: getEnvInt("BREAKER_HALF_OPEN_MAX_CALLS", 3),
		},
		Retry: RetryConfig{
			MaxAttempts:   getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:     getEnvDuration("RETRY_BASE_DELAY", 100*time.Millisecond),
			MaxDelay:      getEnvDuration("RETRY_MAX_DELAY", 30*time.Second),
			Multiplier:    getEnvFloat("RETRY_MULTIPLIER", 2.0),
			JitterFactor:  getEnvFloat("RETRY_JITTER_FACTOR", 0.2),
			BudgetRetries: getEnvInt("RETRY_BUDGET_RETRIES", 10),
			BudgetWindow:  getEnvDuration("RETRY_BUDGET_WINDOW", time.Minute),
		},
		RateLimit: RateLimitConfig{
			TokensPerSecond: getEnvFloat("RATE_LIMIT_TOKENS_PER_SECOND", 10),
			Burst:           getEnvInt("RATE_LIMIT_BURST", 20),
			MaxQueueSize:    getEnvInt("RATE_LIMIT_MAX_QUEUE_SIZE", 100),
			AcquireTimeout:  getEnvDuration("RATE_LIMIT_ACQUIRE_TIMEOUT", 10*time.Second),
		},
		Offline: OfflineConfig{
			QueueFile:     getEnvString("OFFLINE_QUEUE_FILE", "offline-queue.json"),
			MaxQueueSize:  getEnvInt("OFFLINE_MAX_QUEUE_SIZE", 1000),
			MaxRetries:    getEnvInt("OFFLINE_MAX_RETRIES", 3),
			ProbeInterval: getEnvDuration("OFFLINE_PROBE_INTERVAL", 30*time.Second),
			ProbeHost:     getEnvString("OFFLINE_PROBE_HOST", "dns.google"),
		},
		Degradation: DegradationConfig{
			HealthCheckInterval: getEnvDuration("DEGRADATION_HEALTH_CHECK_INTERVAL", 30*time.Second),
			AutoRecover:         getEnvBool("DEGRADATION_AUTO_RECOVER", true),
		},
		Sync: SyncConfig{
			ServiceName:     getEnvString("SYNC_SERVICE_NAME", "remote-tasks"),
			BatchSize:       getEnvInt("SYNC_BATCH_SIZE", 50),
			Interval:        getEnvDuration("SYNC_INTERVAL", 5*time.Minute),
			DefaultStrategy: getEnvString("SYNC_DEFAULT_STRATEGY", "latest-timestamp"),
			StateFile:       getEnvString("SYNC_STATE_FILE", "sync-state.json"),
			ConflictLogFile: getEnvString("SYNC_CONFLICT_LOG_FILE", "conflicts.log.json"),
			QueueOnFailure:  getEnvBool("SYNC_QUEUE_ON_FAILURE", true),
		},
		Store: StoreConfig{
			Path: getEnvString("STORE_PATH", "tasks.db"),
		},
		Cache: CacheConfig{
			DefaultTTL: getEnvDuration("CACHE_DEFAULT_TTL", 5*time.Minute),
			RedisAddr:  getEnvString("CACHE_REDIS_ADDR", ""),
			RedisDB:    getEnvInt("CACHE_REDIS_DB", 0),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Addr:    getEnvString("METRICS_ADDR", ":9090"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive")
	}
	if c.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker success threshold must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max attempts must be positive")
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor > 1 {
		return fmt.Errorf("retry jitter factor must be within [0, 1]")
	}
	if c.RateLimit.TokensPerSecond <= 0 {
		return fmt.Errorf("rate limit tokens per second must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync batch size must be positive")
	}
	switch c.Sync.DefaultStrategy {
	case "local-wins", "remote-wins", "latest-timestamp", "field-level-merge", "manual":
	default:
		return fmt.Errorf("unknown sync strategy: %s", c.Sync.DefaultStrategy)
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
