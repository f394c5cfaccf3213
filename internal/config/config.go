package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment constants
const (
	EnvProduction = "production"
)

// Config holds all application configuration.
type Config struct {
	App      AppConfig
	Metrics  MetricsConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Log      LogConfig
	Worker   WorkerConfig
	Ingest   IngestConfig
	S3       S3Config
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Name  string
	Env   string
	Debug bool
}

// MetricsConfig holds the metrics/health HTTP endpoint configuration.
type MetricsConfig struct {
	Host string
	Port int
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string
	Format string
}

// WorkerConfig holds the background job worker configuration.
type WorkerConfig struct {
	Concurrency     int
	ShutdownTimeout time.Duration
	Queues          map[string]int
}

// IngestConfig holds scan ingestion configuration.
type IngestConfig struct {
	// RetentionDays bounds how far in the past a report run date may be.
	// Zero disables the bound.
	RetentionDays int

	// MaxFilesPerBatch caps the number of export files accepted in one
	// upload request.
	MaxFilesPerBatch int

	// ParseConcurrency limits how many files are parsed in parallel
	// before the transactional phase begins.
	ParseConcurrency int

	// MaxFileSize caps a single export file in bytes after decompression.
	MaxFileSize int64

	// ProgressTTL is how long ingest progress entries live in Redis.
	ProgressTTL time.Duration
}

// S3Config holds object storage configuration for s3:// batch inputs.
type S3Config struct {
	Region         string
	Endpoint       string
	ForcePathStyle bool
	RequestTimeout time.Duration
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Name:  getEnv("APP_NAME", "scantrail"),
			Env:   getEnv("APP_ENV", "development"),
			Debug: getEnvBool("APP_DEBUG", false),
		},
		Metrics: MetricsConfig{
			Host: getEnv("METRICS_HOST", "0.0.0.0"),
			Port: getEnvInt("METRICS_PORT", 9090),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "scantrail"),
			Password:        getEnv("DB_PASSWORD", "secret"),
			Name:            getEnv("DB_NAME", "scantrail"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Host:         getEnv("REDIS_HOST", "localhost"),
			Port:         getEnvInt("REDIS_PORT", 6379),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			MaxRetries:   getEnvInt("REDIS_MAX_RETRIES", 3),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Worker: WorkerConfig{
			Concurrency:     getEnvInt("WORKER_CONCURRENCY", 10),
			ShutdownTimeout: getEnvDuration("WORKER_SHUTDOWN_TIMEOUT", 30*time.Second),
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
		},
		Ingest: IngestConfig{
			RetentionDays:    getEnvInt("INGEST_RETENTION_DAYS", 730),
			MaxFilesPerBatch: getEnvInt("INGEST_MAX_FILES_PER_BATCH", 100),
			ParseConcurrency: getEnvInt("INGEST_PARSE_CONCURRENCY", 4),
			MaxFileSize:      getEnvInt64("INGEST_MAX_FILE_SIZE", 256<<20), // 256MB
			ProgressTTL:      getEnvDuration("INGEST_PROGRESS_TTL", 24*time.Hour),
		},
		S3: S3Config{
			Region:         getEnv("S3_REGION", "us-east-1"),
			Endpoint:       getEnv("S3_ENDPOINT", ""),
			ForcePathStyle: getEnvBool("S3_FORCE_PATH_STYLE", false),
			RequestTimeout: getEnvDuration("S3_REQUEST_TIMEOUT", 60*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.validateBasic(); err != nil {
		return err
	}
	if c.App.Env == EnvProduction {
		return c.validateProduction()
	}
	return nil
}

// validateBasic validates basic configuration regardless of environment.
func (c *Config) validateBasic() error {
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if err := c.validateLog(); err != nil {
		return err
	}
	if err := c.validateIngest(); err != nil {
		return err
	}
	return nil
}

// validateLog validates logging configuration.
func (c *Config) validateLog() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "": true,
	}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid LOG_LEVEL: %s (must be debug, info, warn, or error)", c.Log.Level)
	}

	validFormats := map[string]bool{
		"json": true, "text": true, "": true,
	}
	if !validFormats[strings.ToLower(c.Log.Format)] {
		return fmt.Errorf("invalid LOG_FORMAT: %s (must be json or text)", c.Log.Format)
	}
	return nil
}

// validateIngest validates ingestion configuration.
func (c *Config) validateIngest() error {
	if c.Ingest.RetentionDays < 0 {
		return fmt.Errorf("INGEST_RETENTION_DAYS must not be negative, got %d (0 disables the retention bound)", c.Ingest.RetentionDays)
	}
	if c.Ingest.MaxFilesPerBatch < 1 {
		return fmt.Errorf("INGEST_MAX_FILES_PER_BATCH must be at least 1, got %d", c.Ingest.MaxFilesPerBatch)
	}
	if c.Ingest.ParseConcurrency < 1 {
		return fmt.Errorf("INGEST_PARSE_CONCURRENCY must be at least 1, got %d", c.Ingest.ParseConcurrency)
	}
	if c.Ingest.MaxFileSize < 1 {
		return fmt.Errorf("INGEST_MAX_FILE_SIZE must be positive, got %d", c.Ingest.MaxFileSize)
	}
	return nil
}

// validateProduction validates production-specific configuration.
func (c *Config) validateProduction() error {
	if c.Database.SSLMode == "disable" {
		return fmt.Errorf("database SSL must be enabled in production (use 'require' or 'verify-full')")
	}
	if c.App.Debug {
		return fmt.Errorf("debug mode must be disabled in production")
	}
	if strings.ToLower(c.Log.Level) == "debug" {
		return fmt.Errorf("log level should not be 'debug' in production")
	}
	if c.Redis.Password == "" {
		return fmt.Errorf("redis password must be set in production")
	}
	return nil
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Addr returns the Redis address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Addr returns the metrics HTTP address.
func (c *MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsDevelopment returns true if the application is in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

// IsProduction returns true if the application is in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Env == EnvProduction
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
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
