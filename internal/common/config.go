package common

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Database  DatabaseConfig
	Server    ServerConfig
	Pool      PoolConfig
	LLM       LLMConfig
	Converter ConverterConfig
	Storage   StorageConfig
	Notify    NotifyConfig
	Lease     LeaseConfig
	Log       LogConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string // postgres | sqlite | memory
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr string
	GRPCAddr string
}

// PoolConfig drives the orchestrator and the executors it spawns.
type PoolConfig struct {
	DiscoveryInterval time.Duration
	PollInterval      time.Duration
	IdleTimeout       time.Duration
	StaleAfter        time.Duration
	RetentionPeriod   time.Duration
	RecoveryInterval  time.Duration
	MaxAttempts       int
	MaxConcurrency    int
	RequestsPerMinute int
}

// LLMConfig holds defaults used when a tenant leaves a model setting empty.
type LLMConfig struct {
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float32
	Timeout     time.Duration
}

// ConverterConfig configures the poppler tools used for PDFs.
type ConverterConfig struct {
	Pdftoppm  string
	Pdftotext string
	DPI       int
	MaxPages  int
}

type StorageConfig struct {
	Dir string
}

type NotifyConfig struct {
	AMQPURL      string
	AMQPExchange string
	Workers      int
	QueueSize    int
}

type LeaseConfig struct {
	RedisURL string
	TTL      time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:           strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
			DSN:              getEnv("DB_URL", "file:extractor.db"),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 2),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Server: ServerConfig{
			HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
			GRPCAddr: getEnv("GRPC_ADDR", ":8081"),
		},
		Pool: PoolConfig{
			DiscoveryInterval: getEnvAsDuration("POOL_DISCOVERY_INTERVAL", 5*time.Second),
			PollInterval:      getEnvAsDuration("EXECUTOR_POLL_INTERVAL", time.Second),
			IdleTimeout:       getEnvAsDuration("EXECUTOR_IDLE_TIMEOUT", 0),
			StaleAfter:        getEnvAsDuration("JOB_STALE_AFTER", 30*time.Minute),
			RetentionPeriod:   getEnvAsDuration("JOB_RETENTION", 7*24*time.Hour),
			RecoveryInterval:  getEnvAsDuration("POOL_RECOVERY_INTERVAL", time.Minute),
			MaxAttempts:       getEnvAsInt("JOB_MAX_ATTEMPTS", 3),
			MaxConcurrency:    getEnvAsInt("MAX_CONCURRENCY", 2),
			RequestsPerMinute: getEnvAsInt("REQUESTS_PER_MINUTE", 60),
		},
		LLM: LLMConfig{
			BaseURL:     getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			Model:       getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			APIKey:      getEnv("OPENAI_API_KEY", ""),
			Temperature: getEnvAsFloat32("OPENAI_TEMPERATURE", 0.0),
			Timeout:     getEnvAsDuration("LLM_TIMEOUT", 10*time.Minute),
		},
		Converter: ConverterConfig{
			Pdftoppm:  getEnv("PDFTOPPM", "pdftoppm"),
			Pdftotext: getEnv("PDFTOTEXT", "pdftotext"),
			DPI:       getEnvAsInt("PDF_DPI", 150),
			MaxPages:  getEnvAsInt("PDF_MAX_PAGES", 20),
		},
		Storage: StorageConfig{
			Dir: getEnv("STORAGE_DIR", "./data"),
		},
		Notify: NotifyConfig{
			AMQPURL:      getEnv("AMQP_URL", ""),
			AMQPExchange: getEnv("AMQP_EXCHANGE", "extraction.events"),
			Workers:      getEnvAsInt("NOTIFY_WORKERS", 2),
			QueueSize:    getEnvAsInt("NOTIFY_QUEUE_SIZE", 256),
		},
		Lease: LeaseConfig{
			RedisURL: getEnv("REDIS_URL", ""),
			TTL:      getEnvAsDuration("LEASE_TTL", 30*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
		if c.Database.DSN == "" {
			return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
		}
	case "memory":
	default:
		return NewAppError("CONFIG_ERROR", "DB_DRIVER must be postgres, sqlite or memory", ErrInvalidInput)
	}
	if c.Server.HTTPAddr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR is required", ErrInvalidInput)
	}
	if c.Pool.DiscoveryInterval <= 0 {
		return NewAppError("CONFIG_ERROR", "POOL_DISCOVERY_INTERVAL must be positive", ErrInvalidInput)
	}
	if c.Pool.MaxAttempts < 1 {
		return NewAppError("CONFIG_ERROR", "JOB_MAX_ATTEMPTS must be at least 1", ErrInvalidInput)
	}
	if c.LLM.Timeout < 0 {
		return NewAppError("CONFIG_ERROR", "LLM_TIMEOUT must not be negative", ErrInvalidInput)
	}
	return nil
}
