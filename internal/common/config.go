package common

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Database   DatabaseConfig
	Server     ServerConfig
	Worker     WorkerConfig
	LLM        LLMConfig
	Storage    StorageConfig
	Compliance ComplianceConfig
}

// DatabaseConfig holds queue-store configuration. When DSN is set the
// postgres backend is used; otherwise the sqlite file at Path.
type DatabaseConfig struct {
	DSN              string
	Path             string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr      string
	UploadDir string
	SampleDir string
}

// WorkerConfig holds scheduler configuration.
type WorkerConfig struct {
	MaxConcurrent   int
	PollInterval    time.Duration
	CapacityBackoff time.Duration
	ErrorBackoff    time.Duration
	JobTimeout      time.Duration
	CleanupDays     int
}

// LLMConfig holds generative-extraction provider configuration.
type LLMConfig struct {
	ModelID     string
	Region      string
	Endpoint    string
	Temperature float32
	Timeout     time.Duration
	MaxRetries  int
}

// StorageConfig holds object-storage configuration for remote file sources.
type StorageConfig struct {
	Bucket   string
	Region   string
	Endpoint string
}

// ComplianceConfig holds the wage-rule defaults seeded into settings.
type ComplianceConfig struct {
	FederalMinimumWage     float64
	OvertimeThresholdHours int
	MaxWeeklyHours         int
	SalaryExemptWeekly     float64
	HighDailyRateThreshold float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN:              getEnv("DB_URL", ""),
			Path:             getEnv("DB_PATH", "timecard_processor.db"),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 5),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Server: ServerConfig{
			Addr:      getEnv("HTTP_ADDR", ":8000"),
			UploadDir: getEnv("UPLOAD_DIR", "uploads"),
			SampleDir: getEnv("SAMPLE_DIR", "data"),
		},
		Worker: WorkerConfig{
			MaxConcurrent:   getEnvAsInt("MAX_CONCURRENT_JOBS", 3),
			PollInterval:    getEnvAsDuration("WORKER_POLL_INTERVAL", 500*time.Millisecond),
			CapacityBackoff: getEnvAsDuration("WORKER_CAPACITY_BACKOFF", time.Second),
			ErrorBackoff:    getEnvAsDuration("WORKER_ERROR_BACKOFF", 5*time.Second),
			JobTimeout:      getEnvAsDuration("WORKER_JOB_TIMEOUT", 15*time.Minute),
			CleanupDays:     getEnvAsInt("CLEANUP_AFTER_DAYS", 7),
		},
		LLM: LLMConfig{
			ModelID:     getEnv("BEDROCK_MODEL_ID", "us.anthropic.claude-sonnet-4-20250514-v1:0"),
			Region:      getEnv("AWS_REGION", "us-west-2"),
			Endpoint:    getEnv("BEDROCK_ENDPOINT", ""),
			Temperature: getEnvAsFloat32("LLM_TEMPERATURE", 0.1),
			Timeout:     getEnvAsDuration("LLM_TIMEOUT", 10*time.Minute),
			MaxRetries:  getEnvAsInt("LLM_MAX_RETRIES", 5),
		},
		Storage: StorageConfig{
			Bucket:   getEnv("S3_BUCKET", ""),
			Region:   getEnv("AWS_REGION", "us-west-2"),
			Endpoint: getEnv("S3_ENDPOINT", ""),
		},
		Compliance: ComplianceConfig{
			FederalMinimumWage:     getEnvAsFloat64("FEDERAL_MINIMUM_WAGE", 7.25),
			OvertimeThresholdHours: getEnvAsInt("OVERTIME_THRESHOLD_HOURS", 40),
			MaxWeeklyHours:         getEnvAsInt("MAX_RECOMMENDED_HOURS_WEEKLY", 60),
			SalaryExemptWeekly:     getEnvAsFloat64("SALARY_EXEMPT_THRESHOLD_WEEKLY", 684),
			HighDailyRateThreshold: getEnvAsFloat64("HIGH_DAILY_RATE_THRESHOLD", 2000),
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

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
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
	if c.Database.DSN == "" && c.Database.Path == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL or DB_PATH is required", ErrInvalidInput)
	}
	if c.Worker.MaxConcurrent <= 0 {
		return NewAppError("CONFIG_ERROR", "MAX_CONCURRENT_JOBS must be positive", ErrInvalidInput)
	}
	if c.LLM.ModelID == "" {
		return NewAppError("CONFIG_ERROR", "BEDROCK_MODEL_ID is required", ErrInvalidInput)
	}
	if c.Server.Addr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR is required", ErrInvalidInput)
	}
	return nil
}
