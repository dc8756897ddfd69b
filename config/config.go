package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listenAddr"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`
	RedisPrefix   string `yaml:"redisPrefix"`

	PendingQueue    string `yaml:"pendingQueue"`
	ProcessingQueue string `yaml:"processingQueue"`

	WorkerCount       int           `yaml:"workerCount"`
	ConversionTimeout time.Duration `yaml:"conversionTimeout"`
	MaxRetries        int           `yaml:"maxRetries"`
	LeaseTimeout      time.Duration `yaml:"leaseTimeout"`

	StorageType     string `yaml:"storageType"` // "local" or "s3"
	LocalStorageDir string `yaml:"localStorageDir"`
	S3Bucket        string `yaml:"s3Bucket"`
	S3Region        string `yaml:"s3Region"`
	S3AccessKey     string `yaml:"s3AccessKey"`
	S3SecretKey     string `yaml:"s3SecretKey"`
	S3Endpoint      string `yaml:"s3Endpoint"`
	S3UsePathStyle  bool   `yaml:"s3UsePathStyle"`

	GotenbergURL    string `yaml:"gotenbergURL"`
	SofficePath     string `yaml:"sofficePath"`
	ImageMagickPath string `yaml:"imageMagickPath"`
	PdftoppmPath    string `yaml:"pdftoppmPath"`

	MaxFileSize      int64         `yaml:"maxFileSize"`
	MaxFilesPerReq   int           `yaml:"maxFilesPerRequest"`
	RetentionWindow  time.Duration `yaml:"retentionWindow"`
	CleanupInterval  time.Duration `yaml:"cleanupInterval"`
	RateLimitPerHour int           `yaml:"rateLimitPerHour"`

	// Global request throttle in front of the per-owner window.
	GlobalRPS   float64 `yaml:"globalRPS"`
	GlobalBurst int     `yaml:"globalBurst"`
}

// Load builds the configuration from an optional YAML file (CONFIG_FILE)
// overridden by environment variables. Defaults mirror a single-node
// docker-compose deployment.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        ":8000",
		RedisAddr:         "redis:6379",
		RedisDB:           0,
		PendingQueue:      "conversion:pending",
		ProcessingQueue:   "conversion:processing",
		WorkerCount:       2,
		ConversionTimeout: 120 * time.Second,
		MaxRetries:        3,
		LeaseTimeout:      5 * time.Minute,
		StorageType:       "local",
		LocalStorageDir:   "/tmp/file_converter",
		S3Region:          "us-east-1",
		GotenbergURL:      "http://gotenberg:3000",
		SofficePath:       "/usr/bin/soffice",
		ImageMagickPath:   "convert",
		PdftoppmPath:      "pdftoppm",
		MaxFileSize:       100 * 1024 * 1024,
		MaxFilesPerReq:    10,
		RetentionWindow:   60 * time.Minute,
		CleanupInterval:   5 * time.Minute,
		RateLimitPerHour:  50,
		GlobalRPS:         100,
		GlobalBurst:       200,
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.ListenAddr = getEnv("LISTEN_ADDR", cfg.ListenAddr)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)
	cfg.RedisPrefix = getEnv("REDIS_PREFIX", cfg.RedisPrefix)
	cfg.PendingQueue = getEnv("CONVERSION_PENDING_QUEUE", cfg.PendingQueue)
	cfg.ProcessingQueue = getEnv("CONVERSION_PROCESSING_QUEUE", cfg.ProcessingQueue)
	cfg.WorkerCount = getEnvInt("WORKER_COUNT", cfg.WorkerCount)
	cfg.ConversionTimeout = getEnvSeconds("CONVERSION_TIMEOUT", cfg.ConversionTimeout)
	cfg.MaxRetries = getEnvInt("CONVERSION_MAX_RETRIES", cfg.MaxRetries)
	cfg.LeaseTimeout = getEnvSeconds("LEASE_TIMEOUT", cfg.LeaseTimeout)
	cfg.StorageType = getEnv("STORAGE_TYPE", cfg.StorageType)
	cfg.LocalStorageDir = getEnv("LOCAL_STORAGE_DIR", cfg.LocalStorageDir)
	cfg.S3Bucket = getEnv("AWS_S3_BUCKET", cfg.S3Bucket)
	// Prefer unified S3_* vars, fall back to legacy AWS_* vars for compatibility
	cfg.S3Region = getEnvWithFallback("S3_REGION", "AWS_S3_REGION", cfg.S3Region)
	cfg.S3AccessKey = getEnvWithFallback("S3_KEY", "AWS_ACCESS_KEY_ID", cfg.S3AccessKey)
	cfg.S3SecretKey = getEnvWithFallback("S3_SECRET", "AWS_SECRET_ACCESS_KEY", cfg.S3SecretKey)
	cfg.S3Endpoint = getEnv("S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3UsePathStyle = getEnvBool("S3_USE_PATH_STYLE_ENDPOINT", cfg.S3UsePathStyle)
	cfg.GotenbergURL = getEnv("GOTENBERG_URL", cfg.GotenbergURL)
	cfg.SofficePath = getEnv("LIBREOFFICE_PATH", cfg.SofficePath)
	cfg.ImageMagickPath = getEnv("IMAGEMAGICK_PATH", cfg.ImageMagickPath)
	cfg.PdftoppmPath = getEnv("PDFTOPPM_PATH", cfg.PdftoppmPath)
	cfg.MaxFileSize = getEnvInt64("MAX_FILE_SIZE", cfg.MaxFileSize)
	cfg.MaxFilesPerReq = getEnvInt("MAX_FILES_PER_REQUEST", cfg.MaxFilesPerReq)
	cfg.RetentionWindow = getEnvMinutes("FILE_RETENTION_MINUTES", cfg.RetentionWindow)
	cfg.CleanupInterval = getEnvMinutes("CLEANUP_INTERVAL_MINUTES", cfg.CleanupInterval)
	cfg.RateLimitPerHour = getEnvInt("RATE_LIMIT_PER_HOUR", cfg.RateLimitPerHour)
	cfg.GlobalRPS = getEnvFloat("GLOBAL_RPS", cfg.GlobalRPS)
	cfg.GlobalBurst = getEnvInt("GLOBAL_BURST", cfg.GlobalBurst)

	cfg.PendingQueue = applyPrefix(cfg.PendingQueue, cfg.RedisPrefix)
	cfg.ProcessingQueue = applyPrefix(cfg.ProcessingQueue, cfg.RedisPrefix)

	if cfg.StorageType != "local" && cfg.StorageType != "s3" {
		return nil, fmt.Errorf("unknown storage type %q", cfg.StorageType)
	}
	if cfg.StorageType == "s3" && cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 storage selected but AWS_S3_BUCKET is empty")
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvWithFallback(primaryKey, secondaryKey, fallback string) string {
	if value := os.Getenv(primaryKey); value != "" {
		return value
	}
	if value := os.Getenv(secondaryKey); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return time.Duration(intVal) * time.Second
		}
	}
	return fallback
}

func getEnvMinutes(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return time.Duration(intVal) * time.Minute
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func applyPrefix(key string, prefix string) string {
	if prefix == "" || strings.HasPrefix(key, prefix) {
		return key
	}
	return prefix + key
}
