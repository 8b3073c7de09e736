package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	// Experiments, checkpoints and logs
	DataPath string

	// Database
	DatabaseURL string

	// Server
	ServerPort string

	// AWS
	AWSRegion        string
	CheckpointBucket string // Empty disables the S3 checkpoint mirror
	CheckpointPrefix string

	LogLevel string

	// Running runs silent for longer are marked interrupted by the server
	StaleRunTimeout time.Duration
}

// Load loads configuration from environment variables
func Load() *Config {
	dataPath := getEnv("DATA_PATH", "data")
	return &Config{
		DataPath:         dataPath,
		DatabaseURL:      getEnv("DATABASE_URL", "sqlite://"+filepath.Join(dataPath, "log", "runs.db")),
		ServerPort:       getEnv("SERVER_PORT", "8080"),
		AWSRegion:        getEnv("AWS_REGION", "us-east-1"),
		CheckpointBucket: getEnv("CHECKPOINT_BUCKET", ""),
		CheckpointPrefix: getEnv("CHECKPOINT_PREFIX", "experiments"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		StaleRunTimeout:  getDuration("STALE_RUN_TIMEOUT", 30*time.Minute),
	}
}

// ExperimentDir returns where the checkpoints of experiment are written
func (c *Config) ExperimentDir(experiment string) string {
	return filepath.Join(c.DataPath, experiment)
}

// Level maps LogLevel to a slog level, defaulting to info
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a text logger at the configured level
func (c *Config) NewLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: c.Level()}))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, ""))
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}
