// Package config provides configuration parsing and management for the
// saccharum server.
//
// It handles command-line flags, environment variables and an optional .env
// file, with flags taking precedence over environment variables. The Config
// struct contains all runtime configuration for the server including:
//   - Listen addresses (HTTP, gRPC health)
//   - Logging configuration (level, format)
//   - History storage backend (memory, redis, sqlite)
//   - Model registry (YAML file or built-in models, ONNX runtime library)
//   - Upload handling (directory, size limit)
//   - Prediction policy (confidence threshold, TTA augmentations)
//   - TLS configuration (cert, key, CA files)
//
// Supported configuration sources (in order of precedence):
//  1. Command-line flags
//  2. Environment variables
//  3. .env file (ENV_FILE, default ".env"; never overrides the environment)
//  4. Default values
//
// Example usage:
//
//	cfg := config.ParseFlags()
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/HatiCode/saccharum/pkg/tls"
	"github.com/HatiCode/saccharum/pkg/uploads"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
	StorageSQLite = "sqlite"
)

// Config holds all server configuration.
type Config struct {
	Listen     string
	GRPCListen string
	LogFormat  string
	LogLevel   string

	Storage       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	HistoryTTL    time.Duration
	SQLitePath    string

	ModelsFile      string
	ModelsDir       string
	DefaultModel    string
	ORTLibraryPath  string
	SessionPoolSize int
	PreloadModels   bool
	RemoteTimeout   time.Duration
	RemoteTLS       tls.Config

	UploadDir           string
	MaxUploadBytes      int64
	ConfidenceThreshold float64
	TTAAugmentations    int
	CORSOrigins         []string

	TLS tls.Config
}

// LoadEnvFile loads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// ParseFlags loads the .env file, parses command-line flags and environment
// variables into a Config and validates it. It exits the process on error.
func ParseFlags() *Config {
	if err := LoadEnvFile(getEnv("ENV_FILE", ".env")); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	cfg, err := Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	return cfg
}

// Parse registers the server flags on fs, parses args and validates the
// result. Environment variables provide the flag defaults.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}
	var cors string

	fs.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", ":5000"), "HTTP listen address")
	fs.StringVar(&cfg.GRPCListen, "grpc-listen", getEnvOrEmpty("GRPC_LISTEN", ":50051"), "gRPC health listen address (empty disables)")

	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	fs.StringVar(&cfg.Storage, "storage", getEnv("STORAGE", StorageMemory), "History backend: memory, redis or sqlite")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")
	fs.DurationVar(&cfg.HistoryTTL, "history-ttl", getEnvDuration("HISTORY_TTL", 0), "History record TTL (0 keeps records)")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", getEnv("SQLITE_PATH", "saccharum.db"), "SQLite database path")

	fs.StringVar(&cfg.ModelsFile, "models-file", getEnv("MODELS_FILE", ""), "Model registry YAML (empty uses the built-in models)")
	fs.StringVar(&cfg.ModelsDir, "models-dir", getEnv("MODELS_DIR", "models"), "Directory holding the built-in models")
	fs.StringVar(&cfg.DefaultModel, "default-model", getEnv("DEFAULT_MODEL", ""), "Default model name (overrides the registry default)")
	fs.StringVar(&cfg.ORTLibraryPath, "ort-library-path", getEnv("ORT_LIBRARY_PATH", ""), "Path to the ONNX Runtime shared library")
	fs.IntVar(&cfg.SessionPoolSize, "session-pool-size", getEnvInt("SESSION_POOL_SIZE", 2), "ONNX sessions per model")
	fs.BoolVar(&cfg.PreloadModels, "preload-models", getEnvBool("PRELOAD_MODELS", true), "Load every model at startup")
	fs.DurationVar(&cfg.RemoteTimeout, "remote-timeout", getEnvDuration("REMOTE_TIMEOUT", 30*time.Second), "Timeout for remote model servers")
	fs.BoolVar(&cfg.RemoteTLS.Enabled, "remote-tls-enabled", getEnvBool("REMOTE_TLS_ENABLED", false), "Use TLS towards remote model servers")
	fs.StringVar(&cfg.RemoteTLS.CertFile, "remote-tls-cert-file", getEnv("REMOTE_TLS_CERT_FILE", ""), "Client certificate for remote model servers")
	fs.StringVar(&cfg.RemoteTLS.KeyFile, "remote-tls-key-file", getEnv("REMOTE_TLS_KEY_FILE", ""), "Client key for remote model servers")
	fs.StringVar(&cfg.RemoteTLS.CAFile, "remote-tls-ca-file", getEnv("REMOTE_TLS_CA_FILE", ""), "CA certificate for remote model servers")

	fs.StringVar(&cfg.UploadDir, "upload-dir", getEnv("UPLOAD_DIR", "uploads"), "Directory for uploaded images")
	fs.Int64Var(&cfg.MaxUploadBytes, "max-upload-bytes", getEnvInt64("MAX_UPLOAD_BYTES", uploads.DefaultMaxBytes), "Maximum upload size in bytes")
	fs.Float64Var(&cfg.ConfidenceThreshold, "confidence-threshold", getEnvFloat("CONFIDENCE_THRESHOLD", 0.5), "Confidence below which a prediction is flagged")
	fs.IntVar(&cfg.TTAAugmentations, "tta-augmentations", getEnvInt("TTA_AUGMENTATIONS", 8), "Augmented variants per TTA prediction")
	fs.StringVar(&cors, "cors-origins", getEnv("CORS_ORIGINS", "*"), "Comma-separated allowed CORS origins")

	fs.BoolVar(&cfg.TLS.Enabled, "tls-enabled", getEnvBool("TLS_ENABLED", false), "Enable TLS for the HTTP and gRPC servers")
	fs.StringVar(&cfg.TLS.CertFile, "tls-cert-file", getEnv("TLS_CERT_FILE", ""), "TLS certificate file")
	fs.StringVar(&cfg.TLS.KeyFile, "tls-key-file", getEnv("TLS_KEY_FILE", ""), "TLS private key file")
	fs.StringVar(&cfg.TLS.CAFile, "tls-ca-file", getEnv("TLS_CA_FILE", ""), "TLS CA certificate file for client verification")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.CORSOrigins = splitList(cors)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for invalid or inconsistent values.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address cannot be empty")
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q (must be text or json)", c.LogFormat)
	}

	switch c.Storage {
	case StorageMemory:
	case StorageRedis:
		if c.RedisAddr == "" {
			return errors.New("redis address is required when storage=redis")
		}
		if c.RedisDB < 0 {
			return errors.New("redis database number must be >= 0")
		}
	case StorageSQLite:
		if c.SQLitePath == "" {
			return errors.New("sqlite path is required when storage=sqlite")
		}
	default:
		return fmt.Errorf("invalid storage %q (must be memory, redis or sqlite)", c.Storage)
	}

	if c.HistoryTTL < 0 {
		return errors.New("history TTL cannot be negative")
	}
	if c.ModelsFile == "" && c.ModelsDir == "" {
		return errors.New("either a models file or a models directory is required")
	}
	if c.SessionPoolSize <= 0 {
		return fmt.Errorf("session pool size must be > 0, got %d", c.SessionPoolSize)
	}
	if c.RemoteTimeout <= 0 {
		return errors.New("remote timeout must be > 0")
	}
	if c.UploadDir == "" {
		return errors.New("upload directory cannot be empty")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be > 0, got %d", c.MaxUploadBytes)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold must be within [0, 1], got %v", c.ConfidenceThreshold)
	}
	if c.TTAAugmentations < 0 || c.TTAAugmentations > 64 {
		return fmt.Errorf("TTA augmentations must be within [0, 64], got %d", c.TTAAugmentations)
	}

	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrEmpty is getEnv for settings where an empty value is meaningful.
func getEnvOrEmpty(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		var i int64
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
