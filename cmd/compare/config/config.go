// Package config provides configuration parsing for the compare tool.
//
// Flags take precedence over environment variables, which take precedence
// over defaults.
//
// Example usage:
//
//	cfg := config.ParseFlags()
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/HatiCode/saccharum/pkg/tls"
)

// Output formats.
const (
	OutputTable = "table"
	OutputJSON  = "json"
)

type Config struct {
	ServerURL string
	Image     string
	Models    []string
	Output    string
	OutFile   string
	Timeout   time.Duration
	LogFormat string
	LogLevel  string
	TLS       tls.Config
}

// ParseFlags parses os.Args and exits on error.
func ParseFlags() *Config {
	cfg, err := Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		flag.Usage()
		os.Exit(2)
	}
	return cfg
}

// Parse registers the compare flags on fs and parses args.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}
	var models string

	fs.StringVar(&cfg.ServerURL, "server-url", getEnv("SACCHARUM_URL", "http://localhost:5000"), "saccharum server base URL")
	fs.StringVar(&cfg.Image, "image", getEnv("COMPARE_IMAGE", ""), "Leaf image to classify (required)")
	fs.StringVar(&models, "models", getEnv("COMPARE_MODELS", ""), "Comma-separated models (empty compares every registered model)")
	fs.StringVar(&cfg.Output, "output", getEnv("COMPARE_OUTPUT", OutputTable), "Output format: table or json")
	fs.StringVar(&cfg.OutFile, "out-file", getEnv("COMPARE_OUT_FILE", ""), "Also write the JSON report to this file")
	fs.DurationVar(&cfg.Timeout, "timeout", getEnvDuration("COMPARE_TIMEOUT", 2*time.Minute), "Per-request timeout")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format (text|json)")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "warn"), "Log level (debug|info|warn|error)")

	fs.BoolVar(&cfg.TLS.Enabled, "tls-enabled", getEnvBool("TLS_ENABLED", false), "Use TLS towards the server")
	fs.StringVar(&cfg.TLS.CertFile, "tls-cert-file", getEnv("TLS_CERT_FILE", ""), "Client certificate file")
	fs.StringVar(&cfg.TLS.KeyFile, "tls-key-file", getEnv("TLS_KEY_FILE", ""), "Client private key file")
	fs.StringVar(&cfg.TLS.CAFile, "tls-ca-file", getEnv("TLS_CA_FILE", ""), "CA certificate file for server verification")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	for _, m := range strings.Split(models, ",") {
		if m = strings.TrimSpace(m); m != "" {
			cfg.Models = append(cfg.Models, m)
		}
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks for missing or invalid values.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("-server-url is required")
	}
	if c.Image == "" {
		return errors.New("-image is required")
	}
	if c.Output != OutputTable && c.Output != OutputJSON {
		return fmt.Errorf("invalid output %q (must be table or json)", c.Output)
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be > 0")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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
