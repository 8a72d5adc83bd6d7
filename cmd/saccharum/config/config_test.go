package config

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("saccharum", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "environment variable set",
			key:          "SACCHARUM_TEST_VAR",
			defaultValue: "default",
			envValue:     "from-env",
			want:         "from-env",
		},
		{
			name:         "environment variable not set",
			key:          "SACCHARUM_NONEXISTENT_VAR",
			defaultValue: "default",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetEnvTyped(t *testing.T) {
	t.Setenv("SACCHARUM_INT", "42")
	t.Setenv("SACCHARUM_BAD_INT", "forty-two")
	t.Setenv("SACCHARUM_INT64", "33554432")
	t.Setenv("SACCHARUM_FLOAT", "0.75")
	t.Setenv("SACCHARUM_DURATION", "90s")
	t.Setenv("SACCHARUM_BOOL", "1")

	if got := getEnvInt("SACCHARUM_INT", 0); got != 42 {
		t.Errorf("getEnvInt() = %d, want 42", got)
	}
	if got := getEnvInt("SACCHARUM_BAD_INT", 7); got != 7 {
		t.Errorf("getEnvInt(invalid) = %d, want default 7", got)
	}
	if got := getEnvInt64("SACCHARUM_INT64", 0); got != 32<<20 {
		t.Errorf("getEnvInt64() = %d", got)
	}
	if got := getEnvFloat("SACCHARUM_FLOAT", 0); got != 0.75 {
		t.Errorf("getEnvFloat() = %f, want 0.75", got)
	}
	if got := getEnvDuration("SACCHARUM_DURATION", 0); got != 90*time.Second {
		t.Errorf("getEnvDuration() = %v, want 90s", got)
	}
	if got := getEnvBool("SACCHARUM_BOOL", false); !got {
		t.Error("getEnvBool() = false, want true")
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(newFlagSet(), nil)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Listen != ":5000" {
		t.Errorf("Listen = %q, want :5000", cfg.Listen)
	}
	if cfg.Storage != StorageMemory {
		t.Errorf("Storage = %q, want memory", cfg.Storage)
	}
	if cfg.MaxUploadBytes != 16<<20 {
		t.Errorf("MaxUploadBytes = %d, want 16 MiB", cfg.MaxUploadBytes)
	}
	if cfg.ConfidenceThreshold != 0.5 {
		t.Errorf("ConfidenceThreshold = %v, want 0.5", cfg.ConfidenceThreshold)
	}
	if cfg.TTAAugmentations != 8 {
		t.Errorf("TTAAugmentations = %d, want 8", cfg.TTAAugmentations)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("CORSOrigins = %v, want [*]", cfg.CORSOrigins)
	}
}

func TestParse_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("LISTEN", ":9000")
	t.Setenv("STORAGE", "redis")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")

	cfg, err := Parse(newFlagSet(), []string{"-listen", ":7000", "-storage", "sqlite", "-sqlite-path", "/tmp/h.db"})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Listen != ":7000" {
		t.Errorf("Listen = %q, flag should win", cfg.Listen)
	}
	if cfg.Storage != StorageSQLite || cfg.SQLitePath != "/tmp/h.db" {
		t.Errorf("Storage = %q (%q)", cfg.Storage, cfg.SQLitePath)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://b.test" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}

func TestParse_EmptyGRPCListenDisables(t *testing.T) {
	cfg, err := Parse(newFlagSet(), nil)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.GRPCListen != ":50051" {
		t.Errorf("GRPCListen = %q, want :50051 by default", cfg.GRPCListen)
	}

	t.Setenv("GRPC_LISTEN", "")
	cfg, err = Parse(newFlagSet(), nil)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.GRPCListen != "" {
		t.Errorf("GRPCListen = %q, an empty GRPC_LISTEN should disable gRPC", cfg.GRPCListen)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown storage", args: []string{"-storage", "mongo"}},
		{name: "bad log format", args: []string{"-log-format", "xml"}},
		{name: "threshold above one", args: []string{"-confidence-threshold", "1.5"}},
		{name: "zero upload limit", args: []string{"-max-upload-bytes", "0"}},
		{name: "negative ttl", args: []string{"-history-ttl", "-1m"}},
		{name: "too many augmentations", args: []string{"-tta-augmentations", "100"}},
		{name: "zero pool", args: []string{"-session-pool-size", "0"}},
		{name: "tls without files", args: []string{"-tls-enabled"}},
		{name: "unknown flag", args: []string{"-nope"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(newFlagSet(), tt.args); err == nil {
				t.Error("Parse() expected error")
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("SACCHARUM_FROM_FILE=file\nSACCHARUM_PRESET=file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SACCHARUM_PRESET", "env")
	t.Cleanup(func() { os.Unsetenv("SACCHARUM_FROM_FILE") })

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile() error = %v", err)
	}
	if got := os.Getenv("SACCHARUM_FROM_FILE"); got != "file" {
		t.Errorf("SACCHARUM_FROM_FILE = %q, want file", got)
	}
	if got := os.Getenv("SACCHARUM_PRESET"); got != "env" {
		t.Errorf("SACCHARUM_PRESET = %q, existing env should win", got)
	}

	if err := LoadEnvFile(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("LoadEnvFile(missing) = %v, want nil", err)
	}
}
