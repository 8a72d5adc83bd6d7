// Command compare runs one leaf image through every model of a running
// saccharum server, with and without test-time augmentation, and prints the
// predictions side by side.
//
// Usage:
//
//	compare -server-url=http://localhost:5000 -image=./rust.jpeg
//	compare -image=./rust.jpeg -models=ResNet50,MobileNetV2 -output=json
//
// Environment variables:
//
//	SACCHARUM_URL    - Server base URL (default: http://localhost:5000)
//	COMPARE_IMAGE    - Image to classify
//	COMPARE_MODELS   - Comma-separated models (default: all registered)
//	COMPARE_OUTPUT   - Output format: table, json (default: table)
//	COMPARE_OUT_FILE - Also write the JSON report to this file
//	LOG_LEVEL        - Logging level: debug, info, warn, error (default: warn)
//
// The exit status is 1 when the server cannot be reached.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/HatiCode/saccharum/cmd/compare/config"
	"github.com/HatiCode/saccharum/cmd/saccharum/logger"
	"github.com/HatiCode/saccharum/pkg/httpx"
)

func main() {
	cfg := config.ParseFlags()
	log := logger.NewWithWriter(os.Stderr, cfg.LogFormat, cfg.LogLevel)

	image, err := os.ReadFile(cfg.Image)
	if err != nil {
		log.Error("failed to read image", "path", cfg.Image, "error", err)
		os.Exit(1)
	}

	client, err := httpx.NewClient(cfg.TLS, cfg.Timeout)
	if err != nil {
		log.Error("failed to create HTTP client", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := New(cfg.ServerURL, client, log)

	models := cfg.Models
	if len(models) == 0 {
		models, err = c.Models(ctx)
		if err != nil {
			exit(log, err)
		}
	}

	report, err := c.Run(ctx, image, cfg.Image, models)
	if err != nil {
		exit(log, err)
	}

	if cfg.Output == config.OutputJSON {
		err = WriteJSON(os.Stdout, report)
	} else {
		for _, r := range report.Results {
			if r.Success {
				fmt.Printf("%s (tta=%t): %s\n", r.Model, r.TTA, r.Method)
				WriteProbabilities(os.Stdout, r)
			}
		}
		fmt.Println()
		err = WriteTable(os.Stdout, report)
	}
	if err != nil {
		log.Error("failed to write report", "error", err)
		os.Exit(1)
	}

	if cfg.OutFile != "" {
		if err := writeReportFile(cfg.OutFile, report); err != nil {
			log.Error("failed to save report", "path", cfg.OutFile, "error", err)
			os.Exit(1)
		}
		log.Info("report saved", "path", cfg.OutFile)
	}
}

func exit(log *slog.Logger, err error) {
	if errors.Is(err, ErrConnection) {
		log.Error("server unreachable; is saccharum running?", "error", err)
	} else {
		log.Error("comparison failed", "error", err)
	}
	os.Exit(1)
}

func writeReportFile(path string, report Report) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteJSON(f, report); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
