// Command saccharum serves sugarcane leaf disease classification over HTTP.
//
// The server:
//  1. Loads the model registry (built-in ResNet50, EfficientNetB0 and
//     MobileNetV2, or a YAML file) and preloads every model
//  2. Accepts leaf images on POST /analyze and classifies them with the
//     requested model, optionally with test-time augmentation
//  3. Keeps a history of analyses in memory, Redis or SQLite
//  4. Reports per-model health over gRPC and metrics over /metrics
//
// Usage:
//
//	saccharum \
//	  -listen=:5000 \
//	  -models-dir=./models \
//	  -ort-library-path=/usr/lib/libonnxruntime.so \
//	  -storage=sqlite -sqlite-path=./saccharum.db
//
// Environment variables:
//
//	LISTEN               - HTTP listen address (default: :5000)
//	GRPC_LISTEN          - gRPC health listen address (default: :50051, empty disables)
//	MODELS_FILE          - Model registry YAML (default: built-in models)
//	MODELS_DIR           - Directory holding the built-in models (default: models)
//	DEFAULT_MODEL        - Default model name
//	ORT_LIBRARY_PATH     - ONNX Runtime shared library
//	STORAGE              - History backend: memory, redis, sqlite (default: memory)
//	UPLOAD_DIR           - Directory for uploaded images (default: uploads)
//	MAX_UPLOAD_BYTES     - Upload size limit (default: 16 MiB)
//	CONFIDENCE_THRESHOLD - Confidence below which results are flagged (default: 0.5)
//	TTA_AUGMENTATIONS    - Augmented variants per TTA request (default: 8)
//	LOG_LEVEL            - Logging level: debug, info, warn, error (default: info)
//	LOG_FORMAT           - Logging format: text, json (default: text)
//
// A .env file (ENV_FILE, default ".env") is read at startup.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"

	"github.com/HatiCode/saccharum/cmd/saccharum/analyzer"
	"github.com/HatiCode/saccharum/cmd/saccharum/config"
	"github.com/HatiCode/saccharum/cmd/saccharum/logger"
	"github.com/HatiCode/saccharum/cmd/saccharum/metrics"
	"github.com/HatiCode/saccharum/cmd/saccharum/models"
	"github.com/HatiCode/saccharum/cmd/saccharum/router"
	"github.com/HatiCode/saccharum/cmd/saccharum/store"
	"github.com/HatiCode/saccharum/pkg/classifier"
	"github.com/HatiCode/saccharum/pkg/httpx"
	saccharumtls "github.com/HatiCode/saccharum/pkg/tls"
	"github.com/HatiCode/saccharum/pkg/uploads"
)

// version is set via ldflags at build time
var version = "dev"

const preloadTimeout = 2 * time.Minute

func main() {
	cfg := config.ParseFlags()

	log := logger.New(cfg)
	slog.SetDefault(log)

	log.Info("starting saccharum",
		"version", version,
		"listen", cfg.Listen,
		"grpc_listen", cfg.GRPCListen,
		"storage", cfg.Storage,
		"tls_enabled", cfg.TLS.Enabled,
	)

	if err := run(cfg, log); err != nil {
		log.Error("saccharum failed", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(cfg *config.Config, log *slog.Logger) error {
	registry, err := loadRegistry(cfg)
	if err != nil {
		return err
	}
	entries, err := registry.ResolveClasses(cfg.SessionPoolSize)
	if err != nil {
		return fmt.Errorf("resolve model classes: %w", err)
	}

	if usesONNX(entries) {
		if err := classifier.InitRuntime(cfg.ORTLibraryPath); err != nil {
			// ONNX models then fail individually and report NOT_SERVING.
			log.Error("failed to initialize onnx runtime", "library", cfg.ORTLibraryPath, "error", err)
		}
		defer func() {
			if err := classifier.ShutdownRuntime(); err != nil {
				log.Error("failed to shut down onnx runtime", "error", err)
			}
		}()
	}

	remoteClient, err := httpx.NewClient(cfg.RemoteTLS, cfg.RemoteTimeout)
	if err != nil {
		return fmt.Errorf("remote model client: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	healthServer := newHealthServer(names)

	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = registry.Default
	}

	manager, err := classifier.NewManager(entries, defaultModel, models.NewLoader(remoteClient, log),
		classifier.WithLogger(log),
		classifier.WithThreshold(cfg.ConfidenceThreshold),
		classifier.WithLoadHook(healthLoadHook(healthServer)),
		classifier.WithLoadHook(func(name string, err error) {
			if err != nil {
				m.RecordError("classifier", "load_failed")
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("create model manager: %w", err)
	}
	defer func() {
		if err := manager.Close(); err != nil {
			log.Error("failed to close models", "error", err)
		}
	}()

	if cfg.PreloadModels {
		ctx, cancel := context.WithTimeout(context.Background(), preloadTimeout)
		if err := manager.Preload(ctx); err != nil {
			log.Warn("some models failed to load; they will be retried on demand", "error", err)
		}
		cancel()
	}
	m.SetModelsLoaded(manager.LoadedCount())
	log.Info("models registered",
		"models", names,
		"default", manager.Default(),
		"loaded", manager.LoadedCount(),
	)

	history, err := store.New(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := history.Close(); err != nil {
			log.Error("failed to close store", "error", err)
		}
	}()

	uploadDir, err := uploads.NewDir(cfg.UploadDir)
	if err != nil {
		return err
	}

	retentionCtx, stopRetention := context.WithCancel(context.Background())
	defer stopRetention()
	go (&store.Retention{Store: history, Uploads: uploadDir, TTL: cfg.HistoryTTL, Logger: log}).Run(retentionCtx)

	a := analyzer.New(manager, history, uploadDir, cfg.TTAAugmentations, log, m)

	mux := router.SetupRoutes(router.Deps{
		Analyzer:       a,
		Store:          history,
		Models:         manager,
		Uploads:        uploadDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Version:        version,
		Gatherer:       reg,
		Logger:         log,
	})
	handler := httpx.Chain(mux,
		httpx.RequestIDMiddleware,
		httpx.RecoveryMiddleware(log),
		httpx.LoggingMiddleware(log),
		httpx.CORSMiddleware(cfg.CORSOrigins...),
	)

	httpServer := httpx.NewServer(cfg.Listen, handler, log)
	if cfg.TLS.Enabled {
		serverTLS, err := saccharumtls.NewServerTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile)
		if err != nil {
			return fmt.Errorf("http tls: %w", err)
		}
		httpServer.SetTLSConfig(serverTLS)
	}

	serverErr := make(chan error, 2)
	go func() {
		if cfg.TLS.Enabled {
			serverErr <- httpServer.StartTLS("", "")
			return
		}
		serverErr <- httpServer.Start()
	}()

	var grpcServer *grpc.Server
	if cfg.GRPCListen != "" {
		grpcServer, err = newGRPCServer(cfg.TLS, healthServer, log)
		if err != nil {
			return err
		}
		lis, err := net.Listen("tcp", cfg.GRPCListen)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		go func() {
			log.Info("grpc server listening", "address", cfg.GRPCListen)
			if err := grpcServer.Serve(lis); err != nil {
				serverErr <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig)
	case runErr = <-serverErr:
		if runErr != nil {
			log.Error("server failed", "error", runErr)
		}
	}

	log.Info("shutting down")
	healthServer.Shutdown()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if err := httpServer.Stop(10 * time.Second); err != nil {
		return err
	}
	return runErr
}

func loadRegistry(cfg *config.Config) (classifier.Registry, error) {
	if cfg.ModelsFile == "" {
		return classifier.BuiltinRegistry(cfg.ModelsDir), nil
	}
	registry, err := classifier.LoadRegistry(cfg.ModelsFile)
	if err != nil {
		return classifier.Registry{}, fmt.Errorf("load model registry: %w", err)
	}
	return registry, nil
}

func usesONNX(entries []classifier.Entry) bool {
	for _, e := range entries {
		if e.Backend == classifier.BackendONNX {
			return true
		}
	}
	return false
}
