package main

import (
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/HatiCode/saccharum/pkg/classifier"
	saccharumtls "github.com/HatiCode/saccharum/pkg/tls"
)

// modelServicePrefix names the per-model health services.
const modelServicePrefix = "saccharum.classifier."

func modelService(name string) string {
	return modelServicePrefix + name
}

// newHealthServer reports the process as serving and every model as unknown
// until its first load attempt.
func newHealthServer(models []string) *health.Server {
	hs := health.NewServer()
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	for _, name := range models {
		hs.SetServingStatus(modelService(name), grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN)
	}
	return hs
}

// healthLoadHook mirrors model load outcomes into hs.
func healthLoadHook(hs *health.Server) classifier.LoadHook {
	return func(name string, err error) {
		status := grpc_health_v1.HealthCheckResponse_SERVING
		if err != nil {
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus(modelService(name), status)
	}
}

// newGRPCServer creates a gRPC server exposing hs and reflection.
func newGRPCServer(tlsCfg saccharumtls.Config, hs *health.Server, logger *slog.Logger) (*grpc.Server, error) {
	var opts []grpc.ServerOption
	if tlsCfg.Enabled {
		serverTLS, err := saccharumtls.NewServerTLSConfig(tlsCfg.CertFile, tlsCfg.KeyFile, tlsCfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("grpc tls: %w", err)
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(serverTLS)))
		logger.Info("grpc TLS enabled", "mutual", tlsCfg.CAFile != "")
	}

	srv := grpc.NewServer(opts...)
	grpc_health_v1.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	return srv, nil
}
