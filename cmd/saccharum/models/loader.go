// Package models turns registry entries into live classifier backends.
package models

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/HatiCode/saccharum/pkg/classifier"
)

// NewLoader returns a classifier.Loader that dispatches on the entry backend.
// Remote backends share client; ONNX backends need classifier.InitRuntime to
// have succeeded.
func NewLoader(client *http.Client, logger *slog.Logger) classifier.Loader {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, entry classifier.Entry) (classifier.Classifier, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch entry.Backend {
		case classifier.BackendONNX:
			if _, err := os.Stat(entry.Path); err != nil {
				return nil, fmt.Errorf("model file: %w", err)
			}
			logger.Info("initializing onnx model",
				"model", entry.Name,
				"path", entry.Path,
				"pool_size", entry.PoolSize,
			)
			return classifier.NewONNXClassifier(entry)

		case classifier.BackendRemote:
			logger.Info("initializing remote model",
				"model", entry.Name,
				"endpoint", entry.Endpoint,
				"format", entry.RequestFormat,
			)
			return classifier.NewRemoteClassifier(entry, client)

		default:
			return nil, fmt.Errorf("unknown backend %q", entry.Backend)
		}
	}
}
