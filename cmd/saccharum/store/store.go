// Package store selects the analysis history backend from configuration.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/HatiCode/saccharum/cmd/saccharum/config"
	"github.com/HatiCode/saccharum/pkg/storage"
)

// New creates the history store named by cfg.Storage.
func New(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage {
	case config.StorageRedis:
		logger.Info("using Redis history store",
			"addr", cfg.RedisAddr,
			"db", cfg.RedisDB,
			"ttl", cfg.HistoryTTL,
		)
		s, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.HistoryTTL)
		if err != nil {
			return nil, fmt.Errorf("create redis store: %w", err)
		}
		return s, nil

	case config.StorageSQLite:
		logger.Info("using SQLite history store", "path", cfg.SQLitePath, "ttl", cfg.HistoryTTL)
		s, err := storage.OpenSQLite(cfg.SQLitePath, cfg.HistoryTTL)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		if cfg.HistoryTTL > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			n, err := s.CleanupExpired(ctx)
			if err != nil {
				logger.Warn("failed to purge expired history", "error", err)
			} else if n > 0 {
				logger.Info("purged expired history", "records", n)
			}
		}
		return s, nil

	case config.StorageMemory:
		if cfg.HistoryTTL > 0 {
			logger.Info("using in-memory history store", "ttl", cfg.HistoryTTL)
			return storage.NewMemoryStoreWithTTL(cfg.HistoryTTL, cleanupInterval(cfg.HistoryTTL)), nil
		}
		logger.Info("using in-memory history store")
		return storage.NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
}

// cleanupInterval sweeps a few times per TTL, but no more than once a minute.
func cleanupInterval(ttl time.Duration) time.Duration {
	interval := ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	return interval
}
