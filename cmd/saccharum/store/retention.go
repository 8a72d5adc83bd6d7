package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/HatiCode/saccharum/pkg/storage"
	"github.com/HatiCode/saccharum/pkg/uploads"
)

// expirer is implemented by stores that need an explicit purge of records
// past their TTL.
type expirer interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// Retention removes uploads (and, for stores that need it, records) once
// they are older than the history TTL. Redis and the memory store expire
// records themselves but know nothing of the files behind them.
type Retention struct {
	Store   storage.Store
	Uploads *uploads.Dir
	TTL     time.Duration
	Logger  *slog.Logger

	now func() time.Time
}

// Run sweeps every few TTL fractions until ctx is done. It returns at once
// when TTL is zero.
func (r *Retention) Run(ctx context.Context) {
	if r.TTL <= 0 {
		return
	}
	ticker := time.NewTicker(cleanupInterval(r.TTL))
	defer ticker.Stop()

	for {
		r.Sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs one retention pass.
func (r *Retention) Sweep(ctx context.Context) {
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if e, ok := r.Store.(expirer); ok {
		n, err := e.CleanupExpired(ctx)
		if err != nil {
			logger.Warn("failed to purge expired history", "error", err)
		} else if n > 0 {
			logger.Info("purged expired history", "records", n)
		}
	}

	n, err := r.Uploads.RemoveOlderThan(now().Add(-r.TTL))
	if err != nil {
		logger.Warn("failed to remove expired uploads", "error", err)
	}
	if n > 0 {
		logger.Info("removed expired uploads", "files", n)
	}
}
