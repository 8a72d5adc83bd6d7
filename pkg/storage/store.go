// Package storage keeps the history of image analyses.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HatiCode/saccharum/pkg/classifier"
)

// DefaultListLimit is used when List is called with a non-positive limit.
const DefaultListLimit = 50

// ErrInvalidRecord is returned by Put for records missing required fields.
var ErrInvalidRecord = errors.New("invalid record")

// Record is one completed analysis.
type Record struct {
	ID           string                `json:"id"`
	CreatedAt    time.Time             `json:"timestamp"`
	Filename     string                `json:"filename"`
	OriginalName string                `json:"original_name"`
	Model        string                `json:"model_used"`
	TTA          bool                  `json:"tta_used"`
	Prediction   classifier.Prediction `json:"prediction"`
}

// Store is a history of analysis records. Implementations are safe for
// concurrent use.
type Store interface {
	Put(ctx context.Context, rec Record) error
	// Get returns the record with the given id; found is false when it does
	// not exist (or has expired).
	Get(ctx context.Context, id string) (Record, bool, error)
	// List returns up to limit records, newest first.
	List(ctx context.Context, limit int) ([]Record, error)
	Delete(ctx context.Context, id string) (bool, error)
	Close() error
}

func validate(rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: id cannot be empty", ErrInvalidRecord)
	}
	if rec.CreatedAt.IsZero() {
		return fmt.Errorf("%w: timestamp cannot be zero", ErrInvalidRecord)
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
