package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// analysisRow is the SQLite schema for a Record. The prediction is kept as a
// JSON column.
type analysisRow struct {
	ID           string         `gorm:"primaryKey;size:64"`
	CreatedAt    time.Time      `gorm:"index;not null"`
	Filename     string         `gorm:"not null"`
	OriginalName string         `gorm:"type:text"`
	Model        string         `gorm:"index;not null"`
	TTA          bool           `gorm:"not null;default:false"`
	Class        string         `gorm:"index"`
	Confidence   float64        `gorm:"not null"`
	Prediction   datatypes.JSON `gorm:"not null"`
}

func (analysisRow) TableName() string {
	return "analyses"
}

// SQLiteStore implements Store on a SQLite database through gorm.
type SQLiteStore struct {
	db  *gorm.DB
	ttl time.Duration
}

// OpenSQLite opens (or creates) the database at path and migrates the schema.
// ":memory:" gives a private in-memory database.
func OpenSQLite(path string, ttl time.Duration) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path cannot be empty")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return NewSQLiteStore(db, ttl)
}

// NewSQLiteStore wraps an existing gorm handle and migrates the schema.
func NewSQLiteStore(db *gorm.DB, ttl time.Duration) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("sqlite store requires database handle")
	}
	if err := db.AutoMigrate(&analysisRow{}); err != nil {
		return nil, fmt.Errorf("migrate analyses table: %w", err)
	}
	return &SQLiteStore{db: db, ttl: ttl}, nil
}

// Put inserts or replaces a record.
func (s *SQLiteStore) Put(ctx context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	pred, err := json.Marshal(rec.Prediction)
	if err != nil {
		return fmt.Errorf("failed to marshal prediction: %w", err)
	}

	row := analysisRow{
		ID:           rec.ID,
		CreatedAt:    rec.CreatedAt.UTC(),
		Filename:     rec.Filename,
		OriginalName: rec.OriginalName,
		Model:        rec.Model,
		TTA:          rec.TTA,
		Class:        rec.Prediction.Class,
		Confidence:   rec.Prediction.Confidence,
		Prediction:   datatypes.JSON(pred),
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("failed to store record in sqlite: %w", err)
	}
	return nil
}

// Get retrieves a record by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, bool, error) {
	var row analysisRow
	q := s.live(s.db.WithContext(ctx)).Where("id = ?", id)
	if err := q.First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("failed to get record from sqlite: %w", err)
	}
	rec, err := row.record()
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// List returns up to limit records, newest first.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Record, error) {
	var rows []analysisRow
	q := s.live(s.db.WithContext(ctx)).
		Order("created_at DESC").
		Order("id DESC").
		Limit(normalizeLimit(limit))
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list records from sqlite: %w", err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Delete removes a record. It reports whether the record existed.
func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&analysisRow{})
	if res.Error != nil {
		return false, fmt.Errorf("failed to delete record from sqlite: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// CleanupExpired removes records older than the TTL.
func (s *SQLiteStore) CleanupExpired(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("created_at < ?", time.Now().Add(-s.ttl).UTC()).
		Delete(&analysisRow{})
	return res.RowsAffected, res.Error
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStore) live(q *gorm.DB) *gorm.DB {
	if s.ttl <= 0 {
		return q
	}
	return q.Where("created_at >= ?", time.Now().Add(-s.ttl).UTC())
}

func (r analysisRow) record() (Record, error) {
	rec := Record{
		ID:           r.ID,
		CreatedAt:    r.CreatedAt,
		Filename:     r.Filename,
		OriginalName: r.OriginalName,
		Model:        r.Model,
		TTA:          r.TTA,
	}
	if err := json.Unmarshal(r.Prediction, &rec.Prediction); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal prediction for %s: %w", r.ID, err)
	}
	return rec, nil
}
