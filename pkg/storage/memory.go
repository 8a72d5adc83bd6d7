package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements an in-memory analysis history.
// It is safe for concurrent use by multiple goroutines.
//
// Records live until the process exits, they are deleted, or, if a TTL is
// configured, a background goroutine removes them once they are older than
// the TTL. Use RedisStore or SQLiteStore when history must survive restarts.
type MemoryStore struct {
	mu            sync.RWMutex
	records       map[string]Record
	ttl           time.Duration
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	cleanupDone   chan struct{}
	stopped       bool
	stopMu        sync.Mutex
}

// NewMemoryStore creates an in-memory history with no TTL.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
	}
}

// NewMemoryStoreWithTTL creates an in-memory history whose records expire
// after ttl. cleanupInterval determines how often expired records are swept
// (0 means one minute).
//
// Stop must be called when the store is no longer needed.
func NewMemoryStoreWithTTL(ttl, cleanupInterval time.Duration) *MemoryStore {
	if ttl <= 0 {
		panic("TTL must be positive")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	store := &MemoryStore{
		records:       make(map[string]Record),
		ttl:           ttl,
		cleanupTicker: time.NewTicker(cleanupInterval),
		stopCleanup:   make(chan struct{}),
		cleanupDone:   make(chan struct{}),
	}

	go store.runCleanup()

	return store
}

// Stop shuts down the background cleanup goroutine. It is safe to call
// multiple times or on a store without TTL.
func (s *MemoryStore) Stop() {
	if s.cleanupTicker == nil {
		return
	}

	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	if s.stopped {
		return
	}

	close(s.stopCleanup)
	<-s.cleanupDone
	s.cleanupTicker.Stop()
	s.stopped = true
}

// Close implements Store by stopping the cleanup goroutine.
func (s *MemoryStore) Close() error {
	s.Stop()
	return nil
}

func (s *MemoryStore) runCleanup() {
	defer close(s.cleanupDone)

	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ttl == 0 {
		return
	}

	now := time.Now()
	for id, rec := range s.records {
		if s.expired(rec, now) {
			delete(s.records, id)
		}
	}
}

func (s *MemoryStore) expired(rec Record, now time.Time) bool {
	return s.ttl > 0 && now.Sub(rec.CreatedAt) > s.ttl
}

// Put stores a record, replacing any record with the same ID.
func (s *MemoryStore) Put(ctx context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.ID] = rec
	return nil
}

// Get retrieves a record by ID. Expired records that have not been swept yet
// are reported as not found.
func (s *MemoryStore) Get(ctx context.Context, id string) (Record, bool, error) {
	select {
	case <-ctx.Done():
		return Record{}, false, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, found := s.records[id]
	if !found || s.expired(rec, time.Now()) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// List returns up to limit records, newest first.
func (s *MemoryStore) List(ctx context.Context, limit int) ([]Record, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	limit = normalizeLimit(limit)

	s.mu.RLock()
	now := time.Now()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		if !s.expired(rec, now) {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete removes a record. It reports whether the record existed.
func (s *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.records[id]
	delete(s.records, id)
	return existed, nil
}

// Len returns the number of records currently stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
