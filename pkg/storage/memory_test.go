package storage

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore(t *testing.T) {
	testStoreBehavior(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestNewMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	if store == nil {
		t.Fatal("NewMemoryStore() returned nil")
	}
	if store.Len() != 0 {
		t.Errorf("New store should be empty, got %d records", store.Len())
	}
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Put(ctx, testRecord("x", time.Now())); err == nil {
		t.Error("Put() with canceled context should fail")
	}
	if _, _, err := store.Get(ctx, "x"); err == nil {
		t.Error("Get() with canceled context should fail")
	}
	if _, err := store.List(ctx, 1); err == nil {
		t.Error("List() with canceled context should fail")
	}
}

func TestMemoryStore_TTL(t *testing.T) {
	store := NewMemoryStoreWithTTL(50*time.Millisecond, 10*time.Millisecond)
	defer store.Stop()

	ctx := context.Background()
	if err := store.Put(ctx, testRecord("old", time.Now().Add(-time.Hour))); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Put(ctx, testRecord("fresh", time.Now())); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// Expired records are hidden before the sweep runs.
	if _, found, _ := store.Get(ctx, "old"); found {
		t.Error("expired record should not be returned")
	}
	if _, found, _ := store.Get(ctx, "fresh"); !found {
		t.Error("fresh record should be returned")
	}

	time.Sleep(150 * time.Millisecond)
	if store.Len() != 0 {
		t.Errorf("Len() = %d after TTL sweep, want 0", store.Len())
	}
}

func TestMemoryStore_StopIdempotent(t *testing.T) {
	store := NewMemoryStoreWithTTL(time.Minute, time.Minute)
	store.Stop()
	store.Stop()

	if err := NewMemoryStore().Close(); err != nil {
		t.Errorf("Close() on store without TTL = %v", err)
	}
}

func TestNewMemoryStoreWithTTL_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewMemoryStoreWithTTL(0) should panic")
		}
	}()
	NewMemoryStoreWithTTL(0, time.Second)
}
