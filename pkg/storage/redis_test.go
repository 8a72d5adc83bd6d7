//go:build integration

package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redis"
)

// setupRedisContainer starts a Redis container for testing
func setupRedisContainer(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	redisContainer, err := redis.Run(ctx,
		"redis:7-alpine",
		redis.WithSnapshotting(10, 1),
		redis.WithLogLevel(redis.LogLevelVerbose),
	)
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}

	endpoint, err := redisContainer.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(redisContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	return strings.TrimPrefix(endpoint, "redis://")
}

func TestRedisStore_Container(t *testing.T) {
	addr := setupRedisContainer(t)

	db := 0
	testStoreBehavior(t, func(t *testing.T) Store {
		// Each subtest gets its own logical database so histories don't mix.
		db++
		store, err := NewRedisStore(addr, "", db, 0)
		if err != nil {
			t.Fatalf("NewRedisStore() error = %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestRedisStore_Container_TTLExpiration(t *testing.T) {
	addr := setupRedisContainer(t)

	store, err := NewRedisStore(addr, "", 0, 1*time.Second)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Put(ctx, testRecord("ttl-record", time.Now())); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, found, _ := store.Get(ctx, "ttl-record"); !found {
		t.Fatal("record should exist before TTL")
	}

	time.Sleep(1500 * time.Millisecond)

	if _, found, err := store.Get(ctx, "ttl-record"); err != nil || found {
		t.Errorf("Get() after TTL = found %v, err %v", found, err)
	}
	list, err := store.List(ctx, 10)
	if err != nil || len(list) != 0 {
		t.Errorf("List() after TTL = %v, %v", list, err)
	}
}

func TestRedisStore_Container_ConcurrentReadWrite(t *testing.T) {
	addr := setupRedisContainer(t)

	store, err := NewRedisStore(addr, "", 0, time.Minute)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if err := store.Put(ctx, testRecord(fmt.Sprintf("rw-%d", i), time.Now())); err != nil {
				t.Errorf("Put() error = %v", err)
			}
		}(i)
		go func() {
			defer wg.Done()
			if _, err := store.List(ctx, 5); err != nil {
				t.Errorf("List() error = %v", err)
			}
		}()
	}
	wg.Wait()

	list, err := store.List(ctx, 100)
	if err != nil || len(list) != 10 {
		t.Errorf("List() = %d records, err %v; want 10", len(list), err)
	}
}
