package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/HatiCode/saccharum/pkg/classifier"
)

func testRecord(id string, at time.Time) Record {
	return Record{
		ID:           id,
		CreatedAt:    at,
		Filename:     "20250101_120000_abcd1234_leaf.jpg",
		OriginalName: "leaf.jpg",
		Model:        "ResNet50",
		TTA:          true,
		Prediction: classifier.Prediction{
			Class:         "Rust",
			Confidence:    0.82,
			Probabilities: map[string]float64{"Rust": 0.82, "Healthy": 0.18},
			Top:           []classifier.Ranked{{Class: "Rust", Probability: 0.82}, {Class: "Healthy", Probability: 0.18}},
			Method:        "tta(8)",
			Status:        classifier.StatusSuccess,
		},
	}
}

// testStoreBehavior exercises the Store contract against any implementation.
func testStoreBehavior(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("put get", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		rec := testRecord("rec-1", time.Now().UTC().Truncate(time.Millisecond))

		if err := store.Put(ctx, rec); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		got, found, err := store.Get(ctx, rec.ID)
		if err != nil || !found {
			t.Fatalf("Get() = found %v, err %v", found, err)
		}
		if got.Model != rec.Model || got.Filename != rec.Filename || !got.TTA {
			t.Errorf("Get() = %+v, want %+v", got, rec)
		}
		if !got.CreatedAt.Equal(rec.CreatedAt) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, rec.CreatedAt)
		}
		if got.Prediction.Class != "Rust" || got.Prediction.Probabilities["Healthy"] != 0.18 || len(got.Prediction.Top) != 2 {
			t.Errorf("Prediction = %+v", got.Prediction)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		store := newStore(t)
		_, found, err := store.Get(context.Background(), "missing")
		if err != nil || found {
			t.Errorf("Get(missing) = found %v, err %v", found, err)
		}
	})

	t.Run("invalid record", func(t *testing.T) {
		store := newStore(t)
		for _, rec := range []Record{
			testRecord("", time.Now()),
			testRecord("no-time", time.Time{}),
		} {
			if err := store.Put(context.Background(), rec); !errors.Is(err, ErrInvalidRecord) {
				t.Errorf("Put(%q) error = %v, want ErrInvalidRecord", rec.ID, err)
			}
		}
	})

	t.Run("list newest first", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Millisecond)
		for i := 0; i < 5; i++ {
			rec := testRecord(fmt.Sprintf("rec-%d", i), base.Add(time.Duration(i)*time.Second))
			if err := store.Put(ctx, rec); err != nil {
				t.Fatalf("Put() error = %v", err)
			}
		}

		got, err := store.List(ctx, 3)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		want := []string{"rec-4", "rec-3", "rec-2"}
		if len(got) != len(want) {
			t.Fatalf("List() returned %d records, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i].ID != want[i] {
				t.Errorf("List()[%d] = %s, want %s", i, got[i].ID, want[i])
			}
		}

		all, err := store.List(ctx, 0)
		if err != nil || len(all) != 5 {
			t.Errorf("List(0) = %d records, err %v; want 5", len(all), err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.Put(ctx, testRecord("gone", time.Now())); err != nil {
			t.Fatalf("Put() error = %v", err)
		}

		deleted, err := store.Delete(ctx, "gone")
		if err != nil || !deleted {
			t.Fatalf("Delete() = %v, %v; want true", deleted, err)
		}
		if _, found, _ := store.Get(ctx, "gone"); found {
			t.Error("record still present after Delete()")
		}
		deleted, err = store.Delete(ctx, "gone")
		if err != nil || deleted {
			t.Errorf("second Delete() = %v, %v; want false", deleted, err)
		}
		list, err := store.List(ctx, 10)
		if err != nil || len(list) != 0 {
			t.Errorf("List() after Delete() = %v, %v", list, err)
		}
	})

	t.Run("concurrent puts", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := store.Put(ctx, testRecord(fmt.Sprintf("c-%d", i), time.Now())); err != nil {
					t.Errorf("Put() error = %v", err)
				}
			}(i)
		}
		wg.Wait()

		list, err := store.List(ctx, 100)
		if err != nil || len(list) != 20 {
			t.Errorf("List() = %d records, err %v; want 20", len(list), err)
		}
	})
}
