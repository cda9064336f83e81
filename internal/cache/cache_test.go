package cache

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()
	streamID := "stream-001"

	t.Run("SetAndGet", func(t *testing.T) {
		err := cache.Set(ctx, streamID, "key1", []byte("value1"), time.Minute)
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, streamID, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, streamID, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, streamID, "key2", []byte("value2"), time.Minute)

		err := cache.Delete(ctx, streamID, "key2")
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, streamID, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = cache.Set(ctx, streamID, "expiring", []byte("temp"), 10*time.Millisecond)

		// Should be available immediately
		val, _ := cache.Get(ctx, streamID, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		// Wait for expiration
		time.Sleep(20 * time.Millisecond)

		val, _ = cache.Get(ctx, streamID, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, streamID, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, streamID, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, streamID, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, streamID, "a")

		// Add 'd' - should evict 'b' (oldest accessed)
		_ = smallCache.Set(ctx, streamID, "d", []byte("4"), time.Minute)

		// 'b' should be evicted
		val, _ := smallCache.Get(ctx, streamID, "b")
		if val != nil {
			t.Error("expected 'b' to be evicted")
		}

		// 'a' should still be there
		val, _ = smallCache.Get(ctx, streamID, "a")
		if val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("StreamIsolation", func(t *testing.T) {
		stream1 := "stream-001"
		stream2 := "stream-002"

		_ = cache.Set(ctx, stream1, "shared-key", []byte("stream1-value"), time.Minute)
		_ = cache.Set(ctx, stream2, "shared-key", []byte("stream2-value"), time.Minute)

		val1, _ := cache.Get(ctx, stream1, "shared-key")
		val2, _ := cache.Get(ctx, stream2, "shared-key")

		if string(val1) != "stream1-value" {
			t.Errorf("expected 'stream1-value', got '%s'", string(val1))
		}
		if string(val2) != "stream2-value" {
			t.Errorf("expected 'stream2-value', got '%s'", string(val2))
		}
	})

	t.Run("RequiresStreamID", func(t *testing.T) {
		err := cache.Set(ctx, "", "key", []byte("value"), time.Minute)
		if err == nil {
			t.Error("expected error for empty streamID")
		}

		_, err = cache.Get(ctx, "", "key")
		if err == nil {
			t.Error("expected error for empty streamID")
		}
	})

	t.Run("IncrementCounter", func(t *testing.T) {
		window := 100 * time.Millisecond

		count1, err := cache.IncrementCounter(ctx, streamID, "recurrence", window)
		if err != nil {
			t.Fatalf("IncrementCounter failed: %v", err)
		}
		if count1 != 1 {
			t.Errorf("expected count 1, got %d", count1)
		}

		count2, _ := cache.IncrementCounter(ctx, streamID, "recurrence", window)
		if count2 != 2 {
			t.Errorf("expected count 2, got %d", count2)
		}

		// Wait for window to expire
		time.Sleep(150 * time.Millisecond)

		count3, _ := cache.IncrementCounter(ctx, streamID, "recurrence", window)
		if count3 != 1 {
			t.Errorf("expected count 1 after window reset, got %d", count3)
		}
	})

	t.Run("AnomalyCache", func(t *testing.T) {
		rec := &domain.AnomalyRecord{
			ID:       "anomaly-001",
			Source:   "superops",
			Score:    0.87,
			Columns:  []string{"revenue", "ticket_count"},
			Features: []float64{120.5, 4},
		}

		err := cache.SetAnomaly(ctx, streamID, rec.ID, rec, time.Minute)
		if err != nil {
			t.Fatalf("SetAnomaly failed: %v", err)
		}

		retrieved, err := cache.GetAnomaly(ctx, streamID, rec.ID)
		if err != nil {
			t.Fatalf("GetAnomaly failed: %v", err)
		}

		if retrieved.Source != rec.Source {
			t.Errorf("expected Source %s, got %s", rec.Source, retrieved.Source)
		}
		if retrieved.Score != rec.Score {
			t.Errorf("expected Score %.2f, got %.2f", rec.Score, retrieved.Score)
		}

		// Unknown anomaly is a cache miss, not an error
		missing, err := cache.GetAnomaly(ctx, streamID, "anomaly-999")
		if err != nil || missing != nil {
			t.Errorf("expected nil, nil for unknown anomaly, got %v, %v", missing, err)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50)
		_ = statsCache.Set(ctx, streamID, "k1", []byte("v1"), time.Minute)
		_ = statsCache.Set(ctx, streamID, "k2", []byte("v2"), time.Minute)

		size, capacity := statsCache.Stats()
		if size != 2 {
			t.Errorf("expected size 2, got %d", size)
		}
		if capacity != 50 {
			t.Errorf("expected capacity 50, got %d", capacity)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10)
		_ = testCache.Set(ctx, streamID, "k", []byte("v"), time.Minute)

		err := testCache.Close()
		if err != nil {
			t.Errorf("Close failed: %v", err)
		}

		// Cache should be empty after close
		val, _ := testCache.Get(ctx, streamID, "k")
		if val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100,
		}

		cache, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		_, ok := cache.(*LRUCache)
		if !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type: "memcached",
		}

		_, err := New(cfg)
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
