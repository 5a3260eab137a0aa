package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCacheSetPeekInvalidate(t *testing.T) {
	c := New(Options{TTL: 50 * time.Millisecond, MaxEntries: 10})

	c.Set("alpha", "value")
	if val, ok := c.Peek("alpha"); !ok || val.(string) != "value" {
		t.Fatalf("expected peeked value, got %v %v", val, ok)
	}

	c.Invalidate("alpha")
	if _, ok := c.Peek("alpha"); ok {
		t.Fatal("expected entry gone after invalidate")
	}
}

func TestCacheExpiry(t *testing.T) {
	c := New(Options{TTL: 10 * time.Millisecond})

	c.Set("alpha", 1)
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Peek("alpha"); ok {
		t.Fatal("expected entry expired")
	}
}

func TestCacheCoalescesConcurrentLoads(t *testing.T) {
	c := New(Options{TTL: time.Second})

	var loads int64
	loader := func(ctx context.Context, key string) (interface{}, error) {
		atomic.AddInt64(&loads, 1)
		time.Sleep(5 * time.Millisecond)
		return "loaded", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			val, err := c.Get(context.Background(), "alpha", loader)
			if err != nil || val.(string) != "loaded" {
				t.Errorf("Get: %v %v", val, err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&loads); got != 1 {
		t.Fatalf("expected single load under contention, got %d", got)
	}
}

func TestCacheConcurrentHitsOnWarmKey(t *testing.T) {
	c := New(Options{TTL: time.Minute})

	var loads int64
	loader := func(ctx context.Context, key string) (interface{}, error) {
		atomic.AddInt64(&loads, 1)
		return "warm", nil
	}
	if _, err := c.Get(context.Background(), "alpha", loader); err != nil {
		t.Fatalf("warm-up Get: %v", err)
	}

	// Hits on a warm key only read shared state; run under -race.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				val, err := c.Get(context.Background(), "alpha", loader)
				if err != nil || val.(string) != "warm" {
					t.Errorf("Get: %v %v", val, err)
				}
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&loads); got != 1 {
		t.Fatalf("expected no reloads on warm key, got %d loads", got)
	}
}

func TestCacheLoaderErrorNotCached(t *testing.T) {
	c := New(Options{TTL: time.Second})

	boom := errors.New("boom")
	if _, err := c.Get(context.Background(), "alpha", func(ctx context.Context, key string) (interface{}, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected loader error, got %v", err)
	}

	val, err := c.Get(context.Background(), "alpha", func(ctx context.Context, key string) (interface{}, error) {
		return "recovered", nil
	})
	if err != nil || val.(string) != "recovered" {
		t.Fatalf("expected recovery after failed load, got %v %v", val, err)
	}
}

func TestCacheEviction(t *testing.T) {
	c := New(Options{TTL: time.Minute, MaxEntries: 2})

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	if _, ok := c.Peek("a"); ok {
		t.Fatal("expected oldest entry evicted")
	}
	if _, ok := c.Peek("c"); !ok {
		t.Fatal("expected newest entry present")
	}
}
