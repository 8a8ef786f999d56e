package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/escrow"
)

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache()
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
	_ = c.Set(ctx, "k", "v", time.Minute)
	_ = c.Set(ctx, "forever", "v", 0)
	if got, err := c.Get(ctx, "k"); err != nil || got != "v" {
		t.Fatalf("expected hit, got %q %v", got, err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected expiry, got %v", err)
	}
	if _, err := c.Get(ctx, "forever"); err != nil {
		t.Fatalf("zero ttl must not expire: %v", err)
	}
	_ = c.Del(ctx, "forever")
	if _, err := c.Get(ctx, "forever"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after delete, got %v", err)
	}
}

func TestNewCacheSelection(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := NewCache(ctx, nil).(*MemoryCache); !ok {
		t.Fatal("expected memory cache for nil client")
	}
	dead := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 5 * time.Millisecond})
	defer dead.Close()
	if _, ok := NewCache(ctx, dead).(*MemoryCache); !ok {
		t.Fatal("expected memory cache when redis is unreachable")
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	live := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer live.Close()
	if _, ok := NewCache(context.Background(), live).(*RedisCache); !ok {
		t.Fatal("expected redis cache when ping succeeds")
	}
}

type failingPersister struct{ calls int }

func (f *failingPersister) SaveEscrow(context.Context, escrow.Snapshot) error {
	f.calls++
	return errors.New("db down")
}

func TestCachingPersisterWritesThroughRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	p := &CachingPersister{Cache: NewRedisCache(client), TTL: time.Hour}
	snap := escrow.Snapshot{
		ID:            "esc-1",
		Buyer:         "buyer",
		Seller:        "seller",
		Amount:        100,
		State:         "TIME_LOCKED",
		PanicCodeHash: escrow.HashPanicCode("red-umbrella-42"),
	}
	if err := p.SaveEscrow(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	if ttl := mr.TTL("escrow:snapshot:esc-1"); ttl != time.Hour {
		t.Fatalf("expected 1h ttl, got %s", ttl)
	}
	got, err := p.Lookup(ctx, "esc-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.State != "TIME_LOCKED" || got.Amount != 100 {
		t.Fatalf("unexpected cached snapshot %+v", got)
	}
	if got.PanicCodeHash != "" {
		t.Fatal("panic-code hash must not be cached")
	}
	if _, err := p.Lookup(ctx, "esc-2"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss, got %v", err)
	}

	next := &failingPersister{}
	failing := &CachingPersister{Next: next, Cache: NewMemoryCache()}
	if err := failing.SaveEscrow(ctx, snap); err == nil {
		t.Fatal("expected write-through error")
	}
	if _, err := failing.Lookup(ctx, "esc-1"); !errors.Is(err, ErrCacheMiss) {
		t.Fatal("failed writes must not populate the cache")
	}
}
