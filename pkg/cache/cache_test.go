package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

type quote struct {
	Price float64 `json:"price"`
	Src   string  `json:"src"`
}

func TestMemoryCacheRoundTripAndExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	mc := NewMemoryCache(WithMemoryClock(func() time.Time { return now }), WithMemoryCleanup(0))
	defer mc.Close()
	ctx := context.Background()

	if err := mc.Set(ctx, "q:btc", quote{Price: 42000, Src: "cg"}, time.Minute); err != nil {
		t.Fatal(err)
	}
	var got quote
	if err := mc.Get(ctx, "q:btc", &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Price != 42000 || got.Src != "cg" {
		t.Errorf("got %+v", got)
	}

	now = now.Add(time.Minute)
	if err := mc.Get(ctx, "q:btc", &got); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("err = %v, want miss after expiry", err)
	}
}

func TestMemoryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	now := time.Unix(0, 0)
	mc := NewMemoryCache(WithMemoryMaxSize(2), WithMemoryCleanup(0),
		WithMemoryClock(func() time.Time { now = now.Add(time.Millisecond); return now }))
	ctx := context.Background()

	_ = mc.Set(ctx, "a", 1, 0)
	_ = mc.Set(ctx, "b", 2, 0)
	var v int
	_ = mc.Get(ctx, "a", &v)
	_ = mc.Set(ctx, "c", 3, 0)

	if ok, _ := mc.Exists(ctx, "b"); ok {
		t.Error("b should have been evicted")
	}
	if ok, _ := mc.Exists(ctx, "a", "c"); !ok {
		t.Error("a and c should remain")
	}
	if mc.Len() != 2 {
		t.Errorf("len = %d", mc.Len())
	}
}

func TestMemoryTryLock(t *testing.T) {
	mc := NewMemoryCache(WithMemoryCleanup(0))
	ctx := context.Background()
	if ok, _ := mc.TryLock(ctx, "lock:cycle", time.Minute); !ok {
		t.Fatal("first lock should succeed")
	}
	if ok, _ := mc.TryLock(ctx, "lock:cycle", time.Minute); ok {
		t.Fatal("second lock should fail")
	}
	_ = mc.Unlock(ctx, "lock:cycle")
	if ok, _ := mc.TryLock(ctx, "lock:cycle", time.Minute); !ok {
		t.Fatal("lock should be free after unlock")
	}
}

func TestLayeredPromotesFromL2(t *testing.T) {
	ctx := context.Background()
	l2 := NewMemoryCache(WithMemoryCleanup(0))
	lc := NewLayeredCache(l2)

	_ = l2.Set(ctx, "snap", quote{Price: 1.5}, time.Hour)
	var got quote
	if err := lc.Get(ctx, "snap", &got); err != nil || got.Price != 1.5 {
		t.Fatalf("Get = %+v, %v", got, err)
	}

	_ = l2.Delete(ctx, "snap")
	got = quote{}
	if err := lc.Get(ctx, "snap", &got); err != nil || got.Price != 1.5 {
		t.Fatalf("expected L1 hit after promotion, got %+v, %v", got, err)
	}

	_ = lc.Delete(ctx, "snap")
	if err := lc.Get(ctx, "snap", &got); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("err = %v, want miss", err)
	}
}

func TestGetOrLoad(t *testing.T) {
	ctx := context.Background()
	mc := NewMemoryCache(WithMemoryCleanup(0))
	calls := 0
	load := func(context.Context) ([]float64, error) {
		calls++
		return []float64{1, 2, 3}, nil
	}

	v, hit, err := GetOrLoad(ctx, mc, "series:btc", time.Minute, load)
	if err != nil || hit || len(v) != 3 {
		t.Fatalf("first = %v %v %v", v, hit, err)
	}
	v, hit, err = GetOrLoad(ctx, mc, "series:btc", time.Minute, load)
	if err != nil || !hit || len(v) != 3 {
		t.Fatalf("second = %v %v %v", v, hit, err)
	}
	if calls != 1 {
		t.Errorf("load called %d times", calls)
	}

	boom := errors.New("boom")
	_, _, err = GetOrLoad(ctx, mc, "series:eth", time.Minute, func(context.Context) ([]float64, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if ok, _ := mc.Exists(ctx, "series:eth"); ok {
		t.Error("errors must not be cached")
	}
}

func TestGenerateKey(t *testing.T) {
	if got := GenerateKeyWithParams("series", "bitcoin", 24); got != "series:bitcoin:24" {
		t.Errorf("got %q", got)
	}
	if got := GenerateKey("quote", "btc"); got != "quote:btc" {
		t.Errorf("got %q", got)
	}
}
