package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"lorebase/internal/config"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.CacheConfig{
		Enabled:   true,
		KeyPrefix: "cache:",
		TTLStats:  60 * time.Second,
		TTLList:   60 * time.Second,
		TTLConv:   30 * time.Second,
		TTLDetail: 60 * time.Second,
	}
	return New(client, cfg), mr
}

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestCache_SetGetRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	c.Set(ctx, KeyKBDetail(42), sample{Name: "kb", Count: 3}, c.TTLDetail())
	var got sample
	if !c.Get(ctx, KeyKBDetail(42), &got) {
		t.Fatalf("expected hit")
	}
	if got.Name != "kb" || got.Count != 3 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestCache_TTLExpires(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	c.Set(ctx, "k", sample{}, 30*time.Second)
	mr.FastForward(31 * time.Second)
	var got sample
	if c.Get(ctx, "k", &got) {
		t.Fatalf("expected expiry")
	}
}

func TestCache_PrefixInvalidation(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	for page := 1; page <= 3; page++ {
		c.Set(ctx, KeyConvList(7, page, 20), sample{Count: page}, c.TTLConv())
	}
	c.Set(ctx, KeyConvList(8, 1, 20), sample{}, c.TTLConv())
	c.Set(ctx, KeyConvDetail(99), sample{}, c.TTLConv())

	c.InvalidateConversation(ctx, 7, 99)

	var got sample
	for page := 1; page <= 3; page++ {
		if c.Get(ctx, KeyConvList(7, page, 20), &got) {
			t.Fatalf("page %d survived invalidation", page)
		}
	}
	if c.Get(ctx, KeyConvDetail(99), &got) {
		t.Fatalf("detail survived invalidation")
	}
	if !c.Get(ctx, KeyConvList(8, 1, 20), &got) {
		t.Fatalf("other user's list was dropped")
	}
}

func TestCache_DisabledAlwaysMisses(t *testing.T) {
	c := New(nil, config.CacheConfig{Enabled: true})
	ctx := context.Background()
	c.Set(ctx, "k", sample{Name: "x"}, time.Minute)
	var got sample
	if c.Get(ctx, "k", &got) {
		t.Fatalf("disabled cache must miss")
	}
}
