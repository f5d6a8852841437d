package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"lorebase/internal/config"
)

func newTestLimiter(t *testing.T, cfg config.RateLimitConfig) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, cfg), mr
}

func TestAllowUpload_DailyLimit(t *testing.T) {
	l, _ := newTestLimiter(t, config.RateLimitConfig{Enabled: true, UploadPerDay: 3})
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		ok, n, limit := l.AllowUpload(ctx, 1)
		if !ok || n != i || limit != 3 {
			t.Fatalf("upload %d: ok=%v n=%d limit=%d", i, ok, n, limit)
		}
	}
	ok, n, _ := l.AllowUpload(ctx, 1)
	if ok || n != 4 {
		t.Fatalf("expected 4th upload rejected, ok=%v n=%d", ok, n)
	}
	// Another user is unaffected.
	if ok, _, _ := l.AllowUpload(ctx, 2); !ok {
		t.Fatalf("other user should be allowed")
	}
}

func TestAllowSearch_PerSecondBucket(t *testing.T) {
	l, _ := newTestLimiter(t, config.RateLimitConfig{Enabled: true, SearchQPS: 2})
	base := time.Unix(1700000000, 0)
	l.now = func() time.Time { return base }
	ctx := context.Background()

	if ok, _, _ := l.AllowSearch(ctx, 1); !ok {
		t.Fatalf("first search rejected")
	}
	if ok, _, _ := l.AllowSearch(ctx, 1); !ok {
		t.Fatalf("second search rejected")
	}
	if ok, _, _ := l.AllowSearch(ctx, 1); ok {
		t.Fatalf("third search in the same second should be rejected")
	}
	// Next second resets the bucket.
	l.now = func() time.Time { return base.Add(time.Second) }
	if ok, _, _ := l.AllowSearch(ctx, 1); !ok {
		t.Fatalf("search in fresh second rejected")
	}
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	l := New(nil, config.RateLimitConfig{Enabled: false, UploadPerDay: 1})
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if ok, _, _ := l.AllowUpload(ctx, 1); !ok {
			t.Fatalf("disabled limiter rejected")
		}
	}
}

func TestUsageSnapshot(t *testing.T) {
	l, _ := newTestLimiter(t, config.RateLimitConfig{Enabled: true, UploadPerDay: 500, ConversationPerDay: 200, SearchQPS: 10})
	ctx := context.Background()
	_, _, _ = l.AllowUpload(ctx, 5)
	_, _, _ = l.AllowConversation(ctx, 5)
	_, _, _ = l.AllowConversation(ctx, 5)
	snap := l.Usage(ctx, 5)
	if snap.UploadToday != 1 || snap.ConversationToday != 2 {
		t.Fatalf("snapshot wrong: %+v", snap)
	}
	if snap.UploadLimitPerDay != 500 || snap.ConversationLimitPerDay != 200 {
		t.Fatalf("limits wrong: %+v", snap)
	}
}
