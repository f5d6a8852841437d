// Package ratelimit enforces per-user quotas with short-lived Redis
// counters: daily buckets for uploads and conversations, a per-second
// bucket for search QPS. When Redis is unavailable the limiter fails
// open so a cache outage cannot take down the service.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"lorebase/internal/config"
)

// Limiter checks and increments per-user usage counters.
type Limiter struct {
	client redis.UniversalClient
	cfg    config.RateLimitConfig
	// now is swappable for tests.
	now func() time.Time
}

// Snapshot is the current usage view for a user's dashboard.
type Snapshot struct {
	UploadToday             int     `json:"upload_today"`
	UploadLimitPerDay       int     `json:"upload_limit_per_day"`
	ConversationToday       int     `json:"conversation_today"`
	ConversationLimitPerDay int     `json:"conversation_limit_per_day"`
	SearchCurrentSecond     int     `json:"search_current_second"`
	SearchQPSLimit          float64 `json:"search_qps_limit"`
}

// New builds a Limiter on an existing Redis client.
func New(client redis.UniversalClient, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{client: client, cfg: cfg, now: time.Now}
}

func (l *Limiter) day() string {
	return l.now().UTC().Format("2006-01-02")
}

// incrWithTTL bumps a counter, setting the expiry on first increment.
func (l *Limiter) incrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := l.client.Expire(ctx, key, ttl).Err(); err != nil {
			log.Debug().Err(err).Str("key", key).Msg("rate_limit_expire_error")
		}
	}
	return n, nil
}

// AllowUpload checks and increments the daily upload counter.
// Returns (allowed, current count, limit).
func (l *Limiter) AllowUpload(ctx context.Context, userID int64) (bool, int, int) {
	limit := l.cfg.UploadPerDay
	if !l.cfg.Enabled || l.client == nil {
		return true, 0, limit
	}
	key := fmt.Sprintf("rate:upload:user:%d:day:%s", userID, l.day())
	n, err := l.incrWithTTL(ctx, key, 48*time.Hour)
	if err != nil {
		log.Warn().Err(err).Msg("rate limit redis unavailable, allowing")
		return true, 0, limit
	}
	return int(n) <= limit, int(n), limit
}

// AllowConversation checks and increments the daily conversation counter.
func (l *Limiter) AllowConversation(ctx context.Context, userID int64) (bool, int, int) {
	limit := l.cfg.ConversationPerDay
	if !l.cfg.Enabled || l.client == nil {
		return true, 0, limit
	}
	key := fmt.Sprintf("rate:chat:user:%d:day:%s", userID, l.day())
	n, err := l.incrWithTTL(ctx, key, 48*time.Hour)
	if err != nil {
		log.Warn().Err(err).Msg("rate limit redis unavailable, allowing")
		return true, 0, limit
	}
	return int(n) <= limit, int(n), limit
}

// AllowSearch checks and increments the current second's search counter.
func (l *Limiter) AllowSearch(ctx context.Context, userID int64) (bool, int, float64) {
	limitQPS := l.cfg.SearchQPS
	if !l.cfg.Enabled || l.client == nil {
		return true, 0, limitQPS
	}
	limit := int(limitQPS)
	if limit < 1 {
		limit = 1
	}
	key := fmt.Sprintf("rate:search:user:%d:sec:%d", userID, l.now().Unix())
	n, err := l.incrWithTTL(ctx, key, 2*time.Second)
	if err != nil {
		log.Warn().Err(err).Msg("rate limit redis unavailable, allowing")
		return true, 0, limitQPS
	}
	return int(n) <= limit, int(n), limitQPS
}

// Usage returns the user's current counters without incrementing.
func (l *Limiter) Usage(ctx context.Context, userID int64) Snapshot {
	snap := Snapshot{
		UploadLimitPerDay:       l.cfg.UploadPerDay,
		ConversationLimitPerDay: l.cfg.ConversationPerDay,
		SearchQPSLimit:          l.cfg.SearchQPS,
	}
	if l.client == nil {
		return snap
	}
	day := l.day()
	sec := l.now().Unix()
	snap.UploadToday = l.readInt(ctx, fmt.Sprintf("rate:upload:user:%d:day:%s", userID, day))
	snap.ConversationToday = l.readInt(ctx, fmt.Sprintf("rate:chat:user:%d:day:%s", userID, day))
	snap.SearchCurrentSecond = l.readInt(ctx, fmt.Sprintf("rate:search:user:%d:sec:%d", userID, sec))
	return snap
}

func (l *Limiter) readInt(ctx context.Context, key string) int {
	n, err := l.client.Get(ctx, key).Int()
	if err != nil {
		return 0
	}
	return n
}
