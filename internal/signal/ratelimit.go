// Package signal fans committed ledger entries out to a Kafka topic for
// dashboards and notifiers. Signals are best effort: the ledger row is the
// record, a dropped signal loses nothing an auditor cares about.
package signal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	platformredis "girder/internal/platform/redis"
	"girder/pkg/requestcontext"
)

// RateLimiter enforces the per-organization publish budget with fixed-window
// counters in Redis, so every server instance shares one window instead of
// each keeping its own in-process count.
type RateLimiter struct {
	cache     *platformredis.Client
	perMinute int
	logger    *slog.Logger
}

// NewRateLimiter creates a rate limiter. With a nil cache or a non-positive
// budget every signal is allowed.
func NewRateLimiter(cache *platformredis.Client, perMinute int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{cache: cache, perMinute: perMinute, logger: logger}
}

// Allow reports whether the organization still has budget in the current
// one-minute window. Redis failures fail open: throttling exists to protect
// downstream consumers, not to gate correctness.
func (l *RateLimiter) Allow(ctx context.Context, orgID string) bool {
	if l.cache == nil || l.perMinute <= 0 {
		return true
	}

	window := requestcontext.Now(ctx).Unix() / 60
	key := fmt.Sprintf("girder:signals:%s:%d", orgID, window)

	count, err := l.cache.Incr(ctx, key).Result()
	if err != nil {
		l.logger.WarnContext(ctx, "signal rate limiter unavailable",
			"org_id", orgID,
			"error", err.Error(),
		)
		return true
	}
	if count == 1 {
		// First hit in the window; the expiry outlives the window so a
		// straggling INCR never resurrects a dead key.
		l.cache.Expire(ctx, key, 2*time.Minute)
	}
	return count <= int64(l.perMinute)
}
