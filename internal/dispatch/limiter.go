package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/herald-run/herald/internal/metrics"
	"github.com/herald-run/herald/internal/redis"
)

// Limits defines the per-channel send caps. Zero disables a window.
type Limits struct {
	PerSecond int
	PerMinute int
	PerHour   int
}

// Default bounded wait before a rate-limited send gives up.
const (
	DefaultMaxWait  = 5 * time.Second
	defaultPollStep = 100 * time.Millisecond
)

type window struct {
	suffix  string
	limiter *redis.RateLimiter
}

// Limiter enforces a channel's send caps across all configured
// windows. The windows live in Redis, so the caps hold across process
// instances.
type Limiter struct {
	windows []window
	maxWait time.Duration
	logger  *zap.Logger
}

// NewLimiter builds a limiter from the non-zero windows in limits.
// maxWait <= 0 falls back to DefaultMaxWait.
func NewLimiter(client *redis.Client, logger *zap.Logger, limits Limits, maxWait time.Duration) *Limiter {
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	l := &Limiter{maxWait: maxWait, logger: logger}

	add := func(suffix string, limit int, win time.Duration) {
		if limit <= 0 {
			return
		}
		l.windows = append(l.windows, window{
			suffix:  suffix,
			limiter: redis.NewRateLimiter(client, logger, redis.RateLimitConfig{Limit: limit, Window: win}),
		})
	}
	add("1s", limits.PerSecond, time.Second)
	add("1m", limits.PerMinute, time.Minute)
	add("1h", limits.PerHour, time.Hour)
	return l
}

// Acquire blocks until every window admits one send for key, or until
// the bounded wait elapses. A send that cannot be admitted in time
// fails with ErrRateLimited rather than being dropped silently.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	deadline := time.Now().Add(l.maxWait)

	for {
		allowed, err := l.tryAll(ctx, key)
		if err != nil {
			return err
		}
		if allowed {
			metrics.RecordRateLimitWait(key, "admitted")
			return nil
		}

		if time.Now().After(deadline) {
			metrics.RecordRateLimitWait(key, "exhausted")
			l.logger.Warn("rate limit wait exhausted", zap.String("channel", key))
			return fmt.Errorf("%w: channel %s", ErrRateLimited, key)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(defaultPollStep):
		}
	}
}

func (l *Limiter) tryAll(ctx context.Context, key string) (bool, error) {
	var taken []window
	for _, w := range l.windows {
		res, err := w.limiter.Allow(ctx, key+":"+w.suffix)
		if err != nil {
			l.giveBack(ctx, key, taken)
			return false, fmt.Errorf("rate limit check failed: %w", err)
		}
		if !res.Allowed {
			// Earlier windows already took a slot for this attempt;
			// give them back so repeated polls against an exhausted
			// larger window cannot inflate the smaller ones.
			l.giveBack(ctx, key, taken)
			return false, nil
		}
		taken = append(taken, w)
	}
	return true, nil
}

func (l *Limiter) giveBack(ctx context.Context, key string, taken []window) {
	for _, w := range taken {
		if err := w.limiter.Release(ctx, key+":"+w.suffix); err != nil {
			l.logger.Warn("rate limit release failed",
				zap.String("channel", key),
				zap.String("window", w.suffix),
				zap.Error(err),
			)
		}
	}
}
