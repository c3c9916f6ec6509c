package trustcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// impersonationLimiter caps impersonation starts per admin inside a rolling
// window. Every start attempt counts, including denied ones.
type impersonationLimiter struct {
	redis  redis.UniversalClient
	prefix string
	max    int
	window time.Duration
}

func newImpersonationLimiter(redisClient redis.UniversalClient, prefix string, max int, window time.Duration) *impersonationLimiter {
	return &impersonationLimiter{
		redis:  redisClient,
		prefix: prefix,
		max:    max,
		window: window,
	}
}

func (l *impersonationLimiter) key(adminID string) string {
	return l.prefix + "rate:" + adminID
}

func (l *impersonationLimiter) Record(ctx context.Context, adminID string) error {
	count, err := l.redis.Incr(ctx, l.key(adminID)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if count == 1 {
		if err := l.redis.Expire(ctx, l.key(adminID), l.window).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}
	if count > int64(l.max) {
		return ErrImpersonationRateLimited
	}
	return nil
}

func (l *impersonationLimiter) Remaining(ctx context.Context, adminID string) (int, error) {
	count, err := l.redis.Get(ctx, l.key(adminID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return l.max, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	remaining := l.max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
