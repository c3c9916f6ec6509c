package trustcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// codeLimiter throttles failed second-factor verifications per user. The
// counter lives in Redis so the limit holds across engine instances.
type codeLimiter struct {
	redis       redis.UniversalClient
	prefix      string
	maxAttempts int
	cooldown    time.Duration
}

func newCodeLimiter(redisClient redis.UniversalClient, prefix string, maxAttempts int, cooldown time.Duration) *codeLimiter {
	return &codeLimiter{
		redis:       redisClient,
		prefix:      prefix,
		maxAttempts: maxAttempts,
		cooldown:    cooldown,
	}
}

func (l *codeLimiter) key(userID string) string {
	return l.prefix + "att:" + userID
}

func (l *codeLimiter) Check(ctx context.Context, userID string) error {
	count, err := l.redis.Get(ctx, l.key(userID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if count >= int64(l.maxAttempts) {
		return ErrCodeRateLimited
	}
	return nil
}

func (l *codeLimiter) RecordFailure(ctx context.Context, userID string) error {
	count, err := l.redis.Incr(ctx, l.key(userID)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if count == 1 {
		if err := l.redis.Expire(ctx, l.key(userID), l.cooldown).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}
	if count >= int64(l.maxAttempts) {
		return ErrCodeRateLimited
	}
	return nil
}

func (l *codeLimiter) Reset(ctx context.Context, userID string) error {
	if err := l.redis.Del(ctx, l.key(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}
