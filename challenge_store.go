package trustcore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// challengeStore marks challenge token IDs as redeemed. A marker is written
// exactly once per jti; the second writer loses, which makes redemption
// single use across engine instances.
type challengeStore struct {
	redis  redis.UniversalClient
	prefix string
}

func newChallengeStore(redisClient redis.UniversalClient, prefix string) *challengeStore {
	return &challengeStore{redis: redisClient, prefix: prefix}
}

func (s *challengeStore) key(jti string) string {
	return s.prefix + "redeemed:" + jti
}

// MarkRedeemed claims the jti. It reports ErrChallengeReplay when the marker
// already exists. The marker TTL outlives the token so a replay after token
// expiry still fails on the expiry check, not on a missing marker.
func (s *challengeStore) MarkRedeemed(ctx context.Context, jti string, ttl time.Duration) error {
	ok, err := s.redis.SetNX(ctx, s.key(jti), 1, ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if !ok {
		return ErrChallengeReplay
	}
	return nil
}
