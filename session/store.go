// Package session persists active session records in Redis and maintains the
// per-user session index used for concurrency caps and bulk termination.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is an exported constant or variable used by the trust engine.
var ErrNotFound = errors.New("session not found")

// ErrStore is an exported constant or variable used by the trust engine.
//
// It wraps Redis transport failures so callers can map any storage trouble to
// a single outward error without string matching.
var ErrStore = errors.New("session store unavailable")

const maxRetries = 4

// Record defines a public type used by trustcore APIs.
//
// A Record is the durable form of one authenticated session. LastActivityAt
// is the inactivity anchor; CreatedAt bounds absolute lifetime regardless of
// activity.
type Record struct {
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Role           string    `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	IPAddress      string    `json:"ip_address"`
	UserAgent      string    `json:"user_agent"`
	RequiresReauth bool      `json:"requires_reauth"`
}

// Store defines a public type used by trustcore APIs.
//
// Store instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

// Deletes the record and its index entry in one atomic step. A missing record
// is not an error; the script reports how much it removed.
var deleteScript = redis.NewScript(`
redis.call("SREM", KEYS[2], ARGV[1])
return redis.call("DEL", KEYS[1])
`)

// NewStore describes the newstore operation and its observable behavior.
func NewStore(rdb redis.UniversalClient, prefix string) *Store {
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + "sess:" + sessionID
}

func (s *Store) userKey(userID string) string {
	return s.prefix + "user:" + userID
}

// Insert describes the insert operation and its observable behavior.
//
// Insert persists a new session and enforces the per-user concurrency cap in
// the same transaction. When the cap is reached the sessions with the oldest
// LastActivityAt are removed first; the evicted records are returned so the
// caller can account for each one. The watch loop retries on contention so an
// interleaved insert for the same user never overshoots the cap.
// Insert may return an error when input validation, dependency calls, or security checks fail.
// Insert does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Store) Insert(ctx context.Context, rec *Record, ttl time.Duration, maxPerUser int) ([]Record, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	var evicted []Record
	userKey := s.userKey(rec.UserID)

	for attempt := 0; attempt < maxRetries; attempt++ {
		evicted = evicted[:0]

		err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			members, err := tx.SMembers(ctx, userKey).Result()
			if err != nil && err != redis.Nil {
				return err
			}

			live := make([]Record, 0, len(members))
			stale := make([]string, 0)
			for _, id := range members {
				raw, err := tx.Get(ctx, s.key(id)).Bytes()
				if err == redis.Nil {
					stale = append(stale, id)
					continue
				}
				if err != nil {
					return err
				}
				var r Record
				if err := json.Unmarshal(raw, &r); err != nil {
					stale = append(stale, id)
					continue
				}
				live = append(live, r)
			}

			toEvict := []Record{}
			if maxPerUser > 0 && len(live) >= maxPerUser {
				sort.Slice(live, func(i, j int) bool {
					return live[i].LastActivityAt.Before(live[j].LastActivityAt)
				})
				toEvict = live[:len(live)-maxPerUser+1]
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, id := range stale {
					pipe.SRem(ctx, userKey, id)
				}
				for _, r := range toEvict {
					pipe.Del(ctx, s.key(r.SessionID))
					pipe.SRem(ctx, userKey, r.SessionID)
				}
				pipe.Set(ctx, s.key(rec.SessionID), payload, ttl)
				pipe.SAdd(ctx, userKey, rec.SessionID)
				return nil
			})
			if err != nil {
				return err
			}

			evicted = append(evicted, toEvict...)
			return nil
		}, userKey)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStore, err)
		}
		return evicted, nil
	}

	return nil, fmt.Errorf("%w: insert retries exhausted", ErrStore)
}

// Get describes the get operation and its observable behavior.
//
// Get may return an error when input validation, dependency calls, or security checks fail.
// Get does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Store) Get(ctx context.Context, sessionID string) (*Record, error) {
	raw, err := s.rdb.Get(ctx, s.key(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return &rec, nil
}

// Update describes the update operation and its observable behavior.
//
// Update rewrites the record and resets its key TTL. The record must already
// exist; updating an absent session reports [ErrNotFound].
// Update may return an error when input validation, dependency calls, or security checks fail.
// Update does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Store) Update(ctx context.Context, rec *Record, ttl time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}

	ok, err := s.rdb.SetXX(ctx, s.key(rec.SessionID), payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Delete describes the delete operation and its observable behavior.
//
// Delete removes a session and its index entry atomically. Deleting a session
// that is already gone succeeds; expiry and explicit termination race without
// either side failing.
// Delete may return an error when input validation, dependency calls, or security checks fail.
// Delete does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Store) Delete(ctx context.Context, sessionID, userID string) error {
	err := deleteScript.Run(ctx, s.rdb,
		[]string{s.key(sessionID), s.userKey(userID)},
		sessionID,
	).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

// ActiveForUser describes the activeforuser operation and its observable behavior.
//
// Index entries whose session key has already expired are pruned as a side
// effect, so the returned slice reflects only live sessions.
// ActiveForUser may return an error when input validation, dependency calls, or security checks fail.
// ActiveForUser does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Store) ActiveForUser(ctx context.Context, userID string) ([]Record, error) {
	members, err := s.rdb.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	records := make([]Record, 0, len(members))
	for _, id := range members {
		raw, err := s.rdb.Get(ctx, s.key(id)).Bytes()
		if err == redis.Nil {
			s.rdb.SRem(ctx, s.userKey(userID), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStore, err)
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].LastActivityAt.Before(records[j].LastActivityAt)
	})
	return records, nil
}

// Sweep describes the sweep operation and its observable behavior.
//
// Sweep scans all session keys and removes every record the predicate marks
// expired, returning the removed records. The scan is cursor based and never
// blocks Redis; Redis key TTLs remain the backstop for anything a sweep pass
// misses.
// Sweep may return an error when input validation, dependency calls, or security checks fail.
// Sweep does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Store) Sweep(ctx context.Context, expired func(Record) bool) ([]Record, error) {
	var (
		cursor  uint64
		removed []Record
	)

	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, s.prefix+"sess:*", 100).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrStore, err)
		}

		for _, key := range keys {
			raw, err := s.rdb.Get(ctx, key).Bytes()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return removed, fmt.Errorf("%w: %v", ErrStore, err)
			}

			var rec Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				continue
			}
			if !expired(rec) {
				continue
			}
			if err := s.Delete(ctx, rec.SessionID, rec.UserID); err != nil {
				return removed, err
			}
			removed = append(removed, rec)
		}

		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}
