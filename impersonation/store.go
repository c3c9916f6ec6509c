// Package impersonation persists admin impersonation sessions in Redis.
//
// Active sessions live under a per-session key plus a per-admin pointer that
// enforces the one-active-session-per-admin rule. Ended sessions move to a
// retention keyspace with a TTL, which is where history queries read from.
package impersonation

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
var ErrNotFound = errors.New("impersonation session not found")

// ErrActiveExists is an exported constant or variable used by the trust engine.
//
// It is returned when an admin who already has an active impersonation session
// attempts to start another one.
var ErrActiveExists = errors.New("impersonation session already active")

// ErrStore is an exported constant or variable used by the trust engine.
var ErrStore = errors.New("impersonation store unavailable")

const maxRetries = 4

// Record defines a public type used by trustcore APIs.
//
// A Record captures the full audit context of one impersonation: who acted,
// who was impersonated, the stated reason, and the requesting client. EndedAt
// and EndReason are set only once the session has ended.
type Record struct {
	SessionID       string     `json:"session_id"`
	AdminID         string     `json:"admin_id"`
	AdminEmail      string     `json:"admin_email"`
	TargetUserID    string     `json:"target_user_id"`
	TargetUserEmail string     `json:"target_user_email"`
	Reason          string     `json:"reason"`
	TicketID        string     `json:"ticket_id,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	IPAddress       string     `json:"ip_address"`
	UserAgent       string     `json:"user_agent"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	EndReason       string     `json:"end_reason,omitempty"`
}

// Filter defines a public type used by trustcore APIs.
//
// Zero-value fields match everything.
type Filter struct {
	AdminID      string
	TargetUserID string
	Since        time.Time
	Until        time.Time
}

// Store defines a public type used by trustcore APIs.
//
// Store instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewStore describes the newstore operation and its observable behavior.
func NewStore(rdb redis.UniversalClient, prefix string) *Store {
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) activeKey(sessionID string) string {
	return s.prefix + "active:" + sessionID
}

func (s *Store) adminKey(adminID string) string {
	return s.prefix + "admin:" + adminID
}

func (s *Store) endedKey(sessionID string) string {
	return s.prefix + "ended:" + sessionID
}

// StartActive describes the startactive operation and its observable behavior.
//
// The per-admin pointer is claimed and the session written in one watched
// transaction, so two concurrent starts by the same admin cannot both
// succeed. Both keys expire with the session so a crashed end still clears
// the pointer.
// StartActive may return an error when input validation, dependency calls, or security checks fail.
// StartActive does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Store) StartActive(ctx context.Context, rec *Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}

	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("%w: session already expired", ErrStore)
	}
	adminKey := s.adminKey(rec.AdminID)

	for attempt := 0; attempt < maxRetries; attempt++ {
		err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			existing, err := tx.Get(ctx, adminKey).Result()
			if err != nil && err != redis.Nil {
				return err
			}
			if err == nil {
				// A dangling pointer to an expired session does not block.
				if n, err := tx.Exists(ctx, s.activeKey(existing)).Result(); err != nil {
					return err
				} else if n > 0 {
					return ErrActiveExists
				}
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, s.activeKey(rec.SessionID), payload, ttl)
				pipe.Set(ctx, adminKey, rec.SessionID, ttl)
				return nil
			})
			return err
		}, adminKey)

		if err == redis.TxFailedErr {
			continue
		}
		if errors.Is(err, ErrActiveExists) {
			return err
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStore, err)
		}
		return nil
	}

	return fmt.Errorf("%w: start retries exhausted", ErrStore)
}

// GetActive describes the getactive operation and its observable behavior.
//
// GetActive may return an error when input validation, dependency calls, or security checks fail.
// GetActive does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Store) GetActive(ctx context.Context, sessionID string) (*Record, error) {
	raw, err := s.rdb.Get(ctx, s.activeKey(sessionID)).Bytes()
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

// ActiveByAdmin describes the activebyadmin operation and its observable behavior.
//
// ActiveByAdmin may return an error when input validation, dependency calls, or security checks fail.
// ActiveByAdmin does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Store) ActiveByAdmin(ctx context.Context, adminID string) (*Record, error) {
	sessionID, err := s.rdb.Get(ctx, s.adminKey(adminID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return s.GetActive(ctx, sessionID)
}

// End describes the end operation and its observable behavior.
//
// End moves the session from the active keyspace to the ended keyspace with
// the given retention TTL and clears the admin pointer if it still names this
// session. Ending a session that is not active reports [ErrNotFound]; callers
// that treat ending as idempotent handle that themselves.
// End may return an error when input validation, dependency calls, or security checks fail.
// End does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Store) End(ctx context.Context, sessionID string, endedAt time.Time, reason string, retention time.Duration) (*Record, error) {
	activeKey := s.activeKey(sessionID)
	var ended *Record

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, activeKey).Bytes()
			if err == redis.Nil {
				return ErrNotFound
			}
			if err != nil {
				return err
			}

			var rec Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			rec.EndedAt = &endedAt
			rec.EndReason = reason

			payload, err := json.Marshal(&rec)
			if err != nil {
				return err
			}

			pointer, err := tx.Get(ctx, s.adminKey(rec.AdminID)).Result()
			if err != nil && err != redis.Nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, activeKey)
				if pointer == sessionID {
					pipe.Del(ctx, s.adminKey(rec.AdminID))
				}
				pipe.Set(ctx, s.endedKey(sessionID), payload, retention)
				return nil
			})
			if err != nil {
				return err
			}

			ended = &rec
			return nil
		}, activeKey)

		if err == redis.TxFailedErr {
			continue
		}
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStore, err)
		}
		return ended, nil
	}

	return nil, fmt.Errorf("%w: end retries exhausted", ErrStore)
}

// AllActive describes the allactive operation and its observable behavior.
//
// AllActive may return an error when input validation, dependency calls, or security checks fail.
// AllActive does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Store) AllActive(ctx context.Context) ([]Record, error) {
	return s.scan(ctx, s.prefix+"active:*")
}

// ActiveForTarget describes the activefortarget operation and its observable behavior.
//
// ActiveForTarget may return an error when input validation, dependency calls, or security checks fail.
// ActiveForTarget does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Store) ActiveForTarget(ctx context.Context, targetUserID string) ([]Record, error) {
	all, err := s.AllActive(ctx)
	if err != nil {
		return nil, err
	}

	matched := all[:0]
	for _, rec := range all {
		if rec.TargetUserID == targetUserID {
			matched = append(matched, rec)
		}
	}
	return matched, nil
}

// EndedHistory describes the endedhistory operation and its observable behavior.
//
// Results are sorted newest first by StartedAt. The returned total counts all
// matches before pagination so callers can page through them.
// EndedHistory may return an error when input validation, dependency calls, or security checks fail.
// EndedHistory does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Store) EndedHistory(ctx context.Context, f Filter, offset, limit int) ([]Record, int, error) {
	all, err := s.scan(ctx, s.prefix+"ended:*")
	if err != nil {
		return nil, 0, err
	}

	matched := all[:0]
	for _, rec := range all {
		if f.AdminID != "" && rec.AdminID != f.AdminID {
			continue
		}
		if f.TargetUserID != "" && rec.TargetUserID != f.TargetUserID {
			continue
		}
		if !f.Since.IsZero() && rec.StartedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && rec.StartedAt.After(f.Until) {
			continue
		}
		matched = append(matched, rec)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	total := len(matched)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []Record{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}

func (s *Store) scan(ctx context.Context, pattern string) ([]Record, error) {
	var (
		cursor  uint64
		records []Record
	)

	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStore, err)
		}

		for _, key := range keys {
			raw, err := s.rdb.Get(ctx, key).Bytes()
			if err == redis.Nil {
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

		cursor = next
		if cursor == 0 {
			return records, nil
		}
	}
}
