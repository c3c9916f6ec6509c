// Package mfa persists TOTP enrollment state and backup code sets in Redis.
//
// Secrets are stored only in encrypted form; the package never sees the key.
// Backup codes are stored as hashes in a Redis set so consumption is a single
// atomic test-and-remove.
package mfa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is an exported constant or variable used by the trust engine.
var ErrNotFound = errors.New("mfa enrollment not found")

// ErrStore is an exported constant or variable used by the trust engine.
var ErrStore = errors.New("mfa store unavailable")

const maxRetries = 4

// Enrollment defines a public type used by trustcore APIs.
//
// Enabled is false between setup start and the first verified code; only an
// enabled enrollment participates in login. LastUsedCounter records the most
// recent accepted TOTP time step so a captured code cannot be replayed inside
// its validity window.
type Enrollment struct {
	UserID          string     `json:"user_id"`
	EncryptedSecret []byte     `json:"encrypted_secret"`
	Enabled         bool       `json:"enabled"`
	VerifiedAt      *time.Time `json:"verified_at,omitempty"`
	LastUsedCounter uint64     `json:"last_used_counter"`
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

func (s *Store) enrollKey(userID string) string {
	return s.prefix + "enroll:" + userID
}

func (s *Store) backupKey(userID string) string {
	return s.prefix + "backup:" + userID
}

// SaveEnrollment describes the saveenrollment operation and its observable behavior.
//
// SaveEnrollment may return an error when input validation, dependency calls, or security checks fail.
// SaveEnrollment does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Store) SaveEnrollment(ctx context.Context, enr *Enrollment) error {
	payload, err := json.Marshal(enr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	if err := s.rdb.Set(ctx, s.enrollKey(enr.UserID), payload, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

// GetEnrollment describes the getenrollment operation and its observable behavior.
//
// GetEnrollment may return an error when input validation, dependency calls, or security checks fail.
// GetEnrollment does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Store) GetEnrollment(ctx context.Context, userID string) (*Enrollment, error) {
	raw, err := s.rdb.Get(ctx, s.enrollKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	var enr Enrollment
	if err := json.Unmarshal(raw, &enr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return &enr, nil
}

// AdvanceLastUsedCounter describes the advancelastusedcounter operation and its observable behavior.
//
// The counter only moves forward; a concurrent verification that already
// accepted a later time step wins, which keeps replays of the earlier code
// rejected. The watch loop retries on contention.
// AdvanceLastUsedCounter may return an error when input validation, dependency calls, or security checks fail.
// AdvanceLastUsedCounter does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Store) AdvanceLastUsedCounter(ctx context.Context, userID string, counter uint64) error {
	key := s.enrollKey(userID)

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				return ErrNotFound
			}
			if err != nil {
				return err
			}

			var enr Enrollment
			if err := json.Unmarshal(raw, &enr); err != nil {
				return err
			}
			if counter <= enr.LastUsedCounter {
				return nil
			}
			enr.LastUsedCounter = counter

			payload, err := json.Marshal(&enr)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, redis.KeepTTL)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if errors.Is(err, ErrNotFound) {
			return err
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStore, err)
		}
		return nil
	}

	return fmt.Errorf("%w: counter update retries exhausted", ErrStore)
}

// ReplaceBackupCodes describes the replacebackupcodes operation and its observable behavior.
//
// The old set and the new set never coexist: removal and repopulation happen
// in one transaction so no stale code survives a regeneration.
// ReplaceBackupCodes may return an error when input validation, dependency calls, or security checks fail.
// ReplaceBackupCodes does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Store) ReplaceBackupCodes(ctx context.Context, userID string, hashes []string) error {
	key := s.backupKey(userID)

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(hashes) > 0 {
			members := make([]interface{}, len(hashes))
			for i, h := range hashes {
				members[i] = h
			}
			pipe.SAdd(ctx, key, members...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

// ConsumeBackupCode describes the consumebackupcode operation and its observable behavior.
//
// Consumption is a single SREM, so two concurrent redemptions of the same
// code cannot both succeed.
// ConsumeBackupCode may return an error when input validation, dependency calls, or security checks fail.
// ConsumeBackupCode does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Store) ConsumeBackupCode(ctx context.Context, userID, hash string) (bool, error) {
	removed, err := s.rdb.SRem(ctx, s.backupKey(userID), hash).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return removed == 1, nil
}

// BackupCodesRemaining describes the backupcodesremaining operation and its observable behavior.
//
// BackupCodesRemaining may return an error when input validation, dependency calls, or security checks fail.
// BackupCodesRemaining does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Store) BackupCodesRemaining(ctx context.Context, userID string) (int, error) {
	n, err := s.rdb.SCard(ctx, s.backupKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return int(n), nil
}

// Clear describes the clear operation and its observable behavior.
//
// Clear removes the enrollment and every backup code in one transaction, the
// storage side of disabling MFA. Clearing an absent enrollment succeeds.
// Clear may return an error when input validation, dependency calls, or security checks fail.
// Clear does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *Store) Clear(ctx context.Context, userID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.enrollKey(userID))
		pipe.Del(ctx, s.backupKey(userID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}
