package impersonation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewStore(rdb, "tc:imp:")
}

func testRecord(sessionID, adminID, targetID string, startedAt time.Time) *Record {
	return &Record{
		SessionID:       sessionID,
		AdminID:         adminID,
		AdminEmail:      adminID + "@example.com",
		TargetUserID:    targetID,
		TargetUserEmail: targetID + "@example.com",
		Reason:          "billing dispute follow-up",
		TicketID:        "SUP-1041",
		StartedAt:       startedAt,
		ExpiresAt:       startedAt.Add(time.Hour),
		IPAddress:       "203.0.113.7",
		UserAgent:       "admin-console",
	}
}

func TestStartGetRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("i1", "admin-1", "user-9", time.Now().UTC().Truncate(time.Second))
	if err := st.StartActive(ctx, rec); err != nil {
		t.Fatalf("StartActive failed: %v", err)
	}

	got, err := st.GetActive(ctx, "i1")
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if got.AdminID != "admin-1" || got.TargetUserID != "user-9" || got.EndedAt != nil {
		t.Fatalf("unexpected record: %+v", got)
	}

	byAdmin, err := st.ActiveByAdmin(ctx, "admin-1")
	if err != nil {
		t.Fatalf("ActiveByAdmin failed: %v", err)
	}
	if byAdmin.SessionID != "i1" {
		t.Fatalf("expected i1, got %q", byAdmin.SessionID)
	}
}

func TestStartRejectsSecondActivePerAdmin(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := st.StartActive(ctx, testRecord("i1", "admin-1", "user-9", now)); err != nil {
		t.Fatalf("StartActive failed: %v", err)
	}

	err := st.StartActive(ctx, testRecord("i2", "admin-1", "user-8", now))
	if !errors.Is(err, ErrActiveExists) {
		t.Fatalf("expected ErrActiveExists, got %v", err)
	}

	// A different admin is unaffected.
	if err := st.StartActive(ctx, testRecord("i3", "admin-2", "user-9", now)); err != nil {
		t.Fatalf("StartActive for admin-2 failed: %v", err)
	}
}

func TestEndMovesSessionToHistory(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	if err := st.StartActive(ctx, testRecord("i1", "admin-1", "user-9", now)); err != nil {
		t.Fatalf("StartActive failed: %v", err)
	}

	endedAt := now.Add(10 * time.Minute)
	ended, err := st.End(ctx, "i1", endedAt, "manual", 24*time.Hour)
	if err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if ended.EndReason != "manual" || ended.EndedAt == nil || !ended.EndedAt.Equal(endedAt) {
		t.Fatalf("unexpected ended record: %+v", ended)
	}

	if _, err := st.GetActive(ctx, "i1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for ended session, got %v", err)
	}
	if _, err := st.ActiveByAdmin(ctx, "admin-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("admin pointer must be cleared, got %v", err)
	}

	// The admin can start a new session once the previous one ended.
	if err := st.StartActive(ctx, testRecord("i2", "admin-1", "user-8", now)); err != nil {
		t.Fatalf("StartActive after end failed: %v", err)
	}

	history, total, err := st.EndedHistory(ctx, Filter{AdminID: "admin-1"}, 0, 10)
	if err != nil {
		t.Fatalf("EndedHistory failed: %v", err)
	}
	if total != 1 || len(history) != 1 || history[0].SessionID != "i1" {
		t.Fatalf("unexpected history: total=%d %+v", total, history)
	}
}

func TestEndMissingSession(t *testing.T) {
	st := newTestStore(t)

	if _, err := st.End(context.Background(), "absent", time.Now(), "manual", time.Hour); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestActiveForTarget(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := st.StartActive(ctx, testRecord("i1", "admin-1", "user-9", now)); err != nil {
		t.Fatalf("StartActive failed: %v", err)
	}
	if err := st.StartActive(ctx, testRecord("i2", "admin-2", "user-9", now)); err != nil {
		t.Fatalf("StartActive failed: %v", err)
	}
	if err := st.StartActive(ctx, testRecord("i3", "admin-3", "user-7", now)); err != nil {
		t.Fatalf("StartActive failed: %v", err)
	}

	matched, err := st.ActiveForTarget(ctx, "user-9")
	if err != nil {
		t.Fatalf("ActiveForTarget failed: %v", err)
	}
	if len(matched) != 2 {
		t.Fatalf("expected 2 sessions targeting user-9, got %d", len(matched))
	}
}

func TestEndedHistoryFiltersAndPaginates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)

	admins := []string{"admin-1", "admin-2", "admin-1", "admin-1"}
	for i, admin := range admins {
		started := base.Add(time.Duration(i) * time.Minute)
		rec := testRecord("h"+string(rune('1'+i)), admin, "user-9", started)
		if err := st.StartActive(ctx, rec); err != nil {
			t.Fatalf("StartActive failed: %v", err)
		}
		if _, err := st.End(ctx, rec.SessionID, started.Add(time.Minute), "manual", 24*time.Hour); err != nil {
			t.Fatalf("End failed: %v", err)
		}
	}

	page, total, err := st.EndedHistory(ctx, Filter{AdminID: "admin-1"}, 0, 2)
	if err != nil {
		t.Fatalf("EndedHistory failed: %v", err)
	}
	if total != 3 {
		t.Fatalf("total: got %d want 3", total)
	}
	if len(page) != 2 {
		t.Fatalf("page size: got %d want 2", len(page))
	}
	if !page[0].StartedAt.After(page[1].StartedAt) {
		t.Fatal("history must be sorted newest first")
	}

	rest, _, err := st.EndedHistory(ctx, Filter{AdminID: "admin-1"}, 2, 2)
	if err != nil {
		t.Fatalf("EndedHistory failed: %v", err)
	}
	if len(rest) != 1 {
		t.Fatalf("second page: got %d want 1", len(rest))
	}

	since := base.Add(2 * time.Minute)
	recent, _, err := st.EndedHistory(ctx, Filter{Since: since}, 0, 10)
	if err != nil {
		t.Fatalf("EndedHistory failed: %v", err)
	}
	for _, rec := range recent {
		if rec.StartedAt.Before(since) {
			t.Fatalf("record before since filter: %+v", rec)
		}
	}
	if len(recent) != 2 {
		t.Fatalf("since filter: got %d want 2", len(recent))
	}
}
