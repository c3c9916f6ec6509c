package trustcore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func startTestImpersonation(t *testing.T, env *testEnv, adminID, targetID string) *ImpersonationStart {
	t.Helper()

	start, err := env.engine.StartImpersonation(context.Background(), adminID, targetID, "support ticket triage", "", 30*time.Minute)
	if err != nil {
		t.Fatalf("StartImpersonation failed: %v", err)
	}
	return start
}

func TestStartImpersonationSuccess(t *testing.T) {
	env := newTestEnv(t, nil)

	start := startTestImpersonation(t, env, "adm1", "u1")
	if start.Token == "" {
		t.Fatal("expected signed impersonation token")
	}
	if start.Session.AdminID != "adm1" || start.Session.TargetUserID != "u1" {
		t.Fatalf("unexpected session view: %+v", start.Session)
	}
	if got := start.Session.ExpiresAt.Sub(start.Session.StartedAt); got != 30*time.Minute {
		t.Fatalf("expected 30m duration, got %v", got)
	}

	view, err := env.engine.ValidateImpersonation(context.Background(), start.Token)
	if err != nil {
		t.Fatalf("ValidateImpersonation failed: %v", err)
	}
	if view == nil || view.SessionID != start.Session.SessionID {
		t.Fatalf("expected live session view, got %+v", view)
	}

	ev := waitForAuditEvent(t, env.sink, "impersonation_started")
	if ev.ActorID != "adm1" || ev.SubjectID != "u1" {
		t.Fatalf("expected actor adm1 and subject u1, got %+v", ev)
	}
	if got := env.notifier.byTitle("Support access to your account"); len(got) != 1 || got[0].UserID != "u1" {
		t.Fatalf("expected target notification, got %+v", got)
	}
}

func TestStartImpersonationRoleMatrix(t *testing.T) {
	cases := []struct {
		name    string
		adminID string
		target  string
		wantErr error
	}{
		{"user cannot impersonate", "u1", "u2", ErrForbidden},
		{"support can impersonate user", "sp1", "u1", nil},
		{"admin can impersonate user", "adm1", "u1", nil},
		{"admin cannot impersonate admin", "adm1", "sup1", ErrForbidden},
		{"super admin can impersonate admin", "sup1", "adm1", nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, nil)

			_, err := env.engine.StartImpersonation(context.Background(), tc.adminID, tc.target, "triage", "", 10*time.Minute)
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			waitForAuditEvent(t, env.sink, "impersonation_denied")
		})
	}
}

func TestStartImpersonationSelfDenied(t *testing.T) {
	env := newTestEnv(t, nil)

	if _, err := env.engine.StartImpersonation(context.Background(), "adm1", "adm1", "triage", "", 10*time.Minute); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	ev := waitForAuditEvent(t, env.sink, "impersonation_denied")
	if ev.Metadata["detail"] != "self_impersonation" {
		t.Fatalf("expected self_impersonation detail, got %v", ev.Metadata)
	}
}

func TestStartImpersonationRequiresReason(t *testing.T) {
	env := newTestEnv(t, nil)

	if _, err := env.engine.StartImpersonation(context.Background(), "adm1", "u1", "", "", 10*time.Minute); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestStartImpersonationTicketRequired(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Impersonation.RequireTicket = true
	})

	if _, err := env.engine.StartImpersonation(context.Background(), "adm1", "u1", "triage", "", 10*time.Minute); !errors.Is(err, ErrTicketRequired) {
		t.Fatalf("expected ErrTicketRequired, got %v", err)
	}

	start, err := env.engine.StartImpersonation(context.Background(), "adm1", "u1", "triage", "SUP-4821", 10*time.Minute)
	if err != nil {
		t.Fatalf("StartImpersonation with ticket failed: %v", err)
	}
	if start.Session.TicketID != "SUP-4821" {
		t.Fatalf("expected ticket on session, got %q", start.Session.TicketID)
	}
}

func TestStartImpersonationStockPolicyRequiresTicket(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Impersonation = DefaultConfig().Impersonation
		cfg.Impersonation.Enabled = true
	})

	if _, err := env.engine.StartImpersonation(context.Background(), "adm1", "u1", "triage", "", 10*time.Minute); !errors.Is(err, ErrTicketRequired) {
		t.Fatalf("expected ErrTicketRequired under stock policy, got %v", err)
	}

	if _, err := env.engine.StartImpersonation(context.Background(), "adm1", "u1", "triage", "SUP-1107", 10*time.Minute); err != nil {
		t.Fatalf("StartImpersonation with ticket failed: %v", err)
	}
}

func TestStartImpersonationSingleActivePerAdmin(t *testing.T) {
	env := newTestEnv(t, nil)

	first := startTestImpersonation(t, env, "adm1", "u1")
	if _, err := env.engine.StartImpersonation(context.Background(), "adm1", "u2", "triage", "", 10*time.Minute); !errors.Is(err, ErrImpersonationActive) {
		t.Fatalf("expected ErrImpersonationActive, got %v", err)
	}

	// A different admin is unaffected.
	startTestImpersonation(t, env, "sup1", "u2")

	if err := env.engine.EndImpersonation(context.Background(), first.Session.SessionID); err != nil {
		t.Fatalf("EndImpersonation failed: %v", err)
	}
	startTestImpersonation(t, env, "adm1", "u2")
}

func TestStartImpersonationDurationClamped(t *testing.T) {
	env := newTestEnv(t, nil)

	start, err := env.engine.StartImpersonation(context.Background(), "adm1", "u1", "triage", "", 5*time.Hour)
	if err != nil {
		t.Fatalf("StartImpersonation failed: %v", err)
	}
	if got := start.Session.ExpiresAt.Sub(start.Session.StartedAt); got != env.engine.config.Impersonation.MaxDuration {
		t.Fatalf("expected duration clamped to %v, got %v", env.engine.config.Impersonation.MaxDuration, got)
	}
}

func TestEndImpersonationIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)

	start := startTestImpersonation(t, env, "adm1", "u1")
	if err := env.engine.EndImpersonation(context.Background(), start.Session.SessionID); err != nil {
		t.Fatalf("EndImpersonation failed: %v", err)
	}
	if err := env.engine.EndImpersonation(context.Background(), start.Session.SessionID); err != nil {
		t.Fatalf("expected second end to succeed, got %v", err)
	}
	if err := env.engine.EndImpersonation(context.Background(), "no-such-session"); err != nil {
		t.Fatalf("expected unknown session end to succeed, got %v", err)
	}
}

func TestValidateImpersonationExpiredEndsSession(t *testing.T) {
	env := newTestEnv(t, nil)

	start, err := env.engine.StartImpersonation(context.Background(), "adm1", "u1", "triage", "", 10*time.Minute)
	if err != nil {
		t.Fatalf("StartImpersonation failed: %v", err)
	}

	env.clock.Advance(11 * time.Minute)
	view, err := env.engine.ValidateImpersonation(context.Background(), start.Token)
	if err != nil {
		t.Fatalf("ValidateImpersonation failed: %v", err)
	}
	if view != nil {
		t.Fatalf("expected nil view for expired session, got %+v", view)
	}

	// Expiry discovered during validation lands in history.
	page, err := env.engine.ImpersonationHistory(context.Background(), HistoryFilter{}, 0, 10)
	if err != nil {
		t.Fatalf("ImpersonationHistory failed: %v", err)
	}
	if page.Total != 1 || page.Sessions[0].EndReason != "expired" {
		t.Fatalf("expected expired session in history, got %+v", page)
	}
}

func TestValidateImpersonationMalformedToken(t *testing.T) {
	env := newTestEnv(t, nil)

	if _, err := env.engine.ValidateImpersonation(context.Background(), "not-a-token"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestValidateImpersonationEndedSessionYieldsNil(t *testing.T) {
	env := newTestEnv(t, nil)

	start := startTestImpersonation(t, env, "adm1", "u1")
	if err := env.engine.EndImpersonation(context.Background(), start.Session.SessionID); err != nil {
		t.Fatalf("EndImpersonation failed: %v", err)
	}

	view, err := env.engine.ValidateImpersonation(context.Background(), start.Token)
	if err != nil {
		t.Fatalf("ValidateImpersonation failed: %v", err)
	}
	if view != nil {
		t.Fatalf("expected nil view for ended session, got %+v", view)
	}
}

func TestForceEndAllForTarget(t *testing.T) {
	env := newTestEnv(t, nil)

	startTestImpersonation(t, env, "adm1", "u1")
	startTestImpersonation(t, env, "sup1", "u1")
	startTestImpersonation(t, env, "sp1", "u2")

	ended, err := env.engine.ForceEndAllForTarget(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ForceEndAllForTarget failed: %v", err)
	}
	if ended != 2 {
		t.Fatalf("expected 2 ended, got %d", ended)
	}

	active, err := env.engine.AllActiveImpersonations(context.Background())
	if err != nil {
		t.Fatalf("AllActiveImpersonations failed: %v", err)
	}
	if len(active) != 1 || active[0].TargetUserID != "u2" {
		t.Fatalf("expected only the u2 session to survive, got %+v", active)
	}
	waitForAuditEvent(t, env.sink, "impersonation_forced_end")
}

func TestActiveImpersonationByAdmin(t *testing.T) {
	env := newTestEnv(t, nil)

	view, err := env.engine.ActiveImpersonationByAdmin(context.Background(), "adm1")
	if err != nil {
		t.Fatalf("ActiveImpersonationByAdmin failed: %v", err)
	}
	if view != nil {
		t.Fatalf("expected nil for idle admin, got %+v", view)
	}

	start := startTestImpersonation(t, env, "adm1", "u1")
	view, err = env.engine.ActiveImpersonationByAdmin(context.Background(), "adm1")
	if err != nil {
		t.Fatalf("ActiveImpersonationByAdmin failed: %v", err)
	}
	if view == nil || view.SessionID != start.Session.SessionID {
		t.Fatalf("expected active session view, got %+v", view)
	}
}

func TestImpersonationHistoryFiltersAndPagination(t *testing.T) {
	env := newTestEnv(t, nil)

	admins := []string{"adm1", "sup1", "sp1"}
	for _, adminID := range admins {
		start := startTestImpersonation(t, env, adminID, "u1")
		env.clock.Advance(time.Minute)
		if err := env.engine.EndImpersonation(context.Background(), start.Session.SessionID); err != nil {
			t.Fatalf("EndImpersonation failed: %v", err)
		}
		env.clock.Advance(time.Minute)
	}

	page, err := env.engine.ImpersonationHistory(context.Background(), HistoryFilter{}, 0, 2)
	if err != nil {
		t.Fatalf("ImpersonationHistory failed: %v", err)
	}
	if page.Total != 3 || len(page.Sessions) != 2 {
		t.Fatalf("expected total 3 with 2 on page, got %+v", page)
	}
	// Newest first.
	if page.Sessions[0].AdminID != "sp1" || page.Sessions[1].AdminID != "sup1" {
		t.Fatalf("expected newest-first ordering, got %+v", page.Sessions)
	}

	rest, err := env.engine.ImpersonationHistory(context.Background(), HistoryFilter{}, 2, 2)
	if err != nil {
		t.Fatalf("ImpersonationHistory failed: %v", err)
	}
	if len(rest.Sessions) != 1 || rest.Sessions[0].AdminID != "adm1" {
		t.Fatalf("expected adm1 on second page, got %+v", rest.Sessions)
	}

	filtered, err := env.engine.ImpersonationHistory(context.Background(), HistoryFilter{AdminID: "sup1"}, 0, 10)
	if err != nil {
		t.Fatalf("ImpersonationHistory failed: %v", err)
	}
	if filtered.Total != 1 || filtered.Sessions[0].AdminID != "sup1" {
		t.Fatalf("expected single sup1 entry, got %+v", filtered)
	}
}

func TestImpersonationRateLimitCountsDeniedAttempts(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Impersonation.RateLimitMax = 2
	})

	// Two denied attempts still consume the budget.
	for i := 0; i < 2; i++ {
		if _, err := env.engine.StartImpersonation(context.Background(), "adm1", "u1", "", "", 10*time.Minute); !errors.Is(err, ErrForbidden) {
			t.Fatalf("expected ErrForbidden on attempt %d, got %v", i, err)
		}
	}

	if _, err := env.engine.StartImpersonation(context.Background(), "adm1", "u1", "triage", "", 10*time.Minute); !errors.Is(err, ErrImpersonationRateLimited) {
		t.Fatalf("expected ErrImpersonationRateLimited, got %v", err)
	}

	remaining, err := env.engine.ImpersonationRateRemaining(context.Background(), "adm1")
	if err != nil {
		t.Fatalf("ImpersonationRateRemaining failed: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected 0 remaining, got %d", remaining)
	}
	waitForAuditEvent(t, env.sink, "impersonation_rate_limited")
}

func TestImpersonationDisabled(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Impersonation.Enabled = false
	})

	if _, err := env.engine.StartImpersonation(context.Background(), "adm1", "u1", "triage", "", 10*time.Minute); !errors.Is(err, ErrImpersonationDisabled) {
		t.Fatalf("expected ErrImpersonationDisabled, got %v", err)
	}
}
