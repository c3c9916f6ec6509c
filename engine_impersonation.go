package trustcore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/unifiedcare/trustcore/impersonation"
	"github.com/unifiedcare/trustcore/token"
)

const (
	impersonationEndManual  = "manual"
	impersonationEndExpired = "expired"
	impersonationEndForced  = "forced"
)

// StartImpersonation describes the startimpersonation operation and its observable behavior.
//
// Every start attempt counts against the admin's rate limit, including denied
// ones, so a probing admin cannot retry for free. Protected roles can only be
// impersonated by a super admin, an admin can hold at most one active
// impersonation session, and the target is notified when a session starts.
// StartImpersonation may return an error when input validation, dependency calls, or security checks fail.
// StartImpersonation does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) StartImpersonation(ctx context.Context, adminID, targetUserID, reason, ticketID string, duration time.Duration) (*ImpersonationStart, error) {
	if e == nil || e.impStore == nil {
		return nil, ErrEngineNotReady
	}

	cfg := e.config.Impersonation
	if !cfg.Enabled {
		return nil, ErrImpersonationDisabled
	}

	if err := e.impLimiter.Record(ctx, adminID); err != nil {
		if errors.Is(err, ErrImpersonationRateLimited) {
			e.metricInc(MetricImpersonationRateLimited)
			e.emitAudit(ctx, auditEventImpersonationLimited, false, adminID, targetUserID, "", err, nil)
		}
		return nil, err
	}

	deny := func(err error, detail string) (*ImpersonationStart, error) {
		e.metricInc(MetricImpersonationDenied)
		e.emitAudit(ctx, auditEventImpersonationDenied, false, adminID, targetUserID, "", err, func() map[string]string {
			return map[string]string{"detail": detail}
		})
		return nil, err
	}

	admin, err := e.principals.FindByID(ctx, adminID)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return deny(ErrPrincipalNotFound, "admin_unknown")
		}
		return nil, mapStoreErr(err)
	}
	if !roleIn(admin.Role, cfg.AllowedRoles) {
		return deny(ErrForbidden, "role_not_allowed")
	}

	target, err := e.principals.FindByID(ctx, targetUserID)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return deny(ErrPrincipalNotFound, "target_unknown")
		}
		return nil, mapStoreErr(err)
	}

	if adminID == targetUserID {
		return deny(ErrForbidden, "self_impersonation")
	}
	if roleIn(target.Role, cfg.ProtectedRoles) && admin.Role != RoleSuperAdmin {
		return deny(ErrForbidden, "target_protected")
	}
	if reason == "" {
		return deny(fmt.Errorf("%w: reason required", ErrForbidden), "missing_reason")
	}
	if cfg.RequireTicket && ticketID == "" {
		return deny(ErrTicketRequired, "missing_ticket")
	}

	if duration <= 0 || duration > cfg.MaxDuration {
		duration = cfg.MaxDuration
	}

	now := e.now().UTC()
	rec := &impersonation.Record{
		SessionID:       uuid.NewString(),
		AdminID:         admin.ID,
		AdminEmail:      admin.Email,
		TargetUserID:    target.ID,
		TargetUserEmail: target.Email,
		Reason:          reason,
		TicketID:        ticketID,
		StartedAt:       now,
		ExpiresAt:       now.Add(duration),
		IPAddress:       clientIPFromContext(ctx),
		UserAgent:       userAgentFromContext(ctx),
	}

	if err := e.impStore.StartActive(ctx, rec); err != nil {
		if errors.Is(err, impersonation.ErrActiveExists) {
			return deny(ErrImpersonationActive, "already_active")
		}
		return nil, mapStoreErr(err)
	}

	signed, err := e.tokens.IssueImpersonation(admin.ID, rec.SessionID, duration)
	if err != nil {
		// Do not leave a session that has no usable token.
		_, _ = e.impStore.End(ctx, rec.SessionID, e.now().UTC(), impersonationEndForced, cfg.EndedRetention)
		return nil, fmt.Errorf("%w: token issuance failed", ErrUnauthorized)
	}

	e.metricInc(MetricImpersonationStarted)
	e.emitAudit(ctx, auditEventImpersonationStarted, true, admin.ID, target.ID, rec.SessionID, nil, func() map[string]string {
		md := map[string]string{
			"reason":     reason,
			"expires_at": rec.ExpiresAt.Format(time.RFC3339),
		}
		if ticketID != "" {
			md["ticket_id"] = ticketID
		}
		return md
	})
	e.notify(ctx, target.ID, Notification{
		Title:   "Support access to your account",
		Message: "A support agent is temporarily accessing your account.",
		Metadata: map[string]string{
			"reason": reason,
		},
	})

	view := impersonationView(rec)
	return &ImpersonationStart{Session: view, Token: signed}, nil
}

// EndImpersonation describes the endimpersonation operation and its observable behavior.
//
// Ending a session that already ended or expired is not an error.
// EndImpersonation may return an error when input validation, dependency calls, or security checks fail.
// EndImpersonation does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) EndImpersonation(ctx context.Context, sessionID string) error {
	return e.endImpersonation(ctx, sessionID, impersonationEndManual)
}

func (e *Engine) endImpersonation(ctx context.Context, sessionID, reason string) error {
	if e == nil || e.impStore == nil {
		return ErrEngineNotReady
	}

	rec, err := e.impStore.End(ctx, sessionID, e.now().UTC(), reason, e.config.Impersonation.EndedRetention)
	if errors.Is(err, impersonation.ErrNotFound) {
		return nil
	}
	if err != nil {
		return mapStoreErr(err)
	}

	action := auditEventImpersonationEnded
	metric := MetricImpersonationEnded
	if reason == impersonationEndForced {
		action = auditEventImpersonationForced
		metric = MetricImpersonationForcedEnd
	}

	e.metricInc(metric)
	e.emitAudit(ctx, action, true, rec.AdminID, rec.TargetUserID, rec.SessionID, nil, func() map[string]string {
		duration := rec.EndedAt.Sub(rec.StartedAt)
		return map[string]string{
			"reason":           reason,
			"duration_seconds": strconv.FormatInt(int64(duration.Seconds()), 10),
		}
	})
	e.notify(ctx, rec.TargetUserID, Notification{
		Title:   "Support access ended",
		Message: "Support access to your account has ended.",
	})

	return nil
}

// ValidateImpersonation describes the validateimpersonation operation and its observable behavior.
//
// A valid token resolves to the live session view. An expired or ended
// session yields nil without an error; expiry discovered here ends the
// session on the spot so history records it. Only a malformed or forged
// token is an error.
// ValidateImpersonation may return an error when input validation, dependency calls, or security checks fail.
// ValidateImpersonation does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) ValidateImpersonation(ctx context.Context, signed string) (*ImpersonationView, error) {
	if e == nil || e.impStore == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.tokens.Parse(signed, token.PurposeImpersonation)
	if err != nil {
		if errors.Is(err, token.ErrTokenExpired) {
			return nil, nil
		}
		return nil, ErrUnauthorized
	}

	rec, err := e.impStore.GetActive(ctx, claims.SessionID)
	if errors.Is(err, impersonation.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, mapStoreErr(err)
	}

	if !e.now().UTC().Before(rec.ExpiresAt) {
		if err := e.endImpersonation(ctx, rec.SessionID, impersonationEndExpired); err != nil {
			return nil, err
		}
		return nil, nil
	}

	view := impersonationView(rec)
	return &view, nil
}

// ForceEndAllForTarget describes the forceendallfortarget operation and its observable behavior.
//
// It ends every active impersonation session against the target and reports
// how many were ended. Used when an account is compromised or locked.
// ForceEndAllForTarget may return an error when input validation, dependency calls, or security checks fail.
// ForceEndAllForTarget does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) ForceEndAllForTarget(ctx context.Context, targetUserID string) (int, error) {
	if e == nil || e.impStore == nil {
		return 0, ErrEngineNotReady
	}

	active, err := e.impStore.ActiveForTarget(ctx, targetUserID)
	if err != nil {
		return 0, mapStoreErr(err)
	}

	ended := 0
	for _, rec := range active {
		if err := e.endImpersonation(ctx, rec.SessionID, impersonationEndForced); err != nil {
			return ended, err
		}
		ended++
	}
	return ended, nil
}

// ActiveImpersonationByAdmin describes the activeimpersonationbyadmin operation and its observable behavior.
//
// It yields nil without an error when the admin has no active session.
// ActiveImpersonationByAdmin may return an error when input validation, dependency calls, or security checks fail.
// ActiveImpersonationByAdmin does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) ActiveImpersonationByAdmin(ctx context.Context, adminID string) (*ImpersonationView, error) {
	if e == nil || e.impStore == nil {
		return nil, ErrEngineNotReady
	}

	rec, err := e.impStore.ActiveByAdmin(ctx, adminID)
	if errors.Is(err, impersonation.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, mapStoreErr(err)
	}

	view := impersonationView(rec)
	return &view, nil
}

// AllActiveImpersonations describes the allactiveimpersonations operation and its observable behavior.
//
// AllActiveImpersonations may return an error when input validation, dependency calls, or security checks fail.
// AllActiveImpersonations does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) AllActiveImpersonations(ctx context.Context) ([]ImpersonationView, error) {
	if e == nil || e.impStore == nil {
		return nil, ErrEngineNotReady
	}

	records, err := e.impStore.AllActive(ctx)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	views := make([]ImpersonationView, 0, len(records))
	for i := range records {
		views = append(views, impersonationView(&records[i]))
	}
	return views, nil
}

// ImpersonationHistory describes the impersonationhistory operation and its observable behavior.
//
// Results are newest first.
// ImpersonationHistory may return an error when input validation, dependency calls, or security checks fail.
// ImpersonationHistory does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) ImpersonationHistory(ctx context.Context, filter HistoryFilter, offset, limit int) (*HistoryPage, error) {
	if e == nil || e.impStore == nil {
		return nil, ErrEngineNotReady
	}

	records, total, err := e.impStore.EndedHistory(ctx, impersonation.Filter{
		AdminID:      filter.AdminID,
		TargetUserID: filter.TargetUserID,
		Since:        filter.Since,
		Until:        filter.Until,
	}, offset, limit)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	views := make([]ImpersonationView, 0, len(records))
	for i := range records {
		views = append(views, impersonationView(&records[i]))
	}
	return &HistoryPage{
		Sessions: views,
		Total:    total,
		Offset:   offset,
		Limit:    limit,
	}, nil
}

// ImpersonationRateRemaining describes the impersonationrateremaining operation and its observable behavior.
//
// ImpersonationRateRemaining may return an error when input validation, dependency calls, or security checks fail.
// ImpersonationRateRemaining does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) ImpersonationRateRemaining(ctx context.Context, adminID string) (int, error) {
	if e == nil || e.impLimiter == nil {
		return 0, ErrEngineNotReady
	}
	return e.impLimiter.Remaining(ctx, adminID)
}

func roleIn(role Role, set []Role) bool {
	for _, r := range set {
		if r == role {
			return true
		}
	}
	return false
}

func impersonationView(rec *impersonation.Record) ImpersonationView {
	return ImpersonationView{
		SessionID:       rec.SessionID,
		AdminID:         rec.AdminID,
		AdminEmail:      rec.AdminEmail,
		TargetUserID:    rec.TargetUserID,
		TargetUserEmail: rec.TargetUserEmail,
		Reason:          rec.Reason,
		TicketID:        rec.TicketID,
		StartedAt:       rec.StartedAt,
		ExpiresAt:       rec.ExpiresAt,
		IPAddress:       rec.IPAddress,
		UserAgent:       rec.UserAgent,
		EndedAt:         rec.EndedAt,
		EndReason:       rec.EndReason,
	}
}
