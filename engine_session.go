package trustcore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/unifiedcare/trustcore/internal"
	"github.com/unifiedcare/trustcore/session"
)

// Session termination reasons recorded in audit metadata.
const (
	terminationReasonLogout      = "logout"
	terminationReasonLogoutAll   = "logout_all"
	terminationReasonEvicted     = "concurrent_session_cap"
	terminationReasonInactivity  = "inactivity_timeout"
	terminationReasonMaxDuration = "max_duration"
	terminationReasonIPMismatch  = "ip_mismatch"
	terminationReasonForced      = "forced"
)

// CreateSession describes the createsession operation and its observable behavior.
//
// The client IP and user agent are taken from the context and bound to the
// session for later integrity checks. When the user is at the concurrency
// cap the least recently active sessions are evicted first; each eviction is
// audited separately and never surfaces as an error to the new login.
// CreateSession may return an error when input validation, dependency calls, or security checks fail.
// CreateSession does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) CreateSession(ctx context.Context, userID string, role Role) (*SessionView, error) {
	if e == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}

	sid, err := internal.NewSessionID()
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	rec := &session.Record{
		SessionID:      sid.String(),
		UserID:         userID,
		Role:           string(role),
		CreatedAt:      now,
		LastActivityAt: now,
		IPAddress:      clientIPFromContext(ctx),
		UserAgent:      userAgentFromContext(ctx),
	}

	evicted, err := e.sessions.Insert(ctx, rec, e.config.Session.InactivityTimeout, e.config.Session.MaxConcurrentSessions)
	if err != nil {
		mapped := mapStoreErr(err)
		e.emitAudit(ctx, auditEventSessionCreated, false, userID, userID, "", mapped, nil)
		return nil, mapped
	}

	for _, old := range evicted {
		e.metricInc(MetricSessionEvicted)
		oldID := old.SessionID
		e.emitAudit(ctx, auditEventSessionEvicted, true, userID, userID, oldID, nil, func() map[string]string {
			return map[string]string{
				"reason":      terminationReasonEvicted,
				"replaced_by": rec.SessionID,
			}
		})
	}

	e.metricInc(MetricSessionCreated)
	e.emitAudit(ctx, auditEventSessionCreated, true, userID, userID, rec.SessionID, nil, nil)

	view := viewFromRecord(rec)
	return &view, nil
}

// Touch describes the touch operation and its observable behavior.
//
// Touch enforces both session time bounds, refreshes the activity anchor,
// and clears the reauth flag. Request paths that are themselves a reauth
// assertion must use TouchForReauth so the flag survives until the proof is
// confirmed.
// Touch may return an error when input validation, dependency calls, or security checks fail.
// Touch does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Touch(ctx context.Context, sessionID string) (*SessionView, error) {
	return e.touch(ctx, sessionID, true)
}

// TouchForReauth describes the touchforreauth operation and its observable behavior.
//
// It behaves like Touch but preserves the reauth flag.
// TouchForReauth may return an error when input validation, dependency calls, or security checks fail.
// TouchForReauth does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) TouchForReauth(ctx context.Context, sessionID string) (*SessionView, error) {
	return e.touch(ctx, sessionID, false)
}

func (e *Engine) touch(ctx context.Context, sessionID string, clearReauth bool) (*SessionView, error) {
	if e == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}

	started := time.Now()
	defer func() {
		e.metricObserve(MetricTouchLatency, time.Since(started))
	}()

	rec, err := e.resolveLive(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	rec.LastActivityAt = e.now().UTC()
	if clearReauth {
		rec.RequiresReauth = false
	}

	if err := e.sessions.Update(ctx, rec, e.sessionTTL(rec)); err != nil {
		// A session swept between read and write counts as already gone.
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, mapStoreErr(err)
	}

	view := viewFromRecord(rec)
	return &view, nil
}

// VerifyIntegrity describes the verifyintegrity operation and its observable behavior.
//
// The request IP and user agent come from the context. An IP mismatch
// terminates the session when IP binding is enforced; a user agent mismatch
// is audited but never fatal, since browsers legitimately change identity
// strings mid-session while network origin rarely moves.
// VerifyIntegrity may return an error when input validation, dependency calls, or security checks fail.
// VerifyIntegrity does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) VerifyIntegrity(ctx context.Context, sessionID string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}

	rec, err := e.resolveLive(ctx, sessionID)
	if err != nil {
		return err
	}

	ip := clientIPFromContext(ctx)
	ua := userAgentFromContext(ctx)

	if ip != "" && rec.IPAddress != "" && ip != rec.IPAddress {
		e.metricInc(MetricSessionIntegrityFailure)
		e.emitAudit(ctx, auditEventSessionIPMismatch, false, rec.UserID, rec.UserID, sessionID, ErrSessionIntegrity, func() map[string]string {
			return map[string]string{
				"bound_ip":  rec.IPAddress,
				"actual_ip": ip,
			}
		})
		if e.config.Session.EnforceIPBinding {
			if err := e.terminate(ctx, rec, terminationReasonIPMismatch); err != nil {
				return err
			}
			return ErrSessionIntegrity
		}
		return nil
	}

	if ua != "" && rec.UserAgent != "" && ua != rec.UserAgent {
		log.Print("trustcore: session user agent changed: ", sessionID)
		e.emitAudit(ctx, auditEventSessionUAMismatch, true, rec.UserID, rec.UserID, sessionID, nil, nil)
	}

	return nil
}

// RequireFreshness describes the requirefreshness operation and its observable behavior.
//
// The check applies only to paths matching a configured sensitive prefix.
// On failure the session is flagged for reauth, so even a later request
// inside the window is refused until the proof is confirmed explicitly.
// RequireFreshness may return an error when input validation, dependency calls, or security checks fail.
// RequireFreshness does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) RequireFreshness(ctx context.Context, sessionID, path string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}
	if !e.isSensitivePath(path) {
		return nil
	}

	rec, err := e.resolveLive(ctx, sessionID)
	if err != nil {
		return err
	}

	stale := e.now().UTC().Sub(rec.LastActivityAt) > e.config.Session.ReauthWindow
	if !rec.RequiresReauth && !stale {
		return nil
	}

	if !rec.RequiresReauth {
		rec.RequiresReauth = true
		if err := e.sessions.Update(ctx, rec, e.sessionTTL(rec)); err != nil && !errors.Is(err, session.ErrNotFound) {
			return mapStoreErr(err)
		}
	}

	e.metricInc(MetricReauthRequired)
	e.emitAudit(ctx, auditEventReauthRequired, false, rec.UserID, rec.UserID, sessionID, ErrReauthRequired, func() map[string]string {
		return map[string]string{"path": path}
	})
	return ErrReauthRequired
}

// ConfirmFreshness describes the confirmfreshness operation and its observable behavior.
//
// Callers invoke it after the principal has re-proved the password. It clears
// the reauth flag and resets the activity anchor so the freshness window
// restarts.
// ConfirmFreshness may return an error when input validation, dependency calls, or security checks fail.
// ConfirmFreshness does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) ConfirmFreshness(ctx context.Context, sessionID string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}

	rec, err := e.resolveLive(ctx, sessionID)
	if err != nil {
		return err
	}

	rec.RequiresReauth = false
	rec.LastActivityAt = e.now().UTC()
	if err := e.sessions.Update(ctx, rec, e.sessionTTL(rec)); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ErrSessionNotFound
		}
		return mapStoreErr(err)
	}

	e.emitAudit(ctx, auditEventReauthConfirmed, true, rec.UserID, rec.UserID, sessionID, nil, nil)
	return nil
}

// Terminate describes the terminate operation and its observable behavior.
//
// Terminating a session that is already gone succeeds.
// Terminate may return an error when input validation, dependency calls, or security checks fail.
// Terminate does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Terminate(ctx context.Context, sessionID string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}

	rec, err := e.sessions.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return mapStoreErr(err)
	}

	return e.terminate(ctx, rec, terminationReasonLogout)
}

// TerminateAll describes the terminateall operation and its observable behavior.
//
// TerminateAll may return an error when input validation, dependency calls, or security checks fail.
// TerminateAll does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) TerminateAll(ctx context.Context, userID string) (int, error) {
	if e == nil || e.sessions == nil {
		return 0, ErrEngineNotReady
	}

	records, err := e.sessions.ActiveForUser(ctx, userID)
	if err != nil {
		return 0, mapStoreErr(err)
	}

	terminated := 0
	for i := range records {
		if err := e.terminate(ctx, &records[i], terminationReasonLogoutAll); err != nil {
			return terminated, err
		}
		terminated++
	}
	return terminated, nil
}

// ActiveSessions describes the activesessions operation and its observable behavior.
//
// ActiveSessions may return an error when input validation, dependency calls, or security checks fail.
// ActiveSessions does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) ActiveSessions(ctx context.Context, userID string) ([]SessionView, error) {
	if e == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}

	records, err := e.sessions.ActiveForUser(ctx, userID)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	views := make([]SessionView, 0, len(records))
	for i := range records {
		views = append(views, viewFromRecord(&records[i]))
	}
	return views, nil
}

// SweepExpiredSessions describes the sweepexpiredsessions operation and its observable behavior.
//
// The sweep terminates every session whose inactivity or absolute bound has
// lapsed even without an incoming request. It runs periodically in the
// background; calling it directly is useful in tests and admin tooling.
// SweepExpiredSessions may return an error when input validation, dependency calls, or security checks fail.
// SweepExpiredSessions does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) SweepExpiredSessions(ctx context.Context) (int, error) {
	if e == nil || e.sessions == nil {
		return 0, ErrEngineNotReady
	}

	now := e.now().UTC()
	removed, err := e.sessions.Sweep(ctx, func(rec session.Record) bool {
		return now.Sub(rec.LastActivityAt) > e.config.Session.InactivityTimeout ||
			sessionAge(rec.CreatedAt, now) > e.config.Session.MaxSessionDuration
	})
	if err != nil {
		return len(removed), mapStoreErr(err)
	}

	for _, rec := range removed {
		reason := terminationReasonInactivity
		if sessionAge(rec.CreatedAt, now) > e.config.Session.MaxSessionDuration {
			reason = terminationReasonMaxDuration
		}
		e.metricInc(MetricSweepTerminated)
		e.emitAudit(ctx, auditEventSessionExpired, true, "", rec.UserID, rec.SessionID, nil, func() map[string]string {
			return map[string]string{"reason": reason}
		})
	}
	return len(removed), nil
}

// resolveLive loads a session and enforces both time bounds, terminating and
// auditing on the spot when one has lapsed.
func (e *Engine) resolveLive(ctx context.Context, sessionID string) (*session.Record, error) {
	rec, err := e.sessions.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, mapStoreErr(err)
	}

	now := e.now().UTC()

	if sessionAge(rec.CreatedAt, now) > e.config.Session.MaxSessionDuration {
		e.metricInc(MetricSessionExpired)
		if err := e.terminate(ctx, rec, terminationReasonMaxDuration); err != nil {
			return nil, err
		}
		return nil, ErrSessionDurationExceeded
	}

	if now.Sub(rec.LastActivityAt) > e.config.Session.InactivityTimeout {
		e.metricInc(MetricSessionExpired)
		if err := e.terminate(ctx, rec, terminationReasonInactivity); err != nil {
			return nil, err
		}
		return nil, ErrSessionInactive
	}

	return rec, nil
}

func (e *Engine) terminate(ctx context.Context, rec *session.Record, reason string) error {
	if err := e.sessions.Delete(ctx, rec.SessionID, rec.UserID); err != nil {
		return mapStoreErr(err)
	}

	e.metricInc(MetricSessionTerminated)
	action := auditEventSessionTerminated
	if reason == terminationReasonInactivity || reason == terminationReasonMaxDuration {
		action = auditEventSessionExpired
	}
	e.emitAudit(ctx, action, true, "", rec.UserID, rec.SessionID, nil, func() map[string]string {
		return map[string]string{"reason": reason}
	})
	return nil
}

// sessionTTL computes the key TTL as the tighter of the inactivity window and
// the remaining absolute lifetime.
func (e *Engine) sessionTTL(rec *session.Record) time.Duration {
	remaining := e.config.Session.MaxSessionDuration - e.now().UTC().Sub(rec.CreatedAt)
	if remaining < time.Second {
		remaining = time.Second
	}
	if remaining < e.config.Session.InactivityTimeout {
		return remaining
	}
	return e.config.Session.InactivityTimeout
}

func (e *Engine) isSensitivePath(path string) bool {
	for _, prefix := range e.config.Session.SensitivePaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func viewFromRecord(rec *session.Record) SessionView {
	return SessionView{
		SessionID:      rec.SessionID,
		UserID:         rec.UserID,
		Role:           Role(rec.Role),
		CreatedAt:      rec.CreatedAt,
		LastActivityAt: rec.LastActivityAt,
		IPAddress:      rec.IPAddress,
		UserAgent:      rec.UserAgent,
		RequiresReauth: rec.RequiresReauth,
	}
}

func mapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}
