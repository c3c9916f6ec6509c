package trustcore

import (
	"context"
	"errors"
	"time"
)

const (
	auditEventLoginSuccess          = "login_success"
	auditEventLoginFailure          = "login_failure"
	auditEventSessionCreated        = "session_created"
	auditEventSessionEvicted        = "session_evicted"
	auditEventSessionTerminated     = "session_terminated"
	auditEventSessionExpired        = "session_expired"
	auditEventSessionIPMismatch     = "session_ip_mismatch"
	auditEventSessionUAMismatch     = "session_useragent_mismatch"
	auditEventReauthRequired        = "reauth_required"
	auditEventReauthConfirmed       = "reauth_confirmed"
	auditEventChallengeIssued       = "mfa_challenge_issued"
	auditEventChallengeRedeemed     = "mfa_challenge_redeemed"
	auditEventChallengeReplay       = "mfa_challenge_replay"
	auditEventCodeFailure           = "mfa_code_failure"
	auditEventAttemptsExceeded      = "mfa_attempts_exceeded"
	auditEventEnrollmentStarted     = "mfa_enrollment_started"
	auditEventEnrollmentConfirmed   = "mfa_enrollment_confirmed"
	auditEventMFADisabled           = "mfa_disabled"
	auditEventBackupCodesGenerated  = "backup_codes_generated"
	auditEventBackupCodeUsed        = "backup_code_used"
	auditEventImpersonationStarted  = "impersonation_started"
	auditEventImpersonationEnded    = "impersonation_ended"
	auditEventImpersonationDenied   = "impersonation_denied"
	auditEventImpersonationForced   = "impersonation_forced_end"
	auditEventImpersonationLimited  = "impersonation_rate_limited"
)

// AuditErrorCode defines a public type used by trustcore APIs.
//
// AuditErrorCode instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuditErrorCode string

const (
	auditErrUnauthorized        AuditErrorCode = "unauthorized"
	auditErrInvalidCredentials  AuditErrorCode = "invalid_credentials"
	auditErrSessionNotFound     AuditErrorCode = "session_not_found"
	auditErrSessionInactive     AuditErrorCode = "session_inactive"
	auditErrSessionExpired      AuditErrorCode = "session_expired"
	auditErrSessionIntegrity    AuditErrorCode = "session_integrity"
	auditErrReauthRequired      AuditErrorCode = "reauth_required"
	auditErrForbidden           AuditErrorCode = "forbidden"
	auditErrCodeInvalid         AuditErrorCode = "code_invalid"
	auditErrChallengeInvalid    AuditErrorCode = "challenge_invalid"
	auditErrChallengeExpired    AuditErrorCode = "challenge_expired"
	auditErrChallengeReplay     AuditErrorCode = "challenge_replay"
	auditErrRateLimited         AuditErrorCode = "rate_limited"
	auditErrEnrollmentState     AuditErrorCode = "enrollment_state"
	auditErrTicketRequired      AuditErrorCode = "ticket_required"
	auditErrImpersonationState  AuditErrorCode = "impersonation_state"
	auditErrPrincipalNotFound   AuditErrorCode = "principal_not_found"
	auditErrUnavailable         AuditErrorCode = "backend_unavailable"
	auditErrInternal            AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	action string,
	success bool,
	actorID string,
	subjectID string,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: e.now().UTC(),
		Action:    action,
		ActorID:   actorID,
		SubjectID: subjectID,
		SessionID: sessionID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return auditErrUnauthorized
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrSessionNotFound):
		return auditErrSessionNotFound
	case errors.Is(err, ErrSessionInactive):
		return auditErrSessionInactive
	case errors.Is(err, ErrSessionDurationExceeded):
		return auditErrSessionExpired
	case errors.Is(err, ErrSessionIntegrity):
		return auditErrSessionIntegrity
	case errors.Is(err, ErrReauthRequired):
		return auditErrReauthRequired
	case errors.Is(err, ErrForbidden),
		errors.Is(err, ErrImpersonationDisabled):
		return auditErrForbidden
	case errors.Is(err, ErrInvalidCode):
		return auditErrCodeInvalid
	case errors.Is(err, ErrChallengeInvalid):
		return auditErrChallengeInvalid
	case errors.Is(err, ErrChallengeExpired):
		return auditErrChallengeExpired
	case errors.Is(err, ErrChallengeReplay):
		return auditErrChallengeReplay
	case errors.Is(err, ErrCodeRateLimited),
		errors.Is(err, ErrImpersonationRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrAlreadyEnrolled),
		errors.Is(err, ErrNotEnrolled),
		errors.Is(err, ErrEnrollmentNotStarted):
		return auditErrEnrollmentState
	case errors.Is(err, ErrTicketRequired):
		return auditErrTicketRequired
	case errors.Is(err, ErrImpersonationActive):
		return auditErrImpersonationState
	case errors.Is(err, ErrPrincipalNotFound):
		return auditErrPrincipalNotFound
	case errors.Is(err, ErrStorageUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}

// sessionAge reports how long a session has existed at the given instant.
func sessionAge(createdAt, at time.Time) time.Duration {
	return at.Sub(createdAt)
}
