package trustcore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/unifiedcare/trustcore/mfa"
	"github.com/unifiedcare/trustcore/secrets"
	"github.com/unifiedcare/trustcore/token"
)

// Login describes the login operation and its observable behavior.
//
// A password-only account gets a session immediately. An MFA-enabled account
// gets a short-lived challenge token instead; no session exists until the
// challenge is redeemed with a second factor. Unknown identifiers and wrong
// passwords are indistinguishable to the caller.
// Login may return an error when input validation, dependency calls, or security checks fail.
// Login does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Login(ctx context.Context, identifier, password string) (*LoginResult, error) {
	if e == nil || e.principals == nil || e.verifier == nil {
		return nil, ErrEngineNotReady
	}

	principal, err := e.principals.FindByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			e.metricInc(MetricLoginFailure)
			e.emitAudit(ctx, auditEventLoginFailure, false, "", "", "", ErrInvalidCredentials, nil)
			return nil, ErrInvalidCredentials
		}
		return nil, mapStoreErr(err)
	}

	ok, err := e.verifier.Verify(password, principal.PasswordHash)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, principal.ID, principal.ID, "", err, nil)
		return nil, fmt.Errorf("%w: password verification failed", ErrUnauthorized)
	}
	if !ok {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, principal.ID, principal.ID, "", ErrInvalidCredentials, nil)
		return nil, ErrInvalidCredentials
	}

	enr, err := e.mfaStore.GetEnrollment(ctx, principal.ID)
	if err != nil && !errors.Is(err, mfa.ErrNotFound) {
		return nil, mapStoreErr(err)
	}

	if enr != nil && enr.Enabled {
		challenge, err := e.tokens.IssueChallenge(principal.ID, e.config.MFA.ChallengeTTL)
		if err != nil {
			return nil, fmt.Errorf("%w: challenge issuance failed", ErrUnauthorized)
		}

		e.metricInc(MetricChallengeIssued)
		e.emitAudit(ctx, auditEventChallengeIssued, true, principal.ID, principal.ID, "", nil, nil)

		return &LoginResult{
			UserID:         principal.ID,
			Role:           principal.Role,
			MFARequired:    true,
			ChallengeToken: challenge,
		}, nil
	}

	view, err := e.CreateSession(ctx, principal.ID, principal.Role)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, principal.ID, principal.ID, view.SessionID, nil, nil)

	return &LoginResult{
		SessionID: view.SessionID,
		UserID:    principal.ID,
		Role:      principal.Role,
	}, nil
}

// RedeemChallenge describes the redeemchallenge operation and its observable behavior.
//
// The submitted code is tried as a TOTP code first and as a backup code
// second. A redeemed challenge token is single use: concurrent redemptions
// race on a persisted marker and exactly one wins. Failed codes count toward
// the per-user attempt limit.
// RedeemChallenge may return an error when input validation, dependency calls, or security checks fail.
// RedeemChallenge does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) RedeemChallenge(ctx context.Context, challengeToken, code string) (*LoginResult, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.tokens.Parse(challengeToken, token.PurposeMFAChallenge)
	if err != nil {
		mapped := ErrChallengeInvalid
		if errors.Is(err, token.ErrTokenExpired) {
			mapped = ErrChallengeExpired
		}
		e.emitAudit(ctx, auditEventChallengeRedeemed, false, "", "", "", mapped, nil)
		return nil, mapped
	}
	userID := claims.Subject

	if err := e.codeLimiter.Check(ctx, userID); err != nil {
		if errors.Is(err, ErrCodeRateLimited) {
			e.metricInc(MetricCodeRateLimited)
			e.emitAudit(ctx, auditEventAttemptsExceeded, false, userID, userID, "", err, nil)
		}
		return nil, err
	}

	enr, err := e.mfaStore.GetEnrollment(ctx, userID)
	if errors.Is(err, mfa.ErrNotFound) {
		e.emitAudit(ctx, auditEventChallengeRedeemed, false, userID, userID, "", ErrNotEnrolled, nil)
		return nil, ErrNotEnrolled
	}
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if !enr.Enabled {
		e.emitAudit(ctx, auditEventChallengeRedeemed, false, userID, userID, "", ErrNotEnrolled, nil)
		return nil, ErrNotEnrolled
	}

	usedBackup, err := e.verifySecondFactor(ctx, enr, code)
	if err != nil {
		return nil, err
	}

	if err := e.codeLimiter.Reset(ctx, userID); err != nil {
		return nil, err
	}

	// Claim the token after the factor checks out so a typo does not burn
	// the challenge; the attempt limiter bounds retries.
	if err := e.challenges.MarkRedeemed(ctx, claims.ID, 2*e.config.MFA.ChallengeTTL); err != nil {
		if errors.Is(err, ErrChallengeReplay) {
			e.metricInc(MetricChallengeReplay)
			e.emitAudit(ctx, auditEventChallengeReplay, false, userID, userID, "", err, nil)
		}
		return nil, err
	}

	principal, err := e.principals.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, mapStoreErr(err)
	}

	view, err := e.CreateSession(ctx, principal.ID, principal.Role)
	if err != nil {
		return nil, err
	}

	if usedBackup {
		e.metricInc(MetricBackupCodeUsed)
		remaining, _ := e.mfaStore.BackupCodesRemaining(ctx, userID)
		e.emitAudit(ctx, auditEventBackupCodeUsed, true, userID, userID, view.SessionID, nil, func() map[string]string {
			return map[string]string{"remaining": strconv.Itoa(remaining)}
		})
		e.notify(ctx, userID, Notification{
			Title:   "Backup code used",
			Message: "A backup code was used to sign in to your account.",
			Metadata: map[string]string{
				"remaining": strconv.Itoa(remaining),
			},
		})
	}

	e.metricInc(MetricChallengeRedeemed)
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventChallengeRedeemed, true, userID, userID, view.SessionID, nil, nil)
	e.emitAudit(ctx, auditEventLoginSuccess, true, userID, userID, view.SessionID, nil, nil)

	return &LoginResult{
		SessionID: view.SessionID,
		UserID:    principal.ID,
		Role:      principal.Role,
	}, nil
}

// verifySecondFactor validates code as TOTP first, then as a backup code.
// It reports whether a backup code was consumed.
func (e *Engine) verifySecondFactor(ctx context.Context, enr *mfa.Enrollment, code string) (bool, error) {
	secret, err := e.cipher.Decrypt(enr.EncryptedSecret)
	if err != nil {
		return false, fmt.Errorf("%w: secret unavailable", ErrUnauthorized)
	}

	ok, counter, err := e.totp.VerifyCode(secret, code, e.now())
	if err != nil {
		return false, fmt.Errorf("%w: code verification failed", ErrUnauthorized)
	}
	if ok {
		// Reject a code from a time step that already authenticated once.
		if uint64(counter) <= enr.LastUsedCounter && enr.LastUsedCounter != 0 {
			return false, e.recordCodeFailure(ctx, enr.UserID)
		}
		if err := e.mfaStore.AdvanceLastUsedCounter(ctx, enr.UserID, uint64(counter)); err != nil {
			return false, mapStoreErr(err)
		}
		return false, nil
	}

	consumed, err := e.mfaStore.ConsumeBackupCode(ctx, enr.UserID, backupCodeHash(code))
	if err != nil {
		return false, mapStoreErr(err)
	}
	if consumed {
		return true, nil
	}

	e.metricInc(MetricBackupCodeFailed)
	return false, e.recordCodeFailure(ctx, enr.UserID)
}

func (e *Engine) recordCodeFailure(ctx context.Context, userID string) error {
	if err := e.codeLimiter.RecordFailure(ctx, userID); err != nil {
		if errors.Is(err, ErrCodeRateLimited) {
			e.metricInc(MetricCodeRateLimited)
			e.emitAudit(ctx, auditEventAttemptsExceeded, false, userID, userID, "", err, nil)
			return err
		}
		return err
	}

	e.metricInc(MetricCodeFailure)
	e.emitAudit(ctx, auditEventCodeFailure, false, userID, userID, "", ErrInvalidCode, nil)
	return ErrInvalidCode
}

// backupCodeHash canonicalizes and hashes a backup code into the stored form.
func backupCodeHash(code string) string {
	sum := secrets.HashBackupCode(code)
	return hex.EncodeToString(sum[:])
}
