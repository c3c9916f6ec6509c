package trustcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/unifiedcare/trustcore/mfa"
	"github.com/unifiedcare/trustcore/secrets"
)

// BeginEnrollment describes the beginenrollment operation and its observable behavior.
//
// It provisions a fresh secret and returns the one-time setup material. The
// enrollment stays pending and does not affect login until the first code is
// confirmed. Restarting a pending enrollment issues a new secret; an enabled
// enrollment cannot be restarted.
// BeginEnrollment may return an error when input validation, dependency calls, or security checks fail.
// BeginEnrollment does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) BeginEnrollment(ctx context.Context, userID string) (*EnrollmentSetup, error) {
	if e == nil || e.mfaStore == nil {
		return nil, ErrEngineNotReady
	}

	principal, err := e.principals.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return nil, ErrPrincipalNotFound
		}
		return nil, mapStoreErr(err)
	}

	existing, err := e.mfaStore.GetEnrollment(ctx, userID)
	if err != nil && !errors.Is(err, mfa.ErrNotFound) {
		return nil, mapStoreErr(err)
	}
	if existing != nil && existing.Enabled {
		e.emitAudit(ctx, auditEventEnrollmentStarted, false, userID, userID, "", ErrAlreadyEnrolled, nil)
		return nil, ErrAlreadyEnrolled
	}

	raw, secretBase32, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}

	sealed, err := e.cipher.Encrypt(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: secret sealing failed", ErrUnauthorized)
	}

	if err := e.mfaStore.SaveEnrollment(ctx, &mfa.Enrollment{
		UserID:          userID,
		EncryptedSecret: sealed,
	}); err != nil {
		return nil, mapStoreErr(err)
	}

	e.metricInc(MetricEnrollmentStarted)
	e.emitAudit(ctx, auditEventEnrollmentStarted, true, userID, userID, "", nil, nil)

	return &EnrollmentSetup{
		SecretBase32: secretBase32,
		OTPAuthURI:   e.totp.ProvisionURI(secretBase32, principal.Email),
	}, nil
}

// ConfirmEnrollment describes the confirmenrollment operation and its observable behavior.
//
// A correct code flips the enrollment to enabled and issues the backup code
// set. The plaintext codes are returned exactly once; only their hashes are
// retained.
// ConfirmEnrollment may return an error when input validation, dependency calls, or security checks fail.
// ConfirmEnrollment does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) ConfirmEnrollment(ctx context.Context, userID, code string) ([]string, error) {
	if e == nil || e.mfaStore == nil {
		return nil, ErrEngineNotReady
	}

	enr, err := e.mfaStore.GetEnrollment(ctx, userID)
	if errors.Is(err, mfa.ErrNotFound) {
		return nil, ErrEnrollmentNotStarted
	}
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if enr.Enabled {
		return nil, ErrAlreadyEnrolled
	}

	if err := e.codeLimiter.Check(ctx, userID); err != nil {
		return nil, err
	}

	counter, err := e.verifyTOTPOnly(ctx, enr, code)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	enr.Enabled = true
	enr.VerifiedAt = &now
	enr.LastUsedCounter = counter
	if err := e.mfaStore.SaveEnrollment(ctx, enr); err != nil {
		return nil, mapStoreErr(err)
	}

	codes, err := e.issueBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := e.codeLimiter.Reset(ctx, userID); err != nil {
		return nil, err
	}

	e.metricInc(MetricEnrollmentConfirmed)
	e.emitAudit(ctx, auditEventEnrollmentConfirmed, true, userID, userID, "", nil, nil)
	e.notify(ctx, userID, Notification{
		Title:   "Two-factor authentication enabled",
		Message: "Authenticator codes are now required when signing in.",
	})

	return codes, nil
}

// DisableMFA describes the disablemfa operation and its observable behavior.
//
// Disabling demands the password plus a current second factor, either a TOTP
// code or an unused backup code. On success the enrollment and every backup
// code are removed together.
// DisableMFA may return an error when input validation, dependency calls, or security checks fail.
// DisableMFA does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) DisableMFA(ctx context.Context, userID, password, code string) error {
	if e == nil || e.mfaStore == nil {
		return ErrEngineNotReady
	}

	if err := e.verifyPassword(ctx, userID, password); err != nil {
		e.emitAudit(ctx, auditEventMFADisabled, false, userID, userID, "", err, nil)
		return err
	}

	enr, err := e.enabledEnrollment(ctx, userID)
	if err != nil {
		return err
	}

	if err := e.codeLimiter.Check(ctx, userID); err != nil {
		return err
	}
	if _, err := e.verifySecondFactor(ctx, enr, code); err != nil {
		return err
	}

	if err := e.mfaStore.Clear(ctx, userID); err != nil {
		return mapStoreErr(err)
	}
	if err := e.codeLimiter.Reset(ctx, userID); err != nil {
		return err
	}

	e.metricInc(MetricMFADisabled)
	e.emitAudit(ctx, auditEventMFADisabled, true, userID, userID, "", nil, nil)
	e.notify(ctx, userID, Notification{
		Title:   "Two-factor authentication disabled",
		Message: "Two-factor authentication was removed from your account.",
	})

	return nil
}

// RegenerateBackupCodes describes the regeneratebackupcodes operation and its observable behavior.
//
// Regeneration demands the password plus a TOTP code specifically; a backup
// code cannot mint its own replacements. The previous set is invalidated in
// the same step the new set is written.
// RegenerateBackupCodes may return an error when input validation, dependency calls, or security checks fail.
// RegenerateBackupCodes does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, userID, password, code string) ([]string, error) {
	if e == nil || e.mfaStore == nil {
		return nil, ErrEngineNotReady
	}

	if err := e.verifyPassword(ctx, userID, password); err != nil {
		e.emitAudit(ctx, auditEventBackupCodesGenerated, false, userID, userID, "", err, nil)
		return nil, err
	}

	enr, err := e.enabledEnrollment(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := e.codeLimiter.Check(ctx, userID); err != nil {
		return nil, err
	}
	if _, err := e.verifyTOTPOnly(ctx, enr, code); err != nil {
		return nil, err
	}
	if err := e.codeLimiter.Reset(ctx, userID); err != nil {
		return nil, err
	}

	codes, err := e.issueBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}

	e.notify(ctx, userID, Notification{
		Title:   "Backup codes regenerated",
		Message: "Your previous backup codes are no longer valid.",
	})

	return codes, nil
}

// Status describes the status operation and its observable behavior.
//
// Status may return an error when input validation, dependency calls, or security checks fail.
// Status does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Status(ctx context.Context, userID string) (*MFAStatus, error) {
	if e == nil || e.mfaStore == nil {
		return nil, ErrEngineNotReady
	}

	enr, err := e.mfaStore.GetEnrollment(ctx, userID)
	if errors.Is(err, mfa.ErrNotFound) {
		return &MFAStatus{}, nil
	}
	if err != nil {
		return nil, mapStoreErr(err)
	}

	status := &MFAStatus{
		Enabled:    enr.Enabled,
		VerifiedAt: enr.VerifiedAt,
	}
	if enr.Enabled {
		remaining, err := e.mfaStore.BackupCodesRemaining(ctx, userID)
		if err != nil {
			return nil, mapStoreErr(err)
		}
		status.BackupCodesRemaining = remaining
	}
	return status, nil
}

// verifyTOTPOnly accepts only an authenticator code, never a backup code,
// and advances the replay counter on success.
func (e *Engine) verifyTOTPOnly(ctx context.Context, enr *mfa.Enrollment, code string) (uint64, error) {
	secret, err := e.cipher.Decrypt(enr.EncryptedSecret)
	if err != nil {
		return 0, fmt.Errorf("%w: secret unavailable", ErrUnauthorized)
	}

	ok, counter, err := e.totp.VerifyCode(secret, code, e.now())
	if err != nil {
		return 0, fmt.Errorf("%w: code verification failed", ErrUnauthorized)
	}
	if !ok || (enr.LastUsedCounter != 0 && uint64(counter) <= enr.LastUsedCounter) {
		return 0, e.recordCodeFailure(ctx, enr.UserID)
	}

	if enr.Enabled {
		if err := e.mfaStore.AdvanceLastUsedCounter(ctx, enr.UserID, uint64(counter)); err != nil {
			return 0, mapStoreErr(err)
		}
	}
	return uint64(counter), nil
}

func (e *Engine) enabledEnrollment(ctx context.Context, userID string) (*mfa.Enrollment, error) {
	enr, err := e.mfaStore.GetEnrollment(ctx, userID)
	if errors.Is(err, mfa.ErrNotFound) {
		return nil, ErrNotEnrolled
	}
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if !enr.Enabled {
		return nil, ErrNotEnrolled
	}
	return enr, nil
}

func (e *Engine) verifyPassword(ctx context.Context, userID, password string) error {
	principal, err := e.principals.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return ErrInvalidCredentials
		}
		return mapStoreErr(err)
	}

	ok, err := e.verifier.Verify(password, principal.PasswordHash)
	if err != nil {
		return fmt.Errorf("%w: password verification failed", ErrUnauthorized)
	}
	if !ok {
		return ErrInvalidCredentials
	}
	return nil
}

func (e *Engine) issueBackupCodes(ctx context.Context, userID string) ([]string, error) {
	codes, err := secrets.GenerateBackupCodes(e.config.MFA.BackupCodeCount)
	if err != nil {
		return nil, err
	}

	hashes := make([]string, len(codes))
	for i, c := range codes {
		hashes[i] = backupCodeHash(c)
	}
	if err := e.mfaStore.ReplaceBackupCodes(ctx, userID, hashes); err != nil {
		return nil, mapStoreErr(err)
	}

	e.metricInc(MetricBackupCodeRegenerated)
	e.emitAudit(ctx, auditEventBackupCodesGenerated, true, userID, userID, "", nil, nil)

	return codes, nil
}
