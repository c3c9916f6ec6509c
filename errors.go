package trustcore

import "errors"

// ErrUnauthorized is an exported constant or variable used by the trust engine.
var ErrUnauthorized = errors.New("unauthorized")

// ErrSessionNotFound is an exported constant or variable used by the trust engine.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionInactive is an exported constant or variable used by the trust engine.
var ErrSessionInactive = errors.New("session inactive")

// ErrSessionDurationExceeded is an exported constant or variable used by the trust engine.
var ErrSessionDurationExceeded = errors.New("session duration exceeded")

// ErrSessionIntegrity is an exported constant or variable used by the trust engine.
var ErrSessionIntegrity = errors.New("session integrity check failed")

// ErrReauthRequired is an exported constant or variable used by the trust engine.
var ErrReauthRequired = errors.New("reauthentication required")

// ErrForbidden is an exported constant or variable used by the trust engine.
var ErrForbidden = errors.New("forbidden")

// ErrInvalidCredentials is an exported constant or variable used by the trust engine.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrInvalidCode is an exported constant or variable used by the trust engine.
var ErrInvalidCode = errors.New("invalid verification code")

// ErrAlreadyEnrolled is an exported constant or variable used by the trust engine.
var ErrAlreadyEnrolled = errors.New("mfa already enrolled")

// ErrNotEnrolled is an exported constant or variable used by the trust engine.
var ErrNotEnrolled = errors.New("mfa not enrolled")

// ErrEnrollmentNotStarted is an exported constant or variable used by the trust engine.
var ErrEnrollmentNotStarted = errors.New("mfa enrollment not started")

// ErrChallengeInvalid is an exported constant or variable used by the trust engine.
var ErrChallengeInvalid = errors.New("mfa challenge invalid")

// ErrChallengeExpired is an exported constant or variable used by the trust engine.
var ErrChallengeExpired = errors.New("mfa challenge expired")

// ErrChallengeReplay is an exported constant or variable used by the trust engine.
var ErrChallengeReplay = errors.New("mfa challenge already redeemed")

// ErrCodeRateLimited is an exported constant or variable used by the trust engine.
var ErrCodeRateLimited = errors.New("too many verification attempts")

// ErrImpersonationDisabled is an exported constant or variable used by the trust engine.
var ErrImpersonationDisabled = errors.New("impersonation disabled")

// ErrImpersonationActive is an exported constant or variable used by the trust engine.
var ErrImpersonationActive = errors.New("impersonation session already active")

// ErrImpersonationRateLimited is an exported constant or variable used by the trust engine.
var ErrImpersonationRateLimited = errors.New("impersonation rate limit exceeded")

// ErrTicketRequired is an exported constant or variable used by the trust engine.
var ErrTicketRequired = errors.New("support ticket reference required")

// ErrPrincipalNotFound is an exported constant or variable used by the trust engine.
var ErrPrincipalNotFound = errors.New("principal not found")

// ErrStorageUnavailable is an exported constant or variable used by the trust engine.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ErrNotifyFailed is an exported constant or variable used by the trust engine.
var ErrNotifyFailed = errors.New("notification delivery failed")

// ErrEngineNotReady is an exported constant or variable used by the trust engine.
var ErrEngineNotReady = errors.New("engine not ready")
