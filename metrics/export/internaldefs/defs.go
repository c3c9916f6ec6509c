package internaldefs

import (
	trustcore "github.com/unifiedcare/trustcore"
)

// CounterDef defines a public type used by trustcore APIs.
//
// CounterDef instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type CounterDef struct {
	ID   trustcore.MetricID
	Name string
	Help string
}

// HistogramDef defines a public type used by trustcore APIs.
//
// HistogramDef instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type HistogramDef struct {
	ID   trustcore.MetricID
	Name string
	Help string
}

// CounterDefs is an exported constant or variable used by the trust engine.
var CounterDefs = []CounterDef{
	{ID: trustcore.MetricLoginSuccess, Name: "trustcore_login_success_total", Help: "Successful login completions."},
	{ID: trustcore.MetricLoginFailure, Name: "trustcore_login_failure_total", Help: "Failed login attempts."},
	{ID: trustcore.MetricChallengeIssued, Name: "trustcore_mfa_challenge_issued_total", Help: "Issued MFA login challenges."},
	{ID: trustcore.MetricChallengeRedeemed, Name: "trustcore_mfa_challenge_redeemed_total", Help: "Redeemed MFA login challenges."},
	{ID: trustcore.MetricChallengeReplay, Name: "trustcore_mfa_challenge_replay_total", Help: "Detected challenge replay attempts."},
	{ID: trustcore.MetricCodeFailure, Name: "trustcore_mfa_code_failure_total", Help: "Failed second-factor code verifications."},
	{ID: trustcore.MetricCodeRateLimited, Name: "trustcore_mfa_code_rate_limited_total", Help: "Rate-limited second-factor verifications."},
	{ID: trustcore.MetricBackupCodeUsed, Name: "trustcore_backup_code_used_total", Help: "Successful backup-code authentications."},
	{ID: trustcore.MetricBackupCodeFailed, Name: "trustcore_backup_code_failed_total", Help: "Failed backup-code authentications."},
	{ID: trustcore.MetricBackupCodeRegenerated, Name: "trustcore_backup_code_regenerated_total", Help: "Backup-code set generations."},
	{ID: trustcore.MetricEnrollmentStarted, Name: "trustcore_mfa_enrollment_started_total", Help: "Started MFA enrollments."},
	{ID: trustcore.MetricEnrollmentConfirmed, Name: "trustcore_mfa_enrollment_confirmed_total", Help: "Confirmed MFA enrollments."},
	{ID: trustcore.MetricMFADisabled, Name: "trustcore_mfa_disabled_total", Help: "MFA disable operations."},
	{ID: trustcore.MetricSessionCreated, Name: "trustcore_session_created_total", Help: "Created sessions."},
	{ID: trustcore.MetricSessionEvicted, Name: "trustcore_session_evicted_total", Help: "Sessions evicted by the concurrency cap."},
	{ID: trustcore.MetricSessionTerminated, Name: "trustcore_session_terminated_total", Help: "Terminated sessions."},
	{ID: trustcore.MetricSessionExpired, Name: "trustcore_session_expired_total", Help: "Sessions expired by time bounds."},
	{ID: trustcore.MetricSessionIntegrityFailure, Name: "trustcore_session_integrity_failure_total", Help: "Detected session integrity violations."},
	{ID: trustcore.MetricReauthRequired, Name: "trustcore_reauth_required_total", Help: "Sensitive operations refused pending reauthentication."},
	{ID: trustcore.MetricSweepTerminated, Name: "trustcore_sweep_terminated_total", Help: "Sessions terminated by the background sweep."},
	{ID: trustcore.MetricImpersonationStarted, Name: "trustcore_impersonation_started_total", Help: "Started impersonation sessions."},
	{ID: trustcore.MetricImpersonationEnded, Name: "trustcore_impersonation_ended_total", Help: "Ended impersonation sessions."},
	{ID: trustcore.MetricImpersonationDenied, Name: "trustcore_impersonation_denied_total", Help: "Denied impersonation start attempts."},
	{ID: trustcore.MetricImpersonationRateLimited, Name: "trustcore_impersonation_rate_limited_total", Help: "Rate-limited impersonation start attempts."},
	{ID: trustcore.MetricImpersonationForcedEnd, Name: "trustcore_impersonation_forced_end_total", Help: "Force-ended impersonation sessions."},
}

// HistogramDefs is an exported constant or variable used by the trust engine.
var HistogramDefs = []HistogramDef{
	{ID: trustcore.MetricTouchLatency, Name: "trustcore_touch_latency_seconds", Help: "Session touch latency histogram."},
}

// HistogramBounds is an exported constant or variable used by the trust engine.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix is an exported constant or variable used by the trust engine.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets describes the normalizebuckets operation and its observable behavior.
//
// NormalizeBuckets does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets describes the cumulativebuckets operation and its observable behavior.
//
// CumulativeBuckets does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
