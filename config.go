package trustcore

import (
	"errors"
	"fmt"
	"time"
)

/* ==================== SESSION ==================== */

// SessionConfig defines a public type used by trustcore APIs.
//
// SessionConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type SessionConfig struct {
	// RedisPrefix namespaces every session key.
	RedisPrefix string

	// MaxConcurrentSessions caps live sessions per user. When a login would
	// exceed the cap the least recently active sessions are evicted.
	MaxConcurrentSessions int

	// InactivityTimeout terminates a session with no activity for this long.
	InactivityTimeout time.Duration

	// MaxSessionDuration terminates a session this long after creation
	// regardless of activity.
	MaxSessionDuration time.Duration

	// ReauthWindow is how recently a password must have been confirmed for a
	// sensitive operation to proceed without a fresh prompt.
	ReauthWindow time.Duration

	// SweepInterval is the period of the background expiry sweep. Zero
	// disables the sweeper; key TTLs still apply.
	SweepInterval time.Duration

	// EnforceIPBinding terminates a session whose request IP no longer
	// matches the IP it was created from. When false the mismatch is only
	// audited.
	EnforceIPBinding bool

	// SensitivePaths lists request path prefixes that demand recent
	// reauthentication.
	SensitivePaths []string
}

/* ==================== MFA ==================== */

// MFAConfig defines a public type used by trustcore APIs.
//
// MFAConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MFAConfig struct {
	// Issuer is embedded in provisioning URIs.
	Issuer string

	// Digits is the OTP length. 6 or 8.
	Digits int

	// Period is the TOTP time step in seconds.
	Period int

	// Algorithm selects the HMAC hash: SHA1, SHA256, or SHA512.
	Algorithm string

	// Skew is how many adjacent time steps are accepted on either side.
	Skew int

	// ChallengeTTL bounds the window between password success and second
	// factor redemption.
	ChallengeTTL time.Duration

	// CodeMaxAttempts caps failed code verifications before a cooldown.
	CodeMaxAttempts int

	// CodeCooldown is how long the attempt counter persists.
	CodeCooldown time.Duration

	// BackupCodeCount is how many backup codes a generation produces.
	BackupCodeCount int
}

/* ==================== CRYPTO / TOKEN ==================== */

// CryptoConfig defines a public type used by trustcore APIs.
//
// CryptoConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type CryptoConfig struct {
	// EncryptionKey protects TOTP secrets at rest. At least 16 bytes.
	EncryptionKey []byte
}

// TokenConfig defines a public type used by trustcore APIs.
//
// TokenConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type TokenConfig struct {
	// Secret signs challenge and impersonation tokens. At least 32 bytes.
	Secret []byte

	// Issuer is embedded in every signed token.
	Issuer string
}

/* ==================== IMPERSONATION ==================== */

// ImpersonationConfig defines a public type used by trustcore APIs.
//
// ImpersonationConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type ImpersonationConfig struct {
	// Enabled gates the whole impersonation surface.
	Enabled bool

	// AllowedRoles may start impersonation sessions.
	AllowedRoles []Role

	// ProtectedRoles may only be impersonated by a super admin.
	ProtectedRoles []Role

	// RequireTicket demands a support ticket reference on every start.
	RequireTicket bool

	// MaxDuration bounds a single impersonation session.
	MaxDuration time.Duration

	// RateLimitMax starts per admin per RateLimitWindow.
	RateLimitMax    int
	RateLimitWindow time.Duration

	// EndedRetention is how long ended sessions stay queryable.
	EndedRetention time.Duration
}

/* ==================== AUDIT / METRICS ==================== */

// AuditConfig defines a public type used by trustcore APIs.
//
// AuditConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuditConfig struct {
	// Enabled gates audit emission entirely.
	Enabled bool

	// BufferSize is the dispatcher queue depth.
	BufferSize int

	// DropIfFull drops events instead of blocking when the queue is full.
	DropIfFull bool
}

// MetricsConfig defines a public type used by trustcore APIs.
//
// MetricsConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/* ==================== ROOT ==================== */

// Config defines a public type used by trustcore APIs.
//
// Config instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Config struct {
	Session       SessionConfig
	MFA           MFAConfig
	Crypto        CryptoConfig
	Token         TokenConfig
	Impersonation ImpersonationConfig
	Audit         AuditConfig
	Metrics       MetricsConfig
}

// DefaultConfig describes the defaultconfig operation and its observable behavior.
//
// Keys and secrets are intentionally absent; Validate rejects a config that
// has not set them.
func DefaultConfig() Config {
	return Config{
		Session: SessionConfig{
			RedisPrefix:           "tc:",
			MaxConcurrentSessions: 3,
			InactivityTimeout:     15 * time.Minute,
			MaxSessionDuration:    8 * time.Hour,
			ReauthWindow:          5 * time.Minute,
			SweepInterval:         5 * time.Minute,
			EnforceIPBinding:      true,
		},
		MFA: MFAConfig{
			Issuer:          "trustcore",
			Digits:          6,
			Period:          30,
			Algorithm:       "SHA1",
			Skew:            1,
			ChallengeTTL:    5 * time.Minute,
			CodeMaxAttempts: 5,
			CodeCooldown:    10 * time.Minute,
			BackupCodeCount: 10,
		},
		Impersonation: ImpersonationConfig{
			// Disabled until the host opts in; starts always need a ticket
			// reference unless the host relaxes the policy.
			Enabled:         false,
			AllowedRoles:    []Role{RoleAdmin, RoleSuperAdmin, RoleSupport},
			ProtectedRoles:  []Role{RoleAdmin, RoleSuperAdmin},
			RequireTicket:   true,
			MaxDuration:     60 * time.Minute,
			RateLimitMax:    10,
			RateLimitWindow: time.Hour,
			EndedRetention:  90 * 24 * time.Hour,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: true,
		},
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Crypto.EncryptionKey = cloneBytes(cfg.Crypto.EncryptionKey)
	out.Token.Secret = cloneBytes(cfg.Token.Secret)
	out.Session.SensitivePaths = append([]string(nil), cfg.Session.SensitivePaths...)
	out.Impersonation.AllowedRoles = append([]Role(nil), cfg.Impersonation.AllowedRoles...)
	out.Impersonation.ProtectedRoles = append([]Role(nil), cfg.Impersonation.ProtectedRoles...)
	return out
}

// Validate describes the validate operation and its observable behavior.
//
// Validate may return an error when input validation, dependency calls, or security checks fail.
func (c Config) Validate() error {
	if c.Session.MaxConcurrentSessions < 1 {
		return errors.New("session: max concurrent sessions must be >= 1")
	}
	if c.Session.InactivityTimeout <= 0 {
		return errors.New("session: inactivity timeout must be > 0")
	}
	if c.Session.MaxSessionDuration <= 0 {
		return errors.New("session: max session duration must be > 0")
	}
	if c.Session.MaxSessionDuration < c.Session.InactivityTimeout {
		return errors.New("session: max duration must be >= inactivity timeout")
	}
	if c.Session.ReauthWindow <= 0 {
		return errors.New("session: reauth window must be > 0")
	}
	if c.Session.SweepInterval < 0 {
		return errors.New("session: sweep interval must be >= 0")
	}

	if c.MFA.Digits != 6 && c.MFA.Digits != 8 {
		return errors.New("mfa: digits must be 6 or 8")
	}
	if c.MFA.Period < 15 || c.MFA.Period > 120 {
		return errors.New("mfa: period must be between 15 and 120 seconds")
	}
	switch c.MFA.Algorithm {
	case "SHA1", "SHA256", "SHA512":
	default:
		return fmt.Errorf("mfa: unsupported algorithm %q", c.MFA.Algorithm)
	}
	if c.MFA.Skew < 0 || c.MFA.Skew > 2 {
		return errors.New("mfa: skew must be between 0 and 2 steps")
	}
	if c.MFA.ChallengeTTL <= 0 {
		return errors.New("mfa: challenge ttl must be > 0")
	}
	if c.MFA.CodeMaxAttempts < 1 {
		return errors.New("mfa: code max attempts must be >= 1")
	}
	if c.MFA.CodeCooldown <= 0 {
		return errors.New("mfa: code cooldown must be > 0")
	}
	if c.MFA.BackupCodeCount < 1 {
		return errors.New("mfa: backup code count must be >= 1")
	}

	if len(c.Crypto.EncryptionKey) < 16 {
		return errors.New("crypto: encryption key must be at least 16 bytes")
	}
	if len(c.Token.Secret) < 32 {
		return errors.New("token: secret must be at least 32 bytes")
	}
	if c.Token.Issuer == "" {
		return errors.New("token: issuer must be set")
	}

	if c.Impersonation.Enabled {
		if len(c.Impersonation.AllowedRoles) == 0 {
			return errors.New("impersonation: allowed roles must not be empty")
		}
		if c.Impersonation.MaxDuration <= 0 || c.Impersonation.MaxDuration > 24*time.Hour {
			return errors.New("impersonation: max duration must be in (0, 24h]")
		}
		if c.Impersonation.RateLimitMax < 1 {
			return errors.New("impersonation: rate limit max must be >= 1")
		}
		if c.Impersonation.RateLimitWindow <= 0 {
			return errors.New("impersonation: rate limit window must be > 0")
		}
		if c.Impersonation.EndedRetention <= 0 {
			return errors.New("impersonation: ended retention must be > 0")
		}
	}

	if c.Audit.Enabled && c.Audit.BufferSize < 1 {
		return errors.New("audit: buffer size must be >= 1")
	}

	return nil
}
