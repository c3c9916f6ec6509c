package trustcore

import (
	"context"
	"time"
)

// Role defines a public type used by trustcore APIs.
//
// Role instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Role string

// Roles recognized by the trust engine. Role strings are compared exactly.
const (
	RoleUser       Role = "USER"
	RoleSupport    Role = "SUPPORT"
	RoleAdmin      Role = "ADMIN"
	RoleSuperAdmin Role = "SUPER_ADMIN"
)

// PrincipalRecord defines a public type used by trustcore APIs.
//
// A PrincipalRecord is the engine's read-only view of an account. The
// directory that owns accounts lives outside the engine; the engine only
// needs identity, role, and the stored password hash.
type PrincipalRecord struct {
	ID           string
	Email        string
	Role         Role
	PasswordHash string
}

// PrincipalStore defines a public type used by trustcore APIs.
//
// Implementations resolve accounts from whatever directory backs the
// deployment. Both lookups return [ErrPrincipalNotFound] via errors.Is when
// no account matches.
//
// Docs: see FindByIdentifier for login-time resolution semantics.
type PrincipalStore interface {
	// FindByID resolves an account by its stable identifier.
	FindByID(ctx context.Context, id string) (*PrincipalRecord, error)

	// FindByIdentifier resolves an account by the login identifier the user
	// typed, typically an email address.
	FindByIdentifier(ctx context.Context, identifier string) (*PrincipalRecord, error)
}

// PasswordVerifier defines a public type used by trustcore APIs.
//
// Verify reports whether plain matches the stored encoding. A malformed
// encoding is an error, not a mismatch.
type PasswordVerifier interface {
	Verify(plain, encoded string) (bool, error)
}

// Notification defines a public type used by trustcore APIs.
//
// Notification instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Notification struct {
	Title    string
	Message  string
	Metadata map[string]string
}

// Notifier defines a public type used by trustcore APIs.
//
// Delivery is best effort from the engine's point of view: a failed
// notification is logged and never blocks the operation that triggered it.
type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

// LoginResult defines a public type used by trustcore APIs.
//
// When MFARequired is true no session was created; the caller must redeem
// ChallengeToken with a second factor to finish the login.
type LoginResult struct {
	SessionID      string
	UserID         string
	Role           Role
	MFARequired    bool
	ChallengeToken string
}

// SessionView defines a public type used by trustcore APIs.
//
// SessionView is the caller-facing projection of a stored session.
type SessionView struct {
	SessionID      string
	UserID         string
	Role           Role
	CreatedAt      time.Time
	LastActivityAt time.Time
	IPAddress      string
	UserAgent      string
	RequiresReauth bool
}

// EnrollmentSetup defines a public type used by trustcore APIs.
//
// SecretBase32 and OTPAuthURI are shown to the user exactly once during
// setup; the engine retains only the encrypted secret.
type EnrollmentSetup struct {
	SecretBase32 string
	OTPAuthURI   string
}

// MFAStatus defines a public type used by trustcore APIs.
//
// MFAStatus instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MFAStatus struct {
	Enabled              bool
	VerifiedAt           *time.Time
	BackupCodesRemaining int
}

// ImpersonationView defines a public type used by trustcore APIs.
//
// ImpersonationView instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type ImpersonationView struct {
	SessionID       string
	AdminID         string
	AdminEmail      string
	TargetUserID    string
	TargetUserEmail string
	Reason          string
	TicketID        string
	StartedAt       time.Time
	ExpiresAt       time.Time
	IPAddress       string
	UserAgent       string
	EndedAt         *time.Time
	EndReason       string
}

// ImpersonationStart defines a public type used by trustcore APIs.
//
// ImpersonationStart carries the signed session token alongside the view so
// transports can hand the token to the admin client directly.
type ImpersonationStart struct {
	Session ImpersonationView
	Token   string
}

// HistoryFilter defines a public type used by trustcore APIs.
//
// Zero-value fields match everything.
type HistoryFilter struct {
	AdminID      string
	TargetUserID string
	Since        time.Time
	Until        time.Time
}

// HistoryPage defines a public type used by trustcore APIs.
//
// Total counts all matches before pagination.
type HistoryPage struct {
	Sessions []ImpersonationView
	Total    int
	Offset   int
	Limit    int
}
