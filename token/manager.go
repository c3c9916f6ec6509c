// Package token issues and verifies the short-lived signed tokens the trust
// engine hands to clients between steps of a flow: the MFA login challenge
// token and the impersonation session token.
//
// Tokens are HMAC-SHA256 JWTs. They are bearer proofs of an in-progress flow,
// not access tokens; each carries a purpose claim that the parser enforces so
// a token minted for one flow can never be replayed into another.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// PurposeMFAChallenge marks a token issued after a correct password when
	// the account still owes a second factor.
	PurposeMFAChallenge = "mfa_challenge"

	// PurposeImpersonation marks a token bound to an active impersonation
	// session.
	PurposeImpersonation = "impersonation"
)

const minSecretBytes = 32

// ErrTokenInvalid is an exported constant or variable used by the trust engine.
var ErrTokenInvalid = errors.New("token invalid")

// ErrTokenExpired is an exported constant or variable used by the trust engine.
var ErrTokenExpired = errors.New("token expired")

// ErrTokenPurpose is an exported constant or variable used by the trust engine.
//
// It is returned when a structurally valid token carries the wrong purpose
// claim for the operation attempting to consume it.
var ErrTokenPurpose = errors.New("token purpose mismatch")

// Config defines a public type used by trustcore APIs.
//
// Config instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Config struct {
	// Secret is the HMAC-SHA256 signing key. At least 32 bytes.
	Secret []byte

	// Issuer is embedded in every token and enforced on parse.
	Issuer string
}

// Claims defines a public type used by trustcore APIs.
//
// Claims instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Claims struct {
	// Purpose pins the token to a single flow.
	Purpose string `json:"purpose"`

	// SessionID is set only for impersonation tokens and names the
	// impersonation session the token is bound to.
	SessionID string `json:"sid,omitempty"`

	jwt.RegisteredClaims
}

// Manager defines a public type used by trustcore APIs.
//
// Manager instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Manager struct {
	secret []byte
	issuer string
	parser *jwt.Parser
	now    func() time.Time
}

// NewManager describes the newmanager operation and its observable behavior.
//
// NewManager may return an error when input validation, dependency calls, or security checks fail.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.Secret) < minSecretBytes {
		return nil, fmt.Errorf("token secret must be at least %d bytes", minSecretBytes)
	}
	if cfg.Issuer == "" {
		return nil, errors.New("token issuer must be set")
	}

	m := &Manager{
		secret: append([]byte(nil), cfg.Secret...),
		issuer: cfg.Issuer,
		now:    time.Now,
	}
	m.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return m.now() }),
	)
	return m, nil
}

// WithClock overrides the manager time source. Intended for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// IssueChallenge describes the issuechallenge operation and its observable behavior.
//
// The returned token authorizes exactly one second-factor attempt window for
// the given user. The embedded jti backs single-use enforcement downstream.
// IssueChallenge may return an error when input validation, dependency calls, or security checks fail.
// IssueChallenge does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (m *Manager) IssueChallenge(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", ErrTokenInvalid
	}
	return m.sign(Claims{
		Purpose: PurposeMFAChallenge,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(m.now()),
			ExpiresAt: jwt.NewNumericDate(m.now().Add(ttl)),
		},
	})
}

// IssueImpersonation describes the issueimpersonation operation and its observable behavior.
//
// The subject is the acting admin; sessionID names the impersonation record
// that validation resolves on every use.
// IssueImpersonation may return an error when input validation, dependency calls, or security checks fail.
// IssueImpersonation does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (m *Manager) IssueImpersonation(adminID, sessionID string, ttl time.Duration) (string, error) {
	if adminID == "" || sessionID == "" {
		return "", ErrTokenInvalid
	}
	return m.sign(Claims{
		Purpose:   PurposeImpersonation,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   adminID,
			Issuer:    m.issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(m.now()),
			ExpiresAt: jwt.NewNumericDate(m.now().Add(ttl)),
		},
	})
}

// Parse describes the parse operation and its observable behavior.
//
// Parse verifies signature, issuer, expiry, and the purpose claim. An expired
// token surfaces as [ErrTokenExpired] so callers can distinguish it from
// forgery without inspecting error strings.
// Parse may return an error when input validation, dependency calls, or security checks fail.
// Parse does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (m *Manager) Parse(raw, purpose string) (*Claims, error) {
	claims := &Claims{}
	_, err := m.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if claims.Purpose != purpose {
		return nil, ErrTokenPurpose
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (m *Manager) sign(claims Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return signed, nil
}
