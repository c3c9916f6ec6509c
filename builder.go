package trustcore

import (
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/unifiedcare/trustcore/impersonation"
	"github.com/unifiedcare/trustcore/mfa"
	"github.com/unifiedcare/trustcore/secrets"
	"github.com/unifiedcare/trustcore/session"
	"github.com/unifiedcare/trustcore/token"
)

// Builder defines a public type used by trustcore APIs.
//
// Builder instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Builder struct {
	config Config
	redis  *redis.Client

	principals PrincipalStore
	verifier   PasswordVerifier
	notifier   Notifier
	auditSink  AuditSink

	built bool
}

// New describes the new operation and its observable behavior.
//
// New does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig describes the withconfig operation and its observable behavior.
//
// WithConfig does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis describes the withredis operation and its observable behavior.
//
// WithRedis does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithRedis(client *redis.Client) *Builder {
	b.redis = client
	return b
}

// WithPrincipalStore describes the withprincipalstore operation and its observable behavior.
//
// WithPrincipalStore does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithPrincipalStore(store PrincipalStore) *Builder {
	b.principals = store
	return b
}

// WithVerifier describes the withverifier operation and its observable behavior.
//
// WithVerifier does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithVerifier(v PasswordVerifier) *Builder {
	b.verifier = v
	return b
}

// WithNotifier describes the withnotifier operation and its observable behavior.
//
// WithNotifier does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

// WithAuditSink describes the withauditsink operation and its observable behavior.
//
// WithAuditSink does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithMetricsEnabled describes the withmetricsenabled operation and its observable behavior.
//
// WithMetricsEnabled does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms describes the withlatencyhistograms operation and its observable behavior.
//
// WithLatencyHistograms does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build describes the build operation and its observable behavior.
//
// Build may return an error when input validation, dependency calls, or security checks fail.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.principals == nil {
		return nil, errors.New("principal store required")
	}
	if b.verifier == nil {
		return nil, errors.New("password verifier required")
	}

	engine := &Engine{
		config: cloneConfig(cfg),
		now:    time.Now,
	}

	// -------- STORES --------
	prefix := cfg.Session.RedisPrefix
	engine.sessions = session.NewStore(b.redis, prefix)
	engine.mfaStore = mfa.NewStore(b.redis, prefix+"mfa:")
	engine.impStore = impersonation.NewStore(b.redis, prefix+"imp:")

	// -------- CRYPTO --------
	cipher, err := secrets.NewCipher(cfg.Crypto.EncryptionKey)
	if err != nil {
		return nil, err
	}
	engine.cipher = cipher

	tm, err := token.NewManager(token.Config{
		Secret: cloneBytes(cfg.Token.Secret),
		Issuer: cfg.Token.Issuer,
	})
	if err != nil {
		return nil, err
	}
	engine.tokens = tm
	engine.totp = newTOTPManager(cfg.MFA)

	// -------- LIMITERS / CHALLENGES --------
	engine.codeLimiter = newCodeLimiter(b.redis, prefix+"mfa:", cfg.MFA.CodeMaxAttempts, cfg.MFA.CodeCooldown)
	engine.impLimiter = newImpersonationLimiter(b.redis, prefix+"imp:", cfg.Impersonation.RateLimitMax, cfg.Impersonation.RateLimitWindow)
	engine.challenges = newChallengeStore(b.redis, prefix+"mfa:challenge:")

	// -------- DEPENDENCIES --------
	engine.principals = b.principals
	engine.verifier = b.verifier
	engine.notifier = b.notifier
	engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)

	if cfg.Session.SweepInterval > 0 {
		engine.startSweeper(cfg.Session.SweepInterval)
	}

	b.built = true

	return engine, nil
}
