// Package trustcore provides a Redis-backed session and identity trust engine:
// bounded-lifetime sessions with integrity binding, TOTP-based multi-factor
// authentication with single-use backup codes, and audited, time-boxed admin
// impersonation.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// trustcore is the public surface. It exposes [Engine], [Builder], [Config],
// and value types (SessionView, MFAStatus, ImpersonationView, etc.). Storage
// lives in the session, mfa, and impersonation sub-packages; cryptographic
// helpers in secrets, password, and token. None of them import trustcore.
//
// # What this package must NOT do
//
//   - Expose Redis clients, store types, or key layouts in its public API.
//   - Retain plaintext TOTP secrets or backup codes beyond the response that
//     first reveals them.
//   - Surface internal crypto or storage failures verbatim; callers see the
//     sentinel errors in errors.go.
//
// # Performance contract
//
// Touch is the hot path: one Redis read and one write per call, observed in
// the latency histogram. Login, challenge redemption, and impersonation
// operations may take several round-trips.
package trustcore
