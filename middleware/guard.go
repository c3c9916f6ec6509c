// Package middleware adapts the trust engine's session checks to net/http
// handler chains.
package middleware

import (
	"context"
	"net"
	"net/http"

	trustcore "github.com/unifiedcare/trustcore"
	"github.com/unifiedcare/trustcore/internal"
)

const (
	sessionHeader       = "X-Session-ID"
	impersonationHeader = "X-Impersonation-Token"
)

type sessionContextKey struct{}

type impersonationContextKey struct{}

// SessionFromContext describes the sessionfromcontext operation and its observable behavior.
func SessionFromContext(ctx context.Context) (*trustcore.SessionView, bool) {
	view, ok := ctx.Value(sessionContextKey{}).(*trustcore.SessionView)
	return view, ok
}

// SessionGuard describes the sessionguard operation and its observable behavior.
//
// The guard resolves the session named in the X-Session-ID header, binds the
// request IP and user agent into the context, verifies session integrity,
// and refreshes the activity anchor. Requests without a live session are
// rejected with 401.
func SessionGuard(engine *trustcore.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			sessionID := r.Header.Get(sessionHeader)
			if sessionID == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			// Malformed IDs can never match a stored session; reject them
			// before touching the store.
			if _, err := internal.ParseSessionID(sessionID); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := trustcore.WithClientIP(r.Context(), remoteIP(r))
			ctx = trustcore.WithUserAgent(ctx, r.UserAgent())

			if err := engine.VerifyIntegrity(ctx, sessionID); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			view, err := engine.Touch(ctx, sessionID)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx = context.WithValue(ctx, sessionContextKey{}, view)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FreshnessGuard describes the freshnessguard operation and its observable behavior.
//
// It runs after SessionGuard and enforces the recent-reauthentication window
// on sensitive paths, answering 403 when a fresh proof is required.
func FreshnessGuard(engine *trustcore.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			view, ok := SessionFromContext(r.Context())
			if engine == nil || !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			if err := engine.RequireFreshness(r.Context(), view.SessionID, r.URL.Path); err != nil {
				http.Error(w, "reauthentication required", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ImpersonationFromContext describes the impersonationfromcontext operation and its observable behavior.
func ImpersonationFromContext(ctx context.Context) (*trustcore.ImpersonationView, bool) {
	view, ok := ctx.Value(impersonationContextKey{}).(*trustcore.ImpersonationView)
	return view, ok
}

// ImpersonationGuard describes the impersonationguard operation and its observable behavior.
//
// The guard validates the grant named in the X-Impersonation-Token header and
// binds the live impersonation view into the context. Expired or ended grants
// are rejected with 401; validation ends an expired grant as a side effect.
func ImpersonationGuard(engine *trustcore.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			signed := r.Header.Get(impersonationHeader)
			if signed == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			view, err := engine.ValidateImpersonation(r.Context(), signed)
			if err != nil || view == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), impersonationContextKey{}, view)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
