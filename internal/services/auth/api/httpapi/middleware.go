package httpapi

import (
	"context"
	"net/http"

	apperrors "github.com/louisbranch/larder/internal/platform/errors"
	"github.com/louisbranch/larder/internal/platform/requestctx"
	"github.com/louisbranch/larder/internal/platform/sessioncookie"
	"github.com/louisbranch/larder/internal/services/auth/identity"
)

type identityContextKey struct{}

// withSession resolves the session cookie and stores the authenticated
// identity in the request context.
func (s *Server) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := sessioncookie.Read(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		resolved, err := s.deps.Guard.Resolve(r.Context(), raw)
		if err != nil {
			// Store failures leave the cookie alone; the session may be fine.
			s.logger.WarnContext(r.Context(), "resolve session", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if !resolved.Authenticated() {
			sessioncookie.Clear(w, r, s.config.schemePolicy())
			next.ServeHTTP(w, r)
			return
		}
		if resolved.Refreshed != nil {
			sessioncookie.Write(w, r, resolved.Refreshed.Token, resolved.ExpiresAt, s.config.schemePolicy())
		}
		ctx := requestctx.WithIdentityID(r.Context(), resolved.Identity.ID)
		ctx = requestctx.WithSessionID(ctx, resolved.SessionID)
		ctx = context.WithValue(ctx, identityContextKey{}, resolved.Identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireSession rejects requests without an authenticated session.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requestctx.IdentityIDFromContext(r.Context()) == "" {
			s.writeError(w, r, apperrors.New(apperrors.CodeUnauthorized, "session required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func identityFromContext(ctx context.Context) (identity.Identity, bool) {
	found, ok := ctx.Value(identityContextKey{}).(identity.Identity)
	return found, ok && found.ID != ""
}
