package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-webauthn/webauthn/protocol"

	apperrors "github.com/louisbranch/larder/internal/platform/errors"
	"github.com/louisbranch/larder/internal/platform/logging"
	"github.com/louisbranch/larder/internal/services/auth/magiclink"
	"github.com/louisbranch/larder/internal/services/auth/passkey"
	"github.com/louisbranch/larder/internal/services/auth/registration"
	"github.com/louisbranch/larder/internal/services/auth/session"
	"github.com/louisbranch/larder/internal/services/auth/storage"
)

// Passkeys runs WebAuthn ceremonies.
type Passkeys interface {
	BeginRegistration(ctx context.Context, identityID string, origin string) (*protocol.PublicKeyCredentialCreationOptions, error)
	FinishRegistration(ctx context.Context, identityID string, origin string, response []byte) (passkey.Result, error)
	BeginAuthentication(ctx context.Context, email string, origin string) (*protocol.PublicKeyCredentialRequestOptions, error)
	FinishAuthentication(ctx context.Context, email string, origin string, response []byte) (passkey.Result, error)
}

// MagicLinks issues, follows and polls login links.
type MagicLinks interface {
	Issue(ctx context.Context, email string, purpose storage.TokenPurpose) (magiclink.Issued, error)
	Follow(ctx context.Context, raw string) (magiclink.FollowResult, error)
	Poll(ctx context.Context, requestID string) (magiclink.PollResult, error)
}

// Registrations manages sign-ups awaiting email confirmation.
type Registrations interface {
	Start(ctx context.Context, name string, email string) (registration.Started, error)
	Resend(ctx context.Context, email string) (registration.Started, error)
	Verify(ctx context.Context, raw string, email string) (registration.Verified, error)
}

// Sessions creates web sessions from bridge tokens.
type Sessions interface {
	Authorize(ctx context.Context, raw string) (session.Issued, error)
}

// Guard validates and revokes session tokens.
type Guard interface {
	Resolve(ctx context.Context, raw string) (session.Resolution, error)
	Revoke(ctx context.Context, raw string) error
}

// Deps are the services behind the HTTP routes.
type Deps struct {
	Passkeys      Passkeys
	MagicLinks    MagicLinks
	Registrations Registrations
	Sessions      Sessions
	Guard         Guard
}

// Server serves the auth HTTP API.
type Server struct {
	deps   Deps
	config Config
	logger *slog.Logger
}

// NewServer builds the HTTP API.
func NewServer(deps Deps, cfg Config, logger *slog.Logger) *Server {
	return &Server{
		deps:   deps,
		config: cfg.withDefaults(),
		logger: logging.OrDiscard(logger),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if s.config.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(s.withSession)

	r.Get("/healthz", s.handleHealth)

	r.Route("/passkey", func(r chi.Router) {
		r.With(s.requireSession).Post("/generate-registration-options", s.handleRegistrationOptions)
		r.With(s.requireSession).Post("/verify-registration", s.handleVerifyRegistration)
		r.Post("/generate-authentication-options", s.handleAuthenticationOptions)
		r.Post("/verify-authentication", s.handleVerifyAuthentication)
	})

	r.Route("/magic-link", func(r chi.Router) {
		r.With(s.rateLimit()).Post("/start", s.handleMagicLinkStart)
		r.Get("/verify", s.handleMagicLinkVerify)
		r.Get("/poll", s.handleMagicLinkPoll)
	})

	r.With(s.rateLimit()).Post("/register", s.handleRegister)
	r.With(s.rateLimit()).Post("/resend-verification", s.handleResendVerification)
	r.Get(magiclink.RegistrationPath, s.handleVerifyEmail)

	r.Post("/session", s.handleCreateSession)
	r.Get("/session", s.handleReadSession)
	r.Post("/logout", s.handleLogout)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, apperrors.New(apperrors.CodeNotFound, "route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, apperrors.New(apperrors.CodeInvalidRequest, "method not allowed"))
	})
	return r
}

// rateLimit builds a per-IP limiter. Each route gets its own limiter so
// budgets are not shared between endpoints.
func (s *Server) rateLimit() func(http.Handler) http.Handler {
	return httprate.Limit(
		s.config.RateLimit,
		s.config.RateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			s.writeError(w, r, apperrors.New(apperrors.CodeRateLimited, "rate limit exceeded"))
		}),
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}
