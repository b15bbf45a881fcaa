package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	apperrors "github.com/louisbranch/larder/internal/platform/errors"
	"github.com/louisbranch/larder/internal/platform/requestctx"
	"github.com/louisbranch/larder/internal/platform/requestmeta"
	"github.com/louisbranch/larder/internal/platform/sessioncookie"
	"github.com/louisbranch/larder/internal/services/auth/identity"
	"github.com/louisbranch/larder/internal/services/auth/magiclink"
	"github.com/louisbranch/larder/internal/services/auth/session"
	"github.com/louisbranch/larder/internal/services/auth/storage"
)

type emailRequest struct {
	Email string `json:"email"`
}

type credentialRequest struct {
	Email      string          `json:"email"`
	Credential json.RawMessage `json:"credential"`
}

type registerRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type identityView struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	DisplayName   string `json:"displayName"`
	EmailVerified bool   `json:"emailVerified"`
}

func viewIdentity(found identity.Identity) *identityView {
	return &identityView{
		ID:            found.ID,
		Email:         found.Email,
		DisplayName:   found.DisplayName,
		EmailVerified: found.EmailVerified(),
	}
}

type requestView struct {
	RequestID string    `json:"requestId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) origin(r *http.Request) string {
	return requestmeta.Origin(r, s.config.schemePolicy())
}

func (s *Server) handleRegistrationOptions(w http.ResponseWriter, r *http.Request) {
	options, err := s.deps.Passkeys.BeginRegistration(r.Context(), requestctx.IdentityIDFromContext(r.Context()), s.origin(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, options)
}

func (s *Server) handleVerifyRegistration(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Credential) == 0 {
		s.writeError(w, r, requireField("credential", ""))
		return
	}
	result, err := s.deps.Passkeys.FinishRegistration(r.Context(), requestctx.IdentityIDFromContext(r.Context()), s.origin(r), req.Credential)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": result.Bridge.Token, "credentialId": result.CredentialID})
}

func (s *Server) handleAuthenticationOptions(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	options, err := s.deps.Passkeys.BeginAuthentication(r.Context(), req.Email, s.origin(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, options)
}

func (s *Server) handleVerifyAuthentication(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := requireField("email", req.Email); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Credential) == 0 {
		s.writeError(w, r, requireField("credential", ""))
		return
	}
	result, err := s.deps.Passkeys.FinishAuthentication(r.Context(), req.Email, s.origin(r), req.Credential)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": result.Bridge.Token})
}

func (s *Server) handleMagicLinkStart(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	issued, err := s.deps.MagicLinks.Issue(r.Context(), req.Email, storage.PurposeLogin)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requestView{RequestID: issued.RequestID, ExpiresAt: issued.ExpiresAt})
}

// handleMagicLinkVerify is the browser landing for an emailed link. It never
// renders a success body; the outcome is a redirect.
func (s *Server) handleMagicLinkVerify(w http.ResponseWriter, r *http.Request) {
	followed, err := s.deps.MagicLinks.Follow(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		s.redirectFailure(w, r, err)
		return
	}
	issued, err := s.deps.Sessions.Authorize(r.Context(), followed.Bridge.Token)
	if err != nil {
		s.redirectFailure(w, r, err)
		return
	}
	s.writeSessionCookie(w, r, issued)
	target := s.config.SuccessURL
	if target == "" {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (s *Server) redirectFailure(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	if code == apperrors.CodeUnknown {
		s.logger.ErrorContext(r.Context(), "follow magic link", "error", err)
		code = apperrors.CodeInternal
	} else {
		s.logger.InfoContext(r.Context(), "magic link rejected", "code", string(code))
	}
	base := s.config.FailureURL
	if base == "" {
		base = "/"
	}
	target, buildErr := magiclink.BuildURL(base, "", url.Values{"error": {string(code)}})
	if buildErr != nil {
		target = "/?error=" + url.QueryEscape(string(code))
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (s *Server) handleMagicLinkPoll(w http.ResponseWriter, r *http.Request) {
	polled, err := s.deps.MagicLinks.Poll(r.Context(), r.URL.Query().Get("requestId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view := map[string]any{"ready": polled.Ready}
	if polled.Ready {
		view["token"] = polled.Bridge.Token
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	started, err := s.deps.Registrations.Start(r.Context(), req.Name, req.Email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requestView{RequestID: started.RequestID, ExpiresAt: started.ExpiresAt})
}

func (s *Server) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	started, err := s.deps.Registrations.Resend(r.Context(), req.Email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requestView{RequestID: started.RequestID, ExpiresAt: started.ExpiresAt})
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	verified, err := s.deps.Registrations.Verify(r.Context(), query.Get("token"), query.Get("email"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if verified.AlreadyVerified {
		writeJSON(w, http.StatusOK, map[string]any{"verified": true, "alreadyVerified": true})
		return
	}
	issued, err := s.deps.Sessions.Authorize(r.Context(), verified.Bridge.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeSessionCookie(w, r, issued)
	writeJSON(w, http.StatusOK, map[string]any{"verified": true, "identity": viewIdentity(issued.Identity)})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	issued, err := s.deps.Sessions.Authorize(r.Context(), req.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeSessionCookie(w, r, issued)
	writeJSON(w, http.StatusOK, map[string]any{"identity": viewIdentity(issued.Identity), "expiresAt": issued.Session.ExpiresAt})
}

func (s *Server) handleReadSession(w http.ResponseWriter, r *http.Request) {
	found, ok := identityFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "identity": viewIdentity(found)})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if raw, ok := sessioncookie.Read(r); ok {
		if err := s.deps.Guard.Revoke(r.Context(), raw); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	sessioncookie.Clear(w, r, s.config.schemePolicy())
	writeJSON(w, http.StatusOK, map[string]bool{"loggedOut": true})
}

func (s *Server) writeSessionCookie(w http.ResponseWriter, r *http.Request, issued session.Issued) {
	sessioncookie.Write(w, r, issued.Token.Token, issued.Session.ExpiresAt, s.config.schemePolicy())
}
