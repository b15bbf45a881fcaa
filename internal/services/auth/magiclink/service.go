package magiclink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/larder/internal/platform/errors"
	"github.com/louisbranch/larder/internal/platform/id"
	"github.com/louisbranch/larder/internal/platform/logging"
	platformotel "github.com/louisbranch/larder/internal/platform/otel"
	"github.com/louisbranch/larder/internal/services/auth/identity"
	"github.com/louisbranch/larder/internal/services/auth/mail"
	"github.com/louisbranch/larder/internal/services/auth/storage"
	"github.com/louisbranch/larder/internal/services/auth/token"
)

const (
	// VerifyPath is the endpoint login links point at.
	VerifyPath = "/magic-link/verify"
	// RegistrationPath is the endpoint verification links point at.
	RegistrationPath = "/verify-registration"
)

// Store is the persistence magic links need.
type Store interface {
	storage.IdentityStore
	storage.TokenLedger
}

// BridgeMinter mints the hand-off token for a signed-in identity.
type BridgeMinter interface {
	MintBridge(identityID string) (token.Minted, error)
}

// Promoter turns a verified pending registration into an identity.
type Promoter interface {
	Promote(ctx context.Context, email string, token string) (identity.Identity, error)
}

// Request describes an emailed link.
type Request struct {
	Email   string
	Purpose storage.TokenPurpose
	// Name addresses the recipient of a verification email.
	Name string
	// RequestID reuses an existing poll handle; empty allocates a new one.
	RequestID string
}

// Issued is a link that was stored and emailed.
type Issued struct {
	Token     string
	RequestID string
	ExpiresAt time.Time
}

// FollowResult is the outcome of a followed link.
type FollowResult struct {
	Identity identity.Identity
	Purpose  storage.TokenPurpose
	Bridge   token.Minted
}

// PollResult is what a waiting tab sees.
type PollResult struct {
	Ready  bool
	Bridge token.Minted
}

// Service issues, follows and polls magic links.
type Service struct {
	store          Store
	mailer         mail.Mailer
	minter         BridgeMinter
	promoter       Promoter
	config         Config
	clock          func() time.Time
	idGenerator    func() (string, error)
	tokenGenerator func() (string, error)
	logger         *slog.Logger
	tracer         trace.Tracer
}

// NewService builds a magic link service.
func NewService(store Store, mailer mail.Mailer, minter BridgeMinter, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:          store,
		mailer:         mailer,
		minter:         minter,
		config:         cfg.withDefaults(),
		clock:          time.Now,
		idGenerator:    id.NewID,
		tokenGenerator: id.NewToken,
		logger:         logging.OrDiscard(logger),
		tracer:         platformotel.Tracer("larder/auth/magiclink"),
	}
}

// SetPromoter installs the registration promoter used when a followed link
// carries an email-verification token.
func (s *Service) SetPromoter(promoter Promoter) {
	s.promoter = promoter
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.config
}

// Issue stores a new ledger entry for email and emails its link.
func (s *Service) Issue(ctx context.Context, email string, purpose storage.TokenPurpose) (Issued, error) {
	return s.Send(ctx, Request{Email: email, Purpose: purpose})
}

// Send stores a ledger entry for req and emails its link. A delivery
// failure removes the entry and is reported as EMAIL_DELIVERY_FAILED.
func (s *Service) Send(ctx context.Context, req Request) (_ Issued, err error) {
	ctx, span := s.tracer.Start(ctx, "magiclink.Send", trace.WithAttributes(attribute.String("larder.purpose", string(req.Purpose))))
	defer func() { endSpan(span, err) }()

	email, err := identity.NormalizeEmail(req.Email)
	if err != nil {
		return Issued{}, err
	}
	switch req.Purpose {
	case storage.PurposeLogin:
		if !s.config.AutoCreate {
			if _, err := s.store.GetIdentityByEmail(ctx, email); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return Issued{}, apperrors.New(apperrors.CodeNotFound, "no account for this email")
				}
				return Issued{}, fmt.Errorf("get identity by email: %w", err)
			}
		}
	case storage.PurposeEmailVerification:
	default:
		return Issued{}, apperrors.WithMetadata(apperrors.CodeInvalidRequest, "unknown token purpose", map[string]string{"Field": "purpose"})
	}

	secret, err := s.tokenGenerator()
	if err != nil {
		return Issued{}, fmt.Errorf("generate magic link token: %w", err)
	}
	requestID := strings.TrimSpace(req.RequestID)
	if requestID == "" {
		requestID, err = s.idGenerator()
		if err != nil {
			return Issued{}, fmt.Errorf("generate request id: %w", err)
		}
	}
	now := s.clock().UTC()
	entry := storage.LedgerEntry{
		Token:     secret,
		RequestID: requestID,
		Email:     email,
		Purpose:   req.Purpose,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.TTL),
	}
	if err := s.store.PutToken(ctx, entry); err != nil {
		return Issued{}, fmt.Errorf("store magic link: %w", err)
	}

	msg, err := s.message(entry, req.Name)
	if err != nil {
		_ = s.store.DeleteToken(ctx, secret)
		return Issued{}, err
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		if delErr := s.store.DeleteToken(ctx, secret); delErr != nil {
			s.logger.WarnContext(ctx, "delete undelivered magic link", "request_id", requestID, "error", delErr)
		}
		s.logger.WarnContext(ctx, "magic link delivery failed", "request_id", requestID, "purpose", string(req.Purpose), "error", err)
		return Issued{}, apperrors.Wrap(apperrors.CodeEmailDeliveryFailed, "send magic link", err)
	}

	s.logger.InfoContext(ctx, "magic link issued",
		"request_id", requestID,
		"purpose", string(req.Purpose),
		logging.Token("token", secret),
		"expires_at", entry.ExpiresAt,
	)
	return Issued{Token: secret, RequestID: requestID, ExpiresAt: entry.ExpiresAt}, nil
}

// Follow consumes a link token. Only the first caller succeeds.
func (s *Service) Follow(ctx context.Context, raw string) (_ FollowResult, err error) {
	ctx, span := s.tracer.Start(ctx, "magiclink.Follow")
	defer func() { endSpan(span, err) }()

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return FollowResult{}, apperrors.New(apperrors.CodeInvalidToken, "token is required")
	}
	now := s.clock().UTC()
	entry, err := s.store.MarkTokenUsed(ctx, raw, now)
	if err != nil {
		return FollowResult{}, ledgerError(err)
	}
	span.SetAttributes(attribute.String("larder.request_id", entry.RequestID))

	var resolved identity.Identity
	switch entry.Purpose {
	case storage.PurposeEmailVerification:
		if s.promoter == nil {
			return FollowResult{}, apperrors.New(apperrors.CodeInvalidToken, "verification links are not accepted here")
		}
		resolved, err = s.promoter.Promote(ctx, entry.Email, entry.Token)
		if err != nil {
			return FollowResult{}, err
		}
	default:
		resolved, err = s.resolveIdentity(ctx, entry.Email)
		if err != nil {
			return FollowResult{}, err
		}
		if !resolved.EmailVerified() {
			if err := s.store.MarkEmailVerified(ctx, resolved.ID, now); err != nil {
				return FollowResult{}, fmt.Errorf("mark email verified: %w", err)
			}
			resolved.EmailVerifiedAt = &now
		}
	}

	bridge, err := s.minter.MintBridge(resolved.ID)
	if err != nil {
		return FollowResult{}, fmt.Errorf("mint bridge token: %w", err)
	}
	s.logger.InfoContext(ctx, "magic link followed", "request_id", entry.RequestID, "identity_id", resolved.ID, "purpose", string(entry.Purpose))
	return FollowResult{Identity: resolved, Purpose: entry.Purpose, Bridge: bridge}, nil
}

// Poll reports whether the link behind requestID has been followed. Every
// poll inside the grace window after use receives a bridge token.
func (s *Service) Poll(ctx context.Context, requestID string) (_ PollResult, err error) {
	ctx, span := s.tracer.Start(ctx, "magiclink.Poll")
	defer func() { endSpan(span, err) }()

	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return PollResult{}, apperrors.WithMetadata(apperrors.CodeInvalidRequest, "request id is required", map[string]string{"Field": "requestId"})
	}
	entry, err := s.store.GetTokenByRequestID(ctx, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return PollResult{}, apperrors.New(apperrors.CodeNotFound, "magic link request not found")
		}
		return PollResult{}, fmt.Errorf("get magic link request: %w", err)
	}

	now := s.clock().UTC()
	if entry.UsedAt == nil {
		if now.Before(entry.ExpiresAt) {
			return PollResult{Ready: false}, nil
		}
		return PollResult{}, apperrors.New(apperrors.CodeTokenExpired, "magic link expired")
	}
	if now.After(entry.UsedAt.Add(s.config.Grace)) {
		return PollResult{}, apperrors.New(apperrors.CodeTokenExpired, "magic link grace window elapsed")
	}

	found, err := s.store.GetIdentityByEmail(ctx, entry.Email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return PollResult{}, apperrors.New(apperrors.CodeNotFound, "identity not found")
		}
		return PollResult{}, fmt.Errorf("get identity by email: %w", err)
	}
	bridge, err := s.minter.MintBridge(found.ID)
	if err != nil {
		return PollResult{}, fmt.Errorf("mint bridge token: %w", err)
	}
	return PollResult{Ready: true, Bridge: bridge}, nil
}

// InGrace reports whether a used login entry may still be redeemed at now.
func (s *Service) InGrace(entry storage.LedgerEntry, now time.Time) bool {
	return entry.UsedAt != nil && !now.After(entry.UsedAt.Add(s.config.Grace))
}

func (s *Service) resolveIdentity(ctx context.Context, email string) (identity.Identity, error) {
	found, err := s.store.GetIdentityByEmail(ctx, email)
	if err == nil {
		return found, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return identity.Identity{}, fmt.Errorf("get identity by email: %w", err)
	}
	if !s.config.AutoCreate {
		return identity.Identity{}, apperrors.New(apperrors.CodeNotFound, "no account for this email")
	}
	created, err := identity.CreateIdentity(identity.CreateIdentityInput{Email: email, Verified: true}, s.clock, s.idGenerator)
	if err != nil {
		return identity.Identity{}, err
	}
	stored, err := s.store.CreateIdentity(ctx, created)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("create identity: %w", err)
	}
	s.logger.InfoContext(ctx, "identity created from magic link", "identity_id", stored.ID)
	return stored, nil
}

func (s *Service) message(entry storage.LedgerEntry, name string) (mail.Message, error) {
	if entry.Purpose == storage.PurposeEmailVerification {
		link, err := BuildURL(s.config.BaseURL, RegistrationPath, url.Values{"token": {entry.Token}, "email": {entry.Email}})
		if err != nil {
			return mail.Message{}, fmt.Errorf("build verification url: %w", err)
		}
		if strings.TrimSpace(name) == "" {
			name = identity.DefaultDisplayName(entry.Email)
		}
		return mail.VerificationMessage(entry.Email, name, link, entry.ExpiresAt)
	}
	link, err := BuildURL(s.config.BaseURL, VerifyPath, url.Values{"token": {entry.Token}})
	if err != nil {
		return mail.Message{}, fmt.Errorf("build magic link url: %w", err)
	}
	return mail.MagicLinkMessage(entry.Email, link, entry.ExpiresAt)
}

// BuildURL joins path onto base and merges params into its query.
func BuildURL(base string, path string, params url.Values) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", fmt.Errorf("base url is required")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if path != "" {
		parsed = parsed.JoinPath(path)
	}
	query := parsed.Query()
	for key, values := range params {
		for _, value := range values {
			query.Add(key, value)
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// ledgerError maps ledger sentinels to client-facing codes.
func ledgerError(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return apperrors.New(apperrors.CodeInvalidToken, "magic link is invalid")
	case errors.Is(err, storage.ErrTokenUsed):
		return apperrors.New(apperrors.CodeTokenUsed, "magic link was already used")
	case errors.Is(err, storage.ErrTokenExpired):
		return apperrors.New(apperrors.CodeTokenExpired, "magic link expired")
	default:
		return fmt.Errorf("consume magic link: %w", err)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, string(apperrors.CodeOf(err)))
	}
	span.End()
}
