// Package registration holds sign-ups until their email is confirmed and
// promotes them into identities.
//
// Per email the lifecycle is no registration, pending, then either promoted
// or expired. Starting again replaces the pending registration; resends are
// paced by a cooldown and reuse the request id the waiting tab polls.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
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
	"github.com/louisbranch/larder/internal/services/auth/magiclink"
	"github.com/louisbranch/larder/internal/services/auth/storage"
	"github.com/louisbranch/larder/internal/services/auth/token"
)

// Store is the identity and ledger persistence registration needs.
type Store interface {
	storage.IdentityStore
	storage.TokenLedger
}

// Sender stores and emails a verification link.
type Sender interface {
	Send(ctx context.Context, req magiclink.Request) (magiclink.Issued, error)
}

// BridgeMinter mints the hand-off token after promotion.
type BridgeMinter interface {
	MintBridge(identityID string) (token.Minted, error)
}

// Started is returned to the tab that submitted the sign-up.
type Started struct {
	RequestID string
	ExpiresAt time.Time
}

// Verified is the outcome of confirming an email.
type Verified struct {
	Identity identity.Identity
	// Bridge is empty when the registration had already been promoted.
	Bridge token.Minted
	// AlreadyVerified reports an idempotent re-submission.
	AlreadyVerified bool
}

// Service manages pending registrations.
type Service struct {
	store          Store
	pending        storage.PendingRegistrationStore
	sender         Sender
	minter         BridgeMinter
	config         Config
	clock          func() time.Time
	idGenerator    func() (string, error)
	tokenGenerator func() (string, error)
	logger         *slog.Logger
	tracer         trace.Tracer
}

// NewService builds a registration service. pending may live in a different
// backend from store.
func NewService(store Store, pending storage.PendingRegistrationStore, sender Sender, minter BridgeMinter, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:          store,
		pending:        pending,
		sender:         sender,
		minter:         minter,
		config:         cfg.withDefaults(),
		clock:          time.Now,
		idGenerator:    id.NewID,
		tokenGenerator: id.NewToken,
		logger:         logging.OrDiscard(logger),
		tracer:         platformotel.Tracer("larder/auth/registration"),
	}
}

// Start creates or replaces the pending registration for email and sends the
// verification email.
func (s *Service) Start(ctx context.Context, name string, email string) (_ Started, err error) {
	ctx, span := s.tracer.Start(ctx, "registration.Start")
	defer func() { endSpan(span, err) }()

	normalized, err := identity.NormalizeEmail(email)
	if err != nil {
		return Started{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Started{}, identity.ErrEmptyDisplayName
	}
	if err := identity.ValidateDisplayName(name); err != nil {
		return Started{}, err
	}

	if _, err := s.store.GetIdentityByEmail(ctx, normalized); err == nil {
		return Started{}, apperrors.New(apperrors.CodeEmailExists, "email is already registered")
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Started{}, fmt.Errorf("get identity by email: %w", err)
	}

	now := s.clock().UTC()
	var superseded string
	prior, err := s.livePending(ctx, normalized, now)
	switch {
	case err == nil:
		if err := s.checkCooldown(prior, now); err != nil {
			return Started{}, err
		}
		superseded = prior.Token
	case !errors.Is(err, storage.ErrNotFound):
		return Started{}, fmt.Errorf("get pending registration: %w", err)
	}

	issued, err := s.sender.Send(ctx, magiclink.Request{
		Email:   normalized,
		Name:    name,
		Purpose: storage.PurposeEmailVerification,
	})
	if err != nil {
		return Started{}, err
	}
	registration := storage.PendingRegistration{
		Email:          normalized,
		Name:           name,
		Token:          issued.Token,
		TokenExpiresAt: issued.ExpiresAt,
		RequestID:      issued.RequestID,
		LastSentAt:     now,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.config.TTL),
	}
	if err := s.pending.PutPendingRegistration(ctx, registration); err != nil {
		_ = s.store.DeleteToken(ctx, issued.Token)
		return Started{}, fmt.Errorf("store pending registration: %w", err)
	}
	if superseded != "" {
		if err := s.store.DeleteToken(ctx, superseded); err != nil {
			s.logger.WarnContext(ctx, "delete superseded verification token", "error", err)
		}
	}

	s.logger.InfoContext(ctx, "registration started", "request_id", issued.RequestID, "expires_at", registration.ExpiresAt)
	return Started{RequestID: issued.RequestID, ExpiresAt: issued.ExpiresAt}, nil
}

// Resend issues a fresh verification token under the same request id.
func (s *Service) Resend(ctx context.Context, email string) (_ Started, err error) {
	ctx, span := s.tracer.Start(ctx, "registration.Resend")
	defer func() { endSpan(span, err) }()

	normalized, err := identity.NormalizeEmail(email)
	if err != nil {
		return Started{}, err
	}
	now := s.clock().UTC()
	registration, err := s.livePending(ctx, normalized, now)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Started{}, apperrors.New(apperrors.CodeNotFound, "no pending registration for this email")
		}
		return Started{}, fmt.Errorf("get pending registration: %w", err)
	}
	if err := s.checkCooldown(registration, now); err != nil {
		return Started{}, err
	}

	superseded := registration.Token
	issued, err := s.sender.Send(ctx, magiclink.Request{
		Email:     normalized,
		Name:      registration.Name,
		Purpose:   storage.PurposeEmailVerification,
		RequestID: registration.RequestID,
	})
	if err != nil {
		return Started{}, err
	}
	registration.Token = issued.Token
	registration.TokenExpiresAt = issued.ExpiresAt
	registration.ResendCount++
	registration.LastSentAt = now
	if err := s.pending.PutPendingRegistration(ctx, registration); err != nil {
		return Started{}, fmt.Errorf("store pending registration: %w", err)
	}
	if err := s.store.DeleteToken(ctx, superseded); err != nil {
		s.logger.WarnContext(ctx, "delete superseded verification token", "error", err)
	}

	s.logger.InfoContext(ctx, "verification email resent", "request_id", registration.RequestID, "resend_count", registration.ResendCount)
	return Started{RequestID: registration.RequestID, ExpiresAt: issued.ExpiresAt}, nil
}

// Verify confirms email with a verification token and promotes the pending
// registration. Re-submitting after promotion reports AlreadyVerified.
func (s *Service) Verify(ctx context.Context, raw string, email string) (_ Verified, err error) {
	ctx, span := s.tracer.Start(ctx, "registration.Verify")
	defer func() { endSpan(span, err) }()

	normalized, err := identity.NormalizeEmail(email)
	if err != nil {
		return Verified{}, err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Verified{}, apperrors.New(apperrors.CodeInvalidToken, "token is required")
	}

	entry, err := s.store.GetToken(ctx, raw)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.promotedBy(ctx, raw, normalized)
		}
		return Verified{}, fmt.Errorf("get token: %w", err)
	}
	if entry.Purpose != storage.PurposeEmailVerification || entry.Email != normalized {
		return Verified{}, apperrors.New(apperrors.CodeInvalidToken, "verification token is invalid")
	}
	now := s.clock().UTC()
	if entry.UsedAt == nil && !now.Before(entry.ExpiresAt) {
		return Verified{}, apperrors.New(apperrors.CodeTokenExpired, "verification token expired")
	}
	if _, err := s.livePending(ctx, normalized, now); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.alreadyVerified(ctx, normalized, apperrors.New(apperrors.CodeNotFound, "no pending registration for this email"))
		}
		return Verified{}, fmt.Errorf("get pending registration: %w", err)
	}

	if _, err := s.store.MarkTokenUsed(ctx, raw, now); err != nil {
		switch {
		case errors.Is(err, storage.ErrTokenExpired):
			return Verified{}, apperrors.New(apperrors.CodeTokenExpired, "verification token expired")
		case errors.Is(err, storage.ErrTokenUsed), errors.Is(err, storage.ErrNotFound):
			return s.alreadyVerified(ctx, normalized, apperrors.New(apperrors.CodeTokenUsed, "verification token was already used"))
		default:
			return Verified{}, fmt.Errorf("consume verification token: %w", err)
		}
	}

	promoted, err := s.Promote(ctx, normalized, raw)
	if err != nil {
		return Verified{}, err
	}
	bridge, err := s.minter.MintBridge(promoted.ID)
	if err != nil {
		return Verified{}, fmt.Errorf("mint bridge token: %w", err)
	}
	return Verified{Identity: promoted, Bridge: bridge}, nil
}

// Promote creates the identity for a pending registration whose token was
// consumed. Identity creation is idempotent on email, so a concurrent
// promotion yields the same identity. The consumed token is replaced by a
// used login entry under the same request id so the waiting tab's poll
// resolves.
func (s *Service) Promote(ctx context.Context, email string, raw string) (_ identity.Identity, err error) {
	ctx, span := s.tracer.Start(ctx, "registration.Promote")
	defer func() { endSpan(span, err) }()

	now := s.clock().UTC()
	registration, err := s.livePending(ctx, email, now)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return identity.Identity{}, apperrors.New(apperrors.CodeNotFound, "no pending registration for this email")
		}
		return identity.Identity{}, fmt.Errorf("get pending registration: %w", err)
	}
	if registration.Token != raw {
		return identity.Identity{}, apperrors.New(apperrors.CodeInvalidToken, "verification token was superseded")
	}
	span.SetAttributes(attribute.String("larder.request_id", registration.RequestID))

	created, err := identity.CreateIdentity(identity.CreateIdentityInput{
		Email:       registration.Email,
		DisplayName: registration.Name,
		Verified:    true,
	}, s.clock, s.idGenerator)
	if err != nil {
		return identity.Identity{}, err
	}
	stored, err := s.store.CreateIdentity(ctx, created)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("create identity: %w", err)
	}
	if !stored.EmailVerified() {
		if err := s.store.MarkEmailVerified(ctx, stored.ID, now); err != nil {
			return identity.Identity{}, fmt.Errorf("mark email verified: %w", err)
		}
		stored.EmailVerifiedAt = &now
	}
	if err := s.pending.DeletePendingRegistration(ctx, registration.Email); err != nil {
		return identity.Identity{}, fmt.Errorf("delete pending registration: %w", err)
	}

	handoff, err := s.tokenGenerator()
	if err != nil {
		return identity.Identity{}, fmt.Errorf("generate hand-off token: %w", err)
	}
	// The hand-off entry is born used, so poll only honors its grace window.
	// It outlives the grace window until the verification link would have
	// expired, so a re-submitted link is still recognized.
	if err := s.store.ReplaceToken(ctx, raw, storage.LedgerEntry{
		Token:      handoff,
		RequestID:  registration.RequestID,
		Email:      registration.Email,
		Purpose:    storage.PurposeLogin,
		CreatedAt:  now,
		ExpiresAt:  later(now, registration.TokenExpiresAt),
		UsedAt:     &now,
		Supersedes: storage.TokenDigest(raw),
	}); err != nil {
		return identity.Identity{}, fmt.Errorf("store hand-off token: %w", err)
	}

	s.logger.InfoContext(ctx, "registration promoted", "identity_id", stored.ID, "request_id", registration.RequestID)
	return stored, nil
}

// livePending returns the pending registration for email unless it has
// passed its hard expiry.
func (s *Service) livePending(ctx context.Context, email string, now time.Time) (storage.PendingRegistration, error) {
	registration, err := s.pending.GetPendingRegistration(ctx, email)
	if err != nil {
		return storage.PendingRegistration{}, err
	}
	if !registration.ExpiresAt.After(now) {
		return storage.PendingRegistration{}, storage.ErrNotFound
	}
	return registration, nil
}

// promotedBy resolves a verification token that is no longer in the ledger.
// Only the token a promotion consumed reports AlreadyVerified.
func (s *Service) promotedBy(ctx context.Context, raw string, email string) (Verified, error) {
	invalid := apperrors.New(apperrors.CodeInvalidToken, "verification token is invalid")
	handoff, err := s.store.GetTokenBySuperseded(ctx, storage.TokenDigest(raw))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Verified{}, invalid
		}
		return Verified{}, fmt.Errorf("get hand-off token: %w", err)
	}
	if handoff.Email != email {
		return Verified{}, invalid
	}
	return s.alreadyVerified(ctx, email, invalid)
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// alreadyVerified reports success when the email already belongs to a
// verified identity, and fallback otherwise.
func (s *Service) alreadyVerified(ctx context.Context, email string, fallback error) (Verified, error) {
	found, err := s.store.GetIdentityByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Verified{}, fallback
		}
		return Verified{}, fmt.Errorf("get identity by email: %w", err)
	}
	if !found.EmailVerified() {
		return Verified{}, fallback
	}
	return Verified{Identity: found, AlreadyVerified: true}, nil
}

func (s *Service) checkCooldown(registration storage.PendingRegistration, now time.Time) error {
	elapsed := now.Sub(registration.LastSentAt)
	if elapsed >= s.config.ResendCooldown {
		return nil
	}
	remaining := int(math.Ceil((s.config.ResendCooldown - elapsed).Seconds()))
	return apperrors.WithMetadata(
		apperrors.CodeResendCooldown,
		"verification email was sent recently",
		map[string]string{"remainingSeconds": strconv.Itoa(remaining)},
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, string(apperrors.CodeOf(err)))
	}
	span.End()
}
