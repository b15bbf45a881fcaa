package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
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
	"github.com/louisbranch/larder/internal/services/auth/storage"
	"github.com/louisbranch/larder/internal/services/auth/token"
)

// Store is the persistence sessions need.
type Store interface {
	storage.IdentityStore
	storage.TokenLedger
	storage.WebSessionStore
}

// Signer verifies bridge tokens and signs session tokens.
type Signer interface {
	ParseBridge(raw string) (token.Claims, error)
	MintSession(identityID, sessionID string, issuedAt, expiresAt time.Time) (token.Minted, error)
	ParseSession(raw string) (token.Claims, error)
}

// GraceChecker decides whether a consumed login entry may still be redeemed.
type GraceChecker interface {
	InGrace(entry storage.LedgerEntry, now time.Time) bool
}

// Issued is a freshly created web session.
type Issued struct {
	Identity identity.Identity
	Session  storage.WebSession
	Token    token.Minted
}

// Issuer creates web sessions from ceremony proofs.
type Issuer struct {
	store       Store
	signer      Signer
	grace       GraceChecker
	config      Config
	clock       func() time.Time
	idGenerator func() (string, error)
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewIssuer builds a session issuer. grace is only consulted when the ledger
// fallback is enabled and may be nil otherwise.
func NewIssuer(store Store, signer Signer, grace GraceChecker, cfg Config, logger *slog.Logger) *Issuer {
	return &Issuer{
		store:       store,
		signer:      signer,
		grace:       grace,
		config:      cfg.withDefaults(),
		clock:       time.Now,
		idGenerator: id.NewID,
		logger:      logging.OrDiscard(logger),
		tracer:      platformotel.Tracer("larder/auth/session"),
	}
}

// Authorize exchanges a bridge token, or with the ledger fallback enabled a
// recently consumed login ledger token, for a new web session.
func (i *Issuer) Authorize(ctx context.Context, raw string) (_ Issued, err error) {
	ctx, span := i.tracer.Start(ctx, "session.Authorize")
	defer func() { endSpan(span, err) }()

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Issued{}, unauthorized()
	}

	found, path, err := i.identityFor(ctx, raw)
	if err != nil {
		return Issued{}, err
	}
	span.SetAttributes(attribute.String("larder.session.path", path))
	return i.Open(ctx, found)
}

// Open persists a web session for an identity that has already proven
// itself and signs its session token.
func (i *Issuer) Open(ctx context.Context, owner identity.Identity) (Issued, error) {
	sessionID, err := i.idGenerator()
	if err != nil {
		return Issued{}, fmt.Errorf("generate session id: %w", err)
	}
	now := i.clock().UTC()
	record := storage.WebSession{
		ID:         sessionID,
		IdentityID: owner.ID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(i.config.TTL),
	}
	if err := i.store.PutWebSession(ctx, record); err != nil {
		return Issued{}, fmt.Errorf("store web session: %w", err)
	}
	minted, err := i.signer.MintSession(owner.ID, record.ID, now, record.ExpiresAt)
	if err != nil {
		return Issued{}, fmt.Errorf("mint session token: %w", err)
	}
	i.logger.InfoContext(ctx, "web session opened", "identity_id", owner.ID, "session_id", record.ID, "expires_at", record.ExpiresAt)
	return Issued{Identity: owner, Session: record, Token: minted}, nil
}

// identityFor resolves the identity behind raw and names the path that
// accepted it.
func (i *Issuer) identityFor(ctx context.Context, raw string) (identity.Identity, string, error) {
	claims, bridgeErr := i.signer.ParseBridge(raw)
	if bridgeErr == nil {
		found, err := i.store.GetIdentity(ctx, claims.Subject)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				i.logger.WarnContext(ctx, "bridge token for missing identity", "identity_id", claims.Subject)
				return identity.Identity{}, "", unauthorized()
			}
			return identity.Identity{}, "", fmt.Errorf("get identity: %w", err)
		}
		return found, "bridge", nil
	}
	if !i.config.LedgerFallback || i.grace == nil {
		return identity.Identity{}, "", apperrors.Wrap(apperrors.CodeUnauthorized, "session credentials rejected", bridgeErr)
	}

	entry, err := i.store.GetToken(ctx, raw)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return identity.Identity{}, "", unauthorized()
		}
		return identity.Identity{}, "", fmt.Errorf("get token: %w", err)
	}
	if entry.Purpose != storage.PurposeLogin || !i.grace.InGrace(entry, i.clock().UTC()) {
		i.logger.InfoContext(ctx, "ledger token not redeemable", logging.Token("token", raw), "purpose", string(entry.Purpose))
		return identity.Identity{}, "", unauthorized()
	}
	found, err := i.store.GetIdentityByEmail(ctx, entry.Email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return identity.Identity{}, "", unauthorized()
		}
		return identity.Identity{}, "", fmt.Errorf("get identity by email: %w", err)
	}
	return found, "ledger", nil
}

func unauthorized() error {
	return apperrors.New(apperrors.CodeUnauthorized, "session credentials rejected")
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, string(apperrors.CodeOf(err)))
	}
	span.End()
}
