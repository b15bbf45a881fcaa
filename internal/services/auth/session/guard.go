package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/larder/internal/platform/logging"
	platformotel "github.com/louisbranch/larder/internal/platform/otel"
	"github.com/louisbranch/larder/internal/services/auth/identity"
	"github.com/louisbranch/larder/internal/services/auth/storage"
	"github.com/louisbranch/larder/internal/services/auth/token"
)

// Resolution is what a session token currently stands for. The zero value is
// an anonymous session.
type Resolution struct {
	Identity  identity.Identity
	SessionID string
	ExpiresAt time.Time
	// Refreshed is set when the session slid forward; the caller should hand
	// the new token back to the client.
	Refreshed *token.Minted
}

// Authenticated reports whether the resolution names an identity.
func (r Resolution) Authenticated() bool {
	return r.Identity.ID != ""
}

// Guard validates session tokens against live state.
type Guard struct {
	store  Store
	signer Signer
	config Config
	clock  func() time.Time
	logger *slog.Logger
	tracer trace.Tracer
}

// NewGuard builds a session guard.
func NewGuard(store Store, signer Signer, cfg Config, logger *slog.Logger) *Guard {
	return &Guard{
		store:  store,
		signer: signer,
		config: cfg.withDefaults(),
		clock:  time.Now,
		logger: logging.OrDiscard(logger),
		tracer: platformotel.Tracer("larder/auth/session"),
	}
}

// Resolve re-validates a session token. Bad, expired or revoked sessions and
// sessions whose identity was deleted resolve anonymous without an error;
// only store failures are returned.
func (g *Guard) Resolve(ctx context.Context, raw string) (_ Resolution, err error) {
	ctx, span := g.tracer.Start(ctx, "session.Resolve")
	defer func() { endSpan(span, err) }()

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Resolution{}, nil
	}
	claims, err := g.signer.ParseSession(raw)
	if err != nil {
		g.logger.DebugContext(ctx, "session token rejected", "error", err)
		return Resolution{}, nil
	}

	now := g.clock().UTC()
	record, err := g.store.GetWebSession(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Resolution{}, nil
		}
		return Resolution{}, fmt.Errorf("get web session: %w", err)
	}
	if !record.Active(now) || record.IdentityID != claims.Subject {
		return Resolution{}, nil
	}

	owner, err := g.store.GetIdentity(ctx, record.IdentityID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return Resolution{}, fmt.Errorf("get identity: %w", err)
		}
		if err := g.store.RevokeWebSession(ctx, record.ID, now); err != nil && !errors.Is(err, storage.ErrNotFound) {
			g.logger.WarnContext(ctx, "revoke orphaned web session", "session_id", record.ID, "error", err)
		}
		g.logger.InfoContext(ctx, "session identity no longer exists", "identity_id", record.IdentityID, "session_id", record.ID)
		return Resolution{}, nil
	}

	resolved := Resolution{Identity: owner, SessionID: record.ID, ExpiresAt: record.ExpiresAt}
	if now.Sub(claims.IssuedAt) < g.config.RefreshInterval {
		return resolved, nil
	}

	expiresAt := now.Add(g.config.TTL)
	if err := g.store.ExtendWebSession(ctx, record.ID, expiresAt); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Revoked between the read and the extension.
			return Resolution{}, nil
		}
		return Resolution{}, fmt.Errorf("extend web session: %w", err)
	}
	minted, err := g.signer.MintSession(owner.ID, record.ID, now, expiresAt)
	if err != nil {
		return Resolution{}, fmt.Errorf("mint session token: %w", err)
	}
	resolved.ExpiresAt = expiresAt
	resolved.Refreshed = &minted
	g.logger.DebugContext(ctx, "web session refreshed", "session_id", record.ID, "expires_at", expiresAt)
	return resolved, nil
}

// Revoke ends the web session behind a session token. Unknown or invalid
// tokens are ignored so logout always succeeds.
func (g *Guard) Revoke(ctx context.Context, raw string) (err error) {
	ctx, span := g.tracer.Start(ctx, "session.Revoke")
	defer func() { endSpan(span, err) }()

	claims, err := g.signer.ParseSession(strings.TrimSpace(raw))
	if err != nil {
		return nil
	}
	if err := g.store.RevokeWebSession(ctx, claims.ID, g.clock().UTC()); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("revoke web session: %w", err)
	}
	g.logger.InfoContext(ctx, "web session revoked", "session_id", claims.ID)
	return nil
}
