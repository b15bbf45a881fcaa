package passkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/larder/internal/platform/errors"
	"github.com/louisbranch/larder/internal/platform/logging"
	platformotel "github.com/louisbranch/larder/internal/platform/otel"
	"github.com/louisbranch/larder/internal/services/auth/identity"
	"github.com/louisbranch/larder/internal/services/auth/storage"
	"github.com/louisbranch/larder/internal/services/auth/token"
)

// verifyFailedMessage is the only detail clients see for crypto failures.
const verifyFailedMessage = "passkey verification failed"

// Store is the persistence the ceremonies need.
type Store interface {
	storage.IdentityStore
	storage.ChallengeStore
	storage.CredentialStore
}

// BridgeMinter mints the hand-off token returned by a successful ceremony.
type BridgeMinter interface {
	MintBridge(identityID string) (token.Minted, error)
}

// Result is the outcome of a successful ceremony.
type Result struct {
	IdentityID   string
	CredentialID string
	Bridge       token.Minted
}

// Handler runs passkey ceremonies against the credential store.
type Handler struct {
	store     Store
	minter    BridgeMinter
	config    Config
	providers ProviderFactory
	parser    Parser
	clock     func() time.Time
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewHandler builds a handler backed by go-webauthn.
func NewHandler(store Store, minter BridgeMinter, cfg Config, logger *slog.Logger) *Handler {
	cfg = cfg.withDefaults()
	return &Handler{
		store:     store,
		minter:    minter,
		config:    cfg,
		providers: NewProviderFactory(cfg.RPDisplayName),
		parser:    defaultParser{},
		clock:     time.Now,
		logger:    logging.OrDiscard(logger),
		tracer:    platformotel.Tracer("larder/auth/passkey"),
	}
}

// BeginRegistration issues creation options for a signed-in identity and
// stores the challenge on it, replacing any pending one.
func (h *Handler) BeginRegistration(ctx context.Context, identityID string, origin string) (_ *protocol.PublicKeyCredentialCreationOptions, err error) {
	ctx, span := h.tracer.Start(ctx, "passkey.BeginRegistration", trace.WithAttributes(attribute.String("larder.identity_id", identityID)))
	defer func() { endSpan(span, err) }()

	rp, provider, err := h.provider(origin)
	if err != nil {
		return nil, err
	}
	base, err := h.store.GetIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.New(apperrors.CodeNotFound, "identity not found")
		}
		return nil, fmt.Errorf("get identity: %w", err)
	}
	user, err := h.loadPasskeyUser(ctx, base)
	if err != nil {
		return nil, err
	}

	options := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementPreferred),
	}
	if len(user.credentials) > 0 {
		options = append(options, webauthn.WithExclusions(webauthn.Credentials(user.credentials).CredentialDescriptors()))
	}
	creation, session, err := provider.BeginRegistration(user, options...)
	if err != nil {
		return nil, fmt.Errorf("begin passkey registration: %w", err)
	}
	if err := h.putChallenge(ctx, base.ID, identity.ChallengeKindRegistration, session); err != nil {
		return nil, err
	}

	h.logger.InfoContext(ctx, "passkey registration started", "identity_id", base.ID, "rp_id", rp.ID)
	return &creation.Response, nil
}

// FinishRegistration verifies an attestation against the pending challenge.
// The challenge is consumed before verification, so it is cleared whether
// or not verification succeeds.
func (h *Handler) FinishRegistration(ctx context.Context, identityID string, origin string, response []byte) (_ Result, err error) {
	ctx, span := h.tracer.Start(ctx, "passkey.FinishRegistration", trace.WithAttributes(attribute.String("larder.identity_id", identityID)))
	defer func() { endSpan(span, err) }()

	session, err := h.takeChallenge(ctx, identityID, identity.ChallengeKindRegistration)
	if err != nil {
		return Result{}, err
	}
	_, provider, err := h.provider(origin)
	if err != nil {
		return Result{}, err
	}
	base, err := h.store.GetIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Result{}, apperrors.New(apperrors.CodeNotFound, "identity not found")
		}
		return Result{}, fmt.Errorf("get identity: %w", err)
	}
	user, err := h.loadPasskeyUser(ctx, base)
	if err != nil {
		return Result{}, err
	}

	parsed, err := h.parser.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		return Result{}, h.verifyFailed(ctx, "parse attestation", err)
	}
	credential, err := provider.CreateCredential(user, session, parsed)
	if err != nil {
		return Result{}, h.verifyFailed(ctx, "verify attestation", err)
	}

	record, err := credentialRecord(base.ID, *credential)
	if err != nil {
		return Result{}, err
	}
	now := h.clock().UTC()
	record.CreatedAt = now
	record.UpdatedAt = now
	added, err := h.store.AddCredential(ctx, record)
	if err != nil {
		return Result{}, fmt.Errorf("store credential: %w", err)
	}
	if !base.EmailVerified() {
		if err := h.store.MarkEmailVerified(ctx, base.ID, now); err != nil {
			return Result{}, fmt.Errorf("mark email verified: %w", err)
		}
	}

	bridge, err := h.minter.MintBridge(base.ID)
	if err != nil {
		return Result{}, fmt.Errorf("mint bridge token: %w", err)
	}
	h.logger.InfoContext(ctx, "passkey registered", "identity_id", base.ID, "credential_id", record.CredentialID, "new", added)
	return Result{IdentityID: base.ID, CredentialID: record.CredentialID, Bridge: bridge}, nil
}

// BeginAuthentication issues request options restricted to the identity's
// credentials. Unknown emails and identities without passkeys get
// NO_PASSKEYS and no challenge is stored.
func (h *Handler) BeginAuthentication(ctx context.Context, email string, origin string) (_ *protocol.PublicKeyCredentialRequestOptions, err error) {
	ctx, span := h.tracer.Start(ctx, "passkey.BeginAuthentication")
	defer func() { endSpan(span, err) }()

	normalized, err := identity.NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	rp, provider, err := h.provider(origin)
	if err != nil {
		return nil, err
	}
	base, err := h.identityByEmail(ctx, normalized)
	if err != nil {
		return nil, err
	}
	user, err := h.loadPasskeyUser(ctx, base)
	if err != nil {
		return nil, err
	}
	if len(user.credentials) == 0 {
		return nil, noPasskeys()
	}

	assertion, session, err := provider.BeginLogin(user)
	if err != nil {
		return nil, fmt.Errorf("begin passkey login: %w", err)
	}
	if err := h.putChallenge(ctx, base.ID, identity.ChallengeKindAuthentication, session); err != nil {
		return nil, err
	}

	h.logger.InfoContext(ctx, "passkey authentication started", "identity_id", base.ID, "rp_id", rp.ID)
	return &assertion.Response, nil
}

// FinishAuthentication verifies an assertion against the pending challenge
// and records the new signature counter.
func (h *Handler) FinishAuthentication(ctx context.Context, email string, origin string, response []byte) (_ Result, err error) {
	ctx, span := h.tracer.Start(ctx, "passkey.FinishAuthentication")
	defer func() { endSpan(span, err) }()

	normalized, err := identity.NormalizeEmail(email)
	if err != nil {
		return Result{}, err
	}
	base, err := h.identityByEmail(ctx, normalized)
	if err != nil {
		return Result{}, err
	}
	span.SetAttributes(attribute.String("larder.identity_id", base.ID))

	session, challengeErr := h.takeChallenge(ctx, base.ID, identity.ChallengeKindAuthentication)
	user, err := h.loadPasskeyUser(ctx, base)
	if err != nil {
		return Result{}, err
	}
	if len(user.credentials) == 0 {
		return Result{}, noPasskeys()
	}
	if challengeErr != nil {
		return Result{}, challengeErr
	}
	_, provider, err := h.provider(origin)
	if err != nil {
		return Result{}, err
	}

	parsed, err := h.parser.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		return Result{}, h.verifyFailed(ctx, "parse assertion", err)
	}
	stored, ok := user.record(parsed.RawID)
	if !ok {
		return Result{}, h.verifyFailed(ctx, "match credential", fmt.Errorf("credential %s is not registered", encodeCredentialID(parsed.RawID)))
	}
	credential, err := provider.ValidateLogin(user, session, parsed)
	if err != nil {
		return Result{}, h.verifyFailed(ctx, "verify assertion", err)
	}
	if credential.Authenticator.CloneWarning {
		h.logger.WarnContext(ctx, "passkey signature counter regressed",
			"identity_id", base.ID,
			"credential_id", stored.CredentialID,
			"stored_count", stored.SignCount,
			"reported_count", credential.Authenticator.SignCount,
		)
		if !h.config.AllowClonedCounters {
			return Result{}, h.verifyFailed(ctx, "check signature counter", errors.New("signature counter regressed"))
		}
	}

	record, err := credentialRecord(base.ID, *credential)
	if err != nil {
		return Result{}, err
	}
	if err := h.store.RecordCredentialUse(ctx, record, h.clock().UTC()); err != nil {
		return Result{}, fmt.Errorf("record credential use: %w", err)
	}

	bridge, err := h.minter.MintBridge(base.ID)
	if err != nil {
		return Result{}, fmt.Errorf("mint bridge token: %w", err)
	}
	h.logger.InfoContext(ctx, "passkey authenticated", "identity_id", base.ID, "credential_id", record.CredentialID)
	return Result{IdentityID: base.ID, CredentialID: record.CredentialID, Bridge: bridge}, nil
}

func (h *Handler) provider(origin string) (RelyingParty, Provider, error) {
	rp, err := h.config.ResolveOrigin(origin)
	if err != nil {
		return RelyingParty{}, nil, apperrors.Wrap(apperrors.CodeVerifyFailed, verifyFailedMessage, err)
	}
	provider, err := h.providers(rp)
	if err != nil {
		return RelyingParty{}, nil, fmt.Errorf("configure webauthn for %s: %w", rp.ID, err)
	}
	return rp, provider, nil
}

func (h *Handler) identityByEmail(ctx context.Context, email string) (identity.Identity, error) {
	found, err := h.store.GetIdentityByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return identity.Identity{}, noPasskeys()
		}
		return identity.Identity{}, fmt.Errorf("get identity by email: %w", err)
	}
	return found, nil
}

func (h *Handler) putChallenge(ctx context.Context, identityID string, kind identity.ChallengeKind, session *webauthn.SessionData) error {
	if session == nil {
		return fmt.Errorf("session data is required")
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode challenge: %w", err)
	}
	challenge := identity.Challenge{
		Kind:        kind,
		SessionJSON: string(payload),
		ExpiresAt:   h.clock().UTC().Add(h.config.ChallengeTTL),
	}
	if err := h.store.PutChallenge(ctx, identityID, challenge); err != nil {
		return fmt.Errorf("store challenge: %w", err)
	}
	return nil
}

// takeChallenge consumes the pending challenge and checks its kind and expiry.
func (h *Handler) takeChallenge(ctx context.Context, identityID string, kind identity.ChallengeKind) (webauthn.SessionData, error) {
	challenge, err := h.store.TakeChallenge(ctx, identityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return webauthn.SessionData{}, apperrors.New(apperrors.CodeNoChallenge, "no pending passkey challenge")
		}
		return webauthn.SessionData{}, fmt.Errorf("take challenge: %w", err)
	}
	if challenge.Kind != kind {
		return webauthn.SessionData{}, apperrors.New(apperrors.CodeNoChallenge, "pending challenge belongs to another ceremony")
	}
	if challenge.Expired(h.clock().UTC()) {
		return webauthn.SessionData{}, apperrors.New(apperrors.CodeNoChallenge, "pending challenge expired")
	}
	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(challenge.SessionJSON), &session); err != nil {
		return webauthn.SessionData{}, fmt.Errorf("decode challenge: %w", err)
	}
	return session, nil
}

func (h *Handler) verifyFailed(ctx context.Context, step string, cause error) error {
	h.logger.InfoContext(ctx, "passkey verification failed", "step", step, "error", cause)
	return apperrors.Wrap(apperrors.CodeVerifyFailed, verifyFailedMessage, cause)
}

func noPasskeys() error {
	return apperrors.New(apperrors.CodeNoPasskeys, "no passkeys registered for this email")
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, string(apperrors.CodeOf(err)))
	}
	span.End()
}
