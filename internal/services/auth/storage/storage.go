package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	apperrors "github.com/louisbranch/larder/internal/platform/errors"
	"github.com/louisbranch/larder/internal/services/auth/identity"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")
	// ErrTokenUsed indicates a ledger entry was already consumed.
	ErrTokenUsed = apperrors.New(apperrors.CodeTokenUsed, "token already used")
	// ErrTokenExpired indicates a ledger entry is past its expiry.
	ErrTokenExpired = apperrors.New(apperrors.CodeTokenExpired, "token expired")
)

// IdentityStore persists identities keyed by unique email.
type IdentityStore interface {
	// CreateIdentity inserts the identity unless its email is already owned,
	// and returns the stored identity either way.
	CreateIdentity(ctx context.Context, created identity.Identity) (identity.Identity, error)
	GetIdentity(ctx context.Context, identityID string) (identity.Identity, error)
	GetIdentityByEmail(ctx context.Context, email string) (identity.Identity, error)
	// MarkEmailVerified sets the verification time when it is not set yet.
	MarkEmailVerified(ctx context.Context, identityID string, verifiedAt time.Time) error
	DeleteIdentity(ctx context.Context, identityID string) error
}

// ChallengeStore persists the single pending WebAuthn challenge per identity.
type ChallengeStore interface {
	// PutChallenge stores the challenge, replacing any pending one.
	PutChallenge(ctx context.Context, identityID string, challenge identity.Challenge) error
	// TakeChallenge reads and clears the pending challenge in one step.
	// Concurrent callers never both receive the same challenge.
	TakeChallenge(ctx context.Context, identityID string) (identity.Challenge, error)
}

// PasskeyCredential stores a WebAuthn credential for an identity.
type PasskeyCredential struct {
	CredentialID   string // base64url
	IdentityID     string
	PublicKey      []byte
	SignCount      uint32
	Transports     []string
	CredentialJSON string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastUsedAt     *time.Time
}

// CredentialStore persists passkey credentials.
type CredentialStore interface {
	ListCredentials(ctx context.Context, identityID string) ([]PasskeyCredential, error)
	// AddCredential inserts the credential and reports whether it was new.
	// Re-adding an existing credential id is a no-op.
	AddCredential(ctx context.Context, credential PasskeyCredential) (bool, error)
	// RecordCredentialUse stores the latest credential state. The stored
	// signature counter never decreases.
	RecordCredentialUse(ctx context.Context, credential PasskeyCredential, usedAt time.Time) error
}

// TokenPurpose scopes what a ledger entry may be redeemed for.
type TokenPurpose string

const (
	PurposeLogin             TokenPurpose = "login"
	PurposeEmailVerification TokenPurpose = "email-verification"
)

// LedgerEntry is a single-use emailed token.
type LedgerEntry struct {
	Token     string
	RequestID string
	Email     string
	Purpose   TokenPurpose
	CreatedAt time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time
	// Supersedes is the TokenDigest of the entry this one replaced.
	Supersedes string
}

// TokenDigest returns the hex SHA-256 of a raw token.
func TokenDigest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Used reports whether the entry was consumed.
func (e LedgerEntry) Used() bool {
	return e.UsedAt != nil
}

// TokenLedger persists emailed tokens.
type TokenLedger interface {
	PutToken(ctx context.Context, entry LedgerEntry) error
	GetToken(ctx context.Context, token string) (LedgerEntry, error)
	// GetTokenByRequestID returns the newest entry for a request id.
	GetTokenByRequestID(ctx context.Context, requestID string) (LedgerEntry, error)
	// MarkTokenUsed consumes an unused, unexpired entry atomically. It returns
	// ErrNotFound, ErrTokenUsed or ErrTokenExpired when it cannot.
	MarkTokenUsed(ctx context.Context, token string, usedAt time.Time) (LedgerEntry, error)
	// GetTokenBySuperseded returns the entry whose Supersedes matches digest.
	GetTokenBySuperseded(ctx context.Context, digest string) (LedgerEntry, error)
	// ReplaceToken deletes oldToken and stores next in one transaction.
	ReplaceToken(ctx context.Context, oldToken string, next LedgerEntry) error
	DeleteToken(ctx context.Context, token string) error
	DeleteExpiredTokens(ctx context.Context, before time.Time) (int64, error)
}

// PendingRegistration is an unverified sign-up awaiting email confirmation.
type PendingRegistration struct {
	Email          string
	Name           string
	Token          string
	TokenExpiresAt time.Time
	RequestID      string
	ResendCount    int
	LastSentAt     time.Time
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// PendingRegistrationStore persists pending registrations keyed by email.
type PendingRegistrationStore interface {
	// PutPendingRegistration stores the registration, replacing any prior one
	// for the same email.
	PutPendingRegistration(ctx context.Context, registration PendingRegistration) error
	GetPendingRegistration(ctx context.Context, email string) (PendingRegistration, error)
	DeletePendingRegistration(ctx context.Context, email string) error
	DeleteExpiredPendingRegistrations(ctx context.Context, now time.Time) (int64, error)
}

// WebSession is the persisted row behind a session token.
type WebSession struct {
	ID         string
	IdentityID string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
}

// Active reports whether the session may authenticate requests at now.
func (s WebSession) Active(now time.Time) bool {
	return s.RevokedAt == nil && s.ExpiresAt.After(now)
}

// WebSessionStore persists web sessions.
type WebSessionStore interface {
	PutWebSession(ctx context.Context, session WebSession) error
	GetWebSession(ctx context.Context, sessionID string) (WebSession, error)
	ExtendWebSession(ctx context.Context, sessionID string, expiresAt time.Time) error
	RevokeWebSession(ctx context.Context, sessionID string, revokedAt time.Time) error
	RevokeIdentitySessions(ctx context.Context, identityID string, revokedAt time.Time) error
	DeleteExpiredWebSessions(ctx context.Context, now time.Time) (int64, error)
}
