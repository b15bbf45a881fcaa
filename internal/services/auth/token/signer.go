package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/louisbranch/larder/internal/platform/errors"
	"github.com/louisbranch/larder/internal/platform/id"
)

const (
	// AudienceBridge marks a short-lived hand-off token.
	AudienceBridge = "bridge"
	// AudienceSession marks a session token whose jti is a web session id.
	AudienceSession = "session"

	defaultBridgeTTL = 5 * time.Minute
)

// Claims are the validated claims of a bridge or session token.
type Claims struct {
	Subject   string
	ID        string
	Audience  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Minted is a freshly signed token with its claims.
type Minted struct {
	Token  string
	Claims Claims
}

// Signer mints and verifies bridge and session tokens.
type Signer struct {
	issuer      string
	key         ed25519.PrivateKey
	bridgeTTL   time.Duration
	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewSigner builds a signer from configuration.
func NewSigner(cfg Config) (*Signer, error) {
	key, err := cfg.signingKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errors.New("token issuer is required")
	}
	ttl := cfg.BridgeTTL
	if ttl <= 0 {
		ttl = defaultBridgeTTL
	}
	return &Signer{
		issuer:      issuer,
		key:         key,
		bridgeTTL:   ttl,
		clock:       time.Now,
		idGenerator: id.NewID,
	}, nil
}

// PublicKey returns the verification key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// MintBridge signs a bridge token for an identity.
func (s *Signer) MintBridge(identityID string) (Minted, error) {
	jti, err := s.idGenerator()
	if err != nil {
		return Minted{}, fmt.Errorf("generate bridge token id: %w", err)
	}
	now := s.clock().UTC()
	return s.mint(AudienceBridge, identityID, jti, now, now.Add(s.bridgeTTL))
}

// ParseBridge verifies a bridge token.
func (s *Signer) ParseBridge(raw string) (Claims, error) {
	return s.parse(raw, AudienceBridge)
}

// MintSession signs a session token bound to a web session id.
func (s *Signer) MintSession(identityID, sessionID string, issuedAt, expiresAt time.Time) (Minted, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Minted{}, errors.New("session id is required")
	}
	return s.mint(AudienceSession, identityID, sessionID, issuedAt.UTC(), expiresAt.UTC())
}

// ParseSession verifies a session token.
func (s *Signer) ParseSession(raw string) (Claims, error) {
	return s.parse(raw, AudienceSession)
}

func (s *Signer) mint(audience, subject, jti string, issuedAt, expiresAt time.Time) (Minted, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Minted{}, errors.New("token subject is required")
	}
	registered := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		ID:        jti,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, registered).SignedString(s.key)
	if err != nil {
		return Minted{}, fmt.Errorf("sign %s token: %w", audience, err)
	}
	return Minted{
		Token: signed,
		Claims: Claims{
			Subject:   subject,
			ID:        jti,
			Audience:  audience,
			IssuedAt:  registered.IssuedAt.Time.UTC(),
			ExpiresAt: registered.ExpiresAt.Time.UTC(),
		},
	}, nil
}

func (s *Signer) parse(raw string, audience string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, apperrors.New(apperrors.CodeUnauthorized, audience+" token is required")
	}

	var parsed jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(*jwt.Token) (any, error) {
		return s.PublicKey(), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, mapJWTError(err, audience)
	}

	if parsed.Issuer != s.issuer {
		return Claims{}, apperrors.WithMetadata(apperrors.CodeUnauthorized, audience+" token issuer mismatch", map[string]string{"Field": "issuer"})
	}
	if !audienceContains(parsed.Audience, audience) {
		return Claims{}, apperrors.WithMetadata(apperrors.CodeUnauthorized, audience+" token audience mismatch", map[string]string{"Field": "audience"})
	}
	if strings.TrimSpace(parsed.Subject) == "" || parsed.ID == "" {
		return Claims{}, apperrors.New(apperrors.CodeUnauthorized, audience+" token is missing subject or jti")
	}
	if parsed.ExpiresAt == nil || parsed.IssuedAt == nil {
		return Claims{}, apperrors.New(apperrors.CodeUnauthorized, audience+" token is missing iat or exp")
	}
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(s.clock().UTC()) {
		return Claims{}, apperrors.New(apperrors.CodeUnauthorized, audience+" token is expired")
	}

	return Claims{
		Subject:   parsed.Subject,
		ID:        parsed.ID,
		Audience:  audience,
		IssuedAt:  parsed.IssuedAt.Time.UTC(),
		ExpiresAt: exp,
	}, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error, audience string) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return apperrors.Wrap(apperrors.CodeUnauthorized, audience+" token signature is invalid", err)
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.Wrap(apperrors.CodeUnauthorized, audience+" token alg is invalid", err)
	}
	return apperrors.Wrap(apperrors.CodeUnauthorized, audience+" token is invalid", err)
}

func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}
