package identity

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/louisbranch/larder/internal/platform/errors"
	"github.com/louisbranch/larder/internal/platform/id"
	"golang.org/x/net/idna"
)

// MaxDisplayNameLength bounds display names in runes.
const MaxDisplayNameLength = 100

var (
	// ErrEmptyEmail indicates a missing email address.
	ErrEmptyEmail = apperrors.WithMetadata(apperrors.CodeInvalidRequest, "email is required", map[string]string{"Field": "email"})
	// ErrInvalidEmail indicates an address that cannot be parsed.
	ErrInvalidEmail = apperrors.WithMetadata(apperrors.CodeInvalidRequest, "email is invalid", map[string]string{"Field": "email"})
	// ErrEmptyDisplayName indicates a missing display name.
	ErrEmptyDisplayName = apperrors.WithMetadata(apperrors.CodeInvalidRequest, "name is required", map[string]string{"Field": "name"})
	// ErrDisplayNameTooLong indicates a display name over MaxDisplayNameLength.
	ErrDisplayNameTooLong = apperrors.WithMetadata(apperrors.CodeInvalidRequest, "name is too long", map[string]string{"Field": "name"})
)

// Identity is a single account keyed by a unique email address.
type Identity struct {
	ID              string
	Email           string
	DisplayName     string
	EmailVerifiedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EmailVerified reports whether the identity proved control of its email.
func (i Identity) EmailVerified() bool {
	return i.EmailVerifiedAt != nil
}

// ChallengeKind names the ceremony a pending challenge belongs to.
type ChallengeKind string

const (
	ChallengeKindRegistration   ChallengeKind = "registration"
	ChallengeKindAuthentication ChallengeKind = "authentication"
)

// Challenge is the single pending WebAuthn challenge held by an identity.
// SessionJSON is the serialized ceremony state produced when the challenge
// was issued.
type Challenge struct {
	Kind        ChallengeKind
	SessionJSON string
	ExpiresAt   time.Time
}

// Expired reports whether the challenge can no longer be consumed at now.
func (c Challenge) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// CreateIdentityInput describes the data needed to create an identity.
type CreateIdentityInput struct {
	Email       string
	DisplayName string
	// Verified marks the email as verified at creation time.
	Verified bool
}

// CreateIdentity creates a new identity from validated input.
func CreateIdentity(input CreateIdentityInput, now func() time.Time, idGenerator func() (string, error)) (Identity, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	email, err := NormalizeEmail(input.Email)
	if err != nil {
		return Identity{}, err
	}
	name := strings.TrimSpace(input.DisplayName)
	if name == "" {
		name = DefaultDisplayName(email)
	}
	if err := ValidateDisplayName(name); err != nil {
		return Identity{}, err
	}

	identityID, err := idGenerator()
	if err != nil {
		return Identity{}, fmt.Errorf("generate identity id: %w", err)
	}

	createdAt := now().UTC()
	created := Identity{
		ID:          identityID,
		Email:       email,
		DisplayName: name,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
	if input.Verified {
		verifiedAt := createdAt
		created.EmailVerifiedAt = &verifiedAt
	}
	return created, nil
}

// NormalizeEmail trims and lower-cases an address and converts an
// internationalized domain to its ASCII form.
func NormalizeEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmptyEmail
	}
	parsed, err := mail.ParseAddress(raw)
	if err != nil {
		return "", ErrInvalidEmail
	}
	// Reject display-name forms such as "Ada <ada@example.com>".
	if parsed.Name != "" || parsed.Address != raw {
		return "", ErrInvalidEmail
	}
	at := strings.LastIndex(parsed.Address, "@")
	if at <= 0 || at == len(parsed.Address)-1 {
		return "", ErrInvalidEmail
	}
	local := parsed.Address[:at]
	domain, err := idna.Lookup.ToASCII(parsed.Address[at+1:])
	if err != nil || !strings.Contains(domain, ".") {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(local + "@" + domain), nil
}

// ValidateDisplayName enforces display name constraints.
func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyDisplayName
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return ErrDisplayNameTooLong
	}
	return nil
}

// DefaultDisplayName derives a display name from the local part of an email.
func DefaultDisplayName(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}
