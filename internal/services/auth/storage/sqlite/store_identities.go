package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/larder/internal/services/auth/identity"
	"github.com/louisbranch/larder/internal/services/auth/storage"
)

const identityColumns = `id, email, display_name, email_verified_at, created_at, updated_at`

// CreateIdentity inserts an identity unless the email is taken and returns
// the stored row.
func (s *Store) CreateIdentity(ctx context.Context, created identity.Identity) (identity.Identity, error) {
	if err := s.ready(ctx); err != nil {
		return identity.Identity{}, err
	}
	if strings.TrimSpace(created.ID) == "" {
		return identity.Identity{}, fmt.Errorf("identity id is required")
	}
	if strings.TrimSpace(created.Email) == "" {
		return identity.Identity{}, fmt.Errorf("email is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO identities (id, email, display_name, email_verified_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (email) DO NOTHING`,
		created.ID,
		created.Email,
		created.DisplayName,
		toNullMillis(created.EmailVerifiedAt),
		toMillis(created.CreatedAt),
		toMillis(created.UpdatedAt),
	)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("insert identity: %w", err)
	}
	return s.GetIdentityByEmail(ctx, created.Email)
}

// GetIdentity fetches an identity by id.
func (s *Store) GetIdentity(ctx context.Context, identityID string) (identity.Identity, error) {
	if err := s.ready(ctx); err != nil {
		return identity.Identity{}, err
	}
	if strings.TrimSpace(identityID) == "" {
		return identity.Identity{}, fmt.Errorf("identity id is required")
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = ?`, identityID)
	return scanIdentity(row)
}

// GetIdentityByEmail fetches an identity by normalized email.
func (s *Store) GetIdentityByEmail(ctx context.Context, email string) (identity.Identity, error) {
	if err := s.ready(ctx); err != nil {
		return identity.Identity{}, err
	}
	if strings.TrimSpace(email) == "" {
		return identity.Identity{}, fmt.Errorf("email is required")
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE email = ?`, email)
	return scanIdentity(row)
}

// MarkEmailVerified records the first verification of an identity's email.
func (s *Store) MarkEmailVerified(ctx context.Context, identityID string, verifiedAt time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(identityID) == "" {
		return fmt.Errorf("identity id is required")
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE identities SET email_verified_at = ?, updated_at = ?
WHERE id = ? AND email_verified_at IS NULL`,
		toMillis(verifiedAt), toMillis(verifiedAt), identityID,
	)
	if err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
		return nil
	}
	_, err = s.GetIdentity(ctx, identityID)
	return err
}

// DeleteIdentity removes an identity and its passkeys.
func (s *Store) DeleteIdentity(ctx context.Context, identityID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(identityID) == "" {
		return fmt.Errorf("identity id is required")
	}
	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM identities WHERE id = ?`, identityID)
	if err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// PutChallenge stores the pending challenge, replacing any previous one.
func (s *Store) PutChallenge(ctx context.Context, identityID string, challenge identity.Challenge) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(identityID) == "" {
		return fmt.Errorf("identity id is required")
	}
	if strings.TrimSpace(string(challenge.Kind)) == "" {
		return fmt.Errorf("challenge kind is required")
	}
	if strings.TrimSpace(challenge.SessionJSON) == "" {
		return fmt.Errorf("challenge session json is required")
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE identities
SET challenge_kind = ?, challenge_session_json = ?, challenge_expires_at = ?
WHERE id = ?`,
		string(challenge.Kind), challenge.SessionJSON, toMillis(challenge.ExpiresAt), identityID,
	)
	if err != nil {
		return fmt.Errorf("put challenge: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// TakeChallenge reads the pending challenge and clears it with a
// compare-and-swap, so a challenge is handed out at most once.
func (s *Store) TakeChallenge(ctx context.Context, identityID string) (identity.Challenge, error) {
	if err := s.ready(ctx); err != nil {
		return identity.Challenge{}, err
	}
	if strings.TrimSpace(identityID) == "" {
		return identity.Challenge{}, fmt.Errorf("identity id is required")
	}

	var (
		kind        sql.NullString
		sessionJSON sql.NullString
		expiresAt   sql.NullInt64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT challenge_kind, challenge_session_json, challenge_expires_at
FROM identities WHERE id = ?`, identityID,
	).Scan(&kind, &sessionJSON, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.Challenge{}, storage.ErrNotFound
		}
		return identity.Challenge{}, fmt.Errorf("get challenge: %w", err)
	}
	if !sessionJSON.Valid || sessionJSON.String == "" {
		return identity.Challenge{}, storage.ErrNotFound
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE identities
SET challenge_kind = NULL, challenge_session_json = NULL, challenge_expires_at = NULL
WHERE id = ? AND challenge_session_json = ?`,
		identityID, sessionJSON.String,
	)
	if err != nil {
		return identity.Challenge{}, fmt.Errorf("clear challenge: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		// Another caller consumed or replaced it first.
		return identity.Challenge{}, storage.ErrNotFound
	}

	return identity.Challenge{
		Kind:        identity.ChallengeKind(kind.String),
		SessionJSON: sessionJSON.String,
		ExpiresAt:   fromMillis(expiresAt.Int64),
	}, nil
}

func scanIdentity(row *sql.Row) (identity.Identity, error) {
	var (
		found      identity.Identity
		verifiedAt sql.NullInt64
		createdAt  int64
		updatedAt  int64
	)
	if err := row.Scan(&found.ID, &found.Email, &found.DisplayName, &verifiedAt, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.Identity{}, storage.ErrNotFound
		}
		return identity.Identity{}, fmt.Errorf("scan identity: %w", err)
	}
	found.EmailVerifiedAt = fromNullMillis(verifiedAt)
	found.CreatedAt = fromMillis(createdAt)
	found.UpdatedAt = fromMillis(updatedAt)
	return found, nil
}
