package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/larder/internal/services/auth/storage"
)

// PutWebSession stores a new web session.
func (s *Store) PutWebSession(ctx context.Context, session storage.WebSession) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(session.IdentityID) == "" {
		return fmt.Errorf("identity id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO web_sessions (id, identity_id, created_at, expires_at, revoked_at)
VALUES (?, ?, ?, ?, ?)`,
		session.ID,
		session.IdentityID,
		toMillis(session.CreatedAt),
		toMillis(session.ExpiresAt),
		toNullMillis(session.RevokedAt),
	)
	if err != nil {
		return fmt.Errorf("put web session: %w", err)
	}
	return nil
}

// GetWebSession fetches a web session by id.
func (s *Store) GetWebSession(ctx context.Context, sessionID string) (storage.WebSession, error) {
	if err := s.ready(ctx); err != nil {
		return storage.WebSession{}, err
	}
	if strings.TrimSpace(sessionID) == "" {
		return storage.WebSession{}, fmt.Errorf("session id is required")
	}

	var (
		session   storage.WebSession
		createdAt int64
		expiresAt int64
		revokedAt sql.NullInt64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, identity_id, created_at, expires_at, revoked_at
FROM web_sessions WHERE id = ?`, sessionID,
	).Scan(&session.ID, &session.IdentityID, &createdAt, &expiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.WebSession{}, storage.ErrNotFound
		}
		return storage.WebSession{}, fmt.Errorf("get web session: %w", err)
	}
	session.CreatedAt = fromMillis(createdAt)
	session.ExpiresAt = fromMillis(expiresAt)
	session.RevokedAt = fromNullMillis(revokedAt)
	return session, nil
}

// ExtendWebSession moves the expiry of an unrevoked session.
func (s *Store) ExtendWebSession(ctx context.Context, sessionID string, expiresAt time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE web_sessions SET expires_at = ?
WHERE id = ? AND revoked_at IS NULL`, toMillis(expiresAt), sessionID)
	if err != nil {
		return fmt.Errorf("extend web session: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// RevokeWebSession revokes a session. Revoking twice keeps the first time.
func (s *Store) RevokeWebSession(ctx context.Context, sessionID string, revokedAt time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE web_sessions SET revoked_at = ?
WHERE id = ? AND revoked_at IS NULL`, toMillis(revokedAt), sessionID)
	if err != nil {
		return fmt.Errorf("revoke web session: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
		return nil
	}
	_, err = s.GetWebSession(ctx, sessionID)
	return err
}

// RevokeIdentitySessions revokes every active session of an identity.
func (s *Store) RevokeIdentitySessions(ctx context.Context, identityID string, revokedAt time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(identityID) == "" {
		return fmt.Errorf("identity id is required")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `
UPDATE web_sessions SET revoked_at = ?
WHERE identity_id = ? AND revoked_at IS NULL`, toMillis(revokedAt), identityID); err != nil {
		return fmt.Errorf("revoke identity sessions: %w", err)
	}
	return nil
}

// DeleteExpiredWebSessions removes sessions that expired before now.
func (s *Store) DeleteExpiredWebSessions(ctx context.Context, now time.Time) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM web_sessions WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired web sessions: %w", err)
	}
	return result.RowsAffected()
}
