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

// PutPendingRegistration stores a pending registration, replacing any prior
// one for the same email.
func (s *Store) PutPendingRegistration(ctx context.Context, registration storage.PendingRegistration) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(registration.Email) == "" {
		return fmt.Errorf("email is required")
	}
	if strings.TrimSpace(registration.Token) == "" {
		return fmt.Errorf("token is required")
	}
	if strings.TrimSpace(registration.RequestID) == "" {
		return fmt.Errorf("request id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO pending_registrations (
    email, name, token, token_expires_at, request_id, resend_count, last_sent_at, created_at, expires_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (email) DO UPDATE SET
    name = excluded.name,
    token = excluded.token,
    token_expires_at = excluded.token_expires_at,
    request_id = excluded.request_id,
    resend_count = excluded.resend_count,
    last_sent_at = excluded.last_sent_at,
    created_at = excluded.created_at,
    expires_at = excluded.expires_at`,
		registration.Email,
		registration.Name,
		registration.Token,
		toMillis(registration.TokenExpiresAt),
		registration.RequestID,
		registration.ResendCount,
		toMillis(registration.LastSentAt),
		toMillis(registration.CreatedAt),
		toMillis(registration.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("put pending registration: %w", err)
	}
	return nil
}

// GetPendingRegistration fetches the pending registration for an email.
func (s *Store) GetPendingRegistration(ctx context.Context, email string) (storage.PendingRegistration, error) {
	if err := s.ready(ctx); err != nil {
		return storage.PendingRegistration{}, err
	}
	if strings.TrimSpace(email) == "" {
		return storage.PendingRegistration{}, fmt.Errorf("email is required")
	}

	var (
		registration   storage.PendingRegistration
		tokenExpiresAt int64
		lastSentAt     int64
		createdAt      int64
		expiresAt      int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT email, name, token, token_expires_at, request_id, resend_count, last_sent_at, created_at, expires_at
FROM pending_registrations WHERE email = ?`, email,
	).Scan(
		&registration.Email,
		&registration.Name,
		&registration.Token,
		&tokenExpiresAt,
		&registration.RequestID,
		&registration.ResendCount,
		&lastSentAt,
		&createdAt,
		&expiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.PendingRegistration{}, storage.ErrNotFound
		}
		return storage.PendingRegistration{}, fmt.Errorf("get pending registration: %w", err)
	}
	registration.TokenExpiresAt = fromMillis(tokenExpiresAt)
	registration.LastSentAt = fromMillis(lastSentAt)
	registration.CreatedAt = fromMillis(createdAt)
	registration.ExpiresAt = fromMillis(expiresAt)
	return registration, nil
}

// DeletePendingRegistration removes the pending registration for an email.
// Missing registrations are ignored.
func (s *Store) DeletePendingRegistration(ctx context.Context, email string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(email) == "" {
		return fmt.Errorf("email is required")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM pending_registrations WHERE email = ?`, email); err != nil {
		return fmt.Errorf("delete pending registration: %w", err)
	}
	return nil
}

// DeleteExpiredPendingRegistrations removes registrations past their hard expiry.
func (s *Store) DeleteExpiredPendingRegistrations(ctx context.Context, now time.Time) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM pending_registrations WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired pending registrations: %w", err)
	}
	return result.RowsAffected()
}
