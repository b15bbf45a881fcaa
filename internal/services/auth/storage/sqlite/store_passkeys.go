package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/larder/internal/services/auth/storage"
)

// ListCredentials returns the passkeys registered to an identity.
func (s *Store) ListCredentials(ctx context.Context, identityID string) ([]storage.PasskeyCredential, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(identityID) == "" {
		return nil, fmt.Errorf("identity id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT identity_id, credential_id, public_key, sign_count, transports, credential_json,
       created_at, updated_at, last_used_at
FROM passkey_credentials
WHERE identity_id = ?
ORDER BY created_at, credential_id`, identityID)
	if err != nil {
		return nil, fmt.Errorf("list passkeys: %w", err)
	}
	defer rows.Close()

	credentials := make([]storage.PasskeyCredential, 0)
	for rows.Next() {
		var (
			credential storage.PasskeyCredential
			transports string
			createdAt  int64
			updatedAt  int64
			lastUsedAt sql.NullInt64
		)
		if err := rows.Scan(
			&credential.IdentityID,
			&credential.CredentialID,
			&credential.PublicKey,
			&credential.SignCount,
			&transports,
			&credential.CredentialJSON,
			&createdAt,
			&updatedAt,
			&lastUsedAt,
		); err != nil {
			return nil, fmt.Errorf("scan passkey: %w", err)
		}
		credential.Transports = splitTransports(transports)
		credential.CreatedAt = fromMillis(createdAt)
		credential.UpdatedAt = fromMillis(updatedAt)
		credential.LastUsedAt = fromNullMillis(lastUsedAt)
		credentials = append(credentials, credential)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate passkeys: %w", err)
	}
	return credentials, nil
}

// AddCredential inserts a passkey unless the identity already holds its id.
func (s *Store) AddCredential(ctx context.Context, credential storage.PasskeyCredential) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	if strings.TrimSpace(credential.CredentialID) == "" {
		return false, fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(credential.IdentityID) == "" {
		return false, fmt.Errorf("identity id is required")
	}
	if strings.TrimSpace(credential.CredentialJSON) == "" {
		return false, fmt.Errorf("credential json is required")
	}
	if credential.PublicKey == nil {
		credential.PublicKey = []byte{}
	}

	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO passkey_credentials (
    identity_id, credential_id, public_key, sign_count, transports, credential_json,
    created_at, updated_at, last_used_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (identity_id, credential_id) DO NOTHING`,
		credential.IdentityID,
		credential.CredentialID,
		credential.PublicKey,
		int64(credential.SignCount),
		strings.Join(credential.Transports, ","),
		credential.CredentialJSON,
		toMillis(credential.CreatedAt),
		toMillis(credential.UpdatedAt),
		toNullMillis(credential.LastUsedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert passkey: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert passkey: %w", err)
	}
	return affected > 0, nil
}

// RecordCredentialUse stores the credential state after an authentication.
// A lower signature counter than the stored one leaves the counter and the
// serialized credential unchanged.
func (s *Store) RecordCredentialUse(ctx context.Context, credential storage.PasskeyCredential, usedAt time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(credential.CredentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(credential.IdentityID) == "" {
		return fmt.Errorf("identity id is required")
	}

	count := int64(credential.SignCount)
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE passkey_credentials
SET credential_json = CASE WHEN ? >= sign_count THEN ? ELSE credential_json END,
    sign_count = MAX(sign_count, ?),
    updated_at = ?,
    last_used_at = ?
WHERE identity_id = ? AND credential_id = ?`,
		count, credential.CredentialJSON,
		count,
		toMillis(usedAt),
		toMillis(usedAt),
		credential.IdentityID, credential.CredentialID,
	)
	if err != nil {
		return fmt.Errorf("update passkey: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func splitTransports(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
