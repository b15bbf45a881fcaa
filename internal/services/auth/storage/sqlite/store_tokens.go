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

const ledgerColumns = `token, request_id, email, purpose, created_at, expires_at, used_at, supersedes`

type rowScanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PutToken stores a new ledger entry.
func (s *Store) PutToken(ctx context.Context, entry storage.LedgerEntry) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return insertToken(ctx, s.sqlDB, entry)
}

// GetToken fetches a ledger entry by token.
func (s *Store) GetToken(ctx context.Context, token string) (storage.LedgerEntry, error) {
	if err := s.ready(ctx); err != nil {
		return storage.LedgerEntry{}, err
	}
	if strings.TrimSpace(token) == "" {
		return storage.LedgerEntry{}, fmt.Errorf("token is required")
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM token_ledger WHERE token = ?`, token)
	return scanLedgerEntry(row)
}

// GetTokenByRequestID fetches the newest ledger entry for a request id.
func (s *Store) GetTokenByRequestID(ctx context.Context, requestID string) (storage.LedgerEntry, error) {
	if err := s.ready(ctx); err != nil {
		return storage.LedgerEntry{}, err
	}
	if strings.TrimSpace(requestID) == "" {
		return storage.LedgerEntry{}, fmt.Errorf("request id is required")
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+ledgerColumns+` FROM token_ledger
WHERE request_id = ?
ORDER BY created_at DESC, rowid DESC
LIMIT 1`, requestID)
	return scanLedgerEntry(row)
}

// GetTokenBySuperseded fetches the entry that replaced the token with digest.
func (s *Store) GetTokenBySuperseded(ctx context.Context, digest string) (storage.LedgerEntry, error) {
	if err := s.ready(ctx); err != nil {
		return storage.LedgerEntry{}, err
	}
	if strings.TrimSpace(digest) == "" {
		return storage.LedgerEntry{}, fmt.Errorf("digest is required")
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+ledgerColumns+` FROM token_ledger
WHERE supersedes = ?
ORDER BY created_at DESC, rowid DESC
LIMIT 1`, digest)
	return scanLedgerEntry(row)
}

// MarkTokenUsed consumes an entry with a single conditional update, so at
// most one caller observes success for a token.
func (s *Store) MarkTokenUsed(ctx context.Context, token string, usedAt time.Time) (storage.LedgerEntry, error) {
	if err := s.ready(ctx); err != nil {
		return storage.LedgerEntry{}, err
	}
	if strings.TrimSpace(token) == "" {
		return storage.LedgerEntry{}, fmt.Errorf("token is required")
	}

	now := toMillis(usedAt)
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE token_ledger SET used_at = ?
WHERE token = ? AND used_at IS NULL AND expires_at > ?`,
		now, token, now,
	)
	if err != nil {
		return storage.LedgerEntry{}, fmt.Errorf("mark token used: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.LedgerEntry{}, fmt.Errorf("mark token used: %w", err)
	}

	entry, err := s.GetToken(ctx, token)
	if err != nil {
		return storage.LedgerEntry{}, err
	}
	if affected > 0 {
		return entry, nil
	}
	if entry.Used() {
		return storage.LedgerEntry{}, storage.ErrTokenUsed
	}
	return storage.LedgerEntry{}, storage.ErrTokenExpired
}

// ReplaceToken swaps oldToken for next atomically.
func (s *Store) ReplaceToken(ctx context.Context, oldToken string, next storage.LedgerEntry) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if strings.TrimSpace(oldToken) != "" {
			if _, err := tx.ExecContext(ctx, `DELETE FROM token_ledger WHERE token = ?`, oldToken); err != nil {
				return fmt.Errorf("delete token: %w", err)
			}
		}
		return insertToken(ctx, tx, next)
	})
}

// DeleteToken removes a ledger entry. Missing entries are ignored.
func (s *Store) DeleteToken(ctx context.Context, token string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("token is required")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM token_ledger WHERE token = ?`, token); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// DeleteExpiredTokens removes entries that expired before the cutoff and
// were not consumed after it.
func (s *Store) DeleteExpiredTokens(ctx context.Context, before time.Time) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	cutoff := toMillis(before)
	result, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM token_ledger
WHERE expires_at <= ? AND (used_at IS NULL OR used_at <= ?)`, cutoff, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	return result.RowsAffected()
}

func insertToken(ctx context.Context, exec execer, entry storage.LedgerEntry) error {
	if strings.TrimSpace(entry.Token) == "" {
		return fmt.Errorf("token is required")
	}
	if strings.TrimSpace(entry.RequestID) == "" {
		return fmt.Errorf("request id is required")
	}
	if strings.TrimSpace(entry.Email) == "" {
		return fmt.Errorf("email is required")
	}
	switch entry.Purpose {
	case storage.PurposeLogin, storage.PurposeEmailVerification:
	default:
		return fmt.Errorf("unknown token purpose %q", entry.Purpose)
	}
	_, err := exec.ExecContext(ctx, `
INSERT INTO token_ledger (`+ledgerColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Token,
		entry.RequestID,
		entry.Email,
		string(entry.Purpose),
		toMillis(entry.CreatedAt),
		toMillis(entry.ExpiresAt),
		toNullMillis(entry.UsedAt),
		nullString(entry.Supersedes),
	)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func scanLedgerEntry(row rowScanner) (storage.LedgerEntry, error) {
	var (
		entry      storage.LedgerEntry
		purpose    string
		createdAt  int64
		expiresAt  int64
		usedAt     sql.NullInt64
		supersedes sql.NullString
	)
	if err := row.Scan(&entry.Token, &entry.RequestID, &entry.Email, &purpose, &createdAt, &expiresAt, &usedAt, &supersedes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.LedgerEntry{}, storage.ErrNotFound
		}
		return storage.LedgerEntry{}, fmt.Errorf("scan token: %w", err)
	}
	entry.Purpose = storage.TokenPurpose(purpose)
	entry.CreatedAt = fromMillis(createdAt)
	entry.ExpiresAt = fromMillis(expiresAt)
	entry.UsedAt = fromNullMillis(usedAt)
	entry.Supersedes = supersedes.String
	return entry, nil
}
