// Package redis stores pending registrations in Redis so their one-hour
// lifetime is enforced by key expiry.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/louisbranch/larder/internal/services/auth/storage"
)

const defaultPrefix = "larder"

var _ storage.PendingRegistrationStore = (*Store)(nil)

// Store implements storage.PendingRegistrationStore on Redis.
type Store struct {
	client goredis.UniversalClient
	prefix string
	clock  func() time.Time
}

// New wraps a Redis client. An empty prefix uses "larder".
func New(client goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix, clock: time.Now}
}

// Dial connects to addr and verifies the connection with PING.
func Dial(ctx context.Context, addr string) (*Store, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return New(client, defaultPrefix), nil
}

// Close releases the client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) key(email string) string {
	return fmt.Sprintf("%s:pending-registration:%s", s.prefix, email)
}

type pendingRecord struct {
	Email          string    `json:"email"`
	Name           string    `json:"name"`
	Token          string    `json:"token"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
	RequestID      string    `json:"request_id"`
	ResendCount    int       `json:"resend_count"`
	LastSentAt     time.Time `json:"last_sent_at"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// PutPendingRegistration replaces the registration for its email. The key
// expires with the registration.
func (s *Store) PutPendingRegistration(ctx context.Context, registration storage.PendingRegistration) error {
	email := strings.TrimSpace(registration.Email)
	if email == "" {
		return fmt.Errorf("email is required")
	}
	ttl := registration.ExpiresAt.Sub(s.clock())
	if ttl <= 0 {
		return s.DeletePendingRegistration(ctx, email)
	}
	payload, err := json.Marshal(pendingRecord(registration))
	if err != nil {
		return fmt.Errorf("encode pending registration: %w", err)
	}
	if err := s.client.Set(ctx, s.key(email), payload, ttl).Err(); err != nil {
		return fmt.Errorf("set pending registration: %w", err)
	}
	return nil
}

// GetPendingRegistration returns the live registration for email.
func (s *Store) GetPendingRegistration(ctx context.Context, email string) (storage.PendingRegistration, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return storage.PendingRegistration{}, fmt.Errorf("email is required")
	}
	payload, err := s.client.Get(ctx, s.key(email)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return storage.PendingRegistration{}, storage.ErrNotFound
		}
		return storage.PendingRegistration{}, fmt.Errorf("get pending registration: %w", err)
	}
	var record pendingRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return storage.PendingRegistration{}, fmt.Errorf("decode pending registration: %w", err)
	}
	if !record.ExpiresAt.After(s.clock()) {
		return storage.PendingRegistration{}, storage.ErrNotFound
	}
	return storage.PendingRegistration(record), nil
}

// DeletePendingRegistration removes the registration for email, if any.
func (s *Store) DeletePendingRegistration(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return fmt.Errorf("email is required")
	}
	if err := s.client.Del(ctx, s.key(email)).Err(); err != nil {
		return fmt.Errorf("delete pending registration: %w", err)
	}
	return nil
}

// DeleteExpiredPendingRegistrations is a no-op; Redis expires keys itself.
func (s *Store) DeleteExpiredPendingRegistrations(context.Context, time.Time) (int64, error) {
	return 0, nil
}
