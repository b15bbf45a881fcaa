package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/louisbranch/larder/internal/services/auth/storage"
)

// sweeper removes expired transient state.
type sweeper struct {
	tokens   storage.TokenLedger
	pending  storage.PendingRegistrationStore
	sessions storage.WebSessionStore
	// grace keeps consumed login entries around while polls may redeem them.
	grace  time.Duration
	clock  func() time.Time
	logger *slog.Logger
}

// sweep runs one cleanup pass. Failures are logged and the pass continues.
func (s *sweeper) sweep(ctx context.Context) {
	now := s.clock().UTC()
	if deleted, err := s.tokens.DeleteExpiredTokens(ctx, now.Add(-s.grace)); err != nil {
		s.logger.WarnContext(ctx, "sweep ledger", "error", err)
	} else if deleted > 0 {
		s.logger.DebugContext(ctx, "swept ledger", "deleted", deleted)
	}
	if deleted, err := s.pending.DeleteExpiredPendingRegistrations(ctx, now); err != nil {
		s.logger.WarnContext(ctx, "sweep pending registrations", "error", err)
	} else if deleted > 0 {
		s.logger.DebugContext(ctx, "swept pending registrations", "deleted", deleted)
	}
	if deleted, err := s.sessions.DeleteExpiredWebSessions(ctx, now); err != nil {
		s.logger.WarnContext(ctx, "sweep web sessions", "error", err)
	} else if deleted > 0 {
		s.logger.DebugContext(ctx, "swept web sessions", "deleted", deleted)
	}
}

// start sweeps every interval until ctx ends.
func (s *sweeper) start(ctx context.Context, interval time.Duration) {
	if s == nil || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}
