package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/louisbranch/larder/internal/services/auth/identity"
	"github.com/louisbranch/larder/internal/services/auth/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "auth.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedIdentity(t *testing.T, store *Store, id, email string) identity.Identity {
	t.Helper()
	stored, err := store.CreateIdentity(context.Background(), identity.Identity{
		ID:          id,
		Email:       email,
		DisplayName: "Cook",
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
	})
	require.NoError(t, err)
	return stored
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "", nil)
	require.Error(t, err)
}

func TestStoreDBNilSafe(t *testing.T) {
	var store *Store
	assert.Nil(t, store.DB())
	assert.NoError(t, store.Close())
}

func TestOpenFileCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "auth.db")
	store, err := OpenFile(context.Background(), path, nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestCreateIdentityIsIdempotentOnEmail(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	first := seedIdentity(t, store, "identity-1", "ada@example.com")
	second, err := store.CreateIdentity(ctx, identity.Identity{
		ID:          "identity-2",
		Email:       "ada@example.com",
		DisplayName: "Other",
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Cook", second.DisplayName)

	_, err = store.GetIdentity(ctx, "identity-2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMarkEmailVerifiedKeepsFirstTime(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	seedIdentity(t, store, "identity-1", "ada@example.com")

	require.NoError(t, store.MarkEmailVerified(ctx, "identity-1", testNow))
	require.NoError(t, store.MarkEmailVerified(ctx, "identity-1", testNow.Add(time.Hour)))

	found, err := store.GetIdentityByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	require.NotNil(t, found.EmailVerifiedAt)
	assert.True(t, found.EmailVerifiedAt.Equal(testNow))

	err = store.MarkEmailVerified(ctx, "missing", testNow)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteIdentityRemovesPasskeys(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	seedIdentity(t, store, "identity-1", "ada@example.com")
	_, err := store.AddCredential(ctx, storage.PasskeyCredential{
		CredentialID:   "cred-1",
		IdentityID:     "identity-1",
		PublicKey:      []byte{1, 2, 3},
		CredentialJSON: `{"id":"cred-1"}`,
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
	})
	require.NoError(t, err)

	require.NoError(t, store.DeleteIdentity(ctx, "identity-1"))
	creds, err := store.ListCredentials(ctx, "identity-1")
	require.NoError(t, err)
	assert.Empty(t, creds)
	assert.ErrorIs(t, store.DeleteIdentity(ctx, "identity-1"), storage.ErrNotFound)
}

func TestTakeChallengeConsumesOnce(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	seedIdentity(t, store, "identity-1", "ada@example.com")

	_, err := store.TakeChallenge(ctx, "identity-1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	challenge := identity.Challenge{
		Kind:        identity.ChallengeKindRegistration,
		SessionJSON: `{"challenge":"abc"}`,
		ExpiresAt:   testNow.Add(5 * time.Minute),
	}
	require.NoError(t, store.PutChallenge(ctx, "identity-1", challenge))

	taken, err := store.TakeChallenge(ctx, "identity-1")
	require.NoError(t, err)
	assert.Equal(t, challenge.Kind, taken.Kind)
	assert.Equal(t, challenge.SessionJSON, taken.SessionJSON)
	assert.True(t, taken.ExpiresAt.Equal(challenge.ExpiresAt))

	_, err = store.TakeChallenge(ctx, "identity-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTakeChallengeConcurrentCallersGetOneWinner(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	seedIdentity(t, store, "identity-1", "ada@example.com")
	require.NoError(t, store.PutChallenge(ctx, "identity-1", identity.Challenge{
		Kind:        identity.ChallengeKindAuthentication,
		SessionJSON: `{"challenge":"race"}`,
		ExpiresAt:   testNow.Add(time.Minute),
	}))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.TakeChallenge(ctx, "identity-1"); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, storage.ErrNotFound) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestPutChallengeUnknownIdentity(t *testing.T) {
	store := openTempStore(t)
	err := store.PutChallenge(context.Background(), "missing", identity.Challenge{
		Kind:        identity.ChallengeKindRegistration,
		SessionJSON: "{}",
		ExpiresAt:   testNow,
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAddCredentialIdempotent(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	seedIdentity(t, store, "identity-1", "ada@example.com")

	credential := storage.PasskeyCredential{
		CredentialID:   "cred-1",
		IdentityID:     "identity-1",
		PublicKey:      []byte{9, 9},
		SignCount:      3,
		Transports:     []string{"internal", "hybrid"},
		CredentialJSON: `{"v":1}`,
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
	}
	added, err := store.AddCredential(ctx, credential)
	require.NoError(t, err)
	assert.True(t, added)

	credential.CredentialJSON = `{"v":2}`
	added, err = store.AddCredential(ctx, credential)
	require.NoError(t, err)
	assert.False(t, added)

	creds, err := store.ListCredentials(ctx, "identity-1")
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, `{"v":1}`, creds[0].CredentialJSON)
	assert.Equal(t, []string{"internal", "hybrid"}, creds[0].Transports)
	assert.Equal(t, uint32(3), creds[0].SignCount)
	assert.Nil(t, creds[0].LastUsedAt)
}

func TestRecordCredentialUseNeverLowersCounter(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	seedIdentity(t, store, "identity-1", "ada@example.com")
	_, err := store.AddCredential(ctx, storage.PasskeyCredential{
		CredentialID:   "cred-1",
		IdentityID:     "identity-1",
		SignCount:      10,
		CredentialJSON: `{"count":10}`,
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
	})
	require.NoError(t, err)

	require.NoError(t, store.RecordCredentialUse(ctx, storage.PasskeyCredential{
		CredentialID: "cred-1", IdentityID: "identity-1", SignCount: 4, CredentialJSON: `{"count":4}`,
	}, testNow.Add(time.Minute)))

	creds, err := store.ListCredentials(ctx, "identity-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(10), creds[0].SignCount)
	assert.Equal(t, `{"count":10}`, creds[0].CredentialJSON)
	require.NotNil(t, creds[0].LastUsedAt)

	require.NoError(t, store.RecordCredentialUse(ctx, storage.PasskeyCredential{
		CredentialID: "cred-1", IdentityID: "identity-1", SignCount: 11, CredentialJSON: `{"count":11}`,
	}, testNow.Add(2*time.Minute)))
	creds, err = store.ListCredentials(ctx, "identity-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(11), creds[0].SignCount)
	assert.Equal(t, `{"count":11}`, creds[0].CredentialJSON)

	err = store.RecordCredentialUse(ctx, storage.PasskeyCredential{CredentialID: "nope", IdentityID: "identity-1"}, testNow)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func ledgerEntry(token, requestID string, createdAt time.Time) storage.LedgerEntry {
	return storage.LedgerEntry{
		Token:     token,
		RequestID: requestID,
		Email:     "bob@example.com",
		Purpose:   storage.PurposeLogin,
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(15 * time.Minute),
	}
}

func TestMarkTokenUsedClassifiesFailures(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutToken(ctx, ledgerEntry("tok-1", "req-1", testNow)))

	_, err := store.MarkTokenUsed(ctx, "missing", testNow)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	used, err := store.MarkTokenUsed(ctx, "tok-1", testNow.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, used.UsedAt)
	assert.True(t, used.UsedAt.Equal(testNow.Add(time.Minute)))

	_, err = store.MarkTokenUsed(ctx, "tok-1", testNow.Add(2*time.Minute))
	assert.ErrorIs(t, err, storage.ErrTokenUsed)

	require.NoError(t, store.PutToken(ctx, ledgerEntry("tok-2", "req-2", testNow)))
	_, err = store.MarkTokenUsed(ctx, "tok-2", testNow.Add(15*time.Minute))
	assert.ErrorIs(t, err, storage.ErrTokenExpired)
}

func TestMarkTokenUsedConcurrentSingleWinner(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutToken(ctx, ledgerEntry("tok-race", "req-race", testNow)))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.MarkTokenUsed(ctx, "tok-race", testNow.Add(time.Second))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrTokenUsed):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestGetTokenByRequestIDReturnsNewest(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutToken(ctx, ledgerEntry("tok-old", "req-1", testNow)))
	require.NoError(t, store.PutToken(ctx, ledgerEntry("tok-new", "req-1", testNow.Add(time.Minute))))

	entry, err := store.GetTokenByRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-new", entry.Token)

	_, err = store.GetTokenByRequestID(ctx, "req-missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReplaceTokenSwapsEntries(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	old := ledgerEntry("tok-old", "req-1", testNow)
	old.Purpose = storage.PurposeEmailVerification
	require.NoError(t, store.PutToken(ctx, old))

	usedAt := testNow.Add(time.Minute)
	next := ledgerEntry("tok-next", "req-1", usedAt)
	next.UsedAt = &usedAt
	next.Supersedes = storage.TokenDigest("tok-old")
	require.NoError(t, store.ReplaceToken(ctx, "tok-old", next))

	_, err := store.GetToken(ctx, "tok-old")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	entry, err := store.GetTokenByRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-next", entry.Token)
	assert.True(t, entry.Used())

	replaced, err := store.GetTokenBySuperseded(ctx, storage.TokenDigest("tok-old"))
	require.NoError(t, err)
	assert.Equal(t, "tok-next", replaced.Token)
	assert.Equal(t, storage.TokenDigest("tok-old"), replaced.Supersedes)
	_, err = store.GetTokenBySuperseded(ctx, storage.TokenDigest("tok-other"))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	bad := ledgerEntry("tok-bad", "req-1", testNow)
	bad.Purpose = "password-reset"
	require.Error(t, store.ReplaceToken(ctx, "tok-next", bad))
	_, err = store.GetToken(ctx, "tok-next")
	assert.NoError(t, err, "failed replace must roll back the delete")
}

func TestDeleteExpiredTokensKeepsRecentlyUsed(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutToken(ctx, ledgerEntry("tok-stale", "req-1", testNow.Add(-time.Hour))))
	require.NoError(t, store.PutToken(ctx, ledgerEntry("tok-live", "req-2", testNow)))

	recent := ledgerEntry("tok-recent", "req-3", testNow.Add(-20*time.Minute))
	usedAt := testNow.Add(-1 * time.Minute)
	recent.UsedAt = &usedAt
	require.NoError(t, store.PutToken(ctx, recent))

	deleted, err := store.DeleteExpiredTokens(ctx, testNow.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.GetToken(ctx, "tok-recent")
	assert.NoError(t, err)
	_, err = store.GetToken(ctx, "tok-live")
	assert.NoError(t, err)
}

func TestPendingRegistrationReplaceAndExpire(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	first := storage.PendingRegistration{
		Email:          "ada@example.com",
		Name:           "Ada",
		Token:          "tok-1",
		TokenExpiresAt: testNow.Add(15 * time.Minute),
		RequestID:      "req-1",
		LastSentAt:     testNow,
		CreatedAt:      testNow,
		ExpiresAt:      testNow.Add(time.Hour),
	}
	require.NoError(t, store.PutPendingRegistration(ctx, first))

	second := first
	second.Name = "Ada L."
	second.Token = "tok-2"
	second.ResendCount = 1
	require.NoError(t, store.PutPendingRegistration(ctx, second))

	found, err := store.GetPendingRegistration(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", found.Token)
	assert.Equal(t, "Ada L.", found.Name)
	assert.Equal(t, 1, found.ResendCount)
	assert.True(t, found.ExpiresAt.Equal(first.ExpiresAt))

	deleted, err := store.DeleteExpiredPendingRegistrations(ctx, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	_, err = store.GetPendingRegistration(ctx, "ada@example.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.DeletePendingRegistration(ctx, "ada@example.com"))
}

func TestWebSessionLifecycle(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	session := storage.WebSession{ID: "ws-1", IdentityID: "identity-1", CreatedAt: testNow, ExpiresAt: testNow.Add(time.Hour)}
	require.NoError(t, store.PutWebSession(ctx, session))

	require.NoError(t, store.ExtendWebSession(ctx, "ws-1", testNow.Add(2*time.Hour)))
	found, err := store.GetWebSession(ctx, "ws-1")
	require.NoError(t, err)
	assert.True(t, found.ExpiresAt.Equal(testNow.Add(2*time.Hour)))
	assert.True(t, found.Active(testNow))

	require.NoError(t, store.RevokeWebSession(ctx, "ws-1", testNow.Add(time.Minute)))
	require.NoError(t, store.RevokeWebSession(ctx, "ws-1", testNow.Add(2*time.Minute)))
	found, err = store.GetWebSession(ctx, "ws-1")
	require.NoError(t, err)
	require.NotNil(t, found.RevokedAt)
	assert.True(t, found.RevokedAt.Equal(testNow.Add(time.Minute)))
	assert.ErrorIs(t, store.ExtendWebSession(ctx, "ws-1", testNow.Add(3*time.Hour)), storage.ErrNotFound)
	assert.ErrorIs(t, store.RevokeWebSession(ctx, "ws-missing", testNow), storage.ErrNotFound)
}

func TestRevokeIdentitySessionsAndCleanup(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutWebSession(ctx, storage.WebSession{ID: "ws-1", IdentityID: "identity-1", CreatedAt: testNow, ExpiresAt: testNow.Add(time.Hour)}))
	require.NoError(t, store.PutWebSession(ctx, storage.WebSession{ID: "ws-2", IdentityID: "identity-1", CreatedAt: testNow, ExpiresAt: testNow.Add(-time.Minute)}))
	require.NoError(t, store.PutWebSession(ctx, storage.WebSession{ID: "ws-3", IdentityID: "identity-2", CreatedAt: testNow, ExpiresAt: testNow.Add(time.Hour)}))

	require.NoError(t, store.RevokeIdentitySessions(ctx, "identity-1", testNow))
	found, err := store.GetWebSession(ctx, "ws-1")
	require.NoError(t, err)
	assert.False(t, found.Active(testNow))
	other, err := store.GetWebSession(ctx, "ws-3")
	require.NoError(t, err)
	assert.True(t, other.Active(testNow))

	deleted, err := store.DeleteExpiredWebSessions(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestCanceledContext(t *testing.T) {
	store := openTempStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := store.GetIdentity(ctx, "identity-1")
	assert.ErrorIs(t, err, context.Canceled)
}
