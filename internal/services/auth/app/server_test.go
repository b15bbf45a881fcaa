package server

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/louisbranch/larder/internal/platform/logging"
	"github.com/louisbranch/larder/internal/services/auth/mail"
	"github.com/louisbranch/larder/internal/services/auth/storage"
	"github.com/louisbranch/larder/internal/services/auth/storage/sqlite"
	"github.com/louisbranch/larder/internal/services/auth/token"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		GRPCPort:        0,
		HTTPAddr:        "127.0.0.1:0",
		DBPath:          filepath.Join(t.TempDir(), "nested", "auth.db"),
		CleanupInterval: time.Hour,
		Token:           token.Config{Issuer: "larder-auth"},
	}
}

func loopback(t *testing.T, addr string) string {
	t.Helper()
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %q: %v", addr, err)
	}
	return net.JoinHostPort("127.0.0.1", port)
}

func TestServeHealthAndHTTP(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.RedisAddr = mr.Addr()

	sent := make(chan mail.Message, 4)
	server, err := New(context.Background(), cfg, Options{
		Mailer: mail.MailerFunc(func(_ context.Context, msg mail.Message) error {
			sent <- msg
			return nil
		}),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if _, err := os.Stat(cfg.DBPath); err != nil {
		t.Fatalf("expected db file: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	base := "http://" + loopback(t, server.HTTPAddr())
	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	resp, err = http.Post(base+"/register", "application/json", strings.NewReader(`{"name":"Ada","email":"ada@x.com"}`))
	if err != nil {
		t.Fatalf("post register: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	if !mr.Exists("larder:pending-registration:ada@x.com") {
		t.Fatal("expected pending registration in redis")
	}
	select {
	case msg := <-sent:
		if msg.Kind != mail.KindVerification || msg.To != "ada@x.com" {
			t.Fatalf("sent = %+v", msg)
		}
	default:
		t.Fatal("expected a verification email")
	}

	conn, err := grpc.NewClient(loopback(t, server.Addr()), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial grpc: %v", err)
	}
	defer conn.Close()
	checkCtx, checkCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer checkCancel()
	health, err := grpc_health_v1.NewHealthClient(conn).Check(checkCtx, &grpc_health_v1.HealthCheckRequest{Service: HealthService})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if health.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("health = %v", health.GetStatus())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestNewFailsWhenRedisIsUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig(t)
	cfg.RedisAddr = addr
	if _, err := New(context.Background(), cfg, Options{}); err == nil {
		t.Fatal("expected redis dial error")
	}
}

func TestOpenAuthStoreInvalidDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, []byte("data"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	if _, err := openAuthStore(context.Background(), filepath.Join(file, "auth.db"), nil); err == nil {
		t.Fatal("expected error for invalid storage dir")
	}
	if _, err := openAuthStore(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSweepRemovesExpiredState(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "auth.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recentlyUsed := now.Add(-2 * time.Minute)
	longUsed := now.Add(-time.Hour)
	entries := []storage.LedgerEntry{
		{Token: "stale", RequestID: "r1", Email: "a@x.com", Purpose: storage.PurposeLogin, CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-30 * time.Minute)},
		{Token: "polling", RequestID: "r2", Email: "b@x.com", Purpose: storage.PurposeLogin, CreatedAt: now.Add(-20 * time.Minute), ExpiresAt: now.Add(-5 * time.Minute), UsedAt: &recentlyUsed},
		{Token: "done", RequestID: "r3", Email: "c@x.com", Purpose: storage.PurposeLogin, CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-90 * time.Minute), UsedAt: &longUsed},
		{Token: "live", RequestID: "r4", Email: "d@x.com", Purpose: storage.PurposeLogin, CreatedAt: now, ExpiresAt: now.Add(15 * time.Minute)},
	}
	for _, entry := range entries {
		if err := store.PutToken(ctx, entry); err != nil {
			t.Fatalf("put token %s: %v", entry.Token, err)
		}
	}
	if err := store.PutPendingRegistration(ctx, storage.PendingRegistration{
		Email: "late@x.com", Name: "Late", Token: "live", TokenExpiresAt: now.Add(15 * time.Minute),
		RequestID: "r4", LastSentAt: now.Add(-2 * time.Hour), CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("put pending registration: %v", err)
	}
	if err := store.PutWebSession(ctx, storage.WebSession{
		ID: "ws-old", IdentityID: "id-1", CreatedAt: now.Add(-8 * 24 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("put web session: %v", err)
	}

	(&sweeper{
		tokens:   store,
		pending:  store,
		sessions: store,
		grace:    5 * time.Minute,
		clock:    func() time.Time { return now },
		logger:   logging.Discard(),
	}).sweep(ctx)

	for token, wantKept := range map[string]bool{"stale": false, "polling": true, "done": false, "live": true} {
		_, err := store.GetToken(ctx, token)
		if kept := err == nil; kept != wantKept {
			t.Fatalf("token %s kept = %v, want %v (%v)", token, kept, wantKept, err)
		}
	}
	if _, err := store.GetPendingRegistration(ctx, "late@x.com"); err == nil {
		t.Fatal("expected expired pending registration removed")
	}
	if _, err := store.GetWebSession(ctx, "ws-old"); err == nil {
		t.Fatal("expected expired web session removed")
	}
}
