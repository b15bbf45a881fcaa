package auth

import (
	"bytes"
	"flag"
	"strings"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("auth", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.GRPCPort != 8083 {
		t.Fatalf("expected default port 8083, got %d", cfg.GRPCPort)
	}
	if cfg.HTTPAddr != "localhost:8084" {
		t.Fatalf("expected default http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.DBPath != "data/auth.db" {
		t.Fatalf("expected default db path, got %q", cfg.DBPath)
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Fatalf("expected default cleanup interval, got %v", cfg.CleanupInterval)
	}
	if !cfg.MagicLink.AutoCreate || cfg.MagicLink.TTL != 15*time.Minute {
		t.Fatalf("magic link config = %+v", cfg.MagicLink)
	}
	if cfg.Token.Issuer != "larder-auth" || cfg.Passkey.AllowClonedCounters {
		t.Fatalf("token/passkey config = %+v / %+v", cfg.Token, cfg.Passkey)
	}
	if cfg.Session.TTL != 168*time.Hour || cfg.Session.LedgerFallback {
		t.Fatalf("session config = %+v", cfg.Session)
	}
	if cfg.Mail.Echo {
		t.Fatal("expected mail echo off by default")
	}
}

func TestParseConfigMailEchoOptIn(t *testing.T) {
	t.Setenv("LARDER_MAIL_ECHO", "true")
	cfg, err := ParseConfig(flag.NewFlagSet("auth", flag.ContinueOnError), nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if !cfg.Mail.Echo {
		t.Fatal("expected mail echo enabled")
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("LARDER_AUTH_HTTP_ADDR", "env-http")
	t.Setenv("LARDER_AUTH_DB_PATH", "/env/auth.db")
	t.Setenv("LARDER_WEBAUTHN_RP_ORIGINS", "https://larder.test,https://www.larder.test")
	t.Setenv("LARDER_SESSION_LEDGER_FALLBACK", "true")

	fs := flag.NewFlagSet("auth", flag.ContinueOnError)
	args := []string{"-grpc-port", "9000", "-http-addr", "flag-http"}
	cfg, err := ParseConfig(fs, args)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.GRPCPort != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.GRPCPort)
	}
	if cfg.HTTPAddr != "flag-http" {
		t.Fatalf("expected flag http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.DBPath != "/env/auth.db" {
		t.Fatalf("expected env db path, got %q", cfg.DBPath)
	}
	if len(cfg.Passkey.RPOrigins) != 2 || !cfg.Session.LedgerFallback {
		t.Fatalf("nested env not applied: %+v / %+v", cfg.Passkey, cfg.Session)
	}
}

func TestParseConfigRejectsBadEnv(t *testing.T) {
	t.Setenv("LARDER_AUTH_GRPC_PORT", "not-a-port")
	if _, err := ParseConfig(flag.NewFlagSet("auth", flag.ContinueOnError), nil); err == nil {
		t.Fatal("expected env parse error")
	}
}

func TestNewLoggerTagsService(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(Config{}, &buf).Info("hello")
	if !strings.Contains(buf.String(), "service=auth") {
		t.Fatalf("log line = %q", buf.String())
	}
}
