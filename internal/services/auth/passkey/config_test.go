package passkey

import (
	"testing"
	"time"
)

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	cfg := LoadConfigFromEnv()
	if cfg.RPDisplayName != "Larder" {
		t.Fatalf("RPDisplayName = %q, want %q", cfg.RPDisplayName, "Larder")
	}
	if len(cfg.RPOrigins) != 0 {
		t.Fatalf("RPOrigins = %v, want empty", cfg.RPOrigins)
	}
	if cfg.ChallengeTTL != 5*time.Minute {
		t.Fatalf("ChallengeTTL = %v, want %v", cfg.ChallengeTTL, 5*time.Minute)
	}
	if cfg.AllowClonedCounters {
		t.Fatal("expected cloned counters rejected by default")
	}
}

func TestLoadConfigFromEnvCustomRPName(t *testing.T) {
	t.Setenv("LARDER_WEBAUTHN_RP_DISPLAY_NAME", "My Pantry")
	cfg := LoadConfigFromEnv()
	if cfg.RPDisplayName != "My Pantry" {
		t.Fatalf("RPDisplayName = %q, want %q", cfg.RPDisplayName, "My Pantry")
	}
}

func TestLoadConfigFromEnvCustomOrigins(t *testing.T) {
	t.Setenv("LARDER_WEBAUTHN_RP_ORIGINS", "https://a.com,https://b.com")
	cfg := LoadConfigFromEnv()
	if len(cfg.RPOrigins) != 2 {
		t.Fatalf("RPOrigins len = %d, want 2", len(cfg.RPOrigins))
	}
	if cfg.RPOrigins[0] != "https://a.com" || cfg.RPOrigins[1] != "https://b.com" {
		t.Fatalf("RPOrigins = %v", cfg.RPOrigins)
	}
}

func TestLoadConfigFromEnvInvalidTTLFallsBack(t *testing.T) {
	t.Setenv("LARDER_WEBAUTHN_CHALLENGE_TTL", "bad-duration")
	cfg := LoadConfigFromEnv()
	if cfg.ChallengeTTL != 5*time.Minute {
		t.Fatalf("ChallengeTTL = %v, want %v", cfg.ChallengeTTL, 5*time.Minute)
	}
	if cfg.RPDisplayName != "Larder" {
		t.Fatalf("RPDisplayName = %q", cfg.RPDisplayName)
	}
}

func TestResolveOrigin(t *testing.T) {
	tests := []struct {
		name      string
		allowlist []string
		origin    string
		wantID    string
		wantOrig  string
		wantErr   bool
	}{
		{name: "localhost with port", origin: "http://localhost:8086", wantID: "localhost", wantOrig: "http://localhost:8086"},
		{name: "path dropped and case folded", origin: "HTTPS://Larder.Example.com/login", wantID: "larder.example.com", wantOrig: "https://larder.example.com"},
		{name: "allowlisted", allowlist: []string{"https://larder.example.com"}, origin: "https://larder.example.com", wantID: "larder.example.com", wantOrig: "https://larder.example.com"},
		{name: "not allowlisted", allowlist: []string{"https://larder.example.com"}, origin: "https://evil.example.com", wantErr: true},
		{name: "port must match allowlist", allowlist: []string{"http://localhost:8086"}, origin: "http://localhost:9000", wantErr: true},
		{name: "empty", origin: "", wantErr: true},
		{name: "unsupported scheme", origin: "ftp://larder.example.com", wantErr: true},
		{name: "missing host", origin: "https://", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rp, err := Config{RPOrigins: tt.allowlist}.ResolveOrigin(tt.origin)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", rp)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve origin: %v", err)
			}
			if rp.ID != tt.wantID || rp.Origin != tt.wantOrig {
				t.Fatalf("rp = %+v", rp)
			}
		})
	}
}
