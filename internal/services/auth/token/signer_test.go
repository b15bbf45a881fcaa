package token

import (
	"crypto/ed25519"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/louisbranch/larder/internal/platform/errors"
)

func newTestSigner(t *testing.T, now *time.Time) *Signer {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	signer, err := NewSigner(Config{
		SigningKey: base64.StdEncoding.EncodeToString(seed),
		Issuer:     "larder-auth",
		BridgeTTL:  5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	signer.clock = func() time.Time { return *now }
	counter := 0
	signer.idGenerator = func() (string, error) {
		counter++
		return "jti-" + string(rune('a'+counter)), nil
	}
	return signer
}

func TestMintBridgeRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	signer := newTestSigner(t, &now)

	minted, err := signer.MintBridge("identity-1")
	if err != nil {
		t.Fatalf("mint bridge: %v", err)
	}
	if got := minted.Claims.ExpiresAt; !got.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("ExpiresAt = %v", got)
	}

	claims, err := signer.ParseBridge(minted.Token)
	if err != nil {
		t.Fatalf("parse bridge: %v", err)
	}
	if claims.Subject != "identity-1" || claims.Audience != AudienceBridge || claims.ID == "" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestBridgeTokenExpires(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	signer := newTestSigner(t, &now)
	minted, err := signer.MintBridge("identity-1")
	if err != nil {
		t.Fatalf("mint bridge: %v", err)
	}

	now = now.Add(5 * time.Minute)
	_, err = signer.ParseBridge(minted.Token)
	if !apperrors.IsCode(err, apperrors.CodeUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestAudiencesAreNotInterchangeable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	signer := newTestSigner(t, &now)

	bridge, err := signer.MintBridge("identity-1")
	if err != nil {
		t.Fatalf("mint bridge: %v", err)
	}
	if _, err := signer.ParseSession(bridge.Token); !apperrors.IsCode(err, apperrors.CodeUnauthorized) {
		t.Fatalf("bridge accepted as session: %v", err)
	}

	session, err := signer.MintSession("identity-1", "ws-1", now, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("mint session: %v", err)
	}
	if _, err := signer.ParseBridge(session.Token); !apperrors.IsCode(err, apperrors.CodeUnauthorized) {
		t.Fatalf("session accepted as bridge: %v", err)
	}
	claims, err := signer.ParseSession(session.Token)
	if err != nil {
		t.Fatalf("parse session: %v", err)
	}
	if claims.ID != "ws-1" {
		t.Fatalf("jti = %q, want ws-1", claims.ID)
	}
}

func TestParseRejectsForeignSignature(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	signer := newTestSigner(t, &now)
	other, err := NewSigner(Config{Issuer: "larder-auth"})
	if err != nil {
		t.Fatalf("new ephemeral signer: %v", err)
	}
	other.clock = signer.clock

	minted, err := other.MintBridge("identity-1")
	if err != nil {
		t.Fatalf("mint bridge: %v", err)
	}
	_, err = signer.ParseBridge(minted.Token)
	if !apperrors.IsCode(err, apperrors.CodeUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestParseRejectsOtherAlgorithms(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	signer := newTestSigner(t, &now)
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "larder-auth",
		Subject:   "identity-1",
		Audience:  jwt.ClaimStrings{AudienceBridge},
		ID:        "jti",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign forged token: %v", err)
	}
	if _, err := signer.ParseBridge(forged); !apperrors.IsCode(err, apperrors.CodeUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestParseRejectsIssuerMismatch(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	signer := newTestSigner(t, &now)
	minted, err := signer.MintBridge("identity-1")
	if err != nil {
		t.Fatalf("mint bridge: %v", err)
	}
	signer.issuer = "someone-else"
	_, err = signer.ParseBridge(minted.Token)
	domainErr, ok := apperrors.As(err)
	if !ok || domainErr.Metadata["Field"] != "issuer" {
		t.Fatalf("expected issuer mismatch, got %v", err)
	}
}

func TestParseEmpty(t *testing.T) {
	now := time.Now()
	signer := newTestSigner(t, &now)
	if _, err := signer.ParseBridge("  "); !apperrors.IsCode(err, apperrors.CodeUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestMintRequiresSubject(t *testing.T) {
	now := time.Now()
	signer := newTestSigner(t, &now)
	if _, err := signer.MintBridge(" "); err == nil {
		t.Fatal("expected error for empty subject")
	}
	if _, err := signer.MintSession("identity-1", "", now, now.Add(time.Hour)); err == nil {
		t.Fatal("expected error for empty session id")
	}
}

func TestSigningKeyResolution(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	seed[0] = 7
	fromSeed, err := Config{SigningKey: base64.RawURLEncoding.EncodeToString(seed)}.signingKey(nil)
	if err != nil {
		t.Fatalf("seed key: %v", err)
	}
	if !fromSeed.Equal(ed25519.NewKeyFromSeed(seed)) {
		t.Fatal("expected key derived from seed")
	}

	full := ed25519.NewKeyFromSeed(seed)
	fromFull, err := Config{SigningKey: base64.StdEncoding.EncodeToString(full)}.signingKey(nil)
	if err != nil {
		t.Fatalf("full key: %v", err)
	}
	if !fromFull.Equal(full) {
		t.Fatal("expected full private key to be used as is")
	}

	first, err := Config{SigningKey: "correct horse battery staple"}.signingKey(nil)
	if err != nil {
		t.Fatalf("passphrase key: %v", err)
	}
	second, err := Config{SigningKey: "correct horse battery staple"}.signingKey(nil)
	if err != nil {
		t.Fatalf("passphrase key: %v", err)
	}
	if !first.Equal(second) {
		t.Fatal("expected passphrase derivation to be stable")
	}
	if first.Equal(fromSeed) {
		t.Fatal("expected passphrase key to differ from seed key")
	}
}

func TestConfigEphemeral(t *testing.T) {
	if !(Config{}).Ephemeral() {
		t.Fatal("expected empty config to be ephemeral")
	}
	if (Config{SigningKey: "secret"}).Ephemeral() {
		t.Fatal("expected configured key not to be ephemeral")
	}
}

func TestNewSignerRequiresIssuer(t *testing.T) {
	if _, err := NewSigner(Config{Issuer: " "}); err == nil || !strings.Contains(err.Error(), "issuer") {
		t.Fatalf("expected issuer error, got %v", err)
	}
}
